// Copyright 2025 Nonvolatile Inc. d/b/a Confident Security
//
// Licensed under the Functional Source License, Version 1.1,
// ALv2 Future License, the terms and conditions of which are
// set forth in the "LICENSE" file included in the root directory
// of this code repository (the "License"); you may not use this
// file except in compliance with the License. You may obtain
// a copy of the License at
//
// https://fsl.software/FSL-1.1-ALv2.template.md
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics holds the gateway's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal tracks inference requests by outcome.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpu_gateway_requests_total",
			Help: "Total number of proxied inference requests",
		},
		[]string{"surface", "outcome"}, // surface: generate/chat/openai/passthrough; outcome: ok/user_busy/capacity_unavailable/upstream_error
	)

	// RequestDuration tracks end-to-end request latency.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gpu_gateway_request_duration_seconds",
			Help:    "Duration of proxied inference requests",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"surface"},
	)

	// WorkersByState tracks fleet occupancy.
	WorkersByState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gpu_gateway_workers",
			Help: "Number of workers currently in each lifecycle state",
		},
		[]string{"state"},
	)

	// ResumesTotal tracks cold-start attempts.
	ResumesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpu_gateway_resumes_total",
			Help: "Total number of worker resume attempts",
		},
		[]string{"outcome"}, // ok/failed
	)

	// PausesTotal tracks idle-eviction and operator pauses.
	PausesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpu_gateway_pauses_total",
			Help: "Total number of worker pause attempts",
		},
		[]string{"outcome"},
	)

	// AuthFailuresTotal tracks rejected API keys.
	AuthFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpu_gateway_auth_failures_total",
			Help: "Total number of rejected authentication attempts",
		},
		[]string{"reason"}, // missing/invalid
	)

	// ReservationRaceRetries tracks how often placement had to retry after
	// losing a reservation race.
	ReservationRaceRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gpu_gateway_reservation_race_retries_total",
			Help: "Total number of placement retries after losing a reservation race",
		},
	)
)
