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

package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/latticeforge/gpu-gateway/gatewayerr"
	"github.com/latticeforge/gpu-gateway/metrics"
	"github.com/latticeforge/gpu-gateway/placement"
	"github.com/latticeforge/gpu-gateway/registry"
)

const maxSelectionAttempts = 3

// slotLease is the scoped handle over a started request: Release returns
// the worker's slot exactly once no matter how many exit paths call it
// (success, error return, or a recovered panic), per the router's
// release-exactly-once design.
type slotLease struct {
	once     sync.Once
	reg      *registry.Registry
	workerID string
}

func newSlotLease(reg *registry.Registry, workerID string) *slotLease {
	return &slotLease{reg: reg, workerID: workerID}
}

// Release finishes the request on the worker record. Safe to call multiple
// times and safe to call via defer alongside an earlier explicit call.
func (l *slotLease) Release() {
	l.once.Do(func() {
		if err := l.reg.FinishRequest(l.workerID); err != nil {
			slog.Error("failed to finish request on slot release", "worker", l.workerID, "error", err)
		}
	})
}

// reserveAndStart runs the bounded-retry selection pipeline: select a
// worker, resume it if paused, wait out a resume already in flight, claim
// it with try_reserve, preload the model if needed, then start the request.
// It returns a slotLease the caller must Release exactly once, and the
// worker record as of start_request.
func (s *Service) reserveAndStart(ctx context.Context, userID string, fp placement.Fingerprint) (*slotLease, registry.Worker, *gatewayerr.Error) {
	return s.reserveAndStartWith(ctx, userID, fp, placement.Select)
}

// reserveAndStartPassthrough is reserveAndStart with model-affinity skipped
// entirely: the sentinel model name passthrough requests carry can never
// hit find_with_model, so selection degrades straight to "any free slot".
func (s *Service) reserveAndStartPassthrough(ctx context.Context, fp placement.Fingerprint) (*slotLease, registry.Worker, *gatewayerr.Error) {
	return s.reserveAndStartWith(ctx, fp.UserID, fp, func(f placement.Finder, _ placement.Fingerprint) placement.Decision {
		return placement.SelectAnyFree(f)
	})
}

func (s *Service) reserveAndStartWith(ctx context.Context, userID string, fp placement.Fingerprint, selector func(placement.Finder, placement.Fingerprint) placement.Decision) (*slotLease, registry.Worker, *gatewayerr.Error) {
	raceBackoff := backoff.NewConstantBackOff(500 * time.Millisecond)

	for attempt := 0; attempt < maxSelectionAttempts; attempt++ {
		ctx, span := tracer.Start(ctx, "gateway.select_worker")
		decision := selector(s.reg, fp)
		span.End()

		if decision.Worker == nil {
			return nil, registry.Worker{}, gatewayerr.New(gatewayerr.KindCapacityUnavailable, "no worker available for this model", nil)
		}
		workerID := decision.Worker.ID

		if decision.NeedsResume {
			ctx, span := tracer.Start(ctx, "gateway.resume_worker")
			ok := s.lifecycle.Resume(ctx, workerID)
			span.End()
			if !ok {
				metrics.ResumesTotal.WithLabelValues("failed").Inc()
				_ = s.reg.ClearReservation(workerID)
				return nil, registry.Worker{}, gatewayerr.New(gatewayerr.KindResumeFailed, "worker failed to resume", nil)
			}
			metrics.ResumesTotal.WithLabelValues("ok").Inc()
		}

		if w, ok := s.reg.Get(workerID); ok && w.State == registry.StateStarting {
			if !s.waitForActive(ctx, workerID) {
				return nil, registry.Worker{}, gatewayerr.New(gatewayerr.KindResumeFailed, "worker did not become active before startup timeout", nil)
			}
		}

		reserved, err := s.reg.TryReserve(workerID, userID, fp.Model, s.timing.ReservationTTL())
		if err != nil {
			return nil, registry.Worker{}, gatewayerr.New(gatewayerr.KindNotFound, "worker vanished during reservation", err)
		}
		if !reserved {
			metrics.ReservationRaceRetries.Inc()
			select {
			case <-time.After(raceBackoff.NextBackOff()):
			case <-ctx.Done():
				return nil, registry.Worker{}, gatewayerr.New(gatewayerr.KindReservationRaceLost, "context cancelled while retrying reservation", ctx.Err())
			}
			continue
		}

		if decision.NeedsModelLoad {
			ctx, span := tracer.Start(ctx, "gateway.load_model")
			err := s.lifecycle.EnsureModelLoaded(ctx, workerID, fp.Model, fp.ContextLength)
			span.End()
			if err != nil {
				return nil, registry.Worker{}, gatewayerr.New(gatewayerr.KindModelLoadFailed, "model preload failed", err)
			}
		}

		if err := s.reg.StartRequest(workerID, userID); err != nil {
			return nil, registry.Worker{}, gatewayerr.New(gatewayerr.KindBadState, "failed to start request on selected worker", err)
		}

		w, _ := s.reg.Get(workerID)
		return newSlotLease(s.reg, workerID), w, nil
	}

	return nil, registry.Worker{}, gatewayerr.New(gatewayerr.KindReservationRaceLost, "exhausted selection attempts after repeated reservation races", nil)
}

// waitForActive polls a resuming worker until it leaves Starting, the
// startup timeout elapses, or ctx is cancelled.
func (s *Service) waitForActive(ctx context.Context, workerID string) bool {
	deadline := time.Now().Add(s.timing.StartupTimeout())
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		w, ok := s.reg.Get(workerID)
		if !ok {
			return false
		}
		switch w.State {
		case registry.StateIdle, registry.StateModelReady, registry.StateBusy:
			return true
		case registry.StateError:
			return false
		}
		if time.Now().After(deadline) {
			return false
		}

		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
