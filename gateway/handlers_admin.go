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
	"net/http"

	"github.com/google/uuid"

	"github.com/latticeforge/gpu-gateway/gatewayerr"
	"github.com/latticeforge/gpu-gateway/metrics"
	"github.com/latticeforge/gpu-gateway/registry"
)

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Service) handleDiscover(w http.ResponseWriter, r *http.Request, userID string) {
	writeJSON(w, http.StatusOK, s.reg.Snapshot())
}

// gpuStats is the aggregated, dashboard-friendly view of the fleet.
type gpuStats struct {
	ByState        map[registry.State]int `json:"by_state"`
	TotalWorkers   int                     `json:"total_workers"`
	ActiveRequests int                     `json:"active_requests"`
	RequestsToday  int64                   `json:"requests_today"`
	TotalRequests  int64                   `json:"total_requests"`
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request, userID string) {
	snap := s.reg.Snapshot()
	stats := gpuStats{ByState: make(map[registry.State]int), TotalWorkers: len(snap)}
	for _, worker := range snap {
		stats.ByState[worker.State]++
		stats.ActiveRequests += worker.ActiveRequests
		stats.RequestsToday += worker.RequestsToday
		stats.TotalRequests += worker.TotalRequests
		metrics.WorkersByState.WithLabelValues(string(worker.State)).Set(float64(stats.ByState[worker.State]))
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Service) handleWorkerStatus(w http.ResponseWriter, r *http.Request, userID string) {
	reqID := uuid.NewString()
	id := r.PathValue("id")
	worker, ok := s.reg.Get(id)
	if !ok {
		writeError(w, reqID, gatewayerr.New(gatewayerr.KindNotFound, "no such worker", nil))
		return
	}
	writeJSON(w, http.StatusOK, worker)
}

func (s *Service) handleResume(w http.ResponseWriter, r *http.Request, userID string) {
	reqID := uuid.NewString()
	id := r.PathValue("id")
	if _, ok := s.reg.Get(id); !ok {
		writeError(w, reqID, gatewayerr.New(gatewayerr.KindNotFound, "no such worker", nil))
		return
	}

	if !s.lifecycle.Resume(r.Context(), id) {
		metrics.ResumesTotal.WithLabelValues("failed").Inc()
		writeError(w, reqID, gatewayerr.New(gatewayerr.KindResumeFailed, "worker failed to resume", nil))
		return
	}
	metrics.ResumesTotal.WithLabelValues("ok").Inc()
	worker, _ := s.reg.Get(id)
	writeJSON(w, http.StatusOK, worker)
}

func (s *Service) handlePause(w http.ResponseWriter, r *http.Request, userID string) {
	reqID := uuid.NewString()
	id := r.PathValue("id")
	worker, ok := s.reg.Get(id)
	if !ok {
		writeError(w, reqID, gatewayerr.New(gatewayerr.KindNotFound, "no such worker", nil))
		return
	}
	if worker.ActiveRequests > 0 {
		writeError(w, reqID, gatewayerr.New(gatewayerr.KindBadState, "worker has requests in flight", nil))
		return
	}

	if !s.lifecycle.Pause(r.Context(), id) {
		metrics.PausesTotal.WithLabelValues("failed").Inc()
		writeError(w, reqID, gatewayerr.New(gatewayerr.KindBadState, "worker failed to pause", nil))
		return
	}
	metrics.PausesTotal.WithLabelValues("ok").Inc()
	worker, _ = s.reg.Get(id)
	writeJSON(w, http.StatusOK, worker)
}
