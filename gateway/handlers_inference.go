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
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/latticeforge/gpu-gateway/gatewayerr"
	"github.com/latticeforge/gpu-gateway/metrics"
	"github.com/latticeforge/gpu-gateway/placement"
)

// passthroughModel is the sentinel model name used for Ollama management
// calls (tags, ps, show): it can never hit model affinity, so placement
// degrades straight to "any free slot".
const passthroughModel = "unknown"

// ollamaRequestPreview is the subset of an Ollama generate/chat request the
// router needs to inspect before it knows which worker to send the (still
// verbatim) body to.
type ollamaRequestPreview struct {
	Model   string         `json:"model"`
	Stream  *bool          `json:"stream,omitempty"`
	Options map[string]any `json:"options,omitempty"`
}

func contextLengthFromOptions(opts map[string]any) int {
	v, ok := opts["num_ctx"]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}

// outcomeForKind maps an error kind to the coarse outcome label metrics
// record requests under.
func outcomeForKind(k gatewayerr.Kind) string {
	switch k {
	case gatewayerr.KindUserBusy:
		return "user_busy"
	case gatewayerr.KindUpstreamFailed:
		return "upstream_error"
	case gatewayerr.KindCapacityUnavailable, gatewayerr.KindResumeFailed, gatewayerr.KindModelLoadFailed, gatewayerr.KindReservationRaceLost:
		return "capacity_unavailable"
	default:
		return "upstream_error"
	}
}

func (s *Service) handleGenerate(w http.ResponseWriter, r *http.Request, userID string) {
	s.handleOllamaSurface(w, r, userID, "generate", "/api/generate")
}

func (s *Service) handleChat(w http.ResponseWriter, r *http.Request, userID string) {
	s.handleOllamaSurface(w, r, userID, "chat", "/api/chat")
}

// handleOllamaSurface backs both /api/generate and /api/chat: both need the
// same model-affinity-driven selection and forward their body verbatim.
func (s *Service) handleOllamaSurface(w http.ResponseWriter, r *http.Request, userID, surface, path string) {
	reqID := uuid.NewString()
	start := time.Now()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, reqID, gatewayerr.New(gatewayerr.KindBadState, "failed to read request body", err))
		return
	}

	var preview ollamaRequestPreview
	if err := json.Unmarshal(body, &preview); err != nil {
		writeError(w, reqID, gatewayerr.New(gatewayerr.KindBadState, "malformed request body", err))
		return
	}

	fp := placement.Fingerprint{
		Model:         preview.Model,
		ContextLength: contextLengthFromOptions(preview.Options),
		UserID:        userID,
	}

	if !s.acquireUserLock(r.Context(), w, reqID, userID) {
		metrics.RequestsTotal.WithLabelValues(surface, "user_busy").Inc()
		return
	}
	defer s.locks.Release(userID)

	lease, worker, gerr := s.reserveAndStart(r.Context(), userID, fp)
	if gerr != nil {
		metrics.RequestsTotal.WithLabelValues(surface, outcomeForKind(gerr.Kind)).Inc()
		writeError(w, reqID, gerr)
		return
	}
	defer lease.Release()

	if gerr := s.proxyToWorker(r.Context(), w, http.MethodPost, worker.IP, path, body, r.Header.Get("Content-Type")); gerr != nil {
		metrics.RequestsTotal.WithLabelValues(surface, outcomeForKind(gerr.Kind)).Inc()
		writeError(w, reqID, gerr)
		return
	}

	metrics.RequestsTotal.WithLabelValues(surface, "ok").Inc()
	metrics.RequestDuration.WithLabelValues(surface).Observe(time.Since(start).Seconds())
}

// handlePassthrough serves every other /api/* Ollama management call
// (tags, ps, show, ...): placement degrades to "any free slot" since there
// is no model key to match affinity against.
func (s *Service) handlePassthrough(w http.ResponseWriter, r *http.Request, userID string) {
	reqID := uuid.NewString()
	start := time.Now()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, reqID, gatewayerr.New(gatewayerr.KindBadState, "failed to read request body", err))
		return
	}

	if !s.acquireUserLock(r.Context(), w, reqID, userID) {
		metrics.RequestsTotal.WithLabelValues("passthrough", "user_busy").Inc()
		return
	}
	defer s.locks.Release(userID)

	fp := placement.Fingerprint{Model: passthroughModel, UserID: userID}
	lease, worker, gerr := s.reserveAndStartPassthrough(r.Context(), fp)
	if gerr != nil {
		metrics.RequestsTotal.WithLabelValues("passthrough", outcomeForKind(gerr.Kind)).Inc()
		writeError(w, reqID, gerr)
		return
	}
	defer lease.Release()

	if gerr := s.proxyToWorker(r.Context(), w, r.Method, worker.IP, r.URL.Path, body, r.Header.Get("Content-Type")); gerr != nil {
		metrics.RequestsTotal.WithLabelValues("passthrough", outcomeForKind(gerr.Kind)).Inc()
		writeError(w, reqID, gerr)
		return
	}

	metrics.RequestsTotal.WithLabelValues("passthrough", "ok").Inc()
	metrics.RequestDuration.WithLabelValues("passthrough").Observe(time.Since(start).Seconds())
}
