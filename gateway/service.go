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

// Package gateway is the HTTP request router and reverse proxy: it
// authenticates callers, serializes per-user access, drives placement and
// lifecycle to get a worker ready, then proxies the inference call and
// releases the slot exactly once.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/latticeforge/gpu-gateway/auth"
	"github.com/latticeforge/gpu-gateway/config"
	"github.com/latticeforge/gpu-gateway/gatewayerr"
	"github.com/latticeforge/gpu-gateway/lifecycle"
	"github.com/latticeforge/gpu-gateway/registry"
	"github.com/latticeforge/gpu-gateway/userlock"
)

var tracer = otel.Tracer("github.com/latticeforge/gpu-gateway/gateway")

// userLockTimeout bounds how long a caller waits to acquire its per-user
// slot before the router gives up with 429.
const userLockTimeout = 120 * time.Second

// Service wires together every scheduler collaborator behind the HTTP
// surface. It holds no request-scoped state itself — everything per-request
// lives on the stack of the handler goroutine.
type Service struct {
	reg       *registry.Registry
	lifecycle *lifecycle.Controller
	locks     *userlock.Serializer
	authStore *auth.Store
	timing    config.TimingConfig

	httpClient *http.Client
}

// NewService constructs a Service. httpClient is the client used to reach
// worker Ollama daemons; callers typically pass one with no overall timeout
// so per-request context deadlines (not a fixed client timeout) govern
// cancellation.
func NewService(reg *registry.Registry, lc *lifecycle.Controller, locks *userlock.Serializer, authStore *auth.Store, timing config.TimingConfig, httpClient *http.Client) *Service {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Service{
		reg:        reg,
		lifecycle:  lc,
		locks:      locks,
		authStore:  authStore,
		timing:     timing,
		httpClient: httpClient,
	}
}

// Routes returns the gateway's HTTP handler, with every path from the
// external interface table wired up.
func (s *Service) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /gpu/discover", s.withAuth(s.handleDiscover))
	mux.HandleFunc("GET /gpu/stats", s.withAuth(s.handleStats))
	mux.HandleFunc("GET /gpu/{id}/status", s.withAuth(s.handleWorkerStatus))
	mux.HandleFunc("POST /gpu/{id}/resume", s.withAuth(s.handleResume))
	mux.HandleFunc("POST /gpu/{id}/pause", s.withAuth(s.handlePause))

	mux.HandleFunc("POST /api/generate", s.withAuth(s.handleGenerate))
	mux.HandleFunc("POST /api/chat", s.withAuth(s.handleChat))
	mux.HandleFunc("POST /v1/chat/completions", s.withAuth(s.handleOpenAIChat))

	// Registered last and least specific: Go's ServeMux prefers the more
	// specific literal patterns above for the same path regardless of
	// registration order, so this only ever catches the passthrough surface.
	mux.HandleFunc("/api/{path...}", s.withAuth(s.handlePassthrough))

	return mux
}

type ctxKey int

const ctxKeyUserID ctxKey = iota

// withAuth authenticates the bearer token and passes the resolved user id to
// next as an argument.
func (s *Service) withAuth(next func(w http.ResponseWriter, r *http.Request, userID string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx, span := tracer.Start(r.Context(), "gateway.request", trace.WithAttributes())
		defer span.End()
		r = r.WithContext(ctx)

		key := bearerToken(r)
		if key == "" {
			writeError(w, reqID, gatewayerr.New(gatewayerr.KindAuthMissing, "missing bearer token", nil))
			return
		}

		userID, ok := s.authStore.Authenticate(key)
		if !ok {
			writeError(w, reqID, gatewayerr.New(gatewayerr.KindAuthInvalid, "unknown api key", nil))
			return
		}
		s.authStore.RecordUsage(key)

		next(w, r, userID)
	}
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) <= len(prefix) || h[:len(prefix)] != prefix {
		return ""
	}
	return h[len(prefix):]
}

// acquireUserLock acquires the caller's serialization slot, writing a 429 on
// timeout. It returns false when the caller should stop handling the
// request (the response has already been written).
func (s *Service) acquireUserLock(ctx context.Context, w http.ResponseWriter, reqID, userID string) bool {
	if s.locks.Acquire(ctx, userID, userLockTimeout) {
		return true
	}
	writeError(w, reqID, gatewayerr.New(gatewayerr.KindUserBusy, "user already has a request in flight", nil))
	return false
}

func writeError(w http.ResponseWriter, reqID string, err *gatewayerr.Error) {
	slog.Error("request failed", "request_id", reqID, "kind", err.Kind, "error", err.Unwrap())
	w.Header().Set("Content-Type", "application/json")
	if err.Kind == gatewayerr.KindAuthMissing || err.Kind == gatewayerr.KindAuthInvalid {
		w.Header().Set("WWW-Authenticate", "Bearer")
	}
	w.WriteHeader(err.Kind.StatusCode())
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": err.Message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
