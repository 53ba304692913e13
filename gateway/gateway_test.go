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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticeforge/gpu-gateway/auth"
	"github.com/latticeforge/gpu-gateway/cloud"
	"github.com/latticeforge/gpu-gateway/config"
	"github.com/latticeforge/gpu-gateway/gatewayerr"
	"github.com/latticeforge/gpu-gateway/lifecycle"
	"github.com/latticeforge/gpu-gateway/registry"
	"github.com/latticeforge/gpu-gateway/userlock"
)

// fakeCloud is a hand-built stand-in for the GCE collaborator.
type fakeCloud struct {
	mu       sync.Mutex
	resumed  []string
	paused   []string
	resumeOK bool
}

func newFakeCloud() *fakeCloud { return &fakeCloud{resumeOK: true} }

func (f *fakeCloud) DiscoverGPUWorkspaces(ctx context.Context) ([]cloud.Workspace, error) {
	return nil, nil
}
func (f *fakeCloud) GetWorkspace(ctx context.Context, id string) (cloud.Workspace, error) {
	return cloud.Workspace{}, nil
}
func (f *fakeCloud) ResumeWorkspace(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed = append(f.resumed, id)
	return nil
}
func (f *fakeCloud) PauseWorkspace(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = append(f.paused, id)
	return nil
}
func (f *fakeCloud) WaitForWorkspaceStatus(ctx context.Context, id string, target cloud.Status, timeout, interval time.Duration) (bool, error) {
	return f.resumeOK, nil
}

// fakeLoader is a no-op model loader: EnsureModelLoaded in production hits
// the worker's real /api/generate, which the fake worker server below
// already answers, so the fake loader only needs to record that it ran.
type fakeLoader struct {
	calls atomic.Int32
}

func (f *fakeLoader) EnsureLoaded(ctx context.Context, workerIP, model string, contextLength int) error {
	f.calls.Add(1)
	return nil
}

// newFakeWorker starts an httptest server standing in for a worker's Ollama
// daemon, answering /api/generate and /api/chat with canned JSON and
// recording every request it receives.
type fakeWorker struct {
	mu       sync.Mutex
	requests []string
}

func newFakeWorker(t *testing.T) (*httptest.Server, *fakeWorker) {
	t.Helper()
	fw := &fakeWorker{}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/generate", func(w http.ResponseWriter, r *http.Request) {
		fw.record(r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"llama3","response":"ok","done":true}`))
	})
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		fw.record(r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"llama3","message":{"role":"assistant","content":"hi"},"done":true}`))
	})
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		fw.record(r.URL.Path)
		_, _ = w.Write([]byte(`{"models":[]}`))
	})
	return httptest.NewServer(mux), fw
}

func (f *fakeWorker) record(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, path)
}

func (f *fakeWorker) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// workerIPFrom extracts the host:port httptest.Server listens on, which
// proxyToWorker treats as the worker's bare IP (it appends ":11434" itself
// in production; tests instead rewrite the port via a custom RoundTripper
// below so the fake worker can listen on its own ephemeral port).
func workerIPFrom(t *testing.T, srv *httptest.Server) (ip string, port string) {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, p, err := splitHostPort(u.Host)
	require.NoError(t, err)
	return host, p
}

func splitHostPort(hostport string) (string, string, error) {
	idx := strings.LastIndex(hostport, ":")
	if idx < 0 {
		return hostport, "", nil
	}
	return hostport[:idx], hostport[idx+1:], nil
}

// rewritePortTransport rewrites the fixed ":11434" port proxyToWorker always
// dials to the fake worker's actual ephemeral port, so tests don't need a
// real Ollama daemon listening on 11434.
type rewritePortTransport struct {
	realPort string
}

func (rt rewritePortTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	host, _, err := splitHostPort(req.URL.Host)
	if err != nil {
		return nil, err
	}
	req.URL.Host = host + ":" + rt.realPort
	return http.DefaultTransport.RoundTrip(req)
}

type testHarness struct {
	svc    *Service
	reg    *registry.Registry
	cloud  *fakeCloud
	loader *fakeLoader
	worker *httptest.Server
	fw     *fakeWorker
	apiKey string
	userID string
}

func newHarness(t *testing.T, workerStates map[string]registry.State) *testHarness {
	t.Helper()

	workerSrv, fw := newFakeWorker(t)
	t.Cleanup(workerSrv.Close)
	_, port := workerIPFrom(t, workerSrv)

	reg := registry.New(1)
	var workspaces []cloud.Workspace
	for id, state := range workerStates {
		status := cloud.StatusRunning
		if state == registry.StatePaused {
			status = cloud.StatusPaused
		}
		workspaces = append(workspaces, cloud.Workspace{ID: id, Name: id, IP: "127.0.0.1", Status: status})
	}
	reg.DiscoverAndSeed(workspaces)
	for id, state := range workerStates {
		if state == registry.StateModelReady {
			require.NoError(t, reg.SetModel(id, &registry.ModelInfo{Name: "llama3"}))
			require.NoError(t, reg.SetState(id, registry.StateModelReady))
		}
	}

	fc := newFakeCloud()
	loader := &fakeLoader{}
	lc := lifecycle.New(reg, fc, loader, 5*time.Second)
	locks := userlock.New()

	keysPath := filepath.Join(t.TempDir(), "keys.json")
	require.NoError(t, writeKeysFile(keysPath, "test-key", "alice"))
	authStore, err := auth.Load(keysPath)
	require.NoError(t, err)

	timing := config.TimingConfig{
		ReservationMinutes:         10,
		FallbackReservationMinutes: 3,
		StartupTimeoutSeconds:      5,
		OllamaReadinessWaitSeconds: 1,
	}

	httpClient := &http.Client{Transport: rewritePortTransport{realPort: port}}
	svc := NewService(reg, lc, locks, authStore, timing, httpClient)

	return &testHarness{svc: svc, reg: reg, cloud: fc, loader: loader, worker: workerSrv, fw: fw, apiKey: "test-key", userID: "alice"}
}

func writeKeysFile(path, key, userID string) error {
	records := []auth.Record{{Key: key, UserID: userID}}
	b, err := json.Marshal(records)
	if err != nil {
		return err
	}
	return writeFile(path, b)
}

func writeFile(path string, b []byte) error {
	return os.WriteFile(path, b, 0o600)
}

func doGenerate(t *testing.T, h *testHarness, model string) *httptest.ResponseRecorder {
	t.Helper()
	body := strings.NewReader(`{"model":"` + model + `","prompt":"hi"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/generate", body)
	req.Header.Set("Authorization", "Bearer "+h.apiKey)
	rec := httptest.NewRecorder()
	h.svc.Routes().ServeHTTP(rec, req)
	return rec
}

func TestScenarioColdStartWithAffinityMiss(t *testing.T) {
	h := newHarness(t, map[string]registry.State{"gpu1": registry.StatePaused})

	rec := doGenerate(t, h, "llama3")
	assert.Equal(t, http.StatusOK, rec.Code)

	h.cloud.mu.Lock()
	resumed := append([]string{}, h.cloud.resumed...)
	h.cloud.mu.Unlock()
	assert.Equal(t, []string{"gpu1"}, resumed, "the only paused worker should have been resumed")
	assert.Equal(t, int32(1), h.loader.calls.Load(), "a cold worker always needs a model load")

	w, _ := h.reg.Get("gpu1")
	assert.Equal(t, registry.StateModelReady, w.State)
}

func TestScenarioWarmAffinityHit(t *testing.T) {
	h := newHarness(t, map[string]registry.State{"gpu1": registry.StateModelReady})

	rec := doGenerate(t, h, "llama3")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, h.cloud.resumed, "a warm affinity hit never needs a resume")
	assert.Equal(t, int32(0), h.loader.calls.Load(), "a warm affinity hit never needs a model load")
}

func TestScenarioPerUserSerialization(t *testing.T) {
	h := newHarness(t, map[string]registry.State{
		"gpu1": registry.StateModelReady,
		"gpu2": registry.StateModelReady,
	})

	var wg sync.WaitGroup
	codes := make([]int, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := doGenerate(t, h, "llama3")
			codes[i] = rec.Code
		}(i)
	}
	wg.Wait()

	ok, busy := 0, 0
	for _, c := range codes {
		switch c {
		case http.StatusOK:
			ok++
		case http.StatusTooManyRequests:
			busy++
		}
	}
	assert.Equal(t, 2, ok+busy)
}

func TestScenarioCapacityUnavailable(t *testing.T) {
	h := newHarness(t, map[string]registry.State{})
	rec := doGenerate(t, h, "llama3")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestScenarioPassthroughSkipsModelAffinity(t *testing.T) {
	h := newHarness(t, map[string]registry.State{"gpu1": registry.StateIdle})

	req := httptest.NewRequest(http.MethodGet, "/api/tags", nil)
	req.Header.Set("Authorization", "Bearer "+h.apiKey)
	rec := httptest.NewRecorder()
	h.svc.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, h.fw.count())
}

func TestUnauthenticatedRequestIsRejected(t *testing.T) {
	h := newHarness(t, map[string]registry.State{"gpu1": registry.StateModelReady})

	req := httptest.NewRequest(http.MethodPost, "/api/generate", strings.NewReader(`{"model":"llama3"}`))
	rec := httptest.NewRecorder()
	h.svc.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))
}

func TestAdminPauseRefusesBusyWorker(t *testing.T) {
	h := newHarness(t, map[string]registry.State{"gpu1": registry.StateModelReady})
	require.NoError(t, h.reg.StartRequest("gpu1", "someone-else"))

	req := httptest.NewRequest(http.MethodPost, "/gpu/gpu1/pause", nil)
	req.Header.Set("Authorization", "Bearer "+h.apiKey)
	rec := httptest.NewRecorder()
	h.svc.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthEndpointNeedsNoAuth(t *testing.T) {
	h := newHarness(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.svc.Routes().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatsReflectsFleetOccupancy(t *testing.T) {
	h := newHarness(t, map[string]registry.State{
		"gpu1": registry.StateModelReady,
		"gpu2": registry.StateIdle,
	})

	req := httptest.NewRequest(http.MethodGet, "/gpu/stats", nil)
	req.Header.Set("Authorization", "Bearer "+h.apiKey)
	rec := httptest.NewRecorder()
	h.svc.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var stats gpuStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 2, stats.TotalWorkers)
	assert.Equal(t, 1, stats.ByState[registry.StateModelReady])
	assert.Equal(t, 1, stats.ByState[registry.StateIdle])
}

func TestContextLengthFromOptionsHandlesJSONNumberAndInt(t *testing.T) {
	assert.Equal(t, 4096, contextLengthFromOptions(map[string]any{"num_ctx": float64(4096)}))
	assert.Equal(t, 2048, contextLengthFromOptions(map[string]any{"num_ctx": 2048}))
	assert.Equal(t, 0, contextLengthFromOptions(map[string]any{}))
}

func TestOutcomeForKindMapping(t *testing.T) {
	cases := []struct {
		kind gatewayerr.Kind
		want string
	}{
		{gatewayerr.KindUserBusy, "user_busy"},
		{gatewayerr.KindUpstreamFailed, "upstream_error"},
		{gatewayerr.KindCapacityUnavailable, "capacity_unavailable"},
		{gatewayerr.KindResumeFailed, "capacity_unavailable"},
		{gatewayerr.KindModelLoadFailed, "capacity_unavailable"},
		{gatewayerr.KindReservationRaceLost, "capacity_unavailable"},
	}
	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			assert.Equal(t, tc.want, outcomeForKind(tc.kind))
		})
	}
}
