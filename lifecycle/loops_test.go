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

package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticeforge/gpu-gateway/cloud"
	"github.com/latticeforge/gpu-gateway/registry"
)

func TestEvictIdleWorkersPausesStaleModelReadyOnly(t *testing.T) {
	reg := registry.New(1)
	reg.DiscoverAndSeed([]cloud.Workspace{
		{ID: "stale", Status: cloud.StatusRunning},
		{ID: "fresh", Status: cloud.StatusRunning},
		{ID: "bare-idle", Status: cloud.StatusRunning},
	})
	require.NoError(t, reg.SetModel("stale", &registry.ModelInfo{Name: "llama3"}))
	require.NoError(t, reg.SetState("stale", registry.StateModelReady))
	require.NoError(t, reg.SetModel("fresh", &registry.ModelInfo{Name: "llama3"}))
	require.NoError(t, reg.SetState("fresh", registry.StateModelReady))

	forceIdleSince(reg, "stale", time.Now().Add(-time.Hour))

	cl := &fakeCloud{}
	c := New(reg, cl, fakeLoader{}, time.Second)
	c.evictIdleWorkers(context.Background(), 10*time.Minute)

	staleAfter, _ := reg.Get("stale")
	assert.Equal(t, registry.StatePaused, staleAfter.State, "a ModelReady worker idle past the reservation window should be paused")

	freshAfter, _ := reg.Get("fresh")
	assert.Equal(t, registry.StateModelReady, freshAfter.State, "a worker that just became idle must not be evicted yet")

	bareAfter, _ := reg.Get("bare-idle")
	assert.Equal(t, registry.StateIdle, bareAfter.State, "bare Idle (no model) is not subject to idle eviction")
}

// forceIdleSince backdates a worker's idle_since for eviction tests. The
// registry's own Worker.IdleSince pointer aliases the stored value, so
// writing through a snapshot's pointer mutates the live record without
// needing a dedicated registry mutator just for tests.
func forceIdleSince(reg *registry.Registry, id string, when time.Time) {
	w, ok := reg.Get(id)
	if !ok || w.IdleSince == nil {
		return
	}
	*w.IdleSince = when
}

func TestClearExpiredReservations(t *testing.T) {
	reg := registry.New(1)
	reg.DiscoverAndSeed([]cloud.Workspace{{ID: "gpu1", Status: cloud.StatusRunning}})

	ok, err := reg.TryReserve("gpu1", "u1", "llama3", -time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	c := New(reg, &fakeCloud{}, fakeLoader{}, time.Second)
	c.clearExpiredReservations()

	w, _ := reg.Get("gpu1")
	assert.Nil(t, w.Reservation)
}

func TestNextLocalMidnightIsAlwaysInTheFuture(t *testing.T) {
	now := time.Date(2026, 7, 31, 23, 59, 0, 0, time.UTC)
	next := nextLocalMidnight(now)

	assert.True(t, next.After(now))
	assert.Equal(t, 0, next.Hour())
	assert.Equal(t, 0, next.Minute())
	assert.Equal(t, 1, next.Day())
}
