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

package userlock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.True(t, s.Acquire(ctx, "u1", time.Second))
	s.Release("u1")
	require.True(t, s.Acquire(ctx, "u1", time.Second), "the entry must be reusable after a release")
}

func TestAcquireBlocksASecondCallerUntilReleased(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.True(t, s.Acquire(ctx, "u1", time.Second))

	var secondGotIn atomic.Bool
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if s.Acquire(ctx, "u1", time.Second) {
			secondGotIn.Store(true)
		}
	}()

	time.Sleep(50 * time.Millisecond)
	assert.False(t, secondGotIn.Load(), "a second request for the same user must not run concurrently with the first")

	s.Release("u1")
	wg.Wait()
	assert.True(t, secondGotIn.Load(), "the second request should acquire once the first releases")
}

func TestAcquireTimesOutWhileHeld(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.True(t, s.Acquire(ctx, "u1", time.Second))

	start := time.Now()
	ok := s.Acquire(ctx, "u1", 20*time.Millisecond)
	elapsed := time.Since(start)

	assert.False(t, ok)
	assert.GreaterOrEqual(t, elapsed, 20*time.Millisecond)
}

func TestAcquireIsPerUser(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.True(t, s.Acquire(ctx, "u1", time.Second))
	assert.True(t, s.Acquire(ctx, "u2", time.Second), "a lock held for one user must not block another")
}

func TestSweepUnheldRemovesOnlyStaleUnheldEntries(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.True(t, s.Acquire(ctx, "busy", time.Second))
	require.True(t, s.Acquire(ctx, "idle-fresh", time.Second))
	s.Release("idle-fresh")
	require.True(t, s.Acquire(ctx, "idle-stale", time.Second))
	s.Release("idle-stale")

	assert.Equal(t, 3, s.Len())

	removed := s.SweepUnheld(time.Hour)
	assert.Equal(t, 0, removed, "nothing is old enough to sweep yet")

	removed = s.SweepUnheld(0)
	assert.Equal(t, 2, removed, "both unheld entries should sweep once maxAge is effectively zero")
	assert.Equal(t, 1, s.Len(), "the held entry for busy must survive the sweep")
}
