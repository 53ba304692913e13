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

// Package userlock enforces at most one in-flight request per authenticated
// user, queuing later callers up to a bounded wait instead of letting them
// deadlock a single-slot worker or starve the cluster.
package userlock

import (
	"context"
	"sync"
	"time"
)

// entry is a trylock-with-timeout: a buffered channel of capacity 1 acts as
// a mutex since sync.Mutex has no bounded-wait acquire.
type entry struct {
	ch       chan struct{}
	lastUsed time.Time
}

func newEntry() *entry {
	e := &entry{ch: make(chan struct{}, 1)}
	e.ch <- struct{}{}
	return e
}

// Serializer is a lazily-populated map of user id to mutual-exclusion
// primitive.
type Serializer struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New constructs an empty Serializer.
func New() *Serializer {
	return &Serializer{entries: make(map[string]*entry)}
}

// Acquire blocks until user's lock is held, timeout elapses, or ctx is
// cancelled. It returns false on timeout/cancellation without acquiring.
func (s *Serializer) Acquire(ctx context.Context, user string, timeout time.Duration) bool {
	e := s.entryFor(user)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case <-e.ch:
		s.mu.Lock()
		e.lastUsed = time.Now()
		s.mu.Unlock()
		return true
	case <-ctx.Done():
		return false
	}
}

// Release unlocks user's entry. Calling Release without a matching Acquire
// is a caller bug; it is idempotent only in the sense that it never blocks,
// not that it is safe to call twice (a double release would let two holders
// in at once) — callers must pair it with exactly one successful Acquire.
func (s *Serializer) Release(user string) {
	e := s.entryFor(user)
	select {
	case e.ch <- struct{}{}:
	default:
	}
}

func (s *Serializer) entryFor(user string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[user]
	if !ok {
		e = newEntry()
		s.entries[user] = e
	}
	return e
}

// SweepUnheld deletes entries whose lock is currently unheld and whose last
// use is older than maxAge. It is the optional low-priority garbage
// collector described in the serializer's design: entries are otherwise
// never deleted in-flight.
func (s *Serializer) SweepUnheld(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	cutoff := time.Now().Add(-maxAge)
	for user, e := range s.entries {
		select {
		case <-e.ch:
			// Lock was unheld; we just took it. Check age, then either
			// delete the entry or put the token back.
			if e.lastUsed.Before(cutoff) {
				delete(s.entries, user)
				removed++
				continue
			}
			e.ch <- struct{}{}
		default:
			// Currently held, leave it alone.
		}
	}
	return removed
}

// Len reports the number of tracked users, for diagnostics/tests.
func (s *Serializer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
