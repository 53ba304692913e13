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

// Package registry is the authoritative in-memory map of worker records.
// All state transitions go through its operations rather than field
// accessors, so the invariants in the worker state machine are enforced in
// exactly one place.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/latticeforge/gpu-gateway/cloud"
)

// State is a worker's position in the lifecycle state machine.
type State string

const (
	StatePaused       State = "Paused"
	StateStarting     State = "Starting"
	StateIdle         State = "Idle"
	StateLoadingModel State = "LoadingModel"
	StateModelReady   State = "ModelReady"
	StateBusy         State = "Busy"
	StatePausing      State = "Pausing"
	StateError        State = "Error"
)

// ModelInfo describes the model currently resident on a worker.
type ModelInfo struct {
	Name          string
	Size          int64
	LoadedAt      time.Time
	LastUsed      time.Time
	ContextLength int
}

// Reservation is a short-lived exclusive claim on a worker, guarding against
// concurrent placement races between the decision and the actual request.
type Reservation struct {
	UserID     string
	ReservedAt time.Time
	ExpiresAt  time.Time
	ModelName  string
}

// Worker is a point-in-time, value-typed view of a worker record. Snapshot()
// returns these. Assigning to a Worker's fields has no effect on the
// registry, but the pointer fields (LoadedModel, Reservation, IdleSince)
// point at the same values the live record holds: the registry replaces
// those values rather than writing through them, so a snapshot does not
// change afterward, while writing through one of its pointers does change
// the live record.
type Worker struct {
	ID     string
	Name   string
	IP     string
	Flavor string

	State State

	LoadedModel *ModelInfo
	Reservation *Reservation

	ActiveRequests int
	MaxSlots       int

	LastStateChange time.Time
	LastRequest     time.Time
	IdleSince       *time.Time

	TotalRequests int64
	RequestsToday int64
}

// IsAvailable reports whether a worker can accept a new request: no live
// reservation, an active-but-not-busy state, and a free slot.
func IsAvailable(w Worker) bool {
	if w.Reservation != nil {
		return false
	}
	if w.State != StateIdle && w.State != StateModelReady {
		return false
	}
	return w.ActiveRequests < w.MaxSlots
}

// entry is the mutable, lock-protected record backing a Worker snapshot.
type entry struct {
	mu sync.Mutex
	w  Worker
}

// Registry is the authoritative worker-state store. The zero value is not
// usable; construct with New.
type Registry struct {
	mapMu   sync.RWMutex
	entries map[string]*entry

	defaultMaxSlots int
}

// New constructs an empty Registry. defaultMaxSlots is the slot count
// DiscoverAndSeed gives every worker it creates; there is no per-flavor or
// per-workspace override.
func New(defaultMaxSlots int) *Registry {
	if defaultMaxSlots <= 0 {
		defaultMaxSlots = 1
	}
	return &Registry{
		entries:         make(map[string]*entry),
		defaultMaxSlots: defaultMaxSlots,
	}
}

// DiscoverAndSeed creates a record for every workspace the cloud collaborator
// reports, mapping its status onto the worker state machine's initial state.
// It is called once at startup; workers are never removed afterward.
func (r *Registry) DiscoverAndSeed(workspaces []cloud.Workspace) {
	r.mapMu.Lock()
	defer r.mapMu.Unlock()

	now := time.Now()
	for _, ws := range workspaces {
		w := Worker{
			ID:              ws.ID,
			Name:            ws.Name,
			IP:              ws.IP,
			Flavor:          ws.Flavor,
			State:           stateFromCloudStatus(ws.Status),
			MaxSlots:        r.defaultMaxSlots,
			LastStateChange: now,
		}
		if w.State == StateIdle {
			idleSince := now
			w.IdleSince = &idleSince
		}
		r.entries[ws.ID] = &entry{w: w}
	}
}

func stateFromCloudStatus(status cloud.Status) State {
	switch status {
	case cloud.StatusRunning:
		return StateIdle
	case cloud.StatusPaused:
		return StatePaused
	case cloud.StatusResuming:
		return StateStarting
	case cloud.StatusPausing:
		return StatePausing
	default:
		return StateError
	}
}

// Snapshot returns a point-in-time copy of every worker record, copied by
// value under each worker's lock, so no lock needs to be held afterward.
// Pointer fields are shared with the live record (see Worker).
func (r *Registry) Snapshot() []Worker {
	r.mapMu.RLock()
	defer r.mapMu.RUnlock()

	out := make([]Worker, 0, len(r.entries))
	for _, e := range r.entries {
		e.mu.Lock()
		out = append(out, e.w)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns a single worker's current snapshot.
func (r *Registry) Get(id string) (Worker, bool) {
	e, ok := r.lookup(id)
	if !ok {
		return Worker{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.w, true
}

func (r *Registry) lookup(id string) (*entry, bool) {
	r.mapMu.RLock()
	defer r.mapMu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// withEntry runs fn under the per-worker lock, lazily clearing an expired
// reservation first so every mutator and read observes a consistent view.
func (r *Registry) withEntry(id string, fn func(w *Worker) error) error {
	e, ok := r.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	clearExpiredReservation(&e.w)
	return fn(&e.w)
}

func clearExpiredReservation(w *Worker) {
	if w.Reservation != nil && time.Now().After(w.Reservation.ExpiresAt) {
		w.Reservation = nil
	}
}

// IsAvailableByID evaluates IsAvailable under the worker's lock, lazily
// clearing an expired reservation first (spec §4.1's "evaluating this also
// lazily clears an expired reservation").
func (r *Registry) IsAvailableByID(id string) bool {
	available := false
	_ = r.withEntry(id, func(w *Worker) error {
		available = IsAvailable(*w)
		return nil
	})
	return available
}

// FindWithModel returns an available worker with model resident, tie-broken
// by fewest active requests then by ID.
func (r *Registry) FindWithModel(model string) (Worker, bool) {
	candidates := r.Snapshot()
	var best *Worker
	for i := range candidates {
		w := &candidates[i]
		r.clearIfExpired(w)
		if !IsAvailable(*w) {
			continue
		}
		if w.LoadedModel == nil || w.LoadedModel.Name != model {
			continue
		}
		if best == nil || w.ActiveRequests < best.ActiveRequests ||
			(w.ActiveRequests == best.ActiveRequests && w.ID < best.ID) {
			best = w
		}
	}
	if best == nil {
		return Worker{}, false
	}
	return *best, true
}

// FindIdle returns an available worker, preferring Idle over ModelReady.
func (r *Registry) FindIdle() (Worker, bool) {
	candidates := r.Snapshot()
	var bestIdle, bestReady *Worker
	for i := range candidates {
		w := &candidates[i]
		r.clearIfExpired(w)
		if !IsAvailable(*w) {
			continue
		}
		switch w.State {
		case StateIdle:
			if bestIdle == nil || w.ID < bestIdle.ID {
				bestIdle = w
			}
		case StateModelReady:
			if bestReady == nil || w.ID < bestReady.ID {
				bestReady = w
			}
		}
	}
	if bestIdle != nil {
		return *bestIdle, true
	}
	if bestReady != nil {
		return *bestReady, true
	}
	return Worker{}, false
}

// FindPaused returns any paused worker.
func (r *Registry) FindPaused() (Worker, bool) {
	candidates := r.Snapshot()
	for _, w := range candidates {
		if w.State == StatePaused {
			return w, true
		}
	}
	return Worker{}, false
}

// clearIfExpired mutates a snapshot copy in place to reflect a lazily
// cleared reservation, keeping Find* consistent with IsAvailableByID without
// re-taking the worker's lock for every candidate.
func (r *Registry) clearIfExpired(w *Worker) {
	clearExpiredReservation(w)
}

// TryReserve claims a worker for user, succeeding iff there is no live
// reservation and either the worker is on the wake path (Paused/Starting) or
// is active with a free slot.
func (r *Registry) TryReserve(id, user, model string, ttl time.Duration) (bool, error) {
	ok := false
	err := r.withEntry(id, func(w *Worker) error {
		if w.Reservation != nil {
			return nil
		}
		switch w.State {
		case StatePaused, StateStarting:
		case StateIdle, StateModelReady, StateLoadingModel:
			if w.ActiveRequests >= w.MaxSlots {
				return nil
			}
		default:
			return nil
		}

		now := time.Now()
		w.Reservation = &Reservation{
			UserID:     user,
			ReservedAt: now,
			ExpiresAt:  now.Add(ttl),
			ModelName:  model,
		}
		ok = true
		return nil
	})
	return ok, err
}

// StartRequest transitions a worker to Busy and accounts for a new in-flight
// request. It fails if doing so would violate I1/I4 (no slot free, or the
// worker is not in an active state).
func (r *Registry) StartRequest(id, user string) error {
	return r.withEntry(id, func(w *Worker) error {
		if w.State != StateIdle && w.State != StateModelReady && w.State != StateBusy {
			return fmt.Errorf("%w: worker %s is in state %s", ErrBadState, id, w.State)
		}
		if w.ActiveRequests >= w.MaxSlots {
			return fmt.Errorf("%w: worker %s has no free slot", ErrBadState, id)
		}

		w.State = StateBusy
		w.ActiveRequests++
		w.IdleSince = nil
		w.Reservation = nil
		w.LastRequest = time.Now()
		w.TotalRequests++
		w.RequestsToday++
		return nil
	})
}

// FinishRequest decrements the active-request count and returns the worker to
// ModelReady (model present) or Idle (no model) once it reaches zero.
// Calling it beyond the number of StartRequest calls is a no-op: the guard
// against double-release lives in the caller's slot lease (see gateway),
// since the registry alone cannot distinguish "this request" from "another
// request for the same worker".
func (r *Registry) FinishRequest(id string) error {
	return r.withEntry(id, func(w *Worker) error {
		if w.ActiveRequests == 0 {
			return nil
		}
		w.ActiveRequests--
		if w.ActiveRequests == 0 {
			now := time.Now()
			if w.LoadedModel != nil {
				w.State = StateModelReady
			} else {
				w.State = StateIdle
			}
			w.IdleSince = &now
		}
		return nil
	})
}

// SetState forcibly transitions a worker, for use by the lifecycle
// controller (resume/pause/error transitions the registry cannot derive on
// its own).
func (r *Registry) SetState(id string, state State) error {
	return r.withEntry(id, func(w *Worker) error {
		w.State = state
		w.LastStateChange = time.Now()
		if state != StateModelReady || w.ActiveRequests != 0 {
			w.IdleSince = nil
		}
		return nil
	})
}

// SetModel records (or clears, when model is nil) the model resident on a
// worker.
func (r *Registry) SetModel(id string, model *ModelInfo) error {
	return r.withEntry(id, func(w *Worker) error {
		w.LoadedModel = model
		return nil
	})
}

// ClearReservation releases a worker's reservation unconditionally.
func (r *Registry) ClearReservation(id string) error {
	return r.withEntry(id, func(w *Worker) error {
		w.Reservation = nil
		return nil
	})
}

// ResetRequestsToday zeroes the daily counter for every worker; invoked once
// at local midnight by the lifecycle controller.
func (r *Registry) ResetRequestsToday() {
	r.mapMu.RLock()
	defer r.mapMu.RUnlock()
	for _, e := range r.entries {
		e.mu.Lock()
		e.w.RequestsToday = 0
		e.mu.Unlock()
	}
}
