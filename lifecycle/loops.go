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
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/latticeforge/gpu-gateway/registry"
	"github.com/latticeforge/gpu-gateway/userlock"
)

// LoopConfig tunes the background loops' intervals.
type LoopConfig struct {
	ReservationMinutes time.Duration
	IdleEvictionPeriod time.Duration
	ReservationPeriod  time.Duration
	SweepPeriod        time.Duration
	SweepMaxAge        time.Duration
}

// DefaultLoopConfig matches the scheduler design's stated cadences.
func DefaultLoopConfig(reservationMinutes time.Duration) LoopConfig {
	return LoopConfig{
		ReservationMinutes: reservationMinutes,
		IdleEvictionPeriod: 60 * time.Second,
		ReservationPeriod:  30 * time.Second,
		SweepPeriod:        10 * time.Minute,
		SweepMaxAge:        time.Hour,
	}
}

// RunLoops starts the idle-eviction, reservation-expiry, per-user-lock
// sweeper, and daily-counter-reset loops, and blocks until ctx is cancelled
// or one loop returns a non-nil error. Each loop recovers from a panic and
// swallows transient errors (log and continue) so a single bad tick never
// kills the others.
func (c *Controller) RunLoops(ctx context.Context, cfg LoopConfig, locks *userlock.Serializer) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { c.idleEvictionLoop(ctx, cfg); return nil })
	g.Go(func() error { c.reservationExpiryLoop(ctx, cfg); return nil })
	if locks != nil {
		g.Go(func() error { sweepLoop(ctx, locks, cfg); return nil })
	}
	g.Go(func() error { c.dailyResetLoop(ctx); return nil })

	return g.Wait()
}

func (c *Controller) idleEvictionLoop(ctx context.Context, cfg LoopConfig) {
	ticker := time.NewTicker(cfg.IdleEvictionPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			safeRun(func() { c.evictIdleWorkers(ctx, cfg.ReservationMinutes) })
		}
	}
}

func (c *Controller) evictIdleWorkers(ctx context.Context, reservationMinutes time.Duration) {
	now := time.Now()
	for _, w := range c.reg.Snapshot() {
		if w.State != registry.StateModelReady || w.IdleSince == nil {
			continue
		}
		if now.Sub(*w.IdleSince) < reservationMinutes {
			continue
		}
		if !c.Pause(ctx, w.ID) {
			slog.WarnContext(ctx, "idle eviction failed to pause worker", "worker", w.ID)
		}
	}
}

func (c *Controller) reservationExpiryLoop(ctx context.Context, cfg LoopConfig) {
	ticker := time.NewTicker(cfg.ReservationPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			safeRun(func() { c.clearExpiredReservations() })
		}
	}
}

func (c *Controller) clearExpiredReservations() {
	now := time.Now()
	for _, w := range c.reg.Snapshot() {
		if w.Reservation != nil && now.After(w.Reservation.ExpiresAt) {
			if err := c.reg.ClearReservation(w.ID); err != nil {
				slog.Error("failed to clear expired reservation", "worker", w.ID, "error", err)
			}
		}
	}
}

func (c *Controller) dailyResetLoop(ctx context.Context) {
	for {
		next := nextLocalMidnight(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			safeRun(c.reg.ResetRequestsToday)
		}
	}
}

func nextLocalMidnight(from time.Time) time.Time {
	y, m, d := from.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, from.Location())
	return midnight.AddDate(0, 0, 1)
}

func sweepLoop(ctx context.Context, locks *userlock.Serializer, cfg LoopConfig) {
	ticker := time.NewTicker(cfg.SweepPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			safeRun(func() {
				n := locks.SweepUnheld(cfg.SweepMaxAge)
				if n > 0 {
					slog.Info("swept unheld per-user locks", "count", n)
				}
			})
		}
	}
}

// safeRun recovers from a panic in fn and logs it, so one bad tick never
// takes down a background loop's goroutine.
func safeRun(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("background loop tick panicked", "recovered", r)
		}
	}()
	fn()
}
