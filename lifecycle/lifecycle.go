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

// Package lifecycle drives workers through their state machine using the
// cloud collaborator (resume/pause) and a model loader (preload), and owns
// the background loops that return idle fleet capacity to the cloud.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/latticeforge/gpu-gateway/cloud"
	"github.com/latticeforge/gpu-gateway/registry"
)

// Controller drives worker state transitions. It holds no state of its own
// beyond its collaborators; all worker state lives in the registry.
type Controller struct {
	reg    *registry.Registry
	cloud  cloud.Client
	loader ModelLoader

	startupTimeout time.Duration
}

// New constructs a Controller.
func New(reg *registry.Registry, cl cloud.Client, loader ModelLoader, startupTimeout time.Duration) *Controller {
	return &Controller{reg: reg, cloud: cl, loader: loader, startupTimeout: startupTimeout}
}

// Resume wakes a paused workspace: Starting -> cloud resume -> poll -> Idle,
// or Error on failure/timeout.
func (c *Controller) Resume(ctx context.Context, workerID string) bool {
	if err := c.reg.SetState(workerID, registry.StateStarting); err != nil {
		slog.ErrorContext(ctx, "failed to set worker starting", "worker", workerID, "error", err)
		return false
	}

	if err := c.cloud.ResumeWorkspace(ctx, workerID); err != nil {
		slog.ErrorContext(ctx, "cloud resume failed", "worker", workerID, "error", err)
		c.markError(ctx, workerID)
		return false
	}

	ok, err := c.cloud.WaitForWorkspaceStatus(ctx, workerID, cloud.StatusRunning, c.startupTimeout, 2*time.Second)
	if err != nil || !ok {
		slog.ErrorContext(ctx, "worker did not reach running before timeout", "worker", workerID, "error", err)
		c.markError(ctx, workerID)
		return false
	}

	if err := c.reg.SetState(workerID, registry.StateIdle); err != nil {
		slog.ErrorContext(ctx, "failed to mark worker idle after resume", "worker", workerID, "error", err)
		return false
	}

	return true
}

// Pause de-provisions a workspace, refusing while any request is in flight.
func (c *Controller) Pause(ctx context.Context, workerID string) bool {
	w, ok := c.reg.Get(workerID)
	if !ok {
		return false
	}
	if w.ActiveRequests > 0 {
		slog.WarnContext(ctx, "refusing to pause a busy worker", "worker", workerID)
		return false
	}

	if err := c.reg.SetState(workerID, registry.StatePausing); err != nil {
		return false
	}
	if err := c.reg.SetModel(workerID, nil); err != nil {
		slog.ErrorContext(ctx, "failed to clear model before pause", "worker", workerID, "error", err)
	}

	if err := c.cloud.PauseWorkspace(ctx, workerID); err != nil {
		slog.ErrorContext(ctx, "cloud pause failed", "worker", workerID, "error", err)
		c.markError(ctx, workerID)
		return false
	}

	if err := c.reg.SetState(workerID, registry.StatePaused); err != nil {
		return false
	}
	return true
}

// EnsureModelLoaded preloads model onto the worker, marking it ModelReady on
// success or Error on failure. The worker is not retried within this call;
// the router's caller treats failure as a 503 for the current request.
func (c *Controller) EnsureModelLoaded(ctx context.Context, workerID, model string, contextLength int) error {
	if err := c.reg.SetState(workerID, registry.StateLoadingModel); err != nil {
		return fmt.Errorf("failed to mark worker loading: %w", err)
	}

	w, ok := c.reg.Get(workerID)
	if !ok {
		return fmt.Errorf("worker %s vanished mid-load", workerID)
	}

	if err := c.loader.EnsureLoaded(ctx, w.IP, model, contextLength); err != nil {
		slog.ErrorContext(ctx, "model preload failed", "worker", workerID, "model", model, "error", err)
		c.markError(ctx, workerID)
		return err
	}

	now := time.Now()
	info := &registry.ModelInfo{
		Name:          model,
		LoadedAt:      now,
		LastUsed:      now,
		ContextLength: contextLength,
	}
	if err := c.reg.SetModel(workerID, info); err != nil {
		return err
	}
	return c.reg.SetState(workerID, registry.StateModelReady)
}

func (c *Controller) markError(ctx context.Context, workerID string) {
	if err := c.reg.SetState(workerID, registry.StateError); err != nil {
		slog.ErrorContext(ctx, "failed to mark worker errored", "worker", workerID, "error", err)
	}
	if err := c.reg.ClearReservation(workerID); err != nil {
		slog.ErrorContext(ctx, "failed to clear reservation on errored worker", "worker", workerID, "error", err)
	}
}
