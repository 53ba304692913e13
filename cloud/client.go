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

// Package cloud is the gateway's view of the external cloud control plane:
// list/get/pause/resume of GPU-backed workspaces. It is a thin contract
// around whatever cloud actually hosts the fleet; Client is the only type
// the rest of the gateway depends on.
package cloud

import (
	"context"
	"time"
)

// Status is the workspace lifecycle state as reported by the cloud provider.
type Status string

const (
	StatusRunning  Status = "Running"
	StatusPaused   Status = "Paused"
	StatusResuming Status = "Resuming"
	StatusPausing  Status = "Pausing"
	StatusUpdating Status = "Updating"
	StatusUnknown  Status = "Unknown"
)

// Workspace is a GPU-backed compute node as known to the cloud provider.
type Workspace struct {
	ID     string
	Name   string
	IP     string
	Flavor string
	Status Status
}

// Client is the contract the scheduler consumes from the cloud collaborator.
// Implementations talk to whatever control plane actually owns the fleet.
type Client interface {
	// DiscoverGPUWorkspaces lists every GPU workspace the gateway is
	// permitted to schedule onto, filtered by whatever selection the
	// implementation was configured with.
	DiscoverGPUWorkspaces(ctx context.Context) ([]Workspace, error)

	// GetWorkspace returns the current view of a single workspace.
	GetWorkspace(ctx context.Context, id string) (Workspace, error)

	// ResumeWorkspace asks the provider to wake a paused workspace. It
	// returns once the request has been accepted, not once the workspace
	// is running — callers poll via WaitForWorkspaceStatus.
	ResumeWorkspace(ctx context.Context, id string) error

	// PauseWorkspace asks the provider to de-provision a workspace's GPU.
	PauseWorkspace(ctx context.Context, id string) error

	// WaitForWorkspaceStatus polls until the workspace reports target, the
	// timeout elapses, or ctx is cancelled. The bool return is false (with
	// a nil error) on a clean timeout, so callers can distinguish "gave up"
	// from "provider error" without string-matching.
	WaitForWorkspaceStatus(ctx context.Context, id string, target Status, timeout, interval time.Duration) (bool, error)
}
