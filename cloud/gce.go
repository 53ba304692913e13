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

package cloud

import (
	"context"
	"fmt"
	"strings"
	"time"

	compute "cloud.google.com/go/compute/apiv1"
	"cloud.google.com/go/compute/apiv1/computepb"
	"google.golang.org/api/iterator"
)

// GCEConfig configures the GCE-backed cloud collaborator. A GCE instance's
// RUNNING/TERMINATED lifecycle stands in for a pausable GPU workspace:
// Instances.Stop frees the GPU allocation, Instances.Start re-provisions it.
type GCEConfig struct {
	// Project is the GCP project the fleet lives in.
	Project string `yaml:"project"`
	// Zone is the GCP zone the fleet lives in.
	Zone string `yaml:"zone"`
	// MachineNameFilter restricts discovery to instance names containing
	// this substring (empty means no filtering).
	MachineNameFilter string `yaml:"machine_name_filter"`
}

// GCEClient implements Client against the Google Compute Engine API.
type GCEClient struct {
	cfg    GCEConfig
	client *compute.InstancesClient
}

// NewGCEClient constructs a GCEClient from an existing instances REST client,
// so callers control the client's lifecycle (and can substitute a fake in
// tests without a real gRPC/REST dial).
func NewGCEClient(cfg GCEConfig, client *compute.InstancesClient) *GCEClient {
	return &GCEClient{cfg: cfg, client: client}
}

func (c *GCEClient) DiscoverGPUWorkspaces(ctx context.Context) ([]Workspace, error) {
	req := &computepb.ListInstancesRequest{
		Project: c.cfg.Project,
		Zone:    c.cfg.Zone,
	}

	var workspaces []Workspace
	it := c.client.List(ctx, req)
	for {
		instance, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list instances: %w", err)
		}

		name := instance.GetName()
		if c.cfg.MachineNameFilter != "" && !strings.Contains(name, c.cfg.MachineNameFilter) {
			continue
		}

		workspaces = append(workspaces, toWorkspace(instance))
	}

	return workspaces, nil
}

func (c *GCEClient) GetWorkspace(ctx context.Context, id string) (Workspace, error) {
	instance, err := c.client.Get(ctx, &computepb.GetInstanceRequest{
		Project:  c.cfg.Project,
		Zone:     c.cfg.Zone,
		Instance: id,
	})
	if err != nil {
		return Workspace{}, fmt.Errorf("failed to get instance %s: %w", id, err)
	}

	return toWorkspace(instance), nil
}

func (c *GCEClient) ResumeWorkspace(ctx context.Context, id string) error {
	op, err := c.client.Start(ctx, &computepb.StartInstanceRequest{
		Project:  c.cfg.Project,
		Zone:     c.cfg.Zone,
		Instance: id,
	})
	if err != nil {
		return fmt.Errorf("failed to start instance %s: %w", id, err)
	}
	return op.Wait(ctx)
}

func (c *GCEClient) PauseWorkspace(ctx context.Context, id string) error {
	op, err := c.client.Stop(ctx, &computepb.StopInstanceRequest{
		Project:  c.cfg.Project,
		Zone:     c.cfg.Zone,
		Instance: id,
	})
	if err != nil {
		return fmt.Errorf("failed to stop instance %s: %w", id, err)
	}
	return op.Wait(ctx)
}

func (c *GCEClient) WaitForWorkspaceStatus(ctx context.Context, id string, target Status, timeout, interval time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		ws, err := c.GetWorkspace(ctx, id)
		if err != nil {
			return false, err
		}
		if ws.Status == target {
			return true, nil
		}

		select {
		case <-ctx.Done():
			return false, nil
		case <-ticker.C:
		}
	}
}

func toWorkspace(instance *computepb.Instance) Workspace {
	var ip string
	for _, iface := range instance.GetNetworkInterfaces() {
		if iface.GetNetworkIP() != "" {
			ip = iface.GetNetworkIP()
			break
		}
	}

	return Workspace{
		ID:     fmt.Sprintf("%d", instance.GetId()),
		Name:   instance.GetName(),
		IP:     ip,
		Flavor: lastPathSegment(instance.GetMachineType()),
		Status: statusFromGCE(instance.GetStatus()),
	}
}

func lastPathSegment(s string) string {
	parts := strings.Split(s, "/")
	return parts[len(parts)-1]
}

func statusFromGCE(status string) Status {
	switch status {
	case "RUNNING":
		return StatusRunning
	case "TERMINATED", "STOPPED":
		return StatusPaused
	case "STOPPING", "SUSPENDING":
		return StatusPausing
	case "PROVISIONING", "STAGING", "SUSPENDED":
		return StatusResuming
	default:
		return StatusUnknown
	}
}
