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

// Package placement is the pure selection policy over a worker registry
// snapshot. It performs no I/O and takes no lock, so it can be unit tested
// against literal fleet snapshots.
package placement

import "github.com/latticeforge/gpu-gateway/registry"

// Fingerprint is the transient request shape placement selects against.
type Fingerprint struct {
	Model         string
	ContextLength int
	UserID        string
}

// Decision is the immutable outcome of a placement attempt.
type Decision struct {
	Worker         *registry.Worker
	NeedsResume    bool
	NeedsModelLoad bool
	EstimatedWaitS int
	Rationale      string
}

// Finder is the subset of Registry's read operations placement needs. Taking
// an interface keeps placement decoupled from the registry's locking and
// makes it trivial to exercise with hand-built fleets in tests.
type Finder interface {
	FindWithModel(model string) (registry.Worker, bool)
	FindIdle() (registry.Worker, bool)
	FindPaused() (registry.Worker, bool)
}

// Select runs the affinity-first placement algorithm described in the
// scheduler design: model affinity beats warm idle beats cold resume.
func Select(f Finder, req Fingerprint) Decision {
	if w, ok := f.FindWithModel(req.Model); ok {
		return Decision{
			Worker:         &w,
			NeedsResume:    false,
			NeedsModelLoad: false,
			EstimatedWaitS: 0,
			Rationale:      "model affinity hit",
		}
	}

	if w, ok := f.FindIdle(); ok {
		return Decision{
			Worker:         &w,
			NeedsResume:    false,
			NeedsModelLoad: true,
			EstimatedWaitS: 30,
			Rationale:      "reusing an idle or model-ready worker, cold model load required",
		}
	}

	if w, ok := f.FindPaused(); ok {
		return Decision{
			Worker:         &w,
			NeedsResume:    true,
			NeedsModelLoad: true,
			EstimatedWaitS: 30,
			Rationale:      "waking a paused worker",
		}
	}

	return Decision{
		Worker:         nil,
		NeedsResume:    false,
		NeedsModelLoad: false,
		EstimatedWaitS: -1,
		Rationale:      "no worker available",
	}
}

// SelectAnyFree implements the passthrough placement degrade described in
// the router: skip model affinity entirely (a sentinel model name can never
// hit it) and select any free slot, preferring warm over cold.
func SelectAnyFree(f Finder) Decision {
	if w, ok := f.FindIdle(); ok {
		return Decision{Worker: &w, Rationale: "passthrough: any free slot"}
	}
	if w, ok := f.FindPaused(); ok {
		return Decision{Worker: &w, NeedsResume: true, EstimatedWaitS: 30, Rationale: "passthrough: waking a paused worker"}
	}
	return Decision{Worker: nil, EstimatedWaitS: -1, Rationale: "no worker available"}
}
