// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package engine is the contract against the automation engine that
// recognizes screen content and issues input events. The engine itself is an
// external collaborator; executors drive it exclusively through these
// interfaces.
package engine

import (
	"context"

	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/controller"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/pipeline"
)

// Status is the engine's judgment of one posted entry.
type Status int

const (
	StatusInvalid Status = iota
	StatusPending
	StatusRunning
	StatusSucceeded
	StatusFailed
)

// String returns the lowercase status name.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	default:
		return "invalid"
	}
}

// Done reports whether the status is terminal.
func (s Status) Done() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Resource is a bound resource bundle. Handles are opaque; executors cache
// them keyed by path and content fingerprint.
type Resource interface {
	// Path returns the bundle path the resource was bound from.
	Path() string
}

// Job is the handle of one posted entry.
type Job interface {
	// Wait blocks until the entry reaches a terminal status or ctx is done.
	Wait(ctx context.Context) (Status, error)

	// Status returns the current status without blocking.
	Status() Status

	// Result returns the engine's result document once the job is done. A
	// failed job yields an error carrying the engine's failure message.
	Result() (pipeline.Document, error)
}

// Engine executes named pipeline entries against one device.
type Engine interface {
	// BindResource loads the bundle at path and binds it, together with the
	// device controller, for subsequent PostTask calls. The returned handle
	// stays valid until the next BindResource call.
	BindResource(ctx context.Context, path string, ctrl controller.Controller) (Resource, error)

	// PostTask submits one entry with its override document and returns the
	// running job.
	PostTask(ctx context.Context, entry string, override pipeline.Document) (Job, error)

	// PostStop asks the engine to abort the in-flight job. The abort is
	// observed through the job's Wait, not through PostStop itself.
	PostStop(ctx context.Context) error
}

// Factory builds a fresh engine instance. Each executor owns exactly one.
type Factory func() Engine
