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

package models

import "time"

// DeviceStatus is the lifecycle state of one managed device as tracked by
// its state machine.
type DeviceStatus string

const (
	// StatusDisconnected is the initial state and the state after full teardown.
	StatusDisconnected DeviceStatus = "disconnected"
	// StatusConnecting means the controller link is being established,
	// including emulator discovery or launch.
	StatusConnecting DeviceStatus = "connecting"
	// StatusConnected is the idle resting state: link verified, no task active.
	StatusConnected DeviceStatus = "connected"
	// StatusUpdating means an agent process is being started for the
	// upcoming task and its handshake is pending.
	StatusUpdating DeviceStatus = "updating"
	// StatusPreparing means the engine resource for the next task is being bound.
	StatusPreparing DeviceStatus = "preparing"
	// StatusRunning means sub-tasks are executing.
	StatusRunning DeviceStatus = "running"
	// StatusPaused means execution is gated between sub-tasks until resumed.
	StatusPaused DeviceStatus = "paused"

	// Terminal task outcomes. The device returns to StatusConnected (or
	// StatusDisconnected on teardown) once post-task cleanup completes.

	StatusCompleted DeviceStatus = "completed"
	StatusFailed    DeviceStatus = "failed"
	StatusCanceled  DeviceStatus = "canceled"
	StatusError     DeviceStatus = "error"
)

// IsTerminal reports whether the status is a per-task terminal outcome.
func (s DeviceStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled, StatusError:
		return true
	default:
		return false
	}
}

// IsActive reports whether the device is busy with task work, meaning a
// submission would be queued rather than started immediately.
func (s DeviceStatus) IsActive() bool {
	switch s {
	case StatusUpdating, StatusPreparing, StatusRunning, StatusPaused:
		return true
	default:
		return false
	}
}

// StateContext is the context snapshot published alongside every status
// transition. Consumers always receive a copy, never a reference into the
// state machine, so they may retain it without locking.
type StateContext struct {
	LastUpdated   time.Time         `json:"lastUpdated"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Status        DeviceStatus      `json:"status"`
	DeviceName    string            `json:"deviceName,omitempty"`
	ErrorMessage  string            `json:"errorMessage,omitempty"`
	ActiveTaskID  string            `json:"activeTaskId,omitempty"`
	TaskName      string            `json:"taskName,omitempty"`
	Progress      float64           `json:"progress"`
	QueuePosition int               `json:"queuePosition"`
	QueueLength   int               `json:"queueLength"`
}

// StateChange is the event delivered to state subscribers. OldStatus equals
// NewStatus for context-only updates such as progress ticks.
type StateChange struct {
	Context   StateContext `json:"context"`
	DeviceID  string       `json:"deviceId"`
	OldStatus DeviceStatus `json:"oldStatus"`
	NewStatus DeviceStatus `json:"newStatus"`
}

// StatePatch describes a partial update to a StateContext. Nil fields are
// left untouched, so a patch can adjust progress without clobbering the
// task metadata and vice versa. Metadata entries are merged key-wise.
type StatePatch struct {
	DeviceName    *string
	ErrorMessage  *string
	ActiveTaskID  *string
	TaskName      *string
	Progress      *float64
	QueuePosition *int
	QueueLength   *int
	Metadata      map[string]string
}

// Opt wraps a value for a StatePatch pointer field.
func Opt[T any](v T) *T {
	return &v
}

// Apply merges the patch into ctx and reports whether any field observably
// changed. Progress is clamped to [0,100] before comparison, so patching
// an already-clamped value with an out-of-range one is still a no-op.
func (p StatePatch) Apply(ctx *StateContext) bool {
	changed := false

	if p.DeviceName != nil && ctx.DeviceName != *p.DeviceName {
		ctx.DeviceName = *p.DeviceName
		changed = true
	}

	if p.ErrorMessage != nil && ctx.ErrorMessage != *p.ErrorMessage {
		ctx.ErrorMessage = *p.ErrorMessage
		changed = true
	}

	if p.ActiveTaskID != nil && ctx.ActiveTaskID != *p.ActiveTaskID {
		ctx.ActiveTaskID = *p.ActiveTaskID
		changed = true
	}

	if p.TaskName != nil && ctx.TaskName != *p.TaskName {
		ctx.TaskName = *p.TaskName
		changed = true
	}

	if p.Progress != nil {
		if next := ClampProgress(*p.Progress); ctx.Progress != next {
			ctx.Progress = next
			changed = true
		}
	}

	if p.QueuePosition != nil && ctx.QueuePosition != *p.QueuePosition {
		ctx.QueuePosition = *p.QueuePosition
		changed = true
	}

	if p.QueueLength != nil && ctx.QueueLength != *p.QueueLength {
		ctx.QueueLength = *p.QueueLength
		changed = true
	}

	for k, v := range p.Metadata {
		if existing, ok := ctx.Metadata[k]; ok && existing == v {
			continue
		}

		if ctx.Metadata == nil {
			ctx.Metadata = make(map[string]string)
		}

		ctx.Metadata[k] = v
		changed = true
	}

	return changed
}

// ClampProgress bounds a progress percentage to [0,100].
func ClampProgress(p float64) float64 {
	if p < 0 {
		return 0
	}

	if p > 100 {
		return 100
	}

	return p
}
