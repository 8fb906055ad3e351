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

import (
	"time"

	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/pipeline"
)

// SubTaskSpec is one named step of a Task. Steps execute strictly in list
// order; Override parameterizes how the engine runs the entry.
type SubTaskSpec struct {
	Override pipeline.Document `json:"override,omitempty" yaml:"override,omitempty"`
	Name     string            `json:"name"                yaml:"name"`
	Entry    string            `json:"entry"               yaml:"entry"`
}

// Task is one unit of work bound to a single device. The ID is assigned by
// the registry when the submission is accepted; after that only the owning
// executor mutates task state.
type Task struct {
	CreatedAt    time.Time     `json:"createdAt"`
	ID           string        `json:"id"`
	DeviceID     string        `json:"deviceId"`
	Name         string        `json:"name,omitempty"`
	ResourceID   string        `json:"resourceId"`
	ResourcePath string        `json:"resourcePath"`
	ResourcePack string        `json:"resourcePack,omitempty"`
	SubTasks     []SubTaskSpec `json:"subTasks"`
}

// TaskResult is the terminal outcome of one task, retained for a bounded
// time after the executor finishes so late readers can still resolve it.
type TaskResult struct {
	StartedAt  time.Time         `json:"startedAt"`
	FinishedAt time.Time         `json:"finishedAt"`
	Payload    pipeline.Document `json:"payload,omitempty"`
	TaskID     string            `json:"taskId"`
	DeviceID   string            `json:"deviceId"`
	TaskName   string            `json:"taskName,omitempty"`
	Status     DeviceStatus      `json:"status"`
	Error      string            `json:"error,omitempty"`
}

// Succeeded reports whether the task reached StatusCompleted.
func (r TaskResult) Succeeded() bool {
	return r.Status == StatusCompleted
}

// TaskEventKind names a point in the task lifecycle.
type TaskEventKind string

const (
	TaskSubmitted TaskEventKind = "submitted"
	TaskStarted   TaskEventKind = "started"
	TaskCompleted TaskEventKind = "completed"
	TaskFailed    TaskEventKind = "failed"
	TaskCanceled  TaskEventKind = "canceled"
)

// TaskEvent is emitted on every task lifecycle edge.
type TaskEvent struct {
	At       time.Time     `json:"at"`
	Kind     TaskEventKind `json:"kind"`
	DeviceID string        `json:"deviceId"`
	TaskID   string        `json:"taskId"`
	TaskName string        `json:"taskName,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// ScheduleEventKind names a schedule bookkeeping change.
type ScheduleEventKind string

const (
	ScheduleAdded     ScheduleEventKind = "added"
	ScheduleRemoved   ScheduleEventKind = "removed"
	ScheduleModified  ScheduleEventKind = "modified"
	ScheduleTriggered ScheduleEventKind = "triggered"
)

// ScheduleEvent is emitted when a schedule entry is changed or fires.
type ScheduleEvent struct {
	At         time.Time         `json:"at"`
	NextFire   *time.Time        `json:"nextFire,omitempty"`
	Kind       ScheduleEventKind `json:"kind"`
	ScheduleID string            `json:"scheduleId"`
	DeviceID   string            `json:"deviceId,omitempty"`
	Error      string            `json:"error,omitempty"`
}
