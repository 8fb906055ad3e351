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

// Package notify delivers user-facing notifications about task and schedule
// outcomes. Delivery is fire-and-forget: sinks never block the caller and a
// failed delivery never fails the work that triggered it.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/models"
)

// Level grades a notification for presentation.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notification is one user-facing message.
type Notification struct {
	At         time.Time `json:"at"`
	Level      Level     `json:"level"`
	Title      string    `json:"title"`
	Message    string    `json:"message"`
	DeviceID   string    `json:"deviceId,omitempty"`
	TaskID     string    `json:"taskId,omitempty"`
	ScheduleID string    `json:"scheduleId,omitempty"`
}

// Sink accepts notifications for delivery.
type Sink interface {
	Notify(ctx context.Context, notification Notification) error
}

// NopSink discards everything. Used when no webhook is configured.
type NopSink struct{}

// NewNopSink creates a sink that drops all notifications.
func NewNopSink() *NopSink {
	return &NopSink{}
}

// Notify discards the notification.
func (s *NopSink) Notify(ctx context.Context, notification Notification) error {
	return nil
}

// FromTaskEvent maps a task lifecycle event to a notification.
func FromTaskEvent(event models.TaskEvent) Notification {
	name := event.TaskName
	if name == "" {
		name = event.TaskID
	}

	n := Notification{
		At:       event.At,
		DeviceID: event.DeviceID,
		TaskID:   event.TaskID,
	}

	switch event.Kind {
	case models.TaskCompleted:
		n.Level = LevelSuccess
		n.Title = "Task completed"
		n.Message = fmt.Sprintf("%s finished on device %s", name, event.DeviceID)
	case models.TaskFailed:
		n.Level = LevelError
		n.Title = "Task failed"
		n.Message = fmt.Sprintf("%s failed on device %s: %s", name, event.DeviceID, event.Error)
	case models.TaskCanceled:
		n.Level = LevelWarning
		n.Title = "Task canceled"
		n.Message = fmt.Sprintf("%s was canceled on device %s", name, event.DeviceID)
	case models.TaskStarted:
		n.Level = LevelInfo
		n.Title = "Task started"
		n.Message = fmt.Sprintf("%s started on device %s", name, event.DeviceID)
	default:
		n.Level = LevelInfo
		n.Title = "Task submitted"
		n.Message = fmt.Sprintf("%s queued on device %s", name, event.DeviceID)
	}

	return n
}

// FromScheduleEvent maps a schedule event to a notification.
func FromScheduleEvent(event models.ScheduleEvent) Notification {
	n := Notification{
		At:         event.At,
		DeviceID:   event.DeviceID,
		ScheduleID: event.ScheduleID,
	}

	if event.Error != "" {
		n.Level = LevelError
		n.Title = "Schedule failed"
		n.Message = fmt.Sprintf("schedule %s could not run: %s", event.ScheduleID, event.Error)
		return n
	}

	n.Level = LevelInfo
	n.Title = "Schedule fired"
	n.Message = fmt.Sprintf("schedule %s submitted its batch to device %s", event.ScheduleID, event.DeviceID)
	return n
}
