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

// Package devicestate tracks one device's lifecycle status plus its context
// snapshot and broadcasts every observable change to subscribers.
//
// The machine is the single source of truth for a device's status. The
// owning executor drives it through SetState/UpdateContext; everyone else
// (registry, event bus, API) reads snapshots or subscribes. Transition
// legality is enforced by an explicit event table, so an executor bug that
// tries an impossible edge (disconnected straight to running) surfaces as
// an error instead of corrupting the published state.
package devicestate

import (
	"context"
	"sync"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/logger"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/models"
)

// Observer receives one StateChange per observable transition. Observers run
// synchronously inside the machine's lock and must not call back into the
// machine; do the minimum and hand off to a channel for anything heavier.
type Observer func(change models.StateChange)

type observerEntry struct {
	fn Observer
	id uint64
}

// Machine is the per-device state machine. Safe for concurrent use.
type Machine struct {
	fsm            *fsm.FSM
	logger         *zap.SugaredLogger
	deviceID       string
	observers      []observerEntry
	current        models.StateContext
	nextObserverID uint64
	mu             sync.RWMutex
}

// NewMachine creates a machine for one device, starting disconnected.
func NewMachine(deviceID string, deviceName string) *Machine {
	m := &Machine{
		deviceID: deviceID,
		logger:   logger.For(logger.ComponentStateMachine),
		current: models.StateContext{
			Status:     models.StatusDisconnected,
			DeviceName: deviceName,
		},
	}

	m.fsm = fsm.NewFSM(
		string(models.StatusDisconnected),
		fsm.Events(transitionTable()),
		fsm.Callbacks{
			"enter_state": func(ctx context.Context, e *fsm.Event) {
				m.logger.Debugf("Device %s state %s -> %s", m.deviceID, e.Src, e.Dst)
			},
		},
	)

	return m
}

// DeviceID returns the device this machine tracks.
func (m *Machine) DeviceID() string {
	return m.deviceID
}

// eventFor maps a target status onto its transition event name.
func eventFor(status models.DeviceStatus) string {
	return "to_" + string(status)
}

func src(statuses ...models.DeviceStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}

	return out
}

// transitionTable enumerates every legal status edge. One event per target
// status, so SetState(newStatus) maps directly onto one event.
func transitionTable() []fsm.EventDesc {
	return []fsm.EventDesc{
		// Connection establishment. A connect attempt may start from scratch,
		// from idle after a dropped link, or after any task outcome.
		{Name: eventFor(models.StatusConnecting), Src: src(
			models.StatusDisconnected, models.StatusConnected, models.StatusCompleted,
			models.StatusFailed, models.StatusCanceled, models.StatusError,
		), Dst: string(models.StatusConnecting)},
		{Name: eventFor(models.StatusConnected), Src: src(
			models.StatusConnecting, models.StatusCompleted, models.StatusFailed,
			models.StatusCanceled, models.StatusError,
		), Dst: string(models.StatusConnected)},

		// Task execution: bind the engine resource, optionally bring up the
		// agent process, then run sub-tasks. Pause gates between sub-tasks.
		{Name: eventFor(models.StatusPreparing), Src: src(
			models.StatusConnected,
		), Dst: string(models.StatusPreparing)},
		{Name: eventFor(models.StatusUpdating), Src: src(
			models.StatusPreparing, models.StatusConnected,
		), Dst: string(models.StatusUpdating)},
		{Name: eventFor(models.StatusRunning), Src: src(
			models.StatusPreparing, models.StatusUpdating, models.StatusPaused,
		), Dst: string(models.StatusRunning)},
		{Name: eventFor(models.StatusPaused), Src: src(
			models.StatusRunning,
		), Dst: string(models.StatusPaused)},

		// Task outcomes.
		{Name: eventFor(models.StatusCompleted), Src: src(
			models.StatusRunning,
		), Dst: string(models.StatusCompleted)},
		{Name: eventFor(models.StatusFailed), Src: src(
			models.StatusPreparing, models.StatusUpdating, models.StatusRunning, models.StatusPaused,
		), Dst: string(models.StatusFailed)},
		{Name: eventFor(models.StatusCanceled), Src: src(
			models.StatusConnecting, models.StatusConnected, models.StatusPreparing,
			models.StatusUpdating, models.StatusRunning, models.StatusPaused,
		), Dst: string(models.StatusCanceled)},
		// The error status is reserved for exhausted connection retries.
		// Failures during task work map to failed instead.
		{Name: eventFor(models.StatusError), Src: src(
			models.StatusConnecting,
		), Dst: string(models.StatusError)},

		// Full teardown is legal from everywhere.
		{Name: eventFor(models.StatusDisconnected), Src: src(
			models.StatusConnecting, models.StatusConnected, models.StatusUpdating,
			models.StatusPreparing, models.StatusRunning, models.StatusPaused,
			models.StatusCompleted, models.StatusFailed, models.StatusCanceled, models.StatusError,
		), Dst: string(models.StatusDisconnected)},
	}
}
