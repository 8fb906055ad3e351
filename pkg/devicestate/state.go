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

package devicestate

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/tiendc/go-deepcopy"

	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/constants"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/models"
)

// SetState replaces the status and merges the context patch in one atomic
// step, then notifies subscribers before releasing the lock. Entering a
// status applies its side effects after the patch:
//   - disconnected clears task id, task name, progress and queue fields
//   - completed forces progress to 100
//   - connected and running clear the error message
//
// A SetState to the current status degrades to a context update. When
// neither the status nor any context field observably changes, nothing is
// published. Illegal edges return an error and leave the machine untouched.
//
// Context expiration mid-transition would leave the underlying FSM with a
// half-finished transition that rejects all further events, so SetState
// refuses to start when the context is already cancelled or about to be.
func (m *Machine) SetState(ctx context.Context, newStatus models.DeviceStatus, patch models.StatePatch) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if deadline, ok := ctx.Deadline(); ok {
		if time.Until(deadline) < constants.DefaultMinimumRemainingTime {
			return fmt.Errorf("insufficient context time for state transition to %s", newStatus)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	oldStatus := m.current.Status
	if newStatus == oldStatus {
		if !patch.Apply(&m.current) {
			return nil
		}

		m.current.LastUpdated = time.Now()
		m.notifyLocked(oldStatus, newStatus)

		return nil
	}

	if err := m.fsm.Event(ctx, eventFor(newStatus)); err != nil {
		return fmt.Errorf("device %s cannot move from %s to %s: %w", m.deviceID, oldStatus, newStatus, err)
	}

	m.current.Status = newStatus
	patch.Apply(&m.current)
	m.applyEntryEffects(newStatus)
	m.current.LastUpdated = time.Now()
	m.notifyLocked(oldStatus, newStatus)

	return nil
}

// UpdateContext merges a context patch without changing the status.
// Subscribers are notified with oldStatus == newStatus; a patch that
// changes nothing observable is dropped silently.
func (m *Machine) UpdateContext(patch models.StatePatch) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !patch.Apply(&m.current) {
		return
	}

	m.current.LastUpdated = time.Now()
	m.notifyLocked(m.current.Status, m.current.Status)
}

// SetProgress is a convenience wrapper for the most frequent context update.
// The value is clamped to [0,100].
func (m *Machine) SetProgress(progress float64) {
	m.UpdateContext(models.StatePatch{Progress: models.Opt(progress)})
}

// GetState returns the current status.
func (m *Machine) GetState() models.DeviceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.current.Status
}

// Snapshot returns a deep copy of the current context. Mutating the copy
// has no effect on the machine.
func (m *Machine) Snapshot() models.StateContext {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() models.StateContext {
	var out models.StateContext

	if err := deepcopy.Copy(&out, &m.current); err != nil {
		m.logger.Errorf("Failed to deep copy state context for device %s: %v", m.deviceID, err)

		out = m.current
		out.Metadata = maps.Clone(m.current.Metadata)
	}

	return out
}

func (m *Machine) applyEntryEffects(status models.DeviceStatus) {
	switch status {
	case models.StatusDisconnected:
		m.current.ActiveTaskID = ""
		m.current.TaskName = ""
		m.current.Progress = 0
		m.current.QueuePosition = 0
		m.current.QueueLength = 0
	case models.StatusCompleted:
		m.current.Progress = 100
	case models.StatusConnected, models.StatusRunning:
		m.current.ErrorMessage = ""
	}
}
