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

import "github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/models"

// Subscribe registers an observer and returns its unsubscribe function.
// Observers registered at the time of a transition all receive the same
// (old, new) pair; each gets its own context copy. Unsubscribing is safe
// concurrently with transitions but must not happen from inside an
// observer callback.
func (m *Machine) Subscribe(fn Observer) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextObserverID
	m.nextObserverID++
	m.observers = append(m.observers, observerEntry{id: id, fn: fn})

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		for i, entry := range m.observers {
			if entry.id == id {
				m.observers = append(m.observers[:i], m.observers[i+1:]...)

				return
			}
		}
	}
}

// notifyLocked delivers one change to every observer. Runs under the write
// lock so transitions reach all observers in the same order.
func (m *Machine) notifyLocked(oldStatus, newStatus models.DeviceStatus) {
	for _, entry := range m.observers {
		entry.fn(models.StateChange{
			DeviceID:  m.deviceID,
			OldStatus: oldStatus,
			NewStatus: newStatus,
			Context:   m.snapshotLocked(),
		})
	}
}
