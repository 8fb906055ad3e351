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

package scheduler

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/config"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/models"
)

// Sync reconciles the timer bookkeeping against the persisted schedule
// entries and returns the number of entries that changed. The config store
// is the source of truth: entries that appeared in the file are loaded and
// armed, entries that vanished are disarmed and dropped, and entries whose
// fields differ are re-armed with the new timing. Entries the scheduler's
// own mutation methods wrote come back unchanged and keep their pending
// timers untouched.
//
// The control loop calls this every tick, so an operator editing the config
// file by hand gets the same re-arm behavior as an API caller.
func (s *Scheduler) Sync(ctx context.Context) (int, error) {
	loaded, err := s.configManager.GetScheduleEntries(ctx)
	if err != nil {
		return 0, fmt.Errorf("syncing schedule entries: %w", err)
	}

	var changes []models.ScheduleEvent

	s.mu.Lock()
	if !s.armableLocked() {
		s.mu.Unlock()

		return 0, nil
	}

	seen := make(map[string]struct{}, len(loaded))
	for _, entry := range loaded {
		seen[entry.ID] = struct{}{}

		state, ok := s.entries[entry.ID]
		if !ok {
			state = &entryState{entry: entry}
			s.entries[entry.ID] = state
			if entry.Enabled {
				s.armLocked(state)
			}
			changes = append(changes, models.ScheduleEvent{
				At:         time.Now(),
				NextFire:   nextOf(state),
				Kind:       models.ScheduleAdded,
				ScheduleID: entry.ID,
				DeviceID:   entry.DeviceID,
			})

			continue
		}

		if entriesEqual(state.entry, entry) {
			continue
		}

		state.entry = entry
		if entry.Enabled {
			s.armLocked(state)
		} else {
			s.disarmLocked(state)
		}
		changes = append(changes, models.ScheduleEvent{
			At:         time.Now(),
			NextFire:   nextOf(state),
			Kind:       models.ScheduleModified,
			ScheduleID: entry.ID,
			DeviceID:   entry.DeviceID,
		})
	}

	for id, state := range s.entries {
		if _, ok := seen[id]; ok {
			continue
		}

		deviceID := state.entry.DeviceID
		s.disarmLocked(state)
		delete(s.entries, id)
		changes = append(changes, models.ScheduleEvent{
			At:         time.Now(),
			Kind:       models.ScheduleRemoved,
			ScheduleID: id,
			DeviceID:   deviceID,
		})
	}
	s.mu.Unlock()

	for _, event := range changes {
		s.publish(event)
		s.logger.Infof("Schedule %s %s during config sync", event.ScheduleID, event.Kind)
	}

	return len(changes), nil
}

// entriesEqual reports whether two persisted entries carry the same fields.
func entriesEqual(a, b config.ScheduleEntry) bool {
	return a.ID == b.ID &&
		a.DeviceID == b.DeviceID &&
		a.ResourceID == b.ResourceID &&
		a.Kind == b.Kind &&
		a.At == b.At &&
		a.Enabled == b.Enabled &&
		a.SettingsID == b.SettingsID &&
		a.Notify == b.Notify &&
		slices.Equal(a.Weekdays, b.Weekdays)
}
