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

// Package scheduler arms one timer per enabled schedule entry and, when a
// timer elapses, resolves the entry into a task batch and hands it to the
// device registry.
//
// All timer bookkeeping lives under one mutex. The config store stays the
// single source of truth: every mutation persists through the ConfigManager
// before it touches a timer, and every fire re-resolves the entry against
// the config as it is at that moment.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/config"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/constants"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/events"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/logger"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/metrics"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/models"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/notify"
)

// ErrEntryNotFound is returned for operations against a schedule id the
// scheduler has not loaded.
var ErrEntryNotFound = errors.New("no schedule entry with that id")

// DeviceRunner is the registry surface the scheduler drives on fire: make
// sure the device's executor exists, then hand it the resolved batch.
// *registry.DeviceRegistry satisfies it.
type DeviceRunner interface {
	CreateExecutor(ctx context.Context, cfg config.DeviceConfig) (bool, error)
	SubmitTask(deviceID string, tasks []models.Task) ([]string, error)
}

// entryState tracks one schedule entry and its pending timer. A nil timer
// means the entry is loaded but not armed.
type entryState struct {
	next  time.Time
	timer *time.Timer
	entry config.ScheduleEntry
}

// Scheduler owns the schedule timers. Construct with NewScheduler, then
// Start to load and arm the persisted entries.
type Scheduler struct {
	logger        *zap.SugaredLogger
	configManager config.ConfigManager
	runner        DeviceRunner
	bus           *events.Bus
	notifier      notify.Sink

	mu      sync.Mutex
	entries map[string]*entryState
	started bool
	stopped bool
}

// NewScheduler creates a scheduler over the given config store and device
// runner. Notifications default to a drop-everything sink.
func NewScheduler(configManager config.ConfigManager, runner DeviceRunner) *Scheduler {
	s := &Scheduler{
		logger:        logger.For(logger.ComponentScheduler),
		configManager: configManager,
		runner:        runner,
		notifier:      notify.NewNopSink(),
		entries:       make(map[string]*entryState),
	}

	metrics.RegisterDebugProvider(metrics.ComponentScheduler, s)

	return s
}

// WithEventBus publishes schedule bookkeeping events onto the given bus.
func (s *Scheduler) WithEventBus(bus *events.Bus) *Scheduler {
	s.bus = bus

	return s
}

// WithNotifier routes fire notifications for entries that ask for them.
func (s *Scheduler) WithNotifier(sink notify.Sink) *Scheduler {
	if sink != nil {
		s.notifier = sink
	}

	return s
}

// NextFire computes the next wall-clock fire time for an entry, strictly
// after now. Once and daily entries fire today at the configured time of day
// if that is still ahead, otherwise tomorrow. Weekly entries fire on the
// next configured weekday, today included while the time of day is still
// ahead.
func NextFire(entry config.ScheduleEntry, now time.Time) (time.Time, error) {
	at, err := time.Parse("15:04", entry.At)
	if err != nil {
		return time.Time{}, fmt.Errorf("schedule %s has invalid time of day %q: %w", entry.ID, entry.At, err)
	}

	today := time.Date(now.Year(), now.Month(), now.Day(), at.Hour(), at.Minute(), 0, 0, now.Location())

	switch entry.Kind {
	case config.ScheduleOnce, config.ScheduleDaily:
		if today.After(now) {
			return today, nil
		}

		return today.AddDate(0, 0, 1), nil
	case config.ScheduleWeekly:
		if len(entry.Weekdays) == 0 {
			return time.Time{}, fmt.Errorf("weekly schedule %s has no weekdays", entry.ID)
		}

		for offset := 0; offset < 8; offset++ {
			candidate := today.AddDate(0, 0, offset)
			if !candidate.After(now) {
				continue
			}

			if slices.Contains(entry.Weekdays, candidate.Weekday()) {
				return candidate, nil
			}
		}

		return time.Time{}, fmt.Errorf("weekly schedule %s has no reachable weekday", entry.ID)
	default:
		return time.Time{}, fmt.Errorf("schedule %s has unknown kind %q", entry.ID, entry.Kind)
	}
}

// Start loads the persisted schedule entries and arms every enabled one.
// Calling Start twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	loaded, err := s.configManager.GetScheduleEntries(ctx)
	if err != nil {
		return fmt.Errorf("loading schedule entries: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	s.started = true

	armed := 0
	for _, entry := range loaded {
		state := &entryState{entry: entry}
		s.entries[entry.ID] = state

		if entry.Enabled {
			s.armLocked(state)
			if state.timer != nil {
				armed++
			}
		}
	}

	s.logger.Infof("Scheduler started, %d entries loaded, %d armed", len(loaded), armed)

	return nil
}

// Stop cancels every pending timer. In-flight fires finish on their own;
// their re-arm attempts see the stopped flag and do nothing. The entry
// bookkeeping stays readable for introspection.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	s.stopped = true

	armed := 0
	for _, state := range s.entries {
		if state.timer != nil {
			armed++
		}
		s.disarmLocked(state)
	}

	s.logger.Infof("Scheduler stopped, %d timer(s) canceled", armed)
}

// AddEntry persists a new schedule entry and arms it when enabled. The
// config store validates the entry against the known devices, resources and
// profiles before anything is written.
func (s *Scheduler) AddEntry(ctx context.Context, entry config.ScheduleEntry) error {
	if err := s.configManager.AtomicAddSchedule(ctx, entry); err != nil {
		return fmt.Errorf("adding schedule %s: %w", entry.ID, err)
	}

	s.mu.Lock()
	state := &entryState{entry: entry}
	s.entries[entry.ID] = state
	if entry.Enabled && s.armableLocked() {
		s.armLocked(state)
	}
	next := nextOf(state)
	s.mu.Unlock()

	s.publish(models.ScheduleEvent{
		At:         time.Now(),
		NextFire:   next,
		Kind:       models.ScheduleAdded,
		ScheduleID: entry.ID,
		DeviceID:   entry.DeviceID,
	})
	s.logger.Infof("Schedule %s added for device %s", entry.ID, entry.DeviceID)

	return nil
}

// RemoveEntry deletes a schedule entry from the store and cancels its
// pending timer.
func (s *Scheduler) RemoveEntry(ctx context.Context, id string) error {
	s.mu.Lock()
	state, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()

		return fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	deviceID := state.entry.DeviceID
	s.mu.Unlock()

	if err := s.configManager.AtomicRemoveSchedule(ctx, id); err != nil {
		return fmt.Errorf("removing schedule %s: %w", id, err)
	}

	s.mu.Lock()
	if state, ok := s.entries[id]; ok {
		s.disarmLocked(state)
		delete(s.entries, id)
	}
	s.mu.Unlock()

	s.publish(models.ScheduleEvent{
		At:         time.Now(),
		Kind:       models.ScheduleRemoved,
		ScheduleID: id,
		DeviceID:   deviceID,
	})
	s.logger.Infof("Schedule %s removed", id)

	return nil
}

// SetEnabled persists the enabled flag and arms or disarms the timer to
// match. Disabling cancels the pending timer without deleting the entry.
func (s *Scheduler) SetEnabled(ctx context.Context, id string, enabled bool) error {
	s.mu.Lock()
	_, ok := s.entries[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}

	if err := s.configManager.AtomicSetScheduleEnabled(ctx, id, enabled); err != nil {
		return fmt.Errorf("updating schedule %s: %w", id, err)
	}

	s.mu.Lock()
	var next *time.Time
	var deviceID string
	if state, ok := s.entries[id]; ok {
		state.entry.Enabled = enabled
		if enabled && s.armableLocked() {
			s.armLocked(state)
		} else {
			s.disarmLocked(state)
		}
		next = nextOf(state)
		deviceID = state.entry.DeviceID
	}
	s.mu.Unlock()

	s.publish(models.ScheduleEvent{
		At:         time.Now(),
		NextFire:   next,
		Kind:       models.ScheduleModified,
		ScheduleID: id,
		DeviceID:   deviceID,
	})

	if enabled {
		s.logger.Infof("Schedule %s enabled", id)
	} else {
		s.logger.Infof("Schedule %s disabled", id)
	}

	return nil
}

// UpdateSettings repoints an entry at a different settings profile. The
// store validates that the profile belongs to the entry's resource. Timing
// is untouched.
func (s *Scheduler) UpdateSettings(ctx context.Context, id, settingsID string) error {
	s.mu.Lock()
	_, ok := s.entries[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}

	if err := s.configManager.AtomicSetScheduleSettings(ctx, id, settingsID); err != nil {
		return fmt.Errorf("updating schedule %s: %w", id, err)
	}

	s.mu.Lock()
	var next *time.Time
	var deviceID string
	if state, ok := s.entries[id]; ok {
		state.entry.SettingsID = settingsID
		next = nextOf(state)
		deviceID = state.entry.DeviceID
	}
	s.mu.Unlock()

	s.publish(models.ScheduleEvent{
		At:         time.Now(),
		NextFire:   next,
		Kind:       models.ScheduleModified,
		ScheduleID: id,
		DeviceID:   deviceID,
	})
	s.logger.Infof("Schedule %s now uses profile %q", id, settingsID)

	return nil
}

// Trigger fires an entry immediately, exactly as if its timer had elapsed:
// the batch is resolved and submitted, a triggered event goes out, recurring
// entries re-arm and once entries retire. Disabled entries run but stay
// disarmed.
func (s *Scheduler) Trigger(ctx context.Context, id string) error {
	s.mu.Lock()
	state, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()

		return fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	entry := state.entry
	s.mu.Unlock()

	return s.runDue(ctx, entry)
}

// EntryStatus is one row of the scheduler's bookkeeping: the persisted entry
// plus the armed fire time, nil when no timer is pending.
type EntryStatus struct {
	NextFire *time.Time           `json:"nextFire,omitempty"`
	Entry    config.ScheduleEntry `json:"entry"`
}

// Entries returns a point-in-time snapshot of every loaded entry, sorted by
// id for stable output.
func (s *Scheduler) Entries() []EntryStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make([]EntryStatus, 0, len(s.entries))
	for _, state := range s.entries {
		statuses = append(statuses, EntryStatus{Entry: state.entry, NextFire: nextOf(state)})
	}

	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Entry.ID < statuses[j].Entry.ID
	})

	return statuses
}

// GetDebugInfo implements metrics.DebugProvider.
func (s *Scheduler) GetDebugInfo() interface{} {
	return s.Entries()
}

// fire is the timer callback. It runs on the timer's own goroutine with a
// fresh bounded context so a wedged submission cannot hold up the re-arm
// forever.
func (s *Scheduler) fire(id string) {
	s.mu.Lock()
	state, ok := s.entries[id]
	if !ok || s.stopped {
		s.mu.Unlock()

		return
	}
	entry := state.entry
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), constants.ScheduleSubmitTimeout)
	defer cancel()

	// Already logged and published inside; the timer has nobody to return
	// the error to.
	_ = s.runDue(ctx, entry)
}

// runDue submits the entry's resolved batch, announces the outcome, and
// moves the bookkeeping along: recurring entries re-arm for the next
// occurrence, once entries are disabled and the disablement persisted.
// Overlapping fires of the same entry each submit their own batch.
func (s *Scheduler) runDue(ctx context.Context, entry config.ScheduleEntry) error {
	metrics.IncScheduleFired(entry.ID)

	runErr := s.submitBatch(ctx, entry)
	if runErr != nil {
		s.logger.Warnf("Schedule %s did not run: %s", entry.ID, runErr)
		metrics.IncErrorCount(metrics.ComponentScheduler, entry.ID)
	}

	var next *time.Time
	if entry.Kind == config.ScheduleOnce {
		s.retire(entry.ID)
	} else {
		next = s.rearm(entry.ID)
	}

	event := models.ScheduleEvent{
		At:         time.Now(),
		NextFire:   next,
		Kind:       models.ScheduleTriggered,
		ScheduleID: entry.ID,
		DeviceID:   entry.DeviceID,
	}
	if runErr != nil {
		event.Error = runErr.Error()
	}
	s.publish(event)

	if entry.Notify {
		if err := s.notifier.Notify(ctx, notify.FromScheduleEvent(event)); err != nil {
			s.logger.Warnf("Notification for schedule %s: %s", entry.ID, err)
		}
	}

	return runErr
}

// submitBatch re-resolves the entry against the current config and submits
// the result, creating the device's executor first when none exists yet.
func (s *Scheduler) submitBatch(ctx context.Context, entry config.ScheduleEntry) error {
	tasks, err := s.configManager.GetResolvedTaskBatch(ctx, entry.ResourceID, entry.DeviceID, entry.SettingsID)
	if err != nil {
		return fmt.Errorf("resolving schedule %s: %w", entry.ID, err)
	}

	deviceCfg, err := s.configManager.GetDeviceConfig(ctx, entry.DeviceID)
	if err != nil {
		return fmt.Errorf("resolving schedule %s: %w", entry.ID, err)
	}

	if _, err := s.runner.CreateExecutor(ctx, deviceCfg); err != nil {
		return fmt.Errorf("creating executor for schedule %s: %w", entry.ID, err)
	}

	ids, err := s.runner.SubmitTask(entry.DeviceID, tasks)
	if err != nil {
		return fmt.Errorf("submitting schedule %s: %w", entry.ID, err)
	}

	s.logger.Infof("Schedule %s submitted task(s) %v to device %s", entry.ID, ids, entry.DeviceID)

	return nil
}

// rearm schedules the next occurrence of a recurring entry. Returns nil when
// the entry vanished, was disabled, or the scheduler stopped in the
// meantime.
func (s *Scheduler) rearm(id string) *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.entries[id]
	if !ok || !state.entry.Enabled || !s.armableLocked() {
		return nil
	}

	s.armLocked(state)

	return nextOf(state)
}

// retire disarms a fired once entry and persists the disablement. The write
// uses a fresh context: retirement must survive the caller's deadline.
func (s *Scheduler) retire(id string) {
	s.mu.Lock()
	state, ok := s.entries[id]
	if !ok || !state.entry.Enabled {
		s.mu.Unlock()

		return
	}
	s.disarmLocked(state)
	state.entry.Enabled = false
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), constants.ScheduleSubmitTimeout)
	defer cancel()

	if err := s.configManager.AtomicSetScheduleEnabled(ctx, id, false); err != nil {
		s.logger.Warnf("Disabling fired schedule %s: %s", id, err)
		metrics.IncErrorCount(metrics.ComponentScheduler, id)
	}
}

// armLocked computes the entry's next fire time and schedules the callback.
// Callers hold s.mu. The rearm guard keeps a timer that fires marginally
// early from re-firing for the same occurrence.
func (s *Scheduler) armLocked(state *entryState) {
	if state.timer != nil {
		state.timer.Stop()
		state.timer = nil
	}

	now := time.Now()
	next, err := NextFire(state.entry, now)
	if err != nil {
		s.logger.Errorf("Cannot arm schedule %s: %s", state.entry.ID, err)
		metrics.IncErrorCount(metrics.ComponentScheduler, state.entry.ID)
		state.next = time.Time{}

		return
	}

	id := state.entry.ID
	state.next = next
	state.timer = time.AfterFunc(next.Sub(now)+constants.ScheduleRearmGuard, func() {
		s.fire(id)
	})
}

// disarmLocked cancels a pending timer. Callers hold s.mu.
func (s *Scheduler) disarmLocked(state *entryState) {
	if state.timer != nil {
		state.timer.Stop()
		state.timer = nil
	}
	state.next = time.Time{}
}

// armableLocked reports whether timers may be armed at all: not before
// Start has loaded the persisted entries, not after Stop. Callers hold s.mu.
func (s *Scheduler) armableLocked() bool {
	return s.started && !s.stopped
}

// nextOf copies the armed fire time for event payloads. Callers hold s.mu.
func nextOf(state *entryState) *time.Time {
	if state.timer == nil {
		return nil
	}
	next := state.next

	return &next
}

// publish forwards a schedule event to the bus when one is wired.
func (s *Scheduler) publish(event models.ScheduleEvent) {
	if s.bus == nil {
		return
	}
	s.bus.PublishSchedule(event)
}
