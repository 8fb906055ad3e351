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

// Package events is the application-wide bus carrying device state changes,
// task lifecycle events and schedule bookkeeping to external consumers such
// as the websocket stream and the notifier. Publishing never blocks: each
// subscriber owns a buffered channel and loses events once it falls behind,
// so a stalled consumer cannot stall an executor.
package events

import (
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tiendc/go-deepcopy"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/constants"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/logger"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/metrics"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/models"
)

// Kind discriminates the payload of an Event.
type Kind string

const (
	KindState    Kind = "state"
	KindTask     Kind = "task"
	KindSchedule Kind = "schedule"
)

// Event is one bus message. Exactly one payload field is set, matching Kind.
// Payloads are detached copies; consumers may retain them but must treat
// them as read-only since one copy is shared across all subscribers.
type Event struct {
	At       time.Time             `json:"at"`
	Kind     Kind                  `json:"kind"`
	State    *models.StateChange   `json:"state,omitempty"`
	Task     *models.TaskEvent     `json:"task,omitempty"`
	Schedule *models.ScheduleEvent `json:"schedule,omitempty"`
}

type subscriber struct {
	ch      chan Event
	dropped atomic.Uint64
}

// Bus fans events out to its subscribers.
type Bus struct {
	logger *zap.SugaredLogger

	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID uint64
	buffer int
}

// NewBus creates an event bus with the default per-subscriber buffer.
func NewBus() *Bus {
	return &Bus{
		logger: logger.For(logger.ComponentEventBus),
		subs:   make(map[uint64]*subscriber),
		buffer: constants.EventBusBufferSize,
	}
}

// WithBuffer overrides the per-subscriber channel depth.
func (b *Bus) WithBuffer(size int) *Bus {
	b.buffer = size
	return b
}

// Subscribe registers a consumer and returns its channel plus an unsubscribe
// function. Unsubscribing closes the channel once no publish can reach it
// anymore; events already buffered stay readable.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	sub := &subscriber{ch: make(chan Event, b.buffer)}
	b.subs[id] = sub

	return sub.ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		current, ok := b.subs[id]
		if !ok {
			return
		}
		delete(b.subs, id)
		close(current.ch)

		if lost := current.dropped.Load(); lost > 0 {
			b.logger.Debugf("Subscriber %d lost %d events while lagging", id, lost)
		}
	}
}

// SubscriberCount returns how many consumers are registered.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// PublishState publishes a device state transition.
func (b *Bus) PublishState(change models.StateChange) {
	var detached models.StateChange
	if err := deepcopy.Copy(&detached, &change); err != nil {
		b.logger.Errorf("Failed to detach state change for device %s: %v", change.DeviceID, err)

		detached = change
		detached.Context.Metadata = maps.Clone(change.Context.Metadata)
	}

	b.publish(Event{At: time.Now(), Kind: KindState, State: &detached})
}

// PublishTask publishes a task lifecycle event.
func (b *Bus) PublishTask(event models.TaskEvent) {
	b.publish(Event{At: time.Now(), Kind: KindTask, Task: &event})
}

// PublishSchedule publishes a schedule bookkeeping event.
func (b *Bus) PublishSchedule(event models.ScheduleEvent) {
	var detached models.ScheduleEvent
	if err := deepcopy.Copy(&detached, &event); err != nil {
		b.logger.Errorf("Failed to detach schedule event %s: %v", event.ScheduleID, err)

		detached = event
		if event.NextFire != nil {
			next := *event.NextFire
			detached.NextFire = &next
		}
	}

	b.publish(Event{At: time.Now(), Kind: KindSchedule, Schedule: &detached})
}

func (b *Bus) publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, sub := range b.subs {
		select {
		case sub.ch <- evt:
		default:
			metrics.IncErrorCount(metrics.ComponentEventBus, "subscriber")
			if sub.dropped.Add(1) == 1 {
				b.logger.Warnf("Subscriber %d is lagging, dropping events", id)
			}
		}
	}
}
