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

package notify

import (
	"context"
	"sync"
)

// MockSink is a mock implementation of the Sink interface for testing.
type MockSink struct {
	// NotifyCalled tracks whether Notify was invoked.
	NotifyCalled bool

	// NotifyError is returned by every Notify call.
	NotifyError error

	mu            sync.Mutex
	notifications []Notification
}

// NewMockSink creates a new mock sink.
func NewMockSink() *MockSink {
	return &MockSink{}
}

// Notify records the notification and returns NotifyError.
func (m *MockSink) Notify(ctx context.Context, notification Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.NotifyCalled = true
	m.notifications = append(m.notifications, notification)
	return m.NotifyError
}

// Notifications returns the recorded notifications in order.
func (m *MockSink) Notifications() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Notification, len(m.notifications))
	copy(out, m.notifications)
	return out
}
