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

package controller

import (
	"context"
	"sync"
	"time"
)

// MockController is a mock implementation of the Controller interface for
// testing.
type MockController struct {
	// Tracks whether methods were called
	ConnectCalled    bool
	CaptureCalled    bool
	DisconnectCalled bool

	// Call counters for retry assertions
	ConnectCount int
	CaptureCount int

	// ConnectErrors is consumed one per Connect call, letting a test fail
	// the first attempts and succeed later. When exhausted, ConnectError
	// applies.
	ConnectErrors []error
	ConnectError  error

	// CaptureErrors and CaptureError follow the same scheme for the probe.
	CaptureErrors []error
	CaptureError  error

	DisconnectError error
	CaptureFrame    Frame

	mu        sync.Mutex
	connected bool
}

// NewMockController creates a new mock controller.
func NewMockController() *MockController {
	return &MockController{
		CaptureFrame: Frame{
			CapturedAt: time.Now(),
			Data:       []byte{0x89, 0x50, 0x4e, 0x47},
			Width:      1280,
			Height:     720,
		},
	}
}

// WithConnectError sets the error every Connect call returns.
func (m *MockController) WithConnectError(err error) *MockController {
	m.ConnectError = err
	return m
}

// WithConnectErrors queues per-call Connect outcomes, nil meaning success.
func (m *MockController) WithConnectErrors(errs ...error) *MockController {
	m.ConnectErrors = errs
	return m
}

// WithCaptureError sets the error every Capture call returns.
func (m *MockController) WithCaptureError(err error) *MockController {
	m.CaptureError = err
	return m
}

// Connect consumes the next queued outcome and marks the link connected on
// success.
func (m *MockController) Connect(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.ConnectCalled = true
	m.ConnectCount++

	err := m.ConnectError
	if len(m.ConnectErrors) > 0 {
		err = m.ConnectErrors[0]
		m.ConnectErrors = m.ConnectErrors[1:]
	}
	if err != nil {
		return err
	}

	m.connected = true
	return nil
}

// Connected reports the mock link state.
func (m *MockController) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Capture consumes the next queued outcome and returns the configured frame.
func (m *MockController) Capture(ctx context.Context) (Frame, error) {
	if ctx.Err() != nil {
		return Frame{}, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.CaptureCalled = true
	m.CaptureCount++

	err := m.CaptureError
	if len(m.CaptureErrors) > 0 {
		err = m.CaptureErrors[0]
		m.CaptureErrors = m.CaptureErrors[1:]
	}
	if err != nil {
		return Frame{}, err
	}

	return m.CaptureFrame, nil
}

// Disconnect marks the link disconnected and returns DisconnectError.
func (m *MockController) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.DisconnectCalled = true
	m.connected = false
	return m.DisconnectError
}

// SetConnected overrides the link state directly, simulating a dropped
// connection between tasks.
func (m *MockController) SetConnected(connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = connected
}
