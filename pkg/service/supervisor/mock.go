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

package supervisor

import (
	"context"
	"sync"
	"time"
)

// MockService is a mock implementation of the Service interface for testing.
type MockService struct {
	// Tracks whether methods were called
	StartCalled     bool
	WaitReadyCalled bool
	ShutdownCalled  bool

	// ShutdownCount counts Shutdown calls for idempotence assertions.
	ShutdownCount int

	// Captured Start arguments
	StartedCommand string
	StartedArgs    []string
	StartedEnv     []string

	// Return values for each method
	StartError     error
	WaitReadyError error
	ShutdownError  error
	PidValue       int

	// WaitReadyDelay makes WaitReady block, honoring ctx.
	WaitReadyDelay time.Duration

	mu     sync.Mutex
	exited chan struct{}
	closed bool
}

// NewMockService creates a new mock supervisor.
func NewMockService() *MockService {
	return &MockService{
		PidValue: 4242,
		exited:   make(chan struct{}),
	}
}

// WithStartError sets the error Start returns.
func (m *MockService) WithStartError(err error) *MockService {
	m.StartError = err
	return m
}

// WithWaitReadyError sets the error WaitReady returns.
func (m *MockService) WithWaitReadyError(err error) *MockService {
	m.WaitReadyError = err
	return m
}

// WithShutdownError sets the error Shutdown returns.
func (m *MockService) WithShutdownError(err error) *MockService {
	m.ShutdownError = err
	return m
}

// Start records the launch arguments and returns StartError.
func (m *MockService) Start(ctx context.Context, command string, args []string, env []string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.StartCalled = true
	m.StartedCommand = command
	m.StartedArgs = args
	m.StartedEnv = env
	return m.StartError
}

// WaitReady optionally blocks for WaitReadyDelay, then returns WaitReadyError.
func (m *MockService) WaitReady(ctx context.Context, timeout time.Duration) error {
	m.mu.Lock()
	m.WaitReadyCalled = true
	delay := m.WaitReadyDelay
	m.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.WaitReadyError
}

// Shutdown marks the mock process as exited and returns ShutdownError.
func (m *MockService) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ShutdownCalled = true
	m.ShutdownCount++
	if !m.closed {
		m.closed = true
		close(m.exited)
	}
	return m.ShutdownError
}

// Pid returns the configured mock pid.
func (m *MockService) Pid() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.PidValue
}

// Exited returns the mock exit channel.
func (m *MockService) Exited() <-chan struct{} {
	return m.exited
}

// MarkExited closes the exit channel without a Shutdown call, simulating an
// agent that died on its own.
func (m *MockService) MarkExited() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.closed {
		m.closed = true
		close(m.exited)
	}
}
