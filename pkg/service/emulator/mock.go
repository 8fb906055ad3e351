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

package emulator

import (
	"context"
	"sync"
)

// MockService is a mock implementation of the Service interface for testing.
type MockService struct {
	// Tracks whether methods were called
	FindProcessCalled   bool
	EnsureRunningCalled bool
	KillTreeCalled      bool
	KillStrayCalled     bool

	// EnsureRunningCount counts launches for relaunch assertions.
	EnsureRunningCount int

	// Captured arguments
	StartCommands []string
	KilledPids    []int32

	// Return values for each method
	FindProcessError   error
	EnsureRunningError error
	KillTreeError      error
	KillStrayError     error
	PidValue           int32
	StrayKilled        int

	mu sync.Mutex
}

// NewMockService creates a new mock emulator service.
func NewMockService() *MockService {
	return &MockService{
		PidValue: 31337,
	}
}

// WithFindProcessError sets the error FindProcess returns.
func (m *MockService) WithFindProcessError(err error) *MockService {
	m.FindProcessError = err
	return m
}

// WithEnsureRunningError sets the error EnsureRunning returns.
func (m *MockService) WithEnsureRunningError(err error) *MockService {
	m.EnsureRunningError = err
	return m
}

// WithKillTreeError sets the error KillTree returns.
func (m *MockService) WithKillTreeError(err error) *MockService {
	m.KillTreeError = err
	return m
}

// FindProcess returns the configured pid or FindProcessError.
func (m *MockService) FindProcess(ctx context.Context, startCommand string) (int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.FindProcessCalled = true
	if m.FindProcessError != nil {
		return 0, m.FindProcessError
	}
	return m.PidValue, nil
}

// EnsureRunning records the start command and returns the configured pid or
// EnsureRunningError.
func (m *MockService) EnsureRunning(ctx context.Context, startCommand string) (int32, error) {
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.EnsureRunningCalled = true
	m.EnsureRunningCount++
	m.StartCommands = append(m.StartCommands, startCommand)
	if m.EnsureRunningError != nil {
		return 0, m.EnsureRunningError
	}
	return m.PidValue, nil
}

// KillTree records the pid and returns KillTreeError.
func (m *MockService) KillTree(ctx context.Context, pid int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.KillTreeCalled = true
	m.KilledPids = append(m.KilledPids, pid)
	return m.KillTreeError
}

// KillStray returns the configured kill count and KillStrayError.
func (m *MockService) KillStray(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.KillStrayCalled = true
	return m.StrayKilled, m.KillStrayError
}

// Launches returns how many times EnsureRunning was called.
func (m *MockService) Launches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.EnsureRunningCount
}
