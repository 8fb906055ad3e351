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

package backoff

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

const (
	// DefaultInitialBackoffTicks is the suspension after the first failure.
	DefaultInitialBackoffTicks = 1

	// DefaultMaxBackoffTicks caps the doubling suspension window.
	DefaultMaxBackoffTicks = 64

	// DefaultMaxConsecutiveFailures is how many failures in a row a component
	// may accumulate before it is declared permanently failed.
	DefaultMaxConsecutiveFailures = 10
)

// Config tunes a BackoffManager.
type Config struct {
	Logger *zap.SugaredLogger

	// ComponentName appears in log lines and backoff errors.
	ComponentName string

	// InitialBackoffTicks is the suspension window after the first failure.
	// The window doubles per consecutive failure up to MaxBackoffTicks.
	InitialBackoffTicks uint64

	// MaxBackoffTicks caps the suspension window.
	MaxBackoffTicks uint64

	// MaxConsecutiveFailures flips the manager into permanent failure once
	// reached. Zero disables the permanent failure escalation.
	MaxConsecutiveFailures int
}

// DefaultConfig returns the standard tuning for a component.
func DefaultConfig(componentName string, log *zap.SugaredLogger) Config {
	return Config{
		ComponentName:          componentName,
		Logger:                 log,
		InitialBackoffTicks:    DefaultInitialBackoffTicks,
		MaxBackoffTicks:        DefaultMaxBackoffTicks,
		MaxConsecutiveFailures: DefaultMaxConsecutiveFailures,
	}
}

// BackoffManager suspends a failing operation for a growing number of control
// loop ticks instead of wall-clock time, so a component that fails every tick
// does not hammer its dependency while the loop keeps running. Consecutive
// failures escalate to a permanent failure that the control loop surfaces
// instead of retrying forever.
type BackoffManager struct {
	lastError           error
	logger              *zap.SugaredLogger
	componentName       string
	initialBackoffTicks uint64
	maxBackoffTicks     uint64
	currentBackoffTicks uint64
	suspendedUntilTick  uint64
	maxFailures         int
	consecutiveFailures int
	permanentlyFailed   bool
	mu                  sync.Mutex
}

// NewBackoffManager creates a BackoffManager from the given config.
func NewBackoffManager(config Config) *BackoffManager {
	initial := config.InitialBackoffTicks
	if initial == 0 {
		initial = DefaultInitialBackoffTicks
	}

	max := config.MaxBackoffTicks
	if max < initial {
		max = initial
	}

	return &BackoffManager{
		componentName:       config.ComponentName,
		logger:              config.Logger,
		initialBackoffTicks: initial,
		maxBackoffTicks:     max,
		maxFailures:         config.MaxConsecutiveFailures,
	}
}

// SetError records a failure at the given tick and extends the suspension
// window. Once the consecutive failure bound is reached the manager flips to
// permanently failed and stays there until Reset.
func (m *BackoffManager) SetError(err error, tick uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastError = err
	m.consecutiveFailures++

	if m.maxFailures > 0 && m.consecutiveFailures >= m.maxFailures {
		if !m.permanentlyFailed && m.logger != nil {
			m.logger.Errorf("%s failed %d times in a row, declaring permanent failure: %v",
				m.componentName, m.consecutiveFailures, err)
		}

		m.permanentlyFailed = true

		return
	}

	if m.currentBackoffTicks == 0 {
		m.currentBackoffTicks = m.initialBackoffTicks
	} else if m.currentBackoffTicks < m.maxBackoffTicks {
		m.currentBackoffTicks *= 2
		if m.currentBackoffTicks > m.maxBackoffTicks {
			m.currentBackoffTicks = m.maxBackoffTicks
		}
	}

	m.suspendedUntilTick = tick + m.currentBackoffTicks

	if m.logger != nil {
		m.logger.Debugf("%s failed (attempt %d), suspended until tick %d: %v",
			m.componentName, m.consecutiveFailures, m.suspendedUntilTick, err)
	}
}

// ShouldSkipOperation reports whether the operation is still suspended at the
// given tick (or permanently failed).
func (m *BackoffManager) ShouldSkipOperation(tick uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.permanentlyFailed {
		return true
	}

	return tick < m.suspendedUntilTick
}

// GetBackoffError returns the error a skipped operation should surface: a
// permanent failure error once escalated, a temporary backoff error while the
// suspension window is open.
func (m *BackoffManager) GetBackoffError(tick uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.permanentlyFailed {
		return NewPermanentFailureError(fmt.Errorf("%s: %w", m.componentName, m.lastError))
	}

	return NewTemporaryBackoffError(fmt.Errorf("%s suspended until tick %d (now %d): %w",
		m.componentName, m.suspendedUntilTick, tick, m.lastError))
}

// Reset clears all failure state after a successful operation or after the
// caller has addressed a permanent failure.
func (m *BackoffManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastError = nil
	m.consecutiveFailures = 0
	m.currentBackoffTicks = 0
	m.suspendedUntilTick = 0
	m.permanentlyFailed = false
}

// IsPermanentlyFailed reports whether the failure bound has been reached.
func (m *BackoffManager) IsPermanentlyFailed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.permanentlyFailed
}

// GetLastError returns the most recent recorded error.
func (m *BackoffManager) GetLastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.lastError
}
