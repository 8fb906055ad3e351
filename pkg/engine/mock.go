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

package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/controller"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/pipeline"
)

// MockResource is a mock implementation of the Resource interface for
// testing.
type MockResource struct {
	BundlePath string
}

// Path returns the recorded bundle path.
func (r *MockResource) Path() string {
	return r.BundlePath
}

// MockJob is a mock implementation of the Job interface for testing.
type MockJob struct {
	// Delay makes Wait block, honoring ctx.
	Delay time.Duration

	// FailMessage makes the job finish as StatusFailed with this message.
	FailMessage string

	// ResultDoc is returned by Result on success.
	ResultDoc pipeline.Document

	mu     sync.Mutex
	status Status
}

// NewMockJob creates a pending mock job.
func NewMockJob() *MockJob {
	return &MockJob{status: StatusPending}
}

// Wait blocks for Delay, then settles the job and returns its terminal
// status.
func (j *MockJob) Wait(ctx context.Context) (Status, error) {
	j.mu.Lock()
	j.status = StatusRunning
	delay := j.Delay
	j.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return StatusRunning, ctx.Err()
		}
	} else if ctx.Err() != nil {
		return StatusRunning, ctx.Err()
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.FailMessage != "" {
		j.status = StatusFailed
	} else {
		j.status = StatusSucceeded
	}
	return j.status, nil
}

// Status returns the job's current status.
func (j *MockJob) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Result returns the configured document, or the failure message as an error.
func (j *MockJob) Result() (pipeline.Document, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.FailMessage != "" {
		return nil, errors.New(j.FailMessage)
	}
	return j.ResultDoc, nil
}

// MockEngine is a mock implementation of the Engine interface for testing.
type MockEngine struct {
	// Tracks whether methods were called
	BindResourceCalled bool
	PostTaskCalled     bool
	PostStopCalled     bool

	// BindCount counts bindings for resource cache assertions.
	BindCount int

	// Captured arguments
	BoundPaths    []string
	PostedEntries []string

	// Return values
	BindError     error
	PostTaskError error
	PostStopError error

	// FailEntries maps entry name to the failure message its job reports.
	FailEntries map[string]string

	// EntryDelay makes every job's Wait block for the duration; EntryDelays
	// overrides it per entry.
	EntryDelay  time.Duration
	EntryDelays map[string]time.Duration

	// Results maps entry name to the document its job returns.
	Results map[string]pipeline.Document

	mu sync.Mutex
}

// NewMockEngine creates a new mock engine.
func NewMockEngine() *MockEngine {
	return &MockEngine{
		FailEntries: make(map[string]string),
		EntryDelays: make(map[string]time.Duration),
		Results:     make(map[string]pipeline.Document),
	}
}

// WithBindError sets the error BindResource returns.
func (m *MockEngine) WithBindError(err error) *MockEngine {
	m.BindError = err
	return m
}

// WithFailingEntry makes jobs for entry finish as failed with message.
func (m *MockEngine) WithFailingEntry(entry, message string) *MockEngine {
	m.FailEntries[entry] = message
	return m
}

// WithEntryDelay makes every job block for delay before settling.
func (m *MockEngine) WithEntryDelay(delay time.Duration) *MockEngine {
	m.EntryDelay = delay
	return m
}

// BindResource records the path and returns a mock resource handle.
func (m *MockEngine) BindResource(ctx context.Context, path string, ctrl controller.Controller) (Resource, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.BindResourceCalled = true
	m.BindCount++
	m.BoundPaths = append(m.BoundPaths, path)
	if m.BindError != nil {
		return nil, m.BindError
	}
	return &MockResource{BundlePath: path}, nil
}

// PostTask records the entry and returns a job scripted by the mock's
// FailEntries, EntryDelays and Results tables.
func (m *MockEngine) PostTask(ctx context.Context, entry string, override pipeline.Document) (Job, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.PostTaskCalled = true
	m.PostedEntries = append(m.PostedEntries, entry)
	if m.PostTaskError != nil {
		return nil, m.PostTaskError
	}

	job := NewMockJob()
	job.FailMessage = m.FailEntries[entry]
	job.ResultDoc = m.Results[entry]
	job.Delay = m.EntryDelay
	if delay, ok := m.EntryDelays[entry]; ok {
		job.Delay = delay
	}
	return job, nil
}

// PostStop records the stop request.
func (m *MockEngine) PostStop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.PostStopCalled = true
	return m.PostStopError
}

// Entries returns the posted entry names in submission order.
func (m *MockEngine) Entries() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := make([]string, len(m.PostedEntries))
	copy(entries, m.PostedEntries)
	return entries
}
