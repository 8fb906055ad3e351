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

package constants

import "time"

const (
	// DefaultConnectAttempts is how often EnsureConnected tries to establish the
	// controller link before giving up. Each failed attempt may kill and relaunch
	// the backing emulator process. Overridable per device via config.
	DefaultConnectAttempts = 3

	// ConnectProbeTimeout bounds the capability probe (a single screen capture)
	// that validates a freshly established controller link.
	ConnectProbeTimeout = time.Second * 10

	// ConnectRetryDelay is the pause between connection attempts. Long enough for
	// a relaunched emulator to reach the point where ADB accepts connections.
	ConnectRetryDelay = time.Second * 5

	// TaskQueueCapacity is the per-device task queue depth, counted in tasks.
	// Submissions beyond this are rejected rather than growing unbounded.
	TaskQueueCapacity = 64

	// PauseCheckInterval is how often a paused lifecycle re-checks whether it
	// may continue. Sub-task boundaries are the only pause points.
	PauseCheckInterval = time.Millisecond * 200

	// CleanupTimeout bounds the graceful part of post-run cleanup. The hard kill
	// that follows is not subject to this timeout.
	CleanupTimeout = time.Second * 30

	// ExecutorIdleBeatInterval is how often an idle executor loop reports its
	// watchdog heartbeat. During a run the loop beats on sub-task polls instead.
	ExecutorIdleBeatInterval = time.Second * 5

	// ExecutorWatchdogTimeout is how long an executor loop may go silent before
	// the watchdog cancels its active run. Must comfortably exceed the longest
	// blocking step that cannot beat (a single connect attempt).
	ExecutorWatchdogTimeout = uint64(60)
)
