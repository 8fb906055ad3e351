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

package standarderrors

import (
	"context"
	"errors"
)

var (
	// ErrConnectionFailed is returned when the controller link could not be
	// established after all connection attempts. Terminal for the lifecycle,
	// the device surfaces it as the Error state.
	ErrConnectionFailed = errors.New("controller connection failed")

	// ErrAgentSpawn is returned when an agent process could not be launched.
	// Terminal for the task, surfaced as Failed.
	ErrAgentSpawn = errors.New("agent process failed to start")

	// ErrHandshakeTimeout is returned when a launched agent process never
	// confirmed readiness within the handshake timeout. Terminal for the task,
	// surfaced as Failed.
	ErrHandshakeTimeout = errors.New("agent handshake timed out")

	// ErrSubTaskFailed is returned when the automation engine reported a
	// failure for one sub-task. Aborts the remaining sub-tasks of that task.
	ErrSubTaskFailed = errors.New("sub-task failed")

	// ErrTaskCanceled marks cooperative cancellation. Not an application
	// error, surfaced as Canceled.
	ErrTaskCanceled = errors.New("task canceled")
)

// IsCancellation reports whether err stems from cooperative cancellation,
// either ours or the context package's.
func IsCancellation(err error) bool {
	return errors.Is(err, ErrTaskCanceled) || errors.Is(err, context.Canceled)
}
