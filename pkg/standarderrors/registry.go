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

import "errors"

var (
	// ErrExecutorRemoved is returned when work is submitted to an executor
	// that is stopping or already torn down.
	ErrExecutorRemoved = errors.New("executor removed")

	// ErrStopPending is returned when an operation finds the device's
	// executor still shutting down, such as re-creating a device whose stop
	// has not finished. Retryable.
	ErrStopPending = errors.New("executor stop still in progress")

	// ErrDeviceNotFound is returned for operations against a device id that
	// has no executor. Returned synchronously, never a crash.
	ErrDeviceNotFound = errors.New("no executor for device")
)
