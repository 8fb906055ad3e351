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
	// ScheduleSubmitTimeout bounds the task resolution and submission work done
	// inside a timer callback. A hung submission must not wedge the re-arm.
	ScheduleSubmitTimeout = time.Second * 10

	// ScheduleRearmGuard is added to every computed next-fire time so that a
	// timer firing marginally early can never re-fire within the same second
	// it was armed for.
	ScheduleRearmGuard = time.Second * 1
)
