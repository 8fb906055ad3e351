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
	// StopExecutorTimeout bounds how long StopExecutor waits for an in-flight
	// lifecycle to finish its cleanup before the stop is reported as failed.
	// The process group kill has already happened by then either way.
	StopExecutorTimeout = time.Second * 30

	// TaskResultTTL is how long finished task results stay queryable after the
	// task reached a terminal state.
	TaskResultTTL = time.Hour * 2

	// TaskResultCullInterval is how often expired task results are evicted.
	TaskResultCullInterval = time.Minute * 5
)
