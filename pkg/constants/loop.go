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
	// DefaultTickerTime is the interval between reconciliation cycles.
	// This value balances responsiveness with resource utilization:
	// - Too small: could mean that a cycle does not have enough time to complete its work
	// - Too high: Delayed response to configuration changes
	DefaultTickerTime = 1 * time.Second

	// StarvationThreshold defines when to consider the control loop starved.
	// If no reconciliation has happened for this duration, the starvation
	// detector will log warnings and record metrics.
	// Starvation will take place for example when dozens of devices connect
	// at once.
	StarvationThreshold = 15 * time.Second

	// ReconcileTimeout bounds a single reconciliation cycle. Config reload and
	// registry/scheduler diffing must finish well within one ticker interval.
	ReconcileTimeout = time.Millisecond * 500

	// DefaultMinimumRemainingTime is the least context time a reconcile step
	// needs to be worth starting at all.
	DefaultMinimumRemainingTime = time.Millisecond * 50
)
