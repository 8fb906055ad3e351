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

package models

import "time"

// DeviceStatistics is one row of the registry's statistics snapshot.
type DeviceStatistics struct {
	CreatedAt    time.Time    `json:"createdAt"`
	LastTaskTime time.Time    `json:"lastTaskTime"`
	DeviceID     string       `json:"deviceId"`
	DeviceName   string       `json:"deviceName,omitempty"`
	Status       DeviceStatus `json:"status"`
	TaskCount    uint64       `json:"taskCount"`
	QueueLength  int          `json:"queueLength"`
}

// Statistics aggregates registry counters across all devices. It is a
// deep-copied snapshot; mutating it has no effect on the registry.
type Statistics struct {
	Devices        []DeviceStatistics `json:"devices"`
	ActiveDevices  int                `json:"activeDevices"`
	TasksSubmitted uint64             `json:"tasksSubmitted"`
	TasksCompleted uint64             `json:"tasksCompleted"`
	TasksFailed    uint64             `json:"tasksFailed"`
	TasksCanceled  uint64             `json:"tasksCanceled"`
}
