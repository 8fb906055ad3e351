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
	// WebhookTimeout bounds a single webhook delivery attempt.
	WebhookTimeout = time.Second * 10

	// WebhookMaxRetries is how often a failed webhook delivery is retried
	// before the notification is dropped.
	WebhookMaxRetries = 3

	// NotifyQueueCapacity is the buffered depth of the notification queue.
	// Deliveries beyond this are dropped rather than blocking state transitions.
	NotifyQueueCapacity = 64
)
