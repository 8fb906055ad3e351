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
	// DefaultAPIPort is the REST/WebSocket listen port when the config does not set one.
	DefaultAPIPort = 8090

	// DefaultMetricsPort is the Prometheus listen port when the config does not set one.
	DefaultMetricsPort = 8080

	// this is the timeout for all API actions
	// they should not take any longer than 5 seconds, because they only read/write to the config file or check the registry state.
	ActionTimeout = time.Second * 5

	// GetOrSetConfigFileTimeout is the timeout for reading or writing the config file
	// from an API handler, to avoid blocking the config file.
	GetOrSetConfigFileTimeout = time.Second * 1

	// APIShutdownTimeout is how long the HTTP server gets to drain connections on shutdown.
	APIShutdownTimeout = time.Second * 5
)
