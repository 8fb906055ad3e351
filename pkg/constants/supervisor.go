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
	// AgentHandshakeTimeout is the default time WaitReady allows an agent
	// process to confirm it is listening before HandshakeTimeoutError.
	AgentHandshakeTimeout = time.Second * 30

	// AgentHandshakePollInterval is how often WaitReady re-checks the agent's
	// readiness signal between handshake attempts.
	AgentHandshakePollInterval = time.Millisecond * 250

	// AgentShutdownGracePeriod is how long Shutdown waits after SIGTERM before
	// escalating to a SIGKILL of the whole process group.
	AgentShutdownGracePeriod = time.Second * 5

	// AgentKillReapTimeout bounds the wait for the killed process to be
	// reaped after the SIGKILL escalation.
	AgentKillReapTimeout = time.Second * 2

	// AgentRunBaseDir holds pid files for supervised agent processes.
	AgentRunBaseDir = "/run/fleet"

	// AgentLogBaseDir is where supervised agent stdout/stderr streams are written.
	AgentLogBaseDir = "/data/logs/agents"

	// AgentLogMaxSize is the size at which an agent log file is rotated.
	AgentLogMaxSize = int64(10 * 1024 * 1024)

	// AgentMaxRotatedLogs caps how many compressed rotated logs are retained per agent.
	AgentMaxRotatedLogs = 5
)
