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
	// EmulatorDiscoveryTimeout bounds the wait for a launched emulator process
	// to show up in the OS process table.
	EmulatorDiscoveryTimeout = time.Second * 60

	// EmulatorDiscoveryPollInterval is how often the process table is rescanned
	// while waiting for the emulator process id.
	EmulatorDiscoveryPollInterval = time.Second * 1

	// EmulatorWarmupDelay is slept after the emulator process appears and before
	// the first controller connection attempt. Cancellable.
	EmulatorWarmupDelay = time.Second * 10

	// EmulatorKillWait is how long a terminated emulator gets to exit before its
	// remaining process tree is killed forcibly.
	EmulatorKillWait = time.Second * 5
)

// EmulatorProcessNames are the executable names the discovery scan matches
// against when a device config does not pin an exact process name.
var EmulatorProcessNames = []string{"qemu-system-x86_64", "emulator", "MuMuPlayer", "HD-Player", "LdVBoxHeadless"}
