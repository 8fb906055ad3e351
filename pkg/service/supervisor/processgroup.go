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

package supervisor

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

// ProcessGroup binds a spawned process and every descendant it forks to a
// single kill-on-release primitive. Release must not return while any member
// of the group survives; that guarantee belongs to the interface, not to a
// particular platform implementation.
type ProcessGroup interface {
	// Pgid returns the OS process group id.
	Pgid() int

	// Signal delivers sig to every live member of the group. Returns
	// syscall.ESRCH when no member is left.
	Signal(sig syscall.Signal) error

	// Release force-kills every remaining member of the group. Idempotent;
	// a group that already died counts as released.
	Release() error
}

// unixProcessGroup signals a setpgid process group via kill(-pgid).
type unixProcessGroup struct {
	pgid int
}

// NewUnixProcessGroup wraps the process group led by pgid. The leader must
// have been started with Setpgid so its pid doubles as the group id.
func NewUnixProcessGroup(pgid int) ProcessGroup {
	return &unixProcessGroup{pgid: pgid}
}

func (g *unixProcessGroup) Pgid() int {
	return g.pgid
}

func (g *unixProcessGroup) Signal(sig syscall.Signal) error {
	return unix.Kill(-g.pgid, sig)
}

func (g *unixProcessGroup) Release() error {
	err := unix.Kill(-g.pgid, unix.SIGKILL)
	if err != nil && errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// processExists probes pid with signal 0.
func processExists(pid int) bool {
	return unix.Kill(pid, 0) == nil
}
