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

package emulator

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/service/supervisor"
)

// pidRunning treats zombies as gone; an unreaped child still has a process
// table entry but is no longer running anything.
func pidRunning(pid int32) bool {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return false
	}
	statuses, err := proc.Status()
	if err != nil {
		return false
	}
	for _, status := range statuses {
		if status == process.Zombie {
			return false
		}
	}
	return true
}

func writeScript(name, content string) string {
	path := filepath.Join(GinkgoT().TempDir(), name)
	Expect(os.WriteFile(path, []byte(content), 0755)).To(Succeed())
	return path
}

func uniqueScript(content string) string {
	return writeScript(fmt.Sprintf("emu-%s.sh", uuid.New().String()[:8]), content)
}

func newService() *DefaultService {
	return NewDefaultService().
		WithPollInterval(100 * time.Millisecond).
		WithDiscoveryTimeout(5 * time.Second).
		WithWarmupDelay(0).
		WithKillWait(500 * time.Millisecond)
}

var _ = Describe("Emulator Service", func() {
	var (
		ctx context.Context
		svc *DefaultService
	)

	BeforeEach(func() {
		ctx = context.Background()
		svc = newService()
	})

	Describe("FindProcess", func() {
		It("reports a missing process", func() {
			script := uniqueScript("#!/bin/sh\nsleep 30\n")

			_, err := svc.FindProcess(ctx, script)
			Expect(err).To(MatchError(ErrProcessNotFound))
		})

		It("rejects an empty start command", func() {
			_, err := svc.FindProcess(ctx, "   ")
			Expect(err).To(MatchError(ContainSubstring("no emulator start command")))
		})

		It("finds a process launched outside the service", func() {
			script := uniqueScript("#!/bin/sh\nsleep 30\n")

			cmd := exec.Command(script)
			Expect(cmd.Start()).To(Succeed())
			defer func() {
				_ = cmd.Process.Kill()
				_ = cmd.Wait()
			}()

			Eventually(func() (int32, error) {
				return svc.FindProcess(ctx, script)
			}, "3s", "100ms").Should(Equal(int32(cmd.Process.Pid)))
		})
	})

	Describe("EnsureRunning", func() {
		It("launches the emulator when none is running", func() {
			script := uniqueScript("#!/bin/sh\nsleep 30\n")

			pid, err := svc.EnsureRunning(ctx, script)
			Expect(err).NotTo(HaveOccurred())
			defer func() { _ = svc.KillTree(ctx, pid) }()

			Expect(pidRunning(pid)).To(BeTrue())
			Expect(svc.FindProcess(ctx, script)).To(Equal(pid))
		})

		It("returns the running emulator instead of launching twice", func() {
			script := uniqueScript("#!/bin/sh\nsleep 30\n")

			first, err := svc.EnsureRunning(ctx, script)
			Expect(err).NotTo(HaveOccurred())
			defer func() { _ = svc.KillTree(ctx, first) }()

			second, err := svc.EnsureRunning(ctx, script)
			Expect(err).NotTo(HaveOccurred())
			Expect(second).To(Equal(first))
		})

		It("applies the warmup delay after discovery", func() {
			script := uniqueScript("#!/bin/sh\nsleep 30\n")
			svc.WithWarmupDelay(300 * time.Millisecond)

			started := time.Now()
			pid, err := svc.EnsureRunning(ctx, script)
			Expect(err).NotTo(HaveOccurred())
			defer func() { _ = svc.KillTree(ctx, pid) }()

			Expect(time.Since(started)).To(BeNumerically(">=", 300*time.Millisecond))
		})

		It("aborts the warmup when the context runs out", func() {
			script := uniqueScript("#!/bin/sh\nsleep 30\n")
			svc.WithWarmupDelay(30 * time.Second)

			shortCtx, cancel := context.WithTimeout(ctx, 800*time.Millisecond)
			defer cancel()

			_, err := svc.EnsureRunning(shortCtx, script)
			Expect(err).To(MatchError(context.DeadlineExceeded))

			pid, err := svc.FindProcess(ctx, script)
			Expect(err).NotTo(HaveOccurred())
			Expect(svc.KillTree(ctx, pid)).To(Succeed())
		})

		It("fails when the launched process exits before discovery", func() {
			script := uniqueScript("#!/bin/sh\nexit 0\n")
			svc.WithDiscoveryTimeout(500 * time.Millisecond)

			_, err := svc.EnsureRunning(ctx, script)
			Expect(err).To(MatchError(ContainSubstring("did not appear")))
		})

		It("fails when the binary cannot be launched", func() {
			_, err := svc.EnsureRunning(ctx, "/nonexistent/emulator-bin")
			Expect(err).To(MatchError(ContainSubstring("failed to launch")))
		})
	})

	Describe("KillTree", func() {
		It("kills the whole process tree", func() {
			pidFile := filepath.Join(GinkgoT().TempDir(), "child.pid")
			script := uniqueScript(fmt.Sprintf("#!/bin/sh\nsleep 30 &\necho $! > %s\nwait\n", pidFile))

			root, err := svc.EnsureRunning(ctx, script)
			Expect(err).NotTo(HaveOccurred())

			Eventually(func() error {
				_, err := os.Stat(pidFile)
				return err
			}, "3s", "50ms").Should(Succeed())

			raw, err := os.ReadFile(pidFile)
			Expect(err).NotTo(HaveOccurred())
			childPid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
			Expect(err).NotTo(HaveOccurred())
			Expect(pidRunning(int32(childPid))).To(BeTrue())

			Expect(svc.KillTree(ctx, root)).To(Succeed())

			Expect(pidRunning(root)).To(BeFalse())
			Eventually(func() bool {
				return pidRunning(int32(childPid))
			}, "3s", "100ms").Should(BeFalse())
		})

		It("tolerates an already dead tree", func() {
			Expect(svc.KillTree(ctx, 999999)).To(Succeed())
		})

		It("escalates to a force kill when the emulator traps TERM", func() {
			script := uniqueScript("#!/bin/sh\ntrap '' TERM\nsleep 30 &\nwait\n")
			svc.WithKillWait(300 * time.Millisecond)

			pid, err := svc.EnsureRunning(ctx, script)
			Expect(err).NotTo(HaveOccurred())

			started := time.Now()
			Expect(svc.KillTree(ctx, pid)).To(Succeed())
			Expect(time.Since(started)).To(BeNumerically("<", 3*time.Second))

			Eventually(func() bool {
				return pidRunning(pid)
			}, "3s", "100ms").Should(BeFalse())
		})
	})

	Describe("KillStray", func() {
		It("sweeps processes with known emulator names", func() {
			script := writeScript("fleet-test-emu", "#!/bin/sh\nsleep 30\n")
			svc.WithStrayNames([]string{"fleet-test-emu"})

			cmd := exec.Command(script)
			Expect(cmd.Start()).To(Succeed())
			go func() { _ = cmd.Wait() }()
			pid := int32(cmd.Process.Pid)

			Eventually(func() bool {
				return pidRunning(pid)
			}, "3s", "50ms").Should(BeTrue())

			killed, err := svc.KillStray(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(killed).To(BeNumerically(">=", 1))

			Eventually(func() bool {
				return pidRunning(pid)
			}, "3s", "100ms").Should(BeFalse())
		})

		It("reports zero when nothing matches", func() {
			svc.WithStrayNames([]string{"no-such-emulator-name"})

			killed, err := svc.KillStray(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(killed).To(BeZero())
		})
	})

	Describe("registry wiring", func() {
		It("registers launched emulators for the crash sweep", func() {
			registry := supervisor.NewRegistry()
			script := uniqueScript("#!/bin/sh\nsleep 30\n")
			svc.WithRegistry(registry)

			pid, err := svc.EnsureRunning(ctx, script)
			Expect(err).NotTo(HaveOccurred())
			Expect(registry.Len()).To(Equal(1))

			Expect(svc.KillTree(ctx, pid)).To(Succeed())
			Expect(registry.Len()).To(BeZero())
		})

		It("kills the tree when the registry releases it", func() {
			registry := supervisor.NewRegistry()
			script := uniqueScript("#!/bin/sh\nsleep 30\n")
			svc.WithRegistry(registry)

			pid, err := svc.EnsureRunning(ctx, script)
			Expect(err).NotTo(HaveOccurred())

			Expect(registry.ReleaseAll()).To(Succeed())

			Eventually(func() bool {
				return pidRunning(pid)
			}, "3s", "100ms").Should(BeFalse())
		})
	})
})
