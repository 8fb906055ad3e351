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

// Package emulator locates, launches and terminates the emulator processes
// backing managed devices. Emulator launchers routinely daemonize, so the
// pid handed back by the OS at launch time is worthless; the service instead
// scans the process table for a process matching the device's start command,
// the same way the desktop original resolved emulator pids.
package emulator

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/constants"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/logger"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/metrics"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/service/supervisor"
	"go.uber.org/zap"
)

// ErrProcessNotFound is returned when no running process matches a device's
// emulator start command.
var ErrProcessNotFound = errors.New("emulator process not found")

// exitPollInterval is how often a terminated emulator is re-probed while
// waiting for it to exit.
const exitPollInterval = 100 * time.Millisecond

// Service manages the emulator processes devices run on.
type Service interface {
	// FindProcess scans the process table for a process matching the start
	// command. Returns ErrProcessNotFound when nothing matches.
	FindProcess(ctx context.Context, startCommand string) (int32, error)

	// EnsureRunning returns the pid of the emulator backing startCommand,
	// launching the command first when no matching process exists. Blocks
	// through discovery polling and the configured warmup delay.
	EnsureRunning(ctx context.Context, startCommand string) (int32, error)

	// KillTree terminates pid and every descendant: SIGTERM to the root, a
	// bounded wait, then an unconditional force-kill of the whole tree.
	KillTree(ctx context.Context, pid int32) error

	// KillStray force-kills every process whose executable name is a known
	// emulator. Crash cleanup only; returns how many trees were killed.
	KillStray(ctx context.Context) (int, error)
}

// DefaultService is the gopsutil-backed Service implementation.
type DefaultService struct {
	logger   *zap.SugaredLogger
	registry *supervisor.Registry

	discoveryTimeout time.Duration
	pollInterval     time.Duration
	warmupDelay      time.Duration
	killWait         time.Duration
	strayNames       []string
}

// NewDefaultService creates an emulator service with the default timing
// constants.
func NewDefaultService() *DefaultService {
	return &DefaultService{
		logger:           logger.For(logger.ComponentEmulator),
		discoveryTimeout: constants.EmulatorDiscoveryTimeout,
		pollInterval:     constants.EmulatorDiscoveryPollInterval,
		warmupDelay:      constants.EmulatorWarmupDelay,
		killWait:         constants.EmulatorKillWait,
		strayNames:       constants.EmulatorProcessNames,
	}
}

// WithRegistry makes EnsureRunning register discovered emulator trees for
// the crash-time sweep.
func (s *DefaultService) WithRegistry(registry *supervisor.Registry) *DefaultService {
	s.registry = registry
	return s
}

// WithDiscoveryTimeout overrides how long a launched emulator may take to
// appear in the process table.
func (s *DefaultService) WithDiscoveryTimeout(timeout time.Duration) *DefaultService {
	s.discoveryTimeout = timeout
	return s
}

// WithPollInterval overrides the process table rescan interval.
func (s *DefaultService) WithPollInterval(interval time.Duration) *DefaultService {
	s.pollInterval = interval
	return s
}

// WithWarmupDelay overrides the post-discovery warmup sleep.
func (s *DefaultService) WithWarmupDelay(delay time.Duration) *DefaultService {
	s.warmupDelay = delay
	return s
}

// WithKillWait overrides the grace period between SIGTERM and the forced
// tree kill.
func (s *DefaultService) WithKillWait(wait time.Duration) *DefaultService {
	s.killWait = wait
	return s
}

// WithStrayNames overrides the executable names KillStray matches.
func (s *DefaultService) WithStrayNames(names []string) *DefaultService {
	s.strayNames = names
	return s
}

// FindProcess scans the process table for the emulator behind startCommand.
func (s *DefaultService) FindProcess(ctx context.Context, startCommand string) (int32, error) {
	exe, _, err := splitStartCommand(startCommand)
	if err != nil {
		return 0, err
	}

	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list processes: %w", err)
	}

	for _, proc := range procs {
		if matchesCommand(ctx, proc, exe) {
			return proc.Pid, nil
		}
	}
	return 0, ErrProcessNotFound
}

// EnsureRunning finds or launches the emulator behind startCommand.
func (s *DefaultService) EnsureRunning(ctx context.Context, startCommand string) (int32, error) {
	exe, args, err := splitStartCommand(startCommand)
	if err != nil {
		return 0, err
	}

	if pid, err := s.FindProcess(ctx, startCommand); err == nil {
		s.logger.Debugf("Emulator for %q already running (pid: %d)", exe, pid)
		return pid, nil
	} else if !errors.Is(err, ErrProcessNotFound) {
		return 0, err
	}

	cmd := exec.Command(exe, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	if err := cmd.Start(); err != nil {
		metrics.IncErrorCount(metrics.ComponentEmulatorService, exe)
		return 0, fmt.Errorf("failed to launch emulator %q: %w", startCommand, err)
	}
	// Reap the launcher whenever it exits; most emulator launchers hand off
	// to a daemonized main process and terminate.
	go func() {
		_ = cmd.Wait()
	}()
	s.logger.Infof("Launched emulator start command %q (launcher pid: %d)", startCommand, cmd.Process.Pid)

	pid, err := s.pollForProcess(ctx, startCommand)
	if err != nil {
		return 0, err
	}
	s.logger.Infof("Emulator for %q is up (pid: %d)", exe, pid)

	if s.registry != nil {
		s.registry.Register(registryID(pid), s.processGroup(pid))
	}

	if s.warmupDelay > 0 {
		warmup := time.NewTimer(s.warmupDelay)
		defer warmup.Stop()
		select {
		case <-warmup.C:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return pid, nil
}

// KillTree terminates the emulator at pid together with its descendants.
func (s *DefaultService) KillTree(ctx context.Context, pid int32) error {
	// Collect the tree before any signal; dead parents take their child
	// list with them.
	tree, err := s.collectTree(ctx, pid)
	if err != nil {
		return err
	}

	if proc, err := process.NewProcess(pid); err == nil {
		if err := proc.TerminateWithContext(ctx); err == nil {
			s.waitForExit(ctx, pid)
		}
	}

	s.forceKillTree(ctx, tree)

	if s.registry != nil {
		s.registry.Deregister(registryID(pid))
	}
	s.logger.Infof("Killed emulator process tree rooted at pid %d (%d processes)", pid, len(tree))
	return nil
}

// KillStray sweeps the process table for known emulator executables and
// force-kills their trees.
func (s *DefaultService) KillStray(ctx context.Context) (int, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list processes: %w", err)
	}

	known := make(map[string]struct{}, len(s.strayNames))
	for _, name := range s.strayNames {
		known[name] = struct{}{}
	}

	killed := 0
	for _, proc := range procs {
		name, err := proc.NameWithContext(ctx)
		if err != nil {
			continue
		}
		if _, ok := known[name]; !ok {
			continue
		}

		s.logger.Warnf("Killing stray emulator process %s (pid: %d)", name, proc.Pid)
		tree, err := s.collectTree(ctx, proc.Pid)
		if err != nil {
			s.logger.Warnf("Failed to collect process tree of stray pid %d: %v", proc.Pid, err)
			continue
		}
		s.forceKillTree(ctx, tree)
		killed++
	}
	return killed, nil
}

// processGroup adapts an emulator pid to the supervisor's kill-on-release
// primitive. Tree-walk based: a daemonized emulator escapes the launcher's
// process group, so group signals alone cannot reach it.
func (s *DefaultService) processGroup(pid int32) supervisor.ProcessGroup {
	return &treeGroup{service: s, pid: pid}
}

type treeGroup struct {
	service *DefaultService
	pid     int32
}

func (g *treeGroup) Pgid() int {
	return int(g.pid)
}

func (g *treeGroup) Signal(sig syscall.Signal) error {
	tree, err := g.service.collectTree(context.Background(), g.pid)
	if err != nil {
		return err
	}
	for _, member := range tree {
		if proc, err := process.NewProcess(member); err == nil {
			_ = proc.SendSignalWithContext(context.Background(), sig)
		}
	}
	return nil
}

func (g *treeGroup) Release() error {
	tree, err := g.service.collectTree(context.Background(), g.pid)
	if err != nil {
		return err
	}
	g.service.forceKillTree(context.Background(), tree)
	return nil
}

// pollForProcess rescans the process table until the emulator appears or the
// discovery timeout lapses. The first check happens one poll interval after
// launch, giving the launcher time to hand off.
func (s *DefaultService) pollForProcess(ctx context.Context, startCommand string) (int32, error) {
	deadline := time.NewTimer(s.discoveryTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pid, err := s.FindProcess(ctx, startCommand)
			if err == nil {
				return pid, nil
			}
			if !errors.Is(err, ErrProcessNotFound) {
				return 0, err
			}
		case <-deadline.C:
			metrics.IncErrorCount(metrics.ComponentEmulatorService, startCommand)
			return 0, fmt.Errorf("emulator process for %q did not appear within %s", startCommand, s.discoveryTimeout)
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// collectTree returns pid and all of its descendants, parents before
// children. One table scan instead of per-process child lookups; gopsutil's
// Children shells out to pgrep on some platforms.
func (s *DefaultService) collectTree(ctx context.Context, pid int32) ([]int32, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}

	children := make(map[int32][]int32, len(procs))
	for _, proc := range procs {
		ppid, err := proc.PpidWithContext(ctx)
		if err != nil {
			continue
		}
		children[ppid] = append(children[ppid], proc.Pid)
	}

	tree := []int32{pid}
	for i := 0; i < len(tree); i++ {
		tree = append(tree, children[tree[i]]...)
	}
	return tree, nil
}

// forceKillTree SIGKILLs every member, deepest first so the root cannot
// respawn children mid-sweep. Processes that are already gone are skipped.
func (s *DefaultService) forceKillTree(ctx context.Context, tree []int32) {
	for i := len(tree) - 1; i >= 0; i-- {
		proc, err := process.NewProcess(tree[i])
		if err != nil {
			continue
		}
		if err := proc.KillWithContext(ctx); err != nil && !errors.Is(err, syscall.ESRCH) {
			s.logger.Warnf("Failed to kill pid %d: %v", tree[i], err)
		}
	}
}

// waitForExit polls until pid left the process table, the kill wait lapsed
// or ctx was cancelled.
func (s *DefaultService) waitForExit(ctx context.Context, pid int32) {
	deadline := time.NewTimer(s.killWait)
	defer deadline.Stop()
	ticker := time.NewTicker(exitPollInterval)
	defer ticker.Stop()

	for {
		exists, err := process.PidExistsWithContext(ctx, pid)
		if err != nil || !exists {
			return
		}
		select {
		case <-ticker.C:
		case <-deadline.C:
			s.logger.Warnf("Emulator pid %d did not exit within %s after SIGTERM", pid, s.killWait)
			return
		case <-ctx.Done():
			return
		}
	}
}

// matchesCommand reports whether proc was started from exe: same executable
// path, exe anywhere in the argument vector (interpreter-run launchers), or
// a matching short name for daemonized main processes.
func matchesCommand(ctx context.Context, proc *process.Process, exe string) bool {
	if procExe, err := proc.ExeWithContext(ctx); err == nil && procExe == exe {
		return true
	}
	if args, err := proc.CmdlineSliceWithContext(ctx); err == nil {
		for _, arg := range args {
			if arg == exe {
				return true
			}
		}
	}
	if name, err := proc.NameWithContext(ctx); err == nil && name == filepath.Base(exe) {
		return true
	}
	return false
}

// splitStartCommand breaks a device's start command into executable and
// arguments.
func splitStartCommand(startCommand string) (string, []string, error) {
	fields := strings.Fields(startCommand)
	if len(fields) == 0 {
		return "", nil, errors.New("device has no emulator start command")
	}
	return fields[0], fields[1:], nil
}

func registryID(pid int32) string {
	return fmt.Sprintf("emulator-%d", pid)
}
