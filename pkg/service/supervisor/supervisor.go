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

// Package supervisor launches one agent process per supervisor instance and
// guarantees that neither the agent nor any process it forked survives
// Shutdown. Agents are started in their own process group, their output is
// drained into a rotating per-agent log directory, and a pid file next to it
// lets a restarted fleet core sweep stale agents from a previous run.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/constants"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/logger"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/metrics"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/service/filesystem"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/standarderrors"
	"go.uber.org/zap"
)

// stderrTailLines is how many stderr lines are kept for the spawn error
// message when an agent dies before confirming readiness.
const stderrTailLines = 8

// Service supervises a single agent process.
type Service interface {
	// Start spawns the agent process in its own process group and begins
	// draining its output. Returns standarderrors.ErrAgentSpawn if the
	// executable cannot be launched.
	Start(ctx context.Context, command string, args []string, env []string) error

	// WaitReady blocks until the agent printed its ready line on stdout,
	// the process exited early (standarderrors.ErrAgentSpawn carrying the
	// captured stderr tail), or the timeout lapsed
	// (standarderrors.ErrHandshakeTimeout).
	WaitReady(ctx context.Context, timeout time.Duration) error

	// Shutdown terminates the agent's whole process group: SIGTERM, a
	// bounded grace wait, then an unconditional SIGKILL. Idempotent; once
	// it returns no process started by this supervisor remains alive, even
	// when ctx was already cancelled.
	Shutdown(ctx context.Context) error

	// Pid returns the agent's process id, 0 before Start.
	Pid() int

	// Exited is closed once the agent process exited and its output has
	// been fully drained.
	Exited() <-chan struct{}
}

// AgentSupervisor is the production Service implementation. One instance
// supervises exactly one process; a second Start on the same instance fails.
type AgentSupervisor struct {
	logger    *zap.SugaredLogger
	fsService filesystem.Service
	registry  *Registry

	agentID     string
	readyLine   string
	logBaseDir  string
	runDir      string
	gracePeriod time.Duration

	mu      sync.Mutex
	cmd     *exec.Cmd
	group   ProcessGroup
	exitErr error

	writer     *LogWriter
	stderrTail *lineTail

	ready     chan struct{}
	readyOnce sync.Once
	exited    chan struct{}

	shutdownOnce sync.Once
	shutdownErr  error
}

// NewAgentSupervisor creates a supervisor for the agent identified by
// agentID. The id names the agent's log directory and pid file.
func NewAgentSupervisor(agentID string) *AgentSupervisor {
	return &AgentSupervisor{
		logger:      logger.For(logger.ComponentSupervisor),
		fsService:   filesystem.NewDefaultService(),
		agentID:     agentID,
		logBaseDir:  constants.AgentLogBaseDir,
		runDir:      constants.AgentRunBaseDir,
		gracePeriod: constants.AgentShutdownGracePeriod,
		stderrTail:  newLineTail(stderrTailLines),
		ready:       make(chan struct{}),
		exited:      make(chan struct{}),
	}
}

// WithFileSystemService replaces the filesystem service, mainly for tests.
func (s *AgentSupervisor) WithFileSystemService(fsService filesystem.Service) *AgentSupervisor {
	s.fsService = fsService
	return s
}

// WithRegistry makes Start register the spawned process group so crash-time
// teardown can sweep it.
func (s *AgentSupervisor) WithRegistry(registry *Registry) *AgentSupervisor {
	s.registry = registry
	return s
}

// WithReadyLine sets the stdout marker the agent prints once it is
// listening. Without one, WaitReady succeeds as soon as the process runs.
func (s *AgentSupervisor) WithReadyLine(line string) *AgentSupervisor {
	s.readyLine = line
	return s
}

// WithLogBaseDir overrides where the per-agent log directory is created.
func (s *AgentSupervisor) WithLogBaseDir(dir string) *AgentSupervisor {
	s.logBaseDir = dir
	return s
}

// WithRunDir overrides where the agent's pid file is written.
func (s *AgentSupervisor) WithRunDir(dir string) *AgentSupervisor {
	s.runDir = dir
	return s
}

// WithShutdownGracePeriod overrides how long Shutdown waits after SIGTERM
// before escalating to SIGKILL.
func (s *AgentSupervisor) WithShutdownGracePeriod(grace time.Duration) *AgentSupervisor {
	s.gracePeriod = grace
	return s
}

// Start spawns the agent process. The launch is atomic with respect to the
// pid file: if the pid cannot be recorded the process is killed again, so no
// agent ever runs untracked.
func (s *AgentSupervisor) Start(ctx context.Context, command string, args []string, env []string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd != nil {
		return fmt.Errorf("agent %s already started", s.agentID)
	}

	logDir := filepath.Join(s.logBaseDir, s.agentID)
	if err := s.fsService.EnsureDirectory(ctx, logDir); err != nil {
		return fmt.Errorf("error ensuring agent log directory: %w", err)
	}
	if err := s.fsService.EnsureDirectory(ctx, s.runDir); err != nil {
		return fmt.Errorf("error ensuring agent run directory: %w", err)
	}

	// A pid file left behind by a crashed run means a stale agent may still
	// hold the device. Sweep its whole group before starting a fresh one.
	s.terminateStaleAgent(ctx)

	writer, err := NewLogWriter(logDir, s.logger)
	if err != nil {
		return fmt.Errorf("error creating agent log writer: %w", err)
	}

	cmd := exec.Command(command, args...)
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true, // own process group so descendants die with the agent
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		_ = writer.Close()
		return fmt.Errorf("error creating stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		_ = writer.Close()
		return fmt.Errorf("error creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		_ = writer.Close()
		metrics.IncErrorCount(metrics.ComponentAgentSupervisor, s.agentID)
		return fmt.Errorf("%w: %w", standarderrors.ErrAgentSpawn, err)
	}

	pid := cmd.Process.Pid
	group := NewUnixProcessGroup(pid)

	// Record the pid before anything else can go wrong. If that fails the
	// process is killed again so the agent cannot outlive its bookkeeping.
	pidData := []byte(strconv.Itoa(pid))
	if err := s.fsService.WriteFile(ctx, s.pidFilePath(), pidData, 0644); err != nil {
		s.logger.Errorf("Failed to write pid file for agent %s, terminating process (pid: %d): %v", s.agentID, pid, err)
		if killErr := group.Release(); killErr != nil {
			s.logger.Errorf("Failed to kill agent %s after pid write failure (pid: %d): %v", s.agentID, pid, killErr)
		}
		_ = writer.Close()
		return fmt.Errorf("error writing agent pid file: %w", err)
	}

	s.cmd = cmd
	s.group = group
	s.writer = writer
	if s.registry != nil {
		s.registry.Register(s.agentID, group)
	}

	var drained sync.WaitGroup
	drained.Add(2)
	go s.drainPipe(stdoutPipe, "stdout", &drained)
	go s.drainPipe(stderrPipe, "stderr", &drained)
	go s.waitExit(cmd, &drained)

	// Agents without a ready line are considered ready once they run.
	if s.readyLine == "" {
		s.signalReady()
	}

	s.logger.Infof("Agent %s started (pid: %d)", s.agentID, pid)
	return nil
}

// WaitReady blocks until the agent confirmed readiness, died, or timed out.
func (s *AgentSupervisor) WaitReady(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.ready:
		return nil
	case <-s.exited:
		msg := "agent exited before confirming readiness"
		if err := s.exitError(); err != nil {
			msg = fmt.Sprintf("%s: %s", msg, err)
		}
		if tail := s.stderrTail.String(); tail != "" {
			msg = fmt.Sprintf("%s (stderr: %s)", msg, tail)
		}
		return fmt.Errorf("%w: %s", standarderrors.ErrAgentSpawn, msg)
	case <-timer.C:
		return fmt.Errorf("%w after %s", standarderrors.ErrHandshakeTimeout, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown terminates the agent's process group. The first call does the
// work, later calls return its result.
func (s *AgentSupervisor) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown(ctx)
	})
	return s.shutdownErr
}

func (s *AgentSupervisor) shutdown(ctx context.Context) error {
	s.mu.Lock()
	group := s.group
	s.mu.Unlock()

	if group == nil {
		return nil
	}

	// Graceful phase: ask the whole group to terminate and give it the
	// grace period. A cancelled ctx skips straight to the kill.
	if err := group.Signal(syscall.SIGTERM); err == nil {
		grace := time.NewTimer(s.gracePeriod)
		select {
		case <-s.exited:
		case <-grace.C:
			s.logger.Warnf("Agent %s did not exit within %s after SIGTERM, killing process group", s.agentID, s.gracePeriod)
		case <-ctx.Done():
		}
		grace.Stop()
	}

	// Kill phase: never cancellable. Once Release returns, no member of the
	// process group survives.
	releaseErr := group.Release()
	if releaseErr != nil {
		s.logger.Warnf("Failed to kill process group of agent %s: %v", s.agentID, releaseErr)
		metrics.IncErrorCount(metrics.ComponentAgentSupervisor, s.agentID)
	}

	reap := time.NewTimer(constants.AgentKillReapTimeout)
	select {
	case <-s.exited:
	case <-reap.C:
		s.logger.Warnf("Agent %s was not reaped within %s after SIGKILL", s.agentID, constants.AgentKillReapTimeout)
	}
	reap.Stop()

	s.removePidFile()
	if s.registry != nil {
		s.registry.Deregister(s.agentID)
	}

	s.logger.Infof("Agent %s shut down", s.agentID)
	return releaseErr
}

// Pid returns the supervised process id, 0 before Start.
func (s *AgentSupervisor) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Exited is closed once the process exited and both pipes are drained.
func (s *AgentSupervisor) Exited() <-chan struct{} {
	return s.exited
}

// drainPipe scans one output stream line by line into the agent's log file.
// Stdout lines are additionally matched against the ready marker, stderr
// lines feed the tail kept for spawn error messages.
func (s *AgentSupervisor) drainPipe(pipe io.ReadCloser, stream string, drained *sync.WaitGroup) {
	defer drained.Done()

	watchReady := stream == "stdout" && s.readyLine != ""

	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		line := scanner.Text()
		if err := s.writer.WriteLine(time.Now(), line); err != nil {
			s.logger.Debugf("Failed to write %s line of agent %s: %v", stream, s.agentID, err)
		}
		s.logger.Debugf("Agent %s %s: %s", s.agentID, stream, line)

		if stream == "stderr" {
			s.stderrTail.Add(line)
		}
		if watchReady && strings.Contains(line, s.readyLine) {
			s.signalReady()
		}
	}
	if err := scanner.Err(); err != nil {
		s.logger.Debugf("Error reading %s of agent %s: %v", stream, s.agentID, err)
	}
}

// waitExit reaps the process once both pipes hit EOF, then publishes the
// exit result and closes the log writer.
func (s *AgentSupervisor) waitExit(cmd *exec.Cmd, drained *sync.WaitGroup) {
	drained.Wait()
	err := cmd.Wait()

	s.mu.Lock()
	s.exitErr = err
	s.mu.Unlock()

	if err != nil {
		s.logger.Debugf("Agent %s exited: %v", s.agentID, err)
	} else {
		s.logger.Debugf("Agent %s exited cleanly", s.agentID)
	}

	if closeErr := s.writer.Close(); closeErr != nil {
		s.logger.Debugf("Failed to close log writer of agent %s: %v", s.agentID, closeErr)
	}
	close(s.exited)
}

func (s *AgentSupervisor) signalReady() {
	s.readyOnce.Do(func() {
		close(s.ready)
	})
}

func (s *AgentSupervisor) exitError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitErr
}

func (s *AgentSupervisor) pidFilePath() string {
	return filepath.Join(s.runDir, s.agentID+".pid")
}

// terminateStaleAgent kills the process group recorded in a leftover pid
// file. Caller holds s.mu.
func (s *AgentSupervisor) terminateStaleAgent(ctx context.Context) {
	pidPath := s.pidFilePath()

	exists, err := s.fsService.PathExists(ctx, pidPath)
	if err != nil || !exists {
		return
	}

	data, err := s.fsService.ReadFile(ctx, pidPath)
	if err != nil {
		s.logger.Warnf("Failed to read stale pid file %s: %v", pidPath, err)
		return
	}

	stalePid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || stalePid <= 0 {
		s.logger.Warnf("Ignoring malformed pid file %s: %q", pidPath, strings.TrimSpace(string(data)))
		return
	}

	if !processExists(stalePid) {
		return
	}

	s.logger.Warnf("Terminating stale agent %s process group left by a previous run (pid: %d)", s.agentID, stalePid)
	if err := NewUnixProcessGroup(stalePid).Release(); err != nil {
		s.logger.Errorf("Failed to kill stale agent %s process group (pid: %d): %v", s.agentID, stalePid, err)
	}
}

func (s *AgentSupervisor) removePidFile() {
	// Runs on the shutdown path, which must not be cancellable.
	if err := s.fsService.Remove(context.Background(), s.pidFilePath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warnf("Failed to remove pid file of agent %s: %v", s.agentID, err)
	}
}

// lineTail keeps the last few lines of a stream.
type lineTail struct {
	mu    sync.Mutex
	max   int
	lines []string
}

func newLineTail(max int) *lineTail {
	return &lineTail{max: max}
}

func (t *lineTail) Add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.lines) == t.max {
		copy(t.lines, t.lines[1:])
		t.lines[t.max-1] = line
		return
	}
	t.lines = append(t.lines, line)
}

func (t *lineTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "; ")
}
