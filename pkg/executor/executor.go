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

// Package executor owns the execution lifecycle of one device: connecting
// the controller link, binding resource bundles, supervising agent
// processes and running submitted tasks sub-task by sub-task.
//
// Each executor runs a single goroutine loop that consumes a FIFO queue of
// task batches. Exactly one batch is in flight at a time; everything the
// batch acquires (link, agent, engine binding) is torn down by an
// unconditional cleanup step once it ends, regardless of how it ended.
// All observable progress flows through the device's state machine and,
// when a bus is attached, through task events.
//
// The executor is driven from the outside through a small surface: Submit
// enqueues work, CancelTask and Cancel request cooperative cancellation,
// Pause and Resume gate execution between sub-tasks, Stop drains and tears
// the executor down for good.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/config"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/constants"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/controller"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/devicestate"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/engine"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/events"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/logger"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/metrics"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/models"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/service/emulator"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/service/supervisor"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/standarderrors"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/watchdog"
)

// ResourceLookup resolves a resource bundle's configuration, mainly so the
// executor can learn whether the bundle declares an agent process. Satisfied
// by config.ConfigManager.
type ResourceLookup interface {
	GetResourceConfig(ctx context.Context, resourceID string) (config.ResourceConfig, error)
}

// SupervisorFactory builds the supervisor for one agent process. The default
// factory wires the configured ready line and the shared process registry.
type SupervisorFactory func(agentID string, agentCfg config.AgentProcessConfig) supervisor.Service

// activeTask is the cancellation handle for the task currently executing.
type activeTask struct {
	cancel context.CancelFunc
	id     string
}

// TaskExecutor drives one device. Public methods are safe for concurrent
// use; actual task work happens on the internal loop goroutine only.
type TaskExecutor struct {
	logger  *zap.SugaredLogger
	machine *devicestate.Machine

	controller    controller.Controller
	engine        engine.Engine
	emulator      emulator.Service
	resources     ResourceLookup
	newSupervisor SupervisorFactory
	procRegistry  *supervisor.Registry
	bus           *events.Bus
	dog           watchdog.Iface
	onResult      func(models.TaskResult)

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wake       chan struct{}
	done       chan struct{}

	// heartbeatID is written once at loop start and read only by the loop.
	heartbeatID uuid.UUID

	// connectMu serializes EnsureConnected so concurrent callers share one
	// connection attempt instead of racing the controller.
	connectMu sync.Mutex

	// mu guards the queue and the in-flight bookkeeping below.
	mu              sync.Mutex
	pending         [][]models.Task
	current         *activeTask
	lifecycleCancel context.CancelFunc
	agent           supervisor.Service
	agentKey        string
	stopping        bool

	// bound caches the engine's resource binding. Loop goroutine only.
	bound *boundResource

	cfg      config.DeviceConfig
	stopErr  error
	stopOnce sync.Once
	started  atomic.Bool
}

// NewTaskExecutor creates an executor for one device. The controller and
// engine are the device's own instances; shared services are attached via
// the With builders before Start.
func NewTaskExecutor(cfg config.DeviceConfig, ctrl controller.Controller, eng engine.Engine) *TaskExecutor {
	e := &TaskExecutor{
		logger:     logger.For(logger.ComponentExecutor),
		cfg:        cfg,
		machine:    devicestate.NewMachine(cfg.ID, cfg.Name),
		controller: ctrl,
		engine:     eng,
		emulator:   emulator.NewDefaultService(),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	e.rootCtx, e.rootCancel = context.WithCancel(context.Background())
	e.newSupervisor = e.defaultSupervisorFactory

	return e
}

// WithEmulatorService replaces the process discovery service, usually with
// a shared instance or a mock.
func (e *TaskExecutor) WithEmulatorService(svc emulator.Service) *TaskExecutor {
	e.emulator = svc
	return e
}

// WithResourceLookup attaches the config source used to resolve agent
// process declarations. Without one, tasks run agent-less.
func (e *TaskExecutor) WithResourceLookup(lookup ResourceLookup) *TaskExecutor {
	e.resources = lookup
	return e
}

// WithSupervisorFactory replaces how agent supervisors are built.
func (e *TaskExecutor) WithSupervisorFactory(f SupervisorFactory) *TaskExecutor {
	e.newSupervisor = f
	return e
}

// WithProcessRegistry makes launched agents and discovered emulators known
// to the shared registry so final teardown can reap strays.
func (e *TaskExecutor) WithProcessRegistry(reg *supervisor.Registry) *TaskExecutor {
	e.procRegistry = reg
	return e
}

// WithEventBus makes the executor publish task lifecycle events.
func (e *TaskExecutor) WithEventBus(bus *events.Bus) *TaskExecutor {
	e.bus = bus
	return e
}

// WithWatchdog registers the executor loop with the watchdog once Start
// runs. A loop past its timeout gets its active run canceled.
func (e *TaskExecutor) WithWatchdog(dog watchdog.Iface) *TaskExecutor {
	e.dog = dog
	return e
}

// WithResultHook attaches a callback invoked with every terminal task
// result, including results for tasks canceled while still queued.
func (e *TaskExecutor) WithResultHook(fn func(models.TaskResult)) *TaskExecutor {
	e.onResult = fn
	return e
}

func (e *TaskExecutor) defaultSupervisorFactory(agentID string, agentCfg config.AgentProcessConfig) supervisor.Service {
	s := supervisor.NewAgentSupervisor(agentID)
	if e.procRegistry != nil {
		s = s.WithRegistry(e.procRegistry)
	}
	if agentCfg.ReadyLine != "" {
		s = s.WithReadyLine(agentCfg.ReadyLine)
	}

	return s
}

// Start launches the executor loop. Idempotent.
func (e *TaskExecutor) Start() {
	if !e.started.CompareAndSwap(false, true) {
		return
	}
	go e.run()
}

// run is the executor loop: wait for work, execute it batch by batch, and
// keep the watchdog fed while idle.
func (e *TaskExecutor) run() {
	defer close(e.done)

	if e.dog != nil {
		e.heartbeatID = e.dog.RegisterHeartbeatWithRestart(
			fmt.Sprintf("executor-%s", e.cfg.ID), 0, constants.ExecutorWatchdogTimeout, false,
			e.cancelStuckRun,
		)
		defer e.dog.UnregisterHeartbeat(e.heartbeatID)
	}

	idle := time.NewTicker(constants.ExecutorIdleBeatInterval)
	defer idle.Stop()

	e.beat()

	for {
		select {
		case <-e.rootCtx.Done():
			return
		case <-e.wake:
			e.drainQueue()
		case <-idle.C:
			e.beat()
		}
	}
}

// drainQueue executes queued batches until the queue is empty or the
// executor is stopping.
func (e *TaskExecutor) drainQueue() {
	for e.rootCtx.Err() == nil {
		e.mu.Lock()
		if len(e.pending) == 0 {
			e.mu.Unlock()
			return
		}
		batch := e.pending[0]
		e.pending = e.pending[1:]
		runCtx, cancel := context.WithCancel(e.rootCtx)
		e.lifecycleCancel = cancel
		remaining := e.queuedLocked()
		e.mu.Unlock()

		e.machine.UpdateContext(models.StatePatch{QueueLength: models.Opt(remaining)})
		metrics.SetQueueLength(e.cfg.ID, remaining)

		e.RunTaskLifecycle(runCtx, batch)

		e.mu.Lock()
		e.lifecycleCancel = nil
		e.mu.Unlock()
		cancel()
	}
}

// cancelStuckRun is the watchdog's restart hook: a loop that went silent
// mid-run gets its batch canceled so the loop can recover. A silent loop
// with no run in flight is a real deadlock and must escalate.
func (e *TaskExecutor) cancelStuckRun() error {
	if !e.Cancel() {
		return errors.New("no active run to cancel")
	}

	return nil
}

func (e *TaskExecutor) beat() {
	if e.dog != nil {
		e.dog.ReportHeartbeatStatus(e.heartbeatID, watchdog.HEARTBEAT_STATUS_OK)
	}
}

// Submit assigns ids to the batch, enqueues it and wakes the loop. Returns
// the assigned task ids in batch order. The queue is bounded; a full queue
// rejects the batch rather than blocking the caller.
func (e *TaskExecutor) Submit(tasks []models.Task) ([]string, error) {
	if len(tasks) == 0 {
		return nil, errors.New("empty task batch")
	}

	e.mu.Lock()
	if e.stopping {
		e.mu.Unlock()
		return nil, standarderrors.ErrExecutorRemoved
	}
	if e.queuedLocked()+len(tasks) > constants.TaskQueueCapacity {
		e.mu.Unlock()
		return nil, fmt.Errorf("task queue for device %s is full (%d tasks)", e.cfg.ID, constants.TaskQueueCapacity)
	}

	now := time.Now()
	ids := make([]string, len(tasks))
	batch := make([]models.Task, len(tasks))
	for i, t := range tasks {
		t.ID = uuid.New().String()
		t.DeviceID = e.cfg.ID
		t.CreatedAt = now
		batch[i] = t
		ids[i] = t.ID
	}
	e.pending = append(e.pending, batch)
	queued := e.queuedLocked()
	e.mu.Unlock()

	e.machine.UpdateContext(models.StatePatch{QueueLength: models.Opt(queued)})
	metrics.SetQueueLength(e.cfg.ID, queued)
	for i := range batch {
		e.publishTask(models.TaskSubmitted, batch[i], "")
	}
	e.logger.Debugf("Device %s queued %d task(s), queue length %d", e.cfg.ID, len(batch), queued)

	select {
	case e.wake <- struct{}{}:
	default:
	}

	return ids, nil
}

// CancelTask cancels one task wherever it currently is. The active task is
// canceled cooperatively and reports its own outcome; a queued task is
// removed before it ever runs and reported here. Returns false when the
// task is unknown or already finished.
func (e *TaskExecutor) CancelTask(taskID string) bool {
	e.mu.Lock()
	if e.current != nil && e.current.id == taskID {
		cancel := e.current.cancel
		e.mu.Unlock()
		e.logger.Infof("Device %s canceling active task %s", e.cfg.ID, taskID)
		cancel()

		return true
	}

	for bi := range e.pending {
		for ti, t := range e.pending[bi] {
			if t.ID != taskID {
				continue
			}
			e.pending[bi] = append(e.pending[bi][:ti], e.pending[bi][ti+1:]...)
			if len(e.pending[bi]) == 0 {
				e.pending = append(e.pending[:bi], e.pending[bi+1:]...)
			}
			queued := e.queuedLocked()
			e.mu.Unlock()

			e.machine.UpdateContext(models.StatePatch{QueueLength: models.Opt(queued)})
			metrics.SetQueueLength(e.cfg.ID, queued)
			e.logger.Infof("Device %s canceled queued task %s", e.cfg.ID, taskID)
			e.reportUnrun(t, models.StatusCanceled, standarderrors.ErrTaskCanceled.Error())

			return true
		}
	}
	e.mu.Unlock()

	return false
}

// Cancel requests cooperative cancellation of the in-flight batch. It never
// kills anything itself; the lifecycle's cleanup owns teardown. Returns
// false when nothing is running.
func (e *TaskExecutor) Cancel() bool {
	e.mu.Lock()
	cancel := e.lifecycleCancel
	e.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()

	return true
}

// Pause gates execution before the next sub-task. Legal only while running;
// pausing an already paused device is a no-op.
func (e *TaskExecutor) Pause(ctx context.Context) error {
	return e.machine.SetState(ctx, models.StatusPaused, models.StatePatch{})
}

// Resume lifts a pause so execution continues with the next sub-task.
func (e *TaskExecutor) Resume(ctx context.Context) error {
	return e.machine.SetState(ctx, models.StatusRunning, models.StatePatch{})
}

// Stop cancels the in-flight batch, flushes the queue as canceled and tears
// the executor down. Idempotent; later calls return the first outcome. The
// context bounds how long Stop waits for the loop to drain, not the
// teardown itself.
func (e *TaskExecutor) Stop(ctx context.Context) error {
	e.stopOnce.Do(func() {
		e.stopErr = e.doStop(ctx)
	})

	return e.stopErr
}

func (e *TaskExecutor) doStop(ctx context.Context) error {
	e.logger.Infof("Stopping executor for device %s", e.cfg.ID)

	e.mu.Lock()
	e.stopping = true
	pending := e.pending
	e.pending = nil
	cancelRun := e.lifecycleCancel
	e.mu.Unlock()

	for _, batch := range pending {
		for i := range batch {
			e.reportUnrun(batch[i], models.StatusCanceled, standarderrors.ErrTaskCanceled.Error())
		}
	}
	metrics.SetQueueLength(e.cfg.ID, 0)

	if cancelRun != nil {
		// interrupt the engine first so a blocked sub-task wait returns promptly
		if err := e.engine.PostStop(ctx); err != nil {
			e.logger.Warnf("Device %s engine stop: %v", e.cfg.ID, err)
		}
		cancelRun()
	}
	e.rootCancel()

	if e.started.Load() {
		select {
		case <-e.done:
		case <-ctx.Done():
			e.logger.Warnf("Device %s executor loop did not drain before deadline", e.cfg.ID)
		}
	}

	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), constants.CleanupTimeout)
	defer cancel()

	// per-run cleanup normally handled the agent already; this covers an
	// executor stopped while idle with a reused agent still alive
	e.mu.Lock()
	agent := e.agent
	e.agent = nil
	e.agentKey = ""
	e.mu.Unlock()
	if agent != nil {
		if err := agent.Shutdown(cleanupCtx); err != nil {
			e.logger.Warnf("Device %s agent shutdown: %v", e.cfg.ID, err)
		}
	}

	var disconnectErr error
	if err := e.controller.Disconnect(cleanupCtx); err != nil {
		disconnectErr = fmt.Errorf("disconnecting device %s: %w", e.cfg.ID, err)
		e.logger.Warnf("Device %s disconnect: %v", e.cfg.ID, err)
	}
	if err := e.machine.SetState(cleanupCtx, models.StatusDisconnected, models.StatePatch{}); err != nil {
		e.logger.Warnf("Device %s state teardown: %v", e.cfg.ID, err)
	}

	e.logger.Infof("Executor for device %s stopped", e.cfg.ID)

	return disconnectErr
}

// DeviceID returns the device this executor drives.
func (e *TaskExecutor) DeviceID() string {
	return e.cfg.ID
}

// Machine exposes the device's state machine for subscription and snapshots.
func (e *TaskExecutor) Machine() *devicestate.Machine {
	return e.machine
}

// State returns the device's current lifecycle status.
func (e *TaskExecutor) State() models.DeviceStatus {
	return e.machine.GetState()
}

// Snapshot returns a copy of the device's full state context.
func (e *TaskExecutor) Snapshot() models.StateContext {
	return e.machine.Snapshot()
}

// QueueLength counts tasks waiting in the queue, excluding the active one.
func (e *TaskExecutor) QueueLength() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.queuedLocked()
}

func (e *TaskExecutor) queuedLocked() int {
	n := 0
	for _, b := range e.pending {
		n += len(b)
	}

	return n
}

// waitingTasks is the queue length shown while a batch runs: the rest of
// the current batch plus everything still queued behind it.
func (e *TaskExecutor) waitingTasks(batchRemaining int) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return batchRemaining + e.queuedLocked()
}

func (e *TaskExecutor) publishTask(kind models.TaskEventKind, task models.Task, errMsg string) {
	if e.bus == nil {
		return
	}
	e.bus.PublishTask(models.TaskEvent{
		At:       time.Now(),
		Kind:     kind,
		DeviceID: e.cfg.ID,
		TaskID:   task.ID,
		TaskName: task.Name,
		Error:    errMsg,
	})
}

func (e *TaskExecutor) recordResult(result models.TaskResult) {
	if e.onResult == nil {
		return
	}
	e.onResult(result)
}

// reportUnrun records the terminal outcome of a task that never started:
// canceled while queued, or failed because the batch's connection setup
// failed before any task could run.
func (e *TaskExecutor) reportUnrun(task models.Task, status models.DeviceStatus, errMsg string) {
	kind := models.TaskFailed
	if status == models.StatusCanceled {
		kind = models.TaskCanceled
		metrics.IncTasksCanceled(e.cfg.ID)
	} else {
		metrics.IncTasksFailed(e.cfg.ID)
	}
	e.publishTask(kind, task, errMsg)
	e.recordResult(models.TaskResult{
		FinishedAt: time.Now(),
		TaskID:     task.ID,
		DeviceID:   e.cfg.ID,
		TaskName:   task.Name,
		Status:     status,
		Error:      errMsg,
	})
}
