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

// Package registry owns every executor in the process. It creates one
// executor per device on demand, routes task submissions and control calls
// to the right one, and tears executors down either individually or all at
// once during shutdown.
//
// The registry is also where per-device lifecycles become fleet-wide
// surfaces: state transitions from every device machine are bridged onto
// the event bus and into the device state metric, per-device counters roll
// up into Statistics, and terminal task results outlive their executor in
// a TTL cache so callers can resolve an outcome after the device is gone.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/united-manufacturing-hub/expiremap/v2/pkg/expiremap"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/config"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/constants"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/controller"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/engine"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/events"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/executor"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/logger"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/metrics"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/models"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/service/emulator"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/service/supervisor"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/standarderrors"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/watchdog"
)

// deviceRecord is the registry's bookkeeping for one live executor.
type deviceRecord struct {
	executor  *executor.TaskExecutor
	createdAt time.Time

	// lastTaskAt is when the device last accepted a submission.
	lastTaskAt time.Time
	taskCount  uint64

	// stopping marks a record whose teardown has begun. The record stays in
	// the map until the stop finishes so a re-create cannot race it.
	stopping bool

	// unsubscribe detaches the state bridge from the device's machine.
	unsubscribe func()
}

// DeviceRegistry maps device ids to their executors. All methods are safe
// for concurrent use.
type DeviceRegistry struct {
	logger *zap.SugaredLogger

	newController controller.Factory
	newEngine     engine.Factory

	emulatorSvc  emulator.Service
	resources    executor.ResourceLookup
	procRegistry *supervisor.Registry
	bus          *events.Bus
	dog          watchdog.Iface

	// mu guards records and the lifetime counters. CreateExecutor holds it
	// across construction and connect, so concurrent creates for one device
	// yield exactly one executor.
	mu      sync.RWMutex
	records map[string]*deviceRecord

	tasksSubmitted uint64
	tasksCompleted uint64
	tasksFailed    uint64
	tasksCanceled  uint64

	// results outlives executors so a task's outcome stays queryable after
	// StopExecutor removed its device. Entries expire on their own.
	results *expiremap.ExpireMap[string, models.TaskResult]
}

// NewDeviceRegistry creates an empty registry. Executors are built from the
// given factories; shared services are attached via the With builders
// before the first CreateExecutor.
func NewDeviceRegistry(newController controller.Factory, newEngine engine.Factory) *DeviceRegistry {
	r := &DeviceRegistry{
		logger:        logger.For(logger.ComponentRegistry),
		newController: newController,
		newEngine:     newEngine,
		emulatorSvc:   emulator.NewDefaultService(),
		records:       make(map[string]*deviceRecord),
		results:       expiremap.NewEx[string, models.TaskResult](constants.TaskResultCullInterval, constants.TaskResultTTL),
	}
	metrics.RegisterDebugProvider(metrics.ComponentDeviceRegistry, r)

	return r
}

// WithEmulatorService replaces the process discovery service shared by all
// executors.
func (r *DeviceRegistry) WithEmulatorService(svc emulator.Service) *DeviceRegistry {
	r.emulatorSvc = svc
	return r
}

// WithResourceLookup attaches the config source executors use to resolve
// agent process declarations.
func (r *DeviceRegistry) WithResourceLookup(lookup executor.ResourceLookup) *DeviceRegistry {
	r.resources = lookup
	return r
}

// WithProcessRegistry makes executors report their agents and emulators to
// the shared process registry.
func (r *DeviceRegistry) WithProcessRegistry(reg *supervisor.Registry) *DeviceRegistry {
	r.procRegistry = reg
	return r
}

// WithEventBus bridges device state transitions and task lifecycle events
// onto the bus.
func (r *DeviceRegistry) WithEventBus(bus *events.Bus) *DeviceRegistry {
	r.bus = bus
	return r
}

// WithWatchdog hands the watchdog to every executor the registry creates.
func (r *DeviceRegistry) WithWatchdog(dog watchdog.Iface) *DeviceRegistry {
	r.dog = dog
	return r
}

// CreateExecutor ensures an executor exists for the device. The boolean
// reports whether one already existed. A new executor must connect before
// it is recorded; a device that cannot be reached leaves no trace behind.
// Re-creating a device whose stop is still in progress fails with
// ErrStopPending.
func (r *DeviceRegistry) CreateExecutor(ctx context.Context, cfg config.DeviceConfig) (bool, error) {
	if cfg.ID == "" {
		return false, errors.New("device config has no id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.records[cfg.ID]; ok {
		if rec.stopping {
			return false, fmt.Errorf("%w: %s", standarderrors.ErrStopPending, cfg.ID)
		}

		return true, nil
	}

	r.logger.Infof("Creating executor for device %s", cfg.ID)

	exec := executor.NewTaskExecutor(cfg, r.newController(cfg), r.newEngine()).
		WithEmulatorService(r.emulatorSvc).
		WithResourceLookup(r.resources).
		WithProcessRegistry(r.procRegistry).
		WithEventBus(r.bus).
		WithWatchdog(r.dog).
		WithResultHook(r.storeResult)

	unsubscribe := exec.Machine().Subscribe(r.stateChanged)

	if err := exec.EnsureConnected(ctx); err != nil {
		// tear the half-built executor down; its connect error is the one
		// worth reporting, teardown noise is only logged
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), constants.StopExecutorTimeout)
		if stopErr := exec.Stop(stopCtx); stopErr != nil {
			r.logger.Warnf("Device %s teardown after failed connect: %v", cfg.ID, stopErr)
		}
		cancel()
		unsubscribe()
		metrics.RemoveDeviceState(cfg.ID)
		metrics.IncErrorCount(metrics.ComponentDeviceRegistry, cfg.ID)

		return false, fmt.Errorf("creating executor for device %s: %w", cfg.ID, err)
	}

	exec.Start()
	r.records[cfg.ID] = &deviceRecord{
		executor:    exec,
		createdAt:   time.Now(),
		unsubscribe: unsubscribe,
	}
	r.logger.Infof("Device %s ready, %d device(s) active", cfg.ID, len(r.records))

	return false, nil
}

// SubmitTask forwards a batch to the device's executor and returns the
// assigned task ids. ErrDeviceNotFound when no executor exists.
func (r *DeviceRegistry) SubmitTask(deviceID string, tasks []models.Task) ([]string, error) {
	exec, err := r.executorFor(deviceID)
	if err != nil {
		return nil, err
	}

	ids, err := exec.Submit(tasks)
	if err != nil {
		metrics.IncErrorCount(metrics.ComponentDeviceRegistry, deviceID)

		return nil, err
	}

	r.mu.Lock()
	r.tasksSubmitted += uint64(len(ids))
	if rec, ok := r.records[deviceID]; ok {
		rec.taskCount += uint64(len(ids))
		rec.lastTaskAt = time.Now()
	}
	r.mu.Unlock()
	metrics.AddTasksSubmitted(deviceID, len(ids))

	return ids, nil
}

// CancelTask cancels one task on one device. False when the device or the
// task is unknown, or the task already finished.
func (r *DeviceRegistry) CancelTask(deviceID, taskID string) bool {
	exec, err := r.executorFor(deviceID)
	if err != nil {
		return false
	}

	return exec.CancelTask(taskID)
}

// PauseDevice gates the device's execution before its next sub-task.
func (r *DeviceRegistry) PauseDevice(ctx context.Context, deviceID string) error {
	exec, err := r.executorFor(deviceID)
	if err != nil {
		return err
	}

	return exec.Pause(ctx)
}

// ResumeDevice lifts a pause so the device continues with its next sub-task.
func (r *DeviceRegistry) ResumeDevice(ctx context.Context, deviceID string) error {
	exec, err := r.executorFor(deviceID)
	if err != nil {
		return err
	}

	return exec.Resume(ctx)
}

// GetQueueLength returns how many tasks wait in the device's queue.
func (r *DeviceRegistry) GetQueueLength(deviceID string) (int, error) {
	exec, err := r.executorFor(deviceID)
	if err != nil {
		return 0, err
	}

	return exec.QueueLength(), nil
}

// Snapshot returns the device's current state context.
func (r *DeviceRegistry) Snapshot(deviceID string) (models.StateContext, error) {
	exec, err := r.executorFor(deviceID)
	if err != nil {
		return models.StateContext{}, err
	}

	return exec.Snapshot(), nil
}

// Snapshots returns the state context of every registered device.
func (r *DeviceRegistry) Snapshots() map[string]models.StateContext {
	r.mu.RLock()
	execs := make(map[string]*executor.TaskExecutor, len(r.records))
	for id, rec := range r.records {
		execs[id] = rec.executor
	}
	r.mu.RUnlock()

	snapshots := make(map[string]models.StateContext, len(execs))
	for id, exec := range execs {
		snapshots[id] = exec.Snapshot()
	}

	return snapshots
}

// StopExecutor stops the device's executor, waits for its cleanup and
// removes the record. False when the device is unknown or another stop
// already owns it. The wait is bounded even when ctx is not.
func (r *DeviceRegistry) StopExecutor(ctx context.Context, deviceID string) bool {
	r.mu.Lock()
	rec, ok := r.records[deviceID]
	if !ok || rec.stopping {
		r.mu.Unlock()

		return false
	}
	rec.stopping = true
	r.mu.Unlock()

	stopCtx, cancel := context.WithTimeout(ctx, constants.StopExecutorTimeout)
	defer cancel()

	if err := rec.executor.Stop(stopCtx); err != nil {
		r.logger.Warnf("Device %s stop: %v", deviceID, err)
	}
	rec.unsubscribe()

	r.mu.Lock()
	delete(r.records, deviceID)
	active := len(r.records)
	r.mu.Unlock()

	metrics.RemoveDeviceState(deviceID)
	r.logger.Infof("Executor for device %s removed, %d device(s) active", deviceID, active)

	return true
}

// StopAll stops every executor concurrently and waits for all of them.
// Devices already being stopped individually are left to their owner. The
// first stop error is returned; every stop runs regardless.
func (r *DeviceRegistry) StopAll(ctx context.Context) error {
	r.mu.Lock()
	ids := make([]string, 0, len(r.records))
	stopping := make([]*deviceRecord, 0, len(r.records))
	for id, rec := range r.records {
		if rec.stopping {
			continue
		}
		rec.stopping = true
		ids = append(ids, id)
		stopping = append(stopping, rec)
	}
	r.mu.Unlock()

	if len(stopping) == 0 {
		return nil
	}
	r.logger.Infof("Stopping %d executor(s)", len(stopping))

	var g errgroup.Group
	for i := range stopping {
		id, rec := ids[i], stopping[i]
		g.Go(func() error {
			if err := rec.executor.Stop(ctx); err != nil {
				r.logger.Warnf("Device %s stop: %v", id, err)

				return fmt.Errorf("stopping device %s: %w", id, err)
			}

			return nil
		})
	}
	err := g.Wait()

	for i := range stopping {
		stopping[i].unsubscribe()
	}

	r.mu.Lock()
	for _, id := range ids {
		delete(r.records, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		metrics.RemoveDeviceState(id)
	}

	r.logger.Infof("All executors stopped")

	return err
}

// TaskResult resolves a finished task's outcome. Results are retained for
// a bounded time and survive their executor's removal.
func (r *DeviceRegistry) TaskResult(taskID string) (models.TaskResult, bool) {
	result, ok := r.results.Load(taskID)
	if !ok {
		return models.TaskResult{}, false
	}

	return *result, true
}

// Statistics returns a snapshot of the registry's bookkeeping: lifetime
// task totals plus one row per active device, sorted by device id.
func (r *DeviceRegistry) Statistics() models.Statistics {
	r.mu.RLock()
	stats := models.Statistics{
		ActiveDevices:  len(r.records),
		TasksSubmitted: r.tasksSubmitted,
		TasksCompleted: r.tasksCompleted,
		TasksFailed:    r.tasksFailed,
		TasksCanceled:  r.tasksCanceled,
		Devices:        make([]models.DeviceStatistics, 0, len(r.records)),
	}
	execs := make([]*executor.TaskExecutor, 0, len(r.records))
	for id, rec := range r.records {
		stats.Devices = append(stats.Devices, models.DeviceStatistics{
			DeviceID:     id,
			CreatedAt:    rec.createdAt,
			LastTaskTime: rec.lastTaskAt,
			TaskCount:    rec.taskCount,
		})
		execs = append(execs, rec.executor)
	}
	r.mu.RUnlock()

	// the per-executor fields are read outside the registry lock; each
	// executor serializes its own snapshot
	for i := range stats.Devices {
		snapshot := execs[i].Snapshot()
		stats.Devices[i].DeviceName = snapshot.DeviceName
		stats.Devices[i].Status = snapshot.Status
		stats.Devices[i].QueueLength = execs[i].QueueLength()
	}
	sort.Slice(stats.Devices, func(i, j int) bool {
		return stats.Devices[i].DeviceID < stats.Devices[j].DeviceID
	})

	return stats
}

// GetDebugInfo exposes the registry's bookkeeping on the debug endpoint.
func (r *DeviceRegistry) GetDebugInfo() interface{} {
	return r.Statistics()
}

// executorFor resolves a device id to its executor without holding the
// registry lock across the executor call that usually follows.
func (r *DeviceRegistry) executorFor(deviceID string) (*executor.TaskExecutor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[deviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", standarderrors.ErrDeviceNotFound, deviceID)
	}

	return rec.executor, nil
}

// stateChanged is the per-machine observer bridging device transitions to
// the metric and, when attached, the event bus.
func (r *DeviceRegistry) stateChanged(change models.StateChange) {
	metrics.UpdateDeviceState(change.DeviceID, string(change.NewStatus))
	if r.bus != nil {
		r.bus.PublishState(change)
	}
}

// storeResult is the result hook handed to every executor. It caches the
// outcome for TaskResult and rolls the terminal status into the lifetime
// counters.
func (r *DeviceRegistry) storeResult(result models.TaskResult) {
	r.results.Set(result.TaskID, result)

	r.mu.Lock()
	defer r.mu.Unlock()

	switch result.Status {
	case models.StatusCompleted:
		r.tasksCompleted++
	case models.StatusFailed:
		r.tasksFailed++
	case models.StatusCanceled:
		r.tasksCanceled++
	}
}
