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

package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/constants"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/engine"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/metrics"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/models"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/pipeline"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/sentry"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/service/emulator"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/standarderrors"
)

// RunTaskLifecycle executes one batch end to end: bring the link up, run
// each task, then tear down everything the run acquired. The cleanup step
// is unconditional; it runs whether the batch completed, failed, was
// canceled or panicked.
//
// A connection setup error is terminal for the whole batch: no task runs
// and every one is reported failed. Cancellation mid-batch reports the
// remaining tasks as canceled.
func (e *TaskExecutor) RunTaskLifecycle(ctx context.Context, tasks []models.Task) {
	if len(tasks) == 0 {
		return
	}

	defer e.cleanupRun()

	if err := e.EnsureConnected(ctx); err != nil {
		status := models.StatusFailed
		msg := fmt.Sprintf("connection setup failed: %v", err)
		if standarderrors.IsCancellation(err) {
			status = models.StatusCanceled
			msg = standarderrors.ErrTaskCanceled.Error()
		}
		for i := range tasks {
			e.reportUnrun(tasks[i], status, msg)
		}

		return
	}

	for i := range tasks {
		if ctx.Err() != nil {
			e.reportUnrun(tasks[i], models.StatusCanceled, standarderrors.ErrTaskCanceled.Error())

			continue
		}
		e.runTask(ctx, tasks[i], i, len(tasks))
	}
}

// runTask executes one task and books its terminal outcome: state machine
// transition, task event, metrics and the retained result.
func (e *TaskExecutor) runTask(ctx context.Context, task models.Task, index, total int) {
	taskCtx, cancelTask := context.WithCancel(ctx)
	defer cancelTask()

	e.mu.Lock()
	e.current = &activeTask{id: task.ID, cancel: cancelTask}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.current = nil
		e.mu.Unlock()
	}()

	// the previous task's terminal outcome stays visible until the next
	// task claims the device
	if st := e.machine.GetState(); st.IsTerminal() {
		if err := e.machine.SetState(ctx, models.StatusConnected, models.StatePatch{}); err != nil {
			e.logger.Warnf("Device %s reset before task %s: %v", e.cfg.ID, task.ID, err)
			e.reportUnrun(task, models.StatusFailed, fmt.Sprintf("resetting device state: %v", err))

			return
		}
	}

	started := time.Now()
	e.publishTask(models.TaskStarted, task, "")
	e.logger.Infof("Device %s starting task %s (%s)", e.cfg.ID, task.Name, task.ID)

	payload, err := e.executeTaskGuarded(taskCtx, task, index, total)
	finished := time.Now()

	// terminal bookkeeping must succeed even when the task ctx is the very
	// thing that got canceled
	bookCtx := context.WithoutCancel(ctx)
	result := models.TaskResult{
		StartedAt:  started,
		FinishedAt: finished,
		Payload:    payload,
		TaskID:     task.ID,
		DeviceID:   e.cfg.ID,
		TaskName:   task.Name,
	}

	switch {
	case err == nil:
		result.Status = models.StatusCompleted
		if serr := e.machine.SetState(bookCtx, models.StatusCompleted, models.StatePatch{}); serr != nil {
			e.logger.Warnf("Device %s completed transition: %v", e.cfg.ID, serr)
		}
		e.publishTask(models.TaskCompleted, task, "")
		metrics.IncTasksCompleted(e.cfg.ID)
		e.logger.Infof("Device %s completed task %s in %s", e.cfg.ID, task.Name, finished.Sub(started).Round(time.Millisecond))
	case standarderrors.IsCancellation(err):
		result.Status = models.StatusCanceled
		result.Error = standarderrors.ErrTaskCanceled.Error()
		if serr := e.machine.SetState(bookCtx, models.StatusCanceled, models.StatePatch{}); serr != nil {
			e.logger.Warnf("Device %s canceled transition: %v", e.cfg.ID, serr)
		}
		e.publishTask(models.TaskCanceled, task, result.Error)
		metrics.IncTasksCanceled(e.cfg.ID)
		e.logger.Infof("Device %s canceled task %s", e.cfg.ID, task.Name)
	default:
		result.Status = models.StatusFailed
		result.Error = err.Error()
		if serr := e.machine.SetState(bookCtx, models.StatusFailed, models.StatePatch{ErrorMessage: models.Opt(err.Error())}); serr != nil {
			e.logger.Warnf("Device %s failed transition: %v", e.cfg.ID, serr)
		}
		e.publishTask(models.TaskFailed, task, err.Error())
		metrics.IncTasksFailed(e.cfg.ID)
		e.logger.Errorf("Device %s task %s failed: %v", e.cfg.ID, task.Name, err)
	}

	metrics.ObserveTaskDuration(e.cfg.ID, finished.Sub(started))
	e.recordResult(result)
}

// executeTaskGuarded converts a panic anywhere inside task execution into a
// failed task instead of killing the executor loop.
func (e *TaskExecutor) executeTaskGuarded(ctx context.Context, task models.Task, index, total int) (payload pipeline.Document, err error) {
	defer func() {
		if r := recover(); r != nil {
			sentry.ReportIssuef(sentry.IssueTypeError, e.logger, "Device %s task %s panicked: %v", e.cfg.ID, task.ID, r)
			err = fmt.Errorf("task execution panicked: %v", r)
		}
	}()

	return e.executeTask(ctx, task, index, total)
}

// executeTask walks one task through preparing (resource binding), updating
// (agent handshake, when declared) and running (sub-tasks strictly in list
// order). Progress is the fraction of finished sub-tasks; the payload is
// the last sub-task result the engine produced.
func (e *TaskExecutor) executeTask(ctx context.Context, task models.Task, index, total int) (pipeline.Document, error) {
	// queue position counts within the batch; queue length is everything
	// still waiting behind this task
	if err := e.machine.SetState(ctx, models.StatusPreparing, models.StatePatch{
		ActiveTaskID:  models.Opt(task.ID),
		TaskName:      models.Opt(task.Name),
		Progress:      models.Opt(0.0),
		QueuePosition: models.Opt(index + 1),
		QueueLength:   models.Opt(e.waitingTasks(total - index - 1)),
	}); err != nil {
		return nil, err
	}

	if _, err := e.bindResource(ctx, task); err != nil {
		return nil, err
	}

	if err := e.ensureAgent(ctx, task); err != nil {
		return nil, err
	}

	if err := e.machine.SetState(ctx, models.StatusRunning, models.StatePatch{}); err != nil {
		return nil, err
	}

	var payload pipeline.Document
	count := len(task.SubTasks)
	for i, sub := range task.SubTasks {
		if err := e.gate(ctx); err != nil {
			return nil, err
		}

		e.logger.Infof("Device %s task %s sub-task %d/%d: %s", e.cfg.ID, task.Name, i+1, count, sub.Name)
		subStarted := time.Now()

		job, err := e.engine.PostTask(ctx, sub.Entry, sub.Override)
		if err != nil {
			return nil, fmt.Errorf("posting sub-task %q: %w", sub.Name, err)
		}

		status, err := e.awaitJob(ctx, job)
		if err != nil {
			if standarderrors.IsCancellation(err) {
				e.stopEngine()
			}

			return nil, fmt.Errorf("awaiting sub-task %q: %w", sub.Name, err)
		}
		if status != engine.StatusSucceeded {
			if _, jerr := job.Result(); jerr != nil {
				return nil, fmt.Errorf("%w: %s: %v", standarderrors.ErrSubTaskFailed, sub.Name, jerr)
			}

			return nil, fmt.Errorf("%w: %s finished %s", standarderrors.ErrSubTaskFailed, sub.Name, status)
		}

		metrics.ObserveSubTaskDuration(sub.Entry, time.Since(subStarted))
		if doc, rerr := job.Result(); rerr == nil && doc != nil {
			payload = doc
		}

		e.machine.SetProgress(float64(i+1) / float64(count) * 100)
	}

	// a pause during the last sub-task holds the terminal transition too
	if err := e.gate(ctx); err != nil {
		return nil, err
	}

	return payload, nil
}

// ensureAgent brings up the agent process the task's resource declares, or
// returns immediately when there is none. A live agent from the previous
// task of the same resource is reused; a dead or mismatched one is replaced.
func (e *TaskExecutor) ensureAgent(ctx context.Context, task models.Task) error {
	if e.resources == nil {
		return nil
	}

	resource, err := e.resources.GetResourceConfig(ctx, task.ResourceID)
	if err != nil {
		return fmt.Errorf("looking up resource %q: %w", task.ResourceID, err)
	}
	if resource.Agent == nil {
		return nil
	}

	key := fmt.Sprintf("%s-%s", e.cfg.ID, task.ResourceID)
	e.mu.Lock()
	agent, agentKey := e.agent, e.agentKey
	e.mu.Unlock()
	if agent != nil {
		alive := true
		select {
		case <-agent.Exited():
			alive = false
		default:
		}
		if alive && agentKey == key {
			e.logger.Debugf("Device %s reusing agent %s (pid %d)", e.cfg.ID, key, agent.Pid())

			return nil
		}
		if serr := agent.Shutdown(ctx); serr != nil {
			e.logger.Warnf("Device %s replacing agent %s: %v", e.cfg.ID, agentKey, serr)
		}
		e.mu.Lock()
		e.agent = nil
		e.agentKey = ""
		e.mu.Unlock()
	}

	if err := e.machine.SetState(ctx, models.StatusUpdating, models.StatePatch{}); err != nil {
		return err
	}

	sup := e.newSupervisor(key, *resource.Agent)
	if err := sup.Start(ctx, resource.Agent.Command, resource.Agent.Args, nil); err != nil {
		return err
	}

	timeout := constants.AgentHandshakeTimeout
	if resource.Agent.HandshakeTimeoutSeconds > 0 {
		timeout = time.Duration(resource.Agent.HandshakeTimeoutSeconds) * time.Second
	}
	if err := sup.WaitReady(ctx, timeout); err != nil {
		if serr := sup.Shutdown(context.WithoutCancel(ctx)); serr != nil {
			e.logger.Warnf("Device %s agent shutdown after failed handshake: %v", e.cfg.ID, serr)
		}

		return err
	}

	e.mu.Lock()
	e.agent = sup
	e.agentKey = key
	e.mu.Unlock()
	e.logger.Infof("Device %s agent %s ready (pid %d)", e.cfg.ID, key, sup.Pid())

	return nil
}

// gate blocks while the device is paused. Sub-task boundaries are the only
// pause points, so a pause taken mid sub-task becomes effective here.
func (e *TaskExecutor) gate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.machine.GetState() != models.StatusPaused {
		return nil
	}

	e.logger.Infof("Device %s paused, holding before next sub-task", e.cfg.ID)
	ticker := time.NewTicker(constants.PauseCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.beat()
			if e.machine.GetState() != models.StatusPaused {
				return nil
			}
		}
	}
}

// awaitJob blocks until the posted job reaches a terminal status, feeding
// the watchdog while the engine works. job.Wait honors ctx, so cancellation
// surfaces through the outcome channel rather than a separate select arm.
func (e *TaskExecutor) awaitJob(ctx context.Context, job engine.Job) (engine.Status, error) {
	type outcome struct {
		err    error
		status engine.Status
	}

	done := make(chan outcome, 1)
	go func() {
		st, err := job.Wait(ctx)
		done <- outcome{status: st, err: err}
	}()

	ticker := time.NewTicker(constants.PauseCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case out := <-done:
			return out.status, out.err
		case <-ticker.C:
			e.beat()
		}
	}
}

// stopEngine asks the engine to abandon the in-flight entry. Runs on its
// own context: the caller's is already canceled whenever this matters.
func (e *TaskExecutor) stopEngine() {
	ctx, cancel := context.WithTimeout(context.Background(), constants.CleanupTimeout)
	defer cancel()
	if err := e.engine.PostStop(ctx); err != nil {
		e.logger.Warnf("Device %s engine stop: %v", e.cfg.ID, err)
	}
}

// cleanupRun releases everything a batch acquired. It must finish even when
// the batch was canceled, so it runs on a context that cannot be canceled,
// bounded only by the cleanup timeout. With more work queued the link and
// the emulator stay up for the next batch.
func (e *TaskExecutor) cleanupRun() {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(e.rootCtx), constants.CleanupTimeout)
	defer cancel()

	// agent first: it talks through the link being torn down below
	e.mu.Lock()
	agent := e.agent
	e.agent = nil
	e.agentKey = ""
	e.mu.Unlock()
	if agent != nil {
		if err := agent.Shutdown(ctx); err != nil {
			e.logger.Warnf("Device %s agent shutdown: %v", e.cfg.ID, err)
		}
	}

	if e.QueueLength() > 0 {
		return
	}

	if e.cfg.CloseAfterRun && e.cfg.StartCommand != "" {
		e.closeEmulator(ctx)

		return
	}

	switch e.machine.GetState() {
	case models.StatusCompleted, models.StatusFailed, models.StatusCanceled:
		if err := e.machine.SetState(ctx, models.StatusConnected, models.StatePatch{}); err != nil {
			e.logger.Warnf("Device %s idle reset: %v", e.cfg.ID, err)
		}
	}
}

// closeEmulator implements the close-after-run policy: drop the link, kill
// the emulator's whole process tree and leave the device disconnected.
func (e *TaskExecutor) closeEmulator(ctx context.Context) {
	if err := e.controller.Disconnect(ctx); err != nil {
		e.logger.Warnf("Device %s disconnect: %v", e.cfg.ID, err)
	}

	pid, err := e.emulator.FindProcess(ctx, e.cfg.StartCommand)
	switch {
	case err == nil:
		if kerr := e.emulator.KillTree(ctx, pid); kerr != nil {
			e.logger.Warnf("Device %s failed to close emulator tree %d: %v", e.cfg.ID, pid, kerr)
		} else {
			e.logger.Infof("Device %s emulator closed after run", e.cfg.ID)
		}
	case !errors.Is(err, emulator.ErrProcessNotFound):
		e.logger.Warnf("Device %s emulator lookup: %v", e.cfg.ID, err)
	}

	if err := e.machine.SetState(ctx, models.StatusDisconnected, models.StatePatch{}); err != nil {
		e.logger.Warnf("Device %s teardown state: %v", e.cfg.ID, err)
	}
}
