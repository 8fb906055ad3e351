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

// Package control implements the central reconcile loop of fleet-core.
//
// Task execution itself is event-driven: executors run their own loops and
// the scheduler owns its timers. What still needs a periodic pass is the
// config file, which operators may edit underneath a running core. The
// control loop re-reads it every tick, hands the schedule section to the
// scheduler for re-arming, and keeps the starvation checker and the
// watchdog informed that the core is alive.
package control

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/backoff"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/config"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/constants"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/logger"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/metrics"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/sentry"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/starvationchecker"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/watchdog"
)

// ScheduleSyncer reconciles timer bookkeeping against the persisted
// schedule entries. *scheduler.Scheduler satisfies it.
type ScheduleSyncer interface {
	Sync(ctx context.Context) (int, error)
}

// ControlLoop periodically reconciles the running core against the config
// file. Construct with NewControlLoop, then Execute on its own goroutine.
type ControlLoop struct {
	tickerTime        time.Duration
	configManager     config.ConfigManager
	syncer            ScheduleSyncer
	logger            *zap.SugaredLogger
	starvationChecker *starvationchecker.StarvationChecker
	dog               watchdog.Iface
	heartbeat         uuid.UUID
	currentTick       uint64
}

// NewControlLoop creates a control loop over the given config store and
// schedule syncer. It owns a starvation checker whose background goroutine
// starts immediately and stops with Stop.
func NewControlLoop(configManager config.ConfigManager, syncer ScheduleSyncer) *ControlLoop {
	log := logger.For(logger.ComponentControlLoop)
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	metrics.InitErrorCounter(metrics.ComponentControlLoop, "core")

	return &ControlLoop{
		tickerTime:        constants.DefaultTickerTime,
		configManager:     configManager,
		syncer:            syncer,
		logger:            log,
		starvationChecker: starvationchecker.NewStarvationChecker(constants.StarvationThreshold),
	}
}

// WithWatchdog registers the loop with the given watchdog. The heartbeat is
// reported on every tick; a wedged loop brings the process down so the
// outer supervisor restarts it.
func (c *ControlLoop) WithWatchdog(dog watchdog.Iface) *ControlLoop {
	c.dog = dog

	return c
}

// Execute runs the control loop until the context is cancelled.
//
// Error handling per cycle:
//   - deadline exceeded: warn and keep going, the next tick gets a fresh budget
//   - context cancelled: clean shutdown
//   - anything else: stop the loop and surface the error to main
func (c *ControlLoop) Execute(ctx context.Context) error {
	ticker := time.NewTicker(c.tickerTime)
	defer ticker.Stop()

	if c.dog != nil {
		c.heartbeat = c.dog.RegisterHeartbeat("control-loop", 3,
			uint64(constants.StarvationThreshold.Seconds()), false)
		defer c.dog.UnregisterHeartbeat(c.heartbeat)
	}

	c.currentTick = 0

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.currentTick++

			start := time.Now()

			timeoutCtx, cancel := context.WithTimeout(ctx, constants.ReconcileTimeout)
			err := c.Reconcile(timeoutCtx, c.currentTick)
			cancel()

			cycleTime := time.Since(start)
			if cycleTime > c.tickerTime {
				c.logger.Warnf("Reconcile cycle took longer than the ticker interval: %v", cycleTime)
			}

			metrics.ObserveReconcileTime(metrics.ComponentControlLoop, "core", cycleTime)

			if err != nil {
				switch {
				case errors.Is(err, context.DeadlineExceeded):
					if c.dog != nil {
						c.dog.ReportHeartbeatStatus(c.heartbeat, watchdog.HEARTBEAT_STATUS_WARNING)
					}
					sentry.ReportIssuef(sentry.IssueTypeWarning, c.logger, "Reconcile cycle timed out: %v", err)
				case errors.Is(err, context.Canceled):
					c.logger.Infof("Control loop cancelled")

					return nil
				default:
					metrics.IncErrorCountAndLog(metrics.ComponentControlLoop, "core", err, c.logger)
					sentry.ReportIssuef(sentry.IssueTypeError, c.logger, "Control loop error: %v", err)

					return err
				}
			} else if c.dog != nil {
				c.dog.ReportHeartbeatStatus(c.heartbeat, watchdog.HEARTBEAT_STATUS_OK)
			}
		}
	}
}

// Reconcile performs one cycle: load the config through the backoff-wrapped
// manager, sync the schedule timers against it, and mark the cycle done for
// the starvation checker.
//
// Config load failures are graded the way the manager grades them: a
// temporary backoff error skips the cycle, a permanent failure stops the
// loop because the system cannot run without a readable config, and
// anything else is reported and retried next tick.
func (c *ControlLoop) Reconcile(ctx context.Context, tick uint64) error {
	if c.configManager == nil {
		return fmt.Errorf("config manager is not set")
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	cfg, err := c.configManager.GetConfig(ctx, tick)
	if err != nil {
		if backoff.IsTemporaryBackoffError(err) {
			c.logger.Debugf("Skipping reconcile cycle due to temporary config backoff: %v", err)

			return nil
		}

		if backoff.IsPermanentFailureError(err) {
			originalErr := backoff.ExtractOriginalError(err)
			sentry.ReportIssuef(sentry.IssueTypeError, c.logger, "Config manager has permanently failed after max retries: %v (original error: %v)",
				err, originalErr)
			metrics.IncErrorCountAndLog(metrics.ComponentControlLoop, "config_permanent_failure", err, c.logger)

			return fmt.Errorf("config permanently failed, system needs intervention: %w", err)
		}

		sentry.ReportIssuef(sentry.IssueTypeError, c.logger, "Config manager error: %v", err)

		return nil
	}

	changed, err := c.syncer.Sync(ctx)
	if err != nil {
		return fmt.Errorf("schedule sync failed: %w", err)
	}

	if changed > 0 {
		c.logger.Infof("Config sync applied %d schedule change(s), %d device(s) and %d schedule(s) configured",
			changed, len(cfg.Devices), len(cfg.Schedules))
	}

	c.starvationChecker.UpdateLastReconcileTime()

	return nil
}

// Stop terminates the starvation checker. The loop itself stops when the
// Execute context is cancelled.
func (c *ControlLoop) Stop() {
	c.starvationChecker.Stop()
}
