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
	"fmt"
	"time"

	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/backoff"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/constants"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/metrics"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/models"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/standarderrors"
)

// EnsureConnected brings the controller link up, launching the backing
// emulator first when the device declares a start command. Idempotent: a
// live link returns immediately. Attempts are bounded; between attempts the
// emulator is killed so the next attempt starts from a fresh process, since
// a wedged emulator rarely recovers on its own. Exhausting all attempts
// moves the device to the error status and returns ErrConnectionFailed.
func (e *TaskExecutor) EnsureConnected(ctx context.Context) error {
	e.connectMu.Lock()
	defer e.connectMu.Unlock()

	if e.controller.Connected() {
		switch e.machine.GetState() {
		case models.StatusDisconnected, models.StatusError:
			// stale status despite a live link; walk the full path below
		default:
			return nil
		}
	}

	if err := e.machine.SetState(ctx, models.StatusConnecting, models.StatePatch{}); err != nil {
		return err
	}

	attempts := e.cfg.ConnectAttempts
	if attempts <= 0 {
		attempts = constants.DefaultConnectAttempts
	}

	var lastPid int32
	attempt := 0
	op := func() error {
		attempt++
		e.beat()
		pid, err := e.connectOnce(ctx)
		lastPid = pid
		if err != nil {
			metrics.IncErrorCount(metrics.ComponentExecutor, e.cfg.ID)

			return err
		}

		return nil
	}
	notify := func(err error, delay time.Duration) {
		e.logger.Warnf("Device %s connect attempt %d/%d failed: %v, retrying in %s", e.cfg.ID, attempt, attempts, err, delay)
		if e.cfg.StartCommand == "" || lastPid == 0 {
			return
		}
		if killErr := e.emulator.KillTree(ctx, lastPid); killErr != nil {
			e.logger.Warnf("Device %s failed to kill emulator tree %d: %v", e.cfg.ID, lastPid, killErr)
		}
	}

	retrier := backoff.NewRetrier(attempts, constants.ConnectRetryDelay)
	if err := retrier.Do(ctx, op, notify); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msg := fmt.Sprintf("connection failed after %d attempts: %v", attempts, err)
		if serr := e.machine.SetState(ctx, models.StatusError, models.StatePatch{ErrorMessage: models.Opt(msg)}); serr != nil {
			e.logger.Warnf("Device %s error state: %v", e.cfg.ID, serr)
		}
		e.logger.Errorf("Device %s %s", e.cfg.ID, msg)

		return fmt.Errorf("%w: %s", standarderrors.ErrConnectionFailed, msg)
	}

	if err := e.machine.SetState(ctx, models.StatusConnected, models.StatePatch{}); err != nil {
		return err
	}
	e.logger.Infof("Device %s connected", e.cfg.ID)

	return nil
}

// connectOnce performs one full connection attempt: emulator up, link up,
// then a capture as the capability probe. A link that cannot deliver a
// frame is treated as not connected at all. Returns the emulator pid (0
// when the device has no start command) so a failed attempt can kill it.
func (e *TaskExecutor) connectOnce(ctx context.Context) (int32, error) {
	var pid int32
	if e.cfg.StartCommand != "" {
		p, err := e.emulator.EnsureRunning(ctx, e.cfg.StartCommand)
		if err != nil {
			return 0, fmt.Errorf("ensuring emulator process: %w", err)
		}
		pid = p
	}

	if err := e.controller.Connect(ctx); err != nil {
		return pid, fmt.Errorf("controller connect: %w", err)
	}

	probeCtx, cancel := context.WithTimeout(ctx, constants.ConnectProbeTimeout)
	defer cancel()
	if _, err := e.controller.Capture(probeCtx); err != nil {
		if derr := e.controller.Disconnect(ctx); derr != nil {
			e.logger.Warnf("Device %s disconnect after failed probe: %v", e.cfg.ID, derr)
		}

		return pid, fmt.Errorf("capture probe: %w", err)
	}

	return pid, nil
}
