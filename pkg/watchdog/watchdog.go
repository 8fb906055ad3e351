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

package watchdog

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/context"

	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/sentry"
)

/*
# Introduction

	Watchdog watches the long-lived goroutines of the fleet core: the per-device
	executor run loops, the scheduler and the API event bridge.
	Create one with NewWatchdog, start it with Start, then register each loop
	with RegisterHeartbeat. Every loop *shall* report its status regularly
	using ReportHeartbeatStatus.

## Example

	w := watchdog.NewWatchdog(context.Background(), time.NewTicker(5*time.Second), false, log)
	go w.Start()
	uniqueIdentifier := w.RegisterHeartbeat("executor-adb-5555", 5, 60, false)
	defer w.UnregisterHeartbeat(uniqueIdentifier)
	for {
		// Do something
		w.ReportHeartbeatStatus(uniqueIdentifier, watchdog.HEARTBEAT_STATUS_OK)
	}

## Arguments

	name prevents duplicate registrations.
	warningsUntilFailure is the number of consecutive warnings a loop may send
	before the watchdog declares it dead (0 disables the check).
	timeout is the number of seconds of silence after which a loop counts as
	stalled (0 disables the check).
	onlyIfSubscribers restricts enforcement to the time someone is actually
	watching the fleet (a connected event-stream client). A stalled loop with
	no subscribers is reported once instead of taking the process down.

## Logic

	A ticker checks every registered heartbeat. A heartbeat past its timeout
	is handled in one of three ways:
	  - it was registered with a restart callback: the callback runs, and on
	    success the heartbeat clock is reset and the loop stays registered
	  - no callback, or the callback failed: the watchdog panics so the
	    process supervisor brings the whole core back up in a known state
	  - it was registered onlyIfSubscribers and nobody is subscribed: the
	    stall is reported to Sentry exactly once and the process stays up

	A HEARTBEAT_STATUS_ERROR always panics immediately, without waiting for
	the next tick. Warning overflow likewise panics without a restart
	attempt: a loop healthy enough to send warnings is not silently stuck,
	and restarting it would hide whatever it is warning about.
*/

// RestartFunc is invoked when a loop registered with
// RegisterHeartbeatWithRestart goes silent past its timeout. Returning nil
// keeps the process alive and re-arms the heartbeat.
type RestartFunc func() error

// Watchdog supervises registered goroutine heartbeats.
type Watchdog struct {
	registeredHeartbeats      map[string]*Heartbeat
	registeredHeartbeatsMutex sync.Mutex
	badHeartbeatChan          chan uuid.UUID
	hasSubscribers            atomic.Bool
	ctx                       context.Context
	ticker                    *time.Ticker
	watchdogID                uuid.UUID
	warningsAreErrors         atomic.Bool
	logger                    *zap.SugaredLogger
}

// NewWatchdog creates a new Watchdog
func NewWatchdog(ctx context.Context, ticker *time.Ticker, warningsAreErrors bool, logger *zap.SugaredLogger) *Watchdog {
	w := Watchdog{
		registeredHeartbeats:      make(map[string]*Heartbeat),
		registeredHeartbeatsMutex: sync.Mutex{},
		// badHeartbeatChan is buffered to avoid blocking the watchdog.
		// This might be the case if the watchdog is not started yet and a goroutine is sending a bad heartbeat
		badHeartbeatChan:  make(chan uuid.UUID, 100),
		hasSubscribers:    atomic.Bool{},
		ctx:               ctx,
		ticker:            ticker,
		watchdogID:        uuid.New(),
		warningsAreErrors: atomic.Bool{},
		logger:            logger,
	}
	if warningsAreErrors {
		w.warningsAreErrors.Store(true)
	}
	return &w
}

// Start synchronously runs the watchdog until its context is cancelled.
func (s *Watchdog) Start() {
	for {
		select {
		case uniqueIdentifier := <-s.badHeartbeatChan:
			{
				name := s.getHeartbeatNameByUUID(uniqueIdentifier)
				sentry.ReportIssuef(sentry.IssueTypeError, s.logger, "Heartbeat errored: [%s] %s (%s)", s.watchdogID, name, uniqueIdentifier)
				panic(fmt.Sprintf("Heartbeat errored: [%s] %s (%s)", s.watchdogID, name, uniqueIdentifier))
			}
		case <-s.ticker.C:
			{
				s.checkHeartbeats()
			}
		case <-s.ctx.Done():
			{
				s.ticker.Stop()
				s.logger.Infof("Watchdog context done: [%s] ", s.watchdogID)
				return
			}
		}
	}
}

// checkHeartbeats scans all registered heartbeats once and handles the first
// overdue one it finds. Called from Start on every tick.
func (s *Watchdog) checkHeartbeats() {
	now := time.Now()
	s.logger.Debugf("Checking heartbeats: [%s] at %s", s.watchdogID, now)
	s.registeredHeartbeatsMutex.Lock()

	var overdueHeartbeat *struct {
		name           string
		hb             *Heartbeat
		secondsOverdue int64
	}

	for name, hb := range s.registeredHeartbeats {
		lastHeartbeat := now.UTC().Unix() - hb.lastHeartbeatTime.Load()
		if lastHeartbeat < 0 {
			s.logger.Warnf("Time went backwards: [%s] ", s.watchdogID)
		}
		secondsOverdue := lastHeartbeat - int64(hb.timeout)
		// timeout = 0 disables this check
		if secondsOverdue <= 0 || hb.timeout == 0 {
			continue
		}
		if hb.onlyIfSubscribers && !s.hasSubscribers.Load() {
			// Nobody is watching the fleet right now, so a stalled loop is
			// not worth taking the process down for. Report it once so the
			// stall is still visible.
			if hb.stallReported.CompareAndSwap(false, true) {
				sentry.ReportIssuef(sentry.IssueTypeWarning, s.logger, "Heartbeat overdue without subscribers: [%s] %s (%s) (%d seconds overdue)", s.watchdogID, name, hb.uniqueIdentifier, secondsOverdue)
			}
			continue
		}
		overdueHeartbeat = &struct {
			name           string
			hb             *Heartbeat
			secondsOverdue int64
		}{
			name:           name,
			hb:             hb,
			secondsOverdue: secondsOverdue,
		}
		// Remove from the map and break the loop
		delete(s.registeredHeartbeats, name)
		break
	}

	// Unlock before the restart callback or any potential panic
	s.registeredHeartbeatsMutex.Unlock()

	if overdueHeartbeat == nil {
		s.logger.Debugf("Heartbeats are ok: [%s] ", s.watchdogID)
		return
	}

	name := overdueHeartbeat.name
	hb := overdueHeartbeat.hb
	if hb.restart != nil {
		s.logger.Warnf("[%s] Heartbeat %s (%s) is %d seconds overdue, attempting restart", s.watchdogID, name, hb.uniqueIdentifier, overdueHeartbeat.secondsOverdue)
		if err := hb.restart(); err != nil {
			sentry.ReportIssuef(sentry.IssueTypeError, s.logger, "Heartbeat restart failed: [%s] %s (%s): %s", s.watchdogID, name, hb.uniqueIdentifier, err)
		} else {
			hb.lastHeartbeatTime.Store(time.Now().UTC().Unix())
			hb.warningCount.Store(0)
			hb.restartsAttempted.Add(1)
			s.registeredHeartbeatsMutex.Lock()
			s.registeredHeartbeats[name] = hb
			s.registeredHeartbeatsMutex.Unlock()
			s.logger.Infof("[%s] Restarted heartbeat %s (%s)", s.watchdogID, name, hb.uniqueIdentifier)
			return
		}
	}

	panic(fmt.Sprintf("Heartbeat too old: [%s] %s (%s) [Lifetime heartbeats: %d] (%d seconds overdue)",
		s.watchdogID, name, hb.uniqueIdentifier,
		hb.heartbeatsReceived.Load(), overdueHeartbeat.secondsOverdue))
}

// HeartbeatStatus is the status of a heartbeat
type HeartbeatStatus int

const (
	// HEARTBEAT_STATUS_OK is the status of a healthy heartbeat
	HEARTBEAT_STATUS_OK HeartbeatStatus = iota
	// HEARTBEAT_STATUS_WARNING is the status of a heartbeat with a warning, given enough warnings, it will panic the program if configured in RegisterHeartbeat
	HEARTBEAT_STATUS_WARNING
	// HEARTBEAT_STATUS_ERROR is the status of a heartbeat with an error, it will panic the program
	HEARTBEAT_STATUS_ERROR
)

// Heartbeat is a heartbeat
type Heartbeat struct {
	uniqueIdentifier     uuid.UUID
	lastReportedStatus   atomic.Int32
	lastHeartbeatTime    atomic.Int64
	file                 string
	line                 int
	warningCount         atomic.Uint32
	warningsUntilFailure uint64
	timeout              uint64
	onlyIfSubscribers    bool
	heartbeatsReceived   atomic.Uint64
	restartsAttempted    atomic.Uint32
	stallReported        atomic.Bool
	restart              RestartFunc
}

// RegisterHeartbeat registers a new heartbeat
// It returns the unique identifier of the heartbeat
// Keep that identifier to unregister the heartbeat later
func (s *Watchdog) RegisterHeartbeat(name string, warningsUntilFailure uint64, timeout uint64, onlyIfSubscribers bool) uuid.UUID {
	return s.register(name, warningsUntilFailure, timeout, onlyIfSubscribers, nil)
}

// RegisterHeartbeatWithRestart registers a heartbeat whose loop can be
// revived in place. When the heartbeat goes silent past its timeout the
// watchdog calls restart instead of panicking; only a failed (or nil)
// restart brings the process down.
func (s *Watchdog) RegisterHeartbeatWithRestart(name string, warningsUntilFailure uint64, timeout uint64, onlyIfSubscribers bool, restart RestartFunc) uuid.UUID {
	return s.register(name, warningsUntilFailure, timeout, onlyIfSubscribers, restart)
}

func (s *Watchdog) register(name string, warningsUntilFailure uint64, timeout uint64, onlyIfSubscribers bool, restart RestartFunc) uuid.UUID {
	uniqueIdentifier := uuid.New()
	_, file, line, ok := runtime.Caller(2)

	s.logger.Infof("[%s] Registering heartbeat %s (%s)", s.watchdogID, name, uniqueIdentifier)
	hb := Heartbeat{
		uniqueIdentifier:     uniqueIdentifier,
		warningsUntilFailure: warningsUntilFailure,
		timeout:              timeout,
		onlyIfSubscribers:    onlyIfSubscribers,
		restart:              restart,
	}
	hb.lastHeartbeatTime.Store(time.Now().UTC().Unix())
	if ok {
		hb.file = file
		hb.line = line
	} else {
		s.logger.Warnf("[%s] Unable to get caller file and line for heartbeat %s", s.watchdogID, name)
	}
	s.registeredHeartbeatsMutex.Lock()
	if v, ok := s.registeredHeartbeats[name]; ok {
		s.registeredHeartbeatsMutex.Unlock()
		s.logger.Errorf("[%s] Heartbeat already registered: %s (%s)", s.watchdogID, name, v.uniqueIdentifier)
		sentry.ReportIssuef(sentry.IssueTypeError, s.logger, "Heartbeat already registered: %s", name)
		panic(fmt.Sprintf("Heartbeat already registered: %s (%s)", name, v.uniqueIdentifier))
	}
	s.registeredHeartbeats[name] = &hb
	s.logger.Infof("[%s] Registered heartbeat %s (%s)", s.watchdogID, name, uniqueIdentifier)
	s.registeredHeartbeatsMutex.Unlock()
	return uniqueIdentifier
}

// UnregisterHeartbeat unregisters a heartbeat
// Call this when the goroutine is doing a normal exit
func (s *Watchdog) UnregisterHeartbeat(uniqueIdentifier uuid.UUID) {
	s.logger.Infof("[%s] Unregistering heartbeat %s", s.watchdogID, uniqueIdentifier)
	// Find the heartbeat
	name := s.getHeartbeatNameByUUID(uniqueIdentifier)
	if name == "" {
		s.logger.Warnf("[%s] Unregister heartbeat called with unknown identifier: %s", s.watchdogID, uniqueIdentifier)
		return
	}

	s.registeredHeartbeatsMutex.Lock()
	delete(s.registeredHeartbeats, name)
	s.registeredHeartbeatsMutex.Unlock()
	s.logger.Infof("[%s] Unregistered heartbeat %s", s.watchdogID, uniqueIdentifier)
}

// ReportHeartbeatStatus reports the status of a heartbeat
// Call this every time the routine is looping (with HEARTBEAT_STATUS_OK), when it's doing something weird (with HEARTBEAT_STATUS_WARNING) or when it's doing nothing (with HEARTBEAT_STATUS_ERROR)
func (s *Watchdog) ReportHeartbeatStatus(uniqueIdentifier uuid.UUID, status HeartbeatStatus) {
	// Find the heartbeat
	name := s.getHeartbeatNameByUUID(uniqueIdentifier)

	if name == "" {
		sentry.ReportIssuef(sentry.IssueTypeError, s.logger, "Report heartbeat called with unknown identifier: %s", uniqueIdentifier)
		return
	}

	// Update the heartbeat
	s.registeredHeartbeatsMutex.Lock()
	hb := s.registeredHeartbeats[name]
	if hb == nil {
		// If the heartbeat doesn't exist, unlock and return
		s.registeredHeartbeatsMutex.Unlock()
		sentry.ReportIssuef(sentry.IssueTypeError, s.logger, "Report heartbeat called with now invalid name: %s (UUID: %s)", name, uniqueIdentifier)
		return
	}

	hb.lastReportedStatus.Store(int32(status))
	hb.lastHeartbeatTime.Store(time.Now().UTC().Unix())
	hb.heartbeatsReceived.Add(1)
	var warnings uint32
	onlyIfHasSub := hb.onlyIfSubscribers
	hasSubs := s.hasSubscribers.Load()
	if status == HEARTBEAT_STATUS_WARNING {
		warnings = hb.warningCount.Add(1)
		if s.warningsAreErrors.Load() {
			s.logger.Errorf("[%s] Heartbeat %s (%s) sent a warning (%d/%d) and warnings are errors", s.watchdogID, name, uniqueIdentifier, warnings, hb.warningsUntilFailure)
			s.badHeartbeatChan <- uniqueIdentifier
		}
	} else if status == HEARTBEAT_STATUS_OK {
		hb.warningCount.Store(0)
		// A fresh beat ends any previously reported stall
		hb.stallReported.Store(false)
	}
	// warningsUntilFailure == 0 disables this check
	if warnings >= uint32(hb.warningsUntilFailure) && hb.warningsUntilFailure != 0 && ((onlyIfHasSub && hasSubs) || !onlyIfHasSub) {
		s.logger.Errorf("[%s] Heartbeat %s (%s) sent too many consecutive warnings (%d/%d)", s.watchdogID, name, uniqueIdentifier, warnings, hb.warningsUntilFailure)
		sentry.ReportIssuef(sentry.IssueTypeError, s.logger, "Heartbeat too many warnings: %s sent too many consecutive warnings (%d/%d)", name, warnings, hb.warningsUntilFailure)
		s.badHeartbeatChan <- uniqueIdentifier
	}
	s.registeredHeartbeatsMutex.Unlock()
	if status == HEARTBEAT_STATUS_ERROR {
		s.logger.Errorf("[%s] Heartbeat %s (%s) reported an error", s.watchdogID, name, uniqueIdentifier)
		sentry.ReportIssuef(sentry.IssueTypeError, s.logger, "Heartbeat reported error: %s", name)
		s.badHeartbeatChan <- uniqueIdentifier
	}
}

// getHeartbeatNameByUUID returns the name of a heartbeat by its unique identifier
func (s *Watchdog) getHeartbeatNameByUUID(uniqueIdentifier uuid.UUID) string {
	// Create a copy of the map while holding the lock
	s.registeredHeartbeatsMutex.Lock()
	heartbeats := make(map[string]*Heartbeat, len(s.registeredHeartbeats))
	for k, v := range s.registeredHeartbeats {
		heartbeats[k] = v
	}
	s.registeredHeartbeatsMutex.Unlock()

	// Search through the copy without holding the lock
	for name, v := range heartbeats {
		if v.uniqueIdentifier == uniqueIdentifier {
			return name
		}
	}
	return ""
}

// SetHasSubscribers records whether anyone is consuming the live event
// stream. Heartbeats registered with onlyIfSubscribers are enforced only
// while this is true.
func (s *Watchdog) SetHasSubscribers(has bool) {
	s.hasSubscribers.Store(has)
}
