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

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/config"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/constants"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/control"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/controller"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/engine"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/events"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/httpapi"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/logger"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/metrics"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/notify"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/registry"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/scheduler"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/sentry"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/service/emulator"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/service/supervisor"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/watchdog"
)

// version is injected at build time via -ldflags "-X main.version=...".
var version = constants.DefaultAppVersion

func main() {
	// Initialize the global logger first thing
	logger.Initialize()
	defer func() { _ = logger.Sync() }()

	// Initialize Sentry
	sentry.InitSentry(version, true)

	log := logger.For(logger.ComponentCore)
	log.Infof("Starting fleet-core %s...", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load the config
	configManager, err := config.NewFileConfigManagerWithBackoff()
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to create config manager: %s", err)
		os.Exit(1)
	}

	// Load or create configuration with environment variable overrides.
	// This loads the config file if it exists, applies any environment
	// variables as overrides, and persists the result back to the config
	// file. See detailed docs in config.LoadConfigWithEnvOverrides.
	configData, err := config.LoadConfigWithEnvOverrides(ctx, configManager, log)
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to load config: %s", err)
		os.Exit(1)
	}

	// Start the metrics server
	metricsPort := configData.Agent.MetricsPort
	if metricsPort == 0 {
		metricsPort = constants.DefaultMetricsPort
	}
	metricsServer := metrics.SetupMetricsEndpoint(fmt.Sprintf(":%d", metricsPort))
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			sentry.ReportIssuef(sentry.IssueTypeError, log, "Failed to shutdown metrics server: %s", err)
		}
	}()

	dog := watchdog.NewWatchdog(ctx, time.NewTicker(10*time.Second), true, logger.For(logger.ComponentWatchdog))
	dog.Start()

	bus := events.NewBus()

	// The process registry tracks every spawned process group so shutdown
	// can sweep stragglers even after their owning executor is gone.
	processRegistry := supervisor.NewRegistry()
	defer func() {
		if err := processRegistry.ReleaseAll(); err != nil {
			log.Warnf("Failed to release tracked processes: %s", err)
		}
	}()

	emulatorService := emulator.NewDefaultService().WithRegistry(processRegistry)
	if configData.Emulator.DiscoveryTimeoutSeconds > 0 {
		emulatorService = emulatorService.WithDiscoveryTimeout(time.Duration(configData.Emulator.DiscoveryTimeoutSeconds) * time.Second)
	}
	if configData.Emulator.WarmupDelaySeconds > 0 {
		emulatorService = emulatorService.WithWarmupDelay(time.Duration(configData.Emulator.WarmupDelaySeconds) * time.Second)
	}

	// This build ships without a controller or engine backend; devices can
	// be managed through the API and scheduler, but connect attempts report
	// the missing backend instead of silently doing nothing.
	fleet := registry.NewDeviceRegistry(
		controller.Unavailable("no controller backend in this build"),
		engine.Unavailable("no engine backend in this build"),
	).
		WithEmulatorService(emulatorService).
		WithResourceLookup(configManager).
		WithProcessRegistry(processRegistry).
		WithEventBus(bus).
		WithWatchdog(dog)

	sched := scheduler.NewScheduler(configManager, fleet).WithEventBus(bus)
	if configData.Agent.Notify.WebhookURL != "" {
		sink := notify.NewWebhookSink(configData.Agent.Notify)
		sink.Start()
		defer sink.Stop()
		sched = sched.WithNotifier(sink)
	}
	if err := sched.Start(ctx); err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to start scheduler: %s", err)
		os.Exit(1)
	}
	defer sched.Stop()

	// Start the management API
	apiPort := configData.Agent.APIPort
	if apiPort == 0 {
		apiPort = constants.DefaultAPIPort
	}
	apiServer := httpapi.NewServer(apiPort, fleet, sched, configManager).
		WithEventBus(bus).
		WithWatchdog(dog).
		WithVersion(version)
	apiServer.Start()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), constants.APIShutdownTimeout)
		defer shutdownCancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			sentry.ReportIssuef(sentry.IssueTypeError, log, "Failed to shutdown API server: %s", err)
		}
	}()

	metrics.RegisterDebugProvider("registry", fleet)
	metrics.RegisterDebugProvider("scheduler", sched)

	// The control loop keeps running config hot-reload until a signal or a
	// permanent config failure takes it down.
	controlLoop := control.NewControlLoop(configManager, sched).WithWatchdog(dog)
	defer controlLoop.Stop()

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := controlLoop.Execute(runCtx); err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Control loop failed: %s", err)
	}

	// Stop every executor before the deferred process sweep so tasks get
	// their cooperative cancellation first.
	stopCtx, stopCancel := context.WithTimeout(context.Background(), constants.StopExecutorTimeout)
	defer stopCancel()
	if err := fleet.StopAll(stopCtx); err != nil {
		log.Warnf("Not all executors stopped cleanly: %s", err)
	}

	log.Info("fleet-core completed")
}
