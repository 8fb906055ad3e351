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

package metrics

import (
	"errors"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/logger"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/safejson"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/sentry"
)

const (
	// Component Labels.
	ComponentControlLoop = "control_loop"
	// Registry and per-device workers.
	ComponentDeviceRegistry = "device_registry"
	ComponentExecutor       = "executor"
	ComponentStateMachine   = "state_machine"
	ComponentScheduler      = "scheduler"
	// Services.
	ComponentAgentSupervisor = "agent_supervisor"
	ComponentEmulatorService = "emulator_service"
	ComponentConfigManager   = "config_manager"
	ComponentEventBus        = "event_bus"
	ComponentNotifier        = "notifier"
	ComponentFilesystem      = "filesystem"
	ComponentAPI             = "api"
)

var (
	// Namespace and subsystem for all metrics.
	namespace = "umh"
	subsystem = "fleet"

	// Error counters.
	errorCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "errors_total",
			Help:      "Total number of errors encountered by component",
		},
		[]string{"component", "instance"},
	)

	// Reconcile timing.
	reconcileTime = promauto.NewSummaryVec(
		prometheus.SummaryOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reconcile_duration_milliseconds",
			Help:      "Time taken to reconcile (in milliseconds)",
			Objectives: map[float64]float64{
				0.5:  0.01, // 50th percentile with 1% error
				0.9:  0.01, // 90th percentile with 1% error
				0.95: 0.01, // 95th percentile with 1% error
				0.99: 0.01, // 99th percentile with 1% error
			},
		},
		[]string{"component", "instance"},
	)

	// Starvation timer.
	starvationSeconds = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reconcile_starved_total_seconds",
			Help:      "Total seconds the reconcile loop was starved",
		},
	)

	// Device state metric.
	deviceCurrentState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "device_current_state",
			Help:      "Current state of the device (0=Disconnected, 1=Connecting, 2=Connected, 3=Updating, 4=Preparing, 5=Running, 6=Paused, 7=Completed, 8=Failed, 9=Canceled, 10=Error, -1=Unknown)",
		},
		[]string{"device"},
	)

	// Task counters.
	tasksSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tasks_submitted_total",
			Help:      "Total number of tasks accepted for a device",
		},
		[]string{"device"},
	)

	tasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tasks_completed_total",
			Help:      "Total number of tasks that finished successfully",
		},
		[]string{"device"},
	)

	tasksFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tasks_failed_total",
			Help:      "Total number of tasks that finished with an error",
		},
		[]string{"device"},
	)

	tasksCanceled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tasks_canceled_total",
			Help:      "Total number of tasks aborted by cancellation",
		},
		[]string{"device"},
	)

	// Queue depth per device.
	queueLength = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "task_queue_length",
			Help:      "Number of tasks waiting in a device's queue",
		},
		[]string{"device"},
	)

	// Task and sub-task timing.
	taskDuration = promauto.NewSummaryVec(
		prometheus.SummaryOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "task_duration_milliseconds",
			Help:      "Time taken to run one task end to end (in milliseconds)",
			Objectives: map[float64]float64{
				0.5:  0.01,
				0.9:  0.01,
				0.95: 0.01,
				0.99: 0.01,
			},
		},
		[]string{"device"},
	)

	subTaskDuration = promauto.NewSummaryVec(
		prometheus.SummaryOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "subtask_duration_milliseconds",
			Help:      "Time taken to run one sub-task (in milliseconds)",
			Objectives: map[float64]float64{
				0.5:  0.01,
				0.9:  0.01,
				0.95: 0.01,
				0.99: 0.01,
			},
		},
		[]string{"entry"},
	)

	// Schedule counters.
	scheduleFires = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "schedule_fires_total",
			Help:      "Total number of times a schedule entry fired",
		},
		[]string{"schedule"},
	)

	// Filesystem operation metrics.
	filesystemOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "filesystem_ops_total",
			Help:      "Total number of filesystem operations by type and path",
		},
		[]string{"operation", "path", "cached"},
	)

	filesystemOpsDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "filesystem_ops_duration_seconds",
			Help:      "Duration of filesystem operations in seconds",
			Buckets:   []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"operation", "cached"},
	)
)

// DebugProvider provides introspection data for the debug endpoint.
// Implementations should return a JSON-serializable struct.
type DebugProvider interface {
	GetDebugInfo() interface{}
}

// debugRegistry holds registered debug providers.
var debugRegistry struct {
	providers map[string]DebugProvider
	mu        sync.RWMutex
}

// RegisterDebugProvider registers a provider for the /debug/fleet endpoint.
// The registry and the scheduler register themselves at startup to expose
// their bookkeeping.
func RegisterDebugProvider(name string, provider DebugProvider) {
	debugRegistry.mu.Lock()
	defer debugRegistry.mu.Unlock()

	if debugRegistry.providers == nil {
		debugRegistry.providers = make(map[string]DebugProvider)
	}

	debugRegistry.providers[name] = provider
}

// UnregisterDebugProvider removes a debug provider from the registry.
func UnregisterDebugProvider(name string) {
	debugRegistry.mu.Lock()
	defer debugRegistry.mu.Unlock()

	delete(debugRegistry.providers, name)
}

// handleDebug handles the /debug/fleet endpoint.
func handleDebug(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)

		return
	}

	debugRegistry.mu.RLock()
	defer debugRegistry.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")

	if len(debugRegistry.providers) == 0 {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"no_providers_registered"}`))

		return
	}

	response := make(map[string]interface{}, len(debugRegistry.providers))
	for name, provider := range debugRegistry.providers {
		response[name] = provider.GetDebugInfo()
	}

	data, err := safejson.MarshalIndent(response, "", "  ")
	if err != nil {
		http.Error(w, "Failed to encode debug info", http.StatusInternalServerError)

		return
	}

	_, _ = w.Write(data)
}

// NewHandler returns the HTTP handler serving /metrics and /debug/fleet.
func NewHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/debug/fleet", handleDebug)

	return mux
}

// SetupMetricsEndpoint starts an HTTP server to expose metrics
// This should be called once at application startup.
func SetupMetricsEndpoint(addr string) *http.Server {
	server := &http.Server{
		Addr:        addr,
		Handler:     NewHandler(),
		ReadTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sentry.ReportIssue(err, sentry.IssueTypeFatal, logger.For(logger.ComponentMetrics))
		}
	}()

	return server
}

// printDetailedStackTrace prints a detailed stack trace with more information.
func printDetailedStackTrace() {
	// Get stack trace for all goroutines with a large buffer
	buf := make([]byte, 1024*1024) // Allocate 1MB buffer
	n := runtime.Stack(buf, true)

	// Print the full stack trace
	logger.For("stacktrace").Debugf("=== DETAILED STACK TRACE ===\n%s", string(buf[:n]))
}

// IncErrorCountAndLog increments the error counter for a component and logs a debug message if a logger is provided.
func IncErrorCountAndLog(component, instance string, err error, logger *zap.SugaredLogger) {
	IncErrorCount(component, instance)

	if logger != nil {
		// Display detailed stacktrace
		printDetailedStackTrace()
		logger.Debugf("Component %s instance %s failed: %v", component, instance, err)
	}
}

// IncErrorCount increments the error counter for a component.
func IncErrorCount(component, instance string) {
	errorCounter.WithLabelValues(component, instance).Inc()
}

// InitErrorCounter initializes the error counter for a component.
func InitErrorCounter(component, instance string) {
	errorCounter.WithLabelValues(component, instance).Add(0)
}

// ObserveReconcileTime records the time taken for a reconciliation.
func ObserveReconcileTime(component, instance string, duration time.Duration) {
	reconcileTime.WithLabelValues(component, instance).Observe(float64(duration.Milliseconds()))
}

// AddStarvationTime increases the starvation counter by the specified seconds.
func AddStarvationTime(seconds float64) {
	starvationSeconds.Add(seconds)
}

// UpdateDeviceState updates the state metric for a device.
func UpdateDeviceState(device string, status string) {
	deviceCurrentState.WithLabelValues(device).Set(getStateValue(status))
}

// RemoveDeviceState drops the state series of a torn-down device.
func RemoveDeviceState(device string) {
	deviceCurrentState.DeleteLabelValues(device)
	queueLength.DeleteLabelValues(device)
}

// getStateValue converts a state string to a numeric value for the metric.
func getStateValue(state string) float64 {
	switch state {
	case "disconnected":
		return 0
	case "connecting":
		return 1
	case "connected":
		return 2
	case "updating":
		return 3
	case "preparing":
		return 4
	case "running":
		return 5
	case "paused":
		return 6
	case "completed":
		return 7
	case "failed":
		return 8
	case "canceled":
		return 9
	case "error":
		return 10
	default:
		return -1 // Unknown state
	}
}

// AddTasksSubmitted counts accepted tasks for a device.
func AddTasksSubmitted(device string, count int) {
	tasksSubmitted.WithLabelValues(device).Add(float64(count))
}

// IncTasksCompleted counts one successful task for a device.
func IncTasksCompleted(device string) {
	tasksCompleted.WithLabelValues(device).Inc()
}

// IncTasksFailed counts one failed task for a device.
func IncTasksFailed(device string) {
	tasksFailed.WithLabelValues(device).Inc()
}

// IncTasksCanceled counts one canceled task for a device.
func IncTasksCanceled(device string) {
	tasksCanceled.WithLabelValues(device).Inc()
}

// SetQueueLength publishes a device's current queue depth.
func SetQueueLength(device string, length int) {
	queueLength.WithLabelValues(device).Set(float64(length))
}

// ObserveTaskDuration records the end-to-end duration of one task.
func ObserveTaskDuration(device string, duration time.Duration) {
	taskDuration.WithLabelValues(device).Observe(float64(duration.Milliseconds()))
}

// ObserveSubTaskDuration records the duration of one sub-task by entry.
func ObserveSubTaskDuration(entry string, duration time.Duration) {
	subTaskDuration.WithLabelValues(entry).Observe(float64(duration.Milliseconds()))
}

// IncScheduleFired counts one fire of a schedule entry, successful or not.
func IncScheduleFired(schedule string) {
	scheduleFires.WithLabelValues(schedule).Inc()
}

// RecordFilesystemOp records a filesystem operation metric.
func RecordFilesystemOp(operation, path string, cached bool, duration time.Duration) {
	cachedStr := "false"
	if cached {
		cachedStr = "true"
	}

	filesystemOpsTotal.WithLabelValues(operation, path, cachedStr).Inc()
	filesystemOpsDuration.WithLabelValues(operation, cachedStr).Observe(duration.Seconds())
}
