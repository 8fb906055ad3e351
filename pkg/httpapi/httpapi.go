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

// Package httpapi exposes the management surface of the fleet core: a JSON
// REST API for device, task and schedule operations, plus a WebSocket event
// stream. Handlers stay thin and delegate to the registry, the scheduler
// and the config manager.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/config"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/constants"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/events"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/logger"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/models"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/scheduler"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/sentry"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/standarderrors"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/watchdog"
)

// Fleet is the slice of the device registry the API needs.
type Fleet interface {
	CreateExecutor(ctx context.Context, cfg config.DeviceConfig) (bool, error)
	SubmitTask(deviceID string, tasks []models.Task) ([]string, error)
	CancelTask(deviceID, taskID string) bool
	PauseDevice(ctx context.Context, deviceID string) error
	ResumeDevice(ctx context.Context, deviceID string) error
	StopExecutor(ctx context.Context, deviceID string) bool
	GetQueueLength(deviceID string) (int, error)
	Snapshot(deviceID string) (models.StateContext, error)
	Snapshots() map[string]models.StateContext
	TaskResult(taskID string) (models.TaskResult, bool)
	Statistics() models.Statistics
}

// ScheduleManager is the slice of the scheduler the API needs.
type ScheduleManager interface {
	AddEntry(ctx context.Context, entry config.ScheduleEntry) error
	RemoveEntry(ctx context.Context, id string) error
	SetEnabled(ctx context.Context, id string, enabled bool) error
	UpdateSettings(ctx context.Context, id, settingsID string) error
	Trigger(ctx context.Context, id string) error
	Entries() []scheduler.EntryStatus
}

// Server serves the management API on a single port.
type Server struct {
	fleet         Fleet
	schedules     ScheduleManager
	configManager config.ConfigManager
	bus           *events.Bus
	dog           watchdog.Iface
	logger        *zap.SugaredLogger
	httpServer    *http.Server
	version       string
	port          int
	wsClients     atomic.Int64
}

// NewServer creates a management API server. The event stream and watchdog
// wiring are optional and added through the With methods.
func NewServer(port int, fleet Fleet, schedules ScheduleManager, configManager config.ConfigManager) *Server {
	return &Server{
		fleet:         fleet,
		schedules:     schedules,
		configManager: configManager,
		logger:        logger.For(logger.ComponentAPI),
		version:       constants.DefaultAppVersion,
		port:          port,
	}
}

// WithEventBus enables the /api/v1/events WebSocket stream.
func (s *Server) WithEventBus(bus *events.Bus) *Server {
	s.bus = bus
	return s
}

// WithWatchdog lets the server flip subscriber-gated heartbeats based on
// whether any WebSocket client is connected.
func (s *Server) WithWatchdog(dog watchdog.Iface) *Server {
	s.dog = dog
	return s
}

// WithVersion sets the version string reported by /health.
func (s *Server) WithVersion(version string) *Server {
	if version != "" {
		s.version = version
	}
	return s
}

// Router builds the gin engine with all routes. Exposed so tests can drive
// the handlers through httptest without binding a port.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", s.handleHealth)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/devices", s.handleListDevices)
		v1.GET("/devices/:id", s.handleGetDevice)
		v1.POST("/devices/:id/connect", s.handleConnectDevice)
		v1.POST("/devices/:id/tasks", s.handleSubmitTasks)
		v1.DELETE("/devices/:id/tasks/:taskId", s.handleCancelTask)
		v1.POST("/devices/:id/pause", s.handlePauseDevice)
		v1.POST("/devices/:id/resume", s.handleResumeDevice)
		v1.POST("/devices/:id/stop", s.handleStopDevice)
		v1.GET("/devices/:id/queue", s.handleQueueLength)

		v1.GET("/tasks/:id/result", s.handleTaskResult)
		v1.GET("/statistics", s.handleStatistics)

		v1.GET("/schedules", s.handleListSchedules)
		v1.POST("/schedules", s.handleAddSchedule)
		v1.DELETE("/schedules/:id", s.handleRemoveSchedule)
		v1.PUT("/schedules/:id/enabled", s.handleSetScheduleEnabled)
		v1.PUT("/schedules/:id/settings", s.handleSetScheduleSettings)
		v1.POST("/schedules/:id/trigger", s.handleTriggerSchedule)

		v1.GET("/events", s.handleEvents)
	}

	return router
}

// Start begins serving in a background goroutine. A failure to bind is fatal,
// a core without its management API is not operable.
func (s *Server) Start() {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Router(),
		ReadHeaderTimeout: constants.ActionTimeout,
		// No WriteTimeout: the event stream holds its connection open
		// indefinitely and manages per-frame deadlines itself.
	}

	go func() {
		s.logger.Infof("Management API listening on port %d", s.port)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sentry.ReportIssuef(sentry.IssueTypeFatal, s.logger, "Failed to serve management API: %s", err)
		}
	}()
}

// Shutdown drains in-flight requests and closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

type errorResponse struct {
	Error string `json:"error"`
}

// respondError maps domain sentinels to HTTP status codes. Anything the
// mapping does not recognize is a server-side failure.
func (s *Server) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, standarderrors.ErrDeviceNotFound),
		errors.Is(err, scheduler.ErrEntryNotFound):
		status = http.StatusNotFound
	case errors.Is(err, standarderrors.ErrStopPending),
		errors.Is(err, standarderrors.ErrExecutorRemoved):
		status = http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}

	if status == http.StatusInternalServerError {
		s.logger.Warnf("Request %s %s failed: %s", c.Request.Method, c.Request.URL.Path, err)
	}

	c.JSON(status, errorResponse{Error: err.Error()})
}

// actionContext bounds a handler's work so a stuck backend cannot pin an
// API worker forever.
func actionContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), constants.ActionTimeout)
}
