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

package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/models"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": s.version,
	})
}

func (s *Server) handleListDevices(c *gin.Context) {
	c.JSON(http.StatusOK, s.fleet.Snapshots())
}

func (s *Server) handleGetDevice(c *gin.Context) {
	snapshot, err := s.fleet.Snapshot(c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, snapshot)
}

// handleConnectDevice looks the device up in the config and hands it to the
// registry. Connecting a device that already has an executor is not an
// error, the response just says so.
func (s *Server) handleConnectDevice(c *gin.Context) {
	ctx, cancel := actionContext(c)
	defer cancel()

	deviceID := c.Param("id")

	cfg, err := s.configManager.GetDeviceConfig(ctx, deviceID)
	if err != nil {
		c.JSON(http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}

	existed, err := s.fleet.CreateExecutor(ctx, cfg)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"deviceId":       deviceID,
		"alreadyExisted": existed,
	})
}

// submitRequest is the body of POST /devices/:id/tasks. Callers either send
// explicit tasks or name a resource (plus optional settings profile) and let
// the config manager resolve the batch.
type submitRequest struct {
	ResourceID string        `json:"resourceId,omitempty"`
	SettingsID string        `json:"settingsId,omitempty"`
	Tasks      []models.Task `json:"tasks,omitempty"`
}

func (s *Server) handleSubmitTasks(c *gin.Context) {
	ctx, cancel := actionContext(c)
	defer cancel()

	deviceID := c.Param("id")

	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	tasks := req.Tasks
	if len(tasks) == 0 && req.ResourceID != "" {
		resolved, err := s.configManager.GetResolvedTaskBatch(ctx, req.ResourceID, deviceID, req.SettingsID)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		tasks = resolved
	}

	if violations := models.ValidateBatch(tasks); len(violations) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":      "task batch failed validation",
			"violations": violations,
		})
		return
	}

	taskIDs, err := s.fleet.SubmitTask(deviceID, tasks)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"taskIds": taskIDs})
}

func (s *Server) handleCancelTask(c *gin.Context) {
	deviceID := c.Param("id")
	taskID := c.Param("taskId")

	if !s.fleet.CancelTask(deviceID, taskID) {
		c.JSON(http.StatusNotFound, errorResponse{Error: "no pending task " + taskID + " on device " + deviceID})
		return
	}

	c.JSON(http.StatusOK, gin.H{"canceled": taskID})
}

func (s *Server) handlePauseDevice(c *gin.Context) {
	ctx, cancel := actionContext(c)
	defer cancel()

	if err := s.fleet.PauseDevice(ctx, c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "paused"})
}

func (s *Server) handleResumeDevice(c *gin.Context) {
	ctx, cancel := actionContext(c)
	defer cancel()

	if err := s.fleet.ResumeDevice(ctx, c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "resumed"})
}

func (s *Server) handleStopDevice(c *gin.Context) {
	ctx, cancel := actionContext(c)
	defer cancel()

	deviceID := c.Param("id")
	if !s.fleet.StopExecutor(ctx, deviceID) {
		c.JSON(http.StatusNotFound, errorResponse{Error: "no executor for device " + deviceID})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "stopping"})
}

func (s *Server) handleQueueLength(c *gin.Context) {
	length, err := s.fleet.GetQueueLength(c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"queueLength": length})
}

func (s *Server) handleTaskResult(c *gin.Context) {
	taskID := c.Param("id")

	result, ok := s.fleet.TaskResult(taskID)
	if !ok {
		c.JSON(http.StatusNotFound, errorResponse{Error: "no result for task " + taskID})
		return
	}

	c.JSON(http.StatusOK, result)
}

func (s *Server) handleStatistics(c *gin.Context) {
	c.JSON(http.StatusOK, s.fleet.Statistics())
}
