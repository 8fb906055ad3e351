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
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/config"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/scheduler"
)

func (s *Server) handleListSchedules(c *gin.Context) {
	c.JSON(http.StatusOK, s.schedules.Entries())
}

func (s *Server) handleAddSchedule(c *gin.Context) {
	ctx, cancel := actionContext(c)
	defer cancel()

	var entry config.ScheduleEntry
	if err := c.ShouldBindJSON(&entry); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	if err := s.schedules.AddEntry(ctx, entry); err != nil {
		s.respondScheduleError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"id": entry.ID})
}

func (s *Server) handleRemoveSchedule(c *gin.Context) {
	ctx, cancel := actionContext(c)
	defer cancel()

	if err := s.schedules.RemoveEntry(ctx, c.Param("id")); err != nil {
		s.respondScheduleError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "removed"})
}

type enabledRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleSetScheduleEnabled(c *gin.Context) {
	ctx, cancel := actionContext(c)
	defer cancel()

	var req enabledRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Enabled == nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "body must contain an 'enabled' boolean"})
		return
	}

	if err := s.schedules.SetEnabled(ctx, c.Param("id"), *req.Enabled); err != nil {
		s.respondScheduleError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"enabled": *req.Enabled})
}

type settingsRequest struct {
	SettingsID string `json:"settingsId"`
}

func (s *Server) handleSetScheduleSettings(c *gin.Context) {
	ctx, cancel := actionContext(c)
	defer cancel()

	var req settingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	if err := s.schedules.UpdateSettings(ctx, c.Param("id"), req.SettingsID); err != nil {
		s.respondScheduleError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"settingsId": req.SettingsID})
}

func (s *Server) handleTriggerSchedule(c *gin.Context) {
	ctx, cancel := actionContext(c)
	defer cancel()

	if err := s.schedules.Trigger(ctx, c.Param("id")); err != nil {
		s.respondScheduleError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "triggered"})
}

// respondScheduleError treats everything except an unknown entry as a
// caller problem: schedule mutations only fail on validation or on config
// conflicts, both of which the caller can correct.
func (s *Server) respondScheduleError(c *gin.Context, err error) {
	status := http.StatusBadRequest
	if errors.Is(err, scheduler.ErrEntryNotFound) {
		status = http.StatusNotFound
	}

	c.JSON(status, errorResponse{Error: err.Error()})
}
