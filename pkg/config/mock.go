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

package config

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/constants"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/logger"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/models"
	filesystem "github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/service/filesystem"
)

// MockConfigManager is a mock implementation of ConfigManager for testing
type MockConfigManager struct {
	GetConfigCalled                 bool
	GetDeviceConfigCalled           bool
	GetResourceConfigCalled         bool
	GetResolvedTaskBatchCalled      bool
	GetScheduleEntriesCalled        bool
	AtomicAddScheduleCalled         bool
	AtomicRemoveScheduleCalled      bool
	AtomicSetScheduleEnabledCalled  bool
	AtomicSetScheduleSettingsCalled bool
	Config                          FullConfig
	ConfigError                     error
	ResolveError                    error
	AddScheduleError                error
	RemoveScheduleError             error
	SetScheduleEnabledError         error
	SetScheduleSettingsError        error
	WriteError                      error
	AppVersion                      string
	ConfigDelay                     time.Duration
	MockFileSystem                  *filesystem.MockFileSystem
	mutexReadOrWrite                sync.Mutex
	logger                          *zap.SugaredLogger
}

// NewMockConfigManager creates a new MockConfigManager instance
func NewMockConfigManager() *MockConfigManager {
	return &MockConfigManager{
		MockFileSystem: filesystem.NewMockFileSystem(),
		AppVersion:     constants.DefaultAppVersion,
		logger:         logger.For(logger.ComponentConfigManager),
	}
}

// GetConfig implements the ConfigManager interface
func (m *MockConfigManager) GetConfig(ctx context.Context, tick uint64) (FullConfig, error) {
	m.mutexReadOrWrite.Lock()
	defer m.mutexReadOrWrite.Unlock()
	m.GetConfigCalled = true

	if m.ConfigDelay > 0 {
		select {
		case <-time.After(m.ConfigDelay):
			// Delay completed
		case <-ctx.Done():
			return FullConfig{}, ctx.Err()
		}
	}

	return m.Config, m.ConfigError
}

// GetDeviceConfig implements the ConfigManager interface
func (m *MockConfigManager) GetDeviceConfig(ctx context.Context, deviceID string) (DeviceConfig, error) {
	m.mutexReadOrWrite.Lock()
	defer m.mutexReadOrWrite.Unlock()
	m.GetDeviceConfigCalled = true

	if m.ConfigError != nil {
		return DeviceConfig{}, m.ConfigError
	}

	device, ok := m.Config.DeviceByID(deviceID)
	if !ok {
		return DeviceConfig{}, fmt.Errorf("unknown device %q", deviceID)
	}

	return device, nil
}

// GetResourceConfig implements the ConfigManager interface
func (m *MockConfigManager) GetResourceConfig(ctx context.Context, resourceID string) (ResourceConfig, error) {
	m.mutexReadOrWrite.Lock()
	defer m.mutexReadOrWrite.Unlock()
	m.GetResourceConfigCalled = true

	if m.ConfigError != nil {
		return ResourceConfig{}, m.ConfigError
	}

	resource, ok := m.Config.ResourceByID(resourceID)
	if !ok {
		return ResourceConfig{}, fmt.Errorf("unknown resource %q", resourceID)
	}

	return resource, nil
}

// GetResolvedTaskBatch implements the ConfigManager interface using the same
// resolution logic as the real manager
func (m *MockConfigManager) GetResolvedTaskBatch(ctx context.Context, resourceID, deviceID, settingsID string) ([]models.Task, error) {
	m.mutexReadOrWrite.Lock()
	defer m.mutexReadOrWrite.Unlock()
	m.GetResolvedTaskBatchCalled = true

	if m.ResolveError != nil {
		return nil, m.ResolveError
	}
	if m.ConfigError != nil {
		return nil, m.ConfigError
	}

	return resolveTaskBatch(m.Config, resourceID, deviceID, settingsID, m.AppVersion)
}

// GetScheduleEntries implements the ConfigManager interface
func (m *MockConfigManager) GetScheduleEntries(ctx context.Context) ([]ScheduleEntry, error) {
	m.mutexReadOrWrite.Lock()
	defer m.mutexReadOrWrite.Unlock()
	m.GetScheduleEntriesCalled = true

	if m.ConfigError != nil {
		return nil, m.ConfigError
	}

	return m.Config.Schedules, nil
}

// AtomicAddSchedule implements the ConfigManager interface
func (m *MockConfigManager) AtomicAddSchedule(ctx context.Context, entry ScheduleEntry) error {
	m.mutexReadOrWrite.Lock()
	defer m.mutexReadOrWrite.Unlock()
	m.AtomicAddScheduleCalled = true

	if m.AddScheduleError != nil {
		return m.AddScheduleError
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if _, ok := m.Config.ScheduleByID(entry.ID); ok {
		return fmt.Errorf("schedule %q already exists", entry.ID)
	}
	if err := validateScheduleEntry(entry, m.Config); err != nil {
		return err
	}

	m.Config.Schedules = append(m.Config.Schedules, entry)
	return m.WriteError
}

// AtomicRemoveSchedule implements the ConfigManager interface
func (m *MockConfigManager) AtomicRemoveSchedule(ctx context.Context, scheduleID string) error {
	m.mutexReadOrWrite.Lock()
	defer m.mutexReadOrWrite.Unlock()
	m.AtomicRemoveScheduleCalled = true

	if m.RemoveScheduleError != nil {
		return m.RemoveScheduleError
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	found := false
	schedules := make([]ScheduleEntry, 0, len(m.Config.Schedules))
	for _, entry := range m.Config.Schedules {
		if entry.ID == scheduleID {
			found = true
			continue
		}
		schedules = append(schedules, entry)
	}
	if !found {
		return fmt.Errorf("schedule %q not found", scheduleID)
	}
	m.Config.Schedules = schedules

	return m.WriteError
}

// AtomicSetScheduleEnabled implements the ConfigManager interface
func (m *MockConfigManager) AtomicSetScheduleEnabled(ctx context.Context, scheduleID string, enabled bool) error {
	m.mutexReadOrWrite.Lock()
	defer m.mutexReadOrWrite.Unlock()
	m.AtomicSetScheduleEnabledCalled = true

	if m.SetScheduleEnabledError != nil {
		return m.SetScheduleEnabledError
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	for i := range m.Config.Schedules {
		if m.Config.Schedules[i].ID == scheduleID {
			m.Config.Schedules[i].Enabled = enabled
			return m.WriteError
		}
	}

	return fmt.Errorf("schedule %q not found", scheduleID)
}

// AtomicSetScheduleSettings implements the ConfigManager interface
func (m *MockConfigManager) AtomicSetScheduleSettings(ctx context.Context, scheduleID string, settingsID string) error {
	m.mutexReadOrWrite.Lock()
	defer m.mutexReadOrWrite.Unlock()
	m.AtomicSetScheduleSettingsCalled = true

	if m.SetScheduleSettingsError != nil {
		return m.SetScheduleSettingsError
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	for i := range m.Config.Schedules {
		if m.Config.Schedules[i].ID == scheduleID {
			updated := m.Config.Schedules[i]
			updated.SettingsID = settingsID
			if err := validateScheduleEntry(updated, m.Config); err != nil {
				return err
			}
			m.Config.Schedules[i] = updated
			return m.WriteError
		}
	}

	return fmt.Errorf("schedule %q not found", scheduleID)
}

// GetFileSystemService returns the mock filesystem service
func (m *MockConfigManager) GetFileSystemService() filesystem.Service {
	return m.MockFileSystem
}

// WithConfig configures the mock to return the given config
func (m *MockConfigManager) WithConfig(cfg FullConfig) *MockConfigManager {
	m.Config = cfg
	return m
}

// WithConfigError configures the mock to return the given error
func (m *MockConfigManager) WithConfigError(err error) *MockConfigManager {
	m.ConfigError = err
	return m
}

// WithConfigDelay configures the mock to delay for the given duration
func (m *MockConfigManager) WithConfigDelay(delay time.Duration) *MockConfigManager {
	m.ConfigDelay = delay
	return m
}

// WithResolveError configures the mock to return the given error when GetResolvedTaskBatch is called
func (m *MockConfigManager) WithResolveError(err error) *MockConfigManager {
	m.ResolveError = err
	return m
}

// WithAddScheduleError configures the mock to return the given error when AtomicAddSchedule is called
func (m *MockConfigManager) WithAddScheduleError(err error) *MockConfigManager {
	m.AddScheduleError = err
	return m
}

// WithRemoveScheduleError configures the mock to return the given error when AtomicRemoveSchedule is called
func (m *MockConfigManager) WithRemoveScheduleError(err error) *MockConfigManager {
	m.RemoveScheduleError = err
	return m
}

// WithSetScheduleEnabledError configures the mock to return the given error when AtomicSetScheduleEnabled is called
func (m *MockConfigManager) WithSetScheduleEnabledError(err error) *MockConfigManager {
	m.SetScheduleEnabledError = err
	return m
}

// WithSetScheduleSettingsError configures the mock to return the given error when AtomicSetScheduleSettings is called
func (m *MockConfigManager) WithSetScheduleSettingsError(err error) *MockConfigManager {
	m.SetScheduleSettingsError = err
	return m
}

// ResetCalls clears the called flags for testing multiple calls
func (m *MockConfigManager) ResetCalls() {
	m.mutexReadOrWrite.Lock()
	defer m.mutexReadOrWrite.Unlock()
	m.GetConfigCalled = false
	m.GetDeviceConfigCalled = false
	m.GetResourceConfigCalled = false
	m.GetResolvedTaskBatchCalled = false
	m.GetScheduleEntriesCalled = false
	m.AtomicAddScheduleCalled = false
	m.AtomicRemoveScheduleCalled = false
	m.AtomicSetScheduleEnabledCalled = false
	m.AtomicSetScheduleSettingsCalled = false
}
