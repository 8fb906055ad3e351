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
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/backoff"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/constants"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/ctxutil/ctxmutex"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/ctxutil/ctxrwmutex"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/env"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/logger"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/metrics"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/models"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/sentry"
	filesystem "github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/service/filesystem"
)

// singleton instance
// we avoid having more than one instance of the config manager because it can lead to race conditions
// if we ensure that we have only one instance, we can avoid race conditions by using mutexes in this single instance as we do here

// however, access from outside the process is not protected by mutexes (keep in mind e.g. when editing the config file by hand)
var (
	instance ConfigManager
	once     sync.Once
)

// ConfigManager is the interface for config management
type ConfigManager interface {
	// GetConfig returns the current config
	GetConfig(ctx context.Context, tick uint64) (FullConfig, error)
	// GetDeviceConfig returns the config of a single device
	GetDeviceConfig(ctx context.Context, deviceID string) (DeviceConfig, error)
	// GetResourceConfig returns the config of a single resource bundle
	GetResourceConfig(ctx context.Context, resourceID string) (ResourceConfig, error)
	// GetResolvedTaskBatch resolves a resource and settings profile into the task batch for a device
	GetResolvedTaskBatch(ctx context.Context, resourceID, deviceID, settingsID string) ([]models.Task, error)
	// GetScheduleEntries returns all schedule entries
	GetScheduleEntries(ctx context.Context) ([]ScheduleEntry, error)
	// AtomicAddSchedule adds a schedule entry to the config atomically
	AtomicAddSchedule(ctx context.Context, entry ScheduleEntry) error
	// AtomicRemoveSchedule removes a schedule entry from the config atomically
	AtomicRemoveSchedule(ctx context.Context, scheduleID string) error
	// AtomicSetScheduleEnabled enables or disables a schedule entry atomically
	AtomicSetScheduleEnabled(ctx context.Context, scheduleID string, enabled bool) error
	// AtomicSetScheduleSettings switches the settings profile of a schedule entry atomically
	AtomicSetScheduleSettings(ctx context.Context, scheduleID string, settingsID string) error
}

// FileConfigManager implements the ConfigManager interface by reading from a file
type FileConfigManager struct {
	// configPath is the path to the config file
	configPath string

	// fsService handles filesystem operations
	fsService filesystem.Service

	// logger is the logger for the config manager
	logger *zap.SugaredLogger

	// appVersion is what GetResolvedTaskBatch checks resource minCoreVersion
	// requirements against
	appVersion string

	// mutexAtomicUpdate for full cycle read and write access (atomic update) to the config file
	// all writes to the config need to happen under this mutex via an atomic set method -> writeConfig is therefore not exposed
	// the goal is to prevent two read/write cycles ("atomic updates") happening at the same time
	// we use our own implementation of a context aware mutex here to avoid deadlocks
	mutexAtomicUpdate ctxmutex.CtxMutex

	// simple mutex for read access or write access to the config file
	// it will be used by GetConfig and writeConfig
	// this mutex will allow multiple GetConfig calls to happen in parallel
	// it will prevent multiple reads or read/write cycles to happen at the same time
	// we use our own implementation of a context aware mutex here to avoid deadlocks
	mutexReadOrWrite ctxrwmutex.CtxRWMutex

	// cacheMu guards parseCache. Separate from the file mutexes so a reader
	// on the fast path never waits on a writer that is busy on disk.
	cacheMu    sync.Mutex
	parseCache parseCacheEntry
}

// NewFileConfigManager creates a new FileConfigManager
// Note: This should only be used in tests or if you need a custom config manager.
// Prefer NewFileConfigManagerWithBackoff() for application use.
func NewFileConfigManager() *FileConfigManager {
	// FLEET_CONFIG_PATH is optional; GetAsString only errors on required
	// lookups, so the error is ignored here.
	configPath, _ := env.GetAsString("FLEET_CONFIG_PATH", false, constants.DefaultConfigPath)
	log := logger.For(logger.ComponentConfigManager)

	return &FileConfigManager{
		configPath:        configPath,
		fsService:         filesystem.NewDefaultService(),
		logger:            log,
		appVersion:        constants.DefaultAppVersion,
		mutexAtomicUpdate: *ctxmutex.NewCtxMutex(),
		mutexReadOrWrite:  *ctxrwmutex.NewCtxRWMutex(),
	}
}

// WithFileSystemService allows setting a custom filesystem service
// useful for testing or advanced use cases
func (m *FileConfigManager) WithFileSystemService(fsService filesystem.Service) *FileConfigManager {
	m.fsService = fsService
	return m
}

// WithAppVersion sets the core version used for resource minCoreVersion checks
func (m *FileConfigManager) WithAppVersion(version string) *FileConfigManager {
	m.appVersion = version
	return m
}

// get config or create new with given config parameters (ports, webhook, directories)
// if the config file does not exist, it will be created with default values and then overwritten with the given config parameters
func (m *FileConfigManager) GetConfigWithOverwritesOrCreateNew(ctx context.Context, configOverride FullConfig) (FullConfig, error) {
	// Check if context is already cancelled
	if ctx.Err() != nil {
		return FullConfig{}, ctx.Err()
	}

	var config FullConfig
	// default config values
	config.Agent.MetricsPort = constants.DefaultMetricsPort
	config.Agent.APIPort = constants.DefaultAPIPort

	exists, err := m.fsService.PathExists(ctx, m.configPath)
	switch {
	case err != nil:
		m.logger.Warnf("failed to check if config file exists in %s: %v", m.configPath, err)
	case exists:
		config, err = m.GetConfig(ctx, 0)
		if err != nil {
			return FullConfig{}, fmt.Errorf("failed to get config that exists: %w", err)
		}
	}

	// Apply overrides
	if configOverride.Agent.MetricsPort > 0 {
		config.Agent.MetricsPort = configOverride.Agent.MetricsPort
	}

	if configOverride.Agent.APIPort > 0 {
		config.Agent.APIPort = configOverride.Agent.APIPort
	}

	if configOverride.Agent.Notify.WebhookURL != "" {
		config.Agent.Notify.WebhookURL = configOverride.Agent.Notify.WebhookURL
	}

	if configOverride.Agent.LogDir != "" {
		config.Agent.LogDir = configOverride.Agent.LogDir
	}

	if configOverride.Agent.AgentDir != "" {
		config.Agent.AgentDir = configOverride.Agent.AgentDir
	}

	// Persist the updated config
	if err := m.writeConfig(ctx, config); err != nil {
		return FullConfig{}, fmt.Errorf("failed to write new config: %w", err)
	}

	return config, nil
}

// GetConfig returns the current config, always reading fresh from disk
func (m *FileConfigManager) GetConfig(ctx context.Context, tick uint64) (FullConfig, error) {
	// we use a read lock here, because we only read the config file
	err := m.mutexReadOrWrite.RLock(ctx)
	if err != nil {
		return FullConfig{}, fmt.Errorf("failed to lock config file: %w", err)
	}
	defer m.mutexReadOrWrite.RUnlock()

	// Check if context is already cancelled
	if ctx.Err() != nil {
		return FullConfig{}, ctx.Err()
	}

	// Create the directory if it doesn't exist
	dir := filepath.Dir(m.configPath)
	if err := m.fsService.EnsureDirectory(ctx, dir); err != nil {
		return FullConfig{}, fmt.Errorf("failed to create config directory: %w", err)
	}

	// Check if context is already cancelled
	if ctx.Err() != nil {
		return FullConfig{}, ctx.Err()
	}

	// Check if the file exists
	exists, err := m.fsService.PathExists(ctx, m.configPath)
	if err != nil {
		return FullConfig{}, err
	}

	if !exists {
		return FullConfig{}, fmt.Errorf("config file does not exist: %s", m.configPath)
	}

	// Check if context is already cancelled
	if ctx.Err() != nil {
		return FullConfig{}, ctx.Err()
	}

	// Read the file
	data, err := m.fsService.ReadFile(ctx, m.configPath)
	if err != nil {
		return FullConfig{}, fmt.Errorf("failed to read config file: %w", err)
	}

	config, err := m.parseConfig(data)
	if err != nil {
		return FullConfig{}, err
	}

	// If the config is empty, return an error
	// Note: sometimes it can happen that due to a filesystem error the file is empty
	// In this case we want to return an error, which is then ignored by the control loop and will retry in the next cycle
	if reflect.DeepEqual(config, FullConfig{}) {
		return FullConfig{}, fmt.Errorf("config file is empty: %s", m.configPath)
	}

	return config, nil
}

// parseConfig decodes and validates raw YAML, short-circuiting through the
// xxhash cache when the bytes are unchanged since the last call.
func (m *FileConfigManager) parseConfig(data []byte) (FullConfig, error) {
	h := hash(data)

	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()

	// fast path: YAML identical to last call
	if m.parseCache.hash == h && h != 0 {
		return m.parseCache.parsed.Clone(), nil
	}

	// slow path: YAML changed
	config, err := ParseConfig(data, false)
	if err != nil {
		return FullConfig{}, err
	}

	m.parseCache = parseCacheEntry{parsed: config, hash: h}
	return config.Clone(), nil
}

// GetDeviceConfig returns the config of a single device
func (m *FileConfigManager) GetDeviceConfig(ctx context.Context, deviceID string) (DeviceConfig, error) {
	config, err := m.GetConfig(ctx, 0)
	if err != nil {
		return DeviceConfig{}, fmt.Errorf("failed to get config: %w", err)
	}

	device, ok := config.DeviceByID(deviceID)
	if !ok {
		return DeviceConfig{}, fmt.Errorf("unknown device %q", deviceID)
	}

	return device, nil
}

// GetResourceConfig returns the config of a single resource bundle
func (m *FileConfigManager) GetResourceConfig(ctx context.Context, resourceID string) (ResourceConfig, error) {
	config, err := m.GetConfig(ctx, 0)
	if err != nil {
		return ResourceConfig{}, fmt.Errorf("failed to get config: %w", err)
	}

	resource, ok := config.ResourceByID(resourceID)
	if !ok {
		return ResourceConfig{}, fmt.Errorf("unknown resource %q", resourceID)
	}

	return resource, nil
}

// GetScheduleEntries returns all schedule entries
func (m *FileConfigManager) GetScheduleEntries(ctx context.Context) ([]ScheduleEntry, error) {
	config, err := m.GetConfig(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to get config: %w", err)
	}

	return config.Schedules, nil
}

// writeConfig writes the config to the file
// it should not be exposed or used outside of the config manager, due to potential race conditions
func (m *FileConfigManager) writeConfig(ctx context.Context, config FullConfig) error {
	// we use a write lock here, because we write the config file
	err := m.mutexReadOrWrite.Lock(ctx)
	if err != nil {
		return fmt.Errorf("failed to lock config file: %w", err)
	}
	defer m.mutexReadOrWrite.Unlock()

	// Check if context is already cancelled
	if ctx.Err() != nil {
		return ctx.Err()
	}

	// Create the directory if it doesn't exist
	dir := filepath.Dir(m.configPath)
	if err := m.fsService.EnsureDirectory(ctx, dir); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Marshal the config to YAML
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Write to a temp file and rename it into place, so a crash mid-write
	// never leaves a truncated config behind
	tmpPath := m.configPath + ".tmp"
	if err := m.fsService.WriteFile(ctx, tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := m.fsService.Rename(ctx, tmpPath, m.configPath); err != nil {
		return fmt.Errorf("failed to replace config file: %w", err)
	}

	m.logger.Infof("Successfully wrote config to %s", m.configPath)
	return nil
}

// AtomicAddSchedule adds a schedule entry to the config atomically
func (m *FileConfigManager) AtomicAddSchedule(ctx context.Context, entry ScheduleEntry) error {
	err := m.mutexAtomicUpdate.Lock(ctx)
	if err != nil {
		return fmt.Errorf("failed to lock config file: %w", err)
	}
	defer m.mutexAtomicUpdate.Unlock()

	// get the current config
	config, err := m.GetConfig(ctx, 0)
	if err != nil {
		return fmt.Errorf("failed to get config: %w", err)
	}

	if _, ok := config.ScheduleByID(entry.ID); ok {
		return fmt.Errorf("schedule %q already exists", entry.ID)
	}
	if err := validateScheduleEntry(entry, config); err != nil {
		return err
	}

	// edit the config
	config.Schedules = append(config.Schedules, entry)

	// write the config
	if err := m.writeConfig(ctx, config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// AtomicRemoveSchedule removes a schedule entry from the config atomically
func (m *FileConfigManager) AtomicRemoveSchedule(ctx context.Context, scheduleID string) error {
	err := m.mutexAtomicUpdate.Lock(ctx)
	if err != nil {
		return fmt.Errorf("failed to lock config file: %w", err)
	}
	defer m.mutexAtomicUpdate.Unlock()

	// get the current config
	config, err := m.GetConfig(ctx, 0)
	if err != nil {
		return fmt.Errorf("failed to get config: %w", err)
	}

	found := false
	schedules := make([]ScheduleEntry, 0, len(config.Schedules))
	for _, entry := range config.Schedules {
		if entry.ID == scheduleID {
			found = true
			continue
		}
		schedules = append(schedules, entry)
	}
	if !found {
		return fmt.Errorf("schedule %q not found", scheduleID)
	}
	config.Schedules = schedules

	// write the config
	if err := m.writeConfig(ctx, config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// AtomicSetScheduleEnabled enables or disables a schedule entry atomically
func (m *FileConfigManager) AtomicSetScheduleEnabled(ctx context.Context, scheduleID string, enabled bool) error {
	err := m.mutexAtomicUpdate.Lock(ctx)
	if err != nil {
		return fmt.Errorf("failed to lock config file: %w", err)
	}
	defer m.mutexAtomicUpdate.Unlock()

	// get the current config
	config, err := m.GetConfig(ctx, 0)
	if err != nil {
		return fmt.Errorf("failed to get config: %w", err)
	}

	found := false
	for i := range config.Schedules {
		if config.Schedules[i].ID == scheduleID {
			config.Schedules[i].Enabled = enabled
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("schedule %q not found", scheduleID)
	}

	// write the config
	if err := m.writeConfig(ctx, config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// AtomicSetScheduleSettings switches the settings profile of a schedule entry atomically
func (m *FileConfigManager) AtomicSetScheduleSettings(ctx context.Context, scheduleID string, settingsID string) error {
	err := m.mutexAtomicUpdate.Lock(ctx)
	if err != nil {
		return fmt.Errorf("failed to lock config file: %w", err)
	}
	defer m.mutexAtomicUpdate.Unlock()

	// get the current config
	config, err := m.GetConfig(ctx, 0)
	if err != nil {
		return fmt.Errorf("failed to get config: %w", err)
	}

	idx := -1
	for i := range config.Schedules {
		if config.Schedules[i].ID == scheduleID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("schedule %q not found", scheduleID)
	}

	updated := config.Schedules[idx]
	updated.SettingsID = settingsID
	if err := validateScheduleEntry(updated, config); err != nil {
		return err
	}
	config.Schedules[idx] = updated

	// write the config
	if err := m.writeConfig(ctx, config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// FileConfigManagerWithBackoff wraps a FileConfigManager and implements backoff for GetConfig errors
type FileConfigManagerWithBackoff struct {
	// The wrapped file config manager
	configManager *FileConfigManager

	// Backoff manager
	backoffManager *backoff.BackoffManager

	// Logger
	logger *zap.SugaredLogger
}

// NewFileConfigManagerWithBackoff creates a new FileConfigManagerWithBackoff with exponential backoff
func NewFileConfigManagerWithBackoff() (*FileConfigManagerWithBackoff, error) {
	if instance != nil {
		return nil, fmt.Errorf("config manager already initialized, only one instance is allowed")
	}

	once.Do(func() {
		configManager := NewFileConfigManager()
		log := logger.For(logger.ComponentConfigManager)

		// Create backoff manager with default settings
		backoffConfig := backoff.DefaultConfig("ConfigManager", log)
		backoffManager := backoff.NewBackoffManager(backoffConfig)

		instance = &FileConfigManagerWithBackoff{
			configManager:  configManager,
			backoffManager: backoffManager,
			logger:         log,
		}
	})

	return instance.(*FileConfigManagerWithBackoff), nil
}

// GetConfigWithOverwritesOrCreateNew wraps the FileConfigManager's GetConfigWithOverwritesOrCreateNew method
// it is used in main.go to get the config with overwrites or create a new one on startup
func (m *FileConfigManagerWithBackoff) GetConfigWithOverwritesOrCreateNew(ctx context.Context, config FullConfig) (FullConfig, error) {
	return m.configManager.GetConfigWithOverwritesOrCreateNew(ctx, config)
}

// WithFileSystemService allows setting a custom filesystem service on the wrapped FileConfigManager
// useful for testing or advanced use cases
func (m *FileConfigManagerWithBackoff) WithFileSystemService(fsService filesystem.Service) *FileConfigManagerWithBackoff {
	m.configManager.WithFileSystemService(fsService)
	return m
}

// WithAppVersion sets the core version on the wrapped FileConfigManager
func (m *FileConfigManagerWithBackoff) WithAppVersion(version string) *FileConfigManagerWithBackoff {
	m.configManager.WithAppVersion(version)
	return m
}

// GetConfig returns the current config with backoff logic for failures
// This is a wrapper around the FileConfigManager's GetConfig method
// It adds backoff logic to handle temporary and permanent failures
// It will return either a temporary backoff error or a permanent failure error
func (m *FileConfigManagerWithBackoff) GetConfig(ctx context.Context, tick uint64) (FullConfig, error) {
	start := time.Now()
	defer func() {
		duration := time.Since(start)
		metrics.ObserveReconcileTime(metrics.ComponentConfigManager, "get_config", duration)
	}()

	// Check if context is already cancelled
	if ctx.Err() != nil {
		return FullConfig{}, ctx.Err()
	}

	// Check if we should skip operation due to backoff
	if m.backoffManager.ShouldSkipOperation(tick) {
		// Get appropriate backoff error (temporary or permanent)
		backoffErr := m.backoffManager.GetBackoffError(tick)

		// Log additional information for permanent failures
		if m.backoffManager.IsPermanentlyFailed() {
			sentry.ReportIssuef(sentry.IssueTypeError, m.logger, "ConfigManager is permanently failed. Last error: %v", m.backoffManager.GetLastError())
		}

		return FullConfig{}, backoffErr
	}

	// Try to fetch the config
	getConfigCtx, cancel := context.WithTimeout(ctx, constants.ConfigGetConfigTimeout)
	defer cancel()

	config, err := m.configManager.GetConfig(getConfigCtx, tick)
	if err != nil {
		m.backoffManager.SetError(err, tick)
		return FullConfig{}, err
	}

	// Reset backoff state on successful operation
	m.backoffManager.Reset()
	return config, nil
}

// Reset forcefully resets the config manager's state, including permanent failure status
// This should be called when the parent component has taken action to address the failure
func (m *FileConfigManagerWithBackoff) Reset() {
	m.backoffManager.Reset()
}

// IsPermanentFailure returns true if the config manager has permanently failed
// This can be used by consumers to distinguish between temporary and permanent failures
func (m *FileConfigManagerWithBackoff) IsPermanentFailure() bool {
	return m.backoffManager.IsPermanentlyFailed()
}

// GetLastError returns the last error that occurred when fetching the config
func (m *FileConfigManagerWithBackoff) GetLastError() error {
	return m.backoffManager.GetLastError()
}

// GetDeviceConfig delegates to the underlying FileConfigManager
func (m *FileConfigManagerWithBackoff) GetDeviceConfig(ctx context.Context, deviceID string) (DeviceConfig, error) {
	// Check if context is already cancelled
	if ctx.Err() != nil {
		return DeviceConfig{}, ctx.Err()
	}

	return m.configManager.GetDeviceConfig(ctx, deviceID)
}

// GetResourceConfig delegates to the underlying FileConfigManager
func (m *FileConfigManagerWithBackoff) GetResourceConfig(ctx context.Context, resourceID string) (ResourceConfig, error) {
	// Check if context is already cancelled
	if ctx.Err() != nil {
		return ResourceConfig{}, ctx.Err()
	}

	return m.configManager.GetResourceConfig(ctx, resourceID)
}

// GetResolvedTaskBatch delegates to the underlying FileConfigManager
func (m *FileConfigManagerWithBackoff) GetResolvedTaskBatch(ctx context.Context, resourceID, deviceID, settingsID string) ([]models.Task, error) {
	// Check if context is already cancelled
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	return m.configManager.GetResolvedTaskBatch(ctx, resourceID, deviceID, settingsID)
}

// GetScheduleEntries delegates to the underlying FileConfigManager
func (m *FileConfigManagerWithBackoff) GetScheduleEntries(ctx context.Context) ([]ScheduleEntry, error) {
	// Check if context is already cancelled
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	return m.configManager.GetScheduleEntries(ctx)
}

// AtomicAddSchedule delegates to the underlying FileConfigManager
func (m *FileConfigManagerWithBackoff) AtomicAddSchedule(ctx context.Context, entry ScheduleEntry) error {
	// Check if context is already cancelled
	if ctx.Err() != nil {
		return ctx.Err()
	}

	return m.configManager.AtomicAddSchedule(ctx, entry)
}

// AtomicRemoveSchedule delegates to the underlying FileConfigManager
func (m *FileConfigManagerWithBackoff) AtomicRemoveSchedule(ctx context.Context, scheduleID string) error {
	// Check if context is already cancelled
	if ctx.Err() != nil {
		return ctx.Err()
	}

	return m.configManager.AtomicRemoveSchedule(ctx, scheduleID)
}

// AtomicSetScheduleEnabled delegates to the underlying FileConfigManager
func (m *FileConfigManagerWithBackoff) AtomicSetScheduleEnabled(ctx context.Context, scheduleID string, enabled bool) error {
	// Check if context is already cancelled
	if ctx.Err() != nil {
		return ctx.Err()
	}

	return m.configManager.AtomicSetScheduleEnabled(ctx, scheduleID, enabled)
}

// AtomicSetScheduleSettings delegates to the underlying FileConfigManager
func (m *FileConfigManagerWithBackoff) AtomicSetScheduleSettings(ctx context.Context, scheduleID string, settingsID string) error {
	// Check if context is already cancelled
	if ctx.Err() != nil {
		return ctx.Err()
	}

	return m.configManager.AtomicSetScheduleSettings(ctx, scheduleID, settingsID)
}
