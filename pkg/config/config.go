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
	"time"

	"github.com/tiendc/go-deepcopy"

	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/pipeline"
)

type FullConfig struct {
	Agent     AgentConfig       `yaml:"agent"`              // Agent config, requires restart to take effect
	Emulator  EmulatorConfig    `yaml:"emulator,omitempty"` // Emulator discovery/warmup tuning
	Resources []ResourceConfig  `yaml:"resources,omitempty"`
	Profiles  []SettingsProfile `yaml:"profiles,omitempty"`
	Devices   []DeviceConfig    `yaml:"devices,omitempty"`
	Schedules []ScheduleEntry   `yaml:"schedules,omitempty"`
}

type AgentConfig struct {
	MetricsPort int          `yaml:"metricsPort"`         // Port to expose metrics on
	APIPort     int          `yaml:"apiPort"`             // Port for the REST/websocket API
	Notify      NotifyConfig `yaml:"notify,omitempty"`    // Webhook notification sink
	LogDir      string       `yaml:"logDir,omitempty"`    // Base directory for supervised agent logs
	AgentDir    string       `yaml:"agentDir,omitempty"`  // Base directory for agent PID files
}

// NotifyConfig configures the webhook notification sink. An empty URL
// disables notifications entirely.
type NotifyConfig struct {
	WebhookURL     string `yaml:"webhookUrl,omitempty"`
	TimeoutSeconds int    `yaml:"timeoutSeconds,omitempty"`
}

// EmulatorConfig tunes how backing emulator processes are discovered and how
// long a freshly launched one gets before the first connection attempt.
type EmulatorConfig struct {
	DiscoveryTimeoutSeconds int `yaml:"discoveryTimeoutSeconds,omitempty"`
	WarmupDelaySeconds      int `yaml:"warmupDelaySeconds,omitempty"`
}

// DeviceConfig describes one managed device.
type DeviceConfig struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name,omitempty"`
	Address string `yaml:"address,omitempty"` // controller endpoint, e.g. an ADB serial

	// StartCommand launches the backing emulator when the device is not
	// reachable. Empty means the device is expected to be present already.
	StartCommand string `yaml:"startCommand,omitempty"`

	// CloseAfterRun kills the backing emulator's process tree once a task
	// lifecycle finishes.
	CloseAfterRun bool `yaml:"closeAfterRun,omitempty"`

	// ConnectAttempts overrides how often EnsureConnected retries the
	// controller link. Zero falls back to the executor default.
	ConnectAttempts int `yaml:"connectAttempts,omitempty"`
}

// ResourceConfig describes an automation resource bundle: where the engine
// finds it, which sub-tasks it offers and which helper process it needs.
type ResourceConfig struct {
	ID   string `yaml:"id"`
	Root string `yaml:"root"` // resource bundle path handed to the engine

	// MinCoreVersion rejects resolution on cores older than the resource
	// requires. Empty disables the check.
	MinCoreVersion string `yaml:"minCoreVersion,omitempty"`

	// Agent declares the external helper process the executor must supervise
	// while tasks of this resource run. Nil means no helper is needed.
	Agent *AgentProcessConfig `yaml:"agent,omitempty"`

	// SubTasks is the ordered catalog of steps this resource offers.
	// Profiles select from it; selection never reorders.
	SubTasks []SubTaskConfig `yaml:"subTasks"`
}

// AgentProcessConfig describes how to launch and handshake a resource's
// helper process.
type AgentProcessConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args,omitempty"`

	// ReadyLine is the stdout marker that completes the startup handshake.
	// Empty falls back to the supervisor default.
	ReadyLine string `yaml:"readyLine,omitempty"`

	HandshakeTimeoutSeconds int `yaml:"handshakeTimeoutSeconds,omitempty"`
}

// SubTaskConfig is one catalog entry of a resource.
type SubTaskConfig struct {
	Name     string            `yaml:"name"`
	Entry    string            `yaml:"entry"`
	Defaults pipeline.Document `yaml:"defaults,omitempty"`
}

// SettingsProfile stores a named selection of a resource's sub-tasks together
// with override documents layered on top of the catalog defaults.
type SettingsProfile struct {
	ID         string `yaml:"id"`
	ResourceID string `yaml:"resourceId"`

	// SubTasks selects catalog entries by name. Empty selects all of them.
	SubTasks []string `yaml:"subTasks,omitempty"`

	// Overrides maps sub-task name to the override document merged over the
	// catalog defaults for that sub-task.
	Overrides map[string]pipeline.Document `yaml:"overrides,omitempty"`

	// ResourcePack overrides the task's resource pack when set.
	ResourcePack string `yaml:"resourcePack,omitempty"`
}

// ScheduleKind is the recurrence of a schedule entry.
type ScheduleKind string

const (
	ScheduleOnce   ScheduleKind = "once"
	ScheduleDaily  ScheduleKind = "daily"
	ScheduleWeekly ScheduleKind = "weekly"
)

// ScheduleEntry triggers a resolved task batch at configured wall-clock
// times. The scheduler consumes entries read-only; every mutation goes
// through the config manager so the file stays the single source of truth.
// The json tags serve the management API, which accepts and returns entries
// verbatim.
type ScheduleEntry struct {
	ID         string       `yaml:"id"         json:"id"`
	DeviceID   string       `yaml:"deviceId"   json:"deviceId"`
	ResourceID string       `yaml:"resourceId" json:"resourceId"`
	Kind       ScheduleKind `yaml:"kind"       json:"kind"`

	// At is the time of day in "15:04" (24h) notation.
	At string `yaml:"at" json:"at"`

	// Weekdays restricts weekly entries (0 = Sunday). Ignored for other kinds.
	Weekdays []time.Weekday `yaml:"weekdays,omitempty" json:"weekdays,omitempty"`

	Enabled    bool   `yaml:"enabled"              json:"enabled"`
	SettingsID string `yaml:"settingsId,omitempty" json:"settingsId,omitempty"`
	Notify     bool   `yaml:"notify,omitempty"     json:"notify,omitempty"`
}

// Clone creates a deep copy of FullConfig
func (c FullConfig) Clone() FullConfig {
	var clone FullConfig
	deepcopy.Copy(&clone, &c)
	return clone
}

// DeviceByID returns the device with the given id.
func (c FullConfig) DeviceByID(id string) (DeviceConfig, bool) {
	for _, device := range c.Devices {
		if device.ID == id {
			return device, true
		}
	}

	return DeviceConfig{}, false
}

// ResourceByID returns the resource with the given id.
func (c FullConfig) ResourceByID(id string) (ResourceConfig, bool) {
	for _, resource := range c.Resources {
		if resource.ID == id {
			return resource, true
		}
	}

	return ResourceConfig{}, false
}

// ProfileByID returns the settings profile with the given id.
func (c FullConfig) ProfileByID(id string) (SettingsProfile, bool) {
	for _, profile := range c.Profiles {
		if profile.ID == id {
			return profile, true
		}
	}

	return SettingsProfile{}, false
}

// ScheduleByID returns the schedule entry with the given id.
func (c FullConfig) ScheduleByID(id string) (ScheduleEntry, bool) {
	for _, entry := range c.Schedules {
		if entry.ID == id {
			return entry, true
		}
	}

	return ScheduleEntry{}, false
}

// SubTaskByName returns the catalog entry with the given name.
func (r ResourceConfig) SubTaskByName(name string) (SubTaskConfig, bool) {
	for _, subTask := range r.SubTasks {
		if subTask.Name == name {
			return subTask, true
		}
	}

	return SubTaskConfig{}, false
}
