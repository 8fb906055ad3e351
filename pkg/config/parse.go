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
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/cespare/xxhash/v2"
	"gopkg.in/yaml.v3"
)

// parseCacheEntry caches the last successful parse per manager instance.
//
// A quick uint64 xxHash tells us in ~1 ns whether the YAML changed since the
// previous call. If the hash is identical we skip the yaml decode and the full
// validation pass and hand back a clone of the already-parsed struct. The
// control loop re-reads the config file once per tick, so the fast path is hit
// on nearly every call.
type parseCacheEntry struct {
	// parsed is the canonical struct. It is never handed out directly;
	// callers get a clone so they can mutate freely.
	parsed FullConfig
	// hash is xxhash.Sum64 of the raw YAML bytes. Collisions are vanishingly
	// unlikely (2^-64), so equality is good enough to treat the file as
	// unchanged.
	hash uint64
}

// hash is a helper function for parseCacheEntry.hash.
func hash(buf []byte) uint64 { return xxhash.Sum64(buf) }

// ParseConfig parses and validates raw YAML into a FullConfig.
// With allowUnknownFields false (the default for file reads), unknown YAML
// keys are rejected so typos in the config file surface immediately instead
// of being silently dropped.
func ParseConfig(data []byte, allowUnknownFields bool) (FullConfig, error) {
	var config FullConfig

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(!allowUnknownFields)

	if err := decoder.Decode(&config); err != nil {
		// An empty file decodes to io.EOF; the caller decides whether an
		// empty config is an error.
		if errors.Is(err, io.EOF) {
			return FullConfig{}, nil
		}
		return FullConfig{}, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := validateConfig(config); err != nil {
		return FullConfig{}, fmt.Errorf("invalid config: %w", err)
	}

	return config, nil
}

// validateConfig rejects configs with duplicate ids or dangling references.
// Catching these at parse time means every later lookup in the executor,
// scheduler and registry can trust that referenced entries exist.
func validateConfig(config FullConfig) error {
	resources := make(map[string]ResourceConfig, len(config.Resources))
	for _, resource := range config.Resources {
		if resource.ID == "" {
			return errors.New("resource with empty id")
		}
		if _, ok := resources[resource.ID]; ok {
			return fmt.Errorf("duplicate resource id %q", resource.ID)
		}
		if resource.Root == "" {
			return fmt.Errorf("resource %q has no root path", resource.ID)
		}
		if resource.MinCoreVersion != "" {
			if _, err := semver.NewVersion(resource.MinCoreVersion); err != nil {
				return fmt.Errorf("resource %q has invalid minCoreVersion %q: %w", resource.ID, resource.MinCoreVersion, err)
			}
		}
		if resource.Agent != nil && resource.Agent.Command == "" {
			return fmt.Errorf("resource %q declares an agent without a command", resource.ID)
		}

		subTasks := make(map[string]struct{}, len(resource.SubTasks))
		for _, subTask := range resource.SubTasks {
			if subTask.Name == "" {
				return fmt.Errorf("resource %q has a sub-task with empty name", resource.ID)
			}
			if _, ok := subTasks[subTask.Name]; ok {
				return fmt.Errorf("resource %q has duplicate sub-task %q", resource.ID, subTask.Name)
			}
			subTasks[subTask.Name] = struct{}{}
		}
		resources[resource.ID] = resource
	}

	profiles := make(map[string]struct{}, len(config.Profiles))
	for _, profile := range config.Profiles {
		if profile.ID == "" {
			return errors.New("profile with empty id")
		}
		if _, ok := profiles[profile.ID]; ok {
			return fmt.Errorf("duplicate profile id %q", profile.ID)
		}
		profiles[profile.ID] = struct{}{}

		resource, ok := resources[profile.ResourceID]
		if !ok {
			return fmt.Errorf("profile %q references unknown resource %q", profile.ID, profile.ResourceID)
		}
		for _, name := range profile.SubTasks {
			if _, ok := resource.SubTaskByName(name); !ok {
				return fmt.Errorf("profile %q selects unknown sub-task %q of resource %q", profile.ID, name, resource.ID)
			}
		}
		for name := range profile.Overrides {
			if _, ok := resource.SubTaskByName(name); !ok {
				return fmt.Errorf("profile %q overrides unknown sub-task %q of resource %q", profile.ID, name, resource.ID)
			}
		}
	}

	devices := make(map[string]struct{}, len(config.Devices))
	for _, device := range config.Devices {
		if device.ID == "" {
			return errors.New("device with empty id")
		}
		if _, ok := devices[device.ID]; ok {
			return fmt.Errorf("duplicate device id %q", device.ID)
		}
		devices[device.ID] = struct{}{}
		if device.ConnectAttempts < 0 {
			return fmt.Errorf("device %q has negative connectAttempts", device.ID)
		}
	}

	scheduleIDs := make(map[string]struct{}, len(config.Schedules))
	for _, entry := range config.Schedules {
		if _, ok := scheduleIDs[entry.ID]; ok {
			return fmt.Errorf("duplicate schedule id %q", entry.ID)
		}
		scheduleIDs[entry.ID] = struct{}{}

		if err := validateScheduleEntry(entry, config); err != nil {
			return err
		}
	}

	return nil
}

// validateScheduleEntry checks one schedule entry against the rest of the
// config. It is shared between full-file validation and the atomic schedule
// mutations so an entry that would not survive a reload can never be written.
func validateScheduleEntry(entry ScheduleEntry, config FullConfig) error {
	if entry.ID == "" {
		return errors.New("schedule entry with empty id")
	}
	if _, ok := config.DeviceByID(entry.DeviceID); !ok {
		return fmt.Errorf("schedule %q references unknown device %q", entry.ID, entry.DeviceID)
	}
	if _, ok := config.ResourceByID(entry.ResourceID); !ok {
		return fmt.Errorf("schedule %q references unknown resource %q", entry.ID, entry.ResourceID)
	}
	if entry.SettingsID != "" {
		profile, ok := config.ProfileByID(entry.SettingsID)
		if !ok {
			return fmt.Errorf("schedule %q references unknown profile %q", entry.ID, entry.SettingsID)
		}
		if profile.ResourceID != entry.ResourceID {
			return fmt.Errorf("schedule %q uses profile %q which belongs to resource %q, not %q",
				entry.ID, entry.SettingsID, profile.ResourceID, entry.ResourceID)
		}
	}

	switch entry.Kind {
	case ScheduleOnce, ScheduleDaily:
	case ScheduleWeekly:
		if len(entry.Weekdays) == 0 {
			return fmt.Errorf("weekly schedule %q has no weekdays", entry.ID)
		}
		for _, day := range entry.Weekdays {
			if day < time.Sunday || day > time.Saturday {
				return fmt.Errorf("schedule %q has invalid weekday %d", entry.ID, day)
			}
		}
	default:
		return fmt.Errorf("schedule %q has unknown kind %q", entry.ID, entry.Kind)
	}

	if _, err := time.Parse("15:04", entry.At); err != nil {
		return fmt.Errorf("schedule %q has invalid time of day %q: %w", entry.ID, entry.At, err)
	}

	return nil
}
