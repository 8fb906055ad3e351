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

	"github.com/Masterminds/semver/v3"

	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/constants"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/models"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/pipeline"
)

// CheckMinCoreVersion reports whether coreVersion satisfies the resource's
// minimum version requirement. Dev builds (reporting the default version)
// always pass so local development does not need version gymnastics.
func CheckMinCoreVersion(minVersion, coreVersion string) error {
	if minVersion == "" {
		return nil
	}
	if coreVersion == constants.DefaultAppVersion {
		return nil
	}

	minimum, err := semver.NewVersion(minVersion)
	if err != nil {
		return fmt.Errorf("invalid minimum core version %q: %w", minVersion, err)
	}
	core, err := semver.NewVersion(coreVersion)
	if err != nil {
		return fmt.Errorf("invalid core version %q: %w", coreVersion, err)
	}

	if core.LessThan(minimum) {
		return fmt.Errorf("resource requires core >= %s, running %s", minVersion, coreVersion)
	}

	return nil
}

// GetResolvedTaskBatch resolves a resource (optionally through a settings
// profile) into the task batch to run on the given device.
//
// Resolution keeps the resource catalog order: a profile selects which
// sub-tasks run, never in which order. Overrides are deep-merged over the
// catalog defaults per sub-task. An empty settingsID runs the full catalog
// with defaults only.
func (m *FileConfigManager) GetResolvedTaskBatch(ctx context.Context, resourceID, deviceID, settingsID string) ([]models.Task, error) {
	config, err := m.GetConfig(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to get config: %w", err)
	}

	return resolveTaskBatch(config, resourceID, deviceID, settingsID, m.appVersion)
}

// resolveTaskBatch is the pure resolution step, shared with the mock.
func resolveTaskBatch(config FullConfig, resourceID, deviceID, settingsID, appVersion string) ([]models.Task, error) {
	if _, ok := config.DeviceByID(deviceID); !ok {
		return nil, fmt.Errorf("unknown device %q", deviceID)
	}

	resource, ok := config.ResourceByID(resourceID)
	if !ok {
		return nil, fmt.Errorf("unknown resource %q", resourceID)
	}

	if err := CheckMinCoreVersion(resource.MinCoreVersion, appVersion); err != nil {
		return nil, fmt.Errorf("resource %q: %w", resourceID, err)
	}

	taskName := resourceID
	resourcePack := ""
	var selected map[string]struct{}
	var overrides map[string]pipeline.Document

	if settingsID != "" {
		profile, ok := config.ProfileByID(settingsID)
		if !ok {
			return nil, fmt.Errorf("unknown profile %q", settingsID)
		}
		if profile.ResourceID != resourceID {
			return nil, fmt.Errorf("profile %q belongs to resource %q, not %q", settingsID, profile.ResourceID, resourceID)
		}

		taskName = profile.ID
		resourcePack = profile.ResourcePack
		overrides = profile.Overrides

		if len(profile.SubTasks) > 0 {
			selected = make(map[string]struct{}, len(profile.SubTasks))
			for _, name := range profile.SubTasks {
				selected[name] = struct{}{}
			}
		}
	}

	// Walk the catalog in declared order; selection only filters.
	specs := make([]models.SubTaskSpec, 0, len(resource.SubTasks))
	for _, subTask := range resource.SubTasks {
		if selected != nil {
			if _, ok := selected[subTask.Name]; !ok {
				continue
			}
		}

		spec := models.SubTaskSpec{
			Name:  subTask.Name,
			Entry: subTask.Entry,
		}
		if override, ok := overrides[subTask.Name]; ok {
			spec.Override = pipeline.Merge(subTask.Defaults, override)
		} else if len(subTask.Defaults) > 0 {
			spec.Override = subTask.Defaults.Clone()
		}
		specs = append(specs, spec)
	}

	if len(specs) == 0 {
		return nil, fmt.Errorf("resource %q resolves to an empty task for profile %q", resourceID, settingsID)
	}

	// ID and CreatedAt stay empty here; the registry assigns them when the
	// submission is accepted.
	task := models.Task{
		DeviceID:     deviceID,
		Name:         taskName,
		ResourceID:   resourceID,
		ResourcePath: resource.Root,
		ResourcePack: resourcePack,
		SubTasks:     specs,
	}

	return []models.Task{task}, nil
}
