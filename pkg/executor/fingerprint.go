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

package executor

import (
	"context"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path/filepath"

	"golang.org/x/crypto/sha3"

	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/engine"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/models"
)

// boundResource remembers the engine's current resource binding together
// with the bundle fingerprint it was bound from.
type boundResource struct {
	resource    engine.Resource
	path        string
	fingerprint string
}

// bindResource hands the task's resource bundle to the engine, skipping the
// bind when the previous task already bound the same path and the bundle
// has not changed on disk since.
func (e *TaskExecutor) bindResource(ctx context.Context, task models.Task) (engine.Resource, error) {
	fp, err := fingerprintResource(task.ResourcePath)
	if err != nil {
		// a bundle we cannot even stat is a bundle the engine cannot load
		return nil, fmt.Errorf("fingerprinting resource %q: %w", task.ResourcePath, err)
	}

	if e.bound != nil && e.bound.path == task.ResourcePath && e.bound.fingerprint == fp {
		e.logger.Debugf("Device %s reusing bound resource %s", e.cfg.ID, task.ResourcePath)

		return e.bound.resource, nil
	}

	e.logger.Infof("Device %s binding resource %s", e.cfg.ID, task.ResourcePath)
	res, err := e.engine.BindResource(ctx, task.ResourcePath, e.controller)
	if err != nil {
		e.bound = nil

		return nil, fmt.Errorf("binding resource %q: %w", task.ResourcePath, err)
	}
	e.bound = &boundResource{resource: res, path: task.ResourcePath, fingerprint: fp}

	return res, nil
}

// fingerprintResource hashes the bundle's file manifest: relative path,
// size and modification time of every file, in the deterministic order
// WalkDir yields. Content is deliberately not read; bundles carry image
// assets that would make a content hash cost seconds per task.
func fingerprintResource(root string) (string, error) {
	h := sha3.New256()
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		fmt.Fprintf(h, "%s|%d|%d\n", rel, info.Size(), info.ModTime().UnixNano())

		return nil
	})
	if err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
