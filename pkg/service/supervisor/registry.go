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

package supervisor

import (
	"fmt"
	"sync"

	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/logger"
	"go.uber.org/zap"
)

// Registry tracks every process group the application spawned, agents and
// emulators alike. It is swept once during teardown so that a crashing or
// exiting fleet core leaves no stray child process behind.
type Registry struct {
	logger *zap.SugaredLogger

	mu     sync.Mutex
	groups map[string]ProcessGroup
}

// NewRegistry creates an empty process registry.
func NewRegistry() *Registry {
	return &Registry{
		logger: logger.For(logger.ComponentSupervisor),
		groups: make(map[string]ProcessGroup),
	}
}

// Register records a process group under id, replacing any previous entry
// for the same id.
func (r *Registry) Register(id string, group ProcessGroup) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.groups[id] = group
	r.logger.Debugf("Registered process group %d as %s", group.Pgid(), id)
}

// Deregister drops the entry for id. Unknown ids are ignored.
func (r *Registry) Deregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.groups, id)
	r.logger.Debugf("Deregistered process group %s", id)
}

// Len returns how many process groups are currently tracked.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.groups)
}

// ReleaseAll force-kills every tracked process group and empties the
// registry. Failures are logged per group; the first failure count is
// reported back so teardown can surface it.
func (r *Registry) ReleaseAll() error {
	r.mu.Lock()
	groups := r.groups
	r.groups = make(map[string]ProcessGroup)
	r.mu.Unlock()

	failed := 0
	for id, group := range groups {
		if err := group.Release(); err != nil {
			r.logger.Warnf("Failed to release process group %s (pgid: %d): %v", id, group.Pgid(), err)
			failed++
		} else {
			r.logger.Debugf("Released process group %s", id)
		}
	}

	if failed > 0 {
		return fmt.Errorf("failed to release %d of %d process groups", failed, len(groups))
	}
	return nil
}
