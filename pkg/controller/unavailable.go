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

package controller

import (
	"context"
	"fmt"

	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/config"
)

// Unavailable returns a factory whose controllers refuse every connection
// with the given reason. It is the default wiring of a core built without a
// device backend: the API, scheduler and config layers all run, and the
// first connect attempt reports plainly what is missing instead of
// panicking on a nil factory.
func Unavailable(reason string) Factory {
	return func(cfg config.DeviceConfig) Controller {
		return &unavailableController{deviceID: cfg.ID, reason: reason}
	}
}

type unavailableController struct {
	deviceID string
	reason   string
}

func (c *unavailableController) Connect(ctx context.Context) error {
	return fmt.Errorf("no controller backend for device %s: %s", c.deviceID, c.reason)
}

func (c *unavailableController) Connected() bool {
	return false
}

func (c *unavailableController) Capture(ctx context.Context) (Frame, error) {
	return Frame{}, fmt.Errorf("no controller backend for device %s: %s", c.deviceID, c.reason)
}

func (c *unavailableController) Disconnect(ctx context.Context) error {
	return nil
}
