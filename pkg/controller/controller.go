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

// Package controller abstracts input/output against one managed device.
// Backend specifics (ADB bridges, window handles) live behind the Controller
// interface; executors only ever see this contract.
package controller

import (
	"context"
	"time"

	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/config"
)

// Frame is one captured screen image.
type Frame struct {
	CapturedAt time.Time
	Data       []byte
	Width      int
	Height     int
}

// Controller is the device I/O link of one executor.
type Controller interface {
	// Connect establishes the link. Safe to call when already connected.
	Connect(ctx context.Context) error

	// Connected reports whether the link is currently usable.
	Connected() bool

	// Capture grabs one frame. The cheapest full round-trip the link
	// offers, which is why it doubles as the post-connect probe.
	Capture(ctx context.Context) (Frame, error)

	// Disconnect releases the link. Idempotent.
	Disconnect(ctx context.Context) error
}

// Factory builds the controller for one device. Backends register a factory
// at wiring time; each executor owns exactly one controller built from its
// device config.
type Factory func(cfg config.DeviceConfig) Controller
