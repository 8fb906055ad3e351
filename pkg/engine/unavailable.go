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

package engine

import (
	"context"
	"fmt"

	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/controller"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/pipeline"
)

// Unavailable returns a factory whose engines refuse every binding with the
// given reason. Counterpart of controller.Unavailable for cores built
// without an automation backend.
func Unavailable(reason string) Factory {
	return func() Engine {
		return &unavailableEngine{reason: reason}
	}
}

type unavailableEngine struct {
	reason string
}

func (e *unavailableEngine) BindResource(ctx context.Context, path string, ctrl controller.Controller) (Resource, error) {
	return nil, fmt.Errorf("no automation engine backend: %s", e.reason)
}

func (e *unavailableEngine) PostTask(ctx context.Context, entry string, override pipeline.Document) (Job, error) {
	return nil, fmt.Errorf("no automation engine backend: %s", e.reason)
}

func (e *unavailableEngine) PostStop(ctx context.Context) error {
	return nil
}
