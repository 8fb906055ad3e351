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

package pipeline

import (
	"gopkg.in/yaml.v3"

	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/safejson"
)

// MarshalJSON encodes the Value as plain JSON: null, string, number, bool,
// object or array. The Kind discriminator is structural, it never appears
// on the wire.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return safejson.Marshal(v.str)
	case KindNumber:
		return safejson.Marshal(v.num)
	case KindBool:
		return safejson.Marshal(v.b)
	case KindMap:
		if v.m == nil {
			return []byte("{}"), nil
		}

		return safejson.Marshal(v.m)
	case KindList:
		if v.l == nil {
			return []byte("[]"), nil
		}

		return safejson.Marshal(v.l)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON decodes any JSON value into the union. JSON numbers come
// back as KindNumber regardless of integer or fractional notation.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := safejson.Unmarshal(data, &raw); err != nil {
		return err
	}

	parsed, err := FromAny(raw)
	if err != nil {
		return err
	}

	*v = parsed

	return nil
}

// UnmarshalYAML decodes a YAML node into the union. Non-scalar YAML types
// without a JSON counterpart (timestamps, binary) are rejected.
func (v *Value) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}

	parsed, err := FromAny(raw)
	if err != nil {
		return err
	}

	*v = parsed

	return nil
}

// MarshalYAML emits the plain Go representation so documents round-trip
// through config files unchanged.
func (v Value) MarshalYAML() (any, error) {
	return v.ToAny(), nil
}
