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

// Merge layers override on top of base and returns a new Document.
//
// Merge rules:
//   - map over map: merged key-wise, recursively
//   - any other pairing: the override value replaces the base value,
//     lists and scalars included (lists are never concatenated)
//   - explicit null in the override replaces too, which lets a profile
//     blank out an inherited setting
//
// Neither input is mutated; the result shares no references with either,
// so callers may hand it to the engine without further copying.
// A nil override clones base, a nil base clones override.
func Merge(base, override Document) Document {
	if override == nil {
		return base.Clone()
	}

	if base == nil {
		return override.Clone()
	}

	merged := make(Document, len(base)+len(override))

	for k, v := range base {
		merged[k] = v.Clone()
	}

	for k, ov := range override {
		if bv, exists := merged[k]; exists {
			merged[k] = mergeValue(bv, ov)

			continue
		}

		merged[k] = ov.Clone()
	}

	return merged
}

// mergeValue resolves one key collision. base is already a private clone.
func mergeValue(base, override Value) Value {
	baseMap, baseIsMap := base.AsMap()

	overrideMap, overrideIsMap := override.AsMap()
	if baseIsMap && overrideIsMap {
		return Map(Merge(baseMap, overrideMap))
	}

	return override.Clone()
}

// MergeAll folds a chain of Documents left to right, later layers winning.
// Used to stack profile defaults, stored settings and per-submission
// overrides into the document a sub-task actually runs with.
func MergeAll(layers ...Document) Document {
	var out Document

	for _, layer := range layers {
		out = Merge(out, layer)
	}

	return out
}
