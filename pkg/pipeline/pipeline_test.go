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

package pipeline_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gopkg.in/yaml.v3"

	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/pipeline"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/safejson"
)

var _ = Describe("Value", func() {
	It("should default to null", func() {
		var v pipeline.Value

		Expect(v.Kind()).To(Equal(pipeline.KindNull))
		Expect(v.IsNull()).To(BeTrue())
	})

	It("should carry scalar payloads with matching kinds", func() {
		s, ok := pipeline.String("collect_rewards").AsString()
		Expect(ok).To(BeTrue())
		Expect(s).To(Equal("collect_rewards"))

		n, ok := pipeline.Number(90.5).AsNumber()
		Expect(ok).To(BeTrue())
		Expect(n).To(Equal(90.5))

		b, ok := pipeline.Bool(true).AsBool()
		Expect(ok).To(BeTrue())
		Expect(b).To(BeTrue())
	})

	It("should refuse accessors of another kind", func() {
		_, ok := pipeline.String("4").AsNumber()
		Expect(ok).To(BeFalse())

		_, ok = pipeline.Int(4).AsMap()
		Expect(ok).To(BeFalse())
	})

	Describe("Get", func() {
		doc := pipeline.Document{
			"collect": pipeline.Map(pipeline.Document{
				"rewards": pipeline.Bool(true),
				"mail":    pipeline.Bool(false),
			}),
			"threads": pipeline.Int(4),
		}

		It("should walk nested maps", func() {
			v, ok := doc.Get("collect", "rewards")
			Expect(ok).To(BeTrue())
			Expect(v).To(Equal(pipeline.Bool(true)))
		})

		It("should miss on absent keys and non-map steps", func() {
			_, ok := doc.Get("collect", "gifts")
			Expect(ok).To(BeFalse())

			_, ok = doc.Get("threads", "deep")
			Expect(ok).To(BeFalse())
		})
	})

	Describe("Clone", func() {
		It("should not share nested references with the original", func() {
			original := pipeline.Document{
				"collect": pipeline.Map(pipeline.Document{
					"rewards": pipeline.Bool(true),
				}),
				"skip_stages": pipeline.List(pipeline.String("4-6")),
			}

			clone := original.Clone()

			nested, _ := original["collect"].AsMap()
			nested["rewards"] = pipeline.Bool(false)

			v, ok := clone.Get("collect", "rewards")
			Expect(ok).To(BeTrue())
			Expect(v).To(Equal(pipeline.Bool(true)))
		})

		It("should keep nil documents nil", func() {
			var doc pipeline.Document

			Expect(doc.Clone()).To(BeNil())
		})
	})

	Describe("Equal", func() {
		It("should match identical trees regardless of construction order", func() {
			a := pipeline.Document{
				"threads": pipeline.Int(4),
				"collect": pipeline.Map(pipeline.Document{"mail": pipeline.Bool(true)}),
			}
			b := pipeline.Document{
				"collect": pipeline.Map(pipeline.Document{"mail": pipeline.Bool(true)}),
				"threads": pipeline.Number(4),
			}

			Expect(a.Equal(b)).To(BeTrue())
		})

		It("should distinguish kind, payload and list order", func() {
			Expect(pipeline.String("4").Equal(pipeline.Int(4))).To(BeFalse())
			Expect(pipeline.Bool(true).Equal(pipeline.Bool(false))).To(BeFalse())

			ab := pipeline.List(pipeline.String("a"), pipeline.String("b"))
			ba := pipeline.List(pipeline.String("b"), pipeline.String("a"))
			Expect(ab.Equal(ba)).To(BeFalse())
		})
	})
})

var _ = Describe("Merge", func() {
	It("should merge nested maps key-wise", func() {
		base := pipeline.Document{
			"collect": pipeline.Map(pipeline.Document{
				"rewards": pipeline.Bool(true),
				"mail":    pipeline.Bool(true),
			}),
			"threads": pipeline.Int(2),
		}
		override := pipeline.Document{
			"collect": pipeline.Map(pipeline.Document{
				"mail": pipeline.Bool(false),
			}),
		}

		merged := pipeline.Merge(base, override)

		rewards, _ := merged.Get("collect", "rewards")
		Expect(rewards).To(Equal(pipeline.Bool(true)))

		mail, _ := merged.Get("collect", "mail")
		Expect(mail).To(Equal(pipeline.Bool(false)))

		threads, _ := merged.Get("threads")
		Expect(threads.Equal(pipeline.Int(2))).To(BeTrue())
	})

	It("should replace lists instead of concatenating them", func() {
		base := pipeline.Document{
			"skip_stages": pipeline.List(pipeline.String("4-6"), pipeline.String("4-7")),
		}
		override := pipeline.Document{
			"skip_stages": pipeline.List(pipeline.String("5-1")),
		}

		merged := pipeline.Merge(base, override)

		stages, ok := merged["skip_stages"].AsList()
		Expect(ok).To(BeTrue())
		Expect(stages).To(HaveLen(1))
	})

	It("should let an explicit null blank out an inherited setting", func() {
		base := pipeline.Document{"proxy": pipeline.String("10.0.0.1:8080")}
		override := pipeline.Document{"proxy": pipeline.Null()}

		merged := pipeline.Merge(base, override)

		Expect(merged["proxy"].IsNull()).To(BeTrue())
	})

	It("should replace a map with a scalar when kinds differ", func() {
		base := pipeline.Document{
			"retry": pipeline.Map(pipeline.Document{"count": pipeline.Int(3)}),
		}
		override := pipeline.Document{"retry": pipeline.Bool(false)}

		merged := pipeline.Merge(base, override)

		Expect(merged["retry"]).To(Equal(pipeline.Bool(false)))
	})

	It("should not mutate either input", func() {
		base := pipeline.Document{
			"collect": pipeline.Map(pipeline.Document{"mail": pipeline.Bool(true)}),
		}
		override := pipeline.Document{
			"collect": pipeline.Map(pipeline.Document{"mail": pipeline.Bool(false)}),
		}

		merged := pipeline.Merge(base, override)

		m, _ := merged["collect"].AsMap()
		m["mail"] = pipeline.String("mutated")

		baseMail, _ := base.Get("collect", "mail")
		Expect(baseMail).To(Equal(pipeline.Bool(true)))

		overrideMail, _ := override.Get("collect", "mail")
		Expect(overrideMail).To(Equal(pipeline.Bool(false)))
	})

	It("should treat nil layers as no-ops", func() {
		base := pipeline.Document{"threads": pipeline.Int(4)}

		Expect(pipeline.Merge(base, nil).Equal(base)).To(BeTrue())
		Expect(pipeline.Merge(nil, base).Equal(base)).To(BeTrue())
		Expect(pipeline.Merge(nil, nil)).To(BeNil())
	})

	It("should stack layers left to right in MergeAll", func() {
		profile := pipeline.Document{"threads": pipeline.Int(2), "notify": pipeline.Bool(false)}
		stored := pipeline.Document{"threads": pipeline.Int(4)}
		submission := pipeline.Document{"notify": pipeline.Bool(true)}

		merged := pipeline.MergeAll(profile, stored, submission)

		threads, _ := merged.Get("threads")
		Expect(threads.Equal(pipeline.Int(4))).To(BeTrue())

		notify, _ := merged.Get("notify")
		Expect(notify).To(Equal(pipeline.Bool(true)))
	})
})

var _ = Describe("Codec", func() {
	Describe("JSON", func() {
		It("should round-trip a submission override", func() {
			original := pipeline.Document{
				"sub_task":        pipeline.String("collect_rewards"),
				"timeout_seconds": pipeline.Number(90.5),
				"threads":         pipeline.Int(4),
				"headless":        pipeline.Bool(true),
				"skip_stages":     pipeline.List(pipeline.String("4-6"), pipeline.String("4-7")),
				"proxy":           pipeline.Null(),
			}

			data, err := safejson.Marshal(original)
			Expect(err).NotTo(HaveOccurred())

			var decoded pipeline.Document
			Expect(safejson.Unmarshal(data, &decoded)).To(Succeed())
			Expect(decoded.Equal(original)).To(BeTrue())
		})

		It("should emit plain JSON without a discriminator", func() {
			data, err := safejson.Marshal(pipeline.Document{
				"threads": pipeline.Int(4),
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(Equal(`{"threads":4}`))
		})

		It("should decode nested JSON objects into map kinds", func() {
			var doc pipeline.Document

			raw := []byte(`{"collect":{"rewards":true,"count":3},"stages":["4-6",7]}`)
			Expect(safejson.Unmarshal(raw, &doc)).To(Succeed())

			rewards, ok := doc.Get("collect", "rewards")
			Expect(ok).To(BeTrue())
			Expect(rewards).To(Equal(pipeline.Bool(true)))

			stages, ok := doc["stages"].AsList()
			Expect(ok).To(BeTrue())
			Expect(stages[1].Equal(pipeline.Int(7))).To(BeTrue())
		})

		It("should reject malformed JSON", func() {
			var v pipeline.Value

			Expect(v.UnmarshalJSON([]byte(`{"unterminated`))).NotTo(Succeed())
		})
	})

	Describe("YAML", func() {
		It("should decode a settings profile override", func() {
			raw := `
collect:
  rewards: true
  mail: false
threads: 4
skip_stages:
  - "4-6"
  - "4-7"
`
			var doc pipeline.Document
			Expect(yaml.Unmarshal([]byte(raw), &doc)).To(Succeed())

			rewards, ok := doc.Get("collect", "rewards")
			Expect(ok).To(BeTrue())
			Expect(rewards).To(Equal(pipeline.Bool(true)))

			threads, ok := doc.Get("threads")
			Expect(ok).To(BeTrue())
			Expect(threads.Equal(pipeline.Int(4))).To(BeTrue())
		})

		It("should round-trip through YAML emission", func() {
			original := pipeline.Document{
				"collect": pipeline.Map(pipeline.Document{"rewards": pipeline.Bool(true)}),
				"threads": pipeline.Int(4),
			}

			data, err := yaml.Marshal(original)
			Expect(err).NotTo(HaveOccurred())

			var decoded pipeline.Document
			Expect(yaml.Unmarshal(data, &decoded)).To(Succeed())
			Expect(decoded.Equal(original)).To(BeTrue())
		})
	})

	Describe("FromAny", func() {
		It("should collapse integer representations to numbers", func() {
			v, err := pipeline.FromAny(map[string]any{
				"a": int(1),
				"b": int64(2),
				"c": float64(3),
			})
			Expect(err).NotTo(HaveOccurred())

			doc, _ := v.AsMap()
			for _, key := range []string{"a", "b", "c"} {
				Expect(doc[key].Kind()).To(Equal(pipeline.KindNumber))
			}
		})

		It("should reject types outside the union", func() {
			_, err := pipeline.FromAny(map[string]any{"when": time.Now()})
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("unsupported override value type"))
		})
	})
})
