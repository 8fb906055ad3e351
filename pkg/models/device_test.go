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

package models_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/models"
)

var _ = Describe("DeviceStatus", func() {
	It("should classify terminal statuses", func() {
		for _, s := range []models.DeviceStatus{
			models.StatusCompleted, models.StatusFailed, models.StatusCanceled, models.StatusError,
		} {
			Expect(s.IsTerminal()).To(BeTrue(), string(s))
		}

		for _, s := range []models.DeviceStatus{
			models.StatusDisconnected, models.StatusConnecting, models.StatusConnected,
			models.StatusRunning, models.StatusPaused,
		} {
			Expect(s.IsTerminal()).To(BeFalse(), string(s))
		}
	})

	It("should classify active statuses", func() {
		Expect(models.StatusRunning.IsActive()).To(BeTrue())
		Expect(models.StatusPaused.IsActive()).To(BeTrue())
		Expect(models.StatusPreparing.IsActive()).To(BeTrue())
		Expect(models.StatusConnected.IsActive()).To(BeFalse())
		Expect(models.StatusCompleted.IsActive()).To(BeFalse())
	})
})

var _ = Describe("StatePatch", func() {
	var ctx models.StateContext

	BeforeEach(func() {
		ctx = models.StateContext{
			Status:       models.StatusRunning,
			ActiveTaskID: "3f6c4a8e",
			TaskName:     "daily_farm",
			Progress:     50,
		}
	})

	It("should only touch fields the patch names", func() {
		changed := models.StatePatch{Progress: models.Opt(75.0)}.Apply(&ctx)

		Expect(changed).To(BeTrue())
		Expect(ctx.Progress).To(Equal(75.0))
		Expect(ctx.ActiveTaskID).To(Equal("3f6c4a8e"))
		Expect(ctx.TaskName).To(Equal("daily_farm"))
	})

	It("should report no change when values already match", func() {
		changed := models.StatePatch{
			Progress: models.Opt(50.0),
			TaskName: models.Opt("daily_farm"),
		}.Apply(&ctx)

		Expect(changed).To(BeFalse())
	})

	It("should clamp progress before comparing", func() {
		Expect(models.StatePatch{Progress: models.Opt(250.0)}.Apply(&ctx)).To(BeTrue())
		Expect(ctx.Progress).To(Equal(100.0))

		// 100 is already the clamped value, patching out-of-range again is a no-op.
		Expect(models.StatePatch{Progress: models.Opt(120.0)}.Apply(&ctx)).To(BeFalse())

		Expect(models.StatePatch{Progress: models.Opt(-5.0)}.Apply(&ctx)).To(BeTrue())
		Expect(ctx.Progress).To(Equal(0.0))
	})

	It("should merge metadata key-wise", func() {
		ctx.Metadata = map[string]string{"emulator": "mumu", "port": "16384"}

		changed := models.StatePatch{
			Metadata: map[string]string{"port": "16416", "profile": "daily"},
		}.Apply(&ctx)

		Expect(changed).To(BeTrue())
		Expect(ctx.Metadata).To(HaveKeyWithValue("emulator", "mumu"))
		Expect(ctx.Metadata).To(HaveKeyWithValue("port", "16416"))
		Expect(ctx.Metadata).To(HaveKeyWithValue("profile", "daily"))
	})

	It("should treat identical metadata as a no-op", func() {
		ctx.Metadata = map[string]string{"emulator": "mumu"}

		changed := models.StatePatch{
			Metadata: map[string]string{"emulator": "mumu"},
		}.Apply(&ctx)

		Expect(changed).To(BeFalse())
	})

	It("should allocate the metadata map on first write", func() {
		Expect(ctx.Metadata).To(BeNil())

		changed := models.StatePatch{
			Metadata: map[string]string{"emulator": "mumu"},
		}.Apply(&ctx)

		Expect(changed).To(BeTrue())
		Expect(ctx.Metadata).To(HaveKeyWithValue("emulator", "mumu"))
	})

	It("should clear fields when patched with empty values", func() {
		changed := models.StatePatch{
			ActiveTaskID: models.Opt(""),
			TaskName:     models.Opt(""),
		}.Apply(&ctx)

		Expect(changed).To(BeTrue())
		Expect(ctx.ActiveTaskID).To(BeEmpty())
		Expect(ctx.TaskName).To(BeEmpty())
	})
})

var _ = Describe("ValidateBatch", func() {
	valid := func() models.Task {
		return models.Task{
			ResourceID:   "arknights",
			ResourcePath: "/data/resources/arknights",
			SubTasks: []models.SubTaskSpec{
				{Name: "startup", Entry: "StartUp"},
				{Name: "collect", Entry: "Award"},
			},
		}
	}

	It("should accept a well-formed batch", func() {
		Expect(models.ValidateBatch([]models.Task{valid()})).To(BeEmpty())
	})

	It("should reject an empty batch", func() {
		errs := models.ValidateBatch(nil)
		Expect(errs).To(HaveLen(1))
		Expect(errs[0].Path).To(Equal("tasks"))
	})

	It("should report every violation with its path", func() {
		task := valid()
		task.ResourcePath = ""
		task.SubTasks[1].Entry = "has spaces"

		errs := models.ValidateBatch([]models.Task{task})
		Expect(errs).To(HaveLen(2))
		Expect(errs[0].Path).To(Equal("tasks[0].resourcePath"))
		Expect(errs[1].Path).To(Equal("tasks[0].subTasks[1].entry"))
		Expect(errs[1].Error()).To(ContainSubstring("tasks[0].subTasks[1].entry"))
	})

	It("should require at least one sub-task", func() {
		task := valid()
		task.SubTasks = nil

		errs := models.ValidateBatch([]models.Task{task})
		Expect(errs).To(HaveLen(1))
		Expect(errs[0].Path).To(Equal("tasks[0].subTasks"))
	})
})
