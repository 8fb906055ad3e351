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

package notify

import (
	"context"
	"net/http"
	"time"

	"github.com/h2non/gock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/backoff"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/config"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/models"
)

const hookHost = "http://fleet-hooks.local"

var _ = Describe("WebhookSink", func() {
	var (
		ctx    context.Context
		client *http.Client
		sink   *WebhookSink
	)

	BeforeEach(func() {
		ctx = context.Background()
		client = &http.Client{}
		gock.InterceptClient(client)

		sink = NewWebhookSink(config.NotifyConfig{WebhookURL: hookHost + "/notify"}).
			WithClient(client).
			WithRetrier(backoff.NewRetrier(3, 20*time.Millisecond))
		sink.Start()
	})

	AfterEach(func() {
		sink.Stop()
		gock.OffAll()
		gock.CleanUnmatchedRequest()
	})

	It("delivers a notification to the webhook", func() {
		gock.New(hookHost).
			Post("/notify").
			MatchHeader("Content-Type", "application/json").
			Reply(200)

		Expect(sink.Notify(ctx, Notification{
			Level:   LevelSuccess,
			Title:   "Task completed",
			Message: "daily finished on device emu-01",
		})).To(Succeed())

		Eventually(gock.IsDone, "2s", "50ms").Should(BeTrue())
	})

	It("retries a failing endpoint until it succeeds", func() {
		gock.New(hookHost).Post("/notify").Reply(500)
		gock.New(hookHost).Post("/notify").Reply(200)

		Expect(sink.Notify(ctx, Notification{Title: "Task failed"})).To(Succeed())

		Eventually(gock.IsDone, "3s", "50ms").Should(BeTrue())
	})

	It("does not retry a rejected payload", func() {
		gock.New(hookHost).Post("/notify").Reply(400)

		Expect(sink.Notify(ctx, Notification{Title: "Task canceled"})).To(Succeed())

		Eventually(gock.IsDone, "2s", "50ms").Should(BeTrue())
		Consistently(gock.GetUnmatchedRequests, "300ms", "50ms").Should(BeEmpty())
	})

	It("drops notifications when the queue overflows", func() {
		idle := NewWebhookSink(config.NotifyConfig{WebhookURL: hookHost + "/notify"}).
			WithClient(client).
			WithQueueCapacity(1)
		defer idle.Stop()

		Expect(idle.Notify(ctx, Notification{Title: "first"})).To(Succeed())
		Expect(idle.Notify(ctx, Notification{Title: "second"})).To(Succeed())

		Expect(idle.Dropped()).To(Equal(uint64(1)))
	})

	It("stops cleanly even when never started", func() {
		idle := NewWebhookSink(config.NotifyConfig{WebhookURL: hookHost + "/notify"})
		idle.Stop()
		idle.Stop()
	})
})

var _ = Describe("Notification mapping", func() {
	DescribeTable("task events",
		func(kind models.TaskEventKind, level Level, title string) {
			n := FromTaskEvent(models.TaskEvent{
				At:       time.Now(),
				Kind:     kind,
				DeviceID: "emu-01",
				TaskID:   "task-1",
				TaskName: "daily",
				Error:    "sub-task startup failed",
			})
			Expect(n.Level).To(Equal(level))
			Expect(n.Title).To(Equal(title))
			Expect(n.DeviceID).To(Equal("emu-01"))
			Expect(n.Message).To(ContainSubstring("daily"))
		},
		Entry("completed", models.TaskCompleted, LevelSuccess, "Task completed"),
		Entry("failed", models.TaskFailed, LevelError, "Task failed"),
		Entry("canceled", models.TaskCanceled, LevelWarning, "Task canceled"),
		Entry("started", models.TaskStarted, LevelInfo, "Task started"),
		Entry("submitted", models.TaskSubmitted, LevelInfo, "Task submitted"),
	)

	It("includes the failure reason for failed tasks", func() {
		n := FromTaskEvent(models.TaskEvent{
			Kind:  models.TaskFailed,
			Error: "no stamina left",
		})
		Expect(n.Message).To(ContainSubstring("no stamina left"))
	})

	It("grades schedule failures as errors", func() {
		n := FromScheduleEvent(models.ScheduleEvent{
			ScheduleID: "sched-1",
			Error:      "device vanished",
		})
		Expect(n.Level).To(Equal(LevelError))
		Expect(n.Message).To(ContainSubstring("device vanished"))

		fired := FromScheduleEvent(models.ScheduleEvent{ScheduleID: "sched-1", DeviceID: "emu-01"})
		Expect(fired.Level).To(Equal(LevelInfo))
		Expect(fired.Title).To(Equal("Schedule fired"))
	})
})
