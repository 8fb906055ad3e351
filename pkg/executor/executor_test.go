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

package executor_test

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/config"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/constants"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/controller"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/engine"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/events"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/executor"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/models"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/service/emulator"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/standarderrors"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/watchdog"
)

var _ = Describe("TaskExecutor queue", func() {
	var (
		ctx         context.Context
		cfg         config.DeviceConfig
		ctrl        *controller.MockController
		eng         *engine.MockEngine
		emu         *emulator.MockService
		recorder    *resultRecorder
		exec        *executor.TaskExecutor
		resourceDir string
	)

	BeforeEach(func() {
		ctx = context.Background()
		cfg = config.DeviceConfig{ID: "emulator-5554", Name: "mumu-main", Address: "127.0.0.1:16384"}
		ctrl = controller.NewMockController()
		eng = engine.NewMockEngine()
		emu = emulator.NewMockService()
		recorder = &resultRecorder{}
		resourceDir = GinkgoT().TempDir()

		exec = executor.NewTaskExecutor(cfg, ctrl, eng).
			WithEmulatorService(emu).
			WithResultHook(recorder.record)
	})

	AfterEach(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		Expect(exec.Stop(stopCtx)).To(Succeed())
	})

	It("should execute a submitted batch and return the assigned ids", func() {
		exec.Start()

		ids, err := exec.Submit([]models.Task{testTask("", resourceDir, "wake")})
		Expect(err).NotTo(HaveOccurred())
		Expect(ids).To(HaveLen(1))
		_, err = uuid.Parse(ids[0])
		Expect(err).NotTo(HaveOccurred())

		Eventually(recorder.count, "2s", "10ms").Should(Equal(1))
		result, ok := recorder.byID(ids[0])
		Expect(ok).To(BeTrue())
		Expect(result.Status).To(Equal(models.StatusCompleted))
		Expect(result.DeviceID).To(Equal("emulator-5554"))

		Eventually(exec.State, "2s", "10ms").Should(Equal(models.StatusConnected))
		Expect(exec.QueueLength()).To(BeZero())
	})

	It("should reject an empty batch", func() {
		_, err := exec.Submit(nil)
		Expect(err).To(HaveOccurred())
	})

	It("should run submissions strictly in order", func() {
		eng.WithEntryDelay(10 * time.Millisecond)
		exec.Start()

		var submitted []string
		for i := 0; i < 5; i++ {
			ids, err := exec.Submit([]models.Task{testTask("", resourceDir, fmt.Sprintf("entry-%d", i))})
			Expect(err).NotTo(HaveOccurred())
			submitted = append(submitted, ids[0])
		}

		Eventually(recorder.count, "5s", "10ms").Should(Equal(5))

		finished := make([]string, 0, 5)
		for _, res := range recorder.all() {
			Expect(res.Status).To(Equal(models.StatusCompleted))
			finished = append(finished, res.TaskID)
		}
		Expect(finished).To(Equal(submitted))
		Expect(eng.Entries()).To(Equal([]string{"entry-0", "entry-1", "entry-2", "entry-3", "entry-4"}))
	})

	It("should reject submissions beyond the queue capacity", func() {
		eng.WithEntryDelay(10 * time.Second)
		exec.Start()

		_, err := exec.Submit([]models.Task{testTask("", resourceDir, "blocker")})
		Expect(err).NotTo(HaveOccurred())
		Eventually(eng.Entries, "2s", "10ms").Should(HaveLen(1))

		filler := make([]models.Task, constants.TaskQueueCapacity)
		for i := range filler {
			filler[i] = testTask("", resourceDir, "queued")
		}
		_, err = exec.Submit(filler)
		Expect(err).NotTo(HaveOccurred())

		_, err = exec.Submit([]models.Task{testTask("", resourceDir, "overflow")})
		Expect(err).To(MatchError(ContainSubstring("queue for device emulator-5554 is full")))
	})

	It("should cancel a queued task before it ever runs", func() {
		eng.WithEntryDelay(10 * time.Second)
		exec.Start()

		_, err := exec.Submit([]models.Task{testTask("", resourceDir, "blocker")})
		Expect(err).NotTo(HaveOccurred())
		Eventually(eng.Entries, "2s", "10ms").Should(HaveLen(1))

		ids, err := exec.Submit([]models.Task{testTask("", resourceDir, "never-runs")})
		Expect(err).NotTo(HaveOccurred())
		Expect(exec.QueueLength()).To(Equal(1))

		Expect(exec.CancelTask(ids[0])).To(BeTrue())
		Expect(exec.QueueLength()).To(BeZero())

		result, ok := recorder.byID(ids[0])
		Expect(ok).To(BeTrue())
		Expect(result.Status).To(Equal(models.StatusCanceled))
		Expect(eng.Entries()).To(Equal([]string{"blocker"}))
	})

	It("should return false when canceling an unknown task", func() {
		Expect(exec.CancelTask("not-a-task")).To(BeFalse())
	})

	It("should flush the queue and disconnect on stop", func() {
		eng.WithEntryDelay(10 * time.Second)
		exec.Start()

		active, err := exec.Submit([]models.Task{testTask("", resourceDir, "blocker")})
		Expect(err).NotTo(HaveOccurred())
		Eventually(eng.Entries, "2s", "10ms").Should(HaveLen(1))

		queued, err := exec.Submit([]models.Task{testTask("", resourceDir, "never-runs")})
		Expect(err).NotTo(HaveOccurred())

		stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		Expect(exec.Stop(stopCtx)).To(Succeed())

		Expect(eng.PostStopCalled).To(BeTrue())
		Expect(ctrl.DisconnectCalled).To(BeTrue())
		Expect(exec.State()).To(Equal(models.StatusDisconnected))

		activeResult, ok := recorder.byID(active[0])
		Expect(ok).To(BeTrue())
		Expect(activeResult.Status).To(Equal(models.StatusCanceled))

		queuedResult, ok := recorder.byID(queued[0])
		Expect(ok).To(BeTrue())
		Expect(queuedResult.Status).To(Equal(models.StatusCanceled))
	})

	It("should reject submissions after the executor stopped", func() {
		exec.Start()

		stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		Expect(exec.Stop(stopCtx)).To(Succeed())

		_, err := exec.Submit([]models.Task{testTask("", resourceDir, "late")})
		Expect(err).To(MatchError(standarderrors.ErrExecutorRemoved))
	})

	It("should stop idempotently", func() {
		exec.Start()

		stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		Expect(exec.Stop(stopCtx)).To(Succeed())
		Expect(exec.Stop(stopCtx)).To(Succeed())
	})

	It("should publish the task event sequence on the bus", func() {
		bus := events.NewBus()
		ch, unsubscribe := bus.Subscribe()
		defer unsubscribe()

		exec = executor.NewTaskExecutor(cfg, ctrl, eng).
			WithEmulatorService(emu).
			WithResultHook(recorder.record).
			WithEventBus(bus)
		exec.Start()

		ids, err := exec.Submit([]models.Task{testTask("", resourceDir, "wake")})
		Expect(err).NotTo(HaveOccurred())
		Eventually(recorder.count, "2s", "10ms").Should(Equal(1))

		var kinds []models.TaskEventKind
		collect := func() []models.TaskEventKind {
			for {
				select {
				case evt := <-ch:
					if evt.Kind == events.KindTask && evt.Task.TaskID == ids[0] {
						kinds = append(kinds, evt.Task.Kind)
					}
				default:
					return kinds
				}
			}
		}
		Eventually(collect, "2s", "10ms").Should(Equal([]models.TaskEventKind{
			models.TaskSubmitted, models.TaskStarted, models.TaskCompleted,
		}))
	})

	It("should feed the watchdog while running and unregister on stop", func() {
		dog := watchdog.NewFakeWatchdog()
		exec = executor.NewTaskExecutor(cfg, ctrl, eng).
			WithEmulatorService(emu).
			WithResultHook(recorder.record).
			WithWatchdog(dog)
		exec.Start()

		name := "executor-emulator-5554"
		Eventually(func() bool { return dog.Registered(name) }, "2s", "10ms").Should(BeTrue())
		Eventually(func() int { return dog.Reports(name) }, "2s", "10ms").Should(BeNumerically(">", 0))

		stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		Expect(exec.Stop(stopCtx)).To(Succeed())
		Eventually(func() bool { return dog.Registered(name) }, "2s", "10ms").Should(BeFalse())
	})
})
