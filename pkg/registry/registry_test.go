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

package registry_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/config"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/controller"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/engine"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/events"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/models"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/registry"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/service/emulator"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/standarderrors"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/watchdog"
)

func deviceCfg(id string) config.DeviceConfig {
	return config.DeviceConfig{
		ID:              id,
		Name:            "Emulator " + id,
		Address:         "127.0.0.1:16384",
		ConnectAttempts: 1,
	}
}

func batchTask(name, resourceDir string, entries ...string) models.Task {
	subTasks := make([]models.SubTaskSpec, len(entries))
	for i, entry := range entries {
		subTasks[i] = models.SubTaskSpec{Name: entry, Entry: entry}
	}

	return models.Task{
		Name:         name,
		ResourceID:   "arknights",
		ResourcePath: resourceDir,
		SubTasks:     subTasks,
	}
}

var _ = Describe("DeviceRegistry", func() {
	var (
		ctx         context.Context
		reg         *registry.DeviceRegistry
		bus         *events.Bus
		dog         *watchdog.FakeWatchdog
		controllers map[string]*controller.MockController
		engines     map[string]*engine.MockEngine
		connectErrs map[string]error
		built       *atomic.Int32
		resourceDir string
	)

	BeforeEach(func() {
		ctx = context.Background()
		bus = events.NewBus()
		dog = watchdog.NewFakeWatchdog()
		controllers = make(map[string]*controller.MockController)
		engines = make(map[string]*engine.MockEngine)
		connectErrs = make(map[string]error)
		built = new(atomic.Int32)
		resourceDir = GinkgoT().TempDir()

		// the factories run under the registry lock, so plain maps suffice;
		// the engine factory carries no device id and pairs up with the
		// controller built just before it
		var lastDeviceID string
		newController := func(cfg config.DeviceConfig) controller.Controller {
			built.Add(1)
			ctrl := controller.NewMockController()
			if err := connectErrs[cfg.ID]; err != nil {
				ctrl.ConnectError = err
			}
			controllers[cfg.ID] = ctrl
			lastDeviceID = cfg.ID

			return ctrl
		}
		newEngine := func() engine.Engine {
			eng := engine.NewMockEngine()
			engines[lastDeviceID] = eng

			return eng
		}

		reg = registry.NewDeviceRegistry(newController, newEngine).
			WithEmulatorService(emulator.NewMockService()).
			WithEventBus(bus).
			WithWatchdog(dog)
	})

	AfterEach(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		Expect(reg.StopAll(stopCtx)).To(Succeed())
	})

	create := func(id string) {
		existed, err := reg.CreateExecutor(ctx, deviceCfg(id))
		Expect(err).NotTo(HaveOccurred())
		Expect(existed).To(BeFalse())
	}

	When("creating executors", func() {
		It("should connect the device and register its executor", func() {
			create("emulator-5554")

			Expect(controllers["emulator-5554"].ConnectCount).To(Equal(1))
			Expect(controllers["emulator-5554"].CaptureCount).To(Equal(1))

			snapshot, err := reg.Snapshot("emulator-5554")
			Expect(err).NotTo(HaveOccurred())
			Expect(snapshot.Status).To(Equal(models.StatusConnected))
			Expect(snapshot.DeviceName).To(Equal("Emulator emulator-5554"))

			Expect(reg.Statistics().ActiveDevices).To(Equal(1))
			Eventually(func() bool {
				return dog.Registered("executor-emulator-5554")
			}, "2s", "10ms").Should(BeTrue())
		})

		It("should report an existing executor without reconnecting", func() {
			create("emulator-5554")

			existed, err := reg.CreateExecutor(ctx, deviceCfg("emulator-5554"))
			Expect(err).NotTo(HaveOccurred())
			Expect(existed).To(BeTrue())

			Expect(built.Load()).To(Equal(int32(1)))
			Expect(controllers["emulator-5554"].ConnectCount).To(Equal(1))
		})

		It("should leave no record behind when the device cannot be reached", func() {
			connectErrs["emulator-5554"] = errors.New("adb: device offline")

			existed, err := reg.CreateExecutor(ctx, deviceCfg("emulator-5554"))
			Expect(existed).To(BeFalse())
			Expect(err).To(MatchError(standarderrors.ErrConnectionFailed))
			Expect(err.Error()).To(ContainSubstring("emulator-5554"))

			Expect(reg.Statistics().ActiveDevices).To(BeZero())
			_, err = reg.SubmitTask("emulator-5554", []models.Task{batchTask("daily", resourceDir, "wake")})
			Expect(err).To(MatchError(standarderrors.ErrDeviceNotFound))

			// once the device is reachable a fresh create succeeds
			delete(connectErrs, "emulator-5554")
			create("emulator-5554")
			Expect(reg.Statistics().ActiveDevices).To(Equal(1))
		})

		It("should yield exactly one executor when creates race", func() {
			var wg sync.WaitGroup
			outcomes := make(chan bool, 8)
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer GinkgoRecover()
					existed, err := reg.CreateExecutor(ctx, deviceCfg("emulator-5554"))
					Expect(err).NotTo(HaveOccurred())
					outcomes <- existed
				}()
			}
			wg.Wait()
			close(outcomes)

			fresh := 0
			for existed := range outcomes {
				if !existed {
					fresh++
				}
			}
			Expect(fresh).To(Equal(1))
			Expect(built.Load()).To(Equal(int32(1)))
			Expect(controllers["emulator-5554"].ConnectCount).To(Equal(1))
			Expect(reg.Statistics().ActiveDevices).To(Equal(1))
		})

		It("should reject a device config without an id", func() {
			_, err := reg.CreateExecutor(ctx, config.DeviceConfig{Name: "nameless"})
			Expect(err).To(HaveOccurred())
		})
	})

	When("routing task operations", func() {
		var eng *engine.MockEngine

		BeforeEach(func() {
			create("emulator-5554")
			eng = engines["emulator-5554"]
		})

		It("should submit a batch and resolve its results later", func() {
			ids, err := reg.SubmitTask("emulator-5554", []models.Task{batchTask("daily", resourceDir, "wake", "fight")})
			Expect(err).NotTo(HaveOccurred())
			Expect(ids).To(HaveLen(1))

			Eventually(func() bool {
				_, ok := reg.TaskResult(ids[0])
				return ok
			}, "5s", "10ms").Should(BeTrue())

			result, _ := reg.TaskResult(ids[0])
			Expect(result.Status).To(Equal(models.StatusCompleted))
			Expect(result.DeviceID).To(Equal("emulator-5554"))
			Expect(result.TaskName).To(Equal("daily"))
			Expect(eng.Entries()).To(Equal([]string{"wake", "fight"}))
		})

		It("should refuse every operation for an unknown device", func() {
			_, err := reg.SubmitTask("emulator-9999", []models.Task{batchTask("daily", resourceDir, "wake")})
			Expect(err).To(MatchError(standarderrors.ErrDeviceNotFound))

			Expect(reg.CancelTask("emulator-9999", "some-task")).To(BeFalse())
			Expect(reg.PauseDevice(ctx, "emulator-9999")).To(MatchError(standarderrors.ErrDeviceNotFound))
			Expect(reg.ResumeDevice(ctx, "emulator-9999")).To(MatchError(standarderrors.ErrDeviceNotFound))

			_, err = reg.GetQueueLength("emulator-9999")
			Expect(err).To(MatchError(standarderrors.ErrDeviceNotFound))
			_, err = reg.Snapshot("emulator-9999")
			Expect(err).To(MatchError(standarderrors.ErrDeviceNotFound))
		})

		It("should roll task outcomes into the statistics", func() {
			eng.WithFailingEntry("fight", "stage failed: 3 stars required")

			_, err := reg.SubmitTask("emulator-5554", []models.Task{
				batchTask("wake-up", resourceDir, "wake"),
				batchTask("raid", resourceDir, "fight"),
			})
			Expect(err).NotTo(HaveOccurred())

			stats := reg.Statistics()
			Expect(stats.TasksSubmitted).To(Equal(uint64(2)))

			Eventually(func() uint64 {
				stats := reg.Statistics()
				return stats.TasksCompleted + stats.TasksFailed
			}, "5s", "10ms").Should(Equal(uint64(2)))

			stats = reg.Statistics()
			Expect(stats.TasksCompleted).To(Equal(uint64(1)))
			Expect(stats.TasksFailed).To(Equal(uint64(1)))
			Expect(stats.Devices).To(HaveLen(1))

			row := stats.Devices[0]
			Expect(row.DeviceID).To(Equal("emulator-5554"))
			Expect(row.DeviceName).To(Equal("Emulator emulator-5554"))
			Expect(row.TaskCount).To(Equal(uint64(2)))
			Expect(row.CreatedAt.IsZero()).To(BeFalse())
			Expect(row.LastTaskTime.IsZero()).To(BeFalse())
			Expect(row.QueueLength).To(BeZero())
		})

		It("should cancel tasks wherever they currently are", func() {
			eng.EntryDelays["grind"] = 10 * time.Second

			blockerIDs, err := reg.SubmitTask("emulator-5554", []models.Task{batchTask("nightly", resourceDir, "grind")})
			Expect(err).NotTo(HaveOccurred())
			Eventually(func() models.DeviceStatus {
				snapshot, _ := reg.Snapshot("emulator-5554")
				return snapshot.Status
			}, "5s", "10ms").Should(Equal(models.StatusRunning))

			victimIDs, err := reg.SubmitTask("emulator-5554", []models.Task{batchTask("daily", resourceDir, "wake")})
			Expect(err).NotTo(HaveOccurred())

			length, err := reg.GetQueueLength("emulator-5554")
			Expect(err).NotTo(HaveOccurred())
			Expect(length).To(Equal(1))

			Expect(reg.CancelTask("emulator-5554", victimIDs[0])).To(BeTrue())
			result, ok := reg.TaskResult(victimIDs[0])
			Expect(ok).To(BeTrue())
			Expect(result.Status).To(Equal(models.StatusCanceled))
			Expect(reg.CancelTask("emulator-5554", victimIDs[0])).To(BeFalse())

			Expect(reg.CancelTask("emulator-5554", blockerIDs[0])).To(BeTrue())
			Eventually(func() models.DeviceStatus {
				result, ok := reg.TaskResult(blockerIDs[0])
				if !ok {
					return ""
				}
				return result.Status
			}, "5s", "10ms").Should(Equal(models.StatusCanceled))
		})

		It("should pause and resume a running device", func() {
			eng.WithEntryDelay(400 * time.Millisecond)

			ids, err := reg.SubmitTask("emulator-5554", []models.Task{batchTask("daily", resourceDir, "wake", "fight", "collect")})
			Expect(err).NotTo(HaveOccurred())

			Eventually(func() models.DeviceStatus {
				snapshot, _ := reg.Snapshot("emulator-5554")
				return snapshot.Status
			}, "5s", "10ms").Should(Equal(models.StatusRunning))

			Expect(reg.PauseDevice(ctx, "emulator-5554")).To(Succeed())
			snapshot, err := reg.Snapshot("emulator-5554")
			Expect(err).NotTo(HaveOccurred())
			Expect(snapshot.Status).To(Equal(models.StatusPaused))

			Expect(reg.ResumeDevice(ctx, "emulator-5554")).To(Succeed())
			Eventually(func() models.DeviceStatus {
				result, ok := reg.TaskResult(ids[0])
				if !ok {
					return ""
				}
				return result.Status
			}, "10s", "10ms").Should(Equal(models.StatusCompleted))
		})
	})

	When("stopping executors", func() {
		It("should remove the executor but keep its results resolvable", func() {
			create("emulator-5554")

			ids, err := reg.SubmitTask("emulator-5554", []models.Task{batchTask("daily", resourceDir, "wake")})
			Expect(err).NotTo(HaveOccurred())
			Eventually(func() bool {
				_, ok := reg.TaskResult(ids[0])
				return ok
			}, "5s", "10ms").Should(BeTrue())

			Expect(reg.StopExecutor(ctx, "emulator-5554")).To(BeTrue())
			Expect(controllers["emulator-5554"].DisconnectCalled).To(BeTrue())
			Expect(reg.Statistics().ActiveDevices).To(BeZero())
			Expect(reg.StopExecutor(ctx, "emulator-5554")).To(BeFalse())

			result, ok := reg.TaskResult(ids[0])
			Expect(ok).To(BeTrue())
			Expect(result.Status).To(Equal(models.StatusCompleted))

			_, err = reg.SubmitTask("emulator-5554", []models.Task{batchTask("daily", resourceDir, "wake")})
			Expect(err).To(MatchError(standarderrors.ErrDeviceNotFound))

			// a stopped device can be brought back fresh
			create("emulator-5554")
			Expect(reg.Statistics().ActiveDevices).To(Equal(1))
		})

		It("should flush queued tasks as canceled when stopping", func() {
			create("emulator-5554")
			eng := engines["emulator-5554"]
			eng.EntryDelays["grind"] = 10 * time.Second

			_, err := reg.SubmitTask("emulator-5554", []models.Task{batchTask("nightly", resourceDir, "grind")})
			Expect(err).NotTo(HaveOccurred())
			Eventually(func() models.DeviceStatus {
				snapshot, _ := reg.Snapshot("emulator-5554")
				return snapshot.Status
			}, "5s", "10ms").Should(Equal(models.StatusRunning))

			queuedIDs, err := reg.SubmitTask("emulator-5554", []models.Task{
				batchTask("daily", resourceDir, "wake"),
				batchTask("mail", resourceDir, "collect"),
			})
			Expect(err).NotTo(HaveOccurred())

			Expect(reg.StopExecutor(ctx, "emulator-5554")).To(BeTrue())

			for _, id := range queuedIDs {
				result, ok := reg.TaskResult(id)
				Expect(ok).To(BeTrue())
				Expect(result.Status).To(Equal(models.StatusCanceled))
			}
			Expect(reg.Statistics().TasksCanceled).To(BeNumerically(">=", 2))
		})

		It("should stop every executor concurrently on StopAll", func() {
			create("emulator-5554")
			create("emulator-5556")
			create("emulator-5558")
			Expect(reg.Statistics().ActiveDevices).To(Equal(3))

			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			Expect(reg.StopAll(stopCtx)).To(Succeed())

			Expect(reg.Statistics().ActiveDevices).To(BeZero())
			for _, id := range []string{"emulator-5554", "emulator-5556", "emulator-5558"} {
				Expect(controllers[id].DisconnectCalled).To(BeTrue())
			}

			Expect(reg.StopAll(stopCtx)).To(Succeed())
		})
	})

	When("bridging device state onto the bus", func() {
		It("should publish every transition and task event", func() {
			ch, unsubscribe := bus.Subscribe()
			defer unsubscribe()

			create("emulator-5554")
			ids, err := reg.SubmitTask("emulator-5554", []models.Task{batchTask("daily", resourceDir, "wake")})
			Expect(err).NotTo(HaveOccurred())

			var statuses []models.DeviceStatus
			var taskKinds []models.TaskEventKind
			collect := func() []models.DeviceStatus {
				for {
					select {
					case evt := <-ch:
						switch evt.Kind {
						case events.KindState:
							if evt.State.OldStatus != evt.State.NewStatus {
								statuses = append(statuses, evt.State.NewStatus)
							}
						case events.KindTask:
							if evt.Task.TaskID == ids[0] {
								taskKinds = append(taskKinds, evt.Task.Kind)
							}
						}
					default:
						return statuses
					}
				}
			}

			Eventually(collect, "5s", "10ms").Should(Equal([]models.DeviceStatus{
				models.StatusConnecting, models.StatusConnected,
				models.StatusPreparing, models.StatusRunning,
				models.StatusCompleted, models.StatusConnected,
			}))
			Expect(taskKinds).To(Equal([]models.TaskEventKind{
				models.TaskSubmitted, models.TaskStarted, models.TaskCompleted,
			}))
		})
	})
})
