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
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/config"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/controller"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/engine"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/executor"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/models"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/pipeline"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/service/emulator"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/service/supervisor"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/standarderrors"
)

// resultRecorder collects terminal task results in arrival order.
type resultRecorder struct {
	mu      sync.Mutex
	results []models.TaskResult
}

func (r *resultRecorder) record(result models.TaskResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, result)
}

func (r *resultRecorder) all() []models.TaskResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.TaskResult, len(r.results))
	copy(out, r.results)
	return out
}

func (r *resultRecorder) byID(taskID string) (models.TaskResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, res := range r.results {
		if res.TaskID == taskID {
			return res, true
		}
	}
	return models.TaskResult{}, false
}

func (r *resultRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.results)
}

func testTask(id, resourceDir string, entries ...string) models.Task {
	subs := make([]models.SubTaskSpec, len(entries))
	for i, entry := range entries {
		subs[i] = models.SubTaskSpec{Name: entry, Entry: entry}
	}
	return models.Task{
		CreatedAt:    time.Now(),
		ID:           id,
		DeviceID:     "emulator-5554",
		Name:         "daily-" + id,
		ResourceID:   "arknights",
		ResourcePath: resourceDir,
		SubTasks:     subs,
	}
}

var _ = Describe("RunTaskLifecycle", func() {
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
		Expect(os.WriteFile(filepath.Join(resourceDir, "interface.json"), []byte(`{}`), 0o644)).To(Succeed())
	})

	JustBeforeEach(func() {
		exec = executor.NewTaskExecutor(cfg, ctrl, eng).
			WithEmulatorService(emu).
			WithResultHook(recorder.record)
	})

	It("should connect, run every sub-task in order and complete the task", func() {
		eng.Results["collect"] = pipeline.Document{"stars": pipeline.Int(3)}

		exec.RunTaskLifecycle(ctx, []models.Task{testTask("t1", resourceDir, "wake", "fight", "collect")})

		Expect(ctrl.ConnectCalled).To(BeTrue())
		Expect(eng.Entries()).To(Equal([]string{"wake", "fight", "collect"}))

		results := recorder.all()
		Expect(results).To(HaveLen(1))
		Expect(results[0].Succeeded()).To(BeTrue())
		Expect(results[0].Payload).To(HaveKeyWithValue("stars", pipeline.Int(3)))
		Expect(results[0].FinishedAt).To(BeTemporally(">=", results[0].StartedAt))

		// idle again, with the finished task still visible in the context
		Expect(exec.State()).To(Equal(models.StatusConnected))
		snapshot := exec.Snapshot()
		Expect(snapshot.Progress).To(Equal(100.0))
		Expect(snapshot.ActiveTaskID).To(Equal("t1"))
	})

	It("should report every task failed when connection setup fails", func() {
		cfg.ConnectAttempts = 1
		ctrl.ConnectError = errors.New("adb: device offline")
		// cfg is captured by value in JustBeforeEach, so rebuild with the
		// reduced attempt count.
		exec = executor.NewTaskExecutor(cfg, ctrl, eng).
			WithEmulatorService(emu).
			WithResultHook(recorder.record)

		exec.RunTaskLifecycle(ctx, []models.Task{
			testTask("t1", resourceDir, "wake"),
			testTask("t2", resourceDir, "fight"),
		})

		Expect(eng.PostTaskCalled).To(BeFalse())
		Expect(exec.State()).To(Equal(models.StatusError))
		Expect(exec.Snapshot().ErrorMessage).To(ContainSubstring("connection failed after 1 attempts"))

		results := recorder.all()
		Expect(results).To(HaveLen(2))
		for _, res := range results {
			Expect(res.Status).To(Equal(models.StatusFailed))
			Expect(res.Error).To(ContainSubstring("connection setup failed"))
		}
	})

	It("should fail the task on the first failing sub-task and skip the rest", func() {
		eng.WithFailingEntry("fight", "sanity depleted")

		exec.RunTaskLifecycle(ctx, []models.Task{testTask("t1", resourceDir, "wake", "fight", "collect")})

		Expect(eng.Entries()).To(Equal([]string{"wake", "fight"}))

		result, ok := recorder.byID("t1")
		Expect(ok).To(BeTrue())
		Expect(result.Status).To(Equal(models.StatusFailed))
		Expect(result.Error).To(ContainSubstring("sanity depleted"))

		// post-run cleanup returns the device to idle
		Expect(exec.State()).To(Equal(models.StatusConnected))
	})

	It("should run the remaining tasks of a batch after one fails", func() {
		eng.WithFailingEntry("fight", "sanity depleted")

		exec.RunTaskLifecycle(ctx, []models.Task{
			testTask("t1", resourceDir, "fight"),
			testTask("t2", resourceDir, "collect"),
		})

		first, ok := recorder.byID("t1")
		Expect(ok).To(BeTrue())
		Expect(first.Status).To(Equal(models.StatusFailed))

		second, ok := recorder.byID("t2")
		Expect(ok).To(BeTrue())
		Expect(second.Status).To(Equal(models.StatusCompleted))
	})

	It("should stop the engine and report canceled when the batch is canceled mid-run", func() {
		eng.WithEntryDelay(5 * time.Second)
		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		done := make(chan struct{})
		go func() {
			defer GinkgoRecover()
			defer close(done)
			exec.RunTaskLifecycle(runCtx, []models.Task{testTask("t1", resourceDir, "wake")})
		}()

		Eventually(eng.Entries, "2s", "10ms").Should(HaveLen(1))
		cancel()
		Eventually(done, "2s").Should(BeClosed())

		Expect(eng.PostStopCalled).To(BeTrue())
		result, ok := recorder.byID("t1")
		Expect(ok).To(BeTrue())
		Expect(result.Status).To(Equal(models.StatusCanceled))
		Expect(result.Error).To(Equal(standarderrors.ErrTaskCanceled.Error()))
		Expect(exec.State()).To(Equal(models.StatusConnected))
	})

	It("should cancel the active task but let the rest of the batch continue", func() {
		eng.EntryDelays["one"] = 5 * time.Second

		done := make(chan struct{})
		go func() {
			defer GinkgoRecover()
			defer close(done)
			exec.RunTaskLifecycle(ctx, []models.Task{
				testTask("t1", resourceDir, "one"),
				testTask("t2", resourceDir, "two"),
			})
		}()

		Eventually(eng.Entries, "2s", "10ms").Should(ContainElement("one"))
		Expect(exec.CancelTask("t1")).To(BeTrue())
		Eventually(done, "2s").Should(BeClosed())

		first, ok := recorder.byID("t1")
		Expect(ok).To(BeTrue())
		Expect(first.Status).To(Equal(models.StatusCanceled))

		second, ok := recorder.byID("t2")
		Expect(ok).To(BeTrue())
		Expect(second.Status).To(Equal(models.StatusCompleted))
	})

	It("should report the remaining tasks canceled when the batch dies early", func() {
		eng.WithEntryDelay(5 * time.Second)
		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		done := make(chan struct{})
		go func() {
			defer GinkgoRecover()
			defer close(done)
			exec.RunTaskLifecycle(runCtx, []models.Task{
				testTask("t1", resourceDir, "one"),
				testTask("t2", resourceDir, "two"),
				testTask("t3", resourceDir, "three"),
			})
		}()

		Eventually(eng.Entries, "2s", "10ms").Should(HaveLen(1))
		cancel()
		Eventually(done, "2s").Should(BeClosed())

		Eventually(recorder.count, "1s").Should(Equal(3))
		for _, id := range []string{"t1", "t2", "t3"} {
			result, ok := recorder.byID(id)
			Expect(ok).To(BeTrue(), "missing result for %s", id)
			Expect(result.Status).To(Equal(models.StatusCanceled))
		}
		Expect(eng.Entries()).To(HaveLen(1))
	})

	When("pausing between sub-tasks", func() {
		It("should hold the next sub-task until resumed", func() {
			eng.EntryDelays["first"] = 300 * time.Millisecond

			done := make(chan struct{})
			go func() {
				defer GinkgoRecover()
				defer close(done)
				exec.RunTaskLifecycle(ctx, []models.Task{testTask("t1", resourceDir, "first", "second")})
			}()

			Eventually(eng.Entries, "2s", "10ms").Should(HaveLen(1))
			Expect(exec.Pause(ctx)).To(Succeed())

			// the first job finishes, but the gate holds the second back
			Consistently(eng.Entries, "700ms", "50ms").Should(HaveLen(1))
			Expect(exec.State()).To(Equal(models.StatusPaused))

			Expect(exec.Resume(ctx)).To(Succeed())
			Eventually(eng.Entries, "2s", "10ms").Should(HaveLen(2))
			Eventually(done, "2s").Should(BeClosed())

			result, ok := recorder.byID("t1")
			Expect(ok).To(BeTrue())
			Expect(result.Status).To(Equal(models.StatusCompleted))
		})

		It("should reject pausing a device that is not running", func() {
			Expect(exec.Pause(ctx)).NotTo(Succeed())
		})
	})

	When("the resource declares an agent process", func() {
		var (
			agentSup  *supervisor.MockService
			built     int
			resources *config.MockConfigManager
		)

		BeforeEach(func() {
			agentSup = supervisor.NewMockService()
			built = 0

			resources = config.NewMockConfigManager()
			resources.Config = config.FullConfig{
				Resources: []config.ResourceConfig{{
					ID:   "arknights",
					Root: resourceDir,
					Agent: &config.AgentProcessConfig{
						Command:   "maa-agent",
						Args:      []string{"--socket", "/tmp/maa.sock"},
						ReadyLine: "agent ready",
					},
				}},
			}
		})

		JustBeforeEach(func() {
			exec = executor.NewTaskExecutor(cfg, ctrl, eng).
				WithEmulatorService(emu).
				WithResultHook(recorder.record).
				WithResourceLookup(resources).
				WithSupervisorFactory(func(agentID string, agentCfg config.AgentProcessConfig) supervisor.Service {
					built++
					return agentSup
				})
		})

		It("should start the agent, wait for the handshake and shut it down in cleanup", func() {
			exec.RunTaskLifecycle(ctx, []models.Task{testTask("t1", resourceDir, "wake")})

			Expect(agentSup.StartCalled).To(BeTrue())
			Expect(agentSup.StartedCommand).To(Equal("maa-agent"))
			Expect(agentSup.StartedArgs).To(Equal([]string{"--socket", "/tmp/maa.sock"}))
			Expect(agentSup.WaitReadyCalled).To(BeTrue())
			Expect(agentSup.ShutdownCalled).To(BeTrue())

			result, ok := recorder.byID("t1")
			Expect(ok).To(BeTrue())
			Expect(result.Status).To(Equal(models.StatusCompleted))
		})

		It("should reuse the live agent across tasks of the same batch", func() {
			exec.RunTaskLifecycle(ctx, []models.Task{
				testTask("t1", resourceDir, "wake"),
				testTask("t2", resourceDir, "fight"),
			})

			Expect(built).To(Equal(1))
			Expect(agentSup.ShutdownCount).To(Equal(1))
			Expect(recorder.count()).To(Equal(2))
		})

		It("should replace an agent whose process died between tasks", func() {
			agentSup.MarkExited()

			exec.RunTaskLifecycle(ctx, []models.Task{
				testTask("t1", resourceDir, "wake"),
				testTask("t2", resourceDir, "fight"),
			})

			// the dead agent is reaped and a fresh one is built for the next task
			Expect(built).To(Equal(2))
			Expect(recorder.count()).To(Equal(2))
		})

		It("should fail the task when the agent handshake fails", func() {
			agentSup.WithWaitReadyError(standarderrors.ErrHandshakeTimeout)

			exec.RunTaskLifecycle(ctx, []models.Task{testTask("t1", resourceDir, "wake")})

			Expect(eng.PostTaskCalled).To(BeFalse())
			Expect(agentSup.ShutdownCalled).To(BeTrue())

			result, ok := recorder.byID("t1")
			Expect(ok).To(BeTrue())
			Expect(result.Status).To(Equal(models.StatusFailed))
			Expect(result.Error).To(ContainSubstring("handshake"))
		})

		It("should fail the task when the resource is no longer configured", func() {
			resources.Config = config.FullConfig{}

			exec.RunTaskLifecycle(ctx, []models.Task{testTask("t1", resourceDir, "wake")})

			result, ok := recorder.byID("t1")
			Expect(ok).To(BeTrue())
			Expect(result.Status).To(Equal(models.StatusFailed))
			Expect(result.Error).To(ContainSubstring(`looking up resource "arknights"`))
		})
	})

	When("binding resource bundles", func() {
		It("should bind once for consecutive tasks sharing an unchanged bundle", func() {
			exec.RunTaskLifecycle(ctx, []models.Task{
				testTask("t1", resourceDir, "wake"),
				testTask("t2", resourceDir, "fight"),
			})

			Expect(eng.BindCount).To(Equal(1))
		})

		It("should keep the binding across runs while the bundle is unchanged", func() {
			exec.RunTaskLifecycle(ctx, []models.Task{testTask("t1", resourceDir, "wake")})
			exec.RunTaskLifecycle(ctx, []models.Task{testTask("t2", resourceDir, "fight")})

			Expect(eng.BindCount).To(Equal(1))
		})

		It("should rebind when the bundle changed on disk", func() {
			bundleFile := filepath.Join(resourceDir, "interface.json")
			past := time.Now().Add(-time.Hour)
			Expect(os.Chtimes(bundleFile, past, past)).To(Succeed())

			exec.RunTaskLifecycle(ctx, []models.Task{testTask("t1", resourceDir, "wake")})

			now := time.Now()
			Expect(os.Chtimes(bundleFile, now, now)).To(Succeed())

			exec.RunTaskLifecycle(ctx, []models.Task{testTask("t2", resourceDir, "fight")})

			Expect(eng.BindCount).To(Equal(2))
		})

		It("should fail the task when the bundle path does not exist", func() {
			exec.RunTaskLifecycle(ctx, []models.Task{testTask("t1", filepath.Join(resourceDir, "missing"), "wake")})

			result, ok := recorder.byID("t1")
			Expect(ok).To(BeTrue())
			Expect(result.Status).To(Equal(models.StatusFailed))
			Expect(result.Error).To(ContainSubstring("fingerprinting resource"))
			Expect(eng.BindResourceCalled).To(BeFalse())
		})
	})

	When("the device closes after runs", func() {
		BeforeEach(func() {
			cfg.StartCommand = "MuMuPlayer.exe -v 3"
			cfg.CloseAfterRun = true
		})

		It("should kill the emulator tree and disconnect once the queue drains", func() {
			exec.RunTaskLifecycle(ctx, []models.Task{testTask("t1", resourceDir, "wake")})

			Expect(emu.EnsureRunningCalled).To(BeTrue())
			Expect(emu.KilledPids).To(ContainElement(int32(31337)))
			Expect(ctrl.DisconnectCalled).To(BeTrue())
			Expect(exec.State()).To(Equal(models.StatusDisconnected))

			result, ok := recorder.byID("t1")
			Expect(ok).To(BeTrue())
			Expect(result.Status).To(Equal(models.StatusCompleted))
		})
	})
})
