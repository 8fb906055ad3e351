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

package control_test

import (
	"context"
	"errors"
	"sync/atomic"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/backoff"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/config"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/control"
)

// fakeSyncer counts sync calls and optionally fails them.
type fakeSyncer struct {
	calls   atomic.Int64
	changed int
	err     error
}

func (f *fakeSyncer) Sync(ctx context.Context) (int, error) {
	f.calls.Add(1)

	return f.changed, f.err
}

var _ = Describe("ControlLoop", func() {
	var (
		ctx    context.Context
		mock   *config.MockConfigManager
		syncer *fakeSyncer
		loop   *control.ControlLoop
	)

	BeforeEach(func() {
		ctx = context.Background()
		mock = config.NewMockConfigManager().WithConfig(config.FullConfig{
			Devices: []config.DeviceConfig{{ID: "emulator-5554"}},
		})
		syncer = &fakeSyncer{}
		loop = control.NewControlLoop(mock, syncer)
	})

	AfterEach(func() {
		loop.Stop()
	})

	Describe("Reconcile", func() {
		It("should load the config and sync the schedules", func() {
			Expect(loop.Reconcile(ctx, 1)).To(Succeed())
			Expect(mock.GetConfigCalled).To(BeTrue())
			Expect(syncer.calls.Load()).To(Equal(int64(1)))
		})

		It("should skip the cycle on a temporary config backoff", func() {
			mock.WithConfigError(backoff.NewTemporaryBackoffError(errors.New("fs hiccup")))

			Expect(loop.Reconcile(ctx, 1)).To(Succeed())
			Expect(syncer.calls.Load()).To(BeZero())
		})

		It("should stop the loop on a permanent config failure", func() {
			mock.WithConfigError(backoff.NewPermanentFailureError(errors.New("config unreadable")))

			err := loop.Reconcile(ctx, 1)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("permanently failed"))
			Expect(syncer.calls.Load()).To(BeZero())
		})

		It("should keep going on an unclassified config error", func() {
			mock.WithConfigError(errors.New("transient parse problem"))

			Expect(loop.Reconcile(ctx, 1)).To(Succeed())
			Expect(syncer.calls.Load()).To(BeZero())
		})

		It("should surface schedule sync failures", func() {
			syncer.err = errors.New("store gone")

			err := loop.Reconcile(ctx, 1)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("schedule sync failed"))
		})

		It("should respect an already cancelled context", func() {
			cancelled, cancel := context.WithCancel(ctx)
			cancel()

			err := loop.Reconcile(cancelled, 1)
			Expect(err).To(MatchError(context.Canceled))
		})
	})

	Describe("Execute", func() {
		It("should return cleanly when the context is cancelled", func() {
			execCtx, cancel := context.WithCancel(ctx)

			done := make(chan error, 1)
			go func() {
				done <- loop.Execute(execCtx)
			}()

			cancel()
			Eventually(done).Should(Receive(BeNil()))
		})

		It("should reconcile on every tick until stopped", func() {
			execCtx, cancel := context.WithCancel(ctx)
			defer cancel()

			done := make(chan error, 1)
			go func() {
				done <- loop.Execute(execCtx)
			}()

			Eventually(func() int64 {
				return syncer.calls.Load()
			}, "5s").Should(BeNumerically(">=", 2))

			cancel()
			Eventually(done).Should(Receive(BeNil()))
		})

		It("should stop with an error when the config permanently fails", func() {
			mock.WithConfigError(backoff.NewPermanentFailureError(errors.New("config unreadable")))

			done := make(chan error, 1)
			go func() {
				done <- loop.Execute(ctx)
			}()

			Eventually(done, "5s").Should(Receive(HaveOccurred()))
		})
	})
})
