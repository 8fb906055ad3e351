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

package backoff_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/backoff"
)

var _ = Describe("Retrier", func() {
	It("stops after the first successful attempt", func() {
		attempts := 0
		r := backoff.NewRetrier(3, time.Millisecond)

		err := r.Do(context.Background(), func() error {
			attempts++

			return nil
		}, nil)

		Expect(err).NotTo(HaveOccurred())
		Expect(attempts).To(Equal(1))
	})

	It("retries up to the attempt bound and returns the last error", func() {
		attempts := 0
		lastErr := errors.New("controller unreachable") //nolint:err113 // Test needs dynamic error
		r := backoff.NewRetrier(3, time.Millisecond)

		err := r.Do(context.Background(), func() error {
			attempts++

			return lastErr
		}, nil)

		Expect(err).To(MatchError(lastErr))
		Expect(attempts).To(Equal(3))
	})

	It("invokes notify between attempts but not after the last one", func() {
		notifications := 0
		r := backoff.NewRetrier(3, time.Millisecond)

		_ = r.Do(context.Background(), func() error {
			return errors.New("still failing") //nolint:err113 // Test needs dynamic error
		}, func(err error, next time.Duration) {
			notifications++
			Expect(err).To(HaveOccurred())
		})

		Expect(notifications).To(Equal(2))
	})

	It("stops immediately on a permanent error", func() {
		attempts := 0
		r := backoff.NewRetrier(5, time.Millisecond)

		err := r.Do(context.Background(), func() error {
			attempts++

			return backoff.Permanent(errors.New("executable missing")) //nolint:err113 // Test needs dynamic error
		}, nil)

		Expect(err).To(HaveOccurred())
		Expect(attempts).To(Equal(1))
	})

	It("aborts when the context is cancelled", func() {
		ctx, cancel := context.WithCancel(context.Background())
		attempts := 0
		r := backoff.NewRetrier(10, 50*time.Millisecond)

		err := r.Do(ctx, func() error {
			attempts++
			if attempts == 2 {
				cancel()
			}

			return errors.New("not yet") //nolint:err113 // Test needs dynamic error
		}, nil)

		Expect(err).To(HaveOccurred())
		Expect(attempts).To(BeNumerically("<", 10))
	})

	It("treats an attempt bound below one as a single attempt", func() {
		attempts := 0
		r := backoff.NewRetrier(0, time.Millisecond)

		_ = r.Do(context.Background(), func() error {
			attempts++

			return errors.New("fails") //nolint:err113 // Test needs dynamic error
		}, nil)

		Expect(attempts).To(Equal(1))
	})
})

var _ = Describe("Error Categories", func() {
	It("wraps and detects each category", func() {
		base := errors.New("probe failed") //nolint:err113 // Test needs dynamic error

		Expect(backoff.IsIgnoredError(backoff.NewIgnoredError(base))).To(BeTrue())
		Expect(backoff.IsTransientError(backoff.NewTransientError(base))).To(BeTrue())
		Expect(backoff.IsPermanentError(backoff.NewPermanentError(base))).To(BeTrue())
	})

	It("categorizes uncategorized errors as transient", func() {
		base := errors.New("spurious disconnect") //nolint:err113 // Test needs dynamic error

		categorized := backoff.CategorizeError(base)
		Expect(backoff.IsTransientError(categorized)).To(BeTrue())
		Expect(errors.Unwrap(categorized)).To(Equal(base))
	})

	It("keeps an existing category on re-categorization", func() {
		permanent := backoff.NewPermanentError(errors.New("bad config")) //nolint:err113 // Test needs dynamic error

		categorized := backoff.CategorizeError(permanent)
		Expect(backoff.IsPermanentError(categorized)).To(BeTrue())
		Expect(backoff.IsTransientError(categorized)).To(BeFalse())
	})

	It("passes nil through CategorizeError", func() {
		Expect(backoff.CategorizeError(nil)).To(Succeed())
	})
})
