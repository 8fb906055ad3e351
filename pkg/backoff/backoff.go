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

package backoff

import (
	"context"
	"fmt"
	"time"

	cenkbackoff "github.com/cenkalti/backoff"
)

const (
	// TemporaryBackoffError marks an error that should be retried after a delay.
	TemporaryBackoffError = "temporary backoff error"

	// PermanentFailureError marks an error where retrying cannot help.
	PermanentFailureError = "permanent failure error"
)

// NewTemporaryBackoffError wraps err with the temporary backoff marker.
func NewTemporaryBackoffError(err error) error {
	return fmt.Errorf("%s: %w", TemporaryBackoffError, err)
}

// NewPermanentFailureError wraps err with the permanent failure marker.
func NewPermanentFailureError(err error) error {
	return fmt.Errorf("%s: %w", PermanentFailureError, err)
}

// Permanent marks err so a Retrier stops immediately instead of retrying.
func Permanent(err error) error {
	return cenkbackoff.Permanent(err)
}

// Operation is one attempt of retryable work. Returning nil ends the retry loop.
type Operation = cenkbackoff.Operation

// Notify is called between attempts with the attempt's error and the delay
// before the next attempt. Recovery work (e.g. restarting a backing process)
// belongs here.
type Notify = cenkbackoff.Notify

// Retrier drives an operation through a bounded number of attempts with a
// constant delay in between. Cancelling the context aborts the loop at the
// next delay.
type Retrier struct {
	maxAttempts uint64
	delay       time.Duration
}

// NewRetrier returns a Retrier performing at most maxAttempts attempts.
// maxAttempts of 0 is treated as 1.
func NewRetrier(maxAttempts int, delay time.Duration) *Retrier {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	return &Retrier{
		maxAttempts: uint64(maxAttempts),
		delay:       delay,
	}
}

// Do runs op until it succeeds, returns a permanent error, exhausts the
// attempt bound, or ctx is cancelled. notify may be nil.
func (r *Retrier) Do(ctx context.Context, op Operation, notify Notify) error {
	b := r.bounded(ctx, cenkbackoff.NewConstantBackOff(r.delay))

	if notify == nil {
		return cenkbackoff.Retry(op, b)
	}

	return cenkbackoff.RetryNotify(op, b, notify)
}

// DoExponential runs op with exponential delays starting at the Retrier's
// delay, for deliveries where hammering a struggling endpoint is worse than
// waiting longer.
func (r *Retrier) DoExponential(ctx context.Context, op Operation, notify Notify) error {
	eb := cenkbackoff.NewExponentialBackOff()
	eb.InitialInterval = r.delay

	b := r.bounded(ctx, eb)

	if notify == nil {
		return cenkbackoff.Retry(op, b)
	}

	return cenkbackoff.RetryNotify(op, b, notify)
}

// bounded caps base at the attempt bound. WithMaxRetries treats 0 as
// unlimited, so a single-attempt Retrier uses StopBackOff instead.
func (r *Retrier) bounded(ctx context.Context, base cenkbackoff.BackOff) cenkbackoff.BackOffContext {
	var b cenkbackoff.BackOff
	if r.maxAttempts == 1 {
		b = &cenkbackoff.StopBackOff{}
	} else {
		b = cenkbackoff.WithMaxRetries(base, r.maxAttempts-1)
	}

	return cenkbackoff.WithContext(b, ctx)
}
