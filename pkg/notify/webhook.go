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
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/backoff"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/config"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/constants"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/logger"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/metrics"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/safejson"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/service/httpclient"
)

// Doer executes one webhook request. Production uses the shared
// context-aware client from httpclient; tests pass an intercepted
// *http.Client.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// WebhookSink POSTs notifications to a configured URL. Notify only enqueues;
// a single worker goroutine performs the deliveries with bounded retries so
// a slow or dead endpoint cannot back-pressure task execution.
type WebhookSink struct {
	logger  *zap.SugaredLogger
	client  Doer
	retrier *backoff.Retrier

	url     string
	timeout time.Duration

	queue   chan Notification
	dropped atomic.Uint64

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	started  atomic.Bool
	stopOnce sync.Once
}

// NewWebhookSink creates a webhook sink from the notify config.
func NewWebhookSink(cfg config.NotifyConfig) *WebhookSink {
	timeout := constants.WebhookTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &WebhookSink{
		logger:  logger.For(logger.ComponentNotifier),
		client:  httpclient.NewDefaultHTTPClient(),
		retrier: backoff.NewRetrier(constants.WebhookMaxRetries, time.Second),
		url:     cfg.WebhookURL,
		timeout: timeout,
		queue:   make(chan Notification, constants.NotifyQueueCapacity),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// WithClient overrides the HTTP client.
func (s *WebhookSink) WithClient(client Doer) *WebhookSink {
	s.client = client
	return s
}

// WithRetrier overrides the delivery retry policy.
func (s *WebhookSink) WithRetrier(retrier *backoff.Retrier) *WebhookSink {
	s.retrier = retrier
	return s
}

// WithQueueCapacity overrides the intake queue depth.
func (s *WebhookSink) WithQueueCapacity(capacity int) *WebhookSink {
	s.queue = make(chan Notification, capacity)
	return s
}

// Start launches the delivery worker.
func (s *WebhookSink) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}

	go s.run()
}

// Stop aborts in-flight retries and waits for the worker to exit. Queued
// notifications that were not yet delivered are dropped.
func (s *WebhookSink) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		if s.started.Load() {
			<-s.done
		}
	})
}

// Notify enqueues the notification. When the queue is full the notification
// is dropped and counted, never blocking the caller.
func (s *WebhookSink) Notify(ctx context.Context, notification Notification) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if notification.At.IsZero() {
		notification.At = time.Now()
	}

	select {
	case s.queue <- notification:
	default:
		s.dropped.Add(1)
		metrics.IncErrorCount(metrics.ComponentNotifier, "queue")
		s.logger.Warnf("Notification queue full, dropping %q", notification.Title)
	}

	return nil
}

// Dropped returns how many notifications were lost to a full queue.
func (s *WebhookSink) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *WebhookSink) run() {
	defer close(s.done)

	for {
		select {
		case <-s.ctx.Done():
			return
		case notification := <-s.queue:
			s.deliver(notification)
		}
	}
}

func (s *WebhookSink) deliver(notification Notification) {
	encoded, err := safejson.Marshal(notification)
	if err != nil {
		s.logger.Errorf("Failed to marshal notification %q: %v", notification.Title, err)
		return
	}

	op := func() error {
		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(encoded))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to build webhook request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.client.Do(req)
		if err != nil {
			return fmt.Errorf("webhook request failed: %w", err)
		}
		defer func() {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}

		err = fmt.Errorf("webhook returned status %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
			resp.StatusCode != http.StatusRequestTimeout &&
			resp.StatusCode != http.StatusTooManyRequests {
			// The request itself is refused; resending the same payload
			// cannot change that.
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, delay time.Duration) {
		s.logger.Warnf("Webhook delivery of %q failed, retrying in %s: %v", notification.Title, delay, err)
	}

	if err := s.retrier.DoExponential(s.ctx, op, notify); err != nil {
		metrics.IncErrorCount(metrics.ComponentNotifier, s.url)
		s.logger.Warnf("Giving up on notification %q: %v", notification.Title, err)
	}
}
