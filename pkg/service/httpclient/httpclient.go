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

// Package httpclient is the outbound HTTP layer shared by the webhook
// notifier and test tooling. Clients are derived from the caller's context
// deadline so no request can outlive the work that issued it.
package httpclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/ctxutil"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/logger"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/safejson"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/sentry"
	"go.uber.org/zap"
)

var (
	// defaultTransport is a shared transport with connection pooling
	defaultTransport = &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   50 * time.Millisecond,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   50 * time.Millisecond,
		ExpectContinueTimeout: 100 * time.Millisecond,
		MaxIdleConnsPerHost:   10,
		DisableCompression:    true,
	}

	// sharedClient is a reusable client for quick local requests
	sharedClient = &http.Client{
		Transport: defaultTransport,
		Timeout:   1 * time.Second,
	}
)

// HTTPClient interface for making HTTP requests
type HTTPClient interface {
	// Do executes an HTTP request and returns the response
	Do(req *http.Request) (*http.Response, error)

	// GetWithBody performs a GET request and returns the response with body
	// bytes read and the body closed
	GetWithBody(ctx context.Context, url string) (*http.Response, []byte, error)

	// PostJSON marshals payload and POSTs it with an application/json
	// content type, returning the response with body bytes
	PostJSON(ctx context.Context, url string, payload any) (*http.Response, []byte, error)
}

// DefaultHTTPClient is the default implementation of HTTPClient
type DefaultHTTPClient struct {
	logger *zap.SugaredLogger
}

// NewDefaultHTTPClient creates a new DefaultHTTPClient
func NewDefaultHTTPClient() *DefaultHTTPClient {
	return &DefaultHTTPClient{
		logger: logger.For("HTTPClient"),
	}
}

// Do performs the HTTP request, creating a context-optimized client
func (c *DefaultHTTPClient) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	// The shared client serves local requests without a deadline; building
	// a client per request costs more than those requests themselves.
	_, hasDeadline := ctx.Deadline()
	if !hasDeadline && isLocalRequest(req.URL.Host) {
		return sharedClient.Do(req)
	}

	client, err := c.createClientFromContext(ctx)
	if err != nil {
		return nil, err
	}

	return client.Do(req)
}

// isLocalRequest checks if the host is a localhost or loopback address
func isLocalRequest(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "[::1]" || host == ""
}

// createClientFromContext creates an HTTP client with timeouts derived from
// the context deadline
func (c *DefaultHTTPClient) createClientFromContext(ctx context.Context) (*http.Client, error) {
	remaining, _, err := ctxutil.HasSufficientTime(ctx, time.Millisecond)
	if err != nil {
		if errors.Is(err, ctxutil.ErrNoDeadline) {
			return nil, fmt.Errorf("no deadline set in context")
		}

		c.logger.Warnf("Creating HTTP client with limited time: %v", err)
	}

	timeout := remaining

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeout / 2,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       timeout / 4,
		TLSHandshakeTimeout:   timeout / 4,
		ExpectContinueTimeout: timeout / 4,
		ResponseHeaderTimeout: timeout / 2,
		MaxIdleConnsPerHost:   10,
		DisableCompression:    true,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}, nil
}

// GetWithBody performs a GET request and returns the response with body
func (c *DefaultHTTPClient) GetWithBody(ctx context.Context, url string) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request for %s: %w", url, err)
	}

	return c.execute(req, url)
}

// PostJSON marshals payload and POSTs it to url
func (c *DefaultHTTPClient) PostJSON(ctx context.Context, url string, payload any) (*http.Response, []byte, error) {
	encoded, err := safejson.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal payload for %s: %w", url, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request for %s: %w", url, err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.execute(req, url)
}

func (c *DefaultHTTPClient) execute(req *http.Request, url string) (*http.Response, []byte, error) {
	resp, err := c.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to execute request for %s: %w", url, err)
	}
	if resp == nil {
		return nil, nil, fmt.Errorf("received nil response for %s", url)
	}
	defer func() {
		err := resp.Body.Close()
		if err != nil {
			sentry.ReportIssuef(sentry.IssueTypeError, c.logger, "failed to close response body: %v", err)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp, nil, fmt.Errorf("failed to read response body for %s: %w", url, err)
	}

	return resp, body, nil
}
