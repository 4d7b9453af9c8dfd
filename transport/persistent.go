// Copyright 2026 The Storyweave Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/storyweave/storyweave/lib/clock"
	"github.com/storyweave/storyweave/lib/netutil"
)

// Default tunables for the persistent channel.
const (
	DefaultRequestTimeout = 30 * time.Second
	DefaultHealthInterval = 15 * time.Second

	defaultConnectTimeout = 5 * time.Second
	defaultTLSTimeout     = 5 * time.Second
)

// NewHTTPClient returns an http.Client with bounded connect, TLS, and
// overall request time. http.DefaultClient has no timeout at all,
// which would let a stalled server hang a push forever.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	dialer := &net.Dialer{Timeout: defaultConnectTimeout}
	return &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         dialer.DialContext,
			TLSHandshakeTimeout: defaultTLSTimeout,
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
		},
		Timeout: timeout,
	}
}

// PersistentConfig configures a PersistentChannel.
type PersistentConfig struct {
	// BaseURL is the sync API root, e.g. "https://sync.example.com".
	BaseURL string
	// Token is sent as a bearer token when non-empty.
	Token string
	// UserAgent is sent on every request when non-empty.
	UserAgent string
	// HTTPClient is used for every request. If nil, NewHTTPClient
	// with RequestTimeout is used.
	HTTPClient *http.Client
	// RequestTimeout bounds each request when HTTPClient is nil.
	RequestTimeout time.Duration
	// HealthInterval is the probe period used by Run.
	HealthInterval time.Duration
	// Clock drives the health probe. Defaults to clock.Real().
	Clock clock.Clock
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// PersistentChannel is the request/response Channel. It keeps no
// session state; IsOnline reports whether the most recent request
// (including health probes) reached the server.
type PersistentChannel struct {
	baseURL        string
	token          string
	userAgent      string
	httpClient     *http.Client
	healthInterval time.Duration
	clock          clock.Clock
	logger         *slog.Logger

	online atomic.Bool
}

// NewPersistentChannel validates config and returns a channel that
// starts out online: a request/response channel is always worth
// attempting until a request says otherwise.
func NewPersistentChannel(config PersistentConfig) (*PersistentChannel, error) {
	if config.BaseURL == "" {
		return nil, errors.New("transport: persistent channel BaseURL is required")
	}
	parsed, err := url.Parse(config.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("transport: invalid BaseURL %q: %w", config.BaseURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("transport: BaseURL %q must be http or https", config.BaseURL)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = NewHTTPClient(config.RequestTimeout)
	}
	healthInterval := config.HealthInterval
	if healthInterval <= 0 {
		healthInterval = DefaultHealthInterval
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	channel := &PersistentChannel{
		baseURL:        strings.TrimRight(config.BaseURL, "/"),
		token:          config.Token,
		userAgent:      config.UserAgent,
		httpClient:     httpClient,
		healthInterval: healthInterval,
		clock:          clk,
		logger:         logger.With("channel", string(PathPersistent)),
	}
	channel.online.Store(true)
	return channel, nil
}

// SendOperations POSTs batch to the project's operations route.
func (c *PersistentChannel) SendOperations(ctx context.Context, batch OperationBatch) (SyncResult, error) {
	if err := batch.Validate(); err != nil {
		return SyncResult{}, err
	}
	body, err := c.doRequest(ctx, http.MethodPost, OperationsPath(batch.ProjectID), nil, batch)
	if err != nil {
		return SyncResult{}, err
	}
	result, err := decodeResult(body)
	if err != nil {
		return SyncResult{}, err
	}
	c.logger.Debug("operations sent",
		"project_id", batch.ProjectID,
		"operation_count", len(batch.Operations),
		"sync_version", result.SyncVersion,
	)
	return result, nil
}

// GetOperations GETs the operations after sinceVersion.
func (c *PersistentChannel) GetOperations(ctx context.Context, projectID string, sinceVersion int64) (SyncResult, error) {
	if projectID == "" {
		return SyncResult{}, errors.New("transport: projectID is required")
	}
	if sinceVersion < 0 {
		return SyncResult{}, fmt.Errorf("transport: sinceVersion must be non-negative, got %d", sinceVersion)
	}
	query := url.Values{"since": []string{strconv.FormatInt(sinceVersion, 10)}}
	body, err := c.doRequest(ctx, http.MethodGet, OperationsPath(projectID), query, nil)
	if err != nil {
		return SyncResult{}, err
	}
	return decodeResult(body)
}

// IsOnline reports the outcome of the last request.
func (c *PersistentChannel) IsOnline() bool {
	return c.online.Load()
}

// Probe checks the health route and updates IsOnline.
func (c *PersistentChannel) Probe(ctx context.Context) error {
	_, err := c.doRequest(ctx, http.MethodGet, HealthPath, nil, nil)
	return err
}

// Run probes the health route every HealthInterval until ctx is done,
// so IsOnline recovers after an outage without waiting for a write.
func (c *PersistentChannel) Run(ctx context.Context) {
	ticker := c.clock.NewTicker(c.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			wasOnline := c.IsOnline()
			err := c.Probe(ctx)
			if ctx.Err() != nil {
				return
			}
			if err != nil && wasOnline {
				c.logger.Warn("sync server unreachable", "error", err)
			} else if err == nil && !wasOnline {
				c.logger.Info("sync server reachable again")
			}
		}
	}
}

// doRequest performs one round trip and classifies failures into the
// package's error kinds. On 2xx it returns the body.
func (c *PersistentChannel) doRequest(ctx context.Context, method, path string, query url.Values, requestBody any) ([]byte, error) {
	requestURL := c.baseURL + path
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return nil, fmt.Errorf("transport: encoding request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("transport: creating request: %w", err)
	}
	request.Header.Set("Accept", "application/json")
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		request.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.userAgent != "" {
		request.Header.Set("User-Agent", c.userAgent)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		// The caller's own cancellation or deadline says nothing about
		// the server.
		if ctxErr := ctx.Err(); ctxErr != nil {
			if errors.Is(ctxErr, context.DeadlineExceeded) {
				return nil, timedOut("%s %s", err, method, path)
			}
			return nil, fmt.Errorf("transport: %s %s: %w", method, path, err)
		}
		c.online.Store(false)
		if netutil.IsTimeout(err) {
			return nil, timedOut("%s %s", err, method, path)
		}
		return nil, unavailable("%s %s", err, method, path)
	}
	defer response.Body.Close()
	c.online.Store(true)

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		responseBody, err := netutil.ReadResponse(response.Body)
		if err != nil {
			return nil, unavailable("reading %s %s response", err, method, path)
		}
		return responseBody, nil
	}
	return nil, classifyStatus(method, path, response)
}

// classifyStatus maps a non-2xx response onto the error taxonomy:
// 408 and 504 are timeouts, 429 and 5xx are unavailability, and every
// other 4xx is a rejection carrying the server's code and message.
func classifyStatus(method, path string, response *http.Response) error {
	detail := netutil.ErrorBody(response.Body)
	status := response.StatusCode
	cause := fmt.Errorf("%s %s returned %d: %s", method, path, status, detail)

	switch {
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return fmt.Errorf("%w: %w", ErrTimeout, cause)
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%w: %w", ErrUnavailable, cause)
	}

	rejected := &RejectedError{}
	if err := json.Unmarshal([]byte(detail), rejected); err != nil || rejected.Code == "" {
		rejected = &RejectedError{Code: rejectionCodeForStatus(status), Message: detail}
	}
	rejected.StatusCode = status
	return rejected
}

func decodeResult(body []byte) (SyncResult, error) {
	var result SyncResult
	if err := json.Unmarshal(body, &result); err != nil {
		return SyncResult{}, fmt.Errorf("transport: decoding sync result: %w", err)
	}
	result.Path = PathPersistent
	return result, nil
}
