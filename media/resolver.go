// Copyright 2026 The Storyweave Authors
// SPDX-License-Identifier: Apache-2.0

package media

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/storyweave/storyweave/lib/netutil"
)

// ResolvePath is the media service's batch resolution route.
const ResolvePath = "/v1/media/resolve"

// BatchRequest asks for URLs of several items in one container. It is
// also the JSON body of the resolve endpoint.
type BatchRequest struct {
	OwnerID     string        `json:"ownerId"`
	ContainerID string        `json:"containerId"`
	Items       []RequestItem `json:"items"`
}

// RequestItem is one resource variant within a BatchRequest.
type RequestItem struct {
	ResourceID string  `json:"resourceId"`
	SlotID     string  `json:"slotId"`
	Variant    Variant `json:"variant"`
}

// Resolution is one minted URL. A zero ExpiresAt means the server did
// not say; the cache's TTL alone bounds it.
type Resolution struct {
	Key       Key
	URL       string
	ExpiresAt time.Time
}

// Resolver performs the network call behind the cache. One Resolve call
// is one logical network call, however many requests it carries.
//
// Resolve may return resolutions together with an error when only part
// of the call failed. Keys with a resolution are served; keys without
// one fail with a *ResolutionError wrapping the error (or
// ErrNotResolved when the error is nil).
type Resolver interface {
	Resolve(ctx context.Context, requests []BatchRequest) ([]Resolution, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, requests []BatchRequest) ([]Resolution, error)

// Resolve calls f.
func (f ResolverFunc) Resolve(ctx context.Context, requests []BatchRequest) ([]Resolution, error) {
	return f(ctx, requests)
}

// groupRequests builds one BatchRequest per (owner, container), in a
// deterministic order, preserving the key order within each group.
func groupRequests(keys []Key) []BatchRequest {
	type container struct{ owner, container string }
	index := make(map[container]int)
	var requests []BatchRequest
	for _, key := range keys {
		group := container{key.OwnerID, key.ContainerID}
		position, ok := index[group]
		if !ok {
			position = len(requests)
			index[group] = position
			requests = append(requests, BatchRequest{OwnerID: key.OwnerID, ContainerID: key.ContainerID})
		}
		requests[position].Items = append(requests[position].Items, RequestItem{
			ResourceID: key.ResourceID,
			SlotID:     key.SlotID,
			Variant:    key.Variant,
		})
	}
	slices.SortStableFunc(requests, func(a, b BatchRequest) int {
		return cmp.Or(cmp.Compare(a.OwnerID, b.OwnerID), cmp.Compare(a.ContainerID, b.ContainerID))
	})
	return requests
}

// resolveResponse is the resolve endpoint's reply.
type resolveResponse struct {
	Items []resolvedItem `json:"items"`
}

type resolvedItem struct {
	ResourceID string    `json:"resourceId"`
	SlotID     string    `json:"slotId"`
	Variant    Variant   `json:"variant"`
	URL        string    `json:"url"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// HTTPResolverConfig configures an HTTPResolver.
type HTTPResolverConfig struct {
	// BaseURL is the media service root.
	BaseURL string
	// Token is sent as a bearer token when non-empty.
	Token string
	// UserAgent is sent when non-empty.
	UserAgent string
	// HTTPClient must carry its own timeout. Required.
	HTTPClient *http.Client
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// HTTPResolver resolves through the media service's batch endpoint,
// one POST per BatchRequest.
type HTTPResolver struct {
	endpoint   string
	token      string
	userAgent  string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPResolver validates config.
func NewHTTPResolver(config HTTPResolverConfig) (*HTTPResolver, error) {
	if config.BaseURL == "" {
		return nil, errors.New("media: resolver BaseURL is required")
	}
	parsed, err := url.Parse(config.BaseURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, fmt.Errorf("media: resolver BaseURL %q must be an http or https URL", config.BaseURL)
	}
	if config.HTTPClient == nil {
		return nil, errors.New("media: resolver HTTPClient is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPResolver{
		endpoint:   strings.TrimRight(config.BaseURL, "/") + ResolvePath,
		token:      config.Token,
		userAgent:  config.UserAgent,
		httpClient: config.HTTPClient,
		logger:     logger,
	}, nil
}

// Resolve posts every request and collects what came back. A failed
// request does not stop the others; its error is joined into the
// returned error and its keys stay unresolved.
func (r *HTTPResolver) Resolve(ctx context.Context, requests []BatchRequest) ([]Resolution, error) {
	var resolutions []Resolution
	var errs []error
	for _, request := range requests {
		items, err := r.post(ctx, request)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s/%s: %w", request.OwnerID, request.ContainerID, err))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		for _, item := range items {
			if item.URL == "" {
				continue
			}
			resolutions = append(resolutions, Resolution{
				Key: Key{
					Coordinates: Coordinates{
						OwnerID:     request.OwnerID,
						ContainerID: request.ContainerID,
						ResourceID:  item.ResourceID,
						SlotID:      item.SlotID,
					},
					Variant: item.Variant,
				},
				URL:       item.URL,
				ExpiresAt: item.ExpiresAt,
			})
		}
	}
	return resolutions, errors.Join(errs...)
}

func (r *HTTPResolver) post(ctx context.Context, request BatchRequest) ([]resolvedItem, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("encoding resolve request: %w", err)
	}
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating resolve request: %w", err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("Accept", "application/json")
	if r.token != "" {
		httpRequest.Header.Set("Authorization", "Bearer "+r.token)
	}
	if r.userAgent != "" {
		httpRequest.Header.Set("User-Agent", r.userAgent)
	}

	response, err := r.httpClient.Do(httpRequest)
	if err != nil {
		return nil, fmt.Errorf("resolve request: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("resolve returned %d: %s", response.StatusCode, netutil.ErrorBody(response.Body))
	}
	var decoded resolveResponse
	if err := netutil.DecodeResponse(response.Body, &decoded); err != nil {
		return nil, err
	}
	r.logger.Debug("media resolved",
		"owner_id", request.OwnerID,
		"container_id", request.ContainerID,
		"requested", len(request.Items),
		"resolved", len(decoded.Items),
	)
	return decoded.Items, nil
}
