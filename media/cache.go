// Copyright 2026 The Storyweave Authors
// SPDX-License-Identifier: Apache-2.0

package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/storyweave/storyweave/lib/clock"
)

// Defaults for CacheConfig. TTL stays well under the media service's
// one hour token lifetime so a served URL is never close to expiring.
const (
	DefaultTTL            = 45 * time.Minute
	DefaultSweepInterval  = 5 * time.Minute
	DefaultResolveTimeout = 30 * time.Second
)

const tracerName = "github.com/storyweave/storyweave/media"

// CacheConfig configures a Cache.
type CacheConfig struct {
	// Resolver performs the network calls. Required.
	Resolver Resolver

	// TTL is how long a resolved URL is served. A server-issued expiry
	// earlier than now+TTL wins.
	TTL time.Duration

	// SweepInterval is the period of the eviction sweep in Run.
	SweepInterval time.Duration

	// ResolveTimeout bounds each network call. Calls run detached
	// from the requesting caller's context, since other callers may
	// be waiting on the same result.
	ResolveTimeout time.Duration

	// Clock defaults to clock.Real().
	Clock clock.Clock

	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Cache resolves Keys to URLs. It is safe for concurrent use.
type Cache struct {
	resolver       Resolver
	ttl            time.Duration
	sweepInterval  time.Duration
	resolveTimeout time.Duration
	clock          clock.Clock
	tracer         trace.Tracer
	logger         *slog.Logger

	mu      sync.Mutex
	entries map[Key]Descriptor
	pending map[Key]*pendingResolution
	// generations counts purges per resource while a resolution for it
	// is in flight. A resolution stores its result only if the
	// generation it started under is still current.
	generations map[Coordinates]uint64
	// detached counts purged resolutions per resource that are still
	// running but no longer joinable.
	detached map[Coordinates]int
	stats    Stats
}

// pendingResolution is the shared result cell for one in-flight key.
// url and err are written once, before done is closed.
type pendingResolution struct {
	key        Key
	generation uint64
	detached   bool
	done       chan struct{}
	url        string
	err        error
}

// Stats counts cache activity since creation.
type Stats struct {
	// Hits were served from a fresh entry.
	Hits int64
	// Joins attached to a resolution already in flight.
	Joins int64
	// Misses started a new resolution.
	Misses int64
	// NetworkCalls counts Resolver.Resolve calls.
	NetworkCalls int64
	// Failures counts keys whose resolution failed.
	Failures int64
	// Evictions counts expired entries removed by sweeps.
	Evictions int64
	// Purged counts entries removed by Purge.
	Purged int64
	// Discarded counts results not stored because their resource was
	// purged while they were in flight.
	Discarded int64
}

// NewCache validates config and returns an empty Cache.
func NewCache(config CacheConfig) (*Cache, error) {
	if config.Resolver == nil {
		return nil, errors.New("media: cache Resolver is required")
	}
	if config.TTL < 0 || config.SweepInterval < 0 || config.ResolveTimeout < 0 {
		return nil, errors.New("media: cache durations must not be negative")
	}
	cache := &Cache{
		resolver:       config.Resolver,
		ttl:            durationOr(config.TTL, DefaultTTL),
		sweepInterval:  durationOr(config.SweepInterval, DefaultSweepInterval),
		resolveTimeout: durationOr(config.ResolveTimeout, DefaultResolveTimeout),
		clock:          config.Clock,
		logger:         config.Logger,
		entries:        make(map[Key]Descriptor),
		pending:        make(map[Key]*pendingResolution),
		generations:    make(map[Coordinates]uint64),
		detached:       make(map[Coordinates]int),
	}
	if cache.clock == nil {
		cache.clock = clock.Real()
	}
	if cache.logger == nil {
		cache.logger = slog.Default()
	}
	provider := config.TracerProvider
	if provider == nil {
		provider = otel.GetTracerProvider()
	}
	cache.tracer = provider.Tracer(tracerName)
	return cache, nil
}

// ResolveOne returns a URL for one variant of a resource: from a fresh
// entry, by joining a resolution already in flight for the same key,
// or by starting one. Concurrent callers for one key cause one network
// call and all receive the same URL.
//
// Cancelling ctx abandons this caller's wait only; the resolution
// itself continues for the others.
func (c *Cache) ResolveOne(ctx context.Context, coords Coordinates, variant Variant) (string, error) {
	key, err := NewKey(coords, variant)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	if descriptor, ok := c.entries[key]; ok && descriptor.FreshAt(c.clock.Now()) {
		c.stats.Hits++
		c.mu.Unlock()
		return descriptor.URL, nil
	}
	if cell, ok := c.pending[key]; ok {
		c.stats.Joins++
		c.mu.Unlock()
		return c.wait(ctx, cell)
	}
	c.stats.Misses++
	cell := c.startLocked(key)
	c.mu.Unlock()

	c.launch(ctx, []*pendingResolution{cell})
	return c.wait(ctx, cell)
}

// ResolveBatch resolves every variant in variants for every entry of
// coordsList. Fresh entries are served from memory, keys already in
// flight are joined, and all remaining keys go out in one network call.
// With nothing left to resolve it makes no call at all.
//
// The returned map holds every key that resolved. When some keys
// failed, the error joins their *ResolutionError values.
func (c *Cache) ResolveBatch(ctx context.Context, coordsList []Coordinates, variants []Variant) (map[Key]string, error) {
	keys, err := batchKeys(coordsList, variants)
	if err != nil {
		return nil, err
	}

	urls := make(map[Key]string, len(keys))
	var waiting, started []*pendingResolution

	c.mu.Lock()
	now := c.clock.Now()
	for _, key := range keys {
		if descriptor, ok := c.entries[key]; ok && descriptor.FreshAt(now) {
			c.stats.Hits++
			urls[key] = descriptor.URL
			continue
		}
		if cell, ok := c.pending[key]; ok {
			c.stats.Joins++
			waiting = append(waiting, cell)
			continue
		}
		c.stats.Misses++
		cell := c.startLocked(key)
		started = append(started, cell)
		waiting = append(waiting, cell)
	}
	c.mu.Unlock()

	if len(started) > 0 {
		c.launch(ctx, started)
	}

	var errs []error
	for _, cell := range waiting {
		url, err := c.wait(ctx, cell)
		if err != nil {
			errs = append(errs, err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		urls[cell.key] = url
	}
	return urls, errors.Join(errs...)
}

// batchKeys expands coordsList × variants into distinct keys, in input
// order.
func batchKeys(coordsList []Coordinates, variants []Variant) ([]Key, error) {
	if len(variants) == 0 {
		return nil, errors.New("media: at least one variant is required")
	}
	seen := make(map[Key]bool, len(coordsList)*len(variants))
	keys := make([]Key, 0, len(coordsList)*len(variants))
	for index, coords := range coordsList {
		for _, variant := range variants {
			key, err := NewKey(coords, variant)
			if err != nil {
				return nil, fmt.Errorf("media: coordinates[%d]: %w", index, err)
			}
			if seen[key] {
				continue
			}
			seen[key] = true
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Purge drops every variant of the resource at coords and returns how
// many entries it removed. A resolution for coords that is in flight
// still answers the callers already waiting on it, but later requests
// cannot join it and its result is not stored, so the next request
// always makes a new network call.
func (c *Cache) Purge(coords Coordinates) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	inFlight := false
	for _, variant := range Variants {
		key := Key{Coordinates: coords, Variant: variant}
		if _, ok := c.entries[key]; ok {
			delete(c.entries, key)
			removed++
		}
		if cell, ok := c.pending[key]; ok {
			delete(c.pending, key)
			cell.detached = true
			c.detached[coords]++
			inFlight = true
		}
	}
	if inFlight {
		c.generations[coords]++
	}
	c.stats.Purged += int64(removed)
	c.logger.Debug("media purged", "resource", coords.String(), "removed", removed, "in_flight", inFlight)
	return removed
}

// EvictExpired removes every entry whose expiry has passed and returns
// how many it removed.
func (c *Cache) EvictExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	evicted := 0
	for key, descriptor := range c.entries {
		if !descriptor.FreshAt(now) {
			delete(c.entries, key)
			evicted++
		}
	}
	c.stats.Evictions += int64(evicted)
	return evicted
}

// Run sweeps expired entries every SweepInterval until ctx is done.
func (c *Cache) Run(ctx context.Context) {
	ticker := c.clock.NewTicker(c.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted := c.EvictExpired(); evicted > 0 {
				c.logger.Debug("expired media evicted", "evicted", evicted, "remaining", c.Len())
			}
		}
	}
}

// Len returns the number of stored entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Peek returns the stored entry for key without resolving, even if it
// has expired. Use Descriptor.FreshAt to check.
func (c *Cache) Peek(key Key) (Descriptor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	descriptor, ok := c.entries[key]
	return descriptor, ok
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// startLocked registers a pending cell for key. c.mu must be held.
func (c *Cache) startLocked(key Key) *pendingResolution {
	cell := &pendingResolution{
		key:        key,
		generation: c.generations[key.Coordinates],
		done:       make(chan struct{}),
	}
	c.pending[key] = cell
	return cell
}

// launch runs one network call for cells in the background. The call
// keeps ctx's values (trace context) but not its cancellation.
func (c *Cache) launch(ctx context.Context, cells []*pendingResolution) {
	detached := context.WithoutCancel(ctx)
	go c.resolve(detached, cells)
}

func (c *Cache) resolve(ctx context.Context, cells []*pendingResolution) {
	ctx, cancel := context.WithTimeout(ctx, c.resolveTimeout)
	defer cancel()

	keys := make([]Key, len(cells))
	for i, cell := range cells {
		keys[i] = cell.key
	}
	requests := groupRequests(keys)

	ctx, span := c.tracer.Start(ctx, "media.Resolve", trace.WithAttributes(
		attribute.Int("storyweave.media.keys", len(keys)),
		attribute.Int("storyweave.media.requests", len(requests)),
	))
	resolutions, callErr := c.resolver.Resolve(ctx, requests)
	if callErr != nil {
		span.RecordError(callErr)
		span.SetStatus(codes.Error, callErr.Error())
	}
	span.End()

	byKey := make(map[Key]Resolution, len(resolutions))
	for _, resolution := range resolutions {
		byKey[resolution.Key] = resolution
	}

	c.mu.Lock()
	now := c.clock.Now()
	c.stats.NetworkCalls++
	failed, discarded := 0, 0
	for _, cell := range cells {
		if cell.detached {
			coords := cell.key.Coordinates
			if c.detached[coords]--; c.detached[coords] <= 0 {
				delete(c.detached, coords)
			}
		} else if c.pending[cell.key] == cell {
			delete(c.pending, cell.key)
		}
		resolution, ok := byKey[cell.key]
		if !ok || resolution.URL == "" {
			cause := callErr
			if cause == nil {
				cause = ErrNotResolved
			}
			cell.err = &ResolutionError{Key: cell.key, Err: cause}
			failed++
			continue
		}
		cell.url = resolution.URL

		if c.generations[cell.key.Coordinates] != cell.generation {
			discarded++
			continue
		}
		expiresAt := now.Add(c.ttl)
		if !resolution.ExpiresAt.IsZero() && resolution.ExpiresAt.Before(expiresAt) {
			expiresAt = resolution.ExpiresAt
		}
		if !now.Before(expiresAt) {
			// Already expired on arrival: hand it to the waiters,
			// never serve it again.
			continue
		}
		c.entries[cell.key] = Descriptor{URL: resolution.URL, ExpiresAt: expiresAt, Variant: cell.key.Variant}
	}
	c.stats.Failures += int64(failed)
	c.stats.Discarded += int64(discarded)
	c.releaseGenerationsLocked(cells)
	c.mu.Unlock()

	for _, cell := range cells {
		close(cell.done)
	}

	if failed > 0 {
		c.logger.Warn("media resolution failed", "keys", len(keys), "failed", failed, "error", callErr)
	} else {
		c.logger.Debug("media resolved", "keys", len(keys), "requests", len(requests), "discarded", discarded)
	}
}

// releaseGenerationsLocked forgets the purge generation of every
// resource in cells that has nothing left in flight. Generations only
// matter while a resolution could still complete.
func (c *Cache) releaseGenerationsLocked(cells []*pendingResolution) {
	for _, cell := range cells {
		coords := cell.key.Coordinates
		if _, ok := c.generations[coords]; !ok {
			continue
		}
		inFlight := c.detached[coords] > 0
		for _, variant := range Variants {
			if _, ok := c.pending[Key{Coordinates: coords, Variant: variant}]; ok {
				inFlight = true
				break
			}
		}
		if !inFlight {
			delete(c.generations, coords)
		}
	}
}

// wait blocks until cell settles or ctx ends.
func (c *Cache) wait(ctx context.Context, cell *pendingResolution) (string, error) {
	select {
	case <-cell.done:
		return cell.url, cell.err
	case <-ctx.Done():
		return "", fmt.Errorf("media: waiting for %s: %w", cell.key, ctx.Err())
	}
}

func durationOr(value, fallback time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	return fallback
}
