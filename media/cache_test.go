// Copyright 2026 The Storyweave Authors
// SPDX-License-Identifier: Apache-2.0

package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/storyweave/storyweave/lib/clock"
	"github.com/storyweave/storyweave/lib/testutil"
)

// fakeResolver mints a distinct URL per call and key. When gated, each
// call blocks until the test sends on release.
type fakeResolver struct {
	mu        sync.Mutex
	calls     [][]BatchRequest
	err       error
	omit      map[Key]bool
	expiresAt time.Time

	gated   bool
	started chan int
	release chan struct{}
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{
		started: make(chan int, 16),
		release: make(chan struct{}),
		omit:    make(map[Key]bool),
	}
}

func (f *fakeResolver) Resolve(ctx context.Context, requests []BatchRequest) ([]Resolution, error) {
	f.mu.Lock()
	f.calls = append(f.calls, requests)
	call := len(f.calls)
	gated, err, expiresAt := f.gated, f.err, f.expiresAt
	f.mu.Unlock()

	f.started <- call
	if gated {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	var resolutions []Resolution
	for _, request := range requests {
		for _, item := range request.Items {
			key := Key{
				Coordinates: Coordinates{request.OwnerID, request.ContainerID, item.ResourceID, item.SlotID},
				Variant:     item.Variant,
			}
			f.mu.Lock()
			omitted := f.omit[key]
			f.mu.Unlock()
			if omitted {
				continue
			}
			resolutions = append(resolutions, Resolution{
				Key:       key,
				URL:       fmt.Sprintf("https://cdn.test/%s?sig=%d", key, call),
				ExpiresAt: expiresAt,
			})
		}
	}
	return resolutions, nil
}

func (f *fakeResolver) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeResolver) call(index int) []BatchRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[index]
}

func itemCount(requests []BatchRequest) int {
	count := 0
	for _, request := range requests {
		count += len(request.Items)
	}
	return count
}

var testEpoch = time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)

func newTestCache(t *testing.T, resolver Resolver, fake *clock.FakeClock) *Cache {
	t.Helper()
	config := CacheConfig{
		Resolver:      resolver,
		TTL:           10 * time.Minute,
		SweepInterval: time.Minute,
	}
	if fake != nil {
		config.Clock = fake
	}
	cache, err := NewCache(config)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	return cache
}

func resource(id string) Coordinates {
	return Coordinates{OwnerID: "owner-1", ContainerID: "project-1", ResourceID: id, SlotID: "cover"}
}

func TestResolveOneServesFreshEntryUntilTTL(t *testing.T) {
	fake := clock.Fake(testEpoch)
	resolver := newFakeResolver()
	cache := newTestCache(t, resolver, fake)
	ctx := context.Background()

	first, err := cache.ResolveOne(ctx, resource("r1"), VariantThumbnail)
	if err != nil {
		t.Fatalf("ResolveOne: %v", err)
	}

	fake.Advance(10*time.Minute - time.Nanosecond)
	again, err := cache.ResolveOne(ctx, resource("r1"), VariantThumbnail)
	if err != nil {
		t.Fatal(err)
	}
	if again != first || resolver.callCount() != 1 {
		t.Errorf("just before TTL: url %q (first %q), calls %d", again, first, resolver.callCount())
	}

	fake.Advance(time.Nanosecond)
	renewed, err := cache.ResolveOne(ctx, resource("r1"), VariantThumbnail)
	if err != nil {
		t.Fatal(err)
	}
	if renewed == first || resolver.callCount() != 2 {
		t.Errorf("at TTL: url %q (first %q), calls %d, want a fresh resolution", renewed, first, resolver.callCount())
	}

	stats := cache.Stats()
	if stats.Hits != 1 || stats.Misses != 2 || stats.NetworkCalls != 2 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestServerExpiryEarlierThanTTLWins(t *testing.T) {
	fake := clock.Fake(testEpoch)
	resolver := newFakeResolver()
	resolver.expiresAt = testEpoch.Add(time.Minute)
	cache := newTestCache(t, resolver, fake)
	ctx := context.Background()

	if _, err := cache.ResolveOne(ctx, resource("r1"), VariantOriginal); err != nil {
		t.Fatal(err)
	}
	descriptor, ok := cache.Peek(Key{resource("r1"), VariantOriginal})
	if !ok || !descriptor.ExpiresAt.Equal(testEpoch.Add(time.Minute)) || descriptor.Variant != VariantOriginal {
		t.Fatalf("Peek = %+v, %v", descriptor, ok)
	}

	fake.Advance(time.Minute)
	if _, err := cache.ResolveOne(ctx, resource("r1"), VariantOriginal); err != nil {
		t.Fatal(err)
	}
	if resolver.callCount() != 2 {
		t.Errorf("calls = %d, want 2 (server expiry reached)", resolver.callCount())
	}
}

func TestAlreadyExpiredResolutionIsNotCached(t *testing.T) {
	fake := clock.Fake(testEpoch)
	resolver := newFakeResolver()
	resolver.expiresAt = testEpoch.Add(-time.Second)
	cache := newTestCache(t, resolver, fake)

	url, err := cache.ResolveOne(context.Background(), resource("r1"), VariantOriginal)
	if err != nil || url == "" {
		t.Fatalf("ResolveOne = %q, %v", url, err)
	}
	if cache.Len() != 0 {
		t.Errorf("Len = %d, want 0", cache.Len())
	}
}

// Two callers asking for the same thumbnail before it resolves share
// one network call and get the same URL.
func TestConcurrentResolveOneSharesOneCall(t *testing.T) {
	resolver := newFakeResolver()
	resolver.gated = true
	cache := newTestCache(t, resolver, nil)

	urls := make(chan string, 2)
	resolve := func() {
		url, err := cache.ResolveOne(context.Background(), resource("r1"), VariantThumbnail)
		if err != nil {
			t.Errorf("ResolveOne: %v", err)
		}
		urls <- url
	}
	go resolve()
	testutil.RequireReceive(t, resolver.started, testutil.DefaultWait, "first call started")
	go resolve()
	testutil.RequireEventually(t, func() bool { return cache.Stats().Joins == 1 }, testutil.DefaultWait, "second caller joined")

	resolver.release <- struct{}{}
	first := testutil.RequireReceive(t, urls, testutil.DefaultWait, "first url")
	second := testutil.RequireReceive(t, urls, testutil.DefaultWait, "second url")

	if first != second || first == "" {
		t.Errorf("urls %q and %q, want one identical URL", first, second)
	}
	if resolver.callCount() != 1 {
		t.Errorf("calls = %d, want 1", resolver.callCount())
	}
}

func TestVariantsResolveIndependently(t *testing.T) {
	resolver := newFakeResolver()
	resolver.gated = true
	cache := newTestCache(t, resolver, nil)

	done := make(chan struct{}, 2)
	for _, variant := range []Variant{VariantThumbnail, VariantOriginal} {
		go func() {
			if _, err := cache.ResolveOne(context.Background(), resource("r1"), variant); err != nil {
				t.Errorf("ResolveOne(%s): %v", variant, err)
			}
			done <- struct{}{}
		}()
	}
	// Both calls are in flight at once.
	testutil.RequireReceive(t, resolver.started, testutil.DefaultWait, "first variant")
	testutil.RequireReceive(t, resolver.started, testutil.DefaultWait, "second variant")

	resolver.release <- struct{}{}
	resolver.release <- struct{}{}
	testutil.RequireReceive(t, done, testutil.DefaultWait, "first done")
	testutil.RequireReceive(t, done, testutil.DefaultWait, "second done")
	if cache.Stats().Joins != 0 || resolver.callCount() != 2 {
		t.Errorf("joins = %d, calls = %d", cache.Stats().Joins, resolver.callCount())
	}
}

func TestResolveBatchCallsOnceForUncached(t *testing.T) {
	resolver := newFakeResolver()
	cache := newTestCache(t, resolver, nil)
	ctx := context.Background()

	all := []Coordinates{resource("r1"), resource("r2"), resource("r3"), resource("r4"), resource("r5")}
	for _, coords := range all[:2] {
		if _, err := cache.ResolveOne(ctx, coords, VariantThumbnail); err != nil {
			t.Fatal(err)
		}
	}

	urls, err := cache.ResolveBatch(ctx, all, []Variant{VariantThumbnail})
	if err != nil {
		t.Fatalf("ResolveBatch: %v", err)
	}
	if len(urls) != 5 {
		t.Errorf("got %d urls, want 5", len(urls))
	}
	if resolver.callCount() != 3 {
		t.Fatalf("calls = %d, want 2 single resolutions plus 1 batch", resolver.callCount())
	}
	batchCall := resolver.call(2)
	if itemCount(batchCall) != 3 {
		t.Errorf("batch call carried %d items, want the 3 uncached", itemCount(batchCall))
	}
	for _, item := range batchCall[0].Items {
		if item.ResourceID == "r1" || item.ResourceID == "r2" {
			t.Errorf("batch call re-requested cached %s", item.ResourceID)
		}
	}

	// Everything is cached now: no call at all.
	if _, err := cache.ResolveBatch(ctx, all, []Variant{VariantThumbnail}); err != nil {
		t.Fatal(err)
	}
	if resolver.callCount() != 3 {
		t.Errorf("fully cached batch made a call (calls = %d)", resolver.callCount())
	}
}

func TestResolveBatchGroupsByContainer(t *testing.T) {
	resolver := newFakeResolver()
	cache := newTestCache(t, resolver, nil)

	coords := []Coordinates{
		{OwnerID: "o1", ContainerID: "c2", ResourceID: "a", SlotID: "s"},
		{OwnerID: "o1", ContainerID: "c1", ResourceID: "b", SlotID: "s"},
		{OwnerID: "o1", ContainerID: "c2", ResourceID: "c", SlotID: "s"},
		{OwnerID: "o1", ContainerID: "c2", ResourceID: "a", SlotID: "s"}, // duplicate
	}
	urls, err := cache.ResolveBatch(context.Background(), coords, []Variant{VariantThumbnail, VariantOptimized})
	if err != nil {
		t.Fatal(err)
	}
	if len(urls) != 6 {
		t.Errorf("got %d urls, want 6 (3 resources x 2 variants)", len(urls))
	}
	if resolver.callCount() != 1 {
		t.Fatalf("calls = %d, want 1", resolver.callCount())
	}
	requests := resolver.call(0)
	if len(requests) != 2 || requests[0].ContainerID != "c1" || requests[1].ContainerID != "c2" {
		t.Fatalf("requests = %+v, want c1 then c2", requests)
	}
	if len(requests[1].Items) != 4 || requests[1].Items[0].ResourceID != "a" || requests[1].Items[0].Variant != VariantThumbnail {
		t.Errorf("c2 items = %+v", requests[1].Items)
	}
}

func TestResolveBatchJoinsInFlight(t *testing.T) {
	resolver := newFakeResolver()
	resolver.gated = true
	cache := newTestCache(t, resolver, nil)

	single := make(chan string, 1)
	go func() {
		url, _ := cache.ResolveOne(context.Background(), resource("r1"), VariantThumbnail)
		single <- url
	}()
	testutil.RequireReceive(t, resolver.started, testutil.DefaultWait, "single started")

	type batchResult struct {
		urls map[Key]string
		err  error
	}
	batch := make(chan batchResult, 1)
	go func() {
		urls, err := cache.ResolveBatch(context.Background(), []Coordinates{resource("r1"), resource("r2")}, []Variant{VariantThumbnail})
		batch <- batchResult{urls, err}
	}()
	testutil.RequireReceive(t, resolver.started, testutil.DefaultWait, "batch started")

	if items := itemCount(resolver.call(1)); items != 1 {
		t.Errorf("batch call carried %d items, want only r2", items)
	}
	resolver.release <- struct{}{}
	resolver.release <- struct{}{}

	singleURL := testutil.RequireReceive(t, single, testutil.DefaultWait, "single result")
	result := testutil.RequireReceive(t, batch, testutil.DefaultWait, "batch result")
	if result.err != nil {
		t.Fatal(result.err)
	}
	if result.urls[Key{resource("r1"), VariantThumbnail}] != singleURL {
		t.Errorf("batch r1 = %q, single = %q", result.urls[Key{resource("r1"), VariantThumbnail}], singleURL)
	}
}

func TestPurgeForcesNewResolution(t *testing.T) {
	resolver := newFakeResolver()
	cache := newTestCache(t, resolver, nil)
	ctx := context.Background()

	for _, variant := range Variants {
		if _, err := cache.ResolveOne(ctx, resource("r1"), variant); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := cache.ResolveOne(ctx, resource("r2"), VariantThumbnail); err != nil {
		t.Fatal(err)
	}

	if removed := cache.Purge(resource("r1")); removed != 3 {
		t.Errorf("Purge removed %d, want 3", removed)
	}
	if cache.Len() != 1 {
		t.Errorf("Len = %d, want r2 to survive", cache.Len())
	}

	calls := resolver.callCount()
	if _, err := cache.ResolveOne(ctx, resource("r1"), VariantThumbnail); err != nil {
		t.Fatal(err)
	}
	if resolver.callCount() != calls+1 {
		t.Errorf("ResolveOne after Purge made %d calls, want 1", resolver.callCount()-calls)
	}
}

// A purge during an in-flight resolution must not let that resolution
// repopulate the cache.
func TestPurgeDuringInFlightResolution(t *testing.T) {
	resolver := newFakeResolver()
	resolver.gated = true
	cache := newTestCache(t, resolver, nil)
	ctx := context.Background()

	inFlight := make(chan string, 1)
	go func() {
		url, err := cache.ResolveOne(ctx, resource("r1"), VariantThumbnail)
		if err != nil {
			t.Errorf("in-flight ResolveOne: %v", err)
		}
		inFlight <- url
	}()
	testutil.RequireReceive(t, resolver.started, testutil.DefaultWait, "resolution started")

	cache.Purge(resource("r1"))
	resolver.release <- struct{}{}
	staleURL := testutil.RequireReceive(t, inFlight, testutil.DefaultWait, "in-flight result")
	if staleURL == "" {
		t.Fatal("waiter of the purged resolution got no URL")
	}
	if cache.Len() != 0 {
		t.Errorf("Len = %d after purged resolution settled, want 0", cache.Len())
	}

	go func() {
		url, _ := cache.ResolveOne(ctx, resource("r1"), VariantThumbnail)
		inFlight <- url
	}()
	testutil.RequireReceive(t, resolver.started, testutil.DefaultWait, "fresh resolution started")
	resolver.release <- struct{}{}
	freshURL := testutil.RequireReceive(t, inFlight, testutil.DefaultWait, "fresh result")

	if freshURL == staleURL || resolver.callCount() != 2 {
		t.Errorf("fresh %q, stale %q, calls %d", freshURL, staleURL, resolver.callCount())
	}
	if cache.Stats().Discarded != 1 {
		t.Errorf("Discarded = %d, want 1", cache.Stats().Discarded)
	}
	if cache.Len() != 1 {
		t.Errorf("Len = %d, want the fresh resolution cached", cache.Len())
	}
}

// A request made after Purge must not join the resolution the purge
// overtook, even while that resolution is still running.
func TestResolveAfterPurgeDoesNotJoinOvertakenResolution(t *testing.T) {
	resolver := newFakeResolver()
	resolver.gated = true
	cache := newTestCache(t, resolver, nil)
	ctx := context.Background()

	before := make(chan string, 1)
	go func() {
		url, err := cache.ResolveOne(ctx, resource("r1"), VariantThumbnail)
		if err != nil {
			t.Errorf("ResolveOne before purge: %v", err)
		}
		before <- url
	}()
	if call := testutil.RequireReceive(t, resolver.started, testutil.DefaultWait, "first resolution started"); call != 1 {
		t.Fatalf("first call = %d, want 1", call)
	}

	cache.Purge(resource("r1"))

	after := make(chan string, 1)
	go func() {
		url, err := cache.ResolveOne(ctx, resource("r1"), VariantThumbnail)
		if err != nil {
			t.Errorf("ResolveOne after purge: %v", err)
		}
		after <- url
	}()
	if call := testutil.RequireReceive(t, resolver.started, testutil.DefaultWait, "post-purge resolution started"); call != 2 {
		t.Fatalf("post-purge call = %d, want 2", call)
	}

	resolver.release <- struct{}{}
	resolver.release <- struct{}{}
	staleURL := testutil.RequireReceive(t, before, testutil.DefaultWait, "pre-purge result")
	freshURL := testutil.RequireReceive(t, after, testutil.DefaultWait, "post-purge result")

	wantStale := fmt.Sprintf("https://cdn.test/%s?sig=1", Key{Coordinates: resource("r1"), Variant: VariantThumbnail})
	wantFresh := fmt.Sprintf("https://cdn.test/%s?sig=2", Key{Coordinates: resource("r1"), Variant: VariantThumbnail})
	if staleURL != wantStale {
		t.Errorf("pre-purge caller got %q, want %q", staleURL, wantStale)
	}
	if freshURL != wantFresh {
		t.Errorf("post-purge caller got %q, want %q", freshURL, wantFresh)
	}
	if stats := cache.Stats(); stats.Joins != 0 || stats.Discarded != 1 {
		t.Errorf("Joins = %d, Discarded = %d, want 0 and 1", stats.Joins, stats.Discarded)
	}

	cached, err := cache.ResolveOne(ctx, resource("r1"), VariantThumbnail)
	if err != nil {
		t.Fatalf("cached ResolveOne: %v", err)
	}
	if cached != wantFresh || resolver.callCount() != 2 {
		t.Errorf("cached = %q after %d calls, want %q after 2", cached, resolver.callCount(), wantFresh)
	}
}

func TestFailurePropagatesToEveryWaiter(t *testing.T) {
	resolver := newFakeResolver()
	resolver.gated = true
	resolver.err = errors.New("media service unavailable")
	cache := newTestCache(t, resolver, nil)

	errs := make(chan error, 2)
	resolve := func() {
		_, err := cache.ResolveOne(context.Background(), resource("r1"), VariantOptimized)
		errs <- err
	}
	go resolve()
	testutil.RequireReceive(t, resolver.started, testutil.DefaultWait, "call started")
	go resolve()
	testutil.RequireEventually(t, func() bool { return cache.Stats().Joins == 1 }, testutil.DefaultWait, "second caller joined")
	resolver.release <- struct{}{}

	for range 2 {
		err := testutil.RequireReceive(t, errs, testutil.DefaultWait, "waiter error")
		var resolutionErr *ResolutionError
		if !errors.As(err, &resolutionErr) {
			t.Fatalf("err = %v, want *ResolutionError", err)
		}
		if resolutionErr.Key != (Key{resource("r1"), VariantOptimized}) || !errors.Is(err, resolver.err) {
			t.Errorf("ResolutionError = %+v", resolutionErr)
		}
	}
	if cache.Len() != 0 {
		t.Errorf("Len = %d after failure", cache.Len())
	}

	// The pending marker is gone: the next request tries again.
	resolver.mu.Lock()
	resolver.err, resolver.gated = nil, false
	resolver.mu.Unlock()
	if _, err := cache.ResolveOne(context.Background(), resource("r1"), VariantOptimized); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if resolver.callCount() != 2 {
		t.Errorf("calls = %d, want 2", resolver.callCount())
	}
}

func TestMissingItemIsNotResolved(t *testing.T) {
	resolver := newFakeResolver()
	missing := Key{resource("r2"), VariantThumbnail}
	resolver.omit[missing] = true
	cache := newTestCache(t, resolver, nil)

	urls, err := cache.ResolveBatch(context.Background(), []Coordinates{resource("r1"), resource("r2")}, []Variant{VariantThumbnail})
	if !errors.Is(err, ErrNotResolved) || !IsResolutionError(err) {
		t.Fatalf("err = %v, want ErrNotResolved inside a ResolutionError", err)
	}
	if len(urls) != 1 || urls[missing] != "" {
		t.Errorf("urls = %v, want only r1", urls)
	}
}

func TestCallerCancellationDoesNotCancelSharedResolution(t *testing.T) {
	resolver := newFakeResolver()
	resolver.gated = true
	cache := newTestCache(t, resolver, nil)

	impatient, cancel := context.WithCancel(context.Background())
	impatientErr := make(chan error, 1)
	go func() {
		_, err := cache.ResolveOne(impatient, resource("r1"), VariantThumbnail)
		impatientErr <- err
	}()
	testutil.RequireReceive(t, resolver.started, testutil.DefaultWait, "call started")

	patient := make(chan string, 1)
	go func() {
		url, _ := cache.ResolveOne(context.Background(), resource("r1"), VariantThumbnail)
		patient <- url
	}()
	testutil.RequireEventually(t, func() bool { return cache.Stats().Joins == 1 }, testutil.DefaultWait, "patient caller joined")

	cancel()
	if err := testutil.RequireReceive(t, impatientErr, testutil.DefaultWait, "impatient result"); !errors.Is(err, context.Canceled) {
		t.Errorf("impatient err = %v, want context.Canceled", err)
	}
	resolver.release <- struct{}{}
	if url := testutil.RequireReceive(t, patient, testutil.DefaultWait, "patient result"); url == "" {
		t.Error("patient caller got no URL")
	}
	if cache.Len() != 1 {
		t.Errorf("Len = %d, want the shared result cached", cache.Len())
	}
}

func TestEvictExpired(t *testing.T) {
	fake := clock.Fake(testEpoch)
	resolver := newFakeResolver()
	cache := newTestCache(t, resolver, fake)
	ctx := context.Background()

	cache.ResolveOne(ctx, resource("r1"), VariantThumbnail)
	fake.Advance(5 * time.Minute)
	cache.ResolveOne(ctx, resource("r2"), VariantThumbnail)

	fake.Advance(5 * time.Minute) // r1 reaches its expiry, r2 has 5 minutes left
	if evicted := cache.EvictExpired(); evicted != 1 {
		t.Errorf("EvictExpired = %d, want 1", evicted)
	}
	if _, ok := cache.Peek(Key{resource("r1"), VariantThumbnail}); ok {
		t.Error("expired r1 still stored")
	}
	if _, ok := cache.Peek(Key{resource("r2"), VariantThumbnail}); !ok {
		t.Error("fresh r2 evicted")
	}
	if cache.Stats().Evictions != 1 {
		t.Errorf("Evictions = %d", cache.Stats().Evictions)
	}
}

func TestRunSweepsOnInterval(t *testing.T) {
	fake := clock.Fake(testEpoch)
	cache := newTestCache(t, newFakeResolver(), fake)
	if _, err := cache.ResolveOne(context.Background(), resource("r1"), VariantThumbnail); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		cache.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		testutil.RequireClosed(t, done, testutil.DefaultWait, "Run returned")
	}()

	fake.WaitForTimers(1)
	fake.Advance(time.Minute)
	if cache.Len() != 1 {
		t.Fatalf("sweep before expiry removed the entry")
	}
	fake.Advance(9 * time.Minute)
	testutil.RequireEventually(t, func() bool { return cache.Len() == 0 }, testutil.DefaultWait, "expired entry swept")
}

func TestInvalidRequestsMakeNoCall(t *testing.T) {
	resolver := newFakeResolver()
	cache := newTestCache(t, resolver, nil)
	ctx := context.Background()

	if _, err := cache.ResolveOne(ctx, Coordinates{OwnerID: "o"}, VariantThumbnail); !errors.Is(err, ErrCoordinatesIncomplete) {
		t.Errorf("incomplete coordinates: err = %v", err)
	}
	if _, err := cache.ResolveOne(ctx, resource("r1"), Variant("poster")); err == nil {
		t.Error("unknown variant accepted")
	}
	if _, err := cache.ResolveBatch(ctx, []Coordinates{resource("r1")}, nil); err == nil {
		t.Error("batch without variants accepted")
	}
	if _, err := cache.ResolveBatch(ctx, []Coordinates{resource("r1"), {}}, []Variant{VariantThumbnail}); !errors.Is(err, ErrCoordinatesIncomplete) {
		t.Errorf("batch with incomplete coordinates: err = %v", err)
	}
	if resolver.callCount() != 0 {
		t.Errorf("calls = %d, want 0", resolver.callCount())
	}
}

func TestNewCacheValidation(t *testing.T) {
	if _, err := NewCache(CacheConfig{}); err == nil {
		t.Error("NewCache without a resolver succeeded")
	}
	if _, err := NewCache(CacheConfig{Resolver: newFakeResolver(), TTL: -time.Second}); err == nil {
		t.Error("NewCache with a negative TTL succeeded")
	}
}
