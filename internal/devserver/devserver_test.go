// Copyright 2026 The Storyweave Authors
// SPDX-License-Identifier: Apache-2.0

package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/storyweave/storyweave/dispatch"
	"github.com/storyweave/storyweave/lib/codec"
	"github.com/storyweave/storyweave/lib/testutil"
	"github.com/storyweave/storyweave/media"
	"github.com/storyweave/storyweave/transport"
)

const testToken = "dev-token"

type testEnvironment struct {
	server *Server
	http   *httptest.Server
}

func newTestEnvironment(t *testing.T, config Config) *testEnvironment {
	t.Helper()
	if config.Token == "" {
		config.Token = testToken
	}
	server := New(config)
	httpServer := httptest.NewServer(server)
	t.Cleanup(httpServer.Close)
	t.Cleanup(server.Close)
	return &testEnvironment{server: server, http: httpServer}
}

func (e *testEnvironment) persistent(t *testing.T) *transport.PersistentChannel {
	t.Helper()
	channel, err := transport.NewPersistentChannel(transport.PersistentConfig{
		BaseURL: e.http.URL,
		Token:   testToken,
	})
	if err != nil {
		t.Fatalf("NewPersistentChannel: %v", err)
	}
	return channel
}

func (e *testEnvironment) streamURL() string {
	return "ws" + strings.TrimPrefix(e.http.URL, "http") + transport.StreamPath
}

func (e *testEnvironment) stream(t *testing.T, projectID string, configure func(*transport.StreamingConfig)) *transport.StreamingChannel {
	t.Helper()
	config := transport.StreamingConfig{
		URL:         e.streamURL(),
		Token:       testToken,
		ProjectID:   projectID,
		SendTimeout: 2 * time.Second,
		Compression: codec.CompressionZstd,
	}
	if configure != nil {
		configure(&config)
	}
	channel, err := transport.DialStreaming(context.Background(), config)
	if err != nil {
		t.Fatalf("DialStreaming: %v", err)
	}
	t.Cleanup(func() { channel.Close() })
	return channel
}

func (e *testEnvironment) dispatcher(t *testing.T, streaming transport.StreamingConn) *dispatch.Dispatcher {
	t.Helper()
	dispatcher, err := dispatch.New(dispatch.Config{
		Persistent:      e.persistent(t),
		Streaming:       streaming,
		PreferStreaming: true,
	})
	if err != nil {
		t.Fatalf("dispatch.New: %v", err)
	}
	t.Cleanup(dispatcher.Close)
	return dispatcher
}

func TestHealth(t *testing.T) {
	env := newTestEnvironment(t, Config{})
	if err := env.persistent(t).Probe(context.Background()); err != nil {
		t.Fatalf("Probe: %v", err)
	}
}

func TestHTTPRoutesRequireToken(t *testing.T) {
	env := newTestEnvironment(t, Config{})
	channel, err := transport.NewPersistentChannel(transport.PersistentConfig{
		BaseURL: env.http.URL,
		Token:   "wrong",
	})
	if err != nil {
		t.Fatalf("NewPersistentChannel: %v", err)
	}

	_, err = channel.SendOperations(context.Background(), makeBatch(t, "novel", 0, 1))
	if !transport.IsRejected(err, transport.RejectUnauthorized) {
		t.Fatalf("expected unauthorized rejection, got %v", err)
	}
	if logVersion(t, env.server.Store(), "novel") != 0 {
		t.Error("unauthorized push must not be applied")
	}
}

func TestPushRouteChecksProject(t *testing.T) {
	env := newTestEnvironment(t, Config{})
	body, err := json.Marshal(makeBatch(t, "other", 0, 1))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	request, err := http.NewRequest(http.MethodPost, env.http.URL+transport.OperationsPath("novel"), strings.NewReader(string(body)))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	request.Header.Set("Authorization", "Bearer "+testToken)

	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", response.StatusCode)
	}
}

func TestStreamingHappyPathEndToEnd(t *testing.T) {
	env := newTestEnvironment(t, Config{})
	seedVersion(t, env.server.Store(), "novel", 41)
	stream := env.stream(t, "novel", nil)
	if stream.ServerVersion() != 41 {
		t.Errorf("welcome version = %d, want 41", stream.ServerVersion())
	}
	dispatcher := env.dispatcher(t, stream)

	batch := makeBatch(t, "novel", 41, 3)
	result, err := dispatcher.SendOperations(context.Background(), batch)
	if err != nil {
		t.Fatalf("SendOperations: %v", err)
	}
	if result.Path != transport.PathStreaming || result.FallbackReason != "" {
		t.Errorf("path = %s (%s), want streaming with no fallback", result.Path, result.FallbackReason)
	}
	if result.SyncVersion != 42 {
		t.Errorf("SyncVersion = %d, want 42", result.SyncVersion)
	}
	if !reflect.DeepEqual(result.ProcessedOperations, batch.OperationIDs()) {
		t.Errorf("processed %v, want %v", result.ProcessedOperations, batch.OperationIDs())
	}

	stats := env.server.Stats()
	if stats.StreamPushes != 1 || stats.HTTPPushes != 0 {
		t.Errorf("stream pushes = %d, http pushes = %d; want 1 and 0", stats.StreamPushes, stats.HTTPPushes)
	}
}

func TestStreamFailureFallsBackEndToEnd(t *testing.T) {
	env := newTestEnvironment(t, Config{})
	stream := env.stream(t, "novel", nil)
	dispatcher := env.dispatcher(t, stream)
	env.server.SetStreamFaults(StreamFaults{FailPushes: true})

	batch := makeBatch(t, "novel", 0, 2)
	result, err := dispatcher.SendOperations(context.Background(), batch)
	if err != nil {
		t.Fatalf("SendOperations: %v", err)
	}
	if result.Path != transport.PathPersistent || result.FallbackReason != transport.FallbackStreamingFailed {
		t.Errorf("path = %s (%s), want persistent via ws_fallback", result.Path, result.FallbackReason)
	}
	if result.SyncVersion != 1 {
		t.Errorf("SyncVersion = %d, want 1", result.SyncVersion)
	}

	stats := env.server.Stats()
	if stats.StreamPushes != 1 || stats.HTTPPushes != 1 {
		t.Errorf("stream pushes = %d, http pushes = %d; want 1 and 1", stats.StreamPushes, stats.HTTPPushes)
	}
	pulled := logSince(t, env.server.Store(), "novel", 0)
	if len(pulled.Operations) != 2 {
		t.Errorf("server holds %d operations, want the batch applied once", len(pulled.Operations))
	}
}

func TestDroppedPushTimesOutAndFallsBack(t *testing.T) {
	env := newTestEnvironment(t, Config{})
	stream := env.stream(t, "novel", func(config *transport.StreamingConfig) {
		config.SendTimeout = 100 * time.Millisecond
	})
	dispatcher := env.dispatcher(t, stream)
	env.server.SetStreamFaults(StreamFaults{DropPushes: true})

	result, err := dispatcher.SendOperations(context.Background(), makeBatch(t, "novel", 0, 1))
	if err != nil {
		t.Fatalf("SendOperations: %v", err)
	}
	if result.FallbackReason != transport.FallbackStreamingFailed {
		t.Errorf("fallback reason = %q, want ws_fallback", result.FallbackReason)
	}
	if !errors.Is(dispatcher.Stats().LastStreamingError, transport.ErrTimeout) {
		t.Errorf("streaming error = %v, want a timeout", dispatcher.Stats().LastStreamingError)
	}
}

func TestDisconnectedStreamIsSkipped(t *testing.T) {
	env := newTestEnvironment(t, Config{})
	stream := env.stream(t, "novel", nil)
	dispatcher := env.dispatcher(t, stream)

	env.server.DisconnectStreams()
	testutil.RequireEventually(t, func() bool { return !stream.IsConnected() }, testutil.DefaultWait,
		"stream should notice the dropped socket")

	result, err := dispatcher.SendOperations(context.Background(), makeBatch(t, "novel", 0, 1))
	if err != nil {
		t.Fatalf("SendOperations: %v", err)
	}
	if result.FallbackReason != transport.FallbackStreamingUnavailable {
		t.Errorf("fallback reason = %q, want ws_unavailable", result.FallbackReason)
	}
	if env.server.Stats().StreamPushes != 0 {
		t.Error("a disconnected stream must not be attempted")
	}
}

func TestVersionConflictReachesCaller(t *testing.T) {
	env := newTestEnvironment(t, Config{})
	seedVersion(t, env.server.Store(), "novel", 3)
	dispatcher := env.dispatcher(t, env.stream(t, "novel", nil))

	result, err := dispatcher.SendOperations(context.Background(), makeBatch(t, "novel", 9, 1))
	var rejected *transport.RejectedError
	if !errors.As(err, &rejected) || rejected.Code != transport.RejectVersionConflict {
		t.Fatalf("expected version_conflict, got %v", err)
	}
	if rejected.CurrentVersion != 3 {
		t.Errorf("rejection = %+v, want current version 3", rejected)
	}
	if result.Path != transport.PathStreaming {
		t.Errorf("path = %s, want the rejection reported from streaming", result.Path)
	}
	if stats := env.server.Stats(); stats.StreamPushes != 1 || stats.HTTPPushes != 0 {
		t.Errorf("stream pushes = %d, HTTP pushes = %d, want the rejected batch sent once", stats.StreamPushes, stats.HTTPPushes)
	}
	if logVersion(t, env.server.Store(), "novel") != 3 {
		t.Error("rejected batch must not advance the version")
	}
}

func TestStreamRejectsBadToken(t *testing.T) {
	env := newTestEnvironment(t, Config{})
	_, err := transport.DialStreaming(context.Background(), transport.StreamingConfig{
		URL:       env.streamURL(),
		Token:     "wrong",
		ProjectID: "novel",
	})
	if !transport.IsRejected(err, transport.RejectUnauthorized) {
		t.Fatalf("expected unauthorized rejection, got %v", err)
	}
}

func TestRemoteOperationsAreBroadcast(t *testing.T) {
	env := newTestEnvironment(t, Config{})

	type delivery struct {
		projectID  string
		operations []transport.Operation
		version    int64
	}
	received := make(chan delivery, 4)
	writer := env.stream(t, "novel", nil)
	env.stream(t, "novel", func(config *transport.StreamingConfig) {
		config.OnRemoteOperations = func(projectID string, operations []transport.Operation, version int64) {
			received <- delivery{projectID, operations, version}
		}
	})
	testutil.RequireEventually(t, func() bool { return env.server.SessionCount("novel") == 2 }, testutil.DefaultWait)

	batch := makeBatch(t, "novel", 0, 2)
	if _, err := writer.SendOperations(context.Background(), batch); err != nil {
		t.Fatalf("SendOperations: %v", err)
	}
	got := testutil.RequireReceive(t, received, testutil.DefaultWait, "waiting for broadcast")
	if got.projectID != "novel" || got.version != 1 || len(got.operations) != 2 {
		t.Errorf("broadcast = %+v, want 2 operations at version 1", got)
	}

	// Pushes over HTTP reach every stream, the writer's included.
	if _, err := env.persistent(t).SendOperations(context.Background(), makeBatch(t, "novel", 1, 1)); err != nil {
		t.Fatalf("persistent SendOperations: %v", err)
	}
	got = testutil.RequireReceive(t, received, testutil.DefaultWait, "waiting for HTTP broadcast")
	if got.version != 2 {
		t.Errorf("broadcast version = %d, want 2", got.version)
	}
	testutil.RequireEventually(t, func() bool { return env.server.Stats().Broadcasts == 3 }, testutil.DefaultWait)
}

func TestPullAgreesAcrossChannels(t *testing.T) {
	env := newTestEnvironment(t, Config{})
	seedVersion(t, env.server.Store(), "novel", 4)
	stream := env.stream(t, "novel", nil)

	overHTTP, err := env.persistent(t).GetOperations(context.Background(), "novel", 2)
	if err != nil {
		t.Fatalf("persistent GetOperations: %v", err)
	}
	overStream, err := stream.GetOperations(context.Background(), "novel", 2)
	if err != nil {
		t.Fatalf("streaming GetOperations: %v", err)
	}
	if overHTTP.SyncVersion != 4 || overStream.SyncVersion != 4 {
		t.Errorf("versions = %d and %d, want 4", overHTTP.SyncVersion, overStream.SyncVersion)
	}
	if len(overHTTP.Operations) != 2 || len(overStream.Operations) != 2 {
		t.Fatalf("got %d and %d operations, want 2", len(overHTTP.Operations), len(overStream.Operations))
	}
	for i := range overHTTP.Operations {
		if overHTTP.Operations[i].ID != overStream.Operations[i].ID {
			t.Errorf("operation %d differs: %s vs %s", i, overHTTP.Operations[i].ID, overStream.Operations[i].ID)
		}
	}
}

func newTestCache(t *testing.T, env *testEnvironment) *media.Cache {
	t.Helper()
	resolver, err := media.NewHTTPResolver(media.HTTPResolverConfig{
		BaseURL:    env.http.URL,
		Token:      testToken,
		HTTPClient: env.http.Client(),
	})
	if err != nil {
		t.Fatalf("NewHTTPResolver: %v", err)
	}
	cache, err := media.NewCache(media.CacheConfig{Resolver: resolver})
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	return cache
}

func testCoordinates(resource string) media.Coordinates {
	return media.Coordinates{OwnerID: "author-1", ContainerID: "novel", ResourceID: resource, SlotID: "cover"}
}

func TestServerOverSQLiteLog(t *testing.T) {
	log, err := OpenSQLite(filepath.Join(t.TempDir(), "operations.db"), nil)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	env := newTestEnvironment(t, Config{Log: log})

	result, err := env.persistent(t).SendOperations(context.Background(), makeBatch(t, "novel", 0, 2))
	if err != nil {
		t.Fatalf("SendOperations: %v", err)
	}
	if result.SyncVersion != 1 {
		t.Errorf("SyncVersion = %d, want 1", result.SyncVersion)
	}

	stream := env.stream(t, "novel", nil)
	if stream.ServerVersion() != 1 {
		t.Errorf("welcome version = %d, want 1", stream.ServerVersion())
	}
	pulled, err := stream.GetOperations(context.Background(), "novel", 0)
	if err != nil {
		t.Fatalf("GetOperations: %v", err)
	}
	if len(pulled.Operations) != 2 {
		t.Errorf("pulled %d operations, want 2", len(pulled.Operations))
	}
}

func TestMediaConcurrentResolvesShareOneCall(t *testing.T) {
	env := newTestEnvironment(t, Config{})
	cache := newTestCache(t, env)
	coords := testCoordinates(testutil.UniqueID("hero"))

	const callers = 8
	urls := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			urls[i], errs[i] = cache.ResolveOne(context.Background(), coords, media.VariantOptimized)
		}()
	}
	wg.Wait()

	for i := range callers {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if urls[i] != urls[0] {
			t.Errorf("caller %d got %q, want %q", i, urls[i], urls[0])
		}
	}
	if !strings.Contains(urls[0], "/v1/blobs/author-1/novel/hero/cover/optimized?exp=") {
		t.Errorf("unexpected minted URL %q", urls[0])
	}
	if calls := env.server.Stats().ResolveCalls; calls != 1 {
		t.Errorf("resolve calls = %d, want 1", calls)
	}
}

func TestMediaBatchFetchesOnlyUncached(t *testing.T) {
	env := newTestEnvironment(t, Config{})
	cache := newTestCache(t, env)
	ctx := context.Background()

	if _, err := cache.ResolveOne(ctx, testCoordinates("a"), media.VariantThumbnail); err != nil {
		t.Fatalf("ResolveOne: %v", err)
	}
	coords := []media.Coordinates{testCoordinates("a"), testCoordinates("b"), testCoordinates("c")}
	resolved, err := cache.ResolveBatch(ctx, coords, []media.Variant{media.VariantThumbnail})
	if err != nil {
		t.Fatalf("ResolveBatch: %v", err)
	}
	if len(resolved) != 3 {
		t.Errorf("resolved %d keys, want 3", len(resolved))
	}
	stats := env.server.Stats()
	if stats.ResolveCalls != 2 || stats.ResolvedItems != 3 {
		t.Errorf("calls = %d, items = %d; want 2 calls minting 3 URLs", stats.ResolveCalls, stats.ResolvedItems)
	}
}

func TestMediaPurgeForcesFreshResolution(t *testing.T) {
	env := newTestEnvironment(t, Config{})
	cache := newTestCache(t, env)
	ctx := context.Background()
	coords := testCoordinates(testutil.UniqueID("hero"))

	if _, err := cache.ResolveOne(ctx, coords, media.VariantOriginal); err != nil {
		t.Fatalf("ResolveOne: %v", err)
	}
	if purged := cache.Purge(coords); purged != 1 {
		t.Errorf("Purge removed %d entries, want 1", purged)
	}
	if _, err := cache.ResolveOne(ctx, coords, media.VariantOriginal); err != nil {
		t.Fatalf("ResolveOne after purge: %v", err)
	}
	if calls := env.server.Stats().ResolveCalls; calls != 2 {
		t.Errorf("resolve calls = %d, want 2", calls)
	}
}

func TestMediaMissingItem(t *testing.T) {
	env := newTestEnvironment(t, Config{
		MediaAvailable: func(key media.Key) bool { return key.ResourceID != "gone" },
	})
	cache := newTestCache(t, env)

	_, err := cache.ResolveOne(context.Background(), testCoordinates("gone"), media.VariantOptimized)
	if !errors.Is(err, media.ErrNotResolved) {
		t.Fatalf("expected ErrNotResolved, got %v", err)
	}
	if !media.IsResolutionError(err) {
		t.Errorf("expected a ResolutionError, got %T", err)
	}
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	server := New(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.ListenAndServe(ctx, "127.0.0.1:0")
	}()
	cancel()
	if err := testutil.RequireReceive(t, done, testutil.DefaultWait, "ListenAndServe should return"); err != nil {
		t.Errorf("ListenAndServe returned %v, want nil after cancel", err)
	}
}
