// Copyright 2026 The Storyweave Authors
// SPDX-License-Identifier: Apache-2.0

// Package devserver is a sync and media server for local development
// and integration tests. It speaks the same HTTP routes and
// stream frames as the production service, with a deliberately trivial
// conflict policy: a batch is accepted unless its base version is ahead
// of the server's. It is not an authority for real data.
//
// Accepted batches live in an [OperationLog]: the in-memory [Store] by
// default, or a [SQLiteStore] file that survives restarts.
//
// [Server] implements http.Handler, so tests mount it on
// httptest.NewServer. Fault injection ([Server.SetStreamFaults],
// [Server.DisconnectStreams]) lets tests drive the client's fallback
// paths.
package devserver
