// Copyright 2026 The Storyweave Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool opens SQLite connection pools with the pragmas
// Storyweave components expect.
//
// It wraps zombiezen.com/go/sqlite (pure Go, on modernc.org/sqlite).
// Every connection is prepared with:
//
//   - journal_mode=WAL: readers never block the single writer.
//   - synchronous=NORMAL: commits survive a process crash.
//   - busy_timeout=5000: writers wait for the lock instead of failing
//     with SQLITE_BUSY.
//   - temp_store=MEMORY.
//
// Callers [Pool.Take] a connection, use it from one goroutine, and
// [Pool.Put] it back. Queries go through sqlitex.Execute and writes
// through sqlitex.ImmediateTransaction; this package adds no query
// layer of its own.
package sqlitepool
