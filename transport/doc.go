// Copyright 2026 The Storyweave Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport moves edit operations between an editing session
// and the authoritative sync server.
//
// The package defines one contract, [Channel]: submit an
// [OperationBatch], pull operations since a version, and report
// liveness through a cheap, non-blocking IsOnline. Two implementations
// back it:
//
//   - [PersistentChannel] speaks JSON over HTTP. Every call is an
//     independent request, so it is always attemptable and treated as
//     the durable source of truth for connectivity.
//   - [StreamingChannel] keeps a WebSocket open and exchanges CBOR
//     frames (see lib/codec). It has lower latency and receives other
//     collaborators' operations as they happen, but it may be absent,
//     still dialing, or disconnected. It also implements
//     [StreamingConn], which adds IsConnected.
//
// Neither implementation retries. Failures surface as one of three
// kinds: [ErrUnavailable] (not connected, connection refused, server
// unusable), [ErrTimeout] (no answer within the bound), or
// [*RejectedError] (the server refused the batch, for example on a
// version conflict). Choosing a channel per call and falling back from
// streaming to persistent is the dispatch package's job.
//
// Operation order within a batch is preserved end to end: both wire
// encodings carry Operations as an ordered array and neither channel
// reorders, filters, or copies-with-modification the batch it is given.
package transport
