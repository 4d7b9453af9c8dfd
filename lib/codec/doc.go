// Copyright 2026 The Storyweave Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds the binary encoding used on the streaming sync
// channel.
//
// The persistent channel and the media resolver speak JSON over HTTP.
// The streaming channel exchanges CBOR envelopes over a WebSocket,
// because operation batches are sent at typing cadence and CBOR keeps
// both the encode cost and the frame size down. Envelope types carry
// `json` struct tags only; fxamacker/cbor falls back to them, so the
// same types document both formats.
//
// Marshal uses Core Deterministic Encoding (RFC 8949 §4.2): equal
// values always produce equal bytes, which the stream tests rely on.
//
// EncodeFrame and DecodeFrame wrap a CBOR payload in a one-byte
// compression header (see Compression) so large batches can be sent
// compressed without the receiver negotiating anything.
package codec
