// Copyright 2026 The Storyweave Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil holds the HTTP and socket helpers shared by the sync
// API client, the media resolver, and the streaming channel.
//
// Response helpers bound every body read at MaxResponseSize. The sync
// and resolve endpoints return small JSON documents; the bound only
// exists so a misbehaving server cannot exhaust client memory.
package netutil

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// MaxResponseSize caps JSON API response reads at 32 MB. A full pull of
// a large project's operation log stays well under this.
const MaxResponseSize int64 = 32 << 20

// ReadResponse reads a response body up to MaxResponseSize bytes.
func ReadResponse(body io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(body, MaxResponseSize))
}

// DecodeResponse reads a bounded response body and JSON-decodes it
// into v.
func DecodeResponse(body io.Reader, v any) error {
	data, err := ReadResponse(body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding response body: %w", err)
	}
	return nil
}

// ErrorBody reads an error response body for diagnostics. Read
// failures are ignored and surrounding whitespace is trimmed.
func ErrorBody(body io.Reader) string {
	data, _ := ReadResponse(body)
	return strings.TrimSpace(string(data))
}
