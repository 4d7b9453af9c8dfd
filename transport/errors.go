// Copyright 2026 The Storyweave Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrUnavailable reports that a channel could not carry the request:
// it was not connected, the connection failed, or the server answered
// that it cannot serve right now. The dispatcher falls back on it for
// writes; reads surface it.
var ErrUnavailable = errors.New("transport: channel unavailable")

// ErrTimeout reports that no answer arrived within the bound. It is
// handled like ErrUnavailable.
var ErrTimeout = errors.New("transport: timed out waiting for response")

// Rejection codes sent by the sync server.
const (
	RejectVersionConflict = "version_conflict"
	RejectInvalidBatch    = "invalid_batch"
	RejectForbidden       = "forbidden"
	RejectUnauthorized    = "unauthorized"
)

// RejectedError is an explicit refusal from the server. It is never
// retried by this package: only the caller knows how to resolve a
// conflict. Match it with errors.As or IsRejected:
//
//	var rejected *transport.RejectedError
//	if errors.As(err, &rejected) && rejected.Code == transport.RejectVersionConflict {
//	    // rebase onto rejected.CurrentVersion
//	}
type RejectedError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// CurrentVersion is the server's version when the refusal is a
	// version conflict.
	CurrentVersion int64 `json:"currentVersion,omitempty"`
	// StatusCode is the HTTP status for persistent-channel rejections.
	StatusCode int `json:"-"`
}

func (e *RejectedError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport: rejected %s (%d): %s", e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("transport: rejected %s: %s", e.Code, e.Message)
}

// IsRejected reports whether err is a *RejectedError, optionally
// restricted to one of codes.
func IsRejected(err error, codes ...string) bool {
	var rejected *RejectedError
	if !errors.As(err, &rejected) {
		return false
	}
	if len(codes) == 0 {
		return true
	}
	for _, code := range codes {
		if rejected.Code == code {
			return true
		}
	}
	return false
}

// unavailable wraps cause so that errors.Is matches both ErrUnavailable
// and the cause.
func unavailable(format string, cause error, args ...any) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, fmt.Sprintf(format, args...), cause)
}

func timedOut(format string, cause error, args ...any) error {
	return fmt.Errorf("%w: %s: %w", ErrTimeout, fmt.Sprintf(format, args...), cause)
}

// rejectionCodeForStatus picks a code for a 4xx response that did not
// carry one.
func rejectionCodeForStatus(status int) string {
	switch status {
	case http.StatusConflict:
		return RejectVersionConflict
	case http.StatusForbidden:
		return RejectForbidden
	case http.StatusUnauthorized:
		return RejectUnauthorized
	default:
		return RejectInvalidBatch
	}
}
