// Copyright 2026 The Storyweave Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"net/url"
)

// Channel submits operation batches to the sync server and pulls
// operations produced by other collaborators.
type Channel interface {
	// SendOperations submits batch and returns the server's result.
	// Errors match ErrUnavailable, ErrTimeout, or *RejectedError.
	SendOperations(ctx context.Context, batch OperationBatch) (SyncResult, error)

	// GetOperations returns the operations with a version greater
	// than sinceVersion, in server order.
	GetOperations(ctx context.Context, projectID string, sinceVersion int64) (SyncResult, error)

	// IsOnline reports the channel's last sampled liveness. It must
	// not block or perform I/O.
	IsOnline() bool
}

// StreamingConn is a connection-oriented Channel. IsConnected reports
// whether a socket is currently open; a connected channel can still be
// offline if the server has stopped answering.
type StreamingConn interface {
	Channel
	IsConnected() bool
}

// Compile-time interface checks.
var (
	_ Channel       = (*PersistentChannel)(nil)
	_ StreamingConn = (*StreamingChannel)(nil)
)

// HTTP and WebSocket routes of the sync API. The devserver registers
// the same paths.
const (
	HealthPath = "/v1/health"
	StreamPath = "/v1/stream"
)

// OperationsPath returns the push/pull route for a project.
func OperationsPath(projectID string) string {
	return "/v1/projects/" + url.PathEscape(projectID) + "/operations"
}
