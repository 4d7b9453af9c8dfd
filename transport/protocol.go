// Copyright 2026 The Storyweave Authors
// SPDX-License-Identifier: Apache-2.0

package transport

// FrameType identifies a streaming-channel envelope.
type FrameType string

// Client-to-server frames: hello, push, pull.
// Server-to-client frames: welcome, ack, reject, result, ops, error.
const (
	FrameHello   FrameType = "hello"
	FrameWelcome FrameType = "welcome"
	FramePush    FrameType = "push"
	FrameAck     FrameType = "ack"
	FrameReject  FrameType = "reject"
	FramePull    FrameType = "pull"
	FrameResult  FrameType = "result"
	// FrameOps carries operations another collaborator submitted. It
	// is unsolicited and has no RequestID.
	FrameOps   FrameType = "ops"
	FrameError FrameType = "error"
)

// Envelope is the single message shape exchanged on the stream,
// encoded with codec.EncodeFrame. Which fields are set depends on
// Type. Replies echo the RequestID of the frame they answer.
type Envelope struct {
	Type      FrameType `json:"type"`
	RequestID string    `json:"requestId,omitempty"`

	// hello
	ClientID string `json:"clientId,omitempty"`
	Token    string `json:"token,omitempty"`

	// hello, pull, ops
	ProjectID string `json:"projectId,omitempty"`

	// pull
	Since int64 `json:"since,omitempty"`

	// push
	Batch *OperationBatch `json:"batch,omitempty"`

	// ack, result, ops
	Result *SyncResult `json:"result,omitempty"`

	// reject
	Rejection *RejectedError `json:"rejection,omitempty"`

	// welcome (server version at connect), error
	SyncVersion int64  `json:"syncVersion,omitempty"`
	Message     string `json:"message,omitempty"`
}
