// Copyright 2026 The Storyweave Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// Operation is one recorded edit action. Operations are immutable once
// created; Payload is opaque to this package.
type Operation struct {
	ID              string          `json:"id"`
	Type            string          `json:"type"`
	TargetID        string          `json:"targetId"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	ClientTimestamp time.Time       `json:"clientTimestamp"`
	ActorID         string          `json:"actorId"`
}

// NewOperation builds an Operation with a fresh ULID, so operation IDs
// sort by creation time. payload is JSON-encoded; a nil payload leaves
// Payload empty.
func NewOperation(operationType, targetID, actorID string, payload any, now time.Time) (Operation, error) {
	if operationType == "" {
		return Operation{}, errors.New("transport: operation type is required")
	}
	var encoded json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Operation{}, fmt.Errorf("transport: encoding %s payload: %w", operationType, err)
		}
		encoded = data
	}
	return Operation{
		ID:              NewID(now),
		Type:            operationType,
		TargetID:        targetID,
		Payload:         encoded,
		ClientTimestamp: now.UTC(),
		ActorID:         actorID,
	}, nil
}

// NewID returns a ULID string timestamped at now. Used for operation
// IDs and stream request IDs.
func NewID(now time.Time) string {
	return ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()
}

// OperationBatch is an ordered group of operations submitted together
// against BaseVersion, the last sync version the client had applied.
// A batch is single use: the caller discards it once it has an
// outcome, success or failure.
type OperationBatch struct {
	ProjectID   string      `json:"projectId"`
	BaseVersion int64       `json:"baseVersion"`
	Operations  []Operation `json:"operations"`
}

// Validate checks the batch shape before it is put on the wire. It
// does not judge the operations' content.
func (b OperationBatch) Validate() error {
	var errs []error
	if b.ProjectID == "" {
		errs = append(errs, errors.New("projectId is required"))
	}
	if b.BaseVersion < 0 {
		errs = append(errs, fmt.Errorf("baseVersion must be non-negative, got %d", b.BaseVersion))
	}
	if len(b.Operations) == 0 {
		errs = append(errs, errors.New("batch has no operations"))
	}
	seen := make(map[string]int, len(b.Operations))
	for index, operation := range b.Operations {
		if operation.ID == "" {
			errs = append(errs, fmt.Errorf("operations[%d]: id is required", index))
			continue
		}
		if operation.Type == "" {
			errs = append(errs, fmt.Errorf("operations[%d] (%s): type is required", index, operation.ID))
		}
		if previous, ok := seen[operation.ID]; ok {
			errs = append(errs, fmt.Errorf("operations[%d]: id %s duplicates operations[%d]", index, operation.ID, previous))
		}
		seen[operation.ID] = index
	}
	if len(errs) > 0 {
		return fmt.Errorf("transport: invalid batch: %w", errors.Join(errs...))
	}
	return nil
}

// OperationIDs returns the IDs of the batch's operations in order.
func (b OperationBatch) OperationIDs() []string {
	ids := make([]string, len(b.Operations))
	for i, operation := range b.Operations {
		ids[i] = operation.ID
	}
	return ids
}

// Path names the channel that produced a SyncResult.
type Path string

const (
	PathStreaming  Path = "streaming"
	PathPersistent Path = "persistent"
)

// FallbackReason records why a write did not complete on the
// streaming channel. Empty when streaming handled it.
type FallbackReason string

const (
	// FallbackStreamingFailed: streaming was attempted and failed, and
	// the batch went to the persistent channel.
	FallbackStreamingFailed FallbackReason = "ws_fallback"
	// FallbackStreamingUnavailable: streaming was preferred but absent,
	// offline, or disconnected, so it was never attempted.
	FallbackStreamingUnavailable FallbackReason = "ws_unavailable"
	// FallbackPersistentPreferred: streaming preference is off.
	FallbackPersistentPreferred FallbackReason = "rest_preferred"
)

// SyncResult is the outcome of a push or pull. SyncVersion is the
// project's server-side counter after the call; it only increases.
// ProcessedOperations echoes the IDs the server durably accepted.
// Operations is populated by pulls only.
type SyncResult struct {
	Success             bool           `json:"success"`
	SyncVersion         int64          `json:"syncVersion"`
	ProcessedOperations []string       `json:"processedOperations"`
	Operations          []Operation    `json:"operations,omitempty"`
	Error               string         `json:"error,omitempty"`
	Path                Path           `json:"path,omitempty"`
	FallbackReason      FallbackReason `json:"fallbackReason,omitempty"`
}
