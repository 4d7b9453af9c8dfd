// Copyright 2026 The Storyweave Authors
// SPDX-License-Identifier: Apache-2.0

package devserver

import (
	"context"
	"fmt"
	"sync"

	"github.com/storyweave/storyweave/transport"
)

// OperationLog is the server's authoritative record of accepted
// batches. Each project has a version counter that advances by exactly
// one per accepted batch.
//
// Append returns a *transport.RejectedError for batches the log
// refuses; any other error is a storage failure.
type OperationLog interface {
	Version(ctx context.Context, projectID string) (int64, error)
	Append(ctx context.Context, batch transport.OperationBatch) (transport.SyncResult, error)
	Since(ctx context.Context, projectID string, sinceVersion int64) (transport.SyncResult, error)
	Close() error
}

// Store is the in-memory OperationLog. Everything is lost on exit.
type Store struct {
	mu       sync.Mutex
	projects map[string]*projectLog
}

type projectLog struct {
	version int64
	entries []logEntry
	// applied maps operation ID to the version that accepted it.
	applied map[string]int64
}

type logEntry struct {
	version    int64
	operations []transport.Operation
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{projects: make(map[string]*projectLog)}
}

func (s *Store) projectLocked(projectID string) *projectLog {
	project, ok := s.projects[projectID]
	if !ok {
		project = &projectLog{applied: make(map[string]int64)}
		s.projects[projectID] = project
	}
	return project
}

// Version returns the project's current version. Unknown projects are
// at version zero.
func (s *Store) Version(_ context.Context, projectID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if project, ok := s.projects[projectID]; ok {
		return project.version, nil
	}
	return 0, nil
}

// Append applies batch. A batch based on a version the server has not
// reached is a version conflict. A batch whose operations were all
// applied before is acknowledged again without advancing the version,
// so a client retrying after a lost reply does not double-apply.
func (s *Store) Append(_ context.Context, batch transport.OperationBatch) (transport.SyncResult, error) {
	if err := checkBatch(batch); err != nil {
		return transport.SyncResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	project := s.projectLocked(batch.ProjectID)

	if err := checkBase(batch, project.version); err != nil {
		return transport.SyncResult{}, err
	}

	replayed := 0
	for _, operation := range batch.Operations {
		if _, ok := project.applied[operation.ID]; ok {
			replayed++
		}
	}
	if replayed > 0 {
		return replayResult(batch, replayed, project.version)
	}

	project.version++
	operations := append([]transport.Operation(nil), batch.Operations...)
	project.entries = append(project.entries, logEntry{version: project.version, operations: operations})
	for _, operation := range operations {
		project.applied[operation.ID] = project.version
	}
	return accepted(batch, project.version), nil
}

// Since returns every operation accepted after sinceVersion, in
// acceptance order, with the current version.
func (s *Store) Since(_ context.Context, projectID string, sinceVersion int64) (transport.SyncResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := transport.SyncResult{Success: true, ProcessedOperations: []string{}}
	project, ok := s.projects[projectID]
	if !ok {
		return result, nil
	}
	result.SyncVersion = project.version
	for _, entry := range project.entries {
		if entry.version > sinceVersion {
			result.Operations = append(result.Operations, entry.operations...)
		}
	}
	return result, nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// The acceptance rules below are shared by every OperationLog.

func checkBatch(batch transport.OperationBatch) error {
	if err := batch.Validate(); err != nil {
		return &transport.RejectedError{
			Code:    transport.RejectInvalidBatch,
			Message: err.Error(),
		}
	}
	return nil
}

func checkBase(batch transport.OperationBatch, current int64) error {
	if batch.BaseVersion > current {
		return &transport.RejectedError{
			Code: transport.RejectVersionConflict,
			Message: fmt.Sprintf("base version %d is ahead of server version %d",
				batch.BaseVersion, current),
			CurrentVersion: current,
		}
	}
	return nil
}

// replayResult handles a batch some of whose operations were already
// applied. A full replay is acknowledged again at the current version,
// so a client retrying after a lost reply does not double-apply. A
// partial replay is refused.
func replayResult(batch transport.OperationBatch, replayed int, current int64) (transport.SyncResult, error) {
	if replayed == len(batch.Operations) {
		return accepted(batch, current), nil
	}
	return transport.SyncResult{}, &transport.RejectedError{
		Code:    transport.RejectInvalidBatch,
		Message: fmt.Sprintf("%d of %d operations were already applied", replayed, len(batch.Operations)),
	}
}

func accepted(batch transport.OperationBatch, version int64) transport.SyncResult {
	return transport.SyncResult{
		Success:             true,
		SyncVersion:         version,
		ProcessedOperations: batch.OperationIDs(),
	}
}
