// Copyright 2026 The Storyweave Authors
// SPDX-License-Identifier: Apache-2.0

package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/storyweave/storyweave/lib/sqlitepool"
	"github.com/storyweave/storyweave/transport"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS projects (
	project_id TEXT PRIMARY KEY,
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS operations (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id TEXT NOT NULL,
	operation_id TEXT NOT NULL,
	version INTEGER NOT NULL,
	body TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_operations_id
ON operations(project_id, operation_id);

CREATE INDEX IF NOT EXISTS idx_operations_version
ON operations(project_id, version);
`

// SQLiteStore is an OperationLog kept in a SQLite file, so a
// development server can be restarted without losing its projects.
type SQLiteStore struct {
	pool *sqlitepool.Pool
}

// OpenSQLite opens (creating if needed) the database at path. The
// schema is applied to each connection as the pool opens it.
func OpenSQLite(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   path,
		Logger: logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, sqliteSchema, nil)
		},
	})
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{pool: pool}, nil
}

// Close closes the pool.
func (s *SQLiteStore) Close() error {
	return s.pool.Close()
}

// Version returns the project's current version, zero when unknown.
func (s *SQLiteStore) Version(ctx context.Context, projectID string) (int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)
	return projectVersion(conn, projectID)
}

func projectVersion(conn *sqlite.Conn, projectID string) (int64, error) {
	var version int64
	err := sqlitex.Execute(conn, "SELECT version FROM projects WHERE project_id = ?", &sqlitex.ExecOptions{
		Args: []any{projectID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			version = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("query project version: %w", err)
	}
	return version, nil
}

// Append applies batch with the same rules as Store.Append, in one
// immediate transaction.
func (s *SQLiteStore) Append(ctx context.Context, batch transport.OperationBatch) (result transport.SyncResult, err error) {
	if err := checkBatch(batch); err != nil {
		return transport.SyncResult{}, err
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return transport.SyncResult{}, err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return transport.SyncResult{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer endTransaction(&err)

	current, err := projectVersion(conn, batch.ProjectID)
	if err != nil {
		return transport.SyncResult{}, err
	}
	if err := checkBase(batch, current); err != nil {
		return transport.SyncResult{}, err
	}

	replayed := 0
	for _, operation := range batch.Operations {
		err := sqlitex.Execute(conn,
			"SELECT 1 FROM operations WHERE project_id = ? AND operation_id = ?",
			&sqlitex.ExecOptions{
				Args: []any{batch.ProjectID, operation.ID},
				ResultFunc: func(*sqlite.Stmt) error {
					replayed++
					return nil
				},
			})
		if err != nil {
			return transport.SyncResult{}, fmt.Errorf("query operation %s: %w", operation.ID, err)
		}
	}
	if replayed > 0 {
		return replayResult(batch, replayed, current)
	}

	next := current + 1
	err = sqlitex.Execute(conn, `
		INSERT INTO projects (project_id, version) VALUES (?, ?)
		ON CONFLICT(project_id) DO UPDATE SET version = excluded.version
	`, &sqlitex.ExecOptions{Args: []any{batch.ProjectID, next}})
	if err != nil {
		return transport.SyncResult{}, fmt.Errorf("update project version: %w", err)
	}
	for _, operation := range batch.Operations {
		body, err := json.Marshal(operation)
		if err != nil {
			return transport.SyncResult{}, fmt.Errorf("encode operation %s: %w", operation.ID, err)
		}
		err = sqlitex.Execute(conn, `
			INSERT INTO operations (project_id, operation_id, version, body)
			VALUES (?, ?, ?, ?)
		`, &sqlitex.ExecOptions{Args: []any{batch.ProjectID, operation.ID, next, string(body)}})
		if err != nil {
			return transport.SyncResult{}, fmt.Errorf("insert operation %s: %w", operation.ID, err)
		}
	}
	return accepted(batch, next), nil
}

// Since returns every operation accepted after sinceVersion, in
// acceptance order, with the current version.
func (s *SQLiteStore) Since(ctx context.Context, projectID string, sinceVersion int64) (transport.SyncResult, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return transport.SyncResult{}, err
	}
	defer s.pool.Put(conn)

	version, err := projectVersion(conn, projectID)
	if err != nil {
		return transport.SyncResult{}, err
	}
	result := transport.SyncResult{Success: true, SyncVersion: version, ProcessedOperations: []string{}}

	err = sqlitex.Execute(conn, `
		SELECT body FROM operations
		WHERE project_id = ? AND version > ? AND version <= ?
		ORDER BY seq ASC
	`, &sqlitex.ExecOptions{
		Args: []any{projectID, sinceVersion, version},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			var operation transport.Operation
			if err := json.Unmarshal([]byte(stmt.ColumnText(0)), &operation); err != nil {
				return fmt.Errorf("decode operation: %w", err)
			}
			result.Operations = append(result.Operations, operation)
			return nil
		},
	})
	if err != nil {
		return transport.SyncResult{}, fmt.Errorf("query operations: %w", err)
	}
	return result, nil
}
