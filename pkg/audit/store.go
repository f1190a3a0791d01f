// Package audit persists state transitions and batch execution results to
// SQLite.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/core-tools/hsu-plugin-lifecycle/pkg/batch"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/errors"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/events"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/logging"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/statemachine"
)

// MemoryPath opens a private in-memory database
const MemoryPath = ":memory:"

const schema = `
CREATE TABLE IF NOT EXISTS transitions (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	instance_id TEXT    NOT NULL,
	transition  TEXT    NOT NULL,
	from_state  TEXT    NOT NULL,
	to_state    TEXT    NOT NULL,
	reason      TEXT    NOT NULL DEFAULT '',
	success     INTEGER NOT NULL,
	error       TEXT    NOT NULL DEFAULT '',
	duration_ns INTEGER NOT NULL,
	occurred_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transitions_instance ON transitions (instance_id, id);

CREATE TABLE IF NOT EXISTS batch_results (
	execution_id     TEXT PRIMARY KEY,
	batch_id         TEXT    NOT NULL,
	strategy         TEXT    NOT NULL,
	status           TEXT    NOT NULL,
	success          INTEGER NOT NULL,
	total_items      INTEGER NOT NULL,
	successful_items INTEGER NOT NULL,
	failed_items     INTEGER NOT NULL,
	started_at       INTEGER NOT NULL,
	completed_at     INTEGER NOT NULL,
	result           TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_batch_results_completed ON batch_results (completed_at);
`

type Store struct {
	db     *sql.DB
	logger logging.Logger
}

// Open opens or creates the audit database at path and applies the schema
func Open(ctx context.Context, path string, logger logging.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", path)
	if path == MemoryPath {
		dsn = "file::memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.NewIOError("failed to open audit database", err).WithContext("path", path)
	}
	// A single connection serializes writers and keeps in-memory databases shared
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.NewIOError("failed to connect to audit database", err).WithContext("path", path)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, errors.NewIOError("failed to apply audit schema", err).WithContext("path", path)
	}

	logger.Infof("Audit store opened, path: %s", path)
	return &Store{db: db, logger: logger}, nil
}

func (s *Store) RecordTransition(ctx context.Context, result statemachine.TransitionResult) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transitions (instance_id, transition, from_state, to_state, reason, success, error, duration_ns, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.InstanceID, string(result.Transition), string(result.From), string(result.To), result.Reason,
		result.Success, result.Error, int64(result.Duration), result.Timestamp.UnixNano(),
	)
	if err != nil {
		return errors.NewIOError("failed to record transition", err).WithContext("instance_id", result.InstanceID)
	}
	return nil
}

// RecentTransitions returns recorded transitions, most recent first. An empty
// instanceID selects every instance; a limit of zero or less returns all.
func (s *Store) RecentTransitions(ctx context.Context, instanceID string, limit int) ([]statemachine.TransitionResult, error) {
	query := `SELECT instance_id, transition, from_state, to_state, reason, success, error, duration_ns, occurred_at
		FROM transitions`
	var args []interface{}
	if instanceID != "" {
		query += ` WHERE instance_id = ?`
		args = append(args, instanceID)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.NewIOError("failed to query transitions", err).WithContext("instance_id", instanceID)
	}
	defer rows.Close()

	var results []statemachine.TransitionResult
	for rows.Next() {
		var (
			result                     statemachine.TransitionResult
			transition, from, to       string
			durationNanos, occurredAtN int64
		)
		if err := rows.Scan(&result.InstanceID, &transition, &from, &to, &result.Reason, &result.Success,
			&result.Error, &durationNanos, &occurredAtN); err != nil {
			return nil, errors.NewIOError("failed to read transition", err)
		}
		result.Transition = statemachine.Transition(transition)
		result.From = statemachine.State(from)
		result.To = statemachine.State(to)
		result.Duration = time.Duration(durationNanos)
		result.Timestamp = time.Unix(0, occurredAtN)
		results = append(results, result)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewIOError("failed to read transitions", err)
	}
	return results, nil
}

// RecordBatchResult stores a finished execution. Recording the same
// execution again replaces the earlier row.
func (s *Store) RecordBatchResult(ctx context.Context, result batch.ExecutionResult) error {
	encoded, err := json.Marshal(result)
	if err != nil {
		return errors.NewInternalError("failed to encode batch result", err).WithContext("execution_id", result.ExecutionID)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO batch_results
		 (execution_id, batch_id, strategy, status, success, total_items, successful_items, failed_items, started_at, completed_at, result)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.ExecutionID, result.BatchID, string(result.Strategy), string(result.Status), result.Success,
		result.Summary.TotalItems, result.Summary.SuccessfulItems, result.Summary.FailedItems,
		result.StartedAt.UnixNano(), result.CompletedAt.UnixNano(), string(encoded),
	)
	if err != nil {
		return errors.NewIOError("failed to record batch result", err).WithContext("execution_id", result.ExecutionID)
	}
	return nil
}

func (s *Store) BatchResult(ctx context.Context, executionID string) (batch.ExecutionResult, error) {
	var encoded string
	err := s.db.QueryRowContext(ctx, `SELECT result FROM batch_results WHERE execution_id = ?`, executionID).Scan(&encoded)
	if err == sql.ErrNoRows {
		return batch.ExecutionResult{}, errors.NewNotFoundError("batch result not found", nil).WithContext("execution_id", executionID)
	}
	if err != nil {
		return batch.ExecutionResult{}, errors.NewIOError("failed to query batch result", err).WithContext("execution_id", executionID)
	}
	return decodeBatchResult(encoded)
}

// RecentBatchResults returns stored executions, most recently completed first
func (s *Store) RecentBatchResults(ctx context.Context, limit int) ([]batch.ExecutionResult, error) {
	query := `SELECT result FROM batch_results ORDER BY completed_at DESC`
	var args []interface{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.NewIOError("failed to query batch results", err)
	}
	defer rows.Close()

	var results []batch.ExecutionResult
	for rows.Next() {
		var encoded string
		if err := rows.Scan(&encoded); err != nil {
			return nil, errors.NewIOError("failed to read batch result", err)
		}
		result, err := decodeBatchResult(encoded)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewIOError("failed to read batch results", err)
	}
	return results, nil
}

func decodeBatchResult(encoded string) (batch.ExecutionResult, error) {
	var result batch.ExecutionResult
	if err := json.Unmarshal([]byte(encoded), &result); err != nil {
		return batch.ExecutionResult{}, errors.NewInternalError("failed to decode batch result", err)
	}
	return result, nil
}

// Follow records every transition published on sub until ctx is done or the
// subscription closes. Transitions already buffered when ctx is done are still
// written. Write failures are logged and do not stop the loop.
func (s *Store) Follow(ctx context.Context, sub *events.Subscription[statemachine.Event]) {
	writeCtx := context.WithoutCancel(ctx)
	for {
		event, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if event.Type != statemachine.EventTransitionCompleted && event.Type != statemachine.EventTransitionFailed {
			continue
		}
		if err := s.RecordTransition(writeCtx, event.Result); err != nil {
			s.logger.Warnf("Failed to record transition, instance: %s, error: %v", event.InstanceID, err)
		}
	}
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return errors.NewIOError("failed to close audit database", err)
	}
	return nil
}
