// Package journal persists per-attempt outcomes to SQLite for later
// inspection. Writes happen off the classification path and a failed write
// never fails a request.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/relayguard/relayguard/internal/core/domain"
	"github.com/relayguard/relayguard/internal/core/ports"
)

// Store is a SQLite-backed attempt journal.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the journal database at path.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize journal schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS attempts (
			id TEXT PRIMARY KEY,
			request_id TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			mode TEXT NOT NULL,
			decision TEXT NOT NULL,
			reason TEXT,
			status TEXT,
			duration_ns INTEGER,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_request ON attempts(request_id)`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_created ON attempts(created_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("execute schema statement: %w", err)
		}
	}
	return nil
}

// RecordAttempt inserts one attempt row.
func (s *Store) RecordAttempt(ctx context.Context, rec *domain.AttemptRecord) error {
	id := rec.ID
	if id == "" {
		id = uuid.New().String()
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	query := `INSERT INTO attempts (id, request_id, attempt, mode, decision, reason, status, duration_ns, created_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		id, rec.RequestID, rec.Attempt, rec.Mode, rec.Decision, rec.Reason, rec.Status,
		rec.Duration.Nanoseconds(), createdAt)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

// AttemptsForRequest returns the recorded attempts for one request in
// issue order.
func (s *Store) AttemptsForRequest(ctx context.Context, requestID string) ([]*domain.AttemptRecord, error) {
	query := `SELECT id, request_id, attempt, mode, decision, reason, status, duration_ns, created_at
	          FROM attempts WHERE request_id = ? ORDER BY attempt`
	rows, err := s.db.QueryContext(ctx, query, requestID)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var out []*domain.AttemptRecord
	for rows.Next() {
		rec := &domain.AttemptRecord{}
		var durationNS int64
		if err := rows.Scan(&rec.ID, &rec.RequestID, &rec.Attempt, &rec.Mode,
			&rec.Decision, &rec.Reason, &rec.Status, &durationNS, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		rec.Duration = time.Duration(durationNS)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

var _ ports.AttemptJournal = (*Store)(nil)
