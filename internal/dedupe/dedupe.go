// Package dedupe keeps the submission ledger: how many times each
// estimation was submitted for ingestion.
package dedupe

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Ledger records submissions and returns the running count.
type Ledger interface {
	Record(ctx context.Context, estimationID, sourceKey string) (int, error)
	SeenCount(ctx context.Context, estimationID string) (int, error)
}

// Tracker is the Postgres-backed ledger.
type Tracker struct {
	db *sql.DB
}

// NewTracker creates the ledger, creating its table when missing.
func NewTracker(ctx context.Context, db *sql.DB, logger logrus.FieldLogger) (*Tracker, error) {
	tracker := &Tracker{db: db}

	if err := tracker.ensureTable(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure submission table: %w", err)
	}
	if logger != nil {
		logger.Info("[dedupe.ready] ingest_submissions table ready")
	}

	return tracker, nil
}

func (t *Tracker) ensureTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS ingest_submissions (
			estimation_id TEXT PRIMARY KEY,
			last_source_key TEXT,
			first_seen_at TIMESTAMPTZ DEFAULT NOW(),
			last_seen_at TIMESTAMPTZ DEFAULT NOW(),
			seen_count INTEGER DEFAULT 1
		)
	`

	if _, err := t.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create ingest_submissions table: %w", err)
	}
	return nil
}

// Record records a submission and returns the seen count
func (t *Tracker) Record(ctx context.Context, estimationID, sourceKey string) (int, error) {
	// Upsert: increment seen_count if exists, insert if not
	query := `
		INSERT INTO ingest_submissions (estimation_id, last_source_key, first_seen_at, last_seen_at, seen_count)
		VALUES ($1, $2, NOW(), NOW(), 1)
		ON CONFLICT (estimation_id) DO UPDATE
		SET last_seen_at = NOW(),
		    seen_count = ingest_submissions.seen_count + 1,
		    last_source_key = EXCLUDED.last_source_key
		RETURNING seen_count
	`

	var seenCount int
	err := t.db.QueryRowContext(ctx, query, estimationID, sourceKey).Scan(&seenCount)
	if err != nil {
		return 0, fmt.Errorf("failed to record submission: %w", err)
	}

	return seenCount, nil
}

// SeenCount returns how often an estimation was submitted.
func (t *Tracker) SeenCount(ctx context.Context, estimationID string) (int, error) {
	query := `SELECT seen_count FROM ingest_submissions WHERE estimation_id = $1`

	var seenCount int
	err := t.db.QueryRowContext(ctx, query, estimationID).Scan(&seenCount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get seen count: %w", err)
	}

	return seenCount, nil
}

// MemoryLedger keeps counts in process memory.
type MemoryLedger struct {
	mu     sync.Mutex
	counts map[string]int
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{counts: make(map[string]int)}
}

func (l *MemoryLedger) Record(ctx context.Context, estimationID, sourceKey string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counts[estimationID]++
	return l.counts[estimationID], nil
}

func (l *MemoryLedger) SeenCount(ctx context.Context, estimationID string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[estimationID], nil
}
