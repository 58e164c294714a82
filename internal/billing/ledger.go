package billing

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/ashita-ai/sekimon/internal/model"
)

// Ledger is the append-only history of billable action transitions.
type Ledger interface {
	Append(ctx context.Context, a model.BillableAction) error
	History(ctx context.Context, actionID uuid.UUID) ([]model.BillableAction, error)
	Close() error
}

// SQLiteLedger writes one row per transition. Rows are never updated or
// deleted.
type SQLiteLedger struct {
	db *sql.DB
}

// OpenSQLiteLedger opens or creates the ledger at path. Use ":memory:" for
// a process-local ledger.
func OpenSQLiteLedger(path string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("billing: open ledger: %w", err)
	}
	// SQLite is single-writer; one connection also keeps ":memory:" a
	// single database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	stmts := []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA busy_timeout=5000`,
		`CREATE TABLE IF NOT EXISTS billable_action_log (
			seq             INTEGER PRIMARY KEY AUTOINCREMENT,
			action_id       TEXT NOT NULL,
			trace_id        TEXT NOT NULL,
			idempotency_key TEXT NOT NULL,
			caller_id       TEXT NOT NULL,
			action          TEXT NOT NULL,
			amount          INTEGER NOT NULL,
			currency        TEXT NOT NULL,
			digest          TEXT NOT NULL,
			status          TEXT NOT NULL,
			failure_reason  TEXT NOT NULL DEFAULT '',
			created_at      INTEGER NOT NULL,
			recorded_at     INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_action_log_action ON billable_action_log(action_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_action_log_key ON billable_action_log(idempotency_key)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("billing: migrate ledger: %w", err)
		}
	}
	return &SQLiteLedger{db: db}, nil
}

// Append records the action's current state.
func (l *SQLiteLedger) Append(ctx context.Context, a model.BillableAction) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO billable_action_log
			(action_id, trace_id, idempotency_key, caller_id, action, amount, currency, digest, status, failure_reason, created_at, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID.String(), a.TraceID, a.IdempotencyKey, a.CallerID, a.Action, a.Amount, a.Currency,
		a.Digest, string(a.Status), a.FailureReason, a.CreatedAt.UnixMilli(), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("billing: append %s/%s: %w", a.ID, a.Status, err)
	}
	return nil
}

// History returns every recorded state of the action, oldest first.
func (l *SQLiteLedger) History(ctx context.Context, actionID uuid.UUID) ([]model.BillableAction, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT action_id, trace_id, idempotency_key, caller_id, action, amount, currency, digest, status, failure_reason, created_at
		 FROM billable_action_log WHERE action_id = ? ORDER BY seq`,
		actionID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("billing: history %s: %w", actionID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.BillableAction
	for rows.Next() {
		var (
			a         model.BillableAction
			id        string
			status    string
			createdAt int64
		)
		if err := rows.Scan(&id, &a.TraceID, &a.IdempotencyKey, &a.CallerID, &a.Action, &a.Amount,
			&a.Currency, &a.Digest, &status, &a.FailureReason, &createdAt); err != nil {
			return nil, fmt.Errorf("billing: scan history: %w", err)
		}
		if a.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("billing: history row has bad id %q: %w", id, err)
		}
		a.Status = model.ActionStatus(status)
		a.CreatedAt = time.UnixMilli(createdAt).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

// Close closes the database.
func (l *SQLiteLedger) Close() error { return l.db.Close() }
