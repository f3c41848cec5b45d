package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"

	"banksync/internal/domain/openbanking"
)

const createSyncRunsTable = `
	CREATE TABLE IF NOT EXISTS sync_runs (
		id              UUID PRIMARY KEY,
		provider        TEXT NOT NULL,
		requisition_id  UUID,
		window_start    DATE,
		window_end      DATE,
		started_at      TIMESTAMPTZ NOT NULL,
		finished_at     TIMESTAMPTZ NOT NULL,
		accounts_total  INTEGER NOT NULL DEFAULT 0,
		accounts_synced INTEGER NOT NULL DEFAULT 0,
		outcome         TEXT NOT NULL,
		error           TEXT
	);
	CREATE INDEX IF NOT EXISTS sync_runs_provider_started_idx
		ON sync_runs (provider, started_at DESC);
`

// SyncRunRepository stores sync runs in the sync_runs table.
type SyncRunRepository struct {
	db *DB
}

// Ensure SyncRunRepository implements openbanking.RunRecorder
var _ openbanking.RunRecorder = (*SyncRunRepository)(nil)

// NewSyncRunRepository creates a new PostgreSQL sync run repository
func NewSyncRunRepository(db *DB) *SyncRunRepository {
	return &SyncRunRepository{db: db}
}

// EnsureSchema creates the sync_runs table if it does not exist.
func (r *SyncRunRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createSyncRunsTable); err != nil {
		return fmt.Errorf("failed to create sync_runs table: %w", err)
	}
	return nil
}

// RecordRun inserts run.
func (r *SyncRunRepository) RecordRun(ctx context.Context, run openbanking.SyncRun) error {
	query := `
		INSERT INTO sync_runs (
			id, provider, requisition_id, window_start, window_end,
			started_at, finished_at, accounts_total, accounts_synced, outcome, error
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	requisitionID := uuid.NullUUID{UUID: run.RequisitionID, Valid: run.RequisitionID != uuid.Nil}

	_, err := r.db.ExecContext(ctx, query,
		run.ID, run.Provider, requisitionID, nullDate(run.WindowStart), nullDate(run.WindowEnd),
		run.StartedAt, run.FinishedAt, run.AccountsTotal, run.AccountsSynced, run.Outcome, nullString(run.Error),
	)
	if err != nil {
		return fmt.Errorf("failed to record sync run for %s: %w", run.Provider, err)
	}
	return nil
}

// ListRecent returns the latest runs, newest first. An empty provider lists
// every provider.
func (r *SyncRunRepository) ListRecent(ctx context.Context, provider string, limit int) ([]openbanking.SyncRun, error) {
	query := `
		SELECT id, provider, requisition_id, window_start, window_end,
		       started_at, finished_at, accounts_total, accounts_synced, outcome, error
		FROM sync_runs
		WHERE $1 = '' OR provider = $1
		ORDER BY started_at DESC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, provider, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync runs: %w", err)
	}
	defer rows.Close()

	var runs []openbanking.SyncRun
	for rows.Next() {
		var run openbanking.SyncRun
		var requisitionID uuid.NullUUID
		var errText sql.NullString
		var windowStart, windowEnd sql.NullTime

		if err := rows.Scan(
			&run.ID, &run.Provider, &requisitionID, &windowStart, &windowEnd,
			&run.StartedAt, &run.FinishedAt, &run.AccountsTotal, &run.AccountsSynced, &run.Outcome, &errText,
		); err != nil {
			return nil, fmt.Errorf("failed to scan sync run: %w", err)
		}

		run.RequisitionID = requisitionID.UUID
		if windowStart.Valid {
			run.WindowStart = civil.DateOf(windowStart.Time)
		}
		if windowEnd.Valid {
			run.WindowEnd = civil.DateOf(windowEnd.Time)
		}
		run.Error = errText.String
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list sync runs: %w", err)
	}
	return runs, nil
}

// nullDate maps the zero civil.Date to NULL. A run that failed before its
// window was computed has no window.
func nullDate(d civil.Date) sql.NullTime {
	if d.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: d.In(time.UTC), Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
