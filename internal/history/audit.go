package history

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/terminal-bench/txflow/internal/pool"
)

// AuditLog persists pool scale actions to Postgres.
type AuditLog struct {
	db *sql.DB
}

// NewAuditLog wraps an open database handle.
func NewAuditLog(db *sql.DB) *AuditLog {
	return &AuditLog{db: db}
}

// EnsureSchema creates the audit table when it does not exist yet.
func (l *AuditLog) EnsureSchema(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS scale_actions (
			id         BIGSERIAL PRIMARY KEY,
			pool_id    TEXT        NOT NULL,
			size_from  INT         NOT NULL,
			size_to    INT         NOT NULL,
			reason     TEXT        NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("failed to create scale_actions table: %w", err)
	}
	return nil
}

// RecordScaleAction appends one audit row.
func (l *AuditLog) RecordScaleAction(ctx context.Context, a pool.ScaleAction) error {
	_, err := l.db.ExecContext(ctx,
		"INSERT INTO scale_actions (pool_id, size_from, size_to, reason, occurred_at) VALUES ($1, $2, $3, $4, $5)",
		a.PoolID, a.From, a.To, a.Reason, a.At,
	)
	if err != nil {
		return fmt.Errorf("failed to record scale action: %w", err)
	}
	return nil
}

// RecentActions returns the newest audit rows, newest first.
func (l *AuditLog) RecentActions(ctx context.Context, limit int) ([]pool.ScaleAction, error) {
	rows, err := l.db.QueryContext(ctx,
		"SELECT pool_id, size_from, size_to, reason, occurred_at FROM scale_actions ORDER BY occurred_at DESC LIMIT $1",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load scale actions: %w", err)
	}
	defer rows.Close()

	var actions []pool.ScaleAction
	for rows.Next() {
		var a pool.ScaleAction
		if err := rows.Scan(&a.PoolID, &a.From, &a.To, &a.Reason, &a.At); err != nil {
			return nil, fmt.Errorf("failed to scan scale action: %w", err)
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}
