package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// AuditStore implements domain.AuditStore over the audit_log table.
type AuditStore struct {
	db DB
}

// NewAuditStore creates an AuditStore backed by db.
func NewAuditStore(db DB) *AuditStore {
	return &AuditStore{db: db}
}

// Record appends evt. The snapshot is stored as JSONB.
func (s *AuditStore) Record(ctx context.Context, evt domain.AuditEvent) error {
	detail, err := json.Marshal(evt.Snapshot)
	if err != nil {
		return fmt.Errorf("postgres: marshal audit detail: %w", err)
	}
	ts := evt.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	const query = `INSERT INTO audit_log (trade_id, event, reason, detail, created_at) VALUES ($1, $2, $3, $4, $5)`
	if _, err := s.db.Exec(ctx, query, evt.TradeID, string(evt.EventType), evt.Reason, detail, ts); err != nil {
		return fmt.Errorf("postgres: record audit event %s: %w", evt.EventType, err)
	}
	return nil
}

// List returns audit entries newest first, filtered by opts.
func (s *AuditStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	query := `SELECT id, trade_id, event, reason, detail, created_at FROM audit_log WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at < $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}
	query += " ORDER BY created_at DESC, id DESC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit entries: %w", err)
	}
	return scanAuditRows(rows)
}

// ListByTrade returns the newest entries for tradeID.
func (s *AuditStore) ListByTrade(ctx context.Context, tradeID string, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `
		SELECT id, trade_id, event, reason, detail, created_at FROM audit_log
		WHERE trade_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`
	rows, err := s.db.Query(ctx, query, tradeID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit for %s: %w", tradeID, err)
	}
	return scanAuditRows(rows)
}

// ListRange returns entries in [since, before) oldest first, for archiving.
func (s *AuditStore) ListRange(ctx context.Context, since, before time.Time) ([]domain.AuditEntry, error) {
	const query = `
		SELECT id, trade_id, event, reason, detail, created_at FROM audit_log
		WHERE created_at >= $1 AND created_at < $2 ORDER BY created_at, id`
	rows, err := s.db.Query(ctx, query, since, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit range: %w", err)
	}
	return scanAuditRows(rows)
}

// DeleteRange removes entries in [since, before) and returns how many were
// deleted. Call only after the range has been archived.
func (s *AuditStore) DeleteRange(ctx context.Context, since, before time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM audit_log WHERE created_at >= $1 AND created_at < $2`, since, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete audit range: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanAuditRows(rows pgx.Rows) ([]domain.AuditEntry, error) {
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var detail []byte
		if err := rows.Scan(&e.ID, &e.TradeID, &e.Event, &e.Reason, &detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan audit entry: %w", err)
		}
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &e.Detail); err != nil {
				return nil, fmt.Errorf("postgres: unmarshal audit detail: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: audit rows: %w", err)
	}
	return entries, nil
}
