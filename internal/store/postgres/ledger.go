package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// Ledger implements domain.TradeLedger over the trades table.
type Ledger struct {
	db DB
}

// NewLedger creates a Ledger backed by db.
func NewLedger(db DB) *Ledger {
	return &Ledger{db: db}
}

const tradeSelectCols = `trade_id, ticket_id, symbol, market, strike, side,
	entry_price, position_size, entry_time, status,
	exit_price, closed_at, COALESCE(close_method, ''), COALESCE(close_reason, ''),
	COALESCE(close_request_id, ''), updated_at`

func scanTrade(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var status, method string
	err := row.Scan(
		&p.TradeID, &p.TicketID, &p.Contract.Symbol, &p.Contract.Market, &p.Contract.Strike, &p.Contract.Side,
		&p.EntryPrice, &p.PositionSize, &p.EntryTime, &status,
		&p.ExitPrice, &p.ClosedAt, &method, &p.CloseReason,
		&p.CloseRequestID, &p.UpdatedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Status = domain.PositionStatus(status)
	p.CloseMethod = domain.CloseMethod(method)
	return p, nil
}

// ListActive returns every ACTIVE position.
func (l *Ledger) ListActive(ctx context.Context) ([]domain.Position, error) {
	return l.ListByStatus(ctx, domain.StatusActive)
}

// ListByStatus returns positions in status ordered by trade id.
func (l *Ledger) ListByStatus(ctx context.Context, status domain.PositionStatus) ([]domain.Position, error) {
	query := `SELECT ` + tradeSelectCols + ` FROM trades WHERE status = $1 ORDER BY trade_id`
	rows, err := l.db.Query(ctx, query, string(status))
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades %s: %w", status, err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		p, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan trade: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list trades %s rows: %w", status, err)
	}
	return out, nil
}

// TryTransition is a single conditional UPDATE guarded by the expected
// current status. Zero rows affected means another actor moved first.
func (l *Ledger) TryTransition(ctx context.Context, tradeID string, from, to domain.PositionStatus, f domain.TransitionFields) (bool, error) {
	if !domain.CanTransition(from, to) {
		return false, fmt.Errorf("postgres: transition %s %s -> %s: %w", tradeID, from, to, domain.ErrInvalidTransition)
	}

	const query = `
		UPDATE trades SET
			status           = $3,
			exit_price       = COALESCE($4, exit_price),
			closed_at        = COALESCE($5, closed_at),
			close_method     = CASE WHEN $9 THEN NULL ELSE COALESCE(NULLIF($6, ''), close_method) END,
			close_reason     = CASE WHEN $9 THEN NULL ELSE COALESCE(NULLIF($7, ''), close_reason) END,
			close_request_id = CASE WHEN $9 THEN NULL ELSE COALESCE(NULLIF($8, ''), close_request_id) END,
			updated_at       = NOW()
		WHERE trade_id = $1 AND status = $2`

	tag, err := l.db.Exec(ctx, query,
		tradeID, string(from), string(to),
		f.ExitPrice, f.ClosedAt,
		string(f.CloseMethod), f.CloseReason, f.CloseRequestID,
		f.ClearClose,
	)
	if err != nil {
		return false, fmt.Errorf("postgres: transition %s %s -> %s: %w", tradeID, from, to, err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetStatus returns the stored status of tradeID.
func (l *Ledger) GetStatus(ctx context.Context, tradeID string) (domain.PositionStatus, error) {
	var status string
	err := l.db.QueryRow(ctx, `SELECT status FROM trades WHERE trade_id = $1`, tradeID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("postgres: trade %s: %w", tradeID, domain.ErrNotFound)
		}
		return "", fmt.Errorf("postgres: get status %s: %w", tradeID, err)
	}
	return domain.PositionStatus(status), nil
}

// AttachCloseRequest stores requestID on a CLOSING position.
func (l *Ledger) AttachCloseRequest(ctx context.Context, tradeID, requestID string) error {
	const query = `
		UPDATE trades SET close_request_id = $2, updated_at = NOW()
		WHERE trade_id = $1 AND status = 'CLOSING'`
	tag, err := l.db.Exec(ctx, query, tradeID, requestID)
	if err != nil {
		return fmt.Errorf("postgres: attach close request %s: %w", tradeID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: closing trade %s: %w", tradeID, domain.ErrNotFound)
	}
	return nil
}
