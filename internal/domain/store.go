package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// TradeLedger is the authoritative store of positions shared with the trade
// ledger process. All status changes go through TryTransition, which is a
// single conditional write and the only cross-process coordination point.
type TradeLedger interface {
	ListActive(ctx context.Context) ([]Position, error)
	ListByStatus(ctx context.Context, status PositionStatus) ([]Position, error)
	// TryTransition moves tradeID from -> to only if its stored status is
	// still from. It returns false, nil when another actor got there first.
	TryTransition(ctx context.Context, tradeID string, from, to PositionStatus, fields TransitionFields) (bool, error)
	GetStatus(ctx context.Context, tradeID string) (PositionStatus, error)
	// AttachCloseRequest records the dispatcher request id on a CLOSING
	// position so a restarted supervisor can find it.
	AttachCloseRequest(ctx context.Context, tradeID, requestID string) error
}

// SnapshotProvider supplies the latest market snapshot per trade. Missing
// ids are omitted from the result rather than reported as errors.
type SnapshotProvider interface {
	Get(ctx context.Context, tradeIDs []string) (map[string]MarketSnapshot, error)
}

// ExecutionDispatcher accepts close orders and reports their outcome.
type ExecutionDispatcher interface {
	// Close submits a close order. Calls sharing idempotencyKey return the
	// same request, so a key must change once its request is final.
	Close(ctx context.Context, tradeID, idempotencyKey string) (requestID string, err error)
	Poll(ctx context.Context, requestID string) (DispatchResult, error)
	// Lookup returns the most recent close request issued for tradeID, if
	// any, so a close is never issued twice for the same position.
	Lookup(ctx context.Context, tradeID string) (requestID string, found bool, err error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	TradeID   string         `json:"trade_id"`
	Event     string         `json:"event"`
	Reason    string         `json:"reason,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists and lists the append-only audit log.
type AuditStore interface {
	AuditSink
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
	ListByTrade(ctx context.Context, tradeID string, limit int) ([]AuditEntry, error)
}
