package domain

import (
	"strings"
	"time"
)

// PositionStatus is the canonical lifecycle state of a position as recorded
// by the trade ledger.
type PositionStatus string

const (
	StatusPending PositionStatus = "PENDING"
	StatusActive  PositionStatus = "ACTIVE"
	StatusClosing PositionStatus = "CLOSING"
	StatusClosed  PositionStatus = "CLOSED"
	StatusExpired PositionStatus = "EXPIRED"
	StatusFailed  PositionStatus = "FAILED"
)

// CloseMethod records which actor closed a position.
type CloseMethod string

const (
	CloseMethodManual   CloseMethod = "manual"
	CloseMethodAutoStop CloseMethod = "auto_stop"
	CloseMethodExpiry   CloseMethod = "expiry"
)

// ValidTransitions lists every permitted status change. CLOSING -> ACTIVE is
// the only backwards edge and is reserved for dispatch rollback.
var ValidTransitions = map[PositionStatus][]PositionStatus{
	StatusPending: {StatusActive, StatusFailed},
	StatusActive:  {StatusClosing, StatusExpired, StatusFailed},
	StatusClosing: {StatusClosed, StatusActive, StatusFailed},
	StatusClosed:  {},
	StatusExpired: {},
	StatusFailed:  {},
}

// CanTransition reports whether from -> to is a permitted transition.
func CanTransition(from, to PositionStatus) bool {
	for _, allowed := range ValidTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are possible from s.
func (s PositionStatus) IsTerminal() bool {
	switch s {
	case StatusClosed, StatusExpired, StatusFailed:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the known statuses.
func (s PositionStatus) Valid() bool {
	_, ok := ValidTransitions[s]
	return ok
}

// Contract describes the binary-outcome instrument a position holds.
type Contract struct {
	Symbol string
	Market string
	Strike float64
	Side   string // YES/NO or ABOVE/BELOW
}

// Direction returns +1 when the contract pays out on the reference price
// rising (YES, ABOVE, LONG, CALL) and -1 otherwise.
func (c Contract) Direction() float64 {
	switch strings.ToUpper(strings.TrimSpace(c.Side)) {
	case "NO", "BELOW", "SHORT", "PUT", "DOWN":
		return -1
	default:
		return 1
	}
}

// Position is the ledger's record of one open or historical contract.
type Position struct {
	TradeID        string
	TicketID       string
	Contract       Contract
	EntryPrice     float64
	PositionSize   float64
	EntryTime      time.Time
	Status         PositionStatus
	ExitPrice      *float64
	ClosedAt       *time.Time
	CloseMethod    CloseMethod
	CloseReason    string
	CloseRequestID string
	UpdatedAt      time.Time
}

// CostBasis returns entry price times size.
func (p Position) CostBasis() float64 {
	return p.EntryPrice * p.PositionSize
}

// TransitionFields carries the columns written alongside a status change.
// Zero values are left untouched by the ledger.
type TransitionFields struct {
	ExitPrice      *float64
	ClosedAt       *time.Time
	CloseMethod    CloseMethod
	CloseReason    string
	CloseRequestID string
	ClearClose     bool // reset close_method/close_reason/close_request_id (rollback)
}
