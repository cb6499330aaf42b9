package domain

import "time"

// CloseDecision is the engine's verdict that a position must be closed. It
// is the input to a transition attempt and is never stored on its own.
type CloseDecision struct {
	ID        string
	TradeID   string
	Reason    CriteriaKind
	Observed  float64
	Threshold float64
	Snapshot  MonitoredPosition
	DecidedAt time.Time
}
