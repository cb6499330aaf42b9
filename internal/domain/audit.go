package domain

import (
	"context"
	"time"
)

// AuditEventType classifies supervisor audit events.
type AuditEventType string

const (
	AuditAdopted               AuditEventType = "adopted"
	AuditEvicted               AuditEventType = "evicted"
	AuditResumed               AuditEventType = "resumed"
	AuditDecision              AuditEventType = "decision"
	AuditCloseRequested        AuditEventType = "close_requested"
	AuditConflictingTransition AuditEventType = "conflicting_transition"
	AuditDispatchAttemptFailed AuditEventType = "dispatch_attempt_failed"
	AuditDispatchFailure       AuditEventType = "dispatch_failure"
	AuditClosed                AuditEventType = "closed"
	AuditTransitionError       AuditEventType = "transition_error"
)

// AuditEvent is one structured record of a decision or transition.
type AuditEvent struct {
	TradeID   string         `json:"trade_id"`
	EventType AuditEventType `json:"event_type"`
	Reason    string         `json:"reason,omitempty"`
	Snapshot  map[string]any `json:"snapshot,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// AuditSink receives audit events. Implementations must be safe for
// concurrent use.
type AuditSink interface {
	Record(ctx context.Context, evt AuditEvent) error
}
