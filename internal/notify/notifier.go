// Package notify delivers supervisor alerts to operator channels (Telegram,
// Discord) filtered by event type.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Events raised by the supervisor.
const (
	EventPositionClosed  = "position_closed"
	EventDispatchFailure = "dispatch_failure"
	EventLedgerEscalated = "ledger_escalated"
	EventLedgerRecovered = "ledger_recovered"
)

// DefaultEvents is the event filter used when none is configured.
var DefaultEvents = []string{EventPositionClosed, EventDispatchFailure, EventLedgerEscalated, EventLedgerRecovered}

// Alert is one operator notification.
type Alert struct {
	Event   string
	Title   string
	Message string
}

// Critical reports whether the alert needs someone to act.
func (a Alert) Critical() bool {
	return a.Event == EventDispatchFailure || a.Event == EventLedgerEscalated
}

// Sender delivers alerts to one channel.
type Sender interface {
	Send(ctx context.Context, a Alert) error
	Name() string
}

// Notifier fans alerts out to its senders, keeping only the configured event
// types and dropping repeats inside the quiet period.
type Notifier struct {
	senders []Sender
	events  map[string]bool // allowed event types
	logger  *slog.Logger

	// Identical event+title alerts within quiet are dropped.
	quiet  time.Duration
	mu     sync.Mutex
	recent map[string]time.Time
	now    func() time.Time
}

// NewNotifier creates a Notifier that will deliver to the given senders. Only
// events whose type appears in the events slice will be forwarded by Notify.
// If events is empty, all event types are allowed.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		allowed[strings.TrimSpace(e)] = true
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
		recent:  make(map[string]time.Time),
		now:     time.Now,
	}
}

// WithQuietPeriod suppresses repeats of the same event and title within d.
func (n *Notifier) WithQuietPeriod(d time.Duration) *Notifier {
	n.quiet = d
	return n
}

// suppressed reports whether event+title was already sent within the quiet
// period, and records it otherwise.
func (n *Notifier) suppressed(event, title string) bool {
	if n.quiet <= 0 {
		return false
	}
	key := event + "|" + title
	now := n.now()

	n.mu.Lock()
	defer n.mu.Unlock()
	if last, ok := n.recent[key]; ok && now.Sub(last) < n.quiet {
		return true
	}
	for k, t := range n.recent {
		if now.Sub(t) >= n.quiet {
			delete(n.recent, k)
		}
	}
	n.recent[key] = now
	return false
}

// Notify sends an alert to every sender when event passes the filter and is
// not a recent repeat. A failing sender does not stop the others.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		return nil
	}
	if n.suppressed(event, title) {
		n.logger.DebugContext(ctx, "duplicate alert suppressed", slog.String("event", event))
		return nil
	}

	alert := Alert{Event: event, Title: title, Message: message}
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, alert); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("event", event),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}
