// Package audit fans supervisor audit events out to the durable store, the
// event bus and the process log.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

const (
	// Channel is the pub/sub channel live audit events are published on.
	Channel = "autostop"
	// Stream is the redis stream audit events are appended to.
	Stream = "stream:audit"
)

// MultiSink records every event on each of its sinks. A failing sink does not
// stop the others; all failures are joined into the returned error.
type MultiSink struct {
	sinks []domain.AuditSink
}

// NewMultiSink creates a MultiSink. Nil sinks are skipped.
func NewMultiSink(sinks ...domain.AuditSink) *MultiSink {
	m := &MultiSink{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Record implements domain.AuditSink.
func (m *MultiSink) Record(ctx context.Context, evt domain.AuditEvent) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Record(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes audit events to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With(slog.String("component", "audit"))}
}

// Record implements domain.AuditSink. It never fails.
func (l *LogSink) Record(ctx context.Context, evt domain.AuditEvent) error {
	l.logger.InfoContext(ctx, string(evt.EventType),
		slog.String("trade_id", evt.TradeID),
		slog.String("reason", evt.Reason),
		slog.Any("snapshot", evt.Snapshot),
		slog.Time("at", evt.Timestamp),
	)
	return nil
}

// BusSink appends audit events to a durable stream and publishes them for
// live subscribers such as the websocket hub.
type BusSink struct {
	bus    domain.EventBus
	logger *slog.Logger
}

// NewBusSink creates a BusSink.
func NewBusSink(bus domain.EventBus, logger *slog.Logger) *BusSink {
	return &BusSink{bus: bus, logger: logger.With(slog.String("component", "audit_bus"))}
}

// Record implements domain.AuditSink. Only the stream append is reported as
// an error; publish failures are logged since live delivery is best effort.
func (b *BusSink) Record(ctx context.Context, evt domain.AuditEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("audit: marshal %s: %w", evt.EventType, err)
	}
	if _, err := b.bus.Append(ctx, Stream, payload); err != nil {
		return fmt.Errorf("audit: stream append: %w", err)
	}
	if err := b.bus.Publish(ctx, Channel, payload); err != nil {
		b.logger.WarnContext(ctx, "publish audit event failed",
			slog.String("trade_id", evt.TradeID),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

var (
	_ domain.AuditSink = (*MultiSink)(nil)
	_ domain.AuditSink = (*LogSink)(nil)
	_ domain.AuditSink = (*BusSink)(nil)
)
