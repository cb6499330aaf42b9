package audit

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyguard/internal/cache/redis"
	"github.com/alanyoungcy/polyguard/internal/domain"
	"github.com/alanyoungcy/polyguard/internal/fakes"
)

type failingSink struct{ err error }

func (f failingSink) Record(context.Context, domain.AuditEvent) error { return f.err }

func testEvent() domain.AuditEvent {
	return domain.AuditEvent{
		TradeID:   "t-1",
		EventType: domain.AuditDecision,
		Reason:    "max_loss_percent",
		Snapshot:  map[string]any{"observed": 32.0, "threshold": 30.0},
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestMultiSink_ContinuesPastFailure(t *testing.T) {
	a, b := &fakes.Audit{}, &fakes.Audit{}
	boom := errors.New("boom")
	m := NewMultiSink(a, nil, failingSink{err: boom}, b)

	err := m.Record(context.Background(), testEvent())
	assert.ErrorIs(t, err, boom)
	assert.Len(t, a.Events(), 1)
	assert.Len(t, b.Events(), 1, "later sinks still receive the event")
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	s := NewLogSink(slog.New(slog.NewJSONHandler(&buf, nil)))

	require.NoError(t, s.Record(context.Background(), testEvent()))
	assert.Contains(t, buf.String(), `"msg":"decision"`)
	assert.Contains(t, buf.String(), `"trade_id":"t-1"`)
	assert.Contains(t, buf.String(), `"component":"audit"`)
}

func TestBusSink_AppendsAndPublishes(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	bus := redis.NewEventBus(redis.NewFromClient(rdb), 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	live, err := bus.Subscribe(ctx, Channel)
	require.NoError(t, err)

	s := NewBusSink(bus, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	require.NoError(t, s.Record(ctx, testEvent()))

	msgs, err := bus.ReadAfter(ctx, Stream, "", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Contains(t, string(msgs[0].Payload), `"event_type":"decision"`)

	select {
	case msg := <-live:
		assert.JSONEq(t, string(msgs[0].Payload), string(msg))
	case <-time.After(time.Second):
		t.Fatal("no live event")
	}
}

func TestBusSink_StreamFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	bus := redis.NewEventBus(redis.NewFromClient(rdb), 0)
	mr.Close()

	s := NewBusSink(bus, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	assert.Error(t, s.Record(context.Background(), testEvent()))
}
