package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// DefaultStreamMaxLen bounds audit streams when no explicit length is given.
const DefaultStreamMaxLen int64 = 10000

const (
	subscribeBuffer = 128
	payloadField    = "event"
)

// EventBus implements domain.EventBus with pub/sub for live delivery and a
// capped stream for replay.
type EventBus struct {
	rdb    *redis.Client
	maxLen int64
}

// NewEventBus creates an EventBus. maxLen <= 0 uses DefaultStreamMaxLen.
func NewEventBus(c *Client, maxLen int64) *EventBus {
	if maxLen <= 0 {
		maxLen = DefaultStreamMaxLen
	}
	return &EventBus{rdb: c.Underlying(), maxLen: maxLen}
}

// Publish implements domain.EventBus.
func (b *EventBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe implements domain.EventBus. Channels containing glob characters
// are pattern subscriptions. The returned channel closes once ctx is done or
// the subscription drops.
func (b *EventBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	var ps *redis.PubSub
	if strings.ContainsAny(channel, "*?[") {
		ps = b.rdb.PSubscribe(ctx, channel)
	} else {
		ps = b.rdb.Subscribe(ctx, channel)
	}
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, subscribeBuffer)
	go b.pump(ctx, ps, out)
	return out, nil
}

func (b *EventBus) pump(ctx context.Context, ps *redis.PubSub, out chan<- []byte) {
	defer close(out)
	defer ps.Close()

	in := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case out <- []byte(msg.Payload):
			case <-ctx.Done():
				return
			}
		}
	}
}

// Append implements domain.EventBus. The stream is trimmed approximately to
// the bus's max length.
func (b *EventBus) Append(ctx context.Context, stream string, payload []byte) (string, error) {
	id, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]any{payloadField: payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("redis: append %s: %w", stream, err)
	}
	return id, nil
}

// ReadAfter implements domain.EventBus. An empty afterID reads from the start
// of the stream. Entries without an event field are skipped.
func (b *EventBus) ReadAfter(ctx context.Context, stream, afterID string, count int) ([]domain.BusEntry, error) {
	if afterID == "" {
		afterID = "0"
	}
	if count <= 0 {
		count = 100
	}
	// The range start is inclusive, so one extra entry covers afterID itself.
	msgs, err := b.rdb.XRangeN(ctx, stream, afterID, "+", int64(count)+1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis: read %s after %s: %w", stream, afterID, err)
	}

	entries := make([]domain.BusEntry, 0, len(msgs))
	for _, m := range msgs {
		if m.ID == afterID || len(entries) == count {
			continue
		}
		raw, ok := m.Values[payloadField].(string)
		if !ok {
			continue
		}
		entries = append(entries, domain.BusEntry{
			ID:      m.ID,
			At:      entryTime(m.ID),
			Payload: []byte(raw),
		})
	}
	return entries, nil
}

// entryTime extracts the millisecond timestamp redis embeds in stream IDs.
func entryTime(id string) time.Time {
	ms, _, _ := strings.Cut(id, "-")
	v, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}

// Compile-time interface check.
var _ domain.EventBus = (*EventBus)(nil)
