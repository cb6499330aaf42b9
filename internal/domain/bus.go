package domain

import (
	"context"
	"time"
)

// RateLimiter counts requests for a key within a sliding window.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// BusEntry is one durable entry read back from an event stream.
type BusEntry struct {
	ID      string
	At      time.Time
	Payload []byte
}

// EventBus carries audit events to live subscribers and keeps a bounded,
// replayable history of them.
type EventBus interface {
	// Publish delivers payload to current subscribers of channel only.
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe returns payloads published on channel until ctx ends.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	// Append stores payload on stream and returns its entry ID.
	Append(ctx context.Context, stream string, payload []byte) (string, error)
	// ReadAfter returns up to count entries newer than afterID.
	ReadAfter(ctx context.Context, stream, afterID string, count int) ([]BusEntry, error)
}
