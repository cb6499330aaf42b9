package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

type chanBus struct {
	ch      chan []byte
	history []domain.BusEntry
}

func (b *chanBus) Publish(context.Context, string, []byte) error { return nil }

func (b *chanBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return b.ch, nil
}

func (b *chanBus) Append(context.Context, string, []byte) (string, error) { return "", nil }

func (b *chanBus) ReadAfter(_ context.Context, _ string, afterID string, count int) ([]domain.BusEntry, error) {
	var out []domain.BusEntry
	for _, e := range b.history {
		if e.ID > afterID && len(out) < count {
			out = append(out, e)
		}
	}
	return out, nil
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func TestHub_StatusThenEvents(t *testing.T) {
	bus := &chanBus{ch: make(chan []byte, 4)}
	hub := NewHub(bus, Config{
		Channels: []string{"autostop"},
		Status:   func() any { return map[string]any{"running": true} },
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	env := readEnvelope(t, conn)
	assert.Equal(t, "status", env.Type)
	assert.JSONEq(t, `{"running":true}`, string(env.Payload))

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	bus.ch <- []byte(`{"trade_id":"t-1","event_type":"decision"}`)
	env = readEnvelope(t, conn)
	assert.Equal(t, "event", env.Type)
	assert.Equal(t, "autostop", env.Channel)
	assert.JSONEq(t, `{"trade_id":"t-1","event_type":"decision"}`, string(env.Payload))
}

func TestClient_Subscriptions(t *testing.T) {
	c := &client{subs: map[string]bool{"autostop": true}}
	assert.True(t, c.isSubscribed("autostop"))

	c.apply(subscribeMsg{Action: "unsubscribe", Channels: []string{"autostop"}})
	assert.False(t, c.isSubscribed("autostop"))

	c.apply(subscribeMsg{Action: "subscribe", Channels: []string{"autostop:*"}})
	assert.True(t, c.isSubscribed("autostop:t-1"))
	assert.False(t, c.isSubscribed("other"))
}

func TestHub_ReplaysFromStream(t *testing.T) {
	bus := &chanBus{
		ch: make(chan []byte),
		history: []domain.BusEntry{
			{ID: "1-0", Payload: []byte(`{"event_type":"decision"}`)},
			{ID: "2-0", Payload: []byte(`{"event_type":"close_requested"}`)},
			{ID: "3-0", Payload: []byte(`{"event_type":"closed"}`)},
		},
	}
	hub := NewHub(bus, Config{
		Channels:     []string{"autostop"},
		ReplayStream: "stream:audit",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"?since=1-0", nil)
	require.NoError(t, err)
	defer conn.Close()

	first := readEnvelope(t, conn)
	assert.Equal(t, "replay", first.Type)
	assert.Equal(t, "2-0", first.ID)
	assert.Equal(t, "stream:audit", first.Channel)

	second := readEnvelope(t, conn)
	assert.Equal(t, "3-0", second.ID)
	assert.JSONEq(t, `{"event_type":"closed"}`, string(second.Payload))
}
