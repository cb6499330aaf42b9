package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockSender struct {
	mock.Mock
}

func (m *mockSender) Send(ctx context.Context, a Alert) error {
	return m.Called(ctx, a).Error(0)
}

func (m *mockSender) Name() string { return "mock" }

type recordingSender struct {
	mu     sync.Mutex
	titles []string
	err    error
}

func (r *recordingSender) Send(_ context.Context, a Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.titles = append(r.titles, a.Title)
	return r.err
}

func (r *recordingSender) Name() string { return "recording" }

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func fastPoster() poster {
	return poster{client: &http.Client{Timeout: time.Second}, initial: time.Millisecond}
}

func TestNotifier_FiltersEvents(t *testing.T) {
	s := &recordingSender{}
	n := NewNotifier([]Sender{s}, []string{EventDispatchFailure}, quiet())
	ctx := context.Background()

	require.NoError(t, n.Notify(ctx, EventPositionClosed, "closed", "t-1"))
	require.NoError(t, n.Notify(ctx, EventDispatchFailure, "failed", "t-2"))
	assert.Equal(t, []string{"failed"}, s.titles)

	all := NewNotifier([]Sender{s}, nil, quiet())
	require.NoError(t, all.Notify(ctx, "anything", "any", ""))
	assert.Len(t, s.titles, 2)
}

func TestNotifier_QuietPeriod(t *testing.T) {
	s := &recordingSender{}
	n := NewNotifier([]Sender{s}, nil, quiet()).WithQuietPeriod(time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, n.Notify(ctx, EventLedgerEscalated, "ledger down", ""))
	require.NoError(t, n.Notify(ctx, EventLedgerEscalated, "ledger down", ""))
	require.NoError(t, n.Notify(ctx, EventLedgerRecovered, "ledger up", ""))
	assert.Len(t, s.titles, 2)

	now = now.Add(2 * time.Minute)
	require.NoError(t, n.Notify(ctx, EventLedgerEscalated, "ledger down", ""))
	assert.Len(t, s.titles, 3)
}

func TestNotifier_CollectsSenderErrors(t *testing.T) {
	boom := errors.New("boom")
	bad, good := &recordingSender{err: boom}, &recordingSender{}
	n := NewNotifier([]Sender{bad, good}, nil, quiet())

	err := n.Notify(context.Background(), EventDispatchFailure, "t", "m")
	assert.ErrorIs(t, err, boom)
	assert.Len(t, good.titles, 1, "later senders still run")
}

func TestNotifier_PassesAlert(t *testing.T) {
	s := &mockSender{}
	s.On("Send", mock.Anything, Alert{
		Event:   EventPositionClosed,
		Title:   "Position closed",
		Message: "t-1 closed by profit_target",
	}).Return(nil).Once()

	n := NewNotifier([]Sender{s}, DefaultEvents, quiet())
	require.NoError(t, n.Notify(context.Background(), EventPositionClosed, "Position closed", "t-1 closed by profit_target"))
	require.NoError(t, n.Notify(context.Background(), "decision", "ignored", ""))

	s.AssertExpectations(t)
}

func TestAlert_Critical(t *testing.T) {
	assert.True(t, Alert{Event: EventDispatchFailure}.Critical())
	assert.True(t, Alert{Event: EventLedgerEscalated}.Critical())
	assert.False(t, Alert{Event: EventPositionClosed}.Critical())
}

func TestTelegramSender(t *testing.T) {
	var got map[string]any
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	s := NewTelegramSender("tok", "42")
	s.apiBase = srv.URL
	require.NoError(t, s.Send(context.Background(), Alert{
		Event:   EventPositionClosed,
		Title:   "Position auto-closed",
		Message: "t_1 at <0.71>",
	}))
	assert.Equal(t, "/bottok/sendMessage", path)
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "HTML", got["parse_mode"])
	assert.Equal(t, "<b>Position auto-closed</b>\nt_1 at &lt;0.71&gt;", got["text"])
	assert.Equal(t, true, got["disable_notification"])
}

func TestDiscordSender_Embed(t *testing.T) {
	var got struct {
		Embeds []struct {
			Title string `json:"title"`
			Color int    `json:"color"`
		} `json:"embeds"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	require.NoError(t, NewDiscordSender(srv.URL).Send(context.Background(), Alert{
		Event: EventDispatchFailure,
		Title: "Close failed",
	}))
	require.Len(t, got.Embeds, 1)
	assert.Equal(t, "Close failed", got.Embeds[0].Title)
	assert.Equal(t, discordColorAlert, got.Embeds[0].Color)
}

func TestDiscordSender_RetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewDiscordSender(srv.URL)
	s.poster = fastPoster()
	require.NoError(t, s.Send(context.Background(), Alert{Title: "x"}))
	assert.Equal(t, int32(2), calls.Load())
}

func TestDiscordSender_ClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad webhook", http.StatusNotFound)
	}))
	defer srv.Close()

	s := NewDiscordSender(srv.URL)
	s.poster = fastPoster()
	err := s.Send(context.Background(), Alert{Title: "x"})
	assert.ErrorContains(t, err, "unexpected status 404")
	assert.Equal(t, int32(1), calls.Load())
}
