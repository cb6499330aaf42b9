package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyguard/internal/crypto"
	"github.com/alanyoungcy/polyguard/internal/domain"
)

var testAuth = &crypto.HMACAuth{Key: "key-1", Secret: "c2VjcmV0"}

// fakeServer is a minimal dispatcher that keys close requests by the
// Idempotency-Key header.
type fakeServer struct {
	mu       sync.Mutex
	byKey    map[string]string
	byTrade  map[string]string
	states   map[string]string
	posts    int
	badSigs  int
	lastBody string
}

func newFakeServer(t *testing.T) (*fakeServer, *httptest.Server) {
	t.Helper()
	f := &fakeServer{byKey: map[string]string{}, byTrade: map[string]string{}, states: map[string]string{}}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeServer) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	defer f.mu.Unlock()

	if !testAuth.Verify(r.Method, r.URL.RequestURI(), string(body),
		r.Header.Get(crypto.HeaderTimestamp), r.Header.Get(crypto.HeaderSignature), time.Now(), time.Minute) {
		f.badSigs++
		http.Error(w, "bad signature", http.StatusUnauthorized)
		return
	}

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/v1/close":
		f.posts++
		f.lastBody = string(body)
		var req closeRequest
		_ = json.Unmarshal(body, &req)
		key := r.Header.Get("Idempotency-Key")
		id, ok := f.byKey[key]
		if !ok {
			id = fmt.Sprintf("req-%d", len(f.byKey)+1)
			f.byKey[key] = id
			f.byTrade[req.TradeID] = id
			f.states[id] = "pending"
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"request_id": id})
	case r.Method == http.MethodGet && r.URL.Path == "/v1/close":
		id, ok := f.byTrade[r.URL.Query().Get("trade_id")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"request_id": id})
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/v1/close/"):
		id := strings.TrimPrefix(r.URL.Path, "/v1/close/")
		state, ok := f.states[id]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"request_id": id,
			"state":      state,
			"fill_price": 0.71,
			"filled_at":  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		})
	default:
		http.Error(w, "no route", http.StatusTeapot)
	}
}

func TestClient_CloseIsIdempotentPerKey(t *testing.T) {
	f, srv := newFakeServer(t)
	c := New(Config{BaseURL: srv.URL}, testAuth, nil)
	ctx := context.Background()

	id1, err := c.Close(ctx, "t-1", "key-a")
	require.NoError(t, err)
	id2, err := c.Close(ctx, "t-1", "key-a")
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	// A new key after a rejection reaches a new request.
	id3, err := c.Close(ctx, "t-1", "key-b")
	require.NoError(t, err)
	assert.NotEqual(t, id1, id3)

	got, found, err := c.Lookup(ctx, "t-1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, id3, got)

	assert.Equal(t, 3, f.posts)
	assert.JSONEq(t, `{"trade_id":"t-1"}`, f.lastBody)
	assert.Zero(t, f.badSigs)

	_, err = c.Close(ctx, "t-1", "")
	assert.ErrorContains(t, err, "empty idempotency key")
}

func TestClient_PollAndLookup(t *testing.T) {
	f, srv := newFakeServer(t)
	c := New(Config{BaseURL: srv.URL + "/"}, testAuth, nil)
	ctx := context.Background()

	_, found, err := c.Lookup(ctx, "t-9")
	require.NoError(t, err)
	assert.False(t, found)

	id, err := c.Close(ctx, "t-9", "key-9")
	require.NoError(t, err)

	got, found, err := c.Lookup(ctx, "t-9")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, id, got)

	res, err := c.Poll(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.DispatchPending, res.State)

	f.mu.Lock()
	f.states[id] = "filled"
	f.mu.Unlock()

	res, err = c.Poll(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.DispatchFilled, res.State)
	assert.Equal(t, 0.71, res.FillPrice)
	assert.Equal(t, id, res.RequestID)
}

func TestClient_PollUnknownState(t *testing.T) {
	f, srv := newFakeServer(t)
	c := New(Config{BaseURL: srv.URL}, testAuth, nil)
	f.states["req-x"] = "exploded"

	_, err := c.Poll(context.Background(), "req-x")
	assert.ErrorContains(t, err, "unknown state")
}

func TestClient_ErrorMapping(t *testing.T) {
	_, srv := newFakeServer(t)
	c := New(Config{BaseURL: srv.URL}, &crypto.HMACAuth{Key: "key-1", Secret: "wrong"}, nil)

	_, err := c.Close(context.Background(), "t-1", "key-1")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = New(Config{BaseURL: srv.URL}, testAuth, nil).Poll(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

type countingPacer struct {
	mu    sync.Mutex
	calls int
	key   string
	limit int
}

func (p *countingPacer) Wait(_ context.Context, key string, limit int, _ time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.key, p.limit = key, limit
	return nil
}

func TestClient_Paces(t *testing.T) {
	_, srv := newFakeServer(t)
	p := &countingPacer{}
	c := New(Config{BaseURL: srv.URL, RateLimit: 5}, testAuth, p)

	_, err := c.Close(context.Background(), "t-1", "key-1")
	require.NoError(t, err)
	_, _, err = c.Lookup(context.Background(), "t-1")
	require.NoError(t, err)

	assert.Equal(t, 2, p.calls)
	assert.Equal(t, "dispatcher", p.key)
	assert.Equal(t, 5, p.limit)

	unpaced := &countingPacer{}
	_, err = New(Config{BaseURL: srv.URL}, testAuth, unpaced).Close(context.Background(), "t-2", "key-2")
	require.NoError(t, err)
	assert.Zero(t, unpaced.calls)
}
