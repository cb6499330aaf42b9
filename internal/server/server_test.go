package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyguard/internal/cache/redis"
	"github.com/alanyoungcy/polyguard/internal/config"
	"github.com/alanyoungcy/polyguard/internal/domain"
	"github.com/alanyoungcy/polyguard/internal/server/handler"
)

type emptyAudit struct{}

func (emptyAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func (emptyAudit) ListByTrade(context.Context, string, int) ([]domain.AuditEntry, error) {
	return nil, nil
}

type emptyLedger struct{}

func (emptyLedger) ListActive(context.Context) ([]domain.Position, error) { return nil, nil }

func newTestServer(t *testing.T, cfg Config) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	limiter := redis.NewRateLimiter(redis.NewFromClient(rdb))

	watcher := config.NewCriteriaWatcher("", domain.CriteriaConfig{}, logger)
	srv := NewServer(cfg, Handlers{
		Health:     handler.NewHealthHandler("monitor", nil),
		Supervisor: handler.NewSupervisorHandler(nil, emptyLedger{}, logger),
		Audit:      handler.NewAuditHandler(emptyAudit{}, logger),
		Criteria:   handler.NewCriteriaHandler(watcher, logger),
	}, nil, limiter, logger)
	return srv.Handler()
}

func do(h http.Handler, method, path, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRoutesAndAuth(t *testing.T) {
	h := newTestServer(t, Config{APIKey: "k", RateLimit: 100, RateWindow: time.Minute})

	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/api/health", "", "").Code)
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/metrics", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodGet, "/api/audit", "", "").Code)
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/api/audit", "k", "").Code)
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/api/positions", "k", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(h, http.MethodGet, "/api/supervisor/status", "k", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodPut, "/api/supervisor/criteria", "", `{}`).Code)

	rec := do(h, http.MethodPut, "/api/supervisor/criteria", "k", `{"max_loss_percent": 20}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, do(h, http.MethodGet, "/api/supervisor/criteria", "k", "").Body.String(), `"max_loss_percent":20`)

	assert.Equal(t, http.StatusMethodNotAllowed, do(h, http.MethodDelete, "/api/audit", "k", "").Code)
}

func TestRateLimitThroughRedis(t *testing.T) {
	h := newTestServer(t, Config{RateLimit: 2, RateWindow: time.Minute})

	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/api/health", "", "").Code)
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/api/health", "", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, do(h, http.MethodGet, "/api/health", "", "").Code)
}
