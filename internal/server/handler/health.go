package handler

import (
	"net/http"
	"time"
)

// HealthChecker reports whether the process is doing its job.
type HealthChecker interface {
	Healthy() bool
}

// HealthHandler serves the health-check endpoint.
type HealthHandler struct {
	mode    string
	checker HealthChecker
	now     func() time.Time
}

// NewHealthHandler creates a HealthHandler. checker may be nil when no
// supervision loop runs in this mode; the process is then always healthy.
func NewHealthHandler(mode string, checker HealthChecker) *HealthHandler {
	return &HealthHandler{mode: mode, checker: checker, now: time.Now}
}

// HealthCheck responds 200 when healthy and 503 when the loop is stopped or
// the ledger has been unreachable long enough to escalate.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if h.checker != nil && !h.checker.Healthy() {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":    status,
		"mode":      h.mode,
		"timestamp": h.now().UTC().Format(time.RFC3339),
	})
}
