package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/polyguard/internal/config"
	"github.com/alanyoungcy/polyguard/internal/domain"
	"github.com/alanyoungcy/polyguard/internal/server/middleware"
)

// CriteriaStore holds the live criteria.
type CriteriaStore interface {
	Snapshot() config.CriteriaSnapshot
	Set(c domain.CriteriaConfig, source string) (config.CriteriaSnapshot, error)
}

// CriteriaHandler reads and replaces the auto-stop criteria.
type CriteriaHandler struct {
	store  CriteriaStore
	logger *slog.Logger
}

// NewCriteriaHandler creates a CriteriaHandler.
func NewCriteriaHandler(store CriteriaStore, logger *slog.Logger) *CriteriaHandler {
	return &CriteriaHandler{store: store, logger: logger.With(slog.String("handler", "criteria"))}
}

// GetCriteria returns the criteria in force.
// GET /api/supervisor/criteria
func (h *CriteriaHandler) GetCriteria(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.store.Snapshot())
}

// UpdateCriteria replaces the whole criteria set. Omitted thresholds are
// disabled. The change applies from the next tick and lasts until the
// criteria file is next reloaded.
// PUT /api/supervisor/criteria
func (h *CriteriaHandler) UpdateCriteria(w http.ResponseWriter, r *http.Request) {
	var c domain.CriteriaConfig
	if err := decodeJSON(w, r, &c); err != nil {
		writeError(w, http.StatusBadRequest, "invalid criteria body: "+err.Error())
		return
	}
	snap, err := h.store.Set(c, "api")
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	h.logger.InfoContext(r.Context(), "criteria replaced via api",
		slog.Int64("version", snap.Version),
		slog.String("request_id", middleware.RequestID(r.Context())),
	)
	writeJSON(w, http.StatusOK, snap)
}
