package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/polyguard/internal/domain"
	"github.com/alanyoungcy/polyguard/internal/server/middleware"
	"github.com/alanyoungcy/polyguard/internal/supervisor"
)

// Monitor is the read side of the running supervision loop.
type Monitor interface {
	Report() supervisor.StatusReport
	Positions() []domain.MonitoredPosition
}

// ActiveLister lists ACTIVE positions straight from the ledger. It backs
// /api/positions when no loop runs in this process.
type ActiveLister interface {
	ListActive(ctx context.Context) ([]domain.Position, error)
}

// SupervisorHandler serves supervisor status and the monitored position set.
type SupervisorHandler struct {
	monitor Monitor
	ledger  ActiveLister
	logger  *slog.Logger
}

// NewSupervisorHandler creates a SupervisorHandler. monitor is nil in
// monitor mode, where positions are read from ledger instead.
func NewSupervisorHandler(monitor Monitor, ledger ActiveLister, logger *slog.Logger) *SupervisorHandler {
	return &SupervisorHandler{
		monitor: monitor,
		ledger:  ledger,
		logger:  logger.With(slog.String("handler", "supervisor")),
	}
}

// GetStatus returns the loop's status report.
// GET /api/supervisor/status
func (h *SupervisorHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	if h.monitor == nil {
		writeError(w, http.StatusServiceUnavailable, "supervisor is not running in this mode")
		return
	}
	writeJSON(w, http.StatusOK, h.monitor.Report())
}

type contractView struct {
	Symbol string  `json:"symbol"`
	Market string  `json:"market"`
	Strike float64 `json:"strike"`
	Side   string  `json:"side"`
}

type positionView struct {
	TradeID            string                `json:"trade_id"`
	TicketID           string                `json:"ticket_id,omitempty"`
	Contract           contractView          `json:"contract"`
	EntryPrice         float64               `json:"entry_price"`
	PositionSize       float64               `json:"position_size"`
	EntryTime          time.Time             `json:"entry_time"`
	Status             domain.PositionStatus `json:"status"`
	CurrentPrice       *float64              `json:"current_price,omitempty"`
	CurrentProbability *float64              `json:"current_probability,omitempty"`
	CurrentPnL         *float64              `json:"current_pnl,omitempty"`
	PeakPnL            *float64              `json:"peak_pnl,omitempty"`
	Momentum           *float64              `json:"momentum,omitempty"`
	Volatility         *float64              `json:"volatility,omitempty"`
	HoldingSeconds     float64               `json:"holding_seconds"`
	LastRefreshedAt    *time.Time            `json:"last_refreshed_at,omitempty"`
	InFlight           bool                  `json:"in_flight"`
	CooldownTicks      int                   `json:"cooldown_ticks"`
}

func newPositionView(p domain.Position) positionView {
	return positionView{
		TradeID:  p.TradeID,
		TicketID: p.TicketID,
		Contract: contractView{
			Symbol: p.Contract.Symbol,
			Market: p.Contract.Market,
			Strike: p.Contract.Strike,
			Side:   p.Contract.Side,
		},
		EntryPrice:   p.EntryPrice,
		PositionSize: p.PositionSize,
		EntryTime:    p.EntryTime,
		Status:       p.Status,
	}
}

func newMonitoredView(m domain.MonitoredPosition) positionView {
	v := newPositionView(m.Position)
	v.CurrentPrice = m.CurrentPrice
	v.CurrentProbability = m.CurrentProbability
	v.CurrentPnL = m.CurrentPnL
	v.PeakPnL = m.PeakPnL
	v.Momentum = m.Momentum
	v.Volatility = m.Volatility
	v.HoldingSeconds = m.TimeSinceEntry.Seconds()
	if !m.LastRefreshedAt.IsZero() {
		t := m.LastRefreshedAt
		v.LastRefreshedAt = &t
	}
	v.InFlight = m.InFlight
	v.CooldownTicks = m.CooldownTicks
	return v
}

type listPositionsResponse struct {
	Source    string         `json:"source"`
	Positions []positionView `json:"positions"`
}

// ListPositions returns the monitored set, or the ledger's ACTIVE rows when
// no loop is running.
// GET /api/positions
func (h *SupervisorHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	out := listPositionsResponse{Positions: []positionView{}}

	if h.monitor != nil {
		out.Source = "supervisor"
		for _, m := range h.monitor.Positions() {
			out.Positions = append(out.Positions, newMonitoredView(m))
		}
		writeJSON(w, http.StatusOK, out)
		return
	}

	if h.ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "no position source configured")
		return
	}
	positions, err := h.ledger.ListActive(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list active positions failed",
			slog.String("request_id", middleware.RequestID(r.Context())),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}
	out.Source = "ledger"
	for _, p := range positions {
		out.Positions = append(out.Positions, newPositionView(p))
	}
	writeJSON(w, http.StatusOK, out)
}
