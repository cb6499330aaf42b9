package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/polyguard/internal/autostop"
	"github.com/alanyoungcy/polyguard/internal/domain"
	"github.com/alanyoungcy/polyguard/internal/executor"
	"github.com/alanyoungcy/polyguard/internal/metrics"
)

// Closer runs close executions. *executor.CloseExecutor satisfies it.
type Closer interface {
	Submit(ctx context.Context, job executor.Job) bool
	Drain() []executor.Outcome
	InFlight() int
	Wait(ctx context.Context) error
}

// SyncConfig tunes the synchronizer.
type SyncConfig struct {
	Workers         int
	CooldownTicks   int
	LedgerTimeout   time.Duration
	SnapshotTimeout time.Duration
}

// Synchronizer implements the steps of one supervisor cycle. Each step is
// called by the loop goroutine, which is the registry's only writer.
type Synchronizer struct {
	ledger    domain.TradeLedger
	snapshots domain.SnapshotProvider
	engine    *autostop.Engine
	registry  *Registry
	closer    Closer
	audit     domain.AuditSink
	status    *Status
	cfg       SyncConfig
	logger    *slog.Logger

	// pending holds ledger writes owed by finished executions, keyed by
	// trade id. Their registry entries stay in flight until Settle lands them.
	pending map[string]executor.PendingTransition
}

// NewSynchronizer wires a Synchronizer.
func NewSynchronizer(
	ledger domain.TradeLedger,
	snapshots domain.SnapshotProvider,
	engine *autostop.Engine,
	registry *Registry,
	closer Closer,
	audit domain.AuditSink,
	status *Status,
	cfg SyncConfig,
	logger *slog.Logger,
) *Synchronizer {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.LedgerTimeout <= 0 {
		cfg.LedgerTimeout = 3 * time.Second
	}
	if cfg.SnapshotTimeout <= 0 {
		cfg.SnapshotTimeout = 500 * time.Millisecond
	}
	return &Synchronizer{
		ledger:    ledger,
		snapshots: snapshots,
		engine:    engine,
		registry:  registry,
		closer:    closer,
		audit:     audit,
		status:    status,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "synchronizer")),
		pending:   make(map[string]executor.PendingTransition),
	}
}

// Resolve applies the outcomes of close executions finished since the last
// call.
func (s *Synchronizer) Resolve(ctx context.Context) {
	for _, out := range s.closer.Drain() {
		switch out.Kind {
		case executor.OutcomeRolledBack:
			s.registry.ResolveInFlight(out.TradeID, s.cfg.CooldownTicks)
			s.status.RecordError(DepDispatcher, out.Err, out.At)
		case executor.OutcomeClosed:
			s.registry.Remove(out.TradeID)
		case executor.OutcomeUnrecorded:
			if out.Pending != nil {
				s.pending[out.TradeID] = *out.Pending
			}
			s.status.RecordError(DepLedger, out.Err, out.At)
		default:
			s.registry.Remove(out.TradeID)
			if out.Err != nil && !errors.Is(out.Err, domain.ErrConflictingTransition) {
				s.status.RecordError(DepLedger, out.Err, out.At)
			}
		}
		s.logger.DebugContext(ctx, "close outcome applied",
			slog.String("trade_id", out.TradeID),
			slog.String("outcome", string(out.Kind)),
		)
	}
}

// Settle retries the ledger writes left by unrecorded outcomes and returns how
// many landed. A write that still fails stays pending for the next call.
func (s *Synchronizer) Settle(ctx context.Context) int {
	settled := 0
	for id, p := range s.pending {
		edge := string(domain.StatusClosing) + "->" + string(p.To)
		cctx, cancel := context.WithTimeout(ctx, s.cfg.LedgerTimeout)
		ok, err := s.ledger.TryTransition(cctx, id, domain.StatusClosing, p.To, p.Fields)
		cancel()
		if err != nil {
			metrics.Transitions.WithLabelValues(edge, "error").Inc()
			s.status.RecordError(DepLedger, err, time.Now().UTC())
			s.logger.WarnContext(ctx, "pending transition still failing",
				slog.String("trade_id", id),
				slog.String("edge", edge),
				slog.String("error", err.Error()),
			)
			continue
		}
		delete(s.pending, id)

		if !ok {
			metrics.Transitions.WithLabelValues(edge, "lost").Inc()
			s.registry.Remove(id)
			s.record(ctx, domain.AuditEvent{
				TradeID:   id,
				EventType: domain.AuditConflictingTransition,
				Reason:    p.Event.Reason,
				Snapshot:  map[string]any{"edge": edge},
			})
			continue
		}
		metrics.Transitions.WithLabelValues(edge, "won").Inc()
		if p.To == domain.StatusActive {
			s.registry.ResolveInFlight(id, s.cfg.CooldownTicks)
		} else {
			s.registry.Remove(id)
		}
		s.record(ctx, p.Event)
		s.logger.InfoContext(ctx, "pending transition recorded",
			slog.String("trade_id", id),
			slog.String("edge", edge),
		)
		settled++
	}
	return settled
}

// Pending returns the number of ledger writes waiting to be settled.
func (s *Synchronizer) Pending() int {
	return len(s.pending)
}

// FetchActive lists ACTIVE positions from the ledger.
func (s *Synchronizer) FetchActive(ctx context.Context) ([]domain.Position, error) {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.LedgerTimeout)
	defer cancel()
	active, err := s.ledger.ListActive(cctx)
	if err != nil {
		return nil, fmt.Errorf("supervisor: list active: %w", err)
	}
	return active, nil
}

// Adopt adds positions not yet monitored and refreshes ledger fields of the
// rest.
func (s *Synchronizer) Adopt(ctx context.Context, active []domain.Position) int {
	adopted := 0
	for _, p := range active {
		if !s.registry.Upsert(p) {
			continue
		}
		adopted++
		s.record(ctx, domain.AuditEvent{
			TradeID:   p.TradeID,
			EventType: domain.AuditAdopted,
			Snapshot: map[string]any{
				"entry_price":   p.EntryPrice,
				"position_size": p.PositionSize,
				"symbol":        p.Contract.Symbol,
				"side":          p.Contract.Side,
			},
		})
	}
	return adopted
}

// Evict removes entries whose position is no longer ACTIVE. Entries with a
// close in flight stay until their outcome is resolved.
func (s *Synchronizer) Evict(ctx context.Context, active []domain.Position) int {
	keep := make(map[string]struct{}, len(active))
	for _, p := range active {
		keep[p.TradeID] = struct{}{}
	}

	evicted := 0
	for _, m := range s.registry.SnapshotAll() {
		if _, ok := keep[m.TradeID]; ok || m.InFlight {
			continue
		}
		s.registry.Remove(m.TradeID)
		evicted++
		s.record(ctx, domain.AuditEvent{
			TradeID:   m.TradeID,
			EventType: domain.AuditEvicted,
			Reason:    "no longer active in ledger",
		})
	}
	return evicted
}

// Refresh pulls market snapshots for every monitored id and returns how many
// entries were refreshed. A partial result still refreshes the ids it covers
// and is reported alongside the provider error.
func (s *Synchronizer) Refresh(ctx context.Context, now time.Time) (int, error) {
	ids := s.registry.IDs()
	if len(ids) == 0 {
		return 0, nil
	}

	cctx, cancel := context.WithTimeout(ctx, s.cfg.SnapshotTimeout)
	defer cancel()
	snaps, err := s.snapshots.Get(cctx, ids)
	if err != nil && len(snaps) == 0 {
		return 0, fmt.Errorf("supervisor: refresh: %w", err)
	}

	refreshed := 0
	for _, snap := range snaps {
		if s.registry.Refresh(snap, now) {
			refreshed++
		}
	}
	if refreshed < len(ids) {
		s.logger.DebugContext(ctx, "partial market snapshot",
			slog.Int("requested", len(ids)),
			slog.Int("received", refreshed),
		)
	}
	if err != nil {
		return refreshed, fmt.Errorf("supervisor: refresh (partial): %w", err)
	}
	return refreshed, nil
}

// Decide evaluates every eligible entry on a bounded pool and returns the
// resulting close decisions in trade id order.
func (s *Synchronizer) Decide(ctx context.Context, criteria domain.CriteriaConfig, now time.Time) []domain.CloseDecision {
	var eligible []domain.MonitoredPosition
	for _, m := range s.registry.SnapshotAll() {
		if !m.Eligible() {
			continue
		}
		eligible = append(eligible, m)
	}
	if len(eligible) == 0 {
		return nil
	}

	results := make([]*domain.CloseDecision, len(eligible))
	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)
	for i, m := range eligible {
		g.Go(func() error {
			if d, ok := s.engine.Evaluate(m, criteria, now); ok {
				results[i] = &d
			}
			return nil
		})
	}
	_ = g.Wait()

	var decisions []domain.CloseDecision
	for _, d := range results {
		if d == nil {
			continue
		}
		metrics.Decisions.WithLabelValues(string(d.Reason)).Inc()
		s.record(ctx, domain.AuditEvent{
			TradeID:   d.TradeID,
			EventType: domain.AuditDecision,
			Reason:    string(d.Reason),
			Snapshot:  decisionSnapshot(*d),
			Timestamp: d.DecidedAt,
		})
		decisions = append(decisions, *d)
	}
	return decisions
}

// Dispatch claims each decided position on the ledger and hands the winners
// to the closer. A lost claim is audited and dropped.
func (s *Synchronizer) Dispatch(ctx context.Context, decisions []domain.CloseDecision) int {
	started := 0
	for _, d := range decisions {
		fields := domain.TransitionFields{
			CloseMethod: domain.CloseMethodAutoStop,
			CloseReason: string(d.Reason),
		}
		cctx, cancel := context.WithTimeout(ctx, s.cfg.LedgerTimeout)
		ok, err := s.ledger.TryTransition(cctx, d.TradeID, domain.StatusActive, domain.StatusClosing, fields)
		cancel()

		if err != nil {
			metrics.Transitions.WithLabelValues("ACTIVE->CLOSING", "error").Inc()
			s.status.RecordError(DepLedger, err, time.Now().UTC())
			s.logger.ErrorContext(ctx, "claim failed",
				slog.String("trade_id", d.TradeID),
				slog.String("error", err.Error()),
			)
			s.record(ctx, domain.AuditEvent{
				TradeID:   d.TradeID,
				EventType: domain.AuditTransitionError,
				Reason:    string(d.Reason),
				Snapshot:  map[string]any{"edge": "ACTIVE->CLOSING", "decision_id": d.ID, "error": err.Error()},
			})
			continue
		}
		if !ok {
			metrics.Transitions.WithLabelValues("ACTIVE->CLOSING", "lost").Inc()
			s.logger.InfoContext(ctx, "position changed by another actor, decision discarded",
				slog.String("trade_id", d.TradeID),
				slog.String("reason", string(d.Reason)),
			)
			s.record(ctx, domain.AuditEvent{
				TradeID:   d.TradeID,
				EventType: domain.AuditConflictingTransition,
				Reason:    string(d.Reason),
				Snapshot:  map[string]any{"edge": "ACTIVE->CLOSING", "decision_id": d.ID},
			})
			continue
		}
		metrics.Transitions.WithLabelValues("ACTIVE->CLOSING", "won").Inc()

		pos := d.Snapshot.Position
		pos.Status = domain.StatusClosing
		pos.CloseMethod = domain.CloseMethodAutoStop
		pos.CloseReason = string(d.Reason)
		pos.CloseRequestID = ""

		s.registry.MarkInFlight(d.TradeID)
		s.record(ctx, domain.AuditEvent{
			TradeID:   d.TradeID,
			EventType: domain.AuditCloseRequested,
			Reason:    string(d.Reason),
			Snapshot:  map[string]any{"decision_id": d.ID, "observed": d.Observed, "threshold": d.Threshold},
		})
		if s.closer.Submit(ctx, executor.Job{Position: pos, Reason: string(d.Reason), DecisionID: d.ID}) {
			started++
		}
		s.logger.InfoContext(ctx, "auto-stop close requested",
			slog.String("trade_id", d.TradeID),
			slog.String("reason", string(d.Reason)),
			slog.Float64("observed", d.Observed),
			slog.Float64("threshold", d.Threshold),
		)
	}
	return started
}

// Resume picks up auto-stop closes left CLOSING by a previous run.
func (s *Synchronizer) Resume(ctx context.Context) (int, error) {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.LedgerTimeout)
	closing, err := s.ledger.ListByStatus(cctx, domain.StatusClosing)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("supervisor: resume: %w", err)
	}

	resumed := 0
	for _, p := range closing {
		if p.CloseMethod != domain.CloseMethodAutoStop {
			continue
		}
		s.registry.Upsert(p)
		s.registry.MarkInFlight(p.TradeID)
		s.record(ctx, domain.AuditEvent{
			TradeID:   p.TradeID,
			EventType: domain.AuditResumed,
			Reason:    p.CloseReason,
			Snapshot:  map[string]any{"request_id": p.CloseRequestID},
		})
		if s.closer.Submit(ctx, executor.Job{Position: p, Reason: p.CloseReason}) {
			resumed++
		}
	}
	return resumed, nil
}

func (s *Synchronizer) record(ctx context.Context, evt domain.AuditEvent) {
	if s.audit == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	if err := s.audit.Record(ctx, evt); err != nil {
		s.status.RecordError(DepAudit, err, time.Now().UTC())
		s.logger.ErrorContext(ctx, "audit record failed",
			slog.String("trade_id", evt.TradeID),
			slog.String("event", string(evt.EventType)),
			slog.String("error", err.Error()),
		)
	}
}

func decisionSnapshot(d domain.CloseDecision) map[string]any {
	m := d.Snapshot
	out := map[string]any{
		"decision_id":    d.ID,
		"observed":       d.Observed,
		"threshold":      d.Threshold,
		"entry_price":    m.EntryPrice,
		"position_size":  m.PositionSize,
		"time_in_trade":  m.TimeSinceEntry.String(),
		"observed_at":    m.ObservedAt,
		"last_refreshed": m.LastRefreshedAt,
	}
	put := func(k string, v *float64) {
		if v != nil {
			out[k] = *v
		}
	}
	put("price", m.CurrentPrice)
	put("pnl", m.CurrentPnL)
	put("peak_pnl", m.PeakPnL)
	put("momentum", m.Momentum)
	put("volatility", m.Volatility)
	put("ttc", m.TTC)
	put("probability", m.CurrentProbability)
	put("buffer", m.BufferFromEntry)
	return out
}
