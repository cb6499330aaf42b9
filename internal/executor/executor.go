// Package executor carries a close decision through the execution dispatcher
// and records the outcome on the trade ledger.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyguard/internal/domain"
	"github.com/alanyoungcy/polyguard/internal/metrics"
)

// OutcomeKind is the terminal result of one close execution.
type OutcomeKind string

const (
	// OutcomeClosed means the position was filled and moved to CLOSED.
	OutcomeClosed OutcomeKind = "closed"
	// OutcomeRolledBack means every attempt failed and the position was
	// moved back to ACTIVE.
	OutcomeRolledBack OutcomeKind = "rolled_back"
	// OutcomeLost means another actor moved the position out of CLOSING.
	OutcomeLost OutcomeKind = "lost"
	// OutcomeUnrecorded means the dispatcher result is known but the ledger
	// write failed after its retries. Pending holds the transition still owed.
	OutcomeUnrecorded OutcomeKind = "unrecorded"
)

// Outcome is reported back to the supervisor loop once an execution ends.
type Outcome struct {
	TradeID   string
	Kind      OutcomeKind
	ExitPrice *float64
	Err       error
	At        time.Time
	Pending   *PendingTransition
}

// PendingTransition is an exit from CLOSING the ledger has not accepted yet.
type PendingTransition struct {
	To     domain.PositionStatus
	Fields domain.TransitionFields
	// Event is audited once the transition is written.
	Event domain.AuditEvent
}

// Job is one close to carry out. The position must already be CLOSING on the
// ledger.
type Job struct {
	Position   domain.Position
	Reason     string
	DecisionID string
}

// Alerter delivers operator notifications. *notify.Notifier satisfies it.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Config tunes retries and per-call timeouts.
type Config struct {
	MaxAttempts     int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	DispatchTimeout time.Duration
	LedgerTimeout   time.Duration
	FillTimeout     time.Duration
	PollInterval    time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 5 * time.Second
	}
	if c.LedgerTimeout <= 0 {
		c.LedgerTimeout = 3 * time.Second
	}
	if c.FillTimeout <= 0 {
		c.FillTimeout = 15 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	return c
}

// CloseExecutor runs close executions asynchronously, one goroutine per
// trade. Outcomes are buffered until the supervisor loop drains them, so the
// loop stays the only writer of its registry.
type CloseExecutor struct {
	ledger     domain.TradeLedger
	dispatcher domain.ExecutionDispatcher
	audit      domain.AuditSink
	alerter    Alerter
	cfg        Config
	inflight   *InFlight
	logger     *slog.Logger

	wg sync.WaitGroup

	mu       sync.Mutex
	outcomes []Outcome
}

// NewCloseExecutor creates a CloseExecutor. alerter may be nil.
func NewCloseExecutor(
	ledger domain.TradeLedger,
	dispatcher domain.ExecutionDispatcher,
	audit domain.AuditSink,
	alerter Alerter,
	cfg Config,
	logger *slog.Logger,
) *CloseExecutor {
	return &CloseExecutor{
		ledger:     ledger,
		dispatcher: dispatcher,
		audit:      audit,
		alerter:    alerter,
		cfg:        cfg.withDefaults(),
		inflight:   NewInFlight(),
		logger:     logger.With(slog.String("component", "close_executor")),
	}
}

// Submit starts a close execution for job. It returns false when an
// execution for the same trade is already running. The execution is detached
// from ctx cancellation so that shutdown lets it finish; use Wait to bound it.
func (e *CloseExecutor) Submit(ctx context.Context, job Job) bool {
	tradeID := job.Position.TradeID
	if !e.inflight.Acquire(tradeID) {
		e.logger.DebugContext(ctx, "close already in flight", slog.String("trade_id", tradeID))
		return false
	}
	metrics.ClosesInFlight.Inc()

	runCtx := context.WithoutCancel(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer metrics.ClosesInFlight.Dec()
		defer e.inflight.Release(tradeID)

		out := e.run(runCtx, job)
		e.mu.Lock()
		e.outcomes = append(e.outcomes, out)
		e.mu.Unlock()
	}()
	return true
}

// Drain returns and clears the outcomes reported since the last call.
func (e *CloseExecutor) Drain() []Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.outcomes
	e.outcomes = nil
	return out
}

// InFlight returns the number of executions in progress.
func (e *CloseExecutor) InFlight() int {
	return e.inflight.Len()
}

// Wait blocks until every running execution has finished or ctx is done.
func (e *CloseExecutor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("executor: wait: %d close(s) still in flight: %w", e.inflight.Len(), ctx.Err())
	}
}

func (e *CloseExecutor) run(ctx context.Context, job Job) Outcome {
	tradeID := job.Position.TradeID
	log := e.logger.With(slog.String("trade_id", tradeID), slog.String("reason", job.Reason))
	start := time.Now()
	defer func() {
		metrics.DispatchLatency.Observe(float64(time.Since(start).Milliseconds()))
	}()

	reqID := job.Position.CloseRequestID
	if reqID == "" {
		reqID = e.lookup(ctx, tradeID)
	}
	if reqID != "" {
		log.InfoContext(ctx, "resuming existing close request", slog.String("request_id", reqID))
	}

	var (
		fill    domain.DispatchResult
		attempt int
		key     = closeKey(tradeID)
	)
	op := func() error {
		attempt++
		if reqID == "" {
			id, err := e.issue(ctx, tradeID, key)
			if err != nil {
				metrics.DispatchAttempts.WithLabelValues("error").Inc()
				e.attemptFailed(ctx, job, attempt, "", err)
				return err
			}
			reqID = id
		}

		res, err := e.await(ctx, reqID)
		if err != nil {
			metrics.DispatchAttempts.WithLabelValues("error").Inc()
			e.attemptFailed(ctx, job, attempt, reqID, err)
			return err
		}
		switch res.State {
		case domain.DispatchFilled:
			metrics.DispatchAttempts.WithLabelValues("filled").Inc()
			fill = res
			return nil
		case domain.DispatchRejected:
			metrics.DispatchAttempts.WithLabelValues("rejected").Inc()
			err := fmt.Errorf("%w: request %s rejected: %s", domain.ErrDispatchFailure, reqID, res.Message)
			e.attemptFailed(ctx, job, attempt, reqID, err)
			// A rejected request is final; the next attempt issues a new one
			// under a fresh key.
			reqID = ""
			key = closeKey(tradeID)
			return err
		default:
			metrics.DispatchAttempts.WithLabelValues("timeout").Inc()
			err := fmt.Errorf("%w: request %s still pending after %s", domain.ErrDispatchFailure, reqID, e.cfg.FillTimeout)
			e.attemptFailed(ctx, job, attempt, reqID, err)
			// Pending requests are polled again, never re-issued.
			return err
		}
	}

	if err := backoff.Retry(op, e.retryPolicy(ctx, e.cfg.MaxAttempts)); err != nil {
		log.WarnContext(ctx, "close attempts exhausted",
			slog.Int("attempts", attempt),
			slog.String("error", err.Error()),
		)
		return e.rollback(ctx, job, err)
	}
	return e.finalize(ctx, job, fill)
}

// lookup asks the dispatcher for a request issued by a previous run. Errors
// are logged and treated as "none found".
func (e *CloseExecutor) lookup(ctx context.Context, tradeID string) string {
	cctx, cancel := context.WithTimeout(ctx, e.cfg.DispatchTimeout)
	defer cancel()

	id, found, err := e.dispatcher.Lookup(cctx, tradeID)
	if err != nil {
		e.logger.WarnContext(ctx, "dispatcher lookup failed",
			slog.String("trade_id", tradeID),
			slog.String("error", err.Error()),
		)
		return ""
	}
	if !found {
		return ""
	}
	return id
}

// issue sends a close request and records its id on the ledger. Retrying
// with the same key after a transport error reaches the same request.
func (e *CloseExecutor) issue(ctx context.Context, tradeID, key string) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, e.cfg.DispatchTimeout)
	id, err := e.dispatcher.Close(cctx, tradeID, key)
	cancel()
	if err != nil {
		return "", fmt.Errorf("executor: close %s: %w", tradeID, err)
	}

	lctx, lcancel := context.WithTimeout(ctx, e.cfg.LedgerTimeout)
	defer lcancel()
	if err := e.ledger.AttachCloseRequest(lctx, tradeID, id); err != nil {
		// The dispatcher still knows the request by trade id, so a restart
		// can recover it through Lookup.
		e.logger.WarnContext(ctx, "attach close request failed",
			slog.String("trade_id", tradeID),
			slog.String("request_id", id),
			slog.String("error", err.Error()),
		)
	}
	return id, nil
}

// await polls reqID until it leaves the pending state or FillTimeout elapses.
// A result still pending at the deadline is returned without error.
func (e *CloseExecutor) await(ctx context.Context, reqID string) (domain.DispatchResult, error) {
	deadline := time.NewTimer(e.cfg.FillTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	last := domain.DispatchResult{RequestID: reqID, State: domain.DispatchPending}
	var lastErr error
	seen := false
	for {
		cctx, cancel := context.WithTimeout(ctx, e.cfg.DispatchTimeout)
		res, err := e.dispatcher.Poll(cctx, reqID)
		cancel()
		if err != nil {
			lastErr = err
		} else {
			seen = true
			last = res
			if res.State != domain.DispatchPending {
				return res, nil
			}
		}

		select {
		case <-ctx.Done():
			return last, fmt.Errorf("executor: poll %s: %w", reqID, ctx.Err())
		case <-deadline.C:
			if !seen && lastErr != nil {
				return last, fmt.Errorf("executor: poll %s: %w", reqID, lastErr)
			}
			return last, nil
		case <-ticker.C:
		}
	}
}

func (e *CloseExecutor) finalize(ctx context.Context, job Job, fill domain.DispatchResult) Outcome {
	tradeID := job.Position.TradeID
	closedAt := fill.FilledAt
	if closedAt.IsZero() {
		closedAt = time.Now().UTC()
	}
	exit := fill.FillPrice
	var exitPtr *float64
	if finite(exit) {
		exitPtr = &exit
	} else {
		e.logger.WarnContext(ctx, "fill reported without a usable price",
			slog.String("trade_id", tradeID),
			slog.String("request_id", fill.RequestID),
		)
	}
	fields := domain.TransitionFields{
		ExitPrice:   exitPtr,
		ClosedAt:    &closedAt,
		CloseMethod: domain.CloseMethodAutoStop,
		CloseReason: job.Reason,
	}

	snap := map[string]any{
		"request_id":  fill.RequestID,
		"entry_price": job.Position.EntryPrice,
		"size":        job.Position.PositionSize,
		"decision_id": job.DecisionID,
		"closed_at":   closedAt,
	}
	pnl, havePnL := realizedPnL(job.Position, exit)
	if exitPtr != nil {
		snap["exit_price"] = exit
	}
	if havePnL {
		snap["realized_pnl"] = pnl.InexactFloat64()
	}
	closed := domain.AuditEvent{
		TradeID:   tradeID,
		EventType: domain.AuditClosed,
		Reason:    job.Reason,
		Snapshot:  snap,
	}

	ok, err := e.transition(ctx, tradeID, domain.StatusClosing, domain.StatusClosed, fields)
	if err != nil {
		e.unrecorded(ctx, job, "CLOSING->CLOSED", err)
		return Outcome{
			TradeID:   tradeID,
			Kind:      OutcomeUnrecorded,
			ExitPrice: exitPtr,
			Err:       err,
			At:        time.Now().UTC(),
			Pending:   &PendingTransition{To: domain.StatusClosed, Fields: fields, Event: closed},
		}
	}
	if !ok {
		e.conflict(ctx, job, "CLOSING->CLOSED")
		return Outcome{TradeID: tradeID, Kind: OutcomeLost, ExitPrice: exitPtr, Err: domain.ErrConflictingTransition, At: time.Now().UTC()}
	}

	e.record(ctx, closed)
	e.alert(ctx, "position_closed", "Position auto-closed",
		fmt.Sprintf("trade %s closed by %s at %.4f (pnl %s)", tradeID, job.Reason, exit, pnl.StringFixed(2)))
	e.logger.InfoContext(ctx, "position closed",
		slog.String("trade_id", tradeID),
		slog.String("reason", job.Reason),
		slog.Float64("exit_price", exit),
		slog.String("realized_pnl", pnl.StringFixed(4)),
	)
	return Outcome{TradeID: tradeID, Kind: OutcomeClosed, ExitPrice: exitPtr, At: time.Now().UTC()}
}

func (e *CloseExecutor) rollback(ctx context.Context, job Job, cause error) Outcome {
	tradeID := job.Position.TradeID
	fields := domain.TransitionFields{ClearClose: true}
	failure := domain.AuditEvent{
		TradeID:   tradeID,
		EventType: domain.AuditDispatchFailure,
		Reason:    job.Reason,
		Snapshot:  map[string]any{"error": cause.Error(), "decision_id": job.DecisionID},
	}

	ok, err := e.transition(ctx, tradeID, domain.StatusClosing, domain.StatusActive, fields)
	if err != nil {
		e.unrecorded(ctx, job, "CLOSING->ACTIVE", err)
		e.alert(ctx, "dispatch_failure", "Auto-stop close failed",
			fmt.Sprintf("trade %s close failed and its return to ACTIVE is pending: %v", tradeID, cause))
		return Outcome{
			TradeID: tradeID,
			Kind:    OutcomeUnrecorded,
			Err:     errors.Join(cause, err),
			At:      time.Now().UTC(),
			Pending: &PendingTransition{To: domain.StatusActive, Fields: fields, Event: failure},
		}
	}
	if !ok {
		e.conflict(ctx, job, "CLOSING->ACTIVE")
		return Outcome{TradeID: tradeID, Kind: OutcomeLost, Err: domain.ErrConflictingTransition, At: time.Now().UTC()}
	}

	e.record(ctx, failure)
	e.alert(ctx, "dispatch_failure", "Auto-stop close failed",
		fmt.Sprintf("trade %s returned to ACTIVE after failed close: %v", tradeID, cause))
	return Outcome{TradeID: tradeID, Kind: OutcomeRolledBack, Err: cause, At: time.Now().UTC()}
}

func (e *CloseExecutor) unrecorded(ctx context.Context, job Job, edge string, err error) {
	e.logger.ErrorContext(ctx, "ledger write failed, handing transition back to supervisor",
		slog.String("trade_id", job.Position.TradeID),
		slog.String("edge", edge),
		slog.String("error", err.Error()),
	)
	e.record(ctx, domain.AuditEvent{
		TradeID:   job.Position.TradeID,
		EventType: domain.AuditTransitionError,
		Reason:    job.Reason,
		Snapshot:  map[string]any{"edge": edge, "error": err.Error()},
	})
}

// transition retries transient ledger errors. A lost race is not retried.
func (e *CloseExecutor) transition(ctx context.Context, tradeID string, from, to domain.PositionStatus, fields domain.TransitionFields) (bool, error) {
	edge := string(from) + "->" + string(to)
	var won bool
	op := func() error {
		cctx, cancel := context.WithTimeout(ctx, e.cfg.LedgerTimeout)
		defer cancel()
		ok, err := e.ledger.TryTransition(cctx, tradeID, from, to, fields)
		if err != nil {
			if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrNotFound) {
				return backoff.Permanent(err)
			}
			return err
		}
		won = ok
		return nil
	}
	if err := backoff.Retry(op, e.retryPolicy(ctx, e.cfg.MaxAttempts)); err != nil {
		metrics.Transitions.WithLabelValues(edge, "error").Inc()
		return false, fmt.Errorf("executor: transition %s %s: %w", tradeID, edge, err)
	}
	if won {
		metrics.Transitions.WithLabelValues(edge, "won").Inc()
	} else {
		metrics.Transitions.WithLabelValues(edge, "lost").Inc()
	}
	return won, nil
}

func (e *CloseExecutor) retryPolicy(ctx context.Context, attempts int) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = e.cfg.InitialBackoff
	exp.MaxInterval = e.cfg.MaxBackoff
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(attempts-1)), ctx)
}

func (e *CloseExecutor) conflict(ctx context.Context, job Job, edge string) {
	tradeID := job.Position.TradeID
	status := "unknown"
	cctx, cancel := context.WithTimeout(ctx, e.cfg.LedgerTimeout)
	if s, err := e.ledger.GetStatus(cctx, tradeID); err == nil {
		status = string(s)
	}
	cancel()

	e.logger.WarnContext(ctx, "transition lost to another actor",
		slog.String("trade_id", tradeID),
		slog.String("edge", edge),
		slog.String("ledger_status", status),
	)
	e.record(ctx, domain.AuditEvent{
		TradeID:   tradeID,
		EventType: domain.AuditConflictingTransition,
		Reason:    job.Reason,
		Snapshot:  map[string]any{"edge": edge, "ledger_status": status},
	})
}

func (e *CloseExecutor) attemptFailed(ctx context.Context, job Job, attempt int, reqID string, err error) {
	e.logger.WarnContext(ctx, "close attempt failed",
		slog.String("trade_id", job.Position.TradeID),
		slog.Int("attempt", attempt),
		slog.String("request_id", reqID),
		slog.String("error", err.Error()),
	)
	e.record(ctx, domain.AuditEvent{
		TradeID:   job.Position.TradeID,
		EventType: domain.AuditDispatchAttemptFailed,
		Reason:    job.Reason,
		Snapshot:  map[string]any{"attempt": attempt, "request_id": reqID, "error": err.Error()},
	})
}

func (e *CloseExecutor) record(ctx context.Context, evt domain.AuditEvent) {
	if e.audit == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	if err := e.audit.Record(ctx, evt); err != nil {
		e.logger.ErrorContext(ctx, "audit record failed",
			slog.String("trade_id", evt.TradeID),
			slog.String("event", string(evt.EventType)),
			slog.String("error", err.Error()),
		)
	}
}

func (e *CloseExecutor) alert(ctx context.Context, event, title, message string) {
	if e.alerter == nil {
		return
	}
	if err := e.alerter.Notify(ctx, event, title, message); err != nil {
		e.logger.WarnContext(ctx, "notification failed", slog.String("error", err.Error()))
	}
}

// realizedPnL is (exit - entry) * size computed in decimal. It reports false
// when an input is NaN or infinite.
func realizedPnL(p domain.Position, exit float64) (decimal.Decimal, bool) {
	if !finite(exit) || !finite(p.EntryPrice) || !finite(p.PositionSize) {
		return decimal.Zero, false
	}
	return decimal.NewFromFloat(exit).
		Sub(decimal.NewFromFloat(p.EntryPrice)).
		Mul(decimal.NewFromFloat(p.PositionSize)), true
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// closeKey returns a fresh idempotency key for one close request.
func closeKey(tradeID string) string {
	return tradeID + ":" + uuid.NewString()
}
