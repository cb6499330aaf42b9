package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/alanyoungcy/polyguard/internal/domain"
	"github.com/alanyoungcy/polyguard/internal/metrics"
)

// CriteriaSource supplies the criteria in force. The loop reads it once per
// tick so a reload never lands in the middle of a cycle.
type CriteriaSource interface {
	Current() domain.CriteriaConfig
}

// StaticCriteria is a CriteriaSource that never changes.
type StaticCriteria domain.CriteriaConfig

// Current implements CriteriaSource.
func (s StaticCriteria) Current() domain.CriteriaConfig {
	return domain.CriteriaConfig(s).Clone()
}

// Alerter delivers operator notifications. *notify.Notifier satisfies it.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Tick results, also used as metric labels.
const (
	TickOK              = "ok"
	TickHoldSteady      = "hold_steady"
	TickSnapshotSkipped = "snapshot_skipped"
)

// LoopConfig tunes the scheduler.
type LoopConfig struct {
	Interval               time.Duration
	ShutdownTimeout        time.Duration
	LedgerFailureThreshold int
	LedgerBackoffInitial   time.Duration
	LedgerBackoffMax       time.Duration
}

// Loop drives the synchronizer on a fixed interval. The goroutine running
// Run is the only writer of the registry.
type Loop struct {
	sync     *Synchronizer
	registry *Registry
	closer   Closer
	status   *Status
	criteria CriteriaSource
	alerter  Alerter
	cfg      LoopConfig
	logger   *slog.Logger
	clock    func() time.Time

	ledgerFailures int
	ledgerRetryAt  time.Time
	ledgerBackoff  *backoff.ExponentialBackOff
}

// NewLoop creates a Loop. alerter may be nil.
func NewLoop(
	sync *Synchronizer,
	registry *Registry,
	closer Closer,
	status *Status,
	criteria CriteriaSource,
	alerter Alerter,
	cfg LoopConfig,
	logger *slog.Logger,
) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.LedgerFailureThreshold <= 0 {
		cfg.LedgerFailureThreshold = 5
	}
	if cfg.LedgerBackoffInitial <= 0 {
		cfg.LedgerBackoffInitial = cfg.Interval
	}
	if cfg.LedgerBackoffMax <= 0 {
		cfg.LedgerBackoffMax = time.Minute
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.LedgerBackoffInitial
	bo.MaxInterval = cfg.LedgerBackoffMax
	bo.MaxElapsedTime = 0
	bo.Reset()

	return &Loop{
		sync:          sync,
		registry:      registry,
		closer:        closer,
		status:        status,
		criteria:      criteria,
		alerter:       alerter,
		cfg:           cfg,
		logger:        logger.With(slog.String("component", "supervisor")),
		clock:         time.Now,
		ledgerBackoff: bo,
	}
}

// Run resumes interrupted closes, then ticks until ctx is cancelled. On
// shutdown it stops ticking and waits, up to ShutdownTimeout, for closes
// already in flight.
func (l *Loop) Run(ctx context.Context) error {
	l.status.setRunning(true)
	defer l.status.setRunning(false)

	l.logger.InfoContext(ctx, "supervisor started",
		slog.Duration("interval", l.cfg.Interval),
		slog.Int("ledger_failure_threshold", l.cfg.LedgerFailureThreshold),
	)

	if n, err := l.sync.Resume(ctx); err != nil {
		l.status.RecordError(DepLedger, err, l.clock().UTC())
		l.logger.WarnContext(ctx, "resume of in-flight closes failed", slog.String("error", err.Error()))
	} else if n > 0 {
		l.logger.InfoContext(ctx, "resumed in-flight closes", slog.Int("count", n))
	}

	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	l.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return l.shutdown()
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Tick runs one cycle and returns its result.
func (l *Loop) Tick(ctx context.Context) string {
	start := time.Now()
	now := l.clock().UTC()
	criteria := l.criteria.Current()
	l.status.tick(now, criteria)

	result := l.cycle(ctx, criteria, now)

	metrics.TicksTotal.WithLabelValues(result).Inc()
	metrics.TickDuration.Observe(float64(time.Since(start).Microseconds()) / 1000)
	metrics.PositionsMonitored.Set(float64(l.registry.Len()))
	return result
}

func (l *Loop) cycle(ctx context.Context, criteria domain.CriteriaConfig, now time.Time) string {
	l.registry.AdvanceCooldowns()
	l.sync.Resolve(ctx)

	if !l.ledgerRetryAt.IsZero() && now.Before(l.ledgerRetryAt) {
		return TickHoldSteady
	}

	active, err := l.sync.FetchActive(ctx)
	if err != nil {
		l.ledgerFailed(ctx, err, now)
		return TickHoldSteady
	}
	l.ledgerRecovered(ctx)

	adopted := l.sync.Adopt(ctx, active)
	evicted := l.sync.Evict(ctx, active)
	if adopted > 0 || evicted > 0 {
		l.logger.DebugContext(ctx, "registry reconciled",
			slog.Int("adopted", adopted),
			slog.Int("evicted", evicted),
			slog.Int("monitored", l.registry.Len()),
		)
	}
	if l.sync.Pending() > 0 {
		l.sync.Settle(ctx)
	}

	refreshed, err := l.sync.Refresh(ctx, now)
	if err != nil {
		metrics.DependencyErrors.WithLabelValues(DepSnapshots).Inc()
		l.status.RecordError(DepSnapshots, err, now)
		if refreshed == 0 {
			l.logger.WarnContext(ctx, "market snapshot unavailable, skipping decisions",
				slog.String("error", err.Error()),
			)
			return TickSnapshotSkipped
		}
	}

	decisions := l.sync.Decide(ctx, criteria, now)
	if len(decisions) > 0 {
		l.sync.Dispatch(ctx, decisions)
	}
	return TickOK
}

func (l *Loop) ledgerFailed(ctx context.Context, err error, now time.Time) {
	l.ledgerFailures++
	metrics.DependencyErrors.WithLabelValues(DepLedger).Inc()
	l.status.RecordError(DepLedger, err, now)
	l.logger.WarnContext(ctx, "trade ledger unavailable, holding steady",
		slog.Int("consecutive_failures", l.ledgerFailures),
		slog.String("error", err.Error()),
	)

	if l.ledgerFailures < l.cfg.LedgerFailureThreshold {
		return
	}
	if l.ledgerFailures == l.cfg.LedgerFailureThreshold {
		escErr := fmt.Errorf("%w: %d consecutive failures: %w", domain.ErrUnrecoverableLedger, l.ledgerFailures, err)
		l.status.setEscalated(true)
		metrics.LedgerEscalated.Set(1)
		l.logger.ErrorContext(ctx, "trade ledger escalated", slog.String("error", escErr.Error()))
		l.alert(ctx, "ledger_escalated", "Trade ledger unreachable", escErr.Error())
	}
	l.ledgerRetryAt = now.Add(l.ledgerBackoff.NextBackOff())
}

func (l *Loop) ledgerRecovered(ctx context.Context) {
	if l.ledgerFailures == 0 {
		return
	}
	if l.ledgerFailures >= l.cfg.LedgerFailureThreshold {
		l.status.setEscalated(false)
		metrics.LedgerEscalated.Set(0)
		l.alert(ctx, "ledger_recovered", "Trade ledger reachable again",
			fmt.Sprintf("recovered after %d consecutive failures", l.ledgerFailures))
	}
	l.logger.InfoContext(ctx, "trade ledger recovered", slog.Int("failures", l.ledgerFailures))
	l.ledgerFailures = 0
	l.ledgerRetryAt = time.Time{}
	l.ledgerBackoff.Reset()
}

func (l *Loop) shutdown() error {
	inFlight := l.closer.InFlight()
	l.logger.Info("supervisor stopping", slog.Int("in_flight", inFlight))

	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.ShutdownTimeout)
	defer cancel()
	if err := l.closer.Wait(ctx); err != nil {
		l.logger.Error("shutdown timed out with closes in flight", slog.String("error", err.Error()))
		return fmt.Errorf("supervisor: shutdown: %w", err)
	}
	l.logger.Info("supervisor stopped")
	return nil
}

func (l *Loop) alert(ctx context.Context, event, title, message string) {
	if l.alerter == nil {
		return
	}
	if err := l.alerter.Notify(ctx, event, title, message); err != nil {
		l.logger.WarnContext(ctx, "notification failed", slog.String("error", err.Error()))
	}
}

// Report returns the current supervisor status.
func (l *Loop) Report() StatusReport {
	return l.status.Report(l.registry.Len(), l.closer.InFlight())
}

// Positions returns copies of the monitored positions.
func (l *Loop) Positions() []domain.MonitoredPosition {
	return l.registry.SnapshotAll()
}

// Healthy reports whether the loop is running with a reachable ledger.
func (l *Loop) Healthy() bool {
	return l.status.Healthy()
}
