// Package autostop decides when an active position must be force-closed.
package autostop

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// decisionNamespace scopes decision ids so the same inputs always produce the
// same id.
var decisionNamespace = uuid.MustParse("6c2a4f0e-3d59-4b8e-9a57-0f7b1f2f8d11")

// Engine evaluates exit criteria against a monitored position. It holds no
// mutable state and is safe for concurrent use.
type Engine struct {
	// StalenessBound is the maximum age of a market observation that
	// criteria depending on market data will act on. Zero disables the check.
	StalenessBound time.Duration
}

// New creates an Engine with the given staleness bound.
func New(stalenessBound time.Duration) *Engine {
	return &Engine{StalenessBound: stalenessBound}
}

// Evaluate walks the enabled criteria in priority order and returns a close
// decision for the first one that is satisfied. It reports false when no
// criterion fires. The result depends only on its arguments.
func (e *Engine) Evaluate(pos domain.MonitoredPosition, cfg domain.CriteriaConfig, at time.Time) (domain.CloseDecision, bool) {
	in := e.inputs(pos, at)

	for _, kind := range domain.CriteriaPriority {
		t := cfg.Threshold(kind)
		if t == nil {
			continue
		}
		check, ok := checks[kind]
		if !ok {
			continue
		}
		observed, fired := check(in, *t)
		if !fired {
			continue
		}
		return domain.CloseDecision{
			ID:        decisionID(pos.TradeID, kind, at),
			TradeID:   pos.TradeID,
			Reason:    kind,
			Observed:  observed,
			Threshold: *t,
			Snapshot:  pos,
			DecidedAt: at,
		}, true
	}
	return domain.CloseDecision{}, false
}

// inputs derives the per-evaluation values shared by all criteria.
func (e *Engine) inputs(pos domain.MonitoredPosition, at time.Time) input {
	in := input{
		pos:       pos,
		at:        at,
		side:      pos.Contract.Direction(),
		costBasis: pos.CostBasis(),
	}
	if pos.ObservedAt.IsZero() {
		return in
	}
	age := at.Sub(pos.ObservedAt)
	in.fresh = e.StalenessBound <= 0 || age <= e.StalenessBound
	if in.fresh && pos.CurrentPrice != nil {
		pnl := (*pos.CurrentPrice - pos.EntryPrice) * pos.PositionSize
		in.pnl = &pnl
	}
	return in
}

func decisionID(tradeID string, kind domain.CriteriaKind, at time.Time) string {
	name := fmt.Sprintf("%s|%s|%d", tradeID, kind, at.UnixNano())
	return uuid.NewSHA1(decisionNamespace, []byte(name)).String()
}
