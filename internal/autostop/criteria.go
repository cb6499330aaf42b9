package autostop

import (
	"time"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// input is everything a criterion may look at. Market-derived values are
// only populated when the observation is fresh.
type input struct {
	pos       domain.MonitoredPosition
	at        time.Time
	fresh     bool
	side      float64
	costBasis float64
	pnl       *float64
}

// market returns v when the observation is fresh, nil otherwise.
func (in input) market(v *float64) *float64 {
	if !in.fresh {
		return nil
	}
	return v
}

// checkFunc returns the observed value and whether the threshold is breached.
type checkFunc func(in input, threshold float64) (float64, bool)

var checks = map[domain.CriteriaKind]checkFunc{
	domain.CriteriaDrawdownProtection: checkDrawdown,
	domain.CriteriaMaxLossPercent:     checkMaxLoss,
	domain.CriteriaMomentumReversal:   checkMomentumReversal,
	domain.CriteriaVolatilitySpike:    checkVolatilitySpike,
	domain.CriteriaPriceGap:           checkPriceGap,
	domain.CriteriaMomentum:           checkMomentum,
	domain.CriteriaVolatility:         checkVolatility,
	domain.CriteriaTimeDecay:          checkTimeDecay,
	domain.CriteriaMaxHoldingTime:     checkMaxHoldingTime,
	domain.CriteriaProfitTarget:       checkProfitTarget,
}

// checkDrawdown fires when PnL has given back threshold percent of cost
// basis from its peak. Only armed once the position has been in profit.
func checkDrawdown(in input, t float64) (float64, bool) {
	if in.pnl == nil || in.costBasis <= 0 {
		return 0, false
	}
	peak := in.pos.PeakPnL
	if peak == nil || *peak <= 0 {
		return 0, false
	}
	dd := (*peak - *in.pnl) / in.costBasis * 100
	return dd, dd >= t
}

func checkMaxLoss(in input, t float64) (float64, bool) {
	if in.pnl == nil || in.costBasis <= 0 {
		return 0, false
	}
	loss := -*in.pnl / in.costBasis * 100
	return loss, loss >= t
}

// checkMomentumReversal fires when momentum was favourable on the previous
// observation and is now adverse by at least the threshold.
func checkMomentumReversal(in input, t float64) (float64, bool) {
	cur := in.market(in.pos.Momentum)
	prev := in.market(in.pos.PrevMomentum)
	if cur == nil || prev == nil {
		return 0, false
	}
	if *prev*in.side <= 0 {
		return 0, false
	}
	m := *cur * in.side
	return m, m <= -t
}

func checkVolatilitySpike(in input, t float64) (float64, bool) {
	cur := in.market(in.pos.Volatility)
	prev := in.market(in.pos.PrevVolatility)
	if cur == nil || prev == nil || *prev <= 0 {
		return 0, false
	}
	ratio := *cur / *prev
	return ratio, ratio >= t
}

// checkPriceGap fires on a single-observation drop of the contract price.
func checkPriceGap(in input, t float64) (float64, bool) {
	cur := in.market(in.pos.CurrentPrice)
	prev := in.market(in.pos.PrevPrice)
	if cur == nil || prev == nil || *prev <= 0 {
		return 0, false
	}
	gap := (*prev - *cur) / *prev * 100
	return gap, gap >= t
}

func checkMomentum(in input, t float64) (float64, bool) {
	cur := in.market(in.pos.Momentum)
	if cur == nil {
		return 0, false
	}
	m := *cur * in.side
	return m, m <= -t
}

func checkVolatility(in input, t float64) (float64, bool) {
	cur := in.market(in.pos.Volatility)
	if cur == nil {
		return 0, false
	}
	return *cur, *cur >= t
}

// checkTimeDecay projects the time-to-close reported at ObservedAt forward to
// the evaluation instant and fires when it is within threshold minutes.
func checkTimeDecay(in input, t float64) (float64, bool) {
	ttc := in.market(in.pos.TTC)
	if ttc == nil {
		return 0, false
	}
	remaining := (*ttc - in.at.Sub(in.pos.ObservedAt).Seconds()) / 60
	return remaining, remaining <= t
}

// checkMaxHoldingTime needs no market data.
func checkMaxHoldingTime(in input, t float64) (float64, bool) {
	if in.pos.EntryTime.IsZero() {
		return 0, false
	}
	held := in.at.Sub(in.pos.EntryTime).Minutes()
	return held, held >= t
}

func checkProfitTarget(in input, t float64) (float64, bool) {
	if in.pnl == nil || in.costBasis <= 0 {
		return 0, false
	}
	gain := *in.pnl / in.costBasis * 100
	return gain, gain >= t
}
