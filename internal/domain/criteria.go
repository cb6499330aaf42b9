package domain

// CriteriaKind names one auto-stop exit criterion.
type CriteriaKind string

const (
	CriteriaDrawdownProtection CriteriaKind = "drawdown_protection"
	CriteriaMaxLossPercent     CriteriaKind = "max_loss_percent"
	CriteriaMomentumReversal   CriteriaKind = "momentum_reversal_threshold"
	CriteriaVolatilitySpike    CriteriaKind = "volatility_spike_threshold"
	CriteriaPriceGap           CriteriaKind = "price_gap_threshold"
	CriteriaMomentum           CriteriaKind = "momentum_threshold"
	CriteriaVolatility         CriteriaKind = "volatility_threshold"
	CriteriaTimeDecay          CriteriaKind = "time_decay_threshold"
	CriteriaMaxHoldingTime     CriteriaKind = "max_holding_time_minutes"
	CriteriaProfitTarget       CriteriaKind = "profit_target"
)

// CriteriaPriority is the fixed evaluation order. The first satisfied
// criterion is the close reason.
var CriteriaPriority = []CriteriaKind{
	CriteriaDrawdownProtection,
	CriteriaMaxLossPercent,
	CriteriaMomentumReversal,
	CriteriaVolatilitySpike,
	CriteriaPriceGap,
	CriteriaMomentum,
	CriteriaVolatility,
	CriteriaTimeDecay,
	CriteriaMaxHoldingTime,
	CriteriaProfitTarget,
}

// CriteriaConfig holds the auto-stop thresholds. A nil field disables the
// criterion; zero is a real threshold.
type CriteriaConfig struct {
	MaxLossPercent            *float64 `toml:"max_loss_percent" json:"max_loss_percent,omitempty"`
	MaxHoldingTimeMinutes     *float64 `toml:"max_holding_time_minutes" json:"max_holding_time_minutes,omitempty"`
	MomentumThreshold         *float64 `toml:"momentum_threshold" json:"momentum_threshold,omitempty"`
	VolatilityThreshold       *float64 `toml:"volatility_threshold" json:"volatility_threshold,omitempty"`
	MomentumReversalThreshold *float64 `toml:"momentum_reversal_threshold" json:"momentum_reversal_threshold,omitempty"`
	VolatilitySpikeThreshold  *float64 `toml:"volatility_spike_threshold" json:"volatility_spike_threshold,omitempty"`
	PriceGapThreshold         *float64 `toml:"price_gap_threshold" json:"price_gap_threshold,omitempty"`
	TimeDecayThreshold        *float64 `toml:"time_decay_threshold" json:"time_decay_threshold,omitempty"`
	ProfitTarget              *float64 `toml:"profit_target" json:"profit_target,omitempty"`
	DrawdownProtection        *float64 `toml:"drawdown_protection" json:"drawdown_protection,omitempty"`
}

// Threshold returns the configured threshold for kind, or nil when disabled.
func (c CriteriaConfig) Threshold(kind CriteriaKind) *float64 {
	switch kind {
	case CriteriaDrawdownProtection:
		return c.DrawdownProtection
	case CriteriaMaxLossPercent:
		return c.MaxLossPercent
	case CriteriaMomentumReversal:
		return c.MomentumReversalThreshold
	case CriteriaVolatilitySpike:
		return c.VolatilitySpikeThreshold
	case CriteriaPriceGap:
		return c.PriceGapThreshold
	case CriteriaMomentum:
		return c.MomentumThreshold
	case CriteriaVolatility:
		return c.VolatilityThreshold
	case CriteriaTimeDecay:
		return c.TimeDecayThreshold
	case CriteriaMaxHoldingTime:
		return c.MaxHoldingTimeMinutes
	case CriteriaProfitTarget:
		return c.ProfitTarget
	default:
		return nil
	}
}

// Enabled returns the enabled criteria in priority order.
func (c CriteriaConfig) Enabled() []CriteriaKind {
	var out []CriteriaKind
	for _, k := range CriteriaPriority {
		if c.Threshold(k) != nil {
			out = append(out, k)
		}
	}
	return out
}

// Clone returns a deep copy so callers cannot mutate shared thresholds.
func (c CriteriaConfig) Clone() CriteriaConfig {
	cp := func(p *float64) *float64 {
		if p == nil {
			return nil
		}
		v := *p
		return &v
	}
	return CriteriaConfig{
		MaxLossPercent:            cp(c.MaxLossPercent),
		MaxHoldingTimeMinutes:     cp(c.MaxHoldingTimeMinutes),
		MomentumThreshold:         cp(c.MomentumThreshold),
		VolatilityThreshold:       cp(c.VolatilityThreshold),
		MomentumReversalThreshold: cp(c.MomentumReversalThreshold),
		VolatilitySpikeThreshold:  cp(c.VolatilitySpikeThreshold),
		PriceGapThreshold:         cp(c.PriceGapThreshold),
		TimeDecayThreshold:        cp(c.TimeDecayThreshold),
		ProfitTarget:              cp(c.ProfitTarget),
		DrawdownProtection:        cp(c.DrawdownProtection),
	}
}
