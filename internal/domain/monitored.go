package domain

import "time"

// MonitoredPosition is the supervisor's live view of an ACTIVE position. It is
// rebuilt from the ledger and refreshed from market snapshots every tick; it
// is never persisted.
type MonitoredPosition struct {
	Position

	CurrentPrice       *float64
	CurrentProbability *float64
	BufferFromEntry    *float64
	TimeSinceEntry     time.Duration
	CurrentPnL         *float64
	LastRefreshedAt    time.Time

	Momentum   *float64
	Volatility *float64
	TTC        *float64
	ObservedAt time.Time

	// Values from the previous distinct observation, used by the gap,
	// spike and reversal criteria.
	PrevPrice      *float64
	PrevMomentum   *float64
	PrevVolatility *float64
	PeakPnL        *float64

	InFlight      bool
	CooldownTicks int
}

// Eligible reports whether the position may be passed to the engine.
func (m MonitoredPosition) Eligible() bool {
	return !m.InFlight && m.CooldownTicks == 0
}
