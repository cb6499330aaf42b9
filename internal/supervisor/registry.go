// Package supervisor runs the auto-stop cycle: it keeps the set of ACTIVE
// positions in sync with the trade ledger, refreshes them from market data,
// evaluates exit criteria and hands close decisions to the executor.
package supervisor

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// Registry is the in-memory set of monitored positions keyed by trade id.
// Only the supervisor loop writes to it; readers (status, API) take copies.
type Registry struct {
	mu    sync.RWMutex
	items map[string]*domain.MonitoredPosition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{items: make(map[string]*domain.MonitoredPosition)}
}

// Upsert adds p or replaces the ledger-owned fields of an existing entry,
// keeping live market state and control flags. It reports whether the entry
// is new.
func (r *Registry) Upsert(p domain.Position) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.items[p.TradeID]; ok {
		cur.Position = p
		return false
	}
	r.items[p.TradeID] = &domain.MonitoredPosition{Position: p}
	return true
}

// Remove deletes tradeID. It reports whether an entry was present.
func (r *Registry) Remove(tradeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[tradeID]; !ok {
		return false
	}
	delete(r.items, tradeID)
	return true
}

// Get returns a copy of the entry for tradeID.
func (r *Registry) Get(tradeID string) (domain.MonitoredPosition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.items[tradeID]
	if !ok {
		return domain.MonitoredPosition{}, false
	}
	return *m, true
}

// SnapshotAll returns copies of every entry sorted by trade id.
func (r *Registry) SnapshotAll() []domain.MonitoredPosition {
	r.mu.RLock()
	out := make([]domain.MonitoredPosition, 0, len(r.items))
	for _, m := range r.items {
		out = append(out, *m)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].TradeID < out[j].TradeID })
	return out
}

// IDs returns the trade ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.items))
	for id := range r.items {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// InFlightCount returns the number of entries with a close in progress.
func (r *Registry) InFlightCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, m := range r.items {
		if m.InFlight {
			n++
		}
	}
	return n
}

// Refresh merges snap into the entry for snap.TradeID. Previous values are
// shifted only when the observation is newer than the one already held, so
// re-reading an unchanged snapshot does not erase gap or spike history.
// NaN and infinite fields are stored as missing.
func (r *Registry) Refresh(snap domain.MarketSnapshot, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.items[snap.TradeID]
	if !ok {
		return false
	}

	if snap.ObservedAt.After(m.ObservedAt) {
		if !m.ObservedAt.IsZero() {
			m.PrevPrice = m.CurrentPrice
			m.PrevMomentum = m.Momentum
			m.PrevVolatility = m.Volatility
		}
		m.CurrentPrice = finiteOrNil(snap.Price)
		m.Momentum = finiteOrNil(snap.Momentum)
		m.Volatility = finiteOrNil(snap.Volatility)
		m.TTC = finiteOrNil(snap.TTC)
		m.CurrentProbability = finiteOrNil(snap.Probability)
		m.BufferFromEntry = finiteOrNil(snap.Buffer)
		m.ObservedAt = snap.ObservedAt
	}

	m.LastRefreshedAt = now
	if !m.EntryTime.IsZero() {
		m.TimeSinceEntry = now.Sub(m.EntryTime)
	}
	if m.CurrentPrice != nil && finite(m.EntryPrice) && finite(m.PositionSize) {
		pnl := decimal.NewFromFloat(*m.CurrentPrice).
			Sub(decimal.NewFromFloat(m.EntryPrice)).
			Mul(decimal.NewFromFloat(m.PositionSize)).
			InexactFloat64()
		m.CurrentPnL = &pnl
		if m.PeakPnL == nil || pnl > *m.PeakPnL {
			peak := pnl
			m.PeakPnL = &peak
		}
	}
	return true
}

// MarkInFlight flags tradeID as having a close in progress.
func (r *Registry) MarkInFlight(tradeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.items[tradeID]
	if !ok {
		return false
	}
	m.InFlight = true
	return true
}

// ResolveInFlight clears the in-flight flag and starts a cool-down of
// cooldownTicks cycles.
func (r *Registry) ResolveInFlight(tradeID string, cooldownTicks int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.items[tradeID]
	if !ok {
		return false
	}
	m.InFlight = false
	m.CooldownTicks = cooldownTicks
	return true
}

// AdvanceCooldowns counts one cycle off every running cool-down. The loop
// calls it once per tick, whether or not the tick reaches decisions.
func (r *Registry) AdvanceCooldowns() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.items {
		if m.CooldownTicks > 0 {
			m.CooldownTicks--
		}
	}
}

func finiteOrNil(v *float64) *float64 {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return nil
	}
	return v
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
