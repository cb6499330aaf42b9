package supervisor

import (
	"sync"
	"time"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// Dependency names used in status reports and metrics.
const (
	DepLedger     = "trade_ledger"
	DepSnapshots  = "market_snapshots"
	DepDispatcher = "execution_dispatcher"
	DepAudit      = "audit_sink"
)

// DependencyError is the most recent failure of one collaborator.
type DependencyError struct {
	Error string    `json:"error"`
	At    time.Time `json:"at"`
}

// StatusReport is the read-only view served by the status endpoint.
type StatusReport struct {
	Running            bool                       `json:"running"`
	PositionsMonitored int                        `json:"positions_monitored"`
	InFlight           int                        `json:"in_flight"`
	LastTickAt         *time.Time                 `json:"last_tick_at,omitempty"`
	Ticks              uint64                     `json:"ticks"`
	CriteriaConfig     domain.CriteriaConfig      `json:"criteria_config"`
	LastErrors         map[string]DependencyError `json:"last_errors"`
	LedgerEscalated    bool                       `json:"ledger_escalated"`
}

// Status accumulates health information written by the loop and read by the
// API. It is safe for concurrent use.
type Status struct {
	mu         sync.RWMutex
	running    bool
	lastTickAt time.Time
	ticks      uint64
	criteria   domain.CriteriaConfig
	lastErrors map[string]DependencyError
	escalated  bool
}

// NewStatus creates an empty Status.
func NewStatus() *Status {
	return &Status{lastErrors: make(map[string]DependencyError)}
}

func (s *Status) setRunning(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = v
}

func (s *Status) tick(at time.Time, criteria domain.CriteriaConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastTickAt = at
	s.ticks++
	s.criteria = criteria
}

// RecordError stores err as the latest failure of dep.
func (s *Status) RecordError(dep string, err error, at time.Time) {
	if err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErrors[dep] = DependencyError{Error: err.Error(), At: at}
}

func (s *Status) setEscalated(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.escalated = v
}

// Healthy reports whether the loop is running with a reachable ledger.
func (s *Status) Healthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running && !s.escalated
}

// Report assembles a StatusReport. positions and inFlight come from the
// registry and executor, which Status does not own.
func (s *Status) Report(positions, inFlight int) StatusReport {
	s.mu.RLock()
	defer s.mu.RUnlock()

	errs := make(map[string]DependencyError, len(s.lastErrors))
	for k, v := range s.lastErrors {
		errs[k] = v
	}
	r := StatusReport{
		Running:            s.running,
		PositionsMonitored: positions,
		InFlight:           inFlight,
		Ticks:              s.ticks,
		CriteriaConfig:     s.criteria.Clone(),
		LastErrors:         errs,
		LedgerEscalated:    s.escalated,
	}
	if !s.lastTickAt.IsZero() {
		t := s.lastTickAt
		r.LastTickAt = &t
	}
	return r
}
