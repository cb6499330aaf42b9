// Package fakes provides in-memory collaborators for package tests.
package fakes

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// Ledger is an in-memory TradeLedger whose TryTransition is a true
// compare-and-set under a mutex.
type Ledger struct {
	mu        sync.Mutex
	positions map[string]domain.Position

	// ListErr, when set, is returned by ListActive and ListByStatus.
	ListErr error
	// TransitionErr, when set, is returned by TryTransition.
	TransitionErr error

	failFrom    domain.PositionStatus
	failFromErr error

	ListCalls   int
	Transitions []Transition
}

// Transition records one successful TryTransition.
type Transition struct {
	TradeID string
	From    domain.PositionStatus
	To      domain.PositionStatus
	Fields  domain.TransitionFields
}

// NewLedger returns a ledger seeded with positions.
func NewLedger(positions ...domain.Position) *Ledger {
	l := &Ledger{positions: make(map[string]domain.Position)}
	for _, p := range positions {
		l.positions[p.TradeID] = p
	}
	return l
}

// Put inserts or replaces a position.
func (l *Ledger) Put(p domain.Position) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.positions[p.TradeID] = p
}

// SetStatus overwrites a status directly, as another process would.
func (l *Ledger) SetStatus(tradeID string, s domain.PositionStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.positions[tradeID]
	p.Status = s
	l.positions[tradeID] = p
}

// SetListErr sets ListErr under the lock.
func (l *Ledger) SetListErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ListErr = err
}

// FailFrom makes TryTransition return err for transitions out of from. A nil
// err clears it.
func (l *Ledger) FailFrom(from domain.PositionStatus, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failFrom, l.failFromErr = from, err
}

// Position returns the stored position.
func (l *Ledger) Position(tradeID string) domain.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.positions[tradeID]
}

// TransitionsTo returns recorded transitions into status to.
func (l *Ledger) TransitionsTo(to domain.PositionStatus) []Transition {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Transition
	for _, t := range l.Transitions {
		if t.To == to {
			out = append(out, t)
		}
	}
	return out
}

func (l *Ledger) ListActive(ctx context.Context) ([]domain.Position, error) {
	return l.ListByStatus(ctx, domain.StatusActive)
}

func (l *Ledger) ListByStatus(_ context.Context, status domain.PositionStatus) ([]domain.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ListCalls++
	if l.ListErr != nil {
		return nil, l.ListErr
	}
	var out []domain.Position
	for _, p := range l.positions {
		if p.Status == status {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TradeID < out[j].TradeID })
	return out, nil
}

func (l *Ledger) TryTransition(_ context.Context, tradeID string, from, to domain.PositionStatus, f domain.TransitionFields) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.TransitionErr != nil {
		return false, l.TransitionErr
	}
	if l.failFromErr != nil && from == l.failFrom {
		return false, l.failFromErr
	}
	if !domain.CanTransition(from, to) {
		return false, fmt.Errorf("fake ledger: %s -> %s: %w", from, to, domain.ErrInvalidTransition)
	}
	p, ok := l.positions[tradeID]
	if !ok || p.Status != from {
		return false, nil
	}
	p.Status = to
	if f.ExitPrice != nil {
		p.ExitPrice = f.ExitPrice
	}
	if f.ClosedAt != nil {
		p.ClosedAt = f.ClosedAt
	}
	if f.CloseMethod != "" {
		p.CloseMethod = f.CloseMethod
	}
	if f.CloseReason != "" {
		p.CloseReason = f.CloseReason
	}
	if f.CloseRequestID != "" {
		p.CloseRequestID = f.CloseRequestID
	}
	if f.ClearClose {
		p.CloseMethod = ""
		p.CloseReason = ""
		p.CloseRequestID = ""
	}
	l.positions[tradeID] = p
	l.Transitions = append(l.Transitions, Transition{TradeID: tradeID, From: from, To: to, Fields: f})
	return true, nil
}

func (l *Ledger) GetStatus(_ context.Context, tradeID string) (domain.PositionStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.positions[tradeID]
	if !ok {
		return "", domain.ErrNotFound
	}
	return p.Status, nil
}

func (l *Ledger) AttachCloseRequest(_ context.Context, tradeID, requestID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.positions[tradeID]
	if !ok || p.Status != domain.StatusClosing {
		return domain.ErrNotFound
	}
	p.CloseRequestID = requestID
	l.positions[tradeID] = p
	return nil
}

// Snapshots is a static SnapshotProvider.
type Snapshots struct {
	mu    sync.Mutex
	data  map[string]domain.MarketSnapshot
	err   error
	delay time.Duration
}

// NewSnapshots returns an empty provider.
func NewSnapshots() *Snapshots {
	return &Snapshots{data: make(map[string]domain.MarketSnapshot)}
}

// Set stores a snapshot for its trade id.
func (s *Snapshots) Set(snap domain.MarketSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[snap.TradeID] = snap
}

// Fail makes Get return err.
func (s *Snapshots) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Delay makes Get block for d or until ctx is done.
func (s *Snapshots) Delay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

func (s *Snapshots) Get(ctx context.Context, ids []string) (map[string]domain.MarketSnapshot, error) {
	s.mu.Lock()
	delay, err := s.delay, s.err
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, fmt.Errorf("fake snapshots: %w: %w", domain.ErrDataUnavailable, ctx.Err())
		}
	}
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]domain.MarketSnapshot, len(ids))
	for _, id := range ids {
		if snap, ok := s.data[id]; ok {
			out[id] = snap
		}
	}
	return out, nil
}

// Dispatcher is a scripted ExecutionDispatcher. Close honours idempotency
// keys: a repeated key returns the request it first created. The n-th new
// request resolves to Script[n], falling back to Default.
type Dispatcher struct {
	mu sync.Mutex

	// CloseErr, when set, fails every Close.
	CloseErr error
	// Script holds the states of newly issued requests, in issue order.
	Script []domain.DispatchState
	// Default is returned by Poll for requests without a script.
	Default domain.DispatchState
	// FillPrice is reported on filled polls.
	FillPrice float64
	// Hold blocks Close until it is closed.
	Hold chan struct{}

	byKey    map[string]string
	byTrade  map[string]string
	requests map[string]domain.DispatchState
	issued   int

	CloseCalls int
	Keys       []string
	PollCalls  int
}

// NewDispatcher returns a dispatcher whose requests resolve to state.
func NewDispatcher(state domain.DispatchState, fillPrice float64) *Dispatcher {
	return &Dispatcher{
		Default:   state,
		FillPrice: fillPrice,
		byKey:     make(map[string]string),
		byTrade:   make(map[string]string),
		requests:  make(map[string]domain.DispatchState),
	}
}

// Seed registers an existing request for tradeID, as a previous run would
// have left it.
func (d *Dispatcher) Seed(tradeID, requestID string, state domain.DispatchState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byTrade[tradeID] = requestID
	d.requests[requestID] = state
}

// SetState changes the state of an issued request.
func (d *Dispatcher) SetState(requestID string, state domain.DispatchState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests[requestID] = state
}

// Closes returns the number of Close calls.
func (d *Dispatcher) Closes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.CloseCalls
}

// Issued returns the number of distinct requests created by Close.
func (d *Dispatcher) Issued() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.issued
}

func (d *Dispatcher) Close(ctx context.Context, tradeID, key string) (string, error) {
	if d.Hold != nil {
		select {
		case <-d.Hold:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CloseCalls++
	d.Keys = append(d.Keys, key)
	if d.CloseErr != nil {
		return "", d.CloseErr
	}
	if id, ok := d.byKey[key]; ok {
		return id, nil
	}
	state := d.Default
	if d.issued < len(d.Script) {
		state = d.Script[d.issued]
	}
	d.issued++
	id := fmt.Sprintf("req-%s-%d", tradeID, d.issued)
	d.byKey[key] = id
	d.byTrade[tradeID] = id
	d.requests[id] = state
	return id, nil
}

func (d *Dispatcher) Poll(_ context.Context, requestID string) (domain.DispatchResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.PollCalls++
	state, ok := d.requests[requestID]
	if !ok {
		return domain.DispatchResult{}, domain.ErrNotFound
	}
	res := domain.DispatchResult{RequestID: requestID, State: state}
	if state == domain.DispatchFilled {
		res.FillPrice = d.FillPrice
		res.FilledAt = time.Now().UTC()
	}
	if state == domain.DispatchRejected {
		res.Message = "rejected by venue"
	}
	return res, nil
}

func (d *Dispatcher) Lookup(_ context.Context, tradeID string) (string, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.byTrade[tradeID]
	return id, ok, nil
}

// Audit collects audit events.
type Audit struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

func (a *Audit) Record(_ context.Context, evt domain.AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, evt)
	return nil
}

// Events returns recorded events, filtered by type when types are given.
func (a *Audit) Events(types ...domain.AuditEventType) []domain.AuditEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(types) == 0 {
		return append([]domain.AuditEvent(nil), a.events...)
	}
	var out []domain.AuditEvent
	for _, e := range a.events {
		for _, t := range types {
			if e.EventType == t {
				out = append(out, e)
			}
		}
	}
	return out
}

// Alerts collects notifications.
type Alerts struct {
	mu     sync.Mutex
	Events []string
}

func (a *Alerts) Notify(_ context.Context, event, _, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Events = append(a.Events, event)
	return nil
}

// Has reports whether event was sent.
func (a *Alerts) Has(event string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.Events {
		if e == event {
			return true
		}
	}
	return false
}
