package executor

import "sync"

// InFlight tracks trade ids with a close execution in progress so that at
// most one execution per trade runs at a time. It is safe for concurrent use.
type InFlight struct {
	active map[string]struct{}
	mu     sync.Mutex
}

// NewInFlight creates an empty set.
func NewInFlight() *InFlight {
	return &InFlight{active: make(map[string]struct{})}
}

// Acquire records tradeID as in flight. It returns false if an execution for
// the trade is already running.
func (f *InFlight) Acquire(tradeID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.active[tradeID]; ok {
		return false
	}
	f.active[tradeID] = struct{}{}
	return true
}

// Release removes tradeID from the set.
func (f *InFlight) Release(tradeID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.active, tradeID)
}

// Len returns the number of executions in progress.
func (f *InFlight) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.active)
}
