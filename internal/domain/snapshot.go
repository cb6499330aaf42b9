package domain

import "time"

// MarketSnapshot is the latest market view for one position as published by
// the market-data subsystem. Nil fields were not supplied.
type MarketSnapshot struct {
	TradeID     string
	Price       *float64 // contract mark price, same unit as entry price
	TTC         *float64 // seconds until the market window closes
	Momentum    *float64
	Volatility  *float64
	Probability *float64
	Buffer      *float64 // reference price minus strike
	ObservedAt  time.Time
}

// Float returns a pointer to v. Handy for building snapshots and criteria.
func Float(v float64) *float64 {
	return &v
}
