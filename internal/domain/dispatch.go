package domain

import "time"

// DispatchState is the execution subsystem's view of a close request.
type DispatchState string

const (
	DispatchPending  DispatchState = "pending"
	DispatchFilled   DispatchState = "filled"
	DispatchRejected DispatchState = "rejected"
)

// DispatchResult is returned when polling a close request.
type DispatchResult struct {
	RequestID string
	State     DispatchState
	FillPrice float64
	FilledAt  time.Time
	Message   string
}
