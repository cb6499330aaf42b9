package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyguard/internal/domain"
	"github.com/alanyoungcy/polyguard/internal/fakes"
)

func testConfig() Config {
	return Config{
		MaxAttempts:     3,
		InitialBackoff:  time.Millisecond,
		MaxBackoff:      2 * time.Millisecond,
		DispatchTimeout: 100 * time.Millisecond,
		LedgerTimeout:   100 * time.Millisecond,
		FillTimeout:     20 * time.Millisecond,
		PollInterval:    2 * time.Millisecond,
	}
}

func closingPosition(id string) domain.Position {
	return domain.Position{
		TradeID:      id,
		EntryPrice:   100,
		PositionSize: 10,
		EntryTime:    time.Now().Add(-time.Hour),
		Status:       domain.StatusClosing,
		CloseMethod:  domain.CloseMethodAutoStop,
		CloseReason:  string(domain.CriteriaMaxLossPercent),
	}
}

func newTestExecutor(ledger *fakes.Ledger, disp *fakes.Dispatcher, audit *fakes.Audit, alerts *fakes.Alerts) *CloseExecutor {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var alerter Alerter
	if alerts != nil {
		alerter = alerts
	}
	return NewCloseExecutor(ledger, disp, audit, alerter, testConfig(), logger)
}

func waitOutcome(t *testing.T, e *CloseExecutor) Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.Wait(ctx))
	outs := e.Drain()
	require.Len(t, outs, 1)
	return outs[0]
}

func TestCloseExecutor_FillClosesPosition(t *testing.T) {
	pos := closingPosition("t-1")
	ledger := fakes.NewLedger(pos)
	disp := fakes.NewDispatcher(domain.DispatchFilled, 68)
	audit := &fakes.Audit{}
	alerts := &fakes.Alerts{}
	e := newTestExecutor(ledger, disp, audit, alerts)

	require.True(t, e.Submit(context.Background(), Job{Position: pos, Reason: string(domain.CriteriaMaxLossPercent)}))
	out := waitOutcome(t, e)

	assert.Equal(t, OutcomeClosed, out.Kind)
	require.NotNil(t, out.ExitPrice)
	assert.Equal(t, 68.0, *out.ExitPrice)

	stored := ledger.Position("t-1")
	assert.Equal(t, domain.StatusClosed, stored.Status)
	assert.Equal(t, domain.CloseMethodAutoStop, stored.CloseMethod)
	require.NotNil(t, stored.ExitPrice)
	assert.Equal(t, 68.0, *stored.ExitPrice)
	assert.NotNil(t, stored.ClosedAt)
	assert.NotEmpty(t, stored.CloseRequestID)
	assert.Equal(t, 1, disp.Closes())

	closed := audit.Events(domain.AuditClosed)
	require.Len(t, closed, 1)
	assert.InDelta(t, -320.0, closed[0].Snapshot["realized_pnl"], 1e-9)
	assert.True(t, alerts.Has("position_closed"))
	assert.Equal(t, 0, e.InFlight())
}

func TestCloseExecutor_RollbackAfterThreeAttempts(t *testing.T) {
	pos := closingPosition("t-2")
	ledger := fakes.NewLedger(pos)
	disp := fakes.NewDispatcher(domain.DispatchRejected, 0)
	audit := &fakes.Audit{}
	alerts := &fakes.Alerts{}
	e := newTestExecutor(ledger, disp, audit, alerts)

	require.True(t, e.Submit(context.Background(), Job{Position: pos, Reason: "max_loss_percent"}))
	out := waitOutcome(t, e)

	assert.Equal(t, OutcomeRolledBack, out.Kind)
	assert.ErrorIs(t, out.Err, domain.ErrDispatchFailure)
	assert.Equal(t, 3, disp.Closes())
	assert.Equal(t, 3, disp.Issued(), "each rejected request is replaced")
	assert.Len(t, uniq(disp.Keys), 3)

	stored := ledger.Position("t-2")
	assert.Equal(t, domain.StatusActive, stored.Status)
	assert.Empty(t, stored.CloseMethod)
	assert.Empty(t, stored.CloseRequestID)

	assert.Len(t, audit.Events(domain.AuditDispatchAttemptFailed), 3)
	assert.Len(t, audit.Events(domain.AuditDispatchFailure), 1)
	assert.True(t, alerts.Has("dispatch_failure"))
}

func TestCloseExecutor_PendingRequestIsNeverReissued(t *testing.T) {
	pos := closingPosition("t-3")
	ledger := fakes.NewLedger(pos)
	disp := fakes.NewDispatcher(domain.DispatchPending, 0)
	e := newTestExecutor(ledger, disp, &fakes.Audit{}, nil)

	require.True(t, e.Submit(context.Background(), Job{Position: pos, Reason: "profit_target"}))
	out := waitOutcome(t, e)

	assert.Equal(t, OutcomeRolledBack, out.Kind)
	assert.Equal(t, 1, disp.Closes())
}

func TestCloseExecutor_ResumesExistingRequest(t *testing.T) {
	pos := closingPosition("t-4")
	ledger := fakes.NewLedger(pos)
	disp := fakes.NewDispatcher(domain.DispatchFilled, 120)
	disp.Seed("t-4", "req-previous", domain.DispatchFilled)
	e := newTestExecutor(ledger, disp, &fakes.Audit{}, nil)

	require.True(t, e.Submit(context.Background(), Job{Position: pos, Reason: "profit_target"}))
	out := waitOutcome(t, e)

	assert.Equal(t, OutcomeClosed, out.Kind)
	assert.Equal(t, 0, disp.Closes(), "lookup found the earlier request")
	assert.Equal(t, domain.StatusClosed, ledger.Position("t-4").Status)
}

func TestCloseExecutor_UsesLedgerRequestID(t *testing.T) {
	pos := closingPosition("t-5")
	pos.CloseRequestID = "req-from-ledger"
	ledger := fakes.NewLedger(pos)
	disp := fakes.NewDispatcher(domain.DispatchFilled, 90)
	disp.SetState("req-from-ledger", domain.DispatchFilled)
	e := newTestExecutor(ledger, disp, &fakes.Audit{}, nil)

	require.True(t, e.Submit(context.Background(), Job{Position: pos}))
	out := waitOutcome(t, e)
	assert.Equal(t, OutcomeClosed, out.Kind)
	assert.Equal(t, 0, disp.Closes())
}

func TestCloseExecutor_LostRaceOnFinalize(t *testing.T) {
	pos := closingPosition("t-6")
	ledger := fakes.NewLedger(pos)
	disp := fakes.NewDispatcher(domain.DispatchFilled, 80)
	disp.Hold = make(chan struct{})
	audit := &fakes.Audit{}
	e := newTestExecutor(ledger, disp, audit, nil)

	require.True(t, e.Submit(context.Background(), Job{Position: pos}))
	// A manual close lands while our order is being routed.
	ledger.SetStatus("t-6", domain.StatusFailed)
	close(disp.Hold)

	out := waitOutcome(t, e)
	assert.Equal(t, OutcomeLost, out.Kind)
	assert.ErrorIs(t, out.Err, domain.ErrConflictingTransition)
	conflicts := audit.Events(domain.AuditConflictingTransition)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "FAILED", conflicts[0].Snapshot["ledger_status"])
}

func TestCloseExecutor_SubmitIsSerializedPerTrade(t *testing.T) {
	pos := closingPosition("t-7")
	ledger := fakes.NewLedger(pos)
	disp := fakes.NewDispatcher(domain.DispatchFilled, 100)
	disp.Hold = make(chan struct{})
	e := newTestExecutor(ledger, disp, &fakes.Audit{}, nil)

	assert.True(t, e.Submit(context.Background(), Job{Position: pos}))
	assert.False(t, e.Submit(context.Background(), Job{Position: pos}))
	assert.Equal(t, 1, e.InFlight())
	close(disp.Hold)

	out := waitOutcome(t, e)
	assert.Equal(t, OutcomeClosed, out.Kind)
}

func TestCloseExecutor_WaitRespectsDeadline(t *testing.T) {
	pos := closingPosition("t-8")
	disp := fakes.NewDispatcher(domain.DispatchFilled, 100)
	disp.Hold = make(chan struct{})
	e := newTestExecutor(fakes.NewLedger(pos), disp, &fakes.Audit{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.True(t, e.Submit(ctx, Job{Position: pos}))
	cancel()

	wctx, wcancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer wcancel()
	err := e.Wait(wctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	close(disp.Hold)
	out := waitOutcome(t, e)
	assert.Equal(t, OutcomeClosed, out.Kind, "execution survives caller cancellation")
}

func TestCloseExecutor_RejectionThenFill(t *testing.T) {
	pos := closingPosition("t-9")
	ledger := fakes.NewLedger(pos)
	disp := fakes.NewDispatcher(domain.DispatchFilled, 95)
	disp.Script = []domain.DispatchState{domain.DispatchRejected, domain.DispatchFilled}
	e := newTestExecutor(ledger, disp, &fakes.Audit{}, nil)

	require.True(t, e.Submit(context.Background(), Job{Position: pos, Reason: "profit_target"}))
	out := waitOutcome(t, e)

	assert.Equal(t, OutcomeClosed, out.Kind)
	assert.Equal(t, 2, disp.Issued())
	require.Len(t, disp.Keys, 2)
	assert.NotEqual(t, disp.Keys[0], disp.Keys[1])
	assert.Equal(t, domain.StatusClosed, ledger.Position("t-9").Status)
}

func TestCloseExecutor_ClosesAgainAfterRollback(t *testing.T) {
	pos := closingPosition("t-10")
	ledger := fakes.NewLedger(pos)
	disp := fakes.NewDispatcher(domain.DispatchRejected, 0)
	disp.Script = []domain.DispatchState{
		domain.DispatchRejected, domain.DispatchRejected, domain.DispatchRejected,
		domain.DispatchFilled,
	}
	disp.FillPrice = 88
	e := newTestExecutor(ledger, disp, &fakes.Audit{}, nil)

	require.True(t, e.Submit(context.Background(), Job{Position: pos, Reason: "max_loss_percent"}))
	assert.Equal(t, OutcomeRolledBack, waitOutcome(t, e).Kind)
	require.Equal(t, domain.StatusActive, ledger.Position("t-10").Status)

	// The next eligible tick claims the position again.
	ok, err := ledger.TryTransition(context.Background(), "t-10", domain.StatusActive, domain.StatusClosing,
		domain.TransitionFields{CloseMethod: domain.CloseMethodAutoStop, CloseReason: "max_loss_percent"})
	require.NoError(t, err)
	require.True(t, ok)

	require.True(t, e.Submit(context.Background(), Job{Position: pos, Reason: "max_loss_percent"}))
	out := waitOutcome(t, e)
	assert.Equal(t, OutcomeClosed, out.Kind)
	assert.Equal(t, 4, disp.Issued())
	assert.Equal(t, domain.StatusClosed, ledger.Position("t-10").Status)
}

func TestCloseExecutor_UnrecordedFillKeepsPendingTransition(t *testing.T) {
	pos := closingPosition("t-11")
	ledger := fakes.NewLedger(pos)
	ledger.FailFrom(domain.StatusClosing, errors.New("connection reset"))
	disp := fakes.NewDispatcher(domain.DispatchFilled, 70)
	audit := &fakes.Audit{}
	e := newTestExecutor(ledger, disp, audit, nil)

	require.True(t, e.Submit(context.Background(), Job{Position: pos, Reason: "max_loss_percent"}))
	out := waitOutcome(t, e)

	assert.Equal(t, OutcomeUnrecorded, out.Kind)
	require.NotNil(t, out.Pending)
	assert.Equal(t, domain.StatusClosed, out.Pending.To)
	require.NotNil(t, out.Pending.Fields.ExitPrice)
	assert.Equal(t, 70.0, *out.Pending.Fields.ExitPrice)
	assert.Equal(t, domain.AuditClosed, out.Pending.Event.EventType)
	assert.Equal(t, domain.StatusClosing, ledger.Position("t-11").Status)
	assert.Empty(t, audit.Events(domain.AuditClosed), "closed is audited once the write lands")
	assert.Len(t, audit.Events(domain.AuditTransitionError), 1)
}

func TestCloseExecutor_UnrecordedRollback(t *testing.T) {
	pos := closingPosition("t-12")
	ledger := fakes.NewLedger(pos)
	ledger.FailFrom(domain.StatusClosing, errors.New("connection reset"))
	disp := fakes.NewDispatcher(domain.DispatchRejected, 0)
	alerts := &fakes.Alerts{}
	e := newTestExecutor(ledger, disp, &fakes.Audit{}, alerts)

	require.True(t, e.Submit(context.Background(), Job{Position: pos, Reason: "max_loss_percent"}))
	out := waitOutcome(t, e)

	assert.Equal(t, OutcomeUnrecorded, out.Kind)
	assert.ErrorIs(t, out.Err, domain.ErrDispatchFailure)
	require.NotNil(t, out.Pending)
	assert.Equal(t, domain.StatusActive, out.Pending.To)
	assert.True(t, out.Pending.Fields.ClearClose)
	assert.True(t, alerts.Has("dispatch_failure"))
}

func TestCloseExecutor_NonFiniteFillPrice(t *testing.T) {
	pos := closingPosition("t-13")
	ledger := fakes.NewLedger(pos)
	disp := fakes.NewDispatcher(domain.DispatchFilled, math.NaN())
	audit := &fakes.Audit{}
	e := newTestExecutor(ledger, disp, audit, nil)

	require.True(t, e.Submit(context.Background(), Job{Position: pos}))
	out := waitOutcome(t, e)

	assert.Equal(t, OutcomeClosed, out.Kind)
	assert.Nil(t, out.ExitPrice)
	assert.Nil(t, ledger.Position("t-13").ExitPrice)
	closed := audit.Events(domain.AuditClosed)
	require.Len(t, closed, 1)
	assert.NotContains(t, closed[0].Snapshot, "realized_pnl")
}

func TestRealizedPnL(t *testing.T) {
	p := domain.Position{EntryPrice: 0.4, PositionSize: 100}
	pnl, ok := realizedPnL(p, 0.55)
	require.True(t, ok)
	assert.Equal(t, "15", pnl.String())

	_, ok = realizedPnL(p, math.Inf(-1))
	assert.False(t, ok)
	_, ok = realizedPnL(domain.Position{EntryPrice: math.NaN(), PositionSize: 1}, 0.5)
	assert.False(t, ok)
}

func TestInFlight(t *testing.T) {
	f := NewInFlight()
	assert.True(t, f.Acquire("a"))
	assert.False(t, f.Acquire("a"))
	assert.Equal(t, 1, f.Len())
	f.Release("a")
	assert.Zero(t, f.Len())
	assert.True(t, f.Acquire("a"))
}

func uniq(keys []string) map[string]struct{} {
	out := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		out[k] = struct{}{}
	}
	return out
}
