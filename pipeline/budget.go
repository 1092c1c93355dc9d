package pipeline

import (
	"context"
	"time"
)

// Budget is the time an invocation may still spend, with a reserve kept back
// so failures can be recorded before the runtime kills the process.
type Budget struct {
	deadline time.Time
	reserve  time.Duration
	now      func() time.Time
}

// BudgetFromContext uses the context deadline, which the lambda runtime sets
// to the invocation deadline. Without one the budget is unlimited.
func BudgetFromContext(ctx context.Context, reserve time.Duration) Budget {
	deadline, _ := ctx.Deadline()
	return Budget{deadline: deadline, reserve: reserve, now: time.Now}
}

func NewBudget(deadline time.Time, reserve time.Duration, now func() time.Time) Budget {
	return Budget{deadline: deadline, reserve: reserve, now: now}
}

func (b Budget) Unlimited() bool { return b.deadline.IsZero() }

// Remaining is the usable time left; never negative.
func (b Budget) Remaining() time.Duration {
	if b.Unlimited() {
		return time.Duration(1<<63 - 1)
	}
	left := b.deadline.Add(-b.reserve).Sub(b.now())
	if left < 0 {
		return 0
	}
	return left
}

func (b Budget) Expired() bool { return b.Remaining() == 0 }

// Check returns a TIMEOUT step error once the budget is spent.
func (b Budget) Check() error {
	if b.Expired() {
		return stepErrorf(CodeTimeout, "time budget exhausted")
	}
	return nil
}

// Context bounds ctx by the usable deadline.
func (b Budget) Context(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.Unlimited() {
		return context.WithCancel(ctx)
	}
	return context.WithDeadline(ctx, b.deadline.Add(-b.reserve))
}
