package frames

import (
	"context"
	"io"
	"time"
)

type budgetSource struct {
	Source
	budget   time.Duration
	now      Clock
	start    time.Time
	exceeded bool
}

// WithBudget ends src early, without an error, once budget of wall-clock time
// has elapsed since the call. The check happens before each frame is pulled,
// so time spent processing earlier frames counts against the budget.
func WithBudget(src Source, budget time.Duration, now Clock) Source {
	if now == nil {
		now = time.Now
	}
	return &budgetSource{Source: src, budget: budget, now: now, start: now()}
}

func (b *budgetSource) Next(ctx context.Context) (Frame, error) {
	if b.exceeded {
		return Frame{}, io.EOF
	}
	if b.now().Sub(b.start) >= b.budget {
		b.exceeded = true
		return Frame{}, io.EOF
	}
	return b.Source.Next(ctx)
}

func (b *budgetSource) Exceeded() bool { return b.exceeded }
