package pipeline

import "time"

// DefaultTimeBudget is the wall-clock limit of one invocation. The hosting
// compute unit enforces a hard cutoff somewhat above this; the pipeline must
// checkpoint and yield before that happens.
const DefaultTimeBudget = 50 * time.Second

// Budget tracks elapsed wall-clock time against an invocation's limit.
//
// The budget is advisory and cooperative: it is checked at defined safe
// points (stage boundaries, stream loop iterations), never enforced by
// forced interruption.
type Budget struct {
	start time.Time
	limit time.Duration
	now   func() time.Time
}

// NewBudget starts a budget clock with the given limit
// (DefaultTimeBudget when non-positive).
func NewBudget(limit time.Duration) *Budget {
	if limit <= 0 {
		limit = DefaultTimeBudget
	}
	return &Budget{start: time.Now(), limit: limit, now: time.Now}
}

// Exceeded reports whether the invocation has used up its budget.
func (b *Budget) Exceeded() bool {
	return b.now().Sub(b.start) >= b.limit
}

// Elapsed returns wall-clock time consumed so far.
func (b *Budget) Elapsed() time.Duration {
	return b.now().Sub(b.start)
}

// Remaining returns the unconsumed budget, never negative.
func (b *Budget) Remaining() time.Duration {
	rem := b.limit - b.Elapsed()
	if rem < 0 {
		return 0
	}
	return rem
}
