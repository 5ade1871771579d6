package resilience

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Limiter bounds how many engine calls run at once. A limit of zero or less
// means unbounded.
type Limiter struct {
	sem *semaphore.Weighted
}

func NewLimiter(limit int) *Limiter {
	if limit <= 0 {
		return &Limiter{}
	}
	return &Limiter{sem: semaphore.NewWeighted(int64(limit))}
}

// Acquire waits for a slot or for ctx to end. The returned func releases it.
func (l *Limiter) Acquire(ctx context.Context) (func(), error) {
	if l == nil || l.sem == nil {
		return func() {}, nil
	}
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { l.sem.Release(1) }, nil
}
