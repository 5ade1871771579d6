package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLimiterWaitsForSlotOrContext(t *testing.T) {
	l := NewLimiter(1)
	release, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline while full, got %v", err)
	}

	release()
	again, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatalf("expected slot after release, got %v", err)
	}
	again()
}

func TestUnboundedLimiterNeverWaits(t *testing.T) {
	l := NewLimiter(0)
	for i := 0; i < 100; i++ {
		if _, err := l.Acquire(context.Background()); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	var nilLimiter *Limiter
	if _, err := nilLimiter.Acquire(context.Background()); err != nil {
		t.Fatalf("expected nil limiter to pass through, got %v", err)
	}
}
