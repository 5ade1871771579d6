// Package resilience wraps calls to external speech engines in circuit breakers.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/sony/gobreaker/v2"
)

// ErrOpen is returned without calling the engine while the breaker is open.
var ErrOpen = gobreaker.ErrOpenState

// Breaker guards one engine. A disabled breaker calls straight through.
type Breaker[T any] struct {
	cb *gobreaker.CircuitBreaker[T]
}

func NewBreaker[T any](name string, cfg config.BreakerConfig, log *slog.Logger) *Breaker[T] {
	if !cfg.Enabled {
		return &Breaker[T]{}
	}
	threshold := uint32(cfg.ConsecutiveFailures)
	halfOpen := uint32(cfg.HalfOpenRequests)
	if halfOpen == 0 {
		halfOpen = 1
	}
	logger := log.With(slog.String("component", "breaker"), slog.String("breaker", name))
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: halfOpen,
		Timeout:     time.Duration(cfg.OpenTimeoutMS) * time.Millisecond,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			logger.Warn("breaker state changed", slog.String("from", from.String()), slog.String("to", to.String()))
		},
		// A cancelled call was abandoned by the session, not failed by the engine.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	}
	return &Breaker[T]{cb: gobreaker.NewCircuitBreaker[T](settings)}
}

func (b *Breaker[T]) Execute(fn func() (T, error)) (T, error) {
	if b == nil || b.cb == nil {
		return fn()
	}
	return b.cb.Execute(fn)
}

// state reports the breaker state name, "disabled" when not configured.
func (b *Breaker[T]) state() string {
	if b == nil || b.cb == nil {
		return "disabled"
	}
	return b.cb.State().String()
}
