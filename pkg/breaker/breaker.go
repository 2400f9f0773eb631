// Package breaker adapts sony/gobreaker into named-dependency circuit
// breakers, grounded on tarsy's pkg/mcp/recovery.go error
// classification pattern for deciding which errors count as breaker
// failures.
package breaker

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/LLM-Dev-Ops/incident-manager-sub005/pkg/coreerrors"
)

// Settings configures one named breaker instance.
type Settings struct {
	Name             string
	FailureThreshold uint32
	ResetTimeout     time.Duration
	HalfOpenMaxCalls uint32
}

// Breaker wraps a gobreaker.CircuitBreaker for one named dependency.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// New constructs a Breaker from Settings. ReadyToTrip closes over
// FailureThreshold consecutive failures; Timeout is ResetTimeout; MaxRequests
// in half-open is HalfOpenMaxCalls.
func New(s Settings) *Breaker {
	cbSettings := gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: s.HalfOpenMaxCalls,
		Timeout:     s.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			// A context cancellation by the caller is not a dependency
			// failure and must not trip the breaker (mirrors tarsy's
			// recovery.go distinguishing caller-side cancellation from a
			// genuine downstream failure).
			return err == nil || errors.Is(err, context.Canceled)
		},
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(cbSettings)}
}

// Execute runs fn through the breaker. If the breaker is open or the
// half-open trial quota is exhausted, it runs fallback when supplied, else
// returns coreerrors.ErrDependencyUnavailable wrapping the breaker's error.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) (any, error), fallback func(ctx context.Context) (any, error)) (any, error) {
	result, err := b.cb.Execute(func() (interface{}, error) {
		return fn(ctx)
	})
	if err == nil {
		return result, nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		if fallback != nil {
			return fallback(ctx)
		}
		if errors.Is(err, gobreaker.ErrOpenState) {
			err = errors.Join(coreerrors.ErrCircuitOpen, err)
		}
		return nil, errors.Join(coreerrors.ErrDependencyUnavailable, err)
	}
	return result, err
}

// State reports the breaker's current state name, for health/metrics
// snapshots.
func (b *Breaker) State() string {
	return b.cb.State().String()
}
