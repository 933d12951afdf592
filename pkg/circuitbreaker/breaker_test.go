package circuitbreaker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/m-mizutani/gt"

	"github.com/classroom-assistant/backend/pkg/circuitbreaker"
)

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb := circuitbreaker.NewCircuitBreaker("embedding", circuitbreaker.Config{
		FailureThreshold: 2,
		Timeout:          time.Hour,
	})
	fail := errors.New("upstream down")
	ctx := context.Background()

	gt.Equal(t, cb.Execute(ctx, func() error { return fail }), fail)
	gt.Equal(t, cb.State(), circuitbreaker.StateClosed)
	gt.Equal(t, cb.Execute(ctx, func() error { return fail }), fail)
	gt.Equal(t, cb.State(), circuitbreaker.StateOpen)

	called := false
	err := cb.Execute(ctx, func() error {
		called = true
		return nil
	})
	gt.True(t, errors.Is(err, circuitbreaker.ErrCircuitOpen))
	gt.False(t, called)
}

func TestBreakerClosesAfterHalfOpenSuccesses(t *testing.T) {
	var transitions []string
	cb := circuitbreaker.NewCircuitBreaker("vector", circuitbreaker.Config{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          time.Millisecond,
		OnStateChange: func(_ string, from, to circuitbreaker.State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return errors.New("boom") })
	time.Sleep(5 * time.Millisecond)
	gt.Equal(t, cb.State(), circuitbreaker.StateHalfOpen)

	gt.NoError(t, cb.Execute(ctx, func() error { return nil }))
	gt.Equal(t, cb.State(), circuitbreaker.StateClosed)
	gt.Equal(t, transitions, []string{"closed->open", "open->half-open", "half-open->closed"})
}

func TestBreakerIgnoresCancelledCalls(t *testing.T) {
	cb := circuitbreaker.NewCircuitBreaker("graph", circuitbreaker.Config{FailureThreshold: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cb.Execute(ctx, func() error { return nil })
	gt.True(t, errors.Is(err, context.Canceled))
	gt.Equal(t, cb.State(), circuitbreaker.StateClosed)
	gt.Equal(t, cb.Name(), "graph")
}

func TestBreakerIsSuccessfulKeepsClientErrorsFromOpening(t *testing.T) {
	rejected := errors.New("input too long")
	cb := circuitbreaker.NewCircuitBreaker("embedding", circuitbreaker.Config{
		FailureThreshold: 2,
		Timeout:          time.Hour,
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, rejected)
		},
	})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		gt.Equal(t, cb.Execute(ctx, func() error { return rejected }), rejected)
	}
	gt.Equal(t, cb.State(), circuitbreaker.StateClosed)

	down := errors.New("upstream down")
	_ = cb.Execute(ctx, func() error { return down })
	_ = cb.Execute(ctx, func() error { return down })
	gt.Equal(t, cb.State(), circuitbreaker.StateOpen)
}
