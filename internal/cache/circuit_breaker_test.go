package cache

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("operation failed")

func newTestBreaker(maxFailures, halfOpen int) (*CircuitBreaker, *time.Time) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(&CircuitBreakerConfig{
		MaxFailures:      maxFailures,
		Timeout:          time.Minute,
		HalfOpenMaxCalls: halfOpen,
	})
	cb.now = func() time.Time { return now }
	return cb, &now
}

func TestCircuitBreaker_StaysClosedOnSuccess(t *testing.T) {
	cb, _ := newTestBreaker(3, 2)

	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, CircuitBreakerClosed, cb.GetState())
}

func TestCircuitBreaker_OpensAtThreshold(t *testing.T) {
	cb, _ := newTestBreaker(2, 2)

	assert.ErrorIs(t, cb.Execute(func() error { return errBoom }), errBoom)
	assert.Equal(t, CircuitBreakerClosed, cb.GetState())

	assert.ErrorIs(t, cb.Execute(func() error { return errBoom }), errBoom)
	assert.Equal(t, CircuitBreakerOpen, cb.GetState())

	err := cb.Execute(func() error {
		t.Error("operation should not run while open")
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(2, 1)

	_ = cb.Execute(func() error { return errBoom })
	require.NoError(t, cb.Execute(func() error { return nil }))
	_ = cb.Execute(func() error { return errBoom })

	assert.Equal(t, CircuitBreakerClosed, cb.GetState())
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	cb, now := newTestBreaker(1, 2)

	var transitions []string
	cb.OnStateChange(func(from, to CircuitBreakerState) {
		transitions = append(transitions, from.String()+"->"+to.String())
	})

	_ = cb.Execute(func() error { return errBoom })
	require.Equal(t, CircuitBreakerOpen, cb.GetState())

	*now = now.Add(time.Minute)

	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, CircuitBreakerHalfOpen, cb.GetState())

	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, CircuitBreakerClosed, cb.GetState())

	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, now := newTestBreaker(1, 2)

	_ = cb.Execute(func() error { return errBoom })
	*now = now.Add(time.Minute)

	assert.ErrorIs(t, cb.Execute(func() error { return errBoom }), errBoom)
	assert.Equal(t, CircuitBreakerOpen, cb.GetState())
	assert.ErrorIs(t, cb.Execute(func() error { return nil }), ErrCircuitBreakerOpen)
}

func TestCircuitBreaker_Stats(t *testing.T) {
	cb, _ := newTestBreaker(1, 1)
	_ = cb.Execute(func() error { return errBoom })

	stats := cb.GetStats()
	assert.Equal(t, "open", stats["state"])
	assert.Equal(t, 1, stats["failure_count"])
	assert.Equal(t, 1, stats["max_failures"])
}

func TestCircuitBreaker_Concurrency(t *testing.T) {
	cb := NewCircuitBreaker(&CircuitBreakerConfig{
		MaxFailures:      5,
		Timeout:          100 * time.Millisecond,
		HalfOpenMaxCalls: 3,
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_ = cb.Execute(func() error {
					if (id+j)%3 == 0 {
						return errBoom
					}
					return nil
				})
			}
		}(i)
	}
	wg.Wait()

	err := cb.Execute(func() error { return nil })
	if err != nil {
		assert.ErrorIs(t, err, ErrCircuitBreakerOpen)
	}
}
