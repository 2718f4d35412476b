package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct {
	at time.Time
}

func (c *manualClock) now() time.Time          { return c.at }
func (c *manualClock) advance(d time.Duration) { c.at = c.at.Add(d) }

func TestCircuitBreaker(t *testing.T) {
	failing := func(context.Context) error { return errors.New("broker down") }
	succeeding := func(context.Context) error { return nil }

	newBreaker := func(opts ...BreakerOption) (*CircuitBreaker, *manualClock) {
		clock := &manualClock{at: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
		opts = append([]BreakerOption{WithFailureThreshold(2), WithCoolDown(time.Minute), WithBreakerClock(clock.now)}, opts...)
		return NewCircuitBreaker("relay", opts...), clock
	}

	t.Run("starts closed and passes calls through", func(t *testing.T) {
		cb, _ := newBreaker()
		assert.Equal(t, BreakerClosed, cb.State())
		assert.NoError(t, cb.Execute(context.Background(), succeeding))
	})

	t.Run("opens after consecutive failures", func(t *testing.T) {
		cb, _ := newBreaker()
		require.Error(t, cb.Execute(context.Background(), failing))
		assert.Equal(t, BreakerClosed, cb.State())
		require.Error(t, cb.Execute(context.Background(), failing))
		assert.Equal(t, BreakerOpen, cb.State())

		called := false
		err := cb.Execute(context.Background(), func(context.Context) error {
			called = true
			return nil
		})
		assert.ErrorIs(t, err, ErrCircuitOpen)
		var open *CircuitOpenError
		require.ErrorAs(t, err, &open)
		assert.Equal(t, 2, open.Failures)
		assert.False(t, called)
	})

	t.Run("a success resets the failure count", func(t *testing.T) {
		cb, _ := newBreaker()
		require.Error(t, cb.Execute(context.Background(), failing))
		require.NoError(t, cb.Execute(context.Background(), succeeding))
		require.Error(t, cb.Execute(context.Background(), failing))
		assert.Equal(t, BreakerClosed, cb.State())
	})

	t.Run("a successful probe after the cool-down closes the circuit", func(t *testing.T) {
		cb, clock := newBreaker()
		var transitions []string
		cb.OnStateChange(func(from, to BreakerState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		})
		_ = cb.Execute(context.Background(), failing)
		_ = cb.Execute(context.Background(), failing)

		clock.advance(time.Minute)
		require.NoError(t, cb.Execute(context.Background(), succeeding))
		assert.Equal(t, BreakerClosed, cb.State())
		assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
	})

	t.Run("a failed probe reopens the circuit", func(t *testing.T) {
		cb, clock := newBreaker()
		_ = cb.Execute(context.Background(), failing)
		_ = cb.Execute(context.Background(), failing)

		clock.advance(time.Minute)
		require.Error(t, cb.Execute(context.Background(), failing))
		assert.Equal(t, BreakerOpen, cb.State())
		assert.ErrorIs(t, cb.Execute(context.Background(), succeeding), ErrCircuitOpen)
	})

	t.Run("half-open lets one probe through at a time", func(t *testing.T) {
		cb, clock := newBreaker(WithSuccessThreshold(2))
		_ = cb.Execute(context.Background(), failing)
		_ = cb.Execute(context.Background(), failing)
		clock.advance(time.Minute)

		err := cb.Execute(context.Background(), func(ctx context.Context) error {
			assert.ErrorIs(t, cb.Execute(ctx, succeeding), ErrCircuitOpen)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, BreakerHalfOpen, cb.State())

		require.NoError(t, cb.Execute(context.Background(), succeeding))
		assert.Equal(t, BreakerClosed, cb.State())
	})

	t.Run("cancellation is not a failure", func(t *testing.T) {
		cb, _ := newBreaker(WithFailureThreshold(1))
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := cb.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, BreakerClosed, cb.State())
	})
}
