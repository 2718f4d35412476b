package readiness

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGate(t *testing.T) {
	t.Run("waiters are released on open", func(t *testing.T) {
		g := New()
		done := make(chan error, 1)
		go func() { done <- g.Wait(context.Background()) }()

		g.Open()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("waiter not released")
		}
		assert.True(t, g.IsOpen())
		assert.NoError(t, g.Wait(context.Background()))
	})

	t.Run("reset fails waiters with the cause", func(t *testing.T) {
		g := New()
		cause := errors.New("channel closed")
		done := make(chan error, 1)
		go func() { done <- g.Wait(context.Background()) }()

		g.Reset(cause)

		select {
		case err := <-done:
			assert.ErrorIs(t, err, cause)
		case <-time.After(time.Second):
			t.Fatal("waiter not failed")
		}
	})

	t.Run("reset with a cause fails new waiters until reopened", func(t *testing.T) {
		g := New()
		g.Open()
		cause := errors.New("connection lost")
		g.Reset(cause)
		assert.False(t, g.IsOpen())
		assert.ErrorIs(t, g.Wait(context.Background()), cause)

		g.Open()
		assert.NoError(t, g.Wait(context.Background()))
	})

	t.Run("reset without a cause makes new waiters block", func(t *testing.T) {
		g := New()
		g.Open()
		g.Reset(nil)
		assert.False(t, g.IsOpen())

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, g.Wait(ctx), context.DeadlineExceeded)

		g.Open()
		assert.NoError(t, g.Wait(context.Background()))
	})
}
