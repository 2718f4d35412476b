package messaging

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRPCRegistry(t *testing.T) {
	ctx := context.Background()

	t.Run("resolve completes the waiting caller and removes the entry", func(t *testing.T) {
		r := NewRPCRegistry()
		p, err := r.Register("req-1")
		require.NoError(t, err)
		assert.True(t, r.Pending("req-1"))

		assert.True(t, r.Resolve("req-1", "value"))
		v, err := p.Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, "value", v)
		assert.False(t, r.Pending("req-1"))
		assert.False(t, r.Resolve("req-1", "again"))
	})

	t.Run("fail delivers the error", func(t *testing.T) {
		r := NewRPCRegistry()
		p, err := r.Register("req-2")
		require.NoError(t, err)

		boom := errors.New("boom")
		assert.True(t, r.Fail("req-2", boom))
		_, err = p.Wait(ctx)
		assert.Same(t, boom, err)
	})

	t.Run("duplicate ids are refused", func(t *testing.T) {
		r := NewRPCRegistry()
		_, err := r.Register("req-3")
		require.NoError(t, err)
		_, err = r.Register("req-3")
		assert.ErrorIs(t, err, ErrDuplicateRequest)
	})

	t.Run("close fails pending callers and refuses new ones", func(t *testing.T) {
		r := NewRPCRegistry()
		p, err := r.Register("req-4")
		require.NoError(t, err)

		r.Close(nil)

		_, err = p.Wait(ctx)
		assert.ErrorIs(t, err, ErrEndpointStopped)
		assert.Equal(t, 0, r.Len())
		_, err = r.Register("req-5")
		assert.ErrorIs(t, err, ErrEndpointStopped)
	})

	t.Run("cancelled waits remove the entry", func(t *testing.T) {
		r := NewRPCRegistry()
		p, err := r.Register("req-6")
		require.NoError(t, err)

		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err = p.Wait(cctx)
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, r.Pending("req-6"))
	})
}
