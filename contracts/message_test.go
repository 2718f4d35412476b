package contracts

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessage(t *testing.T) {
	registry := NewRegistry()
	cmd, err := RegisterCommand[placeOrder](registry, "orders")
	require.NoError(t, err)
	evt, err := RegisterEvent[orderPlaced](registry, "orders")
	require.NoError(t, err)

	t.Run("accepts a payload of the reflected type", func(t *testing.T) {
		msg, err := NewMessage(placeOrder{OrderID: "1"}, cmd, nil)
		require.NoError(t, err)
		assert.Equal(t, placeOrder{OrderID: "1"}, msg.Payload())
		assert.Equal(t, cmd.Name, msg.ReflectedType().Name)
		assert.NotNil(t, msg.Headers())
	})

	t.Run("carries pointer payloads by value", func(t *testing.T) {
		msg, err := NewMessage(&placeOrder{OrderID: "2"}, cmd, nil)
		require.NoError(t, err)
		assert.Equal(t, placeOrder{OrderID: "2"}, msg.Payload())
	})

	t.Run("rejects a payload that is not assignable", func(t *testing.T) {
		_, err := NewMessage(orderPlaced{OrderID: "1"}, cmd, nil)
		assert.ErrorIs(t, err, ErrNotAssignable)

		var assignErr *AssignabilityError
		require.ErrorAs(t, err, &assignErr)
		assert.Equal(t, cmd.Name, assignErr.Reflected)
	})

	t.Run("rejects nil payloads", func(t *testing.T) {
		_, err := NewMessage(nil, evt, nil)
		assert.ErrorIs(t, err, ErrNilPayload)

		var p *placeOrder
		_, err = NewMessage(p, cmd, nil)
		assert.ErrorIs(t, err, ErrNilPayload)
	})

	t.Run("clone has independent headers", func(t *testing.T) {
		msg, err := NewMessage(placeOrder{}, cmd, NewHeaders(IDHeader("a")))
		require.NoError(t, err)

		clone := msg.Clone()
		clone.Headers().Overwrite(IDHeader("b"))

		assert.Equal(t, "a", msg.ID())
		assert.Equal(t, "b", clone.ID())
	})
}

func TestMessageFactory(t *testing.T) {
	registry := NewRegistry()
	_, err := RegisterCommand[placeOrder](registry, "orders")
	require.NoError(t, err)
	placed, err := RegisterEvent[orderPlaced](registry, "orders")
	require.NoError(t, err)
	ancestor, err := RegisterEvent[orderEvent](registry, "")
	require.NoError(t, err)
	_, err = RegisterEvent[auditEvent](registry, "")
	require.NoError(t, err)

	endpoint := NewEndpointIdentity("orders", "orders-1")
	factory := NewMessageFactory(registry, endpoint)

	t.Run("creates a message starting a new conversation", func(t *testing.T) {
		msg, err := factory.Create(placeOrder{OrderID: "1"}, nil)
		require.NoError(t, err)

		_, err = uuid.Parse(msg.ID())
		assert.NoError(t, err)
		assert.NotEmpty(t, msg.Headers().ConversationID())
		assert.NotEqual(t, msg.ID(), msg.Headers().ConversationID())
		assert.Empty(t, msg.Headers().InitiatorMessageID())

		sentFrom, ok := msg.Headers().SentFrom()
		require.True(t, ok)
		assert.Equal(t, endpoint, sentFrom)
	})

	t.Run("joins the conversation of the initiator", func(t *testing.T) {
		initiator, err := factory.Create(placeOrder{OrderID: "1"}, nil)
		require.NoError(t, err)

		msg, err := factory.Create(placeOrder{OrderID: "2"}, initiator)
		require.NoError(t, err)

		assert.Equal(t, initiator.Headers().ConversationID(), msg.Headers().ConversationID())
		assert.Equal(t, initiator.ID(), msg.Headers().InitiatorMessageID())
		assert.NotEqual(t, initiator.ID(), msg.ID())
	})

	t.Run("creates one message per implemented ancestor", func(t *testing.T) {
		msgs, err := factory.CreateContravariant(orderPlaced{OrderID: "7"}, nil)
		require.NoError(t, err)
		require.Len(t, msgs, 2)

		assert.Equal(t, placed.Name, msgs[0].ReflectedType().Name)
		assert.Equal(t, ancestor.Name, msgs[1].ReflectedType().Name)
		assert.Equal(t, msgs[0].Payload(), msgs[1].Payload())
		assert.NotEqual(t, msgs[0].ID(), msgs[1].ID())
		assert.Equal(t, msgs[0].Headers().ConversationID(), msgs[1].Headers().ConversationID())
	})

	t.Run("fails for unregistered payloads", func(t *testing.T) {
		_, err := factory.Create(struct{ X int }{1}, nil)
		assert.ErrorIs(t, err, ErrUnknownContract)
	})
}
