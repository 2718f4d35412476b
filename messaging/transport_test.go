package messaging

import (
	"testing"

	"github.com/glimte/courier-go/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticTypes struct {
	commands, events, requests, replies []contracts.ContractType
}

func (s staticTypes) OwnedCommands() []contracts.ContractType    { return s.commands }
func (s staticTypes) SubscribedEvents() []contracts.ContractType { return s.events }
func (s staticTypes) ServedRequests() []contracts.ContractType   { return s.requests }
func (s staticTypes) AwaitedReplies() []contracts.ContractType   { return s.replies }

func TestBindingKeys(t *testing.T) {
	r := testRegistry(t)
	cmd, err := r.Of(reserveStock{})
	require.NoError(t, err)
	evt, err := r.Of(stockReserved{})
	require.NoError(t, err)
	query, err := r.Of(stockLevelQuery{})
	require.NoError(t, err)

	keys := BindingKeys(inventory, staticTypes{
		commands: []contracts.ContractType{cmd},
		events:   []contracts.ContractType{evt, evt},
		requests: []contracts.ContractType{query},
		replies:  []contracts.ContractType{*query.Reply},
	})

	assert.Equal(t, []string{
		cmd.Name,
		evt.Name,
		query.Name,
		cmd.Name + "@inventory",
		evt.Name + "@inventory",
		query.Name + "@inventory",
		query.Reply.Name + "@inventory",
	}, keys)
}

func TestRoutingKey(t *testing.T) {
	r := testRegistry(t)
	factory := contracts.NewMessageFactory(r, inventory)

	cmd, err := factory.Create(reserveStock{}, nil)
	require.NoError(t, err)
	assert.Equal(t, cmd.ReflectedType().Name, RoutingKey(cmd))
	assert.True(t, IsMandatory(cmd))

	evt, err := factory.Create(stockReserved{}, nil)
	require.NoError(t, err)
	assert.False(t, IsMandatory(evt))
	assert.Equal(t, evt.ReflectedType().Name, RoutingKey(evt))

	t.Run("a handled message is addressed to its handler", func(t *testing.T) {
		handled := evt.Clone()
		handled.Headers().Overwrite(contracts.HandledByHeader(contracts.NewEndpointIdentity("billing", "billing-1")))
		assert.Equal(t, evt.ReflectedType().Name+"@billing", RoutingKey(handled))
	})
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "stopped", StatusStopped.String())
	assert.Equal(t, "starting", StatusStarting.String())
	assert.Equal(t, "running", StatusRunning.String())
}
