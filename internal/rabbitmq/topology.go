package rabbitmq

import (
	"context"
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// ExchangeBinding routes messages from Source into Destination
type ExchangeBinding struct {
	Destination string
	Source      string
	RoutingKey  string
}

// Topology represents a set of declarations
type Topology struct {
	Exchanges        []ExchangeDeclaration
	Queues           []QueueDeclaration
	ExchangeBindings []ExchangeBinding
	Bindings         []Binding
}

// Merge appends other to t, skipping exchanges and queues already present.
func (t Topology) Merge(other Topology) Topology {
	exchanges := make(map[string]bool, len(t.Exchanges))
	for _, e := range t.Exchanges {
		exchanges[e.Name] = true
	}
	queues := make(map[string]bool, len(t.Queues))
	for _, q := range t.Queues {
		queues[q.Name] = true
	}
	for _, e := range other.Exchanges {
		if !exchanges[e.Name] {
			exchanges[e.Name] = true
			t.Exchanges = append(t.Exchanges, e)
		}
	}
	for _, q := range other.Queues {
		if !queues[q.Name] {
			queues[q.Name] = true
			t.Queues = append(t.Queues, q)
		}
	}
	t.ExchangeBindings = append(t.ExchangeBindings, other.ExchangeBindings...)
	t.Bindings = append(t.Bindings, other.Bindings...)
	return t
}

// TopologySettings names the shared exchanges and queues.
type TopologySettings struct {
	InputExchange      string
	DeferredExchange   string
	DeferredQueue      string
	DeadLetterExchange string
	DeadLetterQueue    string
	MaxLengthBytes     int64
}

// InfrastructureTopology returns the exchanges and queues shared by every endpoint. Deferred
// messages expire from the deferred queue into the input exchange.
func InfrastructureTopology(s TopologySettings) Topology {
	return Topology{
		Exchanges: []ExchangeDeclaration{
			{Name: s.InputExchange, Type: amqp.ExchangeDirect, Durable: true},
			{Name: s.DeferredExchange, Type: amqp.ExchangeFanout, Durable: true},
			{Name: s.DeadLetterExchange, Type: amqp.ExchangeFanout, Durable: true},
		},
		Queues: []QueueDeclaration{
			{
				Name:    s.DeferredQueue,
				Durable: true,
				Arguments: amqp.Table{
					"x-dead-letter-exchange": s.InputExchange,
					"x-max-length-bytes":     s.MaxLengthBytes,
					"x-overflow":             "reject-publish",
				},
			},
			{
				Name:    s.DeadLetterQueue,
				Durable: true,
				Arguments: amqp.Table{
					"x-max-length-bytes": s.MaxLengthBytes,
					"x-overflow":         "drop-head",
				},
			},
		},
		Bindings: []Binding{
			{Queue: s.DeferredQueue, Exchange: s.DeferredExchange},
			{Queue: s.DeadLetterQueue, Exchange: s.DeadLetterExchange},
		},
	}
}

// EndpointTopology declares the queue of one endpoint. Every routing key gets a direct exchange
// named after its contract type, bound into the input exchange; the queue binds to those.
// Reply keys have the form "<type>@<endpoint>".
func EndpointTopology(queue string, routingKeys []string, replySeparator string, s TopologySettings) Topology {
	t := Topology{
		Queues: []QueueDeclaration{{
			Name:    queue,
			Durable: true,
			Arguments: amqp.Table{
				"x-dead-letter-exchange": s.DeadLetterExchange,
				"x-max-length-bytes":     s.MaxLengthBytes,
				"x-overflow":             "reject-publish",
			},
		}},
	}
	seen := make(map[string]bool)
	for _, key := range routingKeys {
		typeName := key
		if replySeparator != "" {
			typeName, _, _ = strings.Cut(key, replySeparator)
		}
		if !seen[typeName] {
			seen[typeName] = true
			t.Exchanges = append(t.Exchanges, ExchangeDeclaration{Name: typeName, Type: amqp.ExchangeDirect, Durable: true})
		}
		t.ExchangeBindings = append(t.ExchangeBindings, ExchangeBinding{Destination: typeName, Source: s.InputExchange, RoutingKey: key})
		t.Bindings = append(t.Bindings, Binding{Queue: queue, Exchange: typeName, RoutingKey: key})
	}
	return t
}

// TopologyManager declares topology through a ConnectionManager.
type TopologyManager struct {
	manager *ConnectionManager
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(manager *ConnectionManager) *TopologyManager {
	return &TopologyManager{manager: manager}
}

// DeclareTopology declares the complete topology
func (tm *TopologyManager) DeclareTopology(ctx context.Context, topology Topology) error {
	return tm.manager.Execute(ctx, func(ch *amqp.Channel) error {
		return DeclareOn(ch, topology)
	})
}

// DeclareOn declares topology on ch in dependency order: exchanges, queues, then bindings.
func DeclareOn(ch *amqp.Channel, topology Topology) error {
	for _, exchange := range topology.Exchanges {
		if err := ch.ExchangeDeclare(exchange.Name, exchange.Type, exchange.Durable, exchange.AutoDelete, false, false, exchange.Arguments); err != nil {
			return topologyErr("exchange", exchange.Name, "declare", err)
		}
	}
	for _, queue := range topology.Queues {
		if _, err := ch.QueueDeclare(queue.Name, queue.Durable, queue.AutoDelete, queue.Exclusive, false, queue.Arguments); err != nil {
			return topologyErr("queue", queue.Name, "declare", err)
		}
	}
	for _, b := range topology.ExchangeBindings {
		if err := ch.ExchangeBind(b.Destination, b.RoutingKey, b.Source, false, nil); err != nil {
			return topologyErr("exchange binding", b.Source+"->"+b.Destination, "bind", err)
		}
	}
	for _, b := range topology.Bindings {
		if err := ch.QueueBind(b.Queue, b.RoutingKey, b.Exchange, false, b.Arguments); err != nil {
			return topologyErr("binding", b.Exchange+"->"+b.Queue, "bind", err)
		}
	}
	return nil
}

// GetQueueInfo inspects a queue without declaring it
func (tm *TopologyManager) GetQueueInfo(ctx context.Context, name string) (amqp.Queue, error) {
	var q amqp.Queue
	err := tm.manager.Execute(ctx, func(ch *amqp.Channel) error {
		var err error
		q, err = ch.QueueDeclarePassive(name, true, false, false, false, nil)
		return err
	})
	if err != nil {
		return amqp.Queue{}, topologyErr("queue", name, "inspect", err)
	}
	return q, nil
}

func topologyErr(component, name, op string, err error) error {
	return &TopologyError{
		Component: component,
		Name:      name,
		Op:        op,
		Err:       fmt.Errorf("%w: %v", ErrTopologyDeclarationFailed, err),
		Timestamp: time.Now(),
	}
}
