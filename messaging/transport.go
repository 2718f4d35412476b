package messaging

import (
	"context"
	"fmt"

	"github.com/glimte/courier-go/contracts"
)

// Status is the lifecycle state of a transport.
type Status int32

const (
	StatusStopped Status = iota
	StatusStarting
	StatusRunning
)

func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// StatusListener is notified on every status transition.
type StatusListener func(previous, current Status)

// MessageHandler receives inbound messages for a bound endpoint. A returned error leaves the
// delivery unacknowledged so the broker delivers it again.
type MessageHandler func(ctx context.Context, msg *contracts.Message) error

// ErrorHandler receives delivery faults for messages sent from a bound endpoint.
type ErrorHandler func(ctx context.Context, msg *contracts.Message, err error)

// TypeProvider declares the contracts an endpoint receives.
type TypeProvider interface {
	OwnedCommands() []contracts.ContractType
	SubscribedEvents() []contracts.ContractType
	ServedRequests() []contracts.ContractType
	AwaitedReplies() []contracts.ContractType
}

// Transport moves messages between endpoints through a broker.
type Transport interface {
	// Bind registers the inbound callback and declared contract interest of an endpoint.
	Bind(endpoint contracts.EndpointIdentity, onMessage MessageHandler, types TypeProvider) error

	// BindErrorHandler registers a delivery fault callback for messages sent from endpoint.
	BindErrorHandler(endpoint contracts.EndpointIdentity, onError ErrorHandler) error

	// Enqueue publishes msg and returns once the broker confirmed (true) or refused (false) it.
	Enqueue(ctx context.Context, msg *contracts.Message) (bool, error)

	// EnqueueError routes a delivery fault through the error handlers bound for endpoint.
	// Without handlers the message is negatively acknowledged.
	EnqueueError(ctx context.Context, endpoint contracts.EndpointIdentity, msg *contracts.Message, err error) error

	// Accept acknowledges an inbound message on the channel of its HandledBy endpoint.
	// Accepting the same message twice is a no-op.
	Accept(ctx context.Context, msg *contracts.Message) error

	// Reject moves a message carrying a RejectReason to the dead-letter sink and acknowledges the
	// inbound delivery, if any.
	Reject(ctx context.Context, msg *contracts.Message) error

	// StartBackgroundMessageProcessing connects, declares topology and consumes until ctx is
	// cancelled or an infrastructure fault occurs.
	StartBackgroundMessageProcessing(ctx context.Context) error

	Status() Status
	OnStatusChanged(listener StatusListener)
}

// ReplySeparator joins a contract type and the logical name of the endpoint a message is
// addressed to.
const ReplySeparator = "@"

// RoutingKey returns the key msg is routed by. A message stamped with HandledBy, such as a retry
// copy or a dead letter, is addressed back to that endpoint only. Replies are addressed to their
// ReplyTo endpoint. Everything else is routed by its contract type.
func RoutingKey(msg *contracts.Message) string {
	ct := msg.ReflectedType()
	if handledBy, ok := msg.Headers().HandledBy(); ok {
		return AddressedRoutingKey(ct.Name, handledBy.LogicalName)
	}
	if ct.Kind == contracts.KindReply {
		if replyTo, ok := msg.Headers().ReplyTo(); ok {
			return AddressedRoutingKey(ct.Name, replyTo.LogicalName)
		}
	}
	return ct.Name
}

// AddressedRoutingKey returns the key for messages of type typeName meant for endpoint alone.
func AddressedRoutingKey(typeName, endpoint string) string {
	return typeName + ReplySeparator + endpoint
}

// ReplyRoutingKey returns the key for replies of type replyType awaited by endpoint.
func ReplyRoutingKey(replyType, endpoint string) string {
	return AddressedRoutingKey(replyType, endpoint)
}

// BindingKeys returns every routing key an endpoint queue must be bound with: the contract type of
// each received command, event and request, the addressed key of each of them, and the addressed
// key of each awaited reply.
func BindingKeys(endpoint contracts.EndpointIdentity, types TypeProvider) []string {
	seen := make(map[string]struct{})
	var keys, addressed []string
	add := func(list *[]string, k string) {
		if _, ok := seen[k]; ok {
			return
		}
		seen[k] = struct{}{}
		*list = append(*list, k)
	}
	for _, group := range [][]contracts.ContractType{types.OwnedCommands(), types.SubscribedEvents(), types.ServedRequests()} {
		for _, ct := range group {
			add(&keys, ct.Name)
			add(&addressed, AddressedRoutingKey(ct.Name, endpoint.LogicalName))
		}
	}
	for _, ct := range types.AwaitedReplies() {
		add(&addressed, AddressedRoutingKey(ct.Name, endpoint.LogicalName))
	}
	return append(keys, addressed...)
}

// IsMandatory reports whether msg must reach at least one queue. Events may have no subscribers.
func IsMandatory(msg *contracts.Message) bool {
	return msg.ReflectedType().Kind != contracts.KindEvent
}
