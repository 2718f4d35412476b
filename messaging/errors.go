package messaging

import (
	"errors"
	"fmt"

	"github.com/glimte/courier-go/contracts"
)

var (
	ErrNoUnitOfWork     = errors.New("messaging: no unit of work bound to the context")
	ErrNoMessage        = errors.New("messaging: context has no inbound message")
	ErrNotOwner         = errors.New("messaging: endpoint does not own the event")
	ErrReplyMismatch    = errors.New("messaging: reply does not answer the inbound message")
	ErrNotConfirmed     = errors.New("messaging: broker did not confirm the message")
	ErrDuplicateRequest = errors.New("messaging: request already registered")
	ErrEndpointStopped  = errors.New("messaging: endpoint stopped")
	ErrUnroutable       = errors.New("messaging: message is unroutable")
	ErrNacked           = errors.New("messaging: message negatively acknowledged by broker")
	ErrNotBound         = errors.New("messaging: endpoint is not bound")
	ErrAlreadyBound     = errors.New("messaging: endpoint is already bound")
	ErrNotRunning       = errors.New("messaging: transport is not running")
	ErrNoDeliveryTag    = errors.New("messaging: message has no delivery tag")
	ErrNotRejected      = errors.New("messaging: message has no reject reason")
)

// OwnershipError reports a publish attempted by an endpoint that does not own the event.
type OwnershipError struct {
	Contract string
	Owner    string
	Endpoint contracts.EndpointIdentity
}

func (e *OwnershipError) Error() string {
	return fmt.Sprintf("messaging: %s is owned by %q, cannot publish from %q", e.Contract, e.Owner, e.Endpoint.LogicalName)
}

func (e *OwnershipError) Unwrap() error {
	return ErrNotOwner
}

// DeliveryFault is raised when the broker refuses or returns a published message.
type DeliveryFault struct {
	MessageID    string
	ContractType string
	RoutingKey   string
	Reason       string
	Err          error
}

func (e *DeliveryFault) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("messaging: delivery of %s (%s) via %q failed: %v: %s", e.MessageID, e.ContractType, e.RoutingKey, e.Err, e.Reason)
	}
	return fmt.Sprintf("messaging: delivery of %s (%s) via %q failed: %v", e.MessageID, e.ContractType, e.RoutingKey, e.Err)
}

func (e *DeliveryFault) Unwrap() error {
	return e.Err
}

// NewDeliveryFault builds a fault for msg.
func NewDeliveryFault(msg *contracts.Message, cause error, reason string) *DeliveryFault {
	return &DeliveryFault{
		MessageID:    msg.ID(),
		ContractType: msg.ReflectedType().Name,
		RoutingKey:   RoutingKey(msg),
		Reason:       reason,
		Err:          cause,
	}
}
