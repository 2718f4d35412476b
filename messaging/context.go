package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/glimte/courier-go/contracts"
	"github.com/glimte/courier-go/outbox"
)

// IntegrationContext is what a handler uses to act on the message it handles.
type IntegrationContext interface {
	// Message returns the inbound message, nil outside a handler.
	Message() *contracts.Message
	Endpoint() contracts.EndpointIdentity

	Send(ctx context.Context, command any) error
	Delay(ctx context.Context, command any, dt time.Duration) error
	Publish(ctx context.Context, event any) error
	Request(ctx context.Context, request any) error
	RPCRequest(ctx context.Context, request any) (any, error)
	Reply(ctx context.Context, reply any) error

	Retry(ctx context.Context, dueIn time.Duration) error
	Reject(ctx context.Context, err error) error
}

// Runtime holds the collaborators shared by every context of an endpoint.
type Runtime struct {
	Registry  *contracts.Registry
	Deliverer outbox.Deliverer
	RPC       *RPCRegistry
	Clock     func() time.Time
}

func (rt Runtime) now() time.Time {
	if rt.Clock != nil {
		return rt.Clock()
	}
	return time.Now()
}

// MessageContext is the IntegrationContext of one inbound message or one gateway call.
type MessageContext struct {
	runtime  Runtime
	endpoint contracts.EndpointIdentity
	message  *contracts.Message
	factory  *contracts.MessageFactory

	mu      sync.Mutex
	outbox  *outbox.Outbox
	retried bool
}

// NewMessageContext creates a context for msg handled by endpoint. msg may be nil.
func NewMessageContext(rt Runtime, endpoint contracts.EndpointIdentity, msg *contracts.Message) *MessageContext {
	return &MessageContext{
		runtime:  rt,
		endpoint: endpoint,
		message:  msg,
		factory:  contracts.NewMessageFactory(rt.Registry, endpoint),
	}
}

func (c *MessageContext) Message() *contracts.Message          { return c.message }
func (c *MessageContext) Endpoint() contracts.EndpointIdentity { return c.endpoint }
func (c *MessageContext) Runtime() Runtime                     { return c.runtime }

// BindOutbox attaches the outbox of the current unit of work.
func (c *MessageContext) BindOutbox(o *outbox.Outbox) {
	c.mu.Lock()
	c.outbox = o
	c.mu.Unlock()
}

// Outbox returns the bound outbox, nil outside a unit of work.
func (c *MessageContext) Outbox() *outbox.Outbox {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outbox
}

// Retried reports whether Retry scheduled a redelivery.
func (c *MessageContext) Retried() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retried
}

// Rejected reports whether the inbound message carries a RejectReason.
func (c *MessageContext) Rejected() bool {
	return c.message != nil && c.message.Headers().Has(contracts.HeaderRejectReason)
}

func (c *MessageContext) stage(msgs ...*contracts.Message) error {
	o := c.Outbox()
	if o == nil {
		return ErrNoUnitOfWork
	}
	o.Add(msgs...)
	return nil
}

func (c *MessageContext) create(payload any, kinds ...contracts.ContractKind) (*contracts.Message, error) {
	ct, err := c.runtime.Registry.Of(payload)
	if err != nil {
		return nil, err
	}
	if err := contracts.ExpectKind(ct, kinds...); err != nil {
		return nil, err
	}
	return c.factory.Create(payload, c.message)
}

// Send stages a command for its owner.
func (c *MessageContext) Send(ctx context.Context, command any) error {
	msg, err := c.create(command, contracts.KindCommand)
	if err != nil {
		return err
	}
	return c.stage(msg)
}

// Delay stages a command that is not delivered before dt has elapsed.
func (c *MessageContext) Delay(ctx context.Context, command any, dt time.Duration) error {
	msg, err := c.create(command, contracts.KindCommand)
	if err != nil {
		return err
	}
	msg.Headers().Overwrite(contracts.DeferredUntilHeader(c.runtime.now().Add(dt)))
	return c.stage(msg)
}

// Publish stages an event once for its own contract and once per registered ancestor. Only the
// owning endpoint may publish.
func (c *MessageContext) Publish(ctx context.Context, event any) error {
	ct, err := c.runtime.Registry.Of(event)
	if err != nil {
		return err
	}
	if err := contracts.ExpectKind(ct, contracts.KindEvent); err != nil {
		return err
	}
	if ct.Owner != c.endpoint.LogicalName {
		return &OwnershipError{Contract: ct.Name, Owner: ct.Owner, Endpoint: c.endpoint}
	}
	msgs, err := c.factory.CreateContravariant(event, c.message)
	if err != nil {
		return err
	}
	return c.stage(msgs...)
}

// Request stages a query or request; its reply arrives later as an inbound message.
func (c *MessageContext) Request(ctx context.Context, request any) error {
	msg, err := c.create(request, contracts.KindQuery, contracts.KindRequest)
	if err != nil {
		return err
	}
	msg.Headers().Overwrite(contracts.ReplyToHeader(c.endpoint))
	return c.stage(msg)
}

// RPCRequest sends a query or request right away and waits for its reply. The request does not
// take part in the unit of work.
func (c *MessageContext) RPCRequest(ctx context.Context, request any) (any, error) {
	msg, err := c.create(request, contracts.KindQuery, contracts.KindRequest)
	if err != nil {
		return nil, err
	}
	if c.runtime.RPC == nil {
		return nil, fmt.Errorf("messaging: rpc registry is not configured")
	}
	msg.Headers().Overwrite(contracts.ReplyToHeader(c.endpoint))

	pending, err := c.runtime.RPC.Register(msg.ID())
	if err != nil {
		return nil, err
	}
	ok, err := c.runtime.Deliverer.Enqueue(ctx, msg)
	if err == nil && !ok {
		err = ErrNotConfirmed
	}
	if err != nil {
		c.runtime.RPC.Cancel(msg.ID())
		return nil, err
	}
	return pending.Wait(ctx)
}

// Reply stages the reply to the inbound query or request.
func (c *MessageContext) Reply(ctx context.Context, reply any) error {
	if c.message == nil {
		return ErrNoMessage
	}
	inbound := c.message.ReflectedType()
	if !inbound.Kind.ExpectsReply() || inbound.Reply == nil {
		return fmt.Errorf("%w: %s expects no reply", ErrReplyMismatch, inbound.Name)
	}
	msg, err := c.create(reply, contracts.KindReply)
	if err != nil {
		return err
	}
	if msg.ReflectedType().Name != inbound.Reply.Name {
		return fmt.Errorf("%w: %s answers with %s, got %s", ErrReplyMismatch, inbound.Name, inbound.Reply.Name, msg.ReflectedType().Name)
	}

	replyTo, ok := c.message.Headers().ReplyTo()
	if !ok {
		replyTo, ok = c.message.Headers().SentFrom()
	}
	if !ok {
		return fmt.Errorf("%w: %s has neither ReplyTo nor SentFrom", ErrReplyMismatch, c.message)
	}
	msg.Headers().Overwrite(contracts.ReplyToHeader(replyTo))
	return c.stage(msg)
}

// Retry sends a copy of the inbound message back through the transport with an incremented
// RetryCounter, deliverable after dueIn. The copy is stamped HandledBy the current endpoint so it
// reaches this endpoint only, not every subscriber of the contract. It does not use the outbox.
func (c *MessageContext) Retry(ctx context.Context, dueIn time.Duration) error {
	if c.message == nil {
		return ErrNoMessage
	}
	headers := c.message.Headers()
	cp := c.message.Clone()
	cp.Headers().Delete(
		contracts.HeaderDeliveryTag,
		contracts.HeaderActualDeliveryDate,
		contracts.HeaderRejectReason,
	)
	cp.Headers().Overwrite(contracts.HandledByHeader(c.endpoint))
	cp.Headers().Overwrite(contracts.RetryCounterHeader(headers.RetryCounter() + 1))
	cp.Headers().Overwrite(contracts.DeferredUntilHeader(c.runtime.now().Add(dueIn)))

	ok, err := c.runtime.Deliverer.Enqueue(ctx, cp)
	if err == nil && !ok {
		err = ErrNotConfirmed
	}
	if err != nil {
		return fmt.Errorf("messaging: retry %s: %w", c.message, err)
	}
	c.mu.Lock()
	c.retried = true
	c.mu.Unlock()
	return nil
}

// Reject marks the inbound message as terminally failed.
func (c *MessageContext) Reject(ctx context.Context, err error) error {
	if c.message == nil {
		return ErrNoMessage
	}
	c.message.Headers().Overwrite(contracts.RejectReasonHeader(err))
	return nil
}
