// Copyright 2024 Courier Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package courier

import (
	"context"
	"fmt"
	"sync"

	"github.com/glimte/courier-go/contracts"
	"github.com/glimte/courier-go/messaging"
	"github.com/glimte/courier-go/pipeline"
	"github.com/glimte/courier-go/reliability"
)

// HandlerFunc handles one message of type T.
type HandlerFunc[T any] func(ctx context.Context, ic messaging.IntegrationContext, payload T) error

type handler func(ctx context.Context, ic messaging.IntegrationContext, payload any) error

// Endpoint receives the contracts it declares handlers for on the queue named after its logical
// name.
type Endpoint struct {
	host     *Host
	identity contracts.EndpointIdentity
	policy   reliability.RetryPolicy
	regs     []pipeline.Registration
	faults   []messaging.ErrorHandler

	mu       sync.RWMutex
	handlers map[string]handler
	commands []contracts.ContractType
	events   []contracts.ContractType
	requests []contracts.ContractType
	replies  []contracts.ContractType

	composite *pipeline.Composite
	chain     *reliability.Chain
}

// EndpointOption configures an Endpoint
type EndpointOption func(*Endpoint)

// WithEndpointRetryPolicy overrides the host retry policy for one endpoint
func WithEndpointRetryPolicy(policy reliability.RetryPolicy) EndpointOption {
	return func(e *Endpoint) {
		e.policy = policy
	}
}

// WithEndpointMiddleware adds middlewares to this endpoint only
func WithEndpointMiddleware(regs ...pipeline.Registration) EndpointOption {
	return func(e *Endpoint) {
		e.regs = append(e.regs, regs...)
	}
}

// WithDeliveryFaultHandler is told about every message sent from this endpoint that the transport
// could not deliver, after the retry policy has run.
func WithDeliveryFaultHandler(fn messaging.ErrorHandler) EndpointOption {
	return func(e *Endpoint) {
		e.faults = append(e.faults, fn)
	}
}

// NewEndpoint registers an endpoint with host. Endpoints must be created before the host runs.
func NewEndpoint(host *Host, identity contracts.EndpointIdentity, options ...EndpointOption) (*Endpoint, error) {
	if err := identity.Validate(); err != nil {
		return nil, err
	}
	e := &Endpoint{
		host:     host,
		identity: identity,
		policy:   host.cfg.policy,
		handlers: make(map[string]handler),
	}
	for _, opt := range options {
		opt(e)
	}
	if err := host.register(e); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Endpoint) Identity() contracts.EndpointIdentity { return e.identity }

func (e *Endpoint) OwnedCommands() []contracts.ContractType    { return e.snapshot(&e.commands) }
func (e *Endpoint) SubscribedEvents() []contracts.ContractType { return e.snapshot(&e.events) }
func (e *Endpoint) ServedRequests() []contracts.ContractType   { return e.snapshot(&e.requests) }

// AwaitedReplies returns every registered reply contract: replies to requests sent from any
// handler or gateway of this endpoint are routed back to its queue.
func (e *Endpoint) AwaitedReplies() []contracts.ContractType {
	seen := make(map[string]bool)
	var out []contracts.ContractType
	for _, ct := range append(e.snapshot(&e.replies), e.host.registry.ReplyTypes()...) {
		if !seen[ct.Name] {
			seen[ct.Name] = true
			out = append(out, ct)
		}
	}
	return out
}

func (e *Endpoint) snapshot(list *[]contracts.ContractType) []contracts.ContractType {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]contracts.ContractType(nil), (*list)...)
}

// HandleCommand registers fn for the command T. Only the owner of T may handle it.
func HandleCommand[T any](e *Endpoint, fn HandlerFunc[T]) error {
	return handle(e, fn, true, contracts.KindCommand)
}

// HandleEvent subscribes fn to the event T. T may be an ancestor interface contract.
func HandleEvent[T any](e *Endpoint, fn HandlerFunc[T]) error {
	return handle(e, fn, false, contracts.KindEvent)
}

// HandleQuery registers fn for the query T. The handler must reply exactly once.
func HandleQuery[T any](e *Endpoint, fn HandlerFunc[T]) error {
	return handle(e, fn, true, contracts.KindQuery)
}

// HandleRequest registers fn for the request T. The handler must reply exactly once.
func HandleRequest[T any](e *Endpoint, fn HandlerFunc[T]) error {
	return handle(e, fn, true, contracts.KindRequest)
}

// HandleReply registers fn for replies of type T to requests sent with IntegrationContext.Request.
func HandleReply[T any](e *Endpoint, fn HandlerFunc[T]) error {
	return handle(e, fn, false, contracts.KindReply)
}

func handle[T any](e *Endpoint, fn HandlerFunc[T], owned bool, kind contracts.ContractKind) error {
	ct, ok := e.host.registry.ForType(contracts.TypeOf[T]())
	if !ok {
		return fmt.Errorf("%w: %v", contracts.ErrUnknownContract, contracts.TypeOf[T]())
	}
	if err := contracts.ExpectKind(ct, kind); err != nil {
		return err
	}
	if owned && ct.Owner != e.identity.LogicalName {
		return &messaging.OwnershipError{Contract: ct.Name, Owner: ct.Owner, Endpoint: e.identity}
	}

	h := func(ctx context.Context, ic messaging.IntegrationContext, payload any) error {
		typed, ok := payload.(T)
		if !ok {
			return reliability.Permanent(fmt.Errorf("courier: %T is not a %s", payload, ct.Name))
		}
		return fn(ctx, ic, typed)
	}

	e.host.mu.Lock()
	running := e.host.running
	e.host.mu.Unlock()
	if running {
		return ErrHostRunning
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.handlers[ct.Name]; exists {
		return fmt.Errorf("%w: %s on %s", ErrDuplicateHandler, ct.Name, e.identity.LogicalName)
	}
	e.handlers[ct.Name] = h
	switch kind {
	case contracts.KindCommand:
		e.commands = append(e.commands, ct)
	case contracts.KindEvent:
		e.events = append(e.events, ct)
	case contracts.KindQuery, contracts.KindRequest:
		e.requests = append(e.requests, ct)
	case contracts.KindReply:
		e.replies = append(e.replies, ct)
	}
	return nil
}

// bind composes the pipeline and registers the endpoint with the transport.
func (e *Endpoint) bind() error {
	cfg := e.host.cfg
	e.chain = reliability.DefaultChain(e.host.rpc, e.policy, cfg.logger)

	regs := pipeline.Default(pipeline.Options{
		TracerProvider: cfg.tracerProvider,
		ErrorHandlers:  e.chain,
		UnitOfWork:     e.host.uow,
		Logger:         cfg.logger,
	})
	regs = append(regs, pipeline.LoggingRegistration(cfg.logger))
	if cfg.metrics != nil {
		regs = append(regs, cfg.metrics.Registration())
	}
	regs = append(regs, cfg.middlewares...)
	regs = append(regs, e.regs...)
	composite, err := pipeline.NewComposite(regs...)
	if err != nil {
		return err
	}
	e.composite = composite

	if err := e.host.transport.Bind(e.identity, e.onMessage, e); err != nil {
		return err
	}
	return e.host.transport.BindErrorHandler(e.identity, e.onDeliveryFault)
}

// onMessage dispatches an inbound message. Replies awaited by an RPC caller complete the call;
// everything else runs through the pipeline and is then rejected or accepted. An error leaves the
// delivery to the transport for redelivery.
func (e *Endpoint) onMessage(ctx context.Context, msg *contracts.Message) error {
	transport := e.host.transport
	ct := msg.ReflectedType()

	if ct.Kind == contracts.KindReply {
		if e.host.rpc.Resolve(msg.Headers().InitiatorMessageID(), msg.Payload()) {
			msg.Headers().Overwrite(contracts.HandledByHeader(e.identity))
			return transport.Accept(ctx, msg)
		}
	}

	e.mu.RLock()
	h, ok := e.handlers[ct.Name]
	e.mu.RUnlock()

	mc := messaging.NewMessageContext(e.host.runtime(), e.identity, msg)
	err := e.composite.Execute(ctx, mc, func(ctx context.Context, mc *messaging.MessageContext) error {
		if !ok {
			return reliability.Permanent(fmt.Errorf("%w: %s on %s", ErrNoHandler, ct.Name, e.identity.LogicalName))
		}
		return h(ctx, mc, msg.Payload())
	})
	if err != nil {
		return err
	}
	if mc.Rejected() {
		return transport.Reject(ctx, msg)
	}
	return transport.Accept(ctx, msg)
}

// onDeliveryFault runs the error-handler chain for a message sent from this endpoint that the
// transport could not deliver. The fault is not retried: the message is dead-lettered and an RPC
// caller waiting on it is failed. Fault handlers run last.
func (e *Endpoint) onDeliveryFault(ctx context.Context, msg *contracts.Message, err error) {
	logger := e.host.cfg.logger.With("endpoint", e.identity.String(), "message_id", msg.ID())
	mc := messaging.NewMessageContext(e.host.runtime(), e.identity, msg)
	if herr := e.chain.Handle(ctx, mc, reliability.Permanent(err)); herr != nil {
		logger.Error("delivery fault handling failed", "error", herr)
	}
	if mc.Rejected() {
		if rerr := e.host.transport.Reject(ctx, msg); rerr != nil {
			logger.Error("failed to dead-letter undeliverable message", "error", rerr)
		}
	}
	for _, fn := range e.faults {
		fn(ctx, msg, err)
	}
}
