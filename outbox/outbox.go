// Package outbox stages outgoing messages inside a unit of work and hands them to the transport
// only after the unit of work commits.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/glimte/courier-go/contracts"
)

var (
	ErrCompleted    = errors.New("outbox: unit of work already completed")
	ErrNotConfirmed = errors.New("outbox: message not confirmed by transport")
)

// Outbox holds the messages staged by one unit of work.
type Outbox struct {
	mu       sync.Mutex
	messages []*contracts.Message
}

func New() *Outbox {
	return &Outbox{}
}

// Add stages messages in order.
func (o *Outbox) Add(msgs ...*contracts.Message) {
	o.mu.Lock()
	o.messages = append(o.messages, msgs...)
	o.mu.Unlock()
}

// All returns a snapshot of the staged messages.
func (o *Outbox) All() []*contracts.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*contracts.Message, len(o.messages))
	copy(out, o.messages)
	return out
}

func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.messages)
}

// Discard drops every staged message.
func (o *Outbox) Discard() {
	o.mu.Lock()
	o.messages = nil
	o.mu.Unlock()
}

// Deliverer accepts messages for delivery. Enqueue reports whether the broker confirmed the
// message.
type Deliverer interface {
	Enqueue(ctx context.Context, msg *contracts.Message) (bool, error)
}

// UnitOfWork is the transactional scope of one handler invocation.
type UnitOfWork interface {
	Outbox() *Outbox
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Factory begins units of work.
type Factory interface {
	Begin(ctx context.Context) (UnitOfWork, error)
}

// DeliveryError lists the messages that could not be handed over. Refused counts the messages the
// transport answered with false: it has already reported those to the sender's error handlers.
type DeliveryError struct {
	MessageIDs []string
	Refused    int
	Err        error
}

// AllRefused reports whether every failure was a refusal rather than a transport error. Repeating
// the commit cannot change a refusal.
func (e *DeliveryError) AllRefused() bool {
	return e.Refused > 0 && e.Refused == len(e.MessageIDs)
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("outbox: %d message(s) not delivered [%s]: %v",
		len(e.MessageIDs), strings.Join(e.MessageIDs, ", "), e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Deliver hands every message to d in order. It keeps going after a failure and reports all
// failures together.
func Deliver(ctx context.Context, d Deliverer, msgs []*contracts.Message) error {
	var (
		failed  []string
		errs    []error
		refused int
	)
	for _, msg := range msgs {
		ok, err := d.Enqueue(ctx, msg)
		if err == nil && !ok {
			err = ErrNotConfirmed
			refused++
		}
		if err != nil {
			failed = append(failed, msg.ID())
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return &DeliveryError{MessageIDs: failed, Refused: refused, Err: errors.Join(errs...)}
}

type contextKey struct{}

// WithUnitOfWork returns a context carrying uow.
func WithUnitOfWork(ctx context.Context, uow UnitOfWork) context.Context {
	return context.WithValue(ctx, contextKey{}, uow)
}

// FromContext returns the unit of work carried by ctx.
func FromContext(ctx context.Context) (UnitOfWork, bool) {
	uow, ok := ctx.Value(contextKey{}).(UnitOfWork)
	return uow, ok
}
