package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/glimte/courier-go/contracts"
	"github.com/glimte/courier-go/messaging"
)

var (
	ErrNoReply        = errors.New("pipeline: handler did not reply")
	ErrTooManyReplies = errors.New("pipeline: handler replied more than once")
)

// ReplyCountError reports a query or request handler that did not stage exactly one reply.
type ReplyCountError struct {
	Contract  string
	MessageID string
	Count     int
}

func (e *ReplyCountError) Error() string {
	return fmt.Sprintf("pipeline: %s %s staged %d replies, want 1", e.Contract, e.MessageID, e.Count)
}

func (e *ReplyCountError) Unwrap() error {
	if e.Count == 0 {
		return ErrNoReply
	}
	return ErrTooManyReplies
}

// ReplyValidation checks that a query or request handler staged exactly one reply. It runs once
// the unit of work has committed and the staged messages are final.
type ReplyValidation struct{}

func NewReplyValidation() ReplyValidation { return ReplyValidation{} }

func (ReplyValidation) Name() string { return NameReplyValidation }

func (ReplyValidation) Handle(ctx context.Context, mc *messaging.MessageContext, next Next) error {
	if err := next(ctx, mc); err != nil {
		return err
	}
	msg := mc.Message()
	if msg == nil || !msg.ReflectedType().Kind.ExpectsReply() {
		return nil
	}
	if mc.Rejected() || mc.Retried() {
		return nil
	}

	count := 0
	if o := mc.Outbox(); o != nil {
		for _, staged := range o.All() {
			if staged.ReflectedType().Kind == contracts.KindReply &&
				staged.Headers().InitiatorMessageID() == msg.ID() {
				count++
			}
		}
	}
	if count != 1 {
		return &ReplyCountError{Contract: msg.ReflectedType().Name, MessageID: msg.ID(), Count: count}
	}
	return nil
}
