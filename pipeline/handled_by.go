package pipeline

import (
	"context"

	"github.com/glimte/courier-go/contracts"
	"github.com/glimte/courier-go/messaging"
)

// HandledBy stamps the inbound message with the endpoint that handled it, even when the handler
// fails, so the transport can acknowledge it on the right channel.
type HandledBy struct{}

func NewHandledBy() HandledBy { return HandledBy{} }

func (HandledBy) Name() string { return NameHandledBy }

func (HandledBy) Handle(ctx context.Context, mc *messaging.MessageContext, next Next) error {
	if msg := mc.Message(); msg != nil {
		defer msg.Headers().Overwrite(contracts.HandledByHeader(mc.Endpoint()))
	}
	return next(ctx, mc)
}
