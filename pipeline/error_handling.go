package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/glimte/courier-go/messaging"
	"github.com/glimte/courier-go/reliability"
)

// PanicError is a recovered handler panic.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panicked: %v", e.Value)
}

// ErrorHandling hands handler failures and panics to the error handler chain. Only cancellation
// escapes it.
type ErrorHandling struct {
	chain  *reliability.Chain
	logger *slog.Logger
}

func NewErrorHandling(chain *reliability.Chain, logger *slog.Logger) *ErrorHandling {
	if logger == nil {
		logger = slog.Default()
	}
	if chain == nil {
		chain = reliability.DefaultChain(nil, nil, logger)
	}
	return &ErrorHandling{chain: chain, logger: logger}
}

func (e *ErrorHandling) Name() string { return NameErrorHandling }

func (e *ErrorHandling) Handle(ctx context.Context, mc *messaging.MessageContext, next Next) error {
	err := e.call(ctx, mc, next)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	if herr := e.chain.Handle(ctx, mc, err); herr != nil {
		e.logger.Debug("error handler chain rejected message", "error", herr)
	}
	return nil
}

func (e *ErrorHandling) call(ctx context.Context, mc *messaging.MessageContext, next Next) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
			e.logger.Error("handler panic recovered",
				"endpoint", mc.Endpoint().String(),
				"panic", r,
			)
		}
	}()
	return next(ctx, mc)
}
