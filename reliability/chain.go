package reliability

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/courier-go/messaging"
)

// Chain runs error handlers in order.
type Chain struct {
	handlers []ErrorHandler
	logger   *slog.Logger
}

// NewChain creates a chain of handlers
func NewChain(logger *slog.Logger, handlers ...ErrorHandler) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{handlers: handlers, logger: logger}
}

// DefaultChain runs the RPC, retry, tracing and logging handlers in that order.
func DefaultChain(rpc *messaging.RPCRegistry, policy RetryPolicy, logger *slog.Logger) *Chain {
	return NewChain(logger,
		NewRPCErrorHandler(rpc),
		NewRetryHandler(policy),
		TracingErrorHandler{},
		NewLoggingErrorHandler(logger),
	)
}

// Names returns handler names in execution order.
func (c *Chain) Names() []string {
	names := make([]string, 0, len(c.handlers))
	for _, h := range c.handlers {
		names = append(names, h.Name())
	}
	return names
}

// Handle runs every handler for err. When any handler fails, the message is rejected with a
// *HandlingError, which is also returned.
func (c *Chain) Handle(ctx context.Context, fc FailureContext, err error) error {
	var failures []error
	for _, h := range c.handlers {
		if herr := c.run(ctx, h, fc, err); herr != nil {
			failures = append(failures, fmt.Errorf("%s: %w", h.Name(), herr))
		}
	}
	if len(failures) == 0 {
		return nil
	}

	handlingErr := &HandlingError{Cause: err, Failures: failures}
	if fc.Message() != nil {
		if rerr := fc.Reject(ctx, handlingErr); rerr != nil {
			c.logger.Error("failed to reject message", "error", rerr)
		}
	}
	c.logger.Error("error handling failed",
		"endpoint", fc.Endpoint().String(),
		"reject_reason", rejectReason(fc.Message()),
		"error", handlingErr,
	)
	return handlingErr
}

func (c *Chain) run(ctx context.Context, h ErrorHandler, fc FailureContext, err error) (herr error) {
	defer func() {
		if r := recover(); r != nil {
			herr = fmt.Errorf("panic: %v", r)
		}
	}()
	return h.Handle(ctx, fc, err)
}
