package reliability

import (
	"context"
	"log/slog"

	"github.com/glimte/courier-go/contracts"
	"github.com/glimte/courier-go/messaging"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// FailureContext is the context of a failed message as seen by error handlers.
type FailureContext interface {
	messaging.IntegrationContext
	Rejected() bool
}

// ErrorHandler reacts to a handler failure.
type ErrorHandler interface {
	Name() string
	Handle(ctx context.Context, fc FailureContext, err error) error
}

type errorHandlerFunc struct {
	name string
	fn   func(ctx context.Context, fc FailureContext, err error) error
}

// ErrorHandlerFunc creates a function-based error handler
func ErrorHandlerFunc(name string, fn func(ctx context.Context, fc FailureContext, err error) error) ErrorHandler {
	return &errorHandlerFunc{name: name, fn: fn}
}

func (h *errorHandlerFunc) Name() string { return h.name }

func (h *errorHandlerFunc) Handle(ctx context.Context, fc FailureContext, err error) error {
	return h.fn(ctx, fc, err)
}

// RPCErrorHandler fails a waiting RPC caller with the handler error. The request is then rejected
// since its caller has already observed the failure.
type RPCErrorHandler struct {
	registry *messaging.RPCRegistry
}

func NewRPCErrorHandler(registry *messaging.RPCRegistry) *RPCErrorHandler {
	return &RPCErrorHandler{registry: registry}
}

func (h *RPCErrorHandler) Name() string { return "rpc" }

func (h *RPCErrorHandler) Handle(ctx context.Context, fc FailureContext, err error) error {
	msg := fc.Message()
	if msg == nil || h.registry == nil || !msg.ReflectedType().Kind.ExpectsReply() {
		return nil
	}
	if !h.registry.Fail(msg.ID(), err) {
		return nil
	}
	return fc.Reject(ctx, err)
}

// RetryHandler applies a RetryPolicy to messages not rejected yet.
type RetryHandler struct {
	policy RetryPolicy
}

func NewRetryHandler(policy RetryPolicy) *RetryHandler {
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &RetryHandler{policy: policy}
}

func (h *RetryHandler) Name() string { return "retry" }

func (h *RetryHandler) Handle(ctx context.Context, fc FailureContext, err error) error {
	if fc.Rejected() {
		return nil
	}
	return h.policy.Apply(ctx, fc, err)
}

// TracingErrorHandler records the failure on the active span.
type TracingErrorHandler struct{}

func (TracingErrorHandler) Name() string { return "tracing" }

func (TracingErrorHandler) Handle(ctx context.Context, fc FailureContext, err error) error {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return nil
	}
	attrs := []attribute.KeyValue{attribute.Bool("courier.rejected", fc.Rejected())}
	if msg := fc.Message(); msg != nil {
		attrs = append(attrs, attribute.Int("courier.retry_counter", msg.Headers().RetryCounter()))
	}
	span.RecordError(err, trace.WithAttributes(attrs...))
	span.SetStatus(codes.Error, err.Error())
	return nil
}

// LoggingErrorHandler logs every failure with its outcome.
type LoggingErrorHandler struct {
	logger *slog.Logger
}

func NewLoggingErrorHandler(logger *slog.Logger) *LoggingErrorHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingErrorHandler{logger: logger}
}

func (h *LoggingErrorHandler) Name() string { return "logging" }

func (h *LoggingErrorHandler) Handle(ctx context.Context, fc FailureContext, err error) error {
	attrs := []any{"endpoint", fc.Endpoint().String(), "error", err}
	if msg := fc.Message(); msg != nil {
		attrs = append(attrs,
			"message_id", msg.ID(),
			"message_type", msg.ReflectedType().Name,
			"retry_counter", msg.Headers().RetryCounter(),
		)
	}
	if fc.Rejected() {
		h.logger.ErrorContext(ctx, "message rejected", attrs...)
		return nil
	}
	h.logger.WarnContext(ctx, "message handling failed", attrs...)
	return nil
}

var _ FailureContext = (*messaging.MessageContext)(nil)

// rejectReason returns the recorded reason of msg, if any.
func rejectReason(msg *contracts.Message) string {
	if msg == nil {
		return ""
	}
	reason, _ := msg.Headers().RejectReason()
	return reason
}
