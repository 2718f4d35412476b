package pipeline

import (
	"log/slog"

	"github.com/glimte/courier-go/outbox"
	"github.com/glimte/courier-go/reliability"
	"go.opentelemetry.io/otel/trace"
)

// Names of the built-in middlewares.
const (
	NameTracing         = "tracing"
	NameLogging         = "logging"
	NameMetrics         = "metrics"
	NameErrorHandling   = "error-handling"
	NameReplyValidation = "reply-validation"
	NameUnitOfWork      = "unit-of-work"
	NameHandledBy       = "handled-by"
)

// Options configures the built-in middlewares.
type Options struct {
	TracerProvider trace.TracerProvider
	ErrorHandlers  *reliability.Chain
	UnitOfWork     outbox.Factory
	Logger         *slog.Logger
}

// Default returns the built-in registrations in canonical order.
func Default(opts Options) []Registration {
	return []Registration{
		{Middleware: NewTracing(opts.TracerProvider)},
		{Middleware: NewErrorHandling(opts.ErrorHandlers, opts.Logger), After: []string{NameTracing}},
		{Middleware: NewReplyValidation(), After: []string{NameErrorHandling}},
		{Middleware: NewUnitOfWork(opts.UnitOfWork, opts.Logger), After: []string{NameReplyValidation}},
		{Middleware: NewHandledBy(), After: []string{NameUnitOfWork}},
	}
}

// LoggingRegistration places the logging middleware between tracing and error handling.
func LoggingRegistration(logger *slog.Logger) Registration {
	return Registration{
		Middleware: NewLogging(logger),
		After:      []string{NameTracing},
		Before:     []string{NameErrorHandling},
	}
}
