package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/courier-go/messaging"
)

// Logging logs the outcome of every handled message.
type Logging struct {
	logger *slog.Logger
}

func NewLogging(logger *slog.Logger) *Logging {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logging{logger: logger}
}

func (l *Logging) Name() string { return NameLogging }

func (l *Logging) Handle(ctx context.Context, mc *messaging.MessageContext, next Next) error {
	msg := mc.Message()
	if msg == nil {
		return next(ctx, mc)
	}

	start := time.Now()
	attrs := []any{
		"endpoint", mc.Endpoint().String(),
		"message_id", msg.ID(),
		"message_type", msg.ReflectedType().Name,
		"retry_counter", msg.Headers().RetryCounter(),
	}
	l.logger.Debug("processing message", attrs...)

	err := next(ctx, mc)
	attrs = append(attrs, "duration", time.Since(start))
	switch {
	case err != nil:
		l.logger.Error("message processing failed", append(attrs, "error", err)...)
	case mc.Rejected():
		reason, _ := msg.Headers().RejectReason()
		l.logger.Warn("message rejected", append(attrs, "reject_reason", reason)...)
	case mc.Retried():
		l.logger.Info("message scheduled for retry", attrs...)
	default:
		l.logger.Debug("message processed successfully", attrs...)
	}
	return err
}
