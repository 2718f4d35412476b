package pipeline

import (
	"context"

	"github.com/glimte/courier-go/messaging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/glimte/courier-go/pipeline"

// Tracing opens a consumer span around the rest of the pipeline.
type Tracing struct {
	tracer trace.Tracer
}

// NewTracing creates the tracing middleware. A nil provider uses the global one.
func NewTracing(tp trace.TracerProvider) *Tracing {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Tracing{tracer: tp.Tracer(tracerName)}
}

func (t *Tracing) Name() string { return NameTracing }

func (t *Tracing) Handle(ctx context.Context, mc *messaging.MessageContext, next Next) error {
	spanName := "courier.handle"
	attrs := []attribute.KeyValue{
		attribute.String("courier.endpoint", mc.Endpoint().String()),
	}
	if msg := mc.Message(); msg != nil {
		spanName += " " + msg.ReflectedType().Name
		headers := msg.Headers()
		attrs = append(attrs,
			attribute.String("courier.message_id", msg.ID()),
			attribute.String("courier.message_type", msg.ReflectedType().Name),
			attribute.String("courier.conversation_id", headers.ConversationID()),
			attribute.Int("courier.retry_counter", headers.RetryCounter()),
		)
	}

	ctx, span := t.tracer.Start(ctx, spanName,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attrs...),
	)
	defer span.End()

	err := next(ctx, mc)
	if mc.Retried() {
		span.SetAttributes(attribute.Bool("courier.retried", true))
	}
	if msg := mc.Message(); msg != nil {
		if reason, ok := msg.Headers().RejectReason(); ok {
			span.SetAttributes(attribute.String("courier.reject_reason", reason))
			span.SetStatus(codes.Error, reason)
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
