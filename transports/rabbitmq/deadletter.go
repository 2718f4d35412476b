package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/glimte/courier-go/contracts"
	"github.com/glimte/courier-go/internal/rabbitmq"
	"github.com/glimte/courier-go/serialization"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DeadLetter describes a message parked on the dead-letter queue.
type DeadLetter struct {
	MessageID    string
	Type         string
	PayloadType  string
	RoutingKey   string
	Reason       string
	SentFrom     string
	RetryCounter int
	Timestamp    time.Time
	Payload      json.RawMessage
}

// DeadLetterQueue inspects and drains the shared dead-letter queue. It works on the broker
// representation only and needs no contract registry.
type DeadLetterQueue struct {
	manager  *rabbitmq.ConnectionManager
	settings Settings
}

func NewDeadLetterQueue(manager *rabbitmq.ConnectionManager, settings Settings) *DeadLetterQueue {
	return &DeadLetterQueue{manager: manager, settings: settings}
}

// Peek returns up to limit dead letters from the head of the queue and leaves them in place.
func (q *DeadLetterQueue) Peek(ctx context.Context, limit int) ([]DeadLetter, error) {
	var out []DeadLetter
	err := q.manager.Execute(ctx, func(ch *amqp.Channel) error {
		var last uint64
		for len(out) < limit {
			d, ok, err := ch.Get(q.settings.DeadLetterQueue, false)
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			last = d.DeliveryTag
			out = append(out, toDeadLetter(d))
		}
		if last == 0 {
			return nil
		}
		return ch.Nack(last, true, true)
	})
	if err != nil {
		return nil, fmt.Errorf("peek %s: %w", q.settings.DeadLetterQueue, err)
	}
	return out, nil
}

// Requeue moves up to limit dead letters back to the input exchange under their original routing
// key, clearing the reject reason and retry counter. A negative limit drains the queue. A message
// is removed from the dead-letter queue only after the broker confirmed its republication.
func (q *DeadLetterQueue) Requeue(ctx context.Context, limit int) (int, error) {
	ch, err := q.manager.Channel("deadletter")
	if err != nil {
		return 0, err
	}
	publisher, err := rabbitmq.NewConfirmChannel(ch, rabbitmq.WithConfirmTimeout(q.settings.ConfirmTimeout))
	if err != nil {
		ch.Close()
		return 0, err
	}
	defer publisher.Close()

	moved := 0
	for limit < 0 || moved < limit {
		if err := ctx.Err(); err != nil {
			return moved, err
		}
		d, ok, err := ch.Get(q.settings.DeadLetterQueue, false)
		if err != nil {
			return moved, fmt.Errorf("requeue %s: %w", q.settings.DeadLetterQueue, err)
		}
		if !ok {
			break
		}
		conf, err := publisher.Publish(ctx, q.settings.InputExchange, d.RoutingKey, true, requeuePublishing(d))
		switch {
		case err != nil:
		case conf.Returned:
			err = fmt.Errorf("%w: %s is not routable as %q", rabbitmq.ErrMandatoryFailed, d.MessageId, d.RoutingKey)
		case !conf.Ack:
			err = fmt.Errorf("%w: %s", rabbitmq.ErrPublishNotConfirmed, d.MessageId)
		}
		if err != nil {
			_ = d.Nack(false, true)
			return moved, err
		}
		if err := d.Ack(false); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}

func toDeadLetter(d amqp.Delivery) DeadLetter {
	dl := DeadLetter{
		MessageID:  d.MessageId,
		Type:       d.Type,
		RoutingKey: d.RoutingKey,
		SentFrom:   d.AppId,
		Timestamp:  d.Timestamp,
	}
	if v, ok := d.Headers[string(contracts.HeaderRejectReason)].(string); ok {
		dl.Reason = v
	}
	if v, ok := d.Headers[string(contracts.HeaderRetryCounter)].(string); ok {
		dl.RetryCounter, _ = strconv.Atoi(v)
	}
	if payloadType, payload, err := serialization.Inspect(d.Body); err == nil {
		dl.PayloadType, dl.Payload = payloadType, payload
	}
	return dl
}

func requeuePublishing(d amqp.Delivery) amqp.Publishing {
	headers := amqp.Table{}
	for k, v := range d.Headers {
		switch contracts.HeaderKind(k) {
		case contracts.HeaderRejectReason, contracts.HeaderRetryCounter, contracts.HeaderDeferredUntil:
			continue
		}
		// broker bookkeeping such as x-death
		if strings.HasPrefix(k, "x-") {
			continue
		}
		headers[k] = v
	}
	return amqp.Publishing{
		Headers:         headers,
		ContentType:     d.ContentType,
		ContentEncoding: d.ContentEncoding,
		DeliveryMode:    amqp.Persistent,
		MessageId:       d.MessageId,
		CorrelationId:   d.CorrelationId,
		Type:            d.Type,
		AppId:           d.AppId,
		ReplyTo:         d.ReplyTo,
		Timestamp:       d.Timestamp,
		Body:            d.Body,
	}
}
