package rabbitmq

import (
	"fmt"
	"strconv"
	"time"

	"github.com/glimte/courier-go/contracts"
	"github.com/glimte/courier-go/serialization"
	amqp "github.com/rabbitmq/amqp091-go"
)

// toPublishing maps msg onto broker properties. Headers without a native property travel in the
// header table. It reports whether the message is deferred.
func toPublishing(codec *serialization.Codec, msg *contracts.Message, now time.Time) (amqp.Publishing, bool, error) {
	body, err := codec.EncodeBody(msg)
	if err != nil {
		return amqp.Publishing{}, false, err
	}

	headers := msg.Headers()
	table := amqp.Table{}
	for kind, value := range headers.Encode() {
		if contracts.HeaderKind(kind) == contracts.HeaderDeliveryTag {
			continue
		}
		table[kind] = value
	}

	p := amqp.Publishing{
		Headers:         table,
		ContentType:     serialization.ContentType,
		ContentEncoding: serialization.ContentEncoding,
		DeliveryMode:    amqp.Persistent,
		MessageId:       msg.ID(),
		CorrelationId:   headers.ConversationID(),
		Type:            msg.ReflectedType().Name,
		Timestamp:       now.UTC(),
		Body:            body,
	}
	if sentFrom, ok := headers.SentFrom(); ok {
		p.AppId = sentFrom.LogicalName
	}
	if replyTo, ok := headers.ReplyTo(); ok {
		p.ReplyTo = replyTo.LogicalName
	}

	until, deferred := headers.DeferredUntil()
	if deferred {
		p.Expiration = expiration(until, now)
	}
	return p, deferred, nil
}

// expiration is the per-message TTL in milliseconds until the deferral ends.
func expiration(until, now time.Time) string {
	ms := until.Sub(now).Milliseconds()
	if ms < 0 {
		ms = 0
	}
	return strconv.FormatInt(ms, 10)
}

// fromDelivery rebuilds the message carried by d and stamps it with its delivery tag and arrival
// time.
func fromDelivery(codec *serialization.Codec, d amqp.Delivery, now time.Time) (*contracts.Message, error) {
	if err := serialization.CheckContent(d.ContentType, d.ContentEncoding); err != nil {
		return nil, err
	}

	encoded := make(map[string]string, len(d.Headers))
	for key, value := range d.Headers {
		switch v := value.(type) {
		case string:
			encoded[key] = v
		case []byte:
			encoded[key] = string(v)
		default:
			encoded[key] = fmt.Sprint(v)
		}
	}
	headers, err := contracts.DecodeHeaders(encoded)
	if err != nil {
		return nil, err
	}
	if !headers.Has(contracts.HeaderID) && d.MessageId != "" {
		headers.Overwrite(contracts.IDHeader(d.MessageId))
	}
	if !headers.Has(contracts.HeaderConversationID) && d.CorrelationId != "" {
		headers.Overwrite(contracts.ConversationIDHeader(d.CorrelationId))
	}
	headers.Delete(contracts.HeaderHandledBy)
	headers.Overwrite(contracts.DeliveryTagHeader(d.DeliveryTag))
	headers.Overwrite(contracts.ActualDeliveryDateHeader(now))

	return codec.DecodeBody(d.Body, d.Type, headers)
}
