package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DeliveryHandler processes one delivery. Acknowledgement is up to the handler.
type DeliveryHandler func(ctx context.Context, delivery amqp.Delivery)

// Consumer consumes one queue on a dedicated channel.
type Consumer struct {
	ch            *amqp.Channel
	queue         string
	consumerTag   string
	prefetchCount int
	logger        *slog.Logger

	wg    sync.WaitGroup
	fatal chan error
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithConsumerTag sets the consumer tag
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *Consumer) {
		c.consumerTag = tag
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a consumer for queue on ch.
func NewConsumer(ch *amqp.Channel, queue string, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		ch:            ch,
		queue:         queue,
		prefetchCount: 10,
		logger:        slog.Default(),
		fatal:         make(chan error, 1),
	}
	for _, opt := range options {
		opt(c)
	}
	if c.prefetchCount < 1 {
		c.prefetchCount = 1
	}
	return c
}

// Start begins consuming. Each delivery runs handler on its own goroutine; at most prefetch
// deliveries are in flight.
func (c *Consumer) Start(ctx context.Context, handler DeliveryHandler) error {
	if err := c.ch.Qos(c.prefetchCount, 0, false); err != nil {
		return c.consumerErr("qos", err)
	}
	deliveries, err := c.ch.Consume(c.queue, c.consumerTag, false, false, false, false, nil)
	if err != nil {
		return c.consumerErr("consume", err)
	}
	cancels := c.ch.NotifyCancel(make(chan string, 1))
	closes := c.ch.NotifyClose(make(chan *amqp.Error, 1))

	c.logger.Info("subscribed to queue",
		"queue", c.queue,
		"consumer_tag", c.consumerTag,
		"prefetch_count", c.prefetchCount,
	)

	go c.loop(ctx, deliveries, cancels, closes, handler)
	return nil
}

func (c *Consumer) loop(ctx context.Context, deliveries <-chan amqp.Delivery, cancels <-chan string, closes <-chan *amqp.Error, handler DeliveryHandler) {
	slots := make(chan struct{}, c.prefetchCount)
	for {
		select {
		case <-ctx.Done():
			return

		case tag := <-cancels:
			c.fail(c.consumerErr("consume", fmt.Errorf("%w: %s", ErrConsumerCancelled, tag)))
			return

		case amqpErr, ok := <-closes:
			if ctx.Err() != nil {
				return
			}
			cause := ErrChannelClosed
			if ok && amqpErr != nil {
				cause = fmt.Errorf("%w: %v", ErrChannelClosed, amqpErr)
			}
			c.fail(&ChannelError{Op: "consume", Channel: c.queue, Err: cause, Timestamp: time.Now()})
			return

		case delivery, ok := <-deliveries:
			if !ok {
				if ctx.Err() == nil {
					c.fail(c.consumerErr("consume", ErrConsumerClosed))
				}
				return
			}
			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
				return
			}
			c.wg.Add(1)
			go func() {
				defer func() {
					<-slots
					c.wg.Done()
				}()
				handler(ctx, delivery)
			}()
		}
	}
}

func (c *Consumer) fail(err error) {
	c.logger.Error("consumer stopped", "queue", c.queue, "error", err)
	select {
	case c.fatal <- err:
	default:
	}
}

func (c *Consumer) consumerErr(op string, err error) error {
	return &ConsumerError{Queue: c.queue, ConsumerTag: c.consumerTag, Op: op, Err: err, Timestamp: time.Now()}
}

// Fatal delivers the error that stopped the consumer.
func (c *Consumer) Fatal() <-chan error {
	return c.fatal
}

// Ack acknowledges a delivery of this consumer.
func (c *Consumer) Ack(tag uint64) error {
	return c.ch.Ack(tag, false)
}

// Nack negatively acknowledges a delivery of this consumer.
func (c *Consumer) Nack(tag uint64, requeue bool) error {
	return c.ch.Nack(tag, false, requeue)
}

// Wait blocks until in-flight deliveries are handled.
func (c *Consumer) Wait() {
	c.wg.Wait()
}

func (c *Consumer) Queue() string {
	return c.queue
}

// Close cancels the consumer and closes its channel.
func (c *Consumer) Close() error {
	if c.consumerTag != "" {
		_ = c.ch.Cancel(c.consumerTag, false)
	}
	return c.ch.Close()
}
