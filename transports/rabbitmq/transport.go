// Package rabbitmq implements the courier transport on RabbitMQ.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/courier-go/contracts"
	"github.com/glimte/courier-go/internal/rabbitmq"
	"github.com/glimte/courier-go/internal/readiness"
	"github.com/glimte/courier-go/messaging"
	"github.com/glimte/courier-go/serialization"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Transport implements messaging.Transport for RabbitMQ. It owns one connection, one confirm-mode
// control channel for publishing and one consuming channel per bound endpoint.
type Transport struct {
	settings Settings
	codec    *serialization.Codec
	logger   *slog.Logger
	now      func() time.Time
	connOpts []rabbitmq.ConnectionOption

	gate   *readiness.Gate
	status atomic.Int32

	listenersMu sync.RWMutex
	listeners   []messaging.StatusListener

	mu            sync.RWMutex
	endpoints     map[string]*endpointBinding
	errorHandlers map[string][]messaging.ErrorHandler
	manager       *rabbitmq.ConnectionManager
	publisher     *rabbitmq.ConfirmChannel
	cancelRun     context.CancelFunc
}

// settler acknowledges deliveries of one channel.
type settler interface {
	Ack(tag uint64) error
	Nack(tag uint64, requeue bool) error
}

type endpointBinding struct {
	identity  contracts.EndpointIdentity
	onMessage messaging.MessageHandler
	types     messaging.TypeProvider
	consumer  *rabbitmq.Consumer

	mu       sync.Mutex
	settler  settler
	inflight map[uint64]struct{}
}

func (b *endpointBinding) track(tag uint64) {
	b.mu.Lock()
	b.inflight[tag] = struct{}{}
	b.mu.Unlock()
}

// settle runs fn for tag once; later calls for the same tag are no-ops.
func (b *endpointBinding) settle(tag uint64, fn func(s settler) error) error {
	b.mu.Lock()
	if _, ok := b.inflight[tag]; !ok {
		b.mu.Unlock()
		return nil
	}
	delete(b.inflight, tag)
	s := b.settler
	b.mu.Unlock()
	if s == nil {
		return messaging.ErrNotRunning
	}
	return fn(s)
}

// Option configures the transport
type Option func(*Transport)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// WithClock replaces time.Now for deferral and arrival timestamps
func WithClock(now func() time.Time) Option {
	return func(t *Transport) {
		t.now = now
	}
}

// WithConnectionOptions passes options to the connection manager
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) Option {
	return func(t *Transport) {
		t.connOpts = append(t.connOpts, opts...)
	}
}

// NewTransport creates a RabbitMQ transport. Nothing is dialled before
// StartBackgroundMessageProcessing.
func NewTransport(settings Settings, registry *contracts.Registry, options ...Option) (*Transport, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if registry == nil {
		return nil, fmt.Errorf("%w: contract registry is required", rabbitmq.ErrInvalidConfiguration)
	}
	t := &Transport{
		settings:      settings,
		codec:         serialization.NewCodec(registry),
		logger:        slog.Default(),
		now:           time.Now,
		gate:          readiness.New(),
		endpoints:     make(map[string]*endpointBinding),
		errorHandlers: make(map[string][]messaging.ErrorHandler),
	}
	for _, opt := range options {
		opt(t)
	}
	return t, nil
}

// Bind registers an endpoint. Endpoints must be bound before the transport starts.
func (t *Transport) Bind(endpoint contracts.EndpointIdentity, onMessage messaging.MessageHandler, types messaging.TypeProvider) error {
	if err := endpoint.Validate(); err != nil {
		return err
	}
	if onMessage == nil || types == nil {
		return fmt.Errorf("%w: bind %s needs a handler and a type provider", rabbitmq.ErrInvalidConfiguration, endpoint)
	}
	if t.Status() != messaging.StatusStopped {
		return fmt.Errorf("%w: cannot bind %s while the transport is %s", rabbitmq.ErrInvalidConfiguration, endpoint, t.Status())
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.endpoints[endpoint.LogicalName]; exists {
		return fmt.Errorf("%w: %s", messaging.ErrAlreadyBound, endpoint.LogicalName)
	}
	t.endpoints[endpoint.LogicalName] = &endpointBinding{
		identity:  endpoint,
		onMessage: onMessage,
		types:     types,
		inflight:  make(map[uint64]struct{}),
	}
	return nil
}

// BindErrorHandler registers a delivery fault callback for messages sent from endpoint.
func (t *Transport) BindErrorHandler(endpoint contracts.EndpointIdentity, onError messaging.ErrorHandler) error {
	if err := endpoint.Validate(); err != nil {
		return err
	}
	if onError == nil {
		return fmt.Errorf("%w: nil error handler", rabbitmq.ErrInvalidConfiguration)
	}
	t.mu.Lock()
	t.errorHandlers[endpoint.LogicalName] = append(t.errorHandlers[endpoint.LogicalName], onError)
	t.mu.Unlock()
	return nil
}

// Topology returns every exchange, queue and binding the bound endpoints need.
func (t *Transport) Topology() rabbitmq.Topology {
	t.mu.RLock()
	defer t.mu.RUnlock()
	topo := rabbitmq.InfrastructureTopology(t.settings.Topology())
	for _, b := range t.endpoints {
		keys := messaging.BindingKeys(b.identity, b.types)
		topo = topo.Merge(rabbitmq.EndpointTopology(b.identity.LogicalName, keys, messaging.ReplySeparator, t.settings.Topology()))
	}
	return topo
}

// Enqueue publishes msg and waits for the broker. Deferred messages go through the deferred
// exchange with a TTL. A returned or nacked message is reported to the error handlers of its
// sender and yields false.
func (t *Transport) Enqueue(ctx context.Context, msg *contracts.Message) (bool, error) {
	if err := t.gate.Wait(ctx); err != nil {
		return false, err
	}
	t.mu.RLock()
	publisher := t.publisher
	t.mu.RUnlock()
	if publisher == nil {
		return false, messaging.ErrNotRunning
	}

	pub, deferred, err := toPublishing(t.codec, msg, t.now())
	if err != nil {
		return false, err
	}
	exchange, mandatory := t.settings.InputExchange, messaging.IsMandatory(msg)
	if deferred {
		exchange, mandatory = t.settings.DeferredExchange, false
	}
	key := messaging.RoutingKey(msg)

	conf, err := publisher.Publish(ctx, exchange, key, mandatory, pub)
	if err != nil {
		return false, err
	}
	if conf.Ack {
		return true, nil
	}

	cause, reason := messaging.ErrNacked, "broker refused the message"
	if conf.Returned {
		cause, reason = messaging.ErrUnroutable, "no queue is bound for "+key
	}
	fault := messaging.NewDeliveryFault(msg, cause, reason)
	t.logger.Warn("message not confirmed",
		"message_id", msg.ID(),
		"message_type", msg.ReflectedType().Name,
		"routing_key", key,
		"error", fault,
	)
	if sender, ok := msg.Headers().SentFrom(); ok {
		if err := t.EnqueueError(ctx, sender, msg, fault); err != nil {
			t.logger.Error("failed to report delivery fault", "message_id", msg.ID(), "error", err)
		}
	}
	return false, nil
}

// EnqueueError hands err to every error handler bound for endpoint. Without handlers an inbound
// message is negatively acknowledged and dead-lettered by the broker.
func (t *Transport) EnqueueError(ctx context.Context, endpoint contracts.EndpointIdentity, msg *contracts.Message, err error) error {
	t.mu.RLock()
	handlers := append([]messaging.ErrorHandler(nil), t.errorHandlers[endpoint.LogicalName]...)
	t.mu.RUnlock()

	if len(handlers) > 0 {
		for _, h := range handlers {
			h(ctx, msg, err)
		}
		return nil
	}
	return t.nack(msg, false)
}

// Accept acknowledges msg on the channel of the endpoint that handled it.
func (t *Transport) Accept(ctx context.Context, msg *contracts.Message) error {
	b, tag, err := t.inbound(msg)
	if err != nil {
		return err
	}
	return b.settle(tag, func(s settler) error { return s.Ack(tag) })
}

// Reject publishes a dead-letter copy of msg and acknowledges the inbound delivery.
func (t *Transport) Reject(ctx context.Context, msg *contracts.Message) error {
	if !msg.Headers().Has(contracts.HeaderRejectReason) {
		return fmt.Errorf("%w: %s", messaging.ErrNotRejected, msg)
	}
	if err := t.gate.Wait(ctx); err != nil {
		return err
	}
	t.mu.RLock()
	publisher := t.publisher
	t.mu.RUnlock()
	if publisher == nil {
		return messaging.ErrNotRunning
	}

	pub, _, err := toPublishing(t.codec, msg, t.now())
	if err != nil {
		return err
	}
	pub.Expiration = ""
	conf, err := publisher.Publish(ctx, t.settings.DeadLetterExchange, messaging.RoutingKey(msg), false, pub)
	if err != nil {
		return err
	}
	if !conf.Ack {
		return messaging.NewDeliveryFault(msg, messaging.ErrNacked, "dead-letter exchange refused the message")
	}

	b, tag, err := t.inbound(msg)
	if err != nil {
		// outbound messages have no delivery to settle
		return nil
	}
	return b.settle(tag, func(s settler) error { return s.Ack(tag) })
}

func (t *Transport) nack(msg *contracts.Message, requeue bool) error {
	b, tag, err := t.inbound(msg)
	if err != nil {
		return err
	}
	return b.settle(tag, func(s settler) error { return s.Nack(tag, requeue) })
}

func (t *Transport) inbound(msg *contracts.Message) (*endpointBinding, uint64, error) {
	handledBy, ok := msg.Headers().HandledBy()
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s has no HandledBy header", messaging.ErrNotBound, msg)
	}
	tag, ok := msg.Headers().DeliveryTag()
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", messaging.ErrNoDeliveryTag, msg)
	}
	t.mu.RLock()
	b := t.endpoints[handledBy.LogicalName]
	t.mu.RUnlock()
	if b == nil {
		return nil, 0, fmt.Errorf("%w: %s", messaging.ErrNotBound, handledBy.LogicalName)
	}
	return b, tag, nil
}

// StartBackgroundMessageProcessing connects, declares topology, starts a consumer per endpoint
// and blocks. It returns nil when ctx is cancelled and the infrastructure fault otherwise.
func (t *Transport) StartBackgroundMessageProcessing(ctx context.Context) error {
	if !t.status.CompareAndSwap(int32(messaging.StatusStopped), int32(messaging.StatusStarting)) {
		return fmt.Errorf("%w: transport is %s", rabbitmq.ErrInvalidConfiguration, t.Status())
	}
	t.notifyStatus(messaging.StatusStopped, messaging.StatusStarting)

	fatal, err := t.start(t.beginRun(ctx))
	if err != nil {
		t.stop(err)
		return err
	}
	t.gate.Open()
	t.setStatus(messaging.StatusRunning)
	t.logger.Info("transport running", "endpoints", t.endpointNames())

	select {
	case <-ctx.Done():
		t.stop(messaging.ErrNotRunning)
		return nil
	case err := <-fatal:
		t.logger.Error("transport stopped", "error", err)
		t.stop(err)
		return err
	}
}

// beginRun derives the context consumers and handlers run under. stop cancels it, so a handler
// blocked on a broker round trip is released even when the caller's context never ends.
func (t *Transport) beginRun(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	t.mu.Lock()
	t.cancelRun = cancel
	t.mu.Unlock()
	return ctx
}

func (t *Transport) start(ctx context.Context) (<-chan error, error) {
	opts := append([]rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(t.logger),
		rabbitmq.WithMaxRetries(t.settings.ConnectRetries),
		rabbitmq.WithRetryDelay(t.settings.ConnectRetryDelay),
		rabbitmq.WithConnectionName(t.settings.ConnectionName),
	}, t.connOpts...)
	manager := rabbitmq.NewConnectionManager(t.settings.URL, opts...)
	if err := manager.Connect(ctx); err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.manager = manager
	t.mu.Unlock()

	if err := rabbitmq.NewTopologyManager(manager).DeclareTopology(ctx, t.Topology()); err != nil {
		return nil, err
	}

	control, err := manager.Channel("control")
	if err != nil {
		return nil, err
	}
	publisher, err := rabbitmq.NewConfirmChannel(control,
		rabbitmq.WithConfirmTimeout(t.settings.ConfirmTimeout),
		rabbitmq.WithConfirmLogger(t.logger),
	)
	if err != nil {
		_ = control.Close()
		return nil, err
	}
	t.mu.Lock()
	t.publisher = publisher
	t.mu.Unlock()

	fatal := make(chan error, 1)
	forward := func(errs <-chan error) {
		select {
		case err := <-errs:
			select {
			case fatal <- err:
			default:
			}
		case <-ctx.Done():
		}
	}
	go forward(manager.Fatal())
	go func() {
		select {
		case <-publisher.Done():
			if ctx.Err() == nil {
				select {
				case fatal <- &rabbitmq.ChannelError{Op: "publish", Channel: "control", Err: rabbitmq.ErrChannelClosed, Timestamp: time.Now()}:
				default:
				}
			}
		case <-ctx.Done():
		}
	}()

	t.mu.RLock()
	bindings := make([]*endpointBinding, 0, len(t.endpoints))
	for _, b := range t.endpoints {
		bindings = append(bindings, b)
	}
	t.mu.RUnlock()

	for _, b := range bindings {
		ch, err := manager.Channel(b.identity.LogicalName)
		if err != nil {
			return nil, err
		}
		consumer := rabbitmq.NewConsumer(ch, b.identity.LogicalName,
			rabbitmq.WithPrefetchCount(t.settings.PrefetchCount),
			rabbitmq.WithConsumerTag(b.identity.String()),
			rabbitmq.WithConsumerLogger(t.logger),
		)
		b.mu.Lock()
		b.consumer = consumer
		b.settler = consumer
		b.mu.Unlock()
		if err := consumer.Start(ctx, t.onDelivery(b)); err != nil {
			return nil, err
		}
		go forward(consumer.Fatal())
	}
	return fatal, nil
}

func (t *Transport) onDelivery(b *endpointBinding) rabbitmq.DeliveryHandler {
	return func(ctx context.Context, d amqp.Delivery) {
		b.track(d.DeliveryTag)
		logger := t.logger.With(
			"endpoint", b.identity.String(),
			"message_id", d.MessageId,
			"delivery_tag", d.DeliveryTag,
		)

		msg, err := fromDelivery(t.codec, d, t.now())
		if err != nil {
			logger.Error("undecodable message dead-lettered", "error", err)
			_ = b.settle(d.DeliveryTag, func(s settler) error { return s.Nack(d.DeliveryTag, false) })
			return
		}
		if err := b.onMessage(ctx, msg); err != nil {
			if !errors.Is(err, context.Canceled) {
				logger.Warn("message left for redelivery", "error", err)
			}
			if nackErr := b.settle(d.DeliveryTag, func(s settler) error { return s.Nack(d.DeliveryTag, true) }); nackErr != nil {
				logger.Error("failed to nack message", "error", nackErr)
			}
		}
	}
}

func (t *Transport) stop(cause error) {
	t.mu.RLock()
	bindings := make([]*endpointBinding, 0, len(t.endpoints))
	for _, b := range t.endpoints {
		bindings = append(bindings, b)
	}
	t.mu.RUnlock()

	t.mu.Lock()
	cancelRun := t.cancelRun
	t.cancelRun = nil
	t.mu.Unlock()
	if cancelRun != nil {
		cancelRun()
	}
	t.gate.Reset(cause)

	// in-flight handlers settle their deliveries before the channels go away
	for _, b := range bindings {
		b.mu.Lock()
		consumer := b.consumer
		b.mu.Unlock()
		if consumer != nil {
			consumer.Wait()
		}
	}

	t.mu.Lock()
	publisher, manager := t.publisher, t.manager
	t.publisher, t.manager = nil, nil
	t.mu.Unlock()

	for _, b := range bindings {
		b.mu.Lock()
		consumer := b.consumer
		b.consumer, b.settler = nil, nil
		b.inflight = make(map[uint64]struct{})
		b.mu.Unlock()
		if consumer != nil {
			_ = consumer.Close()
		}
	}
	if publisher != nil {
		_ = publisher.Close()
	}
	if manager != nil {
		_ = manager.Close()
	}
	t.setStatus(messaging.StatusStopped)
}

func (t *Transport) endpointNames() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.endpoints))
	for name := range t.endpoints {
		names = append(names, name)
	}
	return names
}

// Status returns the lifecycle state
func (t *Transport) Status() messaging.Status {
	return messaging.Status(t.status.Load())
}

// OnStatusChanged registers a listener for status transitions
func (t *Transport) OnStatusChanged(listener messaging.StatusListener) {
	t.listenersMu.Lock()
	t.listeners = append(t.listeners, listener)
	t.listenersMu.Unlock()
}

func (t *Transport) setStatus(s messaging.Status) {
	previous := messaging.Status(t.status.Swap(int32(s)))
	if previous != s {
		t.notifyStatus(previous, s)
	}
}

func (t *Transport) notifyStatus(previous, current messaging.Status) {
	t.listenersMu.RLock()
	listeners := append([]messaging.StatusListener(nil), t.listeners...)
	t.listenersMu.RUnlock()
	for _, l := range listeners {
		l(previous, current)
	}
}

// QueueDepth returns the number of ready messages in queue.
func (t *Transport) QueueDepth(ctx context.Context, queue string) (int, error) {
	t.mu.RLock()
	manager := t.manager
	t.mu.RUnlock()
	if manager == nil {
		return 0, messaging.ErrNotRunning
	}
	q, err := rabbitmq.NewTopologyManager(manager).GetQueueInfo(ctx, queue)
	if err != nil {
		return 0, err
	}
	return q.Messages, nil
}

var _ messaging.Transport = (*Transport)(nil)
