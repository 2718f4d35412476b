// Package memory implements the courier transport in process. Messages cross the transport in
// their serialized form, deferred messages wait on timers and rejected messages collect in a
// dead-letter list.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/courier-go/contracts"
	"github.com/glimte/courier-go/internal/readiness"
	"github.com/glimte/courier-go/messaging"
	"github.com/glimte/courier-go/serialization"
)

var ErrQueueFull = errors.New("memory: queue is full")

// Transport implements messaging.Transport without a broker.
type Transport struct {
	codec       *serialization.Codec
	logger      *slog.Logger
	now         func() time.Time
	capacity    int
	concurrency int

	gate   *readiness.Gate
	status atomic.Int32
	tags   atomic.Uint64
	fatal  chan error

	listenersMu sync.RWMutex
	listeners   []messaging.StatusListener

	mu            sync.RWMutex
	endpoints     map[string]*endpointQueue
	errorHandlers map[string][]messaging.ErrorHandler
	deadLetters   []serialization.Envelope
	timers        map[*time.Timer]struct{}
}

type endpointQueue struct {
	identity  contracts.EndpointIdentity
	onMessage messaging.MessageHandler
	keys      map[string]struct{}
	queue     chan serialization.Envelope

	mu       sync.Mutex
	inflight map[uint64]serialization.Envelope
}

func (q *endpointQueue) track(tag uint64, env serialization.Envelope) {
	q.mu.Lock()
	q.inflight[tag] = env
	q.mu.Unlock()
}

// settle removes tag from the unacknowledged set. It reports false when tag was already settled.
func (q *endpointQueue) settle(tag uint64) (serialization.Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	env, ok := q.inflight[tag]
	delete(q.inflight, tag)
	return env, ok
}

func (q *endpointQueue) push(env serialization.Envelope) bool {
	select {
	case q.queue <- env:
		return true
	default:
		return false
	}
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

// WithQueueCapacity bounds every endpoint queue. Publishing to a full queue is refused.
func WithQueueCapacity(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.capacity = n
		}
	}
}

// WithConcurrency sets the number of messages each endpoint handles at once.
func WithConcurrency(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.concurrency = n
		}
	}
}

// NewTransport creates an in-process transport.
func NewTransport(registry *contracts.Registry, options ...Option) *Transport {
	t := &Transport{
		codec:         serialization.NewCodec(registry),
		logger:        slog.Default(),
		now:           time.Now,
		capacity:      1024,
		concurrency:   4,
		gate:          readiness.New(),
		fatal:         make(chan error, 1),
		endpoints:     make(map[string]*endpointQueue),
		errorHandlers: make(map[string][]messaging.ErrorHandler),
		timers:        make(map[*time.Timer]struct{}),
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// Bind registers an endpoint. Endpoints must be bound before the transport starts.
func (t *Transport) Bind(endpoint contracts.EndpointIdentity, onMessage messaging.MessageHandler, types messaging.TypeProvider) error {
	if err := endpoint.Validate(); err != nil {
		return err
	}
	if onMessage == nil || types == nil {
		return fmt.Errorf("memory: bind %s needs a handler and a type provider", endpoint)
	}
	if t.Status() != messaging.StatusStopped {
		return fmt.Errorf("memory: cannot bind %s while the transport is %s", endpoint, t.Status())
	}

	keys := make(map[string]struct{})
	for _, k := range messaging.BindingKeys(endpoint, types) {
		keys[k] = struct{}{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.endpoints[endpoint.LogicalName]; exists {
		return fmt.Errorf("%w: %s", messaging.ErrAlreadyBound, endpoint.LogicalName)
	}
	t.endpoints[endpoint.LogicalName] = &endpointQueue{
		identity:  endpoint,
		onMessage: onMessage,
		keys:      keys,
		queue:     make(chan serialization.Envelope, t.capacity),
		inflight:  make(map[uint64]serialization.Envelope),
	}
	return nil
}

// BindErrorHandler registers a delivery fault callback for messages sent from endpoint.
func (t *Transport) BindErrorHandler(endpoint contracts.EndpointIdentity, onError messaging.ErrorHandler) error {
	if err := endpoint.Validate(); err != nil {
		return err
	}
	if onError == nil {
		return errors.New("memory: nil error handler")
	}
	t.mu.Lock()
	t.errorHandlers[endpoint.LogicalName] = append(t.errorHandlers[endpoint.LogicalName], onError)
	t.mu.Unlock()
	return nil
}

// Enqueue routes msg to every endpoint bound for its routing key. A deferred message is routed
// when it falls due and dropped if nothing is bound for it then. An unroutable mandatory message, or one refused by a full queue, is reported
// to the error handlers of its sender and yields false.
func (t *Transport) Enqueue(ctx context.Context, msg *contracts.Message) (bool, error) {
	if err := t.gate.Wait(ctx); err != nil {
		return false, err
	}
	env, err := t.codec.Marshal(msg)
	if err != nil {
		return false, err
	}
	delete(env.Headers, string(contracts.HeaderDeliveryTag))
	key := messaging.RoutingKey(msg)

	if until, ok := msg.Headers().DeferredUntil(); ok {
		delay := until.Sub(t.now())
		if delay < 0 {
			delay = 0
		}
		t.schedule(delay, func() {
			if routed, _ := t.route(key, env); !routed {
				t.logger.Warn("deferred message dropped, no route", "message_id", msg.ID(), "routing_key", key)
			}
		})
		return true, nil
	}

	routed, refused := t.route(key, env)
	var fault *messaging.DeliveryFault
	switch {
	case refused:
		fault = messaging.NewDeliveryFault(msg, messaging.ErrNacked, ErrQueueFull.Error())
	case !routed && messaging.IsMandatory(msg):
		fault = messaging.NewDeliveryFault(msg, messaging.ErrUnroutable, "no queue is bound for "+key)
	default:
		return true, nil
	}

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

// route pushes env onto every queue bound for key. refused reports a queue that had no room.
func (t *Transport) route(key string, env serialization.Envelope) (routed, refused bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, q := range t.endpoints {
		if _, ok := q.keys[key]; !ok {
			continue
		}
		routed = true
		if !q.push(env) {
			refused = true
		}
	}
	return routed, refused
}

func (t *Transport) schedule(delay time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		t.mu.Lock()
		_, live := t.timers[timer]
		delete(t.timers, timer)
		t.mu.Unlock()
		if live {
			fn()
		}
	})
	t.timers[timer] = struct{}{}
}

// EnqueueError hands err to every error handler bound for endpoint. Without handlers an inbound
// message is negatively acknowledged and dead-lettered.
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

	q, tag, ierr := t.inbound(msg)
	if ierr != nil {
		return ierr
	}
	if env, ok := q.settle(tag); ok {
		t.deadLetter(env)
	}
	return nil
}

// Accept acknowledges msg. Accepting a message twice is a no-op.
func (t *Transport) Accept(ctx context.Context, msg *contracts.Message) error {
	q, tag, err := t.inbound(msg)
	if err != nil {
		return err
	}
	q.settle(tag)
	return nil
}

// Reject records a dead-letter copy of msg and acknowledges the inbound delivery, if any.
func (t *Transport) Reject(ctx context.Context, msg *contracts.Message) error {
	if !msg.Headers().Has(contracts.HeaderRejectReason) {
		return fmt.Errorf("%w: %s", messaging.ErrNotRejected, msg)
	}
	env, err := t.codec.Marshal(msg)
	if err != nil {
		return err
	}
	delete(env.Headers, string(contracts.HeaderDeliveryTag))
	t.deadLetter(env)

	if q, tag, err := t.inbound(msg); err == nil {
		q.settle(tag)
	}
	return nil
}

func (t *Transport) inbound(msg *contracts.Message) (*endpointQueue, uint64, error) {
	handledBy, ok := msg.Headers().HandledBy()
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s has no HandledBy header", messaging.ErrNotBound, msg)
	}
	tag, ok := msg.Headers().DeliveryTag()
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", messaging.ErrNoDeliveryTag, msg)
	}
	t.mu.RLock()
	q := t.endpoints[handledBy.LogicalName]
	t.mu.RUnlock()
	if q == nil {
		return nil, 0, fmt.Errorf("%w: %s", messaging.ErrNotBound, handledBy.LogicalName)
	}
	return q, tag, nil
}

func (t *Transport) deadLetter(env serialization.Envelope) {
	t.mu.Lock()
	t.deadLetters = append(t.deadLetters, env)
	t.mu.Unlock()
}

// DeadLetters returns the rejected and dead-lettered messages in arrival order.
func (t *Transport) DeadLetters() []*contracts.Message {
	t.mu.RLock()
	envs := append([]serialization.Envelope(nil), t.deadLetters...)
	t.mu.RUnlock()

	out := make([]*contracts.Message, 0, len(envs))
	for _, env := range envs {
		msg, err := t.codec.Unmarshal(env)
		if err != nil {
			t.logger.Error("undecodable dead letter", "reflected_type", env.ReflectedType, "error", err)
			continue
		}
		out = append(out, msg)
	}
	return out
}

// Unacknowledged returns the number of delivered messages not yet settled.
func (t *Transport) Unacknowledged() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, q := range t.endpoints {
		q.mu.Lock()
		n += len(q.inflight)
		q.mu.Unlock()
	}
	return n
}

// Fail stops a running transport as an infrastructure fault would.
func (t *Transport) Fail(err error) {
	select {
	case t.fatal <- err:
	default:
	}
}

// StartBackgroundMessageProcessing starts the endpoint workers and blocks. It returns nil when
// ctx is cancelled and the error passed to Fail otherwise.
func (t *Transport) StartBackgroundMessageProcessing(ctx context.Context) error {
	if !t.status.CompareAndSwap(int32(messaging.StatusStopped), int32(messaging.StatusStarting)) {
		return fmt.Errorf("memory: transport is %s", t.Status())
	}
	t.notifyStatus(messaging.StatusStopped, messaging.StatusStarting)

	workCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	t.mu.RLock()
	for _, q := range t.endpoints {
		for i := 0; i < t.concurrency; i++ {
			wg.Add(1)
			go func(q *endpointQueue) {
				defer wg.Done()
				t.work(workCtx, q)
			}(q)
		}
	}
	t.mu.RUnlock()

	t.gate.Open()
	t.setStatus(messaging.StatusRunning)
	t.logger.Info("transport running", "endpoints", t.endpointNames())

	var err error
	select {
	case <-ctx.Done():
	case err = <-t.fatal:
		t.logger.Error("transport stopped", "error", err)
	}

	cancel()
	wg.Wait()
	t.mu.Lock()
	for timer := range t.timers {
		timer.Stop()
	}
	t.timers = make(map[*time.Timer]struct{})
	t.mu.Unlock()
	if err != nil {
		t.gate.Reset(err)
	} else {
		t.gate.Reset(messaging.ErrNotRunning)
	}
	t.setStatus(messaging.StatusStopped)
	return err
}

func (t *Transport) work(ctx context.Context, q *endpointQueue) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-q.queue:
			t.deliver(ctx, q, env)
		}
	}
}

func (t *Transport) deliver(ctx context.Context, q *endpointQueue, env serialization.Envelope) {
	msg, err := t.codec.Unmarshal(env)
	if err != nil {
		t.logger.Error("undecodable message dead-lettered", "endpoint", q.identity.String(), "error", err)
		t.deadLetter(env)
		return
	}
	tag := t.tags.Add(1)
	msg.Headers().Delete(contracts.HeaderHandledBy)
	msg.Headers().Overwrite(contracts.DeliveryTagHeader(tag))
	msg.Headers().Overwrite(contracts.ActualDeliveryDateHeader(t.now()))
	q.track(tag, env)

	if err := q.onMessage(ctx, msg); err != nil {
		if _, ok := q.settle(tag); !ok {
			return
		}
		if ctx.Err() != nil {
			return
		}
		t.logger.Warn("message left for redelivery", "endpoint", q.identity.String(), "message_id", msg.ID(), "error", err)
		if !q.push(env) {
			t.deadLetter(env)
		}
	}
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

// QueueDepth returns the number of messages waiting in the queue of endpoint.
func (t *Transport) QueueDepth(ctx context.Context, queue string) (int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	q, ok := t.endpoints[queue]
	if !ok {
		return 0, fmt.Errorf("%w: %s", messaging.ErrNotBound, queue)
	}
	return len(q.queue), nil
}

var _ messaging.Transport = (*Transport)(nil)
