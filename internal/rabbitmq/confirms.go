package rabbitmq

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Confirmation is the broker's verdict on one publish.
type Confirmation struct {
	Ack      bool
	Returned bool
	Err      error
}

type pendingConfirm struct {
	messageID string
	returned  bool
	done      chan Confirmation
}

// ConfirmTracker correlates publish sequence numbers with waiting publishers.
type ConfirmTracker struct {
	mu      sync.Mutex
	pending map[uint64]*pendingConfirm
	closed  error
}

func NewConfirmTracker() *ConfirmTracker {
	return &ConfirmTracker{pending: make(map[uint64]*pendingConfirm)}
}

// Track registers seq and returns the channel its confirmation is delivered on.
func (t *ConfirmTracker) Track(seq uint64, messageID string) <-chan Confirmation {
	done := make(chan Confirmation, 1)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed != nil {
		done <- Confirmation{Err: t.closed}
		return done
	}
	t.pending[seq] = &pendingConfirm{messageID: messageID, done: done}
	return done
}

// Forget stops tracking seq; a later confirmation for it is dropped.
func (t *ConfirmTracker) Forget(seq uint64) {
	t.mu.Lock()
	delete(t.pending, seq)
	t.mu.Unlock()
}

// MarkReturned flags the pending publish of messageID as unroutable. The broker returns a message
// before it confirms it.
func (t *ConfirmTracker) MarkReturned(messageID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.pending {
		if p.messageID == messageID && !p.returned {
			p.returned = true
			return true
		}
	}
	return false
}

// Resolve completes tag, or every pending tag up to and including tag when multiple is set. It
// returns the number of publishes completed.
func (t *ConfirmTracker) Resolve(tag uint64, multiple, ack bool) int {
	t.mu.Lock()
	var tags []uint64
	if multiple {
		for seq := range t.pending {
			if seq <= tag {
				tags = append(tags, seq)
			}
		}
		sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	} else if _, ok := t.pending[tag]; ok {
		tags = []uint64{tag}
	}
	resolved := make([]*pendingConfirm, 0, len(tags))
	for _, seq := range tags {
		resolved = append(resolved, t.pending[seq])
		delete(t.pending, seq)
	}
	t.mu.Unlock()

	for _, p := range resolved {
		p.done <- Confirmation{Ack: ack && !p.returned, Returned: p.returned}
	}
	return len(resolved)
}

// FailAll completes every pending publish with err and refuses new ones.
func (t *ConfirmTracker) FailAll(err error) {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[uint64]*pendingConfirm)
	if t.closed == nil {
		t.closed = err
	}
	t.mu.Unlock()

	for _, p := range pending {
		p.done <- Confirmation{Err: err}
	}
}

func (t *ConfirmTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// ConfirmChannel publishes on a channel in confirm mode.
type ConfirmChannel struct {
	ch      *amqp.Channel
	tracker *ConfirmTracker
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	closed chan struct{}
}

// ConfirmChannelOption configures a ConfirmChannel
type ConfirmChannelOption func(*ConfirmChannel)

// WithConfirmTimeout bounds the wait for a broker confirmation
func WithConfirmTimeout(timeout time.Duration) ConfirmChannelOption {
	return func(c *ConfirmChannel) {
		c.timeout = timeout
	}
}

// WithConfirmLogger sets the logger
func WithConfirmLogger(logger *slog.Logger) ConfirmChannelOption {
	return func(c *ConfirmChannel) {
		c.logger = logger
	}
}

// NewConfirmChannel puts ch in confirm mode and starts dispatching confirmations and returns.
func NewConfirmChannel(ch *amqp.Channel, opts ...ConfirmChannelOption) (*ConfirmChannel, error) {
	c := &ConfirmChannel{
		ch:      ch,
		tracker: NewConfirmTracker(),
		timeout: 30 * time.Second,
		logger:  slog.Default(),
		closed:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := ch.Confirm(false); err != nil {
		return nil, &ChannelError{Op: "confirm", Channel: "control", Err: err, Timestamp: time.Now()}
	}
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 256))
	returns := ch.NotifyReturn(make(chan amqp.Return, 64))
	go c.dispatch(confirms, returns)
	return c, nil
}

func (c *ConfirmChannel) dispatch(confirms <-chan amqp.Confirmation, returns <-chan amqp.Return) {
	defer close(c.closed)
	for {
		select {
		case r, ok := <-returns:
			if !ok {
				returns = nil
				continue
			}
			c.returned(r)
		case conf, ok := <-confirms:
			if !ok {
				c.tracker.FailAll(ErrChannelClosed)
				return
			}
			// returns for a publish always precede its confirmation
			c.drainReturns(returns)
			c.tracker.Resolve(conf.DeliveryTag, false, conf.Ack)
		}
	}
}

func (c *ConfirmChannel) drainReturns(returns <-chan amqp.Return) {
	for returns != nil {
		select {
		case r, ok := <-returns:
			if !ok {
				return
			}
			c.returned(r)
		default:
			return
		}
	}
}

func (c *ConfirmChannel) returned(r amqp.Return) {
	if !c.tracker.MarkReturned(r.MessageId) {
		c.logger.Warn("return for unknown publish", "message_id", r.MessageId, "reply_text", r.ReplyText)
	}
}

// Publish sends msg and waits for the broker. A nacked publish yields Confirmation.Ack false; an
// unroutable mandatory publish additionally sets Returned.
func (c *ConfirmChannel) Publish(ctx context.Context, exchange, routingKey string, mandatory bool, msg amqp.Publishing) (Confirmation, error) {
	publishErr := func(err error) error {
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			MessageID:  msg.MessageId,
			Mandatory:  mandatory,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}

	c.mu.Lock()
	seq := c.ch.GetNextPublishSeqNo()
	done := c.tracker.Track(seq, msg.MessageId)
	err := c.ch.PublishWithContext(ctx, exchange, routingKey, mandatory, false, msg)
	c.mu.Unlock()
	if err != nil {
		c.tracker.Forget(seq)
		return Confirmation{}, publishErr(err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case conf := <-done:
		if conf.Err != nil {
			return conf, publishErr(conf.Err)
		}
		return conf, nil
	case <-timer.C:
		c.tracker.Forget(seq)
		return Confirmation{}, publishErr(ErrPublishTimeout)
	case <-ctx.Done():
		c.tracker.Forget(seq)
		return Confirmation{}, ctx.Err()
	}
}

// Pending returns the number of publishes awaiting confirmation
func (c *ConfirmChannel) Pending() int {
	return c.tracker.Len()
}

// Done is closed once the channel stops dispatching confirmations.
func (c *ConfirmChannel) Done() <-chan struct{} {
	return c.closed
}

// Close fails pending publishes and closes the channel.
func (c *ConfirmChannel) Close() error {
	c.tracker.FailAll(ErrChannelClosed)
	return c.ch.Close()
}
