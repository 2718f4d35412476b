package rabbitmq

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/glimte/courier-go/contracts"
	"github.com/glimte/courier-go/internal/rabbitmq"
	"github.com/glimte/courier-go/messaging"
	"github.com/glimte/courier-go/serialization"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chargeCard struct {
	CardID string `json:"cardId"`
	Amount int    `json:"amount"`
}

type cardCharged struct {
	CardID string `json:"cardId"`
}

type balanceQuery struct {
	CardID string `json:"cardId"`
}

type balance struct {
	Amount int `json:"amount"`
}

var (
	billing  = contracts.NewEndpointIdentity("billing", "billing-1")
	checkout = contracts.NewEndpointIdentity("checkout", "checkout-1")
)

type types struct {
	commands, events, requests, replies []contracts.ContractType
}

func (s types) OwnedCommands() []contracts.ContractType    { return s.commands }
func (s types) SubscribedEvents() []contracts.ContractType { return s.events }
func (s types) ServedRequests() []contracts.ContractType   { return s.requests }
func (s types) AwaitedReplies() []contracts.ContractType   { return s.replies }

func testRegistry(t *testing.T) *contracts.Registry {
	t.Helper()
	r := contracts.NewRegistry()
	_, err := contracts.RegisterCommand[chargeCard](r, "billing")
	require.NoError(t, err)
	_, err = contracts.RegisterEvent[cardCharged](r, "billing")
	require.NoError(t, err)
	_, err = contracts.RegisterQuery[balanceQuery, balance](r, "billing")
	require.NoError(t, err)
	return r
}

func newTestTransport(t *testing.T) (*Transport, *contracts.Registry) {
	t.Helper()
	r := testRegistry(t)
	tr, err := NewTransport(DefaultSettings(), r, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	return tr, r
}

func noop(context.Context, *contracts.Message) error { return nil }

type fakeSettler struct {
	mu    sync.Mutex
	acks  []uint64
	nacks []uint64
}

func (f *fakeSettler) Ack(tag uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, tag)
	return nil
}

func (f *fakeSettler) Nack(tag uint64, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacks = append(f.nacks, tag)
	return nil
}

func inboundMessage(t *testing.T, r *contracts.Registry, tag uint64) *contracts.Message {
	t.Helper()
	msg, err := contracts.NewMessageFactory(r, checkout).Create(chargeCard{CardID: "c1", Amount: 5}, nil)
	require.NoError(t, err)
	msg.Headers().Overwrite(contracts.DeliveryTagHeader(tag))
	msg.Headers().Overwrite(contracts.HandledByHeader(billing))
	return msg
}

func TestNewTransport(t *testing.T) {
	t.Run("rejects invalid settings", func(t *testing.T) {
		s := DefaultSettings()
		s.InputExchange = ""
		_, err := NewTransport(s, contracts.NewRegistry())
		assert.ErrorIs(t, err, rabbitmq.ErrInvalidConfiguration)
	})

	t.Run("requires a registry", func(t *testing.T) {
		_, err := NewTransport(DefaultSettings(), nil)
		assert.ErrorIs(t, err, rabbitmq.ErrInvalidConfiguration)
	})

	t.Run("starts stopped", func(t *testing.T) {
		tr, _ := newTestTransport(t)
		assert.Equal(t, messaging.StatusStopped, tr.Status())
	})
}

func TestBind(t *testing.T) {
	t.Run("binds an endpoint once", func(t *testing.T) {
		tr, _ := newTestTransport(t)
		require.NoError(t, tr.Bind(billing, noop, types{}))
		err := tr.Bind(contracts.NewEndpointIdentity("billing", "billing-2"), noop, types{})
		assert.ErrorIs(t, err, messaging.ErrAlreadyBound)
	})

	t.Run("rejects an invalid endpoint", func(t *testing.T) {
		tr, _ := newTestTransport(t)
		err := tr.Bind(contracts.EndpointIdentity{}, noop, types{})
		assert.ErrorIs(t, err, contracts.ErrInvalidEndpoint)
	})

	t.Run("topology covers every bound endpoint", func(t *testing.T) {
		tr, r := newTestTransport(t)
		cmd, err := r.Of(chargeCard{})
		require.NoError(t, err)
		query, err := r.Of(balanceQuery{})
		require.NoError(t, err)
		require.NoError(t, tr.Bind(billing, noop, types{commands: []contracts.ContractType{cmd}, requests: []contracts.ContractType{query}}))
		require.NoError(t, tr.Bind(checkout, noop, types{replies: []contracts.ContractType{*query.Reply}}))

		topo := tr.Topology()
		queues := map[string]bool{}
		for _, q := range topo.Queues {
			queues[q.Name] = true
		}
		assert.True(t, queues["billing"])
		assert.True(t, queues["checkout"])
		assert.True(t, queues["courier.deferred"])

		var replyBinding *rabbitmq.Binding
		for i, b := range topo.Bindings {
			if b.Queue == "checkout" {
				replyBinding = &topo.Bindings[i]
			}
		}
		require.NotNil(t, replyBinding)
		assert.Equal(t, query.Reply.Name+"@checkout", replyBinding.RoutingKey)

		billingKeys := map[string]bool{}
		for _, b := range topo.Bindings {
			if b.Queue == "billing" {
				billingKeys[b.RoutingKey] = true
			}
		}
		assert.True(t, billingKeys[cmd.Name])
		assert.True(t, billingKeys[cmd.Name+"@billing"], "retry copies are addressed to the endpoint")
	})
}

func TestSettle(t *testing.T) {
	t.Run("accepting twice acknowledges once", func(t *testing.T) {
		tr, r := newTestTransport(t)
		require.NoError(t, tr.Bind(billing, noop, types{}))
		settler := &fakeSettler{}
		b := tr.endpoints["billing"]
		b.settler = settler
		b.track(42)

		msg := inboundMessage(t, r, 42)
		require.NoError(t, tr.Accept(context.Background(), msg))
		require.NoError(t, tr.Accept(context.Background(), msg))
		assert.Equal(t, []uint64{42}, settler.acks)
	})

	t.Run("accept needs HandledBy and a delivery tag", func(t *testing.T) {
		tr, r := newTestTransport(t)
		msg, err := contracts.NewMessageFactory(r, checkout).Create(chargeCard{}, nil)
		require.NoError(t, err)

		assert.ErrorIs(t, tr.Accept(context.Background(), msg), messaging.ErrNotBound)
		msg.Headers().Overwrite(contracts.HandledByHeader(billing))
		assert.ErrorIs(t, tr.Accept(context.Background(), msg), messaging.ErrNoDeliveryTag)
	})

	t.Run("enqueue error without handlers nacks the delivery", func(t *testing.T) {
		tr, r := newTestTransport(t)
		require.NoError(t, tr.Bind(billing, noop, types{}))
		settler := &fakeSettler{}
		b := tr.endpoints["billing"]
		b.settler = settler
		b.track(7)

		err := tr.EnqueueError(context.Background(), billing, inboundMessage(t, r, 7), errors.New("boom"))
		require.NoError(t, err)
		assert.Equal(t, []uint64{7}, settler.nacks)
	})

	t.Run("enqueue error runs every bound handler once", func(t *testing.T) {
		tr, r := newTestTransport(t)
		var calls []string
		for _, name := range []string{"first", "second"} {
			name := name
			require.NoError(t, tr.BindErrorHandler(billing, func(_ context.Context, _ *contracts.Message, err error) {
				calls = append(calls, name+": "+err.Error())
			}))
		}

		err := tr.EnqueueError(context.Background(), billing, inboundMessage(t, r, 1), errors.New("unroutable"))
		require.NoError(t, err)
		assert.Equal(t, []string{"first: unroutable", "second: unroutable"}, calls)
	})
}

func TestNotRunning(t *testing.T) {
	t.Run("enqueue waits for the transport to start", func(t *testing.T) {
		tr, r := newTestTransport(t)
		msg, err := contracts.NewMessageFactory(r, checkout).Create(chargeCard{}, nil)
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		ok, err := tr.Enqueue(ctx, msg)
		assert.False(t, ok)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("reject requires a reject reason", func(t *testing.T) {
		tr, r := newTestTransport(t)
		err := tr.Reject(context.Background(), inboundMessage(t, r, 1))
		assert.ErrorIs(t, err, messaging.ErrNotRejected)
	})

	t.Run("failed start reports the fault and stops", func(t *testing.T) {
		r := testRegistry(t)
		s := DefaultSettings()
		s.ConnectRetries = 1
		s.ConnectRetryDelay = time.Millisecond
		refused := errors.New("connection refused")
		tr, err := NewTransport(s, r,
			WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
			WithConnectionOptions(rabbitmq.WithDialer(func(string, amqp.Config) (*amqp.Connection, error) {
				return nil, refused
			})),
		)
		require.NoError(t, err)

		var transitions []messaging.Status
		tr.OnStatusChanged(func(_, current messaging.Status) {
			transitions = append(transitions, current)
		})

		err = tr.StartBackgroundMessageProcessing(context.Background())
		assert.ErrorIs(t, err, rabbitmq.ErrMaxRetriesExceeded)
		assert.Equal(t, []messaging.Status{messaging.StatusStarting, messaging.StatusStopped}, transitions)

		msg, err := contracts.NewMessageFactory(r, checkout).Create(chargeCard{}, nil)
		require.NoError(t, err)
		_, err = tr.Enqueue(context.Background(), msg)
		assert.ErrorIs(t, err, rabbitmq.ErrMaxRetriesExceeded, "enqueue fails fast after a fatal stop")
	})

	t.Run("a fatal stop releases handlers still waiting", func(t *testing.T) {
		tr, r := newTestTransport(t)
		handlerCtx := tr.beginRun(context.Background())
		msg, err := contracts.NewMessageFactory(r, checkout).Create(chargeCard{}, nil)
		require.NoError(t, err)

		waiting := make(chan error, 1)
		go func() {
			_, err := tr.Enqueue(handlerCtx, msg)
			waiting <- err
		}()

		lost := errors.New("connection lost")
		tr.stop(lost)

		select {
		case <-handlerCtx.Done():
		case <-time.After(time.Second):
			t.Fatal("handler context outlived the transport")
		}
		select {
		case err := <-waiting:
			assert.ErrorIs(t, err, lost)
		case <-time.After(time.Second):
			t.Fatal("enqueue still blocked after stop")
		}
		assert.Equal(t, messaging.StatusStopped, tr.Status())
	})
}

func TestMapping(t *testing.T) {
	r := testRegistry(t)
	codec := serialization.NewCodec(r)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("broker properties carry identity and routing facts", func(t *testing.T) {
		query, err := contracts.NewMessageFactory(r, checkout).Create(balanceQuery{CardID: "c1"}, nil)
		require.NoError(t, err)
		query.Headers().Overwrite(contracts.ReplyToHeader(checkout))

		pub, deferred, err := toPublishing(codec, query, now)
		require.NoError(t, err)
		assert.False(t, deferred)
		assert.Equal(t, query.ID(), pub.MessageId)
		assert.Equal(t, query.Headers().ConversationID(), pub.CorrelationId)
		assert.Equal(t, "checkout", pub.AppId)
		assert.Equal(t, "checkout", pub.ReplyTo)
		assert.Equal(t, query.ReflectedType().Name, pub.Type)
		assert.Equal(t, uint8(amqp.Persistent), pub.DeliveryMode)
		assert.Equal(t, "application/json", pub.ContentType)
		assert.Equal(t, "gzip", pub.ContentEncoding)
		assert.Equal(t, "checkout/checkout-1", pub.Headers["SentFrom"])
		assert.Empty(t, pub.Expiration)
	})

	t.Run("deferred messages expire when due", func(t *testing.T) {
		cmd, err := contracts.NewMessageFactory(r, checkout).Create(chargeCard{}, nil)
		require.NoError(t, err)
		cmd.Headers().Overwrite(contracts.DeferredUntilHeader(now.Add(1500 * time.Millisecond)))

		pub, deferred, err := toPublishing(codec, cmd, now)
		require.NoError(t, err)
		assert.True(t, deferred)
		assert.Equal(t, "1500", pub.Expiration)

		assert.Equal(t, "0", expiration(now.Add(-time.Second), now))
	})

	t.Run("delivery is stamped with tag and arrival time", func(t *testing.T) {
		cmd, err := contracts.NewMessageFactory(r, checkout).Create(chargeCard{CardID: "c9", Amount: 12}, nil)
		require.NoError(t, err)
		cmd.Headers().Overwrite(contracts.HandledByHeader(billing))
		pub, _, err := toPublishing(codec, cmd, now)
		require.NoError(t, err)

		got, err := fromDelivery(codec, amqp.Delivery{
			Headers:         pub.Headers,
			ContentType:     pub.ContentType,
			ContentEncoding: pub.ContentEncoding,
			MessageId:       pub.MessageId,
			CorrelationId:   pub.CorrelationId,
			Type:            pub.Type,
			Body:            pub.Body,
			DeliveryTag:     99,
		}, now.Add(time.Second))
		require.NoError(t, err)

		assert.Equal(t, chargeCard{CardID: "c9", Amount: 12}, got.Payload())
		assert.Equal(t, cmd.ID(), got.ID())
		tag, ok := got.Headers().DeliveryTag()
		require.True(t, ok)
		assert.Equal(t, uint64(99), tag)
		arrived, ok := got.Headers().ActualDeliveryDate()
		require.True(t, ok)
		assert.Equal(t, now.Add(time.Second), arrived)
		assert.False(t, got.Headers().Has(contracts.HeaderHandledBy))
	})

	t.Run("foreign content is refused", func(t *testing.T) {
		_, err := fromDelivery(codec, amqp.Delivery{ContentType: "text/plain"}, now)
		assert.ErrorIs(t, err, serialization.ErrUnsupportedContent)
	})
}
