package metrics

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/glimte/courier-go/contracts"
	"github.com/glimte/courier-go/messaging"
	"github.com/glimte/courier-go/outbox"
	"github.com/glimte/courier-go/pipeline"
	"github.com/glimte/courier-go/reliability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type restock struct {
	SKU string `json:"sku"`
}

var warehouse = contracts.NewEndpointIdentity("warehouse", "wh-1")

type stubDeliverer struct {
	ok  bool
	err error
}

func (d stubDeliverer) Enqueue(context.Context, *contracts.Message) (bool, error) {
	return d.ok, d.err
}

func newRegistry(t *testing.T) *contracts.Registry {
	t.Helper()
	r := contracts.NewRegistry()
	_, err := contracts.RegisterCommand[restock](r, "warehouse")
	require.NoError(t, err)
	return r
}

func TestMiddleware(t *testing.T) {
	r := newRegistry(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := NewCollector(prometheus.NewRegistry())
	require.NoError(t, err)

	runtime := messaging.Runtime{Registry: r, Deliverer: stubDeliverer{ok: true}, RPC: messaging.NewRPCRegistry()}
	permanent := reliability.RetryPolicyFunc(func(ctx context.Context, ic messaging.IntegrationContext, err error) error {
		return ic.Reject(ctx, err)
	})
	regs := append(pipeline.Default(pipeline.Options{
		ErrorHandlers: reliability.DefaultChain(runtime.RPC, permanent, logger),
		UnitOfWork:    outbox.NewMemoryFactory(runtime.Deliverer, logger),
		Logger:        logger,
	}), c.Registration())
	composite, err := pipeline.NewComposite(regs...)
	require.NoError(t, err)

	t.Run("sits between tracing and error handling", func(t *testing.T) {
		assert.Equal(t, []string{
			pipeline.NameTracing,
			pipeline.NameMetrics,
			pipeline.NameErrorHandling,
			pipeline.NameReplyValidation,
			pipeline.NameUnitOfWork,
			pipeline.NameHandledBy,
		}, composite.Names())
	})

	inbound := func(t *testing.T) *messaging.MessageContext {
		msg, err := contracts.NewMessageFactory(r, warehouse).Create(restock{SKU: "sku-1"}, nil)
		require.NoError(t, err)
		return messaging.NewMessageContext(runtime, warehouse, msg)
	}
	typ := contracts.TypeOf[restock]().PkgPath() + ".restock"

	t.Run("counts accepted messages", func(t *testing.T) {
		err := composite.Execute(context.Background(), inbound(t), func(context.Context, *messaging.MessageContext) error {
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1.0, testutil.ToFloat64(c.Handled.WithLabelValues("warehouse", typ, OutcomeAccepted)))
	})

	t.Run("counts rejected messages", func(t *testing.T) {
		err := composite.Execute(context.Background(), inbound(t), func(context.Context, *messaging.MessageContext) error {
			return errors.New("out of stock")
		})
		require.NoError(t, err)
		assert.Equal(t, 1.0, testutil.ToFloat64(c.Handled.WithLabelValues("warehouse", typ, OutcomeRejected)))
		assert.Equal(t, 1, testutil.CollectAndCount(c.HandlingDuration), "one series per endpoint and type")
	})
}

func TestDeliverer(t *testing.T) {
	r := newRegistry(t)
	c, err := NewCollector(nil)
	require.NoError(t, err)
	msg, err := contracts.NewMessageFactory(r, warehouse).Create(restock{}, nil)
	require.NoError(t, err)
	typ := msg.ReflectedType().Name

	t.Run("counts each enqueue outcome", func(t *testing.T) {
		_, _ = c.Deliverer(stubDeliverer{ok: true}).Enqueue(context.Background(), msg)
		_, _ = c.Deliverer(stubDeliverer{ok: false}).Enqueue(context.Background(), msg)
		_, err := c.Deliverer(stubDeliverer{err: errors.New("closed")}).Enqueue(context.Background(), msg)
		assert.Error(t, err)

		assert.Equal(t, 1.0, testutil.ToFloat64(c.Enqueued.WithLabelValues(typ, OutcomeConfirmed)))
		assert.Equal(t, 1.0, testutil.ToFloat64(c.Enqueued.WithLabelValues(typ, OutcomeRefused)))
		assert.Equal(t, 1.0, testutil.ToFloat64(c.Enqueued.WithLabelValues(typ, OutcomeFailed)))
	})

	t.Run("tracks transport status", func(t *testing.T) {
		c.ObserveStatus(messaging.StatusStarting, messaging.StatusRunning)
		assert.Equal(t, 2.0, testutil.ToFloat64(c.TransportStatus))
	})
}

func TestNewCollector(t *testing.T) {
	t.Run("fails on duplicate registration", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		_, err := NewCollector(reg)
		require.NoError(t, err)
		_, err = NewCollector(reg)
		assert.Error(t, err)
	})
}
