package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glimte/courier-go/contracts"
	"github.com/glimte/courier-go/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type refundPayment struct {
	PaymentID string `json:"paymentId"`
}

type paymentStatusQuery struct{}

type paymentStatus struct{}

// fakeContext records retry and reject decisions.
type fakeContext struct {
	msg      *contracts.Message
	retries  []time.Duration
	rejected []error
	retryErr error
}

func (f *fakeContext) Message() *contracts.Message { return f.msg }
func (f *fakeContext) Endpoint() contracts.EndpointIdentity {
	return contracts.NewEndpointIdentity("payments", "p-1")
}
func (f *fakeContext) Send(context.Context, any) error                 { return nil }
func (f *fakeContext) Delay(context.Context, any, time.Duration) error { return nil }
func (f *fakeContext) Publish(context.Context, any) error              { return nil }
func (f *fakeContext) Request(context.Context, any) error              { return nil }
func (f *fakeContext) RPCRequest(context.Context, any) (any, error)    { return nil, nil }
func (f *fakeContext) Reply(context.Context, any) error                { return nil }

func (f *fakeContext) Retry(_ context.Context, dueIn time.Duration) error {
	if f.retryErr != nil {
		return f.retryErr
	}
	f.retries = append(f.retries, dueIn)
	return nil
}

func (f *fakeContext) Reject(_ context.Context, err error) error {
	f.rejected = append(f.rejected, err)
	f.msg.Headers().Overwrite(contracts.RejectReasonHeader(err))
	return nil
}

func (f *fakeContext) Rejected() bool {
	return f.msg.Headers().Has(contracts.HeaderRejectReason)
}

func newFakeContext(t *testing.T, payload any, retryCounter int) *fakeContext {
	t.Helper()
	r := contracts.NewRegistry()
	_, err := contracts.RegisterCommand[refundPayment](r, "payments")
	require.NoError(t, err)
	_, err = contracts.RegisterQuery[paymentStatusQuery, paymentStatus](r, "payments")
	require.NoError(t, err)

	msg, err := contracts.NewMessageFactory(r, contracts.NewEndpointIdentity("web", "w-1")).Create(payload, nil)
	require.NoError(t, err)
	msg.Headers().Overwrite(contracts.RetryCounterHeader(retryCounter))
	return &fakeContext{msg: msg}
}

func TestBackoff(t *testing.T) {
	t.Run("schedule repeats its last entry", func(t *testing.T) {
		s := Schedule{0, time.Second, 2 * time.Second}
		assert.Equal(t, time.Duration(0), s.Delay(0))
		assert.Equal(t, time.Second, s.Delay(1))
		assert.Equal(t, 2*time.Second, s.Delay(2))
		assert.Equal(t, 2*time.Second, s.Delay(9))
		assert.Equal(t, time.Duration(0), Schedule{}.Delay(3))
	})

	t.Run("exponential grows and caps", func(t *testing.T) {
		e := NewExponentialBackoff(100*time.Millisecond, time.Second, 2)
		e.Jitter = false
		assert.Equal(t, 100*time.Millisecond, e.Delay(0))
		assert.Equal(t, 400*time.Millisecond, e.Delay(2))
		assert.Equal(t, time.Second, e.Delay(10))
	})

	t.Run("exponential jitter stays within fifteen percent", func(t *testing.T) {
		e := NewExponentialBackoff(time.Second, time.Minute, 2)
		for i := 0; i < 50; i++ {
			d := e.Delay(0)
			assert.GreaterOrEqual(t, d, 850*time.Millisecond)
			assert.LessOrEqual(t, d, 1150*time.Millisecond)
		}
	})

	t.Run("linear and fixed", func(t *testing.T) {
		l := NewLinearBackoff(time.Second, 3*time.Second)
		assert.Equal(t, time.Second, l.Delay(0))
		assert.Equal(t, 3*time.Second, l.Delay(5))
		assert.Equal(t, 5*time.Second, FixedDelay(5*time.Second).Delay(7))
	})
}

func TestSchedulePolicy(t *testing.T) {
	ctx := context.Background()
	policy := DefaultPolicy()
	boom := errors.New("database unavailable")

	for counter, want := range []time.Duration{0, time.Second, 2 * time.Second} {
		fc := newFakeContext(t, refundPayment{}, counter)
		require.NoError(t, policy.Apply(ctx, fc, boom))
		assert.Equal(t, []time.Duration{want}, fc.retries, "counter %d", counter)
		assert.Empty(t, fc.rejected)
	}

	t.Run("rejects with the original error once the ceiling is reached", func(t *testing.T) {
		fc := newFakeContext(t, refundPayment{}, 3)
		require.NoError(t, policy.Apply(ctx, fc, boom))
		assert.Empty(t, fc.retries)
		require.Len(t, fc.rejected, 1)
		reason, _ := fc.msg.Headers().RejectReason()
		assert.Equal(t, "database unavailable", reason)
	})

	t.Run("permanent errors are rejected immediately", func(t *testing.T) {
		fc := newFakeContext(t, refundPayment{}, 0)
		require.NoError(t, policy.Apply(ctx, fc, Permanent(boom)))
		assert.Empty(t, fc.retries)
		assert.Len(t, fc.rejected, 1)
	})

	t.Run("retryable errors can be marked explicitly", func(t *testing.T) {
		assert.True(t, IsRetryable(boom))
		assert.False(t, IsRetryable(nil))
		assert.False(t, IsRetryable(Permanent(boom)))
		assert.True(t, IsRetryable(RetryableError{Err: boom, Retryable: true}))
	})
}

func TestRPCErrorHandler(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("no such payment")

	t.Run("fails the waiting caller and rejects the request", func(t *testing.T) {
		registry := messaging.NewRPCRegistry()
		fc := newFakeContext(t, paymentStatusQuery{}, 0)
		pending, err := registry.Register(fc.msg.ID())
		require.NoError(t, err)

		require.NoError(t, NewRPCErrorHandler(registry).Handle(ctx, fc, boom))

		_, err = pending.Wait(ctx)
		assert.Same(t, boom, err)
		assert.True(t, fc.Rejected())
	})

	t.Run("ignores requests nobody waits for", func(t *testing.T) {
		fc := newFakeContext(t, paymentStatusQuery{}, 0)
		require.NoError(t, NewRPCErrorHandler(messaging.NewRPCRegistry()).Handle(ctx, fc, boom))
		assert.False(t, fc.Rejected())
	})

	t.Run("ignores commands", func(t *testing.T) {
		registry := messaging.NewRPCRegistry()
		fc := newFakeContext(t, refundPayment{}, 0)
		_, err := registry.Register(fc.msg.ID())
		require.NoError(t, err)

		require.NoError(t, NewRPCErrorHandler(registry).Handle(ctx, fc, boom))
		assert.True(t, registry.Pending(fc.msg.ID()))
	})
}

func TestChain(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("handler exploded")

	t.Run("default chain retries and records the error on the span", func(t *testing.T) {
		recorder := tracetest.NewSpanRecorder()
		provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
		spanCtx, span := provider.Tracer("test").Start(ctx, "handle")

		fc := newFakeContext(t, refundPayment{}, 1)
		chain := DefaultChain(messaging.NewRPCRegistry(), DefaultPolicy(), nil)
		require.NoError(t, chain.Handle(spanCtx, fc, boom))
		span.End()

		assert.Equal(t, []string{"rpc", "retry", "tracing", "logging"}, chain.Names())
		assert.Equal(t, []time.Duration{time.Second}, fc.retries)

		spans := recorder.Ended()
		require.Len(t, spans, 1)
		require.Len(t, spans[0].Events(), 1)
		assert.Equal(t, "exception", spans[0].Events()[0].Name)
		assert.Equal(t, "handler exploded", spans[0].Status().Description)
	})

	t.Run("rpc resolution prevents a retry", func(t *testing.T) {
		registry := messaging.NewRPCRegistry()
		fc := newFakeContext(t, paymentStatusQuery{}, 0)
		_, err := registry.Register(fc.msg.ID())
		require.NoError(t, err)

		require.NoError(t, DefaultChain(registry, DefaultPolicy(), nil).Handle(ctx, fc, boom))
		assert.Empty(t, fc.retries)
		assert.Len(t, fc.rejected, 1)
	})

	t.Run("a failing handler turns into a reject and later handlers still run", func(t *testing.T) {
		fc := newFakeContext(t, refundPayment{}, 0)
		fc.retryErr = errors.New("broker refused retry")
		ran := false
		chain := NewChain(nil,
			NewRetryHandler(DefaultPolicy()),
			handlerFunc{name: "probe", fn: func(context.Context, FailureContext, error) error { ran = true; return nil }},
		)

		err := chain.Handle(ctx, fc, boom)

		var handlingErr *HandlingError
		require.ErrorAs(t, err, &handlingErr)
		assert.ErrorIs(t, err, boom)
		assert.True(t, ran)
		reason, ok := fc.msg.Headers().RejectReason()
		require.True(t, ok)
		assert.Contains(t, reason, "handler exploded")
		assert.Contains(t, reason, "broker refused retry")
	})

	t.Run("a panicking handler is caught", func(t *testing.T) {
		fc := newFakeContext(t, refundPayment{}, 0)
		chain := NewChain(nil, handlerFunc{name: "panics", fn: func(context.Context, FailureContext, error) error {
			panic("unexpected")
		}})

		err := chain.Handle(ctx, fc, boom)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "panics: panic: unexpected")
		assert.True(t, fc.Rejected())
	})
}

type handlerFunc struct {
	name string
	fn   func(context.Context, FailureContext, error) error
}

func (h handlerFunc) Name() string { return h.name }
func (h handlerFunc) Handle(ctx context.Context, fc FailureContext, err error) error {
	return h.fn(ctx, fc, err)
}
