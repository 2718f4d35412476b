package sqlstore

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/glimte/courier-go/reliability"
)

// Relay re-delivers outbox messages that were committed but never confirmed, for example because
// the process stopped between commit and delivery. Delivery is at-least-once: a message delivered
// after the grace period may be sent again.
type Relay struct {
	store       *Store
	interval    time.Duration
	maxInterval time.Duration
	grace       time.Duration
	batchSize   int
	breaker     *reliability.CircuitBreaker
	logger      *slog.Logger
}

// RelayOption configures a Relay
type RelayOption func(*Relay)

// WithRelayInterval sets the poll interval after a productive pass and the upper bound the interval
// grows to while the outbox stays empty.
func WithRelayInterval(interval, maxInterval time.Duration) RelayOption {
	return func(r *Relay) {
		r.interval = interval
		r.maxInterval = maxInterval
	}
}

// WithGracePeriod sets how old a pending message must be before the relay takes it over.
func WithGracePeriod(grace time.Duration) RelayOption {
	return func(r *Relay) {
		r.grace = grace
	}
}

// WithBatchSize limits the messages handled per pass.
func WithBatchSize(n int) RelayOption {
	return func(r *Relay) {
		r.batchSize = n
	}
}

// WithRelayBreaker replaces the circuit breaker that pauses the relay while the transport keeps
// failing.
func WithRelayBreaker(cb *reliability.CircuitBreaker) RelayOption {
	return func(r *Relay) {
		r.breaker = cb
	}
}

// WithRelayLogger sets the logger
func WithRelayLogger(logger *slog.Logger) RelayOption {
	return func(r *Relay) {
		r.logger = logger
	}
}

func NewRelay(store *Store, opts ...RelayOption) *Relay {
	r := &Relay{
		store:       store,
		interval:    time.Second,
		maxInterval: 30 * time.Second,
		grace:       30 * time.Second,
		batchSize:   100,
		logger:      store.logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.maxInterval < r.interval {
		r.maxInterval = r.interval
	}
	if r.breaker == nil {
		r.breaker = reliability.NewCircuitBreaker("outbox-relay",
			reliability.WithFailureThreshold(5),
			reliability.WithCoolDown(r.maxInterval),
		)
	}
	return r
}

// RelayOnce delivers one batch of pending messages and returns how many were confirmed. While the
// breaker is open it returns an error wrapping reliability.ErrCircuitOpen without touching the
// store.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	var n int
	err := r.breaker.Execute(ctx, func(ctx context.Context) error {
		msgs, err := r.store.Pending(ctx, r.store.now().Add(-r.grace), r.batchSize)
		if err != nil || len(msgs) == 0 {
			return err
		}
		n, err = r.store.deliver(ctx, msgs)
		return err
	})
	return n, err
}

// Breaker returns the circuit breaker guarding delivery.
func (r *Relay) Breaker() *reliability.CircuitBreaker {
	return r.breaker
}

// Run relays until ctx is cancelled. The poll interval doubles while nothing is delivered.
func (r *Relay) Run(ctx context.Context) error {
	wait := r.interval
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		n, err := r.RelayOnce(ctx)
		switch {
		case errors.Is(err, reliability.ErrCircuitOpen):
			r.logger.Debug("outbox relay paused", "error", err)
		case err != nil:
			r.logger.Error("outbox relay pass failed", "error", err)
		}
		if n > 0 {
			r.logger.Info("relayed outbox messages", "count", n)
			wait = r.interval
		} else {
			wait *= 2
			if wait > r.maxInterval {
				wait = r.maxInterval
			}
		}
		timer.Reset(wait)
	}
}
