// Copyright 2024 Courier Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package courier hosts message endpoints on a transport. A host composes the contract registry,
// the transport, the unit-of-work factory and the handling pipeline; endpoints register typed
// handlers and gateways let application code send outside a handler.
package courier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/courier-go/contracts"
	"github.com/glimte/courier-go/health"
	"github.com/glimte/courier-go/messaging"
	"github.com/glimte/courier-go/metrics"
	"github.com/glimte/courier-go/outbox"
	"github.com/glimte/courier-go/pipeline"
	"github.com/glimte/courier-go/reliability"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrHostRunning       = errors.New("courier: host is already running")
	ErrDuplicateEndpoint = errors.New("courier: endpoint already registered")
	ErrNoHandler         = errors.New("courier: no handler for message")
	ErrDuplicateHandler  = errors.New("courier: handler already registered")
	ErrUnexpectedReply   = errors.New("courier: unexpected reply type")
)

// Host runs the endpoints of one process on a transport.
type Host struct {
	transport messaging.Transport
	registry  *contracts.Registry
	rpc       *messaging.RPCRegistry
	deliverer outbox.Deliverer
	uow       outbox.Factory
	health    *health.Registry
	cfg       hostConfig

	mu        sync.Mutex
	running   bool
	endpoints []*Endpoint
}

type hostConfig struct {
	logger         *slog.Logger
	tracerProvider trace.TracerProvider
	policy         reliability.RetryPolicy
	uow            outbox.Factory
	middlewares    []pipeline.Registration
	metrics        *metrics.Collector
	clock          func() time.Time
	depthWarning   int
	relay          Relay
}

// Relay re-delivers outbox rows left pending by a failed commit. sqlstore.Relay implements it.
type Relay interface {
	Run(ctx context.Context) error
	Breaker() *reliability.CircuitBreaker
}

// Option configures a Host
type Option func(*hostConfig)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *hostConfig) {
		c.logger = logger
	}
}

// WithTracerProvider sets the provider of handling spans. The global provider is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *hostConfig) {
		c.tracerProvider = tp
	}
}

// WithRetryPolicy sets the default retry policy of every endpoint
func WithRetryPolicy(policy reliability.RetryPolicy) Option {
	return func(c *hostConfig) {
		c.policy = policy
	}
}

// WithUnitOfWork replaces the in-memory unit of work, typically with a sqlstore.Store
func WithUnitOfWork(factory outbox.Factory) Option {
	return func(c *hostConfig) {
		c.uow = factory
	}
}

// WithMiddleware adds middlewares to every endpoint pipeline
func WithMiddleware(regs ...pipeline.Registration) Option {
	return func(c *hostConfig) {
		c.middlewares = append(c.middlewares, regs...)
	}
}

// WithMetrics records handling and enqueue figures in collector
func WithMetrics(collector *metrics.Collector) Option {
	return func(c *hostConfig) {
		c.metrics = collector
	}
}

// WithClock replaces time.Now for deferral deadlines
func WithClock(now func() time.Time) Option {
	return func(c *hostConfig) {
		c.clock = now
	}
}

// WithQueueDepthWarning degrades the health of an endpoint whose queue holds n messages or more.
// It applies when the transport reports queue depths.
func WithQueueDepthWarning(n int) Option {
	return func(c *hostConfig) {
		c.depthWarning = n
	}
}

// WithRelay runs relay next to the transport while the host runs. Its circuit breaker is reported
// as the outbox_relay health check.
func WithRelay(relay Relay) Option {
	return func(c *hostConfig) {
		c.relay = relay
	}
}

// NewHost creates a host on transport. Contracts must be registered in registry before endpoints
// declare handlers for them.
func NewHost(transport messaging.Transport, registry *contracts.Registry, options ...Option) (*Host, error) {
	if transport == nil {
		return nil, errors.New("courier: transport is required")
	}
	if registry == nil {
		return nil, errors.New("courier: contract registry is required")
	}
	cfg := hostConfig{
		logger: slog.Default(),
		policy: reliability.DefaultPolicy(),
		clock:  time.Now,
	}
	for _, opt := range options {
		opt(&cfg)
	}

	h := &Host{
		transport: transport,
		registry:  registry,
		rpc:       messaging.NewRPCRegistry(),
		deliverer: transport,
		health:    health.NewRegistry(),
		cfg:       cfg,
	}
	if cfg.metrics != nil {
		h.deliverer = cfg.metrics.Deliverer(transport)
		transport.OnStatusChanged(cfg.metrics.ObserveStatus)
	}
	h.uow = cfg.uow
	if h.uow == nil {
		h.uow = outbox.NewMemoryFactory(h.deliverer, cfg.logger)
	}
	h.health.Register(health.NewTransportChecker(transport))
	if cfg.relay != nil {
		h.health.Register(health.NewBreakerChecker("outbox_relay", cfg.relay.Breaker()))
	}
	return h, nil
}

func (h *Host) Registry() *contracts.Registry  { return h.registry }
func (h *Host) Transport() messaging.Transport { return h.transport }
func (h *Host) Health() *health.Registry       { return h.health }

// Deliverer is the path messages take to the transport; pass it to a sqlstore.Store so committed
// outbox rows are counted like any other enqueue.
func (h *Host) Deliverer() outbox.Deliverer { return h.deliverer }

func (h *Host) runtime() messaging.Runtime {
	return messaging.Runtime{
		Registry:  h.registry,
		Deliverer: h.deliverer,
		RPC:       h.rpc,
		Clock:     h.cfg.clock,
	}
}

func (h *Host) register(e *Endpoint) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return ErrHostRunning
	}
	for _, existing := range h.endpoints {
		if existing.identity.LogicalName == e.identity.LogicalName {
			return fmt.Errorf("%w: %s", ErrDuplicateEndpoint, e.identity.LogicalName)
		}
	}
	h.endpoints = append(h.endpoints, e)
	return nil
}

// Run binds every endpoint to the transport and processes messages until ctx is cancelled or the
// transport fails. Pending RPC callers are released when it returns. A host runs once.
func (h *Host) Run(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return ErrHostRunning
	}
	h.running = true
	endpoints := append([]*Endpoint(nil), h.endpoints...)
	h.mu.Unlock()

	depths, _ := h.transport.(health.DepthSource)
	for _, e := range endpoints {
		if err := e.bind(); err != nil {
			return fmt.Errorf("bind endpoint %s: %w", e.identity, err)
		}
		if depths != nil {
			h.health.Register(health.NewQueueChecker(e.identity.LogicalName, depths, h.cfg.depthWarning))
		}
	}

	if h.cfg.relay != nil {
		relayCtx, stopRelay := context.WithCancel(ctx)
		relayDone := make(chan error, 1)
		go func() { relayDone <- h.cfg.relay.Run(relayCtx) }()
		defer func() {
			stopRelay()
			if err := <-relayDone; err != nil {
				h.cfg.logger.Error("outbox relay stopped", "error", err)
			}
		}()
	}

	h.cfg.logger.Info("host starting", "endpoints", len(endpoints))
	err := h.transport.StartBackgroundMessageProcessing(ctx)
	h.rpc.Close(messaging.ErrEndpointStopped)
	if err != nil {
		h.cfg.logger.Error("host stopped", "error", err)
		return err
	}
	h.cfg.logger.Info("host stopped")
	return nil
}
