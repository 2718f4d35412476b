package health

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/courier-go/internal/rabbitmq"
	"github.com/glimte/courier-go/messaging"
	"github.com/glimte/courier-go/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

// timed runs fn and stamps the result with its name and timing.
func timed(name string, fn func(res *Result)) Result {
	start := time.Now()
	res := Result{Name: name, Status: StatusHealthy, CheckedAt: start, Details: map[string]any{}}
	fn(&res)
	res.Took = time.Since(start)
	return res
}

// StatusSource reports a transport lifecycle state.
type StatusSource interface {
	Status() messaging.Status
}

// TransportChecker maps the transport status onto health: running is healthy, starting is
// degraded, stopped is unhealthy.
type TransportChecker struct {
	transport StatusSource
}

func NewTransportChecker(transport StatusSource) *TransportChecker {
	return &TransportChecker{transport: transport}
}

func (c *TransportChecker) Name() string { return "transport" }

func (c *TransportChecker) Check(context.Context) Result {
	return timed(c.Name(), func(res *Result) {
		status := c.transport.Status()
		res.Details["transport_status"] = status.String()
		res.Message = "transport is " + status.String()
		switch status {
		case messaging.StatusRunning:
		case messaging.StatusStarting:
			res.Status = StatusDegraded
		default:
			res.Status = StatusUnhealthy
		}
	})
}

// DepthSource reports the number of ready messages in a queue.
type DepthSource interface {
	QueueDepth(ctx context.Context, queue string) (int, error)
}

// QueueChecker watches the backlog of one endpoint queue.
type QueueChecker struct {
	queue  string
	source DepthSource
	warnAt int
}

// NewQueueChecker degrades once the queue holds warnAt messages. A non-positive warnAt disables
// the threshold.
func NewQueueChecker(queue string, source DepthSource, warnAt int) *QueueChecker {
	return &QueueChecker{queue: queue, source: source, warnAt: warnAt}
}

func (c *QueueChecker) Name() string { return "queue_" + c.queue }

func (c *QueueChecker) Check(ctx context.Context) Result {
	return timed(c.Name(), func(res *Result) {
		depth, err := c.source.QueueDepth(ctx, c.queue)
		if err != nil {
			res.Status = StatusUnhealthy
			res.Message = fmt.Sprintf("queue %s is not reachable", c.queue)
			res.Error = err.Error()
			return
		}
		res.Details["depth"] = depth
		res.Message = fmt.Sprintf("queue %s holds %d messages", c.queue, depth)
		if c.warnAt > 0 && depth >= c.warnAt {
			res.Status = StatusDegraded
		}
	})
}

// ConnectionChecker probes the broker through a connection manager
type ConnectionChecker struct {
	manager *rabbitmq.ConnectionManager
	probe   string
}

// NewConnectionChecker passively declares the exchange named probe to prove the broker answers.
func NewConnectionChecker(manager *rabbitmq.ConnectionManager, probe string) *ConnectionChecker {
	return &ConnectionChecker{manager: manager, probe: probe}
}

func (c *ConnectionChecker) Name() string { return "rabbitmq" }

func (c *ConnectionChecker) Check(ctx context.Context) Result {
	return timed(c.Name(), func(res *Result) {
		if !c.manager.IsConnected() {
			res.Status = StatusUnhealthy
			res.Message = "not connected"
			return
		}
		err := c.manager.Execute(ctx, func(ch *amqp.Channel) error {
			return ch.ExchangeDeclarePassive(c.probe, amqp.ExchangeDirect, true, false, false, false, nil)
		})
		if err != nil {
			res.Status = StatusDegraded
			res.Message = "exchange " + c.probe + " is not reachable"
			res.Error = err.Error()
		}
	})
}

// BreakerChecker reports a circuit breaker: an open circuit degrades the host, since messages are
// held back rather than lost.
type BreakerChecker struct {
	name    string
	breaker *reliability.CircuitBreaker
}

func NewBreakerChecker(name string, breaker *reliability.CircuitBreaker) *BreakerChecker {
	return &BreakerChecker{name: name, breaker: breaker}
}

func (c *BreakerChecker) Name() string { return c.name }

func (c *BreakerChecker) Check(context.Context) Result {
	return timed(c.Name(), func(res *Result) {
		state := c.breaker.State()
		res.Details["circuit"] = state.String()
		res.Message = "circuit is " + state.String()
		if state != reliability.BreakerClosed {
			res.Status = StatusDegraded
		}
	})
}
