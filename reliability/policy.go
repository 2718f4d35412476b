package reliability

import (
	"context"
	"time"

	"github.com/glimte/courier-go/messaging"
)

// RetryPolicy decides between redelivery and rejection for a failed message.
type RetryPolicy interface {
	Apply(ctx context.Context, ic messaging.IntegrationContext, err error) error
}

// RetryPolicyFunc is a function adapter for RetryPolicy
type RetryPolicyFunc func(ctx context.Context, ic messaging.IntegrationContext, err error) error

func (f RetryPolicyFunc) Apply(ctx context.Context, ic messaging.IntegrationContext, err error) error {
	return f(ctx, ic, err)
}

// SchedulePolicy retries while the RetryCounter is below Ceiling, waiting Backoff.Delay(counter)
// before each redelivery, then rejects with the original error.
type SchedulePolicy struct {
	Backoff Backoff
	Ceiling int
}

// NewSchedulePolicy creates a policy retrying at most ceiling times
func NewSchedulePolicy(backoff Backoff, ceiling int) *SchedulePolicy {
	return &SchedulePolicy{Backoff: backoff, Ceiling: ceiling}
}

// DefaultPolicy retries three times after 0s, 1s and 2s.
func DefaultPolicy() *SchedulePolicy {
	return NewSchedulePolicy(Schedule{0, time.Second, 2 * time.Second}, 3)
}

func (p *SchedulePolicy) Apply(ctx context.Context, ic messaging.IntegrationContext, err error) error {
	msg := ic.Message()
	if msg == nil {
		return messaging.ErrNoMessage
	}
	counter := msg.Headers().RetryCounter()
	if !IsRetryable(err) || counter >= p.Ceiling {
		return ic.Reject(ctx, err)
	}
	return ic.Retry(ctx, p.Backoff.Delay(counter))
}
