package rabbitmq

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

var (
	ErrConnectionClosed   = errors.New("rabbitmq: connection is closed")
	ErrConnectionNotReady = errors.New("rabbitmq: connection not ready")
	ErrMaxRetriesExceeded = errors.New("rabbitmq: maximum connection attempts exceeded")
	ErrConnectionTimeout  = errors.New("rabbitmq: connection timeout")

	ErrChannelClosed         = errors.New("rabbitmq: channel is closed")
	ErrChannelCreationFailed = errors.New("rabbitmq: failed to create channel")

	ErrPublishTimeout      = errors.New("rabbitmq: publish timeout")
	ErrPublishNotConfirmed = errors.New("rabbitmq: publish not confirmed")
	ErrMandatoryFailed     = errors.New("rabbitmq: mandatory publish failed")

	ErrConsumerClosed    = errors.New("rabbitmq: consumer is closed")
	ErrConsumerCancelled = errors.New("rabbitmq: consumer cancelled")

	ErrTopologyDeclarationFailed = errors.New("rabbitmq: topology declaration failed")

	ErrInvalidConfiguration = errors.New("rabbitmq: invalid configuration")
)

// ConnectionError is returned when dialing or keeping the connection fails. URL is sanitized.
type ConnectionError struct {
	Op        string
	URL       string
	Attempts  int
	Err       error
	Timestamp time.Time
}

func (e *ConnectionError) Error() string {
	msg := fmt.Sprintf("rabbitmq: %s %s", e.Op, e.URL)
	if e.Attempts > 0 {
		msg += fmt.Sprintf(" (%d attempts)", e.Attempts)
	}
	return msg + ": " + e.Err.Error()
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ChannelError names the channel by purpose: "control", "publish" or an endpoint queue.
type ChannelError struct {
	Op        string
	Channel   string
	Err       error
	Timestamp time.Time
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("rabbitmq: %s on %s channel: %v", e.Op, e.Channel, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

type PublishError struct {
	MessageID  string
	Exchange   string
	RoutingKey string
	Mandatory  bool
	Err        error
	Timestamp  time.Time
}

func (e *PublishError) Error() string {
	route := e.Exchange + "/" + e.RoutingKey
	if e.Mandatory {
		route += " [mandatory]"
	}
	return fmt.Sprintf("rabbitmq: publish %s to %s: %v", e.MessageID, route, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

type ConsumerError struct {
	Op          string
	Queue       string
	ConsumerTag string
	Err         error
	Timestamp   time.Time
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("rabbitmq: %s consumer %s on %s: %v", e.Op, e.ConsumerTag, e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() error { return e.Err }

// TopologyError reports which declaration failed. Component is "exchange", "queue" or "binding".
type TopologyError struct {
	Op        string
	Component string
	Name      string
	Err       error
	Timestamp time.Time
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("rabbitmq: %s %s %q: %v", e.Op, e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error { return e.Err }

// IsFatal reports whether err means the connection, a channel or a consumer is gone.
func IsFatal(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrConnectionClosed),
		errors.Is(err, ErrChannelClosed),
		errors.Is(err, ErrConsumerClosed),
		errors.Is(err, ErrConsumerCancelled),
		errors.Is(err, ErrMaxRetriesExceeded):
		return true
	}
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}

// SanitizeURL removes the password from a connection URL
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	if u.User != nil {
		if _, hasPassword := u.User.Password(); hasPassword {
			u.User = url.UserPassword(u.User.Username(), "xxxxx")
		}
	}
	return u.String()
}
