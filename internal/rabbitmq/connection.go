package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnConnecting(attempt int)
}

// Dialer opens an AMQP connection.
type Dialer func(url string, cfg amqp.Config) (*amqp.Connection, error)

// ConnectionManager owns the single broker connection of a transport. Connect retries a bounded
// number of times; a connection lost afterwards is reported on Fatal and not re-established.
type ConnectionManager struct {
	url            string
	name           string
	dial           Dialer
	retryDelay     time.Duration
	maxRetries     int
	connectTimeout time.Duration
	logger         *slog.Logger

	mu          sync.RWMutex
	conn        *amqp.Connection
	isConnected bool
	closing     bool
	fatal       chan error

	listenersMu    sync.RWMutex
	stateListeners []ConnectionStateListener
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithRetryDelay sets the base delay between connection attempts
func WithRetryDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.retryDelay = delay
	}
}

// WithMaxRetries sets how many times Connect retries after the first failed attempt
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithConnectTimeout bounds a single dial
func WithConnectTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectTimeout = timeout
	}
}

// WithConnectionName sets the connection name shown in the management UI
func WithConnectionName(name string) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.name = name
	}
}

// WithDialer replaces amqp.DialConfig
func WithDialer(d Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = d
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		dial:           amqp.DialConfig,
		retryDelay:     time.Second,
		maxRetries:     5,
		connectTimeout: 30 * time.Second,
		logger:         slog.Default(),
		fatal:          make(chan error, 1),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the connection, retrying up to the configured limit.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.isConnected {
		return nil
	}

	var lastErr error
	for attempt := 0; attempt <= cm.maxRetries; attempt++ {
		if attempt > 0 {
			delay := cm.calculateBackoff(attempt - 1)
			cm.logger.Warn("connection attempt failed, retrying",
				"attempt", attempt,
				"max_retries", cm.maxRetries,
				"retry_in", delay,
				"error", lastErr,
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return &ConnectionError{Op: "connect", URL: SanitizeURL(cm.url), Err: ctx.Err(), Timestamp: time.Now(), Attempts: attempt}
			}
		}
		cm.notifyConnecting(attempt + 1)

		conn, err := cm.dialOnce(ctx)
		if err != nil {
			lastErr = err
			continue
		}

		cm.conn = conn
		cm.isConnected = true
		cm.closing = false
		closed := conn.NotifyClose(make(chan *amqp.Error, 1))
		go cm.watch(conn, closed)

		cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url), "attempts", attempt+1)
		cm.notifyConnected()
		return nil
	}

	return &ConnectionError{
		Op:        "connect",
		URL:       SanitizeURL(cm.url),
		Err:       fmt.Errorf("%w: %v", ErrMaxRetriesExceeded, lastErr),
		Timestamp: time.Now(),
		Attempts:  cm.maxRetries + 1,
	}
}

func (cm *ConnectionManager) dialOnce(ctx context.Context) (*amqp.Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cm.connectTimeout)
	defer cancel()

	type result struct {
		conn *amqp.Connection
		err  error
	}
	done := make(chan result, 1)
	go func() {
		cfg := amqp.Config{Properties: amqp.NewConnectionProperties()}
		if cm.name != "" {
			cfg.Properties.SetClientConnectionName(cm.name)
		}
		conn, err := cm.dial(cm.url, cfg)
		done <- result{conn: conn, err: err}
	}()

	select {
	case r := <-done:
		return r.conn, r.err
	case <-dialCtx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrConnectionTimeout
	}
}

// watch reports an unexpected connection close as fatal.
func (cm *ConnectionManager) watch(conn *amqp.Connection, closed <-chan *amqp.Error) {
	amqpErr, ok := <-closed

	cm.mu.Lock()
	if cm.conn != conn {
		cm.mu.Unlock()
		return
	}
	expected := cm.closing
	cm.isConnected = false
	cm.conn = nil
	cm.mu.Unlock()

	if expected {
		return
	}

	var cause error = ErrConnectionClosed
	if ok && amqpErr != nil {
		cause = fmt.Errorf("%w: %v", ErrConnectionClosed, amqpErr)
	}
	cm.logger.Error("connection closed", "error", cause)
	cm.notifyDisconnected(cause)

	select {
	case cm.fatal <- &ConnectionError{Op: "connection", URL: SanitizeURL(cm.url), Err: cause, Timestamp: time.Now()}:
	default:
	}
}

// Fatal delivers the error that ended the connection.
func (cm *ConnectionManager) Fatal() <-chan error {
	return cm.fatal
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}
	return cm.conn, nil
}

// Channel opens a new channel on the connection.
func (cm *ConnectionManager) Channel(purpose string) (*amqp.Channel, error) {
	conn, err := cm.GetConnection()
	if err != nil {
		return nil, &ChannelError{Op: "open", Channel: purpose, Err: err, Timestamp: time.Now()}
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "open",
			Channel:   purpose,
			Err:       fmt.Errorf("%w: %v", ErrChannelCreationFailed, err),
			Timestamp: time.Now(),
		}
	}
	return ch, nil
}

// Execute runs fn on a short-lived channel
func (cm *ConnectionManager) Execute(ctx context.Context, fn func(*amqp.Channel) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ch, err := cm.Channel("admin")
	if err != nil {
		return err
	}
	defer ch.Close()

	var execErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				execErr = fmt.Errorf("panic in channel execution: %v", r)
			}
		}()
		execErr = fn(ch)
	}()
	return execErr
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Close closes the connection
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if !cm.isConnected {
		return nil
	}
	cm.closing = true
	cm.isConnected = false

	if cm.conn != nil {
		err := cm.conn.Close()
		cm.conn = nil
		return err
	}
	return nil
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

func (cm *ConnectionManager) listeners() []ConnectionStateListener {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	return append([]ConnectionStateListener(nil), cm.stateListeners...)
}

func (cm *ConnectionManager) notifyConnected() {
	for _, listener := range cm.listeners() {
		go listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	for _, listener := range cm.listeners() {
		go listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyConnecting(attempt int) {
	for _, listener := range cm.listeners() {
		go listener.OnConnecting(attempt)
	}
}

// calculateBackoff calculates the backoff duration with jitter
func (cm *ConnectionManager) calculateBackoff(attempt int) time.Duration {
	base := cm.retryDelay
	if base <= 0 {
		return 0
	}

	maxDelay := time.Minute
	delay := base * time.Duration(1<<uint(min(attempt, 16)))
	if delay > maxDelay {
		delay = maxDelay
	}

	// ±25% jitter
	jitter := int64(delay) / 4
	if jitter > 0 {
		delay += time.Duration(rand.Int63n(2*jitter) - jitter)
	}
	return delay
}
