package rabbitmq

import (
	"context"
	"crypto/tls"
	"log/slog"
	"sync"
	"time"

	"github.com/millegrilles/messages-go/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultConnectionAttempts = 2
	defaultRetryDelay         = 10 * time.Second
	defaultHeartbeat          = 30 * time.Second
	defaultDialTimeout        = 30 * time.Second
)

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnConnecting(attempt int)
}

// ConnectionManager owns the AMQP connection. It does not reconnect by itself:
// a lost connection is reported to the listeners and Connect is called again.
type ConnectionManager struct {
	url         string
	tlsConfig   *tls.Config
	heartbeat   time.Duration
	attempts    int
	retryDelay  time.Duration
	dialTimeout time.Duration
	logger      *slog.Logger

	mu          sync.RWMutex
	conn        *amqp.Connection
	isConnected bool

	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithTLSConfig dials amqps with a client certificate and authenticates with EXTERNAL
func WithTLSConfig(config *tls.Config) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.tlsConfig = config
	}
}

// WithHeartbeat sets the heartbeat interval
func WithHeartbeat(heartbeat time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.heartbeat = heartbeat
	}
}

// WithConnectionAttempts sets how many dials Connect makes before giving up
func WithConnectionAttempts(attempts int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.attempts = attempts
	}
}

// WithRetryDelay sets the pause between dial attempts
func WithRetryDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.retryDelay = delay
	}
}

// WithDialTimeout bounds a single dial
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:         url,
		heartbeat:   defaultHeartbeat,
		attempts:    defaultConnectionAttempts,
		retryDelay:  defaultRetryDelay,
		dialTimeout: defaultDialTimeout,
		logger:      slog.Default(),
	}

	for _, opt := range options {
		opt(cm)
	}

	if cm.attempts < 1 {
		cm.attempts = 1
	}

	return cm
}

// amqpConfig builds the dial configuration
func (cm *ConnectionManager) amqpConfig() amqp.Config {
	config := amqp.Config{
		Heartbeat:  cm.heartbeat,
		Locale:     "en_US",
		Properties: amqp.NewConnectionProperties(),
	}
	config.Properties.SetClientConnectionName("messages-go")

	if cm.tlsConfig != nil {
		config.TLSClientConfig = cm.tlsConfig
		config.SASL = []amqp.Authentication{&amqp.ExternalAuth{}}
	}
	return config
}

// Connect dials the broker, retrying up to the configured number of attempts
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.isConnected && cm.conn != nil && !cm.conn.IsClosed() {
		return nil
	}

	attempt := 0
	policy := reliability.NewFixedDelay(cm.retryDelay, cm.attempts-1)
	err := reliability.Retry(ctx, policy, func() error {
		attempt++
		cm.notifyConnecting(attempt)

		conn, err := cm.dial(ctx)
		if err != nil {
			cm.logger.Warn("connection attempt failed",
				"url", SanitizeURL(cm.url),
				"attempt", attempt,
				"error", err)
			return err
		}
		cm.conn = conn
		return nil
	})
	if err != nil {
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  attempt,
		}
	}

	cm.isConnected = true
	notifyClose := cm.conn.NotifyClose(make(chan *amqp.Error, 1))
	go cm.watch(cm.conn, notifyClose)

	cm.logger.Info("connected to RabbitMQ",
		"url", SanitizeURL(cm.url),
		"attempts", attempt)
	cm.notifyConnected()

	return nil
}

// dial opens one connection bounded by the dial timeout
func (cm *ConnectionManager) dial(ctx context.Context) (*amqp.Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	defer cancel()

	connChan := make(chan *amqp.Connection, 1)
	errChan := make(chan error, 1)

	go func() {
		conn, err := amqp.DialConfig(cm.url, cm.amqpConfig())
		if err != nil {
			errChan <- err
			return
		}
		connChan <- conn
	}()

	select {
	case conn := <-connChan:
		return conn, nil
	case err := <-errChan:
		return nil, err
	case <-dialCtx.Done():
		// Close the connection if the dial completes after we gave up
		go func() {
			if conn := <-connChan; conn != nil {
				conn.Close()
			}
		}()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrConnectionTimeout
	}
}

// watch waits for conn to close and reports the loss
func (cm *ConnectionManager) watch(conn *amqp.Connection, notifyClose <-chan *amqp.Error) {
	amqpErr, ok := <-notifyClose

	cm.mu.Lock()
	if cm.conn != conn {
		cm.mu.Unlock()
		return
	}
	cm.isConnected = false
	cm.conn = nil
	cm.mu.Unlock()

	// A nil error means Close was called
	if !ok || amqpErr == nil {
		return
	}

	cm.logger.Error("connection closed", "error", amqpErr)
	cm.notifyDisconnected(amqpErr)
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

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected && cm.conn != nil && !cm.conn.IsClosed()
}

// Close closes the connection
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.isConnected = false
	if cm.conn == nil {
		return nil
	}

	conn := cm.conn
	cm.conn = nil
	if conn.IsClosed() {
		return nil
	}
	return conn.Close()
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyConnecting(attempt int) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnConnecting(attempt)
	}
}
