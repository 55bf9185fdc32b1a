package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ChannelPool lends publishing and topology channels. Channels are created in confirm mode
// on the current connection; channels left over from a lost connection are discarded on Get.
type ChannelPool struct {
	manager     *ConnectionManager
	channels    chan *PooledChannel
	maxSize     int
	waitTimeout time.Duration
	mu          sync.Mutex
	closed      bool
	activeCount int
}

// PooledChannel wraps an AMQP channel with pool metadata
type PooledChannel struct {
	*amqp.Channel
	lastUsed time.Time
	id       string
}

// ID returns the channel identifier used in errors
func (pc *PooledChannel) ID() string {
	return pc.id
}

// ChannelPoolOption configures the channel pool
type ChannelPoolOption func(*ChannelPool)

// WithMaxSize sets the maximum pool size
func WithMaxSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.maxSize = size
	}
}

// WithWaitTimeout bounds the wait for a free channel when the pool is exhausted
func WithWaitTimeout(timeout time.Duration) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.waitTimeout = timeout
	}
}

// NewChannelPool creates an empty channel pool
func NewChannelPool(manager *ConnectionManager, options ...ChannelPoolOption) (*ChannelPool, error) {
	if manager == nil {
		return nil, ErrInvalidConfiguration
	}

	pool := &ChannelPool{
		manager:     manager,
		maxSize:     10,
		waitTimeout: 5 * time.Second,
	}

	for _, opt := range options {
		opt(pool)
	}

	if pool.maxSize < 1 {
		return nil, fmt.Errorf("%w: max size must be at least 1", ErrInvalidConfiguration)
	}

	pool.channels = make(chan *PooledChannel, pool.maxSize)
	return pool, nil
}

// Get retrieves a channel from the pool
func (cp *ChannelPool) Get(ctx context.Context) (*PooledChannel, error) {
	if cp.isClosed() {
		return nil, ErrChannelPoolClosed
	}

	for {
		select {
		case ch := <-cp.channels:
			if ch.Channel.IsClosed() {
				cp.release()
				continue
			}
			ch.lastUsed = time.Now()
			return ch, nil
		default:
		}

		cp.mu.Lock()
		if cp.activeCount < cp.maxSize {
			cp.activeCount++
			cp.mu.Unlock()

			ch, err := cp.createChannel(ctx)
			if err != nil {
				cp.release()
				return nil, err
			}
			return ch, nil
		}
		cp.mu.Unlock()

		select {
		case ch := <-cp.channels:
			if ch.Channel.IsClosed() {
				cp.release()
				continue
			}
			ch.lastUsed = time.Now()
			return ch, nil

		case <-ctx.Done():
			return nil, &ChannelError{
				Op:        "get channel",
				ChannelID: "pool",
				Err:       ctx.Err(),
				Timestamp: time.Now(),
			}

		case <-time.After(cp.waitTimeout):
			return nil, &ChannelError{
				Op:        "get channel",
				ChannelID: "pool",
				Err:       ErrPublishTimeout,
				Timestamp: time.Now(),
			}
		}
	}
}

// Put returns a channel to the pool
func (cp *ChannelPool) Put(ch *PooledChannel) {
	if ch == nil {
		return
	}

	if cp.isClosed() {
		ch.Channel.Close()
		cp.release()
		return
	}

	if ch.Channel.IsClosed() {
		cp.release()
		return
	}

	ch.lastUsed = time.Now()

	select {
	case cp.channels <- ch:
	default:
		ch.Channel.Close()
		cp.release()
	}
}

// Discard closes a channel that must not be reused
func (cp *ChannelPool) Discard(ch *PooledChannel) {
	if ch == nil {
		return
	}
	if !ch.Channel.IsClosed() {
		ch.Channel.Close()
	}
	cp.release()
}

// Close closes all channels in the pool
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil
	}
	cp.closed = true
	cp.mu.Unlock()

	for {
		select {
		case ch := <-cp.channels:
			if !ch.Channel.IsClosed() {
				ch.Channel.Close()
			}
			cp.release()
		default:
			return nil
		}
	}
}

func (cp *ChannelPool) isClosed() bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.closed
}

func (cp *ChannelPool) release() {
	cp.mu.Lock()
	if cp.activeCount > 0 {
		cp.activeCount--
	}
	cp.mu.Unlock()
}

// createChannel opens a new channel in confirm mode
func (cp *ChannelPool) createChannel(ctx context.Context) (*PooledChannel, error) {
	id := uuid.New().String()

	if err := ctx.Err(); err != nil {
		return nil, &ChannelError{Op: "create channel", ChannelID: id, Err: err, Timestamp: time.Now()}
	}

	conn, err := cp.manager.GetConnection()
	if err != nil {
		return nil, &ChannelError{Op: "create channel", ChannelID: id, Err: err, Timestamp: time.Now()}
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{Op: "create channel", ChannelID: id, Err: err, Timestamp: time.Now()}
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, &ChannelError{Op: "enable confirms", ChannelID: id, Err: err, Timestamp: time.Now()}
	}

	return &PooledChannel{
		Channel:  ch,
		lastUsed: time.Now(),
		id:       id,
	}, nil
}

// Size returns the current number of channels owned by the pool
func (cp *ChannelPool) Size() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.activeCount
}

// Execute runs a function with a channel from the pool. A channel that failed is discarded.
func (cp *ChannelPool) Execute(ctx context.Context, fn func(*amqp.Channel) error) error {
	ch, err := cp.Get(ctx)
	if err != nil {
		return err
	}

	var execErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				execErr = fmt.Errorf("panic in channel execution: %v", r)
			}
		}()
		execErr = fn(ch.Channel)
	}()

	if execErr != nil {
		cp.Discard(ch)
	} else {
		cp.Put(ch)
	}
	return execErr
}
