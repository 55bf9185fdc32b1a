package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/millegrilles/messages-go/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes messages on pooled channels and waits for the broker confirmation
type Publisher struct {
	pool           *ChannelPool
	logger         *slog.Logger
	confirmTimeout time.Duration
	publishTimeout time.Duration
	retryPolicy    reliability.RetryPolicy
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets the confirmation timeout
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublishTimeout sets the publish timeout
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.publishTimeout = timeout
	}
}

// WithPublishRetries sets the maximum number of publish retries
func WithPublishRetries(retries int) PublisherOption {
	return func(p *Publisher) {
		p.retryPolicy = reliability.NewExponentialBackoff(200*time.Millisecond, 2*time.Second, 2.0, retries)
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a new publisher
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		logger:         slog.Default(),
		confirmTimeout: 5 * time.Second,
		publishTimeout: 10 * time.Second,
		retryPolicy:    reliability.NewExponentialBackoff(200*time.Millisecond, 2*time.Second, 2.0, 3),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish publishes a message and waits for its confirmation, retrying retryable failures
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.publishTimeout)
		defer cancel()
	}

	attempts := 0
	err := reliability.RetryNotify(ctx, p.retryPolicy, func() error {
		attempts++
		return p.publishWithConfirm(ctx, exchange, routingKey, msg)
	}, func(attempt int, err error, delay time.Duration) {
		p.logger.Debug("publish attempt failed",
			"exchange", exchange,
			"routingKey", routingKey,
			"attempt", attempt,
			"retryIn", delay,
			"error", err)
	})
	if err != nil {
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Err:        fmt.Errorf("after %d attempts: %w", attempts, err),
			Timestamp:  time.Now(),
		}
	}
	return nil
}

// publishWithConfirm publishes a single message with confirmation
func (p *Publisher) publishWithConfirm(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	ch, err := p.pool.Get(ctx)
	if err != nil {
		return reliability.RetryableError{Err: err, Retryable: IsRetryable(err)}
	}

	confirmation, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, msg)
	if err != nil {
		p.pool.Discard(ch)
		return &ChannelError{Op: "publish", ChannelID: ch.ID(), Err: err, Timestamp: time.Now()}
	}

	confirmCtx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()

	acked, err := confirmation.WaitContext(confirmCtx)
	if err != nil {
		// The channel may still deliver this confirmation later
		p.pool.Discard(ch)
		if ctx.Err() != nil {
			return reliability.RetryableError{Err: ctx.Err(), Retryable: false}
		}
		return fmt.Errorf("%w: %v", ErrPublishTimeout, err)
	}

	p.pool.Put(ch)
	if !acked {
		return ErrPublishNotConfirmed
	}
	return nil
}
