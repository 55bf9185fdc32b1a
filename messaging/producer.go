package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/millegrilles/messages-go/messaging"

const (
	// DefaultMaxQueued bounds the outbound queue before Emit waits for a drain
	DefaultMaxQueued = 1000
	// DefaultReadyTimeout bounds readiness waits
	DefaultReadyTimeout = 20 * time.Second
)

// SendFunc puts one pending message on the wire
type SendFunc func(ctx context.Context, msg *PendingMessage) error

// EmitOptions configures one emission
type EmitOptions struct {
	Exchanges     []string
	CorrelationID string
	ReplyTo       string
	Headers       map[string]interface{}
	Timeout       time.Duration
}

// EmitOption configures emit behavior
type EmitOption func(*EmitOptions)

// WithExchanges sets the target exchanges. No exchange means the default exchange.
func WithExchanges(exchanges ...string) EmitOption {
	return func(opts *EmitOptions) {
		opts.Exchanges = append(opts.Exchanges, exchanges...)
	}
}

// WithCorrelationID sets the correlation id
func WithCorrelationID(correlationID string) EmitOption {
	return func(opts *EmitOptions) {
		opts.CorrelationID = correlationID
	}
}

// WithReplyTo sets the reply-to address, overriding the reply queue
func WithReplyTo(replyTo string) EmitOption {
	return func(opts *EmitOptions) {
		opts.ReplyTo = replyTo
	}
}

// WithHeaders sets custom headers
func WithHeaders(headers map[string]interface{}) EmitOption {
	return func(opts *EmitOptions) {
		if opts.Headers == nil {
			opts.Headers = make(map[string]interface{})
		}
		for k, v := range headers {
			opts.Headers[k] = v
		}
	}
}

// WithTimeout sets how long EmitAndAwait waits for the reply
func WithTimeout(timeout time.Duration) EmitOption {
	return func(opts *EmitOptions) {
		opts.Timeout = timeout
	}
}

// Producer queues outbound messages and sends them from its delivery loop
type Producer struct {
	send           SendFunc
	replyConsumer  *Consumer
	logger         *slog.Logger
	metrics        MetricsCollector
	maxQueued      int
	readyTimeout   time.Duration
	requestTimeout time.Duration

	mu            sync.Mutex
	queue         []*PendingMessage
	wake          chan struct{}
	drained       chan struct{}
	drainedClosed bool
	ready         bool
	readyCh       chan struct{}
}

// ProducerOption configures the Producer
type ProducerOption func(*Producer)

// WithProducerLogger sets the logger
func WithProducerLogger(logger *slog.Logger) ProducerOption {
	return func(p *Producer) {
		p.logger = logger
	}
}

// WithProducerMetrics sets the metrics collector
func WithProducerMetrics(metrics MetricsCollector) ProducerOption {
	return func(p *Producer) {
		p.metrics = metrics
	}
}

// WithMaxQueued sets how many messages may wait before Emit blocks for a drain
func WithMaxQueued(max int) ProducerOption {
	return func(p *Producer) {
		p.maxQueued = max
	}
}

// WithReadyTimeout sets how long EmitAndAwait waits for the reply queue
func WithReadyTimeout(timeout time.Duration) ProducerOption {
	return func(p *Producer) {
		p.readyTimeout = timeout
	}
}

// WithRequestTimeout sets the default EmitAndAwait timeout
func WithRequestTimeout(timeout time.Duration) ProducerOption {
	return func(p *Producer) {
		p.requestTimeout = timeout
	}
}

// NewProducer creates a producer sending through send
func NewProducer(send SendFunc, options ...ProducerOption) *Producer {
	p := &Producer{
		send:           send,
		logger:         slog.Default(),
		metrics:        &NoOpMetricsCollector{},
		maxQueued:      DefaultMaxQueued,
		readyTimeout:   DefaultReadyTimeout,
		requestTimeout: DefaultRequestTimeout,
		wake:           make(chan struct{}, 1),
		drained:        make(chan struct{}),
		readyCh:        make(chan struct{}),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// SetReplyConsumer attaches the consumer whose queue receives replies
func (p *Producer) SetReplyConsumer(consumer *Consumer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replyConsumer = consumer
}

// SetReady flips the readiness flag set once the channel setup is complete
func (p *Producer) SetReady(ready bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ready == p.ready {
		return
	}
	p.ready = ready
	if ready {
		close(p.readyCh)
	} else {
		p.readyCh = make(chan struct{})
	}
}

// IsReady returns the readiness flag
func (p *Producer) IsReady() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

// Ready returns a channel closed while the producer is ready
func (p *Producer) Ready() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readyCh
}

// Drained returns a channel closed once the outbound queue has been emptied
func (p *Producer) Drained() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.drained
}

// QueueLen returns the number of messages waiting to be sent
func (p *Producer) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Emit queues body for sending. It never waits on the network.
func (p *Producer) Emit(ctx context.Context, body []byte, routingKey string, options ...EmitOption) error {
	opts := EmitOptions{}
	for _, opt := range options {
		opt(&opts)
	}
	return p.emit(ctx, body, routingKey, opts)
}

func (p *Producer) emit(ctx context.Context, body []byte, routingKey string, opts EmitOptions) error {
	if !p.IsReady() {
		return ErrNotReady
	}

	replyTo := opts.ReplyTo
	if replyTo == "" {
		p.mu.Lock()
		reply := p.replyConsumer
		p.mu.Unlock()
		if reply != nil {
			replyTo = reply.QueueName()
		}
	}

	pending := &PendingMessage{
		Body:          body,
		RoutingKey:    routingKey,
		Exchanges:     opts.Exchanges,
		ReplyTo:       replyTo,
		CorrelationID: opts.CorrelationID,
		Headers:       opts.Headers,
	}

	return p.enqueue(ctx, pending)
}

func (p *Producer) enqueue(ctx context.Context, pending *PendingMessage) error {
	for {
		p.mu.Lock()
		if p.maxQueued > 0 && len(p.queue) >= p.maxQueued {
			drained := p.drained
			p.mu.Unlock()

			p.logger.Debug("outbound queue full, waiting for drain", "max", p.maxQueued)
			select {
			case <-drained:
				continue
			case <-ctx.Done():
				return &cancelledError{cause: ctx.Err()}
			}
		}

		if p.drainedClosed {
			p.drained = make(chan struct{})
			p.drainedClosed = false
		}
		p.queue = append(p.queue, pending)
		p.mu.Unlock()
		break
	}

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

// EmitAndAwait emits body and waits for the reply carrying the same correlation id
func (p *Producer) EmitAndAwait(ctx context.Context, body []byte, routingKey string, options ...EmitOption) (*Message, error) {
	opts := EmitOptions{Timeout: p.requestTimeout}
	for _, opt := range options {
		opt(&opts)
	}

	p.mu.Lock()
	reply := p.replyConsumer
	p.mu.Unlock()
	if reply == nil {
		return nil, ErrNoReplyConsumer
	}
	if !p.IsReady() {
		return nil, ErrNotReady
	}

	if opts.CorrelationID == "" {
		opts.CorrelationID = uuid.New().String()
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "messaging.EmitAndAwait",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("messaging.routing_key", routingKey),
			attribute.String("messaging.correlation_id", opts.CorrelationID),
		),
	)
	defer span.End()

	start := time.Now()
	msg, err := p.emitAndAwait(ctx, reply, body, routingKey, opts)
	p.metrics.RecordRequest(requestOutcome(err), time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return msg, err
}

func (p *Producer) emitAndAwait(ctx context.Context, reply *Consumer, body []byte, routingKey string, opts EmitOptions) (*Message, error) {
	if opts.ReplyTo == "" {
		queue, err := p.awaitReplyQueue(ctx, reply)
		if err != nil {
			return nil, err
		}
		opts.ReplyTo = queue
	}

	entry := NewCorrelationEntry(opts.CorrelationID, opts.Timeout)
	if err := reply.RegisterCorrelation(ctx, entry); err != nil {
		return nil, err
	}
	defer reply.RetractCorrelation(entry.ID)

	if err := p.emit(ctx, body, routingKey, opts); err != nil {
		return nil, err
	}

	return entry.Wait(ctx)
}

func (p *Producer) awaitReplyQueue(ctx context.Context, reply *Consumer) (string, error) {
	select {
	case <-reply.Ready():
		return reply.QueueName(), nil
	default:
	}

	timer := time.NewTimer(p.readyTimeout)
	defer timer.Stop()

	select {
	case <-reply.Ready():
		return reply.QueueName(), nil
	case <-timer.C:
		return "", fmt.Errorf("reply queue not ready after %v: %w", p.readyTimeout, ErrTimeout)
	case <-ctx.Done():
		return "", &cancelledError{cause: ctx.Err()}
	}
}

// Run is the delivery loop. It drains the queue in FIFO order and stops on ctx or a send failure.
func (p *Producer) Run(ctx context.Context) error {
	p.logger.Info("producer delivery loop started")
	defer p.logger.Info("producer delivery loop stopped")

	for {
		pending := p.pop()
		if pending == nil {
			select {
			case <-p.wake:
				continue
			case <-ctx.Done():
				return nil
			}
		}

		// Never send while the channel is being set up again
		select {
		case <-p.Ready():
		case <-ctx.Done():
			return nil
		}

		p.logger.Debug("producer sending message",
			"routingKey", pending.RoutingKey,
			"exchanges", pending.Exchanges,
			"correlationId", pending.CorrelationID,
		)

		if err := p.send(ctx, pending); err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return nil
			}
			p.logger.Error("failed to send message, producer stopped",
				"routingKey", pending.RoutingKey,
				"error", err,
			)
			return fmt.Errorf("producer send %s: %w", pending.RoutingKey, err)
		}
	}
}

// pop takes the oldest message, marking the queue drained when empty
func (p *Producer) pop() *PendingMessage {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.queue) == 0 {
		if !p.drainedClosed {
			close(p.drained)
			p.drainedClosed = true
		}
		return nil
	}

	pending := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	return pending
}

func requestOutcome(err error) string {
	switch {
	case err == nil:
		return OutcomeReply
	case errors.Is(err, ErrTimeout):
		return OutcomeTimeout
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return OutcomeCancelled
	default:
		return OutcomeFailed
	}
}
