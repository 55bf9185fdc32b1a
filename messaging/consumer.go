package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/millegrilles/messages-go/internal/jsoncodec"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultMaintenanceInterval is the period of the reply registry sweep
const DefaultMaintenanceInterval = 30 * time.Second

// ConsumerState tracks the consumer lifecycle
type ConsumerState int

const (
	StateDeclaring ConsumerState = iota
	StateBound
	StateDelivering
	StateDraining
	StateStopped
)

func (s ConsumerState) String() string {
	switch s {
	case StateDeclaring:
		return "declaring"
	case StateBound:
		return "bound"
	case StateDelivering:
		return "delivering"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Consumer buffers deliveries from the transport and processes them one at a time
type Consumer struct {
	resource            *ConsumptionResource
	module              *Module
	logger              *slog.Logger
	metrics             MetricsCollector
	verifier            Verifier
	registry            *correlationRegistry
	maintenanceInterval time.Duration

	mu        sync.Mutex
	state     ConsumerState
	queueName string
	inbound   []*Message
	fatal     error
	wake      chan struct{}
	readyCh   chan struct{}
	stopping  chan struct{}
	stopped   chan struct{}
	running   bool
	closeOnce sync.Once
	stopOnce  sync.Once
}

// ConsumerOption configures the Consumer
type ConsumerOption func(*Consumer)

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithConsumerMetrics sets the metrics collector
func WithConsumerMetrics(metrics MetricsCollector) ConsumerOption {
	return func(c *Consumer) {
		c.metrics = metrics
	}
}

// WithVerifier authenticates every delivery before it reaches the callback
func WithVerifier(verifier Verifier) ConsumerOption {
	return func(c *Consumer) {
		c.verifier = verifier
	}
}

// WithMaintenanceInterval sets the reply registry sweep period
func WithMaintenanceInterval(interval time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.maintenanceInterval = interval
	}
}

// WithCorrelationLimits sets the pending reply cap, the slot wait and the grace factor
func WithCorrelationLimits(maxPending int, waitTimeout time.Duration, graceFactor int) ConsumerOption {
	return func(c *Consumer) {
		if c.registry != nil {
			c.registry = newCorrelationRegistry(maxPending, waitTimeout, graceFactor)
		}
	}
}

// NewConsumer creates a consumer for resource. A reply queue resource gets a correlation registry.
func NewConsumer(resource *ConsumptionResource, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		resource:            resource,
		logger:              slog.Default(),
		metrics:             &NoOpMetricsCollector{},
		maintenanceInterval: DefaultMaintenanceInterval,
		state:               StateDeclaring,
		queueName:           resource.Queue,
		wake:                make(chan struct{}, 1),
		readyCh:             make(chan struct{}),
		stopping:            make(chan struct{}),
		stopped:             make(chan struct{}),
	}

	if resource.IsReplyQueue() {
		c.registry = newCorrelationRegistry(DefaultMaxPending, DefaultPendingWaitTimeout, DefaultReplyGraceFactor)
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Resource returns the consumption resource
func (c *Consumer) Resource() *ConsumptionResource {
	return c.resource
}

// QueueName returns the declared queue name, broker assigned for reply queues
func (c *Consumer) QueueName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queueName
}

// State returns the lifecycle state
func (c *Consumer) State() ConsumerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Ready returns a channel closed while the queue is declared and bound
func (c *Consumer) Ready() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readyCh
}

// Done is closed once the consumer is stopped
func (c *Consumer) Done() <-chan struct{} {
	return c.stopped
}

// PendingCorrelations returns the number of outstanding replies
func (c *Consumer) PendingCorrelations() int {
	if c.registry == nil {
		return 0
	}
	return c.registry.size()
}

// bind records the declared queue and marks the consumer bound
func (c *Consumer) bind(queueName string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state >= StateDraining {
		return
	}
	c.queueName = queueName
	c.state = StateBound
	select {
	case <-c.readyCh:
	default:
		close(c.readyCh)
	}
}

// unbind returns to declaring after a connection loss
func (c *Consumer) unbind() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state >= StateDraining {
		return
	}
	c.state = StateDeclaring
	select {
	case <-c.readyCh:
		c.readyCh = make(chan struct{})
	default:
	}
}

// Receive hands a delivery over from the transport goroutine
func (c *Consumer) Receive(msg *Message) error {
	c.mu.Lock()
	if c.state >= StateDraining {
		c.mu.Unlock()
		return ErrConsumerStopped
	}
	if c.resource.SingleFlight && len(c.inbound) > 0 {
		c.fatal = fmt.Errorf("queue %s, delivery %d: %w", c.queueName, msg.DeliveryTag, ErrDuplicateMessage)
		err := c.fatal
		c.mu.Unlock()
		c.signal()
		return err
	}
	if msg.Queue == "" {
		msg.Queue = c.queueName
	}
	c.inbound = append(c.inbound, msg)
	c.mu.Unlock()

	c.signal()
	return nil
}

func (c *Consumer) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// next pops the oldest buffered message
func (c *Consumer) next() (*Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.fatal != nil {
		return nil, c.fatal
	}
	if len(c.inbound) == 0 {
		if c.state == StateDelivering {
			c.state = StateBound
		}
		return nil, nil
	}

	msg := c.inbound[0]
	c.inbound[0] = nil
	c.inbound = c.inbound[1:]
	if c.state == StateBound {
		c.state = StateDelivering
	}
	return msg, nil
}

// Run is the delivery loop, plus the maintenance loop for a reply consumer
func (c *Consumer) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("consumer %s already running", c.queueName)
	}
	c.running = true
	c.mu.Unlock()

	defer c.finish()

	if c.registry != nil {
		maintenanceCtx, cancel := context.WithCancel(ctx)
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.runMaintenance(maintenanceCtx)
		}()
		defer func() {
			cancel()
			wg.Wait()
		}()
	}

	c.logger.Info("consumer delivery loop started", "queue", c.QueueName())

	for {
		select {
		case <-c.stopping:
			c.drain(ctx)
			c.logger.Info("consumer delivery loop stopped", "queue", c.QueueName())
			return nil
		default:
		}

		msg, err := c.next()
		if err != nil {
			c.logger.Error("consumer delivery loop failed", "queue", c.QueueName(), "error", err)
			return err
		}
		if msg == nil {
			select {
			case <-c.wake:
				continue
			case <-c.stopping:
				continue
			case <-ctx.Done():
				c.logger.Info("consumer delivery loop cancelled", "queue", c.QueueName())
				return nil
			}
		}

		c.processOne(ctx, msg)
	}
}

// processOne handles one delivery and acknowledges it exactly once
func (c *Consumer) processOne(ctx context.Context, msg *Message) {
	start := time.Now()
	outcome := OutcomeHandled

	ctx, span := otel.Tracer(tracerName).Start(ctx, "messaging.process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination", msg.Queue),
			attribute.String("messaging.routing_key", msg.RoutingKey),
			attribute.String("messaging.correlation_id", msg.CorrelationID),
		),
	)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			outcome = OutcomeFailed
			c.logger.Error("message callback panicked",
				"queue", msg.Queue,
				"routingKey", msg.RoutingKey,
				"deliveryTag", msg.DeliveryTag,
				"panic", r,
			)
			span.SetStatus(codes.Error, fmt.Sprintf("panic: %v", r))
		}
		c.ack(msg)
		c.metrics.RecordMessage(msg.Queue, outcome, time.Since(start))
	}()

	if c.verifier != nil {
		if err := c.verify(ctx, msg); err != nil {
			outcome = OutcomeRejected
			c.logger.Warn("message rejected",
				"queue", msg.Queue,
				"routingKey", msg.RoutingKey,
				"deliveryTag", msg.DeliveryTag,
				"error", err,
			)
			span.RecordError(err)
			return
		}
	}

	if c.registry != nil && c.registry.resolve(msg) {
		outcome = OutcomeReply
		c.metrics.SetPendingCorrelations(c.registry.size())
		c.logger.Debug("reply delivered", "correlationId", msg.CorrelationID)
		return
	}

	callback := c.resource.Callback
	if callback == nil {
		c.logger.Debug("no callback for message", "queue", msg.Queue, "routingKey", msg.RoutingKey)
		return
	}

	if err := callback(ctx, msg, c.module); err != nil {
		outcome = OutcomeFailed
		perr := &ProcessingError{
			Queue:       msg.Queue,
			RoutingKey:  msg.RoutingKey,
			DeliveryTag: msg.DeliveryTag,
			Err:         err,
		}
		c.logger.Error("message processing failed", "error", perr)
		span.RecordError(perr)
		span.SetStatus(codes.Error, perr.Error())
	}
}

func (c *Consumer) verify(ctx context.Context, msg *Message) error {
	msg.Valid = false

	parsed, err := jsoncodec.UnmarshalMap(msg.Body)
	if err != nil {
		return fmt.Errorf("%w: parse: %v", ErrAuthenticity, err)
	}
	msg.Parsed = parsed

	cert, err := c.verifier.Verify(ctx, parsed)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthenticity, err)
	}
	msg.Certificate = cert
	msg.Valid = true
	return nil
}

func (c *Consumer) ack(msg *Message) {
	if msg.Acknowledger == nil {
		return
	}
	if err := msg.Acknowledger.Ack(msg.DeliveryTag); err != nil {
		c.logger.Error("failed to acknowledge message",
			"queue", msg.Queue,
			"deliveryTag", msg.DeliveryTag,
			"error", err,
		)
	}
}

func (c *Consumer) runMaintenance(ctx context.Context) {
	interval := c.maintenanceInterval
	if interval <= 0 {
		interval = DefaultMaintenanceInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep(time.Now())
		case <-c.stopping:
			return
		case <-ctx.Done():
			return
		}
	}
}

// sweep expires stale correlations
func (c *Consumer) sweep(now time.Time) int {
	if c.registry == nil {
		return 0
	}
	expired := c.registry.expire(now)
	for _, entry := range expired {
		c.logger.Debug("correlation expired", "correlationId", entry.ID, "age", now.Sub(entry.Created))
	}
	if len(expired) > 0 {
		c.metrics.RecordExpired(len(expired))
	}
	c.metrics.SetPendingCorrelations(c.registry.size())
	return len(expired)
}

// RegisterCorrelation adds entry to the reply registry, waiting for a free slot when full
func (c *Consumer) RegisterCorrelation(ctx context.Context, entry *CorrelationEntry) error {
	if c.registry == nil {
		return ErrNoReplyConsumer
	}
	if c.State() >= StateDraining {
		return ErrConsumerStopped
	}
	if err := c.registry.register(ctx, entry); err != nil {
		return err
	}
	c.metrics.SetPendingCorrelations(c.registry.size())
	return nil
}

// RetractCorrelation removes id and wakes its waiter. Safe to call more than once.
func (c *Consumer) RetractCorrelation(id string) bool {
	if c.registry == nil {
		return false
	}
	removed := c.registry.retract(id)
	if removed {
		c.metrics.SetPendingCorrelations(c.registry.size())
	}
	return removed
}

// Close stops the delivery loop once the buffered messages are processed. Pending reply waiters are cancelled.
func (c *Consumer) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if c.state < StateDraining {
			c.state = StateDraining
		}
		running := c.running
		c.mu.Unlock()

		close(c.stopping)

		if c.registry != nil {
			if n := c.registry.cancelAll(); n > 0 {
				c.logger.Info("cancelled pending replies", "queue", c.QueueName(), "count", n)
			}
			c.metrics.SetPendingCorrelations(0)
		}

		if !running {
			c.finish()
		}
	})
}

// drain processes what was buffered before Close
func (c *Consumer) drain(ctx context.Context) {
	for {
		msg, err := c.next()
		if err != nil || msg == nil {
			return
		}
		c.processOne(ctx, msg)
	}
}

// finish marks the consumer stopped. Messages still buffered are acked without their callback.
func (c *Consumer) finish() {
	c.mu.Lock()
	c.state = StateStopped
	leftover := c.inbound
	c.inbound = nil
	c.mu.Unlock()

	for _, msg := range leftover {
		c.logger.Warn("buffered message dropped", "queue", msg.Queue, "deliveryTag", msg.DeliveryTag)
		c.ack(msg)
	}

	c.stopOnce.Do(func() {
		close(c.stopped)
	})
}
