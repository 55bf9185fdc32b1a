package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultHealthInterval is the period of the connection check
const DefaultHealthInterval = 30 * time.Second

// Module owns the transport, the producer, the reply consumer and the domain consumers
type Module struct {
	transport      Transport
	logger         *slog.Logger
	metrics        MetricsCollector
	exchanges      []ExchangeConfiguration
	healthInterval time.Duration

	producerOptions      []ProducerOption
	consumerOptions      []ConsumerOption
	replyConsumerOptions []ConsumerOption

	producer      *Producer
	replyConsumer *Consumer
	consumers     []*Consumer

	mu        sync.RWMutex
	connectMu sync.Mutex
	closed    bool
}

// ModuleOption configures the Module
type ModuleOption func(*Module)

// WithLogger sets the logger shared by the producer and every consumer
func WithLogger(logger *slog.Logger) ModuleOption {
	return func(m *Module) {
		m.logger = logger
	}
}

// WithMetrics sets the metrics collector shared by the producer and every consumer
func WithMetrics(metrics MetricsCollector) ModuleOption {
	return func(m *Module) {
		m.metrics = metrics
	}
}

// WithDeclaredExchanges declares exchanges on every connect, before the bindings
func WithDeclaredExchanges(exchanges ...ExchangeConfiguration) ModuleOption {
	return func(m *Module) {
		m.exchanges = append(m.exchanges, exchanges...)
	}
}

// WithHealthInterval sets the connection check period
func WithHealthInterval(interval time.Duration) ModuleOption {
	return func(m *Module) {
		m.healthInterval = interval
	}
}

// WithProducerOptions passes options to the producer
func WithProducerOptions(options ...ProducerOption) ModuleOption {
	return func(m *Module) {
		m.producerOptions = append(m.producerOptions, options...)
	}
}

// WithConsumerOptions passes options to every consumer, the reply consumer included
func WithConsumerOptions(options ...ConsumerOption) ModuleOption {
	return func(m *Module) {
		m.consumerOptions = append(m.consumerOptions, options...)
	}
}

// WithReplyConsumerOptions passes options to the reply consumer only
func WithReplyConsumerOptions(options ...ConsumerOption) ModuleOption {
	return func(m *Module) {
		m.replyConsumerOptions = append(m.replyConsumerOptions, options...)
	}
}

// NewModule creates a module on top of transport
func NewModule(transport Transport, options ...ModuleOption) *Module {
	m := &Module{
		transport:      transport,
		logger:         slog.Default(),
		metrics:        &NoOpMetricsCollector{},
		healthInterval: DefaultHealthInterval,
	}

	for _, opt := range options {
		opt(m)
	}

	producerOptions := append([]ProducerOption{
		WithProducerLogger(m.logger),
		WithProducerMetrics(m.metrics),
	}, m.producerOptions...)
	m.producer = NewProducer(m.send, producerOptions...)

	transport.NotifyDisconnect(m.handleDisconnect)

	return m
}

// Logger returns the module logger
func (m *Module) Logger() *slog.Logger {
	return m.logger
}

// Producer returns the producer
func (m *Module) Producer() *Producer {
	return m.producer
}

// ReplyConsumer returns the reply consumer, nil until SetReplyResource
func (m *Module) ReplyConsumer() *Consumer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.replyConsumer
}

// Consumers returns the domain consumers
func (m *Module) Consumers() []*Consumer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	consumers := make([]*Consumer, len(m.consumers))
	copy(consumers, m.consumers)
	return consumers
}

func (m *Module) consumerDefaults() []ConsumerOption {
	return append([]ConsumerOption{
		WithConsumerLogger(m.logger),
		WithConsumerMetrics(m.metrics),
	}, m.consumerOptions...)
}

// SetReplyResource sets the broker named queue receiving replies
func (m *Module) SetReplyResource(resource *ConsumptionResource) (*Consumer, error) {
	if !resource.IsReplyQueue() {
		return nil, fmt.Errorf("reply resource must let the broker name the queue, got %q", resource.Queue)
	}
	if resource.Callback == nil {
		resource.Callback = m.unmatchedReply
	}

	options := append(m.consumerDefaults(), m.replyConsumerOptions...)
	consumer := NewConsumer(resource, options...)
	consumer.module = m

	m.mu.Lock()
	m.replyConsumer = consumer
	m.mu.Unlock()

	m.producer.SetReplyConsumer(consumer)
	return consumer, nil
}

// AddConsumer adds a domain consumer for resource
func (m *Module) AddConsumer(resource *ConsumptionResource, options ...ConsumerOption) *Consumer {
	consumer := NewConsumer(resource, append(m.consumerDefaults(), options...)...)
	consumer.module = m

	m.mu.Lock()
	m.consumers = append(m.consumers, consumer)
	m.mu.Unlock()

	return consumer
}

// unmatchedReply handles a reply nobody waits for anymore
func (m *Module) unmatchedReply(ctx context.Context, msg *Message, module *Module) error {
	m.logger.Debug("reply without pending correlation",
		"correlationId", msg.CorrelationID,
		"routingKey", msg.RoutingKey,
	)
	return nil
}

// allConsumers lists the reply consumer first
func (m *Module) allConsumers() []*Consumer {
	m.mu.RLock()
	defer m.mu.RUnlock()

	consumers := make([]*Consumer, 0, len(m.consumers)+1)
	if m.replyConsumer != nil {
		consumers = append(consumers, m.replyConsumer)
	}
	return append(consumers, m.consumers...)
}

// Connect connects the transport, declares every resource and starts consumption
func (m *Module) Connect(ctx context.Context) error {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	if m.isClosed() {
		return ErrModuleClosed
	}

	if err := m.transport.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	if len(m.exchanges) > 0 {
		if err := m.transport.DeclareExchanges(ctx, m.exchanges); err != nil {
			return fmt.Errorf("declare exchanges: %w", err)
		}
	}

	for _, consumer := range m.allConsumers() {
		if err := m.bindConsumer(ctx, consumer); err != nil {
			return err
		}
	}

	m.producer.SetReady(true)
	m.logger.Info("messaging module connected", "consumers", len(m.Consumers()))
	return nil
}

func (m *Module) bindConsumer(ctx context.Context, consumer *Consumer) error {
	resource := consumer.Resource()
	resource.freeze()

	queue, err := m.transport.DeclareResource(ctx, resource)
	if err != nil {
		return fmt.Errorf("declare queue %q: %w", resource.Queue, err)
	}

	if err := m.transport.Consume(ctx, queue, resource, consumer.Receive); err != nil {
		return fmt.Errorf("consume queue %q: %w", queue, err)
	}

	consumer.bind(queue)
	m.logger.Debug("consumer bound", "queue", queue, "bindings", len(resource.Bindings))
	return nil
}

// handleDisconnect resets readiness until the health loop reconnects
func (m *Module) handleDisconnect(err error) {
	m.logger.Warn("broker connection lost", "error", err)
	m.producer.SetReady(false)
	for _, consumer := range m.allConsumers() {
		consumer.unbind()
	}
}

// IsConnected returns the transport connection status
func (m *Module) IsConnected() bool {
	return m.transport.IsConnected()
}

// send puts msg on the wire and records the result per exchange
func (m *Module) send(ctx context.Context, msg *PendingMessage) error {
	err := m.transport.Send(ctx, msg)
	if len(msg.Exchanges) == 0 {
		m.metrics.RecordSend("", err == nil)
	}
	for _, exchange := range msg.Exchanges {
		m.metrics.RecordSend(exchange, err == nil)
	}
	return err
}

// Run runs the producer, every consumer and the health loop until one of them returns
func (m *Module) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	loops := []func(context.Context) error{m.producer.Run, m.runHealth}
	for _, consumer := range m.allConsumers() {
		loops = append(loops, consumer.Run)
	}

	results := make(chan error, len(loops))
	for _, loop := range loops {
		go func(loop func(context.Context) error) {
			results <- loop(ctx)
		}(loop)
	}

	err := <-results
	cancel()
	go m.collectLoops(results, len(loops)-1)

	if err != nil {
		m.logger.Error("messaging module stopped", "error", err)
	} else {
		m.logger.Info("messaging module stopped")
	}
	return err
}

// collectLoops waits for the loops still running after Run returned.
// A callback ignoring its context keeps its loop alive; it is logged, not awaited.
func (m *Module) collectLoops(results <-chan error, remaining int) {
	for i := 0; i < remaining; i++ {
		if err := <-results; err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Warn("messaging loop stopped with error", "error", err)
		}
	}
}

func (m *Module) runHealth(ctx context.Context) error {
	interval := m.healthInterval
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.checkHealth(ctx)
		}
	}
}

// checkHealth reconnects after a connection loss
func (m *Module) checkHealth(ctx context.Context) {
	if m.isClosed() || m.transport.IsConnected() {
		return
	}

	m.logger.Warn("broker connection down, reconnecting")
	m.handleDisconnect(nil)
	if err := m.Connect(ctx); err != nil {
		m.logger.Error("reconnect failed", "error", err)
		return
	}
	m.logger.Info("broker connection restored")
}

// AwaitReady waits until the producer and every consumer, reply consumer included, are ready
func (m *Module) AwaitReady(ctx context.Context, maxDelay time.Duration) error {
	if maxDelay <= 0 {
		maxDelay = DefaultReadyTimeout
	}
	timer := time.NewTimer(maxDelay)
	defer timer.Stop()

	select {
	case <-m.producer.Ready():
	case <-timer.C:
		return fmt.Errorf("producer not ready after %v: %w", maxDelay, ErrTimeout)
	case <-ctx.Done():
		return &cancelledError{cause: ctx.Err()}
	}

	for _, consumer := range m.allConsumers() {
		select {
		case <-consumer.Ready():
		case <-timer.C:
			return fmt.Errorf("consumer %s not ready after %v (%s): %w",
				consumer.Resource().Queue, maxDelay, consumer.State(), ErrTimeout)
		case <-ctx.Done():
			return &cancelledError{cause: ctx.Err()}
		}
	}
	return nil
}

func (m *Module) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// Close stops the reply consumer, then the domain consumers, then the transport
func (m *Module) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.producer.SetReady(false)

	consumers := m.allConsumers()
	for _, consumer := range consumers {
		consumer.Close()
	}

	var errs []error
	for _, consumer := range consumers {
		select {
		case <-consumer.Done():
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("consumer %s: %w", consumer.QueueName(), ctx.Err()))
		}
	}

	if err := m.transport.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close transport: %w", err))
	}

	m.logger.Info("messaging module closed")
	return errors.Join(errs...)
}
