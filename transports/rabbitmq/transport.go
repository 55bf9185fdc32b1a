package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/millegrilles/messages-go/internal/rabbitmq"
	"github.com/millegrilles/messages-go/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
)

const contentTypeJSON = "application/json"

// Transport implements messaging.Transport for RabbitMQ
type Transport struct {
	manager   *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
	topology  *rabbitmq.TopologyManager
	logger    *slog.Logger
	mode      uint8

	mu           sync.RWMutex
	onDisconnect []func(err error)
}

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	ConnectionOptions  []rabbitmq.ConnectionOption
	ChannelPoolOptions []rabbitmq.ChannelPoolOption
	PublisherOptions   []rabbitmq.PublisherOption
	ConsumerOptions    []rabbitmq.ConsumerOption
	Logger             *slog.Logger
	Persistent         bool
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithChannelPoolOptions sets channel pool options
func WithChannelPoolOptions(opts ...rabbitmq.ChannelPoolOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ChannelPoolOptions = append(cfg.ChannelPoolOptions, opts...)
	}
}

// WithPublisherOptions sets publisher options
func WithPublisherOptions(opts ...rabbitmq.PublisherOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PublisherOptions = append(cfg.PublisherOptions, opts...)
	}
}

// WithConsumerOptions sets consumer options
func WithConsumerOptions(opts ...rabbitmq.ConsumerOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConsumerOptions = append(cfg.ConsumerOptions, opts...)
	}
}

// WithLogger sets the logger of the transport and of the components it creates
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// WithPersistentDelivery asks the broker to write messages to disk
func WithPersistentDelivery(persistent bool) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Persistent = persistent
	}
}

// NewTransport creates a RabbitMQ transport. The connection is opened by Connect.
func NewTransport(url string, options ...TransportOption) (*Transport, error) {
	cfg := &TransportConfig{
		Logger: slog.Default(),
	}

	for _, opt := range options {
		opt(cfg)
	}

	logger := cfg.Logger.With("component", "rabbitmq")

	manager := rabbitmq.NewConnectionManager(url,
		append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(logger)}, cfg.ConnectionOptions...)...)

	pool, err := rabbitmq.NewChannelPool(manager, cfg.ChannelPoolOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create channel pool: %w", err)
	}

	t := &Transport{
		manager: manager,
		pool:    pool,
		publisher: rabbitmq.NewPublisher(pool,
			append([]rabbitmq.PublisherOption{rabbitmq.WithPublisherLogger(logger)}, cfg.PublisherOptions...)...),
		consumer: rabbitmq.NewConsumer(manager,
			append([]rabbitmq.ConsumerOption{rabbitmq.WithConsumerLogger(logger)}, cfg.ConsumerOptions...)...),
		topology: rabbitmq.NewTopologyManager(pool),
		logger:   logger,
		mode:     amqp.Transient,
	}
	if cfg.Persistent {
		t.mode = amqp.Persistent
	}

	manager.AddStateListener(t)
	return t, nil
}

// Connect establishes connection to the broker
func (t *Transport) Connect(ctx context.Context) error {
	return t.manager.Connect(ctx)
}

// IsConnected returns connection status
func (t *Transport) IsConnected() bool {
	return t.manager.IsConnected()
}

// DeclareExchanges declares durable exchanges, topic unless another type is given
func (t *Transport) DeclareExchanges(ctx context.Context, exchanges []messaging.ExchangeConfiguration) error {
	if len(exchanges) == 0 {
		return nil
	}

	declarations := make([]rabbitmq.ExchangeDeclaration, 0, len(exchanges))
	for _, exchange := range exchanges {
		kind := exchange.Type
		if kind == "" {
			kind = amqp.ExchangeTopic
		}
		declarations = append(declarations, rabbitmq.ExchangeDeclaration{
			Name:    exchange.Name,
			Type:    kind,
			Durable: true,
		})
	}
	return t.topology.DeclareExchanges(ctx, declarations)
}

// DeclareResource declares the queue of resource with its bindings and returns the queue name.
// Reply queues get a new broker generated name on every call.
func (t *Transport) DeclareResource(ctx context.Context, resource *messaging.ConsumptionResource) (string, error) {
	bindings, args := resource.Snapshot()

	declaration := rabbitmq.QueueDeclaration{
		Name:       resource.Queue,
		Durable:    resource.Durable,
		AutoDelete: resource.AutoDelete,
		Exclusive:  resource.Exclusive,
	}
	if len(args) > 0 {
		declaration.Arguments = amqp.Table(args)
	}

	queueBindings := make([]rabbitmq.Binding, 0, len(bindings))
	for _, binding := range bindings {
		queueBindings = append(queueBindings, rabbitmq.Binding{
			Exchange:   binding.Exchange,
			RoutingKey: binding.RoutingKey,
		})
	}

	q, err := t.topology.DeclareQueue(ctx, declaration, queueBindings)
	if err != nil {
		return "", err
	}

	t.logger.Debug("queue declared", "queue", q.Name, "bindings", len(queueBindings))
	return q.Name, nil
}

// Consume starts delivering messages from queue to receive
func (t *Transport) Consume(ctx context.Context, queue string, resource *messaging.ConsumptionResource, receive func(*messaging.Message) error) error {
	return t.consumer.Subscribe(ctx, queue, resource.Prefetch, func(delivery amqp.Delivery) error {
		return receive(toMessage(queue, delivery))
	})
}

// Send publishes msg once per exchange, or on the default exchange when it has none
func (t *Transport) Send(ctx context.Context, msg *messaging.PendingMessage) error {
	publishing := amqp.Publishing{
		ContentType:   contentTypeJSON,
		DeliveryMode:  t.mode,
		CorrelationId: msg.CorrelationID,
		ReplyTo:       msg.ReplyTo,
		Timestamp:     time.Now(),
		Body:          msg.Body,
	}
	if len(msg.Headers) > 0 {
		publishing.Headers = amqp.Table(msg.Headers)
	}

	if len(msg.Exchanges) == 0 {
		return t.publisher.Publish(ctx, "", msg.RoutingKey, publishing)
	}

	var errs []error
	for _, exchange := range msg.Exchanges {
		if err := t.publisher.Publish(ctx, exchange, msg.RoutingKey, publishing); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NotifyDisconnect registers fn to be called when the connection is lost
func (t *Transport) NotifyDisconnect(fn func(err error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDisconnect = append(t.onDisconnect, fn)
}

// Close stops the consumers and closes the connection
func (t *Transport) Close() error {
	t.manager.RemoveStateListener(t)

	if err := t.consumer.UnsubscribeAll(); err != nil {
		t.logger.Warn("failed to stop consumers", "error", err)
	}

	return errors.Join(t.pool.Close(), t.manager.Close())
}

// OnConnected implements rabbitmq.ConnectionStateListener
func (t *Transport) OnConnected() {}

// OnConnecting implements rabbitmq.ConnectionStateListener
func (t *Transport) OnConnecting(attempt int) {
	t.logger.Debug("connecting to broker", "attempt", attempt)
}

// OnDisconnected implements rabbitmq.ConnectionStateListener
func (t *Transport) OnDisconnected(err error) {
	t.mu.RLock()
	callbacks := make([]func(error), len(t.onDisconnect))
	copy(callbacks, t.onDisconnect)
	t.mu.RUnlock()

	for _, fn := range callbacks {
		fn(err)
	}
}

// toMessage converts a delivery received on queue
func toMessage(queue string, delivery amqp.Delivery) *messaging.Message {
	msg := &messaging.Message{
		Body:          delivery.Body,
		RoutingKey:    delivery.RoutingKey,
		Queue:         queue,
		Exchange:      delivery.Exchange,
		ReplyTo:       delivery.ReplyTo,
		CorrelationID: delivery.CorrelationId,
		DeliveryTag:   delivery.DeliveryTag,
		Headers:       map[string]interface{}(delivery.Headers),
	}
	if delivery.Acknowledger != nil {
		msg.Acknowledger = &deliveryAcknowledger{ack: delivery.Acknowledger}
	}
	return msg
}

// deliveryAcknowledger acks single deliveries on the channel they came from
type deliveryAcknowledger struct {
	ack amqp.Acknowledger
}

// Ack implements messaging.Acknowledger
func (a *deliveryAcknowledger) Ack(deliveryTag uint64) error {
	return a.ack.Ack(deliveryTag, false)
}

var _ messaging.Transport = (*Transport)(nil)
var _ rabbitmq.ConnectionStateListener = (*Transport)(nil)
