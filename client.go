package messages

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/millegrilles/messages-go/config"
	"github.com/millegrilles/messages-go/messaging"
	rabbitmqTransport "github.com/millegrilles/messages-go/transports/rabbitmq"
)

// ReplyQueueTTL expires replies nobody consumed, in milliseconds
const ReplyQueueTTL = 30000

// Client wires the RabbitMQ transport, the messaging module and the envelope producer
type Client struct {
	config    *config.Config
	transport *rabbitmqTransport.Transport
	module    *messaging.Module
	producer  *messaging.FormattingProducer
	logger    *slog.Logger
}

// NewClient creates a client from cfg. Nothing is opened until Connect.
func NewClient(cfg *config.Config, options ...ClientOption) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	opts := &clientConfig{
		logger:  slog.Default(),
		metrics: &messaging.NoOpMetricsCollector{},
	}
	for _, opt := range options {
		opt(opts)
	}

	transportOpts, err := cfg.TransportOptions()
	if err != nil {
		return nil, err
	}
	transportOpts = append(transportOpts, rabbitmqTransport.WithLogger(opts.logger))
	transportOpts = append(transportOpts, opts.transportOptions...)

	transport, err := rabbitmqTransport.NewTransport(cfg.URL(), transportOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	moduleOpts := append(cfg.ModuleOptions(),
		messaging.WithLogger(opts.logger),
		messaging.WithMetrics(opts.metrics),
		messaging.WithDeclaredExchanges(opts.exchanges...),
	)
	if opts.verifier != nil {
		moduleOpts = append(moduleOpts, messaging.WithConsumerOptions(messaging.WithVerifier(opts.verifier)))
	}
	moduleOpts = append(moduleOpts, opts.moduleOptions...)

	module := messaging.NewModule(transport, moduleOpts...)

	replies := messaging.NewConsumptionResource("", nil)
	if err := replies.SetTTL(ReplyQueueTTL); err != nil {
		return nil, err
	}
	if _, err := module.SetReplyResource(replies); err != nil {
		return nil, err
	}

	signer := messaging.NewEnvelopeSigner(cfg.IDMG, opts.signature)

	return &Client{
		config:    cfg,
		transport: transport,
		module:    module,
		producer:  messaging.NewFormattingProducer(module.Producer(), signer),
		logger:    opts.logger,
	}, nil
}

// Config returns the client configuration
func (c *Client) Config() *config.Config {
	return c.config
}

// Module returns the messaging module
func (c *Client) Module() *messaging.Module {
	return c.module
}

// Producer returns the envelope producer
func (c *Client) Producer() *messaging.FormattingProducer {
	return c.producer
}

// AddConsumer adds a domain consumer. Consumers must be added before Connect.
func (c *Client) AddConsumer(resource *messaging.ConsumptionResource, options ...messaging.ConsumerOption) *messaging.Consumer {
	return c.module.AddConsumer(resource, options...)
}

// Connect opens the broker connection and declares every queue
func (c *Client) Connect(ctx context.Context) error {
	c.logger.Info("connecting", "config", c.config.String())
	return c.module.Connect(ctx)
}

// Run runs the module loops until ctx ends or one of them fails
func (c *Client) Run(ctx context.Context) error {
	return c.module.Run(ctx)
}

// Close stops the consumers and closes the connection
func (c *Client) Close(ctx context.Context) error {
	return c.module.Close(ctx)
}

// clientConfig holds client configuration
type clientConfig struct {
	logger           *slog.Logger
	metrics          messaging.MetricsCollector
	verifier         messaging.Verifier
	signature        messaging.SignatureFunc
	exchanges        []messaging.ExchangeConfiguration
	moduleOptions    []messaging.ModuleOption
	transportOptions []rabbitmqTransport.TransportOption
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(metrics messaging.MetricsCollector) ClientOption {
	return func(cfg *clientConfig) {
		cfg.metrics = metrics
	}
}

// WithVerifier checks incoming messages on every consumer
func WithVerifier(verifier messaging.Verifier) ClientOption {
	return func(cfg *clientConfig) {
		cfg.verifier = verifier
	}
}

// WithSignature signs outgoing envelopes
func WithSignature(signature messaging.SignatureFunc) ClientOption {
	return func(cfg *clientConfig) {
		cfg.signature = signature
	}
}

// WithExchanges declares exchanges on connect
func WithExchanges(exchanges ...messaging.ExchangeConfiguration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.exchanges = append(cfg.exchanges, exchanges...)
	}
}

// WithModuleOptions passes extra options to the messaging module
func WithModuleOptions(options ...messaging.ModuleOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.moduleOptions = append(cfg.moduleOptions, options...)
	}
}

// WithTransportOptions passes extra options to the RabbitMQ transport
func WithTransportOptions(options ...rabbitmqTransport.TransportOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.transportOptions = append(cfg.transportOptions, options...)
	}
}
