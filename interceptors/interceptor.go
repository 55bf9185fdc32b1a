package interceptors

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/millegrilles/messages-go/messaging"
)

// Interceptor wraps a message callback
type Interceptor interface {
	// Intercept processes msg and calls next to continue the chain
	Intercept(ctx context.Context, msg *messaging.Message, module *messaging.Module, next messaging.MessageCallback) error

	// Name returns the interceptor name for logging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, msg *messaging.Message, module *messaging.Module, next messaging.MessageCallback) error
}

// NewInterceptorFunc creates a named function interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, msg *messaging.Message, module *messaging.Module, next messaging.MessageCallback) error) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, msg *messaging.Message, module *messaging.Module, next messaging.MessageCallback) error {
	return i.fn(ctx, msg, module, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// InterceptorChain runs interceptors in the order they were added
type InterceptorChain struct {
	interceptors []Interceptor
	logger       *slog.Logger
}

// NewInterceptorChain creates an empty chain
func NewInterceptorChain(logger *slog.Logger) *InterceptorChain {
	if logger == nil {
		logger = slog.Default()
	}

	return &InterceptorChain{
		interceptors: make([]Interceptor, 0),
		logger:       logger,
	}
}

// Add appends an interceptor to the chain
func (c *InterceptorChain) Add(interceptor Interceptor) *InterceptorChain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Names lists the interceptors in execution order
func (c *InterceptorChain) Names() []string {
	names := make([]string, 0, len(c.interceptors))
	for _, interceptor := range c.interceptors {
		names = append(names, interceptor.Name())
	}
	return names
}

// Wrap returns a callback running the chain before final.
// The result can be set as the Callback of a ConsumptionResource.
func (c *InterceptorChain) Wrap(final messaging.MessageCallback) messaging.MessageCallback {
	if len(c.interceptors) == 0 {
		return final
	}

	c.logger.Debug("interceptor chain built", "interceptors", c.Names())

	// Build the chain in reverse order
	handler := final
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := handler
		handler = func(ctx context.Context, msg *messaging.Message, module *messaging.Module) error {
			return interceptor.Intercept(ctx, msg, module, next)
		}
	}
	return handler
}

// LoggingInterceptor logs each message with its processing time
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, msg *messaging.Message, module *messaging.Module, next messaging.MessageCallback) error {
	start := time.Now()

	i.logger.Debug("processing message",
		"queue", msg.Queue,
		"routingKey", msg.RoutingKey,
		"correlationId", msg.CorrelationID,
	)

	err := next(ctx, msg, module)
	duration := time.Since(start)

	if err != nil {
		i.logger.Warn("message processing failed",
			"queue", msg.Queue,
			"routingKey", msg.RoutingKey,
			"duration", duration,
			"error", err,
		)
		return err
	}

	i.logger.Info("message processed",
		"queue", msg.Queue,
		"routingKey", msg.RoutingKey,
		"duration", duration,
	)
	return nil
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// TimeoutInterceptor bounds the time given to the rest of the chain
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a timeout interceptor
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

// Intercept implements Interceptor. The callback keeps running in the background
// after a timeout; it sees its context cancelled.
func (i *TimeoutInterceptor) Intercept(ctx context.Context, msg *messaging.Message, module *messaging.Module, next messaging.MessageCallback) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- next(timeoutCtx, msg, module)
	}()

	select {
	case err := <-done:
		return err
	case <-timeoutCtx.Done():
		return fmt.Errorf("message processing timeout after %v for %s", i.timeout, msg.RoutingKey)
	}
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}

// AuthenticationInterceptor stops messages the consumer could not verify.
// It only makes sense on a consumer built with a Verifier.
type AuthenticationInterceptor struct {
	logger *slog.Logger
}

// NewAuthenticationInterceptor creates an authentication interceptor
func NewAuthenticationInterceptor(logger *slog.Logger) *AuthenticationInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthenticationInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *AuthenticationInterceptor) Intercept(ctx context.Context, msg *messaging.Message, module *messaging.Module, next messaging.MessageCallback) error {
	if !msg.Valid || msg.Certificate == nil {
		i.logger.Warn("unverified message dropped", "queue", msg.Queue, "routingKey", msg.RoutingKey)
		return nil
	}
	return next(ctx, msg, module)
}

// Name implements Interceptor
func (i *AuthenticationInterceptor) Name() string {
	return "AuthenticationInterceptor"
}

// ChainBuilder assembles the common interceptors in a fixed order
type ChainBuilder struct {
	chain *InterceptorChain
}

// NewChainBuilder creates a builder
func NewChainBuilder(logger *slog.Logger) *ChainBuilder {
	return &ChainBuilder{chain: NewInterceptorChain(logger)}
}

// WithLogging adds logging
func (b *ChainBuilder) WithLogging() *ChainBuilder {
	b.chain.Add(NewLoggingInterceptor(b.chain.logger))
	return b
}

// WithAuthentication drops unverified messages
func (b *ChainBuilder) WithAuthentication() *ChainBuilder {
	b.chain.Add(NewAuthenticationInterceptor(b.chain.logger))
	return b
}

// WithFilter adds a routing filter
func (b *ChainBuilder) WithFilter(filter MessageFilter, skip SkipBehavior) *ChainBuilder {
	b.chain.Add(NewFilteringInterceptor(filter, skip).WithLogger(b.chain.logger))
	return b
}

// WithTimeout adds a processing timeout
func (b *ChainBuilder) WithTimeout(timeout time.Duration) *ChainBuilder {
	b.chain.Add(NewTimeoutInterceptor(timeout))
	return b
}

// WithCustom adds any interceptor
func (b *ChainBuilder) WithCustom(interceptor Interceptor) *ChainBuilder {
	b.chain.Add(interceptor)
	return b
}

// Build returns the chain
func (b *ChainBuilder) Build() *InterceptorChain {
	return b.chain
}
