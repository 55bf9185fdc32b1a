package messaging

import (
	"context"
)

// Transport is the broker boundary used by the Module
type Transport interface {
	// Connect establishes the connection to the broker
	Connect(ctx context.Context) error

	// IsConnected returns connection status
	IsConnected() bool

	// DeclareResource declares the queue and its bindings, returning the final queue name
	DeclareResource(ctx context.Context, resource *ConsumptionResource) (string, error)

	// DeclareExchanges declares exchanges before any binding refers to them
	DeclareExchanges(ctx context.Context, exchanges []ExchangeConfiguration) error

	// Consume starts delivering messages from queue. receive is called from the transport goroutine.
	Consume(ctx context.Context, queue string, resource *ConsumptionResource, receive func(*Message) error) error

	// Send publishes one pending message to each of its exchanges
	Send(ctx context.Context, msg *PendingMessage) error

	// NotifyDisconnect registers a callback for connection loss
	NotifyDisconnect(fn func(err error))

	// Close closes all resources
	Close() error
}
