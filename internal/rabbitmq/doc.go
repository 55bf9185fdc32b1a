// Package rabbitmq wraps amqp091-go for the messaging transport.
//
// This package includes:
//   - ConnectionManager: dials the broker with TLS client certificates and reports connection loss
//   - ChannelPool: lends confirm-mode channels for publishing and topology
//   - Publisher: publishes with broker confirmation and retries
//   - Consumer: consumes each queue on a dedicated channel with its own prefetch
//   - TopologyManager: declares exchanges, queues and bindings
//
// Reconnection is driven from above: after a loss the caller connects again
// and redeclares its queues, since broker named queues do not survive it.
package rabbitmq
