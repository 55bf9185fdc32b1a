package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// TopologyManager declares exchanges, queues and bindings on pooled channels
type TopologyManager struct {
	pool *ChannelPool
}

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared. An empty name lets the broker pick one.
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(pool *ChannelPool) *TopologyManager {
	return &TopologyManager{
		pool: pool,
	}
}

// DeclareExchanges declares exchanges in order
func (tm *TopologyManager) DeclareExchanges(ctx context.Context, exchanges []ExchangeDeclaration) error {
	return tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		for _, exchange := range exchanges {
			if err := tm.declareExchange(ch, exchange); err != nil {
				return topologyError("exchange", exchange.Name, "declare", err)
			}
		}
		return nil
	})
}

// DeclareQueue declares a queue and binds it, returning the declared queue.
// The binding queue name is replaced by the declared name.
func (tm *TopologyManager) DeclareQueue(ctx context.Context, queue QueueDeclaration, bindings []Binding) (amqp.Queue, error) {
	var q amqp.Queue
	err := tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		var err error
		q, err = tm.declareQueue(ch, queue)
		if err != nil {
			return topologyError("queue", queue.Name, "declare", err)
		}

		for _, binding := range bindings {
			binding.Queue = q.Name
			if err := tm.bindQueue(ch, binding); err != nil {
				return topologyError("binding", binding.Exchange+"/"+binding.RoutingKey, "bind", err)
			}
		}
		return nil
	})
	return q, err
}

// DeleteQueue deletes a queue
func (tm *TopologyManager) DeleteQueue(ctx context.Context, name string, ifUnused, ifEmpty bool) error {
	return tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		_, err := ch.QueueDelete(name, ifUnused, ifEmpty, false)
		return err
	})
}

// declareExchange declares an exchange on the given channel
func (tm *TopologyManager) declareExchange(ch *amqp.Channel, exchange ExchangeDeclaration) error {
	return ch.ExchangeDeclare(
		exchange.Name,
		exchange.Type,
		exchange.Durable,
		exchange.AutoDelete,
		false, // internal
		false, // no-wait
		exchange.Arguments,
	)
}

// declareQueue declares a queue on the given channel
func (tm *TopologyManager) declareQueue(ch *amqp.Channel, queue QueueDeclaration) (amqp.Queue, error) {
	return ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
}

// bindQueue binds a queue to an exchange on the given channel
func (tm *TopologyManager) bindQueue(ch *amqp.Channel, binding Binding) error {
	return ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		binding.Arguments,
	)
}

func topologyError(component, name, op string, err error) error {
	return &TopologyError{
		Component: component,
		Name:      name,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
	}
}
