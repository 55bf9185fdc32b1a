package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DeliveryHandler receives one delivery. It owns the acknowledgment unless it returns an error,
// in which case the delivery is returned to the queue.
type DeliveryHandler func(delivery amqp.Delivery) error

// Consumer consumes queues, each on a dedicated channel with its own prefetch limit
type Consumer struct {
	manager         *ConnectionManager
	logger          *slog.Logger
	activeConsumers sync.Map
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(manager *ConnectionManager, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		manager: manager,
		logger:  slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// ConsumerInfo tracks active consumer information
type ConsumerInfo struct {
	Queue       string
	ConsumerTag string
	Channel     *amqp.Channel
	Cancel      context.CancelFunc
	Done        chan struct{}
}

// Subscribe starts consuming queue with the given prefetch limit
func (c *Consumer) Subscribe(ctx context.Context, queue string, prefetch int, handler DeliveryHandler) error {
	consumerTag := "ctag-" + uuid.New().String()
	fail := func(op string, err error) error {
		return &ConsumerError{
			Queue:       queue,
			ConsumerTag: consumerTag,
			Op:          op,
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	conn, err := c.manager.GetConnection()
	if err != nil {
		return fail("subscribe", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		return fail("open channel", err)
	}

	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			ch.Close()
			return fail("set qos", err)
		}
	}

	deliveries, err := ch.Consume(
		queue,
		consumerTag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		return fail("consume", err)
	}

	// The subscription outlives the Subscribe call, only Unsubscribe or a channel close ends it
	consumerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	info := &ConsumerInfo{
		Queue:       queue,
		ConsumerTag: consumerTag,
		Channel:     ch,
		Cancel:      cancel,
		Done:        make(chan struct{}),
	}

	if previous, loaded := c.activeConsumers.Swap(queue, info); loaded {
		// Resubscribing after a reconnect replaces the dead subscription
		previous.(*ConsumerInfo).Cancel()
	}

	go c.processMessages(consumerCtx, info, deliveries, handler)

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", consumerTag,
		"prefetchCount", prefetch,
	)

	return nil
}

// processMessages forwards deliveries to handler until the channel closes
func (c *Consumer) processMessages(ctx context.Context, info *ConsumerInfo, deliveries <-chan amqp.Delivery, handler DeliveryHandler) {
	defer func() {
		close(info.Done)
		if !info.Channel.IsClosed() {
			info.Channel.Close()
		}
		c.activeConsumers.CompareAndDelete(info.Queue, info)
		c.logger.Info("consumer stopped", "queue", info.Queue)
	}()

	for {
		select {
		case <-ctx.Done():
			if err := info.Channel.Cancel(info.ConsumerTag, false); err != nil {
				c.logger.Debug("consumer cancel failed", "queue", info.Queue, "error", err)
			}
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed", "queue", info.Queue)
				return
			}

			if err := handler(delivery); err != nil {
				c.logger.Error("delivery handoff failed",
					"error", err,
					"queue", info.Queue,
					"deliveryTag", delivery.DeliveryTag,
				)
				if nackErr := delivery.Nack(false, true); nackErr != nil {
					c.logger.Error("failed to nack message",
						"error", nackErr,
						"originalError", err,
					)
				}
			}
		}
	}
}

// Unsubscribe stops consuming from a queue
func (c *Consumer) Unsubscribe(queue string) error {
	value, ok := c.activeConsumers.Load(queue)
	if !ok {
		return fmt.Errorf("no active consumer for queue: %s", queue)
	}

	info := value.(*ConsumerInfo)
	info.Cancel()
	<-info.Done

	return nil
}

// UnsubscribeAll stops all active consumers
func (c *Consumer) UnsubscribeAll() error {
	var wg sync.WaitGroup

	c.activeConsumers.Range(func(key, value interface{}) bool {
		wg.Add(1)
		go func(queue string) {
			defer wg.Done()
			if err := c.Unsubscribe(queue); err != nil {
				c.logger.Error("failed to unsubscribe", "queue", queue, "error", err)
			}
		}(key.(string))
		return true
	})

	wg.Wait()
	return nil
}

// GetActiveConsumers returns a list of active consumer queues
func (c *Consumer) GetActiveConsumers() []string {
	var queues []string
	c.activeConsumers.Range(func(key, value interface{}) bool {
		queues = append(queues, key.(string))
		return true
	})
	return queues
}
