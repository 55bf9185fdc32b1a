package rabbitmq

import (
	"context"
	"errors"
	"testing"

	"github.com/millegrilles/messages-go/internal/rabbitmq"
	"github.com/millegrilles/messages-go/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockAMQPAcknowledger struct {
	mock.Mock
}

func (m *mockAMQPAcknowledger) Ack(tag uint64, multiple bool) error {
	args := m.Called(tag, multiple)
	return args.Error(0)
}

func (m *mockAMQPAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error {
	args := m.Called(tag, multiple, requeue)
	return args.Error(0)
}

func (m *mockAMQPAcknowledger) Reject(tag uint64, requeue bool) error {
	args := m.Called(tag, requeue)
	return args.Error(0)
}

func newOfflineTransport(t *testing.T, opts ...TransportOption) *Transport {
	t.Helper()
	opts = append(opts, WithPublisherOptions(rabbitmq.WithPublishRetries(0)))
	transport, err := NewTransport("amqps://mq:5673/", opts...)
	require.NoError(t, err)
	return transport
}

func TestNewTransport(t *testing.T) {
	t.Run("does not connect", func(t *testing.T) {
		transport := newOfflineTransport(t)

		assert.False(t, transport.IsConnected())
		assert.Equal(t, amqp.Transient, transport.mode)
	})

	t.Run("persistent delivery", func(t *testing.T) {
		transport := newOfflineTransport(t, WithPersistentDelivery(true))
		assert.Equal(t, amqp.Persistent, transport.mode)
	})

	t.Run("invalid pool size", func(t *testing.T) {
		_, err := NewTransport("amqps://mq:5673/", WithChannelPoolOptions(rabbitmq.WithMaxSize(0)))
		assert.ErrorIs(t, err, rabbitmq.ErrInvalidConfiguration)
	})
}

func TestTransportOffline(t *testing.T) {
	ctx := context.Background()

	t.Run("Send fails for each exchange", func(t *testing.T) {
		transport := newOfflineTransport(t)

		err := transport.Send(ctx, &messaging.PendingMessage{
			Body:       []byte("{}"),
			RoutingKey: "evenement.Test.ping",
			Exchanges:  []string{"1.public", "2.prive"},
		})

		var pubErr *rabbitmq.PublishError
		require.ErrorAs(t, err, &pubErr)
		assert.ErrorIs(t, err, rabbitmq.ErrConnectionNotReady)
		assert.Contains(t, err.Error(), "1.public")
		assert.Contains(t, err.Error(), "2.prive")
	})

	t.Run("Send without exchange targets the default exchange", func(t *testing.T) {
		transport := newOfflineTransport(t)

		err := transport.Send(ctx, &messaging.PendingMessage{Body: []byte("{}"), RoutingKey: "amq.gen-reply"})

		var pubErr *rabbitmq.PublishError
		require.ErrorAs(t, err, &pubErr)
		assert.Empty(t, pubErr.Exchange)
		assert.Equal(t, "amq.gen-reply", pubErr.RoutingKey)
	})

	t.Run("DeclareExchanges without exchanges is a no-op", func(t *testing.T) {
		transport := newOfflineTransport(t)
		assert.NoError(t, transport.DeclareExchanges(ctx, nil))
	})

	t.Run("DeclareExchanges needs a connection", func(t *testing.T) {
		transport := newOfflineTransport(t)
		err := transport.DeclareExchanges(ctx, []messaging.ExchangeConfiguration{{Name: "1.public"}})
		assert.ErrorIs(t, err, rabbitmq.ErrConnectionNotReady)
	})

	t.Run("DeclareResource needs a connection", func(t *testing.T) {
		transport := newOfflineTransport(t)
		resource := messaging.NewConsumptionResource("", nil)
		require.NoError(t, resource.SetTTL(30000))

		name, err := transport.DeclareResource(ctx, resource)
		assert.Error(t, err)
		assert.Empty(t, name)
	})

	t.Run("Consume needs a connection", func(t *testing.T) {
		transport := newOfflineTransport(t)
		resource := messaging.NewConsumptionResource("Test/requete", nil)

		err := transport.Consume(ctx, "Test/requete", resource, func(*messaging.Message) error { return nil })

		var consumerErr *rabbitmq.ConsumerError
		assert.ErrorAs(t, err, &consumerErr)
	})

	t.Run("Close is safe without connection", func(t *testing.T) {
		transport := newOfflineTransport(t)
		assert.NoError(t, transport.Close())
	})
}

func TestTransportDisconnect(t *testing.T) {
	transport := newOfflineTransport(t)
	cause := errors.New("connection reset")

	var received []error
	transport.NotifyDisconnect(func(err error) { received = append(received, err) })
	transport.NotifyDisconnect(func(err error) { received = append(received, err) })

	transport.OnDisconnected(cause)

	assert.Equal(t, []error{cause, cause}, received)
}

func TestToMessage(t *testing.T) {
	ack := &mockAMQPAcknowledger{}
	ack.On("Ack", uint64(7), false).Return(nil).Once()

	msg := toMessage("amq.gen-1", amqp.Delivery{
		Acknowledger:  ack,
		Body:          []byte(`{"ok":true}`),
		RoutingKey:    "amq.gen-1",
		Exchange:      "",
		ReplyTo:       "amq.gen-2",
		CorrelationId: "abcd",
		DeliveryTag:   7,
		Headers:       amqp.Table{"x-test": "1"},
	})

	assert.Equal(t, "amq.gen-1", msg.Queue)
	assert.Equal(t, "amq.gen-2", msg.ReplyTo)
	assert.Equal(t, "abcd", msg.CorrelationID)
	assert.Equal(t, uint64(7), msg.DeliveryTag)
	assert.Equal(t, "1", msg.Headers["x-test"])
	assert.JSONEq(t, `{"ok":true}`, string(msg.Body))

	require.NotNil(t, msg.Acknowledger)
	require.NoError(t, msg.Acknowledger.Ack(msg.DeliveryTag))
	ack.AssertExpectations(t)
}

func TestToMessageWithoutAcknowledger(t *testing.T) {
	msg := toMessage("q", amqp.Delivery{DeliveryTag: 1})
	assert.Nil(t, msg.Acknowledger)
}
