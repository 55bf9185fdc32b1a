package messaging

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newAckedMessage(tag uint64, body string) (*Message, *mockAcknowledger) {
	ack := &mockAcknowledger{}
	ack.On("Ack", tag).Return(nil).Once()
	return &Message{
		Body:         []byte(body),
		RoutingKey:   "requete.Domaine.action",
		Queue:        "Domaine/requetes",
		DeliveryTag:  tag,
		Acknowledger: ack,
	}, ack
}

func TestConsumerProcessOne(t *testing.T) {
	t.Run("Callback success is acked once", func(t *testing.T) {
		var calls int32
		resource := NewConsumptionResource("Domaine/requetes", func(ctx context.Context, msg *Message, module *Module) error {
			atomic.AddInt32(&calls, 1)
			return nil
		})
		consumer := NewConsumer(resource)
		msg, ack := newAckedMessage(1, "{}")

		consumer.processOne(context.Background(), msg)

		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
		ack.AssertExpectations(t)
		ack.AssertNumberOfCalls(t, "Ack", 1)
	})

	t.Run("Callback error is acked once", func(t *testing.T) {
		resource := NewConsumptionResource("q", func(ctx context.Context, msg *Message, module *Module) error {
			return errors.New("boom")
		})
		consumer := NewConsumer(resource)
		msg, ack := newAckedMessage(2, "{}")

		consumer.processOne(context.Background(), msg)

		ack.AssertNumberOfCalls(t, "Ack", 1)
	})

	t.Run("Callback panic is acked once", func(t *testing.T) {
		resource := NewConsumptionResource("q", func(ctx context.Context, msg *Message, module *Module) error {
			panic("bad handler")
		})
		consumer := NewConsumer(resource)
		msg, ack := newAckedMessage(3, "{}")

		assert.NotPanics(t, func() {
			consumer.processOne(context.Background(), msg)
		})
		ack.AssertNumberOfCalls(t, "Ack", 1)
	})

	t.Run("Ack failure is logged only", func(t *testing.T) {
		consumer := NewConsumer(NewConsumptionResource("q", nil))
		ack := &mockAcknowledger{}
		ack.On("Ack", uint64(4)).Return(errors.New("channel closed")).Once()

		consumer.processOne(context.Background(), &Message{DeliveryTag: 4, Acknowledger: ack})
		ack.AssertExpectations(t)
	})

	t.Run("Reply resolves the pending correlation", func(t *testing.T) {
		var forwarded int32
		resource := NewConsumptionResource("", func(ctx context.Context, msg *Message, module *Module) error {
			atomic.AddInt32(&forwarded, 1)
			return nil
		})
		consumer := NewConsumer(resource)
		entry := NewCorrelationEntry("c1", time.Second)
		require.NoError(t, consumer.RegisterCorrelation(context.Background(), entry))

		msg, ack := newAckedMessage(5, `{"ok":true}`)
		msg.CorrelationID = "c1"
		consumer.processOne(context.Background(), msg)

		reply, err := entry.Wait(context.Background())
		require.NoError(t, err)
		assert.Same(t, msg, reply)
		assert.Equal(t, int32(0), atomic.LoadInt32(&forwarded))
		assert.Equal(t, 1, consumer.PendingCorrelations(), "the slot is held until retracted")
		assert.True(t, consumer.RetractCorrelation("c1"))
		assert.Equal(t, 0, consumer.PendingCorrelations())
		ack.AssertNumberOfCalls(t, "Ack", 1)
	})

	t.Run("Unknown correlation goes to the callback", func(t *testing.T) {
		var forwarded int32
		resource := NewConsumptionResource("", func(ctx context.Context, msg *Message, module *Module) error {
			atomic.AddInt32(&forwarded, 1)
			return nil
		})
		consumer := NewConsumer(resource)

		msg, ack := newAckedMessage(6, "{}")
		msg.CorrelationID = "late"
		consumer.processOne(context.Background(), msg)

		assert.Equal(t, int32(1), atomic.LoadInt32(&forwarded))
		ack.AssertNumberOfCalls(t, "Ack", 1)
	})

	t.Run("Verification failure is swallowed", func(t *testing.T) {
		var calls int32
		resource := NewConsumptionResource("q", func(ctx context.Context, msg *Message, module *Module) error {
			atomic.AddInt32(&calls, 1)
			return nil
		})
		verifier := &mockVerifier{}
		verifier.On("Verify", mock.Anything, mock.Anything).Return(nil, errors.New("unknown certificate"))
		consumer := NewConsumer(resource, WithVerifier(verifier))

		msg, ack := newAckedMessage(7, `{"en-tete":{"domaine":"x"}}`)
		consumer.processOne(context.Background(), msg)

		assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
		assert.False(t, msg.Valid)
		assert.Equal(t, "x", msg.Parsed["en-tete"].(map[string]any)["domaine"])
		ack.AssertNumberOfCalls(t, "Ack", 1)
		verifier.AssertExpectations(t)
	})

	t.Run("Unparseable body fails verification", func(t *testing.T) {
		consumer := NewConsumer(NewConsumptionResource("q", nil), WithVerifier(&mockVerifier{}))
		msg, ack := newAckedMessage(8, "not json")

		err := consumer.verify(context.Background(), msg)
		assert.ErrorIs(t, err, ErrAuthenticity)

		consumer.processOne(context.Background(), msg)
		ack.AssertNumberOfCalls(t, "Ack", 1)
	})

	t.Run("Verified message carries the certificate", func(t *testing.T) {
		cert := &CertificateInfo{Fingerprint: "z1234", Roles: []string{"core"}}
		verifier := VerifierFunc(func(ctx context.Context, parsed map[string]any) (*CertificateInfo, error) {
			return cert, nil
		})

		var seen *Message
		resource := NewConsumptionResource("q", func(ctx context.Context, msg *Message, module *Module) error {
			seen = msg
			return nil
		})
		consumer := NewConsumer(resource, WithVerifier(verifier))

		msg, _ := newAckedMessage(9, `{"contenu":"a"}`)
		consumer.processOne(context.Background(), msg)

		require.NotNil(t, seen)
		assert.True(t, seen.Valid)
		assert.Same(t, cert, seen.Certificate)
	})
}

func TestConsumerDeliveryLoop(t *testing.T) {
	t.Run("Messages are processed in order", func(t *testing.T) {
		order := make(chan string, 3)
		resource := NewConsumptionResource("q", func(ctx context.Context, msg *Message, module *Module) error {
			order <- string(msg.Body)
			return nil
		})
		consumer := NewConsumer(resource)
		consumer.bind("q")

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go consumer.Run(ctx)

		for i, body := range []string{"a", "b", "c"} {
			msg, _ := newAckedMessage(uint64(i+1), body)
			require.NoError(t, consumer.Receive(msg))
		}

		for _, want := range []string{"a", "b", "c"} {
			select {
			case got := <-order:
				assert.Equal(t, want, got)
			case <-time.After(time.Second):
				t.Fatal("message not processed")
			}
		}
	})

	t.Run("Single flight duplicate stops the loop", func(t *testing.T) {
		resource := NewConsumptionResource("q", nil, WithSingleFlight())
		consumer := NewConsumer(resource)
		consumer.bind("q")

		first, _ := newAckedMessage(1, "{}")
		second, _ := newAckedMessage(2, "{}")
		require.NoError(t, consumer.Receive(first))
		err := consumer.Receive(second)
		assert.ErrorIs(t, err, ErrDuplicateMessage)

		err = consumer.Run(context.Background())
		assert.ErrorIs(t, err, ErrDuplicateMessage)
		assert.Equal(t, StateStopped, consumer.State())
	})

	t.Run("Receive after close", func(t *testing.T) {
		consumer := NewConsumer(NewConsumptionResource("q", nil))
		consumer.Close()

		err := consumer.Receive(&Message{})
		assert.ErrorIs(t, err, ErrConsumerStopped)
		assert.Equal(t, StateStopped, consumer.State())

		select {
		case <-consumer.Done():
		default:
			t.Fatal("closed consumer must be done")
		}
	})

	t.Run("Close stops a running loop", func(t *testing.T) {
		consumer := NewConsumer(NewConsumptionResource("q", nil))
		consumer.bind("q")

		done := make(chan error, 1)
		go func() {
			done <- consumer.Run(context.Background())
		}()
		time.Sleep(10 * time.Millisecond)
		consumer.Close()

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("Run did not return after Close")
		}
		assert.Equal(t, StateStopped, consumer.State())
	})
}

func TestConsumerLifecycle(t *testing.T) {
	t.Run("Bind and unbind", func(t *testing.T) {
		consumer := NewConsumer(NewConsumptionResource("", nil))
		assert.Equal(t, StateDeclaring, consumer.State())

		consumer.bind("amq.gen-7")
		assert.Equal(t, StateBound, consumer.State())
		assert.Equal(t, "amq.gen-7", consumer.QueueName())
		select {
		case <-consumer.Ready():
		default:
			t.Fatal("bound consumer must be ready")
		}

		consumer.unbind()
		assert.Equal(t, StateDeclaring, consumer.State())
		select {
		case <-consumer.Ready():
			t.Fatal("unbound consumer must not be ready")
		default:
		}
	})

	t.Run("State names", func(t *testing.T) {
		assert.Equal(t, "declaring", StateDeclaring.String())
		assert.Equal(t, "delivering", StateDelivering.String())
		assert.Equal(t, "stopped", StateStopped.String())
	})
}

func TestConsumerCorrelations(t *testing.T) {
	t.Run("Domain consumer has no registry", func(t *testing.T) {
		consumer := NewConsumer(NewConsumptionResource("q", nil))

		err := consumer.RegisterCorrelation(context.Background(), NewCorrelationEntry("a", time.Second))
		assert.ErrorIs(t, err, ErrNoReplyConsumer)
		assert.False(t, consumer.RetractCorrelation("a"))
	})

	t.Run("Retract is idempotent", func(t *testing.T) {
		consumer := NewConsumer(NewConsumptionResource("", nil))
		require.NoError(t, consumer.RegisterCorrelation(context.Background(), NewCorrelationEntry("a", time.Second)))

		assert.True(t, consumer.RetractCorrelation("a"))
		assert.False(t, consumer.RetractCorrelation("a"))
	})

	t.Run("Sweep expires stale entries", func(t *testing.T) {
		consumer := NewConsumer(NewConsumptionResource("", nil))
		entry := NewCorrelationEntry("a", 10*time.Millisecond)
		require.NoError(t, consumer.RegisterCorrelation(context.Background(), entry))

		assert.Equal(t, 0, consumer.sweep(time.Now()))
		assert.Equal(t, 1, consumer.sweep(time.Now().Add(time.Second)))

		_, err := entry.Wait(context.Background())
		assert.ErrorIs(t, err, ErrCancelled)
	})

	t.Run("Unconsumed reply gets the grace period", func(t *testing.T) {
		consumer := NewConsumer(NewConsumptionResource("", nil),
			WithCorrelationLimits(DefaultMaxPending, time.Second, 3))
		entry := NewCorrelationEntry("c1", 100*time.Millisecond)
		require.NoError(t, consumer.RegisterCorrelation(context.Background(), entry))

		msg, ack := newAckedMessage(9, "{}")
		msg.CorrelationID = "c1"
		consumer.processOne(context.Background(), msg)
		ack.AssertNumberOfCalls(t, "Ack", 1)

		assert.Equal(t, 0, consumer.sweep(entry.Created.Add(200*time.Millisecond)))
		assert.Equal(t, 1, consumer.PendingCorrelations())

		assert.Equal(t, 1, consumer.sweep(entry.Created.Add(400*time.Millisecond)))
		assert.Equal(t, 0, consumer.PendingCorrelations())

		reply, err := entry.Wait(context.Background())
		require.NoError(t, err, "a delivered reply stays readable after expiry")
		assert.Same(t, msg, reply)
	})

	t.Run("Maintenance loop runs on its interval", func(t *testing.T) {
		consumer := NewConsumer(NewConsumptionResource("", nil), WithMaintenanceInterval(10*time.Millisecond))
		consumer.bind("amq.gen-1")
		entry := NewCorrelationEntry("a", 5*time.Millisecond)
		require.NoError(t, consumer.RegisterCorrelation(context.Background(), entry))

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go consumer.Run(ctx)

		select {
		case <-entry.Done():
		case <-time.After(time.Second):
			t.Fatal("entry was not expired")
		}
		assert.Equal(t, 0, consumer.PendingCorrelations())
	})

	t.Run("Close cancels pending waiters", func(t *testing.T) {
		consumer := NewConsumer(NewConsumptionResource("", nil))
		entry := NewCorrelationEntry("a", time.Minute)
		require.NoError(t, consumer.RegisterCorrelation(context.Background(), entry))

		consumer.Close()

		_, err := entry.Wait(context.Background())
		assert.ErrorIs(t, err, ErrCancelled)

		err = consumer.RegisterCorrelation(context.Background(), NewCorrelationEntry("b", time.Second))
		assert.ErrorIs(t, err, ErrConsumerStopped)
	})
}

func TestConsumerCloseDrainsBuffer(t *testing.T) {
	t.Run("Buffered messages are processed before stopping", func(t *testing.T) {
		started := make(chan struct{})
		release := make(chan struct{})
		var calls int32
		resource := NewConsumptionResource("Domaine/requetes", func(ctx context.Context, msg *Message, module *Module) error {
			if atomic.AddInt32(&calls, 1) == 1 {
				close(started)
				<-release
			}
			return nil
		})
		consumer := NewConsumer(resource)
		consumer.bind("Domaine/requetes")
		go consumer.Run(context.Background())

		first, firstAck := newAckedMessage(1, "{}")
		second, secondAck := newAckedMessage(2, "{}")
		require.NoError(t, consumer.Receive(first))
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("first message was not delivered")
		}
		require.NoError(t, consumer.Receive(second))

		consumer.Close()
		assert.ErrorIs(t, consumer.Receive(&Message{DeliveryTag: 3}), ErrConsumerStopped)
		close(release)

		select {
		case <-consumer.Done():
		case <-time.After(time.Second):
			t.Fatal("consumer did not stop")
		}
		firstAck.AssertNumberOfCalls(t, "Ack", 1)
		secondAck.AssertNumberOfCalls(t, "Ack", 1)
		assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
		assert.Equal(t, StateStopped, consumer.State())
	})

	t.Run("Close without a delivery loop acks the buffer", func(t *testing.T) {
		var calls int32
		consumer := NewConsumer(NewConsumptionResource("q", func(ctx context.Context, msg *Message, module *Module) error {
			atomic.AddInt32(&calls, 1)
			return nil
		}))
		consumer.bind("q")

		msg, ack := newAckedMessage(1, "{}")
		require.NoError(t, consumer.Receive(msg))
		consumer.Close()

		<-consumer.Done()
		ack.AssertNumberOfCalls(t, "Ack", 1)
		assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
	})
}
