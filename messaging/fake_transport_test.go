package messaging

import (
	"context"
	"fmt"
	"sync"

	"github.com/stretchr/testify/mock"
)

// Mock implementations for testing
type mockAcknowledger struct {
	mock.Mock
}

func (m *mockAcknowledger) Ack(deliveryTag uint64) error {
	args := m.Called(deliveryTag)
	return args.Error(0)
}

type mockVerifier struct {
	mock.Mock
}

func (m *mockVerifier) Verify(ctx context.Context, parsed map[string]any) (*CertificateInfo, error) {
	args := m.Called(ctx, parsed)
	cert, _ := args.Get(0).(*CertificateInfo)
	return cert, args.Error(1)
}

// fakeTransport is an in-memory broker. Deliveries are injected from the caller's goroutine.
type fakeTransport struct {
	mu         sync.Mutex
	connected  bool
	connectErr error
	sendErr    error
	closed     bool
	queueSeq   int
	declared   []string
	exchanges  []ExchangeConfiguration
	receivers  map[string]func(*Message) error
	sent       []*PendingMessage
	sentCh     chan *PendingMessage
	disconnect func(error)
	onSend     func(msg *PendingMessage)
	onClose    func()
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		receivers: make(map[string]func(*Message) error),
		sentCh:    make(chan *PendingMessage, 100),
	}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) DeclareResource(ctx context.Context, resource *ConsumptionResource) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	queue := resource.Queue
	if queue == "" {
		f.queueSeq++
		queue = fmt.Sprintf("amq.gen-%d", f.queueSeq)
	}
	f.declared = append(f.declared, queue)
	return queue, nil
}

func (f *fakeTransport) DeclareExchanges(ctx context.Context, exchanges []ExchangeConfiguration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchanges = append(f.exchanges, exchanges...)
	return nil
}

func (f *fakeTransport) Consume(ctx context.Context, queue string, resource *ConsumptionResource, receive func(*Message) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receivers[queue] = receive
	return nil
}

func (f *fakeTransport) Send(ctx context.Context, msg *PendingMessage) error {
	f.mu.Lock()
	if f.sendErr != nil {
		err := f.sendErr
		f.mu.Unlock()
		return err
	}
	f.sent = append(f.sent, msg)
	onSend := f.onSend
	f.mu.Unlock()

	f.sentCh <- msg
	if onSend != nil {
		go onSend(msg)
	}
	return nil
}

func (f *fakeTransport) NotifyDisconnect(fn func(err error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnect = fn
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	onClose := f.onClose
	f.closed = true
	f.connected = false
	f.mu.Unlock()

	if onClose != nil {
		onClose()
	}
	return nil
}

// deliver hands msg to the consumer of queue
func (f *fakeTransport) deliver(queue string, msg *Message) error {
	f.mu.Lock()
	receive, ok := f.receivers[queue]
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("no consumer on %s", queue)
	}
	return receive(msg)
}

// drop simulates a connection loss
func (f *fakeTransport) drop(err error) {
	f.mu.Lock()
	f.connected = false
	f.receivers = make(map[string]func(*Message) error)
	fn := f.disconnect
	f.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (f *fakeTransport) sentMessages() []*PendingMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*PendingMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

// replyFrom builds the reply a remote service would send back for msg
func replyFrom(msg *PendingMessage, body string) *Message {
	return &Message{
		Body:          []byte(body),
		RoutingKey:    msg.ReplyTo,
		Queue:         msg.ReplyTo,
		CorrelationID: msg.CorrelationID,
	}
}
