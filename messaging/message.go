package messaging

import (
	"context"
	"fmt"
	"time"
)

// Acknowledger acknowledges one delivery on the channel it came from
type Acknowledger interface {
	Ack(deliveryTag uint64) error
}

// MessageCallback handles a delivered message. The module gives access to the producer for replies.
type MessageCallback func(ctx context.Context, msg *Message, module *Module) error

// CertificateInfo is what a Verifier learned about the sender
type CertificateInfo struct {
	Fingerprint string
	CommonName  string
	Roles       []string
	Domains     []string
	IDMG        string
	NotAfter    time.Time
}

// Message is one delivery handed over by the transport
type Message struct {
	Body          []byte
	RoutingKey    string
	Queue         string
	Exchange      string
	ReplyTo       string
	CorrelationID string
	DeliveryTag   uint64
	Headers       map[string]interface{}

	// Set by a verifying consumer
	Parsed      map[string]any
	Certificate *CertificateInfo
	Valid       bool

	Acknowledger Acknowledger
}

func (m *Message) String() string {
	return fmt.Sprintf("tag:%d", m.DeliveryTag)
}

// PendingMessage waits in the producer queue until the delivery loop sends it
type PendingMessage struct {
	Body          []byte
	RoutingKey    string
	Exchanges     []string
	ReplyTo       string
	CorrelationID string
	Headers       map[string]interface{}
}

func (p *PendingMessage) String() string {
	return fmt.Sprintf("%s -> %v (correlation %s)", p.RoutingKey, p.Exchanges, p.CorrelationID)
}
