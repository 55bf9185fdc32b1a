package messaging

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/millegrilles/messages-go/internal/jsoncodec"
)

// Message kinds, first segment of the routing key
const (
	KindEvent       = "evenement"
	KindCommand     = "commande"
	KindRequest     = "requete"
	KindTransaction = "transaction"
)

// HeaderKey is the envelope field holding the message header
const HeaderKey = "en-tete"

// Route addresses a message to a domain action
type Route struct {
	Domain    string
	Action    string
	Partition string
	Version   int
}

// RoutingKey builds {kind}.{domain}[.{partition}].{action}
func (r Route) RoutingKey(kind string) string {
	parts := []string{kind, r.Domain}
	if r.Partition != "" {
		parts = append(parts, r.Partition)
	}
	parts = append(parts, r.Action)
	return strings.Join(parts, ".")
}

type requestOptions struct {
	noWait  bool
	timeout time.Duration
	replyTo string
}

// RequestOption configures a command, request or transaction
type RequestOption func(*requestOptions)

// NoWait sends without waiting for the reply. Requests always wait.
func NoWait() RequestOption {
	return func(opts *requestOptions) {
		opts.noWait = true
	}
}

// Timeout sets the reply wait
func Timeout(timeout time.Duration) RequestOption {
	return func(opts *requestOptions) {
		opts.timeout = timeout
	}
}

// ReplyTo overrides the reply queue
func ReplyTo(queue string) RequestOption {
	return func(opts *requestOptions) {
		opts.replyTo = queue
	}
}

// FormattingProducer signs payloads and routes them by kind, domain and action.
// The signed message id is used as the correlation id.
type FormattingProducer struct {
	producer *Producer
	signer   Signer
}

// NewFormattingProducer wraps producer with signer
func NewFormattingProducer(producer *Producer, signer Signer) *FormattingProducer {
	return &FormattingProducer{
		producer: producer,
		signer:   signer,
	}
}

// EmitEvent signs and emits an event to exchanges
func (f *FormattingProducer) EmitEvent(ctx context.Context, payload any, route Route, exchanges ...string) error {
	body, id, err := f.sign(payload, route)
	if err != nil {
		return err
	}
	return f.producer.Emit(ctx, body, route.RoutingKey(KindEvent),
		WithExchanges(exchanges...),
		WithCorrelationID(id),
	)
}

// ExecuteCommand signs and sends a command, waiting for the reply unless NoWait is given
func (f *FormattingProducer) ExecuteCommand(ctx context.Context, payload any, route Route, exchange string, options ...RequestOption) (*Message, error) {
	return f.execute(ctx, KindCommand, payload, route, exchange, options)
}

// ExecuteRequest signs and sends a request, waiting for the reply
func (f *FormattingProducer) ExecuteRequest(ctx context.Context, payload any, route Route, exchange string, options ...RequestOption) (*Message, error) {
	options = append(options, func(opts *requestOptions) {
		opts.noWait = false
	})
	return f.execute(ctx, KindRequest, payload, route, exchange, options)
}

// SubmitTransaction signs and sends a transaction, waiting for the reply unless NoWait is given
func (f *FormattingProducer) SubmitTransaction(ctx context.Context, payload any, route Route, exchange string, options ...RequestOption) (*Message, error) {
	return f.execute(ctx, KindTransaction, payload, route, exchange, options)
}

func (f *FormattingProducer) execute(ctx context.Context, kind string, payload any, route Route, exchange string, options []RequestOption) (*Message, error) {
	opts := requestOptions{}
	for _, opt := range options {
		opt(&opts)
	}

	body, id, err := f.sign(payload, route)
	if err != nil {
		return nil, err
	}

	emitOptions := []EmitOption{WithCorrelationID(id)}
	if exchange != "" {
		emitOptions = append(emitOptions, WithExchanges(exchange))
	}
	if opts.replyTo != "" {
		emitOptions = append(emitOptions, WithReplyTo(opts.replyTo))
	}

	routingKey := route.RoutingKey(kind)
	if opts.noWait {
		return nil, f.producer.Emit(ctx, body, routingKey, emitOptions...)
	}

	if opts.timeout > 0 {
		emitOptions = append(emitOptions, WithTimeout(opts.timeout))
	}
	return f.producer.EmitAndAwait(ctx, body, routingKey, emitOptions...)
}

// Reply signs payload and sends it to replyTo on the default exchange
func (f *FormattingProducer) Reply(ctx context.Context, payload any, replyTo, correlationID string, version int) error {
	body, _, err := f.sign(payload, Route{Version: version})
	if err != nil {
		return err
	}
	return f.producer.Emit(ctx, body, replyTo,
		WithCorrelationID(correlationID),
		WithReplyTo(replyTo),
	)
}

func (f *FormattingProducer) sign(payload any, route Route) ([]byte, string, error) {
	if route.Version == 0 {
		route.Version = 1
	}
	body, id, err := f.signer.Sign(payload, route)
	if err != nil {
		return nil, "", fmt.Errorf("sign %s/%s: %w", route.Domain, route.Action, err)
	}
	return body, id, nil
}

// SignatureFunc signs the serialized envelope
type SignatureFunc func(content []byte) (string, error)

// EnvelopeSigner is the default Signer. It adds the en-tete header and an optional signature.
type EnvelopeSigner struct {
	idmg      string
	signature SignatureFunc
	now       func() time.Time
}

// NewEnvelopeSigner creates a signer for the given millegrille id. signature may be nil.
func NewEnvelopeSigner(idmg string, signature SignatureFunc) *EnvelopeSigner {
	return &EnvelopeSigner{
		idmg:      idmg,
		signature: signature,
		now:       time.Now,
	}
}

// Sign implements Signer
func (s *EnvelopeSigner) Sign(payload any, route Route) ([]byte, string, error) {
	envelope, err := toEnvelope(payload)
	if err != nil {
		return nil, "", err
	}

	id := uuid.New().String()
	header := map[string]any{
		"idmg":             s.idmg,
		"uuid_transaction": id,
		"estampille":       s.now().Unix(),
		"version":          route.Version,
	}
	if route.Domain != "" {
		header["domaine"] = route.Domain
	}
	if route.Action != "" {
		header["action"] = route.Action
	}
	if route.Partition != "" {
		header["partition"] = route.Partition
	}
	envelope[HeaderKey] = header

	if s.signature != nil {
		content, err := jsoncodec.Marshal(envelope)
		if err != nil {
			return nil, "", fmt.Errorf("encode envelope: %w", err)
		}
		sig, err := s.signature(content)
		if err != nil {
			return nil, "", fmt.Errorf("signature: %w", err)
		}
		envelope["_signature"] = sig
	}

	body, err := jsoncodec.Marshal(envelope)
	if err != nil {
		return nil, "", fmt.Errorf("encode envelope: %w", err)
	}
	return body, id, nil
}

// toEnvelope copies payload into a fresh map so the caller's value is never modified
func toEnvelope(payload any) (map[string]any, error) {
	if payload == nil {
		return map[string]any{}, nil
	}
	data, err := jsoncodec.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	envelope, err := jsoncodec.UnmarshalMap(data)
	if err != nil {
		return nil, fmt.Errorf("payload must encode to a JSON object: %w", err)
	}
	if envelope == nil {
		envelope = map[string]any{}
	}
	return envelope, nil
}
