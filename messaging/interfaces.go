package messaging

import (
	"context"
	"time"
)

// Verifier authenticates a parsed message (signature and certificate chain)
type Verifier interface {
	Verify(ctx context.Context, parsed map[string]any) (*CertificateInfo, error)
}

// VerifierFunc adapts a function to Verifier
type VerifierFunc func(ctx context.Context, parsed map[string]any) (*CertificateInfo, error)

func (f VerifierFunc) Verify(ctx context.Context, parsed map[string]any) (*CertificateInfo, error) {
	return f(ctx, parsed)
}

// Signer formats and signs an outgoing payload, returning the wire bytes and the message id
type Signer interface {
	Sign(payload any, route Route) ([]byte, string, error)
}

// MetricsCollector collects messaging metrics
type MetricsCollector interface {
	// RecordMessage records one processed delivery; outcome is reply, handled, failed or rejected
	RecordMessage(queue string, outcome string, duration time.Duration)

	// RecordSend records a wire send
	RecordSend(exchange string, success bool)

	// RecordRequest records an EmitAndAwait result
	RecordRequest(outcome string, duration time.Duration)

	// SetPendingCorrelations reports the reply registry size
	SetPendingCorrelations(count int)

	// RecordExpired records correlations dropped by maintenance
	RecordExpired(count int)
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

// RecordMessage does nothing
func (n *NoOpMetricsCollector) RecordMessage(queue string, outcome string, duration time.Duration) {}

// RecordSend does nothing
func (n *NoOpMetricsCollector) RecordSend(exchange string, success bool) {}

// RecordRequest does nothing
func (n *NoOpMetricsCollector) RecordRequest(outcome string, duration time.Duration) {}

// SetPendingCorrelations does nothing
func (n *NoOpMetricsCollector) SetPendingCorrelations(count int) {}

// RecordExpired does nothing
func (n *NoOpMetricsCollector) RecordExpired(count int) {}

// Message outcomes reported to MetricsCollector
const (
	OutcomeReply     = "reply"
	OutcomeHandled   = "handled"
	OutcomeFailed    = "failed"
	OutcomeRejected  = "rejected"
	OutcomeTimeout   = "timeout"
	OutcomeCancelled = "cancelled"
)
