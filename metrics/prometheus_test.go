package metrics

import (
	"testing"
	"time"

	"github.com/millegrilles/messages-go/messaging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCollector(t *testing.T) (*PrometheusCollector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	c, err := NewPrometheusCollector(reg, "mg")
	require.NoError(t, err)
	return c, reg
}

func TestPrometheusCollector_RecordMessage(t *testing.T) {
	c, _ := newCollector(t)

	c.RecordMessage("Domaine/requete", messaging.OutcomeHandled, 10*time.Millisecond)
	c.RecordMessage("Domaine/requete", messaging.OutcomeHandled, 20*time.Millisecond)
	c.RecordMessage("Domaine/requete", messaging.OutcomeRejected, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.messagesTotal.WithLabelValues("Domaine/requete", messaging.OutcomeHandled)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.messagesTotal.WithLabelValues("Domaine/requete", messaging.OutcomeRejected)))
	assert.Equal(t, 1, testutil.CollectAndCount(c.messageDuration))
}

func TestPrometheusCollector_RecordSend(t *testing.T) {
	c, _ := newCollector(t)

	c.RecordSend("1.public", true)
	c.RecordSend("1.public", false)
	c.RecordSend("", true)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.sendsTotal.WithLabelValues("1.public", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sendsTotal.WithLabelValues("1.public", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sendsTotal.WithLabelValues("", "success")))
}

func TestPrometheusCollector_Requests(t *testing.T) {
	c, _ := newCollector(t)

	c.RecordRequest(messaging.OutcomeReply, 50*time.Millisecond)
	c.RecordRequest(messaging.OutcomeTimeout, 15*time.Second)
	c.SetPendingCorrelations(4)
	c.SetPendingCorrelations(2)
	c.RecordExpired(3)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.requestsTotal.WithLabelValues(messaging.OutcomeTimeout)))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.pendingCorrelations))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.expiredTotal))
}

func TestPrometheusCollector_Registration(t *testing.T) {
	c, reg := newCollector(t)
	c.RecordExpired(1)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make([]string, 0, len(families))
	for _, family := range families {
		names = append(names, family.GetName())
	}
	assert.Contains(t, names, "mg_messaging_expired_correlations_total")

	_, err = NewPrometheusCollector(reg, "mg")
	assert.Error(t, err, "registering the same collectors twice fails")
}
