// Package prometheus implements the metrics contract on the
// Prometheus client, registering everything through promauto.
package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/dittodds/pkg/metrics"
)

// domainMetrics is the Prometheus implementation of
// metrics.DomainMetrics. A nil receiver is a no-op so callers never
// branch on whether metrics are enabled.
type domainMetrics struct {
	messagesSent     prometheus.Counter
	messagesReceived prometheus.Counter
	bytesSent        prometheus.Counter
	bytesReceived    prometheus.Counter
	samplesWritten   *prometheus.CounterVec
	samplesRejected  *prometheus.CounterVec
	endpoints        *prometheus.CounterVec
	participants     prometheus.Gauge
}

// NewDomainMetrics creates the Prometheus-backed domain metrics.
//
// Returns metrics.Nop when metrics are not enabled.
func NewDomainMetrics(reg prometheus.Registerer) metrics.DomainMetrics {
	if !metrics.IsEnabled() {
		return metrics.Nop{}
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &domainMetrics{
		messagesSent: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "dittodds_rtps_messages_sent_total",
			Help: "Total RTPS datagrams sent",
		}),
		messagesReceived: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "dittodds_rtps_messages_received_total",
			Help: "Total RTPS datagrams received",
		}),
		bytesSent: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "dittodds_rtps_bytes_sent_total",
			Help: "Total RTPS payload bytes sent",
		}),
		bytesReceived: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "dittodds_rtps_bytes_received_total",
			Help: "Total RTPS payload bytes received",
		}),
		samplesWritten: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "dittodds_samples_written_total",
			Help: "User samples written, by topic",
		}, []string{"topic"}),
		samplesRejected: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "dittodds_samples_rejected_total",
			Help: "Samples rejected by reader resource limits, by reason",
		}, []string{"reason"}),
		endpoints: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "dittodds_endpoints_created_total",
			Help: "Endpoints created, by kind",
		}, []string{"kind"}),
		participants: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "dittodds_discovered_participants",
			Help: "Currently discovered remote participants",
		}),
	}
}

func (m *domainMetrics) RecordMessageSent(frameBytes, destinations int) {
	if m == nil {
		return
	}
	m.messagesSent.Add(float64(destinations))
	m.bytesSent.Add(float64(frameBytes * destinations))
}

func (m *domainMetrics) RecordMessageReceived(frameBytes int) {
	if m == nil {
		return
	}
	m.messagesReceived.Inc()
	m.bytesReceived.Add(float64(frameBytes))
}

func (m *domainMetrics) RecordSampleWritten(topic string, payloadBytes int) {
	if m == nil {
		return
	}
	m.samplesWritten.WithLabelValues(topic).Inc()
}

func (m *domainMetrics) RecordSampleRejected(reason string) {
	if m == nil {
		return
	}
	m.samplesRejected.WithLabelValues(reason).Inc()
}

func (m *domainMetrics) RecordEndpointCreated(kind string) {
	if m == nil {
		return
	}
	m.endpoints.WithLabelValues(kind).Inc()
}

func (m *domainMetrics) SetDiscoveredParticipants(n int) {
	if m == nil {
		return
	}
	m.participants.Set(float64(n))
}
