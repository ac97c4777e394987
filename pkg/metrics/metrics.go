// Package metrics defines the instrumentation contract of the stack.
// The concrete Prometheus implementation lives in metrics/prometheus;
// the protocol core only ever sees these interfaces, so it builds and
// tests without a metrics backend.
package metrics

import "sync"

// DomainMetrics observes the data and discovery paths of one
// participant.
type DomainMetrics interface {
	// RecordMessageSent counts one outbound RTPS datagram.
	RecordMessageSent(frameBytes, destinations int)

	// RecordMessageReceived counts one inbound RTPS datagram.
	RecordMessageReceived(frameBytes int)

	// RecordSampleWritten counts one user sample accepted by a writer.
	RecordSampleWritten(topic string, payloadBytes int)

	// RecordSampleRejected counts one sample refused by reader resource
	// limits.
	RecordSampleRejected(reason string)

	// RecordEndpointCreated counts entity creation ("writer"/"reader").
	RecordEndpointCreated(kind string)

	// SetDiscoveredParticipants gauges the remote participant count.
	SetDiscoveredParticipants(n int)
}

// Nop is the disabled-metrics implementation.
type Nop struct{}

func (Nop) RecordMessageSent(int, int)       {}
func (Nop) RecordMessageReceived(int)        {}
func (Nop) RecordSampleWritten(string, int)  {}
func (Nop) RecordSampleRejected(string)      {}
func (Nop) RecordEndpointCreated(string)     {}
func (Nop) SetDiscoveredParticipants(int)    {}

// ============================================================================
// Registry Gate
// ============================================================================

var (
	mu      sync.Mutex
	enabled bool
)

// Enable marks metrics collection active. Called once at startup when
// the metrics endpoint is configured.
func Enable() {
	mu.Lock()
	defer mu.Unlock()
	enabled = true
}

// IsEnabled reports whether metrics collection is active.
func IsEnabled() bool {
	mu.Lock()
	defer mu.Unlock()
	return enabled
}
