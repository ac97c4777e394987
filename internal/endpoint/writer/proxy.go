// Package writer implements the writer-side half of the RTPS protocol:
// per-matched-reader proxy state and the reliability state machine that
// turns history-cache contents into Data/DataFrag/Gap/Heartbeat
// submessages.
package writer

import (
	"time"

	"github.com/marmos91/dittodds/internal/protocol/rtps"
	"github.com/marmos91/dittodds/pkg/qos"
)

// ============================================================================
// Reader Proxy
// ============================================================================

// Proxy is the writer's record of one matched remote reader.
//
// A proxy is both the stateless "reader locator" case (best-effort,
// locator-only) and the stateful reliable case; the reliability kind
// selects the branch the worker runs, replacing the deep endpoint
// class hierarchy of classic DDS implementations with one tagged
// record.
type Proxy struct {
	RemoteGuid        rtps.Guid
	Reliability       qos.ReliabilityKind
	Durability        qos.DurabilityKind
	ExpectsInlineQos  bool
	UnicastLocators   []rtps.Locator
	MulticastLocators []rtps.Locator

	// FirstRelevantSN is the last sequence number the reader is NOT
	// entitled to: volatile readers start at the cache's current max so
	// history is gapped away, transient-local readers at 0.
	FirstRelevantSN rtps.SequenceNumber

	// highestSent is the highest sequence number pushed to the reader.
	highestSent rtps.SequenceNumber

	// acked is the highest acknowledged sequence number (an acknack
	// with base b acknowledges everything below b, so acked = b - 1).
	acked rtps.SequenceNumber

	// requested holds negatively acknowledged sequence numbers awaiting
	// retransmission.
	requested map[rtps.SequenceNumber]struct{}

	// requestedFrags holds fragment retransmission requests per change.
	requestedFrags map[rtps.SequenceNumber][]rtps.FragmentNumber

	// Replay guards: only counts above the last seen value are serviced.
	lastAckNackCount  int32
	seenAckNack       bool
	lastNackFragCount int32
	seenNackFrag      bool

	// Heartbeat pacing.
	heartbeatCount int32
	lastHeartbeat  time.Time
}

// NewProxy creates proxy state for a matched reader.
func NewProxy(remote rtps.Guid, reliability qos.ReliabilityKind, durability qos.DurabilityKind,
	unicast, multicast []rtps.Locator, expectsInlineQos bool) *Proxy {
	return &Proxy{
		RemoteGuid:        remote,
		Reliability:       reliability,
		Durability:        durability,
		ExpectsInlineQos:  expectsInlineQos,
		UnicastLocators:   unicast,
		MulticastLocators: multicast,
		requested:         make(map[rtps.SequenceNumber]struct{}),
		requestedFrags:    make(map[rtps.SequenceNumber][]rtps.FragmentNumber),
	}
}

// Locators returns the destinations for this proxy, unicast preferred.
func (p *Proxy) Locators() []rtps.Locator {
	if len(p.UnicastLocators) > 0 {
		return p.UnicastLocators
	}
	return p.MulticastLocators
}

// Acked returns the highest acknowledged sequence number.
func (p *Proxy) Acked() rtps.SequenceNumber { return p.acked }

// HighestSent returns the highest sequence number sent to the reader.
func (p *Proxy) HighestSent() rtps.SequenceNumber { return p.highestSent }

// handleAckNack applies an acknack if its count is fresh: everything
// below base is acknowledged and dropped from the request set, the
// set members become requested.
func (p *Proxy) handleAckNack(ack *rtps.AckNackSubmessage) bool {
	if p.seenAckNack && ack.Count <= p.lastAckNackCount {
		return false
	}
	p.lastAckNackCount = ack.Count
	p.seenAckNack = true

	if acked := ack.ReaderSNState.Base - 1; acked > p.acked {
		p.acked = acked
	}
	for sn := range p.requested {
		if sn <= p.acked {
			delete(p.requested, sn)
		}
	}
	for _, sn := range ack.ReaderSNState.Members() {
		p.requested[sn] = struct{}{}
	}
	return true
}

// handleNackFrag records a fragment retransmission request if its
// count is fresh.
func (p *Proxy) handleNackFrag(nack *rtps.NackFragSubmessage) bool {
	if p.seenNackFrag && nack.Count <= p.lastNackFragCount {
		return false
	}
	p.lastNackFragCount = nack.Count
	p.seenNackFrag = true
	p.requestedFrags[nack.WriterSN] = append(
		p.requestedFrags[nack.WriterSN], nack.FragmentNumberState.Members()...)
	return true
}

// takeRequested drains and returns the requested sequence numbers in
// ascending order.
func (p *Proxy) takeRequested() []rtps.SequenceNumber {
	if len(p.requested) == 0 {
		return nil
	}
	out := make([]rtps.SequenceNumber, 0, len(p.requested))
	for sn := range p.requested {
		out = append(out, sn)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	p.requested = make(map[rtps.SequenceNumber]struct{})
	return out
}

// nextHeartbeatCount increments and returns the heartbeat counter.
func (p *Proxy) nextHeartbeatCount() int32 {
	p.heartbeatCount++
	return p.heartbeatCount
}
