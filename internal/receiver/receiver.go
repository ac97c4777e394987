// Package receiver implements the RTPS message receiver: it walks the
// submessages of one inbound message, maintains the per-message
// receiver state (source prefix, destination prefix, timestamp, reply
// locators) and dispatches each payload submessage to the matching
// local endpoint.
//
// The dispatch tables mirror the procedure-table pattern used across
// the codebase: endpoints register by entity id, payloads route by the
// reader/writer ids carried in the submessage.
package receiver

import (
	"time"

	"github.com/marmos91/dittodds/internal/logger"
	"github.com/marmos91/dittodds/internal/protocol/rtps"
	"github.com/marmos91/dittodds/pkg/dds"
	"github.com/marmos91/dittodds/pkg/transport"
)

// ============================================================================
// Endpoint Contracts
// ============================================================================

// WriterEndpoint is the writer-side surface the receiver routes to.
type WriterEndpoint interface {
	Guid() rtps.Guid
	OnAckNack(readerGuid rtps.Guid, ack *rtps.AckNackSubmessage, now time.Time) []transport.Flight
	OnNackFrag(readerGuid rtps.Guid, nack *rtps.NackFragSubmessage) []transport.Flight
}

// ReaderEndpoint is the reader-side surface the receiver routes to.
type ReaderEndpoint interface {
	Guid() rtps.Guid
	OnData(writerGuid rtps.Guid, data *rtps.DataSubmessage, sourceTime dds.Time, now time.Time)
	OnDataFrag(writerGuid rtps.Guid, frag *rtps.DataFragSubmessage, sourceTime dds.Time, now time.Time)
	OnHeartbeat(writerGuid rtps.Guid, hb *rtps.HeartbeatSubmessage, now time.Time)
	OnGap(writerGuid rtps.Guid, gap *rtps.GapSubmessage, now time.Time)
}

// ============================================================================
// Receiver State
// ============================================================================

// state is the mutable receiver state of one message-processing pass
// (RTPS 2.4 §8.3.4): Info* submessages update it, payload submessages
// consume it.
type state struct {
	sourcePrefix rtps.GuidPrefix
	destPrefix   rtps.GuidPrefix
	haveTime     bool
	timestamp    dds.Time
}

// ============================================================================
// Receiver
// ============================================================================

// Receiver demultiplexes inbound RTPS messages to the endpoints of one
// participant.
type Receiver struct {
	localPrefix rtps.GuidPrefix

	writers map[rtps.EntityId]WriterEndpoint
	readers map[rtps.EntityId]ReaderEndpoint

	// Ignore lists, keyed before routing.
	ignoredParticipants  map[rtps.GuidPrefix]struct{}
	ignoredPublications  map[rtps.Guid]struct{}
	ignoredSubscriptions map[rtps.Guid]struct{}
}

// New creates a receiver for a participant.
func New(localPrefix rtps.GuidPrefix) *Receiver {
	return &Receiver{
		localPrefix:          localPrefix,
		writers:              make(map[rtps.EntityId]WriterEndpoint),
		readers:              make(map[rtps.EntityId]ReaderEndpoint),
		ignoredParticipants:  make(map[rtps.GuidPrefix]struct{}),
		ignoredPublications:  make(map[rtps.Guid]struct{}),
		ignoredSubscriptions: make(map[rtps.Guid]struct{}),
	}
}

// RegisterWriter adds a local writer endpoint to the dispatch table.
func (r *Receiver) RegisterWriter(w WriterEndpoint) {
	r.writers[w.Guid().EntityId] = w
}

// RegisterReader adds a local reader endpoint to the dispatch table.
func (r *Receiver) RegisterReader(rd ReaderEndpoint) {
	r.readers[rd.Guid().EntityId] = rd
}

// UnregisterWriter removes a local writer endpoint.
func (r *Receiver) UnregisterWriter(id rtps.EntityId) {
	delete(r.writers, id)
}

// UnregisterReader removes a local reader endpoint.
func (r *Receiver) UnregisterReader(id rtps.EntityId) {
	delete(r.readers, id)
}

// IgnoreParticipant drops all traffic from a remote participant.
func (r *Receiver) IgnoreParticipant(prefix rtps.GuidPrefix) {
	r.ignoredParticipants[prefix] = struct{}{}
}

// IgnorePublication drops all traffic from a remote writer.
func (r *Receiver) IgnorePublication(guid rtps.Guid) {
	r.ignoredPublications[guid] = struct{}{}
}

// IgnoreSubscription drops all traffic from a remote reader.
func (r *Receiver) IgnoreSubscription(guid rtps.Guid) {
	r.ignoredSubscriptions[guid] = struct{}{}
}

// ============================================================================
// Processing
// ============================================================================

// Process decodes one inbound frame and dispatches its submessages.
// Malformed frames are logged and dropped; the error never propagates.
// Returns the flights produced by writer endpoints servicing acknacks.
func (r *Receiver) Process(frame []byte, now time.Time) []transport.Flight {
	reader, err := rtps.DecodeMessage(frame)
	if err != nil {
		logger.Warn("Dropping malformed RTPS message", "error", err)
		return nil
	}
	if reader.Header.GuidPrefix == r.localPrefix {
		// Our own multicast loopback.
		return nil
	}
	if _, ignored := r.ignoredParticipants[reader.Header.GuidPrefix]; ignored {
		return nil
	}

	st := state{sourcePrefix: reader.Header.GuidPrefix}
	var flights []transport.Flight
	for {
		sub, err := reader.Next()
		if err != nil {
			logger.Warn("Dropping rest of RTPS message",
				"source", st.sourcePrefix, "error", err)
			return flights
		}
		if sub == nil {
			return flights
		}
		flights = append(flights, r.dispatch(&st, sub, now)...)
	}
}

// dispatch routes one submessage, updating the receiver state for the
// Info* kinds.
func (r *Receiver) dispatch(st *state, sub rtps.Submessage, now time.Time) []transport.Flight {
	switch s := sub.(type) {
	case *rtps.InfoTimestampSubmessage:
		if s.InvalidateFlag {
			st.haveTime = false
		} else {
			sec, ns := s.Timestamp.Nanos()
			st.timestamp = dds.Time{Sec: sec, Nanosec: ns}
			st.haveTime = true
		}
	case *rtps.InfoDestinationSubmessage:
		st.destPrefix = s.GuidPrefix

	case *rtps.DataSubmessage:
		if !r.forLocal(st) {
			return nil
		}
		writerGuid := rtps.NewGuid(st.sourcePrefix, s.WriterId)
		if _, ignored := r.ignoredPublications[writerGuid]; ignored {
			return nil
		}
		ts := r.sourceTime(st, now)
		for _, rd := range r.readersFor(s.ReaderId) {
			rd.OnData(writerGuid, s, ts, now)
		}

	case *rtps.DataFragSubmessage:
		if !r.forLocal(st) {
			return nil
		}
		writerGuid := rtps.NewGuid(st.sourcePrefix, s.WriterId)
		if _, ignored := r.ignoredPublications[writerGuid]; ignored {
			return nil
		}
		ts := r.sourceTime(st, now)
		for _, rd := range r.readersFor(s.ReaderId) {
			rd.OnDataFrag(writerGuid, s, ts, now)
		}

	case *rtps.HeartbeatSubmessage:
		if !r.forLocal(st) {
			return nil
		}
		writerGuid := rtps.NewGuid(st.sourcePrefix, s.WriterId)
		if _, ignored := r.ignoredPublications[writerGuid]; ignored {
			return nil
		}
		for _, rd := range r.readersFor(s.ReaderId) {
			rd.OnHeartbeat(writerGuid, s, now)
		}

	case *rtps.GapSubmessage:
		if !r.forLocal(st) {
			return nil
		}
		writerGuid := rtps.NewGuid(st.sourcePrefix, s.WriterId)
		for _, rd := range r.readersFor(s.ReaderId) {
			rd.OnGap(writerGuid, s, now)
		}

	case *rtps.AckNackSubmessage:
		if !r.forLocal(st) {
			return nil
		}
		readerGuid := rtps.NewGuid(st.sourcePrefix, s.ReaderId)
		if _, ignored := r.ignoredSubscriptions[readerGuid]; ignored {
			return nil
		}
		var flights []transport.Flight
		for _, w := range r.writersFor(s.WriterId) {
			flights = append(flights, w.OnAckNack(readerGuid, s, now)...)
		}
		return flights

	case *rtps.NackFragSubmessage:
		if !r.forLocal(st) {
			return nil
		}
		readerGuid := rtps.NewGuid(st.sourcePrefix, s.ReaderId)
		if _, ignored := r.ignoredSubscriptions[readerGuid]; ignored {
			return nil
		}
		var flights []transport.Flight
		for _, w := range r.writersFor(s.WriterId) {
			flights = append(flights, w.OnNackFrag(readerGuid, s)...)
		}
		return flights
	}
	return nil
}

// forLocal checks the running destination prefix: unknown means "any
// participant on this locator", otherwise the message part is only for
// the named participant.
func (r *Receiver) forLocal(st *state) bool {
	return st.destPrefix == rtps.GuidPrefixUnknown || st.destPrefix == r.localPrefix
}

// sourceTime resolves the effective source timestamp: the receiver
// state's timestamp when an InfoTimestamp was seen, reception time
// otherwise.
func (r *Receiver) sourceTime(st *state, now time.Time) dds.Time {
	if st.haveTime {
		return st.timestamp
	}
	return dds.TimeFromGo(now)
}

// readersFor resolves the target readers: a specific entity id routes
// exactly, the unknown id broadcasts to every local reader (proxy
// filtering in the workers drops unmatched writers).
func (r *Receiver) readersFor(id rtps.EntityId) []ReaderEndpoint {
	if id != rtps.EntityIdUnknown {
		if rd, ok := r.readers[id]; ok {
			return []ReaderEndpoint{rd}
		}
		return nil
	}
	out := make([]ReaderEndpoint, 0, len(r.readers))
	for _, rd := range r.readers {
		out = append(out, rd)
	}
	return out
}

// writersFor mirrors readersFor for the writer table.
func (r *Receiver) writersFor(id rtps.EntityId) []WriterEndpoint {
	if id != rtps.EntityIdUnknown {
		if w, ok := r.writers[id]; ok {
			return []WriterEndpoint{w}
		}
		return nil
	}
	out := make([]WriterEndpoint, 0, len(r.writers))
	for _, w := range r.writers {
		out = append(out, w)
	}
	return out
}
