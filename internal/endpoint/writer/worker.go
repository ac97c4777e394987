package writer

import (
	"context"
	"sync"
	"time"

	"github.com/marmos91/dittodds/internal/logger"
	"github.com/marmos91/dittodds/internal/protocol/rtps"
	"github.com/marmos91/dittodds/pkg/dds"
	"github.com/marmos91/dittodds/pkg/history"
	"github.com/marmos91/dittodds/pkg/qos"
	"github.com/marmos91/dittodds/pkg/status"
	"github.com/marmos91/dittodds/pkg/transport"
)

// ============================================================================
// Writer Worker
// ============================================================================

// Config carries the protocol tuning of one writer.
type Config struct {
	HeartbeatPeriod time.Duration

	// DataMaxSizeSerialized is the largest payload sent as a single
	// Data submessage; anything larger is fragmented.
	DataMaxSizeSerialized int

	// FragmentSize is the payload size of each DataFrag.
	FragmentSize uint16
}

// DefaultConfig returns the standard writer tuning.
func DefaultConfig() Config {
	return Config{
		HeartbeatPeriod:       200 * time.Millisecond,
		DataMaxSizeSerialized: 16 * 1024,
		FragmentSize:          16 * 1024,
	}
}

// Worker drives the writer-side reliability state machine over the
// writer's history cache and its matched-reader proxies.
//
// The worker is invoked when a change is added, when an AckNack or
// NackFrag arrives, and on the heartbeat timer tick. Every invocation
// produces zero or more flights; it never touches the network itself.
type Worker struct {
	mu   sync.Mutex
	cond *sync.Cond

	guid        rtps.Guid
	prefix      rtps.GuidPrefix
	cache       *history.WriterCache
	writerQos   qos.DataWriterQos
	cfg         Config
	statuses    *status.WriterStatuses

	proxies map[rtps.Guid]*Proxy

	// Offered-deadline tracking per instance.
	lastWrite map[dds.InstanceHandle]time.Time

	// Manual-liveliness lease tracking.
	lastAssert time.Time
	leaseLost  bool
}

// NewWorker creates the state machine for one writer.
func NewWorker(guid rtps.Guid, cache *history.WriterCache, writerQos qos.DataWriterQos,
	cfg Config, statuses *status.WriterStatuses) *Worker {
	w := &Worker{
		guid:      guid,
		prefix:    guid.Prefix,
		cache:     cache,
		writerQos: writerQos,
		cfg:       cfg,
		statuses:  statuses,
		proxies:   make(map[rtps.Guid]*Proxy),
		lastWrite: make(map[dds.InstanceHandle]time.Time),
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Guid returns the writer's GUID.
func (w *Worker) Guid() rtps.Guid { return w.guid }

// ============================================================================
// Matching
// ============================================================================

// AddMatchedReader registers a proxy for a discovered compatible
// reader. Volatile readers start past the current history so they only
// see new samples; transient-local readers receive the retained
// history.
func (w *Worker) AddMatchedReader(p *Proxy) {
	w.mu.Lock()
	if p.Durability == qos.Volatile {
		p.FirstRelevantSN = w.cache.MaxSN()
		p.highestSent = p.FirstRelevantSN
		p.acked = p.FirstRelevantSN
	}
	w.proxies[p.RemoteGuid] = p
	w.mu.Unlock()
	w.statuses.AddMatch(dds.InstanceHandle(p.RemoteGuid.Bytes()))
}

// RemoveMatchedReader drops the proxy for an unmatched reader.
func (w *Worker) RemoveMatchedReader(remote rtps.Guid) {
	w.mu.Lock()
	_, ok := w.proxies[remote]
	delete(w.proxies, remote)
	w.mu.Unlock()
	if ok {
		w.statuses.RemoveMatch(dds.InstanceHandle(remote.Bytes()))
		w.cond.Broadcast()
	}
}

// MatchedReaders returns the GUIDs of the matched readers.
func (w *Worker) MatchedReaders() []rtps.Guid {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]rtps.Guid, 0, len(w.proxies))
	for g := range w.proxies {
		out = append(out, g)
	}
	return out
}

// ============================================================================
// Send Pass
// ============================================================================

// ProducePass runs one full send pass: lifespan sweeping, per-proxy
// unsent/requested servicing, and heartbeat pacing. Invoked after a
// change is added and on every heartbeat tick.
func (w *Worker) ProducePass(now time.Time) []transport.Flight {
	w.sweepLifespan(now)

	w.mu.Lock()
	defer w.mu.Unlock()

	var flights []transport.Flight
	for _, p := range w.proxies {
		flights = append(flights, w.passForProxyLocked(p, now)...)
	}
	return flights
}

// sweepLifespan purges changes older than the lifespan. The purged
// sequence numbers become gaps the moment a reader asks for them.
func (w *Worker) sweepLifespan(now time.Time) {
	lifespan := w.writerQos.Lifespan.Duration
	if lifespan <= 0 || lifespan == dds.DurationInfinite {
		return
	}
	removed := w.cache.RemoveIf(func(c *history.CacheChange) bool {
		return now.Sub(c.ReceptionTime) > lifespan
	})
	if len(removed) > 0 {
		logger.Debug("Lifespan purged changes",
			"writer", w.guid.String(),
			"count", len(removed),
			"first", int64(removed[0]))
	}
}

// passForProxyLocked runs the per-proxy state machine.
func (w *Worker) passForProxyLocked(p *Proxy, now time.Time) []transport.Flight {
	reliable := w.writerQos.Reliability.Kind == qos.Reliable && p.Reliability == qos.Reliable

	var flights []transport.Flight

	// Unsent changes: everything above highestSent up to the cache max.
	maxSN := w.cache.MaxSN()
	if p.highestSent < maxSN {
		for sn := p.highestSent + 1; sn <= maxSN; sn++ {
			flights = append(flights, w.flightsForChangeLocked(p, sn, reliable, now)...)
		}
		p.highestSent = maxSN
	}

	if !reliable {
		return flights
	}

	// Requested changes (negative acknowledgments).
	for _, sn := range p.takeRequested() {
		flights = append(flights, w.flightsForChangeLocked(p, sn, true, now)...)
	}

	// Fragment retransmissions.
	flights = append(flights, w.fragmentResendsLocked(p)...)

	// Standalone heartbeat while changes are unacknowledged.
	if p.acked < maxSN && now.Sub(p.lastHeartbeat) >= w.cfg.HeartbeatPeriod {
		flights = append(flights, w.heartbeatFlightLocked(p))
		p.lastHeartbeat = now
	}
	return flights
}

// flightsForChangeLocked emits the submessages for one sequence
// number: Data (or DataFrag series) when present and relevant, a Gap
// otherwise.
func (w *Worker) flightsForChangeLocked(p *Proxy, sn rtps.SequenceNumber, reliable bool, now time.Time) []transport.Flight {
	change, present := w.cache.Get(sn)
	if !present || sn <= p.FirstRelevantSN {
		return []transport.Flight{w.gapFlightLocked(p, sn, reliable)}
	}

	if len(change.Data) > w.cfg.DataMaxSizeSerialized && change.Kind == dds.Alive {
		return w.fragmentFlightsLocked(p, change, reliable, now)
	}

	subs := w.framePrefixLocked(p, reliable)
	subs = append(subs, &rtps.InfoTimestampSubmessage{
		LittleEndian: true,
		Timestamp:    rtps.TimeFromNanos(change.SourceTimestamp.Sec, change.SourceTimestamp.Nanosec),
	})
	data := &rtps.DataSubmessage{
		LittleEndian:   true,
		DataFlag:       change.Kind == dds.Alive,
		KeyFlag:        change.Kind != dds.Alive && len(change.Data) > 0,
		ReaderId:       p.RemoteGuid.EntityId,
		WriterId:       w.guid.EntityId,
		WriterSN:       sn,
		SerializedData: change.Data,
	}
	if !change.InlineQos.IsEmpty() || p.ExpectsInlineQos {
		data.InlineQosFlag = true
		data.InlineQos = change.InlineQos
	}
	subs = append(subs, data)
	if reliable {
		subs = append(subs, w.heartbeatSubLocked(p, true))
		p.lastHeartbeat = now
	}
	return []transport.Flight{w.buildFlight(p, subs)}
}

// fragmentFlightsLocked splits an oversize change into DataFrag
// datagrams of the configured fragment size.
func (w *Worker) fragmentFlightsLocked(p *Proxy, change *history.CacheChange, reliable bool, now time.Time) []transport.Flight {
	fragSize := int(w.cfg.FragmentSize)
	total := (len(change.Data) + fragSize - 1) / fragSize

	flights := make([]transport.Flight, 0, total)
	for i := 0; i < total; i++ {
		lo := i * fragSize
		hi := lo + fragSize
		if hi > len(change.Data) {
			hi = len(change.Data)
		}
		subs := w.framePrefixLocked(p, reliable)
		subs = append(subs, &rtps.InfoTimestampSubmessage{
			LittleEndian: true,
			Timestamp:    rtps.TimeFromNanos(change.SourceTimestamp.Sec, change.SourceTimestamp.Nanosec),
		})
		frag := &rtps.DataFragSubmessage{
			LittleEndian:          true,
			ReaderId:              p.RemoteGuid.EntityId,
			WriterId:              w.guid.EntityId,
			WriterSN:              change.SequenceNumber,
			FragmentStartingNum:   rtps.FragmentNumber(i + 1),
			FragmentsInSubmessage: 1,
			FragmentSize:          w.cfg.FragmentSize,
			SampleSize:            uint32(len(change.Data)),
			SerializedData:        change.Data[lo:hi],
		}
		if !change.InlineQos.IsEmpty() || p.ExpectsInlineQos {
			frag.InlineQosFlag = true
			frag.InlineQos = change.InlineQos
		}
		subs = append(subs, frag)
		if reliable {
			subs = append(subs, w.heartbeatSubLocked(p, true))
			p.lastHeartbeat = now
		}
		flights = append(flights, w.buildFlight(p, subs))
	}
	return flights
}

// fragmentResendsLocked services NackFrag requests: only the asked-for
// fragments are retransmitted.
func (w *Worker) fragmentResendsLocked(p *Proxy) []transport.Flight {
	if len(p.requestedFrags) == 0 {
		return nil
	}
	var flights []transport.Flight
	fragSize := int(w.cfg.FragmentSize)
	for sn, frags := range p.requestedFrags {
		change, present := w.cache.Get(sn)
		if !present {
			flights = append(flights, w.gapFlightLocked(p, sn, true))
			continue
		}
		total := (len(change.Data) + fragSize - 1) / fragSize
		for _, fn := range frags {
			idx := int(fn) - 1
			if idx < 0 || idx >= total {
				continue
			}
			lo := idx * fragSize
			hi := lo + fragSize
			if hi > len(change.Data) {
				hi = len(change.Data)
			}
			subs := w.framePrefixLocked(p, true)
			subs = append(subs, &rtps.DataFragSubmessage{
				LittleEndian:          true,
				ReaderId:              p.RemoteGuid.EntityId,
				WriterId:              w.guid.EntityId,
				WriterSN:              sn,
				FragmentStartingNum:   fn,
				FragmentsInSubmessage: 1,
				FragmentSize:          w.cfg.FragmentSize,
				SampleSize:            uint32(len(change.Data)),
				SerializedData:        change.Data[lo:hi],
			})
			flights = append(flights, w.buildFlight(p, subs))
		}
	}
	p.requestedFrags = make(map[rtps.SequenceNumber][]rtps.FragmentNumber)
	return flights
}

// gapFlightLocked emits a single-SN gap.
func (w *Worker) gapFlightLocked(p *Proxy, sn rtps.SequenceNumber, reliable bool) transport.Flight {
	subs := w.framePrefixLocked(p, reliable)
	subs = append(subs, &rtps.GapSubmessage{
		LittleEndian: true,
		ReaderId:     p.RemoteGuid.EntityId,
		WriterId:     w.guid.EntityId,
		GapStart:     sn,
		GapList:      rtps.SequenceNumberSet{Base: sn + 1},
	})
	if reliable {
		subs = append(subs, w.heartbeatSubLocked(p, true))
	}
	return w.buildFlight(p, subs)
}

// heartbeatFlightLocked emits a standalone (non-final) heartbeat.
func (w *Worker) heartbeatFlightLocked(p *Proxy) transport.Flight {
	subs := w.framePrefixLocked(p, true)
	subs = append(subs, w.heartbeatSubLocked(p, false))
	return w.buildFlight(p, subs)
}

// heartbeatSubLocked builds the heartbeat submessage announcing the
// current cache range.
func (w *Worker) heartbeatSubLocked(p *Proxy, final bool) rtps.Submessage {
	first := w.cache.MinSN()
	last := w.cache.MaxSN()
	if first == 0 {
		// Empty cache: announce (last+1, last).
		first = last + 1
	}
	return &rtps.HeartbeatSubmessage{
		LittleEndian: true,
		FinalFlag:    final,
		ReaderId:     p.RemoteGuid.EntityId,
		WriterId:     w.guid.EntityId,
		FirstSN:      first,
		LastSN:       last,
		Count:        p.nextHeartbeatCount(),
	}
}

// framePrefixLocked starts a reliable datagram with the destination
// prefix so multi-participant hosts demultiplex correctly.
func (w *Worker) framePrefixLocked(p *Proxy, reliable bool) []rtps.Submessage {
	if !reliable {
		return nil
	}
	return []rtps.Submessage{&rtps.InfoDestinationSubmessage{
		LittleEndian: true,
		GuidPrefix:   p.RemoteGuid.Prefix,
	}}
}

func (w *Worker) buildFlight(p *Proxy, subs []rtps.Submessage) transport.Flight {
	return transport.Flight{
		Destinations: p.Locators(),
		Frame:        rtps.EncodeMessage(rtps.NewHeader(w.prefix), subs),
	}
}

// ============================================================================
// Inbound Protocol Handling
// ============================================================================

// OnAckNack services an acknack from a matched reader: acknowledged
// changes are released, requested ones are queued and immediately
// retransmitted. Stale counts are ignored.
func (w *Worker) OnAckNack(readerGuid rtps.Guid, ack *rtps.AckNackSubmessage, now time.Time) []transport.Flight {
	w.mu.Lock()
	p, ok := w.proxies[readerGuid]
	if !ok {
		w.mu.Unlock()
		return nil
	}
	fresh := p.handleAckNack(ack)
	if !fresh {
		w.mu.Unlock()
		return nil
	}

	var flights []transport.Flight
	for _, sn := range p.takeRequested() {
		flights = append(flights, w.flightsForChangeLocked(p, sn, true, now)...)
	}
	w.mu.Unlock()

	w.cond.Broadcast()
	return flights
}

// OnNackFrag services a fragment-level negative acknowledgment.
func (w *Worker) OnNackFrag(readerGuid rtps.Guid, nack *rtps.NackFragSubmessage) []transport.Flight {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.proxies[readerGuid]
	if !ok || !p.handleNackFrag(nack) {
		return nil
	}
	return w.fragmentResendsLocked(p)
}

// ============================================================================
// Acknowledgment Waiting
// ============================================================================

// WaitForAcknowledgments blocks until every reliable matched reader
// has acknowledged every change in the cache, or the context deadline
// elapses (dds.ErrTimeout). Best-effort readers never acknowledge and
// are not part of the wait set.
func (w *Worker) WaitForAcknowledgments(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { w.cond.Broadcast() })
	defer stop()

	w.mu.Lock()
	defer w.mu.Unlock()
	for {
		if w.allAckedLocked() {
			return nil
		}
		if ctx.Err() != nil {
			return dds.ErrTimeout
		}
		w.cond.Wait()
	}
}

func (w *Worker) allAckedLocked() bool {
	maxSN := w.cache.MaxSN()
	for _, p := range w.proxies {
		if w.writerQos.Reliability.Kind != qos.Reliable || p.Reliability != qos.Reliable {
			continue
		}
		if p.acked < maxSN {
			return false
		}
	}
	return true
}

// ============================================================================
// Offered Deadline
// ============================================================================

// RecordWrite arms the offered-deadline clock for an instance and
// asserts liveliness.
func (w *Worker) RecordWrite(instance dds.InstanceHandle, now time.Time) {
	w.mu.Lock()
	w.lastWrite[instance] = now
	w.lastAssert = now
	w.leaseLost = false
	w.mu.Unlock()
}

// AssertLiveliness refreshes the manual liveliness lease without
// writing.
func (w *Worker) AssertLiveliness(now time.Time) {
	w.mu.Lock()
	w.lastAssert = now
	w.leaseLost = false
	w.mu.Unlock()
}

// CheckLiveliness raises LivelinessLost once per lapse when a
// manual-liveliness writer outlives its lease without asserting.
// Automatic-liveliness writers never lose their lease; the stack
// asserts on their behalf through the heartbeat traffic.
func (w *Worker) CheckLiveliness(now time.Time) {
	lease := w.writerQos.Liveliness.LeaseDuration
	if w.writerQos.Liveliness.Kind == qos.AutomaticLiveliness ||
		lease <= 0 || lease == dds.DurationInfinite {
		return
	}
	w.mu.Lock()
	lapsed := !w.leaseLost && !w.lastAssert.IsZero() && now.Sub(w.lastAssert) > lease
	if lapsed {
		w.leaseLost = true
	}
	w.mu.Unlock()
	if lapsed {
		w.statuses.AddLivelinessLost()
	}
}

// CheckDeadlines raises OfferedDeadlineMissed for every instance the
// writer has not updated within the deadline period. Invoked from the
// writer's timer task.
func (w *Worker) CheckDeadlines(now time.Time) {
	period := w.writerQos.Deadline.Period
	if period <= 0 || period == dds.DurationInfinite {
		return
	}
	w.mu.Lock()
	var missed []dds.InstanceHandle
	for inst, last := range w.lastWrite {
		if now.Sub(last) >= period {
			missed = append(missed, inst)
			w.lastWrite[inst] = now
		}
	}
	w.mu.Unlock()
	for _, inst := range missed {
		w.statuses.AddDeadlineMissed(inst)
	}
}
