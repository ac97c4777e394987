package reader

import (
	"encoding/binary"
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
// Configuration
// ============================================================================

// Config carries the protocol tuning of one reader.
type Config struct {
	// HeartbeatResponseDelay postpones the acknack reply to a
	// heartbeat, letting in-flight data land first.
	HeartbeatResponseDelay time.Duration

	// Promiscuous accepts data from writers with no matched proxy by
	// creating a best-effort proxy on first contact. Used by the
	// stateless SPDP detector, which must hear from participants it
	// has not discovered yet.
	Promiscuous bool
}

// DefaultConfig returns the standard reader tuning.
func DefaultConfig() Config {
	return Config{HeartbeatResponseDelay: 5 * time.Millisecond}
}

// KeyExtractor derives the serialized key from an alive payload. It is
// the TypeSupport hook; nil means a keyless topic where every sample
// belongs to the nil instance.
type KeyExtractor func(payload []byte) []byte

// ============================================================================
// Reader Worker
// ============================================================================

// Worker drives the reader-side protocol state machine: it accepts
// Data/DataFrag/Heartbeat/Gap submessages for its matched writers,
// feeds the reader cache, schedules acknacks and nackfrags, and runs
// the liveliness and deadline clocks.
type Worker struct {
	mu sync.Mutex

	guid       rtps.Guid
	cache      *history.ReaderCache
	readerQos  qos.DataReaderQos
	cfg        Config
	statuses   *status.ReaderStatuses
	extractKey KeyExtractor

	proxies map[rtps.Guid]*Proxy

	// Requested-deadline tracking per instance.
	lastSample map[dds.InstanceHandle]time.Time
}

// NewWorker creates the state machine for one reader.
func NewWorker(guid rtps.Guid, cache *history.ReaderCache, readerQos qos.DataReaderQos,
	cfg Config, statuses *status.ReaderStatuses, extractKey KeyExtractor) *Worker {
	return &Worker{
		guid:       guid,
		cache:      cache,
		readerQos:  readerQos,
		cfg:        cfg,
		statuses:   statuses,
		extractKey: extractKey,
		proxies:    make(map[rtps.Guid]*Proxy),
		lastSample: make(map[dds.InstanceHandle]time.Time),
	}
}

// Guid returns the reader's GUID.
func (w *Worker) Guid() rtps.Guid { return w.guid }

// ============================================================================
// Matching
// ============================================================================

// AddMatchedWriter registers a proxy for a discovered compatible
// writer and marks it alive.
func (w *Worker) AddMatchedWriter(p *Proxy, now time.Time) {
	w.mu.Lock()
	p.assertLiveliness(now)
	w.proxies[p.RemoteGuid] = p
	w.mu.Unlock()
	w.statuses.AddMatch(dds.InstanceHandle(p.RemoteGuid.Bytes()))
	w.statuses.LivelinessUp(dds.InstanceHandle(p.RemoteGuid.Bytes()))
}

// RemoveMatchedWriter drops the proxy and transitions its instances.
func (w *Worker) RemoveMatchedWriter(remote rtps.Guid) {
	w.mu.Lock()
	p, ok := w.proxies[remote]
	delete(w.proxies, remote)
	w.mu.Unlock()
	if !ok {
		return
	}
	if p.alive {
		w.statuses.LivelinessDown(dds.InstanceHandle(remote.Bytes()))
	}
	w.cache.WriterLost(remote)
	w.statuses.RemoveMatch(dds.InstanceHandle(remote.Bytes()))
}

// MatchedWriters returns the GUIDs of the matched writers.
func (w *Worker) MatchedWriters() []rtps.Guid {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]rtps.Guid, 0, len(w.proxies))
	for g := range w.proxies {
		out = append(out, g)
	}
	return out
}

// ============================================================================
// Inbound Data
// ============================================================================

// OnData processes one Data submessage from a matched writer.
// sourceTime is the receiver-state timestamp (from InfoTimestamp);
// now is the reception time.
func (w *Worker) OnData(writerGuid rtps.Guid, data *rtps.DataSubmessage, sourceTime dds.Time, now time.Time) {
	w.mu.Lock()
	p, ok := w.proxies[writerGuid]
	if !ok {
		if !w.cfg.Promiscuous {
			w.mu.Unlock()
			return
		}
		p = NewProxy(writerGuid, qos.BestEffort, 0, dds.DurationInfinite, nil, nil)
		w.proxies[writerGuid] = p
	}
	if fresh := p.assertLiveliness(now); fresh {
		w.statuses.LivelinessUp(dds.InstanceHandle(writerGuid.Bytes()))
	}

	sn := data.WriterSN
	if !p.shouldAcceptData(sn) {
		w.mu.Unlock()
		return
	}

	// Best-effort loss accounting: a jump past the expected next
	// sequence number is a permanent loss.
	bestEffort := w.readerQos.Reliability.Kind == qos.BestEffort || p.Reliability == qos.BestEffort
	var lost int32
	if bestEffort {
		if sn > p.expectedNext {
			lost = int32(sn - p.expectedNext)
		}
		if sn >= p.expectedNext {
			p.expectedNext = sn + 1
		}
	}
	strength := p.OwnershipStrength
	w.mu.Unlock()

	if lost > 0 {
		w.statuses.AddSamplesLost(lost)
	}
	w.acceptChange(writerGuid, data.KeyFlag, data.DataFlag, data.InlineQos, data.SerializedData, sourceTime, now, strength)
}

// OnDataFrag processes one DataFrag submessage, feeding the change
// through the same path as OnData once reassembly completes.
func (w *Worker) OnDataFrag(writerGuid rtps.Guid, frag *rtps.DataFragSubmessage, sourceTime dds.Time, now time.Time) {
	w.mu.Lock()
	p, ok := w.proxies[writerGuid]
	if !ok {
		w.mu.Unlock()
		return
	}
	if fresh := p.assertLiveliness(now); fresh {
		w.statuses.LivelinessUp(dds.InstanceHandle(writerGuid.Bytes()))
	}

	sn := frag.WriterSN
	if _, dup := p.received[sn]; dup || sn < p.firstAvailable {
		w.mu.Unlock()
		return
	}

	a, ok := p.assemblies[sn]
	if !ok {
		a = newAssembly(frag.SampleSize, frag.FragmentSize)
		p.assemblies[sn] = a
	}
	complete := a.add(frag.FragmentStartingNum, frag.SerializedData)
	if !complete {
		w.mu.Unlock()
		return
	}

	delete(p.assemblies, sn)
	if !p.shouldAcceptData(sn) {
		w.mu.Unlock()
		return
	}
	strength := p.OwnershipStrength
	payload := a.data
	w.mu.Unlock()

	w.acceptChange(writerGuid, frag.KeyFlag, !frag.KeyFlag, frag.InlineQos, payload, sourceTime, now, strength)
}

// acceptChange decodes change metadata from the inline QoS and feeds
// the reader cache, raising the matching statuses.
func (w *Worker) acceptChange(writerGuid rtps.Guid, keyFlag, dataFlag bool,
	inlineQos rtps.ParameterList, payload []byte, sourceTime dds.Time, now time.Time, strength int32) {

	kind := changeKindFromInlineQos(inlineQos, dataFlag)
	instance := w.instanceHandle(inlineQos, payload, kind)

	var data []byte
	if kind == dds.Alive {
		// The payload borrows the inbound buffer; the cache outlives
		// the processing pass, so copy.
		data = append([]byte(nil), payload...)
	}

	res := w.cache.Accept(kind, writerGuid, instance, sourceTime,
		dds.TimeFromGo(now), data, inlineQos, strength)
	switch {
	case res.Rejected != status.NotRejected:
		w.statuses.AddSampleRejected(res.Rejected, instance)
	case res.Stored:
		w.armDeadline(instance, now)
		w.statuses.RaiseDataAvailable()
	}
}

// instanceHandle resolves the instance for a change: the key-hash
// inline parameter wins, then the type-support key extractor, then the
// nil instance (keyless topics).
func (w *Worker) instanceHandle(inlineQos rtps.ParameterList, payload []byte, kind dds.ChangeKind) dds.InstanceHandle {
	if hash, ok := inlineQos.Lookup(rtps.PidKeyHash); ok && len(hash) == 16 {
		var h dds.InstanceHandle
		copy(h[:], hash)
		return h
	}
	if kind != dds.Alive {
		// A dispose/unregister without a key hash carries the
		// serialized key as payload.
		if len(payload) > 4 {
			return dds.KeyHash(payload[4:])
		}
		return dds.HandleNil
	}
	if w.extractKey != nil {
		return dds.KeyHash(w.extractKey(payload))
	}
	return dds.HandleNil
}

// ============================================================================
// Heartbeat / Gap
// ============================================================================

// OnHeartbeat folds a heartbeat into the proxy window and schedules an
// acknack reply. A final heartbeat with nothing missing suppresses the
// reply.
func (w *Worker) OnHeartbeat(writerGuid rtps.Guid, hb *rtps.HeartbeatSubmessage, now time.Time) {
	w.mu.Lock()
	p, ok := w.proxies[writerGuid]
	if !ok {
		w.mu.Unlock()
		return
	}
	if fresh := p.assertLiveliness(now); fresh {
		w.statuses.LivelinessUp(dds.InstanceHandle(writerGuid.Bytes()))
	}
	if !p.applyHeartbeat(hb) {
		w.mu.Unlock()
		return
	}

	reliable := w.readerQos.Reliability.Kind == qos.Reliable && p.Reliability == qos.Reliable
	if !reliable {
		w.mu.Unlock()
		return
	}
	if hb.FinalFlag && len(p.missing) == 0 {
		w.mu.Unlock()
		return
	}
	if !p.acknackPending {
		p.acknackPending = true
		p.acknackDue = now.Add(w.cfg.HeartbeatResponseDelay)
	}
	w.mu.Unlock()
}

// OnGap marks the announced range irrelevant. Gapped sequence numbers
// are a relevance signal, never a loss.
func (w *Worker) OnGap(writerGuid rtps.Guid, gap *rtps.GapSubmessage, now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.proxies[writerGuid]
	if !ok {
		return
	}
	if fresh := p.assertLiveliness(now); fresh {
		w.statuses.LivelinessUp(dds.InstanceHandle(writerGuid.Bytes()))
	}
	p.applyGap(gap)
}

// ============================================================================
// Scheduled Replies
// ============================================================================

// ProduceReplies emits every due acknack and the nackfrags for
// incomplete assemblies. Invoked from the reader's timer task.
func (w *Worker) ProduceReplies(now time.Time) []transport.Flight {
	w.mu.Lock()
	defer w.mu.Unlock()

	var flights []transport.Flight
	for _, p := range w.proxies {
		if p.acknackPending && !now.Before(p.acknackDue) {
			p.acknackPending = false
			flights = append(flights, w.acknackFlightLocked(p))
		}
		flights = append(flights, w.nackFragFlightsLocked(p)...)
	}
	return flights
}

// acknackFlightLocked builds the acknack datagram for a proxy.
func (w *Worker) acknackFlightLocked(p *Proxy) transport.Flight {
	set := p.missingSet()
	subs := []rtps.Submessage{
		&rtps.InfoDestinationSubmessage{LittleEndian: true, GuidPrefix: p.RemoteGuid.Prefix},
		&rtps.AckNackSubmessage{
			LittleEndian:  true,
			FinalFlag:     set.IsEmpty(),
			ReaderId:      w.guid.EntityId,
			WriterId:      p.RemoteGuid.EntityId,
			ReaderSNState: set,
			Count:         p.nextAckNackCount(),
		},
	}
	return transport.Flight{
		Destinations: p.Locators(),
		Frame:        rtps.EncodeMessage(rtps.NewHeader(w.guid.Prefix), subs),
	}
}

// nackFragFlightsLocked requests the missing fragments of every
// incomplete assembly inside the writer's announced window.
func (w *Worker) nackFragFlightsLocked(p *Proxy) []transport.Flight {
	var flights []transport.Flight
	for sn, a := range p.assemblies {
		if sn > p.lastAvailable {
			continue
		}
		missing := a.missing()
		if len(missing) == 0 {
			continue
		}
		var set rtps.FragmentNumberSet
		set.Base = missing[0]
		for _, fn := range missing {
			set.Insert(fn)
		}
		subs := []rtps.Submessage{
			&rtps.InfoDestinationSubmessage{LittleEndian: true, GuidPrefix: p.RemoteGuid.Prefix},
			&rtps.NackFragSubmessage{
				LittleEndian:        true,
				ReaderId:            w.guid.EntityId,
				WriterId:            p.RemoteGuid.EntityId,
				WriterSN:            sn,
				FragmentNumberState: set,
				Count:               p.nextNackFragCount(),
			},
		}
		flights = append(flights, transport.Flight{
			Destinations: p.Locators(),
			Frame:        rtps.EncodeMessage(rtps.NewHeader(w.guid.Prefix), subs),
		})
	}
	return flights
}

// ============================================================================
// Liveliness and Deadline Clocks
// ============================================================================

// CheckLiveliness expires writer leases, transitioning their instances
// to no-writers and raising LivelinessChanged.
func (w *Worker) CheckLiveliness(now time.Time) {
	w.mu.Lock()
	var expired []rtps.Guid
	for g, p := range w.proxies {
		if p.leaseExpired(now) {
			p.alive = false
			expired = append(expired, g)
		}
	}
	w.mu.Unlock()

	for _, g := range expired {
		logger.Debug("Writer liveliness lease expired",
			"reader", w.guid.String(), "writer", g.String())
		w.statuses.LivelinessDown(dds.InstanceHandle(g.Bytes()))
		w.cache.WriterLost(g)
	}

	w.cache.Autopurge(dds.TimeFromGo(now))
}

// armDeadline (re)starts the requested-deadline clock for an instance.
func (w *Worker) armDeadline(instance dds.InstanceHandle, now time.Time) {
	period := w.readerQos.Deadline.Period
	if period <= 0 || period == dds.DurationInfinite {
		return
	}
	w.mu.Lock()
	w.lastSample[instance] = now
	w.mu.Unlock()
}

// CheckDeadlines raises RequestedDeadlineMissed for every instance
// that went quiet past the deadline period, releasing exclusive
// ownership so a weaker writer can take over.
func (w *Worker) CheckDeadlines(now time.Time) {
	period := w.readerQos.Deadline.Period
	if period <= 0 || period == dds.DurationInfinite {
		return
	}
	w.mu.Lock()
	var missed []dds.InstanceHandle
	for inst, last := range w.lastSample {
		if now.Sub(last) >= period {
			missed = append(missed, inst)
			w.lastSample[inst] = now
		}
	}
	w.mu.Unlock()

	for _, inst := range missed {
		w.cache.ReleaseOwnership(inst)
		w.statuses.AddDeadlineMissed(inst)
	}
}

// ============================================================================
// Change Kind Decoding
// ============================================================================

// changeKindFromInlineQos derives the change kind from the status-info
// inline parameter: bit 0 disposes, bit 1 unregisters. A payload-less
// submessage without status info is ignored as alive data.
func changeKindFromInlineQos(inlineQos rtps.ParameterList, dataFlag bool) dds.ChangeKind {
	v, ok := inlineQos.Lookup(rtps.PidStatusInfo)
	if !ok || len(v) < 4 {
		return dds.Alive
	}
	flags := binary.BigEndian.Uint32(v)
	dispose := flags&0x1 != 0
	unregister := flags&0x2 != 0
	switch {
	case dispose && unregister:
		return dds.NotAliveDisposedUnregistered
	case dispose:
		return dds.NotAliveDisposed
	case unregister:
		return dds.NotAliveUnregistered
	default:
		return dds.Alive
	}
}
