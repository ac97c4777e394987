package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/marmos91/dittodds/internal/endpoint/reader"
	"github.com/marmos91/dittodds/internal/endpoint/writer"
	"github.com/marmos91/dittodds/internal/logger"
	"github.com/marmos91/dittodds/internal/protocol/rtps"
	"github.com/marmos91/dittodds/internal/receiver"
	"github.com/marmos91/dittodds/pkg/dds"
	"github.com/marmos91/dittodds/pkg/history"
	"github.com/marmos91/dittodds/pkg/qos"
	"github.com/marmos91/dittodds/pkg/status"
	"github.com/marmos91/dittodds/pkg/transport"
)

// ============================================================================
// Local Endpoint Records
// ============================================================================

// LocalWriter is a user writer as the engine sees it: the protocol
// worker plus everything needed to announce and match it.
type LocalWriter struct {
	Worker       *writer.Worker
	Statuses     *status.WriterStatuses
	TopicName    string
	TypeName     string
	Qos          qos.DataWriterQos
	PublisherQos qos.PublisherQos
}

// LocalReader is a user reader as the engine sees it.
type LocalReader struct {
	Worker           *reader.Worker
	Statuses         *status.ReaderStatuses
	TopicName        string
	TypeName         string
	Qos              qos.DataReaderQos
	SubscriberQos    qos.SubscriberQos
	ExpectsInlineQos bool
}

// ============================================================================
// Engine Configuration
// ============================================================================

// Config tunes the discovery engine.
type Config struct {
	// ResendPeriod is the SPDP participant announcement interval.
	ResendPeriod time.Duration

	// SpdpMulticastLocators are the destinations of the participant
	// announcements.
	SpdpMulticastLocators []rtps.Locator
}

// DefaultConfig returns the standard discovery tuning: 5 s resend to
// the well-known SPDP multicast group of domain 0.
func DefaultConfig() Config {
	return Config{
		ResendPeriod:          5 * time.Second,
		SpdpMulticastLocators: []rtps.Locator{rtps.NewUDPv4Locator(7400, 239, 255, 0, 1)},
	}
}

// sedpWriterQos returns the reliable SEDP announcer QoS.
func sedpWriterQos() qos.DataWriterQos {
	q := qos.DefaultDataWriterQos()
	q.Reliability.Kind = qos.Reliable
	q.Durability.Kind = qos.TransientLocal
	q.History = qos.History{Kind: qos.KeepLast, Depth: 1}
	return q
}

func sedpReaderQos() qos.DataReaderQos {
	q := qos.DefaultDataReaderQos()
	q.Reliability.Kind = qos.Reliable
	q.Durability.Kind = qos.TransientLocal
	q.History = qos.History{Kind: qos.KeepLast, Depth: 1}
	return q
}

func spdpWriterQos() qos.DataWriterQos {
	q := qos.DefaultDataWriterQos()
	q.Reliability.Kind = qos.BestEffort
	q.Durability.Kind = qos.TransientLocal
	q.History = qos.History{Kind: qos.KeepLast, Depth: 1}
	return q
}

// spdpDetectorConfig: the SPDP detector must accept announcements from
// participants it has never seen, so it runs promiscuous.
func spdpDetectorConfig() reader.Config {
	cfg := reader.DefaultConfig()
	cfg.Promiscuous = true
	return cfg
}

func spdpReaderQos() qos.DataReaderQos {
	q := qos.DefaultDataReaderQos()
	q.Reliability.Kind = qos.BestEffort
	q.Durability.Kind = qos.TransientLocal
	q.History = qos.History{Kind: qos.KeepLast, Depth: 1}
	return q
}

// builtin bundles one built-in writer/reader pair.
type builtin struct {
	writerCache *history.WriterCache
	writer      *writer.Worker
	readerCache *history.ReaderCache
	reader      *reader.Worker
}

// ============================================================================
// Engine
// ============================================================================

// Engine owns the built-in discovery endpoints of one participant. It
// announces the participant and its endpoints, ingests remote
// announcements, and drives match/unmatch of user endpoints.
type Engine struct {
	mu sync.Mutex

	cfg   Config
	local *ParticipantData

	spdp         builtin
	publications builtin
	subscriptions builtin
	topics       builtin

	participants map[rtps.GuidPrefix]*ParticipantData
	remoteWriters map[rtps.Guid]*WriterData
	remoteReaders map[rtps.Guid]*ReaderData
	remoteTopics  map[string]*TopicData

	localWriters map[rtps.Guid]*LocalWriter
	localReaders map[rtps.Guid]*LocalReader

	lastAnnounce time.Time
}

// newBuiltin wires one built-in endpoint pair on the reserved ids.
func newBuiltin(prefix rtps.GuidPrefix, writerId, readerId rtps.EntityId,
	wq qos.DataWriterQos, rq qos.DataReaderQos, rcfg reader.Config) builtin {
	wguid := rtps.NewGuid(prefix, writerId)
	rguid := rtps.NewGuid(prefix, readerId)
	wcache := history.NewWriterCache(wguid, wq.History, wq.ResourceLimits, wq.Reliability.MaxBlockingTime)
	rcache := history.NewReaderCache(rq)
	return builtin{
		writerCache: wcache,
		writer:      writer.NewWorker(wguid, wcache, wq, writer.DefaultConfig(), status.NewWriterStatuses()),
		readerCache: rcache,
		reader:      reader.NewWorker(rguid, rcache, rq, rcfg, status.NewReaderStatuses(), nil),
	}
}

// NewEngine creates the discovery engine for a participant.
func NewEngine(local *ParticipantData, cfg Config) *Engine {
	prefix := local.Guid.Prefix
	e := &Engine{
		cfg:           cfg,
		local:         local,
		spdp:          newBuiltin(prefix, rtps.EntityIdSpdpParticipantWriter, rtps.EntityIdSpdpParticipantReader, spdpWriterQos(), spdpReaderQos(), spdpDetectorConfig()),
		publications:  newBuiltin(prefix, rtps.EntityIdSedpPublicationsWriter, rtps.EntityIdSedpPublicationsReader, sedpWriterQos(), sedpReaderQos(), reader.DefaultConfig()),
		subscriptions: newBuiltin(prefix, rtps.EntityIdSedpSubscriptionsWriter, rtps.EntityIdSedpSubscriptionsReader, sedpWriterQos(), sedpReaderQos(), reader.DefaultConfig()),
		topics:        newBuiltin(prefix, rtps.EntityIdSedpTopicsWriter, rtps.EntityIdSedpTopicsReader, sedpWriterQos(), sedpReaderQos(), reader.DefaultConfig()),
		participants:  make(map[rtps.GuidPrefix]*ParticipantData),
		remoteWriters: make(map[rtps.Guid]*WriterData),
		remoteReaders: make(map[rtps.Guid]*ReaderData),
		remoteTopics:  make(map[string]*TopicData),
		localWriters:  make(map[rtps.Guid]*LocalWriter),
		localReaders:  make(map[rtps.Guid]*LocalReader),
	}

	// The SPDP announcer is a stateless best-effort writer with one
	// permanent multicast destination.
	e.spdp.writer.AddMatchedReader(writer.NewProxy(
		rtps.NewGuid(rtps.GuidPrefixUnknown, rtps.EntityIdSpdpParticipantReader),
		qos.BestEffort, qos.TransientLocal, nil, cfg.SpdpMulticastLocators, false))

	return e
}

// Register hooks the built-in endpoints into a participant's receiver.
func (e *Engine) Register(r *receiver.Receiver) {
	r.RegisterWriter(e.publications.writer)
	r.RegisterWriter(e.subscriptions.writer)
	r.RegisterWriter(e.topics.writer)
	r.RegisterReader(e.spdp.reader)
	r.RegisterReader(e.publications.reader)
	r.RegisterReader(e.subscriptions.reader)
	r.RegisterReader(e.topics.reader)
}

// DiscoveredParticipants snapshots the currently known remote
// participants.
func (e *Engine) DiscoveredParticipants() []*ParticipantData {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*ParticipantData, 0, len(e.participants))
	for _, p := range e.participants {
		out = append(out, p)
	}
	return out
}

// ============================================================================
// Announcing
// ============================================================================

// addBuiltinChange publishes one sample on a built-in writer, keyed by
// the instance handle so disposals can reference it later.
func addBuiltinChange(b builtin, kind dds.ChangeKind, payload []byte, instance dds.InstanceHandle, now time.Time) {
	var inlineQos rtps.ParameterList
	switch kind {
	case dds.NotAliveDisposed:
		inlineQos.Add(rtps.PidStatusInfo, []byte{0, 0, 0, 1})
	case dds.NotAliveUnregistered:
		inlineQos.Add(rtps.PidStatusInfo, []byte{0, 0, 0, 2})
	case dds.NotAliveDisposedUnregistered:
		inlineQos.Add(rtps.PidStatusInfo, []byte{0, 0, 0, 3})
	}
	inlineQos.Add(rtps.PidKeyHash, instance[:])

	ch := b.writerCache.NewChange(kind, payload, inlineQos, instance, dds.TimeFromGo(now))
	// Built-in caches are KeepLast(1) with unlimited resources; Add
	// cannot block.
	_ = b.writerCache.Add(context.Background(), ch)
}

// AnnounceParticipant publishes the local participant data on the SPDP
// writer. Called on the resend period and whenever the participant's
// locators change.
func (e *Engine) AnnounceParticipant(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	addBuiltinChange(e.spdp, dds.Alive, e.local.Encode(),
		dds.InstanceHandle(e.local.Guid.Bytes()), now)
}

// AddLocalWriter announces a user writer via SEDP and matches it
// against every already-discovered remote reader.
func (e *Engine) AddLocalWriter(lw *LocalWriter, now time.Time) {
	guid := lw.Worker.Guid()
	e.mu.Lock()
	e.localWriters[guid] = lw
	data := e.writerDataLocked(lw)
	addBuiltinChange(e.publications, dds.Alive, data.Encode(),
		dds.InstanceHandle(guid.Bytes()), now)

	var candidates []*ReaderData
	for _, rd := range e.remoteReaders {
		if rd.TopicName == lw.TopicName && rd.TypeName == lw.TypeName {
			candidates = append(candidates, rd)
		}
	}
	e.mu.Unlock()

	for _, rd := range candidates {
		e.matchWriterToReaderData(lw, rd, now)
	}
	logger.Info("Announced local writer",
		"guid", guid.String(), "topic", lw.TopicName, "type", lw.TypeName)
}

// AddLocalReader announces a user reader via SEDP and matches it
// against every already-discovered remote writer.
func (e *Engine) AddLocalReader(lr *LocalReader, now time.Time) {
	guid := lr.Worker.Guid()
	e.mu.Lock()
	e.localReaders[guid] = lr
	data := e.readerDataLocked(lr)
	addBuiltinChange(e.subscriptions, dds.Alive, data.Encode(),
		dds.InstanceHandle(guid.Bytes()), now)

	var candidates []*WriterData
	for _, wd := range e.remoteWriters {
		if wd.TopicName == lr.TopicName && wd.TypeName == lr.TypeName {
			candidates = append(candidates, wd)
		}
	}
	e.mu.Unlock()

	for _, wd := range candidates {
		e.matchReaderToWriterData(lr, wd, now)
	}
	logger.Info("Announced local reader",
		"guid", guid.String(), "topic", lr.TopicName, "type", lr.TypeName)
}

// AnnounceTopic publishes a topic description via SEDP.
func (e *Engine) AnnounceTopic(td *TopicData, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	addBuiltinChange(e.topics, dds.Alive, td.Encode(),
		dds.KeyHash([]byte(td.Name)), now)
}

// RemoveLocalWriter disposes the SEDP publication sample and forgets
// the writer.
func (e *Engine) RemoveLocalWriter(guid rtps.Guid, now time.Time) {
	e.mu.Lock()
	delete(e.localWriters, guid)
	addBuiltinChange(e.publications, dds.NotAliveDisposed, nil,
		dds.InstanceHandle(guid.Bytes()), now)
	e.mu.Unlock()
}

// RemoveLocalReader disposes the SEDP subscription sample and forgets
// the reader.
func (e *Engine) RemoveLocalReader(guid rtps.Guid, now time.Time) {
	e.mu.Lock()
	delete(e.localReaders, guid)
	addBuiltinChange(e.subscriptions, dds.NotAliveDisposed, nil,
		dds.InstanceHandle(guid.Bytes()), now)
	e.mu.Unlock()
}

// writerDataLocked assembles the SEDP payload for a local writer.
func (e *Engine) writerDataLocked(lw *LocalWriter) *WriterData {
	return &WriterData{
		Guid:              lw.Worker.Guid(),
		ParticipantGuid:   e.local.Guid,
		TopicName:         lw.TopicName,
		TypeName:          lw.TypeName,
		UnicastLocators:   e.local.DefaultUnicast,
		MulticastLocators: e.local.DefaultMulticast,
		Durability:        lw.Qos.Durability,
		Deadline:          lw.Qos.Deadline,
		LatencyBudget:     lw.Qos.LatencyBudget,
		Liveliness:        lw.Qos.Liveliness,
		Reliability:       lw.Qos.Reliability,
		Lifespan:          lw.Qos.Lifespan,
		DestinationOrder:  lw.Qos.DestinationOrder,
		Ownership:         lw.Qos.Ownership,
		OwnershipStrength: lw.Qos.OwnershipStrength,
		Presentation:      lw.PublisherQos.Presentation,
		Partition:         lw.PublisherQos.Partition,
	}
}

// readerDataLocked assembles the SEDP payload for a local reader.
func (e *Engine) readerDataLocked(lr *LocalReader) *ReaderData {
	return &ReaderData{
		Guid:             lr.Worker.Guid(),
		ParticipantGuid:  e.local.Guid,
		TopicName:        lr.TopicName,
		TypeName:         lr.TypeName,
		ExpectsInlineQos: lr.ExpectsInlineQos,
		UnicastLocators:  e.local.DefaultUnicast,
		Durability:       lr.Qos.Durability,
		Deadline:         lr.Qos.Deadline,
		LatencyBudget:    lr.Qos.LatencyBudget,
		Liveliness:       lr.Qos.Liveliness,
		Reliability:      lr.Qos.Reliability,
		DestinationOrder: lr.Qos.DestinationOrder,
		Ownership:        lr.Qos.Ownership,
		TimeBasedFilter:  lr.Qos.TimeBasedFilter,
		Presentation:     lr.SubscriberQos.Presentation,
		Partition:        lr.SubscriberQos.Partition,
	}
}

// ============================================================================
// Tick
// ============================================================================

// Tick is the engine's periodic entry point: it re-announces the
// participant on the resend period, drains the built-in readers, and
// runs the built-in protocol machinery. Returns the flights to send.
func (e *Engine) Tick(now time.Time) []transport.Flight {
	e.mu.Lock()
	resendDue := now.Sub(e.lastAnnounce) >= e.cfg.ResendPeriod
	if resendDue {
		e.lastAnnounce = now
	}
	e.mu.Unlock()

	if resendDue {
		e.AnnounceParticipant(now)
	}

	e.drainSpdp(now)
	e.drainSedp(now)
	e.expireParticipants(now)

	var flights []transport.Flight
	for _, b := range []builtin{e.spdp, e.publications, e.subscriptions, e.topics} {
		flights = append(flights, b.writer.ProducePass(now)...)
		flights = append(flights, b.reader.ProduceReplies(now)...)
		b.reader.CheckLiveliness(now)
	}
	return flights
}

// drainSpdp takes every pending participant announcement.
func (e *Engine) drainSpdp(now time.Time) {
	samples, _, err := e.spdp.readerCache.Take(history.DefaultSelector())
	if err != nil {
		return
	}
	for _, s := range samples {
		if s.Kind != dds.Alive {
			continue
		}
		pd, err := DecodeParticipantData(s.Data)
		if err != nil {
			logger.Warn("Dropping malformed participant announcement", "error", err)
			continue
		}
		e.ingestParticipant(pd, now)
	}
}

// ingestParticipant registers a remote participant and wires the SEDP
// built-in proxies in both directions.
func (e *Engine) ingestParticipant(pd *ParticipantData, now time.Time) {
	if pd.Guid.Prefix == e.local.Guid.Prefix {
		return
	}
	if pd.DomainId != e.local.DomainId || pd.DomainTag != e.local.DomainTag {
		return
	}

	e.mu.Lock()
	_, known := e.participants[pd.Guid.Prefix]
	e.participants[pd.Guid.Prefix] = pd
	e.mu.Unlock()
	if known {
		// Refresh only: lease is tracked by the SEDP reader proxies.
		return
	}

	logger.Info("Discovered participant",
		"guid", pd.Guid.String(), "domain", pd.DomainId)

	type sedpPair struct {
		b        builtin
		writerId rtps.EntityId
		readerId rtps.EntityId
		announce uint32
		detect   uint32
	}
	pairs := []sedpPair{
		{e.publications, rtps.EntityIdSedpPublicationsWriter, rtps.EntityIdSedpPublicationsReader, BuiltinPublicationsAnnouncer, BuiltinPublicationsDetector},
		{e.subscriptions, rtps.EntityIdSedpSubscriptionsWriter, rtps.EntityIdSedpSubscriptionsReader, BuiltinSubscriptionsAnnouncer, BuiltinSubscriptionsDetector},
		{e.topics, rtps.EntityIdSedpTopicsWriter, rtps.EntityIdSedpTopicsReader, BuiltinTopicsAnnouncer, BuiltinTopicsDetector},
	}
	for _, pair := range pairs {
		if pd.AvailableBuiltins&pair.detect != 0 {
			pair.b.writer.AddMatchedReader(writer.NewProxy(
				rtps.NewGuid(pd.Guid.Prefix, pair.readerId),
				qos.Reliable, qos.TransientLocal,
				pd.MetatrafficUnicast, pd.MetatrafficMulticast, false))
		}
		if pd.AvailableBuiltins&pair.announce != 0 {
			pair.b.reader.AddMatchedWriter(reader.NewProxy(
				rtps.NewGuid(pd.Guid.Prefix, pair.writerId),
				qos.Reliable, 0, pd.LeaseDuration,
				pd.MetatrafficUnicast, pd.MetatrafficMulticast), now)
		}
	}
}

// expireParticipants removes participants that have no matched writer
// proxy on the publication detector. A lapsed lease does not remove
// that proxy, so lease expiry alone does not remove a participant here.
func (e *Engine) expireParticipants(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	alive := make(map[rtps.GuidPrefix]struct{})
	for _, g := range e.publications.reader.MatchedWriters() {
		alive[g.Prefix] = struct{}{}
	}
	for prefix := range e.participants {
		if _, ok := alive[prefix]; !ok {
			delete(e.participants, prefix)
			logger.Info("Participant lease expired", "prefix", prefix)
		}
	}
}

// drainSedp takes pending endpoint announcements from the three SEDP
// readers and drives match/unmatch.
func (e *Engine) drainSedp(now time.Time) {
	if samples, _, err := e.publications.readerCache.Take(history.DefaultSelector()); err == nil {
		for _, s := range samples {
			e.processPublication(s, now)
		}
	}
	if samples, _, err := e.subscriptions.readerCache.Take(history.DefaultSelector()); err == nil {
		for _, s := range samples {
			e.processSubscription(s, now)
		}
	}
	if samples, _, err := e.topics.readerCache.Take(history.DefaultSelector()); err == nil {
		for _, s := range samples {
			if s.Kind != dds.Alive {
				continue
			}
			td, err := DecodeTopicData(s.Data)
			if err != nil {
				logger.Warn("Dropping malformed topic announcement", "error", err)
				continue
			}
			e.mu.Lock()
			e.remoteTopics[td.Name] = td
			e.mu.Unlock()
		}
	}
}

// processPublication handles one DCPSPublication sample.
func (e *Engine) processPublication(s *history.Sample, now time.Time) {
	if s.Kind != dds.Alive {
		// Disposed publication: unmatch it everywhere.
		guid := guidFromHandle(s.InstanceHandle)
		e.mu.Lock()
		delete(e.remoteWriters, guid)
		readers := e.snapshotLocalReadersLocked()
		e.mu.Unlock()
		for _, lr := range readers {
			lr.Worker.RemoveMatchedWriter(guid)
		}
		return
	}

	wd, err := DecodeWriterData(s.Data)
	if err != nil {
		logger.Warn("Dropping malformed publication announcement", "error", err)
		return
	}
	e.mu.Lock()
	e.remoteWriters[wd.Guid] = wd
	var candidates []*LocalReader
	for _, lr := range e.localReaders {
		if lr.TopicName == wd.TopicName && lr.TypeName == wd.TypeName {
			candidates = append(candidates, lr)
		}
	}
	e.mu.Unlock()

	for _, lr := range candidates {
		e.matchReaderToWriterData(lr, wd, now)
	}
}

// processSubscription handles one DCPSSubscription sample.
func (e *Engine) processSubscription(s *history.Sample, now time.Time) {
	if s.Kind != dds.Alive {
		guid := guidFromHandle(s.InstanceHandle)
		e.mu.Lock()
		delete(e.remoteReaders, guid)
		writers := e.snapshotLocalWritersLocked()
		e.mu.Unlock()
		for _, lw := range writers {
			lw.Worker.RemoveMatchedReader(guid)
		}
		return
	}

	rd, err := DecodeReaderData(s.Data)
	if err != nil {
		logger.Warn("Dropping malformed subscription announcement", "error", err)
		return
	}
	e.mu.Lock()
	e.remoteReaders[rd.Guid] = rd
	var candidates []*LocalWriter
	for _, lw := range e.localWriters {
		if lw.TopicName == rd.TopicName && lw.TypeName == rd.TypeName {
			candidates = append(candidates, lw)
		}
	}
	e.mu.Unlock()

	for _, lw := range candidates {
		e.matchWriterToReaderData(lw, rd, now)
	}
}

func (e *Engine) snapshotLocalReadersLocked() []*LocalReader {
	out := make([]*LocalReader, 0, len(e.localReaders))
	for _, lr := range e.localReaders {
		out = append(out, lr)
	}
	return out
}

func (e *Engine) snapshotLocalWritersLocked() []*LocalWriter {
	out := make([]*LocalWriter, 0, len(e.localWriters))
	for _, lw := range e.localWriters {
		out = append(out, lw)
	}
	return out
}

// ============================================================================
// Matching
// ============================================================================

// matchWriterToReaderData matches one local writer against one
// discovered reader. Partition overlap is a necessary precondition;
// QoS incompatibility raises OfferedIncompatibleQos and creates no
// proxy.
func (e *Engine) matchWriterToReaderData(lw *LocalWriter, rd *ReaderData, now time.Time) {
	if !qos.PartitionsMatch(lw.PublisherQos.Partition, rd.Partition) {
		return
	}
	offered := qos.OfferedFromWriter(lw.Qos, lw.PublisherQos)
	requested := qos.Requested{
		Durability:       rd.Durability,
		Presentation:     rd.Presentation,
		Deadline:         rd.Deadline,
		LatencyBudget:    rd.LatencyBudget,
		Liveliness:       rd.Liveliness,
		Reliability:      rd.Reliability,
		DestinationOrder: rd.DestinationOrder,
		Ownership:        rd.Ownership,
	}
	if incompatible := qos.CheckCompatibility(offered, requested); len(incompatible) > 0 {
		logger.Warn("Discovered reader has incompatible QoS",
			"writer", lw.Worker.Guid().String(),
			"reader", rd.Guid.String(),
			"policy", incompatible[0].String())
		lw.Statuses.AddIncompatibleQos(incompatible)
		return
	}

	unicast, multicast := e.endpointLocators(rd.Guid.Prefix, rd.UnicastLocators, rd.MulticastLocators)
	reliability := qos.BestEffort
	if lw.Qos.Reliability.Kind == qos.Reliable && rd.Reliability.Kind == qos.Reliable {
		reliability = qos.Reliable
	}
	lw.Worker.AddMatchedReader(writer.NewProxy(
		rd.Guid, reliability, rd.Durability.Kind, unicast, multicast, rd.ExpectsInlineQos))
}

// matchReaderToWriterData matches one local reader against one
// discovered writer.
func (e *Engine) matchReaderToWriterData(lr *LocalReader, wd *WriterData, now time.Time) {
	if !qos.PartitionsMatch(wd.Partition, lr.SubscriberQos.Partition) {
		return
	}
	offered := qos.Offered{
		Durability:       wd.Durability,
		Presentation:     wd.Presentation,
		Deadline:         wd.Deadline,
		LatencyBudget:    wd.LatencyBudget,
		Liveliness:       wd.Liveliness,
		Reliability:      wd.Reliability,
		DestinationOrder: wd.DestinationOrder,
		Ownership:        wd.Ownership,
	}
	requested := qos.RequestedFromReader(lr.Qos, lr.SubscriberQos)
	if incompatible := qos.CheckCompatibility(offered, requested); len(incompatible) > 0 {
		logger.Warn("Discovered writer has incompatible QoS",
			"reader", lr.Worker.Guid().String(),
			"writer", wd.Guid.String(),
			"policy", incompatible[0].String())
		lr.Statuses.AddIncompatibleQos(incompatible)
		return
	}

	unicast, multicast := e.endpointLocators(wd.Guid.Prefix, wd.UnicastLocators, wd.MulticastLocators)
	reliability := qos.BestEffort
	if lr.Qos.Reliability.Kind == qos.Reliable && wd.Reliability.Kind == qos.Reliable {
		reliability = qos.Reliable
	}
	lr.Worker.AddMatchedWriter(reader.NewProxy(
		wd.Guid, reliability, wd.OwnershipStrength.Value,
		wd.Liveliness.LeaseDuration, unicast, multicast), now)
}

// endpointLocators resolves an endpoint's destinations, falling back
// to its participant's default locators.
func (e *Engine) endpointLocators(prefix rtps.GuidPrefix, unicast, multicast []rtps.Locator) ([]rtps.Locator, []rtps.Locator) {
	if len(unicast) > 0 || len(multicast) > 0 {
		return unicast, multicast
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if pd, ok := e.participants[prefix]; ok {
		return pd.DefaultUnicast, pd.DefaultMulticast
	}
	return nil, nil
}

// guidFromHandle recovers an endpoint GUID from an SEDP instance
// handle (the handle is the GUID's 16 octets).
func guidFromHandle(h dds.InstanceHandle) rtps.Guid {
	var raw [16]byte
	copy(raw[:], h[:])
	return rtps.GuidFromBytes(raw)
}
