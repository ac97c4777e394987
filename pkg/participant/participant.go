// Package participant implements the top-level DDS container: the
// domain participant with its publishers, subscribers and topics, the
// process-wide participant registry, and the task loops that drive the
// protocol workers.
//
// Each participant runs two background tasks once enabled: a receive
// loop draining the transport into the message receiver, and a tick
// loop driving discovery, heartbeats, acknacks, liveliness and
// deadlines. User calls run on the caller's goroutine against the
// thread-safe workers; lifecycle mutations serialize on the
// participant's mutex.
package participant

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marmos91/dittodds/internal/discovery"
	"github.com/marmos91/dittodds/internal/endpoint/reader"
	"github.com/marmos91/dittodds/internal/endpoint/writer"
	"github.com/marmos91/dittodds/internal/logger"
	"github.com/marmos91/dittodds/internal/protocol/rtps"
	"github.com/marmos91/dittodds/internal/receiver"
	"github.com/marmos91/dittodds/pkg/dds"
	"github.com/marmos91/dittodds/pkg/metrics"
	"github.com/marmos91/dittodds/pkg/transport"
)

var errBadSampleType = errors.New("participant: sample type does not match type support")

// ============================================================================
// Process Registry
// ============================================================================

// registry is the process-wide participant table keyed by GUID prefix.
// It comes alive with the first participant and empties with the last.
var registry = struct {
	mu           sync.Mutex
	participants map[rtps.GuidPrefix]*Participant
}{participants: make(map[rtps.GuidPrefix]*Participant)}

// Lookup finds a live participant by prefix.
func Lookup(prefix rtps.GuidPrefix) (*Participant, bool) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	p, ok := registry.participants[prefix]
	return p, ok
}

// newGuidPrefix derives a fresh participant prefix from a random UUID.
func newGuidPrefix() rtps.GuidPrefix {
	var prefix rtps.GuidPrefix
	id := uuid.New()
	copy(prefix[:], id[:12])
	// First two octets carry the vendor id, per convention.
	prefix[0] = rtps.VendorIdDittoDds[0]
	prefix[1] = rtps.VendorIdDittoDds[1]
	return prefix
}

// ============================================================================
// Participant Configuration
// ============================================================================

// Config assembles everything a participant needs from its host.
type Config struct {
	DomainId  uint32
	DomainTag string

	// Locators this participant is reachable on.
	MetatrafficUnicast []rtps.Locator
	DefaultUnicast     []rtps.Locator

	Discovery discovery.Config
	Writer    writer.Config
	Reader    reader.Config

	// TickInterval paces the protocol timer loop.
	TickInterval time.Duration

	// LeaseDuration is announced to remote participants.
	LeaseDuration time.Duration

	Clock   dds.Clock
	Metrics metrics.DomainMetrics
}

// DefaultConfig returns the standard participant tuning for a domain.
func DefaultConfig(domainId uint32) Config {
	return Config{
		DomainId:      domainId,
		Discovery:     discovery.DefaultConfig(),
		Writer:        writer.DefaultConfig(),
		Reader:        reader.DefaultConfig(),
		TickInterval:  50 * time.Millisecond,
		LeaseDuration: 100 * time.Second,
		Clock:         dds.SystemClock{},
	}
}

// ============================================================================
// Participant
// ============================================================================

type lifecycle int

const (
	created lifecycle = iota
	enabled
	deleted
)

// Participant owns a GuidPrefix and every entity beneath it.
type Participant struct {
	mu sync.Mutex

	guid  rtps.Guid
	cfg   Config
	state lifecycle

	tr       transport.Transport
	recv     *receiver.Receiver
	engine   *discovery.Engine
	metrics  metrics.DomainMetrics

	topics      map[string]*Topic
	publishers  []*Publisher
	subscribers []*Subscriber

	nextEntityKey uint32

	stop   chan struct{}
	donce  sync.Once
	wg     sync.WaitGroup
}

// New creates a disabled participant bound to a transport.
func New(cfg Config, tr transport.Transport) *Participant {
	if cfg.Clock == nil {
		cfg.Clock = dds.SystemClock{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop{}
	}
	prefix := newGuidPrefix()
	p := &Participant{
		guid:    rtps.NewGuid(prefix, rtps.EntityIdParticipant),
		cfg:     cfg,
		tr:      tr,
		recv:    receiver.New(prefix),
		metrics: cfg.Metrics,
		topics:  make(map[string]*Topic),
		stop:    make(chan struct{}),
	}

	pd := &discovery.ParticipantData{
		DomainId:           cfg.DomainId,
		DomainTag:          cfg.DomainTag,
		Guid:               p.guid,
		ProtocolVersion:    rtps.Version24,
		VendorId:           rtps.VendorIdDittoDds,
		MetatrafficUnicast: cfg.MetatrafficUnicast,
		DefaultUnicast:     cfg.DefaultUnicast,
		AvailableBuiltins: discovery.BuiltinParticipantAnnouncer | discovery.BuiltinParticipantDetector |
			discovery.BuiltinPublicationsAnnouncer | discovery.BuiltinPublicationsDetector |
			discovery.BuiltinSubscriptionsAnnouncer | discovery.BuiltinSubscriptionsDetector |
			discovery.BuiltinTopicsAnnouncer | discovery.BuiltinTopicsDetector,
		LeaseDuration: cfg.LeaseDuration,
	}
	p.engine = discovery.NewEngine(pd, cfg.Discovery)
	p.engine.Register(p.recv)

	registry.mu.Lock()
	registry.participants[prefix] = p
	registry.mu.Unlock()
	return p
}

// Guid returns the participant's GUID.
func (p *Participant) Guid() rtps.Guid { return p.guid }

// Now returns the participant's current time.
func (p *Participant) Now() dds.Time { return p.cfg.Clock.Now() }

// DiscoveredParticipants lists the currently known remote
// participants.
func (p *Participant) DiscoveredParticipants() []*discovery.ParticipantData {
	return p.engine.DiscoveredParticipants()
}

// IgnoreParticipant drops all traffic from a remote participant.
func (p *Participant) IgnoreParticipant(prefix rtps.GuidPrefix) {
	p.recv.IgnoreParticipant(prefix)
}

// IgnorePublication drops all traffic from a remote writer.
func (p *Participant) IgnorePublication(guid rtps.Guid) {
	p.recv.IgnorePublication(guid)
}

// IgnoreSubscription drops all traffic from a remote reader.
func (p *Participant) IgnoreSubscription(guid rtps.Guid) {
	p.recv.IgnoreSubscription(guid)
}

// Enable starts the participant's announce/receive/tick machinery.
// Entities created before Enable stay dormant until it is called.
func (p *Participant) Enable() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case deleted:
		return dds.ErrAlreadyDeleted
	case enabled:
		return nil
	}
	p.state = enabled

	p.wg.Add(2)
	go p.receiveLoop()
	go p.tickLoop()

	logger.Info("Participant enabled",
		"guid", p.guid.String(), "domain", p.cfg.DomainId)
	return nil
}

// receiveLoop drains the transport into the message receiver and sends
// any reply flights the endpoints produce.
func (p *Participant) receiveLoop() {
	defer p.wg.Done()
	for {
		_, frame, err := p.tr.Recv()
		if err != nil {
			select {
			case <-p.stop:
				return
			default:
				logger.Warn("Transport receive failed", "error", err)
				continue
			}
		}
		p.metrics.RecordMessageReceived(len(frame))
		replies := p.recv.Process(frame, time.Now())
		transport.SendFlights(p.tr, replies)
	}
}

// tickLoop paces discovery, heartbeats, acknack replies, liveliness
// and deadline clocks.
func (p *Participant) tickLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case now := <-ticker.C:
			p.tick(now)
		}
	}
}

// tick runs one pass of every periodic duty.
func (p *Participant) tick(now time.Time) {
	flights := p.engine.Tick(now)
	p.metrics.SetDiscoveredParticipants(len(p.engine.DiscoveredParticipants()))

	p.mu.Lock()
	pubs := append([]*Publisher(nil), p.publishers...)
	subs := append([]*Subscriber(nil), p.subscribers...)
	p.mu.Unlock()

	for _, pub := range pubs {
		for _, dw := range pub.writers() {
			flights = append(flights, dw.worker.ProducePass(now)...)
			dw.worker.CheckDeadlines(now)
			dw.worker.CheckLiveliness(now)
		}
	}
	for _, sub := range subs {
		for _, dr := range sub.readers() {
			flights = append(flights, dr.worker.ProduceReplies(now)...)
			dr.worker.CheckLiveliness(now)
			dr.worker.CheckDeadlines(now)
		}
	}

	for _, f := range flights {
		p.metrics.RecordMessageSent(len(f.Frame), len(f.Destinations))
	}
	transport.SendFlights(p.tr, flights)
}

// Delete tears the participant down: children must be deleted first.
// The receive and tick loops stop, the transport is closed, and the
// registry entry is released.
func (p *Participant) Delete() error {
	p.mu.Lock()
	if p.state == deleted {
		p.mu.Unlock()
		return dds.ErrAlreadyDeleted
	}
	if len(p.publishers) > 0 || len(p.subscribers) > 0 {
		p.mu.Unlock()
		return dds.ErrPreconditionNotMet
	}
	p.state = deleted
	p.mu.Unlock()

	p.donce.Do(func() { close(p.stop) })
	_ = p.tr.Close()
	p.wg.Wait()

	registry.mu.Lock()
	delete(registry.participants, p.guid.Prefix)
	registry.mu.Unlock()

	logger.Info("Participant deleted", "guid", p.guid.String())
	return nil
}

// nextEntityId allocates a fresh entity id of the given kind.
func (p *Participant) nextEntityId(kind byte) rtps.EntityId {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextEntityKey++
	k := p.nextEntityKey
	return rtps.EntityId{byte(k >> 16), byte(k >> 8), byte(k), kind}
}

// enabledNow reports whether the participant is enabled and returns
// the wall-clock time, the common preamble of data-path calls.
func (p *Participant) enabledNow() (time.Time, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case deleted:
		return time.Time{}, dds.ErrAlreadyDeleted
	case created:
		return time.Time{}, dds.ErrNotEnabled
	}
	return time.Now(), nil
}
