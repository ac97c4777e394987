package participant

import (
	"sync"
	"time"

	"github.com/marmos91/dittodds/internal/discovery"
	"github.com/marmos91/dittodds/internal/endpoint/reader"
	"github.com/marmos91/dittodds/internal/endpoint/writer"
	"github.com/marmos91/dittodds/internal/protocol/rtps"
	"github.com/marmos91/dittodds/pkg/dds"
	"github.com/marmos91/dittodds/pkg/history"
	"github.com/marmos91/dittodds/pkg/qos"
	"github.com/marmos91/dittodds/pkg/status"
)

// ============================================================================
// Topics
// ============================================================================

// Topic binds a name to a type support within a participant.
type Topic struct {
	participant *Participant
	name        string
	typeSupport TypeSupport
}

// CreateTopic registers a topic. Creating the same name twice with a
// different type fails with ErrPreconditionNotMet.
func (p *Participant) CreateTopic(name string, ts TypeSupport) (*Topic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == deleted {
		return nil, dds.ErrAlreadyDeleted
	}
	if existing, ok := p.topics[name]; ok {
		if existing.typeSupport.TypeName() != ts.TypeName() {
			return nil, dds.ErrPreconditionNotMet
		}
		return existing, nil
	}
	t := &Topic{participant: p, name: name, typeSupport: ts}
	p.topics[name] = t

	p.engine.AnnounceTopic(&discovery.TopicData{
		Name:     name,
		TypeName: ts.TypeName(),
	}, time.Now())
	return t, nil
}

// Name returns the topic name.
func (t *Topic) Name() string { return t.name }

// TypeName returns the registered type name.
func (t *Topic) TypeName() string { return t.typeSupport.TypeName() }

// ============================================================================
// Publisher
// ============================================================================

// Publisher groups writers under shared partition/presentation QoS.
type Publisher struct {
	participant *Participant
	qos         qos.PublisherQos

	mu      sync.Mutex
	entries []*DataWriter
	deleted bool
}

// CreatePublisher adds a publisher to the participant.
func (p *Participant) CreatePublisher(q qos.PublisherQos) (*Publisher, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == deleted {
		return nil, dds.ErrAlreadyDeleted
	}
	pub := &Publisher{participant: p, qos: q}
	p.publishers = append(p.publishers, pub)
	return pub, nil
}

// Delete removes the publisher; its writers must be deleted first.
func (pub *Publisher) Delete() error {
	pub.mu.Lock()
	if pub.deleted {
		pub.mu.Unlock()
		return dds.ErrAlreadyDeleted
	}
	if len(pub.entries) > 0 {
		pub.mu.Unlock()
		return dds.ErrPreconditionNotMet
	}
	pub.deleted = true
	pub.mu.Unlock()

	p := pub.participant
	p.mu.Lock()
	for i, other := range p.publishers {
		if other == pub {
			p.publishers = append(p.publishers[:i], p.publishers[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
	return nil
}

func (pub *Publisher) writers() []*DataWriter {
	pub.mu.Lock()
	defer pub.mu.Unlock()
	return append([]*DataWriter(nil), pub.entries...)
}

// CreateDataWriter creates and enables a writer on a topic.
func (pub *Publisher) CreateDataWriter(topic *Topic, q qos.DataWriterQos, cfg writer.Config) (*DataWriter, error) {
	if err := q.IsConsistent(); err != nil {
		return nil, err
	}
	pub.mu.Lock()
	if pub.deleted {
		pub.mu.Unlock()
		return nil, dds.ErrAlreadyDeleted
	}
	pub.mu.Unlock()

	p := pub.participant
	kind := byte(rtps.EntityKindUserWriterWithKey)
	if !topic.typeSupport.HasKey() {
		kind = rtps.EntityKindUserWriterNoKey
	}
	guid := rtps.NewGuid(p.guid.Prefix, p.nextEntityId(kind))

	cache := history.NewWriterCache(guid, q.History, q.ResourceLimits, q.Reliability.MaxBlockingTime)
	st := status.NewWriterStatuses()
	dw := &DataWriter{
		publisher:   pub,
		topic:       topic,
		guid:        guid,
		qos:         q,
		cache:       cache,
		worker:      writer.NewWorker(guid, cache, q, cfg, st),
		statuses:    st,
		instances:   make(map[dds.InstanceHandle][]byte),
	}

	pub.mu.Lock()
	pub.entries = append(pub.entries, dw)
	pub.mu.Unlock()

	p.recv.RegisterWriter(dw.worker)
	p.engine.AddLocalWriter(&discovery.LocalWriter{
		Worker:       dw.worker,
		Statuses:     st,
		TopicName:    topic.name,
		TypeName:     topic.typeSupport.TypeName(),
		Qos:          q,
		PublisherQos: pub.qos,
	}, time.Now())
	p.metrics.RecordEndpointCreated("writer")
	return dw, nil
}

// ============================================================================
// Subscriber
// ============================================================================

// Subscriber groups readers under shared partition/presentation QoS.
type Subscriber struct {
	participant *Participant
	qos         qos.SubscriberQos

	mu      sync.Mutex
	entries []*DataReader
	deleted bool
}

// CreateSubscriber adds a subscriber to the participant.
func (p *Participant) CreateSubscriber(q qos.SubscriberQos) (*Subscriber, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == deleted {
		return nil, dds.ErrAlreadyDeleted
	}
	sub := &Subscriber{participant: p, qos: q}
	p.subscribers = append(p.subscribers, sub)
	return sub, nil
}

// Delete removes the subscriber; its readers must be deleted first.
func (sub *Subscriber) Delete() error {
	sub.mu.Lock()
	if sub.deleted {
		sub.mu.Unlock()
		return dds.ErrAlreadyDeleted
	}
	if len(sub.entries) > 0 {
		sub.mu.Unlock()
		return dds.ErrPreconditionNotMet
	}
	sub.deleted = true
	sub.mu.Unlock()

	p := sub.participant
	p.mu.Lock()
	for i, other := range p.subscribers {
		if other == sub {
			p.subscribers = append(p.subscribers[:i], p.subscribers[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
	return nil
}

func (sub *Subscriber) readers() []*DataReader {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return append([]*DataReader(nil), sub.entries...)
}

// CreateDataReader creates and enables a reader on a topic.
func (sub *Subscriber) CreateDataReader(topic *Topic, q qos.DataReaderQos, cfg reader.Config) (*DataReader, error) {
	if err := q.IsConsistent(); err != nil {
		return nil, err
	}
	sub.mu.Lock()
	if sub.deleted {
		sub.mu.Unlock()
		return nil, dds.ErrAlreadyDeleted
	}
	sub.mu.Unlock()

	p := sub.participant
	kind := byte(rtps.EntityKindUserReaderWithKey)
	if !topic.typeSupport.HasKey() {
		kind = rtps.EntityKindUserReaderNoKey
	}
	guid := rtps.NewGuid(p.guid.Prefix, p.nextEntityId(kind))

	cache := history.NewReaderCache(q)
	st := status.NewReaderStatuses()
	extract := func(payload []byte) []byte {
		key, err := topic.typeSupport.ExtractKeyFromSample(payload)
		if err != nil {
			return nil
		}
		return key
	}
	if !topic.typeSupport.HasKey() {
		extract = nil
	}
	dr := &DataReader{
		subscriber: sub,
		topic:      topic,
		guid:       guid,
		qos:        q,
		cache:      cache,
		worker:     reader.NewWorker(guid, cache, q, cfg, st, extract),
		statuses:   st,
	}

	sub.mu.Lock()
	sub.entries = append(sub.entries, dr)
	sub.mu.Unlock()

	p.recv.RegisterReader(dr.worker)
	p.engine.AddLocalReader(&discovery.LocalReader{
		Worker:        dr.worker,
		Statuses:      st,
		TopicName:     topic.name,
		TypeName:      topic.typeSupport.TypeName(),
		Qos:           q,
		SubscriberQos: sub.qos,
	}, time.Now())
	p.metrics.RecordEndpointCreated("reader")
	return dr, nil
}
