package participant

import (
	"reflect"
	"time"

	"github.com/marmos91/dittodds/internal/endpoint/reader"
	"github.com/marmos91/dittodds/internal/protocol/rtps"
	"github.com/marmos91/dittodds/pkg/dds"
	"github.com/marmos91/dittodds/pkg/history"
	"github.com/marmos91/dittodds/pkg/qos"
	"github.com/marmos91/dittodds/pkg/status"
)

// ============================================================================
// Data Reader
// ============================================================================

// DataReader consumes typed samples from one topic.
//
// Read and Take never suspend: they select from the reader cache under
// its lock and return immediately, with dds.ErrNoData when nothing
// matches.
type DataReader struct {
	subscriber *Subscriber
	topic      *Topic
	guid       rtps.Guid
	qos        qos.DataReaderQos

	cache    *history.ReaderCache
	worker   *reader.Worker
	statuses *status.ReaderStatuses
	deleted  bool
}

// Guid returns the reader's GUID.
func (dr *DataReader) Guid() rtps.Guid { return dr.guid }

// Statuses exposes the reader's communication statuses.
func (dr *DataReader) Statuses() *status.ReaderStatuses { return dr.statuses }

// Read returns matching samples without consuming them.
func (dr *DataReader) Read(sel history.Selector) ([]*history.Sample, []history.SampleInfo, error) {
	if err := dr.ready(); err != nil {
		return nil, nil, err
	}
	return dr.cache.Read(sel)
}

// Take returns matching samples and removes them from the cache.
func (dr *DataReader) Take(sel history.Selector) ([]*history.Sample, []history.SampleInfo, error) {
	if err := dr.ready(); err != nil {
		return nil, nil, err
	}
	return dr.cache.Take(sel)
}

// ReadNextInstance reads from the smallest instance strictly after
// previous, for instance-by-instance iteration.
func (dr *DataReader) ReadNextInstance(previous dds.InstanceHandle, sel history.Selector) ([]*history.Sample, []history.SampleInfo, error) {
	if err := dr.ready(); err != nil {
		return nil, nil, err
	}
	next, ok := dr.cache.NextInstance(previous)
	if !ok {
		return nil, nil, dds.ErrNoData
	}
	sel.Instance = next
	sel.HasInstance = true
	return dr.cache.Read(sel)
}

// TakeNextInstance mirrors ReadNextInstance but consumes the samples.
func (dr *DataReader) TakeNextInstance(previous dds.InstanceHandle, sel history.Selector) ([]*history.Sample, []history.SampleInfo, error) {
	if err := dr.ready(); err != nil {
		return nil, nil, err
	}
	next, ok := dr.cache.NextInstance(previous)
	if !ok {
		return nil, nil, dds.ErrNoData
	}
	sel.Instance = next
	sel.HasInstance = true
	return dr.cache.Take(sel)
}

// LookupInstance resolves the instance handle of a sample's key, if
// that instance is known to the cache.
func (dr *DataReader) LookupInstance(sample any) (dds.InstanceHandle, error) {
	if err := dr.ready(); err != nil {
		return dds.HandleNil, err
	}
	if !dr.topic.typeSupport.HasKey() {
		return dds.HandleNil, dds.ErrIllegalOperation
	}
	key, err := dr.topic.typeSupport.SerializeKey(sample)
	if err != nil {
		return dds.HandleNil, dds.ErrBadParameter
	}
	handle := dds.KeyHash(key)
	if _, _, ok := dr.cache.InstanceView(handle); !ok {
		return dds.HandleNil, dds.ErrBadParameter
	}
	return handle, nil
}

// Qos returns the reader's QoS.
func (dr *DataReader) Qos() qos.DataReaderQos { return dr.qos }

// SetQos applies a QoS update. All reader policies bind at creation
// time; any change after enable fails with ErrImmutablePolicy.
func (dr *DataReader) SetQos(q qos.DataReaderQos) error {
	if err := q.IsConsistent(); err != nil {
		return err
	}
	if !reflect.DeepEqual(dr.qos, q) {
		return dds.ErrImmutablePolicy
	}
	return nil
}

// Delete disposes the reader's announcement and removes it.
func (dr *DataReader) Delete() error {
	sub := dr.subscriber
	sub.mu.Lock()
	if dr.deleted {
		sub.mu.Unlock()
		return dds.ErrAlreadyDeleted
	}
	dr.deleted = true
	for i, other := range sub.entries {
		if other == dr {
			sub.entries = append(sub.entries[:i], sub.entries[i+1:]...)
			break
		}
	}
	sub.mu.Unlock()

	p := sub.participant
	p.recv.UnregisterReader(dr.guid.EntityId)
	p.engine.RemoveLocalReader(dr.guid, time.Now())
	return nil
}

// ready gates data-path operations on the entity lifecycle.
func (dr *DataReader) ready() error {
	dr.subscriber.mu.Lock()
	if dr.deleted {
		dr.subscriber.mu.Unlock()
		return dds.ErrAlreadyDeleted
	}
	dr.subscriber.mu.Unlock()
	_, err := dr.subscriber.participant.enabledNow()
	return err
}
