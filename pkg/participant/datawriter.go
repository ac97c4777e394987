package participant

import (
	"context"
	"errors"
	"reflect"
	"time"

	"github.com/marmos91/dittodds/internal/endpoint/writer"
	"github.com/marmos91/dittodds/internal/protocol/rtps"
	"github.com/marmos91/dittodds/pkg/dds"
	"github.com/marmos91/dittodds/pkg/history"
	"github.com/marmos91/dittodds/pkg/qos"
	"github.com/marmos91/dittodds/pkg/status"
	"github.com/marmos91/dittodds/pkg/transport"
)

// ============================================================================
// Data Writer
// ============================================================================

// DataWriter publishes typed samples on one topic.
//
// Writes from a single goroutine appear to remote readers in submitted
// order; the cache assigns monotone sequence numbers under one lock.
type DataWriter struct {
	publisher *Publisher
	topic     *Topic
	guid      rtps.Guid
	qos       qos.DataWriterQos

	cache    *history.WriterCache
	worker   *writer.Worker
	statuses *status.WriterStatuses

	// instances tracks explicitly registered instances and their
	// serialized keys, bounded by max_instances.
	instances map[dds.InstanceHandle][]byte
	deleted   bool
}

// Guid returns the writer's GUID.
func (dw *DataWriter) Guid() rtps.Guid { return dw.guid }

// InstanceHandleOf derives the instance handle for a sample.
func (dw *DataWriter) InstanceHandleOf(sample any) (dds.InstanceHandle, error) {
	if !dw.topic.typeSupport.HasKey() {
		return dds.HandleNil, nil
	}
	key, err := dw.topic.typeSupport.SerializeKey(sample)
	if err != nil {
		return dds.HandleNil, dds.ErrBadParameter
	}
	return dds.KeyHash(key), nil
}

// Statuses exposes the writer's communication statuses.
func (dw *DataWriter) Statuses() *status.WriterStatuses { return dw.statuses }

// writeChange serializes, stores and pushes one change.
func (dw *DataWriter) writeChange(kind dds.ChangeKind, payload []byte,
	instance dds.InstanceHandle, sourceTime dds.Time, now time.Time) error {

	var inlineQos rtps.ParameterList
	switch kind {
	case dds.NotAliveDisposed:
		inlineQos.Add(rtps.PidStatusInfo, []byte{0, 0, 0, 1})
	case dds.NotAliveUnregistered:
		inlineQos.Add(rtps.PidStatusInfo, []byte{0, 0, 0, 2})
	case dds.NotAliveDisposedUnregistered:
		inlineQos.Add(rtps.PidStatusInfo, []byte{0, 0, 0, 3})
	}
	if dw.topic.typeSupport.HasKey() {
		inlineQos.Add(rtps.PidKeyHash, instance[:])
	}

	ctx, cancel := context.WithTimeout(context.Background(), dw.qos.Reliability.MaxBlockingTime)
	defer cancel()

	change := dw.cache.NewChange(kind, payload, inlineQos, instance, sourceTime)
	if err := dw.cache.Add(ctx, change); err != nil {
		if errors.Is(err, dds.ErrTimeout) && dw.qos.Reliability.Kind == qos.Reliable {
			return dds.ErrOutOfResources
		}
		return err
	}
	dw.worker.RecordWrite(instance, now)

	p := dw.publisher.participant
	flights := dw.worker.ProducePass(now)
	for _, f := range flights {
		p.metrics.RecordMessageSent(len(f.Frame), len(f.Destinations))
	}
	transport.SendFlights(p.tr, flights)
	p.metrics.RecordSampleWritten(dw.topic.name, len(payload))
	return nil
}

// Write publishes a sample with the current time as its source
// timestamp.
func (dw *DataWriter) Write(sample any) error {
	return dw.WriteWithTimestamp(sample, dw.publisher.participant.Now())
}

// WriteWithTimestamp publishes a sample with an explicit source
// timestamp. Under KeepAll history and saturated resource limits the
// call suspends up to the reliability max blocking time.
func (dw *DataWriter) WriteWithTimestamp(sample any, sourceTime dds.Time) error {
	now, err := dw.ready()
	if err != nil {
		return err
	}
	payload, err := dw.topic.typeSupport.SerializeSample(sample)
	if err != nil {
		return dds.ErrBadParameter
	}
	instance, err := dw.InstanceHandleOf(sample)
	if err != nil {
		return err
	}
	return dw.writeChange(dds.Alive, payload, instance, sourceTime, now)
}

// RegisterInstance pre-registers a sample's instance, reserving a slot
// under max_instances. Fails with ErrOutOfResources past the limit.
func (dw *DataWriter) RegisterInstance(sample any) (dds.InstanceHandle, error) {
	if _, err := dw.ready(); err != nil {
		return dds.HandleNil, err
	}
	if !dw.topic.typeSupport.HasKey() {
		return dds.HandleNil, dds.ErrIllegalOperation
	}
	key, err := dw.topic.typeSupport.SerializeKey(sample)
	if err != nil {
		return dds.HandleNil, dds.ErrBadParameter
	}
	handle := dds.KeyHash(key)

	dw.publisher.mu.Lock()
	defer dw.publisher.mu.Unlock()
	if _, ok := dw.instances[handle]; !ok {
		maxInstances := dw.qos.ResourceLimits.MaxInstances
		if maxInstances != qos.LengthUnlimited && len(dw.instances) >= int(maxInstances) {
			return dds.HandleNil, dds.ErrOutOfResources
		}
		dw.instances[handle] = append([]byte(nil), key...)
	}
	return handle, nil
}

// UnregisterInstance declares this writer done with an instance. With
// autodispose enabled the instance is disposed and unregistered in one
// combined change.
func (dw *DataWriter) UnregisterInstance(sample any, handle dds.InstanceHandle) error {
	now, err := dw.ready()
	if err != nil {
		return err
	}
	if !dw.topic.typeSupport.HasKey() {
		return dds.ErrIllegalOperation
	}
	handle, key, err := dw.resolveInstance(sample, handle)
	if err != nil {
		return err
	}

	kind := dds.NotAliveUnregistered
	if dw.qos.WriterDataLifecycle.AutodisposeUnregisteredInstances {
		kind = dds.NotAliveDisposedUnregistered
	}
	if err := dw.writeChange(kind, keyPayload(key), handle, dw.publisher.participant.Now(), now); err != nil {
		return err
	}

	dw.publisher.mu.Lock()
	delete(dw.instances, handle)
	dw.publisher.mu.Unlock()
	return nil
}

// Dispose marks an instance deleted for every matched reader.
func (dw *DataWriter) Dispose(sample any, handle dds.InstanceHandle) error {
	now, err := dw.ready()
	if err != nil {
		return err
	}
	if !dw.topic.typeSupport.HasKey() {
		return dds.ErrIllegalOperation
	}
	handle, key, err := dw.resolveInstance(sample, handle)
	if err != nil {
		return err
	}
	return dw.writeChange(dds.NotAliveDisposed, keyPayload(key), handle, dw.publisher.participant.Now(), now)
}

// resolveInstance reconciles an explicit handle with the sample key:
// a nil handle derives from the sample, a mismatch is a precondition
// failure.
func (dw *DataWriter) resolveInstance(sample any, handle dds.InstanceHandle) (dds.InstanceHandle, []byte, error) {
	key, err := dw.topic.typeSupport.SerializeKey(sample)
	if err != nil {
		return dds.HandleNil, nil, dds.ErrBadParameter
	}
	derived := dds.KeyHash(key)
	if handle.IsNil() {
		return derived, key, nil
	}
	if handle != derived {
		return dds.HandleNil, nil, dds.ErrPreconditionNotMet
	}
	return handle, key, nil
}

// keyPayload wraps a serialized key in a CDR_LE encapsulation for the
// key-only payload of dispose/unregister changes.
func keyPayload(key []byte) []byte {
	if len(key) == 0 {
		return nil
	}
	out := make([]byte, 0, len(key)+4)
	out = append(out, 0x00, 0x01, 0x00, 0x00)
	return append(out, key...)
}

// WaitForAcknowledgments blocks until every reliable matched reader
// acknowledged everything written, or the timeout elapses.
func (dw *DataWriter) WaitForAcknowledgments(timeout time.Duration) error {
	if _, err := dw.ready(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return dw.worker.WaitForAcknowledgments(ctx)
}

// AssertLiveliness manually asserts the writer's liveliness.
func (dw *DataWriter) AssertLiveliness() error {
	now, err := dw.ready()
	if err != nil {
		return err
	}
	dw.worker.AssertLiveliness(now)
	return nil
}

// Qos returns the writer's QoS.
func (dw *DataWriter) Qos() qos.DataWriterQos { return dw.qos }

// SetQos applies a QoS update. Every writer policy that participates
// in matching or wire behavior is set at creation time; changing one
// after enable fails with ErrImmutablePolicy. OwnershipStrength is the
// mutable exception.
func (dw *DataWriter) SetQos(q qos.DataWriterQos) error {
	if err := q.IsConsistent(); err != nil {
		return err
	}
	current := dw.qos
	current.OwnershipStrength = q.OwnershipStrength
	if !reflect.DeepEqual(current, q) {
		return dds.ErrImmutablePolicy
	}
	dw.qos = q
	return nil
}

// Delete disposes the writer's announcement and removes it.
func (dw *DataWriter) Delete() error {
	pub := dw.publisher
	pub.mu.Lock()
	if dw.deleted {
		pub.mu.Unlock()
		return dds.ErrAlreadyDeleted
	}
	dw.deleted = true
	for i, other := range pub.entries {
		if other == dw {
			pub.entries = append(pub.entries[:i], pub.entries[i+1:]...)
			break
		}
	}
	pub.mu.Unlock()

	p := pub.participant
	p.recv.UnregisterWriter(dw.guid.EntityId)
	p.engine.RemoveLocalWriter(dw.guid, time.Now())
	return nil
}

// ready gates data-path operations on the entity lifecycle.
func (dw *DataWriter) ready() (time.Time, error) {
	dw.publisher.mu.Lock()
	if dw.deleted {
		dw.publisher.mu.Unlock()
		return time.Time{}, dds.ErrAlreadyDeleted
	}
	dw.publisher.mu.Unlock()
	return dw.publisher.participant.enabledNow()
}
