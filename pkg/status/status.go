// Package status implements the DDS communication statuses with their
// read-and-reset semantics and the bitset-style StatusCondition used to
// wake waiters.
//
// Every status struct accumulates totals; the getter returns a snapshot
// and zeroes the *_change deltas, so user code observes each change
// exactly once. Updates and resets are serialized per endpoint, which
// keeps statuses visible in the order they were raised.
package status

import (
	"sync"

	"github.com/marmos91/dittodds/pkg/dds"
	"github.com/marmos91/dittodds/pkg/qos"
)

// ============================================================================
// Status Kinds
// ============================================================================

// Kind is one bit of the status mask.
type Kind uint32

const (
	InconsistentTopic        Kind = 1 << 0
	OfferedDeadlineMissed    Kind = 1 << 1
	RequestedDeadlineMissed  Kind = 1 << 2
	OfferedIncompatibleQos   Kind = 1 << 5
	RequestedIncompatibleQos Kind = 1 << 6
	SampleLost               Kind = 1 << 7
	SampleRejected           Kind = 1 << 8
	DataOnReaders            Kind = 1 << 9
	DataAvailable            Kind = 1 << 10
	LivelinessLost           Kind = 1 << 11
	LivelinessChanged        Kind = 1 << 12
	PublicationMatched       Kind = 1 << 13
	SubscriptionMatched      Kind = 1 << 14
)

// AllStatuses enables every status bit.
const AllStatuses Kind = 0xffffffff

// ============================================================================
// Status Structs
// ============================================================================

// PublicationMatchedStatus tracks reader matches seen by a writer.
type PublicationMatchedStatus struct {
	TotalCount         int32
	TotalCountChange   int32
	CurrentCount       int32
	CurrentCountChange int32
	LastSubscriptionHandle dds.InstanceHandle
}

// SubscriptionMatchedStatus tracks writer matches seen by a reader.
type SubscriptionMatchedStatus struct {
	TotalCount         int32
	TotalCountChange   int32
	CurrentCount       int32
	CurrentCountChange int32
	LastPublicationHandle dds.InstanceHandle
}

// OfferedIncompatibleQosStatus counts discovery matches refused for
// writer-side QoS.
type OfferedIncompatibleQosStatus struct {
	TotalCount       int32
	TotalCountChange int32
	LastPolicyID     qos.PolicyID
	Policies         []qos.PolicyID
}

// RequestedIncompatibleQosStatus counts discovery matches refused for
// reader-side QoS.
type RequestedIncompatibleQosStatus struct {
	TotalCount       int32
	TotalCountChange int32
	LastPolicyID     qos.PolicyID
	Policies         []qos.PolicyID
}

// SampleRejectedKind names the resource limit that rejected a sample.
type SampleRejectedKind int32

const (
	NotRejected SampleRejectedKind = iota
	RejectedByInstancesLimit
	RejectedBySamplesLimit
	RejectedBySamplesPerInstanceLimit
)

// SampleRejectedStatus counts samples refused by resource limits.
type SampleRejectedStatus struct {
	TotalCount         int32
	TotalCountChange   int32
	LastReason         SampleRejectedKind
	LastInstanceHandle dds.InstanceHandle
}

// SampleLostStatus counts samples that will never be received.
type SampleLostStatus struct {
	TotalCount       int32
	TotalCountChange int32
}

// RequestedDeadlineMissedStatus counts reader-side deadline expiries.
type RequestedDeadlineMissedStatus struct {
	TotalCount         int32
	TotalCountChange   int32
	LastInstanceHandle dds.InstanceHandle
}

// OfferedDeadlineMissedStatus counts writer-side deadline expiries.
type OfferedDeadlineMissedStatus struct {
	TotalCount         int32
	TotalCountChange   int32
	LastInstanceHandle dds.InstanceHandle
}

// LivelinessChangedStatus tracks remote writer liveliness transitions.
type LivelinessChangedStatus struct {
	AliveCount            int32
	NotAliveCount         int32
	AliveCountChange      int32
	NotAliveCountChange   int32
	LastPublicationHandle dds.InstanceHandle
}

// LivelinessLostStatus counts manual-liveliness leases the local
// writer let expire.
type LivelinessLostStatus struct {
	TotalCount       int32
	TotalCountChange int32
}

// ============================================================================
// Status Condition
// ============================================================================

// Condition is the bitset of statuses that changed since last read,
// plus the mask of statuses the application cares about. Raising an
// enabled bit wakes every waiter.
type Condition struct {
	mu      sync.Mutex
	cond    *sync.Cond
	raised  Kind
	enabled Kind
}

// NewCondition creates a condition with all statuses enabled.
func NewCondition() *Condition {
	c := &Condition{enabled: AllStatuses}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// SetEnabledStatuses replaces the mask. Narrowing the mask clears
// raised bits outside it.
func (c *Condition) SetEnabledStatuses(mask Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = mask
	c.raised &= mask
}

// EnabledStatuses returns the current mask.
func (c *Condition) EnabledStatuses() Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// Raise marks a status changed and wakes waiters if it is enabled.
func (c *Condition) Raise(k Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if k&c.enabled == 0 {
		return
	}
	c.raised |= k & c.enabled
	c.cond.Broadcast()
}

// TriggeredStatuses returns and clears the raised set.
func (c *Condition) TriggeredStatuses() Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.raised
	c.raised = 0
	return out
}

// Peek returns the raised set without clearing it.
func (c *Condition) Peek() Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.raised
}

// Wait blocks until at least one enabled status is raised, then
// returns and clears the set. Close does not end a Wait: a woken
// waiter with nothing raised waits again.
func (c *Condition) Wait() Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.raised == 0 {
		c.cond.Wait()
	}
	out := c.raised
	c.raised = 0
	return out
}

// Close broadcasts to all waiters; a waiter with nothing raised goes
// back to waiting. Pending raised bits stay readable through
// TriggeredStatuses.
func (c *Condition) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cond.Broadcast()
}

// ============================================================================
// Writer Status Set
// ============================================================================

// WriterStatuses aggregates every writer-side status behind one lock
// with read-and-reset getters.
type WriterStatuses struct {
	mu sync.Mutex

	publicationMatched     PublicationMatchedStatus
	offeredIncompatibleQos OfferedIncompatibleQosStatus
	offeredDeadlineMissed  OfferedDeadlineMissedStatus
	livelinessLost         LivelinessLostStatus

	Condition *Condition
}

// NewWriterStatuses creates the writer status set.
func NewWriterStatuses() *WriterStatuses {
	return &WriterStatuses{Condition: NewCondition()}
}

// AddMatch records a newly matched reader.
func (s *WriterStatuses) AddMatch(reader dds.InstanceHandle) {
	s.mu.Lock()
	s.publicationMatched.TotalCount++
	s.publicationMatched.TotalCountChange++
	s.publicationMatched.CurrentCount++
	s.publicationMatched.CurrentCountChange++
	s.publicationMatched.LastSubscriptionHandle = reader
	s.mu.Unlock()
	s.Condition.Raise(PublicationMatched)
}

// RemoveMatch records an unmatched reader.
func (s *WriterStatuses) RemoveMatch(reader dds.InstanceHandle) {
	s.mu.Lock()
	s.publicationMatched.CurrentCount--
	s.publicationMatched.CurrentCountChange--
	s.publicationMatched.LastSubscriptionHandle = reader
	s.mu.Unlock()
	s.Condition.Raise(PublicationMatched)
}

// AddIncompatibleQos records a discovery match refused for QoS.
func (s *WriterStatuses) AddIncompatibleQos(policies []qos.PolicyID) {
	if len(policies) == 0 {
		return
	}
	s.mu.Lock()
	s.offeredIncompatibleQos.TotalCount++
	s.offeredIncompatibleQos.TotalCountChange++
	s.offeredIncompatibleQos.LastPolicyID = policies[0]
	s.offeredIncompatibleQos.Policies = policies
	s.mu.Unlock()
	s.Condition.Raise(OfferedIncompatibleQos)
}

// AddDeadlineMissed records a missed offered deadline for an instance.
func (s *WriterStatuses) AddDeadlineMissed(instance dds.InstanceHandle) {
	s.mu.Lock()
	s.offeredDeadlineMissed.TotalCount++
	s.offeredDeadlineMissed.TotalCountChange++
	s.offeredDeadlineMissed.LastInstanceHandle = instance
	s.mu.Unlock()
	s.Condition.Raise(OfferedDeadlineMissed)
}

// AddLivelinessLost records an expired manual-liveliness lease.
func (s *WriterStatuses) AddLivelinessLost() {
	s.mu.Lock()
	s.livelinessLost.TotalCount++
	s.livelinessLost.TotalCountChange++
	s.mu.Unlock()
	s.Condition.Raise(LivelinessLost)
}

// PublicationMatched returns the status and resets its deltas.
func (s *WriterStatuses) PublicationMatched() PublicationMatchedStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.publicationMatched
	s.publicationMatched.TotalCountChange = 0
	s.publicationMatched.CurrentCountChange = 0
	return out
}

// OfferedIncompatibleQos returns the status and resets its deltas.
func (s *WriterStatuses) OfferedIncompatibleQos() OfferedIncompatibleQosStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.offeredIncompatibleQos
	s.offeredIncompatibleQos.TotalCountChange = 0
	return out
}

// OfferedDeadlineMissed returns the status and resets its deltas.
func (s *WriterStatuses) OfferedDeadlineMissed() OfferedDeadlineMissedStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.offeredDeadlineMissed
	s.offeredDeadlineMissed.TotalCountChange = 0
	return out
}

// LivelinessLost returns the status and resets its deltas.
func (s *WriterStatuses) LivelinessLost() LivelinessLostStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.livelinessLost
	s.livelinessLost.TotalCountChange = 0
	return out
}

// ============================================================================
// Reader Status Set
// ============================================================================

// ReaderStatuses aggregates every reader-side status.
type ReaderStatuses struct {
	mu sync.Mutex

	subscriptionMatched      SubscriptionMatchedStatus
	requestedIncompatibleQos RequestedIncompatibleQosStatus
	sampleRejected           SampleRejectedStatus
	sampleLost               SampleLostStatus
	requestedDeadlineMissed  RequestedDeadlineMissedStatus
	livelinessChanged        LivelinessChangedStatus

	Condition *Condition
}

// NewReaderStatuses creates the reader status set.
func NewReaderStatuses() *ReaderStatuses {
	return &ReaderStatuses{Condition: NewCondition()}
}

// AddMatch records a newly matched writer.
func (s *ReaderStatuses) AddMatch(writer dds.InstanceHandle) {
	s.mu.Lock()
	s.subscriptionMatched.TotalCount++
	s.subscriptionMatched.TotalCountChange++
	s.subscriptionMatched.CurrentCount++
	s.subscriptionMatched.CurrentCountChange++
	s.subscriptionMatched.LastPublicationHandle = writer
	s.mu.Unlock()
	s.Condition.Raise(SubscriptionMatched)
}

// RemoveMatch records an unmatched writer.
func (s *ReaderStatuses) RemoveMatch(writer dds.InstanceHandle) {
	s.mu.Lock()
	s.subscriptionMatched.CurrentCount--
	s.subscriptionMatched.CurrentCountChange--
	s.subscriptionMatched.LastPublicationHandle = writer
	s.mu.Unlock()
	s.Condition.Raise(SubscriptionMatched)
}

// AddIncompatibleQos records a discovery match refused for QoS.
func (s *ReaderStatuses) AddIncompatibleQos(policies []qos.PolicyID) {
	if len(policies) == 0 {
		return
	}
	s.mu.Lock()
	s.requestedIncompatibleQos.TotalCount++
	s.requestedIncompatibleQos.TotalCountChange++
	s.requestedIncompatibleQos.LastPolicyID = policies[0]
	s.requestedIncompatibleQos.Policies = policies
	s.mu.Unlock()
	s.Condition.Raise(RequestedIncompatibleQos)
}

// AddSampleRejected records a sample refused by a resource limit.
func (s *ReaderStatuses) AddSampleRejected(reason SampleRejectedKind, instance dds.InstanceHandle) {
	s.mu.Lock()
	s.sampleRejected.TotalCount++
	s.sampleRejected.TotalCountChange++
	s.sampleRejected.LastReason = reason
	s.sampleRejected.LastInstanceHandle = instance
	s.mu.Unlock()
	s.Condition.Raise(SampleRejected)
}

// AddSamplesLost records n samples that will never arrive.
func (s *ReaderStatuses) AddSamplesLost(n int32) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	s.sampleLost.TotalCount += n
	s.sampleLost.TotalCountChange += n
	s.mu.Unlock()
	s.Condition.Raise(SampleLost)
}

// AddDeadlineMissed records a missed requested deadline.
func (s *ReaderStatuses) AddDeadlineMissed(instance dds.InstanceHandle) {
	s.mu.Lock()
	s.requestedDeadlineMissed.TotalCount++
	s.requestedDeadlineMissed.TotalCountChange++
	s.requestedDeadlineMissed.LastInstanceHandle = instance
	s.mu.Unlock()
	s.Condition.Raise(RequestedDeadlineMissed)
}

// LivelinessUp records a writer becoming alive.
func (s *ReaderStatuses) LivelinessUp(writer dds.InstanceHandle) {
	s.mu.Lock()
	s.livelinessChanged.AliveCount++
	s.livelinessChanged.AliveCountChange++
	s.livelinessChanged.LastPublicationHandle = writer
	s.mu.Unlock()
	s.Condition.Raise(LivelinessChanged)
}

// LivelinessDown records a writer's lease expiring.
func (s *ReaderStatuses) LivelinessDown(writer dds.InstanceHandle) {
	s.mu.Lock()
	s.livelinessChanged.AliveCount--
	s.livelinessChanged.AliveCountChange--
	s.livelinessChanged.NotAliveCount++
	s.livelinessChanged.NotAliveCountChange++
	s.livelinessChanged.LastPublicationHandle = writer
	s.mu.Unlock()
	s.Condition.Raise(LivelinessChanged)
}

// RaiseDataAvailable signals new data in the reader cache.
func (s *ReaderStatuses) RaiseDataAvailable() {
	s.Condition.Raise(DataAvailable)
}

// SubscriptionMatched returns the status and resets its deltas.
func (s *ReaderStatuses) SubscriptionMatched() SubscriptionMatchedStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.subscriptionMatched
	s.subscriptionMatched.TotalCountChange = 0
	s.subscriptionMatched.CurrentCountChange = 0
	return out
}

// RequestedIncompatibleQos returns the status and resets its deltas.
func (s *ReaderStatuses) RequestedIncompatibleQos() RequestedIncompatibleQosStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.requestedIncompatibleQos
	s.requestedIncompatibleQos.TotalCountChange = 0
	return out
}

// SampleRejected returns the status and resets its deltas.
func (s *ReaderStatuses) SampleRejected() SampleRejectedStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.sampleRejected
	s.sampleRejected.TotalCountChange = 0
	return out
}

// SampleLost returns the status and resets its deltas.
func (s *ReaderStatuses) SampleLost() SampleLostStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.sampleLost
	s.sampleLost.TotalCountChange = 0
	return out
}

// RequestedDeadlineMissed returns the status and resets its deltas.
func (s *ReaderStatuses) RequestedDeadlineMissed() RequestedDeadlineMissedStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.requestedDeadlineMissed
	s.requestedDeadlineMissed.TotalCountChange = 0
	return out
}

// LivelinessChanged returns the status and resets its deltas.
func (s *ReaderStatuses) LivelinessChanged() LivelinessChangedStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.livelinessChanged
	s.livelinessChanged.AliveCountChange = 0
	s.livelinessChanged.NotAliveCountChange = 0
	return out
}
