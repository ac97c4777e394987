// Package qos defines the DDS QoS policy vocabulary, the per-endpoint
// QoS aggregates with their defaults and consistency rules, and the
// offered/requested compatibility matcher used during discovery.
package qos

import (
	"time"

	"github.com/marmos91/dittodds/pkg/dds"
)

// ============================================================================
// Policy Ids
// ============================================================================

// PolicyID numbers the QoS policies, matching the DDS specification's
// QosPolicyId_t values carried in incompatible-QoS statuses.
type PolicyID int32

const (
	InvalidPolicyID PolicyID = iota
	UserDataPolicyID
	DurabilityPolicyID
	PresentationPolicyID
	DeadlinePolicyID
	LatencyBudgetPolicyID
	OwnershipPolicyID
	OwnershipStrengthPolicyID
	LivelinessPolicyID
	TimeBasedFilterPolicyID
	PartitionPolicyID
	ReliabilityPolicyID
	DestinationOrderPolicyID
	HistoryPolicyID
	ResourceLimitsPolicyID
	EntityFactoryPolicyID
	WriterDataLifecyclePolicyID
	ReaderDataLifecyclePolicyID
	TopicDataPolicyID
	GroupDataPolicyID
	TransportPriorityPolicyID
	LifespanPolicyID
	DurabilityServicePolicyID
	DataRepresentationPolicyID
)

// String renders the policy id for logs and statuses.
func (id PolicyID) String() string {
	names := map[PolicyID]string{
		DurabilityPolicyID:         "DURABILITY",
		PresentationPolicyID:       "PRESENTATION",
		DeadlinePolicyID:           "DEADLINE",
		LatencyBudgetPolicyID:      "LATENCY_BUDGET",
		OwnershipPolicyID:          "OWNERSHIP",
		LivelinessPolicyID:         "LIVELINESS",
		ReliabilityPolicyID:        "RELIABILITY",
		DestinationOrderPolicyID:   "DESTINATION_ORDER",
		DataRepresentationPolicyID: "DATA_REPRESENTATION",
	}
	if n, ok := names[id]; ok {
		return n
	}
	return "POLICY"
}

// ============================================================================
// Policy Kinds
// ============================================================================

// DurabilityKind orders: Volatile < TransientLocal < Transient < Persistent.
type DurabilityKind int32

const (
	Volatile DurabilityKind = iota
	TransientLocal
	Transient
	Persistent
)

// ReliabilityKind orders: BestEffort < Reliable.
type ReliabilityKind int32

const (
	BestEffort ReliabilityKind = iota
	Reliable
)

// HistoryKind selects between bounded-depth and unbounded history.
type HistoryKind int32

const (
	KeepLast HistoryKind = iota
	KeepAll
)

// OwnershipKind selects shared or exclusive instance ownership.
type OwnershipKind int32

const (
	SharedOwnership OwnershipKind = iota
	ExclusiveOwnership
)

// LivelinessKind orders: Automatic < ManualByParticipant < ManualByTopic.
type LivelinessKind int32

const (
	AutomaticLiveliness LivelinessKind = iota
	ManualByParticipantLiveliness
	ManualByTopicLiveliness
)

// DestinationOrderKind orders: ByReception < BySource.
type DestinationOrderKind int32

const (
	ByReceptionTimestamp DestinationOrderKind = iota
	BySourceTimestamp
)

// PresentationAccessScope orders: Instance < Topic < Group.
type PresentationAccessScope int32

const (
	InstanceScope PresentationAccessScope = iota
	TopicScope
	GroupScope
)

// DataRepresentationId identifies a serialized data representation.
type DataRepresentationId int16

const (
	XCDRRepresentation  DataRepresentationId = 0
	XMLRepresentation   DataRepresentationId = 1
	XCDR2Representation DataRepresentationId = 2
)

// LengthUnlimited marks an unbounded resource limit.
const LengthUnlimited = int32(-1)

// ============================================================================
// Policies
// ============================================================================

// Durability controls how long a writer keeps changes for late joiners.
type Durability struct {
	Kind DurabilityKind `mapstructure:"kind" yaml:"kind"`
}

// Reliability controls retransmission of lost samples.
type Reliability struct {
	Kind            ReliabilityKind `mapstructure:"kind" yaml:"kind"`
	MaxBlockingTime time.Duration   `mapstructure:"max_blocking_time" yaml:"max_blocking_time"`
}

// History bounds the per-instance sample record.
type History struct {
	Kind  HistoryKind `mapstructure:"kind" yaml:"kind"`
	Depth int32       `mapstructure:"depth" yaml:"depth"`
}

// ResourceLimits bounds the cache as a whole.
type ResourceLimits struct {
	MaxSamples            int32 `mapstructure:"max_samples" yaml:"max_samples"`
	MaxInstances          int32 `mapstructure:"max_instances" yaml:"max_instances"`
	MaxSamplesPerInstance int32 `mapstructure:"max_samples_per_instance" yaml:"max_samples_per_instance"`
}

// Ownership selects shared or exclusive instance ownership.
type Ownership struct {
	Kind OwnershipKind `mapstructure:"kind" yaml:"kind"`
}

// OwnershipStrength arbitrates exclusive ownership between writers.
type OwnershipStrength struct {
	Value int32 `mapstructure:"value" yaml:"value"`
}

// Liveliness declares how a writer asserts it is alive.
type Liveliness struct {
	Kind          LivelinessKind `mapstructure:"kind" yaml:"kind"`
	LeaseDuration time.Duration  `mapstructure:"lease_duration" yaml:"lease_duration"`
}

// Deadline declares the maximum inter-sample period per instance.
type Deadline struct {
	Period time.Duration `mapstructure:"period" yaml:"period"`
}

// LatencyBudget declares acceptable delivery delay.
type LatencyBudget struct {
	Duration time.Duration `mapstructure:"duration" yaml:"duration"`
}

// DestinationOrder selects the reader-side sort order.
type DestinationOrder struct {
	Kind DestinationOrderKind `mapstructure:"kind" yaml:"kind"`
}

// Presentation declares access-scope and coherency expectations.
type Presentation struct {
	AccessScope    PresentationAccessScope `mapstructure:"access_scope" yaml:"access_scope"`
	CoherentAccess bool                    `mapstructure:"coherent_access" yaml:"coherent_access"`
	OrderedAccess  bool                    `mapstructure:"ordered_access" yaml:"ordered_access"`
}

// Partition scopes matching to publishers/subscribers with an
// overlapping partition name set. Names may be literal or regex.
type Partition struct {
	Names []string `mapstructure:"names" yaml:"names"`
}

// TimeBasedFilter drops samples arriving faster than the separation.
type TimeBasedFilter struct {
	MinimumSeparation time.Duration `mapstructure:"minimum_separation" yaml:"minimum_separation"`
}

// Lifespan expires samples after the duration.
type Lifespan struct {
	Duration time.Duration `mapstructure:"duration" yaml:"duration"`
}

// WriterDataLifecycle controls dispose-on-unregister.
type WriterDataLifecycle struct {
	AutodisposeUnregisteredInstances bool `mapstructure:"autodispose_unregistered_instances" yaml:"autodispose_unregistered_instances"`
}

// ReaderDataLifecycle controls autopurge of dead instances.
type ReaderDataLifecycle struct {
	AutopurgeNoWriterSamplesDelay time.Duration `mapstructure:"autopurge_nowriter_samples_delay" yaml:"autopurge_nowriter_samples_delay"`
	AutopurgeDisposedSamplesDelay time.Duration `mapstructure:"autopurge_disposed_samples_delay" yaml:"autopurge_disposed_samples_delay"`
}

// DurabilityService configures the history kept on behalf of durable
// readers.
type DurabilityService struct {
	ServiceCleanupDelay   time.Duration `mapstructure:"service_cleanup_delay" yaml:"service_cleanup_delay"`
	HistoryKind           HistoryKind   `mapstructure:"history_kind" yaml:"history_kind"`
	HistoryDepth          int32         `mapstructure:"history_depth" yaml:"history_depth"`
	MaxSamples            int32         `mapstructure:"max_samples" yaml:"max_samples"`
	MaxInstances          int32         `mapstructure:"max_instances" yaml:"max_instances"`
	MaxSamplesPerInstance int32         `mapstructure:"max_samples_per_instance" yaml:"max_samples_per_instance"`
}

// DataRepresentation lists acceptable representations, offered first.
type DataRepresentation struct {
	Value []DataRepresentationId `mapstructure:"value" yaml:"value"`
}

// ============================================================================
// Endpoint QoS Aggregates
// ============================================================================

// DataWriterQos aggregates the writer-side policies.
type DataWriterQos struct {
	Durability          Durability
	DurabilityService   DurabilityService
	Deadline            Deadline
	LatencyBudget       LatencyBudget
	Liveliness          Liveliness
	Reliability         Reliability
	DestinationOrder    DestinationOrder
	History             History
	ResourceLimits      ResourceLimits
	TransportPriority   int32
	Lifespan            Lifespan
	Ownership           Ownership
	OwnershipStrength   OwnershipStrength
	WriterDataLifecycle WriterDataLifecycle
	DataRepresentation  DataRepresentation
}

// DataReaderQos aggregates the reader-side policies.
type DataReaderQos struct {
	Durability          Durability
	Deadline            Deadline
	LatencyBudget       LatencyBudget
	Liveliness          Liveliness
	Reliability         Reliability
	DestinationOrder    DestinationOrder
	History             History
	ResourceLimits      ResourceLimits
	Ownership           Ownership
	TimeBasedFilter     TimeBasedFilter
	ReaderDataLifecycle ReaderDataLifecycle
	DataRepresentation  DataRepresentation
}

// PublisherQos and SubscriberQos carry the group-level policies that
// participate in matching.
type PublisherQos struct {
	Presentation Presentation
	Partition    Partition
}

type SubscriberQos struct {
	Presentation Presentation
	Partition    Partition
}

// DefaultDataWriterQos returns the standard writer defaults: reliable
// with a 100 ms blocking time, volatile, keep-last 1, unlimited
// resources, automatic liveliness with infinite lease.
func DefaultDataWriterQos() DataWriterQos {
	return DataWriterQos{
		Reliability: Reliability{Kind: Reliable, MaxBlockingTime: 100 * time.Millisecond},
		History:     History{Kind: KeepLast, Depth: 1},
		ResourceLimits: ResourceLimits{
			MaxSamples:            LengthUnlimited,
			MaxInstances:          LengthUnlimited,
			MaxSamplesPerInstance: LengthUnlimited,
		},
		Liveliness:          Liveliness{Kind: AutomaticLiveliness, LeaseDuration: dds.DurationInfinite},
		Deadline:            Deadline{Period: dds.DurationInfinite},
		Lifespan:            Lifespan{Duration: dds.DurationInfinite},
		WriterDataLifecycle: WriterDataLifecycle{AutodisposeUnregisteredInstances: true},
	}
}

// DefaultDataReaderQos returns the standard reader defaults:
// best-effort, volatile, keep-last 1, unlimited resources.
func DefaultDataReaderQos() DataReaderQos {
	return DataReaderQos{
		Reliability: Reliability{Kind: BestEffort, MaxBlockingTime: 100 * time.Millisecond},
		History:     History{Kind: KeepLast, Depth: 1},
		ResourceLimits: ResourceLimits{
			MaxSamples:            LengthUnlimited,
			MaxInstances:          LengthUnlimited,
			MaxSamplesPerInstance: LengthUnlimited,
		},
		Liveliness: Liveliness{Kind: AutomaticLiveliness, LeaseDuration: dds.DurationInfinite},
		Deadline:   Deadline{Period: dds.DurationInfinite},
	}
}

// ============================================================================
// Consistency
// ============================================================================

// checkHistoryLimits validates history depth against resource limits,
// shared by both endpoint kinds.
func checkHistoryLimits(h History, rl ResourceLimits) error {
	if h.Kind == KeepLast && h.Depth <= 0 {
		return dds.ErrInconsistentPolicy
	}
	if rl.MaxSamples != LengthUnlimited {
		if rl.MaxSamplesPerInstance != LengthUnlimited && rl.MaxSamplesPerInstance > rl.MaxSamples {
			return dds.ErrInconsistentPolicy
		}
	}
	if h.Kind == KeepLast && rl.MaxSamplesPerInstance != LengthUnlimited && h.Depth > rl.MaxSamplesPerInstance {
		return dds.ErrInconsistentPolicy
	}
	return nil
}

// IsConsistent validates the writer QoS aggregate.
func (q DataWriterQos) IsConsistent() error {
	return checkHistoryLimits(q.History, q.ResourceLimits)
}

// IsConsistent validates the reader QoS aggregate.
func (q DataReaderQos) IsConsistent() error {
	if err := checkHistoryLimits(q.History, q.ResourceLimits); err != nil {
		return err
	}
	if q.Deadline.Period < q.TimeBasedFilter.MinimumSeparation {
		return dds.ErrInconsistentPolicy
	}
	return nil
}
