package history

import (
	"sort"
	"sync"
	"time"

	"github.com/marmos91/dittodds/internal/protocol/rtps"
	"github.com/marmos91/dittodds/pkg/dds"
	"github.com/marmos91/dittodds/pkg/qos"
	"github.com/marmos91/dittodds/pkg/status"
)

// ============================================================================
// Sample and Instance States
// ============================================================================

// SampleState tracks whether a sample has been read.
type SampleState uint32

const (
	ReadSampleState    SampleState = 1 << 0
	NotReadSampleState SampleState = 1 << 1
	AnySampleState     SampleState = ReadSampleState | NotReadSampleState
)

// ViewState tracks whether an instance is new to the reader.
type ViewState uint32

const (
	NewViewState    ViewState = 1 << 0
	NotNewViewState ViewState = 1 << 1
	AnyViewState    ViewState = NewViewState | NotNewViewState
)

// InstanceState is the lifecycle state of an instance.
type InstanceState uint32

const (
	AliveInstanceState            InstanceState = 1 << 0
	NotAliveDisposedInstanceState InstanceState = 1 << 1
	NotAliveNoWritersInstanceState InstanceState = 1 << 2
	AnyInstanceState              InstanceState = AliveInstanceState | NotAliveDisposedInstanceState | NotAliveNoWritersInstanceState
	NotAliveInstanceState         InstanceState = NotAliveDisposedInstanceState | NotAliveNoWritersInstanceState
)

// ============================================================================
// Samples
// ============================================================================

// Sample is one entry of the reader cache.
type Sample struct {
	Kind               dds.ChangeKind
	WriterGuid         rtps.Guid
	InstanceHandle     dds.InstanceHandle
	SourceTimestamp    dds.Time
	ReceptionTimestamp dds.Time
	Data               []byte
	InlineQos          rtps.ParameterList
	State              SampleState

	// Generation counts of the instance at the time the sample was
	// stored, used for generation-rank computation.
	DisposedGeneration  int32
	NoWritersGeneration int32
}

// SampleInfo is the per-sample metadata returned by read/take.
type SampleInfo struct {
	SampleState            SampleState
	ViewState              ViewState
	InstanceState          InstanceState
	DisposedGenerationCount int32
	NoWritersGenerationCount int32
	SampleRank             int32
	GenerationRank         int32
	AbsoluteGenerationRank int32
	SourceTimestamp        dds.Time
	InstanceHandle         dds.InstanceHandle
	PublicationHandle      dds.InstanceHandle
	ValidData              bool
}

// ============================================================================
// Instance Records
// ============================================================================

// instanceRecord is the reader's per-instance state machine entry.
type instanceRecord struct {
	handle        dds.InstanceHandle
	viewState     ViewState
	instanceState InstanceState

	disposedGeneration  int32
	noWritersGeneration int32

	// Exclusive ownership arbitration.
	owner         rtps.Guid
	ownerStrength int32
	hasOwner      bool

	// Writers currently contributing alive samples, for the NoWriters
	// transition when a writer's liveliness lapses.
	writers map[rtps.Guid]struct{}

	// Time-based filter bookkeeping.
	lastAcceptedSource dds.Time
	hasAccepted        bool

	// notAliveSince is the reception time of the transition into a
	// not-alive state, for reader-data-lifecycle autopurge.
	notAliveSince dds.Time
}

// transition applies the change-kind transition table and maintains
// generation counters and view state.
func (ir *instanceRecord) transition(kind dds.ChangeKind) {
	switch {
	case kind == dds.Alive:
		switch ir.instanceState {
		case NotAliveDisposedInstanceState:
			ir.disposedGeneration++
			ir.viewState = NewViewState
		case NotAliveNoWritersInstanceState:
			ir.noWritersGeneration++
			ir.viewState = NewViewState
		}
		ir.instanceState = AliveInstanceState
	case kind.IsDispose():
		if ir.viewState == NotNewViewState {
			ir.viewState = NewViewState
		}
		ir.instanceState = NotAliveDisposedInstanceState
	case kind.IsUnregister():
		if ir.viewState == NotNewViewState {
			ir.viewState = NewViewState
		}
		// Unregister only demotes an alive instance; a disposed
		// instance stays disposed.
		if ir.instanceState == AliveInstanceState {
			ir.instanceState = NotAliveNoWritersInstanceState
		}
	}
}

// ============================================================================
// Reader History Cache
// ============================================================================

// AcceptResult reports the outcome of ReaderCache.Accept.
type AcceptResult struct {
	// Stored is true when the sample entered the cache. A sample can
	// be accepted but not stored (ownership or time-based filtering).
	Stored bool
	// Rejected is non-zero when a resource limit refused the sample.
	Rejected status.SampleRejectedKind
}

// ReaderCache stores accepted samples and runs the instance state
// machine. All mutation goes through Accept, Read, Take and the
// ownership/liveliness hooks; the cache is safe for use from the
// reader's worker plus user read/take calls.
type ReaderCache struct {
	mu sync.Mutex

	readerQos qos.DataReaderQos

	samples   []*Sample
	instances map[dds.InstanceHandle]*instanceRecord
}

// NewReaderCache creates a cache governed by the reader QoS.
func NewReaderCache(readerQos qos.DataReaderQos) *ReaderCache {
	return &ReaderCache{
		readerQos: readerQos,
		instances: make(map[dds.InstanceHandle]*instanceRecord),
	}
}

// Accept runs the admission pipeline for one inbound change:
// ownership arbitration, time-based filtering, resource limits,
// KeepLast eviction, insertion and the instance state transition.
//
// writerStrength is the discovered ownership strength of the writing
// endpoint, used only under exclusive ownership.
func (c *ReaderCache) Accept(
	kind dds.ChangeKind,
	writerGuid rtps.Guid,
	instance dds.InstanceHandle,
	sourceTimestamp dds.Time,
	receptionTimestamp dds.Time,
	data []byte,
	inlineQos rtps.ParameterList,
	writerStrength int32,
) AcceptResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	ir, known := c.instances[instance]

	// 1. Exclusive ownership: a weaker writer is not authoritative for
	// the instance. The sample is accepted (the protocol saw it) but
	// silently discarded. Strength ties break by writer GUID order so
	// every reader picks the same owner.
	if c.readerQos.Ownership.Kind == qos.ExclusiveOwnership && known && ir.hasOwner && ir.owner != writerGuid {
		if ir.ownerStrength > writerStrength ||
			(ir.ownerStrength == writerStrength && ir.owner.Compare(writerGuid) < 0) {
			return AcceptResult{Stored: false}
		}
	}

	// 2. Time-based filter, alive samples only.
	if kind == dds.Alive && known && ir.hasAccepted &&
		c.readerQos.TimeBasedFilter.MinimumSeparation > 0 &&
		sourceTimestamp.Sub(ir.lastAcceptedSource) < c.readerQos.TimeBasedFilter.MinimumSeparation {
		return AcceptResult{Stored: false}
	}

	// 3. Resource limits. Only alive samples carry payload and count
	// against the sample limits; a brand-new instance counts against
	// max_instances regardless of kind.
	limits := c.readerQos.ResourceLimits
	if kind == dds.Alive {
		if limits.MaxSamples != qos.LengthUnlimited && c.aliveCountLocked() >= int(limits.MaxSamples) {
			return AcceptResult{Rejected: status.RejectedBySamplesLimit}
		}
	}
	if !known {
		if limits.MaxInstances != qos.LengthUnlimited && len(c.instances) >= int(limits.MaxInstances) {
			return AcceptResult{Rejected: status.RejectedByInstancesLimit}
		}
	}
	if kind == dds.Alive {
		if limits.MaxSamplesPerInstance != qos.LengthUnlimited &&
			c.aliveCountForLocked(instance) >= int(limits.MaxSamplesPerInstance) {
			// KeepLast eviction below may still admit the sample.
			if c.readerQos.History.Kind != qos.KeepLast ||
				c.aliveCountForLocked(instance) < int(c.readerQos.History.Depth) {
				return AcceptResult{Rejected: status.RejectedBySamplesPerInstanceLimit}
			}
		}
	}

	// 4. History depth.
	if kind == dds.Alive && c.readerQos.History.Kind == qos.KeepLast {
		for c.aliveCountForLocked(instance) >= int(c.readerQos.History.Depth) {
			if !c.evictOldestAliveLocked(instance) {
				break
			}
		}
	}

	if !known {
		ir = &instanceRecord{
			handle:        instance,
			viewState:     NewViewState,
			instanceState: AliveInstanceState,
			writers:       make(map[rtps.Guid]struct{}),
		}
		c.instances[instance] = ir
	}

	// Ownership handover.
	if c.readerQos.Ownership.Kind == qos.ExclusiveOwnership && kind == dds.Alive {
		ir.owner = writerGuid
		ir.ownerStrength = writerStrength
		ir.hasOwner = true
	}

	// 5. Insert and transition.
	sample := &Sample{
		Kind:               kind,
		WriterGuid:         writerGuid,
		InstanceHandle:     instance,
		SourceTimestamp:    sourceTimestamp,
		ReceptionTimestamp: receptionTimestamp,
		InlineQos:          inlineQos,
		State:              NotReadSampleState,
	}
	if kind == dds.Alive {
		sample.Data = data
		ir.writers[writerGuid] = struct{}{}
		ir.lastAcceptedSource = sourceTimestamp
		ir.hasAccepted = true
	} else if kind.IsUnregister() {
		delete(ir.writers, writerGuid)
	}
	ir.transition(kind)
	if ir.instanceState != AliveInstanceState {
		ir.notAliveSince = receptionTimestamp
	}
	sample.DisposedGeneration = ir.disposedGeneration
	sample.NoWritersGeneration = ir.noWritersGeneration

	// 6. Destination-order insertion.
	if c.readerQos.DestinationOrder.Kind == qos.BySourceTimestamp {
		idx := sort.Search(len(c.samples), func(i int) bool {
			return sourceTimestamp.Before(c.samples[i].SourceTimestamp)
		})
		c.samples = append(c.samples, nil)
		copy(c.samples[idx+1:], c.samples[idx:])
		c.samples[idx] = sample
	} else {
		c.samples = append(c.samples, sample)
	}

	return AcceptResult{Stored: true}
}

func (c *ReaderCache) aliveCountLocked() int {
	n := 0
	for _, s := range c.samples {
		if s.Kind == dds.Alive {
			n++
		}
	}
	return n
}

func (c *ReaderCache) aliveCountForLocked(instance dds.InstanceHandle) int {
	n := 0
	for _, s := range c.samples {
		if s.Kind == dds.Alive && s.InstanceHandle == instance {
			n++
		}
	}
	return n
}

func (c *ReaderCache) evictOldestAliveLocked(instance dds.InstanceHandle) bool {
	for i, s := range c.samples {
		if s.Kind == dds.Alive && s.InstanceHandle == instance {
			c.samples = append(c.samples[:i], c.samples[i+1:]...)
			return true
		}
	}
	return false
}

// ============================================================================
// Read / Take
// ============================================================================

// Selector filters read/take calls.
type Selector struct {
	MaxSamples     int
	SampleStates   SampleState
	ViewStates     ViewState
	InstanceStates InstanceState

	// Instance restricts the selection to one instance when non-nil.
	Instance dds.InstanceHandle
	HasInstance bool
}

// DefaultSelector selects everything, unbounded.
func DefaultSelector() Selector {
	return Selector{
		MaxSamples:     -1,
		SampleStates:   AnySampleState,
		ViewStates:     AnyViewState,
		InstanceStates: AnyInstanceState,
	}
}

// Read returns matching samples in store order, flipping them to the
// read state. Instances touched become not-new. Returns dds.ErrNoData
// when nothing matches.
func (c *ReaderCache) Read(sel Selector) ([]*Sample, []SampleInfo, error) {
	return c.collect(sel, false)
}

// Take behaves as Read but removes the returned samples.
func (c *ReaderCache) Take(sel Selector) ([]*Sample, []SampleInfo, error) {
	return c.collect(sel, true)
}

func (c *ReaderCache) collect(sel Selector, take bool) ([]*Sample, []SampleInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var (
		picked  []*Sample
		touched = make(map[dds.InstanceHandle]struct{})
	)
	for _, s := range c.samples {
		if sel.MaxSamples >= 0 && len(picked) >= sel.MaxSamples {
			break
		}
		ir := c.instances[s.InstanceHandle]
		if ir == nil {
			continue
		}
		if s.State&sel.SampleStates == 0 ||
			ir.viewState&sel.ViewStates == 0 ||
			ir.instanceState&sel.InstanceStates == 0 {
			continue
		}
		if sel.HasInstance && s.InstanceHandle != sel.Instance {
			continue
		}
		picked = append(picked, s)
		touched[s.InstanceHandle] = struct{}{}
	}
	if len(picked) == 0 {
		return nil, nil, dds.ErrNoData
	}

	infos := c.buildInfosLocked(picked)

	for _, s := range picked {
		s.State = ReadSampleState
	}
	for h := range touched {
		c.instances[h].viewState = NotNewViewState
	}
	if take {
		taken := make(map[*Sample]struct{}, len(picked))
		for _, s := range picked {
			taken[s] = struct{}{}
		}
		kept := c.samples[:0]
		for _, s := range c.samples {
			if _, ok := taken[s]; !ok {
				kept = append(kept, s)
			}
		}
		c.samples = kept
	}
	return picked, infos, nil
}

// buildInfosLocked computes SampleInfo for a returned slice: ranks are
// relative to the slice, absolute generation ranks to the instance's
// current generation counts.
func (c *ReaderCache) buildInfosLocked(picked []*Sample) []SampleInfo {
	// Index of the last (most recent) sample per instance in the slice.
	lastOf := make(map[dds.InstanceHandle]int)
	countAfter := make(map[dds.InstanceHandle]int)
	for i, s := range picked {
		lastOf[s.InstanceHandle] = i
	}

	infos := make([]SampleInfo, len(picked))
	for i := len(picked) - 1; i >= 0; i-- {
		s := picked[i]
		ir := c.instances[s.InstanceHandle]

		sampleGen := s.DisposedGeneration + s.NoWritersGeneration
		currentGen := ir.disposedGeneration + ir.noWritersGeneration
		mrs := picked[lastOf[s.InstanceHandle]]
		mrsGen := mrs.DisposedGeneration + mrs.NoWritersGeneration

		infos[i] = SampleInfo{
			SampleState:              s.State,
			ViewState:                ir.viewState,
			InstanceState:            ir.instanceState,
			DisposedGenerationCount:  s.DisposedGeneration,
			NoWritersGenerationCount: s.NoWritersGeneration,
			SampleRank:               int32(countAfter[s.InstanceHandle]),
			GenerationRank:           mrsGen - sampleGen,
			AbsoluteGenerationRank:   currentGen - sampleGen,
			SourceTimestamp:          s.SourceTimestamp,
			InstanceHandle:           s.InstanceHandle,
			PublicationHandle:        dds.InstanceHandle(s.WriterGuid.Bytes()),
			ValidData:                s.Kind == dds.Alive,
		}
		countAfter[s.InstanceHandle]++
	}
	return infos
}

// NextInstance returns the smallest instance handle strictly greater
// than previous, or the smallest overall when previous is the nil
// handle. The boolean is false when iteration is exhausted.
func (c *ReaderCache) NextInstance(previous dds.InstanceHandle) (dds.InstanceHandle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var (
		best  dds.InstanceHandle
		found bool
	)
	for h := range c.instances {
		if !previous.IsNil() && !previous.Less(h) {
			continue
		}
		if !found || h.Less(best) {
			best = h
			found = true
		}
	}
	return best, found
}

// InstanceView reports the current view/instance state of an instance.
func (c *ReaderCache) InstanceView(h dds.InstanceHandle) (ViewState, InstanceState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ir, ok := c.instances[h]
	if !ok {
		return 0, 0, false
	}
	return ir.viewState, ir.instanceState, true
}

// ============================================================================
// Ownership / Liveliness Hooks
// ============================================================================

// ReleaseOwnership drops the exclusive owner of an instance, letting
// the next writer's sample take over. Invoked when the owner misses
// its deadline or loses liveliness.
func (c *ReaderCache) ReleaseOwnership(instance dds.InstanceHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ir, ok := c.instances[instance]; ok {
		ir.hasOwner = false
	}
}

// WriterLost removes a writer from every instance it was updating.
// Instances left with no writers transition to not-alive-no-writers.
// Returns the handles that transitioned.
func (c *ReaderCache) WriterLost(writerGuid rtps.Guid) []dds.InstanceHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	var transitioned []dds.InstanceHandle
	for h, ir := range c.instances {
		if _, ok := ir.writers[writerGuid]; !ok {
			continue
		}
		delete(ir.writers, writerGuid)
		if ir.hasOwner && ir.owner == writerGuid {
			ir.hasOwner = false
		}
		if len(ir.writers) == 0 && ir.instanceState == AliveInstanceState {
			ir.transition(dds.NotAliveUnregistered)
			transitioned = append(transitioned, h)
		}
	}
	return transitioned
}

// Autopurge drops the samples and record of every instance that has
// sat in a not-alive state past the reader-data-lifecycle delay.
// Invoked from the reader's timer task; infinite delays disable it.
func (c *ReaderCache) Autopurge(now dds.Time) {
	lifecycle := c.readerQos.ReaderDataLifecycle
	c.mu.Lock()
	defer c.mu.Unlock()
	for h, ir := range c.instances {
		var delay time.Duration
		switch ir.instanceState {
		case NotAliveDisposedInstanceState:
			delay = lifecycle.AutopurgeDisposedSamplesDelay
		case NotAliveNoWritersInstanceState:
			delay = lifecycle.AutopurgeNoWriterSamplesDelay
		default:
			continue
		}
		if delay <= 0 || delay == dds.DurationInfinite {
			continue
		}
		if now.Sub(ir.notAliveSince) < delay {
			continue
		}
		kept := c.samples[:0]
		for _, s := range c.samples {
			if s.InstanceHandle != h {
				kept = append(kept, s)
			}
		}
		c.samples = kept
		delete(c.instances, h)
	}
}

// Len returns the number of stored samples.
func (c *ReaderCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.samples)
}
