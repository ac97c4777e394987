// Package history implements the two sample stores of the stack: the
// writer-side history cache that feeds the reliability protocol, and
// the reader-side sample cache with its instance state machine.
//
// Both caches are bounded by history and resource-limits QoS. The
// writer cache blocks producers under resource pressure (up to the
// reliability max blocking time); the reader cache rejects, which the
// caller surfaces as a SampleRejected status.
package history

import (
	"context"
	"sync"
	"time"

	"github.com/marmos91/dittodds/internal/protocol/rtps"
	"github.com/marmos91/dittodds/pkg/dds"
	"github.com/marmos91/dittodds/pkg/qos"
)

// ============================================================================
// Cache Changes
// ============================================================================

// CacheChange is one immutable entry of a writer history cache. It is
// created exclusively by WriterCache.NewChange and never mutated.
type CacheChange struct {
	Kind            dds.ChangeKind
	WriterGuid      rtps.Guid
	SequenceNumber  rtps.SequenceNumber
	InstanceHandle  dds.InstanceHandle
	SourceTimestamp dds.Time
	Data            []byte
	InlineQos       rtps.ParameterList

	// ReceptionTime is the monotone time the change entered the cache,
	// used for lifespan sweeping only.
	ReceptionTime time.Time
}

// ============================================================================
// Writer History Cache
// ============================================================================

// WriterCache is the ordered, bounded store of a writer's changes.
//
// Sequence numbers are assigned monotonically starting at 1 and never
// reused. KeepLast history evicts the oldest alive change of an
// instance once the depth is exceeded; resource limits block the
// producer up to the reliability max blocking time and then fail with
// dds.ErrTimeout.
type WriterCache struct {
	mu   sync.Mutex
	cond *sync.Cond

	writerGuid rtps.Guid
	historyQos qos.History
	limits     qos.ResourceLimits
	maxBlock   time.Duration

	lastSN  rtps.SequenceNumber
	changes []*CacheChange

	// Alive-change counts, maintained incrementally for limit checks.
	aliveTotal       int
	alivePerInstance map[dds.InstanceHandle]int
}

// NewWriterCache creates a cache for one writer.
func NewWriterCache(writerGuid rtps.Guid, h qos.History, rl qos.ResourceLimits, maxBlocking time.Duration) *WriterCache {
	c := &WriterCache{
		writerGuid:       writerGuid,
		historyQos:       h,
		limits:           rl,
		maxBlock:         maxBlocking,
		alivePerInstance: make(map[dds.InstanceHandle]int),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// NewChange assigns the next sequence number and stamps the reception
// time. It does not store the change; callers pass it to Add.
func (c *WriterCache) NewChange(
	kind dds.ChangeKind,
	data []byte,
	inlineQos rtps.ParameterList,
	instance dds.InstanceHandle,
	sourceTimestamp dds.Time,
) *CacheChange {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSN++
	return &CacheChange{
		Kind:            kind,
		WriterGuid:      c.writerGuid,
		SequenceNumber:  c.lastSN,
		InstanceHandle:  instance,
		SourceTimestamp: sourceTimestamp,
		Data:            data,
		InlineQos:       inlineQos,
		ReceptionTime:   time.Now(),
	}
}

// Add inserts a change.
//
// KeepLast eviction runs before the limit check, so a full depth never
// blocks a KeepLast writer. Under KeepAll, the call blocks while the
// cache is at max_samples or the instance at max_samples_per_instance,
// up to the max blocking time; expiry fails with dds.ErrTimeout and the
// change is not stored (no partial effect). Context cancellation fails
// the same way.
func (c *WriterCache) Add(ctx context.Context, change *CacheChange) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.historyQos.Kind == qos.KeepLast && change.Kind == dds.Alive {
		c.evictForDepthLocked(change.InstanceHandle)
	}

	if change.Kind == dds.Alive {
		if err := c.waitForRoomLocked(ctx, change.InstanceHandle); err != nil {
			return err
		}
	}

	c.changes = append(c.changes, change)
	if change.Kind == dds.Alive {
		c.aliveTotal++
		c.alivePerInstance[change.InstanceHandle]++
	}
	return nil
}

// evictForDepthLocked drops the oldest alive change of the instance
// while depth is saturated.
func (c *WriterCache) evictForDepthLocked(instance dds.InstanceHandle) {
	depth := int(c.historyQos.Depth)
	for c.alivePerInstance[instance] >= depth {
		evicted := false
		for i, ch := range c.changes {
			if ch.Kind == dds.Alive && ch.InstanceHandle == instance {
				c.removeAtLocked(i)
				evicted = true
				break
			}
		}
		if !evicted {
			return
		}
	}
}

// waitForRoomLocked blocks until resource limits admit one more alive
// sample for the instance, the blocking time expires, or ctx is done.
func (c *WriterCache) waitForRoomLocked(ctx context.Context, instance dds.InstanceHandle) error {
	hasRoom := func() bool {
		if c.limits.MaxSamples != qos.LengthUnlimited && c.aliveTotal >= int(c.limits.MaxSamples) {
			return false
		}
		if c.limits.MaxSamplesPerInstance != qos.LengthUnlimited &&
			c.alivePerInstance[instance] >= int(c.limits.MaxSamplesPerInstance) {
			return false
		}
		return true
	}
	if hasRoom() {
		return nil
	}

	timedOut := false
	timer := time.AfterFunc(c.maxBlock, func() {
		c.mu.Lock()
		timedOut = true
		c.mu.Unlock()
		c.cond.Broadcast()
	})
	defer timer.Stop()

	stopWatch := context.AfterFunc(ctx, func() {
		c.cond.Broadcast()
	})
	defer stopWatch()

	for !hasRoom() {
		if timedOut {
			return dds.ErrTimeout
		}
		if ctx.Err() != nil {
			return dds.ErrTimeout
		}
		c.cond.Wait()
	}
	return nil
}

// removeAtLocked removes the change at index i and wakes blocked
// producers.
func (c *WriterCache) removeAtLocked(i int) {
	ch := c.changes[i]
	c.changes = append(c.changes[:i], c.changes[i+1:]...)
	if ch.Kind == dds.Alive {
		c.aliveTotal--
		if n := c.alivePerInstance[ch.InstanceHandle] - 1; n > 0 {
			c.alivePerInstance[ch.InstanceHandle] = n
		} else {
			delete(c.alivePerInstance, ch.InstanceHandle)
		}
	}
	c.cond.Broadcast()
}

// RemoveIf removes every change matching the predicate and returns
// their sequence numbers, ascending. Used for lifespan sweeping and
// acknowledgment-driven cleanup.
func (c *WriterCache) RemoveIf(pred func(*CacheChange) bool) []rtps.SequenceNumber {
	c.mu.Lock()
	defer c.mu.Unlock()
	var removed []rtps.SequenceNumber
	kept := c.changes[:0]
	for _, ch := range c.changes {
		if pred(ch) {
			removed = append(removed, ch.SequenceNumber)
			if ch.Kind == dds.Alive {
				c.aliveTotal--
				if n := c.alivePerInstance[ch.InstanceHandle] - 1; n > 0 {
					c.alivePerInstance[ch.InstanceHandle] = n
				} else {
					delete(c.alivePerInstance, ch.InstanceHandle)
				}
			}
			continue
		}
		kept = append(kept, ch)
	}
	c.changes = kept
	if len(removed) > 0 {
		c.cond.Broadcast()
	}
	return removed
}

// Get returns the change with the given sequence number, if present.
func (c *WriterCache) Get(sn rtps.SequenceNumber) (*CacheChange, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.changes {
		if ch.SequenceNumber == sn {
			return ch, true
		}
	}
	return nil, false
}

// Changes returns a snapshot of the stored changes in SN order.
func (c *WriterCache) Changes() []*CacheChange {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*CacheChange, len(c.changes))
	copy(out, c.changes)
	return out
}

// MinSN returns the lowest stored sequence number, or 0 when empty.
func (c *WriterCache) MinSN() rtps.SequenceNumber {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.changes) == 0 {
		return 0
	}
	return c.changes[0].SequenceNumber
}

// MaxSN returns the highest assigned sequence number. This is the
// writer's last SN even when the change has been evicted, which keeps
// heartbeat ranges honest after KeepLast eviction.
func (c *WriterCache) MaxSN() rtps.SequenceNumber {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSN
}

// Len returns the number of stored changes.
func (c *WriterCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.changes)
}
