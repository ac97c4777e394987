// Package reader implements the reader-side half of the RTPS protocol:
// per-matched-writer proxy state, fragment reassembly, acknack
// scheduling, and the liveliness and deadline timers.
package reader

import (
	"time"

	"github.com/marmos91/dittodds/internal/protocol/rtps"
	"github.com/marmos91/dittodds/pkg/qos"
)

// ============================================================================
// Fragment Reassembly
// ============================================================================

// assembly collects the fragments of one oversize change.
type assembly struct {
	data     []byte
	received map[rtps.FragmentNumber]struct{}
	fragSize int
	total    int
}

func newAssembly(sampleSize uint32, fragSize uint16) *assembly {
	size := int(sampleSize)
	fs := int(fragSize)
	total := (size + fs - 1) / fs
	return &assembly{
		data:     make([]byte, size),
		received: make(map[rtps.FragmentNumber]struct{}),
		fragSize: fs,
		total:    total,
	}
}

// add copies one fragment into place. Returns true when the sample is
// complete.
func (a *assembly) add(fn rtps.FragmentNumber, payload []byte) bool {
	idx := int(fn) - 1
	if idx < 0 || idx >= a.total {
		return false
	}
	if _, dup := a.received[fn]; !dup {
		copy(a.data[idx*a.fragSize:], payload)
		a.received[fn] = struct{}{}
	}
	return len(a.received) == a.total
}

// missing returns the fragment numbers not yet received.
func (a *assembly) missing() []rtps.FragmentNumber {
	var out []rtps.FragmentNumber
	for i := 1; i <= a.total; i++ {
		if _, ok := a.received[rtps.FragmentNumber(i)]; !ok {
			out = append(out, rtps.FragmentNumber(i))
		}
	}
	return out
}

// ============================================================================
// Writer Proxy
// ============================================================================

// Proxy is the reader's record of one matched remote writer.
type Proxy struct {
	RemoteGuid        rtps.Guid
	Reliability       qos.ReliabilityKind
	OwnershipStrength int32
	LeaseDuration     time.Duration
	UnicastLocators   []rtps.Locator
	MulticastLocators []rtps.Locator

	// Reliable-mode sequence tracking.
	firstAvailable rtps.SequenceNumber
	lastAvailable  rtps.SequenceNumber
	received       map[rtps.SequenceNumber]struct{}
	missing        map[rtps.SequenceNumber]struct{}
	irrelevant     map[rtps.SequenceNumber]struct{}

	// Best-effort tracking.
	expectedNext rtps.SequenceNumber

	// Replay guard and acknack pacing.
	lastHeartbeatCount int32
	seenHeartbeat      bool
	acknackCount       int32
	acknackDue         time.Time
	acknackPending     bool
	nackFragCount      int32

	// Fragment reassembly per change.
	assemblies map[rtps.SequenceNumber]*assembly

	// Liveliness lease.
	lastAssertion time.Time
	alive         bool
}

// NewProxy creates proxy state for a matched writer.
func NewProxy(remote rtps.Guid, reliability qos.ReliabilityKind, strength int32,
	lease time.Duration, unicast, multicast []rtps.Locator) *Proxy {
	return &Proxy{
		RemoteGuid:        remote,
		Reliability:       reliability,
		OwnershipStrength: strength,
		LeaseDuration:     lease,
		UnicastLocators:   unicast,
		MulticastLocators: multicast,
		firstAvailable:    1,
		expectedNext:      1,
		received:          make(map[rtps.SequenceNumber]struct{}),
		missing:           make(map[rtps.SequenceNumber]struct{}),
		irrelevant:        make(map[rtps.SequenceNumber]struct{}),
		assemblies:        make(map[rtps.SequenceNumber]*assembly),
	}
}

// Locators returns the destinations for replying to this writer.
func (p *Proxy) Locators() []rtps.Locator {
	if len(p.UnicastLocators) > 0 {
		return p.UnicastLocators
	}
	return p.MulticastLocators
}

// shouldAcceptData runs the duplicate / window checks for one inbound
// change and records it as received. Returns false when the change
// must be dropped.
func (p *Proxy) shouldAcceptData(sn rtps.SequenceNumber) bool {
	if sn < p.firstAvailable {
		return false
	}
	if _, dup := p.received[sn]; dup {
		return false
	}
	if _, irr := p.irrelevant[sn]; irr {
		return false
	}
	p.received[sn] = struct{}{}
	delete(p.missing, sn)
	if sn > p.lastAvailable {
		p.lastAvailable = sn
	}
	return true
}

// applyHeartbeat folds a heartbeat into the window and recomputes the
// missing set. Returns false for stale (replayed) counts.
func (p *Proxy) applyHeartbeat(hb *rtps.HeartbeatSubmessage) bool {
	if p.seenHeartbeat && hb.Count <= p.lastHeartbeatCount {
		return false
	}
	p.lastHeartbeatCount = hb.Count
	p.seenHeartbeat = true

	if hb.FirstSN > p.firstAvailable {
		p.firstAvailable = hb.FirstSN
		// Everything below the writer's window can never be requested
		// again.
		for sn := range p.missing {
			if sn < p.firstAvailable {
				delete(p.missing, sn)
			}
		}
	}
	if hb.LastSN > p.lastAvailable {
		p.lastAvailable = hb.LastSN
	}
	for sn := p.firstAvailable; sn <= p.lastAvailable; sn++ {
		if _, got := p.received[sn]; got {
			continue
		}
		if _, irr := p.irrelevant[sn]; irr {
			continue
		}
		p.missing[sn] = struct{}{}
	}
	return true
}

// applyGap marks [GapStart, GapList.Base) and the set members
// irrelevant and clears them from the missing set.
func (p *Proxy) applyGap(gap *rtps.GapSubmessage) {
	for sn := gap.GapStart; sn < gap.GapList.Base; sn++ {
		p.irrelevant[sn] = struct{}{}
		delete(p.missing, sn)
		if sn > p.lastAvailable {
			p.lastAvailable = sn
		}
	}
	for _, sn := range gap.GapList.Members() {
		p.irrelevant[sn] = struct{}{}
		delete(p.missing, sn)
		if sn > p.lastAvailable {
			p.lastAvailable = sn
		}
	}
}

// missingSet builds the acknack state: base is the lowest missing
// sequence number (or last available + 1 when nothing is missing),
// with up to 256 missing numbers in the bitmap.
func (p *Proxy) missingSet() rtps.SequenceNumberSet {
	base := p.lastAvailable + 1
	for sn := range p.missing {
		if sn < base {
			base = sn
		}
	}
	if base < 1 {
		base = 1
	}
	set := rtps.SequenceNumberSet{Base: base}
	for sn := range p.missing {
		set.Insert(sn)
	}
	return set
}

// nextAckNackCount increments and returns the acknack counter.
func (p *Proxy) nextAckNackCount() int32 {
	p.acknackCount++
	return p.acknackCount
}

// nextNackFragCount increments and returns the nackfrag counter.
func (p *Proxy) nextNackFragCount() int32 {
	p.nackFragCount++
	return p.nackFragCount
}

// assertLiveliness refreshes the lease on any sign of life.
func (p *Proxy) assertLiveliness(now time.Time) (becameAlive bool) {
	becameAlive = !p.alive
	p.alive = true
	p.lastAssertion = now
	return becameAlive
}

// leaseExpired reports whether the writer's lease has lapsed.
func (p *Proxy) leaseExpired(now time.Time) bool {
	if !p.alive || p.LeaseDuration <= 0 {
		return false
	}
	return now.Sub(p.lastAssertion) > p.LeaseDuration
}
