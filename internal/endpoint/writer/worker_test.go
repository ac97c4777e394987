package writer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittodds/internal/protocol/rtps"
	"github.com/marmos91/dittodds/pkg/dds"
	"github.com/marmos91/dittodds/pkg/history"
	"github.com/marmos91/dittodds/pkg/qos"
	"github.com/marmos91/dittodds/pkg/status"
	"github.com/marmos91/dittodds/pkg/transport"
)

// ============================================================================
// Test Helpers
// ============================================================================

func writerGuid() rtps.Guid {
	return rtps.NewGuid(
		rtps.GuidPrefix{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1},
		rtps.EntityId{0, 0, 1, rtps.EntityKindUserWriterWithKey},
	)
}

func readerGuid() rtps.Guid {
	return rtps.NewGuid(
		rtps.GuidPrefix{2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2},
		rtps.EntityId{0, 0, 1, rtps.EntityKindUserReaderWithKey},
	)
}

type harness struct {
	worker *Worker
	cache  *history.WriterCache
	st     *status.WriterStatuses
}

func newHarness(t *testing.T, wq qos.DataWriterQos, cfg Config) *harness {
	t.Helper()
	cache := history.NewWriterCache(writerGuid(), wq.History, wq.ResourceLimits, wq.Reliability.MaxBlockingTime)
	st := status.NewWriterStatuses()
	return &harness{
		worker: NewWorker(writerGuid(), cache, wq, cfg, st),
		cache:  cache,
		st:     st,
	}
}

func reliableQos() qos.DataWriterQos {
	q := qos.DefaultDataWriterQos()
	q.History = qos.History{Kind: qos.KeepAll}
	q.Durability.Kind = qos.TransientLocal
	return q
}

func (h *harness) write(t *testing.T, data []byte) *history.CacheChange {
	t.Helper()
	ch := h.cache.NewChange(dds.Alive, data, rtps.ParameterList{}, dds.InstanceHandle{1}, dds.Time{Sec: 1})
	require.NoError(t, h.cache.Add(context.Background(), ch))
	return ch
}

func reliableProxy() *Proxy {
	return NewProxy(readerGuid(), qos.Reliable, qos.TransientLocal,
		[]rtps.Locator{rtps.NewUDPv4Locator(7411, 127, 0, 0, 1)}, nil, false)
}

// decodeAll parses every submessage of a flight.
func decodeAll(t *testing.T, f transport.Flight) []rtps.Submessage {
	t.Helper()
	r, err := rtps.DecodeMessage(f.Frame)
	require.NoError(t, err)
	var out []rtps.Submessage
	for {
		sub, err := r.Next()
		require.NoError(t, err)
		if sub == nil {
			return out
		}
		out = append(out, sub)
	}
}

// submessagesOf flattens the submessages of many flights.
func submessagesOf(t *testing.T, flights []transport.Flight) []rtps.Submessage {
	t.Helper()
	var out []rtps.Submessage
	for _, f := range flights {
		out = append(out, decodeAll(t, f)...)
	}
	return out
}

func dataSNs(subs []rtps.Submessage) []rtps.SequenceNumber {
	var out []rtps.SequenceNumber
	for _, s := range subs {
		if d, ok := s.(*rtps.DataSubmessage); ok {
			out = append(out, d.WriterSN)
		}
	}
	return out
}

// ============================================================================
// Reliable Send Pass
// ============================================================================

func TestReliablePass(t *testing.T) {
	t.Run("HistoryPushedToLateJoiner", func(t *testing.T) {
		h := newHarness(t, reliableQos(), DefaultConfig())
		for i := 1; i <= 5; i++ {
			h.write(t, []byte{byte(i)})
		}
		h.worker.AddMatchedReader(reliableProxy())

		flights := h.worker.ProducePass(time.Now())
		subs := submessagesOf(t, flights)
		assert.Equal(t, []rtps.SequenceNumber{1, 2, 3, 4, 5}, dataSNs(subs))

		// Every reliable datagram carries a destination prefix and a
		// trailing heartbeat.
		first := decodeAll(t, flights[0])
		assert.IsType(t, &rtps.InfoDestinationSubmessage{}, first[0])
		hb, ok := first[len(first)-1].(*rtps.HeartbeatSubmessage)
		require.True(t, ok)
		assert.Equal(t, rtps.SequenceNumber(1), hb.FirstSN)
		assert.Equal(t, rtps.SequenceNumber(5), hb.LastSN)
	})

	t.Run("IdleWhenAllAcked", func(t *testing.T) {
		h := newHarness(t, reliableQos(), DefaultConfig())
		h.write(t, []byte{1})
		h.worker.AddMatchedReader(reliableProxy())
		h.worker.ProducePass(time.Now())

		ack := &rtps.AckNackSubmessage{
			ReaderSNState: rtps.SequenceNumberSet{Base: 2},
			Count:         1,
		}
		h.worker.OnAckNack(readerGuid(), ack, time.Now())

		assert.Empty(t, h.worker.ProducePass(time.Now().Add(time.Hour)))
	})

	t.Run("StandaloneHeartbeatWhileUnacked", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.HeartbeatPeriod = 10 * time.Millisecond
		h := newHarness(t, reliableQos(), cfg)
		h.write(t, []byte{1})
		h.worker.AddMatchedReader(reliableProxy())

		now := time.Now()
		h.worker.ProducePass(now)
		// Unacked and period elapsed: standalone heartbeat.
		flights := h.worker.ProducePass(now.Add(50 * time.Millisecond))
		subs := submessagesOf(t, flights)
		require.Len(t, subs, 2)
		assert.IsType(t, &rtps.InfoDestinationSubmessage{}, subs[0])
		assert.IsType(t, &rtps.HeartbeatSubmessage{}, subs[1])
	})

	t.Run("HeartbeatCountsIncrease", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.HeartbeatPeriod = time.Millisecond
		h := newHarness(t, reliableQos(), cfg)
		h.write(t, []byte{1})
		h.worker.AddMatchedReader(reliableProxy())

		now := time.Now()
		h.worker.ProducePass(now)
		f1 := h.worker.ProducePass(now.Add(10 * time.Millisecond))
		f2 := h.worker.ProducePass(now.Add(20 * time.Millisecond))

		hb1 := submessagesOf(t, f1)[1].(*rtps.HeartbeatSubmessage)
		hb2 := submessagesOf(t, f2)[1].(*rtps.HeartbeatSubmessage)
		assert.Greater(t, hb2.Count, hb1.Count)
	})
}

// ============================================================================
// AckNack Servicing
// ============================================================================

func TestAckNackServicing(t *testing.T) {
	t.Run("RequestedChangesResent", func(t *testing.T) {
		h := newHarness(t, reliableQos(), DefaultConfig())
		for i := 1; i <= 3; i++ {
			h.write(t, []byte{byte(i)})
		}
		h.worker.AddMatchedReader(reliableProxy())
		h.worker.ProducePass(time.Now())

		ack := &rtps.AckNackSubmessage{
			ReaderSNState: rtps.NewSequenceNumberSet(2, []rtps.SequenceNumber{2}),
			Count:         1,
		}
		flights := h.worker.OnAckNack(readerGuid(), ack, time.Now())
		assert.Equal(t, []rtps.SequenceNumber{2}, dataSNs(submessagesOf(t, flights)))
	})

	t.Run("StaleCountIgnored", func(t *testing.T) {
		h := newHarness(t, reliableQos(), DefaultConfig())
		h.write(t, []byte{1})
		h.worker.AddMatchedReader(reliableProxy())
		h.worker.ProducePass(time.Now())

		ack := &rtps.AckNackSubmessage{
			ReaderSNState: rtps.NewSequenceNumberSet(1, []rtps.SequenceNumber{1}),
			Count:         5,
		}
		first := h.worker.OnAckNack(readerGuid(), ack, time.Now())
		assert.NotEmpty(t, first)

		replay := h.worker.OnAckNack(readerGuid(), ack, time.Now())
		assert.Empty(t, replay)
	})

	t.Run("RequestBelowHistoryGetsGap", func(t *testing.T) {
		h := newHarness(t, reliableQos(), DefaultConfig())
		for i := 1; i <= 3; i++ {
			h.write(t, []byte{byte(i)})
		}
		h.worker.AddMatchedReader(reliableProxy())
		h.worker.ProducePass(time.Now())
		// SN 1 disappears from the cache.
		h.cache.RemoveIf(func(c *history.CacheChange) bool { return c.SequenceNumber == 1 })

		ack := &rtps.AckNackSubmessage{
			ReaderSNState: rtps.NewSequenceNumberSet(1, []rtps.SequenceNumber{1}),
			Count:         1,
		}
		flights := h.worker.OnAckNack(readerGuid(), ack, time.Now())
		subs := submessagesOf(t, flights)
		var gap *rtps.GapSubmessage
		for _, s := range subs {
			if g, ok := s.(*rtps.GapSubmessage); ok {
				gap = g
			}
		}
		require.NotNil(t, gap)
		assert.Equal(t, rtps.SequenceNumber(1), gap.GapStart)
	})
}

// ============================================================================
// Best-Effort Path and Durability
// ============================================================================

func TestBestEffortAndDurability(t *testing.T) {
	t.Run("BestEffortSendsWithoutHeartbeat", func(t *testing.T) {
		q := reliableQos()
		q.Reliability.Kind = qos.BestEffort
		h := newHarness(t, q, DefaultConfig())
		h.worker.AddMatchedReader(NewProxy(readerGuid(), qos.BestEffort, qos.Volatile, nil,
			[]rtps.Locator{rtps.NewUDPv4Locator(7400, 239, 255, 0, 1)}, false))
		h.write(t, []byte{1})

		subs := submessagesOf(t, h.worker.ProducePass(time.Now()))
		require.Len(t, subs, 2)
		assert.IsType(t, &rtps.InfoTimestampSubmessage{}, subs[0])
		assert.IsType(t, &rtps.DataSubmessage{}, subs[1])
	})

	t.Run("VolatileReaderSkipsHistory", func(t *testing.T) {
		h := newHarness(t, reliableQos(), DefaultConfig())
		for i := 1; i <= 3; i++ {
			h.write(t, []byte{byte(i)})
		}
		p := NewProxy(readerGuid(), qos.Reliable, qos.Volatile,
			[]rtps.Locator{rtps.NewUDPv4Locator(7411, 127, 0, 0, 1)}, nil, false)
		h.worker.AddMatchedReader(p)

		assert.Empty(t, dataSNs(submessagesOf(t, h.worker.ProducePass(time.Now()))))

		h.write(t, []byte{4})
		assert.Equal(t, []rtps.SequenceNumber{4},
			dataSNs(submessagesOf(t, h.worker.ProducePass(time.Now()))))
	})
}

// ============================================================================
// Lifespan
// ============================================================================

func TestLifespanGap(t *testing.T) {
	q := reliableQos()
	q.Lifespan.Duration = 10 * time.Millisecond
	h := newHarness(t, q, DefaultConfig())
	h.write(t, []byte{1})

	// The reader joins after the sample expired.
	time.Sleep(30 * time.Millisecond)
	h.worker.AddMatchedReader(reliableProxy())

	flights := h.worker.ProducePass(time.Now())
	subs := submessagesOf(t, flights)

	assert.Empty(t, dataSNs(subs))
	var sawGap bool
	for _, s := range subs {
		if g, ok := s.(*rtps.GapSubmessage); ok {
			sawGap = true
			assert.Equal(t, rtps.SequenceNumber(1), g.GapStart)
		}
	}
	assert.True(t, sawGap, "expired change must be gapped, not silently dropped")
}

// ============================================================================
// Fragmentation
// ============================================================================

func TestFragmentation(t *testing.T) {
	t.Run("OversizeSampleSplitsIntoDataFrags", func(t *testing.T) {
		h := newHarness(t, reliableQos(), DefaultConfig())
		h.worker.AddMatchedReader(reliableProxy())
		h.write(t, make([]byte, 100*1024))

		flights := h.worker.ProducePass(time.Now())
		var frags []*rtps.DataFragSubmessage
		for _, s := range submessagesOf(t, flights) {
			if f, ok := s.(*rtps.DataFragSubmessage); ok {
				frags = append(frags, f)
			}
		}
		require.Len(t, frags, 7)
		for i, f := range frags {
			assert.Equal(t, rtps.SequenceNumber(1), f.WriterSN)
			assert.Equal(t, rtps.FragmentNumber(i+1), f.FragmentStartingNum)
			assert.Equal(t, uint32(100*1024), f.SampleSize)
		}
	})

	t.Run("NackFragResendsOnlyRequestedFragment", func(t *testing.T) {
		h := newHarness(t, reliableQos(), DefaultConfig())
		h.worker.AddMatchedReader(reliableProxy())
		h.write(t, make([]byte, 100*1024))
		h.worker.ProducePass(time.Now())

		var set rtps.FragmentNumberSet
		set.Base = 4
		set.Insert(4)
		nack := &rtps.NackFragSubmessage{WriterSN: 1, FragmentNumberState: set, Count: 1}
		flights := h.worker.OnNackFrag(readerGuid(), nack)

		var frags []*rtps.DataFragSubmessage
		for _, s := range submessagesOf(t, flights) {
			if f, ok := s.(*rtps.DataFragSubmessage); ok {
				frags = append(frags, f)
			}
		}
		require.Len(t, frags, 1)
		assert.Equal(t, rtps.FragmentNumber(4), frags[0].FragmentStartingNum)
	})
}

// ============================================================================
// Acknowledgment Waiting
// ============================================================================

func TestWaitForAcknowledgments(t *testing.T) {
	t.Run("ReturnsOnceAllAcked", func(t *testing.T) {
		h := newHarness(t, reliableQos(), DefaultConfig())
		h.write(t, []byte{1})
		h.worker.AddMatchedReader(reliableProxy())
		h.worker.ProducePass(time.Now())

		done := make(chan error, 1)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			done <- h.worker.WaitForAcknowledgments(ctx)
		}()

		time.Sleep(10 * time.Millisecond)
		h.worker.OnAckNack(readerGuid(), &rtps.AckNackSubmessage{
			ReaderSNState: rtps.SequenceNumberSet{Base: 2},
			Count:         1,
		}, time.Now())

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			require.Fail(t, "waiter not released by acknowledgment")
		}
	})

	t.Run("TimesOut", func(t *testing.T) {
		h := newHarness(t, reliableQos(), DefaultConfig())
		h.write(t, []byte{1})
		h.worker.AddMatchedReader(reliableProxy())

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, h.worker.WaitForAcknowledgments(ctx), dds.ErrTimeout)
	})

	t.Run("BestEffortReadersNotWaitedOn", func(t *testing.T) {
		h := newHarness(t, reliableQos(), DefaultConfig())
		h.write(t, []byte{1})
		h.worker.AddMatchedReader(NewProxy(readerGuid(), qos.BestEffort, qos.Volatile, nil, nil, false))

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		assert.NoError(t, h.worker.WaitForAcknowledgments(ctx))
	})
}

// ============================================================================
// Matching and Deadlines
// ============================================================================

func TestMatchingAndDeadlines(t *testing.T) {
	t.Run("MatchRaisesPublicationMatched", func(t *testing.T) {
		h := newHarness(t, reliableQos(), DefaultConfig())
		h.worker.AddMatchedReader(reliableProxy())
		got := h.st.PublicationMatched()
		assert.Equal(t, int32(1), got.CurrentCount)

		h.worker.RemoveMatchedReader(readerGuid())
		got = h.st.PublicationMatched()
		assert.Equal(t, int32(0), got.CurrentCount)
	})

	t.Run("OfferedDeadlineMissed", func(t *testing.T) {
		q := reliableQos()
		q.Deadline.Period = 10 * time.Millisecond
		h := newHarness(t, q, DefaultConfig())

		now := time.Now()
		h.worker.RecordWrite(dds.InstanceHandle{7}, now)
		h.worker.CheckDeadlines(now.Add(50 * time.Millisecond))

		got := h.st.OfferedDeadlineMissed()
		assert.Equal(t, int32(1), got.TotalCount)
		assert.Equal(t, dds.InstanceHandle{7}, got.LastInstanceHandle)
	})
}
