package reader

import (
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

func readerGuid() rtps.Guid {
	return rtps.NewGuid(
		rtps.GuidPrefix{2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2},
		rtps.EntityId{0, 0, 1, rtps.EntityKindUserReaderWithKey},
	)
}

func writerGuid() rtps.Guid {
	return rtps.NewGuid(
		rtps.GuidPrefix{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1},
		rtps.EntityId{0, 0, 1, rtps.EntityKindUserWriterWithKey},
	)
}

type harness struct {
	worker *Worker
	cache  *history.ReaderCache
	st     *status.ReaderStatuses
}

func newHarness(t *testing.T, rq qos.DataReaderQos, cfg Config) *harness {
	t.Helper()
	cache := history.NewReaderCache(rq)
	st := status.NewReaderStatuses()
	return &harness{
		worker: NewWorker(readerGuid(), cache, rq, cfg, st, nil),
		cache:  cache,
		st:     st,
	}
}

func reliableQos() qos.DataReaderQos {
	q := qos.DefaultDataReaderQos()
	q.Reliability.Kind = qos.Reliable
	q.History = qos.History{Kind: qos.KeepAll}
	return q
}

func reliableProxy() *Proxy {
	return NewProxy(writerGuid(), qos.Reliable, 0, dds.DurationInfinite,
		[]rtps.Locator{rtps.NewUDPv4Locator(7410, 127, 0, 0, 1)}, nil)
}

func dataSub(sn rtps.SequenceNumber, payload byte) *rtps.DataSubmessage {
	return &rtps.DataSubmessage{
		LittleEndian:   true,
		DataFlag:       true,
		WriterId:       writerGuid().EntityId,
		ReaderId:       readerGuid().EntityId,
		WriterSN:       sn,
		SerializedData: []byte{0x00, 0x01, 0x00, 0x00, payload},
	}
}

func heartbeat(first, last rtps.SequenceNumber, count int32) *rtps.HeartbeatSubmessage {
	return &rtps.HeartbeatSubmessage{
		LittleEndian: true,
		WriterId:     writerGuid().EntityId,
		ReaderId:     readerGuid().EntityId,
		FirstSN:      first,
		LastSN:       last,
		Count:        count,
	}
}

func decodeAckNacks(t *testing.T, flights []transport.Flight) []*rtps.AckNackSubmessage {
	t.Helper()
	var out []*rtps.AckNackSubmessage
	for _, f := range flights {
		r, err := rtps.DecodeMessage(f.Frame)
		require.NoError(t, err)
		for {
			sub, err := r.Next()
			require.NoError(t, err)
			if sub == nil {
				break
			}
			if ack, ok := sub.(*rtps.AckNackSubmessage); ok {
				out = append(out, ack)
			}
		}
	}
	return out
}

// ============================================================================
// Data Path
// ============================================================================

func TestReaderDataPath(t *testing.T) {
	t.Run("StoresSampleAndRaisesDataAvailable", func(t *testing.T) {
		h := newHarness(t, reliableQos(), DefaultConfig())
		h.worker.AddMatchedWriter(reliableProxy(), time.Now())

		h.worker.OnData(writerGuid(), dataSub(1, 0xaa), dds.Time{Sec: 5}, time.Now())
		assert.Equal(t, 1, h.cache.Len())
		assert.NotZero(t, h.st.Condition.Peek()&status.DataAvailable)
	})

	t.Run("DuplicateDropped", func(t *testing.T) {
		h := newHarness(t, reliableQos(), DefaultConfig())
		h.worker.AddMatchedWriter(reliableProxy(), time.Now())

		h.worker.OnData(writerGuid(), dataSub(1, 0xaa), dds.Time{Sec: 5}, time.Now())
		h.worker.OnData(writerGuid(), dataSub(1, 0xaa), dds.Time{Sec: 5}, time.Now())
		assert.Equal(t, 1, h.cache.Len())
	})

	t.Run("UnknownWriterIgnored", func(t *testing.T) {
		h := newHarness(t, reliableQos(), DefaultConfig())
		h.worker.OnData(writerGuid(), dataSub(1, 0xaa), dds.Time{Sec: 5}, time.Now())
		assert.Equal(t, 0, h.cache.Len())
	})

	t.Run("RejectionRaisesSampleRejected", func(t *testing.T) {
		q := reliableQos()
		q.ResourceLimits.MaxSamples = 1
		h := newHarness(t, q, DefaultConfig())
		h.worker.AddMatchedWriter(reliableProxy(), time.Now())

		h.worker.OnData(writerGuid(), dataSub(1, 0xaa), dds.Time{Sec: 5}, time.Now())
		h.worker.OnData(writerGuid(), dataSub(2, 0xbb), dds.Time{Sec: 6}, time.Now())

		got := h.st.SampleRejected()
		assert.Equal(t, int32(1), got.TotalCount)
		assert.Equal(t, status.RejectedBySamplesLimit, got.LastReason)
		assert.Equal(t, 1, h.cache.Len())
	})

	t.Run("DisposeViaStatusInfo", func(t *testing.T) {
		h := newHarness(t, reliableQos(), DefaultConfig())
		h.worker.AddMatchedWriter(reliableProxy(), time.Now())
		h.worker.OnData(writerGuid(), dataSub(1, 0xaa), dds.Time{Sec: 5}, time.Now())

		var inlineQos rtps.ParameterList
		inlineQos.Add(rtps.PidStatusInfo, []byte{0, 0, 0, 1})
		inlineQos.Add(rtps.PidKeyHash, make([]byte, 16))
		dispose := &rtps.DataSubmessage{
			LittleEndian:  true,
			InlineQosFlag: true,
			WriterId:      writerGuid().EntityId,
			WriterSN:      2,
			InlineQos:     inlineQos,
		}
		h.worker.OnData(writerGuid(), dispose, dds.Time{Sec: 6}, time.Now())

		_, state, ok := h.cache.InstanceView(dds.HandleNil)
		require.True(t, ok)
		assert.Equal(t, history.NotAliveDisposedInstanceState, state)
	})

	t.Run("BestEffortGapCountsSamplesLost", func(t *testing.T) {
		q := qos.DefaultDataReaderQos()
		q.History = qos.History{Kind: qos.KeepAll}
		h := newHarness(t, q, DefaultConfig())
		h.worker.AddMatchedWriter(NewProxy(writerGuid(), qos.BestEffort, 0, dds.DurationInfinite, nil, nil), time.Now())

		h.worker.OnData(writerGuid(), dataSub(1, 1), dds.Time{Sec: 1}, time.Now())
		h.worker.OnData(writerGuid(), dataSub(4, 4), dds.Time{Sec: 2}, time.Now())

		got := h.st.SampleLost()
		assert.Equal(t, int32(2), got.TotalCount)
	})
}

// ============================================================================
// Heartbeat / AckNack
// ============================================================================

func TestHeartbeatAckNack(t *testing.T) {
	t.Run("HeartbeatSchedulesAckNackWithMissing", func(t *testing.T) {
		h := newHarness(t, reliableQos(), DefaultConfig())
		h.worker.AddMatchedWriter(reliableProxy(), time.Now())

		now := time.Now()
		h.worker.OnHeartbeat(writerGuid(), heartbeat(1, 5, 1), now)

		acks := decodeAckNacks(t, h.worker.ProduceReplies(now.Add(time.Second)))
		require.Len(t, acks, 1)
		assert.Equal(t, rtps.SequenceNumber(1), acks[0].ReaderSNState.Base)
		assert.Equal(t, []rtps.SequenceNumber{1, 2, 3, 4, 5}, acks[0].ReaderSNState.Members())
	})

	t.Run("AckNackNotDueBeforeResponseDelay", func(t *testing.T) {
		cfg := Config{HeartbeatResponseDelay: time.Hour}
		h := newHarness(t, reliableQos(), cfg)
		h.worker.AddMatchedWriter(reliableProxy(), time.Now())

		now := time.Now()
		h.worker.OnHeartbeat(writerGuid(), heartbeat(1, 1, 1), now)
		assert.Empty(t, h.worker.ProduceReplies(now.Add(time.Minute)))
	})

	t.Run("StaleHeartbeatCountIgnored", func(t *testing.T) {
		h := newHarness(t, reliableQos(), DefaultConfig())
		h.worker.AddMatchedWriter(reliableProxy(), time.Now())

		now := time.Now()
		h.worker.OnHeartbeat(writerGuid(), heartbeat(1, 5, 3), now)
		h.worker.ProduceReplies(now.Add(time.Second))

		// A replayed heartbeat must not reschedule anything.
		h.worker.OnHeartbeat(writerGuid(), heartbeat(1, 9, 3), now)
		assert.Empty(t, h.worker.ProduceReplies(now.Add(time.Hour)))
	})

	t.Run("AckAfterAllReceivedHasEmptySet", func(t *testing.T) {
		h := newHarness(t, reliableQos(), DefaultConfig())
		h.worker.AddMatchedWriter(reliableProxy(), time.Now())

		now := time.Now()
		h.worker.OnData(writerGuid(), dataSub(1, 1), dds.Time{Sec: 1}, now)
		h.worker.OnData(writerGuid(), dataSub(2, 2), dds.Time{Sec: 2}, now)
		h.worker.OnHeartbeat(writerGuid(), heartbeat(1, 2, 1), now)

		acks := decodeAckNacks(t, h.worker.ProduceReplies(now.Add(time.Second)))
		require.Len(t, acks, 1)
		assert.True(t, acks[0].FinalFlag)
		assert.Equal(t, rtps.SequenceNumber(3), acks[0].ReaderSNState.Base)
		assert.Empty(t, acks[0].ReaderSNState.Members())
	})

	t.Run("AckNackCountsIncrease", func(t *testing.T) {
		h := newHarness(t, reliableQos(), DefaultConfig())
		h.worker.AddMatchedWriter(reliableProxy(), time.Now())

		now := time.Now()
		h.worker.OnHeartbeat(writerGuid(), heartbeat(1, 1, 1), now)
		first := decodeAckNacks(t, h.worker.ProduceReplies(now.Add(time.Second)))
		h.worker.OnHeartbeat(writerGuid(), heartbeat(1, 2, 2), now)
		second := decodeAckNacks(t, h.worker.ProduceReplies(now.Add(2*time.Second)))
		require.Len(t, first, 1)
		require.Len(t, second, 1)
		assert.Greater(t, second[0].Count, first[0].Count)
	})
}

// ============================================================================
// Gap Handling
// ============================================================================

func TestGapHandling(t *testing.T) {
	t.Run("GapRemovesFromMissingWithoutLoss", func(t *testing.T) {
		h := newHarness(t, reliableQos(), DefaultConfig())
		h.worker.AddMatchedWriter(reliableProxy(), time.Now())

		now := time.Now()
		h.worker.OnHeartbeat(writerGuid(), heartbeat(1, 3, 1), now)
		h.worker.OnGap(writerGuid(), &rtps.GapSubmessage{
			GapStart: 1,
			GapList:  rtps.SequenceNumberSet{Base: 3},
		}, now)

		acks := decodeAckNacks(t, h.worker.ProduceReplies(now.Add(time.Second)))
		require.Len(t, acks, 1)
		assert.Equal(t, []rtps.SequenceNumber{3}, acks[0].ReaderSNState.Members())

		// A gap is a relevance signal, not a loss.
		assert.Equal(t, int32(0), h.st.SampleLost().TotalCount)
	})

	t.Run("GappedSequenceNeverAccepted", func(t *testing.T) {
		h := newHarness(t, reliableQos(), DefaultConfig())
		h.worker.AddMatchedWriter(reliableProxy(), time.Now())
		now := time.Now()
		h.worker.OnGap(writerGuid(), &rtps.GapSubmessage{
			GapStart: 1,
			GapList:  rtps.SequenceNumberSet{Base: 2},
		}, now)
		h.worker.OnData(writerGuid(), dataSub(1, 1), dds.Time{Sec: 1}, now)
		assert.Equal(t, 0, h.cache.Len())
	})
}

// ============================================================================
// Fragment Reassembly
// ============================================================================

func TestFragmentReassembly(t *testing.T) {
	frag := func(sn rtps.SequenceNumber, fn rtps.FragmentNumber, sampleSize uint32, fragSize uint16, payload []byte) *rtps.DataFragSubmessage {
		return &rtps.DataFragSubmessage{
			LittleEndian:        true,
			WriterId:            writerGuid().EntityId,
			WriterSN:            sn,
			FragmentStartingNum: fn,
			FragmentSize:        fragSize,
			SampleSize:          sampleSize,
			SerializedData:      payload,
		}
	}

	t.Run("CompleteAssemblyDeliversOnce", func(t *testing.T) {
		h := newHarness(t, reliableQos(), DefaultConfig())
		h.worker.AddMatchedWriter(reliableProxy(), time.Now())

		now := time.Now()
		h.worker.OnDataFrag(writerGuid(), frag(1, 1, 8, 4, []byte{1, 2, 3, 4}), dds.Time{Sec: 1}, now)
		assert.Equal(t, 0, h.cache.Len())
		h.worker.OnDataFrag(writerGuid(), frag(1, 2, 8, 4, []byte{5, 6, 7, 8}), dds.Time{Sec: 1}, now)
		assert.Equal(t, 1, h.cache.Len())

		// Redelivery of a fragment after completion is a duplicate.
		h.worker.OnDataFrag(writerGuid(), frag(1, 2, 8, 4, []byte{5, 6, 7, 8}), dds.Time{Sec: 1}, now)
		assert.Equal(t, 1, h.cache.Len())

		samples, _, err := h.cache.Take(history.DefaultSelector())
		require.NoError(t, err)
		assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, samples[0].Data)
	})

	t.Run("MissingFragmentTriggersNackFrag", func(t *testing.T) {
		h := newHarness(t, reliableQos(), DefaultConfig())
		h.worker.AddMatchedWriter(reliableProxy(), time.Now())

		now := time.Now()
		h.worker.OnDataFrag(writerGuid(), frag(1, 1, 8, 4, []byte{1, 2, 3, 4}), dds.Time{Sec: 1}, now)
		h.worker.OnHeartbeat(writerGuid(), heartbeat(1, 1, 1), now)

		flights := h.worker.ProduceReplies(now.Add(time.Second))
		var nacks []*rtps.NackFragSubmessage
		for _, f := range flights {
			r, err := rtps.DecodeMessage(f.Frame)
			require.NoError(t, err)
			for {
				sub, err := r.Next()
				require.NoError(t, err)
				if sub == nil {
					break
				}
				if n, ok := sub.(*rtps.NackFragSubmessage); ok {
					nacks = append(nacks, n)
				}
			}
		}
		require.Len(t, nacks, 1)
		assert.Equal(t, rtps.SequenceNumber(1), nacks[0].WriterSN)
		assert.Equal(t, []rtps.FragmentNumber{2}, nacks[0].FragmentNumberState.Members())
	})
}

// ============================================================================
// Liveliness and Deadline
// ============================================================================

func TestLivelinessAndDeadline(t *testing.T) {
	t.Run("LeaseExpiryFlipsLivelinessAndInstances", func(t *testing.T) {
		h := newHarness(t, reliableQos(), DefaultConfig())
		p := NewProxy(writerGuid(), qos.Reliable, 0, 20*time.Millisecond,
			[]rtps.Locator{rtps.NewUDPv4Locator(7410, 127, 0, 0, 1)}, nil)
		now := time.Now()
		h.worker.AddMatchedWriter(p, now)
		h.worker.OnData(writerGuid(), dataSub(1, 1), dds.Time{Sec: 1}, now)
		h.st.LivelinessChanged() // reset the match-time transition

		h.worker.CheckLiveliness(now.Add(100 * time.Millisecond))

		got := h.st.LivelinessChanged()
		assert.Equal(t, int32(1), got.NotAliveCount)
		_, state, ok := h.cache.InstanceView(dds.HandleNil)
		require.True(t, ok)
		assert.Equal(t, history.NotAliveNoWritersInstanceState, state)
	})

	t.Run("DataReassertsLiveliness", func(t *testing.T) {
		h := newHarness(t, reliableQos(), DefaultConfig())
		p := NewProxy(writerGuid(), qos.Reliable, 0, 50*time.Millisecond,
			[]rtps.Locator{rtps.NewUDPv4Locator(7410, 127, 0, 0, 1)}, nil)
		now := time.Now()
		h.worker.AddMatchedWriter(p, now)

		later := now.Add(40 * time.Millisecond)
		h.worker.OnData(writerGuid(), dataSub(1, 1), dds.Time{Sec: 1}, later)
		h.worker.CheckLiveliness(now.Add(60 * time.Millisecond))

		got := h.st.LivelinessChanged()
		assert.Equal(t, int32(0), got.NotAliveCount)
	})

	t.Run("DeadlineMissedRecordsInstance", func(t *testing.T) {
		q := reliableQos()
		q.Deadline.Period = 50 * time.Millisecond
		h := newHarness(t, q, DefaultConfig())
		h.worker.AddMatchedWriter(reliableProxy(), time.Now())

		now := time.Now()
		h.worker.OnData(writerGuid(), dataSub(1, 1), dds.Time{Sec: 1}, now)
		h.worker.CheckDeadlines(now.Add(60 * time.Millisecond))

		got := h.st.RequestedDeadlineMissed()
		assert.Equal(t, int32(1), got.TotalCount)
		assert.Equal(t, dds.HandleNil, got.LastInstanceHandle)
	})
}
