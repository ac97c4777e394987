package receiver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittodds/internal/protocol/rtps"
	"github.com/marmos91/dittodds/pkg/dds"
	"github.com/marmos91/dittodds/pkg/transport"
)

// ============================================================================
// Fakes
// ============================================================================

type fakeReader struct {
	guid       rtps.Guid
	data       []*rtps.DataSubmessage
	dataTimes  []dds.Time
	heartbeats []*rtps.HeartbeatSubmessage
	gaps       []*rtps.GapSubmessage
	frags      []*rtps.DataFragSubmessage
}

func (f *fakeReader) Guid() rtps.Guid { return f.guid }
func (f *fakeReader) OnData(_ rtps.Guid, d *rtps.DataSubmessage, ts dds.Time, _ time.Time) {
	f.data = append(f.data, d)
	f.dataTimes = append(f.dataTimes, ts)
}
func (f *fakeReader) OnDataFrag(_ rtps.Guid, d *rtps.DataFragSubmessage, _ dds.Time, _ time.Time) {
	f.frags = append(f.frags, d)
}
func (f *fakeReader) OnHeartbeat(_ rtps.Guid, hb *rtps.HeartbeatSubmessage, _ time.Time) {
	f.heartbeats = append(f.heartbeats, hb)
}
func (f *fakeReader) OnGap(_ rtps.Guid, g *rtps.GapSubmessage, _ time.Time) {
	f.gaps = append(f.gaps, g)
}

type fakeWriter struct {
	guid     rtps.Guid
	acknacks []*rtps.AckNackSubmessage
	from     []rtps.Guid
}

func (f *fakeWriter) Guid() rtps.Guid { return f.guid }
func (f *fakeWriter) OnAckNack(reader rtps.Guid, a *rtps.AckNackSubmessage, _ time.Time) []transport.Flight {
	f.acknacks = append(f.acknacks, a)
	f.from = append(f.from, reader)
	return []transport.Flight{{Frame: []byte{1}}}
}
func (f *fakeWriter) OnNackFrag(rtps.Guid, *rtps.NackFragSubmessage) []transport.Flight {
	return nil
}

// ============================================================================
// Helpers
// ============================================================================

var (
	localPrefix  = rtps.GuidPrefix{9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9}
	remotePrefix = rtps.GuidPrefix{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1}

	readerId = rtps.EntityId{0, 0, 1, rtps.EntityKindUserReaderWithKey}
	writerId = rtps.EntityId{0, 0, 1, rtps.EntityKindUserWriterWithKey}
)

func frame(subs ...rtps.Submessage) []byte {
	return rtps.EncodeMessage(rtps.NewHeader(remotePrefix), subs)
}

func data(sn rtps.SequenceNumber, reader rtps.EntityId) *rtps.DataSubmessage {
	return &rtps.DataSubmessage{
		LittleEndian:   true,
		DataFlag:       true,
		ReaderId:       reader,
		WriterId:       writerId,
		WriterSN:       sn,
		SerializedData: []byte{0, 1, 0, 0},
	}
}

// ============================================================================
// Routing Tests
// ============================================================================

func TestRouting(t *testing.T) {
	t.Run("DataToSpecificReader", func(t *testing.T) {
		r := New(localPrefix)
		rd := &fakeReader{guid: rtps.NewGuid(localPrefix, readerId)}
		other := &fakeReader{guid: rtps.NewGuid(localPrefix, rtps.EntityId{0, 0, 2, rtps.EntityKindUserReaderWithKey})}
		r.RegisterReader(rd)
		r.RegisterReader(other)

		r.Process(frame(data(1, readerId)), time.Now())
		assert.Len(t, rd.data, 1)
		assert.Empty(t, other.data)
	})

	t.Run("UnknownReaderIdBroadcasts", func(t *testing.T) {
		r := New(localPrefix)
		rd1 := &fakeReader{guid: rtps.NewGuid(localPrefix, readerId)}
		rd2 := &fakeReader{guid: rtps.NewGuid(localPrefix, rtps.EntityId{0, 0, 2, rtps.EntityKindUserReaderWithKey})}
		r.RegisterReader(rd1)
		r.RegisterReader(rd2)

		r.Process(frame(data(1, rtps.EntityIdUnknown)), time.Now())
		assert.Len(t, rd1.data, 1)
		assert.Len(t, rd2.data, 1)
	})

	t.Run("UnknownSpecificEntityDropped", func(t *testing.T) {
		r := New(localPrefix)
		rd := &fakeReader{guid: rtps.NewGuid(localPrefix, readerId)}
		r.RegisterReader(rd)
		r.Process(frame(data(1, rtps.EntityId{0, 0, 9, rtps.EntityKindUserReaderWithKey})), time.Now())
		assert.Empty(t, rd.data)
	})

	t.Run("InfoTimestampAppliesToFollowingData", func(t *testing.T) {
		r := New(localPrefix)
		rd := &fakeReader{guid: rtps.NewGuid(localPrefix, readerId)}
		r.RegisterReader(rd)

		r.Process(frame(
			&rtps.InfoTimestampSubmessage{LittleEndian: true, Timestamp: rtps.TimeFromNanos(42, 0)},
			data(1, readerId),
		), time.Now())
		require.Len(t, rd.dataTimes, 1)
		assert.Equal(t, int32(42), rd.dataTimes[0].Sec)
	})

	t.Run("InfoDestinationForOtherParticipantDropsPayloads", func(t *testing.T) {
		r := New(localPrefix)
		rd := &fakeReader{guid: rtps.NewGuid(localPrefix, readerId)}
		r.RegisterReader(rd)

		otherPrefix := rtps.GuidPrefix{5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5}
		r.Process(frame(
			&rtps.InfoDestinationSubmessage{LittleEndian: true, GuidPrefix: otherPrefix},
			data(1, readerId),
		), time.Now())
		assert.Empty(t, rd.data)
	})

	t.Run("AckNackToWriterReturnsFlights", func(t *testing.T) {
		r := New(localPrefix)
		w := &fakeWriter{guid: rtps.NewGuid(localPrefix, writerId)}
		r.RegisterWriter(w)

		flights := r.Process(frame(&rtps.AckNackSubmessage{
			LittleEndian:  true,
			ReaderId:      readerId,
			WriterId:      writerId,
			ReaderSNState: rtps.SequenceNumberSet{Base: 1},
			Count:         1,
		}), time.Now())

		require.Len(t, w.acknacks, 1)
		assert.Equal(t, rtps.NewGuid(remotePrefix, readerId), w.from[0])
		assert.Len(t, flights, 1)
	})

	t.Run("OwnMessagesSkipped", func(t *testing.T) {
		r := New(localPrefix)
		rd := &fakeReader{guid: rtps.NewGuid(localPrefix, readerId)}
		r.RegisterReader(rd)
		own := rtps.EncodeMessage(rtps.NewHeader(localPrefix), []rtps.Submessage{data(1, readerId)})
		r.Process(own, time.Now())
		assert.Empty(t, rd.data)
	})

	t.Run("MalformedFrameDropped", func(t *testing.T) {
		r := New(localPrefix)
		assert.Nil(t, r.Process([]byte{'R', 'T', 'P', 'S'}, time.Now()))
		assert.Nil(t, r.Process([]byte{'X'}, time.Now()))
	})
}

// ============================================================================
// Ignore Lists
// ============================================================================

func TestIgnoreLists(t *testing.T) {
	t.Run("IgnoredParticipant", func(t *testing.T) {
		r := New(localPrefix)
		rd := &fakeReader{guid: rtps.NewGuid(localPrefix, readerId)}
		r.RegisterReader(rd)
		r.IgnoreParticipant(remotePrefix)
		r.Process(frame(data(1, readerId)), time.Now())
		assert.Empty(t, rd.data)
	})

	t.Run("IgnoredPublication", func(t *testing.T) {
		r := New(localPrefix)
		rd := &fakeReader{guid: rtps.NewGuid(localPrefix, readerId)}
		r.RegisterReader(rd)
		r.IgnorePublication(rtps.NewGuid(remotePrefix, writerId))
		r.Process(frame(data(1, readerId)), time.Now())
		assert.Empty(t, rd.data)
	})

	t.Run("IgnoredSubscription", func(t *testing.T) {
		r := New(localPrefix)
		w := &fakeWriter{guid: rtps.NewGuid(localPrefix, writerId)}
		r.RegisterWriter(w)
		r.IgnoreSubscription(rtps.NewGuid(remotePrefix, readerId))
		r.Process(frame(&rtps.AckNackSubmessage{
			LittleEndian:  true,
			ReaderId:      readerId,
			WriterId:      writerId,
			ReaderSNState: rtps.SequenceNumberSet{Base: 1},
			Count:         1,
		}), time.Now())
		assert.Empty(t, w.acknacks)
	})
}
