package rtps

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

func testPrefix() GuidPrefix {
	return GuidPrefix{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
}

func roundTrip(t *testing.T, subs ...Submessage) []Submessage {
	t.Helper()
	frame := EncodeMessage(NewHeader(testPrefix()), subs)

	reader, err := DecodeMessage(frame)
	require.NoError(t, err)
	assert.Equal(t, Version24, reader.Header.Version)
	assert.Equal(t, VendorIdDittoDds, reader.Header.VendorId)
	assert.Equal(t, testPrefix(), reader.Header.GuidPrefix)

	var out []Submessage
	for {
		sub, err := reader.Next()
		require.NoError(t, err)
		if sub == nil {
			return out
		}
		out = append(out, sub)
	}
}

// ============================================================================
// Header Tests
// ============================================================================

func TestDecodeMessage(t *testing.T) {
	t.Run("RejectsShortBuffer", func(t *testing.T) {
		_, err := DecodeMessage([]byte{'R', 'T', 'P', 'S', 2})
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("RejectsBadMagic", func(t *testing.T) {
		frame := EncodeMessage(NewHeader(testPrefix()), nil)
		frame[0] = 'X'
		_, err := DecodeMessage(frame)
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("EmptyMessageHasNoSubmessages", func(t *testing.T) {
		subs := roundTrip(t)
		assert.Empty(t, subs)
	})
}

// ============================================================================
// Submessage Round-Trips
// ============================================================================

func TestDataRoundTrip(t *testing.T) {
	t.Run("WithPayloadAndInlineQos", func(t *testing.T) {
		var qos ParameterList
		qos.Add(PidStatusInfo, []byte{0, 0, 0, 1})
		qos.Add(PidKeyHash, make([]byte, 16))

		in := &DataSubmessage{
			LittleEndian:   true,
			InlineQosFlag:  true,
			DataFlag:       true,
			ReaderId:       EntityIdUnknown,
			WriterId:       EntityId{0, 0, 1, EntityKindUserWriterWithKey},
			WriterSN:       42,
			InlineQos:      qos,
			SerializedData: []byte{0x00, 0x01, 0x00, 0x00, 0xde, 0xad, 0xbe, 0xef},
		}
		subs := roundTrip(t, in)
		require.Len(t, subs, 1)
		out := subs[0].(*DataSubmessage)
		assert.Equal(t, in.WriterSN, out.WriterSN)
		assert.Equal(t, in.WriterId, out.WriterId)
		assert.Equal(t, in.SerializedData, out.SerializedData)
		require.Len(t, out.InlineQos.Parameters, 2)
		assert.Equal(t, PidStatusInfo, out.InlineQos.Parameters[0].ID)
	})

	t.Run("BigEndianBody", func(t *testing.T) {
		in := &DataSubmessage{
			DataFlag:       true,
			WriterId:       EntityId{0, 0, 2, EntityKindUserWriterNoKey},
			WriterSN:       7,
			SerializedData: []byte{1, 2, 3, 4},
		}
		subs := roundTrip(t, in)
		require.Len(t, subs, 1)
		out := subs[0].(*DataSubmessage)
		assert.False(t, out.LittleEndian)
		assert.Equal(t, SequenceNumber(7), out.WriterSN)
		assert.Equal(t, []byte{1, 2, 3, 4}, out.SerializedData)
	})

	t.Run("RejectsInvalidSequenceNumber", func(t *testing.T) {
		in := &DataSubmessage{DataFlag: true, WriterSN: 1, SerializedData: []byte{1, 2, 3, 4}}
		frame := EncodeMessage(NewHeader(testPrefix()), []Submessage{in})
		// Zero out the SN (high and low) inside the body: header(20) +
		// subheader(4) + extraFlags+octetsToQos(4) + ids(8).
		for i := 36; i < 44; i++ {
			frame[i] = 0
		}
		reader, err := DecodeMessage(frame)
		require.NoError(t, err)
		_, err = reader.Next()
		assert.ErrorIs(t, err, ErrMalformed)
	})
}

func TestDataFragRoundTrip(t *testing.T) {
	in := &DataFragSubmessage{
		LittleEndian:          true,
		ReaderId:              EntityId{0, 0, 1, EntityKindUserReaderWithKey},
		WriterId:              EntityId{0, 0, 1, EntityKindUserWriterWithKey},
		WriterSN:              3,
		FragmentStartingNum:   4,
		FragmentsInSubmessage: 1,
		FragmentSize:          1024,
		SampleSize:            100 * 1024,
		SerializedData:        make([]byte, 1024),
	}
	subs := roundTrip(t, in)
	require.Len(t, subs, 1)
	out := subs[0].(*DataFragSubmessage)
	assert.Equal(t, FragmentNumber(4), out.FragmentStartingNum)
	assert.Equal(t, uint16(1024), out.FragmentSize)
	assert.Equal(t, uint32(100*1024), out.SampleSize)
	assert.Len(t, out.SerializedData, 1024)
}

func TestHeartbeatRoundTrip(t *testing.T) {
	t.Run("NormalRange", func(t *testing.T) {
		in := &HeartbeatSubmessage{
			LittleEndian: true,
			FinalFlag:    true,
			WriterId:     EntityId{0, 0, 1, EntityKindUserWriterWithKey},
			FirstSN:      1,
			LastSN:       5,
			Count:        9,
		}
		subs := roundTrip(t, in)
		require.Len(t, subs, 1)
		out := subs[0].(*HeartbeatSubmessage)
		assert.Equal(t, SequenceNumber(1), out.FirstSN)
		assert.Equal(t, SequenceNumber(5), out.LastSN)
		assert.Equal(t, int32(9), out.Count)
		assert.True(t, out.FinalFlag)
	})

	t.Run("EmptyCacheRange", func(t *testing.T) {
		// first=1, last=0 announces an empty cache and is legal.
		in := &HeartbeatSubmessage{FirstSN: 1, LastSN: 0, Count: 1}
		subs := roundTrip(t, in)
		require.Len(t, subs, 1)
	})

	t.Run("RejectsInvertedRange", func(t *testing.T) {
		in := &HeartbeatSubmessage{FirstSN: 5, LastSN: 2, Count: 1}
		frame := EncodeMessage(NewHeader(testPrefix()), []Submessage{in})
		reader, err := DecodeMessage(frame)
		require.NoError(t, err)
		_, err = reader.Next()
		assert.ErrorIs(t, err, ErrMalformed)
	})
}

func TestAckNackRoundTrip(t *testing.T) {
	set := NewSequenceNumberSet(3, []SequenceNumber{3, 5, 250})
	in := &AckNackSubmessage{
		LittleEndian:  true,
		ReaderId:      EntityId{0, 0, 1, EntityKindUserReaderWithKey},
		WriterId:      EntityId{0, 0, 1, EntityKindUserWriterWithKey},
		ReaderSNState: set,
		Count:         2,
	}
	subs := roundTrip(t, in)
	require.Len(t, subs, 1)
	out := subs[0].(*AckNackSubmessage)
	assert.Equal(t, SequenceNumber(3), out.ReaderSNState.Base)
	assert.Equal(t, []SequenceNumber{3, 5, 250}, out.ReaderSNState.Members())
	assert.Equal(t, int32(2), out.Count)
}

func TestGapRoundTrip(t *testing.T) {
	gapList := NewSequenceNumberSet(8, []SequenceNumber{9, 11})
	in := &GapSubmessage{
		LittleEndian: true,
		WriterId:     EntityId{0, 0, 1, EntityKindUserWriterWithKey},
		GapStart:     2,
		GapList:      gapList,
	}
	subs := roundTrip(t, in)
	require.Len(t, subs, 1)
	out := subs[0].(*GapSubmessage)
	assert.Equal(t, SequenceNumber(2), out.GapStart)
	assert.Equal(t, SequenceNumber(8), out.GapList.Base)
	assert.Equal(t, []SequenceNumber{9, 11}, out.GapList.Members())
}

func TestNackFragRoundTrip(t *testing.T) {
	var frags FragmentNumberSet
	frags.Base = 4
	frags.Insert(4)
	in := &NackFragSubmessage{
		LittleEndian:        true,
		WriterSN:            1,
		FragmentNumberState: frags,
		Count:               1,
	}
	subs := roundTrip(t, in)
	require.Len(t, subs, 1)
	out := subs[0].(*NackFragSubmessage)
	assert.Equal(t, SequenceNumber(1), out.WriterSN)
	assert.Equal(t, []FragmentNumber{4}, out.FragmentNumberState.Members())
}

func TestInfoSubmessages(t *testing.T) {
	t.Run("TimestampRoundTrip", func(t *testing.T) {
		ts := TimeFromNanos(1_700_000_000, 500_000_000)
		subs := roundTrip(t, &InfoTimestampSubmessage{LittleEndian: true, Timestamp: ts})
		require.Len(t, subs, 1)
		out := subs[0].(*InfoTimestampSubmessage)
		sec, ns := out.Timestamp.Nanos()
		assert.Equal(t, int32(1_700_000_000), sec)
		// The 2^-32 fraction loses sub-nanosecond precision.
		assert.InDelta(t, 500_000_000, ns, 1)
	})

	t.Run("TimestampInvalidateCarriesNoBody", func(t *testing.T) {
		subs := roundTrip(t, &InfoTimestampSubmessage{LittleEndian: true, InvalidateFlag: true})
		require.Len(t, subs, 1)
		assert.True(t, subs[0].(*InfoTimestampSubmessage).InvalidateFlag)
	})

	t.Run("DestinationRoundTrip", func(t *testing.T) {
		subs := roundTrip(t, &InfoDestinationSubmessage{LittleEndian: true, GuidPrefix: testPrefix()})
		require.Len(t, subs, 1)
		assert.Equal(t, testPrefix(), subs[0].(*InfoDestinationSubmessage).GuidPrefix)
	})
}

func TestUnknownSubmessageSkipped(t *testing.T) {
	hb := &HeartbeatSubmessage{LittleEndian: true, FirstSN: 1, LastSN: 1, Count: 1}
	frame := EncodeMessage(NewHeader(testPrefix()), []Submessage{hb})

	// Splice an unknown submessage (id 0x42, 4-octet body) before the
	// heartbeat.
	unknown := []byte{0x42, 0x01, 0x04, 0x00, 0xaa, 0xbb, 0xcc, 0xdd}
	spliced := append(append(append([]byte{}, frame[:HeaderLength]...), unknown...), frame[HeaderLength:]...)

	reader, err := DecodeMessage(spliced)
	require.NoError(t, err)
	sub, err := reader.Next()
	require.NoError(t, err)
	require.IsType(t, &HeartbeatSubmessage{}, sub)
	sub, err = reader.Next()
	require.NoError(t, err)
	assert.Nil(t, sub)
}

func TestMultiSubmessageMessage(t *testing.T) {
	subs := roundTrip(t,
		&InfoDestinationSubmessage{LittleEndian: true, GuidPrefix: testPrefix()},
		&InfoTimestampSubmessage{LittleEndian: true, Timestamp: TimeFromNanos(10, 0)},
		&DataSubmessage{LittleEndian: true, DataFlag: true, WriterSN: 1, SerializedData: []byte{1, 2, 3, 4}},
		&HeartbeatSubmessage{LittleEndian: true, FirstSN: 1, LastSN: 1, Count: 1},
	)
	require.Len(t, subs, 4)
	assert.IsType(t, &InfoDestinationSubmessage{}, subs[0])
	assert.IsType(t, &InfoTimestampSubmessage{}, subs[1])
	assert.IsType(t, &DataSubmessage{}, subs[2])
	assert.IsType(t, &HeartbeatSubmessage{}, subs[3])
}

// ============================================================================
// Parameter List Tests
// ============================================================================

func TestParameterListPayload(t *testing.T) {
	t.Run("RoundTrip", func(t *testing.T) {
		var pl ParameterList
		pl.Add(PidTopicName, []byte{5, 0, 0, 0, 'H', 'e', 'l', 'o', 0, 0, 0, 0})
		pl.Add(PidOwnershipStrength, []byte{10, 0, 0, 0})

		buf := EncodeParameterList(pl, true)
		out, err := DecodeParameterList(buf)
		require.NoError(t, err)
		require.Len(t, out.Parameters, 2)
		assert.Equal(t, PidTopicName, out.Parameters[0].ID)

		strength, ok := out.Lookup(PidOwnershipStrength)
		require.True(t, ok)
		assert.Equal(t, []byte{10, 0, 0, 0}, strength)
	})

	t.Run("ValuePaddedToFourOctets", func(t *testing.T) {
		var pl ParameterList
		pl.Add(PidStatusInfo, []byte{0, 0, 0, 3})
		buf := EncodeParameterList(pl, true)
		// encapsulation(4) + param header(4) + value(4) + sentinel(4)
		assert.Equal(t, 16, len(buf))
	})

	t.Run("RejectsMissingSentinel", func(t *testing.T) {
		var pl ParameterList
		pl.Add(PidStatusInfo, []byte{0, 0, 0, 1})
		buf := EncodeParameterList(pl, true)
		_, err := DecodeParameterList(buf[:len(buf)-4])
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("RejectsUnknownEncapsulation", func(t *testing.T) {
		_, err := DecodeParameterList([]byte{0x00, 0x09, 0x00, 0x00})
		assert.ErrorIs(t, err, ErrMalformed)
	})
}

// ============================================================================
// Sequence Number Set Tests
// ============================================================================

func TestSequenceNumberSet(t *testing.T) {
	t.Run("InsertAndContains", func(t *testing.T) {
		var s SequenceNumberSet
		s.Base = 10
		s.Insert(10)
		s.Insert(40)
		assert.True(t, s.Contains(10))
		assert.True(t, s.Contains(40))
		assert.False(t, s.Contains(11))
	})

	t.Run("IgnoresOutOfRange", func(t *testing.T) {
		var s SequenceNumberSet
		s.Base = 10
		s.Insert(9)
		s.Insert(10 + 256)
		assert.True(t, s.IsEmpty())
	})

	t.Run("BoundaryBit255", func(t *testing.T) {
		var s SequenceNumberSet
		s.Base = 1
		s.Insert(256)
		assert.True(t, s.Contains(256))
		assert.Equal(t, uint32(256), s.NumBits)
	})
}
