package rtps

import "encoding/binary"

// ============================================================================
// Submessage Framing
// ============================================================================

// SubmessageKind is the one-octet submessage identifier.
type SubmessageKind uint8

// Submessage ids (RTPS 2.4 Table 9.6).
const (
	KindPad           SubmessageKind = 0x01
	KindAckNack       SubmessageKind = 0x06
	KindHeartbeat     SubmessageKind = 0x07
	KindGap           SubmessageKind = 0x08
	KindInfoTimestamp SubmessageKind = 0x09
	KindInfoSource    SubmessageKind = 0x0c
	KindInfoReplyIP4  SubmessageKind = 0x0d
	KindInfoDestination SubmessageKind = 0x0e
	KindInfoReply     SubmessageKind = 0x0f
	KindNackFrag      SubmessageKind = 0x12
	KindHeartbeatFrag SubmessageKind = 0x13
	KindData          SubmessageKind = 0x15
	KindDataFrag      SubmessageKind = 0x16
)

// Flag bits shared across submessages. Bit 0 is always the endianness
// flag; the remaining bits are submessage specific.
const (
	flagEndianness byte = 0x01

	flagDataInlineQos byte = 0x02
	flagDataData      byte = 0x04
	flagDataKey       byte = 0x08

	flagFragInlineQos byte = 0x02
	flagFragKey       byte = 0x04

	flagHeartbeatFinal      byte = 0x02
	flagHeartbeatLiveliness byte = 0x04

	flagAckNackFinal byte = 0x02

	flagInfoTsInvalidate byte = 0x02
)

// orderFor maps the endianness flag to a byte order.
func orderFor(little bool) byteOrder {
	if little {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

// Submessage is one decoded or to-be-encoded RTPS submessage.
//
// Encoding appends the body octets in the submessage's byte order; the
// framing (id, flags, octets-to-next-header) is written by
// EncodeMessage, which also backfills the body length.
type Submessage interface {
	Kind() SubmessageKind

	// flags returns the flag octet, including the endianness bit.
	flags() byte

	// encodeBody appends the submessage body.
	encodeBody(e *encoder)
}

// ============================================================================
// Data
// ============================================================================

// DataSubmessage carries one change: reader/writer entity ids, the
// writer sequence number, optional inline QoS and the serialized
// payload.
type DataSubmessage struct {
	LittleEndian    bool
	InlineQosFlag   bool
	DataFlag        bool
	KeyFlag         bool
	ReaderId        EntityId
	WriterId        EntityId
	WriterSN        SequenceNumber
	InlineQos       ParameterList
	SerializedData  []byte
}

func (s *DataSubmessage) Kind() SubmessageKind { return KindData }

func (s *DataSubmessage) flags() byte {
	f := byte(0)
	if s.LittleEndian {
		f |= flagEndianness
	}
	if s.InlineQosFlag {
		f |= flagDataInlineQos
	}
	if s.DataFlag {
		f |= flagDataData
	}
	if s.KeyFlag {
		f |= flagDataKey
	}
	return f
}

// octetsToInlineQos for Data: readerId + writerId + writerSN.
const dataHeaderOctets = 16

func (s *DataSubmessage) encodeBody(e *encoder) {
	e.writeUint16(0) // extraFlags
	e.writeUint16(dataHeaderOctets)
	e.writeEntityId(s.ReaderId)
	e.writeEntityId(s.WriterId)
	e.writeSN(s.WriterSN)
	if s.InlineQosFlag {
		s.InlineQos.encode(e)
	}
	if s.DataFlag || s.KeyFlag {
		e.writeOctets(s.SerializedData)
	}
}

func decodeData(body []byte, flags byte) (*DataSubmessage, error) {
	d := newDecoder(body, orderFor(flags&flagEndianness != 0))
	s := &DataSubmessage{
		LittleEndian:  flags&flagEndianness != 0,
		InlineQosFlag: flags&flagDataInlineQos != 0,
		DataFlag:      flags&flagDataData != 0,
		KeyFlag:       flags&flagDataKey != 0,
	}
	if _, err := d.readUint16(); err != nil { // extraFlags
		return nil, err
	}
	octetsToInlineQos, err := d.readUint16()
	if err != nil {
		return nil, err
	}
	if octetsToInlineQos < dataHeaderOctets {
		return nil, ErrMalformed
	}
	if s.ReaderId, err = d.readEntityId(); err != nil {
		return nil, err
	}
	if s.WriterId, err = d.readEntityId(); err != nil {
		return nil, err
	}
	if s.WriterSN, err = d.readValidSN(); err != nil {
		return nil, err
	}
	// Skip any octets a newer minor version may have inserted between
	// the fixed header and the inline QoS.
	if _, err = d.readOctets(int(octetsToInlineQos) - dataHeaderOctets); err != nil {
		return nil, err
	}
	if s.InlineQosFlag {
		if s.InlineQos, err = decodeParameterList(d); err != nil {
			return nil, err
		}
	}
	if s.DataFlag || s.KeyFlag {
		s.SerializedData = d.buf[d.off:]
	}
	return s, nil
}

// ============================================================================
// DataFrag
// ============================================================================

// DataFragSubmessage carries a run of fragments of one oversize change.
// Every fragment of a change shares the change's sequence number; the
// run starts at FragmentStartingNum (1-based).
type DataFragSubmessage struct {
	LittleEndian          bool
	InlineQosFlag         bool
	KeyFlag               bool
	ReaderId              EntityId
	WriterId              EntityId
	WriterSN              SequenceNumber
	FragmentStartingNum   FragmentNumber
	FragmentsInSubmessage uint16
	FragmentSize          uint16
	SampleSize            uint32
	InlineQos             ParameterList
	SerializedData        []byte
}

func (s *DataFragSubmessage) Kind() SubmessageKind { return KindDataFrag }

func (s *DataFragSubmessage) flags() byte {
	f := byte(0)
	if s.LittleEndian {
		f |= flagEndianness
	}
	if s.InlineQosFlag {
		f |= flagFragInlineQos
	}
	if s.KeyFlag {
		f |= flagFragKey
	}
	return f
}

// octetsToInlineQos for DataFrag: ids + SN + fragment header fields.
const dataFragHeaderOctets = 28

func (s *DataFragSubmessage) encodeBody(e *encoder) {
	e.writeUint16(0) // extraFlags
	e.writeUint16(dataFragHeaderOctets)
	e.writeEntityId(s.ReaderId)
	e.writeEntityId(s.WriterId)
	e.writeSN(s.WriterSN)
	e.writeUint32(uint32(s.FragmentStartingNum))
	e.writeUint16(s.FragmentsInSubmessage)
	e.writeUint16(s.FragmentSize)
	e.writeUint32(s.SampleSize)
	if s.InlineQosFlag {
		s.InlineQos.encode(e)
	}
	e.writeOctets(s.SerializedData)
}

func decodeDataFrag(body []byte, flags byte) (*DataFragSubmessage, error) {
	d := newDecoder(body, orderFor(flags&flagEndianness != 0))
	s := &DataFragSubmessage{
		LittleEndian:  flags&flagEndianness != 0,
		InlineQosFlag: flags&flagFragInlineQos != 0,
		KeyFlag:       flags&flagFragKey != 0,
	}
	if _, err := d.readUint16(); err != nil {
		return nil, err
	}
	octetsToInlineQos, err := d.readUint16()
	if err != nil {
		return nil, err
	}
	if octetsToInlineQos < dataFragHeaderOctets {
		return nil, ErrMalformed
	}
	if s.ReaderId, err = d.readEntityId(); err != nil {
		return nil, err
	}
	if s.WriterId, err = d.readEntityId(); err != nil {
		return nil, err
	}
	if s.WriterSN, err = d.readValidSN(); err != nil {
		return nil, err
	}
	start, err := d.readUint32()
	if err != nil {
		return nil, err
	}
	if start == 0 {
		return nil, ErrMalformed
	}
	s.FragmentStartingNum = FragmentNumber(start)
	if s.FragmentsInSubmessage, err = d.readUint16(); err != nil {
		return nil, err
	}
	if s.FragmentSize, err = d.readUint16(); err != nil {
		return nil, err
	}
	if s.SampleSize, err = d.readUint32(); err != nil {
		return nil, err
	}
	if _, err = d.readOctets(int(octetsToInlineQos) - dataFragHeaderOctets); err != nil {
		return nil, err
	}
	if s.InlineQosFlag {
		if s.InlineQos, err = decodeParameterList(d); err != nil {
			return nil, err
		}
	}
	s.SerializedData = d.buf[d.off:]
	return s, nil
}

// ============================================================================
// Gap
// ============================================================================

// GapSubmessage tells a reader that a range of sequence numbers is no
// longer relevant: [GapStart, GapList.Base) plus the members of GapList.
type GapSubmessage struct {
	LittleEndian bool
	ReaderId     EntityId
	WriterId     EntityId
	GapStart     SequenceNumber
	GapList      SequenceNumberSet
}

func (s *GapSubmessage) Kind() SubmessageKind { return KindGap }

func (s *GapSubmessage) flags() byte {
	if s.LittleEndian {
		return flagEndianness
	}
	return 0
}

func (s *GapSubmessage) encodeBody(e *encoder) {
	e.writeEntityId(s.ReaderId)
	e.writeEntityId(s.WriterId)
	e.writeSN(s.GapStart)
	e.writeSNSet(s.GapList)
}

func decodeGap(body []byte, flags byte) (*GapSubmessage, error) {
	d := newDecoder(body, orderFor(flags&flagEndianness != 0))
	s := &GapSubmessage{LittleEndian: flags&flagEndianness != 0}
	var err error
	if s.ReaderId, err = d.readEntityId(); err != nil {
		return nil, err
	}
	if s.WriterId, err = d.readEntityId(); err != nil {
		return nil, err
	}
	if s.GapStart, err = d.readValidSN(); err != nil {
		return nil, err
	}
	if s.GapList, err = d.readSNSet(); err != nil {
		return nil, err
	}
	if !s.GapList.Base.IsValid() {
		return nil, ErrMalformed
	}
	return s, nil
}

// ============================================================================
// Heartbeat
// ============================================================================

// HeartbeatSubmessage announces the range of sequence numbers a writer
// currently holds and solicits acknowledgment.
type HeartbeatSubmessage struct {
	LittleEndian   bool
	FinalFlag      bool
	LivelinessFlag bool
	ReaderId       EntityId
	WriterId       EntityId
	FirstSN        SequenceNumber
	LastSN         SequenceNumber
	Count          int32
}

func (s *HeartbeatSubmessage) Kind() SubmessageKind { return KindHeartbeat }

func (s *HeartbeatSubmessage) flags() byte {
	f := byte(0)
	if s.LittleEndian {
		f |= flagEndianness
	}
	if s.FinalFlag {
		f |= flagHeartbeatFinal
	}
	if s.LivelinessFlag {
		f |= flagHeartbeatLiveliness
	}
	return f
}

func (s *HeartbeatSubmessage) encodeBody(e *encoder) {
	e.writeEntityId(s.ReaderId)
	e.writeEntityId(s.WriterId)
	e.writeSN(s.FirstSN)
	e.writeSN(s.LastSN)
	e.writeInt32(s.Count)
}

func decodeHeartbeat(body []byte, flags byte) (*HeartbeatSubmessage, error) {
	d := newDecoder(body, orderFor(flags&flagEndianness != 0))
	s := &HeartbeatSubmessage{
		LittleEndian:   flags&flagEndianness != 0,
		FinalFlag:      flags&flagHeartbeatFinal != 0,
		LivelinessFlag: flags&flagHeartbeatLiveliness != 0,
	}
	var err error
	if s.ReaderId, err = d.readEntityId(); err != nil {
		return nil, err
	}
	if s.WriterId, err = d.readEntityId(); err != nil {
		return nil, err
	}
	if s.FirstSN, err = d.readValidSN(); err != nil {
		return nil, err
	}
	if s.LastSN, err = d.readSN(); err != nil {
		return nil, err
	}
	// An empty cache is announced as (first, first-1); anything lower
	// is inconsistent.
	if s.LastSN < s.FirstSN-1 {
		return nil, ErrMalformed
	}
	if s.Count, err = d.readInt32(); err != nil {
		return nil, err
	}
	return s, nil
}

// ============================================================================
// AckNack
// ============================================================================

// AckNackSubmessage acknowledges everything below ReaderSNState.Base
// and negatively acknowledges the members of the set.
type AckNackSubmessage struct {
	LittleEndian  bool
	FinalFlag     bool
	ReaderId      EntityId
	WriterId      EntityId
	ReaderSNState SequenceNumberSet
	Count         int32
}

func (s *AckNackSubmessage) Kind() SubmessageKind { return KindAckNack }

func (s *AckNackSubmessage) flags() byte {
	f := byte(0)
	if s.LittleEndian {
		f |= flagEndianness
	}
	if s.FinalFlag {
		f |= flagAckNackFinal
	}
	return f
}

func (s *AckNackSubmessage) encodeBody(e *encoder) {
	e.writeEntityId(s.ReaderId)
	e.writeEntityId(s.WriterId)
	e.writeSNSet(s.ReaderSNState)
	e.writeInt32(s.Count)
}

func decodeAckNack(body []byte, flags byte) (*AckNackSubmessage, error) {
	d := newDecoder(body, orderFor(flags&flagEndianness != 0))
	s := &AckNackSubmessage{
		LittleEndian: flags&flagEndianness != 0,
		FinalFlag:    flags&flagAckNackFinal != 0,
	}
	var err error
	if s.ReaderId, err = d.readEntityId(); err != nil {
		return nil, err
	}
	if s.WriterId, err = d.readEntityId(); err != nil {
		return nil, err
	}
	if s.ReaderSNState, err = d.readSNSet(); err != nil {
		return nil, err
	}
	if !s.ReaderSNState.Base.IsValid() {
		return nil, ErrMalformed
	}
	if s.Count, err = d.readInt32(); err != nil {
		return nil, err
	}
	return s, nil
}

// ============================================================================
// NackFrag
// ============================================================================

// NackFragSubmessage requests retransmission of specific fragments of
// one change.
type NackFragSubmessage struct {
	LittleEndian        bool
	ReaderId            EntityId
	WriterId            EntityId
	WriterSN            SequenceNumber
	FragmentNumberState FragmentNumberSet
	Count               int32
}

func (s *NackFragSubmessage) Kind() SubmessageKind { return KindNackFrag }

func (s *NackFragSubmessage) flags() byte {
	if s.LittleEndian {
		return flagEndianness
	}
	return 0
}

func (s *NackFragSubmessage) encodeBody(e *encoder) {
	e.writeEntityId(s.ReaderId)
	e.writeEntityId(s.WriterId)
	e.writeSN(s.WriterSN)
	e.writeFNSet(s.FragmentNumberState)
	e.writeInt32(s.Count)
}

func decodeNackFrag(body []byte, flags byte) (*NackFragSubmessage, error) {
	d := newDecoder(body, orderFor(flags&flagEndianness != 0))
	s := &NackFragSubmessage{LittleEndian: flags&flagEndianness != 0}
	var err error
	if s.ReaderId, err = d.readEntityId(); err != nil {
		return nil, err
	}
	if s.WriterId, err = d.readEntityId(); err != nil {
		return nil, err
	}
	if s.WriterSN, err = d.readValidSN(); err != nil {
		return nil, err
	}
	if s.FragmentNumberState, err = d.readFNSet(); err != nil {
		return nil, err
	}
	if s.FragmentNumberState.Base == 0 {
		return nil, ErrMalformed
	}
	if s.Count, err = d.readInt32(); err != nil {
		return nil, err
	}
	return s, nil
}

// ============================================================================
// InfoTimestamp
// ============================================================================

// InfoTimestampSubmessage sets (or invalidates) the source timestamp
// applied to subsequent submessages of the same message.
type InfoTimestampSubmessage struct {
	LittleEndian   bool
	InvalidateFlag bool
	Timestamp      Time
}

func (s *InfoTimestampSubmessage) Kind() SubmessageKind { return KindInfoTimestamp }

func (s *InfoTimestampSubmessage) flags() byte {
	f := byte(0)
	if s.LittleEndian {
		f |= flagEndianness
	}
	if s.InvalidateFlag {
		f |= flagInfoTsInvalidate
	}
	return f
}

func (s *InfoTimestampSubmessage) encodeBody(e *encoder) {
	if !s.InvalidateFlag {
		e.writeTime(s.Timestamp)
	}
}

func decodeInfoTimestamp(body []byte, flags byte) (*InfoTimestampSubmessage, error) {
	d := newDecoder(body, orderFor(flags&flagEndianness != 0))
	s := &InfoTimestampSubmessage{
		LittleEndian:   flags&flagEndianness != 0,
		InvalidateFlag: flags&flagInfoTsInvalidate != 0,
	}
	if !s.InvalidateFlag {
		var err error
		if s.Timestamp, err = d.readTime(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// ============================================================================
// InfoDestination
// ============================================================================

// InfoDestinationSubmessage redirects subsequent submessages of the
// same message to the participant with the given prefix.
type InfoDestinationSubmessage struct {
	LittleEndian bool
	GuidPrefix   GuidPrefix
}

func (s *InfoDestinationSubmessage) Kind() SubmessageKind { return KindInfoDestination }

func (s *InfoDestinationSubmessage) flags() byte {
	if s.LittleEndian {
		return flagEndianness
	}
	return 0
}

func (s *InfoDestinationSubmessage) encodeBody(e *encoder) {
	e.writeOctets(s.GuidPrefix[:])
}

func decodeInfoDestination(body []byte, flags byte) (*InfoDestinationSubmessage, error) {
	d := newDecoder(body, orderFor(flags&flagEndianness != 0))
	s := &InfoDestinationSubmessage{LittleEndian: flags&flagEndianness != 0}
	var err error
	if s.GuidPrefix, err = d.readGuidPrefix(); err != nil {
		return nil, err
	}
	return s, nil
}
