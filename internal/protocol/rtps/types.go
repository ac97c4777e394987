// Package rtps implements the RTPS 2.4 wire protocol: message header,
// submessage framing, parameter lists and the CDR primitive encoding
// they are built on.
//
// The package is the lowest layer of the stack. It knows nothing about
// QoS, history caches or discovery; it turns Go structures into octets
// and octets back into structures, bit-exact per OMG RTPS 2.4 §9.4.
//
// Decoded submessage views borrow the inbound buffer. They must not be
// retained past the message-processing pass that produced them.
package rtps

import (
	"bytes"
	"fmt"
)

// ============================================================================
// Protocol Constants
// ============================================================================

// ProtocolMagic is the 4-octet magic at the start of every RTPS message.
var ProtocolMagic = [4]byte{'R', 'T', 'P', 'S'}

// ProtocolVersion identifies the RTPS protocol version of a message.
//
// Per OMG RTPS 2.4 §8.3.3.1.2, the version is a (major, minor) pair.
type ProtocolVersion struct {
	Major uint8
	Minor uint8
}

// Version24 is the protocol version implemented by this package.
var Version24 = ProtocolVersion{Major: 2, Minor: 4}

// VendorId identifies the vendor of the middleware that produced a message.
type VendorId [2]byte

// VendorIdUnknown is used when the vendor is not known (e.g. in receiver
// state before the header has been seen).
var VendorIdUnknown = VendorId{0x00, 0x00}

// VendorIdDittoDds is the vendor id stamped on outgoing messages.
var VendorIdDittoDds = VendorId{0x01, 0x16}

// ============================================================================
// GUIDs
// ============================================================================

// GuidPrefix is the 12-octet prefix shared by every entity of one
// participant.
type GuidPrefix [12]byte

// GuidPrefixUnknown is the all-zero prefix.
var GuidPrefixUnknown = GuidPrefix{}

// EntityId is the 4-octet entity identifier within a participant:
// a 3-octet entity key followed by a 1-octet entity kind.
type EntityId [4]byte

// Entity kind octets (per RTPS 2.4 Table 9.1).
const (
	EntityKindUserWriterWithKey = 0x02
	EntityKindUserWriterNoKey   = 0x03
	EntityKindUserReaderNoKey   = 0x04
	EntityKindUserReaderWithKey = 0x07
	EntityKindBuiltinWriter     = 0xc2
	EntityKindBuiltinReader     = 0xc7
	EntityKindParticipant       = 0xc1
)

// Reserved entity ids (RTPS 2.4 §8.5.4.2, §9.3.1.2).
var (
	EntityIdUnknown     = EntityId{0x00, 0x00, 0x00, 0x00}
	EntityIdParticipant = EntityId{0x00, 0x00, 0x01, 0xc1}

	// SPDP built-in participant announcer/detector.
	EntityIdSpdpParticipantWriter = EntityId{0x00, 0x01, 0x00, 0xc2}
	EntityIdSpdpParticipantReader = EntityId{0x00, 0x01, 0x00, 0xc7}

	// SEDP built-in endpoint announcers/detectors.
	EntityIdSedpTopicsWriter        = EntityId{0x00, 0x00, 0x02, 0xc2}
	EntityIdSedpTopicsReader        = EntityId{0x00, 0x00, 0x02, 0xc7}
	EntityIdSedpPublicationsWriter  = EntityId{0x00, 0x00, 0x03, 0xc2}
	EntityIdSedpPublicationsReader  = EntityId{0x00, 0x00, 0x03, 0xc7}
	EntityIdSedpSubscriptionsWriter = EntityId{0x00, 0x00, 0x04, 0xc2}
	EntityIdSedpSubscriptionsReader = EntityId{0x00, 0x00, 0x04, 0xc7}
)

// IsBuiltin reports whether the entity id names a built-in endpoint.
func (e EntityId) IsBuiltin() bool {
	return e[3]&0xc0 == 0xc0
}

// IsWriter reports whether the entity kind octet names a writer.
func (e EntityId) IsWriter() bool {
	switch e[3] {
	case EntityKindUserWriterWithKey, EntityKindUserWriterNoKey, EntityKindBuiltinWriter:
		return true
	}
	return false
}

// IsReader reports whether the entity kind octet names a reader.
func (e EntityId) IsReader() bool {
	switch e[3] {
	case EntityKindUserReaderWithKey, EntityKindUserReaderNoKey, EntityKindBuiltinReader:
		return true
	}
	return false
}

// Guid is the 16-octet globally unique entity identifier:
// GuidPrefix + EntityId.
type Guid struct {
	Prefix   GuidPrefix
	EntityId EntityId
}

// GuidUnknown is the all-zero GUID.
var GuidUnknown = Guid{}

// NewGuid builds a Guid from its two parts.
func NewGuid(prefix GuidPrefix, entityId EntityId) Guid {
	return Guid{Prefix: prefix, EntityId: entityId}
}

// Bytes returns the 16-octet wire form of the GUID.
func (g Guid) Bytes() [16]byte {
	var out [16]byte
	copy(out[:12], g.Prefix[:])
	copy(out[12:], g.EntityId[:])
	return out
}

// GuidFromBytes rebuilds a Guid from its 16-octet wire form.
func GuidFromBytes(b [16]byte) Guid {
	var g Guid
	copy(g.Prefix[:], b[:12])
	copy(g.EntityId[:], b[12:])
	return g
}

// Compare orders GUIDs lexicographically over their 16 octets.
// Returns -1, 0 or 1.
func (g Guid) Compare(other Guid) int {
	a, b := g.Bytes(), other.Bytes()
	return bytes.Compare(a[:], b[:])
}

// String renders the GUID in the conventional dotted-hex form.
func (g Guid) String() string {
	b := g.Bytes()
	return fmt.Sprintf("%x.%x.%x.%x", b[0:4], b[4:8], b[8:12], b[12:16])
}

// ============================================================================
// Sequence Numbers
// ============================================================================

// SequenceNumber is the per-writer 64-bit change counter. Valid values
// start at 1 and increase monotonically; 0 and negatives are invalid
// on the wire.
type SequenceNumber int64

// SequenceNumberUnknown is the reserved "unknown" value
// (high = -1, low = 0 on the wire).
const SequenceNumberUnknown SequenceNumber = -4294967296

// IsValid reports whether the sequence number is usable as a change
// identifier.
func (sn SequenceNumber) IsValid() bool {
	return sn > 0
}

// SequenceNumberSet is the wire representation of a set of sequence
// numbers: a bitmap of up to 256 bits anchored at Base.
//
// Per RTPS 2.4 §9.4.2.6 the set can represent {Base .. Base+255};
// bit i of the bitmap corresponds to Base+i.
type SequenceNumberSet struct {
	Base    SequenceNumber
	NumBits uint32
	Bitmap  []uint32
}

// maxBitmapBits bounds the bitmap per the wire format.
const maxBitmapBits = 256

// NewSequenceNumberSet builds a set anchored at base containing the
// given sequence numbers. Numbers outside [base, base+255] are ignored.
func NewSequenceNumberSet(base SequenceNumber, members []SequenceNumber) SequenceNumberSet {
	s := SequenceNumberSet{Base: base}
	for _, sn := range members {
		s.Insert(sn)
	}
	return s
}

// Insert adds a sequence number to the set if it is representable.
func (s *SequenceNumberSet) Insert(sn SequenceNumber) {
	if sn < s.Base {
		return
	}
	offset := uint32(sn - s.Base)
	if offset >= maxBitmapBits {
		return
	}
	word := offset / 32
	for uint32(len(s.Bitmap)) <= word {
		s.Bitmap = append(s.Bitmap, 0)
	}
	s.Bitmap[word] |= 1 << (31 - offset%32)
	if offset+1 > s.NumBits {
		s.NumBits = offset + 1
	}
}

// Contains reports whether the set holds the given sequence number.
func (s SequenceNumberSet) Contains(sn SequenceNumber) bool {
	if sn < s.Base {
		return false
	}
	offset := uint32(sn - s.Base)
	if offset >= s.NumBits {
		return false
	}
	word := offset / 32
	if word >= uint32(len(s.Bitmap)) {
		return false
	}
	return s.Bitmap[word]&(1<<(31-offset%32)) != 0
}

// Members returns the sequence numbers present in the set, ascending.
func (s SequenceNumberSet) Members() []SequenceNumber {
	var out []SequenceNumber
	for i := uint32(0); i < s.NumBits; i++ {
		word := i / 32
		if word < uint32(len(s.Bitmap)) && s.Bitmap[word]&(1<<(31-i%32)) != 0 {
			out = append(out, s.Base+SequenceNumber(i))
		}
	}
	return out
}

// IsEmpty reports whether no bit is set.
func (s SequenceNumberSet) IsEmpty() bool {
	for _, w := range s.Bitmap {
		if w != 0 {
			return false
		}
	}
	return true
}

// ============================================================================
// Fragment Numbers
// ============================================================================

// FragmentNumber counts fragments of one data sample, starting at 1.
type FragmentNumber uint32

// FragmentNumberSet mirrors SequenceNumberSet for fragment numbers.
type FragmentNumberSet struct {
	Base    FragmentNumber
	NumBits uint32
	Bitmap  []uint32
}

// Insert adds a fragment number to the set if it is representable.
func (s *FragmentNumberSet) Insert(fn FragmentNumber) {
	if fn < s.Base {
		return
	}
	offset := uint32(fn - s.Base)
	if offset >= maxBitmapBits {
		return
	}
	word := offset / 32
	for uint32(len(s.Bitmap)) <= word {
		s.Bitmap = append(s.Bitmap, 0)
	}
	s.Bitmap[word] |= 1 << (31 - offset%32)
	if offset+1 > s.NumBits {
		s.NumBits = offset + 1
	}
}

// Members returns the fragment numbers present in the set, ascending.
func (s FragmentNumberSet) Members() []FragmentNumber {
	var out []FragmentNumber
	for i := uint32(0); i < s.NumBits; i++ {
		word := i / 32
		if word < uint32(len(s.Bitmap)) && s.Bitmap[word]&(1<<(31-i%32)) != 0 {
			out = append(out, s.Base+FragmentNumber(i))
		}
	}
	return out
}

// ============================================================================
// Time
// ============================================================================

// Time is the RTPS wire timestamp: seconds plus a 2^-32 fraction.
//
// Per RTPS 2.4 §9.3.2 the fraction unit is 1/2^32 s, not nanoseconds;
// conversions go through TimeFromNanos/Nanos.
type Time struct {
	Seconds  int32
	Fraction uint32
}

// TimeInvalid is the reserved invalid timestamp.
var TimeInvalid = Time{Seconds: -1, Fraction: 0xffffffff}

// TimeFromNanos builds a wire timestamp from (sec, nanosec).
func TimeFromNanos(sec int32, nanosec uint32) Time {
	// fraction = nanosec * 2^32 / 10^9, in 64-bit to avoid overflow
	frac := uint32((uint64(nanosec) << 32) / 1_000_000_000)
	return Time{Seconds: sec, Fraction: frac}
}

// Nanos converts the wire timestamp back to (sec, nanosec).
func (t Time) Nanos() (sec int32, nanosec uint32) {
	ns := (uint64(t.Fraction) * 1_000_000_000) >> 32
	return t.Seconds, uint32(ns)
}

// ============================================================================
// Locators
// ============================================================================

// Locator kinds (RTPS 2.4 §9.3.2).
const (
	LocatorKindInvalid int32 = -1
	LocatorKindUDPv4   int32 = 1
	LocatorKindUDPv6   int32 = 2
)

// Locator identifies a network destination as (kind, port, address).
// UDPv4 addresses occupy the last 4 octets of the 16-octet address.
type Locator struct {
	Kind    int32
	Port    uint32
	Address [16]byte
}

// LocatorInvalid is the reserved invalid locator.
var LocatorInvalid = Locator{Kind: LocatorKindInvalid}

// NewUDPv4Locator builds a UDPv4 locator from a dotted-quad address.
func NewUDPv4Locator(port uint32, a, b, c, d byte) Locator {
	var addr [16]byte
	addr[12], addr[13], addr[14], addr[15] = a, b, c, d
	return Locator{Kind: LocatorKindUDPv4, Port: port, Address: addr}
}

// String renders the locator for logs.
func (l Locator) String() string {
	if l.Kind == LocatorKindUDPv4 {
		return fmt.Sprintf("udpv4://%d.%d.%d.%d:%d",
			l.Address[12], l.Address[13], l.Address[14], l.Address[15], l.Port)
	}
	return fmt.Sprintf("locator(kind=%d,port=%d)", l.Kind, l.Port)
}
