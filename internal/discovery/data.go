// Package discovery implements SPDP and SEDP: the built-in discovery
// data types with their parameter-list codecs, and the engine that
// announces local endpoints, ingests remote ones and drives the
// match/unmatch of user endpoints.
//
// The built-in endpoints are ordinary writers and readers from
// internal/endpoint; discovery rides the same reliability machinery as
// user traffic.
package discovery

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/marmos91/dittodds/internal/protocol/rtps"
	"github.com/marmos91/dittodds/pkg/dds"
	"github.com/marmos91/dittodds/pkg/qos"
)

// ============================================================================
// Built-in Topic Names
// ============================================================================

const (
	ParticipantTopic  = "DCPSParticipant"
	PublicationTopic  = "DCPSPublication"
	SubscriptionTopic = "DCPSSubscription"
	TopicTopic        = "DCPSTopic"
)

// Builtin endpoint set bits (RTPS 2.4 §8.5.4.3).
const (
	BuiltinParticipantAnnouncer  uint32 = 1 << 0
	BuiltinParticipantDetector   uint32 = 1 << 1
	BuiltinPublicationsAnnouncer uint32 = 1 << 2
	BuiltinPublicationsDetector  uint32 = 1 << 3
	BuiltinSubscriptionsAnnouncer uint32 = 1 << 4
	BuiltinSubscriptionsDetector  uint32 = 1 << 5
	BuiltinTopicsAnnouncer        uint32 = 1 << 6
	BuiltinTopicsDetector         uint32 = 1 << 7
)

// ============================================================================
// Discovered Data Types
// ============================================================================

// ParticipantData is the SPDP payload describing one participant.
type ParticipantData struct {
	DomainId             uint32
	DomainTag            string
	Guid                 rtps.Guid
	ProtocolVersion      rtps.ProtocolVersion
	VendorId             rtps.VendorId
	ExpectsInlineQos     bool
	MetatrafficUnicast   []rtps.Locator
	MetatrafficMulticast []rtps.Locator
	DefaultUnicast       []rtps.Locator
	DefaultMulticast     []rtps.Locator
	AvailableBuiltins    uint32
	LeaseDuration        time.Duration
}

// WriterData is the SEDP payload describing one data writer.
type WriterData struct {
	Guid              rtps.Guid
	ParticipantGuid   rtps.Guid
	TopicName         string
	TypeName          string
	UnicastLocators   []rtps.Locator
	MulticastLocators []rtps.Locator

	Durability        qos.Durability
	Deadline          qos.Deadline
	LatencyBudget     qos.LatencyBudget
	Liveliness        qos.Liveliness
	Reliability       qos.Reliability
	Lifespan          qos.Lifespan
	DestinationOrder  qos.DestinationOrder
	Ownership         qos.Ownership
	OwnershipStrength qos.OwnershipStrength
	Presentation      qos.Presentation
	Partition         qos.Partition
}

// ReaderData is the SEDP payload describing one data reader.
type ReaderData struct {
	Guid              rtps.Guid
	ParticipantGuid   rtps.Guid
	TopicName         string
	TypeName          string
	ExpectsInlineQos  bool
	UnicastLocators   []rtps.Locator
	MulticastLocators []rtps.Locator

	Durability       qos.Durability
	Deadline         qos.Deadline
	LatencyBudget    qos.LatencyBudget
	Liveliness       qos.Liveliness
	Reliability      qos.Reliability
	DestinationOrder qos.DestinationOrder
	Ownership        qos.Ownership
	TimeBasedFilter  qos.TimeBasedFilter
	Presentation     qos.Presentation
	Partition        qos.Partition
}

// TopicData is the SEDP payload describing one topic.
type TopicData struct {
	Name             string
	TypeName         string
	Durability       qos.Durability
	Deadline         qos.Deadline
	Reliability      qos.Reliability
	DestinationOrder qos.DestinationOrder
	Ownership        qos.Ownership
	History          qos.History
}

// ============================================================================
// Primitive Codecs (little-endian CDR inside PL_CDR_LE payloads)
// ============================================================================

// wire reliability kinds are offset by one from the API enumeration.
const wireReliabilityOffset = 1

func putU32(v uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, v)
}

func getU32(b []byte) (uint32, error) {
	if len(b) < 4 {
		return 0, rtps.ErrMalformed
	}
	return binary.LittleEndian.Uint32(b), nil
}

func putI32(v int32) []byte { return putU32(uint32(v)) }

func getI32(b []byte) (int32, error) {
	v, err := getU32(b)
	return int32(v), err
}

// putDuration encodes a Duration_t (sec + 2^-32 fraction).
func putDuration(d time.Duration) []byte {
	out := make([]byte, 8)
	if d == dds.DurationInfinite {
		binary.LittleEndian.PutUint32(out[:4], 0x7fffffff)
		binary.LittleEndian.PutUint32(out[4:], 0xffffffff)
		return out
	}
	sec := int32(d / time.Second)
	ns := uint64(d % time.Second)
	binary.LittleEndian.PutUint32(out[:4], uint32(sec))
	binary.LittleEndian.PutUint32(out[4:], uint32((ns<<32)/1_000_000_000))
	return out
}

func getDuration(b []byte) (time.Duration, error) {
	if len(b) < 8 {
		return 0, rtps.ErrMalformed
	}
	sec := int32(binary.LittleEndian.Uint32(b[:4]))
	frac := binary.LittleEndian.Uint32(b[4:8])
	if sec == 0x7fffffff && frac == 0xffffffff {
		return dds.DurationInfinite, nil
	}
	ns := (uint64(frac)*1_000_000_000 + 1<<31) >> 32
	return time.Duration(sec)*time.Second + time.Duration(ns), nil
}

// putString encodes a CDR string: length including the terminator,
// bytes, NUL.
func putString(s string) []byte {
	out := binary.LittleEndian.AppendUint32(nil, uint32(len(s)+1))
	out = append(out, s...)
	return append(out, 0)
}

func getString(b []byte) (string, error) {
	n, err := getU32(b)
	if err != nil || n == 0 || len(b) < 4+int(n) {
		return "", rtps.ErrMalformed
	}
	return string(b[4 : 4+n-1]), nil
}

// putLocator encodes a Locator_t: kind, port, 16-octet address.
func putLocator(l rtps.Locator) []byte {
	out := binary.LittleEndian.AppendUint32(nil, uint32(l.Kind))
	out = binary.LittleEndian.AppendUint32(out, l.Port)
	return append(out, l.Address[:]...)
}

func getLocator(b []byte) (rtps.Locator, error) {
	if len(b) < 24 {
		return rtps.Locator{}, rtps.ErrMalformed
	}
	l := rtps.Locator{
		Kind: int32(binary.LittleEndian.Uint32(b[:4])),
		Port: binary.LittleEndian.Uint32(b[4:8]),
	}
	copy(l.Address[:], b[8:24])
	return l, nil
}

func putGuid(g rtps.Guid) []byte {
	b := g.Bytes()
	return b[:]
}

func getGuid(b []byte) (rtps.Guid, error) {
	if len(b) < 16 {
		return rtps.Guid{}, rtps.ErrMalformed
	}
	var raw [16]byte
	copy(raw[:], b)
	return rtps.GuidFromBytes(raw), nil
}

// putPartition encodes a string sequence.
func putPartition(p qos.Partition) []byte {
	out := binary.LittleEndian.AppendUint32(nil, uint32(len(p.Names)))
	for _, n := range p.Names {
		s := putString(n)
		out = append(out, s...)
		for len(out)%4 != 0 {
			out = append(out, 0)
		}
	}
	return out
}

func getPartition(b []byte) (qos.Partition, error) {
	count, err := getU32(b)
	if err != nil {
		return qos.Partition{}, err
	}
	var p qos.Partition
	off := 4
	for i := uint32(0); i < count; i++ {
		if off >= len(b) {
			return qos.Partition{}, rtps.ErrMalformed
		}
		s, err := getString(b[off:])
		if err != nil {
			return qos.Partition{}, err
		}
		p.Names = append(p.Names, s)
		off += 4 + len(s) + 1
		off = (off + 3) &^ 3
	}
	return p, nil
}

// ============================================================================
// Participant Data Codec
// ============================================================================

// Encode serializes the participant data into an SPDP payload.
func (d *ParticipantData) Encode() []byte {
	var pl rtps.ParameterList
	pl.Add(rtps.PidDomainId, putU32(d.DomainId))
	if d.DomainTag != "" {
		pl.Add(rtps.PidDomainTag, putString(d.DomainTag))
	}
	pl.Add(rtps.PidProtocolVersion, []byte{d.ProtocolVersion.Major, d.ProtocolVersion.Minor, 0, 0})
	pl.Add(rtps.PidVendorId, []byte{d.VendorId[0], d.VendorId[1], 0, 0})
	pl.Add(rtps.PidParticipantGuid, putGuid(d.Guid))
	if d.ExpectsInlineQos {
		pl.Add(rtps.PidExpectsInlineQos, []byte{1, 0, 0, 0})
	}
	for _, l := range d.MetatrafficUnicast {
		pl.Add(rtps.PidMetatrafficUnicastLocator, putLocator(l))
	}
	for _, l := range d.MetatrafficMulticast {
		pl.Add(rtps.PidMetatrafficMulticastLocator, putLocator(l))
	}
	for _, l := range d.DefaultUnicast {
		pl.Add(rtps.PidDefaultUnicastLocator, putLocator(l))
	}
	for _, l := range d.DefaultMulticast {
		pl.Add(rtps.PidDefaultMulticastLocator, putLocator(l))
	}
	pl.Add(rtps.PidBuiltinEndpointSet, putU32(d.AvailableBuiltins))
	pl.Add(rtps.PidParticipantLeaseDuration, putDuration(d.LeaseDuration))
	return rtps.EncodeParameterList(pl, true)
}

// DecodeParticipantData parses an SPDP payload.
func DecodeParticipantData(payload []byte) (*ParticipantData, error) {
	pl, err := rtps.DecodeParameterList(payload)
	if err != nil {
		return nil, err
	}
	d := &ParticipantData{LeaseDuration: 100 * time.Second}
	guidSeen := false
	for _, p := range pl.Parameters {
		switch p.ID {
		case rtps.PidDomainId:
			if d.DomainId, err = getU32(p.Value); err != nil {
				return nil, err
			}
		case rtps.PidDomainTag:
			if d.DomainTag, err = getString(p.Value); err != nil {
				return nil, err
			}
		case rtps.PidProtocolVersion:
			if len(p.Value) < 2 {
				return nil, rtps.ErrMalformed
			}
			d.ProtocolVersion = rtps.ProtocolVersion{Major: p.Value[0], Minor: p.Value[1]}
		case rtps.PidVendorId:
			if len(p.Value) < 2 {
				return nil, rtps.ErrMalformed
			}
			d.VendorId = rtps.VendorId{p.Value[0], p.Value[1]}
		case rtps.PidParticipantGuid:
			if d.Guid, err = getGuid(p.Value); err != nil {
				return nil, err
			}
			guidSeen = true
		case rtps.PidExpectsInlineQos:
			d.ExpectsInlineQos = len(p.Value) > 0 && p.Value[0] != 0
		case rtps.PidMetatrafficUnicastLocator:
			l, err := getLocator(p.Value)
			if err != nil {
				return nil, err
			}
			d.MetatrafficUnicast = append(d.MetatrafficUnicast, l)
		case rtps.PidMetatrafficMulticastLocator:
			l, err := getLocator(p.Value)
			if err != nil {
				return nil, err
			}
			d.MetatrafficMulticast = append(d.MetatrafficMulticast, l)
		case rtps.PidDefaultUnicastLocator:
			l, err := getLocator(p.Value)
			if err != nil {
				return nil, err
			}
			d.DefaultUnicast = append(d.DefaultUnicast, l)
		case rtps.PidDefaultMulticastLocator:
			l, err := getLocator(p.Value)
			if err != nil {
				return nil, err
			}
			d.DefaultMulticast = append(d.DefaultMulticast, l)
		case rtps.PidBuiltinEndpointSet:
			if d.AvailableBuiltins, err = getU32(p.Value); err != nil {
				return nil, err
			}
		case rtps.PidParticipantLeaseDuration:
			if d.LeaseDuration, err = getDuration(p.Value); err != nil {
				return nil, err
			}
		}
	}
	if !guidSeen {
		return nil, fmt.Errorf("participant data without GUID: %w", rtps.ErrMalformed)
	}
	return d, nil
}

// ============================================================================
// Writer Data Codec
// ============================================================================

// Encode serializes the writer data into an SEDP publication payload.
// Policies equal to their defaults are elided.
func (d *WriterData) Encode() []byte {
	def := qos.DefaultDataWriterQos()

	var pl rtps.ParameterList
	pl.Add(rtps.PidEndpointGuid, putGuid(d.Guid))
	pl.Add(rtps.PidParticipantGuid, putGuid(d.ParticipantGuid))
	pl.Add(rtps.PidTopicName, putString(d.TopicName))
	pl.Add(rtps.PidTypeName, putString(d.TypeName))
	for _, l := range d.UnicastLocators {
		pl.Add(rtps.PidUnicastLocator, putLocator(l))
	}
	for _, l := range d.MulticastLocators {
		pl.Add(rtps.PidMulticastLocator, putLocator(l))
	}
	if d.Durability != def.Durability {
		pl.Add(rtps.PidDurability, putI32(int32(d.Durability.Kind)))
	}
	if d.Deadline != def.Deadline {
		pl.Add(rtps.PidDeadline, putDuration(d.Deadline.Period))
	}
	if d.LatencyBudget != def.LatencyBudget {
		pl.Add(rtps.PidLatencyBudget, putDuration(d.LatencyBudget.Duration))
	}
	if d.Liveliness != def.Liveliness {
		pl.Add(rtps.PidLiveliness, append(putI32(int32(d.Liveliness.Kind)), putDuration(d.Liveliness.LeaseDuration)...))
	}
	// Reliability is never elided: the SEDP default (reliable) differs
	// from the reader-side default and ambiguity here breaks matching.
	pl.Add(rtps.PidReliability, append(putI32(int32(d.Reliability.Kind)+wireReliabilityOffset), putDuration(d.Reliability.MaxBlockingTime)...))
	if d.Lifespan != def.Lifespan {
		pl.Add(rtps.PidLifespan, putDuration(d.Lifespan.Duration))
	}
	if d.DestinationOrder != def.DestinationOrder {
		pl.Add(rtps.PidDestinationOrder, putI32(int32(d.DestinationOrder.Kind)))
	}
	if d.Ownership != def.Ownership {
		pl.Add(rtps.PidOwnership, putI32(int32(d.Ownership.Kind)))
	}
	if d.OwnershipStrength != def.OwnershipStrength {
		pl.Add(rtps.PidOwnershipStrength, putI32(d.OwnershipStrength.Value))
	}
	if d.Presentation != (qos.Presentation{}) {
		pl.Add(rtps.PidPresentation, encodePresentation(d.Presentation))
	}
	if len(d.Partition.Names) > 0 {
		pl.Add(rtps.PidPartition, putPartition(d.Partition))
	}
	return rtps.EncodeParameterList(pl, true)
}

// DecodeWriterData parses an SEDP publication payload.
func DecodeWriterData(payload []byte) (*WriterData, error) {
	pl, err := rtps.DecodeParameterList(payload)
	if err != nil {
		return nil, err
	}
	def := qos.DefaultDataWriterQos()
	d := &WriterData{
		Durability:       def.Durability,
		Deadline:         def.Deadline,
		LatencyBudget:    def.LatencyBudget,
		Liveliness:       def.Liveliness,
		Reliability:      def.Reliability,
		Lifespan:         def.Lifespan,
		DestinationOrder: def.DestinationOrder,
		Ownership:        def.Ownership,
	}
	guidSeen := false
	for _, p := range pl.Parameters {
		switch p.ID {
		case rtps.PidEndpointGuid:
			if d.Guid, err = getGuid(p.Value); err != nil {
				return nil, err
			}
			guidSeen = true
		case rtps.PidParticipantGuid:
			if d.ParticipantGuid, err = getGuid(p.Value); err != nil {
				return nil, err
			}
		case rtps.PidTopicName:
			if d.TopicName, err = getString(p.Value); err != nil {
				return nil, err
			}
		case rtps.PidTypeName:
			if d.TypeName, err = getString(p.Value); err != nil {
				return nil, err
			}
		case rtps.PidUnicastLocator:
			l, err := getLocator(p.Value)
			if err != nil {
				return nil, err
			}
			d.UnicastLocators = append(d.UnicastLocators, l)
		case rtps.PidMulticastLocator:
			l, err := getLocator(p.Value)
			if err != nil {
				return nil, err
			}
			d.MulticastLocators = append(d.MulticastLocators, l)
		case rtps.PidDurability:
			k, err := getI32(p.Value)
			if err != nil {
				return nil, err
			}
			d.Durability.Kind = qos.DurabilityKind(k)
		case rtps.PidDeadline:
			if d.Deadline.Period, err = getDuration(p.Value); err != nil {
				return nil, err
			}
		case rtps.PidLatencyBudget:
			if d.LatencyBudget.Duration, err = getDuration(p.Value); err != nil {
				return nil, err
			}
		case rtps.PidLiveliness:
			if len(p.Value) < 12 {
				return nil, rtps.ErrMalformed
			}
			k, _ := getI32(p.Value)
			d.Liveliness.Kind = qos.LivelinessKind(k)
			if d.Liveliness.LeaseDuration, err = getDuration(p.Value[4:]); err != nil {
				return nil, err
			}
		case rtps.PidReliability:
			if len(p.Value) < 12 {
				return nil, rtps.ErrMalformed
			}
			k, _ := getI32(p.Value)
			d.Reliability.Kind = qos.ReliabilityKind(k - wireReliabilityOffset)
			if d.Reliability.MaxBlockingTime, err = getDuration(p.Value[4:]); err != nil {
				return nil, err
			}
		case rtps.PidLifespan:
			if d.Lifespan.Duration, err = getDuration(p.Value); err != nil {
				return nil, err
			}
		case rtps.PidDestinationOrder:
			k, err := getI32(p.Value)
			if err != nil {
				return nil, err
			}
			d.DestinationOrder.Kind = qos.DestinationOrderKind(k)
		case rtps.PidOwnership:
			k, err := getI32(p.Value)
			if err != nil {
				return nil, err
			}
			d.Ownership.Kind = qos.OwnershipKind(k)
		case rtps.PidOwnershipStrength:
			if d.OwnershipStrength.Value, err = getI32(p.Value); err != nil {
				return nil, err
			}
		case rtps.PidPresentation:
			if d.Presentation, err = decodePresentation(p.Value); err != nil {
				return nil, err
			}
		case rtps.PidPartition:
			if d.Partition, err = getPartition(p.Value); err != nil {
				return nil, err
			}
		}
	}
	if !guidSeen || d.TopicName == "" {
		return nil, fmt.Errorf("writer data missing GUID or topic: %w", rtps.ErrMalformed)
	}
	return d, nil
}

// ============================================================================
// Reader Data Codec
// ============================================================================

// Encode serializes the reader data into an SEDP subscription payload.
func (d *ReaderData) Encode() []byte {
	def := qos.DefaultDataReaderQos()

	var pl rtps.ParameterList
	pl.Add(rtps.PidEndpointGuid, putGuid(d.Guid))
	pl.Add(rtps.PidParticipantGuid, putGuid(d.ParticipantGuid))
	pl.Add(rtps.PidTopicName, putString(d.TopicName))
	pl.Add(rtps.PidTypeName, putString(d.TypeName))
	if d.ExpectsInlineQos {
		pl.Add(rtps.PidExpectsInlineQos, []byte{1, 0, 0, 0})
	}
	for _, l := range d.UnicastLocators {
		pl.Add(rtps.PidUnicastLocator, putLocator(l))
	}
	for _, l := range d.MulticastLocators {
		pl.Add(rtps.PidMulticastLocator, putLocator(l))
	}
	if d.Durability != def.Durability {
		pl.Add(rtps.PidDurability, putI32(int32(d.Durability.Kind)))
	}
	if d.Deadline != def.Deadline {
		pl.Add(rtps.PidDeadline, putDuration(d.Deadline.Period))
	}
	if d.LatencyBudget != def.LatencyBudget {
		pl.Add(rtps.PidLatencyBudget, putDuration(d.LatencyBudget.Duration))
	}
	if d.Liveliness != def.Liveliness {
		pl.Add(rtps.PidLiveliness, append(putI32(int32(d.Liveliness.Kind)), putDuration(d.Liveliness.LeaseDuration)...))
	}
	pl.Add(rtps.PidReliability, append(putI32(int32(d.Reliability.Kind)+wireReliabilityOffset), putDuration(d.Reliability.MaxBlockingTime)...))
	if d.DestinationOrder != def.DestinationOrder {
		pl.Add(rtps.PidDestinationOrder, putI32(int32(d.DestinationOrder.Kind)))
	}
	if d.Ownership != def.Ownership {
		pl.Add(rtps.PidOwnership, putI32(int32(d.Ownership.Kind)))
	}
	if d.TimeBasedFilter != def.TimeBasedFilter {
		pl.Add(rtps.PidTimeBasedFilter, putDuration(d.TimeBasedFilter.MinimumSeparation))
	}
	if d.Presentation != (qos.Presentation{}) {
		pl.Add(rtps.PidPresentation, encodePresentation(d.Presentation))
	}
	if len(d.Partition.Names) > 0 {
		pl.Add(rtps.PidPartition, putPartition(d.Partition))
	}
	return rtps.EncodeParameterList(pl, true)
}

// DecodeReaderData parses an SEDP subscription payload.
func DecodeReaderData(payload []byte) (*ReaderData, error) {
	pl, err := rtps.DecodeParameterList(payload)
	if err != nil {
		return nil, err
	}
	def := qos.DefaultDataReaderQos()
	d := &ReaderData{
		Durability:       def.Durability,
		Deadline:         def.Deadline,
		LatencyBudget:    def.LatencyBudget,
		Liveliness:       def.Liveliness,
		Reliability:      def.Reliability,
		DestinationOrder: def.DestinationOrder,
		Ownership:        def.Ownership,
		TimeBasedFilter:  def.TimeBasedFilter,
	}
	guidSeen := false
	for _, p := range pl.Parameters {
		switch p.ID {
		case rtps.PidEndpointGuid:
			if d.Guid, err = getGuid(p.Value); err != nil {
				return nil, err
			}
			guidSeen = true
		case rtps.PidParticipantGuid:
			if d.ParticipantGuid, err = getGuid(p.Value); err != nil {
				return nil, err
			}
		case rtps.PidTopicName:
			if d.TopicName, err = getString(p.Value); err != nil {
				return nil, err
			}
		case rtps.PidTypeName:
			if d.TypeName, err = getString(p.Value); err != nil {
				return nil, err
			}
		case rtps.PidExpectsInlineQos:
			d.ExpectsInlineQos = len(p.Value) > 0 && p.Value[0] != 0
		case rtps.PidUnicastLocator:
			l, err := getLocator(p.Value)
			if err != nil {
				return nil, err
			}
			d.UnicastLocators = append(d.UnicastLocators, l)
		case rtps.PidMulticastLocator:
			l, err := getLocator(p.Value)
			if err != nil {
				return nil, err
			}
			d.MulticastLocators = append(d.MulticastLocators, l)
		case rtps.PidDurability:
			k, err := getI32(p.Value)
			if err != nil {
				return nil, err
			}
			d.Durability.Kind = qos.DurabilityKind(k)
		case rtps.PidDeadline:
			if d.Deadline.Period, err = getDuration(p.Value); err != nil {
				return nil, err
			}
		case rtps.PidLatencyBudget:
			if d.LatencyBudget.Duration, err = getDuration(p.Value); err != nil {
				return nil, err
			}
		case rtps.PidLiveliness:
			if len(p.Value) < 12 {
				return nil, rtps.ErrMalformed
			}
			k, _ := getI32(p.Value)
			d.Liveliness.Kind = qos.LivelinessKind(k)
			if d.Liveliness.LeaseDuration, err = getDuration(p.Value[4:]); err != nil {
				return nil, err
			}
		case rtps.PidReliability:
			if len(p.Value) < 12 {
				return nil, rtps.ErrMalformed
			}
			k, _ := getI32(p.Value)
			d.Reliability.Kind = qos.ReliabilityKind(k - wireReliabilityOffset)
			if d.Reliability.MaxBlockingTime, err = getDuration(p.Value[4:]); err != nil {
				return nil, err
			}
		case rtps.PidDestinationOrder:
			k, err := getI32(p.Value)
			if err != nil {
				return nil, err
			}
			d.DestinationOrder.Kind = qos.DestinationOrderKind(k)
		case rtps.PidOwnership:
			k, err := getI32(p.Value)
			if err != nil {
				return nil, err
			}
			d.Ownership.Kind = qos.OwnershipKind(k)
		case rtps.PidTimeBasedFilter:
			if d.TimeBasedFilter.MinimumSeparation, err = getDuration(p.Value); err != nil {
				return nil, err
			}
		case rtps.PidPresentation:
			if d.Presentation, err = decodePresentation(p.Value); err != nil {
				return nil, err
			}
		case rtps.PidPartition:
			if d.Partition, err = getPartition(p.Value); err != nil {
				return nil, err
			}
		}
	}
	if !guidSeen || d.TopicName == "" {
		return nil, fmt.Errorf("reader data missing GUID or topic: %w", rtps.ErrMalformed)
	}
	return d, nil
}

// ============================================================================
// Topic Data Codec
// ============================================================================

// Encode serializes the topic data into an SEDP topic payload.
func (d *TopicData) Encode() []byte {
	var pl rtps.ParameterList
	pl.Add(rtps.PidTopicName, putString(d.Name))
	pl.Add(rtps.PidTypeName, putString(d.TypeName))
	pl.Add(rtps.PidDurability, putI32(int32(d.Durability.Kind)))
	pl.Add(rtps.PidDeadline, putDuration(d.Deadline.Period))
	pl.Add(rtps.PidReliability, append(putI32(int32(d.Reliability.Kind)+wireReliabilityOffset), putDuration(d.Reliability.MaxBlockingTime)...))
	pl.Add(rtps.PidDestinationOrder, putI32(int32(d.DestinationOrder.Kind)))
	pl.Add(rtps.PidOwnership, putI32(int32(d.Ownership.Kind)))
	pl.Add(rtps.PidHistory, append(putI32(int32(d.History.Kind)), putI32(d.History.Depth)...))
	return rtps.EncodeParameterList(pl, true)
}

// DecodeTopicData parses an SEDP topic payload.
func DecodeTopicData(payload []byte) (*TopicData, error) {
	pl, err := rtps.DecodeParameterList(payload)
	if err != nil {
		return nil, err
	}
	d := &TopicData{}
	for _, p := range pl.Parameters {
		switch p.ID {
		case rtps.PidTopicName:
			if d.Name, err = getString(p.Value); err != nil {
				return nil, err
			}
		case rtps.PidTypeName:
			if d.TypeName, err = getString(p.Value); err != nil {
				return nil, err
			}
		case rtps.PidDurability:
			k, err := getI32(p.Value)
			if err != nil {
				return nil, err
			}
			d.Durability.Kind = qos.DurabilityKind(k)
		case rtps.PidDeadline:
			if d.Deadline.Period, err = getDuration(p.Value); err != nil {
				return nil, err
			}
		case rtps.PidReliability:
			if len(p.Value) < 12 {
				return nil, rtps.ErrMalformed
			}
			k, _ := getI32(p.Value)
			d.Reliability.Kind = qos.ReliabilityKind(k - wireReliabilityOffset)
			if d.Reliability.MaxBlockingTime, err = getDuration(p.Value[4:]); err != nil {
				return nil, err
			}
		case rtps.PidDestinationOrder:
			k, err := getI32(p.Value)
			if err != nil {
				return nil, err
			}
			d.DestinationOrder.Kind = qos.DestinationOrderKind(k)
		case rtps.PidOwnership:
			k, err := getI32(p.Value)
			if err != nil {
				return nil, err
			}
			d.Ownership.Kind = qos.OwnershipKind(k)
		case rtps.PidHistory:
			if len(p.Value) < 8 {
				return nil, rtps.ErrMalformed
			}
			k, _ := getI32(p.Value)
			depth, _ := getI32(p.Value[4:])
			d.History = qos.History{Kind: qos.HistoryKind(k), Depth: depth}
		}
	}
	if d.Name == "" {
		return nil, fmt.Errorf("topic data without name: %w", rtps.ErrMalformed)
	}
	return d, nil
}

// ============================================================================
// Presentation Codec
// ============================================================================

func encodePresentation(p qos.Presentation) []byte {
	out := putI32(int32(p.AccessScope))
	var coherent, ordered byte
	if p.CoherentAccess {
		coherent = 1
	}
	if p.OrderedAccess {
		ordered = 1
	}
	return append(out, coherent, ordered, 0, 0)
}

func decodePresentation(b []byte) (qos.Presentation, error) {
	if len(b) < 6 {
		return qos.Presentation{}, rtps.ErrMalformed
	}
	scope, err := getI32(b)
	if err != nil {
		return qos.Presentation{}, err
	}
	return qos.Presentation{
		AccessScope:    qos.PresentationAccessScope(scope),
		CoherentAccess: b[4] != 0,
		OrderedAccess:  b[5] != 0,
	}, nil
}
