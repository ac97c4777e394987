package rtps

// ============================================================================
// Parameter Lists
// ============================================================================

// Well-known parameter ids (RTPS 2.4 Table 9.13 and DDS-RTPS mapping).
// The discovery payloads and inline QoS are parameter lists keyed by
// these ids.
const (
	PidPad                          uint16 = 0x0000
	PidSentinel                     uint16 = 0x0001
	PidUserData                     uint16 = 0x002c
	PidTopicName                    uint16 = 0x0005
	PidTypeName                     uint16 = 0x0007
	PidDurability                   uint16 = 0x001d
	PidDurabilityService            uint16 = 0x001e
	PidDeadline                     uint16 = 0x0023
	PidLatencyBudget                uint16 = 0x0027
	PidLiveliness                   uint16 = 0x001b
	PidReliability                  uint16 = 0x001a
	PidLifespan                     uint16 = 0x002b
	PidDestinationOrder             uint16 = 0x0025
	PidHistory                      uint16 = 0x0040
	PidResourceLimits               uint16 = 0x0041
	PidOwnership                    uint16 = 0x001f
	PidOwnershipStrength            uint16 = 0x0006
	PidPresentation                 uint16 = 0x0021
	PidPartition                    uint16 = 0x0029
	PidTimeBasedFilter              uint16 = 0x0004
	PidTransportPriority            uint16 = 0x0049
	PidDataRepresentation           uint16 = 0x0073
	PidProtocolVersion              uint16 = 0x0015
	PidVendorId                     uint16 = 0x0016
	PidUnicastLocator               uint16 = 0x002f
	PidMulticastLocator             uint16 = 0x0030
	PidDefaultUnicastLocator        uint16 = 0x0031
	PidDefaultMulticastLocator      uint16 = 0x0048
	PidMetatrafficUnicastLocator    uint16 = 0x0032
	PidMetatrafficMulticastLocator  uint16 = 0x0033
	PidParticipantGuid              uint16 = 0x0050
	PidParticipantLeaseDuration     uint16 = 0x0002
	PidGroupData                    uint16 = 0x002d
	PidTopicData                    uint16 = 0x002e
	PidBuiltinEndpointSet           uint16 = 0x0058
	PidEndpointGuid                 uint16 = 0x005a
	PidKeyHash                      uint16 = 0x0070
	PidStatusInfo                   uint16 = 0x0071
	PidDomainId                     uint16 = 0x000f
	PidDomainTag                    uint16 = 0x4014
	PidExpectsInlineQos             uint16 = 0x0043
	PidParticipantManualLivelinessC uint16 = 0x0034
)

// Parameter is one (pid, value) pair of a parameter list. The value
// octets are already in the submessage's byte order.
type Parameter struct {
	ID    uint16
	Value []byte
}

// ParameterList is an ordered sequence of parameters terminated on the
// wire by PidSentinel.
type ParameterList struct {
	Parameters []Parameter
}

// Add appends a parameter.
func (pl *ParameterList) Add(id uint16, value []byte) {
	pl.Parameters = append(pl.Parameters, Parameter{ID: id, Value: value})
}

// Lookup returns the first parameter with the given id.
func (pl ParameterList) Lookup(id uint16) ([]byte, bool) {
	for _, p := range pl.Parameters {
		if p.ID == id {
			return p.Value, true
		}
	}
	return nil, false
}

// LookupAll returns every value carried under the given id, in order.
// Locator parameters in particular may repeat.
func (pl ParameterList) LookupAll(id uint16) [][]byte {
	var out [][]byte
	for _, p := range pl.Parameters {
		if p.ID == id {
			out = append(out, p.Value)
		}
	}
	return out
}

// IsEmpty reports whether the list carries no parameters.
func (pl ParameterList) IsEmpty() bool { return len(pl.Parameters) == 0 }

// encode writes the list: each parameter as (pid, length, value+pad4),
// then the sentinel. Parameter values are padded to 4-octet alignment
// with the padding included in the declared length, matching what
// every mainstream RTPS implementation emits.
func (pl ParameterList) encode(e *encoder) {
	for _, p := range pl.Parameters {
		padded := (len(p.Value) + 3) &^ 3
		e.writeUint16(p.ID)
		e.writeUint16(uint16(padded))
		e.writeOctets(p.Value)
		for i := len(p.Value); i < padded; i++ {
			e.writeOctet(0)
		}
	}
	e.writeUint16(PidSentinel)
	e.writeUint16(0)
}

// decodeParameterList reads parameters until the sentinel. A list
// running off the end of the buffer, or a parameter with a length
// beyond the remaining octets, is malformed.
func decodeParameterList(d *decoder) (ParameterList, error) {
	var pl ParameterList
	for {
		pid, err := d.readUint16()
		if err != nil {
			return ParameterList{}, err
		}
		length, err := d.readUint16()
		if err != nil {
			return ParameterList{}, err
		}
		if pid == PidSentinel {
			return pl, nil
		}
		value, err := d.readOctets(int(length))
		if err != nil {
			return ParameterList{}, err
		}
		if pid == PidPad {
			continue
		}
		pl.Add(pid, value)
	}
}

// EncodeParameterList serializes a standalone parameter list (with a
// CDR encapsulation header) as used for discovery payloads.
//
// The encapsulation identifier is PL_CDR_LE (0x0003) or PL_CDR_BE
// (0x0002) followed by two option octets.
func EncodeParameterList(pl ParameterList, littleEndian bool) []byte {
	e := newEncoder(orderFor(littleEndian))
	if littleEndian {
		e.writeOctets([]byte{0x00, 0x03, 0x00, 0x00})
	} else {
		e.writeOctets([]byte{0x00, 0x02, 0x00, 0x00})
	}
	pl.encode(e)
	return e.bytes()
}

// DecodeParameterList parses a standalone discovery payload: the
// 4-octet CDR encapsulation header followed by the parameter list.
func DecodeParameterList(buf []byte) (ParameterList, error) {
	if len(buf) < 4 {
		return ParameterList{}, ErrMalformed
	}
	var little bool
	switch {
	case buf[0] == 0x00 && buf[1] == 0x03:
		little = true
	case buf[0] == 0x00 && buf[1] == 0x02:
		little = false
	default:
		return ParameterList{}, ErrMalformed
	}
	d := newDecoder(buf[4:], orderFor(little))
	return decodeParameterList(d)
}
