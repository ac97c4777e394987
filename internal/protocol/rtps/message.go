package rtps

import "fmt"

// ============================================================================
// Message Header
// ============================================================================

// HeaderLength is the fixed size of the RTPS message header.
const HeaderLength = 20

// submessageHeaderLength is the fixed size of every submessage header:
// id (1) + flags (1) + octetsToNextHeader (2).
const submessageHeaderLength = 4

// Header is the fixed 20-octet RTPS message header.
type Header struct {
	Version    ProtocolVersion
	VendorId   VendorId
	GuidPrefix GuidPrefix
}

// NewHeader builds a header for an outgoing message from this stack.
func NewHeader(prefix GuidPrefix) Header {
	return Header{Version: Version24, VendorId: VendorIdDittoDds, GuidPrefix: prefix}
}

// ============================================================================
// Message Encoding
// ============================================================================

// EncodeMessage serializes a header plus an ordered list of submessages
// into one RTPS datagram.
//
// Each submessage body is encoded in the byte order selected by its own
// endianness flag; the submessage header's octetsToNextHeader is filled
// in from the actual body length. Bodies are padded to the mandatory
// 4-octet submessage alignment.
func EncodeMessage(header Header, submessages []Submessage) []byte {
	out := make([]byte, 0, 512)
	out = append(out, ProtocolMagic[:]...)
	out = append(out, header.Version.Major, header.Version.Minor)
	out = append(out, header.VendorId[0], header.VendorId[1])
	out = append(out, header.GuidPrefix[:]...)

	for _, sub := range submessages {
		flags := sub.flags()
		order := orderFor(flags&flagEndianness != 0)
		e := newEncoder(order)
		sub.encodeBody(e)
		e.pad(4)
		body := e.bytes()

		out = append(out, byte(sub.Kind()), flags)
		out = order.AppendUint16(out, uint16(len(body)))
		out = append(out, body...)
	}
	return out
}

// ============================================================================
// Message Decoding
// ============================================================================

// MessageReader iterates over the submessages of one decoded RTPS
// message. Submessage views borrow the inbound buffer and are only
// valid for the current processing pass.
type MessageReader struct {
	Header Header

	buf []byte
	off int
}

// DecodeMessage validates the RTPS header and returns a reader over the
// message's submessages.
//
// Returns ErrMalformed when the buffer is shorter than a header or the
// magic does not match.
func DecodeMessage(buf []byte) (*MessageReader, error) {
	if len(buf) < HeaderLength {
		return nil, fmt.Errorf("message of %d octets: %w", len(buf), ErrMalformed)
	}
	if buf[0] != ProtocolMagic[0] || buf[1] != ProtocolMagic[1] ||
		buf[2] != ProtocolMagic[2] || buf[3] != ProtocolMagic[3] {
		return nil, fmt.Errorf("bad protocol magic: %w", ErrMalformed)
	}
	r := &MessageReader{off: HeaderLength, buf: buf}
	r.Header.Version = ProtocolVersion{Major: buf[4], Minor: buf[5]}
	r.Header.VendorId = VendorId{buf[6], buf[7]}
	copy(r.Header.GuidPrefix[:], buf[8:20])
	return r, nil
}

// Next returns the next submessage, or (nil, nil) at end of message.
//
// Unknown submessage kinds are skipped using their declared
// octetsToNextHeader, per RTPS 2.4 §8.3.4.1. A submessage that cannot
// be skipped or parsed yields ErrMalformed, which discards the rest of
// the message (submessage boundaries can no longer be trusted).
func (r *MessageReader) Next() (Submessage, error) {
	for {
		if r.off >= len(r.buf) {
			return nil, nil
		}
		if len(r.buf)-r.off < submessageHeaderLength {
			return nil, fmt.Errorf("trailing %d octets: %w", len(r.buf)-r.off, ErrMalformed)
		}
		kind := SubmessageKind(r.buf[r.off])
		flags := r.buf[r.off+1]
		order := orderFor(flags&flagEndianness != 0)
		length := int(order.Uint16(r.buf[r.off+2 : r.off+4]))
		bodyStart := r.off + submessageHeaderLength

		// octetsToNextHeader == 0 on the last submessage means "extends
		// to the end of the message" for payload-bearing kinds.
		bodyEnd := bodyStart + length
		if length == 0 && (kind == KindData || kind == KindDataFrag) {
			bodyEnd = len(r.buf)
		}
		if bodyEnd > len(r.buf) {
			return nil, fmt.Errorf("submessage 0x%02x truncated: %w", byte(kind), ErrMalformed)
		}
		body := r.buf[bodyStart:bodyEnd]
		r.off = bodyEnd

		var (
			sub Submessage
			err error
		)
		switch kind {
		case KindData:
			sub, err = decodeData(body, flags)
		case KindDataFrag:
			sub, err = decodeDataFrag(body, flags)
		case KindGap:
			sub, err = decodeGap(body, flags)
		case KindHeartbeat:
			sub, err = decodeHeartbeat(body, flags)
		case KindAckNack:
			sub, err = decodeAckNack(body, flags)
		case KindNackFrag:
			sub, err = decodeNackFrag(body, flags)
		case KindInfoTimestamp:
			sub, err = decodeInfoTimestamp(body, flags)
		case KindInfoDestination:
			sub, err = decodeInfoDestination(body, flags)
		case KindPad:
			continue
		default:
			// Unknown kind: skip and keep going.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("submessage 0x%02x: %w", byte(kind), err)
		}
		return sub, nil
	}
}
