package participant

// TypeSupport is the serialization collaborator: the core treats user
// payloads as opaque octet sequences plus a serialized key and never
// interprets them.
type TypeSupport interface {
	// TypeName returns the registered type name announced in discovery.
	TypeName() string

	// HasKey reports whether samples of this type carry a key.
	HasKey() bool

	// SerializeSample encodes a sample into its wire payload,
	// including the CDR encapsulation header.
	SerializeSample(sample any) ([]byte, error)

	// SerializeKey encodes just the key fields of a sample.
	SerializeKey(sample any) ([]byte, error)

	// ExtractKeyFromSample recovers the serialized key from a wire
	// payload.
	ExtractKeyFromSample(payload []byte) ([]byte, error)
}

// BytesTypeSupport is the trivial keyless type support for opaque byte
// payloads, used by tools and tests.
type BytesTypeSupport struct {
	Name string
}

// TypeName returns the registered type name.
func (b BytesTypeSupport) TypeName() string {
	if b.Name != "" {
		return b.Name
	}
	return "OctetSequence"
}

// HasKey reports false: byte payloads are keyless.
func (BytesTypeSupport) HasKey() bool { return false }

// SerializeSample passes the bytes through with a CDR_LE encapsulation
// header.
func (BytesTypeSupport) SerializeSample(sample any) ([]byte, error) {
	data, ok := sample.([]byte)
	if !ok {
		return nil, errBadSampleType
	}
	out := make([]byte, 0, len(data)+4)
	out = append(out, 0x00, 0x01, 0x00, 0x00)
	return append(out, data...), nil
}

// SerializeKey returns an empty key.
func (BytesTypeSupport) SerializeKey(any) ([]byte, error) { return nil, nil }

// ExtractKeyFromSample returns an empty key.
func (BytesTypeSupport) ExtractKeyFromSample([]byte) ([]byte, error) { return nil, nil }
