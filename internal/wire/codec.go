package wire

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ErrDecode is wrapped by every decode failure: malformed or truncated
// buffers, wrong major types, unsupported payload shapes, field limits.
// A decode failure never leaves partial state behind.
var ErrDecode = errors.New("malformed message")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	em, err := cbor.EncOptions{}.EncMode()
	if err != nil {
		panic(err)
	}
	encMode = em

	// The format is a flat 9-element array with one nested payload array.
	// Anything deeper, indefinite-length, or tagged is not this protocol.
	dm, err := cbor.DecOptions{
		MaxNestedLevels:  4,
		MaxArrayElements: 16,
		IndefLength:      cbor.IndefLengthForbidden,
		TagsMd:           cbor.TagsForbidden,
	}.DecMode()
	if err != nil {
		panic(err)
	}
	decMode = dm
}

const (
	arrayHdr3 = 0x83
	arrayHdr5 = 0x85
	arrayHdr9 = 0x89
)

// EncodePreMAC serializes every field of m that precedes the mac, in wire
// order, inside the opening 9-element array header. The returned bytes are
// exactly the range the Authenticator signs; AppendMAC completes the
// message.
func EncodePreMAC(m *Message) ([]byte, error) {
	if err := validateForEncode(m); err != nil {
		return nil, err
	}
	buf := make([]byte, 0, 96)
	buf = append(buf, arrayHdr9)
	var err error
	if buf, err = appendItem(buf, m.Version); err != nil {
		return nil, err
	}
	if buf, err = appendItem(buf, string(m.Kind)); err != nil {
		return nil, err
	}
	if buf, err = appendItem(buf, uint64(m.Timestamp)); err != nil {
		return nil, err
	}
	if buf, err = appendItem(buf, uint64(m.ExpireTime)); err != nil {
		return nil, err
	}
	if buf, err = appendItem(buf, uint64(m.Origin)); err != nil {
		return nil, err
	}
	if buf, err = appendItem(buf, uint64(m.From)); err != nil {
		return nil, err
	}
	if buf, err = appendItem(buf, m.Nonce[:]); err != nil {
		return nil, err
	}
	switch m.Kind {
	case KindContact:
		buf = append(buf, arrayHdr3)
		if buf, err = appendItem(buf, uint64(m.Contact.NodeA)); err != nil {
			return nil, err
		}
		if buf, err = appendItem(buf, uint64(m.Contact.NodeB)); err != nil {
			return nil, err
		}
		if buf, err = appendItem(buf, uint64(m.Contact.DurationMinutes)); err != nil {
			return nil, err
		}
	case KindMetadata:
		md := m.Metadata
		if md.HasGPS() {
			buf = append(buf, arrayHdr5)
		} else {
			buf = append(buf, arrayHdr3)
		}
		if buf, err = appendItem(buf, uint64(md.NodeID)); err != nil {
			return nil, err
		}
		if buf, err = appendItem(buf, md.Name); err != nil {
			return nil, err
		}
		if buf, err = appendItem(buf, md.Contact); err != nil {
			return nil, err
		}
		if md.HasGPS() {
			if buf, err = appendItem(buf, int64(md.Latitude)); err != nil {
				return nil, err
			}
			if buf, err = appendItem(buf, int64(md.Longitude)); err != nil {
				return nil, err
			}
		}
	}
	return buf, nil
}

// AppendMAC appends the mac byte string, yielding the full wire message.
func AppendMAC(pre []byte, mac [MACSize]byte) ([]byte, error) {
	out, err := appendItem(pre, mac[:])
	if err != nil {
		return nil, err
	}
	if len(out) > MaxMessageSize {
		return nil, fmt.Errorf("encoded message %d bytes exceeds limit %d", len(out), MaxMessageSize)
	}
	return out, nil
}

func appendItem(buf []byte, v any) ([]byte, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode field: %w", err)
	}
	return append(buf, b...), nil
}

func validateForEncode(m *Message) error {
	if m.Version != ProtocolVersion {
		return fmt.Errorf("cannot encode version %d", m.Version)
	}
	if m.Kind != KindContact && m.Kind != KindMetadata {
		return fmt.Errorf("unknown message kind %q", byte(m.Kind))
	}
	if m.Origin == 0 || m.From == 0 {
		return errors.New("origin and from must be nonzero")
	}
	if m.Timestamp < 0 || m.ExpireTime < m.Timestamp {
		return errors.New("expire time precedes timestamp")
	}
	if m.Kind == KindContact {
		if m.Contact.NodeA == 0 || m.Contact.NodeB == 0 {
			return errors.New("contact endpoints must be nonzero")
		}
		return nil
	}
	md := m.Metadata
	if md.NodeID == 0 {
		return errors.New("metadata node id must be nonzero")
	}
	if len(md.Name) > MaxNameLen {
		return fmt.Errorf("metadata name %d bytes exceeds %d", len(md.Name), MaxNameLen)
	}
	if len(md.Contact) > MaxContactLen {
		return fmt.Errorf("metadata contact %d bytes exceeds %d", len(md.Contact), MaxContactLen)
	}
	return nil
}

// Decode parses a full wire message. It returns the message plus the exact
// byte offset of the mac field: data[:macOffset] is the authenticated
// range. Every length and major type is checked against the buffer; any
// violation fails with ErrDecode and no partial result.
func Decode(data []byte) (*Message, int, error) {
	if len(data) == 0 {
		return nil, 0, fmt.Errorf("%w: empty buffer", ErrDecode)
	}
	if len(data) > MaxMessageSize {
		return nil, 0, fmt.Errorf("%w: %d bytes exceeds limit %d", ErrDecode, len(data), MaxMessageSize)
	}
	var elems []cbor.RawMessage
	if err := decMode.Unmarshal(data, &elems); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if len(elems) != 9 {
		return nil, 0, fmt.Errorf("%w: expected 9 elements, got %d", ErrDecode, len(elems))
	}

	var m Message
	if err := decodeUint(elems[0], &m.Version); err != nil {
		return nil, 0, fmt.Errorf("%w: version: %v", ErrDecode, err)
	}
	if m.Version != ProtocolVersion {
		return nil, 0, fmt.Errorf("%w: unsupported version %d", ErrDecode, m.Version)
	}
	var tag string
	if err := decMode.Unmarshal(elems[1], &tag); err != nil {
		return nil, 0, fmt.Errorf("%w: kind tag: %v", ErrDecode, err)
	}
	if tag != "c" && tag != "m" {
		return nil, 0, fmt.Errorf("%w: unknown kind tag %q", ErrDecode, tag)
	}
	m.Kind = Kind(tag[0])

	var ts, exp uint64
	if err := decodeUint(elems[2], &ts); err != nil {
		return nil, 0, fmt.Errorf("%w: timestamp: %v", ErrDecode, err)
	}
	if err := decodeUint(elems[3], &exp); err != nil {
		return nil, 0, fmt.Errorf("%w: expire time: %v", ErrDecode, err)
	}
	if exp < ts {
		return nil, 0, fmt.Errorf("%w: expire time precedes timestamp", ErrDecode)
	}
	m.Timestamp = int64(ts)
	m.ExpireTime = int64(exp)

	var origin, from uint64
	if err := decodeUint(elems[4], &origin); err != nil {
		return nil, 0, fmt.Errorf("%w: origin: %v", ErrDecode, err)
	}
	if err := decodeUint(elems[5], &from); err != nil {
		return nil, 0, fmt.Errorf("%w: from: %v", ErrDecode, err)
	}
	if origin == 0 || from == 0 {
		return nil, 0, fmt.Errorf("%w: zero node id", ErrDecode)
	}
	m.Origin = NodeID(origin)
	m.From = NodeID(from)

	var nonce []byte
	if err := decMode.Unmarshal(elems[6], &nonce); err != nil {
		return nil, 0, fmt.Errorf("%w: nonce: %v", ErrDecode, err)
	}
	if len(nonce) != NonceSize {
		return nil, 0, fmt.Errorf("%w: nonce length %d", ErrDecode, len(nonce))
	}
	copy(m.Nonce[:], nonce)

	switch m.Kind {
	case KindContact:
		if err := decodeContactPayload(elems[7], &m); err != nil {
			return nil, 0, err
		}
	case KindMetadata:
		if err := decodeMetadataPayload(elems[7], &m); err != nil {
			return nil, 0, err
		}
	}

	var mac []byte
	if err := decMode.Unmarshal(elems[8], &mac); err != nil {
		return nil, 0, fmt.Errorf("%w: mac: %v", ErrDecode, err)
	}
	if len(mac) != MACSize {
		return nil, 0, fmt.Errorf("%w: mac length %d", ErrDecode, len(mac))
	}
	copy(m.MAC[:], mac)

	// Unmarshal rejected trailing bytes, so the mac element ends the buffer.
	macOffset := len(data) - len(elems[8])
	return &m, macOffset, nil
}

func decodeContactPayload(raw cbor.RawMessage, m *Message) error {
	var elems []cbor.RawMessage
	if err := decMode.Unmarshal(raw, &elems); err != nil {
		return fmt.Errorf("%w: contact payload: %v", ErrDecode, err)
	}
	if len(elems) != 3 {
		return fmt.Errorf("%w: contact payload has %d elements", ErrDecode, len(elems))
	}
	var a, b, dur uint64
	if err := decodeUint(elems[0], &a); err != nil {
		return fmt.Errorf("%w: contact nodeA: %v", ErrDecode, err)
	}
	if err := decodeUint(elems[1], &b); err != nil {
		return fmt.Errorf("%w: contact nodeB: %v", ErrDecode, err)
	}
	if err := decodeUint(elems[2], &dur); err != nil {
		return fmt.Errorf("%w: contact duration: %v", ErrDecode, err)
	}
	if a == 0 || b == 0 {
		return fmt.Errorf("%w: zero contact endpoint", ErrDecode)
	}
	if dur > 0xFFFF {
		return fmt.Errorf("%w: contact duration %d exceeds uint16", ErrDecode, dur)
	}
	m.Contact = ContactFact{NodeA: NodeID(a), NodeB: NodeID(b), DurationMinutes: uint16(dur)}
	return nil
}

// decodeMetadataPayload accepts the four legacy-compatible shapes:
//
//	2: [name, contact]                       node id taken from origin
//	3: [nodeId, name, contact]
//	4: [name, contact, lat, lon]             node id taken from origin
//	5: [nodeId, name, contact, lat, lon]
func decodeMetadataPayload(raw cbor.RawMessage, m *Message) error {
	var elems []cbor.RawMessage
	if err := decMode.Unmarshal(raw, &elems); err != nil {
		return fmt.Errorf("%w: metadata payload: %v", ErrDecode, err)
	}
	md := MetadataFact{NodeID: m.Origin}
	idx := 0
	switch len(elems) {
	case 3, 5:
		var id uint64
		if err := decodeUint(elems[0], &id); err != nil {
			return fmt.Errorf("%w: metadata node id: %v", ErrDecode, err)
		}
		if id == 0 {
			return fmt.Errorf("%w: zero metadata node id", ErrDecode)
		}
		md.NodeID = NodeID(id)
		idx = 1
	case 2, 4:
	default:
		return fmt.Errorf("%w: metadata payload has %d elements", ErrDecode, len(elems))
	}
	if err := decodeText(elems[idx], &md.Name, MaxNameLen); err != nil {
		return fmt.Errorf("%w: metadata name: %v", ErrDecode, err)
	}
	if err := decodeText(elems[idx+1], &md.Contact, MaxContactLen); err != nil {
		return fmt.Errorf("%w: metadata contact: %v", ErrDecode, err)
	}
	if len(elems) == 4 || len(elems) == 5 {
		var lat, lon int64
		if err := decMode.Unmarshal(elems[idx+2], &lat); err != nil {
			return fmt.Errorf("%w: metadata latitude: %v", ErrDecode, err)
		}
		if err := decMode.Unmarshal(elems[idx+3], &lon); err != nil {
			return fmt.Errorf("%w: metadata longitude: %v", ErrDecode, err)
		}
		if lat < -0x80000000 || lat > 0x7FFFFFFF || lon < -0x80000000 || lon > 0x7FFFFFFF {
			return fmt.Errorf("%w: GPS coordinate outside int32", ErrDecode)
		}
		md.Latitude = int32(lat)
		md.Longitude = int32(lon)
	}
	m.Metadata = md
	return nil
}

func decodeUint(raw cbor.RawMessage, out *uint64) error {
	return decMode.Unmarshal(raw, out)
}

func decodeText(raw cbor.RawMessage, out *string, limit int) error {
	var s string
	if err := decMode.Unmarshal(raw, &s); err != nil {
		return err
	}
	if len(s) > limit {
		return fmt.Errorf("%d bytes exceeds %d", len(s), limit)
	}
	*out = s
	return nil
}
