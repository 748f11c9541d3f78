package wire

import (
	"errors"
	"strings"
	"testing"

	"github.com/fxamacker/cbor/v2"
)

func sealContact(t *testing.T, a *Authenticator, m *Message) []byte {
	t.Helper()
	data, err := a.Seal(m)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	return data
}

func TestContactRoundTrip(t *testing.T) {
	a := NewAuthenticator("open")
	in := &Message{
		Kind:       KindContact,
		Timestamp:  1700000000,
		ExpireTime: 1700005400,
		Origin:     1,
		From:       1,
		Contact:    ContactFact{NodeA: 1, NodeB: 2, DurationMinutes: 60},
	}
	data := sealContact(t, a, in)

	out, macOffset, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := a.Verify(data, macOffset, out); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if out.Kind != KindContact || out.Origin != 1 || out.From != 1 {
		t.Fatalf("header mismatch: %+v", out)
	}
	if out.Contact != in.Contact {
		t.Fatalf("contact mismatch: got %+v want %+v", out.Contact, in.Contact)
	}
	if out.Timestamp != in.Timestamp || out.ExpireTime != in.ExpireTime {
		t.Fatalf("time mismatch: %+v", out)
	}
	if out.Nonce != in.Nonce {
		t.Fatalf("nonce not carried through")
	}
}

func TestMetadataRoundTripNoGPS(t *testing.T) {
	a := NewAuthenticator("open")
	in := &Message{
		Kind:       KindMetadata,
		Timestamp:  1700000000,
		ExpireTime: 1700001800,
		Origin:     7,
		From:       7,
		Metadata:   MetadataFact{NodeID: 7, Name: "gateway", Contact: "ops@example.org"},
	}
	data := sealContact(t, a, in)
	out, macOffset, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := a.Verify(data, macOffset, out); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if out.Metadata != in.Metadata {
		t.Fatalf("metadata mismatch: got %+v want %+v", out.Metadata, in.Metadata)
	}
	if out.Metadata.HasGPS() {
		t.Fatalf("no GPS expected")
	}
}

func TestMetadataRoundTripGPS(t *testing.T) {
	a := NewAuthenticator("open")
	in := &Message{
		Kind:       KindMetadata,
		Timestamp:  1700000000,
		ExpireTime: 1700001800,
		Origin:     9,
		From:       3,
		Metadata: MetadataFact{
			NodeID:    9,
			Name:      "rooftop",
			Contact:   "radio@example.org",
			Latitude:  46123456,
			Longitude: -14987654,
		},
	}
	data := sealContact(t, a, in)
	out, macOffset, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := a.Verify(data, macOffset, out); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if out.Metadata != in.Metadata {
		t.Fatalf("metadata mismatch: got %+v want %+v", out.Metadata, in.Metadata)
	}
	if !out.Metadata.HasGPS() {
		t.Fatalf("GPS expected")
	}
}

// buildRaw assembles a wire message from raw payload elements, signing it
// with the given authenticator. It lets tests exercise payload shapes the
// encoder never emits.
func buildRaw(t *testing.T, a *Authenticator, kind string, origin, from uint64, payload []any) []byte {
	t.Helper()
	buf := []byte{0x89}
	app := func(v any) {
		b, err := cbor.Marshal(v)
		if err != nil {
			t.Fatalf("marshal %v: %v", v, err)
		}
		buf = append(buf, b...)
	}
	app(uint64(ProtocolVersion))
	app(kind)
	app(uint64(1700000000))
	app(uint64(1700005400))
	app(origin)
	app(from)
	app([]byte{0xAA, 0xBB, 0xCC})
	buf = append(buf, 0x80|byte(len(payload)))
	for _, p := range payload {
		app(p)
	}
	mac := a.Sign(buf)
	data, err := AppendMAC(buf, mac)
	if err != nil {
		t.Fatalf("append mac: %v", err)
	}
	return data
}

func TestMetadataLegacyShapes(t *testing.T) {
	a := NewAuthenticator("open")

	// 2-element payload: node id comes from origin.
	data := buildRaw(t, a, "m", 5, 5, []any{"old-node", "mail@example.org"})
	out, macOffset, err := Decode(data)
	if err != nil {
		t.Fatalf("decode 2-element: %v", err)
	}
	if err := a.Verify(data, macOffset, out); err != nil {
		t.Fatalf("verify 2-element: %v", err)
	}
	if out.Metadata.NodeID != 5 {
		t.Fatalf("node id %d, want origin 5", out.Metadata.NodeID)
	}
	if out.Metadata.Name != "old-node" || out.Metadata.Contact != "mail@example.org" {
		t.Fatalf("fields: %+v", out.Metadata)
	}

	// 4-element payload: origin id plus GPS.
	data = buildRaw(t, a, "m", 6, 2, []any{"gps-node", "x", int64(1000000), int64(-2000000)})
	out, _, err = Decode(data)
	if err != nil {
		t.Fatalf("decode 4-element: %v", err)
	}
	if out.Metadata.NodeID != 6 || out.Metadata.Latitude != 1000000 || out.Metadata.Longitude != -2000000 {
		t.Fatalf("fields: %+v", out.Metadata)
	}

	// Explicit node id overrides origin in the 3- and 5-element shapes.
	data = buildRaw(t, a, "m", 6, 2, []any{uint64(11), "named", "y"})
	out, _, err = Decode(data)
	if err != nil {
		t.Fatalf("decode 3-element: %v", err)
	}
	if out.Metadata.NodeID != 11 {
		t.Fatalf("node id %d, want 11", out.Metadata.NodeID)
	}
}

func TestDecodeRejectsTamper(t *testing.T) {
	a := NewAuthenticator("open")
	in := &Message{
		Kind:       KindContact,
		Timestamp:  1700000000,
		ExpireTime: 1700005400,
		Origin:     1,
		From:       1,
		Contact:    ContactFact{NodeA: 1, NodeB: 2, DurationMinutes: 60},
	}
	data := sealContact(t, a, in)

	out, macOffset, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	// Flip one bit in every authenticated byte in turn; each mutation must
	// either fail to decode or fail verification.
	for i := 0; i < macOffset; i++ {
		bad := append([]byte(nil), data...)
		bad[i] ^= 0x01
		m, off, err := Decode(bad)
		if err != nil {
			continue
		}
		if verr := a.Verify(bad, off, m); verr == nil {
			t.Fatalf("bit flip at byte %d went undetected", i)
		}
	}
	// Unchanged message still verifies.
	if err := a.Verify(data, macOffset, out); err != nil {
		t.Fatalf("verify clean: %v", err)
	}
}

func TestVerifyWrongKey(t *testing.T) {
	a := NewAuthenticator("open")
	b := NewAuthenticator("sesame")
	in := &Message{
		Kind:       KindContact,
		Timestamp:  1700000000,
		ExpireTime: 1700005400,
		Origin:     1,
		From:       1,
		Contact:    ContactFact{NodeA: 1, NodeB: 2, DurationMinutes: 60},
	}
	data := sealContact(t, a, in)
	m, off, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := b.Verify(data, off, m); !errors.Is(err, ErrBadMAC) {
		t.Fatalf("wrong key: got %v, want ErrBadMAC", err)
	}
}

func TestDecodeMalformed(t *testing.T) {
	a := NewAuthenticator("open")
	good := sealContact(t, a, &Message{
		Kind:       KindContact,
		Timestamp:  1700000000,
		ExpireTime: 1700005400,
		Origin:     1,
		From:       1,
		Contact:    ContactFact{NodeA: 1, NodeB: 2, DurationMinutes: 60},
	})

	cases := map[string][]byte{
		"empty":     nil,
		"truncated": good[:len(good)-3],
		"trailing":  append(append([]byte(nil), good...), 0x00),
		"oversize":  make([]byte, MaxMessageSize+1),
	}
	for name, data := range cases {
		if _, _, err := Decode(data); !errors.Is(err, ErrDecode) {
			t.Fatalf("%s: got %v, want ErrDecode", name, err)
		}
	}

	// Wrong version.
	bad := buildRawVersion(t, a, 3)
	if _, _, err := Decode(bad); !errors.Is(err, ErrDecode) {
		t.Fatalf("version: got %v, want ErrDecode", err)
	}

	// Unknown kind tag.
	if _, _, err := Decode(buildRaw(t, a, "x", 1, 1, []any{uint64(1), uint64(2), uint64(3)})); !errors.Is(err, ErrDecode) {
		t.Fatalf("kind: want ErrDecode")
	}

	// Zero origin.
	if _, _, err := Decode(buildRaw(t, a, "c", 0, 1, []any{uint64(1), uint64(2), uint64(3)})); !errors.Is(err, ErrDecode) {
		t.Fatalf("zero origin: want ErrDecode")
	}

	// Contact payload with wrong arity.
	if _, _, err := Decode(buildRaw(t, a, "c", 1, 1, []any{uint64(1), uint64(2)})); !errors.Is(err, ErrDecode) {
		t.Fatalf("contact arity: want ErrDecode")
	}

	// Metadata payload with unsupported arity.
	if _, _, err := Decode(buildRaw(t, a, "m", 1, 1, []any{"a"})); !errors.Is(err, ErrDecode) {
		t.Fatalf("metadata arity: want ErrDecode")
	}

	// Oversized name.
	long := strings.Repeat("n", MaxNameLen+1)
	if _, _, err := Decode(buildRaw(t, a, "m", 1, 1, []any{long, "c"})); !errors.Is(err, ErrDecode) {
		t.Fatalf("long name: want ErrDecode")
	}
}

func buildRawVersion(t *testing.T, a *Authenticator, version uint64) []byte {
	t.Helper()
	buf := []byte{0x89}
	app := func(v any) {
		b, err := cbor.Marshal(v)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		buf = append(buf, b...)
	}
	app(version)
	app("c")
	app(uint64(1700000000))
	app(uint64(1700005400))
	app(uint64(1))
	app(uint64(1))
	app([]byte{1, 2, 3})
	buf = append(buf, 0x83)
	app(uint64(1))
	app(uint64(2))
	app(uint64(3))
	data, err := AppendMAC(buf, a.Sign(buf))
	if err != nil {
		t.Fatalf("append mac: %v", err)
	}
	return data
}

func TestEncodeValidation(t *testing.T) {
	a := NewAuthenticator("open")
	base := Message{
		Kind:       KindMetadata,
		Timestamp:  1700000000,
		ExpireTime: 1700001800,
		Origin:     1,
		From:       1,
		Metadata:   MetadataFact{NodeID: 1, Name: "n", Contact: "c"},
	}

	m := base
	m.Metadata.Name = strings.Repeat("x", MaxNameLen+1)
	if _, err := a.Seal(&m); err == nil {
		t.Fatalf("oversized name accepted")
	}

	m = base
	m.ExpireTime = m.Timestamp - 1
	if _, err := a.Seal(&m); err == nil {
		t.Fatalf("expire before timestamp accepted")
	}

	m = base
	m.Origin = 0
	if _, err := a.Seal(&m); err == nil {
		t.Fatalf("zero origin accepted")
	}

	m = base
	m.Kind = Kind('z')
	if _, err := a.Seal(&m); err == nil {
		t.Fatalf("unknown kind accepted")
	}
}

func TestBlob(t *testing.T) {
	md := MetadataFact{NodeID: 1, Name: "base", Contact: "x@y"}
	if got := md.Blob(); got != "base,x@y" {
		t.Fatalf("blob: %q", got)
	}
	md.Latitude = 46123456
	md.Longitude = 14987654
	if got := md.Blob(); got != "base,x@y,GPS:46.123456,14.987654" {
		t.Fatalf("blob gps: %q", got)
	}
}
