package wire

import (
	"crypto/rand"
	"fmt"
)

const (
	// ProtocolVersion is the only wire version this node speaks.
	ProtocolVersion = 2

	NonceSize = 3
	MACSize   = 8

	MaxNameLen    = 63
	MaxContactLen = 127

	// MaxMessageSize bounds any single encoded exchange message. The format
	// is deliberately compact; anything larger is malformed.
	MaxMessageSize = 512

	// GPSPrecisionFactor scales decimal degrees into the int32 wire fields.
	GPSPrecisionFactor = 1000000
)

// NodeID identifies a network node. Zero is never a valid id.
type NodeID uint64

// Kind tags a message as carrying a contact or a metadata fact.
type Kind byte

const (
	KindContact  Kind = 'c'
	KindMetadata Kind = 'm'
)

func (k Kind) String() string {
	switch k {
	case KindContact:
		return "contact"
	case KindMetadata:
		return "metadata"
	default:
		return fmt.Sprintf("kind(0x%02x)", byte(k))
	}
}

// ContactFact advertises a bidirectional link between two nodes, valid from
// the carrying message's timestamp for DurationMinutes.
type ContactFact struct {
	NodeA           NodeID
	NodeB           NodeID
	DurationMinutes uint16
}

// MetadataFact carries a node's human-readable identity. Latitude and
// Longitude are decimal degrees scaled by GPSPrecisionFactor; zero means
// absent.
type MetadataFact struct {
	NodeID    NodeID
	Name      string
	Contact   string
	Latitude  int32
	Longitude int32
}

// HasGPS reports whether both coordinates are set. Only then does the
// encoder emit the 5-element payload shape.
func (m MetadataFact) HasGPS() bool {
	return m.Latitude != 0 && m.Longitude != 0
}

// Blob renders the directory string representation, matching the
// "name,contact[,GPS:lat,lon]" form the exchange historically stored.
func (m MetadataFact) Blob() string {
	if m.HasGPS() {
		lat := float64(m.Latitude) / GPSPrecisionFactor
		lon := float64(m.Longitude) / GPSPrecisionFactor
		return fmt.Sprintf("%s,%s,GPS:%.6f,%.6f", m.Name, m.Contact, lat, lon)
	}
	return fmt.Sprintf("%s,%s", m.Name, m.Contact)
}

// Message is one exchange message. Exactly one of Contact/Metadata is
// meaningful, selected by Kind. MAC authenticates every encoded byte that
// precedes it on the wire.
type Message struct {
	Version    uint64
	Kind       Kind
	Timestamp  int64
	ExpireTime int64
	Origin     NodeID
	From       NodeID
	Nonce      [NonceSize]byte
	Contact    ContactFact
	Metadata   MetadataFact
	MAC        [MACSize]byte
}

// NewNonce draws a fresh random transmission tag. Nonces mark one
// transmission instance for replay suppression, not content identity.
func NewNonce() ([NonceSize]byte, error) {
	var n [NonceSize]byte
	if _, err := rand.Read(n[:]); err != nil {
		return n, fmt.Errorf("generate nonce: %w", err)
	}
	return n, nil
}
