package wire

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
)

// ErrBadMAC reports an authentication failure. The caller treats every
// holder of it identically; nothing about key mismatch vs corruption leaks.
var ErrBadMAC = errors.New("message authentication failed")

// Authenticator signs and verifies exchange messages with a preshared key.
// The tag is HMAC-SHA-256 truncated to MACSize bytes, computed over every
// encoded byte preceding the mac field.
type Authenticator struct {
	key []byte
}

func NewAuthenticator(presharedKey string) *Authenticator {
	return &Authenticator{key: []byte(presharedKey)}
}

func (a *Authenticator) Sign(preMAC []byte) [MACSize]byte {
	mac := hmac.New(sha256.New, a.key)
	mac.Write(preMAC)
	var tag [MACSize]byte
	copy(tag[:], mac.Sum(nil))
	return tag
}

// Verify checks the mac carried by a decoded message against the
// authenticated range data[:macOffset] of its original encoding.
func (a *Authenticator) Verify(data []byte, macOffset int, m *Message) error {
	if macOffset <= 0 || macOffset > len(data) {
		return fmt.Errorf("%w: bad mac offset", ErrBadMAC)
	}
	want := a.Sign(data[:macOffset])
	if !hmac.Equal(want[:], m.MAC[:]) {
		return ErrBadMAC
	}
	return nil
}

// Seal stamps a fresh nonce on m, signs it, and returns the full encoded
// message. It is used both for locally originated facts and when
// re-signing a fact forwarded on behalf of another origin.
func (a *Authenticator) Seal(m *Message) ([]byte, error) {
	nonce, err := NewNonce()
	if err != nil {
		return nil, err
	}
	m.Version = ProtocolVersion
	m.Nonce = nonce
	pre, err := EncodePreMAC(m)
	if err != nil {
		return nil, err
	}
	m.MAC = a.Sign(pre)
	return AppendMAC(pre, m.MAC)
}
