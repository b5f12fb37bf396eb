package secret

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/TheusHen/safetysocket/safetysocket/crypto"
)

// Size is the length of a Secret in bytes.
const Size = crypto.KeySize

var (
	ErrGeneration    = errors.New("secret: random source unavailable")
	ErrInvalidSecret = errors.New("secret: invalid secret material")
	ErrNotFound      = errors.New("secret: no secret for peer")
)

var tokenEncoding = base64.RawURLEncoding

// Secret is symmetric key material shared with one peer.
type Secret [Size]byte

// Generate reads a fresh Secret from r.
func Generate(r io.Reader) (Secret, error) {
	var s Secret
	if _, err := io.ReadFull(r, s[:]); err != nil {
		return Secret{}, fmt.Errorf("%w: %v", ErrGeneration, err)
	}
	if s.IsZero() {
		return Secret{}, fmt.Errorf("%w: source returned only zeros", ErrGeneration)
	}
	return s, nil
}

// ParseToken decodes a token produced by Token.
func ParseToken(token string) (Secret, error) {
	b, err := tokenEncoding.DecodeString(token)
	if err != nil || len(b) != Size {
		return Secret{}, ErrInvalidSecret
	}
	var s Secret
	copy(s[:], b)
	return s, nil
}

// Token returns the string form handed to callers and exchanged out of band.
func (s Secret) Token() string {
	return tokenEncoding.EncodeToString(s[:])
}

// Bytes returns a copy of the key material.
func (s Secret) Bytes() []byte {
	return append([]byte(nil), s[:]...)
}

// Equal compares in constant time.
func (s Secret) Equal(other Secret) bool {
	return subtle.ConstantTimeCompare(s[:], other[:]) == 1
}

// IsZero reports whether s holds no key material.
func (s Secret) IsZero() bool {
	var zero Secret
	return s.Equal(zero)
}

// String is redacted so a Secret can be passed to loggers safely.
func (s Secret) String() string {
	return "secret(redacted)"
}

// FromMaterial turns caller-supplied material into a Secret. A valid token is
// used verbatim; any other non-empty string is stretched with HKDF.
func FromMaterial(material string) (Secret, error) {
	if material == "" {
		return Secret{}, ErrInvalidSecret
	}
	if s, err := ParseToken(material); err == nil {
		return s, nil
	}
	key, err := crypto.StretchPassphrase(material)
	if err != nil {
		return Secret{}, err
	}
	var s Secret
	copy(s[:], key)
	return s, nil
}
