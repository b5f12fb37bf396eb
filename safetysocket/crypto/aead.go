package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeySize is the size of a sealing key.
	KeySize = chacha20poly1305.KeySize

	// FrameVersion is the first byte of every sealed frame.
	FrameVersion byte = 1

	nonceSize = chacha20poly1305.NonceSizeX
	tagSize   = chacha20poly1305.Overhead

	// Overhead is the number of bytes Seal adds to a plaintext.
	Overhead = 1 + nonceSize + tagSize
)

var (
	ErrInvalidKey = errors.New("crypto: invalid key size for XChaCha20-Poly1305")
	ErrNonce      = errors.New("crypto: nonce source unavailable")
	// ErrDecryption covers every reason a frame fails to open. Callers cannot
	// tell a truncated frame from a forged one.
	ErrDecryption = errors.New("crypto: decryption failed")
)

// nonceReader is swapped in tests.
var nonceReader io.Reader = rand.Reader

// Seal encrypts and authenticates plaintext under key.
// Returns: version (1 byte) || nonce (24 bytes) || ciphertext || tag (16 bytes)
func Seal(key, plaintext, additionalData []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 1+nonceSize, Overhead+len(plaintext))
	out[0] = FrameVersion
	if _, err := io.ReadFull(nonceReader, out[1:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNonce, err)
	}
	return aead.Seal(out, out[1:], plaintext, additionalData), nil
}

// Open verifies and decrypts a frame produced by Seal.
func Open(key, frame, additionalData []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrDecryption
	}
	if len(frame) < Overhead || frame[0] != FrameVersion {
		return nil, ErrDecryption
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, ErrDecryption
	}
	nonce := frame[1 : 1+nonceSize]
	plaintext, err := aead.Open(nil, nonce, frame[1+nonceSize:], additionalData)
	if err != nil {
		return nil, ErrDecryption
	}
	return plaintext, nil
}

// RouteData returns the associated data binding a frame to its sender and recipient.
func RouteData(from, to string) []byte {
	ad := make([]byte, 0, len(routeLabel)+4+len(from)+len(to))
	ad = append(ad, routeLabel...)
	ad = appendField(ad, from)
	ad = appendField(ad, to)
	return ad
}

const routeLabel = "safetysocket/1"

func appendField(b []byte, s string) []byte {
	b = append(b, byte(len(s)>>8), byte(len(s)))
	return append(b, s...)
}
