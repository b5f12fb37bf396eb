package crypto

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DeriveKey derives a key of the specified length using HKDF-SHA256.
// salt can be nil (uses zero salt), info provides context binding.
func DeriveKey(secret, salt, info []byte, length int) ([]byte, error) {
	hk := hkdf.New(sha256.New, secret, salt, info)
	key := make([]byte, length)
	if _, err := io.ReadFull(hk, key); err != nil {
		return nil, err
	}
	return key, nil
}

// StretchPassphrase turns an arbitrary shared string into a sealing key.
// Both ends deriving from the same string get the same key.
func StretchPassphrase(passphrase string) ([]byte, error) {
	return DeriveKey([]byte(passphrase), []byte("safetysocket-manual-salt"), []byte("safetysocket-manual-secret"), KeySize)
}
