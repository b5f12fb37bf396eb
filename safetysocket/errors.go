package safetysocket

import (
	"errors"

	"github.com/TheusHen/safetysocket/safetysocket/crypto"
	"github.com/TheusHen/safetysocket/safetysocket/secret"
)

var (
	// ErrConnection wraps every failed Connect: bad API key, unreachable relay.
	ErrConnection = errors.New("safetysocket: connection failed")
	// ErrNotConnected is returned by operations that need a live link.
	ErrNotConnected = errors.New("safetysocket: not connected")

	ErrSecretNotFound = secret.ErrNotFound
	ErrGeneration     = secret.ErrGeneration
	ErrDecryption     = crypto.ErrDecryption
)
