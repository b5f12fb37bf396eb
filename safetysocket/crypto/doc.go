// Package crypto provides the symmetric primitives SafetySocket frames are built on.
//
// Design goals:
//   - Stateless: every call takes the key it needs, nothing is cached per peer
//   - AEAD encryption via XChaCha20-Poly1305 with an internally drawn 192-bit nonce
//   - Key derivation via HKDF-SHA256
//   - One opaque error for every failed open
package crypto
