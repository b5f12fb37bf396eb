package quic

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strings"
	"time"
)

// ALPN identifies the relay protocol during the QUIC handshake.
const ALPN = "safetysocket/1"

var (
	ErrFingerprintMismatch = errors.New("quic: relay certificate does not match pinned fingerprint")
	ErrNoCertificate       = errors.New("quic: tls config has no certificate")
)

const relayCertLifetime = 30 * 24 * time.Hour

// NewServerTLSConfig returns a relay config with a fresh self-signed ECDSA
// certificate valid for localhost and the loopback addresses. Clients pin it
// with Fingerprint.
func NewServerTLSConfig() (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}
	now := time.Now()
	tpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "safetysocket relay"},
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(relayCertLifetime),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tpl, tpl, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	return serverConfig(tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}), nil
}

// LoadServerTLSConfig reads a PEM certificate and key. Empty paths fall back
// to NewServerTLSConfig.
func LoadServerTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	if certFile == "" && keyFile == "" {
		return NewServerTLSConfig()
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("quic: load relay certificate: %w", err)
	}
	return serverConfig(cert), nil
}

func serverConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{ALPN},
	}
}

// Fingerprint is the hex SHA-256 of the leaf certificate in cfg.
func Fingerprint(cfg *tls.Config) (string, error) {
	if cfg == nil || len(cfg.Certificates) == 0 || len(cfg.Certificates[0].Certificate) == 0 {
		return "", ErrNoCertificate
	}
	sum := sha256.Sum256(cfg.Certificates[0].Certificate[0])
	return hex.EncodeToString(sum[:]), nil
}

// NewClientTLSConfig returns the default client config. The relay is not
// authenticated: it only ever sees sealed frames, and peers authenticate each
// other through their shared secrets. Use NewPinnedClientTLSConfig to refuse
// any relay but one.
func NewClientTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:         tls.VersionTLS13,
		NextProtos:         []string{ALPN},
		InsecureSkipVerify: true,
	}
}

// NewPinnedClientTLSConfig accepts only a relay whose leaf certificate hashes
// to fingerprint (hex SHA-256, colons allowed).
func NewPinnedClientTLSConfig(fingerprint string) (*tls.Config, error) {
	want, err := hex.DecodeString(strings.ReplaceAll(strings.TrimSpace(fingerprint), ":", ""))
	if err != nil || len(want) != sha256.Size {
		return nil, fmt.Errorf("quic: invalid fingerprint %q", fingerprint)
	}
	cfg := NewClientTLSConfig()
	cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return ErrFingerprintMismatch
		}
		got := sha256.Sum256(rawCerts[0])
		if subtle.ConstantTimeCompare(got[:], want) != 1 {
			return ErrFingerprintMismatch
		}
		return nil
	}
	return cfg, nil
}
