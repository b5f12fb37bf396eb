package protocol

import (
	"errors"
	"fmt"
)

// Version is the relay protocol version spoken by this package.
const Version = 1

var (
	ErrAuthMissingKey     = errors.New("auth missing api key")
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
	ErrEnvelopeNoPeer     = errors.New("envelope missing peer")
)

// Auth is the first frame a client sends on a relay connection.
type Auth struct {
	Version int    `cbor:"v"`
	APIKey  string `cbor:"key"`
}

// Welcome accepts an Auth and carries the connection ID peers address this client by.
type Welcome struct {
	ConnID string `cbor:"id"`
}

// Reject refuses an Auth. The relay closes the connection after sending it.
type Reject struct {
	Reason string `cbor:"reason"`
}

// Envelope routes one sealed frame. Client to relay, Peer is the recipient;
// relay to client, Peer is the sender.
type Envelope struct {
	Peer    string `cbor:"peer"`
	Payload []byte `cbor:"payload"`
}

// NoticeCode classifies a Notice.
type NoticeCode uint8

const (
	NoticeUnknownPeer NoticeCode = 1
	NoticeMalformed   NoticeCode = 2
)

// Notice reports a relay-side routing problem back to the sender.
type Notice struct {
	Code   NoticeCode `cbor:"code"`
	Peer   string     `cbor:"peer,omitempty"`
	Reason string     `cbor:"reason,omitempty"`
}

func (n Notice) Error() string {
	if n.Peer == "" {
		return "relay: " + n.Reason
	}
	return fmt.Sprintf("relay: %s (peer %s)", n.Reason, n.Peer)
}

func NewAuth(apiKey string) Auth {
	return Auth{Version: Version, APIKey: apiKey}
}

func (a Auth) Validate() error {
	if a.Version != Version {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, a.Version)
	}
	if a.APIKey == "" {
		return ErrAuthMissingKey
	}
	return nil
}

// EncodeFrame marshals v into a frame of type t.
func EncodeFrame(t MessageType, v any) (Frame, error) {
	payload, err := marshal(v)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: t, Payload: payload}, nil
}

func DecodeAuth(b []byte) (Auth, error) {
	var a Auth
	if err := unmarshal(b, &a); err != nil {
		return Auth{}, err
	}
	return a, a.Validate()
}

func DecodeWelcome(b []byte) (Welcome, error) {
	var w Welcome
	if err := unmarshal(b, &w); err != nil {
		return Welcome{}, err
	}
	if w.ConnID == "" {
		return Welcome{}, fmt.Errorf("welcome missing id")
	}
	return w, nil
}

func DecodeReject(b []byte) (Reject, error) {
	var r Reject
	err := unmarshal(b, &r)
	return r, err
}

func DecodeEnvelope(b []byte) (Envelope, error) {
	var e Envelope
	if err := unmarshal(b, &e); err != nil {
		return Envelope{}, err
	}
	if e.Peer == "" {
		return Envelope{}, ErrEnvelopeNoPeer
	}
	return e, nil
}

func DecodeNotice(b []byte) (Notice, error) {
	var n Notice
	err := unmarshal(b, &n)
	return n, err
}
