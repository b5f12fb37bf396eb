package safetysocket

import (
	"context"
	"errors"
	"fmt"

	"github.com/TheusHen/safetysocket/safetysocket/crypto"
	"github.com/TheusHen/safetysocket/safetysocket/protocol"
	"github.com/TheusHen/safetysocket/safetysocket/secret"
	"github.com/TheusHen/safetysocket/safetysocket/transport"
)

// peerChannel is a transient view of one peer: its ID and the secret that
// resolved for it when the view was taken. It is rebuilt for every send and
// every inbound frame, so a secret change applies to the next message.
type peerChannel struct {
	peerID      string
	secret      secret.Secret
	source      secret.Source
	compression protocol.CompressionLevel
}

func (m *Manager) channel(peerID string) (peerChannel, error) {
	sec, src := m.secrets.Lookup(peerID)
	if src == secret.SourceNone {
		return peerChannel{}, fmt.Errorf("%w: %s", ErrSecretNotFound, peerID)
	}
	return peerChannel{
		peerID:      peerID,
		secret:      sec,
		source:      src,
		compression: m.opts.Compression,
	}, nil
}

// seal encodes and encrypts data for delivery from localID to the peer.
func (pc peerChannel) seal(localID, data string) ([]byte, error) {
	body := protocol.EncodeBody([]byte(data), pc.compression)
	frame, err := crypto.Seal(pc.secret.Bytes(), body, crypto.RouteData(localID, pc.peerID))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGeneration, err)
	}
	return frame, nil
}

// open authenticates and decodes a frame the peer sent to localID. Every
// failure is reported as ErrDecryption.
func (pc peerChannel) open(localID string, frame []byte) (string, error) {
	body, err := crypto.Open(pc.secret.Bytes(), frame, crypto.RouteData(pc.peerID, localID))
	if err != nil {
		return "", ErrDecryption
	}
	data, err := protocol.DecodeBody(body)
	if err != nil {
		return "", ErrDecryption
	}
	return string(data), nil
}

// send seals data and hands it to link. linkCtx ends when the link is killed
// or dropped, which aborts a write the transport is still blocked on.
func (pc peerChannel) send(ctx, linkCtx context.Context, link transport.Conn, data string) error {
	frame, err := pc.seal(link.ID(), data)
	if err != nil {
		return err
	}

	sendCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(linkCtx, cancel)
	defer stop()

	if err := link.SendFrame(sendCtx, pc.peerID, frame); err != nil {
		if linkCtx.Err() != nil || errors.Is(err, transport.ErrClosed) {
			return ErrNotConnected
		}
		return fmt.Errorf("safetysocket: send to %s: %w", pc.peerID, err)
	}
	return nil
}
