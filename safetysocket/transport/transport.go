// Package transport defines what the SafetySocket manager needs from a relay link.
//
// Implementations only move opaque frames between connection IDs. They never
// see plaintext: frames are sealed before SendFrame and opened after they come
// out of Events.
package transport

import (
	"context"
	"errors"
)

var (
	ErrClosed          = errors.New("transport: connection closed")
	ErrUnauthorized    = errors.New("transport: api key rejected")
	ErrPeerUnreachable = errors.New("transport: peer unreachable")
)

// EventKind classifies an inbound Event.
type EventKind uint8

const (
	// EventFrame carries a sealed frame from PeerID.
	EventFrame EventKind = iota + 1
	// EventError reports a relay-side problem, such as an unknown recipient.
	EventError
	// EventDisconnected is the last event of a link that dropped on its own.
	// Links closed through Conn.Close do not emit it.
	EventDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventFrame:
		return "frame"
	case EventError:
		return "error"
	case EventDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Event is one item of a link's inbound stream.
type Event struct {
	Kind   EventKind
	PeerID string
	Frame  []byte
	Err    error
}

// Dialer opens authenticated links to a relay.
type Dialer interface {
	// Open authenticates with apiKey and returns a live link.
	Open(ctx context.Context, apiKey string) (Conn, error)
}

// Conn is one authenticated relay link.
type Conn interface {
	// ID is the relay-assigned identifier peers address this link by.
	ID() string
	// SendFrame hands frame to the relay for delivery to peerID. It returns
	// once the relay link accepted the write, not when the peer received it.
	SendFrame(ctx context.Context, peerID string, frame []byte) error
	// Events yields inbound events in arrival order and is closed when the
	// link ends.
	Events() <-chan Event
	// Close tears the link down. It is safe to call more than once.
	Close() error
}
