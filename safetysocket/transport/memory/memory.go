// Package memory is an in-process relay implementing the transport contract.
// It is useful for tests, examples and embedding two managers in one program.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/TheusHen/safetysocket/safetysocket/transport"
)

const defaultBuffer = 64

// Delivery is a frame the hub routed, recorded for inspection.
type Delivery struct {
	From  string
	To    string
	Frame []byte
}

// Hub routes frames between connections opened on it.
type Hub struct {
	mu      sync.RWMutex
	keys    map[string]struct{}
	conns   map[string]*Conn
	log     []Delivery
	buffer  int
	openErr error
}

// NewHub creates a hub accepting the given API keys. With no keys every
// non-empty key is accepted.
func NewHub(apiKeys ...string) *Hub {
	h := &Hub{
		keys:   map[string]struct{}{},
		conns:  map[string]*Conn{},
		buffer: defaultBuffer,
	}
	for _, k := range apiKeys {
		h.keys[k] = struct{}{}
	}
	return h
}

var _ transport.Dialer = (*Hub)(nil)

// Open implements transport.Dialer.
func (h *Hub) Open(ctx context.Context, apiKey string) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.openErr != nil {
		return nil, h.openErr
	}
	if apiKey == "" {
		return nil, transport.ErrUnauthorized
	}
	if len(h.keys) > 0 {
		if _, ok := h.keys[apiKey]; !ok {
			return nil, transport.ErrUnauthorized
		}
	}
	c := &Conn{
		hub:    h,
		id:     uuid.NewString(),
		events: make(chan transport.Event, h.buffer),
		done:   make(chan struct{}),
	}
	h.conns[c.id] = c
	return c, nil
}

// FailOpens makes every following Open return err; nil restores normal opens.
func (h *Hub) FailOpens(err error) {
	h.mu.Lock()
	h.openErr = err
	h.mu.Unlock()
}

// Deliveries returns a copy of every frame routed so far.
func (h *Hub) Deliveries() []Delivery {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Delivery, len(h.log))
	copy(out, h.log)
	return out
}

// Connected lists the IDs of live connections.
func (h *Hub) Connected() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.conns))
	for id := range h.conns {
		out = append(out, id)
	}
	return out
}

// Inject delivers frame to connection to as if peer from had sent it.
func (h *Hub) Inject(to, from string, frame []byte) error {
	h.mu.RLock()
	c, ok := h.conns[to]
	h.mu.RUnlock()
	if !ok {
		return transport.ErrPeerUnreachable
	}
	return c.push(context.Background(), transport.Event{Kind: transport.EventFrame, PeerID: from, Frame: frame})
}

// Drop severs a connection from the hub side, as a network failure would.
func (h *Hub) Drop(id string) bool {
	h.mu.Lock()
	c, ok := h.conns[id]
	if ok {
		delete(h.conns, id)
	}
	h.mu.Unlock()
	if !ok {
		return false
	}
	c.finish(&transport.Event{Kind: transport.EventDisconnected, Err: transport.ErrClosed})
	return true
}

func (h *Hub) route(ctx context.Context, from, to string, frame []byte) error {
	h.mu.Lock()
	dst, ok := h.conns[to]
	if ok {
		h.log = append(h.log, Delivery{From: from, To: to, Frame: append([]byte(nil), frame...)})
	}
	h.mu.Unlock()
	if !ok {
		return transport.ErrPeerUnreachable
	}
	return dst.push(ctx, transport.Event{Kind: transport.EventFrame, PeerID: from, Frame: append([]byte(nil), frame...)})
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	delete(h.conns, id)
	h.mu.Unlock()
}

// Conn is one hub connection.
type Conn struct {
	hub      *Hub
	id       string
	mu       sync.RWMutex
	events   chan transport.Event
	done     chan struct{}
	doneOnce sync.Once
	closed   bool
}

var _ transport.Conn = (*Conn)(nil)

func (c *Conn) ID() string { return c.id }

func (c *Conn) Events() <-chan transport.Event { return c.events }

// SendFrame routes frame to peerID. An unknown peer fails immediately.
func (c *Conn) SendFrame(ctx context.Context, peerID string, frame []byte) error {
	select {
	case <-c.done:
		return transport.ErrClosed
	default:
	}
	return c.hub.route(ctx, c.id, peerID, frame)
}

func (c *Conn) Close() error {
	c.hub.remove(c.id)
	c.finish(nil)
	return nil
}

// push blocks while the receiver's buffer is full, until the receiver closes.
func (c *Conn) push(ctx context.Context, ev transport.Event) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return transport.ErrPeerUnreachable
	}
	select {
	case c.events <- ev:
		return nil
	case <-c.done:
		return transport.ErrPeerUnreachable
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) finish(last *transport.Event) {
	// Release blocked pushers before taking the write lock.
	c.doneOnce.Do(func() { close(c.done) })

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if last != nil {
		select {
		case c.events <- *last:
		default:
		}
	}
	close(c.events)
}
