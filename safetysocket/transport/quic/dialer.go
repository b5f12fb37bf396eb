package quic

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	q "github.com/quic-go/quic-go"
	"github.com/rs/zerolog"

	"github.com/TheusHen/safetysocket/safetysocket/protocol"
	"github.com/TheusHen/safetysocket/safetysocket/transport"
)

var ErrHandshakeUnexpectedFrame = errors.New("quic: unexpected frame during handshake")

const (
	defaultHandshakeTimeout = 10 * time.Second
	eventBuffer             = 64
)

// DialerConfig configures a relay Dialer.
type DialerConfig struct {
	Addr             string          // relay address, e.g. [::1]:4433
	TLS              *tls.Config     // optional; defaults to NewClientTLSConfig()
	QUIC             *q.Config       // optional; defaults to DefaultQUICConfig()
	HandshakeTimeout time.Duration   // bound on dial + auth (default: 10s)
	Logger           zerolog.Logger
}

// DefaultQUICConfig keeps idle relay links alive.
func DefaultQUICConfig() *q.Config {
	return &q.Config{
		KeepAlivePeriod: 15 * time.Second,
		MaxIdleTimeout:  60 * time.Second,
	}
}

// Dialer opens relay links over QUIC.
type Dialer struct {
	cfg DialerConfig
}

var _ transport.Dialer = (*Dialer)(nil)

func NewDialer(cfg DialerConfig) *Dialer {
	if cfg.TLS == nil {
		cfg.TLS = NewClientTLSConfig()
	}
	if cfg.QUIC == nil {
		cfg.QUIC = DefaultQUICConfig()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	return &Dialer{cfg: cfg}
}

// Open dials the relay, sends AUTH on a fresh stream and waits for WELCOME.
func (d *Dialer) Open(ctx context.Context, apiKey string) (transport.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.HandshakeTimeout)
	defer cancel()

	qc, err := q.DialAddr(ctx, d.cfg.Addr, d.cfg.TLS, d.cfg.QUIC)
	if err != nil {
		return nil, err
	}
	st, err := qc.OpenStreamSync(ctx)
	if err != nil {
		_ = qc.CloseWithError(codeNone, "")
		return nil, err
	}

	id, br, err := clientHandshake(ctx, st, apiKey)
	if err != nil {
		_ = qc.CloseWithError(codeNone, "")
		return nil, err
	}

	c := &Conn{
		qc:     qc,
		st:     st,
		br:     br,
		id:     id,
		events: make(chan transport.Event, eventBuffer),
		done:   make(chan struct{}),
		log:    d.cfg.Logger.With().Str("conn_id", id).Logger(),
	}
	go c.readLoop()
	c.log.Debug().Str("relay", d.cfg.Addr).Msg("relay link established")
	return c, nil
}

func clientHandshake(ctx context.Context, st q.Stream, apiKey string) (string, *bufio.Reader, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = st.SetDeadline(dl)
		defer st.SetDeadline(time.Time{})
	}

	auth, err := protocol.EncodeFrame(protocol.MessageTypeAuth, protocol.NewAuth(apiKey))
	if err != nil {
		return "", nil, err
	}
	if err := protocol.WriteFrame(st, auth); err != nil {
		return "", nil, err
	}

	br := bufio.NewReader(st)
	frame, err := protocol.ReadFrame(br)
	if err != nil {
		var appErr *q.ApplicationError
		if errors.As(err, &appErr) && appErr.Remote && appErr.ErrorCode == codeRejected {
			return "", nil, fmt.Errorf("%w: %s", transport.ErrUnauthorized, appErr.ErrorMessage)
		}
		return "", nil, err
	}
	switch frame.Type {
	case protocol.MessageTypeWelcome:
		w, err := protocol.DecodeWelcome(frame.Payload)
		if err != nil {
			return "", nil, err
		}
		return w.ConnID, br, nil
	case protocol.MessageTypeReject:
		r, _ := protocol.DecodeReject(frame.Payload)
		return "", nil, fmt.Errorf("%w: %s", transport.ErrUnauthorized, r.Reason)
	default:
		return "", nil, fmt.Errorf("%w: %s", ErrHandshakeUnexpectedFrame, frame.Type)
	}
}

// Conn is an authenticated relay link.
//
// Once a write fails part of a frame may already be on the stream, and the
// relay would read every later frame out of step. The link is torn down
// instead: the failing SendFrame returns ErrClosed and the read loop reports
// EventDisconnected.
type Conn struct {
	qc       q.Connection
	st       q.Stream
	br       *bufio.Reader
	id       string
	wmu      sync.Mutex
	events   chan transport.Event
	done     chan struct{}
	doneOnce sync.Once
	shutOnce sync.Once
	closed   atomic.Bool // Close was called
	broken   atomic.Bool // the stream can no longer carry frames
	log      zerolog.Logger
}

var _ transport.Conn = (*Conn)(nil)

func (c *Conn) ID() string { return c.id }

func (c *Conn) Events() <-chan transport.Event { return c.events }

// SendFrame writes one DATA frame. ctx cancellation interrupts a blocked
// write, which costs the link.
func (c *Conn) SendFrame(ctx context.Context, peerID string, frame []byte) error {
	if c.closed.Load() || c.broken.Load() {
		return transport.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := protocol.EncodeFrame(protocol.MessageTypeData, protocol.Envelope{Peer: peerID, Payload: frame})
	if err != nil {
		return err
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.broken.Load() {
		return transport.ErrClosed
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = c.st.SetWriteDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() { _ = c.st.SetWriteDeadline(time.Now()) })
	err = protocol.WriteFrame(c.st, f)
	stop()
	_ = c.st.SetWriteDeadline(time.Time{})

	if err != nil {
		c.broken.Store(true)
		c.log.Debug().Err(err).Str("peer_id", peerID).Msg("write failed, dropping relay link")
		c.shutdown(codeStreamBroken, "stream broken")
		return fmt.Errorf("%w: %w", transport.ErrClosed, err)
	}
	return nil
}

// Close sends CLOSE to the relay and tears the connection down. Events is
// closed without an EventDisconnected.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.doneOnce.Do(func() { close(c.done) })

	c.wmu.Lock()
	if !c.broken.Load() {
		_ = c.st.SetWriteDeadline(time.Now().Add(time.Second))
		_ = protocol.WriteFrame(c.st, protocol.Frame{Type: protocol.MessageTypeClose})
	}
	c.wmu.Unlock()

	return c.shutdown(codeNone, "closed")
}

// shutdown closes the QUIC connection exactly once, whichever side ends it.
func (c *Conn) shutdown(code q.ApplicationErrorCode, reason string) error {
	var err error
	c.shutOnce.Do(func() { err = c.qc.CloseWithError(code, reason) })
	return err
}

func (c *Conn) readLoop() {
	defer close(c.events)

	for {
		frame, err := protocol.ReadFrame(c.br)
		if err != nil {
			c.drop(err)
			return
		}

		switch frame.Type {
		case protocol.MessageTypeData:
			env, err := protocol.DecodeEnvelope(frame.Payload)
			if err != nil {
				c.emit(transport.Event{Kind: transport.EventError, Err: err})
				continue
			}
			c.emit(transport.Event{Kind: transport.EventFrame, PeerID: env.Peer, Frame: env.Payload})
		case protocol.MessageTypeNotice:
			n, err := protocol.DecodeNotice(frame.Payload)
			if err != nil {
				c.emit(transport.Event{Kind: transport.EventError, Err: err})
				continue
			}
			if n.Code == protocol.NoticeUnknownPeer {
				err = fmt.Errorf("%w: %v", transport.ErrPeerUnreachable, n)
			} else {
				err = n
			}
			c.emit(transport.Event{Kind: transport.EventError, PeerID: n.Peer, Err: err})
		case protocol.MessageTypeClose:
			c.drop(transport.ErrClosed)
			return
		default:
			c.log.Debug().Str("type", frame.Type.String()).Msg("ignoring unexpected frame")
		}
	}
}

// drop ends the link from the read side. A link the caller closed ends
// quietly; any other end is reported once as EventDisconnected.
func (c *Conn) drop(cause error) {
	c.broken.Store(true)
	if !c.closed.Load() {
		c.log.Debug().Err(cause).Msg("relay link dropped")
		c.emit(transport.Event{Kind: transport.EventDisconnected, Err: cause})
	}
	c.doneOnce.Do(func() { close(c.done) })
	_ = c.shutdown(codeNone, "")
}

// emit gives up once the link is closed locally so an abandoned reader never
// pins the goroutine.
func (c *Conn) emit(ev transport.Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}
