package quic

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	q "github.com/quic-go/quic-go"
	"github.com/rs/zerolog"

	"github.com/TheusHen/safetysocket/safetysocket/protocol"
)

var ErrRelayClosed = errors.New("quic: relay closed")

const (
	defaultAuthTimeout  = 10 * time.Second
	defaultWriteTimeout = 5 * time.Second
)

// Application error codes carried by CONNECTION_CLOSE.
const (
	codeNone         q.ApplicationErrorCode = 0x0
	codeKicked       q.ApplicationErrorCode = 0x1
	codeRejected     q.ApplicationErrorCode = 0x10
	codeStreamBroken q.ApplicationErrorCode = 0x11
)

// RelayConfig configures a Relay.
type RelayConfig struct {
	Addr         string        // listen address, e.g. [::1]:0
	APIKeys      []string      // accepted keys; empty accepts any non-empty key
	TLS          *tls.Config   // optional; defaults to NewServerTLSConfig()
	QUIC         *q.Config     // optional; defaults to DefaultQUICConfig()
	AuthTimeout  time.Duration // bound on AUTH after accept (default: 10s)
	WriteTimeout time.Duration // bound on forwarding one frame (default: 5s)
	Logger       zerolog.Logger
}

// Relay is a minimal routing relay: it authenticates clients by API key,
// assigns each link an ID and forwards sealed frames between IDs. It never
// holds secrets and never queues frames for absent peers.
type Relay struct {
	cfg     RelayConfig
	ln      *q.Listener
	keys    map[string]struct{}
	log     zerolog.Logger
	mu      sync.RWMutex
	clients map[string]*relayClient
	wg      sync.WaitGroup
	closed  atomic.Bool
}

type relayClient struct {
	id     string
	qc     q.Connection
	st     q.Stream
	wmu    sync.Mutex
	broken bool // guarded by wmu
}

// ListenRelay starts listening; call Serve to accept clients.
func ListenRelay(cfg RelayConfig) (*Relay, error) {
	if cfg.TLS == nil {
		tlsConf, err := NewServerTLSConfig()
		if err != nil {
			return nil, err
		}
		cfg.TLS = tlsConf
	}
	if cfg.QUIC == nil {
		cfg.QUIC = DefaultQUICConfig()
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = defaultAuthTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	ln, err := q.ListenAddr(cfg.Addr, cfg.TLS, cfg.QUIC)
	if err != nil {
		return nil, err
	}
	keys := make(map[string]struct{}, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		keys[k] = struct{}{}
	}
	return &Relay{
		cfg:     cfg,
		ln:      ln,
		keys:    keys,
		log:     cfg.Logger,
		clients: make(map[string]*relayClient),
	}, nil
}

func (r *Relay) Addr() net.Addr { return r.ln.Addr() }

// Fingerprint identifies the relay certificate for NewPinnedClientTLSConfig.
func (r *Relay) Fingerprint() string {
	fp, _ := Fingerprint(r.cfg.TLS)
	return fp
}

func (r *Relay) AddrString() string {
	if r.ln == nil {
		return ""
	}
	return r.ln.Addr().String()
}

// Clients returns the number of authenticated links.
func (r *Relay) Clients() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Serve accepts clients until ctx ends or Close is called.
func (r *Relay) Serve(ctx context.Context) error {
	r.log.Info().Str("addr", r.AddrString()).Str("fingerprint", r.Fingerprint()).Msg("relay listening")
	for {
		qc, err := r.ln.Accept(ctx)
		if err != nil {
			if r.closed.Load() {
				return ErrRelayClosed
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.handle(ctx, qc)
		}()
	}
}

// Close stops accepting, disconnects every client and waits for handlers.
func (r *Relay) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	err := r.ln.Close()

	r.mu.Lock()
	for _, c := range r.clients {
		_ = c.qc.CloseWithError(codeNone, "relay shutting down")
	}
	r.mu.Unlock()

	r.wg.Wait()
	return err
}

// Kick drops a client as a network failure would. It reports whether the ID
// was connected.
func (r *Relay) Kick(id string) bool {
	r.mu.RLock()
	c, ok := r.clients[id]
	r.mu.RUnlock()
	if ok {
		_ = c.qc.CloseWithError(codeKicked, "kicked")
	}
	return ok
}

func (r *Relay) handle(ctx context.Context, qc q.Connection) {
	log := r.log.With().Str("remote", qc.RemoteAddr().String()).Logger()

	actx, cancel := context.WithTimeout(ctx, r.cfg.AuthTimeout)
	st, err := qc.AcceptStream(actx)
	cancel()
	if err != nil {
		log.Debug().Err(err).Msg("no control stream")
		_ = qc.CloseWithError(codeNone, "")
		return
	}

	br := bufio.NewReader(st)
	c, err := r.authenticate(st, br, qc)
	if err != nil {
		log.Info().Err(err).Msg("client rejected")
		// Give the client time to read REJECT and hang up first; closing now
		// would race the frame.
		select {
		case <-qc.Context().Done():
		case <-time.After(r.cfg.WriteTimeout):
		}
		_ = qc.CloseWithError(codeRejected, "rejected")
		return
	}
	log = log.With().Str("conn_id", c.id).Logger()
	log.Info().Msg("client connected")

	defer func() {
		r.mu.Lock()
		delete(r.clients, c.id)
		r.mu.Unlock()
		_ = qc.CloseWithError(codeNone, "")
		log.Info().Msg("client disconnected")
	}()

	for {
		frame, err := protocol.ReadFrame(br)
		if err != nil {
			return
		}
		switch frame.Type {
		case protocol.MessageTypeData:
			r.forward(c, frame.Payload, log)
		case protocol.MessageTypeClose:
			return
		default:
			r.notice(c, protocol.Notice{Code: protocol.NoticeMalformed, Reason: "unexpected " + frame.Type.String()})
		}
	}
}

func (r *Relay) authenticate(st q.Stream, br *bufio.Reader, qc q.Connection) (*relayClient, error) {
	_ = st.SetReadDeadline(time.Now().Add(r.cfg.AuthTimeout))
	frame, err := protocol.ReadFrame(br)
	_ = st.SetReadDeadline(time.Time{})
	if err != nil {
		return nil, err
	}
	if frame.Type != protocol.MessageTypeAuth {
		r.reject(st, "expected AUTH")
		return nil, ErrHandshakeUnexpectedFrame
	}
	auth, err := protocol.DecodeAuth(frame.Payload)
	if err != nil {
		r.reject(st, err.Error())
		return nil, err
	}
	if len(r.keys) > 0 {
		if _, ok := r.keys[auth.APIKey]; !ok {
			r.reject(st, "unknown api key")
			return nil, errors.New("quic: unknown api key")
		}
	}

	c := &relayClient{id: uuid.NewString(), qc: qc, st: st}
	welcome, err := protocol.EncodeFrame(protocol.MessageTypeWelcome, protocol.Welcome{ConnID: c.id})
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.clients[c.id] = c
	r.mu.Unlock()

	if err := r.write(c, welcome); err != nil {
		r.mu.Lock()
		delete(r.clients, c.id)
		r.mu.Unlock()
		return nil, err
	}
	return c, nil
}

func (r *Relay) reject(st q.Stream, reason string) {
	f, err := protocol.EncodeFrame(protocol.MessageTypeReject, protocol.Reject{Reason: reason})
	if err != nil {
		return
	}
	_ = st.SetWriteDeadline(time.Now().Add(r.cfg.WriteTimeout))
	_ = protocol.WriteFrame(st, f)
	_ = st.Close()
}

func (r *Relay) forward(from *relayClient, payload []byte, log zerolog.Logger) {
	env, err := protocol.DecodeEnvelope(payload)
	if err != nil {
		r.notice(from, protocol.Notice{Code: protocol.NoticeMalformed, Reason: err.Error()})
		return
	}

	r.mu.RLock()
	to, ok := r.clients[env.Peer]
	r.mu.RUnlock()
	if !ok {
		r.notice(from, protocol.Notice{Code: protocol.NoticeUnknownPeer, Peer: env.Peer, Reason: "unknown peer"})
		return
	}

	out, err := protocol.EncodeFrame(protocol.MessageTypeData, protocol.Envelope{Peer: from.id, Payload: env.Payload})
	if err != nil {
		return
	}
	if err := r.write(to, out); err != nil {
		log.Debug().Err(err).Str("peer_id", env.Peer).Msg("forward failed")
		r.notice(from, protocol.Notice{Code: protocol.NoticeUnknownPeer, Peer: env.Peer, Reason: "peer unreachable"})
		return
	}
	log.Debug().Str("peer_id", env.Peer).Int("bytes", len(env.Payload)).Msg("forwarded")
}

func (r *Relay) notice(c *relayClient, n protocol.Notice) {
	f, err := protocol.EncodeFrame(protocol.MessageTypeNotice, n)
	if err != nil {
		return
	}
	_ = r.write(c, f)
}

// write sends one frame to c. A failed write may leave part of the frame on
// the stream, so the client is disconnected rather than left out of step.
func (r *Relay) write(c *relayClient, f protocol.Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.broken {
		return net.ErrClosed
	}
	_ = c.st.SetWriteDeadline(time.Now().Add(r.cfg.WriteTimeout))
	err := protocol.WriteFrame(c.st, f)
	_ = c.st.SetWriteDeadline(time.Time{})
	if err != nil {
		c.broken = true
		_ = c.qc.CloseWithError(codeStreamBroken, "stream broken")
	}
	return err
}
