package safetysocket

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/TheusHen/safetysocket/safetysocket/conn"
	"github.com/TheusHen/safetysocket/safetysocket/secret"
	"github.com/TheusHen/safetysocket/safetysocket/transport"
)

// Manager multiplexes encrypted peer conversations over one relay link.
// It is safe for concurrent use.
type Manager struct {
	apiKey  string
	dialer  transport.Dialer
	opts    Options
	secrets *secret.Store
	state   *conn.Machine
	events  *listeners
	log     zerolog.Logger

	// lifecycle serializes Connect and Kill.
	lifecycle sync.Mutex

	// mu guards the current link. The link, its context and the listener
	// reset on Kill change together under it.
	mu      sync.RWMutex
	link    transport.Conn
	linkCtx context.Context
	cancel  context.CancelFunc
}

// NewManager creates a disconnected manager for apiKey. Secrets live only in
// this manager's memory.
func NewManager(apiKey string, dialer transport.Dialer, opts Options) *Manager {
	m := &Manager{
		apiKey: apiKey,
		dialer: dialer,
		opts:   opts,
		secrets: secret.NewStore(secret.StoreConfig{
			Rand: opts.Rand,
			Now:  opts.Now,
		}),
		events: newListeners(),
		log:    opts.Logger,
	}
	m.state = conn.NewMachine(func(from, to conn.State) {
		m.log.Debug().Str("from", from.String()).Str("state", to.String()).Msg("connection state changed")
	})
	return m
}

// Connect opens the relay link. It returns true once connected. While a
// connect is in flight or the link is up it returns the current status
// without dialing again.
func (m *Manager) Connect(ctx context.Context) (bool, error) {
	switch m.state.Current() {
	case conn.Connected:
		return true, nil
	case conn.Connecting:
		return false, nil
	}

	link, err := m.open(ctx)
	if link == nil {
		return err == nil && m.state.Is(conn.Connected), err
	}

	// Kill may have run since open released the lifecycle lock.
	m.mu.RLock()
	current := m.link == link
	var connected []Handler
	if current {
		connected = m.events.snapshot(EventConnected)
	}
	m.mu.RUnlock()
	if !current {
		return m.state.Is(conn.Connected), nil
	}

	m.log.Info().Str("conn_id", link.ID()).Msg("connected")
	m.invoke(connected, Event{Name: EventConnected, ConnID: link.ID()})

	go m.deliver(link)
	return m.current(link), nil
}

func (m *Manager) current(link transport.Conn) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.link == link
}

// open dials under the lifecycle lock. It returns a nil link when another
// Connect got there first or the dial failed.
func (m *Manager) open(ctx context.Context) (transport.Conn, error) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if _, ok := m.state.BeginConnect(); !ok {
		return nil, nil
	}
	if m.dialer == nil {
		_ = m.state.Transition(conn.Connecting, conn.Disconnected)
		return nil, fmt.Errorf("%w: no transport configured", ErrConnection)
	}
	link, err := m.dialer.Open(ctx, m.apiKey)
	if err != nil {
		_ = m.state.Transition(conn.Connecting, conn.Disconnected)
		m.log.Warn().Err(err).Msg("connect failed")
		return nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}

	linkCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.link, m.linkCtx, m.cancel = link, linkCtx, cancel
	_ = m.state.Transition(conn.Connecting, conn.Connected)
	m.mu.Unlock()
	return link, nil
}

// Kill closes the link and drops every listener. Sends blocked in the
// transport return ErrNotConnected. Killing a disconnected manager only
// drops the listeners.
func (m *Manager) Kill() error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	link, cancel := m.link, m.cancel
	m.link, m.linkCtx, m.cancel = nil, nil, nil
	m.events.reset()
	if link == nil {
		m.mu.Unlock()
		return nil
	}
	_ = m.state.Transition(conn.Connected, conn.Closing)
	m.mu.Unlock()

	cancel()
	err := link.Close()
	_ = m.state.Transition(conn.Closing, conn.Disconnected)
	m.log.Info().Str("conn_id", link.ID()).Msg("killed")
	return err
}

// On registers handler for name. Handlers for one name run in registration order.
func (m *Manager) On(name string, handler Handler) {
	if handler == nil {
		return
	}
	m.events.add(name, handler)
	m.log.Debug().Str("event", name).Int("listeners", m.events.count(name)).Msg("listener registered")
}

// Send encrypts data for peerID and hands it to the relay. It does not wait
// for the peer.
func (m *Manager) Send(ctx context.Context, peerID, data string) error {
	m.mu.RLock()
	link, linkCtx := m.link, m.linkCtx
	m.mu.RUnlock()
	if link == nil || !m.state.Is(conn.Connected) {
		return ErrNotConnected
	}

	pc, err := m.channel(peerID)
	if err != nil {
		return err
	}
	if m.opts.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.SendTimeout)
		defer cancel()
	}
	if err := pc.send(ctx, linkCtx, link, data); err != nil {
		m.log.Debug().Err(err).Str("peer_id", peerID).Msg("send failed")
		return err
	}
	m.log.Debug().Str("peer_id", peerID).Str("secret", pc.source.String()).Int("bytes", len(data)).Msg("sent")
	return nil
}

// ID returns the relay-assigned ID of the current link, or "" when disconnected.
func (m *Manager) ID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.link == nil {
		return ""
	}
	return m.link.ID()
}

// State returns the connection state.
func (m *Manager) State() conn.State { return m.state.Current() }

// GetSecretStatus reports whether a secret resolves for peerID.
func (m *Manager) GetSecretStatus(peerID string) bool {
	return m.secrets.Has(peerID)
}

// MakeSecret creates a new secret for peerID and returns its token. The token
// has to reach the peer out of band.
func (m *Manager) MakeSecret(peerID string) (string, error) {
	sec, err := m.secrets.Create(peerID)
	if err != nil {
		return "", err
	}
	m.log.Debug().Str("peer_id", peerID).Msg("secret created")
	return sec.Token(), nil
}

// SetSecret imports secret material. "<peerID>:<token>" binds the token to
// that peer; anything else becomes the manual secret.
func (m *Manager) SetSecret(material string) error {
	return m.secrets.Import(material)
}

// ImportSecret binds a token received from peerID.
func (m *Manager) ImportSecret(peerID, token string) error {
	return m.secrets.ImportPeer(peerID, token)
}

// ManualSecret returns the manual secret as it was set, or "".
func (m *Manager) ManualSecret() string {
	return m.secrets.Manual()
}

// SetManualSecret installs the manual secret, which overrides every per-peer
// secret in both directions. The empty string clears it.
func (m *Manager) SetManualSecret(material string) error {
	if material == "" {
		m.secrets.ClearManual()
		return nil
	}
	return m.secrets.SetManual(material)
}

// deliver drains one link's events until the link ends.
func (m *Manager) deliver(link transport.Conn) {
	for ev := range link.Events() {
		switch ev.Kind {
		case transport.EventFrame:
			m.receive(link, ev.PeerID, ev.Frame)
		case transport.EventError:
			m.dispatch(link, Event{Name: EventError, PeerID: ev.PeerID, Err: ev.Err})
		case transport.EventDisconnected:
			m.dropped(link, ev.Err)
		}
	}
	m.dropped(link, transport.ErrClosed)
}

func (m *Manager) receive(link transport.Conn, peerID string, frame []byte) {
	pc, err := m.channel(peerID)
	if err != nil {
		m.log.Debug().Str("peer_id", peerID).Msg("frame from peer without secret")
		m.dispatch(link, Event{Name: EventError, PeerID: peerID, Err: err})
		return
	}
	data, err := pc.open(link.ID(), frame)
	if err != nil {
		m.log.Debug().Str("peer_id", peerID).Int("bytes", len(frame)).Msg("frame failed to open")
		m.dispatch(link, Event{Name: EventError, PeerID: peerID, Err: err})
		return
	}
	m.dispatch(link, Event{Name: EventMessage, PeerID: peerID, Data: data})
}

// dropped handles a link that ended without Kill. It is a no-op for links
// that are no longer current.
func (m *Manager) dropped(link transport.Conn, cause error) {
	m.mu.Lock()
	if m.link != link {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.link, m.linkCtx, m.cancel = nil, nil, nil
	_ = m.state.Transition(conn.Connected, conn.Disconnected)
	handlers := m.events.snapshot(EventDisconnected)
	m.mu.Unlock()

	cancel()
	_ = link.Close()
	m.log.Warn().Err(cause).Str("conn_id", link.ID()).Msg("disconnected by transport")
	m.invoke(handlers, Event{Name: EventDisconnected, ConnID: link.ID(), Err: cause})
}

// dispatch delivers ev to the listeners registered for its name, unless link
// was replaced or killed in the meantime.
func (m *Manager) dispatch(link transport.Conn, ev Event) {
	m.mu.RLock()
	if m.link != link {
		m.mu.RUnlock()
		return
	}
	handlers := m.events.snapshot(ev.Name)
	m.mu.RUnlock()

	ev.ConnID = link.ID()
	m.invoke(handlers, ev)
}

func (m *Manager) invoke(handlers []Handler, ev Event) {
	for _, h := range handlers {
		m.call(h, ev)
	}
}

func (m *Manager) call(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Str("event", ev.Name).Interface("panic", r).Msg("listener panicked")
		}
	}()
	h(ev)
}
