package safetysocket

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheusHen/safetysocket/safetysocket/conn"
	"github.com/TheusHen/safetysocket/safetysocket/crypto"
	"github.com/TheusHen/safetysocket/safetysocket/protocol"
	"github.com/TheusHen/safetysocket/safetysocket/secret"
	"github.com/TheusHen/safetysocket/safetysocket/transport"
	"github.com/TheusHen/safetysocket/safetysocket/transport/memory"
)

const waitFor = 2 * time.Second

func newConnected(t *testing.T, hub *memory.Hub, apiKey string, opts Options) *Manager {
	t.Helper()
	m := NewManager(apiKey, hub, opts)
	ok, err := m.Connect(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	t.Cleanup(func() { _ = m.Kill() })
	return m
}

// collect forwards every event named name to a buffered channel.
func collect(m *Manager, name string) <-chan Event {
	ch := make(chan Event, 16)
	m.On(name, func(ev Event) { ch <- ev })
	return ch
}

func next(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func sealFor(t *testing.T, token, from, to, msg string) []byte {
	t.Helper()
	sec, err := secret.ParseToken(token)
	require.NoError(t, err)
	frame, err := crypto.Seal(sec[:], protocol.EncodeBody([]byte(msg), protocol.CompressionOff), crypto.RouteData(from, to))
	require.NoError(t, err)
	return frame
}

func TestScenarioSendAndReceive(t *testing.T) {
	ctx := context.Background()
	hub := memory.NewHub("k1")
	m := newConnected(t, hub, "k1", DefaultOptions())
	messages := collect(m, EventMessage)

	peer, err := hub.Open(ctx, "k1")
	require.NoError(t, err)
	defer peer.Close()
	peerA := peer.ID()

	token, err := m.MakeSecret(peerA)
	require.NoError(t, err)
	require.NoError(t, m.Send(ctx, peerA, "hello"))

	deliveries := hub.Deliveries()
	require.Len(t, deliveries, 1)
	require.Equal(t, m.ID(), deliveries[0].From)
	require.Equal(t, peerA, deliveries[0].To)
	require.NotContains(t, string(deliveries[0].Frame), "hello")

	sec, err := secret.ParseToken(token)
	require.NoError(t, err)
	body, err := crypto.Open(sec[:], deliveries[0].Frame, crypto.RouteData(m.ID(), peerA))
	require.NoError(t, err)
	plain, err := protocol.DecodeBody(body)
	require.NoError(t, err)
	require.Equal(t, "hello", string(plain))

	require.NoError(t, peer.SendFrame(ctx, m.ID(), sealFor(t, token, peerA, m.ID(), "hi back")))
	ev := next(t, messages)
	require.Equal(t, EventMessage, ev.Name)
	require.Equal(t, peerA, ev.PeerID)
	require.Equal(t, "hi back", ev.Data)
	require.Equal(t, m.ID(), ev.ConnID)
}

func TestSecretStatusFalseUntilMakeOrManual(t *testing.T) {
	m := NewManager("k1", memory.NewHub(), DefaultOptions())
	require.False(t, m.GetSecretStatus("p1"))
	require.False(t, m.GetSecretStatus("p2"))

	_, err := m.MakeSecret("p1")
	require.NoError(t, err)
	require.True(t, m.GetSecretStatus("p1"))
	require.False(t, m.GetSecretStatus("p2"))

	require.NoError(t, m.SetManualSecret("shared passphrase"))
	require.True(t, m.GetSecretStatus("p2"))
	require.True(t, m.GetSecretStatus("anyone"))
	require.Equal(t, "shared passphrase", m.ManualSecret())

	require.NoError(t, m.SetManualSecret(""))
	require.Empty(t, m.ManualSecret())
	require.False(t, m.GetSecretStatus("p2"))
	require.True(t, m.GetSecretStatus("p1"))
}

func TestMakeSecretGenerationFailure(t *testing.T) {
	opts := DefaultOptions()
	opts.Rand = iotest.ErrReader(context.DeadlineExceeded)
	m := NewManager("k1", memory.NewHub(), opts)

	_, err := m.MakeSecret("p1")
	require.ErrorIs(t, err, ErrGeneration)
	require.False(t, m.GetSecretStatus("p1"))
}

func TestSetSecret(t *testing.T) {
	m := NewManager("k1", memory.NewHub(), DefaultOptions())
	sec, err := secret.Generate(strings.NewReader(strings.Repeat("x", secret.Size)))
	require.NoError(t, err)

	require.NoError(t, m.SetSecret("peer-1:"+sec.Token()))
	require.True(t, m.GetSecretStatus("peer-1"))
	require.Empty(t, m.ManualSecret())

	require.NoError(t, m.SetSecret("not a token"))
	require.Equal(t, "not a token", m.ManualSecret())

	require.ErrorIs(t, m.SetSecret(""), secret.ErrInvalidSecret)
}

func TestSendWithoutSecretSendsNothing(t *testing.T) {
	ctx := context.Background()
	hub := memory.NewHub()
	m := newConnected(t, hub, "k1", DefaultOptions())
	peer, err := hub.Open(ctx, "k2")
	require.NoError(t, err)
	defer peer.Close()

	err = m.Send(ctx, peer.ID(), "hello")
	require.ErrorIs(t, err, ErrSecretNotFound)
	require.Empty(t, hub.Deliveries())
}

func TestSendWhileDisconnected(t *testing.T) {
	ctx := context.Background()
	m := NewManager("k1", memory.NewHub(), DefaultOptions())

	require.ErrorIs(t, m.Send(ctx, "p1", "hello"), ErrNotConnected)

	_, err := m.MakeSecret("p1")
	require.NoError(t, err)
	require.ErrorIs(t, m.Send(ctx, "p1", "hello"), ErrNotConnected)

	require.NoError(t, m.SetManualSecret("passphrase"))
	require.ErrorIs(t, m.Send(ctx, "p1", "hello"), ErrNotConnected)
}

func TestConnectFailure(t *testing.T) {
	hub := memory.NewHub("k1")
	m := NewManager("wrong", hub, DefaultOptions())

	ok, err := m.Connect(context.Background())
	require.False(t, ok)
	require.ErrorIs(t, err, ErrConnection)
	require.ErrorIs(t, err, transport.ErrUnauthorized)
	require.Equal(t, conn.Disconnected, m.State())
	require.Empty(t, m.ID())

	hub.FailOpens(transport.ErrPeerUnreachable)
	m = NewManager("k1", hub, DefaultOptions())
	_, err = m.Connect(context.Background())
	require.ErrorIs(t, err, ErrConnection)

	hub.FailOpens(nil)
	ok, err = m.Connect(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, m.Kill())
}

func TestConnectIsIdempotent(t *testing.T) {
	hub := memory.NewHub()
	m := newConnected(t, hub, "k1", DefaultOptions())
	id := m.ID()

	ok, err := m.Connect(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, id, m.ID())
	require.Len(t, hub.Connected(), 1)
}

func TestKillThenConnectGivesFreshIDAndDropsListeners(t *testing.T) {
	hub := memory.NewHub()
	m := NewManager("k1", hub, DefaultOptions())

	var stale atomic.Int32
	m.On(EventConnected, func(Event) { stale.Add(1) })
	m.On(EventMessage, func(Event) { stale.Add(100) })

	ok, err := m.Connect(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 1, stale.Load())
	first := m.ID()
	require.NotEmpty(t, first)

	require.NoError(t, m.Kill())
	require.Equal(t, conn.Disconnected, m.State())
	require.Empty(t, m.ID())

	require.NoError(t, m.SetManualSecret("passphrase"))
	fresh := collect(m, EventMessage)
	ok, err = m.Connect(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	defer m.Kill()
	second := m.ID()
	require.NotEqual(t, first, second)

	peer, err := hub.Open(context.Background(), "k1")
	require.NoError(t, err)
	defer peer.Close()
	sec, err := secret.FromMaterial("passphrase")
	require.NoError(t, err)
	require.NoError(t, peer.SendFrame(context.Background(), second, sealFor(t, sec.Token(), peer.ID(), second, "ping")))

	require.Equal(t, "ping", next(t, fresh).Data)
	require.EqualValues(t, 1, stale.Load())
}

func TestKillFromConnectedHandler(t *testing.T) {
	hub := memory.NewHub()
	m := NewManager("k1", hub, DefaultOptions())
	var late atomic.Int32
	m.On(EventConnected, func(Event) { require.NoError(t, m.Kill()) })
	m.On(EventConnected, func(Event) { late.Add(1) })

	ok, err := m.Connect(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, conn.Disconnected, m.State())
	require.Empty(t, m.ID())
	require.Empty(t, hub.Connected())
	// The second handler was registered before the link went up, so it still runs once.
	require.EqualValues(t, 1, late.Load())
}

func TestKillIsIdempotent(t *testing.T) {
	m := NewManager("k1", memory.NewHub(), DefaultOptions())
	require.NoError(t, m.Kill())
	require.NoError(t, m.Kill())

	ok, err := m.Connect(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, m.Kill())
	require.NoError(t, m.Kill())
	require.Equal(t, conn.Disconnected, m.State())
}

func TestKillKeepsSecrets(t *testing.T) {
	m := newConnected(t, memory.NewHub(), "k1", DefaultOptions())
	_, err := m.MakeSecret("p1")
	require.NoError(t, err)
	require.NoError(t, m.Kill())
	require.True(t, m.GetSecretStatus("p1"))
}

func TestKillUnblocksPendingSend(t *testing.T) {
	ctx := context.Background()
	hub := memory.NewHub()
	opts := DefaultOptions()
	opts.SendTimeout = 0
	m := NewManager("k1", hub, opts)
	ok, err := m.Connect(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// Nobody drains the peer, so its buffer fills and the next send blocks.
	peer, err := hub.Open(ctx, "k2")
	require.NoError(t, err)
	defer peer.Close()
	require.NoError(t, m.SetManualSecret("passphrase"))

	errc := make(chan error, 1)
	go func() {
		for {
			if err := m.Send(ctx, peer.ID(), "flood"); err != nil {
				errc <- err
				return
			}
		}
	}()

	require.Eventually(t, func() bool { return len(hub.Deliveries()) > 64 }, waitFor, 5*time.Millisecond)
	require.NoError(t, m.Kill())

	select {
	case err := <-errc:
		require.ErrorIs(t, err, ErrNotConnected)
	case <-time.After(waitFor):
		t.Fatal("send still blocked after Kill")
	}
}

func TestTransportDropEmitsDisconnected(t *testing.T) {
	hub := memory.NewHub()
	m := newConnected(t, hub, "k1", DefaultOptions())
	dropped := collect(m, EventDisconnected)
	id := m.ID()

	require.True(t, hub.Drop(id))
	ev := next(t, dropped)
	require.Equal(t, id, ev.ConnID)
	require.ErrorIs(t, ev.Err, transport.ErrClosed)

	require.Eventually(t, func() bool { return m.State() == conn.Disconnected }, waitFor, 5*time.Millisecond)
	require.Empty(t, m.ID())
	require.NoError(t, m.SetManualSecret("passphrase"))
	require.ErrorIs(t, m.Send(context.Background(), "p1", "x"), ErrNotConnected)

	// No automatic reconnect, but the caller may connect again.
	ok, err := m.Connect(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEqual(t, id, m.ID())
}

func TestForeignFrameEmitsErrorAndManagerSurvives(t *testing.T) {
	ctx := context.Background()
	hub := memory.NewHub()
	m := newConnected(t, hub, "k1", DefaultOptions())
	errs := collect(m, EventError)
	messages := collect(m, EventMessage)

	peer, err := hub.Open(ctx, "k2")
	require.NoError(t, err)
	defer peer.Close()
	token, err := m.MakeSecret(peer.ID())
	require.NoError(t, err)

	other, err := secret.Generate(strings.NewReader(strings.Repeat("o", secret.Size)))
	require.NoError(t, err)
	require.NoError(t, peer.SendFrame(ctx, m.ID(), sealFor(t, other.Token(), peer.ID(), m.ID(), "forged")))
	ev := next(t, errs)
	require.ErrorIs(t, ev.Err, ErrDecryption)
	require.Equal(t, peer.ID(), ev.PeerID)

	require.NoError(t, peer.SendFrame(ctx, m.ID(), []byte{0x01, 0x02}))
	require.ErrorIs(t, next(t, errs).Err, ErrDecryption)

	// A frame sealed for somebody else's route is rejected too.
	require.NoError(t, peer.SendFrame(ctx, m.ID(), sealFor(t, token, peer.ID(), "elsewhere", "misrouted")))
	require.ErrorIs(t, next(t, errs).Err, ErrDecryption)

	require.NoError(t, peer.SendFrame(ctx, m.ID(), sealFor(t, token, peer.ID(), m.ID(), "genuine")))
	require.Equal(t, "genuine", next(t, messages).Data)
}

func TestFrameFromUnknownPeerEmitsError(t *testing.T) {
	hub := memory.NewHub()
	m := newConnected(t, hub, "k1", DefaultOptions())
	errs := collect(m, EventError)

	require.NoError(t, hub.Inject(m.ID(), "stranger", []byte("whatever")))
	ev := next(t, errs)
	require.ErrorIs(t, ev.Err, ErrSecretNotFound)
	require.Equal(t, "stranger", ev.PeerID)
}

func TestTwoManagersExchange(t *testing.T) {
	ctx := context.Background()
	hub := memory.NewHub()

	fast := DefaultOptions()
	fast.Compression = protocol.CompressionFast
	alice := newConnected(t, hub, "alice", fast)
	bob := newConnected(t, hub, "bob", DefaultOptions())
	atBob := collect(bob, EventMessage)
	atAlice := collect(alice, EventMessage)

	token, err := alice.MakeSecret(bob.ID())
	require.NoError(t, err)
	require.NoError(t, bob.SetSecret(alice.ID()+":"+token))

	long := strings.Repeat("compressible ", 200)
	require.NoError(t, alice.Send(ctx, bob.ID(), long))
	ev := next(t, atBob)
	require.Equal(t, alice.ID(), ev.PeerID)
	require.Equal(t, long, ev.Data)
	require.Less(t, len(hub.Deliveries()[0].Frame), len(long))

	require.NoError(t, bob.Send(ctx, alice.ID(), "ack"))
	require.Equal(t, "ack", next(t, atAlice).Data)
}

func TestManualSecretOverridesPerPeer(t *testing.T) {
	ctx := context.Background()
	hub := memory.NewHub()
	alice := newConnected(t, hub, "alice", DefaultOptions())
	bob := newConnected(t, hub, "bob", DefaultOptions())
	atBob := collect(bob, EventMessage)
	errs := collect(bob, EventError)

	// Alice holds a per-peer secret Bob never saw; the manual one wins on both sides.
	_, err := alice.MakeSecret(bob.ID())
	require.NoError(t, err)
	require.NoError(t, alice.SetManualSecret("orange walrus"))
	require.NoError(t, bob.SetManualSecret("orange walrus"))

	require.NoError(t, alice.Send(ctx, bob.ID(), "via manual"))
	require.Equal(t, "via manual", next(t, atBob).Data)

	require.NoError(t, alice.SetManualSecret(""))
	require.NoError(t, alice.Send(ctx, bob.ID(), "via per-peer"))
	require.ErrorIs(t, next(t, errs).Err, ErrDecryption)
}

func TestConcurrentSends(t *testing.T) {
	ctx := context.Background()
	hub := memory.NewHub()
	alice := newConnected(t, hub, "alice", DefaultOptions())
	bob := newConnected(t, hub, "bob", DefaultOptions())
	require.NoError(t, alice.SetManualSecret("p"))
	require.NoError(t, bob.SetManualSecret("p"))

	var got atomic.Int32
	bob.On(EventMessage, func(Event) { got.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				assert.NoError(t, alice.Send(ctx, bob.ID(), "m"))
			}
		}()
	}
	wg.Wait()
	require.Eventually(t, func() bool { return got.Load() == 40 }, waitFor, 5*time.Millisecond)
}

func TestHandlersRunInOrderAndSurvivePanics(t *testing.T) {
	hub := memory.NewHub()
	m := NewManager("k1", hub, DefaultOptions())

	var mu sync.Mutex
	var order []int
	record := func(n int) Handler {
		return func(Event) {
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
		}
	}
	m.On(EventConnected, record(1))
	m.On(EventConnected, func(Event) { panic("listener bug") })
	m.On(EventConnected, record(2))
	m.On(EventConnected, nil)
	m.On("custom", record(99))

	ok, err := m.Connect(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	defer m.Kill()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{1, 2}, order)
	require.Equal(t, 0, m.events.count(EventDisconnected))
	require.Equal(t, 1, m.events.count("custom"))
}

func TestLoad(t *testing.T) {
	hub := memory.NewHub("k1")

	s, err := Load(context.Background(), "k1", hub, DefaultOptions())
	require.NoError(t, err)
	require.Equal(t, conn.Connected, s.Manager.State())
	require.NotEmpty(t, s.Manager.ID())
	require.NoError(t, s.Manager.Kill())

	var bad SafetySocket
	err = bad.Load(context.Background(), "nope", hub, DefaultOptions())
	require.ErrorIs(t, err, ErrConnection)
	require.NotNil(t, bad.Manager)
	require.Equal(t, conn.Disconnected, bad.Manager.State())
}
