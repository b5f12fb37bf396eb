package quic_test

import (
	"context"
	"testing"
	"time"

	"github.com/TheusHen/safetysocket/safetysocket"
	"github.com/TheusHen/safetysocket/safetysocket/transport/quic"
)

func TestManagersOverRelay(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	r, err := quic.ListenRelay(quic.RelayConfig{Addr: "[::1]:0"})
	if err != nil {
		t.Fatalf("ListenRelay: %v", err)
	}
	defer r.Close()
	go func() { _ = r.Serve(ctx) }()

	d := quic.NewDialer(quic.DialerConfig{Addr: r.AddrString()})
	alice := safetysocket.NewManager("alice", d, safetysocket.DefaultOptions())
	bob := safetysocket.NewManager("bob", d, safetysocket.DefaultOptions())
	for _, m := range []*safetysocket.Manager{alice, bob} {
		if ok, err := m.Connect(ctx); err != nil || !ok {
			t.Fatalf("Connect: %v %v", ok, err)
		}
		defer m.Kill()
	}

	token, err := alice.MakeSecret(bob.ID())
	if err != nil {
		t.Fatalf("MakeSecret: %v", err)
	}
	if err := bob.ImportSecret(alice.ID(), token); err != nil {
		t.Fatalf("ImportSecret: %v", err)
	}

	got := make(chan safetysocket.Event, 1)
	bob.On(safetysocket.EventMessage, func(ev safetysocket.Event) { got <- ev })
	unreachable := make(chan safetysocket.Event, 1)
	alice.On(safetysocket.EventError, func(ev safetysocket.Event) { unreachable <- ev })

	if err := alice.Send(ctx, bob.ID(), "over quic"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case ev := <-got:
		if ev.Data != "over quic" || ev.PeerID != alice.ID() {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-ctx.Done():
		t.Fatal("message not delivered")
	}

	// The relay reports peers it does not know back to the sender.
	if err := alice.SetManualSecret("passphrase"); err != nil {
		t.Fatal(err)
	}
	if err := alice.Send(ctx, "nobody", "hello?"); err != nil {
		t.Fatalf("Send to unknown peer: %v", err)
	}
	select {
	case ev := <-unreachable:
		if ev.PeerID != "nobody" {
			t.Fatalf("error event for %q", ev.PeerID)
		}
	case <-ctx.Done():
		t.Fatal("no error event for unknown peer")
	}

	// A relay-side drop surfaces as a disconnected event.
	dropped := make(chan struct{})
	bob.On(safetysocket.EventDisconnected, func(safetysocket.Event) { close(dropped) })
	if !r.Kick(bob.ID()) {
		t.Fatal("Kick: bob not connected")
	}
	select {
	case <-dropped:
	case <-ctx.Done():
		t.Fatal("no disconnected event after kick")
	}
}
