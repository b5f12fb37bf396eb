package safetysocket

import (
	"context"

	"github.com/TheusHen/safetysocket/safetysocket/transport"
)

// SafetySocket is the entry point for callers that want one manager bound to
// one API key. It holds no state of its own.
type SafetySocket struct {
	Manager *Manager
}

// Load builds a manager for apiKey and connects it. The manager is kept even
// when the connect fails so the caller can register listeners and retry.
func (s *SafetySocket) Load(ctx context.Context, apiKey string, dialer transport.Dialer, opts Options) error {
	s.Manager = NewManager(apiKey, dialer, opts)
	_, err := s.Manager.Connect(ctx)
	return err
}

// Load is shorthand for a SafetySocket with a connected manager.
func Load(ctx context.Context, apiKey string, dialer transport.Dialer, opts Options) (*SafetySocket, error) {
	s := &SafetySocket{}
	if err := s.Load(ctx, apiKey, dialer, opts); err != nil {
		return s, err
	}
	return s, nil
}
