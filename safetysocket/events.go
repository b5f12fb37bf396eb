package safetysocket

import "sync"

// Event names emitted by a Manager. Any other name may be registered with On;
// it simply never fires.
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
	EventMessage      = "message"
	EventError        = "error"
)

// Event is passed to handlers. Fields not relevant to Name are empty.
type Event struct {
	Name   string
	ConnID string // local connection ID at the time of the event
	PeerID string // message sender, or the peer an error concerns
	Data   string // decrypted message
	Err    error
}

// Handler receives events. Handlers run on the manager's delivery goroutine
// and should not block.
type Handler func(Event)

// listeners maps event names to handlers in registration order.
type listeners struct {
	mu     sync.RWMutex
	byName map[string][]Handler
}

func newListeners() *listeners {
	return &listeners{byName: make(map[string][]Handler)}
}

func (l *listeners) add(name string, h Handler) {
	l.mu.Lock()
	l.byName[name] = append(l.byName[name], h)
	l.mu.Unlock()
}

// snapshot copies the handler list so dispatch runs without the lock held.
func (l *listeners) snapshot(name string) []Handler {
	l.mu.RLock()
	defer l.mu.RUnlock()
	hs := l.byName[name]
	if len(hs) == 0 {
		return nil
	}
	out := make([]Handler, len(hs))
	copy(out, hs)
	return out
}

func (l *listeners) count(name string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.byName[name])
}

func (l *listeners) reset() {
	l.mu.Lock()
	l.byName = make(map[string][]Handler)
	l.mu.Unlock()
}
