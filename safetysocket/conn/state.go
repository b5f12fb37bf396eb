// Package conn tracks the lifecycle of the single relay connection a manager holds.
package conn

import (
	"errors"
	"fmt"
	"sync"
)

var ErrInvalidTransition = errors.New("conn: invalid state transition")

// State is a point in the connection lifecycle.
type State uint8

const (
	Disconnected State = iota
	Connecting
	Connected
	Closing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

// allowed lists every legal edge. Connected -> Disconnected is a transport drop,
// Connecting -> Disconnected a failed connect.
var allowed = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Disconnected},
	Connected:    {Closing, Disconnected},
	Closing:      {Disconnected},
}

// Machine is the authoritative connection state. The zero value is Disconnected.
type Machine struct {
	mu       sync.Mutex
	state    State
	observer func(from, to State)
}

// NewMachine creates a machine that reports every transition to observer.
// observer may be nil.
func NewMachine(observer func(from, to State)) *Machine {
	return &Machine{observer: observer}
}

// Current returns the state at the time of the call.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Is reports whether the machine is in s.
func (m *Machine) Is(s State) bool {
	return m.Current() == s
}

// Transition moves from -> to, failing if the machine is not in from or the
// edge does not exist.
func (m *Machine) Transition(from, to State) error {
	m.mu.Lock()
	if m.state != from || !edge(from, to) {
		cur := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s (current %s)", ErrInvalidTransition, from, to, cur)
	}
	m.state = to
	obs := m.observer
	m.mu.Unlock()

	if obs != nil {
		obs(from, to)
	}
	return nil
}

// BeginConnect moves Disconnected -> Connecting. When the machine is anywhere
// else it returns false along with the state it found.
func (m *Machine) BeginConnect() (State, bool) {
	m.mu.Lock()
	cur := m.state
	m.mu.Unlock()
	if cur != Disconnected {
		return cur, false
	}
	if err := m.Transition(Disconnected, Connecting); err != nil {
		return m.Current(), false
	}
	return Connecting, true
}

func edge(from, to State) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}
