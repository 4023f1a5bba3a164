// Package session hosts the orchestrator that owns a chat session: the
// serial worker every mutation runs on, the routing of inbound subjects to
// the sync components, and the session lifecycle state machine.
package session

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/parley-chat/parley/internal/bus"
)

// State represents a session lifecycle state.
type State string

const (
	Idle       State = "IDLE"
	Connecting State = "CONNECTING"
	Active     State = "ACTIVE"
	Resyncing  State = "RESYNCING"
	Errored    State = "ERROR"
)

// validTransitions defines allowed state transitions. Teardown from any
// live state returns to Idle.
var validTransitions = map[State][]State{
	Idle:       {Connecting},
	Connecting: {Active, Idle, Errored},
	Active:     {Resyncing, Connecting, Idle, Errored},
	Resyncing:  {Active, Idle, Errored},
	Errored:    {Idle},
}

// Machine tracks and enforces session state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a state machine starting in Idle.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{current: Idle, bus: b}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns an error if the
// transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindSessionState,
			Timestamp: time.Now(),
			Payload:   StateChange{From: from, To: to},
		})
	}
	return nil
}

// StateChange is the payload for session state events.
type StateChange struct {
	From State
	To   State
}
