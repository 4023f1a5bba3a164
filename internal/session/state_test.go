package session

import (
	"testing"

	"github.com/parley-chat/parley/internal/bus"
)

func TestMachineHappyPath(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Idle {
		t.Fatalf("initial state = %s, want %s", m.Current(), Idle)
	}
	for _, to := range []State{Connecting, Active, Resyncing, Active, Idle} {
		if err := m.Transition(to); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}
}

func TestMachineRejectsInvalidTransition(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Transition(Active); err == nil {
		t.Error("Idle -> Active allowed")
	}
	if m.Current() != Idle {
		t.Error("failed transition changed state")
	}
}

func TestMachinePublishesChanges(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe(bus.KindSessionState, 4)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Connecting); err != nil {
		t.Fatal(err)
	}
	select {
	case evt := <-ch:
		sc := evt.Payload.(StateChange)
		if sc.From != Idle || sc.To != Connecting {
			t.Errorf("change = %+v", sc)
		}
	default:
		t.Fatal("no state change event")
	}
}
