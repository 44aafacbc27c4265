package hedge

import "testing"

func TestStateMachineHappyPath(t *testing.T) {
	sm := NewStateMachine()
	if sm.State() != StateIdle {
		t.Fatalf("expected %s, got %s", StateIdle, sm.State())
	}
	steps := []struct {
		event Event
		want  State
	}{
		{EventSignal, StateEntering},
		{EventPrimaryFilled, StateAwaitingHedge},
		{EventHedgeFilled, StateConfirming},
		{EventDone, StateIdle},
	}
	for _, step := range steps {
		if got := sm.Apply(step.event); got != step.want {
			t.Fatalf("%s: expected %s, got %s", step.event, step.want, got)
		}
	}
}

func TestStateMachineEmergencyFromAnyState(t *testing.T) {
	for _, start := range []State{StateIdle, StateEntering, StateAwaitingHedge, StateConfirming} {
		sm := &StateMachine{state: start}
		if sm.Apply(EventEmergency) != StateEmergencyUnwind {
			t.Fatalf("expected emergency from %s", start)
		}
		if sm.Apply(EventSignal) != StateEmergencyUnwind {
			t.Fatalf("signal must not leave emergency unwind")
		}
		if sm.Apply(EventUnwound) != StateIdle {
			t.Fatalf("expected idle after unwind")
		}
	}
}

func TestStateMachineInvalidTransition(t *testing.T) {
	sm := NewStateMachine()
	if sm.Apply(EventHedgeFilled) != StateIdle {
		t.Fatalf("invalid transition should not change state")
	}
	sm.Apply(EventSignal)
	if sm.Apply(EventAbandon) != StateIdle {
		t.Fatalf("abandoned entry should return to idle")
	}
}
