package hedge

import "sync"

type State string

type Event string

const (
	StateIdle            State = "IDLE"
	StateEntering        State = "ENTERING"
	StateAwaitingHedge   State = "AWAITING_HEDGE"
	StateConfirming      State = "CONFIRMING"
	StateEmergencyUnwind State = "EMERGENCY_UNWIND"
)

const (
	EventSignal        Event = "SIGNAL"
	EventPrimaryFilled Event = "PRIMARY_FILLED"
	EventHedgeFilled   Event = "HEDGE_FILLED"
	EventDone          Event = "DONE"
	EventAbandon       Event = "ABANDON"
	EventEmergency     Event = "EMERGENCY"
	EventUnwound       Event = "UNWOUND"
)

type StateMachine struct {
	mu    sync.Mutex
	state State
}

func NewStateMachine() *StateMachine {
	return &StateMachine{state: StateIdle}
}

func (s *StateMachine) Apply(event Event) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = nextState(s.state, event)
	return s.state
}

func (s *StateMachine) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func nextState(current State, event Event) State {
	if event == EventEmergency {
		return StateEmergencyUnwind
	}
	switch current {
	case StateIdle:
		if event == EventSignal {
			return StateEntering
		}
	case StateEntering:
		if event == EventPrimaryFilled {
			return StateAwaitingHedge
		}
		if event == EventAbandon {
			return StateIdle
		}
	case StateAwaitingHedge:
		if event == EventHedgeFilled {
			return StateConfirming
		}
		if event == EventAbandon {
			return StateIdle
		}
	case StateConfirming:
		if event == EventDone {
			return StateIdle
		}
	case StateEmergencyUnwind:
		if event == EventUnwound {
			return StateIdle
		}
	}
	return current
}
