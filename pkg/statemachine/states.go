package statemachine

import "time"

// State is the lifecycle state of a plugin instance
type State string

const (
	// StateDiscovered is the initial state when an instance record is created
	StateDiscovered State = "discovered"

	// StateRegistered means the instance is known to the manager
	StateRegistered State = "registered"

	// StateValidated means the manifest and configuration passed validation
	StateValidated State = "validated"

	// StateInitializing means resources and sandbox are being prepared
	StateInitializing State = "initializing"

	// StateStarting means the runtime start is in progress
	StateStarting State = "starting"

	// StateRunning means the instance is running normally
	StateRunning State = "running"

	// StateStopping means a stop is in progress
	StateStopping State = "stopping"

	// StateStopped means the instance stopped cleanly
	StateStopped State = "stopped"

	// StateRestarting means an in-place restart is in progress
	StateRestarting State = "restarting"

	// StateError means the instance failed or crashed; only initialize leaves it
	StateError State = "error"
)

// AllStates lists every state in lifecycle order
var AllStates = []State{
	StateDiscovered, StateRegistered, StateValidated, StateInitializing, StateStarting,
	StateRunning, StateStopping, StateStopped, StateRestarting, StateError,
}

// IsActive reports whether the instance is running or on its way there
func (s State) IsActive() bool {
	return s == StateRunning || s == StateStarting || s == StateInitializing
}

// Transition names a requested state change
type Transition string

const (
	TransitionRegister      Transition = "register"
	TransitionValidate      Transition = "validate"
	TransitionInitialize    Transition = "initialize"
	TransitionCompleteInit  Transition = "complete_init"
	TransitionCompleteStart Transition = "complete_start"
	TransitionStop          Transition = "stop"
	TransitionCompleteStop  Transition = "complete_stop"
	TransitionRestart       Transition = "restart"
	TransitionError         Transition = "error"
)

type edge struct {
	from []State
	to   State
}

// transitionTable; an empty from list means any state
var transitionTable = map[Transition]edge{
	TransitionRegister:      {from: []State{StateDiscovered}, to: StateRegistered},
	TransitionValidate:      {from: []State{StateRegistered}, to: StateValidated},
	TransitionInitialize:    {from: []State{StateValidated, StateStopped, StateRestarting, StateError}, to: StateInitializing},
	TransitionCompleteInit:  {from: []State{StateInitializing}, to: StateStarting},
	TransitionCompleteStart: {from: []State{StateStarting}, to: StateRunning},
	TransitionStop:          {from: []State{StateRunning, StateStarting, StateInitializing, StateRestarting}, to: StateStopping},
	TransitionCompleteStop:  {from: []State{StateStopping}, to: StateStopped},
	TransitionRestart:       {from: []State{StateRunning}, to: StateRestarting},
	TransitionError:         {to: StateError},
}

// Target returns the state a transition leads to from the given state
func Target(from State, t Transition) (State, bool) {
	e, exists := transitionTable[t]
	if !exists {
		return "", false
	}
	if len(e.from) == 0 {
		return e.to, true
	}
	for _, s := range e.from {
		if s == from {
			return e.to, true
		}
	}
	return "", false
}

// TransitionResult is an immutable record of one transition attempt
type TransitionResult struct {
	InstanceID string        `json:"instance_id" yaml:"instance_id"`
	Transition Transition    `json:"transition" yaml:"transition"`
	From       State         `json:"from_state" yaml:"from_state"`
	To         State         `json:"to_state" yaml:"to_state"`
	Reason     string        `json:"reason,omitempty" yaml:"reason,omitempty"`
	Timestamp  time.Time     `json:"timestamp" yaml:"timestamp"`
	Duration   time.Duration `json:"duration" yaml:"duration"`
	Success    bool          `json:"success" yaml:"success"`
	Error      string        `json:"error,omitempty" yaml:"error,omitempty"`
}

type EventType string

const (
	EventTransitionCompleted EventType = "transition_completed"
	EventTransitionFailed    EventType = "transition_failed"
	EventInstanceAdded       EventType = "instance_added"
	EventInstanceRemoved     EventType = "instance_removed"
)

type Event struct {
	Type       EventType        `json:"type"`
	InstanceID string           `json:"instance_id"`
	Result     TransitionResult `json:"result"`
	Timestamp  time.Time        `json:"timestamp"`
}

// Metrics summarizes the state table
type Metrics struct {
	TotalInstances    int           `json:"total_instances"`
	TotalTransitions  uint64        `json:"total_transitions"`
	FailedTransitions uint64        `json:"failed_transitions"`
	StateCounts       map[State]int `json:"state_counts"`
	LastTransition    time.Time     `json:"last_transition"`
}
