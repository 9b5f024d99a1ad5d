// Package models provides the data structures and state tracking shared by the
// selector, the order helpers and the session monitor.
package models

import (
	"fmt"
	"time"
)

// SessionPhase is the visible state of a trading session.
type SessionPhase string

const (
	PhaseSelecting  SessionPhase = "selecting"  // Looking for a strike pair to sell
	PhaseEntered    SessionPhase = "entered"    // Both legs sold and protected
	PhaseMonitoring SessionPhase = "monitoring" // Polling prices and managing risk
	PhaseTerminated SessionPhase = "terminated" // Final, no more polling
)

// LegState is the state of one side (call or put) of the strangle.
type LegState string

const (
	LegEmpty   LegState = "empty"   // Nothing sold on this side yet
	LegOpen    LegState = "open"    // Short option with a live protective stop
	LegStopped LegState = "stopped" // Protective stop filled, awaiting replacement decision
	LegClosed  LegState = "closed"  // Side finished for this entry
)

// StateTransition defines a valid state transition.
type StateTransition[S ~string] struct {
	From        S
	To          S
	Condition   string
	Description string
}

// SessionTransitions lists the allowed session phase changes.
var SessionTransitions = []StateTransition[SessionPhase]{
	{PhaseSelecting, PhaseEntered, "legs_entered", "Entry and stop orders placed for both legs"},
	{PhaseEntered, PhaseMonitoring, "monitoring_started", "Polling loop started"},
	{PhaseMonitoring, PhaseSelecting, "delta_breach", "Leg delta left the tolerance band, re-acquire"},
	{PhaseSelecting, PhaseMonitoring, "entry_failed", "Entry failed with a short still open, unwinding it"},
	{PhaseMonitoring, PhaseSelecting, "entry_unwound", "Short left by a failed entry bought back"},

	{PhaseSelecting, PhaseTerminated, "cutoff", "Session cutoff reached before entry"},
	{PhaseMonitoring, PhaseTerminated, "cutoff", "Session cutoff reached, stops tightened"},
	{PhaseMonitoring, PhaseTerminated, "max_stop_losses", "Stop-loss trigger limit reached"},
	{PhaseMonitoring, PhaseTerminated, "no_open_legs", "Every leg is closed"},
}

// LegTransitions lists the allowed per-leg state changes.
var LegTransitions = []StateTransition[LegState]{
	{LegEmpty, LegOpen, "entered", "Leg sold and stop placed"},
	{LegOpen, LegStopped, "stop_filled", "Protective stop completed"},
	{LegStopped, LegOpen, "replaced", "Replacement leg sold and protected"},
	{LegStopped, LegClosed, "not_replaced", "No replacement taken"},
	{LegOpen, LegClosed, "exited", "Leg bought back"},
	{LegClosed, LegOpen, "entered", "Fresh entry after re-selection"},
}

// StateMachine tracks state transitions against a fixed transition table.
type StateMachine[S ~string] struct {
	transitionTime  time.Time
	transitions     []StateTransition[S]
	transitionCount map[S]int
	limits          map[S]int
	initialState    S
	currentState    S
	previousState   S
}

// NewStateMachine creates a state machine starting in initial.
func NewStateMachine[S ~string](initial S, transitions []StateTransition[S]) *StateMachine[S] {
	return &StateMachine[S]{
		transitions:     transitions,
		initialState:    initial,
		currentState:    initial,
		previousState:   initial,
		transitionTime:  time.Now().UTC(),
		transitionCount: make(map[S]int),
		limits:          make(map[S]int),
	}
}

// NewSessionMachine creates the session phase machine.
func NewSessionMachine() *StateMachine[SessionPhase] {
	return NewStateMachine(PhaseSelecting, SessionTransitions)
}

// NewLegMachine creates a per-leg machine. The session-wide stop-loss cap is
// enforced by SessionState, not here.
func NewLegMachine() *StateMachine[LegState] {
	return NewStateMachine(LegEmpty, LegTransitions)
}

// SetLimit caps how many times state may be entered. A negative max removes the cap.
func (sm *StateMachine[S]) SetLimit(state S, max int) {
	if max < 0 {
		delete(sm.limits, state)
		return
	}
	sm.limits[state] = max
}

// GetCurrentState returns the current state
func (sm *StateMachine[S]) GetCurrentState() S {
	return sm.currentState
}

// GetPreviousState returns the previous state
func (sm *StateMachine[S]) GetPreviousState() S {
	return sm.previousState
}

// GetTransitionTime returns when the last transition happened.
func (sm *StateMachine[S]) GetTransitionTime() time.Time {
	return sm.transitionTime
}

// IsValidTransition checks if a transition is valid
func (sm *StateMachine[S]) IsValidTransition(to S, condition string) error {
	if !sm.isTransitionDefined(to, condition) {
		return fmt.Errorf("invalid transition from %s to %s with condition '%s'",
			sm.currentState, to, condition)
	}
	return sm.validateTransitionLimits(to)
}

func (sm *StateMachine[S]) isTransitionDefined(to S, condition string) bool {
	for _, transition := range sm.transitions {
		if transition.From != sm.currentState || transition.To != to {
			continue
		}
		if conditionMatches(transition.Condition, condition) {
			return true
		}
	}
	return false
}

// conditionMatches checks if the condition requirements are satisfied
func conditionMatches(transitionCondition, providedCondition string) bool {
	if transitionCondition == "" {
		return true
	}
	return providedCondition == transitionCondition
}

func (sm *StateMachine[S]) validateTransitionLimits(to S) error {
	max, ok := sm.limits[to]
	if !ok || max < 0 {
		return nil
	}
	if sm.transitionCount[to] >= max {
		return fmt.Errorf("maximum transitions into %s (%d) exceeded", to, max)
	}
	return nil
}

// Transition moves to a new state
func (sm *StateMachine[S]) Transition(to S, condition string) error {
	if err := sm.IsValidTransition(to, condition); err != nil {
		return err
	}

	sm.previousState = sm.currentState
	sm.currentState = to
	sm.transitionTime = time.Now().UTC()
	sm.transitionCount[to]++
	return nil
}

// GetTransitionCount returns how many times we've been in a state
func (sm *StateMachine[S]) GetTransitionCount(state S) int {
	return sm.transitionCount[state]
}

// Reset returns the machine to its initial state and clears counters.
func (sm *StateMachine[S]) Reset() {
	sm.currentState = sm.initialState
	sm.previousState = sm.initialState
	sm.transitionTime = time.Now().UTC()
	sm.transitionCount = make(map[S]int)
}

// Is reports whether the machine is currently in state.
func (sm *StateMachine[S]) Is(state S) bool {
	return sm.currentState == state
}

// Copy creates a deep copy of the StateMachine
func (sm *StateMachine[S]) Copy() *StateMachine[S] {
	if sm == nil {
		return nil
	}

	newSM := &StateMachine[S]{
		transitions:    sm.transitions,
		initialState:   sm.initialState,
		currentState:   sm.currentState,
		previousState:  sm.previousState,
		transitionTime: sm.transitionTime,
	}

	newSM.transitionCount = make(map[S]int, len(sm.transitionCount))
	for k, v := range sm.transitionCount {
		newSM.transitionCount[k] = v
	}
	newSM.limits = make(map[S]int, len(sm.limits))
	for k, v := range sm.limits {
		newSM.limits[k] = v
	}
	return newSM
}

// Description returns a human-readable description of a session phase.
func (p SessionPhase) Description() string {
	switch p {
	case PhaseSelecting:
		return "Searching the option chain for a delta-neutral pair"
	case PhaseEntered:
		return "Legs sold with protective stops in place"
	case PhaseMonitoring:
		return "Polling premiums, managing stops, hedges and replacements"
	case PhaseTerminated:
		return "Session finished, remaining stops left working"
	default:
		return "Unknown phase"
	}
}
