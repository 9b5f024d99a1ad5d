package models

import (
	"testing"
)

func TestStateMachine_BasicTransitions(t *testing.T) {
	sm := NewSessionMachine()

	if sm.GetCurrentState() != PhaseSelecting {
		t.Errorf("Initial phase should be PhaseSelecting, got %s", sm.GetCurrentState())
	}

	if err := sm.Transition(PhaseEntered, "legs_entered"); err != nil {
		t.Errorf("Valid transition failed: %v", err)
	}

	if sm.GetCurrentState() != PhaseEntered {
		t.Errorf("Phase should be PhaseEntered, got %s", sm.GetCurrentState())
	}

	if sm.GetPreviousState() != PhaseSelecting {
		t.Errorf("Previous phase should be PhaseSelecting, got %s", sm.GetPreviousState())
	}
}

func TestStateMachine_InvalidTransitions(t *testing.T) {
	sm := NewSessionMachine()

	// Selecting -> Monitoring skips Entered
	if err := sm.Transition(PhaseMonitoring, "monitoring_started"); err == nil {
		t.Error("Invalid transition should fail")
	}
	if sm.GetCurrentState() != PhaseSelecting {
		t.Errorf("Phase should remain PhaseSelecting after failed transition, got %s", sm.GetCurrentState())
	}

	// Right target, wrong condition
	if err := sm.Transition(PhaseEntered, "order_placed"); err == nil {
		t.Error("Transition with the wrong condition should fail")
	}
}

func TestStateMachine_SessionLifecycle(t *testing.T) {
	sm := NewSessionMachine()

	steps := []struct {
		to        SessionPhase
		condition string
	}{
		{PhaseEntered, "legs_entered"},
		{PhaseMonitoring, "monitoring_started"},
		{PhaseSelecting, "delta_breach"},
		{PhaseEntered, "legs_entered"},
		{PhaseMonitoring, "monitoring_started"},
		{PhaseTerminated, "max_stop_losses"},
	}

	for _, step := range steps {
		if err := sm.Transition(step.to, step.condition); err != nil {
			t.Fatalf("Transition to %s failed: %v", step.to, err)
		}
	}

	if sm.GetTransitionCount(PhaseEntered) != 2 {
		t.Errorf("Expected 2 entries, got %d", sm.GetTransitionCount(PhaseEntered))
	}

	// Terminated is final
	for _, to := range []SessionPhase{PhaseSelecting, PhaseEntered, PhaseMonitoring} {
		if err := sm.Transition(to, ""); err == nil {
			t.Errorf("Transition out of terminated into %s should fail", to)
		}
	}
}

func TestStateMachine_Limits(t *testing.T) {
	sm := NewSessionMachine()
	sm.SetLimit(PhaseEntered, 1)

	if err := sm.Transition(PhaseEntered, "legs_entered"); err != nil {
		t.Fatalf("First entry failed: %v", err)
	}
	_ = sm.Transition(PhaseMonitoring, "monitoring_started")
	_ = sm.Transition(PhaseSelecting, "delta_breach")

	if err := sm.Transition(PhaseEntered, "legs_entered"); err == nil {
		t.Error("Second entry should be rejected by the limit")
	}

	sm.SetLimit(PhaseEntered, -1)
	if err := sm.Transition(PhaseEntered, "legs_entered"); err != nil {
		t.Errorf("Entry should succeed once the limit is removed: %v", err)
	}
}

func TestLegMachine_ReplacementFlow(t *testing.T) {
	sm := NewLegMachine()

	steps := []struct {
		to        LegState
		condition string
	}{
		{LegOpen, "entered"},
		{LegStopped, "stop_filled"},
		{LegOpen, "replaced"},
		{LegStopped, "stop_filled"},
		{LegClosed, "not_replaced"},
	}
	for _, step := range steps {
		if err := sm.Transition(step.to, step.condition); err != nil {
			t.Fatalf("Leg transition to %s failed: %v", step.to, err)
		}
	}

	if sm.GetTransitionCount(LegStopped) != 2 {
		t.Errorf("Expected 2 stop fills, got %d", sm.GetTransitionCount(LegStopped))
	}

	// A closed leg can only come back through a fresh entry
	if err := sm.Transition(LegStopped, "stop_filled"); err == nil {
		t.Error("Closed leg should not accept a stop fill")
	}
}

func TestStateMachine_Reset(t *testing.T) {
	sm := NewLegMachine()
	_ = sm.Transition(LegOpen, "entered")
	_ = sm.Transition(LegStopped, "stop_filled")

	sm.Reset()

	if sm.GetCurrentState() != LegEmpty {
		t.Errorf("State should be empty after reset, got %s", sm.GetCurrentState())
	}
	if sm.GetTransitionCount(LegStopped) != 0 {
		t.Error("Transition counts should be reset to zero")
	}
}

func TestStateMachine_Copy(t *testing.T) {
	sm := NewSessionMachine()
	_ = sm.Transition(PhaseEntered, "legs_entered")

	cp := sm.Copy()
	_ = sm.Transition(PhaseMonitoring, "monitoring_started")

	if cp.GetCurrentState() != PhaseEntered {
		t.Errorf("Copy should keep its own state, got %s", cp.GetCurrentState())
	}
	if cp.GetTransitionCount(PhaseMonitoring) != 0 {
		t.Error("Copy should not see transitions made after copying")
	}

	var nilSM *StateMachine[SessionPhase]
	if nilSM.Copy() != nil {
		t.Error("Copy of nil should be nil")
	}
}

func TestSessionPhase_Description(t *testing.T) {
	for _, p := range []SessionPhase{PhaseSelecting, PhaseEntered, PhaseMonitoring, PhaseTerminated} {
		if p.Description() == "" || p.Description() == "Unknown phase" {
			t.Errorf("Phase %s should have a description", p)
		}
	}
	if SessionPhase("bogus").Description() != "Unknown phase" {
		t.Error("Unknown phase should say so")
	}
}
