package agent

import "testing"

func TestMachineStartsIdle(t *testing.T) {
	m := NewMachine()
	if got := m.Current(); got != PhaseIdle {
		t.Fatalf("new machine phase = %s, want %s", got, PhaseIdle)
	}
}

func TestMachineLegalPath(t *testing.T) {
	m := NewMachine()
	path := []Phase{
		PhaseIdentifying,
		PhaseAwaitingConfirmation,
		PhaseEnriching,
		PhaseReviewingEnrichment,
		PhaseAdding,
		PhaseDone,
	}
	for _, p := range path {
		if err := m.Transition(p); err != nil {
			t.Fatalf("transition to %s: %v", p, err)
		}
	}
	if !m.Current().Terminal() {
		t.Fatalf("phase %s should be terminal", m.Current())
	}
}

func TestMachineRejectsIllegalEdge(t *testing.T) {
	m := NewMachine()
	if err := m.Transition(PhaseEnriching); err == nil {
		t.Fatal("idle -> enriching should be illegal")
	}
	if got := m.Current(); got != PhaseIdle {
		t.Fatalf("failed transition moved phase to %s", got)
	}
}

func TestMachineTerminalHasNoEdges(t *testing.T) {
	m := NewMachine()
	m.restore(PhaseDone)
	for _, p := range []Phase{PhaseIdle, PhaseIdentifying, PhaseError} {
		if err := m.Transition(p); err == nil {
			t.Fatalf("done -> %s should be illegal", p)
		}
	}
}

func TestMachineResetAlwaysLegal(t *testing.T) {
	for _, p := range []Phase{PhaseIdentifying, PhaseAdding, PhaseDone, PhaseError} {
		m := NewMachine()
		m.restore(p)
		m.Reset()
		if got := m.Current(); got != PhaseIdle {
			t.Fatalf("reset from %s landed in %s", p, got)
		}
	}
}

func TestIdentifyingSelfEdge(t *testing.T) {
	m := NewMachine()
	if err := m.Transition(PhaseIdentifying); err != nil {
		t.Fatalf("idle -> identifying: %v", err)
	}
	if err := m.Transition(PhaseIdentifying); err != nil {
		t.Fatalf("identifying self-edge: %v", err)
	}
}

func TestAddingConflictEdge(t *testing.T) {
	m := NewMachine()
	m.restore(PhaseAdding)
	if err := m.Transition(PhaseAwaitingConfirmation); err != nil {
		t.Fatalf("adding -> awaiting_confirmation: %v", err)
	}
}
