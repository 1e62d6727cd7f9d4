// Package agent implements the sommelier conversation controller: an
// 8-phase state machine driven through a router and middleware chain, with
// streaming field reconciliation and durable session snapshots.
package agent

import (
	"fmt"
	"sync"

	"sommelier/internal/logging"
)

// Phase is a named stage of the conversation lifecycle. Exactly one phase
// is active at any time.
type Phase string

const (
	PhaseIdle                  Phase = "idle"
	PhaseIdentifying           Phase = "identifying"
	PhaseAwaitingConfirmation  Phase = "awaiting_confirmation"
	PhaseCollectingMissingInfo Phase = "collecting_missing_fields"
	PhaseEnriching             Phase = "enriching"
	PhaseReviewingEnrichment   Phase = "reviewing_enrichment"
	PhaseAdding                Phase = "adding"
	PhaseDone                  Phase = "done"
	PhaseError                 Phase = "error"
)

// Terminal reports whether the phase ends the conversation.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseError
}

// legalEdges is the transition table. Every non-terminal phase may abort to
// idle or fail to error; identifying has a self-edge for the capped
// escalation retry.
var legalEdges = map[Phase][]Phase{
	PhaseIdle:                  {PhaseIdentifying},
	PhaseIdentifying:           {PhaseIdentifying, PhaseAwaitingConfirmation, PhaseIdle, PhaseError},
	PhaseAwaitingConfirmation:  {PhaseEnriching, PhaseCollectingMissingInfo, PhaseAdding, PhaseIdle, PhaseError},
	PhaseCollectingMissingInfo: {PhaseIdentifying, PhaseAwaitingConfirmation, PhaseIdle, PhaseError},
	PhaseEnriching:             {PhaseReviewingEnrichment, PhaseIdle, PhaseError},
	PhaseReviewingEnrichment:   {PhaseAdding, PhaseIdle, PhaseError},
	PhaseAdding:                {PhaseDone, PhaseAwaitingConfirmation, PhaseIdle, PhaseError},
	PhaseDone:                  {},
	PhaseError:                 {},
}

// Machine holds the active phase and validates transitions against the
// table above. It is the single source of truth for the current phase.
type Machine struct {
	mu      sync.RWMutex
	current Phase
}

// NewMachine creates a machine in the idle phase.
func NewMachine() *Machine {
	return &Machine{current: PhaseIdle}
}

// Current returns the active phase.
func (m *Machine) Current() Phase {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition moves to the given phase if the edge is legal.
func (m *Machine) Transition(to Phase) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, legal := range legalEdges[m.current] {
		if legal == to {
			logging.Agent("phase transition: %s -> %s", m.current, to)
			m.current = to
			return nil
		}
	}
	return fmt.Errorf("illegal phase transition %s -> %s", m.current, to)
}

// Reset returns to idle from any phase. Used for abort and "start over",
// which are always legal.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != PhaseIdle {
		logging.Agent("phase reset: %s -> %s", m.current, PhaseIdle)
	}
	m.current = PhaseIdle
}

// restore sets the phase directly from a persisted snapshot, bypassing the
// edge table. Only the restore path may use this.
func (m *Machine) restore(p Phase) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = p
}
