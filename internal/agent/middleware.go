package agent

import (
	"fmt"
	"strings"

	"sommelier/internal/logging"
	"sommelier/internal/service"
)

// Middleware inspects an action before its handler runs. Returning nil
// passes the action through unchanged; returning effects short-circuits the
// dispatch and the handler is never invoked. Middlewares may mutate the
// action in place (none currently do).
type Middleware interface {
	Name() string
	Handle(conv *Conversation, act *Action) *effects
}

// loggingMiddleware records every dispatched action. It never
// short-circuits.
type loggingMiddleware struct{}

func (loggingMiddleware) Name() string { return "logging" }

func (loggingMiddleware) Handle(conv *Conversation, act *Action) *effects {
	logging.Routing("action %s in phase %s (escalations=%d, pending_matches=%d)",
		act.Type, conv.Machine.Current(), conv.Escalations(), len(conv.PendingMatches()))
	return nil
}

// escalationPolicy caps escalation depth. When the cap is reached the turn
// is settled with whatever result exists: a usable identity goes to the
// user flagged low-confidence, an empty one ends the turn with an
// exhaustion error. Without the cap a persistently unsure model would loop
// identify -> escalate forever.
type escalationPolicy struct {
	max int
}

func (escalationPolicy) Name() string { return "escalation-policy" }

func (p escalationPolicy) Handle(conv *Conversation, act *Action) *effects {
	if act.Type != actionEscalate {
		return nil
	}
	if conv.Escalations() < p.max {
		return nil
	}

	logging.Routing("escalation cap reached (%d), settling turn", p.max)
	eff := &effects{}
	identity := conv.Identity()
	if len(identity) > 0 {
		low := true
		eff.lowConfidence = &low
		eff.transition = PhaseAwaitingConfirmation
		eff.say(RoleAgent, KindConfirmationPrompt,
			"I could not identify this wine with high confidence. Please review the fields below carefully.",
			identity)
		return eff
	}

	eff.transition = PhaseIdle
	eff.say(RoleAgent, KindError,
		(&EscalationExhaustedError{Confidence: 0}).Error(), nil)
	return eff
}

// duplicateGate blocks add-to-cellar while entity match candidates remain
// unresolved. Inserting without a resolution would silently create
// duplicate producers or regions; the gate reroutes the user back to the
// disambiguation prompt instead.
type duplicateGate struct{}

func (duplicateGate) Name() string { return "duplicate-gate" }

func (duplicateGate) Handle(conv *Conversation, act *Action) *effects {
	if act.Type != ActionAddToCellar {
		return nil
	}
	pending := conv.PendingMatches()
	if len(pending) == 0 {
		return nil
	}

	resolved := make(map[service.MatchKind]bool, len(act.Resolved))
	for _, r := range act.Resolved {
		resolved[r.Kind] = true
	}

	var unresolved []string
	for _, cand := range pending {
		if !resolved[cand.Kind] {
			unresolved = append(unresolved, fmt.Sprintf("%s: %s", cand.Kind, cand.DisplayLabel))
		}
	}
	if len(unresolved) == 0 {
		return nil
	}

	logging.Routing("add blocked, %d unresolved match candidates", len(unresolved))
	eff := &effects{}
	eff.say(RoleAgent, KindConfirmationPrompt,
		"Possible existing entries need a decision before adding:\n"+strings.Join(unresolved, "\n"),
		nil)
	return eff
}
