package agent

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"sommelier/internal/logging"
	"sommelier/internal/service"
)

// Options configures a new Agent.
type Options struct {
	Backend             Backend
	Escalator           Escalator // nil disables escalation
	Store               SessionStore
	ConfidenceThreshold float64
	MaxEscalations      int
	TypingIdleTimeout   time.Duration
}

// Agent owns one conversation and serializes every action against it.
// Dispatch is synchronous: the caller blocks while the handler runs its
// outbound call. Abort is the only concurrent entry point; it invalidates
// the in-flight turn without waiting for it.
type Agent struct {
	mu     sync.Mutex
	conv   *Conversation
	router *Router
	store  SessionStore

	// turn is bumped by Abort. A dispatch whose turn token no longer
	// matches after its handler returns discards the handler's effects
	// wholesale.
	turn atomic.Uint64

	cancelMu   sync.Mutex
	cancelTurn context.CancelFunc
}

// New wires the router, middleware chain and handlers.
func New(opts Options) *Agent {
	identify := &identifyHandler{
		backend:   opts.Backend,
		threshold: opts.ConfidenceThreshold,
		escalate:  opts.Escalator != nil,
	}
	handlers := map[ActionType]handler{
		ActionIdentify:     identify,
		ActionConfirm:      confirmHandler{},
		ActionFlagFields:   flagFieldsHandler{},
		ActionSupplyFields: supplyFieldsHandler{},
		ActionAddToCellar:  &addHandler{backend: opts.Backend},
		ActionRetry:        retryHandler{},
		ActionAbort:        abortHandler{},
		actionEnrich:       &enrichHandler{backend: opts.Backend},
		actionReidentify:   identify,
	}
	if opts.Escalator != nil {
		handlers[actionEscalate] = &escalateHandler{
			escalator: opts.Escalator,
			threshold: opts.ConfidenceThreshold,
		}
	}

	return &Agent{
		conv: NewConversation(NewReconciler(opts.TypingIdleTimeout)),
		router: newRouter(handlers,
			loggingMiddleware{},
			escalationPolicy{max: opts.MaxEscalations},
			duplicateGate{},
		),
		store: opts.Store,
	}
}

// Dispatch runs one action to completion, including any internal follow-up
// actions it triggers. Returns an error only for rejected actions (illegal
// in the current phase, or failed validation); outbound failures surface as
// conversation messages, not errors.
func (a *Agent) Dispatch(ctx context.Context, act Action) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dispatchLocked(ctx, act)
}

func (a *Agent) dispatchLocked(ctx context.Context, act Action) error {
	phase := a.conv.Machine.Current()

	if a.conv.Stalled() && act.Type != ActionRetry && act.Type != ActionAbort {
		logging.Routing("rejecting %s: conversation stalled, retry or abort required", act.Type)
		return fmt.Errorf("conversation is stalled; retry or abort first")
	}

	if !legalAction(act.Type, phase) {
		err := &IllegalTransitionError{Phase: phase, Action: act.Type}
		logging.Routing("rejected: %v", err)
		a.conv.Log.Append(RoleAgent, KindError, "That action is not available right now.", nil)
		a.persist()
		return err
	}

	if eff, name := a.router.runMiddlewares(a.conv, &act); eff != nil {
		logging.Routing("middleware %s short-circuited %s", name, act.Type)
		a.applyEffects(ctx, eff)
		return nil
	}

	h, ok := a.router.handlerFor(act.Type)
	if !ok {
		return &IllegalTransitionError{Phase: phase, Action: act.Type}
	}

	if err := h.validate(a.conv, act); err != nil {
		a.conv.Log.Append(RoleAgent, KindError, err.Error(), nil)
		a.persist()
		return err
	}

	if entry := entryPhase(act.Type); entry != "" {
		if err := a.conv.Machine.Transition(entry); err != nil {
			return err
		}
	}
	if act.Type == ActionIdentify && act.Text != "" {
		a.conv.Log.Append(RoleUser, KindText, act.Text, nil)
	}

	token := a.turn.Load()
	turnCtx, cancel := context.WithCancel(ctx)
	a.setCancel(cancel)
	eff := h.handle(turnCtx, a.conv, act)
	a.setCancel(nil)
	cancel()

	if a.turn.Load() != token {
		logging.Routing("discarding stale %s result (turn advanced)", act.Type)
		return nil
	}

	a.applyEffects(ctx, eff)
	return nil
}

// applyEffects commits a handler's outcome: state merges first, then the
// phase transition, then messages, then persistence, then any follow-up
// action.
func (a *Agent) applyEffects(ctx context.Context, eff *effects) {
	if eff == nil {
		return
	}

	if eff.reset {
		a.conv.reset()
		if a.store != nil {
			if err := a.store.Clear(); err != nil {
				logging.SessionError("clearing session: %v", err)
			}
		}
		return
	}

	if eff.rememberIdentify != nil {
		a.conv.RememberIdentify(*eff.rememberIdentify)
	}
	if eff.identity != nil {
		if eff.identityReplace {
			a.conv.SetIdentity(eff.identity)
		} else {
			a.conv.MergeIdentity(eff.identity)
		}
	}
	if eff.enrichment != nil {
		a.conv.SetEnrichment(eff.enrichment)
	}
	if eff.matches != nil {
		a.conv.SetPendingMatches(eff.matches)
	}
	if eff.clearMatches {
		a.conv.ClearPendingMatches()
	}
	if eff.lowConfidence != nil {
		a.conv.setLowConfidence(*eff.lowConfidence)
	}
	if eff.escalated {
		a.conv.addEscalation()
	}
	if eff.clearStalled {
		a.conv.setStalled(false)
	}

	if eff.transition != "" {
		if err := a.conv.Machine.Transition(eff.transition); err != nil {
			logging.AgentWarn("dropping requested transition: %v", err)
		}
	}

	for _, m := range eff.messages {
		a.conv.Log.Append(m.role, m.kind, m.payload, m.fields)
	}

	a.persist()

	if eff.followUp != nil {
		if err := a.dispatchLocked(ctx, *eff.followUp); err != nil {
			logging.AgentWarn("follow-up %s rejected: %v", eff.followUp.Type, err)
		}
	}
}

// persist writes the current snapshot in the background. Persistence never
// blocks or fails a dispatch; a lost write costs at most one snapshot.
func (a *Agent) persist() {
	if a.store == nil {
		return
	}
	snap := a.conv.snapshot()
	go func() {
		if err := a.store.Save(snap); err != nil {
			logging.SessionError("saving snapshot: %v", err)
		}
	}()
}

func (a *Agent) setCancel(cancel context.CancelFunc) {
	a.cancelMu.Lock()
	a.cancelTurn = cancel
	a.cancelMu.Unlock()
}

// Abort invalidates the in-flight turn (if any) and resets the session. It
// deliberately does not take the dispatch lock before bumping the turn
// token: the whole point is to interrupt a dispatch that is blocked on an
// outbound call.
func (a *Agent) Abort(ctx context.Context) error {
	a.turn.Add(1)
	a.cancelMu.Lock()
	if a.cancelTurn != nil {
		a.cancelTurn()
	}
	a.cancelMu.Unlock()
	return a.Dispatch(ctx, Action{Type: ActionAbort})
}

// Restore loads the persisted snapshot, if any. A snapshot taken mid-stream
// resumes stalled: only retry or abort proceed until the user decides.
func (a *Agent) Restore() error {
	if a.store == nil {
		return nil
	}
	snap, err := a.store.Load()
	if err != nil {
		return fmt.Errorf("loading session: %w", err)
	}
	if snap == nil {
		return nil
	}

	a.mu.Lock()
	a.conv.restoreSnapshot(snap)
	a.mu.Unlock()

	logging.Session("restored session in phase %s (%d messages)", snap.Phase, len(snap.Messages))
	return nil
}

// Phase returns the current conversation phase.
func (a *Agent) Phase() Phase {
	return a.conv.Machine.Current()
}

// Messages returns the conversation log in order.
func (a *Agent) Messages() []Message {
	return a.conv.Log.Messages()
}

// PendingMatches returns unresolved entity match candidates.
func (a *Agent) PendingMatches() []service.EntityMatchCandidate {
	return a.conv.PendingMatches()
}

// LowConfidence reports whether the current identification is flagged.
func (a *Agent) LowConfidence() bool {
	return a.conv.LowConfidence()
}

// Stalled reports whether the session was restored mid-stream.
func (a *Agent) Stalled() bool {
	return a.conv.Stalled()
}

// FieldSource returns the live reconciler during a streaming phase and a
// static snapshot of confirmed values otherwise.
func (a *Agent) FieldSource() FieldSource {
	switch a.conv.Machine.Current() {
	case PhaseIdentifying, PhaseEnriching:
		return a.conv.Reconciler
	default:
		merged := a.conv.Identity()
		for f, v := range a.conv.Enrichment() {
			if _, taken := merged[f]; !taken {
				merged[f] = v
			}
		}
		return StaticFields(merged)
	}
}

// StreamingFields returns the current field states (live or static).
func (a *Agent) StreamingFields() []FieldState {
	return a.FieldSource().Fields()
}
