package agent

import (
	"context"

	"sommelier/internal/service"
)

// effectMessage is a message queued by a handler or middleware, appended to
// the log only when the dispatch commits.
type effectMessage struct {
	role    Role
	kind    MessageKind
	payload string
	fields  map[service.Field]string
}

// effects is the deterministic outcome of a handler (or a middleware
// short-circuit): messages to append, state to merge and at most one phase
// transition request. Handlers never transition the machine directly; the
// dispatch path applies effects atomically, which keeps a single authority
// over legal phase changes.
type effects struct {
	messages []effectMessage

	transition Phase // "" = no transition requested
	reset      bool  // abort/start-over: wipe the conversation

	identity        map[service.Field]string
	identityReplace bool
	enrichment      map[service.Field]string

	matches      []service.EntityMatchCandidate
	clearMatches bool

	lowConfidence    *bool
	escalated        bool
	clearStalled     bool
	rememberIdentify *Action

	followUp *Action // internal re-dispatch (escalation, enrich kick-off)
}

func (e *effects) say(role Role, kind MessageKind, payload string, fields map[service.Field]string) {
	e.messages = append(e.messages, effectMessage{role: role, kind: kind, payload: payload, fields: fields})
}

// handler is the unit of work bound to one actionable transition. validate
// runs before any phase change; handle owns at most one outbound call and
// converts every failure into effects (the router and machine never see raw
// errors from outbound calls).
type handler interface {
	validate(conv *Conversation, act Action) error
	handle(ctx context.Context, conv *Conversation, act Action) *effects
}

// actionPhases is the single enforcement point for action legality: an
// action dispatched outside its listed phases fails with IllegalTransition.
var actionPhases = map[ActionType][]Phase{
	ActionIdentify:     {PhaseIdle},
	ActionConfirm:      {PhaseAwaitingConfirmation},
	ActionFlagFields:   {PhaseAwaitingConfirmation},
	ActionSupplyFields: {PhaseCollectingMissingInfo},
	ActionAddToCellar:  {PhaseReviewingEnrichment, PhaseAwaitingConfirmation},
	ActionRetry:        {PhaseIdentifying, PhaseEnriching},
	ActionAbort: {
		PhaseIdle, PhaseIdentifying, PhaseAwaitingConfirmation,
		PhaseCollectingMissingInfo, PhaseEnriching,
		PhaseReviewingEnrichment, PhaseAdding, PhaseDone, PhaseError,
	},
	actionEscalate:   {PhaseIdentifying},
	actionEnrich:     {PhaseEnriching},
	actionReidentify: {PhaseIdentifying},
}

// legalAction reports whether the action may run in the given phase.
func legalAction(act ActionType, p Phase) bool {
	for _, legal := range actionPhases[act] {
		if legal == p {
			return true
		}
	}
	return false
}

// entryPhase is the transition committed on action acceptance, before the
// handler's outbound call, so the UI observes the in-progress phase. The
// handler's effects then request the follow-on transition.
func entryPhase(act ActionType) Phase {
	switch act {
	case ActionIdentify:
		return PhaseIdentifying
	case ActionConfirm:
		return PhaseEnriching
	case ActionFlagFields:
		return PhaseCollectingMissingInfo
	case ActionAddToCellar:
		return PhaseAdding
	default:
		return ""
	}
}

// Router binds actions to handlers behind the middleware chain.
type Router struct {
	middlewares []Middleware
	handlers    map[ActionType]handler
}

func newRouter(handlers map[ActionType]handler, middlewares ...Middleware) *Router {
	return &Router{middlewares: middlewares, handlers: handlers}
}

// runMiddlewares passes the action through the chain in registration order.
// A non-nil return short-circuits: the original handler is not invoked and
// the returned effects are applied instead.
func (r *Router) runMiddlewares(conv *Conversation, act *Action) (*effects, string) {
	for _, mw := range r.middlewares {
		if eff := mw.Handle(conv, act); eff != nil {
			return eff, mw.Name()
		}
	}
	return nil, ""
}

func (r *Router) handlerFor(act ActionType) (handler, bool) {
	h, ok := r.handlers[act]
	return h, ok
}
