package agent

import (
	"sync"

	"sommelier/internal/service"
)

// ActionType names a user-initiated (or internally re-dispatched)
// transition.
type ActionType string

const (
	ActionIdentify     ActionType = "identify"
	ActionConfirm      ActionType = "confirm"
	ActionFlagFields   ActionType = "flag_fields"
	ActionSupplyFields ActionType = "supply_fields"
	ActionAddToCellar  ActionType = "add_to_cellar"
	ActionRetry        ActionType = "retry"
	ActionAbort        ActionType = "abort"

	// Internal actions, re-dispatched by handlers. Never user-facing.
	actionEscalate   ActionType = "escalate"
	actionEnrich     ActionType = "enrich"
	actionReidentify ActionType = "reidentify"
)

// Action is one dispatched request against the conversation.
type Action struct {
	Type        ActionType               `json:"type"`
	Text        string                   `json:"text,omitempty"`
	ImageData   string                   `json:"imageData,omitempty"` // base64
	Flagged     []service.Field          `json:"flagged,omitempty"`
	Corrections map[service.Field]string `json:"corrections,omitempty"`
	Reidentify  bool                     `json:"reidentify,omitempty"`
	Resolved    []service.ResolvedMatch  `json:"resolved,omitempty"`
}

// Conversation is the explicit context object owned by one Agent instance.
// No ambient state: everything a router, middleware or handler needs lives
// here, which keeps sessions independent and unit tests clean.
type Conversation struct {
	Machine    *Machine
	Log        *MessageLog
	Reconciler *Reconciler

	mu             sync.RWMutex
	identity       map[service.Field]string // confirmed identify result
	enrichment     map[service.Field]string // final enrichment values
	pendingMatches []service.EntityMatchCandidate
	lastIdentify   *Action // replayed by retry/re-identify
	escalations    int
	lowConfidence  bool
	stalled        bool // restored mid-stream; only retry or abort proceed
}

// NewConversation creates an empty conversation with the given reconciler
// idle timeout.
func NewConversation(r *Reconciler) *Conversation {
	return &Conversation{
		Machine:    NewMachine(),
		Log:        NewMessageLog(),
		Reconciler: r,
		identity:   make(map[service.Field]string),
		enrichment: make(map[service.Field]string),
	}
}

// Identity returns a copy of the confirmed identify fields.
func (c *Conversation) Identity() map[service.Field]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyFields(c.identity)
}

// MergeIdentity merges fields into the confirmed identity.
func (c *Conversation) MergeIdentity(fields map[service.Field]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for f, v := range fields {
		c.identity[f] = v
	}
}

// SetIdentity replaces the confirmed identity wholesale.
func (c *Conversation) SetIdentity(fields map[service.Field]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identity = copyFields(fields)
}

// Enrichment returns a copy of the enrichment values.
func (c *Conversation) Enrichment() map[service.Field]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyFields(c.enrichment)
}

// SetEnrichment replaces the enrichment values.
func (c *Conversation) SetEnrichment(fields map[service.Field]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enrichment = copyFields(fields)
}

// PendingMatches returns a copy of the unresolved entity match candidates.
func (c *Conversation) PendingMatches() []service.EntityMatchCandidate {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]service.EntityMatchCandidate, len(c.pendingMatches))
	copy(out, c.pendingMatches)
	return out
}

// SetPendingMatches stores candidates awaiting user disambiguation.
func (c *Conversation) SetPendingMatches(m []service.EntityMatchCandidate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingMatches = make([]service.EntityMatchCandidate, len(m))
	copy(c.pendingMatches, m)
}

// ClearPendingMatches drops all candidates.
func (c *Conversation) ClearPendingMatches() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingMatches = nil
}

// LastIdentify returns the most recent identify input, if any.
func (c *Conversation) LastIdentify() (Action, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lastIdentify == nil {
		return Action{}, false
	}
	return *c.lastIdentify, true
}

// RememberIdentify stores the identify input for retry/re-identify.
func (c *Conversation) RememberIdentify(act Action) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := act
	c.lastIdentify = &cp
}

// Escalations returns how many escalation calls this turn has made.
func (c *Conversation) Escalations() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.escalations
}

func (c *Conversation) addEscalation() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.escalations++
}

// resetEscalations re-arms the escalation cap. Called when a new
// identify/re-identify turn begins; the cap is per turn, not per
// conversation.
func (c *Conversation) resetEscalations() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.escalations = 0
}

// LowConfidence reports whether the accepted identification carries the
// low-confidence flag.
func (c *Conversation) LowConfidence() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lowConfidence
}

func (c *Conversation) setLowConfidence(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lowConfidence = v
}

// Stalled reports whether the conversation was restored mid-stream and
// needs a retry before proceeding.
func (c *Conversation) Stalled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stalled
}

func (c *Conversation) setStalled(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stalled = v
}

// reset clears all conversation state back to a fresh session.
func (c *Conversation) reset() {
	c.mu.Lock()
	c.identity = make(map[service.Field]string)
	c.enrichment = make(map[service.Field]string)
	c.pendingMatches = nil
	c.lastIdentify = nil
	c.escalations = 0
	c.lowConfidence = false
	c.stalled = false
	c.mu.Unlock()

	c.Log.reset()
	c.Reconciler.Reset()
	c.Machine.Reset()
}

func copyFields(in map[service.Field]string) map[service.Field]string {
	out := make(map[service.Field]string, len(in))
	for f, v := range in {
		out[f] = v
	}
	return out
}
