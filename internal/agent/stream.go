package agent

import (
	"strings"
	"sync"
	"time"

	"sommelier/internal/logging"
	"sommelier/internal/service"
)

// FieldState tracks one streaming field within a turn.
type FieldState struct {
	Field      service.Field `json:"field"`
	Value      string        `json:"value"`
	IsTyping   bool          `json:"isTyping"`
	IsComplete bool          `json:"isComplete"`
}

// FieldSource exposes the current field values to the UI, whether they came
// from a static snapshot or a live stream.
type FieldSource interface {
	Fields() []FieldState
}

// StaticFields is the snapshot variant of FieldSource: every field is
// already final.
type StaticFields map[service.Field]string

// Fields returns the snapshot as completed field states in schema order.
func (s StaticFields) Fields() []FieldState {
	out := make([]FieldState, 0, len(s))
	for _, f := range service.KnownFields {
		if v, ok := s[f]; ok {
			out = append(out, FieldState{Field: f, Value: v, IsComplete: true})
		}
	}
	return out
}

// Reconciler merges incrementally-arriving field deltas into a stable keyed
// map. Fields are independent; arrival order across field names is not
// guaranteed and never assumed. Narrative fields accumulate, structured
// fields are replaced wholesale (classification lives in the service
// package). A per-field idle timeout acts as an implicit terminal so a
// silently dropped field never leaves a stuck typing indicator.
type Reconciler struct {
	mu          sync.Mutex
	fields      map[service.Field]*FieldState
	order       []service.Field // first-arrival order, for stable display
	timers      map[service.Field]*time.Timer
	idleTimeout time.Duration
}

// NewReconciler creates a reconciler with the given per-field idle timeout.
// A non-positive timeout disables the implicit terminal.
func NewReconciler(idleTimeout time.Duration) *Reconciler {
	return &Reconciler{
		fields:      make(map[service.Field]*FieldState),
		timers:      make(map[service.Field]*time.Timer),
		idleTimeout: idleTimeout,
	}
}

// ApplyToken merges one delta. The first token for a field creates its
// state with isTyping=true; a terminal token (or the idle timeout) marks it
// complete. isComplete is monotonic: tokens for a completed field are
// dropped.
func (r *Reconciler) ApplyToken(d service.FieldDelta) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.fields[d.Field]
	if !ok {
		state = &FieldState{Field: d.Field, IsTyping: true}
		r.fields[d.Field] = state
		r.order = append(r.order, d.Field)
	}
	if state.IsComplete {
		logging.StreamDebug("dropping token for completed field %s", d.Field)
		return
	}

	if service.Accumulates(d.Field) {
		// Terminal frames for narrative fields may restate the full final
		// value rather than the last delta; appending would double the
		// accumulated prefix.
		if d.Terminal && strings.HasPrefix(d.Value, state.Value) {
			state.Value = d.Value
		} else {
			state.Value += d.Value
		}
	} else {
		state.Value = d.Value
	}

	if d.Terminal {
		state.IsTyping = false
		state.IsComplete = true
		r.stopTimerLocked(d.Field)
		logging.StreamDebug("field %s complete (%d bytes)", d.Field, len(state.Value))
		return
	}

	state.IsTyping = true
	r.resetTimerLocked(d.Field)
}

// resetTimerLocked (re)arms the idle timer for a field. Caller holds r.mu.
func (r *Reconciler) resetTimerLocked(f service.Field) {
	if r.idleTimeout <= 0 {
		return
	}
	if t, ok := r.timers[f]; ok {
		t.Stop()
	}
	r.timers[f] = time.AfterFunc(r.idleTimeout, func() {
		r.expire(f)
	})
}

func (r *Reconciler) stopTimerLocked(f service.Field) {
	if t, ok := r.timers[f]; ok {
		t.Stop()
		delete(r.timers, f)
	}
}

// expire treats timeout as an implicit terminal for the field.
func (r *Reconciler) expire(f service.Field) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.fields[f]
	if !ok || state.IsComplete {
		return
	}
	state.IsTyping = false
	state.IsComplete = true
	delete(r.timers, f)
	logging.Stream("field %s idle timeout, treating as terminal", f)
}

// MarkAllComplete closes out every open field. Called at end-of-stream.
func (r *Reconciler) MarkAllComplete() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for f, state := range r.fields {
		if !state.IsComplete {
			state.IsTyping = false
			state.IsComplete = true
		}
		r.stopTimerLocked(f)
	}
}

// MarkStalled stops typing indicators without completing fields. Used when
// restoring a mid-stream snapshot: the stream no longer exists and only a
// retry can finish the fields.
func (r *Reconciler) MarkStalled() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for f, state := range r.fields {
		state.IsTyping = false
		r.stopTimerLocked(f)
	}
}

// Reset discards all fields. Called when a new identify/enrich cycle
// begins; fields never carry across turns.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for f := range r.timers {
		r.timers[f].Stop()
	}
	r.fields = make(map[service.Field]*FieldState)
	r.order = nil
	r.timers = make(map[service.Field]*time.Timer)
}

// Fields returns a copy of all field states in first-arrival order.
func (r *Reconciler) Fields() []FieldState {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]FieldState, 0, len(r.order))
	for _, f := range r.order {
		out = append(out, *r.fields[f])
	}
	return out
}

// Get returns the state of one field.
func (r *Reconciler) Get(f service.Field) (FieldState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.fields[f]
	if !ok {
		return FieldState{}, false
	}
	return *state, true
}

// Values returns the completed value map (incomplete fields included; the
// caller decides whether partial values are acceptable).
func (r *Reconciler) Values() map[service.Field]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[service.Field]string, len(r.fields))
	for f, state := range r.fields {
		if state.Value != "" {
			out[f] = state.Value
		}
	}
	return out
}

// HasIncomplete reports whether any field is still open.
func (r *Reconciler) HasIncomplete() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, state := range r.fields {
		if !state.IsComplete {
			return true
		}
	}
	return false
}

// restore replaces field states from a persisted snapshot. Timers are not
// re-armed; restored streams are stalled by definition.
func (r *Reconciler) restore(states []FieldState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.fields = make(map[service.Field]*FieldState, len(states))
	r.order = nil
	for i := range states {
		s := states[i]
		s.IsTyping = false
		r.fields[s.Field] = &s
		r.order = append(r.order, s.Field)
	}
}
