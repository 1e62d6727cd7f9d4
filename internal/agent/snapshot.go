package agent

import (
	"time"

	"sommelier/internal/service"
)

// Snapshot is the sole durable representation of conversation state. It is
// overwritten wholesale on every committed state change; there is no patch
// persistence, which keeps recovery trivial at the cost of write volume.
type Snapshot struct {
	Phase           Phase                          `json:"phase"`
	Messages        []Message                      `json:"messages"`
	StreamingFields []FieldState                   `json:"streamingFields,omitempty"`
	PendingMatches  []service.EntityMatchCandidate `json:"pendingMatches,omitempty"`
	Identity        map[service.Field]string       `json:"identity,omitempty"`
	Enrichment      map[service.Field]string       `json:"enrichment,omitempty"`
	LastIdentify    *Action                        `json:"lastIdentify,omitempty"`
	Escalations     int                            `json:"escalations,omitempty"`
	LowConfidence   bool                           `json:"lowConfidence,omitempty"`
	LastUpdated     time.Time                      `json:"lastUpdated"`
}

// SessionStore is the durable key-value boundary: one serialized Snapshot,
// read once at startup, written on every committed transition.
type SessionStore interface {
	Save(snap *Snapshot) error
	Load() (*Snapshot, error) // nil, nil when no snapshot exists
	Clear() error
}

// snapshot captures the current conversation state. Streaming fields are
// included only while a stream is (or was) in flight; completed turns
// carry their values in Identity/Enrichment instead.
func (c *Conversation) snapshot() *Snapshot {
	snap := &Snapshot{
		Phase:          c.Machine.Current(),
		Messages:       c.Log.Messages(),
		PendingMatches: c.PendingMatches(),
		Identity:       c.Identity(),
		Enrichment:     c.Enrichment(),
		Escalations:    c.Escalations(),
		LowConfidence:  c.LowConfidence(),
		LastUpdated:    time.Now(),
	}
	if act, ok := c.LastIdentify(); ok {
		snap.LastIdentify = &act
	}
	if snap.Phase == PhaseIdentifying || snap.Phase == PhaseEnriching {
		snap.StreamingFields = c.Reconciler.Fields()
	}
	return snap
}

// restoreSnapshot rebuilds conversation state from a persisted snapshot.
// A snapshot taken mid-stream (identifying/enriching) resumes stalled: the
// network stream is gone, so the user must retry rather than the agent
// silently resuming.
func (c *Conversation) restoreSnapshot(snap *Snapshot) {
	c.Machine.restore(snap.Phase)
	c.Log.restore(snap.Messages)
	c.SetIdentity(snap.Identity)
	c.SetEnrichment(snap.Enrichment)
	c.SetPendingMatches(snap.PendingMatches)
	c.setLowConfidence(snap.LowConfidence)

	c.mu.Lock()
	c.escalations = snap.Escalations
	if snap.LastIdentify != nil {
		cp := *snap.LastIdentify
		c.lastIdentify = &cp
	}
	c.mu.Unlock()

	if snap.Phase == PhaseIdentifying || snap.Phase == PhaseEnriching {
		c.Reconciler.restore(snap.StreamingFields)
		c.Reconciler.MarkStalled()
		c.setStalled(true)
	}
}
