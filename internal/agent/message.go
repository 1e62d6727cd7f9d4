package agent

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"sommelier/internal/service"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
	RoleSystem Role = "system"
)

// MessageKind classifies how the UI should render a message.
type MessageKind string

const (
	KindText               MessageKind = "text"
	KindEnrichmentCard     MessageKind = "enrichment-card"
	KindConfirmationPrompt MessageKind = "confirmation-prompt"
	KindError              MessageKind = "error"
)

// Message is one conversation turn. Messages are never mutated after
// append; corrections are new messages.
type Message struct {
	ID        string                   `json:"id"`
	Seq       int                      `json:"seq"`
	Role      Role                     `json:"role"`
	Kind      MessageKind              `json:"kind"`
	Payload   string                   `json:"payload"`
	Fields    map[service.Field]string `json:"fields,omitempty"`
	CreatedAt time.Time                `json:"createdAt"`
}

// MessageLog is the append-only ordered log of conversation turns. It is
// the replay source for the UI.
type MessageLog struct {
	mu       sync.RWMutex
	messages []Message
	nextSeq  int
}

// NewMessageLog creates an empty log.
func NewMessageLog() *MessageLog {
	return &MessageLog{}
}

// Append adds a message and returns it. Seq is monotonic; ordering is
// creation order.
func (l *MessageLog) Append(role Role, kind MessageKind, payload string, fields map[service.Field]string) Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	msg := Message{
		ID:        uuid.NewString(),
		Seq:       l.nextSeq,
		Role:      role,
		Kind:      kind,
		Payload:   payload,
		Fields:    fields,
		CreatedAt: time.Now(),
	}
	l.nextSeq++
	l.messages = append(l.messages, msg)
	return msg
}

// Messages returns a copy of the log in creation order.
func (l *MessageLog) Messages() []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Message, len(l.messages))
	copy(out, l.messages)
	return out
}

// Len returns the number of messages.
func (l *MessageLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.messages)
}

// Last returns the most recent message, if any.
func (l *MessageLog) Last() (Message, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.messages) == 0 {
		return Message{}, false
	}
	return l.messages[len(l.messages)-1], true
}

// reset clears the log. Only the abort/start-over path may use this; the
// log is append-only for everyone else.
func (l *MessageLog) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = nil
	l.nextSeq = 0
}

// restore replaces the log content from a persisted snapshot.
func (l *MessageLog) restore(messages []Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = make([]Message, len(messages))
	copy(l.messages, messages)
	l.nextSeq = 0
	for _, m := range messages {
		if m.Seq >= l.nextSeq {
			l.nextSeq = m.Seq + 1
		}
	}
}
