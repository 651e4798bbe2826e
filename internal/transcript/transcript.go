// Package transcript persists the per-session conversation record: user
// messages, agent output, emitted actions, tool progress, and task results,
// plus the provider thread ids that let an agent resume its conversation
// after a restart. Entries are append-only; the session restore path and the
// inspection API read them back in order.
package transcript

import (
	"context"
	"time"
)

// Entry kinds. Kind tells readers how to interpret Content and Payload.
const (
	KindUserMessage   = "user_message"
	KindAgentResponse = "agent_response"
	KindAgentThinking = "agent_thinking"
	KindActions       = "actions"
	KindToolProgress  = "tool_progress"
	KindTaskResult    = "task_result"
	KindError         = "error"
)

// Entry is one transcript record. ID is assigned by the store on append and
// is monotonically increasing, so it doubles as the replay order.
type Entry struct {
	ID        int64                  `json:"id"`
	SessionID string                 `json:"sessionId"`
	MonitorID string                 `json:"monitorId,omitempty"`
	Role      string                 `json:"role"`
	Kind      string                 `json:"kind"`
	Content   string                 `json:"content,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
}

// Store is the transcript persistence interface. Implementations must be
// safe for concurrent use; appends from one session arrive from multiple
// monitor workers.
type Store interface {
	// Append persists the entry and fills in its ID and CreatedAt.
	Append(ctx context.Context, entry *Entry) error

	// List returns up to limit of the most recent entries for the session in
	// chronological order. limit <= 0 applies the default of 200.
	List(ctx context.Context, sessionID string, limit int) ([]*Entry, error)

	// SaveAgentThread records the provider thread id for (session, role),
	// replacing any previous value.
	SaveAgentThread(ctx context.Context, sessionID, role, threadID string) error

	// GetAgentThread returns the saved thread id for (session, role), or ""
	// when none was recorded.
	GetAgentThread(ctx context.Context, sessionID, role string) (string, error)

	Close() error
}
