// Package transport defines the contract between agent sessions and AI model
// providers: a streaming query, interruption, and thread/fork semantics.
// Providers plug in through a registry; the scripted mock provider doubles as
// the fallback when no real provider is installed.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrDisposed is returned when Query is called on a disposed transport.
	ErrDisposed = errors.New("transport disposed")

	// ErrNoProvider is returned when auto-detection finds no usable
	// provider.
	ErrNoProvider = errors.New("no provider available")

	// ErrProviderUnavailable is returned when an explicitly selected
	// provider fails its availability probe.
	ErrProviderUnavailable = errors.New("provider unavailable")
)

// MessageType discriminates StreamMessage variants.
type MessageType string

const (
	MessageText       MessageType = "text"
	MessageThinking   MessageType = "thinking"
	MessageToolUse    MessageType = "tool_use"
	MessageToolResult MessageType = "tool_result"
	MessageComplete   MessageType = "complete"
	MessageError      MessageType = "error"
)

// StreamMessage is one element of a provider's reply stream. Only the fields
// relevant to Type are populated.
type StreamMessage struct {
	Type MessageType

	// Content carries text, thinking, tool_result, and error payloads.
	Content string

	// SessionID is the provider-side thread id, on messages that know it.
	SessionID string

	// Tool fields for tool_use and tool_result.
	ToolName  string
	ToolID    string
	ToolInput map[string]interface{}
}

// Image is an inline attachment passed with a prompt.
type Image struct {
	Data     string `json:"data"` // base64
	MimeType string `json:"mimeType"`
}

// QueryOptions parameterize one turn.
type QueryOptions struct {
	SystemPrompt string
	Model        string

	// SessionID continues an existing provider thread. With ForkSession
	// set, the new turn inherits that thread's context but becomes a
	// distinct child thread whose id arrives on the stream.
	SessionID   string
	ForkSession bool

	// ResumeThread asks the provider to reload the thread's history
	// before the turn, used after a server restart.
	ResumeThread bool

	Images       []Image
	MonitorID    string
	AgentID      string
	AllowedTools []string
}

// Transport streams model turns for one agent. Implementations must be safe
// for Interrupt and Dispose from goroutines other than the querying one.
type Transport interface {
	// Query starts one turn and returns its message stream. The channel
	// is closed when the turn ends; cancellation (ctx or Interrupt) ends
	// it cleanly without an error message.
	Query(ctx context.Context, prompt string, opts QueryOptions) (<-chan StreamMessage, error)

	// Interrupt cancels the in-flight query, if any. Idempotent.
	Interrupt()

	// Steer injects additional input into the active turn and reports
	// whether the provider accepted it.
	Steer(ctx context.Context, content string) (bool, error)

	// Dispose releases transport-held resources. Query must not be
	// called afterward.
	Dispose()

	// Provider names the backing provider.
	Provider() string
}
