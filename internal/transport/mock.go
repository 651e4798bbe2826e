package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/deskd/deskd/internal/common/logger"
)

// MockProviderName is the scripted fallback provider.
const MockProviderName = "mock"

// Script is one canned provider behavior: when Match accepts a prompt, the
// turn streams Messages (or fails with QueryErr before streaming).
type Script struct {
	Match    func(prompt string) bool
	Messages []StreamMessage
	QueryErr error
}

// QueryRecord captures one Query call for assertions.
type QueryRecord struct {
	Prompt string
	Opts   QueryOptions
}

// ScriptedTransport is the in-tree mock provider. Without scripts it echoes
// prompts; with scripts it streams whatever the first matching script holds.
// Streaming is consumer-paced (unbuffered), so interruption points are
// deterministic.
type ScriptedTransport struct {
	// OnToolUse, when set, runs after a tool_use message is consumed.
	// Tests use it to simulate tool execution, e.g. emitting OS actions.
	OnToolUse func(name string, input map[string]interface{})

	mu         sync.Mutex
	scripts    []Script
	queries    []QueryRecord
	steered    []string
	disposed   bool
	activeDone chan struct{}
	threadSeq  int
	forkSeq    int
}

// NewScriptedTransport creates a mock transport with echo behavior.
func NewScriptedTransport() *ScriptedTransport {
	return &ScriptedTransport{}
}

// AddScript appends a script. Scripts are tried in order.
func (t *ScriptedTransport) AddScript(s Script) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scripts = append(t.scripts, s)
}

// ScriptExact is a convenience for scripting one exact prompt.
func (t *ScriptedTransport) ScriptExact(prompt string, messages ...StreamMessage) {
	t.AddScript(Script{
		Match:    func(p string) bool { return p == prompt },
		Messages: messages,
	})
}

// Query implements Transport.
func (t *ScriptedTransport) Query(ctx context.Context, prompt string, opts QueryOptions) (<-chan StreamMessage, error) {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return nil, ErrDisposed
	}
	t.queries = append(t.queries, QueryRecord{Prompt: prompt, Opts: opts})

	threadID := t.threadIDLocked(opts)
	script := t.scriptForLocked(prompt)
	if script != nil && script.QueryErr != nil {
		err := script.QueryErr
		t.mu.Unlock()
		return nil, err
	}

	done := make(chan struct{})
	t.activeDone = done

	var messages []StreamMessage
	if script != nil {
		messages = append(messages, script.Messages...)
	} else {
		messages = []StreamMessage{
			{Type: MessageText, Content: "echo: " + prompt},
			{Type: MessageComplete},
		}
	}
	t.mu.Unlock()

	out := make(chan StreamMessage)
	go t.stream(ctx, out, done, messages, threadID)
	return out, nil
}

func (t *ScriptedTransport) stream(ctx context.Context, out chan<- StreamMessage, done chan struct{}, messages []StreamMessage, threadID string) {
	defer func() {
		close(out)
		t.mu.Lock()
		if t.activeDone == done {
			t.activeDone = nil
		}
		t.mu.Unlock()
	}()

	for _, msg := range messages {
		if msg.SessionID == "" {
			switch msg.Type {
			case MessageText, MessageComplete, MessageError:
				msg.SessionID = threadID
			}
		}

		select {
		case out <- msg:
		case <-done:
			return
		case <-ctx.Done():
			return
		}

		if msg.Type == MessageToolUse && t.OnToolUse != nil {
			t.OnToolUse(msg.ToolName, msg.ToolInput)
		}
	}
}

// threadIDLocked resolves the provider thread for a turn: fork produces a
// child id, a plain session id continues, nothing starts a fresh thread.
func (t *ScriptedTransport) threadIDLocked(opts QueryOptions) string {
	switch {
	case opts.ForkSession && opts.SessionID != "":
		t.forkSeq++
		return fmt.Sprintf("%s-fork-%d", opts.SessionID, t.forkSeq)
	case opts.SessionID != "":
		return opts.SessionID
	default:
		t.threadSeq++
		return fmt.Sprintf("mock-thread-%d", t.threadSeq)
	}
}

func (t *ScriptedTransport) scriptForLocked(prompt string) *Script {
	for i := range t.scripts {
		if t.scripts[i].Match(prompt) {
			return &t.scripts[i]
		}
	}
	return nil
}

// Interrupt implements Transport.
func (t *ScriptedTransport) Interrupt() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.activeDone != nil {
		close(t.activeDone)
		t.activeDone = nil
	}
}

// Steer implements Transport. Content is accepted whenever a turn is active.
func (t *ScriptedTransport) Steer(ctx context.Context, content string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.activeDone == nil {
		return false, nil
	}
	t.steered = append(t.steered, content)
	return true, nil
}

// Dispose implements Transport.
func (t *ScriptedTransport) Dispose() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disposed = true
	if t.activeDone != nil {
		close(t.activeDone)
		t.activeDone = nil
	}
}

// Provider implements Transport.
func (t *ScriptedTransport) Provider() string {
	return MockProviderName
}

// Queries returns a copy of every recorded Query call.
func (t *ScriptedTransport) Queries() []QueryRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]QueryRecord(nil), t.queries...)
}

// LastQuery returns the most recent Query call.
func (t *ScriptedTransport) LastQuery() (QueryRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.queries) == 0 {
		return QueryRecord{}, false
	}
	return t.queries[len(t.queries)-1], true
}

// Steered returns a copy of accepted steering inputs.
func (t *ScriptedTransport) Steered() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.steered...)
}

// MockFactory returns the fallback provider factory, always available,
// creating a fresh scripted transport per agent.
func MockFactory() *Factory {
	return &Factory{
		Name:      MockProviderName,
		Available: func() bool { return true },
		New: func(log *logger.Logger) (Transport, error) {
			return NewScriptedTransport(), nil
		},
	}
}

// FixedFactory wraps one existing transport instance as a factory. Tests use
// it to hand a pre-scripted transport to pools and sessions.
func FixedFactory(name string, t Transport) *Factory {
	return &Factory{
		Name:      name,
		Available: func() bool { return true },
		New: func(log *logger.Logger) (Transport, error) {
			return t, nil
		},
	}
}
