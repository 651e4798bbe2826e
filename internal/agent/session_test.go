package agent

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskd/deskd/internal/common/logger"
	"github.com/deskd/deskd/internal/emitter"
	"github.com/deskd/deskd/internal/limiter"
	"github.com/deskd/deskd/internal/transcript"
	"github.com/deskd/deskd/internal/transport"
	"github.com/deskd/deskd/pkg/osaction"
	"github.com/deskd/deskd/pkg/protocol"
)

type fakeSink struct {
	mu       sync.Mutex
	messages []*protocol.Message
}

func (f *fakeSink) PublishToSession(sessionID string, msg *protocol.Message) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
	return 1
}

func (f *fakeSink) byAction(action string) []*protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*protocol.Message
	for _, m := range f.messages {
		if m.Action == action {
			out = append(out, m)
		}
	}
	return out
}

type fakeStore struct {
	mu      sync.Mutex
	entries []*transcript.Entry
	threads map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{threads: make(map[string]string)}
}

func (f *fakeStore) Append(ctx context.Context, entry *transcript.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry.ID = int64(len(f.entries) + 1)
	entry.CreatedAt = time.Now().UTC()
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeStore) List(ctx context.Context, sessionID string, limit int) ([]*transcript.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*transcript.Entry
	for _, e := range f.entries {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeStore) SaveAgentThread(ctx context.Context, sessionID, role, threadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threads[sessionID+"/"+role] = threadID
	return nil
}

func (f *fakeStore) GetAgentThread(ctx context.Context, sessionID, role string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.threads[sessionID+"/"+role], nil
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) kinds(sessionID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, e := range f.entries {
		if e.SessionID == sessionID {
			out = append(out, e.Kind)
		}
	}
	return out
}

type harness struct {
	session   *Session
	transport *transport.ScriptedTransport
	emitter   *emitter.Emitter
	limiter   *limiter.Limiter
	sink      *fakeSink
	store     *fakeStore
}

func setupSession(t *testing.T, maxAgents int) *harness {
	t.Helper()
	h := &harness{
		transport: transport.NewScriptedTransport(),
		emitter:   emitter.New(),
		limiter:   limiter.New(maxAgents),
		sink:      &fakeSink{},
		store:     newFakeStore(),
	}
	h.session = NewSession("sess-1", "main", "monitor-0", Deps{
		Limiter:    h.limiter,
		Transport:  h.transport,
		Emitter:    h.emitter,
		Transcript: h.store,
		Sink:       h.sink,
		Log:        logger.Default(),
		Model:      "mock-large",
	})
	t.Cleanup(h.session.Dispose)
	return h
}

func TestHandleMessageStreamsResponse(t *testing.T) {
	h := setupSession(t, 2)

	result, err := h.session.HandleMessage(context.Background(), "hello", TurnOptions{
		Role:   "main",
		Source: "user",
	})
	require.NoError(t, err)
	assert.Equal(t, "echo: hello", result.Response)
	assert.False(t, result.Interrupted)
	assert.Equal(t, "mock-thread-1", result.ThreadID)

	last, ok := h.transport.LastQuery()
	require.True(t, ok)
	assert.Equal(t, "mock-large", last.Opts.Model, "the configured model rides every query")

	responses := h.sink.byAction(protocol.EventAgentResponse)
	require.Len(t, responses, 2)

	var chunk protocol.AgentResponsePayload
	require.NoError(t, json.Unmarshal(responses[0].Payload, &chunk))
	assert.Equal(t, "main", chunk.AgentID)
	assert.Equal(t, "echo: hello", chunk.Content)
	assert.False(t, chunk.IsComplete)

	var terminal protocol.AgentResponsePayload
	require.NoError(t, json.Unmarshal(responses[1].Payload, &terminal))
	assert.True(t, terminal.IsComplete)
	assert.Empty(t, terminal.Content)
}

func TestHandleMessageEmitsThinkingAndToolProgress(t *testing.T) {
	h := setupSession(t, 2)
	h.transport.ScriptExact("work",
		transport.StreamMessage{Type: transport.MessageThinking, Content: "planning"},
		transport.StreamMessage{Type: transport.MessageToolUse, ToolName: "window_create"},
		transport.StreamMessage{Type: transport.MessageToolResult, ToolName: "window_create", Content: "ok"},
		transport.StreamMessage{Type: transport.MessageText, Content: "done"},
		transport.StreamMessage{Type: transport.MessageComplete},
	)

	_, err := h.session.HandleMessage(context.Background(), "work", TurnOptions{Role: "main", Source: "user"})
	require.NoError(t, err)

	thinking := h.sink.byAction(protocol.EventAgentThinking)
	require.Len(t, thinking, 1)

	progress := h.sink.byAction(protocol.EventToolProgress)
	require.Len(t, progress, 2)
	var running, complete protocol.ToolProgressPayload
	require.NoError(t, json.Unmarshal(progress[0].Payload, &running))
	require.NoError(t, json.Unmarshal(progress[1].Payload, &complete))
	assert.Equal(t, protocol.ToolStatusRunning, running.Status)
	assert.Equal(t, protocol.ToolStatusComplete, complete.Status)
}

func TestBridgeRecordsAndRebroadcastsActions(t *testing.T) {
	h := setupSession(t, 2)
	h.transport.OnToolUse = func(name string, input map[string]interface{}) {
		h.emitter.Emit(osaction.Action{
			Type:     osaction.WindowCreate,
			WindowID: "w1",
			Title:    "Notes",
		}, emitter.Tags{AgentID: h.session.ID(), MonitorID: "monitor-0"})
	}
	h.transport.ScriptExact("open notes",
		transport.StreamMessage{Type: transport.MessageToolUse, ToolName: "window_create"},
		transport.StreamMessage{Type: transport.MessageText, Content: "opened"},
		transport.StreamMessage{Type: transport.MessageComplete},
	)

	result, err := h.session.HandleMessage(context.Background(), "open notes", TurnOptions{Role: "main", Source: "user"})
	require.NoError(t, err)
	require.Len(t, result.Actions, 1)
	assert.Equal(t, osaction.WindowCreate, result.Actions[0].Type)

	actionEvents := h.sink.byAction(protocol.EventActions)
	require.Len(t, actionEvents, 1)
	var payload protocol.ActionsPayload
	require.NoError(t, json.Unmarshal(actionEvents[0].Payload, &payload))
	require.Len(t, payload.Actions, 1)
	assert.Equal(t, "w1", payload.Actions[0].WindowID)
	assert.Equal(t, "main", payload.AgentID, "outbound agent id is the role, not the instance uuid")

	assert.Contains(t, h.store.kinds("sess-1"), transcript.KindActions)
}

func TestBridgeFiltersForeignEmissions(t *testing.T) {
	h := setupSession(t, 2)
	h.transport.OnToolUse = func(name string, input map[string]interface{}) {
		h.emitter.Emit(osaction.Action{Type: osaction.ToastShow, Message: "not yours"},
			emitter.Tags{AgentID: "someone-else", MonitorID: "monitor-0"})
		h.emitter.Emit(osaction.Action{Type: osaction.ToastShow, Message: "wrong monitor"},
			emitter.Tags{AgentID: h.session.ID(), MonitorID: "monitor-9"})
		h.emitter.Emit(osaction.Action{Type: osaction.ToastShow, Message: "mine"},
			emitter.Tags{AgentID: h.session.ID(), MonitorID: "monitor-0"})
	}
	h.transport.ScriptExact("toasts",
		transport.StreamMessage{Type: transport.MessageToolUse, ToolName: "toast"},
		transport.StreamMessage{Type: transport.MessageComplete},
	)

	result, err := h.session.HandleMessage(context.Background(), "toasts", TurnOptions{Role: "main", Source: "user"})
	require.NoError(t, err)
	require.Len(t, result.Actions, 1)
	assert.Equal(t, "mine", result.Actions[0].Message)
}

func TestBridgeRoutesPermissionRequestsToApproval(t *testing.T) {
	h := setupSession(t, 2)
	h.transport.OnToolUse = func(name string, input map[string]interface{}) {
		h.emitter.Emit(osaction.Action{
			Type: osaction.DialogConfirm,
			Dialog: &osaction.Dialog{
				ID:      "dlg-1",
				Title:   "Allow file access?",
				Message: "The agent wants to read your desktop.",
				Permission: &osaction.PermissionOptions{
					Options: []osaction.PermissionOption{{ID: "allow", Label: "Allow", Kind: "allow"}},
				},
			},
		}, emitter.Tags{AgentID: h.session.ID()})
	}
	h.transport.ScriptExact("ask",
		transport.StreamMessage{Type: transport.MessageToolUse, ToolName: "dialog"},
		transport.StreamMessage{Type: transport.MessageComplete},
	)

	_, err := h.session.HandleMessage(context.Background(), "ask", TurnOptions{Role: "main", Source: "user"})
	require.NoError(t, err)

	approvals := h.sink.byAction(protocol.EventApprovalRequest)
	require.Len(t, approvals, 1)
	var payload protocol.ApprovalRequestPayload
	require.NoError(t, json.Unmarshal(approvals[0].Payload, &payload))
	assert.Equal(t, "dlg-1", payload.DialogID)
	assert.Equal(t, "main", payload.AgentID)
	require.NotNil(t, payload.PermissionOptions)

	assert.Empty(t, h.sink.byAction(protocol.EventActions),
		"permission requests bypass the normal action stream")
}

func TestTurnScopedSlotReleasedExactlyOnce(t *testing.T) {
	h := setupSession(t, 1)

	_, err := h.session.HandleMessage(context.Background(), "hello", TurnOptions{Role: "main", Source: "user"})
	require.NoError(t, err)
	assert.Equal(t, 0, h.limiter.Stats().Current, "turn slot released at turn end")

	_, err = h.session.HandleMessage(context.Background(), "again", TurnOptions{Role: "main", Source: "user"})
	require.NoError(t, err)
	assert.Equal(t, 0, h.limiter.Stats().Current)

	// Dispose after the fact must not double-release anything.
	h.session.Dispose()
	assert.Equal(t, 0, h.limiter.Stats().Current)
}

func TestPersistentSlotHeldAcrossTurns(t *testing.T) {
	h := setupSession(t, 2)
	require.NoError(t, h.session.AcquireSlot(context.Background()))
	assert.Equal(t, 1, h.limiter.Stats().Current)

	_, err := h.session.HandleMessage(context.Background(), "hello", TurnOptions{Role: "main", Source: "user"})
	require.NoError(t, err)
	assert.Equal(t, 1, h.limiter.Stats().Current, "persistent slot survives the turn")

	h.session.Dispose()
	assert.Equal(t, 0, h.limiter.Stats().Current, "dispose releases the held slot")
}

func TestHandleMessageFailsFastWhenLimiterFull(t *testing.T) {
	h := setupSession(t, 1)
	require.True(t, h.limiter.TryAcquire(), "occupy the only slot externally")
	defer h.limiter.Release()

	_, err := h.session.HandleMessage(context.Background(), "hello", TurnOptions{Role: "main", Source: "user"})
	require.ErrorIs(t, err, limiter.ErrCapacityExhausted)

	errs := h.sink.byAction(protocol.EventError)
	require.Len(t, errs, 1)
	var payload protocol.ErrorEventPayload
	require.NoError(t, json.Unmarshal(errs[0].Payload, &payload))
	assert.Equal(t, "agent limit reached", payload.Error)
}

func TestInStreamErrorEndsTurnWithErrorEvent(t *testing.T) {
	h := setupSession(t, 2)
	h.transport.ScriptExact("boom",
		transport.StreamMessage{Type: transport.MessageText, Content: "partial"},
		transport.StreamMessage{Type: transport.MessageError, Content: "rate limited"},
	)

	result, err := h.session.HandleMessage(context.Background(), "boom", TurnOptions{Role: "main", Source: "user"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
	assert.Equal(t, "partial", result.Response, "partial output survives the failure")

	require.Len(t, h.sink.byAction(protocol.EventError), 1)
	assert.Contains(t, h.store.kinds("sess-1"), transcript.KindError)
	assert.Equal(t, StateIdle, h.session.State())
}

// blockTurn scripts a turn that parks inside a tool call until release is
// closed, giving tests a deterministic in-flight window.
func blockTurn(h *harness, prompt string) (release chan struct{}) {
	release = make(chan struct{})
	h.transport.OnToolUse = func(name string, input map[string]interface{}) {
		<-release
	}
	h.transport.ScriptExact(prompt,
		transport.StreamMessage{Type: transport.MessageText, Content: "before tool"},
		transport.StreamMessage{Type: transport.MessageToolUse, ToolName: "slow_tool"},
		transport.StreamMessage{Type: transport.MessageText, Content: "after tool"},
		transport.StreamMessage{Type: transport.MessageComplete},
	)
	return release
}

func TestInterruptEndsTurnSilently(t *testing.T) {
	h := setupSession(t, 2)
	release := blockTurn(h, "long")

	done := make(chan struct{})
	var result *TurnResult
	var err error
	go func() {
		defer close(done)
		result, err = h.session.HandleMessage(context.Background(), "long", TurnOptions{Role: "main", Source: "user"})
	}()

	// Wait until the turn is parked inside the tool call, then interrupt.
	require.Eventually(t, func() bool {
		return len(h.sink.byAction(protocol.EventToolProgress)) > 0
	}, 2*time.Second, 5*time.Millisecond)
	h.session.Interrupt()
	close(release)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("turn did not finish after interrupt")
	}

	require.NoError(t, err, "cancellation is not an error")
	require.NotNil(t, result)
	assert.True(t, result.Interrupted)
	assert.Equal(t, "before tool", result.Response, "partial output survives")
	assert.Empty(t, h.sink.byAction(protocol.EventError), "no ERROR event on cancellation")
	assert.Equal(t, StateIdle, h.session.State())
}

func TestRejectsConcurrentTurns(t *testing.T) {
	h := setupSession(t, 2)
	release := blockTurn(h, "slow")
	defer close(release)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.session.HandleMessage(context.Background(), "slow", TurnOptions{Role: "main", Source: "user"})
	}()

	require.Eventually(t, func() bool {
		return h.session.State() == StateStreaming
	}, 2*time.Second, 5*time.Millisecond)

	_, err := h.session.HandleMessage(context.Background(), "second", TurnOptions{Role: "main", Source: "user"})
	require.ErrorIs(t, err, ErrTurnActive)
}

func TestThreadContinuityAcrossTurns(t *testing.T) {
	h := setupSession(t, 2)

	first, err := h.session.HandleMessage(context.Background(), "one", TurnOptions{Role: "main", Source: "user"})
	require.NoError(t, err)
	assert.Equal(t, "mock-thread-1", first.ThreadID)

	second, err := h.session.HandleMessage(context.Background(), "two", TurnOptions{Role: "main", Source: "user"})
	require.NoError(t, err)
	assert.Equal(t, "mock-thread-1", second.ThreadID, "second turn continues the same thread")

	record, ok := h.transport.LastQuery()
	require.True(t, ok)
	assert.Equal(t, "mock-thread-1", record.Opts.SessionID)

	assert.Equal(t, "mock-thread-1", h.store.threads["sess-1/main"], "thread id persisted under the role")
}

func TestForkInheritsParentThread(t *testing.T) {
	h := setupSession(t, 2)

	result, err := h.session.HandleMessage(context.Background(), "fork work", TurnOptions{
		Role:            "task-abc123",
		Source:          "main",
		ForkSession:     true,
		ParentSessionID: "parent-thread",
	})
	require.NoError(t, err)
	assert.Equal(t, "parent-thread-fork-1", result.ThreadID)

	record, ok := h.transport.LastQuery()
	require.True(t, ok)
	assert.True(t, record.Opts.ForkSession)
	assert.Equal(t, "parent-thread", record.Opts.SessionID)
}

func TestRestoreThreadResumesOnNextTurn(t *testing.T) {
	h := setupSession(t, 2)
	h.session.RestoreThread("saved-thread")

	_, err := h.session.HandleMessage(context.Background(), "back", TurnOptions{Role: "main", Source: "user"})
	require.NoError(t, err)

	record, ok := h.transport.LastQuery()
	require.True(t, ok)
	assert.Equal(t, "saved-thread", record.Opts.SessionID)
	assert.True(t, record.Opts.ResumeThread)

	_, err = h.session.HandleMessage(context.Background(), "again", TurnOptions{Role: "main", Source: "user"})
	require.NoError(t, err)
	record, ok = h.transport.LastQuery()
	require.True(t, ok)
	assert.False(t, record.Opts.ResumeThread, "resume flag is consumed by the first turn")
}

func TestDisposedSessionRejectsTurns(t *testing.T) {
	h := setupSession(t, 2)
	h.session.Dispose()

	_, err := h.session.HandleMessage(context.Background(), "hello", TurnOptions{Role: "main", Source: "user"})
	require.ErrorIs(t, err, ErrDisposed)
}

func TestTranscriptRecordsResponse(t *testing.T) {
	h := setupSession(t, 2)

	_, err := h.session.HandleMessage(context.Background(), "hello", TurnOptions{Role: "main", Source: "user"})
	require.NoError(t, err)

	entries, listErr := h.store.List(context.Background(), "sess-1", 0)
	require.NoError(t, listErr)
	require.NotEmpty(t, entries)
	last := entries[len(entries)-1]
	assert.Equal(t, transcript.KindAgentResponse, last.Kind)
	assert.Equal(t, "echo: hello", last.Content)
	assert.Equal(t, "main", last.Role)
}
