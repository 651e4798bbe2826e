// Package agent runs model turns for one agent instance: acquiring a limiter
// slot, bridging emitted OS actions to the session's clients, consuming the
// provider stream, and persisting what the turn learned.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/deskd/deskd/internal/common/logger"
	"github.com/deskd/deskd/internal/events"
	"github.com/deskd/deskd/internal/events/bus"
	"github.com/deskd/deskd/internal/limiter"
	"github.com/deskd/deskd/internal/transcript"
	"github.com/deskd/deskd/internal/transport"
	"github.com/deskd/deskd/pkg/osaction"
	"github.com/deskd/deskd/pkg/protocol"

	"github.com/deskd/deskd/internal/emitter"
)

var (
	// ErrTurnActive is returned when HandleMessage is called while a turn
	// is already in flight. Callers serialize turns per agent.
	ErrTurnActive = errors.New("a turn is already active")

	// ErrDisposed is returned when the session has been disposed.
	ErrDisposed = errors.New("agent session disposed")
)

// State is the turn state of an agent session.
type State string

const (
	StateIdle       State = "idle"
	StateAcquiring  State = "acquiring"
	StateRunning    State = "running"
	StateStreaming  State = "streaming"
	StateFinalizing State = "finalizing"
)

// EventSink delivers server events to every connection subscribed to a
// session. The websocket hub implements it; tests substitute a recorder.
type EventSink interface {
	PublishToSession(sessionID string, msg *protocol.Message) int
}

// Deps are the collaborators an agent session works against. All sessions of
// one desktop session share the same set.
type Deps struct {
	Limiter    *limiter.Limiter
	Transport  transport.Transport
	Emitter    *emitter.Emitter
	Transcript transcript.Store
	Sink       EventSink
	Bus        bus.EventBus
	Log        *logger.Logger

	// Model overrides the provider's default model when set.
	Model string

	// AcquireTimeout bounds turn-scoped slot acquisition. Zero rejects
	// immediately when the limiter is full.
	AcquireTimeout time.Duration
}

// TurnOptions parameterize one HandleMessage call.
type TurnOptions struct {
	// Role is the canonical agent name events are attributed to: "main",
	// "task-<nonce>", or "window-<id>".
	Role string

	// Source records what initiated the turn: "user", "main", or "system".
	Source string

	MonitorID string

	// ForkSession starts the turn as a child thread of ParentSessionID
	// instead of continuing this agent's own thread.
	ForkSession     bool
	ParentSessionID string

	SystemPromptOverride string
	AllowedTools         []string
	Images               []transport.Image
}

// TurnResult is what a finished turn produced.
type TurnResult struct {
	Role        string
	Response    string
	ThreadID    string
	Actions     []osaction.Action
	Interrupted bool
}

// Session is one live agent instance. A session runs at most one turn at a
// time; the context pool's per-monitor queues provide that serialization for
// main agents, and task agents are single-turn by construction.
type Session struct {
	id        string
	sessionID string

	deps Deps
	log  *logger.Logger

	mu          sync.Mutex
	state       State
	role        string
	monitorID   string
	holding     bool
	disposed    bool
	interrupted bool
	resumeNext  bool
	threadID    string
	cancelTurn  context.CancelFunc
	releaseTurn func()
	actions     []osaction.Action
}

// NewSession creates an idle session. No limiter slot is taken; persistent
// agents call AcquireSlot or TryAcquireSlot before their first turn.
func NewSession(sessionID, role, monitorID string, deps Deps) *Session {
	id := uuid.New().String()
	log := deps.Log
	if log == nil {
		log = logger.Default()
	}
	return &Session{
		id:        id,
		sessionID: sessionID,
		deps:      deps,
		log:       log.WithSessionID(sessionID).WithAgentID(id).WithFields(zap.String("role", role)),
		state:     StateIdle,
		role:      role,
		monitorID: monitorID,
	}
}

// ID returns the instance id used to tag tool emissions.
func (s *Session) ID() string { return s.id }

// Role returns the session's current canonical role.
func (s *Session) Role() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// MonitorID returns the monitor this agent serves.
func (s *Session) MonitorID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.monitorID
}

// State returns the current turn state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ThreadID returns the provider thread id learned from the last turn, or ""
// before any turn completed.
func (s *Session) ThreadID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threadID
}

// RestoreThread seeds the provider thread id from persistence. The next turn
// asks the provider to reload that thread's history.
func (s *Session) RestoreThread(threadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if threadID == "" {
		return
	}
	s.threadID = threadID
	s.resumeNext = true
}

// AcquireSlot takes a persistent limiter slot, waiting per the configured
// acquire timeout. The slot is held until Dispose.
func (s *Session) AcquireSlot(ctx context.Context) error {
	if err := s.deps.Limiter.AcquireTimeout(ctx, s.deps.AcquireTimeout); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		s.deps.Limiter.Release()
		return ErrDisposed
	}
	s.holding = true
	return nil
}

// TryAcquireSlot takes a persistent slot without blocking.
func (s *Session) TryAcquireSlot() bool {
	if !s.deps.Limiter.TryAcquire() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		s.deps.Limiter.Release()
		return false
	}
	s.holding = true
	return true
}

// HandleMessage runs one turn: slot, bridge, query, stream consumption,
// persistence. It returns the turn's output; on interruption the result has
// Interrupted set and a nil error.
func (s *Session) HandleMessage(ctx context.Context, prompt string, opts TurnOptions) (*TurnResult, error) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil, ErrDisposed
	}
	if s.state != StateIdle {
		s.mu.Unlock()
		return nil, ErrTurnActive
	}
	s.state = StateAcquiring
	if opts.Role != "" {
		s.role = opts.Role
	}
	if opts.MonitorID != "" {
		s.monitorID = opts.MonitorID
	}
	role := s.role
	monitorID := s.monitorID
	s.actions = nil
	s.interrupted = false

	turnCtx, cancel := context.WithCancel(ctx)
	s.cancelTurn = cancel

	holding := s.holding
	resume := s.resumeNext
	s.resumeNext = false
	threadID := s.threadID
	s.mu.Unlock()

	defer cancel()
	defer s.setState(StateIdle)

	// Turn-scoped slot, for agents that do not hold one persistently.
	// Released exactly once: at turn end, or by Dispose if that comes
	// first.
	if !holding {
		if err := s.deps.Limiter.AcquireTimeout(turnCtx, s.deps.AcquireTimeout); err != nil {
			s.log.Warn("Turn rejected by agent limiter", zap.Error(err))
			s.sendEvent(protocol.NewErrorEvent(err.Error()))
			s.publishTurnEvent(events.TurnFailed, opts, map[string]interface{}{"error": err.Error()})
			return nil, err
		}
		var once sync.Once
		release := func() { once.Do(s.deps.Limiter.Release) }
		s.mu.Lock()
		s.releaseTurn = release
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			s.releaseTurn = nil
			s.mu.Unlock()
			release()
		}()
	}

	s.setState(StateRunning)
	s.publishTurnEvent(events.TurnStarted, opts, nil)
	turnStart := time.Now()

	bridgeSub := s.subscribeBridge(role, monitorID)
	defer bridgeSub.Unsubscribe()

	queryOpts := transport.QueryOptions{
		SystemPrompt: opts.SystemPromptOverride,
		Model:        s.deps.Model,
		SessionID:    threadID,
		ResumeThread: resume,
		Images:       opts.Images,
		MonitorID:    monitorID,
		AgentID:      s.id,
		AllowedTools: opts.AllowedTools,
	}
	if opts.ForkSession && opts.ParentSessionID != "" {
		queryOpts.SessionID = opts.ParentSessionID
		queryOpts.ForkSession = true
	}

	stream, err := s.deps.Transport.Query(turnCtx, prompt, queryOpts)
	if err != nil {
		s.log.Error("Provider query failed", zap.Error(err))
		s.sendEvent(protocol.NewErrorEvent(err.Error()))
		s.publishTurnEvent(events.TurnFailed, opts, map[string]interface{}{"error": err.Error()})
		return nil, fmt.Errorf("provider query failed: %w", err)
	}

	s.setState(StateStreaming)

	var response strings.Builder
	var turnErr error
	learnedThread := ""
	for msg := range stream {
		if msg.SessionID != "" {
			learnedThread = msg.SessionID
		}
		switch msg.Type {
		case transport.MessageText:
			response.WriteString(msg.Content)
			s.sendEvent(protocol.NewAgentResponse(role, msg.Content, false))
		case transport.MessageThinking:
			s.sendEvent(protocol.NewAgentThinking(role, msg.Content))
		case transport.MessageToolUse:
			s.sendEvent(protocol.NewToolProgress(role, msg.ToolName, protocol.ToolStatusRunning))
		case transport.MessageToolResult:
			s.sendEvent(protocol.NewToolProgress(role, msg.ToolName, protocol.ToolStatusComplete))
		case transport.MessageComplete:
			// Thread id only; the close of the stream ends the turn.
		case transport.MessageError:
			turnErr = fmt.Errorf("provider error: %s", msg.Content)
		}
	}

	s.setState(StateFinalizing)

	s.mu.Lock()
	interrupted := s.interrupted || turnCtx.Err() != nil
	if learnedThread != "" {
		s.threadID = learnedThread
	}
	finalThread := s.threadID
	actions := make([]osaction.Action, len(s.actions))
	copy(actions, s.actions)
	s.mu.Unlock()

	if learnedThread != "" {
		s.saveThread(role, learnedThread)
	}

	result := &TurnResult{
		Role:        role,
		Response:    response.String(),
		ThreadID:    finalThread,
		Actions:     actions,
		Interrupted: interrupted,
	}

	durationMs := time.Since(turnStart).Milliseconds()

	if interrupted {
		// Cancellation ends the turn silently.
		s.appendResponseTranscript(role, monitorID, result, true)
		s.publishTurnEvent(events.TurnCompleted, opts, map[string]interface{}{
			"interrupted": true,
			"durationMs":  durationMs,
		})
		return result, nil
	}

	if turnErr != nil {
		s.sendEvent(protocol.NewErrorEvent(turnErr.Error()))
		s.appendTranscript(&transcript.Entry{
			SessionID: s.sessionID,
			MonitorID: monitorID,
			Role:      role,
			Kind:      transcript.KindError,
			Content:   turnErr.Error(),
		})
		s.publishTurnEvent(events.TurnFailed, opts, map[string]interface{}{
			"error":      turnErr.Error(),
			"durationMs": durationMs,
		})
		return result, turnErr
	}

	s.sendEvent(protocol.NewAgentResponse(role, "", true))
	s.appendResponseTranscript(role, monitorID, result, false)
	s.publishTurnEvent(events.TurnCompleted, opts, map[string]interface{}{
		"actionCount": len(actions),
		"durationMs":  durationMs,
	})
	return result, nil
}

// Interrupt cancels the in-flight turn, if any. Safe from any goroutine and
// idempotent.
func (s *Session) Interrupt() {
	s.mu.Lock()
	s.interrupted = true
	cancel := s.cancelTurn
	s.mu.Unlock()

	s.deps.Transport.Interrupt()
	if cancel != nil {
		cancel()
	}
}

// Steer forwards additional input into the active turn.
func (s *Session) Steer(ctx context.Context, content string) (bool, error) {
	return s.deps.Transport.Steer(ctx, content)
}

// Dispose interrupts any in-flight turn and releases every limiter slot this
// session holds. The transport is left to its owner: the context pool
// returns it to the warm pool for the next agent. Idempotent.
func (s *Session) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	s.interrupted = true
	cancel := s.cancelTurn
	releaseTurn := s.releaseTurn
	s.releaseTurn = nil
	releaseHolding := s.holding
	s.holding = false
	s.mu.Unlock()

	s.deps.Transport.Interrupt()
	if cancel != nil {
		cancel()
	}

	if releaseTurn != nil {
		releaseTurn()
	}
	if releaseHolding {
		s.deps.Limiter.Release()
	}
	s.log.Debug("Agent session disposed")
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) sendEvent(msg *protocol.Message, err error) {
	if err != nil {
		s.log.Error("Failed to build server event", zap.Error(err))
		return
	}
	if s.deps.Sink != nil {
		s.deps.Sink.PublishToSession(s.sessionID, msg)
	}
}

func (s *Session) publishTurnEvent(eventType string, opts TurnOptions, extra map[string]interface{}) {
	if s.deps.Bus == nil {
		return
	}
	data := map[string]interface{}{
		"sessionId": s.sessionID,
		"agentId":   s.id,
		"role":      s.Role(),
		"monitorId": s.MonitorID(),
		"source":    opts.Source,
	}
	for k, v := range extra {
		data[k] = v
	}
	event := bus.NewEvent(eventType, "agent-session", data)
	subject := events.BuildTurnSubject(eventType, s.sessionID)
	if err := s.deps.Bus.Publish(context.Background(), subject, event); err != nil {
		s.log.Warn("Failed to publish turn event", zap.String("subject", subject), zap.Error(err))
	}
}

func (s *Session) saveThread(role, threadID string) {
	if s.deps.Transcript == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.deps.Transcript.SaveAgentThread(ctx, s.sessionID, role, threadID); err != nil {
		s.log.Warn("Failed to persist agent thread", zap.Error(err))
	}
}

func (s *Session) appendResponseTranscript(role, monitorID string, result *TurnResult, interrupted bool) {
	if result.Response == "" {
		return
	}
	entry := &transcript.Entry{
		SessionID: s.sessionID,
		MonitorID: monitorID,
		Role:      role,
		Kind:      transcript.KindAgentResponse,
		Content:   result.Response,
	}
	if interrupted {
		entry.Payload = map[string]interface{}{"interrupted": true}
	}
	s.appendTranscript(entry)
}

func (s *Session) appendTranscript(entry *transcript.Entry) {
	if s.deps.Transcript == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.deps.Transcript.Append(ctx, entry); err != nil {
		s.log.Warn("Failed to append transcript entry", zap.Error(err))
	}
}
