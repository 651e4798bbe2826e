package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/deskd/deskd/internal/agent"
	"github.com/deskd/deskd/internal/common/logger"
	"github.com/deskd/deskd/internal/emitter"
	"github.com/deskd/deskd/internal/events"
	"github.com/deskd/deskd/internal/events/bus"
	"github.com/deskd/deskd/internal/limiter"
	"github.com/deskd/deskd/internal/pool"
	"github.com/deskd/deskd/internal/reloadcache"
	"github.com/deskd/deskd/internal/transcript"
	"github.com/deskd/deskd/internal/transport"
	"github.com/deskd/deskd/internal/windows"
	"github.com/deskd/deskd/pkg/protocol"
)

// janitorInterval is how often the idle sweep runs.
const janitorInterval = time.Minute

// Broadcaster is the slice of the websocket hub the session hub needs: event
// delivery plus forced disconnect on retirement.
type Broadcaster interface {
	PublishToSession(sessionID string, msg *protocol.Message) int
	CloseSessionConnections(sessionID string)
}

// Deps are the process-wide collaborators sessions are built from.
type Deps struct {
	Limiter    *limiter.Limiter
	Emitter    *emitter.Emitter
	Transcript transcript.Store
	Broadcast  Broadcaster
	Bus        bus.EventBus
	Factory    *transport.Factory
	Store      *reloadcache.Store
	Profiles   *pool.ProfileSet
	Log        *logger.Logger

	CacheOptions      reloadcache.Options
	SuggestThreshold  float64
	AcquireTimeout    time.Duration
	TransportPoolSize int

	// WarmTransports is how many transports a new session starts eagerly.
	// Zero skips warmup.
	WarmTransports int

	// Model overrides the provider's default model when set.
	Model string

	// IdleTimeout retires sessions with zero connections idle this long.
	// Zero disables the janitor.
	IdleTimeout time.Duration
}

// Hub is the singleton sessionId → Session index.
type Hub struct {
	deps Deps
	log  *logger.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewHub creates the session hub.
func NewHub(deps Deps) *Hub {
	log := deps.Log
	if log == nil {
		log = logger.Default()
	}
	return &Hub{
		deps:     deps,
		log:      log.WithFields(zap.String("component", "session-hub")),
		sessions: make(map[string]*Session),
	}
}

// GetOrCreate returns the session, creating its pool, window registry and
// reload cache on first reference. Concurrent calls on one id return the
// same instance; initialization (which takes a limiter slot for the default
// monitor's main agent) runs exactly once.
func (h *Hub) GetOrCreate(ctx context.Context, id string) (*Session, error) {
	h.mu.Lock()
	s, ok := h.sessions[id]
	if !ok {
		s = h.newSession(id)
		h.sessions[id] = s
	}
	h.mu.Unlock()

	s.initOnce.Do(func() {
		s.initErr = s.pool.Initialize(ctx)
		if s.initErr != nil {
			return
		}
		h.publishLifecycle(events.SessionCreated, id, nil)
		h.log.Info("Session created", zap.String("session_id", id))
	})

	if s.initErr != nil {
		h.mu.Lock()
		if h.sessions[id] == s {
			delete(h.sessions, id)
		}
		h.mu.Unlock()
		s.pool.Cleanup()
		s.transports.Close()
		return nil, s.initErr
	}
	return s, nil
}

// newSession wires one session's per-session state. Cheap: no limiter slot
// is taken until Initialize.
func (h *Hub) newSession(id string) *Session {
	registry := windows.NewRegistry()
	cache := reloadcache.New(id, h.deps.CacheOptions, h.deps.Store, h.deps.Log)

	size := h.deps.TransportPoolSize
	if size <= 0 {
		size = transport.DefaultPoolSize
	}
	transports := transport.NewPool(h.deps.Factory, size, h.deps.Log)
	if n := h.deps.WarmTransports; n > 0 {
		// Warm blocks on provider startup; the session must not.
		go transports.Warm(n)
	}

	var sink agent.EventSink
	if h.deps.Broadcast != nil {
		sink = h.deps.Broadcast
	}

	p := pool.New(id, pool.Deps{
		Limiter:          h.deps.Limiter,
		Transports:       transports,
		Emitter:          h.deps.Emitter,
		Transcript:       h.deps.Transcript,
		Sink:             sink,
		Bus:              h.deps.Bus,
		Cache:            cache,
		Windows:          registry,
		Profiles:         h.deps.Profiles,
		Log:              h.deps.Log,
		Model:            h.deps.Model,
		AcquireTimeout:   h.deps.AcquireTimeout,
		SuggestThreshold: h.deps.SuggestThreshold,
	})

	now := time.Now()
	return &Session{
		id:           id,
		pool:         p,
		windows:      registry,
		cache:        cache,
		transports:   transports,
		createdAt:    now,
		lastActivity: now,
	}
}

// Get returns a live session without creating one.
func (h *Hub) Get(id string) (*Session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[id]
	return s, ok
}

// List returns the live sessions sorted by id.
func (h *Hub) List() []*Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].id < sessions[j].id })
	return sessions
}

// Len returns the number of live sessions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Retire tears a session down: every agent is disposed (releasing its
// limiter slots), the cache is flushed, and the session's connections are
// force-closed. Returns false when the session is unknown.
func (h *Hub) Retire(id, reason string) bool {
	h.mu.Lock()
	s, ok := h.sessions[id]
	if ok {
		delete(h.sessions, id)
	}
	h.mu.Unlock()
	if !ok {
		return false
	}

	if h.deps.Broadcast != nil {
		if msg, err := protocol.NewConnectionStatus(protocol.StatusDisconnected, "", id, ""); err == nil {
			h.deps.Broadcast.PublishToSession(id, msg)
		}
	}

	s.pool.Cleanup()
	s.transports.Close()

	if h.deps.Broadcast != nil {
		h.deps.Broadcast.CloseSessionConnections(id)
	}

	h.publishLifecycle(events.SessionRetired, id, map[string]interface{}{"reason": reason})
	h.log.Info("Session retired",
		zap.String("session_id", id),
		zap.String("reason", reason))
	return true
}

// RunJanitor retires sessions with zero connections idle beyond the
// configured timeout. Returns immediately when the timeout is zero.
func (h *Hub) RunJanitor(ctx context.Context) {
	if h.deps.IdleTimeout <= 0 {
		h.log.Info("Idle retirement disabled")
		return
	}

	h.log.Info("Idle janitor started", zap.Duration("idle_timeout", h.deps.IdleTimeout))
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweepIdle()
		}
	}
}

// sweepIdle retires every session idle beyond the timeout.
func (h *Hub) sweepIdle() {
	cutoff := time.Now().Add(-h.deps.IdleTimeout)

	h.mu.Lock()
	var idle []string
	for id, s := range h.sessions {
		if s.idleSince(cutoff) {
			idle = append(idle, id)
		}
	}
	h.mu.Unlock()

	for _, id := range idle {
		h.Retire(id, "idle")
	}
}

// Close retires every session. Called on shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	ids := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		h.Retire(id, "shutdown")
	}
}

func (h *Hub) publishLifecycle(eventType, sessionID string, data map[string]interface{}) {
	if h.deps.Bus == nil {
		return
	}
	if data == nil {
		data = make(map[string]interface{})
	}
	data["sessionId"] = sessionID
	event := bus.NewEvent(eventType, "session-hub", data)
	subject := events.BuildSessionSubject(eventType, sessionID)
	if err := h.deps.Bus.Publish(context.Background(), subject, event); err != nil {
		h.log.Warn("Failed to publish session event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}
