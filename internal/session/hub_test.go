package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskd/deskd/internal/common/config"
	"github.com/deskd/deskd/internal/common/logger"
	"github.com/deskd/deskd/internal/emitter"
	"github.com/deskd/deskd/internal/events"
	"github.com/deskd/deskd/internal/events/bus"
	"github.com/deskd/deskd/internal/limiter"
	"github.com/deskd/deskd/internal/pool"
	"github.com/deskd/deskd/internal/transcript"
	"github.com/deskd/deskd/internal/transport"
	"github.com/deskd/deskd/pkg/protocol"
)

type fakeBroadcaster struct {
	mu       sync.Mutex
	messages []*protocol.Message
	closed   []string
}

func (f *fakeBroadcaster) PublishToSession(sessionID string, msg *protocol.Message) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
	return 1
}

func (f *fakeBroadcaster) CloseSessionConnections(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, sessionID)
}

func (f *fakeBroadcaster) byAction(action string) []*protocol.Message {
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

func (f *fakeBroadcaster) closedSessions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.closed...)
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

type hubHarness struct {
	hub       *Hub
	limiter   *limiter.Limiter
	broadcast *fakeBroadcaster
	store     *fakeStore
	bus       *bus.MemoryEventBus
}

func setupHub(t *testing.T, maxAgents int, idleTimeout time.Duration) *hubHarness {
	t.Helper()
	h := &hubHarness{
		limiter:   limiter.New(maxAgents),
		broadcast: &fakeBroadcaster{},
		store:     newFakeStore(),
		bus:       bus.NewMemoryEventBus(logger.Default()),
	}
	t.Cleanup(h.bus.Close)

	profiles, err := pool.LoadProfiles()
	require.NoError(t, err)

	h.hub = NewHub(Deps{
		Limiter:          h.limiter,
		Emitter:          emitter.New(),
		Transcript:       h.store,
		Broadcast:        h.broadcast,
		Bus:              h.bus,
		Factory:          transport.MockFactory(),
		Profiles:         profiles,
		Log:              logger.Default(),
		SuggestThreshold: 0.90,
		IdleTimeout:      idleTimeout,
	})
	t.Cleanup(h.hub.Close)
	return h
}

func (h *hubHarness) create(t *testing.T, id string) *Session {
	t.Helper()
	s, err := h.hub.GetOrCreate(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, s)
	return s
}

func TestGetOrCreateInitializesOnce(t *testing.T) {
	h := setupHub(t, 4, 0)

	s := h.create(t, "sess-1")
	assert.True(t, s.Pool().HasMainAgent(pool.DefaultMonitorID))
	assert.Equal(t, 1, h.limiter.Stats().Current, "main agent holds one slot")

	again := h.create(t, "sess-1")
	assert.Same(t, s, again)
	assert.Equal(t, 1, h.limiter.Stats().Current, "repeat lookup takes no extra slot")
	assert.Equal(t, 1, h.hub.Len())
}

func TestGetOrCreateFailsWhenCapacityExhausted(t *testing.T) {
	h := setupHub(t, 1, 0)
	require.True(t, h.limiter.TryAcquire())

	s, err := h.hub.GetOrCreate(context.Background(), "sess-1")
	require.ErrorIs(t, err, limiter.ErrCapacityExhausted)
	assert.Nil(t, s)
	assert.Equal(t, 0, h.hub.Len(), "failed session must not linger in the index")
	assert.Equal(t, 1, h.limiter.Stats().Current, "failed init leaks no slot")

	// A freed slot lets the same id initialize from scratch.
	h.limiter.Release()
	h.create(t, "sess-1")
	assert.Equal(t, 1, h.hub.Len())
	assert.Equal(t, 1, h.limiter.Stats().Current)
}

func TestSessionCreationWarmsTransports(t *testing.T) {
	profiles, err := pool.LoadProfiles()
	require.NoError(t, err)

	h := NewHub(Deps{
		Limiter:           limiter.New(4),
		Emitter:           emitter.New(),
		Transcript:        newFakeStore(),
		Broadcast:         &fakeBroadcaster{},
		Factory:           transport.MockFactory(),
		Profiles:          profiles,
		Log:               logger.Default(),
		TransportPoolSize: 2,
		WarmTransports:    2,
	})
	t.Cleanup(h.Close)

	s, err := h.GetOrCreate(context.Background(), "sess-1")
	require.NoError(t, err)

	// The main agent holds one transport, so without warmup the idle
	// pool would stay empty.
	require.Eventually(t, func() bool {
		return s.transports.Idle() >= 1
	}, time.Second, 5*time.Millisecond, "background warmup fills the idle pool")
}

func TestGetOrCreateQueuesWithDefaultAcquireTimeout(t *testing.T) {
	lim := limiter.New(1)
	profiles, err := pool.LoadProfiles()
	require.NoError(t, err)

	// The default acquireTimeout of 0 means wait indefinitely, not
	// fail fast.
	var agents config.AgentsConfig
	h := NewHub(Deps{
		Limiter:        lim,
		Emitter:        emitter.New(),
		Transcript:     newFakeStore(),
		Broadcast:      &fakeBroadcaster{},
		Factory:        transport.MockFactory(),
		Profiles:       profiles,
		Log:            logger.Default(),
		AcquireTimeout: agents.AcquireTimeoutDuration(),
	})
	t.Cleanup(h.Close)

	require.True(t, lim.TryAcquire())

	done := make(chan error, 1)
	go func() {
		_, err := h.GetOrCreate(context.Background(), "sess-1")
		done <- err
	}()

	require.Eventually(t, func() bool {
		return lim.Stats().Waiting == 1
	}, time.Second, 5*time.Millisecond, "creation queues for a slot instead of failing")

	lim.Release()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("queued creation never finished after a slot freed")
	}
	assert.Equal(t, 1, h.Len())
	assert.Equal(t, 1, lim.Stats().Current)
}

func TestGetAndListSorted(t *testing.T) {
	h := setupHub(t, 4, 0)
	h.create(t, "sess-b")
	h.create(t, "sess-a")

	s, ok := h.hub.Get("sess-a")
	require.True(t, ok)
	assert.Equal(t, "sess-a", s.ID())

	_, ok = h.hub.Get("sess-missing")
	assert.False(t, ok)

	ids := make([]string, 0, 2)
	for _, s := range h.hub.List() {
		ids = append(ids, s.ID())
	}
	assert.Equal(t, []string{"sess-a", "sess-b"}, ids)
	assert.Equal(t, 2, h.hub.Len())
}

func TestRetireReleasesSlotsAndClosesConnections(t *testing.T) {
	h := setupHub(t, 4, 0)
	h.create(t, "sess-1")

	require.True(t, h.hub.Retire("sess-1", "test"))
	assert.Equal(t, 0, h.hub.Len())
	assert.Equal(t, 0, h.limiter.Stats().Current, "retirement frees the main agent slot")
	assert.Equal(t, []string{"sess-1"}, h.broadcast.closedSessions())
	assert.NotEmpty(t, h.broadcast.byAction(protocol.EventConnectionStatus),
		"clients are told the session is gone before the disconnect")

	assert.False(t, h.hub.Retire("sess-1", "test"), "second retire is a no-op")
}

func TestCloseRetiresAllSessions(t *testing.T) {
	h := setupHub(t, 4, 0)
	h.create(t, "sess-1")
	h.create(t, "sess-2")
	require.Equal(t, 2, h.limiter.Stats().Current)

	h.hub.Close()
	assert.Equal(t, 0, h.hub.Len())
	assert.Equal(t, 0, h.limiter.Stats().Current)
	assert.ElementsMatch(t, []string{"sess-1", "sess-2"}, h.broadcast.closedSessions())
}

func TestSweepIdleRetiresDisconnectedSessions(t *testing.T) {
	h := setupHub(t, 4, 30*time.Millisecond)
	connected := h.create(t, "sess-connected")
	h.create(t, "sess-idle")
	touched := h.create(t, "sess-touched")

	connected.ConnectionOpened()
	time.Sleep(60 * time.Millisecond)
	touched.Touch()

	h.hub.sweepIdle()
	assert.Equal(t, 2, h.hub.Len())
	_, ok := h.hub.Get("sess-idle")
	assert.False(t, ok, "idle disconnected session is retired")
	_, ok = h.hub.Get("sess-connected")
	assert.True(t, ok, "a live connection defers retirement")
	_, ok = h.hub.Get("sess-touched")
	assert.True(t, ok, "recent activity defers retirement")

	// Dropping the last connection restarts the idle clock.
	connected.ConnectionClosed()
	h.hub.sweepIdle()
	_, ok = h.hub.Get("sess-connected")
	assert.True(t, ok)

	time.Sleep(60 * time.Millisecond)
	h.hub.sweepIdle()
	assert.Equal(t, 0, h.hub.Len())
	assert.Equal(t, 0, h.limiter.Stats().Current)
}

func TestRunJanitorDisabledWithoutTimeout(t *testing.T) {
	h := setupHub(t, 4, 0)

	done := make(chan struct{})
	go func() {
		h.hub.RunJanitor(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor should return immediately when idle timeout is zero")
	}
}

func TestLifecycleEventsPublished(t *testing.T) {
	h := setupHub(t, 4, 0)

	var mu sync.Mutex
	var created []string
	var retired []string

	_, err := h.bus.Subscribe(events.BuildSessionWildcardSubject(events.SessionCreated),
		func(ctx context.Context, event *bus.Event) error {
			mu.Lock()
			defer mu.Unlock()
			if id, ok := event.Data["sessionId"].(string); ok {
				created = append(created, id)
			}
			return nil
		})
	require.NoError(t, err)

	_, err = h.bus.Subscribe(events.BuildSessionWildcardSubject(events.SessionRetired),
		func(ctx context.Context, event *bus.Event) error {
			mu.Lock()
			defer mu.Unlock()
			if reason, ok := event.Data["reason"].(string); ok {
				retired = append(retired, reason)
			}
			return nil
		})
	require.NoError(t, err)

	h.create(t, "sess-1")
	require.True(t, h.hub.Retire("sess-1", "test"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(created) == 1 && len(retired) == 1
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"sess-1"}, created)
	assert.Equal(t, []string{"test"}, retired)
}
