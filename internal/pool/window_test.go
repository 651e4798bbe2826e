package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskd/deskd/internal/events"
	"github.com/deskd/deskd/internal/events/bus"
	"github.com/deskd/deskd/internal/reloadcache"
	"github.com/deskd/deskd/internal/windows"
	"github.com/deskd/deskd/pkg/osaction"
)

func openWindow(t *testing.T, h *poolHarness, id string) {
	t.Helper()
	require.NoError(t, h.registry.Apply(osaction.Action{
		Type:     osaction.WindowCreate,
		WindowID: id,
		Title:    "Window " + id,
	}))
}

func TestCreateWindowAgentRequiresOpenWindow(t *testing.T) {
	h := setupPool(t, 4)
	h.initialize(t)

	err := h.pool.CreateWindowAgent(context.Background(), "w1")
	require.ErrorIs(t, err, windows.ErrWindowNotFound)

	openWindow(t, h, "w1")
	require.NoError(t, h.pool.CreateWindowAgent(context.Background(), "w1"))
	assert.Equal(t, []string{"w1"}, h.pool.WindowAgents())
	assert.Equal(t, 2, h.limiter.Stats().Current, "window agent holds its own slot")

	require.ErrorIs(t, h.pool.CreateWindowAgent(context.Background(), "w1"), ErrWindowAgentExists)
}

func TestRouteWindowMessageCreatesAgentOnFirstUse(t *testing.T) {
	h := setupPool(t, 4)
	h.initialize(t)
	openWindow(t, h, "w1")

	require.NoError(t, h.pool.RouteWindowMessage(context.Background(), "w1", "summarize this"))

	queries := h.waitQueries(t, 1)
	assert.Equal(t, "summarize this", queries[0].Prompt)
	assert.Equal(t, []string{"w1"}, h.pool.WindowAgents())
}

func TestReleaseWindowAgentFreesSlot(t *testing.T) {
	h := setupPool(t, 4)
	h.initialize(t)
	openWindow(t, h, "w1")
	require.NoError(t, h.pool.CreateWindowAgent(context.Background(), "w1"))

	h.pool.ReleaseWindowAgent("w1")
	assert.Empty(t, h.pool.WindowAgents())
	assert.Equal(t, 1, h.limiter.Stats().Current)

	h.pool.ReleaseWindowAgent("w1") // missing agent is a no-op
}

func TestWindowCloseReleasesAgentAndDropsEntries(t *testing.T) {
	h := setupPool(t, 4)
	h.initialize(t)
	openWindow(t, h, "w1")
	require.NoError(t, h.pool.CreateWindowAgent(context.Background(), "w1"))

	fp := reloadcache.NewFingerprint("fill the form", h.registry.Snapshot())
	h.cache.Record(fp,
		[]osaction.Action{{Type: osaction.WindowSetContent, WindowID: "w1", Content: &osaction.Content{Renderer: "markdown", Data: "x"}}},
		"fill the form", []string{"w1"})
	require.Equal(t, 1, h.cache.Len())

	require.NoError(t, h.registry.Apply(osaction.Action{Type: osaction.WindowClose, WindowID: "w1"}))

	assert.Equal(t, 0, h.cache.Len(), "entries pinned to the window are dropped")
	assert.Empty(t, h.pool.WindowAgents())
	assert.Equal(t, 1, h.limiter.Stats().Current, "the bound agent's slot is freed")
}

func TestWindowAgentStatusEventsPublished(t *testing.T) {
	h := setupPool(t, 4)
	h.initialize(t)
	openWindow(t, h, "w1")

	var mu sync.Mutex
	var statuses []string
	_, err := h.bus.Subscribe(events.BuildWindowAgentStatusWildcardSubject(),
		func(ctx context.Context, event *bus.Event) error {
			mu.Lock()
			defer mu.Unlock()
			if event.Data["sessionId"] == "sess-1" && event.Data["windowId"] == "w1" {
				statuses = append(statuses, event.Data["status"].(string))
			}
			return nil
		})
	require.NoError(t, err)

	require.NoError(t, h.pool.CreateWindowAgent(context.Background(), "w1"))
	h.pool.ReleaseWindowAgent("w1")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(statuses) >= 2
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{WindowAgentAssigned, WindowAgentReleased}, statuses)
}
