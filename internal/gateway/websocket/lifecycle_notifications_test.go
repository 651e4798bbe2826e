package websocket

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskd/deskd/internal/common/logger"
	"github.com/deskd/deskd/internal/events"
	"github.com/deskd/deskd/internal/events/bus"
	"github.com/deskd/deskd/pkg/protocol"
)

func publishStatus(t *testing.T, eventBus *bus.MemoryEventBus, sessionID string, data map[string]interface{}) {
	t.Helper()
	event := bus.NewEvent(events.WindowAgentStatus, "test", data)
	require.NoError(t, eventBus.Publish(context.Background(),
		events.BuildWindowAgentStatusSubject(sessionID), event))
}

func TestForwardsWindowAgentStatusToSessionClients(t *testing.T) {
	eventBus := bus.NewMemoryEventBus(logger.Default())
	t.Cleanup(eventBus.Close)

	hub := startHub(t)
	bound := connect(t, hub, "conn-1", "sess-1")
	other := connect(t, hub, "conn-2", "sess-2")

	b := RegisterLifecycleNotifications(context.Background(), eventBus, hub, logger.Default())
	t.Cleanup(b.Close)

	// Events without a session id carry nowhere and are dropped.
	publishStatus(t, eventBus, "sess-1", map[string]interface{}{
		"windowId": "w0",
		"status":   protocol.WindowAgentAssigned,
	})
	publishStatus(t, eventBus, "sess-1", map[string]interface{}{
		"sessionId": "sess-1",
		"windowId":  "w1",
		"agentId":   "w1/window",
		"status":    protocol.WindowAgentAssigned,
	})

	frame := receive(t, bound)
	assert.Equal(t, protocol.EventWindowAgentStatus, frame.Action)

	var payload protocol.WindowAgentStatusPayload
	require.NoError(t, frame.ParsePayload(&payload))
	assert.Equal(t, "w1", payload.WindowID)
	assert.Equal(t, "w1/window", payload.AgentID)
	assert.Equal(t, protocol.WindowAgentAssigned, payload.Status)

	// Delivery is ordered per subscription, so the dropped event would have
	// arrived before the one just read.
	assertNoFrame(t, bound)
	assertNoFrame(t, other)
}

func TestLifecycleBroadcasterClose(t *testing.T) {
	eventBus := bus.NewMemoryEventBus(logger.Default())
	t.Cleanup(eventBus.Close)

	hub := startHub(t)
	bound := connect(t, hub, "conn-1", "sess-1")

	b := RegisterLifecycleNotifications(context.Background(), eventBus, hub, logger.Default())
	b.Close()
	assert.Nil(t, b.subscriptions)

	publishStatus(t, eventBus, "sess-1", map[string]interface{}{
		"sessionId": "sess-1",
		"windowId":  "w1",
		"agentId":   "w1/window",
		"status":    protocol.WindowAgentReleased,
	})
	assertNoFrame(t, bound)

	// A nil bus yields an inert broadcaster.
	inert := RegisterLifecycleNotifications(context.Background(), nil, hub, logger.Default())
	assert.Nil(t, inert.subscriptions)
	inert.Close()
}
