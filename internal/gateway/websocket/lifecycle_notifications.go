package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/deskd/deskd/internal/common/logger"
	"github.com/deskd/deskd/internal/events"
	"github.com/deskd/deskd/internal/events/bus"
	"github.com/deskd/deskd/pkg/protocol"
)

// LifecycleBroadcaster forwards pool lifecycle events from the event bus to
// the owning session's connected clients. Agent output reaches clients
// through the per-agent bridge; only bus-published state changes go through
// here.
type LifecycleBroadcaster struct {
	hub           *Hub
	subscriptions []bus.Subscription
	logger        *logger.Logger
}

// RegisterLifecycleNotifications subscribes the hub to window agent status
// events. The broadcaster closes when ctx is cancelled.
func RegisterLifecycleNotifications(ctx context.Context, eventBus bus.EventBus, hub *Hub, log *logger.Logger) *LifecycleBroadcaster {
	b := &LifecycleBroadcaster{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws-lifecycle-broadcaster")),
	}
	if eventBus == nil {
		return b
	}

	b.subscribeWindowAgentStatus(eventBus)

	go func() {
		<-ctx.Done()
		b.Close()
	}()

	return b
}

// Close drops all bus subscriptions.
func (b *LifecycleBroadcaster) Close() {
	for _, sub := range b.subscriptions {
		if sub != nil && sub.IsValid() {
			_ = sub.Unsubscribe()
		}
	}
	b.subscriptions = nil
}

func (b *LifecycleBroadcaster) subscribeWindowAgentStatus(eventBus bus.EventBus) {
	subject := events.BuildWindowAgentStatusWildcardSubject()
	sub, err := eventBus.Subscribe(subject, func(ctx context.Context, event *bus.Event) error {
		sessionID := stringField(event.Data, "sessionId")
		if sessionID == "" {
			return nil
		}
		msg, err := protocol.NewWindowAgentStatus(
			stringField(event.Data, "windowId"),
			stringField(event.Data, "agentId"),
			stringField(event.Data, "status"),
		)
		if err != nil {
			b.logger.Error("Failed to build window agent status event", zap.Error(err))
			return nil
		}
		b.hub.PublishToSession(sessionID, msg)
		return nil
	})
	if err != nil {
		b.logger.Error("Failed to subscribe to events", zap.String("subject", subject), zap.Error(err))
		return
	}
	b.subscriptions = append(b.subscriptions, sub)
}

func stringField(data map[string]interface{}, key string) string {
	if data == nil {
		return ""
	}
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}
