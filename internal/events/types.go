// Package events provides event types and utilities for the deskd event
// system. Lifecycle events flow on the event bus; real-time UI traffic goes
// through the websocket gateway instead.
package events

// Event types for sessions
const (
	SessionCreated = "session.created"
	SessionRetired = "session.retired"
)

// Event types for monitors
const (
	MonitorAdded   = "monitor.added"
	MonitorRemoved = "monitor.removed"
)

// Event types for agent turns
const (
	TurnStarted   = "agent.turn.started"
	TurnCompleted = "agent.turn.completed"
	TurnFailed    = "agent.turn.failed"
)

// Event types for dispatched tasks
const (
	TaskDispatched = "task.dispatched"
	TaskCompleted  = "task.completed"
	TaskFailed     = "task.failed"
)

// Event types for window agents
const (
	WindowAgentStatus = "window_agent.status" // Base subject for window agent status changes
)

// Event types for windows
const (
	WindowOpened = "window.opened"
	WindowClosed = "window.closed"
)

// Event types for the reload cache
const (
	ReloadEntryRecorded    = "reload.entry.recorded"
	ReloadEntryInvalidated = "reload.entry.invalidated"
	ReloadLookup           = "reload.lookup"
)

// BuildSessionSubject creates a session lifecycle subject for a specific session
func BuildSessionSubject(eventType, sessionID string) string {
	return eventType + "." + sessionID
}

// BuildSessionWildcardSubject creates a wildcard subscription for one session lifecycle event type
func BuildSessionWildcardSubject(eventType string) string {
	return eventType + ".*"
}

// BuildMonitorSubject creates a monitor lifecycle subject for a specific session
func BuildMonitorSubject(eventType, sessionID string) string {
	return eventType + "." + sessionID
}

// BuildTurnSubject creates a turn event subject for a specific session
func BuildTurnSubject(eventType, sessionID string) string {
	return eventType + "." + sessionID
}

// BuildTurnWildcardSubject creates a wildcard subscription for all turn events
func BuildTurnWildcardSubject() string {
	return "agent.turn.>"
}

// BuildTaskSubject creates a task event subject for a specific session
func BuildTaskSubject(eventType, sessionID string) string {
	return eventType + "." + sessionID
}

// BuildTaskWildcardSubject creates a wildcard subscription for one task event type
func BuildTaskWildcardSubject(eventType string) string {
	return eventType + ".*"
}

// BuildReloadSubject creates a reload-cache event subject for a specific session
func BuildReloadSubject(eventType, sessionID string) string {
	return eventType + "." + sessionID
}

// BuildReloadWildcardSubject creates a wildcard subscription for one reload-cache event type
func BuildReloadWildcardSubject(eventType string) string {
	return eventType + ".*"
}

// BuildWindowAgentStatusSubject creates a window agent status subject for a specific session
func BuildWindowAgentStatusSubject(sessionID string) string {
	return WindowAgentStatus + "." + sessionID
}

// BuildWindowAgentStatusWildcardSubject creates a wildcard subscription for all window agent status events
func BuildWindowAgentStatusWildcardSubject() string {
	return WindowAgentStatus + ".*"
}

// BuildWindowSubject creates a window lifecycle subject for a specific session
func BuildWindowSubject(eventType, sessionID string) string {
	return eventType + "." + sessionID
}

// BuildWindowWildcardSubject creates a wildcard subscription for one window lifecycle event type
func BuildWindowWildcardSubject(eventType string) string {
	return eventType + ".*"
}
