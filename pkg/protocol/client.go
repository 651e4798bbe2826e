package protocol

import "github.com/deskd/deskd/pkg/osaction"

// Client request actions.
const (
	// Health
	ActionHealthCheck = "health.check"

	// Session actions
	ActionSessionMessage = "session.message"
	ActionSessionRestore = "session.restore"

	// Monitor actions
	ActionMonitorAdd    = "monitor.add"
	ActionMonitorRemove = "monitor.remove"

	// Window actions
	ActionWindowEvent   = "window.event"
	ActionWindowMessage = "window.message"

	// Dialog actions
	ActionDialogResponse = "dialog.response"

	// Task actions
	ActionTaskDispatch = "task.dispatch"
)

// Error codes
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)

// Attachment is a base64-encoded binary attached to a user message.
type Attachment struct {
	Type     string `json:"type"` // image
	Data     string `json:"data"` // base64
	MimeType string `json:"mimeType,omitempty"`
}

// UserMessagePayload is a natural-language prompt routed to a monitor's
// main agent.
type UserMessagePayload struct {
	MonitorID   string       `json:"monitorId,omitempty"` // defaults to monitor-0
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// UserMessageAck acknowledges that a prompt was queued on its monitor.
type UserMessageAck struct {
	MonitorID string `json:"monitorId"`
	Queued    bool   `json:"queued"`
}

// DialogResponsePayload answers a confirm dialog or approval request.
type DialogResponsePayload struct {
	DialogID       string `json:"dialogId"`
	Confirmed      bool   `json:"confirmed"`
	RememberChoice bool   `json:"rememberChoice,omitempty"`
	OptionID       string `json:"optionId,omitempty"`
}

// SessionRestorePayload requests a snapshot of an existing session.
type SessionRestorePayload struct {
	SessionID string `json:"sessionId,omitempty"`
}

// SessionRestoreResult replays the open-window snapshot as actions and
// summarizes the transcript tail.
type SessionRestoreResult struct {
	SessionID string            `json:"sessionId"`
	Windows   []osaction.Action `json:"windows"`
	Summary   string            `json:"summary,omitempty"`
}

// MonitorPayload identifies a monitor for add/remove operations.
type MonitorPayload struct {
	MonitorID string `json:"monitorId"`
}

// WindowEventPayload mirrors a client-side window interaction (the user
// closed, moved, or resized a window) into the server's window state.
type WindowEventPayload struct {
	Action osaction.Action `json:"action"`
}

// WindowMessagePayload routes a prompt to a window-scoped agent.
type WindowMessagePayload struct {
	WindowID string `json:"windowId"`
	Content  string `json:"content"`
}

// TaskDispatchPayload forks a specialized task agent off a monitor's main
// agent.
type TaskDispatchPayload struct {
	Objective string `json:"objective"`
	Profile   string `json:"profile"`
	Hint      string `json:"hint,omitempty"`
	MonitorID string `json:"monitorId,omitempty"`
}

// TaskDispatchResult reports the outcome of a dispatched task.
type TaskDispatchResult struct {
	Status  string            `json:"status"` // completed, failed, cancelled
	Summary string            `json:"summary,omitempty"`
	Actions []osaction.Action `json:"actions,omitempty"`
	Error   string            `json:"error,omitempty"`
}
