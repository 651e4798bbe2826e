package protocol

import "github.com/deskd/deskd/pkg/osaction"

// Server event tags. Events ride notification envelopes whose Action is the tag.
const (
	EventConnectionStatus  = "CONNECTION_STATUS"
	EventActions           = "ACTIONS"
	EventAgentThinking     = "AGENT_THINKING"
	EventAgentResponse     = "AGENT_RESPONSE"
	EventToolProgress      = "TOOL_PROGRESS"
	EventWindowAgentStatus = "WINDOW_AGENT_STATUS"
	EventApprovalRequest   = "APPROVAL_REQUEST"
	EventError             = "ERROR"
)

// Connection statuses carried by CONNECTION_STATUS events.
const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
	StatusError        = "error"
)

// Tool statuses carried by TOOL_PROGRESS events.
const (
	ToolStatusRunning  = "running"
	ToolStatusComplete = "complete"
	ToolStatusError    = "error"
)

// Window agent statuses carried by WINDOW_AGENT_STATUS events.
const (
	WindowAgentAssigned = "assigned"
	WindowAgentActive   = "active"
	WindowAgentReleased = "released"
)

// ConnectionStatusPayload reports channel and provider state to a client.
type ConnectionStatusPayload struct {
	Status    string `json:"status"`
	Provider  string `json:"provider,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ActionsPayload carries a batch of OS actions tagged with the emitting role.
type ActionsPayload struct {
	Actions   []osaction.Action `json:"actions"`
	AgentID   string            `json:"agentId"`
	MonitorID string            `json:"monitorId,omitempty"`
}

// AgentThinkingPayload streams incremental reasoning output.
type AgentThinkingPayload struct {
	AgentID string `json:"agentId"`
	Content string `json:"content"`
}

// AgentResponsePayload streams incremental response text; IsComplete marks
// the terminal chunk of a turn.
type AgentResponsePayload struct {
	AgentID    string `json:"agentId"`
	Content    string `json:"content"`
	IsComplete bool   `json:"isComplete"`
}

// ToolProgressPayload reports a tool invocation's lifecycle within a turn.
type ToolProgressPayload struct {
	AgentID  string `json:"agentId"`
	ToolName string `json:"toolName"`
	Status   string `json:"status"`
}

// WindowAgentStatusPayload reports the assignment state of a window agent.
type WindowAgentStatusPayload struct {
	WindowID string `json:"windowId"`
	AgentID  string `json:"agentId"`
	Status   string `json:"status"`
}

// ApprovalRequestPayload asks the user to approve a pending tool action.
type ApprovalRequestPayload struct {
	DialogID          string                      `json:"dialogId"`
	Title             string                      `json:"title"`
	Message           string                      `json:"message"`
	ConfirmText       string                      `json:"confirmText,omitempty"`
	CancelText        string                      `json:"cancelText,omitempty"`
	PermissionOptions *osaction.PermissionOptions `json:"permissionOptions,omitempty"`
	AgentID           string                      `json:"agentId"`
}

// ErrorEventPayload carries a turn-level error to the client.
type ErrorEventPayload struct {
	Error string `json:"error"`
}

// NewConnectionStatus builds a CONNECTION_STATUS notification.
func NewConnectionStatus(status, provider, sessionID, errMsg string) (*Message, error) {
	return NewNotification(EventConnectionStatus, ConnectionStatusPayload{
		Status:    status,
		Provider:  provider,
		SessionID: sessionID,
		Error:     errMsg,
	})
}

// NewActionsEvent builds an ACTIONS notification.
func NewActionsEvent(actions []osaction.Action, agentID, monitorID string) (*Message, error) {
	return NewNotification(EventActions, ActionsPayload{
		Actions:   actions,
		AgentID:   agentID,
		MonitorID: monitorID,
	})
}

// NewAgentThinking builds an AGENT_THINKING notification.
func NewAgentThinking(agentID, content string) (*Message, error) {
	return NewNotification(EventAgentThinking, AgentThinkingPayload{
		AgentID: agentID,
		Content: content,
	})
}

// NewAgentResponse builds an AGENT_RESPONSE notification.
func NewAgentResponse(agentID, content string, isComplete bool) (*Message, error) {
	return NewNotification(EventAgentResponse, AgentResponsePayload{
		AgentID:    agentID,
		Content:    content,
		IsComplete: isComplete,
	})
}

// NewToolProgress builds a TOOL_PROGRESS notification.
func NewToolProgress(agentID, toolName, status string) (*Message, error) {
	return NewNotification(EventToolProgress, ToolProgressPayload{
		AgentID:  agentID,
		ToolName: toolName,
		Status:   status,
	})
}

// NewWindowAgentStatus builds a WINDOW_AGENT_STATUS notification.
func NewWindowAgentStatus(windowID, agentID, status string) (*Message, error) {
	return NewNotification(EventWindowAgentStatus, WindowAgentStatusPayload{
		WindowID: windowID,
		AgentID:  agentID,
		Status:   status,
	})
}

// NewApprovalRequest builds an APPROVAL_REQUEST notification from a
// permission-bearing confirm dialog.
func NewApprovalRequest(dialog *osaction.Dialog, agentID string) (*Message, error) {
	return NewNotification(EventApprovalRequest, ApprovalRequestPayload{
		DialogID:          dialog.ID,
		Title:             dialog.Title,
		Message:           dialog.Message,
		ConfirmText:       dialog.ConfirmText,
		CancelText:        dialog.CancelText,
		PermissionOptions: dialog.Permission,
		AgentID:           agentID,
	})
}

// NewErrorEvent builds an ERROR notification.
func NewErrorEvent(errMsg string) (*Message, error) {
	return NewNotification(EventError, ErrorEventPayload{Error: errMsg})
}
