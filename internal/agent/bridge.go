package agent

import (
	"github.com/deskd/deskd/internal/emitter"
	"github.com/deskd/deskd/internal/transcript"
	"github.com/deskd/deskd/pkg/osaction"
	"github.com/deskd/deskd/pkg/protocol"
)

// subscribeBridge connects the action emitter to this turn. Tool
// implementations emit tagged with the agent instance id; the bridge keeps
// this agent's emissions plus untagged ones, records them into the turn
// buffer, and republishes them to the session's clients under the agent's
// role name. Permission-bearing confirm dialogs become APPROVAL_REQUEST
// events, every other action an ACTIONS batch.
//
// The bridge callback runs synchronously on the emitting goroutine, which is
// what preserves per-source emission order through to the hub.
func (s *Session) subscribeBridge(role, monitorID string) *emitter.Subscription {
	return s.deps.Emitter.Subscribe(func(env emitter.Envelope) {
		if env.AgentID != "" && env.AgentID != s.id {
			return
		}
		if env.MonitorID != "" && monitorID != "" && env.MonitorID != monitorID {
			return
		}

		s.mu.Lock()
		s.actions = append(s.actions, env.Action)
		s.mu.Unlock()

		if env.Action.IsPermissionRequest() {
			s.sendEvent(protocol.NewApprovalRequest(env.Action.Dialog, role))
			return
		}

		s.sendEvent(protocol.NewActionsEvent([]osaction.Action{env.Action}, role, monitorID))
		s.appendTranscript(&transcript.Entry{
			SessionID: s.sessionID,
			MonitorID: monitorID,
			Role:      role,
			Kind:      transcript.KindActions,
			Content:   env.Action.Describe(),
			Payload:   map[string]interface{}{"actionType": string(env.Action.Type)},
		})
	})
}
