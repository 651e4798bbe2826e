package websocket

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/deskd/deskd/internal/common/appctx"
	"github.com/deskd/deskd/internal/common/logger"
	"github.com/deskd/deskd/internal/common/stringutil"
	"github.com/deskd/deskd/internal/emitter"
	"github.com/deskd/deskd/internal/pool"
	"github.com/deskd/deskd/internal/session"
	"github.com/deskd/deskd/internal/transcript"
	"github.com/deskd/deskd/internal/transport"
	"github.com/deskd/deskd/internal/windows"
	"github.com/deskd/deskd/pkg/osaction"
	"github.com/deskd/deskd/pkg/protocol"
)

// restoreSummaryLimit caps how many transcript entries feed the restore
// summary.
const restoreSummaryLimit = 20

// restoreSummaryWidth trims the quoted last response in restore summaries.
const restoreSummaryWidth = 200

// taskDispatchTimeout bounds a background task turn.
const taskDispatchTimeout = 10 * time.Minute

// SessionActions implements the client-facing protocol actions. One instance
// serves every connection; per-session state is resolved from the dispatch
// context.
type SessionActions struct {
	sessions   *session.Hub
	hub        *Hub
	emitter    *emitter.Emitter
	transcript transcript.Store
	logger     *logger.Logger
}

// NewSessionActions creates the protocol action handlers.
func NewSessionActions(sessions *session.Hub, hub *Hub, em *emitter.Emitter, store transcript.Store, log *logger.Logger) *SessionActions {
	return &SessionActions{
		sessions:   sessions,
		hub:        hub,
		emitter:    em,
		transcript: store,
		logger:     log.WithFields(zap.String("component", "session_actions")),
	}
}

// RegisterSessionHandlers registers every protocol action on the dispatcher.
func RegisterSessionHandlers(d *protocol.Dispatcher, a *SessionActions) {
	d.RegisterFunc(protocol.ActionSessionMessage, a.handleSessionMessage)
	d.RegisterFunc(protocol.ActionSessionRestore, a.handleSessionRestore)
	d.RegisterFunc(protocol.ActionMonitorAdd, a.handleMonitorAdd)
	d.RegisterFunc(protocol.ActionMonitorRemove, a.handleMonitorRemove)
	d.RegisterFunc(protocol.ActionWindowEvent, a.handleWindowEvent)
	d.RegisterFunc(protocol.ActionWindowMessage, a.handleWindowMessage)
	d.RegisterFunc(protocol.ActionDialogResponse, a.handleDialogResponse)
	d.RegisterFunc(protocol.ActionTaskDispatch, a.handleTaskDispatch)
}

// resolveSession returns the live session the dispatching connection is
// bound to.
func (a *SessionActions) resolveSession(ctx context.Context) (*session.Session, string) {
	sessionID := SessionIDFromContext(ctx)
	if sessionID == "" {
		return nil, ""
	}
	sess, ok := a.sessions.Get(sessionID)
	if !ok {
		return nil, sessionID
	}
	sess.Touch()
	return sess, sessionID
}

func (a *SessionActions) handleSessionMessage(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	var req protocol.UserMessagePayload
	if err := msg.ParsePayload(&req); err != nil {
		return protocol.NewError(msg.ID, msg.Action, protocol.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}
	if strings.TrimSpace(req.Content) == "" {
		return protocol.NewError(msg.ID, msg.Action, protocol.ErrorCodeValidation, "content is required", nil)
	}

	sess, sessionID := a.resolveSession(ctx)
	if sess == nil {
		return protocol.NewError(msg.ID, msg.Action, protocol.ErrorCodeNotFound, "no session bound to connection", nil)
	}

	monitorID := req.MonitorID
	if monitorID == "" {
		monitorID = pool.DefaultMonitorID
	}

	images := make([]transport.Image, 0, len(req.Attachments))
	for _, att := range req.Attachments {
		if att.Type != "image" || att.Data == "" {
			continue
		}
		images = append(images, transport.Image{Data: att.Data, MimeType: att.MimeType})
	}

	if err := sess.Pool().RouteMessage(ctx, monitorID, req.Content, images); err != nil {
		a.logger.Warn("Failed to route message",
			zap.String("session_id", sessionID),
			zap.String("monitor_id", monitorID),
			zap.Error(err))
		return protocol.NewError(msg.ID, msg.Action, protocol.ErrorCodeInternalError, err.Error(), nil)
	}

	return protocol.NewResponse(msg.ID, msg.Action, protocol.UserMessageAck{
		MonitorID: monitorID,
		Queued:    true,
	})
}

func (a *SessionActions) handleSessionRestore(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	var req protocol.SessionRestorePayload
	if err := msg.ParsePayload(&req); err != nil {
		return protocol.NewError(msg.ID, msg.Action, protocol.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = SessionIDFromContext(ctx)
	}
	if sessionID == "" {
		return protocol.NewError(msg.ID, msg.Action, protocol.ErrorCodeValidation, "sessionId is required", nil)
	}

	sess, err := a.sessions.GetOrCreate(ctx, sessionID)
	if err != nil {
		return protocol.NewError(msg.ID, msg.Action, protocol.ErrorCodeInternalError, err.Error(), nil)
	}
	sess.Touch()

	// Restoring another session moves the connection with it, so later
	// session-scoped events reach this client.
	connID := ConnectionIDFromContext(ctx)
	if boundID := SessionIDFromContext(ctx); connID != "" && boundID != sessionID {
		if a.hub.Rebind(connID, sessionID) {
			if prev, ok := a.sessions.Get(boundID); ok {
				prev.ConnectionClosed()
			}
			sess.ConnectionOpened()
			a.logger.Debug("Connection rebound on restore",
				zap.String("connection_id", connID),
				zap.String("session_id", sessionID))
		}
	}

	return protocol.NewResponse(msg.ID, msg.Action, protocol.SessionRestoreResult{
		SessionID: sessionID,
		Windows:   sess.Windows().RestoreActions(),
		Summary:   a.transcriptSummary(ctx, sessionID),
	})
}

// transcriptSummary condenses the transcript tail for a reconnecting client.
func (a *SessionActions) transcriptSummary(ctx context.Context, sessionID string) string {
	if a.transcript == nil {
		return ""
	}
	entries, err := a.transcript.List(ctx, sessionID, restoreSummaryLimit)
	if err != nil {
		a.logger.Warn("Failed to load transcript tail",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return ""
	}
	if len(entries) == 0 {
		return ""
	}

	var lastResponse string
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Kind == transcript.KindAgentResponse && entries[i].Content != "" {
			lastResponse = entries[i].Content
			break
		}
	}
	if lastResponse == "" {
		return fmt.Sprintf("%d transcript entries", len(entries))
	}
	return fmt.Sprintf("%d transcript entries; last response: %s",
		len(entries), stringutil.TruncateStringWithEllipsis(lastResponse, restoreSummaryWidth))
}

func (a *SessionActions) handleMonitorAdd(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	var req protocol.MonitorPayload
	if err := msg.ParsePayload(&req); err != nil {
		return protocol.NewError(msg.ID, msg.Action, protocol.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}
	if req.MonitorID == "" {
		return protocol.NewError(msg.ID, msg.Action, protocol.ErrorCodeValidation, "monitorId is required", nil)
	}

	sess, _ := a.resolveSession(ctx)
	if sess == nil {
		return protocol.NewError(msg.ID, msg.Action, protocol.ErrorCodeNotFound, "no session bound to connection", nil)
	}

	if err := sess.Pool().CreateMonitorAgent(ctx, req.MonitorID); err != nil {
		return protocol.NewError(msg.ID, msg.Action, protocol.ErrorCodeInternalError, err.Error(), nil)
	}
	return protocol.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"monitorId": req.MonitorID,
		"created":   true,
	})
}

func (a *SessionActions) handleMonitorRemove(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	var req protocol.MonitorPayload
	if err := msg.ParsePayload(&req); err != nil {
		return protocol.NewError(msg.ID, msg.Action, protocol.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}
	if req.MonitorID == "" {
		return protocol.NewError(msg.ID, msg.Action, protocol.ErrorCodeValidation, "monitorId is required", nil)
	}

	sess, _ := a.resolveSession(ctx)
	if sess == nil {
		return protocol.NewError(msg.ID, msg.Action, protocol.ErrorCodeNotFound, "no session bound to connection", nil)
	}

	if err := sess.Pool().RemoveMonitorAgent(req.MonitorID); err != nil {
		code := protocol.ErrorCodeInternalError
		if errors.Is(err, pool.ErrMonitorNotFound) {
			code = protocol.ErrorCodeNotFound
		}
		return protocol.NewError(msg.ID, msg.Action, code, err.Error(), nil)
	}
	return protocol.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"monitorId": req.MonitorID,
		"removed":   true,
	})
}

// handleWindowEvent mirrors a client-side window interaction into the
// registry and rebroadcasts it to the session's other connections.
func (a *SessionActions) handleWindowEvent(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	var req protocol.WindowEventPayload
	if err := msg.ParsePayload(&req); err != nil {
		return protocol.NewError(msg.ID, msg.Action, protocol.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}
	if req.Action.Type == "" {
		return protocol.NewError(msg.ID, msg.Action, protocol.ErrorCodeValidation, "action is required", nil)
	}

	sess, sessionID := a.resolveSession(ctx)
	if sess == nil {
		return protocol.NewError(msg.ID, msg.Action, protocol.ErrorCodeNotFound, "no session bound to connection", nil)
	}

	if err := sess.Windows().Apply(req.Action); err != nil {
		code := protocol.ErrorCodeInternalError
		if errors.Is(err, windows.ErrWindowNotFound) {
			code = protocol.ErrorCodeNotFound
		} else if errors.Is(err, windows.ErrWindowExists) {
			code = protocol.ErrorCodeValidation
		}
		return protocol.NewError(msg.ID, msg.Action, code, err.Error(), nil)
	}

	if event, err := protocol.NewActionsEvent([]osaction.Action{req.Action}, "user", ""); err == nil {
		a.hub.PublishToSession(sessionID, event)
	}
	return protocol.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"applied": true,
	})
}

func (a *SessionActions) handleWindowMessage(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	var req protocol.WindowMessagePayload
	if err := msg.ParsePayload(&req); err != nil {
		return protocol.NewError(msg.ID, msg.Action, protocol.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}
	if req.WindowID == "" || strings.TrimSpace(req.Content) == "" {
		return protocol.NewError(msg.ID, msg.Action, protocol.ErrorCodeValidation, "windowId and content are required", nil)
	}

	sess, _ := a.resolveSession(ctx)
	if sess == nil {
		return protocol.NewError(msg.ID, msg.Action, protocol.ErrorCodeNotFound, "no session bound to connection", nil)
	}

	if err := sess.Pool().RouteWindowMessage(ctx, req.WindowID, req.Content); err != nil {
		code := protocol.ErrorCodeInternalError
		if errors.Is(err, windows.ErrWindowNotFound) {
			code = protocol.ErrorCodeNotFound
		}
		return protocol.NewError(msg.ID, msg.Action, code, err.Error(), nil)
	}
	return protocol.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"windowId": req.WindowID,
		"queued":   true,
	})
}

func (a *SessionActions) handleDialogResponse(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	var req protocol.DialogResponsePayload
	if err := msg.ParsePayload(&req); err != nil {
		return protocol.NewError(msg.ID, msg.Action, protocol.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}
	if req.DialogID == "" {
		return protocol.NewError(msg.ID, msg.Action, protocol.ErrorCodeValidation, "dialogId is required", nil)
	}

	if sess, _ := a.resolveSession(ctx); sess == nil {
		return protocol.NewError(msg.ID, msg.Action, protocol.ErrorCodeNotFound, "no session bound to connection", nil)
	}

	resolved := a.emitter.ResolveFeedback(req.DialogID, emitter.FeedbackResult{
		OK:       req.Confirmed,
		OptionID: req.OptionID,
		Remember: req.RememberChoice,
	})
	if !resolved {
		a.logger.Debug("Dialog response had no waiter", zap.String("dialog_id", req.DialogID))
	}
	return protocol.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"dialogId": req.DialogID,
		"resolved": resolved,
	})
}

// handleTaskDispatch forks a task agent in the background and delivers the
// outcome as this request's response once the task finishes, keeping the
// connection's read loop free for dialog responses the task may need.
func (a *SessionActions) handleTaskDispatch(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	var req protocol.TaskDispatchPayload
	if err := msg.ParsePayload(&req); err != nil {
		return protocol.NewError(msg.ID, msg.Action, protocol.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}

	sess, sessionID := a.resolveSession(ctx)
	if sess == nil {
		return protocol.NewError(msg.ID, msg.Action, protocol.ErrorCodeNotFound, "no session bound to connection", nil)
	}

	connectionID := ConnectionIDFromContext(ctx)
	taskCtx, cancel := appctx.Detached(sess.Pool().Done(), taskDispatchTimeout)

	go func() {
		defer cancel()
		outcome := sess.Pool().DispatchTask(taskCtx, pool.TaskRequest{
			Objective: req.Objective,
			Profile:   req.Profile,
			Hint:      req.Hint,
			MonitorID: req.MonitorID,
		})

		result := protocol.TaskDispatchResult{
			Status:  outcome.Status,
			Summary: outcome.Summary,
			Actions: outcome.Actions,
			Error:   outcome.Error,
		}
		response, err := protocol.NewResponse(msg.ID, msg.Action, result)
		if err != nil {
			a.logger.Error("Failed to build task response", zap.Error(err))
			return
		}
		if !a.hub.PublishToConnection(connectionID, response) {
			// Requester already disconnected; the session still gets the outcome.
			a.hub.PublishToSession(sessionID, response)
		}
	}()

	return nil, nil
}
