package pool

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/deskd/deskd/internal/agent"
	"github.com/deskd/deskd/internal/events"
	"github.com/deskd/deskd/internal/windows"
)

// Window agent lifecycle statuses.
const (
	WindowAgentAssigned = "assigned"
	WindowAgentActive   = "active"
	WindowAgentReleased = "released"
)

// ErrWindowAgentExists is returned when the window already has an agent.
var ErrWindowAgentExists = errors.New("window agent already exists")

// CreateWindowAgent binds a dedicated agent to an open window. The agent
// takes its own limiter slot and holds it until released.
func (p *ContextPool) CreateWindowAgent(ctx context.Context, windowID string) error {
	if !p.deps.Windows.Has(windowID) {
		return windows.ErrWindowNotFound
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if _, ok := p.windowAgents[windowID]; ok {
		p.mu.Unlock()
		return ErrWindowAgentExists
	}
	p.mu.Unlock()

	tr, err := p.deps.Transports.Get()
	if err != nil {
		return err
	}

	role := "window-" + windowID
	sess := agent.NewSession(p.sessionID, role, "", p.agentDeps(tr))
	if err := sess.AcquireSlot(ctx); err != nil {
		p.deps.Transports.Put(tr)
		return err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		sess.Dispose()
		p.deps.Transports.Put(tr)
		return ErrPoolClosed
	}
	if _, ok := p.windowAgents[windowID]; ok {
		p.mu.Unlock()
		sess.Dispose()
		p.deps.Transports.Put(tr)
		return ErrWindowAgentExists
	}
	p.windowAgents[windowID] = &managedAgent{sess: sess, tr: tr}
	p.mu.Unlock()

	p.publishWindowAgentStatus(windowID, role, WindowAgentAssigned)
	p.log.Info("Window agent assigned", zap.String("window_id", windowID))
	return nil
}

// RouteWindowMessage sends a prompt to the window's agent, creating the
// agent on first use. The turn runs in the background; a second prompt while
// one is in flight is rejected by the agent's own turn guard.
func (p *ContextPool) RouteWindowMessage(ctx context.Context, windowID, content string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	_, ok := p.windowAgents[windowID]
	p.mu.Unlock()

	if !ok {
		if err := p.CreateWindowAgent(ctx, windowID); err != nil && !errors.Is(err, ErrWindowAgentExists) {
			return err
		}
	}

	// The Add pairs with the closed check under the same lock so Cleanup's
	// Wait cannot race a late turn start.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	ma, ok := p.windowAgents[windowID]
	if !ok {
		p.mu.Unlock()
		return windows.ErrWindowNotFound
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go p.runWindowTurn(windowID, ma.sess, content)
	return nil
}

// ReleaseWindowAgent disposes the window's agent and frees its slot. A
// missing agent is a no-op, so window-close paths can call this blindly.
func (p *ContextPool) ReleaseWindowAgent(windowID string) {
	p.mu.Lock()
	ma, ok := p.windowAgents[windowID]
	if ok {
		delete(p.windowAgents, windowID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	role := ma.sess.Role()
	ma.sess.Dispose()
	p.deps.Transports.Put(ma.tr)

	p.publishWindowAgentStatus(windowID, role, WindowAgentReleased)
	p.log.Info("Window agent released", zap.String("window_id", windowID))
}

// WindowAgents returns the ids of windows with live agents.
func (p *ContextPool) WindowAgents() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.windowAgents))
	for id := range p.windowAgents {
		ids = append(ids, id)
	}
	return ids
}

// runWindowTurn runs one window-scoped turn. Status goes active for the
// turn's duration and back to assigned after, since the agent stays bound to
// its window between prompts.
func (p *ContextPool) runWindowTurn(windowID string, sess *agent.Session, content string) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("Window turn panicked",
				zap.String("window_id", windowID),
				zap.Any("panic", r))
		}
	}()

	role := sess.Role()
	p.publishWindowAgentStatus(windowID, role, WindowAgentActive)

	_, err := sess.HandleMessage(p.ctx, content, agent.TurnOptions{
		Role:   role,
		Source: "user",
	})
	switch {
	case err == nil:
	case errors.Is(err, agent.ErrTurnActive):
		p.log.Warn("Window agent busy", zap.String("window_id", windowID))
	case errors.Is(err, agent.ErrDisposed):
		return
	default:
		p.log.Warn("Window turn failed",
			zap.String("window_id", windowID),
			zap.Error(err))
	}

	p.mu.Lock()
	_, stillBound := p.windowAgents[windowID]
	p.mu.Unlock()
	if stillBound {
		p.publishWindowAgentStatus(windowID, role, WindowAgentAssigned)
	}
}

func (p *ContextPool) publishWindowAgentStatus(windowID, agentID, status string) {
	p.publish(events.WindowAgentStatus, events.BuildWindowAgentStatusSubject(p.sessionID),
		map[string]interface{}{
			"windowId": windowID,
			"agentId":  agentID,
			"status":   status,
		})
}
