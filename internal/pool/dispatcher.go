package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/deskd/deskd/internal/agent"
	"github.com/deskd/deskd/internal/events"
	"github.com/deskd/deskd/internal/transcript"
	"github.com/deskd/deskd/pkg/osaction"
)

// Task outcome statuses.
const (
	TaskStatusCompleted = "completed"
	TaskStatusFailed    = "failed"
	TaskStatusCancelled = "cancelled"
)

// TaskRequest asks for a one-shot specialized agent forked off a monitor's
// main agent.
type TaskRequest struct {
	Objective string
	Profile   string
	Hint      string
	MonitorID string
}

// TaskOutcome is the result of a dispatched task.
type TaskOutcome struct {
	Status  string
	Summary string
	Actions []osaction.Action
	Error   string
}

// DispatchTask forks a task agent from the requesting monitor's main agent
// and runs one turn under the profile's system prompt and tool subset. The
// task agent takes its own limiter slot without waiting; on exhaustion the
// dispatch fails with no side effects. The agent is disposed on every
// outcome, which releases its slot exactly once.
func (p *ContextPool) DispatchTask(ctx context.Context, req TaskRequest) TaskOutcome {
	monitorID := req.MonitorID
	if monitorID == "" {
		monitorID = DefaultMonitorID
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return TaskOutcome{Status: TaskStatusFailed, Error: ErrPoolClosed.Error()}
	}
	main, ok := p.mains[monitorID]
	p.mu.Unlock()
	if !ok {
		return TaskOutcome{Status: TaskStatusFailed, Error: ErrMonitorNotFound.Error()}
	}
	parentThread := main.sess.ThreadID()

	tr, err := p.deps.Transports.Get()
	if err != nil {
		return TaskOutcome{Status: TaskStatusFailed, Error: err.Error()}
	}

	role := fmt.Sprintf("task-%s", uuid.NewString()[:8])
	task := agent.NewSession(p.sessionID, role, monitorID, p.agentDeps(tr))

	if !task.TryAcquireSlot() {
		p.deps.Transports.Put(tr)
		return TaskOutcome{Status: TaskStatusFailed, Error: "agent limit reached"}
	}

	profile, err := p.deps.Profiles.Get(req.Profile)
	if err != nil {
		task.Dispose()
		p.deps.Transports.Put(tr)
		return TaskOutcome{Status: TaskStatusFailed, Error: err.Error()}
	}

	objective := req.Objective
	if objective == "" {
		objective = profile.DefaultObjective
	}
	prompt := objective
	if req.Hint != "" {
		prompt = objective + "\n\nHint: " + req.Hint
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		task.Dispose()
		p.deps.Transports.Put(tr)
		return TaskOutcome{Status: TaskStatusFailed, Error: ErrPoolClosed.Error()}
	}
	p.tasks[task.ID()] = &managedAgent{sess: task, tr: tr}
	p.mu.Unlock()

	p.publish(events.TaskDispatched, events.BuildTaskSubject(events.TaskDispatched, p.sessionID),
		map[string]interface{}{
			"role":      role,
			"profile":   profile.Name,
			"monitorId": monitorID,
		})
	p.log.Info("Task dispatched",
		zap.String("role", role),
		zap.String("profile", profile.Name),
		zap.String("monitor_id", monitorID))

	result, err := task.HandleMessage(ctx, prompt, agent.TurnOptions{
		Role:                 role,
		Source:               "main",
		MonitorID:            monitorID,
		ForkSession:          parentThread != "",
		ParentSessionID:      parentThread,
		SystemPromptOverride: profile.SystemPrompt,
		AllowedTools:         profile.AllowedTools,
	})

	p.mu.Lock()
	delete(p.tasks, task.ID())
	p.mu.Unlock()
	task.Dispose()
	p.deps.Transports.Put(tr)

	outcome := taskOutcome(result, err)
	p.recordTaskOutcome(monitorID, role, objective, outcome)
	return outcome
}

// ActiveTasks returns the number of live task agents.
func (p *ContextPool) ActiveTasks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}

func taskOutcome(result *agent.TurnResult, err error) TaskOutcome {
	if err != nil {
		return TaskOutcome{Status: TaskStatusFailed, Error: err.Error()}
	}
	outcome := TaskOutcome{
		Actions: result.Actions,
		Summary: osaction.Summarize(result.Actions),
	}
	if result.Interrupted {
		outcome.Status = TaskStatusCancelled
	} else {
		outcome.Status = TaskStatusCompleted
	}
	return outcome
}

// recordTaskOutcome appends the task result to the transcript and publishes
// the terminal lifecycle event.
func (p *ContextPool) recordTaskOutcome(monitorID, role, objective string, outcome TaskOutcome) {
	if p.deps.Transcript != nil {
		entry := &transcript.Entry{
			SessionID: p.sessionID,
			MonitorID: monitorID,
			Role:      role,
			Kind:      transcript.KindTaskResult,
			Content:   outcome.Summary,
			Payload: map[string]interface{}{
				"status":      outcome.Status,
				"objective":   objective,
				"actionCount": len(outcome.Actions),
			},
		}
		if outcome.Error != "" {
			entry.Payload["error"] = outcome.Error
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.deps.Transcript.Append(ctx, entry); err != nil {
			p.log.Warn("Failed to append task result", zap.Error(err))
		}
	}

	eventType := events.TaskCompleted
	if outcome.Status == TaskStatusFailed {
		eventType = events.TaskFailed
	}
	p.publish(eventType, events.BuildTaskSubject(eventType, p.sessionID),
		map[string]interface{}{
			"role":        role,
			"status":      outcome.Status,
			"monitorId":   monitorID,
			"actionCount": len(outcome.Actions),
		})
}
