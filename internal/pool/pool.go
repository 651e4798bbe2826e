// Package pool orchestrates the agents of one desktop session: a main agent
// per monitor draining a serial work queue, short-lived task agents forked
// for specialized work, and window agents bound to individual windows.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/deskd/deskd/internal/agent"
	"github.com/deskd/deskd/internal/common/logger"
	"github.com/deskd/deskd/internal/emitter"
	"github.com/deskd/deskd/internal/events"
	"github.com/deskd/deskd/internal/events/bus"
	"github.com/deskd/deskd/internal/limiter"
	"github.com/deskd/deskd/internal/reloadcache"
	"github.com/deskd/deskd/internal/transcript"
	"github.com/deskd/deskd/internal/transport"
	"github.com/deskd/deskd/internal/windows"
	"github.com/deskd/deskd/pkg/osaction"
)

const (
	// RoleMain is the canonical role of a monitor's main agent.
	RoleMain = "main"

	// DefaultMonitorID is the monitor Initialize creates.
	DefaultMonitorID = "monitor-0"

	// monitorQueueSize bounds how many prompts may wait per monitor.
	monitorQueueSize = 256

	// reloadSuggestLimit caps how many cache matches are offered per prompt.
	reloadSuggestLimit = 3
)

// Common errors
var (
	ErrPoolClosed      = errors.New("context pool closed")
	ErrMonitorExists   = errors.New("monitor agent already exists")
	ErrMonitorNotFound = errors.New("monitor agent not found")
	ErrQueueFull       = errors.New("monitor queue full")
)

// Deps are the collaborators a context pool works against. Limiter, emitter,
// sink and bus are process-wide; transports, cache and windows belong to the
// pool's session.
type Deps struct {
	Limiter    *limiter.Limiter
	Transports *transport.Pool
	Emitter    *emitter.Emitter
	Transcript transcript.Store
	Sink       agent.EventSink
	Bus        bus.EventBus
	Cache      *reloadcache.Cache
	Windows    *windows.Registry
	Profiles   *ProfileSet
	Log        *logger.Logger

	// Model overrides the provider's default model when set.
	Model string

	// AcquireTimeout bounds persistent slot acquisition for main and window
	// agents.
	AcquireTimeout time.Duration

	// SuggestThreshold is the minimum best-match similarity before reload
	// options are offered to the model.
	SuggestThreshold float64
}

// managedAgent pairs an agent session with the warm-pool transport it runs
// on, so the transport can go back to the pool when the agent is removed.
type managedAgent struct {
	sess *agent.Session
	tr   transport.Transport
}

// monitorWorker is one monitor's FIFO queue and its drain goroutine's input.
type monitorWorker struct {
	jobs chan queuedPrompt
}

type queuedPrompt struct {
	prompt      string
	annotated   string
	images      []transport.Image
	fingerprint reloadcache.Fingerprint
}

// recordKey identifies a fingerprint for duplicate-record suppression.
type recordKey struct {
	contentHash string
	windowHash  string
}

// ContextPool is the per-session orchestrator.
type ContextPool struct {
	sessionID string
	deps      Deps
	log       *logger.Logger

	// ctx is the lifetime of every turn this pool starts; Cleanup cancels it.
	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	mains        map[string]*managedAgent // monitorID → main agent
	workers      map[string]*monitorWorker
	tasks        map[string]*managedAgent // instance id → task agent
	windowAgents map[string]*managedAgent // windowID → window agent
	lastRecorded map[string]recordKey     // monitorID → last recorded fingerprint
	closed       bool

	applier *emitter.Subscription
	wg      sync.WaitGroup
}

// New creates a context pool for one session. The window applier registers
// here, before any agent bridge can exist, so within a turn the registry sees
// each action before clients do.
func New(sessionID string, deps Deps) *ContextPool {
	log := deps.Log
	if log == nil {
		log = logger.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())

	p := &ContextPool{
		sessionID:    sessionID,
		deps:         deps,
		log:          log.WithSessionID(sessionID).WithFields(zap.String("component", "context-pool")),
		ctx:          ctx,
		cancel:       cancel,
		mains:        make(map[string]*managedAgent),
		workers:      make(map[string]*monitorWorker),
		tasks:        make(map[string]*managedAgent),
		windowAgents: make(map[string]*managedAgent),
		lastRecorded: make(map[string]recordKey),
	}

	p.applier = deps.Emitter.Subscribe(p.applyWindowAction)
	deps.Windows.OnClose(p.onWindowClose)
	return p
}

// SessionID returns the owning session's id.
func (p *ContextPool) SessionID() string { return p.sessionID }

// Done returns a channel that closes when the pool shuts down. Background
// work spawned on behalf of the pool should stop when it does.
func (p *ContextPool) Done() <-chan struct{} { return p.ctx.Done() }

// Initialize creates the default monitor's main agent, taking one limiter
// slot.
func (p *ContextPool) Initialize(ctx context.Context) error {
	return p.CreateMonitorAgent(ctx, DefaultMonitorID)
}

// CreateMonitorAgent creates a main agent and work queue for the monitor.
// The agent holds a persistent limiter slot until removal.
func (p *ContextPool) CreateMonitorAgent(ctx context.Context, monitorID string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if _, ok := p.mains[monitorID]; ok {
		p.mu.Unlock()
		return ErrMonitorExists
	}
	p.mu.Unlock()

	tr, err := p.deps.Transports.Get()
	if err != nil {
		return fmt.Errorf("no transport for monitor %s: %w", monitorID, err)
	}

	sess := agent.NewSession(p.sessionID, RoleMain, monitorID, p.agentDeps(tr))
	if err := sess.AcquireSlot(ctx); err != nil {
		p.deps.Transports.Put(tr)
		return err
	}

	if monitorID == DefaultMonitorID {
		p.restoreMainThread(ctx, sess)
	}

	worker := &monitorWorker{jobs: make(chan queuedPrompt, monitorQueueSize)}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		sess.Dispose()
		p.deps.Transports.Put(tr)
		return ErrPoolClosed
	}
	if _, ok := p.mains[monitorID]; ok {
		p.mu.Unlock()
		sess.Dispose()
		p.deps.Transports.Put(tr)
		return ErrMonitorExists
	}
	p.mains[monitorID] = &managedAgent{sess: sess, tr: tr}
	p.workers[monitorID] = worker
	p.wg.Add(1)
	p.mu.Unlock()

	go p.runMonitorWorker(monitorID, sess, worker)

	p.publish(events.MonitorAdded, events.BuildMonitorSubject(events.MonitorAdded, p.sessionID),
		map[string]interface{}{"monitorId": monitorID})
	p.log.Info("Monitor agent created", zap.String("monitor_id", monitorID))
	return nil
}

// RemoveMonitorAgent disposes the monitor's main agent and stops its queue.
// Prompts still queued fail fast against the disposed agent.
func (p *ContextPool) RemoveMonitorAgent(monitorID string) error {
	p.mu.Lock()
	ma, ok := p.mains[monitorID]
	if !ok {
		p.mu.Unlock()
		return ErrMonitorNotFound
	}
	delete(p.mains, monitorID)
	worker := p.workers[monitorID]
	delete(p.workers, monitorID)
	delete(p.lastRecorded, monitorID)
	if worker != nil {
		close(worker.jobs)
	}
	p.mu.Unlock()

	ma.sess.Dispose()
	p.deps.Transports.Put(ma.tr)

	p.publish(events.MonitorRemoved, events.BuildMonitorSubject(events.MonitorRemoved, p.sessionID),
		map[string]interface{}{"monitorId": monitorID})
	p.log.Info("Monitor agent removed", zap.String("monitor_id", monitorID))
	return nil
}

// HasMainAgent reports whether the monitor has a live main agent.
func (p *ContextPool) HasMainAgent(monitorID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.mains[monitorID]
	return ok
}

// Monitors returns the ids of monitors with live main agents.
func (p *ContextPool) Monitors() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.mains))
	for id := range p.mains {
		ids = append(ids, id)
	}
	return ids
}

// MainThreadID returns the provider thread id of the monitor's main agent.
func (p *ContextPool) MainThreadID(monitorID string) string {
	p.mu.Lock()
	ma, ok := p.mains[monitorID]
	p.mu.Unlock()
	if !ok {
		return ""
	}
	return ma.sess.ThreadID()
}

// RouteMessage fingerprints the prompt against the current window state,
// offers close reload matches to the model, and enqueues the prompt on the
// monitor's serial queue.
func (p *ContextPool) RouteMessage(ctx context.Context, monitorID, prompt string, images []transport.Image) error {
	if monitorID == "" {
		monitorID = DefaultMonitorID
	}

	fp := reloadcache.NewFingerprint(prompt, p.deps.Windows.Snapshot())
	annotated := p.annotateReloadOptions(prompt, fp)

	job := queuedPrompt{
		prompt:      prompt,
		annotated:   annotated,
		images:      images,
		fingerprint: fp,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	worker, ok := p.workers[monitorID]
	if !ok {
		return ErrMonitorNotFound
	}
	select {
	case worker.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// annotateReloadOptions prepends a reload_options block when the cache holds
// a close-enough prior task whose required windows are all still open.
func (p *ContextPool) annotateReloadOptions(prompt string, fp reloadcache.Fingerprint) string {
	matches := p.deps.Cache.FindMatches(fp, reloadSuggestLimit)
	viable := matches[:0]
	for _, m := range matches {
		if p.requiredWindowsOpen(m.Entry) {
			viable = append(viable, m)
		}
	}
	if len(viable) == 0 || viable[0].Score < p.deps.SuggestThreshold {
		p.publish(events.ReloadLookup,
			events.BuildReloadSubject(events.ReloadLookup, p.sessionID),
			map[string]interface{}{"hit": false})
		return prompt
	}

	var b strings.Builder
	b.WriteString("<reload_options>\n")
	for _, m := range viable {
		p.deps.Cache.MarkHit(m.Entry.ID)
		fmt.Fprintf(&b, "- id=%s label=%q similarity=%.2f actions=%d\n",
			m.Entry.ID, m.Entry.Label, m.Score, len(m.Entry.Actions))
	}
	b.WriteString("</reload_options>\n\n")
	b.WriteString(prompt)

	p.publish(events.ReloadLookup,
		events.BuildReloadSubject(events.ReloadLookup, p.sessionID),
		map[string]interface{}{
			"hit":       true,
			"offered":   len(viable),
			"bestScore": viable[0].Score,
		})
	p.log.Debug("Reload options offered",
		zap.Int("matches", len(viable)),
		zap.Float64("best_score", viable[0].Score))
	return b.String()
}

func (p *ContextPool) requiredWindowsOpen(e reloadcache.Entry) bool {
	for _, id := range e.RequiredWindowIDs {
		if !p.deps.Windows.Has(id) {
			return false
		}
	}
	return true
}

// runMonitorWorker drains one monitor's queue serially, which is what keeps
// a monitor's conversation strictly ordered.
func (p *ContextPool) runMonitorWorker(monitorID string, sess *agent.Session, w *monitorWorker) {
	defer p.wg.Done()
	for job := range w.jobs {
		p.processPrompt(monitorID, sess, job)
	}
}

// processPrompt runs one queued prompt to completion. The recover sits here
// rather than in the worker loop so a panicking turn cannot wedge the
// monitor's queue.
func (p *ContextPool) processPrompt(monitorID string, sess *agent.Session, job queuedPrompt) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("Turn panicked",
				zap.String("monitor_id", monitorID),
				zap.Any("panic", r))
		}
	}()

	p.appendUserMessage(monitorID, job.prompt)

	result, err := sess.HandleMessage(p.ctx, job.annotated, agent.TurnOptions{
		Role:      RoleMain,
		Source:    "user",
		MonitorID: monitorID,
		Images:    job.images,
	})
	if err != nil {
		if errors.Is(err, agent.ErrDisposed) || errors.Is(err, limiter.ErrShutdown) {
			return
		}
		p.log.Warn("Turn failed",
			zap.String("monitor_id", monitorID),
			zap.Error(err))
		return
	}
	if result.Interrupted {
		return
	}

	p.maybeRecord(monitorID, job, result)
}

// maybeRecord stores the turn's actions as a reload entry, unless the turn
// produced nothing or the fingerprint trivially repeats the monitor's last
// recorded one.
func (p *ContextPool) maybeRecord(monitorID string, job queuedPrompt, result *agent.TurnResult) {
	if len(result.Actions) == 0 {
		return
	}

	key := recordKey{
		contentHash: job.fingerprint.ContentHash,
		windowHash:  job.fingerprint.WindowHash,
	}
	p.mu.Lock()
	if p.lastRecorded[monitorID] == key {
		p.mu.Unlock()
		return
	}
	p.lastRecorded[monitorID] = key
	p.mu.Unlock()

	entry := p.deps.Cache.Record(job.fingerprint, result.Actions, job.prompt, requiredWindows(result.Actions))
	p.publish(events.ReloadEntryRecorded,
		events.BuildReloadSubject(events.ReloadEntryRecorded, p.sessionID),
		map[string]interface{}{
			"entryId":     entry.ID,
			"monitorId":   monitorID,
			"actionCount": len(result.Actions),
		})
	p.log.Debug("Reload entry recorded",
		zap.String("entry_id", entry.ID),
		zap.Int("actions", len(result.Actions)))
}

// requiredWindows returns the ids a replay depends on: windows the action
// sequence touches but does not itself create.
func requiredWindows(actions []osaction.Action) []string {
	created := make(map[string]bool)
	required := make(map[string]bool)
	for _, a := range actions {
		if !a.IsWindowScoped() || a.WindowID == "" {
			continue
		}
		if a.Type == osaction.WindowCreate {
			created[a.WindowID] = true
			continue
		}
		if !created[a.WindowID] {
			required[a.WindowID] = true
		}
	}
	if len(required) == 0 {
		return nil
	}
	ids := make([]string, 0, len(required))
	for id := range required {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// applyWindowAction is the session's window applier: every window-scoped
// action emitted by this pool's agents mutates the registry, in emission
// order, before the per-turn bridges rebroadcast it.
func (p *ContextPool) applyWindowAction(env emitter.Envelope) {
	if !env.Action.IsWindowScoped() {
		return
	}
	if env.AgentID != "" && !p.ownsAgent(env.AgentID) {
		return
	}
	if err := p.deps.Windows.Apply(env.Action); err != nil {
		p.log.Debug("Window action rejected",
			zap.String("action", string(env.Action.Type)),
			zap.String("window_id", env.Action.WindowID),
			zap.Error(err))
	}
}

// ownsAgent reports whether the instance id belongs to any of this pool's
// agents.
func (p *ContextPool) ownsAgent(instanceID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ma := range p.mains {
		if ma.sess.ID() == instanceID {
			return true
		}
	}
	if _, ok := p.tasks[instanceID]; ok {
		return true
	}
	for _, ma := range p.windowAgents {
		if ma.sess.ID() == instanceID {
			return true
		}
	}
	return false
}

// onWindowClose drops reload entries pinned to the window and releases any
// agent bound to it.
func (p *ContextPool) onWindowClose(windowID string) {
	if dropped := p.deps.Cache.InvalidateWindow(windowID); dropped > 0 {
		p.publish(events.ReloadEntryInvalidated,
			events.BuildReloadSubject(events.ReloadEntryInvalidated, p.sessionID),
			map[string]interface{}{
				"windowId": windowID,
				"dropped":  dropped,
			})
		p.log.Debug("Reload entries invalidated",
			zap.String("window_id", windowID),
			zap.Int("dropped", dropped))
	}

	p.publish(events.WindowClosed, events.BuildWindowSubject(events.WindowClosed, p.sessionID),
		map[string]interface{}{"windowId": windowID})

	p.ReleaseWindowAgent(windowID)
}

// Cleanup cancels in-flight turns, disposes every agent, returns their
// transports, and flushes the cache. Idempotent.
func (p *ContextPool) Cleanup() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true

	agents := make([]*managedAgent, 0, len(p.mains)+len(p.tasks)+len(p.windowAgents))
	for _, ma := range p.mains {
		agents = append(agents, ma)
	}
	for _, ma := range p.tasks {
		agents = append(agents, ma)
	}
	windowIDs := make([]string, 0, len(p.windowAgents))
	for id, ma := range p.windowAgents {
		agents = append(agents, ma)
		windowIDs = append(windowIDs, id)
	}
	p.mains = make(map[string]*managedAgent)
	p.tasks = make(map[string]*managedAgent)
	p.windowAgents = make(map[string]*managedAgent)
	for _, w := range p.workers {
		close(w.jobs)
	}
	p.workers = make(map[string]*monitorWorker)
	p.mu.Unlock()

	p.cancel()
	p.applier.Unsubscribe()

	for _, ma := range agents {
		ma.sess.Dispose()
		p.deps.Transports.Put(ma.tr)
	}
	for _, windowID := range windowIDs {
		p.publishWindowAgentStatus(windowID, "window-"+windowID, WindowAgentReleased)
	}

	p.wg.Wait()
	p.deps.Cache.Flush()
	p.log.Info("Context pool cleaned up")
}

// agentDeps builds the per-agent dependency set around one transport.
func (p *ContextPool) agentDeps(tr transport.Transport) agent.Deps {
	return agent.Deps{
		Limiter:        p.deps.Limiter,
		Transport:      tr,
		Emitter:        p.deps.Emitter,
		Transcript:     p.deps.Transcript,
		Sink:           p.deps.Sink,
		Bus:            p.deps.Bus,
		Log:            p.deps.Log,
		Model:          p.deps.Model,
		AcquireTimeout: p.deps.AcquireTimeout,
	}
}

// restoreMainThread seeds the main agent with its persisted provider thread
// so a restored session continues the prior conversation.
func (p *ContextPool) restoreMainThread(ctx context.Context, sess *agent.Session) {
	if p.deps.Transcript == nil {
		return
	}
	threadID, err := p.deps.Transcript.GetAgentThread(ctx, p.sessionID, RoleMain)
	if err != nil {
		p.log.Warn("Failed to load persisted agent thread", zap.Error(err))
		return
	}
	if threadID != "" {
		sess.RestoreThread(threadID)
		p.log.Debug("Main agent thread restored", zap.String("thread_id", threadID))
	}
}

func (p *ContextPool) appendUserMessage(monitorID, prompt string) {
	if p.deps.Transcript == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := p.deps.Transcript.Append(ctx, &transcript.Entry{
		SessionID: p.sessionID,
		MonitorID: monitorID,
		Role:      "user",
		Kind:      transcript.KindUserMessage,
		Content:   prompt,
	})
	if err != nil {
		p.log.Warn("Failed to append user message", zap.Error(err))
	}
}

func (p *ContextPool) publish(eventType, subject string, data map[string]interface{}) {
	if p.deps.Bus == nil {
		return
	}
	if data == nil {
		data = make(map[string]interface{})
	}
	data["sessionId"] = p.sessionID
	event := bus.NewEvent(eventType, "context-pool", data)
	if err := p.deps.Bus.Publish(context.Background(), subject, event); err != nil {
		p.log.Warn("Failed to publish event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}
