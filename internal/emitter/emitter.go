// Package emitter is the process-wide bus on which tool implementations
// publish OS actions. Tool execution happens in ambient contexts that do not
// know which agent they belong to; emissions carry agent and monitor tags and
// subscribers filter for themselves.
package emitter

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/deskd/deskd/pkg/osaction"
)

var (
	// ErrFeedbackTimeout is returned when no consumer resolves an
	// EmitAndWait key before its timeout.
	ErrFeedbackTimeout = errors.New("timed out waiting for action feedback")

	// ErrFeedbackPending is returned when an EmitAndWait key is already
	// awaiting resolution.
	ErrFeedbackPending = errors.New("feedback key already pending")
)

// Tags identify the source of an emission. Empty fields mean "untargeted";
// filtering by agent and monitor is the subscriber's responsibility.
type Tags struct {
	AgentID   string
	MonitorID string
	RequestID string
}

// Envelope is one emitted action plus its source tags.
type Envelope struct {
	Action    osaction.Action
	AgentID   string
	MonitorID string
	RequestID string
	EmittedAt time.Time
}

// SubscriberFunc receives one envelope per emission. Callbacks run
// synchronously on the emitting goroutine and must not block: per-source
// emission order is preserved only because dispatch is synchronous.
type SubscriberFunc func(Envelope)

// FeedbackResult is the consumer's answer to an EmitAndWait emission, such
// as a dialog response or a render acknowledgment.
type FeedbackResult struct {
	OK       bool   `json:"ok"`
	OptionID string `json:"optionId,omitempty"`
	Remember bool   `json:"remember,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

type subscriber struct {
	id uint64
	fn SubscriberFunc
}

// Subscription represents an active bus subscription.
type Subscription struct {
	id      uint64
	emitter *Emitter
	once    sync.Once
}

// Unsubscribe removes the subscription. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.emitter.remove(s.id)
	})
}

// Emitter fans emitted actions out to subscribers. One shared instance is
// wired through the process; tests construct their own.
type Emitter struct {
	mu       sync.Mutex
	nextID   uint64
	subs     []*subscriber
	feedback map[string]chan FeedbackResult
}

// New creates an empty Emitter.
func New() *Emitter {
	return &Emitter{
		feedback: make(map[string]chan FeedbackResult),
	}
}

// Subscribe registers fn for every subsequent emission.
func (e *Emitter) Subscribe(fn SubscriberFunc) *Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextID++
	sub := &subscriber{id: e.nextID, fn: fn}

	// Copy-on-write keeps Emit lock-free during callbacks, so a callback
	// may itself emit or unsubscribe without deadlocking.
	subs := make([]*subscriber, len(e.subs), len(e.subs)+1)
	copy(subs, e.subs)
	e.subs = append(subs, sub)

	return &Subscription{id: sub.id, emitter: e}
}

func (e *Emitter) remove(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	subs := make([]*subscriber, 0, len(e.subs))
	for _, s := range e.subs {
		if s.id != id {
			subs = append(subs, s)
		}
	}
	e.subs = subs
}

// Emit delivers the action to every subscriber exactly once, in subscription
// order, synchronously on the calling goroutine.
func (e *Emitter) Emit(action osaction.Action, tags Tags) {
	e.mu.Lock()
	subs := e.subs
	e.mu.Unlock()

	env := Envelope{
		Action:    action,
		AgentID:   tags.AgentID,
		MonitorID: tags.MonitorID,
		RequestID: tags.RequestID,
		EmittedAt: time.Now(),
	}
	for _, s := range subs {
		s.fn(env)
	}
}

// SubscriberCount returns the number of active subscriptions.
func (e *Emitter) SubscriberCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

// EmitAndWait emits the action and blocks until a consumer resolves key via
// ResolveFeedback, the timeout elapses, or ctx is cancelled. Used where the
// emitting tool needs an acknowledgment, e.g. dialog answers and
// iframe-load results.
func (e *Emitter) EmitAndWait(ctx context.Context, action osaction.Action, tags Tags, key string, timeout time.Duration) (FeedbackResult, error) {
	ch := make(chan FeedbackResult, 1)

	e.mu.Lock()
	if _, exists := e.feedback[key]; exists {
		e.mu.Unlock()
		return FeedbackResult{}, ErrFeedbackPending
	}
	e.feedback[key] = ch
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.feedback, key)
		e.mu.Unlock()
	}()

	e.Emit(action, tags)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-ch:
		return result, nil
	case <-timer.C:
		return FeedbackResult{}, ErrFeedbackTimeout
	case <-ctx.Done():
		return FeedbackResult{}, ctx.Err()
	}
}

// ResolveFeedback completes a pending EmitAndWait. It reports whether a
// waiter was found for the key.
func (e *Emitter) ResolveFeedback(key string, result FeedbackResult) bool {
	e.mu.Lock()
	ch, ok := e.feedback[key]
	if ok {
		delete(e.feedback, key)
	}
	e.mu.Unlock()

	if !ok {
		return false
	}
	ch <- result
	return true
}
