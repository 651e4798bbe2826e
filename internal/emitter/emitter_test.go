package emitter

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskd/deskd/pkg/osaction"
)

func TestEmit(t *testing.T) {
	t.Run("delivers to subscribers in subscription order", func(t *testing.T) {
		e := New()

		var order []string
		e.Subscribe(func(env Envelope) {
			order = append(order, "first:"+env.Action.WindowID)
		})
		e.Subscribe(func(env Envelope) {
			order = append(order, "second:"+env.Action.WindowID)
		})

		e.Emit(osaction.Action{Type: osaction.WindowCreate, WindowID: "w1"}, Tags{AgentID: "agent-1"})

		require.Len(t, order, 2)
		assert.Equal(t, "first:w1", order[0])
		assert.Equal(t, "second:w1", order[1])
	})

	t.Run("preserves per-source emission order", func(t *testing.T) {
		e := New()

		var seen []string
		e.Subscribe(func(env Envelope) {
			seen = append(seen, env.Action.WindowID)
		})

		for i := 0; i < 10; i++ {
			e.Emit(osaction.Action{Type: osaction.WindowCreate, WindowID: fmt.Sprintf("w%d", i)}, Tags{})
		}

		require.Len(t, seen, 10)
		for i, id := range seen {
			assert.Equal(t, fmt.Sprintf("w%d", i), id)
		}
	})

	t.Run("carries source tags on the envelope", func(t *testing.T) {
		e := New()

		var got Envelope
		e.Subscribe(func(env Envelope) {
			got = env
		})

		before := time.Now()
		e.Emit(osaction.Action{Type: osaction.NotificationShow, Message: "done"}, Tags{
			AgentID:   "agent-1",
			MonitorID: "monitor-0",
			RequestID: "req-9",
		})

		assert.Equal(t, "agent-1", got.AgentID)
		assert.Equal(t, "monitor-0", got.MonitorID)
		assert.Equal(t, "req-9", got.RequestID)
		assert.False(t, got.EmittedAt.Before(before))
	})

	t.Run("callback may emit without deadlocking", func(t *testing.T) {
		e := New()

		var seen []string
		e.Subscribe(func(env Envelope) {
			seen = append(seen, env.Action.WindowID)
			if env.Action.WindowID == "outer" {
				e.Emit(osaction.Action{Type: osaction.WindowClose, WindowID: "inner"}, Tags{})
			}
		})

		e.Emit(osaction.Action{Type: osaction.WindowCreate, WindowID: "outer"}, Tags{})

		assert.Equal(t, []string{"outer", "inner"}, seen)
	})
}

func TestUnsubscribe(t *testing.T) {
	t.Run("stops delivery", func(t *testing.T) {
		e := New()

		count := 0
		sub := e.Subscribe(func(Envelope) { count++ })

		e.Emit(osaction.Action{Type: osaction.ToastShow, Message: "one"}, Tags{})
		sub.Unsubscribe()
		e.Emit(osaction.Action{Type: osaction.ToastShow, Message: "two"}, Tags{})

		assert.Equal(t, 1, count)
		assert.Equal(t, 0, e.SubscriberCount())
	})

	t.Run("is idempotent", func(t *testing.T) {
		e := New()

		sub := e.Subscribe(func(Envelope) {})
		e.Subscribe(func(Envelope) {})

		sub.Unsubscribe()
		sub.Unsubscribe()

		assert.Equal(t, 1, e.SubscriberCount())
	})

	t.Run("callback may unsubscribe itself", func(t *testing.T) {
		e := New()

		count := 0
		var sub *Subscription
		sub = e.Subscribe(func(Envelope) {
			count++
			sub.Unsubscribe()
		})

		e.Emit(osaction.Action{Type: osaction.ToastShow}, Tags{})
		e.Emit(osaction.Action{Type: osaction.ToastShow}, Tags{})

		assert.Equal(t, 1, count)
	})
}

func TestEmitAndWait(t *testing.T) {
	t.Run("returns the resolved result", func(t *testing.T) {
		e := New()

		e.Subscribe(func(env Envelope) {
			if env.Action.Type == osaction.DialogConfirm {
				go e.ResolveFeedback(env.Action.Dialog.ID, FeedbackResult{OK: true, OptionID: "allow"})
			}
		})

		action := osaction.Action{
			Type:   osaction.DialogConfirm,
			Dialog: &osaction.Dialog{ID: "dlg-1", Title: "Delete file?"},
		}
		result, err := e.EmitAndWait(context.Background(), action, Tags{AgentID: "agent-1"}, "dlg-1", time.Second)
		require.NoError(t, err)
		assert.True(t, result.OK)
		assert.Equal(t, "allow", result.OptionID)
	})

	t.Run("times out when nothing resolves", func(t *testing.T) {
		e := New()

		_, err := e.EmitAndWait(context.Background(), osaction.Action{Type: osaction.ToastShow}, Tags{}, "never", 20*time.Millisecond)
		assert.ErrorIs(t, err, ErrFeedbackTimeout)
	})

	t.Run("respects context cancellation", func(t *testing.T) {
		e := New()

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()

		_, err := e.EmitAndWait(ctx, osaction.Action{Type: osaction.ToastShow}, Tags{}, "cancelled", time.Second)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("rejects a duplicate pending key", func(t *testing.T) {
		e := New()

		done := make(chan struct{})
		go func() {
			defer close(done)
			_, err := e.EmitAndWait(context.Background(), osaction.Action{Type: osaction.ToastShow}, Tags{}, "dup", time.Second)
			assert.NoError(t, err)
		}()

		require.Eventually(t, func() bool {
			e.mu.Lock()
			defer e.mu.Unlock()
			_, pending := e.feedback["dup"]
			return pending
		}, time.Second, time.Millisecond)

		_, err := e.EmitAndWait(context.Background(), osaction.Action{Type: osaction.ToastShow}, Tags{}, "dup", time.Second)
		assert.ErrorIs(t, err, ErrFeedbackPending)

		require.True(t, e.ResolveFeedback("dup", FeedbackResult{OK: true}))
		<-done
	})

	t.Run("resolving an unknown key reports false", func(t *testing.T) {
		e := New()
		assert.False(t, e.ResolveFeedback("missing", FeedbackResult{}))
	})
}

func TestConcurrentEmit(t *testing.T) {
	t.Run("every emission is delivered exactly once", func(t *testing.T) {
		e := New()

		var mu sync.Mutex
		perAgent := make(map[string][]string)
		e.Subscribe(func(env Envelope) {
			mu.Lock()
			perAgent[env.AgentID] = append(perAgent[env.AgentID], env.Action.WindowID)
			mu.Unlock()
		})

		const sources = 8
		const emissions = 50

		var wg sync.WaitGroup
		for s := 0; s < sources; s++ {
			wg.Add(1)
			go func(s int) {
				defer wg.Done()
				agent := fmt.Sprintf("agent-%d", s)
				for i := 0; i < emissions; i++ {
					e.Emit(osaction.Action{
						Type:     osaction.WindowCreate,
						WindowID: fmt.Sprintf("w%d", i),
					}, Tags{AgentID: agent})
				}
			}(s)
		}
		wg.Wait()

		for s := 0; s < sources; s++ {
			ids := perAgent[fmt.Sprintf("agent-%d", s)]
			require.Len(t, ids, emissions)
			for i, id := range ids {
				assert.Equal(t, fmt.Sprintf("w%d", i), id, "per-source order must hold")
			}
		}
	})
}
