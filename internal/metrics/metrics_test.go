package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/deskd/deskd/internal/common/logger"
	"github.com/deskd/deskd/internal/events"
	"github.com/deskd/deskd/internal/events/bus"
	"github.com/deskd/deskd/internal/limiter"
)

func newTestCollector(t *testing.T, live LiveStats) (*Collector, *prometheus.Registry, *bus.MemoryEventBus) {
	t.Helper()
	registry := prometheus.NewRegistry()
	eventBus := bus.NewMemoryEventBus(logger.Default())
	t.Cleanup(eventBus.Close)

	c, err := New(registry, live, logger.Default())
	if err != nil {
		t.Fatalf("new collector: %v", err)
	}
	t.Cleanup(c.Close)
	c.Observe(eventBus)
	return c, registry, eventBus
}

func publishEvent(t *testing.T, eventBus *bus.MemoryEventBus, eventType, subject string, data map[string]interface{}) {
	t.Helper()
	if err := eventBus.Publish(context.Background(), subject, bus.NewEvent(eventType, "test", data)); err != nil {
		t.Fatalf("publish %s: %v", subject, err)
	}
}

// waitForValue polls until the metric reaches want; bus delivery is
// asynchronous.
func waitForValue(t *testing.T, get func() float64, want float64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if get() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("metric never reached %v, last value %v", want, get())
}

func gaugeValue(t *testing.T, registry *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("gauge %s not found", name)
	return 0
}

func TestCollectorCountsTurnEvents(t *testing.T) {
	c, registry, eventBus := newTestCollector(t, LiveStats{})

	// One subscription carries every turn event in order, so the ignored
	// started event is processed before the ones counted below.
	publishEvent(t, eventBus, events.TurnStarted,
		events.BuildTurnSubject(events.TurnStarted, "sess-1"),
		map[string]interface{}{"source": "main"})
	publishEvent(t, eventBus, events.TurnCompleted,
		events.BuildTurnSubject(events.TurnCompleted, "sess-1"),
		map[string]interface{}{"source": "main", "actionCount": 3, "durationMs": 1500})
	publishEvent(t, eventBus, events.TurnCompleted,
		events.BuildTurnSubject(events.TurnCompleted, "sess-1"),
		map[string]interface{}{"source": "main", "interrupted": true})
	publishEvent(t, eventBus, events.TurnFailed,
		events.BuildTurnSubject(events.TurnFailed, "sess-1"),
		map[string]interface{}{"source": "task", "durationMs": 250})

	waitForValue(t, func() float64 {
		return testutil.ToFloat64(c.turnsTotal.WithLabelValues("failed", "task"))
	}, 1)

	if got := testutil.ToFloat64(c.turnsTotal.WithLabelValues("completed", "main")); got != 1 {
		t.Errorf("expected 1 completed turn, got %v", got)
	}
	if got := testutil.ToFloat64(c.turnsTotal.WithLabelValues("interrupted", "main")); got != 1 {
		t.Errorf("expected 1 interrupted turn, got %v", got)
	}
	if got := testutil.ToFloat64(c.actionsTotal); got != 3 {
		t.Errorf("expected 3 actions, got %v", got)
	}

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == "deskd_agent_turn_duration_seconds" {
			if count := mf.GetMetric()[0].GetHistogram().GetSampleCount(); count != 2 {
				t.Errorf("expected 2 duration samples, got %d", count)
			}
		}
	}
}

func TestCollectorCountsTaskAndReloadEvents(t *testing.T) {
	c, _, eventBus := newTestCollector(t, LiveStats{})

	publishEvent(t, eventBus, events.TaskDispatched,
		events.BuildTaskSubject(events.TaskDispatched, "sess-1"),
		map[string]interface{}{"profile": "web"})
	publishEvent(t, eventBus, events.TaskCompleted,
		events.BuildTaskSubject(events.TaskCompleted, "sess-1"),
		map[string]interface{}{"status": "completed"})
	publishEvent(t, eventBus, events.TaskFailed,
		events.BuildTaskSubject(events.TaskFailed, "sess-1"),
		map[string]interface{}{"status": "failed"})
	publishEvent(t, eventBus, events.ReloadEntryRecorded,
		events.BuildReloadSubject(events.ReloadEntryRecorded, "sess-1"), nil)
	publishEvent(t, eventBus, events.ReloadEntryInvalidated,
		events.BuildReloadSubject(events.ReloadEntryInvalidated, "sess-1"),
		map[string]interface{}{"dropped": 2})
	publishEvent(t, eventBus, events.ReloadLookup,
		events.BuildReloadSubject(events.ReloadLookup, "sess-1"),
		map[string]interface{}{"hit": true, "offered": 2, "bestScore": 0.93})
	publishEvent(t, eventBus, events.ReloadLookup,
		events.BuildReloadSubject(events.ReloadLookup, "sess-1"),
		map[string]interface{}{"hit": false})

	waitForValue(t, func() float64 {
		return testutil.ToFloat64(c.tasksTotal.WithLabelValues("dispatched"))
	}, 1)
	waitForValue(t, func() float64 {
		return testutil.ToFloat64(c.tasksTotal.WithLabelValues("completed"))
	}, 1)
	waitForValue(t, func() float64 {
		return testutil.ToFloat64(c.tasksTotal.WithLabelValues("failed"))
	}, 1)
	waitForValue(t, func() float64 { return testutil.ToFloat64(c.reloadRecorded) }, 1)
	waitForValue(t, func() float64 { return testutil.ToFloat64(c.reloadInvalidated) }, 2)
	waitForValue(t, func() float64 {
		return testutil.ToFloat64(c.reloadLookups.WithLabelValues("hit"))
	}, 1)
	waitForValue(t, func() float64 {
		return testutil.ToFloat64(c.reloadLookups.WithLabelValues("miss"))
	}, 1)
	waitForValue(t, func() float64 { return testutil.ToFloat64(c.reloadOffered) }, 2)

	// After Close the subscriptions are inactive at publish time, so this
	// event is never enqueued.
	c.Close()
	publishEvent(t, eventBus, events.TaskDispatched,
		events.BuildTaskSubject(events.TaskDispatched, "sess-1"), nil)
	if got := testutil.ToFloat64(c.tasksTotal.WithLabelValues("dispatched")); got != 1 {
		t.Errorf("expected counting to stop after Close, got %v", got)
	}
}

func TestLiveGaugesReadCurrentState(t *testing.T) {
	registry := prometheus.NewRegistry()
	slots := limiter.New(4)
	if !slots.TryAcquire() {
		t.Fatal("expected a free slot")
	}

	_, err := New(registry, LiveStats{
		Sessions:    func() int { return 2 },
		Connections: func() int { return 3 },
		AgentSlots:  slots.Stats,
	}, logger.Default())
	if err != nil {
		t.Fatalf("new collector: %v", err)
	}

	if got := gaugeValue(t, registry, "deskd_sessions_active"); got != 2 {
		t.Errorf("expected 2 active sessions, got %v", got)
	}
	if got := gaugeValue(t, registry, "deskd_connections_active"); got != 3 {
		t.Errorf("expected 3 active connections, got %v", got)
	}
	if got := gaugeValue(t, registry, "deskd_agent_slots_limit"); got != 4 {
		t.Errorf("expected slot limit 4, got %v", got)
	}
	if got := gaugeValue(t, registry, "deskd_agent_slots_in_use"); got != 1 {
		t.Errorf("expected 1 slot in use, got %v", got)
	}

	slots.Release()
	if got := gaugeValue(t, registry, "deskd_agent_slots_in_use"); got != 0 {
		t.Errorf("expected gauge to track release, got %v", got)
	}
}

func TestDuplicateRegistrationFails(t *testing.T) {
	registry := prometheus.NewRegistry()
	if _, err := New(registry, LiveStats{}, logger.Default()); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	if _, err := New(registry, LiveStats{}, logger.Default()); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}
