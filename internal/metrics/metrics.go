// Package metrics exposes deskd's Prometheus collectors. Counters follow the
// event bus, so they count the same lifecycle stream operators can subscribe
// to; occupancy gauges read live state at scrape time.
package metrics

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/deskd/deskd/internal/common/logger"
	"github.com/deskd/deskd/internal/events"
	"github.com/deskd/deskd/internal/events/bus"
	"github.com/deskd/deskd/internal/limiter"
)

const namespace = "deskd"

// LiveStats supplies point-in-time values for the occupancy gauges. Nil
// functions leave the corresponding gauge unregistered.
type LiveStats struct {
	Sessions    func() int
	Connections func() int
	AgentSlots  func() limiter.Stats
}

// Collector owns the Prometheus collectors and the bus subscriptions feeding
// them.
type Collector struct {
	turnsTotal        *prometheus.CounterVec
	turnDuration      prometheus.Histogram
	actionsTotal      prometheus.Counter
	tasksTotal        *prometheus.CounterVec
	reloadRecorded    prometheus.Counter
	reloadInvalidated prometheus.Counter
	reloadLookups     *prometheus.CounterVec
	reloadOffered     prometheus.Counter

	subscriptions []bus.Subscription
	logger        *logger.Logger
}

// New builds and registers the collectors. Pass
// prometheus.DefaultRegisterer outside tests.
func New(reg prometheus.Registerer, live LiveStats, log *logger.Logger) (*Collector, error) {
	c := &Collector{
		logger: log.WithFields(zap.String("component", "metrics")),
		turnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "turns_total",
			Help:      "Agent turns by terminal status.",
		}, []string{"status", "source"}),
		turnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "turn_duration_seconds",
			Help:      "Wall-clock duration of completed agent turns.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		actionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "actions_total",
			Help:      "OS actions emitted by completed turns.",
		}),
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "task",
			Name:      "dispatches_total",
			Help:      "Dispatched task agents by lifecycle stage.",
		}, []string{"status"}),
		reloadRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reload",
			Name:      "entries_recorded_total",
			Help:      "Action sequences recorded into reload caches.",
		}),
		reloadInvalidated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reload",
			Name:      "entries_invalidated_total",
			Help:      "Reload entries dropped because a required window closed.",
		}),
		reloadLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reload",
			Name:      "lookups_total",
			Help:      "Reload cache lookups by outcome.",
		}, []string{"outcome"}),
		reloadOffered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reload",
			Name:      "entries_offered_total",
			Help:      "Reload entries offered to the model as replay options.",
		}),
	}

	collectors := []prometheus.Collector{
		c.turnsTotal, c.turnDuration, c.actionsTotal,
		c.tasksTotal, c.reloadRecorded, c.reloadInvalidated,
		c.reloadLookups, c.reloadOffered,
	}
	if live.Sessions != nil {
		collectors = append(collectors, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Live sessions.",
		}, func() float64 { return float64(live.Sessions()) }))
	}
	if live.Connections != nil {
		collectors = append(collectors, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Open WebSocket connections.",
		}, func() float64 { return float64(live.Connections()) }))
	}
	if live.AgentSlots != nil {
		collectors = append(collectors,
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "agent",
				Name:      "slots_limit",
				Help:      "Configured agent capacity.",
			}, func() float64 { return float64(live.AgentSlots().Limit) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "agent",
				Name:      "slots_in_use",
				Help:      "Agent slots currently held.",
			}, func() float64 { return float64(live.AgentSlots().Current) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "agent",
				Name:      "slots_waiting",
				Help:      "Turns queued for a free agent slot.",
			}, func() float64 { return float64(live.AgentSlots().Waiting) }),
		)
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}
	return c, nil
}

// Observe subscribes the counters to the event bus. Call once; Close drops
// the subscriptions.
func (c *Collector) Observe(eventBus bus.EventBus) {
	if eventBus == nil {
		return
	}

	c.subscribe(eventBus, events.BuildTurnWildcardSubject(), c.onTurnEvent)
	c.subscribe(eventBus, events.BuildTaskWildcardSubject(events.TaskDispatched), c.onTaskEvent)
	c.subscribe(eventBus, events.BuildTaskWildcardSubject(events.TaskCompleted), c.onTaskEvent)
	c.subscribe(eventBus, events.BuildTaskWildcardSubject(events.TaskFailed), c.onTaskEvent)
	c.subscribe(eventBus, events.BuildReloadWildcardSubject(events.ReloadEntryRecorded), c.onReloadEvent)
	c.subscribe(eventBus, events.BuildReloadWildcardSubject(events.ReloadEntryInvalidated), c.onReloadEvent)
	c.subscribe(eventBus, events.BuildReloadWildcardSubject(events.ReloadLookup), c.onReloadEvent)
}

// Close drops all bus subscriptions.
func (c *Collector) Close() {
	for _, sub := range c.subscriptions {
		if sub != nil && sub.IsValid() {
			_ = sub.Unsubscribe()
		}
	}
	c.subscriptions = nil
}

func (c *Collector) subscribe(eventBus bus.EventBus, subject string, handler bus.EventHandler) {
	sub, err := eventBus.Subscribe(subject, handler)
	if err != nil {
		c.logger.Error("Failed to subscribe to events", zap.String("subject", subject), zap.Error(err))
		return
	}
	c.subscriptions = append(c.subscriptions, sub)
}

func (c *Collector) onTurnEvent(ctx context.Context, event *bus.Event) error {
	source := stringField(event.Data, "source")
	if source == "" {
		source = "unknown"
	}

	switch event.Type {
	case events.TurnCompleted:
		status := "completed"
		if boolField(event.Data, "interrupted") {
			status = "interrupted"
		}
		c.turnsTotal.WithLabelValues(status, source).Inc()
		if n, ok := numberField(event.Data, "actionCount"); ok {
			c.actionsTotal.Add(n)
		}
	case events.TurnFailed:
		c.turnsTotal.WithLabelValues("failed", source).Inc()
	default:
		return nil
	}

	if ms, ok := numberField(event.Data, "durationMs"); ok {
		c.turnDuration.Observe(ms / 1000)
	}
	return nil
}

func (c *Collector) onTaskEvent(ctx context.Context, event *bus.Event) error {
	switch event.Type {
	case events.TaskDispatched:
		c.tasksTotal.WithLabelValues("dispatched").Inc()
	case events.TaskCompleted, events.TaskFailed:
		status := stringField(event.Data, "status")
		if status == "" {
			status = "completed"
		}
		c.tasksTotal.WithLabelValues(status).Inc()
	}
	return nil
}

func (c *Collector) onReloadEvent(ctx context.Context, event *bus.Event) error {
	switch event.Type {
	case events.ReloadEntryRecorded:
		c.reloadRecorded.Inc()
	case events.ReloadEntryInvalidated:
		if n, ok := numberField(event.Data, "dropped"); ok {
			c.reloadInvalidated.Add(n)
		} else {
			c.reloadInvalidated.Inc()
		}
	case events.ReloadLookup:
		outcome := "miss"
		if boolField(event.Data, "hit") {
			outcome = "hit"
		}
		c.reloadLookups.WithLabelValues(outcome).Inc()
		if n, ok := numberField(event.Data, "offered"); ok {
			c.reloadOffered.Add(n)
		}
	}
	return nil
}

func stringField(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func boolField(data map[string]interface{}, key string) bool {
	v, ok := data[key].(bool)
	return ok && v
}

// numberField tolerates both native ints and the float64 a JSON round-trip
// produces.
func numberField(data map[string]interface{}, key string) (float64, bool) {
	switch v := data[key].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	}
	return 0, false
}
