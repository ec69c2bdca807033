package gateway

import (
	"context"
	"net/http"

	"github.com/basket/go-analyst/internal/bus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors fed from bus events. The bus drops
// events for a full subscriber, so under load the event-fed counters can
// lag; analyst_bus_dropped_events_total reports how many deliveries were lost.
//
// Metrics:
//   - analyst_tasks_total{kind,status}
//   - analyst_task_duration_seconds{kind}
//   - analyst_call_attempts_total{capability,role,outcome}
//   - analyst_call_duration_seconds{capability}
//   - analyst_call_retries_total{role}
//   - analyst_stalls_total
//   - analyst_turns_total
//   - analyst_retention_purged_total{kind}
//   - analyst_ws_clients
//   - analyst_bus_dropped_events_total (only when built with a bus)
type Metrics struct {
	registry *prometheus.Registry

	TasksTotal      *prometheus.CounterVec
	TaskDuration    *prometheus.HistogramVec
	CallAttempts    *prometheus.CounterVec
	CallDuration    *prometheus.HistogramVec
	CallRetries     *prometheus.CounterVec
	StallsTotal     prometheus.Counter
	TurnsTotal      prometheus.Counter
	RetentionPurged *prometheus.CounterVec
	WSClients       prometheus.Gauge
}

// NewMetrics registers the collectors on a private registry. b may be nil;
// when set, its drop counter is exported too.
func NewMetrics(b *bus.Bus) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		TasksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "analyst_tasks_total",
			Help: "Tasks that reached a terminal status.",
		}, []string{"kind", "status"}),
		TaskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "analyst_task_duration_seconds",
			Help:    "Task duration from creation to terminal status.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"kind"}),
		CallAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "analyst_call_attempts_total",
			Help: "Capability call attempts by outcome.",
		}, []string{"capability", "role", "outcome"}),
		CallDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "analyst_call_duration_seconds",
			Help:    "Capability call attempt duration.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"capability"}),
		CallRetries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "analyst_call_retries_total",
			Help: "Capability calls regenerated after a fatal failure.",
		}, []string{"role"}),
		StallsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "analyst_stalls_total",
			Help: "Summaries that never produced the completion marker.",
		}),
		TurnsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "analyst_turns_total",
			Help: "Turns appended to session contexts.",
		}),
		RetentionPurged: f.NewCounterVec(prometheus.CounterOpts{
			Name: "analyst_retention_purged_total",
			Help: "Rows removed by the retention job.",
		}, []string{"kind"}),
		WSClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "analyst_ws_clients",
			Help: "Connected WebSocket clients.",
		}),
	}
	if b != nil {
		f.NewCounterFunc(prometheus.CounterOpts{
			Name: "analyst_bus_dropped_events_total",
			Help: "Events dropped because a subscriber was slow.",
		}, func() float64 { return float64(b.Dropped()) })
	}
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Observe updates the collectors for one bus event.
func (m *Metrics) Observe(ev bus.Event) {
	switch p := ev.Payload.(type) {
	case bus.TaskTerminalEvent:
		m.TasksTotal.WithLabelValues(p.Kind, p.Status).Inc()
		m.TaskDuration.WithLabelValues(p.Kind).Observe(p.Duration.Seconds())
	case bus.CallEvent:
		switch ev.Topic {
		case bus.TopicCallCompleted:
			m.CallAttempts.WithLabelValues(p.Capability, p.Role, p.Outcome).Inc()
			m.CallDuration.WithLabelValues(p.Capability).Observe(p.Duration.Seconds())
		case bus.TopicCallRetrying:
			m.CallRetries.WithLabelValues(p.Role).Inc()
		}
	case bus.StallEvent:
		m.StallsTotal.Inc()
	case bus.TurnEvent:
		m.TurnsTotal.Inc()
	case bus.RetentionEvent:
		m.RetentionPurged.WithLabelValues("tasks").Add(float64(p.Tasks))
		m.RetentionPurged.WithLabelValues("sessions").Add(float64(p.Sessions))
	}
}

// Consume feeds every bus event into the collectors until ctx is done.
func (m *Metrics) Consume(ctx context.Context, b *bus.Bus) {
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			m.Observe(ev)
		}
	}
}
