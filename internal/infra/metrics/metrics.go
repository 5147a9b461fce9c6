// Package metrics exposes Prometheus instruments fed by the event bus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"notification_scheduler/internal/domain/events"
)

const namespace = "notification_scheduler"

type Metrics struct {
	registry      *prometheus.Registry
	dispatched    *prometheus.CounterVec
	failed        *prometheus.CounterVec
	skipped       *prometheus.CounterVec
	statusChanges *prometheus.CounterVec
	breakOvertime prometheus.Counter
	routing       *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_dispatched_total",
			Help:      "Notification units acknowledged by a channel.",
		}, []string{"channel"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_failed_total",
			Help:      "Notification units that reached a failed state.",
		}, []string{"channel", "reason"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_skipped_total",
			Help:      "Notification units skipped before delivery.",
		}, []string{"status"}),
		statusChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_status_transitions_total",
			Help:      "Agent status transitions by target state and initiator.",
		}, []string{"to", "reason"}),
		breakOvertime: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_break_overtime_seconds_total",
			Help:      "Seconds spent on break beyond the configured maximum.",
		}),
		routing: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_decisions_total",
			Help:      "Routing decisions by outcome.",
		}, []string{"outcome"}),
	}
	m.registry.MustRegister(
		m.dispatched, m.failed, m.skipped, m.statusChanges, m.breakOvertime, m.routing,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handle is an events.Handler; subscribe it to every event.
func (m *Metrics) Handle(_ context.Context, ev events.Event) {
	switch e := ev.(type) {
	case events.NotificationDispatched:
		m.dispatched.WithLabelValues(string(e.Channel)).Inc()
	case events.NotificationFailed:
		m.failed.WithLabelValues(string(e.Channel), e.Reason).Inc()
	case events.NotificationSkipped:
		m.skipped.WithLabelValues(string(e.Status)).Inc()
	case events.AgentStatusChanged:
		m.statusChanges.WithLabelValues(string(e.To), string(e.Reason)).Inc()
		if e.OvertimeSeconds > 0 {
			m.breakOvertime.Add(float64(e.OvertimeSeconds))
		}
	case events.ConversationRouted:
		m.routing.WithLabelValues(string(e.Decision.Outcome)).Inc()
	case events.ConversationUnassigned:
		m.routing.WithLabelValues("unassigned").Inc()
	}
}

// RegisterGauge exposes a value sampled at scrape time, e.g. the unassigned queue length.
func (m *Metrics) RegisterGauge(name, help string, sample func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, sample))
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Serve exposes /metrics and the extra routes on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, routes map[string]http.Handler, logger *logrus.Entry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	for pattern, h := range routes {
		mux.Handle(pattern, h)
	}
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("HTTP server shutdown failed")
		}
	}()

	logger.WithFields(logrus.Fields{"addr": addr, "routes": len(routes) + 1}).Info("Serving HTTP")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
