// Package metrics exposes Prometheus collectors for the chat core.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tOgg1/huddle/internal/logging"
)

const namespace = "huddle"

// Reconcile outcomes.
const (
	OutcomeApplied    = "applied"
	OutcomeDuplicate  = "duplicate"
	OutcomeBackground = "background"
	OutcomeDropped    = "dropped"
	OutcomeMalformed  = "malformed"
)

// Metrics holds every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	changesPublished *prometheus.CounterVec
	feedErrors       *prometheus.CounterVec
	tailerCursor     prometheus.Gauge
	eventsReconciled *prometheus.CounterVec
	staleFetches     prometheus.Counter
	fetchDuration    prometheus.Histogram
	sendDuration     *prometheus.HistogramVec
	unreadTotal      prometheus.Gauge
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		changesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "changes_published_total",
			Help:      "Message changes published to subscribers, by change type.",
		}, []string{"type"}),
		feedErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "errors_total",
			Help:      "Change feed failures, by source.",
		}, []string{"source"}),
		tailerCursor: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "tailer_cursor",
			Help:      "Last change log sequence number published by the tailer.",
		}),
		eventsReconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "events_reconciled_total",
			Help:      "Stream events reconciled into the session, by type and outcome.",
		}, []string{"type", "outcome"}),
		staleFetches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "stale_fetches_total",
			Help:      "History fetches discarded because another conversation was selected.",
		}),
		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "fetch_duration_seconds",
			Help:      "History fetch latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		sendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "send_duration_seconds",
			Help:      "Optimistic send round trip, by outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		unreadTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "unread_total",
			Help:      "Unread direct messages for the local user.",
		}),
	}

	m.registry.MustRegister(
		m.changesPublished,
		m.feedErrors,
		m.tailerCursor,
		m.eventsReconciled,
		m.staleFetches,
		m.fetchDuration,
		m.sendDuration,
		m.unreadTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ChangePublished counts one change handed to subscribers.
func (m *Metrics) ChangePublished(changeType string) {
	if m == nil {
		return
	}
	m.changesPublished.WithLabelValues(changeType).Inc()
}

// FeedError counts a failure in a feed source (tailer, amqp).
func (m *Metrics) FeedError(source string) {
	if m == nil {
		return
	}
	m.feedErrors.WithLabelValues(source).Inc()
}

// SetTailerCursor records the tailer position.
func (m *Metrics) SetTailerCursor(seq int64) {
	if m == nil {
		return
	}
	m.tailerCursor.Set(float64(seq))
}

// EventReconciled counts one stream event and what the session did with it.
func (m *Metrics) EventReconciled(changeType, outcome string) {
	if m == nil {
		return
	}
	m.eventsReconciled.WithLabelValues(changeType, outcome).Inc()
}

// StaleFetch counts a discarded history fetch.
func (m *Metrics) StaleFetch() {
	if m == nil {
		return
	}
	m.staleFetches.Inc()
}

// ObserveFetch records a history fetch latency.
func (m *Metrics) ObserveFetch(d time.Duration) {
	if m == nil {
		return
	}
	m.fetchDuration.Observe(d.Seconds())
}

// ObserveSend records a send round trip.
func (m *Metrics) ObserveSend(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.sendDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// SetUnreadTotal records the ledger total.
func (m *Metrics) SetUnreadTotal(n int) {
	if m == nil {
		return
	}
	m.unreadTotal.Set(float64(n))
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Serve exposes /metrics and /healthz on addr until ctx ends.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	logger := logging.Component("metrics")

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("{\"status\":\"ok\"}"))
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("metrics endpoint listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
