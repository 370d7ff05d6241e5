// Marketwatch is a Steam Community Market monitoring service.
// Copyright (C) 2026 Marketwatch Contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package metrics holds the service's Prometheus instruments on one
// process-wide registry. Packages bump counters directly; gauges that
// mirror external state (queue depth, proxy fleet, runner count) are
// sampled by RunSampler.
package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "marketwatch"

// Job result labels.
const (
	ResultDone        = "done"
	ResultSkippedLock = "skipped_lock"
	ResultStale       = "stale"
	ResultInactive    = "inactive"
	ResultRequeued    = "requeued"
	ResultFailed      = "failed"
)

// Proxy fleet state labels.
const (
	StateActive   = "active"
	StateBlocked  = "blocked"
	StateUnusable = "unusable"
)

// Queue depth labels.
const (
	QueueReady   = "ready"
	QueueDelayed = "delayed"
	QueueDead    = "dead"
)

var (
	registry *prometheus.Registry

	JobsTotal       *prometheus.CounterVec
	JobDuration     prometheus.Histogram
	ItemsFound      prometheus.Counter
	EventsPublished prometheus.Counter
	ProxyReports    *prometheus.CounterVec
	StoreErrors     *prometheus.CounterVec
	QueueDepth      *prometheus.GaugeVec
	ProxyPool       *prometheus.GaugeVec
	SchedulerTasks  prometheus.Gauge
)

func init() {
	build()
}

func build() {
	registry = prometheus.NewRegistry()

	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Market check jobs by terminal result.",
		},
		[]string{"result"},
	)
	JobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time of one market check job.",
			// lowest bucket upper bound 0.1s with factor 2,
			// highest bucket upper bound 0.1s * 2^11 ~ 205s
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)
	ItemsFound = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_found_total",
			Help:      "Newly stored found items.",
		},
	)
	EventsPublished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Found-item events published to subscribers.",
		},
	)
	ProxyReports = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_reports_total",
			Help:      "Proxy lease verdicts reported back to the pool.",
		},
		[]string{"outcome"},
	)
	StoreErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Relational store failures by logical operation.",
		},
		[]string{"op"},
	)
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Messages in the parsing queue, sampled.",
		},
		[]string{"queue"},
	)
	ProxyPool = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "proxy_pool",
			Help:      "Proxy fleet by state, sampled.",
		},
		[]string{"state"},
	)
	SchedulerTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_tasks",
			Help:      "Task runners registered with the scheduler.",
		},
	)

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		JobsTotal,
		JobDuration,
		ItemsFound,
		EventsPublished,
		ProxyReports,
		StoreErrors,
		QueueDepth,
		ProxyPool,
		SchedulerTasks,
	)
}

// Reset rebuilds every instrument on a fresh registry. Tests only.
func Reset() {
	build()
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Registry exposes the gatherer, mainly for tests.
func Registry() prometheus.Gatherer {
	return registry
}

// RecordJob counts one finished job and observes its wall time.
func RecordJob(result string, elapsed time.Duration) {
	JobsTotal.WithLabelValues(sanitizeLabel(result)).Inc()
	JobDuration.Observe(elapsed.Seconds())
}

// RecordJobResult counts a job outcome that has no run of its own, such
// as a retry getting requeued.
func RecordJobResult(result string) {
	JobsTotal.WithLabelValues(sanitizeLabel(result)).Inc()
}

// RecordItemsFound adds newly stored items.
func RecordItemsFound(n int) {
	if n > 0 {
		ItemsFound.Add(float64(n))
	}
}

// RecordEventPublished counts one published found-item event.
func RecordEventPublished() {
	EventsPublished.Inc()
}

// RecordProxyReport counts one verdict handed to the pool.
func RecordProxyReport(outcome string) {
	ProxyReports.WithLabelValues(sanitizeLabel(outcome)).Inc()
}

// RecordStoreError counts one failed store operation.
func RecordStoreError(op string) {
	StoreErrors.WithLabelValues(sanitizeLabel(op)).Inc()
}

// sanitizeLabel keeps label cardinality bounded: lowercase, a known
// charset, a hard length cap, and "unknown" for empty values.
func sanitizeLabel(s string) string {
	if s == "" {
		return "unknown"
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if len(out) > 40 {
		out = out[:40]
	}
	return out
}

// Sources are the live readings the sampler mirrors into gauges. Nil
// fields are skipped.
type Sources struct {
	QueueDepth     func(ctx context.Context) (ready, delayed, dead int64, err error)
	SchedulerTasks func() int
	ProxyPool      func(ctx context.Context) (active, blocked, unusable int, err error)
}

// RunSampler samples the sources once immediately and then on the given
// interval until the context ends.
func RunSampler(ctx context.Context, interval time.Duration, src Sources, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	sample := func() {
		if src.QueueDepth != nil {
			ready, delayed, dead, err := src.QueueDepth(ctx)
			if err != nil {
				logger.Debug("queue depth sample failed", "error", err)
			} else {
				QueueDepth.WithLabelValues(QueueReady).Set(float64(ready))
				QueueDepth.WithLabelValues(QueueDelayed).Set(float64(delayed))
				QueueDepth.WithLabelValues(QueueDead).Set(float64(dead))
			}
		}
		if src.SchedulerTasks != nil {
			SchedulerTasks.Set(float64(src.SchedulerTasks()))
		}
		if src.ProxyPool != nil {
			active, blocked, unusable, err := src.ProxyPool(ctx)
			if err != nil {
				logger.Debug("proxy pool sample failed", "error", err)
			} else {
				ProxyPool.WithLabelValues(StateActive).Set(float64(active))
				ProxyPool.WithLabelValues(StateBlocked).Set(float64(blocked))
				ProxyPool.WithLabelValues(StateUnusable).Set(float64(unusable))
			}
		}
	}

	sample()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample()
		}
	}
}
