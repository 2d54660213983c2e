/**
 * Prometheus Metrics
 *
 * Features:
 * - Counters fed from engine events
 * - Per-account rate limiter gauges
 * - File record gauges by download status
 * - HTTP request metrics for the status server
 *
 * Author: tgfiles maintainers
 * Update History:
 * - 2025-03-19: Initial implementation
 * - 2025-03-23: Rate limiter and record collectors
 */

// Package metrics exposes engine activity to Prometheus.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fmaass/telegram-files/internal/events"
	"github.com/fmaass/telegram-files/internal/remote"
	"github.com/fmaass/telegram-files/internal/state"
)

const namespace = "tgfiles"

// Metrics holds the collectors of one engine instance.
type Metrics struct {
	registry *prometheus.Registry

	phases         *prometheus.CounterVec
	discoverySteps *prometheus.CounterVec
	persisted      prometheus.Counter
	queued         prometheus.Counter
	inaccessible   prometheus.Counter
	transfers      *prometheus.CounterVec
	bytes          prometheus.Counter
	batches        *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New creates the collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		phases: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "automation_phases_completed_total",
			Help:      "Automation phases reached.",
		}, []string{"phase"}),
		discoverySteps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_steps_total",
			Help:      "History discovery steps by outcome.",
		}, []string{"result"}),
		persisted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_files_persisted_total",
			Help:      "File records created by history discovery.",
		}),
		queued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_queued_total",
			Help:      "Idle files claimed for download.",
		}),
		inaccessible: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chats_inaccessible_total",
			Help:      "Chats found inaccessible during discovery.",
		}),
		transfers: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_total",
			Help:      "File transfers by event.",
		}, []string{"event", "type"}),
		bytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloaded_bytes_total",
			Help:      "Size of the files whose transfer finished.",
		}),
		batches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_events_total",
			Help:      "Manual batch submissions and drained queues.",
		}, []string{"event"}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served by the status server.",
		}, []string{"method", "path", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency of the status server.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Observe counts the events published on bus.
func (m *Metrics) Observe(bus *events.Bus) {
	if bus == nil {
		return
	}
	bus.SubscribeAll(m.record, nil)
}

func (m *Metrics) record(e events.Event) {
	switch data := e.Data.(type) {
	case events.AutomationEvent:
		switch e.Type {
		case events.EventTypePhaseComplete:
			m.phases.WithLabelValues(data.Phase).Inc()
		case events.EventTypeChatInaccessible:
			m.inaccessible.Inc()
		case events.EventTypeDiscoveryStep:
			m.discoverySteps.WithLabelValues(stepResult(data)).Inc()
			m.persisted.Add(float64(data.Persisted))
		case events.EventTypeFilesQueued:
			m.queued.Add(float64(data.Queued))
		}
	case events.FileEvent:
		m.transfers.WithLabelValues(transferLabel(e.Type), data.FileType).Inc()
		if e.Type == events.EventTypeTransferFinish && data.Status != state.DownloadStatusIdle {
			m.bytes.Add(float64(data.Size))
		}
	case events.BatchEvent:
		if e.Type == events.EventTypeBatchSubmitted {
			m.batches.WithLabelValues("submitted").Inc()
		} else {
			m.batches.WithLabelValues("drained").Inc()
		}
	}
}

func stepResult(e events.AutomationEvent) string {
	switch {
	case e.Error != nil:
		return "error"
	case e.TimedOut:
		return "timeout"
	case e.Complete:
		return "complete"
	default:
		return "partial"
	}
}

func transferLabel(t events.EventType) string {
	switch t {
	case events.EventTypeTransferStart:
		return "start"
	case events.EventTypeTransferFinish:
		return "finish"
	default:
		return "error"
	}
}

// RegisterLimiters exports the per-account rate limiter state.
func (m *Metrics) RegisterLimiters(limiters *remote.AccountLimiters) {
	if limiters == nil {
		return
	}
	m.registry.MustRegister(&limiterCollector{limiters: limiters})
}

var (
	limiterRequestsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "remote", "requests_total"),
		"Requests passed through the account rate limiter.",
		[]string{"account"}, nil,
	)
	limiterBlockedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "remote", "requests_blocked_total"),
		"Requests that had to wait for the account rate limiter.",
		[]string{"account"}, nil,
	)
	limiterRateDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "remote", "rate_limit"),
		"Current requests per second allowed for the account.",
		[]string{"account"}, nil,
	)
)

type limiterCollector struct {
	limiters *remote.AccountLimiters
}

func (c *limiterCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- limiterRequestsDesc
	ch <- limiterBlockedDesc
	ch <- limiterRateDesc
}

func (c *limiterCollector) Collect(ch chan<- prometheus.Metric) {
	for id, m := range c.limiters.Metrics() {
		account := strconv.FormatInt(id, 10)
		ch <- prometheus.MustNewConstMetric(limiterRequestsDesc, prometheus.CounterValue, float64(m.TotalRequests), account)
		ch <- prometheus.MustNewConstMetric(limiterBlockedDesc, prometheus.CounterValue, float64(m.BlockedRequests), account)
		ch <- prometheus.MustNewConstMetric(limiterRateDesc, prometheus.GaugeValue, m.CurrentRate, account)
	}
}

// StatsSource aggregates file records.
type StatsSource interface {
	Statistics(ctx context.Context, filter state.StatsFilter) (*state.Statistics, error)
}

// RegisterFiles exports file record counts by download status. Each
// scrape runs one aggregate query.
func (m *Metrics) RegisterFiles(stats StatsSource) {
	if stats == nil {
		return
	}
	m.registry.MustRegister(&filesCollector{stats: stats})
}

var filesDesc = prometheus.NewDesc(
	prometheus.BuildFQName(namespace, "", "files"),
	"File records by download status.",
	[]string{"status"}, nil,
)

type filesCollector struct {
	stats StatsSource
}

func (c *filesCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- filesDesc
}

func (c *filesCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := c.stats.Statistics(ctx, state.StatsFilter{})
	if err != nil {
		ch <- prometheus.NewInvalidMetric(filesDesc, err)
		return
	}

	for status, n := range map[string]int64{
		state.DownloadStatusIdle:        s.Idle,
		state.DownloadStatusDownloading: s.Downloading,
		state.DownloadStatusPaused:      s.Paused,
		state.DownloadStatusCompleted:   s.Completed,
		state.DownloadStatusError:       s.Error,
	} {
		ch <- prometheus.MustNewConstMetric(filesDesc, prometheus.GaugeValue, float64(n), status)
	}
}

// RegisterGauge exports the value of fn under tgfiles_<name>.
func (m *Metrics) RegisterGauge(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Middleware records method, route and status of every request. route
// maps a request to a low-cardinality label.
func (m *Metrics) Middleware(route func(*http.Request) string) func(http.Handler) http.Handler {
	if route == nil {
		route = func(r *http.Request) string { return r.URL.Path }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			path := route(r)
			m.httpRequests.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
			m.httpDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
