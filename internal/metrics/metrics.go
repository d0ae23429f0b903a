// v0
// internal/metrics/metrics.go
package metrics

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hzj1203/BYD/internal/circuitbreaker"
	"github.com/hzj1203/BYD/internal/models"
)

const namespace = "autolock"

// phases mirrors proximity.Phase values; one gauge series per phase.
var phases = []string{"locked", "unlocked", "pending_unlock", "pending_lock"}

// Metrics owns a private registry. All methods are nil-safe.
type Metrics struct {
	reg *prometheus.Registry

	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
	ticks             prometheus.Counter
	tickErrors        prometheus.Counter
	signalEvents      *prometheus.CounterVec
	bestRSSI          prometheus.Gauge
	phase             *prometheus.GaugeVec
	intents           *prometheus.CounterVec
	coalesced         *prometheus.CounterVec
	records           *prometheus.CounterVec
	attempts          prometheus.Histogram
	actuationDuration prometheus.Histogram
	cbState           *prometheus.GaugeVec
	cacheHits         prometheus.Counter
	cacheMisses       prometheus.Counter
	journalDropped    prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "Total count of HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "Histogram of HTTP request durations by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "monitor_ticks_total",
			Help: "Monitor loop ticks, successful or not.",
		}),
		tickErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "monitor_tick_errors_total",
			Help: "Monitor loop ticks that ended in an error.",
		}),
		signalEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "signal_events_total",
			Help: "Signal events fed to the state machine by kind.",
		}, []string{"kind"}),
		bestRSSI: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "best_rssi_dbm",
			Help: "Strongest usable target reading; NaN when none.",
		}),
		phase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "lock_phase",
			Help: "1 for the current proximity phase, 0 otherwise.",
		}, []string{"phase"}),
		intents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "intents_total",
			Help: "Lock and unlock intents emitted by kind and reason.",
		}, []string{"kind", "reason"}),
		coalesced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "actuation_coalesced_total",
			Help: "Intents folded into an in-flight actuation.",
		}, []string{"kind"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "actuations_total",
			Help: "Finished actuations by kind and outcome.",
		}, []string{"kind", "outcome"}),
		attempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "actuation_attempts",
			Help:    "Attempts used per finished actuation.",
			Buckets: []float64{1, 2, 3, 4, 5},
		}),
		actuationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "actuation_duration_seconds",
			Help:    "Wall time from first attempt to terminal record.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		cbState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "cb_state",
			Help: "Circuit breaker state gauge (0 closed, 1 open, 2 half open).",
		}, []string{"target"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "status_cache_hits_total",
			Help: "Vehicle status cache hits.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "status_cache_misses_total",
			Help: "Vehicle status cache misses.",
		}),
		journalDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "journal_dropped_total",
			Help: "Journal entries dropped because the buffer was full or the sink failed.",
		}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal, m.httpDuration,
		m.ticks, m.tickErrors, m.signalEvents, m.bestRSSI, m.phase,
		m.intents, m.coalesced, m.records, m.attempts, m.actuationDuration,
		m.cbState, m.cacheHits, m.cacheMisses, m.journalDropped,
	)
	for _, p := range phases {
		m.phase.WithLabelValues(p).Set(0)
	}
	m.phase.WithLabelValues("locked").Set(1)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(recorder, r)
		if m != nil {
			m.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
			m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
	})
}

func (m *Metrics) Tick(err error) {
	if m == nil {
		return
	}
	m.ticks.Inc()
	if err != nil {
		m.tickErrors.Inc()
	}
}

func (m *Metrics) SignalEvent(kind string) {
	if m == nil {
		return
	}
	m.signalEvents.WithLabelValues(kind).Inc()
}

// Proximity publishes the phase and the best reading (nil for none).
func (m *Metrics) Proximity(phase string, best *int) {
	if m == nil {
		return
	}
	for _, p := range phases {
		v := 0.0
		if p == phase {
			v = 1
		}
		m.phase.WithLabelValues(p).Set(v)
	}
	if best == nil {
		m.bestRSSI.Set(math.NaN())
		return
	}
	m.bestRSSI.Set(float64(*best))
}

func (m *Metrics) Intent(in models.Intent) {
	if m == nil {
		return
	}
	m.intents.WithLabelValues(string(in.Kind), string(in.Reason)).Inc()
}

// OnRecord counts terminal actuation records.
func (m *Metrics) OnRecord(rec models.Record) {
	if m == nil || !rec.Terminal() {
		return
	}
	m.records.WithLabelValues(string(rec.Kind), string(rec.Outcome)).Inc()
	m.attempts.Observe(float64(rec.Attempts))
	if !rec.FinishedAt.IsZero() && !rec.StartedAt.IsZero() {
		m.actuationDuration.Observe(rec.FinishedAt.Sub(rec.StartedAt).Seconds())
	}
}

func (m *Metrics) OnCoalesce(joined, _ models.Intent) {
	if m == nil {
		return
	}
	m.coalesced.WithLabelValues(string(joined.Kind)).Inc()
}

func (m *Metrics) SetCircuitBreakerState(target string, state float64) {
	if m == nil {
		return
	}
	m.cbState.WithLabelValues(target).Set(state)
}

func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.cacheMisses.Inc()
}

func (m *Metrics) JournalDropped(n int) {
	if m == nil {
		return
	}
	m.journalDropped.Add(float64(n))
}

// BreakerChanged matches circuitbreaker.Config.OnStateChange.
func (m *Metrics) BreakerChanged(name string, _, to circuitbreaker.State) {
	m.SetCircuitBreakerState(name, float64(to))
}
