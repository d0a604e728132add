package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the relay's Prometheus collectors. Each instance owns its
// registry so tests can construct metrics freely.
type Metrics struct {
	registry             *prometheus.Registry
	sessionsStartedTotal prometheus.Counter
	sessionsEndedTotal   prometheus.Counter
	staleSessionsTotal   prometheus.Counter
	chunksAppendedTotal  prometheus.Counter
	slicesDroppedTotal   prometheus.Counter
	chunksLostTotal      prometheus.Counter
	duplicatesTotal      prometheus.Counter
	chunksExpiredTotal   prometheus.Counter
	activeSession        prometheus.Gauge
}

// New creates and registers the relay collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	sessionsStartedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_sessions_started_total",
		Help: "Total number of broadcast sessions started",
	})
	sessionsEndedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_sessions_ended_total",
		Help: "Total number of broadcast sessions ended",
	})
	staleSessionsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_stale_sessions_reaped_total",
		Help: "Total number of active sessions force-ended for missing heartbeats",
	})
	chunksAppendedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_chunks_appended_total",
		Help: "Total number of audio chunks persisted",
	})
	slicesDroppedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_capture_slices_dropped_total",
		Help: "Total number of captured slices dropped by ingest backpressure",
	})
	chunksLostTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_playback_chunks_lost_total",
		Help: "Total number of chunks skipped by receivers after a gap timeout",
	})
	duplicatesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_playback_duplicates_total",
		Help: "Total number of duplicate chunk deliveries discarded by receivers",
	})
	chunksExpiredTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_chunks_expired_total",
		Help: "Total number of chunks deleted by the retention sweep",
	})
	activeSession := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_active_session",
		Help: "1 while a broadcast session is active, 0 otherwise",
	})

	registry.MustRegister(
		sessionsStartedTotal,
		sessionsEndedTotal,
		staleSessionsTotal,
		chunksAppendedTotal,
		slicesDroppedTotal,
		chunksLostTotal,
		duplicatesTotal,
		chunksExpiredTotal,
		activeSession,
	)

	return &Metrics{
		registry:             registry,
		sessionsStartedTotal: sessionsStartedTotal,
		sessionsEndedTotal:   sessionsEndedTotal,
		staleSessionsTotal:   staleSessionsTotal,
		chunksAppendedTotal:  chunksAppendedTotal,
		slicesDroppedTotal:   slicesDroppedTotal,
		chunksLostTotal:      chunksLostTotal,
		duplicatesTotal:      duplicatesTotal,
		chunksExpiredTotal:   chunksExpiredTotal,
		activeSession:        activeSession,
	}
}

func (m *Metrics) IncSessionsStarted() { m.sessionsStartedTotal.Inc() }

func (m *Metrics) IncSessionsEnded() { m.sessionsEndedTotal.Inc() }

func (m *Metrics) IncStaleSessions() { m.staleSessionsTotal.Inc() }

func (m *Metrics) IncChunksAppended() { m.chunksAppendedTotal.Inc() }

func (m *Metrics) IncSlicesDropped() { m.slicesDroppedTotal.Inc() }

// AddChunksLost records n chunks skipped by a receiver's gap timeout.
func (m *Metrics) AddChunksLost(n int64) { m.chunksLostTotal.Add(float64(n)) }

func (m *Metrics) IncDuplicates() { m.duplicatesTotal.Inc() }

func (m *Metrics) AddChunksExpired(n int64) { m.chunksExpiredTotal.Add(float64(n)) }

// SetSessionActive flips the active-session gauge.
func (m *Metrics) SetSessionActive(active bool) {
	if active {
		m.activeSession.Set(1)
	} else {
		m.activeSession.Set(0)
	}
}

// Handler serves the registry. updateGauges, if non-nil, runs before each
// scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
