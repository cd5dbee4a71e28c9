package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Collector holds all Prometheus metrics for the replay engine
type Collector struct {
	// Dispatcher metrics
	EventsDispatched  *prometheus.CounterVec
	DispatcherState   prometheus.Gauge
	ReplayLag         prometheus.Gauge
	Throughput        prometheus.Gauge
	PacingSleep       prometheus.Histogram
	LagWarnings       prometheus.Counter
	OutstandingSends  prometheus.Gauge
	AdmissionWaitTime prometheus.Histogram

	// Buffer metrics
	BufferSize        prometheus.Gauge
	BufferUtilization prometheus.Gauge
	ReorderViolations prometheus.Counter

	// Watermark metrics
	WatermarkEvents    prometheus.Counter
	WatermarkTimestamp prometheus.Gauge
	PendingSends       prometheus.Gauge

	// Sink metrics
	SendFailures *prometheus.CounterVec
	FlushLatency prometheus.Histogram

	// Archive metrics
	SegmentsOpened   *prometheus.CounterVec
	SegmentsSkipped  *prometheus.CounterVec
	RecordsRead      prometheus.Counter
	RecordsDiscarded *prometheus.CounterVec

	// Error handling metrics
	ErrorMetrics *ErrorMetrics

	registry *prometheus.Registry
	logger   *zap.Logger
}

// NewCollector creates a new Prometheus metrics collector
func NewCollector(logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		logger:   logger,
	}

	c.initMetrics()
	c.registerMetrics()

	c.ErrorMetrics = NewErrorMetrics(registry)

	return c
}

// initMetrics initializes all Prometheus metrics
func (c *Collector) initMetrics() {
	// Dispatcher metrics
	c.EventsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gress_replay_events_dispatched_total",
			Help: "Total number of events handed to the sink",
		},
		[]string{"kind"},
	)

	c.DispatcherState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gress_replay_dispatcher_state",
			Help: "Current dispatcher state (0=priming, 1=running, 2=draining, 3=stopped, 4=failed)",
		},
	)

	c.ReplayLag = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gress_replay_lag_seconds",
			Help: "Wall-clock delay of the last dispatched event behind its schedule time",
		},
	)

	c.Throughput = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gress_replay_throughput_events_per_second",
			Help: "Events dispatched per second over the last statistics period",
		},
	)

	c.PacingSleep = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gress_replay_pacing_sleep_seconds",
			Help:    "Time spent sleeping to honor event schedule times",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10, 30},
		},
	)

	c.LagWarnings = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gress_replay_lag_warnings_total",
			Help: "Total number of events dispatched more than the lag threshold behind schedule",
		},
	)

	c.OutstandingSends = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gress_replay_outstanding_sends",
			Help: "Sends admitted by the gate whose completion has not fired",
		},
	)

	c.AdmissionWaitTime = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gress_replay_admission_wait_seconds",
			Help:    "Time the dispatcher blocked waiting for an admission permit",
			Buckets: []float64{.0001, .001, .01, .1, .5, 1, 5, 10},
		},
	)

	// Buffer metrics
	c.BufferSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gress_replay_buffer_size_events",
			Help: "Current number of events held by the reorder buffer",
		},
	)

	c.BufferUtilization = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gress_replay_buffer_utilization_ratio",
			Help: "Current reorder buffer utilization (0.0 to 1.0)",
		},
	)

	c.ReorderViolations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gress_replay_reorder_violations_total",
			Help: "Events yielded with a timestamp older than one already yielded",
		},
	)

	// Watermark metrics
	c.WatermarkEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gress_replay_watermark_events_total",
			Help: "Total number of watermark markers emitted",
		},
	)

	c.WatermarkTimestamp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gress_replay_watermark_timestamp",
			Help: "Current watermark timestamp (unix seconds)",
		},
	)

	c.PendingSends = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gress_replay_watermark_pending_sends",
			Help: "Sends tracked by the watermark tracker that have not completed",
		},
	)

	// Sink metrics
	c.SendFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gress_replay_send_failures_total",
			Help: "Total number of sends that completed with an error",
		},
		[]string{"kind", "category"},
	)

	c.FlushLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gress_replay_flush_duration_seconds",
			Help:    "Time taken to flush outstanding sends during drain",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60},
		},
	)

	// Archive metrics
	c.SegmentsOpened = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gress_replay_segments_opened_total",
			Help: "Total number of archive segments opened",
		},
		[]string{"format"},
	)

	c.SegmentsSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gress_replay_segments_skipped_total",
			Help: "Total number of archive segments skipped",
		},
		[]string{"reason"},
	)

	c.RecordsRead = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gress_replay_records_read_total",
			Help: "Total number of archive records turned into events",
		},
	)

	c.RecordsDiscarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gress_replay_records_discarded_total",
			Help: "Total number of archive records discarded",
		},
		[]string{"reason"},
	)
}

// registerMetrics registers all metrics with the Prometheus registry
func (c *Collector) registerMetrics() {
	c.registry.MustRegister(
		c.EventsDispatched,
		c.DispatcherState,
		c.ReplayLag,
		c.Throughput,
		c.PacingSleep,
		c.LagWarnings,
		c.OutstandingSends,
		c.AdmissionWaitTime,
	)

	c.registry.MustRegister(
		c.BufferSize,
		c.BufferUtilization,
		c.ReorderViolations,
	)

	c.registry.MustRegister(
		c.WatermarkEvents,
		c.WatermarkTimestamp,
		c.PendingSends,
	)

	c.registry.MustRegister(
		c.SendFailures,
		c.FlushLatency,
	)

	c.registry.MustRegister(
		c.SegmentsOpened,
		c.SegmentsSkipped,
		c.RecordsRead,
		c.RecordsDiscarded,
	)
}

// Registry exposes the underlying registry for auxiliary collectors
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// ObserveBuffer records the reorder buffer fill level
func (c *Collector) ObserveBuffer(size, capacity int) {
	c.BufferSize.Set(float64(size))
	if capacity > 0 {
		c.BufferUtilization.Set(float64(size) / float64(capacity))
	}
}

// ObserveWatermark records the current watermark
func (c *Collector) ObserveWatermark(wm time.Time) {
	if !wm.IsZero() {
		c.WatermarkTimestamp.Set(float64(wm.UnixNano()) / 1e9)
	}
}

// Handler returns an HTTP handler for the /metrics endpoint
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Server creates an HTTP server for metrics exposition
type Server struct {
	collector *Collector
	server    *http.Server
	logger    *zap.Logger
}

// NewServer creates a new metrics HTTP server exposing the collector at path
func NewServer(addr, path string, collector *Collector, logger *zap.Logger) *Server {
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, collector.Handler())

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return &Server{
		collector: collector,
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger,
	}
}

// Start starts the metrics HTTP server
func (s *Server) Start() error {
	s.logger.Info("Starting metrics server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info("Stopping metrics server")
	return s.server.Close()
}
