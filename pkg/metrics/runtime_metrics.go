package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// RuntimeCollector samples Go runtime and process metrics on an interval
type RuntimeCollector struct {
	allocBytes     prometheus.Gauge
	sysBytes       prometheus.Gauge
	heapObjects    prometheus.Gauge
	gcCycles       prometheus.Gauge
	gcPauseSeconds prometheus.Histogram
	goroutines     prometheus.Gauge
	uptimeSeconds  prometheus.Gauge

	lastNumGC uint32
	startTime time.Time
	logger    *zap.Logger
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// NewRuntimeCollector creates a runtime collector registered on registry
func NewRuntimeCollector(registry *prometheus.Registry, logger *zap.Logger) *RuntimeCollector {
	if logger == nil {
		logger = zap.NewNop()
	}

	rc := &RuntimeCollector{
		allocBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gress_replay_runtime_alloc_bytes",
			Help: "Bytes of allocated heap objects",
		}),
		sysBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gress_replay_runtime_sys_bytes",
			Help: "Total bytes of memory obtained from the OS",
		}),
		heapObjects: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gress_replay_runtime_heap_objects",
			Help: "Number of allocated heap objects",
		}),
		gcCycles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gress_replay_runtime_gc_cycles",
			Help: "Number of completed GC cycles",
		}),
		gcPauseSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gress_replay_runtime_gc_pause_seconds",
			Help:    "GC pause duration in seconds",
			Buckets: []float64{0.00001, 0.0001, 0.001, 0.01, 0.1, 1},
		}),
		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gress_replay_runtime_goroutines",
			Help: "Number of goroutines that currently exist",
		}),
		uptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gress_replay_process_uptime_seconds",
			Help: "Time in seconds since the process started",
		}),
		startTime: time.Now(),
		logger:    logger,
		stopCh:    make(chan struct{}),
	}

	registry.MustRegister(
		rc.allocBytes,
		rc.sysBytes,
		rc.heapObjects,
		rc.gcCycles,
		rc.gcPauseSeconds,
		rc.goroutines,
		rc.uptimeSeconds,
	)

	return rc
}

// Start begins collecting runtime metrics
func (rc *RuntimeCollector) Start(interval time.Duration) {
	rc.logger.Info("Starting runtime metrics collection", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rc.collect()
			case <-rc.stopCh:
				return
			}
		}
	}()
}

// Stop stops collecting runtime metrics
func (rc *RuntimeCollector) Stop() {
	rc.stopOnce.Do(func() {
		rc.logger.Info("Stopping runtime metrics collection")
		close(rc.stopCh)
	})
}

// collect gathers current runtime metrics
func (rc *RuntimeCollector) collect() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	rc.allocBytes.Set(float64(m.Alloc))
	rc.sysBytes.Set(float64(m.Sys))
	rc.heapObjects.Set(float64(m.HeapObjects))
	rc.gcCycles.Set(float64(m.NumGC))

	// Observe only the pauses since the previous sample, at most the 256 kept
	if m.NumGC > rc.lastNumGC {
		from := rc.lastNumGC
		if m.NumGC-from > 256 {
			from = m.NumGC - 256
		}
		for i := from; i < m.NumGC; i++ {
			rc.gcPauseSeconds.Observe(float64(m.PauseNs[i%256]) / 1e9)
		}
		rc.lastNumGC = m.NumGC
	}

	rc.goroutines.Set(float64(runtime.NumGoroutine()))
	rc.uptimeSeconds.Set(time.Since(rc.startTime).Seconds())
}
