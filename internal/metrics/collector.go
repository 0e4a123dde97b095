// Package metrics implements the Prometheus collector for loader events.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/weightfs/weightfs/pkg/types"
)

// Config represents metrics configuration.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
	// ContextID labels every series so multiple loader contexts in one
	// process stay distinguishable.
	ContextID string `yaml:"-"`
}

// Collector implements types.MetricsSink on a dedicated Prometheus registry.
type Collector struct {
	config   *Config
	registry *prometheus.Registry

	requestCounter   *prometheus.CounterVec
	fetchCounter     *prometheus.CounterVec
	fetchDuration    prometheus.Histogram
	fetchBytes       prometheus.Counter
	evictionCounter  *prometheus.CounterVec
	evictionBytes    prometheus.Counter
	prefetchProposed prometheus.Counter
	prefetchIssued   prometheus.Counter
	residentGauge    prometheus.Gauge
	peakGauge        prometheus.Gauge
	pressureGauge    prometheus.Gauge
	loadedGauge      prometheus.Gauge

	server *http.Server
}

// NewCollector creates a metrics collector. A disabled config yields a
// collector whose methods are no-ops.
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = &Config{Enabled: true, Port: 9090, Path: "/metrics"}
	}
	if !config.Enabled {
		return &Collector{config: config}, nil
	}

	c := &Collector{
		config:   config,
		registry: prometheus.NewRegistry(),
	}

	constLabels := prometheus.Labels{}
	if config.ContextID != "" {
		constLabels["context"] = config.ContextID
	}

	c.requestCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "weightfs",
		Name:        "layer_requests_total",
		Help:        "Layer requests by outcome",
		ConstLabels: constLabels,
	}, []string{"outcome"})

	c.fetchCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "weightfs",
		Name:        "fetches_total",
		Help:        "Backing-store fetches by status",
		ConstLabels: constLabels,
	}, []string{"status"})

	c.fetchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   "weightfs",
		Name:        "fetch_duration_seconds",
		Help:        "Backing-store fetch latency",
		Buckets:     prometheus.ExponentialBuckets(0.0001, 4, 10),
		ConstLabels: constLabels,
	})

	c.fetchBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   "weightfs",
		Name:        "fetched_bytes_total",
		Help:        "Total bytes fetched from the backing store",
		ConstLabels: constLabels,
	})

	c.evictionCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "weightfs",
		Name:        "evictions_total",
		Help:        "Layer evictions by strategy",
		ConstLabels: constLabels,
	}, []string{"strategy"})

	c.evictionBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   "weightfs",
		Name:        "evicted_bytes_total",
		Help:        "Total bytes reclaimed by eviction",
		ConstLabels: constLabels,
	})

	c.prefetchProposed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   "weightfs",
		Name:        "prefetch_proposed_total",
		Help:        "Prefetch candidates proposed",
		ConstLabels: constLabels,
	})

	c.prefetchIssued = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   "weightfs",
		Name:        "prefetch_issued_total",
		Help:        "Prefetch hints actually dispatched",
		ConstLabels: constLabels,
	})

	c.residentGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   "weightfs",
		Name:        "resident_bytes",
		Help:        "Bytes currently resident",
		ConstLabels: constLabels,
	})

	c.peakGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   "weightfs",
		Name:        "peak_bytes",
		Help:        "High-water mark of resident bytes",
		ConstLabels: constLabels,
	})

	c.pressureGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   "weightfs",
		Name:        "pressure_ratio",
		Help:        "Resident bytes as a fraction of the ceiling",
		ConstLabels: constLabels,
	})

	c.loadedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   "weightfs",
		Name:        "loaded_layers",
		Help:        "Number of layers currently loaded",
		ConstLabels: constLabels,
	})

	collectors := []prometheus.Collector{
		c.requestCounter, c.fetchCounter, c.fetchDuration, c.fetchBytes,
		c.evictionCounter, c.evictionBytes, c.prefetchProposed, c.prefetchIssued,
		c.residentGauge, c.peakGauge, c.pressureGauge, c.loadedGauge,
	}
	for _, collector := range collectors {
		if err := c.registry.Register(collector); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}

	return c, nil
}

// Start serves the metrics endpoint in the background.
func (c *Collector) Start() error {
	if !c.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}

// Stop shuts down the metrics endpoint.
func (c *Collector) Stop(ctx context.Context) error {
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

// Registry exposes the underlying registry for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// ObserveRequest implements types.MetricsSink.
func (c *Collector) ObserveRequest(hit bool) {
	if !c.config.Enabled {
		return
	}
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	c.requestCounter.With(prometheus.Labels{"outcome": outcome}).Inc()
}

// ObserveFetch implements types.MetricsSink.
func (c *Collector) ObserveFetch(bytes int64, seconds float64, err error) {
	if !c.config.Enabled {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	c.fetchCounter.With(prometheus.Labels{"status": status}).Inc()
	if err == nil {
		c.fetchDuration.Observe(seconds)
		c.fetchBytes.Add(float64(bytes))
	}
}

// ObserveEviction implements types.MetricsSink.
func (c *Collector) ObserveEviction(strategy types.EvictionStrategy, bytes int64) {
	if !c.config.Enabled {
		return
	}
	c.evictionCounter.With(prometheus.Labels{"strategy": string(strategy)}).Inc()
	c.evictionBytes.Add(float64(bytes))
}

// ObservePrefetch implements types.MetricsSink.
func (c *Collector) ObservePrefetch(proposed, issued int) {
	if !c.config.Enabled {
		return
	}
	c.prefetchProposed.Add(float64(proposed))
	c.prefetchIssued.Add(float64(issued))
}

// SetResidency implements types.MetricsSink.
func (c *Collector) SetResidency(snapshot types.MemorySnapshot) {
	if !c.config.Enabled {
		return
	}
	c.residentGauge.Set(float64(snapshot.ResidentBytes))
	c.peakGauge.Set(float64(snapshot.PeakBytes))
	c.pressureGauge.Set(snapshot.PressureRatio)
	c.loadedGauge.Set(float64(snapshot.LoadedLayers))
}
