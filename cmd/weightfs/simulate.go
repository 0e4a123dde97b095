package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/weightfs/weightfs/internal/config"
	"github.com/weightfs/weightfs/internal/loader"
	"github.com/weightfs/weightfs/internal/metrics"
	"github.com/weightfs/weightfs/pkg/logging"
	"github.com/weightfs/weightfs/pkg/types"
)

func simulateCmd() *cli.Command {
	var (
		configPath  string
		layers      int64
		layerSize   string
		ceiling     string
		strategy    string
		tracePath   string
		shape       string
		length      int64
		seed        int64
		latency     time.Duration
		logLevel    string
		metricsPort int64
	)

	return &cli.Command{
		Name:  "simulate",
		Usage: "Replay a request trace against a synthetic model and report cache behavior",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "path to a YAML configuration file", Destination: &configPath},
			&cli.IntFlag{Name: "layers", Usage: "number of layers in the synthetic model", Value: 32, Destination: &layers},
			&cli.StringFlag{Name: "layer-size", Usage: "byte size of each layer (accepts KB/MB/GB suffixes)", Value: "64MB", Destination: &layerSize},
			&cli.StringFlag{Name: "ceiling", Usage: "memory ceiling override (accepts KB/MB/GB suffixes)", Destination: &ceiling},
			&cli.StringFlag{Name: "strategy", Usage: "eviction strategy override (recency, frequency, custom, fifo)", Destination: &strategy},
			&cli.StringFlag{Name: "trace", Aliases: []string{"t"}, Usage: "request trace file, - for stdin", Destination: &tracePath},
			&cli.StringFlag{Name: "shape", Usage: "synthetic trace shape when no trace file is given (sequential, repeated, random)", Value: "sequential", Destination: &shape},
			&cli.IntFlag{Name: "length", Usage: "synthetic trace length", Value: 256, Destination: &length},
			&cli.IntFlag{Name: "seed", Usage: "random seed for the synthetic trace", Value: 1, Destination: &seed},
			&cli.DurationFlag{Name: "latency", Usage: "simulated backing store fetch latency", Destination: &latency},
			&cli.StringFlag{Name: "log-level", Usage: "log level (debug, info, warn, error)", Value: "warn", Destination: &logLevel},
			&cli.IntFlag{Name: "metrics-port", Usage: "serve Prometheus metrics on this port during the run (0 disables)", Destination: &metricsPort},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			_ = ctx

			cfg := config.NewDefault()
			if configPath != "" {
				if err := cfg.LoadFromFile(configPath); err != nil {
					return cli.Exit(fmt.Sprintf("error: load config: %v", err), 1)
				}
			}
			if err := cfg.LoadFromEnv(); err != nil {
				return cli.Exit(fmt.Sprintf("error: read environment: %v", err), 1)
			}
			if ceiling != "" {
				bytes, err := config.ParseSize(ceiling)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: invalid ceiling: %v", err), 1)
				}
				cfg.Budget.CeilingBytes = bytes
			}
			if strategy != "" {
				cfg.Eviction.Strategy = types.EvictionStrategy(strings.ToLower(strategy))
			}
			cfg.Global.LogLevel = logLevel

			sizeBytes, err := config.ParseSize(layerSize)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: invalid layer size: %v", err), 1)
			}

			trace, err := resolveTrace(tracePath, shape, int(layers), int(length), seed)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			level, err := logging.ParseLevel(cfg.Global.LogLevel)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			log := logging.New(&logging.Config{Level: level, Output: os.Stderr, Format: logging.FormatText})

			var sink types.MetricsSink
			var collector *metrics.Collector
			if metricsPort > 0 {
				collector, err = metrics.NewCollector(&metrics.Config{Enabled: true, Port: int(metricsPort), Path: "/metrics"})
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: create metrics collector: %v", err), 1)
				}
				if err := collector.Start(); err != nil {
					return cli.Exit(fmt.Sprintf("error: start metrics: %v", err), 1)
				}
				sink = collector
			}

			store := newMemStore(int(layers), sizeBytes, latency)
			l, err := loader.Open(store, cfg, &loader.Options{Logger: log, Metrics: sink})
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: open loader: %v", err), 1)
			}

			start := time.Now()
			var failures int
			for _, id := range trace {
				if _, err := l.RequestLayer(id); err != nil {
					failures++
					log.Warn("request failed", map[string]interface{}{"layer": id, "error": err.Error()})
				}
			}
			elapsed := time.Since(start)

			stats := l.Stats()
			snap := l.MemorySnapshot()
			detected := l.AccessPattern()
			if err := l.Close(); err != nil {
				log.Warn("close reported an error", map[string]interface{}{"error": err.Error()})
			}
			if collector != nil {
				stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				_ = collector.Stop(stopCtx)
				cancel()
			}

			fetches, releases, hints := store.counters()
			printSimulation(trace, elapsed, stats, snap, detected, failures, fetches, releases, hints)
			return nil
		},
	}
}

func resolveTrace(tracePath, shape string, layers, length int, seed int64) ([]int, error) {
	if tracePath != "" {
		trace, err := readTrace(tracePath)
		if err != nil {
			return nil, fmt.Errorf("read trace: %w", err)
		}
		if len(trace) == 0 {
			return nil, fmt.Errorf("trace is empty")
		}
		return trace, nil
	}
	return syntheticTrace(shape, layers, length, seed)
}

func printSimulation(trace []int, elapsed time.Duration, stats types.LoaderStats, snap types.MemorySnapshot, detected types.AccessPattern, failures, fetches, releases, hints int) {
	section("Trace")
	row("requests", fmt.Sprintf("%d", len(trace)))
	row("duration", elapsed.Round(time.Microsecond).String())
	row("detected_pattern", string(detected))

	section("Cache")
	row("hits", fmt.Sprintf("%d", stats.Hits))
	row("fetches", fmt.Sprintf("%d", stats.Fetches))
	row("evictions", fmt.Sprintf("%d", stats.Evictions))
	row("fetch_failures", fmt.Sprintf("%d", stats.FetchFailures))
	if stats.Requests > 0 {
		row("hit_ratio", fmt.Sprintf("%.1f%%", 100*float64(stats.Hits)/float64(stats.Requests)))
	}
	row("request_errors", fmt.Sprintf("%d", failures))

	section("Prefetch")
	row("proposed", fmt.Sprintf("%d", stats.PrefetchProposals))
	row("issued", fmt.Sprintf("%d", stats.PrefetchIssued))
	row("store_hints", fmt.Sprintf("%d", hints))

	section("Memory")
	row("peak_bytes", formatBytes(snap.PeakBytes))
	row("ceiling_bytes", formatBytes(snap.CeilingBytes))
	row("store_fetches", fmt.Sprintf("%d", fetches))
	row("store_releases", fmt.Sprintf("%d", releases))
}

func section(title string) {
	fmt.Printf("\n--- %s ---\n", title)
}

func row(label, value string) {
	fmt.Printf("%-20s %s\n", label+":", value)
}

func formatBytes(b int64) string {
	const (
		kb = int64(1024)
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case b >= gb:
		return fmt.Sprintf("%.2f GiB", float64(b)/float64(gb))
	case b >= mb:
		return fmt.Sprintf("%.2f MiB", float64(b)/float64(mb))
	case b >= kb:
		return fmt.Sprintf("%.2f KiB", float64(b)/float64(kb))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
