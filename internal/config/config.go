// Package config provides the loader configuration surface with YAML file,
// environment, and programmatic sources.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/weightfs/weightfs/pkg/errors"
	"github.com/weightfs/weightfs/pkg/types"
)

// Configuration represents the complete loader configuration.
type Configuration struct {
	Global   GlobalConfig   `yaml:"global"`
	Budget   BudgetConfig   `yaml:"budget"`
	Eviction EvictionConfig `yaml:"eviction"`
	Prefetch PrefetchConfig `yaml:"prefetch"`
	History  HistoryConfig  `yaml:"history"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// GlobalConfig represents global settings.
type GlobalConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // "text" or "json"
}

// BudgetConfig represents the memory budget settings.
type BudgetConfig struct {
	// CeilingBytes is the hard cap on resident bytes. Accepts either a plain
	// byte count or a human-readable size string in the YAML form ("512MB").
	CeilingBytes int64  `yaml:"-"`
	Ceiling      string `yaml:"ceiling"`

	// AdmitThresholdBytes is an optional soft threshold below the ceiling.
	// Advisory only: the loader admits and evicts against the hard ceiling,
	// and the ledger merely reports when the soft mark would be crossed.
	// Zero means "same as ceiling".
	AdmitThresholdBytes int64  `yaml:"-"`
	AdmitThreshold      string `yaml:"admit_threshold"`
}

// EvictionConfig selects the eviction strategy.
type EvictionConfig struct {
	Strategy types.EvictionStrategy `yaml:"strategy"`
}

// PrefetchConfig represents speculative-load settings.
type PrefetchConfig struct {
	Enabled           bool    `yaml:"enabled"`
	Distance          int     `yaml:"distance"`
	PressureThreshold float64 `yaml:"pressure_threshold"`
	QueueDepth        int     `yaml:"queue_depth"`
	Workers           int     `yaml:"workers"`
}

// HistoryConfig sizes the access-history window.
type HistoryConfig struct {
	WindowSize int `yaml:"window_size"`
	MinSamples int `yaml:"min_samples"`
}

// MetricsConfig represents Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// NewDefault returns a configuration with sensible defaults.
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:  "INFO",
			LogFormat: "text",
		},
		Budget: BudgetConfig{
			Ceiling:      "1GB",
			CeilingBytes: 1024 * 1024 * 1024,
		},
		Eviction: EvictionConfig{
			Strategy: types.StrategyFIFO,
		},
		Prefetch: PrefetchConfig{
			Enabled:           true,
			Distance:          2,
			PressureThreshold: 0.7,
			QueueDepth:        64,
			Workers:           2,
		},
		History: HistoryConfig{
			WindowSize: 100,
			MinSamples: 10,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9090,
			Path:    "/metrics",
		},
	}
}

// LoadFromFile loads configuration from a YAML file.
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return errors.Newf(errors.ErrCodeConfigLoad, "failed to read config file %s", filename).WithCause(err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Newf(errors.ErrCodeConfigLoad, "failed to parse config file %s", filename).WithCause(err)
	}

	return c.resolveSizes()
}

// LoadFromEnv loads configuration overrides from environment variables.
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("WEIGHTFS_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("WEIGHTFS_LOG_FORMAT"); val != "" {
		c.Global.LogFormat = val
	}
	if val := os.Getenv("WEIGHTFS_CEILING"); val != "" {
		c.Budget.Ceiling = val
	}
	if val := os.Getenv("WEIGHTFS_ADMIT_THRESHOLD"); val != "" {
		c.Budget.AdmitThreshold = val
	}
	if val := os.Getenv("WEIGHTFS_EVICTION_STRATEGY"); val != "" {
		c.Eviction.Strategy = types.EvictionStrategy(strings.ToLower(val))
	}
	if val := os.Getenv("WEIGHTFS_PREFETCH_ENABLED"); val != "" {
		c.Prefetch.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("WEIGHTFS_PREFETCH_DISTANCE"); val != "" {
		if distance, err := strconv.Atoi(val); err == nil {
			c.Prefetch.Distance = distance
		}
	}
	if val := os.Getenv("WEIGHTFS_PREFETCH_PRESSURE_THRESHOLD"); val != "" {
		if threshold, err := strconv.ParseFloat(val, 64); err == nil {
			c.Prefetch.PressureThreshold = threshold
		}
	}
	if val := os.Getenv("WEIGHTFS_HISTORY_WINDOW_SIZE"); val != "" {
		if window, err := strconv.Atoi(val); err == nil {
			c.History.WindowSize = window
		}
	}
	if val := os.Getenv("WEIGHTFS_METRICS_ENABLED"); val != "" {
		c.Metrics.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("WEIGHTFS_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Metrics.Port = port
		}
	}

	return c.resolveSizes()
}

// SaveToFile saves the configuration to a YAML file.
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.New(errors.ErrCodeInternal, "failed to marshal config").WithCause(err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return errors.Newf(errors.ErrCodeConfigLoad, "failed to create config directory for %s", filename).WithCause(err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return errors.Newf(errors.ErrCodeConfigLoad, "failed to write config file %s", filename).WithCause(err)
	}

	return nil
}

// resolveSizes parses the human-readable size strings into byte counts.
func (c *Configuration) resolveSizes() error {
	if c.Budget.Ceiling != "" {
		bytes, err := ParseSize(c.Budget.Ceiling)
		if err != nil {
			return errors.Newf(errors.ErrCodeConfigValidation, "invalid ceiling %q", c.Budget.Ceiling).WithCause(err)
		}
		c.Budget.CeilingBytes = bytes
	}
	if c.Budget.AdmitThreshold != "" {
		bytes, err := ParseSize(c.Budget.AdmitThreshold)
		if err != nil {
			return errors.Newf(errors.ErrCodeConfigValidation, "invalid admit_threshold %q", c.Budget.AdmitThreshold).WithCause(err)
		}
		c.Budget.AdmitThresholdBytes = bytes
	}
	return nil
}

// Validate validates the configuration. Contradictory settings are rejected
// eagerly here so they can never surface later as runtime surprises.
func (c *Configuration) Validate() error {
	if c.Budget.CeilingBytes <= 0 {
		return errors.New(errors.ErrCodeConfigValidation, "ceiling must be greater than 0")
	}
	if c.Budget.AdmitThresholdBytes < 0 {
		return errors.New(errors.ErrCodeConfigValidation, "admit_threshold must not be negative")
	}
	if c.Budget.AdmitThresholdBytes > c.Budget.CeilingBytes {
		return errors.New(errors.ErrCodeConfigValidation, "admit_threshold cannot exceed ceiling")
	}
	if !c.Eviction.Strategy.Valid() {
		return errors.Newf(errors.ErrCodeConfigValidation, "invalid eviction strategy: %s (must be one of: recency, frequency, custom, fifo)", c.Eviction.Strategy)
	}
	if c.Prefetch.Distance < 0 {
		return errors.New(errors.ErrCodeConfigValidation, "prefetch distance must not be negative")
	}
	if c.Prefetch.PressureThreshold < 0 || c.Prefetch.PressureThreshold > 1 {
		return errors.Newf(errors.ErrCodeConfigValidation, "prefetch pressure_threshold must be in [0,1], got %v", c.Prefetch.PressureThreshold)
	}
	if c.History.WindowSize < 10 {
		return errors.Newf(errors.ErrCodeConfigValidation, "history window_size must be at least 10, got %d", c.History.WindowSize)
	}
	if c.History.MinSamples <= 0 {
		return errors.New(errors.ErrCodeConfigValidation, "history min_samples must be greater than 0")
	}
	if c.History.MinSamples > c.History.WindowSize {
		return errors.New(errors.ErrCodeConfigValidation, "history min_samples cannot exceed window_size")
	}
	if _, err := parseLogLevel(c.Global.LogLevel); err != nil {
		return errors.Newf(errors.ErrCodeConfigValidation, "invalid log_level: %s", c.Global.LogLevel)
	}
	return nil
}

func parseLogLevel(level string) (string, error) {
	switch strings.ToUpper(level) {
	case "DEBUG", "INFO", "WARN", "WARNING", "ERROR":
		return strings.ToUpper(level), nil
	}
	return "", fmt.Errorf("unknown level %q", level)
}

// ParseSize parses a human-readable size string ("512MB", "2GB", "1048576")
// into a byte count.
func ParseSize(sizeStr string) (int64, error) {
	sizeStr = strings.TrimSpace(sizeStr)
	if sizeStr == "" {
		return 0, fmt.Errorf("empty size string")
	}

	// Handle plain numbers
	if val, err := strconv.ParseInt(sizeStr, 10, 64); err == nil {
		return val, nil
	}

	// Handle sizes with units
	units := []struct {
		suffix     string
		multiplier int64
	}{
		{"TB", 1024 * 1024 * 1024 * 1024},
		{"GB", 1024 * 1024 * 1024},
		{"MB", 1024 * 1024},
		{"KB", 1024},
		{"B", 1},
	}

	upper := strings.ToUpper(sizeStr)
	for _, unit := range units {
		if strings.HasSuffix(upper, unit.suffix) {
			numStr := strings.TrimSuffix(upper, unit.suffix)
			if val, err := strconv.ParseFloat(numStr, 64); err == nil {
				return int64(val * float64(unit.multiplier)), nil
			}
		}
	}

	return 0, fmt.Errorf("invalid size format: %s", sizeStr)
}
