package types

import "time"

// LayerState represents the lifecycle state of a model layer.
type LayerState int

const (
	// LayerUnloaded means the layer holds no backing-store handle and
	// contributes nothing to the resident byte total.
	LayerUnloaded LayerState = iota
	// LayerLoading is a transient state held only while a fetch is in flight.
	LayerLoading
	// LayerLoaded means the layer owns a live weights handle and its size is
	// counted against the memory budget.
	LayerLoaded
	// LayerUnloading is a transient state held only while a release is in flight.
	LayerUnloading
)

// String returns a human-readable state name.
func (s LayerState) String() string {
	switch s {
	case LayerUnloaded:
		return "unloaded"
	case LayerLoading:
		return "loading"
	case LayerLoaded:
		return "loaded"
	case LayerUnloading:
		return "unloading"
	default:
		return "unknown"
	}
}

// EvictionStrategy selects which resident layer is reclaimed under memory pressure.
type EvictionStrategy string

const (
	// StrategyRecency evicts the layer with the oldest access tick (LRU).
	StrategyRecency EvictionStrategy = "recency"
	// StrategyFrequency evicts the layer with the lowest access count.
	StrategyFrequency EvictionStrategy = "frequency"
	// StrategyCustom evicts the layer with the lowest caller-assigned priority.
	StrategyCustom EvictionStrategy = "custom"
	// StrategyFIFO evicts the layer that has been resident longest.
	StrategyFIFO EvictionStrategy = "fifo"
)

// Valid reports whether s names a known strategy.
func (s EvictionStrategy) Valid() bool {
	switch s {
	case StrategyRecency, StrategyFrequency, StrategyCustom, StrategyFIFO:
		return true
	}
	return false
}

// AccessPattern classifies the recent layer-access sequence.
type AccessPattern string

const (
	// PatternUnknown means too few accesses have been recorded to classify.
	PatternUnknown AccessPattern = "unknown"
	// PatternSequential means most recorded accesses step through consecutive ids.
	PatternSequential AccessPattern = "sequential"
	// PatternRepeated means a large share of recorded ids recur within the window.
	PatternRepeated AccessPattern = "repeated"
	// PatternRandom means neither the sequential nor the repeated threshold was met.
	PatternRandom AccessPattern = "random"
)

// LayerDescriptor describes one layer as reported by the backing store.
type LayerDescriptor struct {
	ID        int   `json:"id"`
	ByteSize  int64 `json:"byte_size"`
	Precision int   `json:"precision"` // weight precision in bits
}

// MemorySnapshot is a point-in-time view of the budget ledger.
type MemorySnapshot struct {
	ResidentBytes int64   `json:"resident_bytes"`
	PeakBytes     int64   `json:"peak_bytes"`
	CeilingBytes  int64   `json:"ceiling_bytes"`
	PressureRatio float64 `json:"pressure_ratio"`
	LoadedLayers  int     `json:"loaded_layers"`
}

// LayerStats reports per-layer diagnostics. The loader maintains these for
// observability only; eviction and prefetch decisions never consult them.
type LayerStats struct {
	ID             int           `json:"id"`
	State          string        `json:"state"`
	ByteSize       int64         `json:"byte_size"`
	AccessCount    uint64        `json:"access_count"`
	LastAccessTick uint64        `json:"last_access_tick"`
	LoadCount      uint64        `json:"load_count"`
	AvgLoadLatency time.Duration `json:"avg_load_latency"`
	CustomPriority float64       `json:"custom_priority"`
}

// LoaderStats aggregates loader-level counters.
type LoaderStats struct {
	Requests          uint64 `json:"requests"`
	Hits              uint64 `json:"hits"`
	Fetches           uint64 `json:"fetches"`
	Evictions         uint64 `json:"evictions"`
	PrefetchProposals uint64 `json:"prefetch_proposals"`
	PrefetchIssued    uint64 `json:"prefetch_issued"`
	FetchFailures     uint64 `json:"fetch_failures"`
}

// PrefetchCandidate is one speculative load proposed by the prefetcher.
type PrefetchCandidate struct {
	LayerID  int `json:"layer_id"`
	Priority int `json:"priority"`
}
