package types

// WeightsHandle is an opaque reference to layer weights supplied by the
// backing store. The loader owns the handle between a successful fetch and
// the matching release; callers must not retain it past UnloadLayer or Close.
type WeightsHandle interface {
	// LayerID identifies the layer this handle belongs to.
	LayerID() int
	// Bytes exposes the raw weight bytes. Valid only while the layer is loaded.
	Bytes() []byte
}

// BackingStore physically supplies and reclaims layer weights. How bytes move
// (mmap, file reads, decompression) is entirely the store's concern; the
// loader only decides when to fetch, what to evict, and when to prefetch.
type BackingStore interface {
	// LayerCount returns the number of layers in the model's layer table.
	LayerCount() int

	// LayerDescriptor reports immutable metadata for one layer.
	// It fails with a not-found error for ids outside 0..LayerCount-1.
	LayerDescriptor(id int) (LayerDescriptor, error)

	// FetchWeights materializes the weights for a layer. It may block on I/O.
	FetchWeights(id int) (WeightsHandle, error)

	// ReleaseWeights reclaims a previously fetched layer. Releasing an
	// already-released id is a no-op.
	ReleaseWeights(id int) error

	// PrefetchHint asks the store to warm a layer ahead of time. It must not
	// block; stores without async warm-up may ignore it.
	PrefetchHint(id int)
}

// MetricsSink receives loader events. Implementations must be safe for
// concurrent use; a nil sink disables metrics.
type MetricsSink interface {
	ObserveRequest(hit bool)
	ObserveFetch(bytes int64, seconds float64, err error)
	ObserveEviction(strategy EvictionStrategy, bytes int64)
	ObservePrefetch(proposed, issued int)
	SetResidency(snapshot MemorySnapshot)
}
