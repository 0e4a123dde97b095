/*
Package types provides the core interfaces, data structures, and type definitions for weightfs.

This package serves as the foundation for the whole system, defining the contract
between the loader engine and its collaborators.

# Architecture Overview

weightfs follows a layered architecture with well-defined interfaces between components:

	┌─────────────────────────────────────────────┐
	│            Inference Engine                 │
	│          (caller of the loader)             │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│             Loader Facade                   │
	│           (internal/loader)                 │
	└─────────────────────────────────────────────┘
	       │         │          │          │
	┌──────┴───┐ ┌───┴────┐ ┌───┴─────┐ ┌──┴──────┐
	│ Registry │ │ Budget │ │ Policy/ │ │ Metrics │
	│  (graph) │ │ Ledger │ │Prefetch │ │         │
	└──────────┘ └────────┘ └─────────┘ └─────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│             Backing Store                   │
	│      (mmap/model-file collaborator)         │
	└─────────────────────────────────────────────┘

# Core Interfaces

BackingStore:
Abstracts the memory-mapped model file. It owns everything about how
layer bytes are produced and reclaimed; the loader only orchestrates
when that happens.

WeightsHandle:
An opaque reference whose lifetime is tied to the Loaded state of a
layer. Handles are obtained on fetch and surrendered on release, so a
correctly behaving caller can never read freed weights or release twice.

MetricsSink:
Decouples the engine from the Prometheus collector so the core packages
stay import-light and testable.

# Thread Safety

All interfaces defined here must be safe for concurrent use. The loader
serializes its own bookkeeping; backing stores may be called from
multiple goroutines at once (distinct layer ids only — the loader
deduplicates concurrent fetches of the same id).
*/
package types
