// Package registry owns the per-layer metadata table and the dependency
// graph. It is pure bookkeeping: budget accounting and eviction decisions
// live elsewhere and consume read-only views of this table.
package registry

import (
	"sort"
	"time"

	"github.com/weightfs/weightfs/pkg/errors"
	"github.com/weightfs/weightfs/pkg/types"
)

// LayerRecord holds all per-layer metadata. Records are created once at
// registry initialization and mutated in place for the lifetime of the
// loader; the registry never reallocates them, so pointers stay valid.
type LayerRecord struct {
	ID       int
	ByteSize int64
	State    types.LayerState

	// WeightsHandle is non-nil exactly while State == LayerLoaded.
	WeightsHandle types.WeightsHandle

	// Access statistics, updated on every successful access.
	LastAccessTick uint64
	AccessCount    uint64

	// LoadedTick records when the layer last entered the Loaded state.
	// Consumed by the admission-order eviction strategy.
	LoadedTick uint64

	// CustomPriority is consumed only by the custom eviction strategy.
	CustomPriority float64

	// Dependencies must all be Loaded before this layer is usable.
	// Dependents is the derived inverse relation; the registry keeps the two
	// consistent on every mutation.
	Dependencies map[int]struct{}
	Dependents   map[int]struct{}

	// Load diagnostics, never consulted by policy decisions.
	LoadCount      uint64
	AvgLoadLatency time.Duration
}

// Registry is the layer metadata table plus its dependency graph.
// It performs no locking of its own; the loader serializes access.
type Registry struct {
	records []*LayerRecord
}

// New creates a registry sized for layerCount layers, all unregistered.
func New(layerCount int) *Registry {
	return &Registry{records: make([]*LayerRecord, layerCount)}
}

// LayerCount returns the size of the layer table.
func (r *Registry) LayerCount() int {
	return len(r.records)
}

// Register creates the record for a layer id. It fails with DuplicateLayer if
// the id was already registered and with UnknownDependency if any dependency
// id lies outside the layer table.
func (r *Registry) Register(id int, byteSize int64, dependencies []int) error {
	if id < 0 || id >= len(r.records) {
		return errors.Newf(errors.ErrCodeLayerNotFound, "layer id %d out of range [0,%d)", id, len(r.records)).
			WithComponent("registry").WithLayer(id)
	}
	if r.records[id] != nil {
		return errors.Newf(errors.ErrCodeDuplicateLayer, "layer %d already registered", id).
			WithComponent("registry").WithLayer(id)
	}
	for _, dep := range dependencies {
		if dep < 0 || dep >= len(r.records) {
			return errors.Newf(errors.ErrCodeUnknownDependency, "layer %d depends on unknown layer %d", id, dep).
				WithComponent("registry").WithLayer(id)
		}
		if dep == id {
			return errors.Newf(errors.ErrCodeSelfDependency, "layer %d cannot depend on itself", id).
				WithComponent("registry").WithLayer(id)
		}
	}

	rec := &LayerRecord{
		ID:           id,
		ByteSize:     byteSize,
		State:        types.LayerUnloaded,
		Dependencies: make(map[int]struct{}, len(dependencies)),
		Dependents:   make(map[int]struct{}),
	}
	for _, dep := range dependencies {
		rec.Dependencies[dep] = struct{}{}
	}
	r.records[id] = rec

	// Maintain the inverse relation for dependencies whose records already
	// exist; Register order is arbitrary, so the missing half is completed
	// when the dependency itself is registered below.
	for _, dep := range dependencies {
		if depRec := r.records[dep]; depRec != nil {
			depRec.Dependents[id] = struct{}{}
		}
	}
	for _, other := range r.records {
		if other == nil || other.ID == id {
			continue
		}
		if _, ok := other.Dependencies[id]; ok {
			rec.Dependents[other.ID] = struct{}{}
		}
	}

	return nil
}

// AddDependency records that layer from requires layer to. Idempotent.
func (r *Registry) AddDependency(from, to int) error {
	if from == to {
		return errors.Newf(errors.ErrCodeSelfDependency, "layer %d cannot depend on itself", from).
			WithComponent("registry").WithLayer(from)
	}
	fromRec, err := r.Record(from)
	if err != nil {
		return err
	}
	toRec, err := r.Record(to)
	if err != nil {
		return err
	}

	fromRec.Dependencies[to] = struct{}{}
	toRec.Dependents[from] = struct{}{}
	return nil
}

// Record returns the record for a layer id, failing with LayerNotFound for
// unknown or unregistered ids.
func (r *Registry) Record(id int) (*LayerRecord, error) {
	if id < 0 || id >= len(r.records) || r.records[id] == nil {
		return nil, errors.Newf(errors.ErrCodeLayerNotFound, "unknown layer %d", id).
			WithComponent("registry").WithLayer(id)
	}
	return r.records[id], nil
}

// DependenciesOf returns the dependency ids of a layer in ascending order.
func (r *Registry) DependenciesOf(id int) ([]int, error) {
	rec, err := r.Record(id)
	if err != nil {
		return nil, err
	}
	return sortedIDs(rec.Dependencies), nil
}

// DependentsOf returns the ids of layers depending on id, in ascending order.
func (r *Registry) DependentsOf(id int) ([]int, error) {
	rec, err := r.Record(id)
	if err != nil {
		return nil, err
	}
	return sortedIDs(rec.Dependents), nil
}

// HasLoadedDependent reports whether any layer depending on id is currently
// Loaded or mid-load. Such a layer must never be evicted or unloaded: a
// dependent whose fetch is in flight needs its dependency resident by the
// time it commits, just as a Loaded one does.
func (r *Registry) HasLoadedDependent(id int) bool {
	rec := r.records[id]
	if rec == nil {
		return false
	}
	for dep := range rec.Dependents {
		other := r.records[dep]
		if other == nil {
			continue
		}
		if other.State == types.LayerLoaded || other.State == types.LayerLoading {
			return true
		}
	}
	return false
}

// Each invokes fn for every registered record in ascending id order.
func (r *Registry) Each(fn func(*LayerRecord)) {
	for _, rec := range r.records {
		if rec != nil {
			fn(rec)
		}
	}
}

// LoadedBytes sums the byte sizes of all Loaded records. Used to check the
// ledger invariant in tests and diagnostics.
func (r *Registry) LoadedBytes() int64 {
	var total int64
	for _, rec := range r.records {
		if rec != nil && rec.State == types.LayerLoaded {
			total += rec.ByteSize
		}
	}
	return total
}

func sortedIDs(set map[int]struct{}) []int {
	ids := make([]int, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
