// Package loader implements the orchestrating facade over the layer
// registry, budget ledger, eviction policy, pattern detector, and
// prefetcher. It is the only package that talks to the backing store.
package loader

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/weightfs/weightfs/internal/budget"
	"github.com/weightfs/weightfs/internal/config"
	"github.com/weightfs/weightfs/internal/pattern"
	"github.com/weightfs/weightfs/internal/policy"
	"github.com/weightfs/weightfs/internal/prefetch"
	"github.com/weightfs/weightfs/internal/registry"
	"github.com/weightfs/weightfs/pkg/errors"
	"github.com/weightfs/weightfs/pkg/logging"
	"github.com/weightfs/weightfs/pkg/types"
)

// Options carries the optional collaborators a loader may be wired with.
type Options struct {
	Logger  *logging.Logger
	Metrics types.MetricsSink
}

// Loader is one opened model: the registry, ledger, access history, and the
// active eviction/prefetch configuration behind a single exclusive lock.
// Multiple independent loaders may coexist without interference.
type Loader struct {
	mu   sync.Mutex
	cond *sync.Cond

	id       string
	store    types.BackingStore
	cfg      *config.Configuration
	reg      *registry.Registry
	ledger   *budget.Ledger
	detector *pattern.Detector
	selector policy.Selector
	dispatch *prefetch.Dispatcher

	tick   uint64
	stats  types.LoaderStats
	pinned map[int]int
	closed bool

	log     *logging.Logger
	metrics types.MetricsSink
}

// Open creates a loader over a backing store. Configuration is validated
// eagerly: a ceiling smaller than the largest single layer is rejected here
// as a configuration error, never surfaced later as a runtime surprise.
func Open(store types.BackingStore, cfg *config.Configuration, opts *Options) (*Loader, error) {
	if store == nil {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "backing store is required").WithComponent("loader")
	}
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &Options{}
	}
	log := opts.Logger
	if log == nil {
		log = logging.Discard()
	}

	id := uuid.NewString()
	log = log.WithComponent("loader").WithField("context", id)

	layerCount := store.LayerCount()
	if layerCount <= 0 {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "backing store reports no layers").WithComponent("loader")
	}

	reg := registry.New(layerCount)
	var largest int64
	for i := 0; i < layerCount; i++ {
		desc, err := store.LayerDescriptor(i)
		if err != nil {
			return nil, errors.Newf(errors.ErrCodeBackingStore, "failed to describe layer %d", i).
				WithComponent("loader").WithOperation("open").WithLayer(i).WithCause(err)
		}
		if err := reg.Register(i, desc.ByteSize, nil); err != nil {
			return nil, err
		}
		if desc.ByteSize > largest {
			largest = desc.ByteSize
		}
	}

	if largest > cfg.Budget.CeilingBytes {
		return nil, errors.Newf(errors.ErrCodeInvalidConfig,
			"ceiling %d bytes is smaller than the largest layer (%d bytes)",
			cfg.Budget.CeilingBytes, largest).WithComponent("loader").WithOperation("open")
	}

	l := &Loader{
		id:       id,
		store:    store,
		cfg:      cfg,
		reg:      reg,
		ledger:   budget.New(cfg.Budget.CeilingBytes, cfg.Budget.AdmitThresholdBytes, log),
		detector: pattern.NewDetector(cfg.History.WindowSize, cfg.History.MinSamples),
		selector: policy.ForStrategy(cfg.Eviction.Strategy),
		pinned:   make(map[int]int),
		log:      log,
		metrics:  opts.Metrics,
	}
	l.cond = sync.NewCond(&l.mu)

	if cfg.Prefetch.Enabled {
		l.dispatch = prefetch.NewDispatcher(store, prefetch.Config{
			Enabled:           true,
			Distance:          cfg.Prefetch.Distance,
			PressureThreshold: cfg.Prefetch.PressureThreshold,
			QueueDepth:        cfg.Prefetch.QueueDepth,
			Workers:           cfg.Prefetch.Workers,
		}, log)
	}

	log.Info("loader opened", map[string]interface{}{
		"layers":   layerCount,
		"ceiling":  cfg.Budget.CeilingBytes,
		"strategy": cfg.Eviction.Strategy,
	})
	return l, nil
}

// ID returns the context id assigned at Open.
func (l *Loader) ID() string {
	return l.id
}

// AddDependency declares that layer from requires layer to be resident
// before it is usable. Idempotent; fails with SelfDependency when from == to.
func (l *Loader) AddDependency(from, to int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return l.errClosed("add_dependency")
	}
	return l.reg.AddDependency(from, to)
}

// RequestLayer resolves a layer to a usable weights handle, ensuring every
// transitive dependency first, evicting under the configured strategy when
// the budget demands it, and feeding the prefetcher on success.
func (l *Loader) RequestLayer(id int) (types.WeightsHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, l.errClosed("request_layer")
	}
	target, err := l.reg.Record(id)
	if err != nil {
		return nil, err
	}

	l.stats.Requests++
	wasLoaded := target.State == types.LayerLoaded
	if wasLoaded {
		l.stats.Hits++
	}
	if l.metrics != nil {
		l.metrics.ObserveRequest(wasLoaded)
	}

	// Dependency closure, dependencies before dependents. An explicit stack
	// keeps deep chains off the call stack and keeps lock handling flat.
	// Every layer of the closure is pinned for the duration of the request:
	// the pin set lives on the loader, not the request, so a concurrent
	// request evicting for space cannot take a just-loaded dependency while
	// its dependent's fetch holds the lock released.
	order := l.dependencyOrder(id)
	l.pin(order)
	defer l.unpin(order)
	for _, layerID := range order {
		if err := l.ensureLoadedLocked(layerID); err != nil {
			return nil, err
		}
	}

	l.maybePrefetch(id)

	return target.WeightsHandle, nil
}

// dependencyOrder returns id's transitive dependency closure in
// dependency-before-dependent order, ending with id itself.
func (l *Loader) dependencyOrder(id int) []int {
	type frame struct {
		id       int
		expanded bool
	}
	var order []int
	visited := make(map[int]bool)
	stack := []frame{{id: id}}

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if f.expanded {
			order = append(order, f.id)
			continue
		}
		if visited[f.id] {
			continue
		}
		visited[f.id] = true
		stack = append(stack, frame{id: f.id, expanded: true})

		rec, err := l.reg.Record(f.id)
		if err != nil {
			continue
		}
		deps := make([]int, 0, len(rec.Dependencies))
		for dep := range rec.Dependencies {
			deps = append(deps, dep)
		}
		sort.Sort(sort.Reverse(sort.IntSlice(deps)))
		for _, dep := range deps {
			if !visited[dep] {
				stack = append(stack, frame{id: dep})
			}
		}
	}
	return order
}

// ensureLoadedLocked drives one layer to the Loaded state, waiting out
// transient states, evicting for space, and performing the fetch with the
// lock released. The caller holds l.mu and has pinned the layer's closure.
func (l *Loader) ensureLoadedLocked(id int) error {
	rec, err := l.reg.Record(id)
	if err != nil {
		return err
	}

	for {
		// Wait for any in-flight transition by another goroutine to settle.
		// The second requester of a Loading layer blocks here, then observes
		// Loaded and returns without a redundant fetch.
		for rec.State == types.LayerLoading || rec.State == types.LayerUnloading {
			l.cond.Wait()
			if l.closed {
				return l.errClosed("request_layer")
			}
		}
		if rec.State == types.LayerLoaded {
			l.recordAccess(rec)
			return nil
		}
		if l.ledger.CanAdmit(rec.ByteSize) {
			break
		}
		victim, ok := l.selector.SelectVictim(l.reg, l.pinnedSet())
		if !ok {
			return policy.ErrNoCandidate(rec.ByteSize - (l.ledger.CeilingBytes() - l.ledger.ResidentBytes()))
		}
		// evictLocked drops the lock around the release call, so the
		// layer's state and the ledger must be re-examined afterwards.
		if err := l.evictLocked(victim); err != nil {
			return err
		}
	}

	// Reserve the bytes while the fetch is in flight so concurrent
	// admissions account for them; rolled back on failure.
	rec.State = types.LayerLoading
	l.ledger.Admit(rec.ByteSize)
	l.mu.Unlock()

	start := time.Now()
	handle, fetchErr := l.store.FetchWeights(id)
	elapsed := time.Since(start)

	l.mu.Lock()
	if l.metrics != nil {
		l.metrics.ObserveFetch(rec.ByteSize, elapsed.Seconds(), fetchErr)
	}
	if fetchErr != nil {
		rec.State = types.LayerUnloaded
		l.ledger.Release(rec.ByteSize)
		l.stats.FetchFailures++
		l.cond.Broadcast()
		l.publishResidency()
		return errors.Newf(errors.ErrCodeBackingStore, "fetch failed for layer %d", id).
			WithComponent("loader").WithOperation("request_layer").WithLayer(id).WithCause(fetchErr)
	}

	rec.WeightsHandle = handle
	rec.State = types.LayerLoaded
	rec.LoadedTick = l.tick
	rec.LoadCount++
	if rec.LoadCount == 1 {
		rec.AvgLoadLatency = elapsed
	} else {
		prev := int64(rec.AvgLoadLatency)
		rec.AvgLoadLatency = time.Duration((prev*int64(rec.LoadCount-1) + int64(elapsed)) / int64(rec.LoadCount))
	}
	l.stats.Fetches++
	l.recordAccess(rec)
	l.cond.Broadcast()
	l.publishResidency()

	l.log.Debug("layer loaded", map[string]interface{}{
		"layer":   id,
		"bytes":   rec.ByteSize,
		"latency": elapsed,
	})
	return nil
}

// evictLocked reclaims one victim layer. The caller holds l.mu.
func (l *Loader) evictLocked(id int) error {
	rec, err := l.reg.Record(id)
	if err != nil {
		return err
	}
	if rec.State != types.LayerLoaded {
		return errors.Newf(errors.ErrCodeInvalidState, "evict candidate %d is %s", id, rec.State).
			WithComponent("loader").WithLayer(id)
	}

	rec.State = types.LayerUnloading
	l.mu.Unlock()
	releaseErr := l.store.ReleaseWeights(id)
	l.mu.Lock()

	if releaseErr != nil {
		// The handle is still live; revert to the prior stable state so a
		// retry stays safe.
		rec.State = types.LayerLoaded
		l.cond.Broadcast()
		return errors.Newf(errors.ErrCodeBackingStore, "release failed for layer %d", id).
			WithComponent("loader").WithOperation("evict").WithLayer(id).WithCause(releaseErr)
	}

	rec.WeightsHandle = nil
	rec.State = types.LayerUnloaded
	l.ledger.Release(rec.ByteSize)
	l.stats.Evictions++
	if l.metrics != nil {
		l.metrics.ObserveEviction(l.selector.Strategy(), rec.ByteSize)
	}
	l.cond.Broadcast()
	l.publishResidency()

	l.log.Debug("layer evicted", map[string]interface{}{
		"layer":    id,
		"bytes":    rec.ByteSize,
		"strategy": l.selector.Strategy(),
	})
	return nil
}

// UnloadLayer explicitly releases a resident layer. It fails with LayerInUse
// while any dependent remains Loaded.
func (l *Loader) UnloadLayer(id int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return l.errClosed("unload_layer")
	}
	rec, err := l.reg.Record(id)
	if err != nil {
		return err
	}

	for rec.State == types.LayerLoading || rec.State == types.LayerUnloading {
		l.cond.Wait()
		if l.closed {
			return l.errClosed("unload_layer")
		}
	}
	if rec.State == types.LayerUnloaded {
		return nil
	}
	if l.reg.HasLoadedDependent(id) {
		return errors.Newf(errors.ErrCodeLayerInUse, "layer %d has loaded dependents", id).
			WithComponent("loader").WithOperation("unload_layer").WithLayer(id)
	}

	rec.State = types.LayerUnloading
	l.mu.Unlock()
	releaseErr := l.store.ReleaseWeights(id)
	l.mu.Lock()

	if releaseErr != nil {
		rec.State = types.LayerLoaded
		l.cond.Broadcast()
		return errors.Newf(errors.ErrCodeBackingStore, "release failed for layer %d", id).
			WithComponent("loader").WithOperation("unload_layer").WithLayer(id).WithCause(releaseErr)
	}

	rec.WeightsHandle = nil
	rec.State = types.LayerUnloaded
	l.ledger.Release(rec.ByteSize)
	l.cond.Broadcast()
	l.publishResidency()
	return nil
}

// Preload eagerly requests a fixed set of layers. Every id is attempted; the
// first error is reported.
func (l *Loader) Preload(ids ...int) error {
	var firstErr error
	for _, id := range ids {
		if _, err := l.RequestLayer(id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SetPolicy switches the active eviction strategy.
func (l *Loader) SetPolicy(strategy types.EvictionStrategy) error {
	if !strategy.Valid() {
		return errors.Newf(errors.ErrCodeConfigValidation, "invalid eviction strategy: %s", strategy).
			WithComponent("loader")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return l.errClosed("set_policy")
	}
	l.selector = policy.ForStrategy(strategy)
	return nil
}

// SetCustomPriority assigns the score consumed by the custom strategy.
func (l *Loader) SetCustomPriority(id int, score float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return l.errClosed("set_custom_priority")
	}
	rec, err := l.reg.Record(id)
	if err != nil {
		return err
	}
	rec.CustomPriority = score
	return nil
}

// RecomputePriorities refreshes every layer's custom priority from the
// frequency/recency/fan-out blend and switches the active strategy to custom.
func (l *Loader) RecomputePriorities() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return l.errClosed("recompute_priorities")
	}
	policy.RecomputePriorities(l.reg, l.tick)
	l.selector = policy.ForStrategy(types.StrategyCustom)
	return nil
}

// SetMemoryBudget replaces the ceiling at runtime. Shrinking below the
// current resident total evicts largest evictable layers first; when that
// cannot reach the new ceiling the budget is left unchanged and
// BudgetExceeded is returned.
func (l *Loader) SetMemoryBudget(ceilingBytes int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return l.errClosed("set_memory_budget")
	}
	if ceilingBytes <= 0 {
		return errors.New(errors.ErrCodeConfigValidation, "ceiling must be greater than 0").WithComponent("loader")
	}
	var largest int64
	l.reg.Each(func(rec *registry.LayerRecord) {
		if rec.ByteSize > largest {
			largest = rec.ByteSize
		}
	})
	if largest > ceilingBytes {
		return errors.Newf(errors.ErrCodeConfigValidation,
			"ceiling %d bytes is smaller than the largest layer (%d bytes)", ceilingBytes, largest).
			WithComponent("loader").WithOperation("set_memory_budget")
	}

	for l.ledger.ResidentBytes() > ceilingBytes {
		victim := -1
		var victimSize int64
		l.reg.Each(func(rec *registry.LayerRecord) {
			if rec.State != types.LayerLoaded || l.reg.HasLoadedDependent(rec.ID) {
				return
			}
			if rec.ByteSize > victimSize {
				victimSize = rec.ByteSize
				victim = rec.ID
			}
		})
		if victim < 0 {
			return errors.Newf(errors.ErrCodeBudgetExceeded,
				"cannot shrink to %d bytes: no evictable layer remains", ceilingBytes).
				WithComponent("loader").WithOperation("set_memory_budget")
		}
		if err := l.evictLocked(victim); err != nil {
			return err
		}
	}

	l.ledger.SetCeiling(ceilingBytes)
	l.publishResidency()
	return nil
}

// Reset force-unloads every resident layer and zeroes counters and history.
func (l *Loader) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return l.errClosed("reset")
	}
	for l.transientLocked() {
		l.cond.Wait()
		if l.closed {
			return l.errClosed("reset")
		}
	}
	if err := l.releaseAllLocked(); err != nil {
		return err
	}

	l.tick = 0
	l.stats = types.LoaderStats{}
	l.detector.Reset()
	l.reg.Each(func(rec *registry.LayerRecord) {
		rec.AccessCount = 0
		rec.LastAccessTick = 0
		rec.LoadedTick = 0
	})
	l.publishResidency()
	return nil
}

// Close unloads every resident layer, stops the prefetch workers, and marks
// the loader unusable. In-flight fetches and releases are waited out first so
// a handle committed mid-close is still swept, never leaked. Idempotent.
func (l *Loader) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	for l.transientLocked() {
		l.cond.Wait()
	}
	err := l.releaseAllLocked()
	l.closed = true
	l.cond.Broadcast()
	l.mu.Unlock()

	if l.dispatch != nil {
		l.dispatch.Close()
	}
	l.log.Info("loader closed", nil)
	return err
}

// transientLocked reports whether any record is mid-transition. The caller
// holds l.mu.
func (l *Loader) transientLocked() bool {
	busy := false
	l.reg.Each(func(rec *registry.LayerRecord) {
		if rec.State == types.LayerLoading || rec.State == types.LayerUnloading {
			busy = true
		}
	})
	return busy
}

// releaseAllLocked forcibly unloads every Loaded record, dependents before
// dependencies so the dependency constraint is never observably violated.
// Release failures are logged and the record is dropped anyway: closing must
// not leak loader state, and the store's release is idempotent.
func (l *Loader) releaseAllLocked() error {
	var lastErr error
	for {
		victim := -1
		l.reg.Each(func(rec *registry.LayerRecord) {
			if victim >= 0 || rec.State != types.LayerLoaded {
				return
			}
			if !l.reg.HasLoadedDependent(rec.ID) {
				victim = rec.ID
			}
		})
		if victim < 0 {
			break
		}
		rec, _ := l.reg.Record(victim)
		if err := l.store.ReleaseWeights(victim); err != nil {
			lastErr = errors.Newf(errors.ErrCodeBackingStore, "release failed for layer %d", victim).
				WithComponent("loader").WithOperation("close").WithLayer(victim).WithCause(err)
			l.log.Warn("forced release failed", map[string]interface{}{"layer": victim, "error": err})
		}
		rec.WeightsHandle = nil
		rec.State = types.LayerUnloaded
		l.ledger.Release(rec.ByteSize)
	}
	return lastErr
}

// MemorySnapshot returns the current budget accounting.
func (l *Loader) MemorySnapshot() types.MemorySnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

// Stats returns the loader-level counters.
func (l *Loader) Stats() types.LoaderStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// LayerStats reports per-layer diagnostics in id order.
func (l *Loader) LayerStats() []types.LayerStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]types.LayerStats, 0, l.reg.LayerCount())
	l.reg.Each(func(rec *registry.LayerRecord) {
		out = append(out, types.LayerStats{
			ID:             rec.ID,
			State:          rec.State.String(),
			ByteSize:       rec.ByteSize,
			AccessCount:    rec.AccessCount,
			LastAccessTick: rec.LastAccessTick,
			LoadCount:      rec.LoadCount,
			AvgLoadLatency: rec.AvgLoadLatency,
			CustomPriority: rec.CustomPriority,
		})
	})
	return out
}

// AccessPattern returns the current classification of the access history.
func (l *Loader) AccessPattern() types.AccessPattern {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.detector.Classify()
}

// LayerState returns the current state of one layer.
func (l *Loader) LayerState(id int) (types.LayerState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, err := l.reg.Record(id)
	if err != nil {
		return types.LayerUnloaded, err
	}
	return rec.State, nil
}

// pin marks a set of layers as untouchable by victim selection. Pins are
// reference counts: overlapping requests over shared dependencies stack.
// The caller holds l.mu.
func (l *Loader) pin(ids []int) {
	for _, id := range ids {
		l.pinned[id]++
	}
}

// unpin releases pins taken by pin. The caller holds l.mu.
func (l *Loader) unpin(ids []int) {
	for _, id := range ids {
		if l.pinned[id]--; l.pinned[id] <= 0 {
			delete(l.pinned, id)
		}
	}
}

// pinnedSet snapshots the currently pinned ids as the exclusion set consumed
// by victim selection. The caller holds l.mu.
func (l *Loader) pinnedSet() map[int]struct{} {
	set := make(map[int]struct{}, len(l.pinned))
	for id := range l.pinned {
		set[id] = struct{}{}
	}
	return set
}

// recordAccess bumps the tick and the record's access statistics, and feeds
// the pattern detector. The caller holds l.mu.
func (l *Loader) recordAccess(rec *registry.LayerRecord) {
	l.tick++
	rec.LastAccessTick = l.tick
	rec.AccessCount++
	l.detector.Record(rec.ID)
}

// maybePrefetch asks the prefetcher for follow-up candidates after a
// satisfied request and hands them to the dispatcher. Best-effort only:
// failures never reach the caller of RequestLayer. The caller holds l.mu.
func (l *Loader) maybePrefetch(id int) {
	if l.dispatch == nil {
		return
	}
	candidates := prefetch.Propose(prefetch.Config{
		Enabled:           true,
		Distance:          l.cfg.Prefetch.Distance,
		PressureThreshold: l.cfg.Prefetch.PressureThreshold,
	}, l.reg, id, l.detector.Classify(), l.ledger.PressureRatio())
	if len(candidates) == 0 {
		return
	}
	issued := l.dispatch.Enqueue(candidates)
	l.stats.PrefetchProposals += uint64(len(candidates))
	l.stats.PrefetchIssued += uint64(issued)
	if l.metrics != nil {
		l.metrics.ObservePrefetch(len(candidates), issued)
	}
}

func (l *Loader) snapshotLocked() types.MemorySnapshot {
	snap := l.ledger.Snapshot()
	loaded := 0
	l.reg.Each(func(rec *registry.LayerRecord) {
		if rec.State == types.LayerLoaded {
			loaded++
		}
	})
	snap.LoadedLayers = loaded
	return snap
}

func (l *Loader) publishResidency() {
	if l.metrics == nil {
		return
	}
	l.metrics.SetResidency(l.snapshotLocked())
}

func (l *Loader) errClosed(op string) error {
	return errors.New(errors.ErrCodeClosed, "loader is closed").
		WithComponent("loader").WithOperation(op)
}
