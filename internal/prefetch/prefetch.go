// Package prefetch proposes speculative layer loads from the detected access
// pattern and dispatches them to the backing store as best-effort hints.
package prefetch

import (
	"sort"
	"sync"

	"github.com/weightfs/weightfs/internal/registry"
	"github.com/weightfs/weightfs/pkg/logging"
	"github.com/weightfs/weightfs/pkg/types"
)

// Config controls proposal generation and hint dispatch.
type Config struct {
	Enabled           bool
	Distance          int
	PressureThreshold float64
	QueueDepth        int
	Workers           int
}

// DefaultConfig returns the default prefetch configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		Distance:          2,
		PressureThreshold: 0.7,
		QueueDepth:        64,
		Workers:           2,
	}
}

// Propose returns the layers worth warming after a satisfied request for
// layerID, given the current pattern classification and budget pressure.
// Proposals are suppressed entirely once pressure exceeds the threshold,
// regardless of pattern.
func Propose(cfg Config, reg *registry.Registry, layerID int, pattern types.AccessPattern, pressure float64) []types.PrefetchCandidate {
	if !cfg.Enabled || cfg.Distance <= 0 || pressure > cfg.PressureThreshold {
		return nil
	}

	switch pattern {
	case types.PatternSequential:
		return proposeSequential(cfg, reg, layerID)
	case types.PatternRepeated:
		return proposeRepeated(cfg, reg, layerID)
	default:
		// Random and unknown patterns give no usable signal.
		return nil
	}
}

// proposeSequential predicts the next Distance layers after layerID, clipped
// to the valid id range and to layers not already resident.
func proposeSequential(cfg Config, reg *registry.Registry, layerID int) []types.PrefetchCandidate {
	var candidates []types.PrefetchCandidate
	for i := 1; i <= cfg.Distance; i++ {
		next := layerID + i
		if next >= reg.LayerCount() {
			break
		}
		rec, err := reg.Record(next)
		if err != nil || rec.State != types.LayerUnloaded {
			continue
		}
		candidates = append(candidates, types.PrefetchCandidate{
			LayerID:  next,
			Priority: cfg.Distance - i + 1, // nearer layers first
		})
	}
	return candidates
}

// proposeRepeated picks the Distance most frequently accessed layers that are
// currently unloaded.
func proposeRepeated(cfg Config, reg *registry.Registry, layerID int) []types.PrefetchCandidate {
	type scored struct {
		id    int
		count uint64
	}
	var pool []scored
	reg.Each(func(rec *registry.LayerRecord) {
		if rec.ID == layerID || rec.State != types.LayerUnloaded || rec.AccessCount == 0 {
			return
		}
		pool = append(pool, scored{id: rec.ID, count: rec.AccessCount})
	})

	sort.Slice(pool, func(i, j int) bool {
		if pool[i].count != pool[j].count {
			return pool[i].count > pool[j].count
		}
		return pool[i].id < pool[j].id
	})

	n := cfg.Distance
	if n > len(pool) {
		n = len(pool)
	}
	candidates := make([]types.PrefetchCandidate, 0, n)
	for i := 0; i < n; i++ {
		candidates = append(candidates, types.PrefetchCandidate{
			LayerID:  pool[i].id,
			Priority: int(pool[i].count),
		})
	}
	return candidates
}

// Dispatcher forwards prefetch candidates to the backing store on worker
// goroutines. Hints are fire-and-forget: enqueueing never blocks, failures
// are swallowed, and the triggering request never waits on them.
type Dispatcher struct {
	store   types.BackingStore
	queue   chan types.PrefetchCandidate
	stopCh  chan struct{}
	wg      sync.WaitGroup
	log     *logging.Logger
	stopped sync.Once
}

// NewDispatcher starts worker goroutines feeding hints to the store.
func NewDispatcher(store types.BackingStore, cfg Config, log *logging.Logger) *Dispatcher {
	if log == nil {
		log = logging.Discard()
	}
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = 64
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}

	d := &Dispatcher{
		store:  store,
		queue:  make(chan types.PrefetchCandidate, depth),
		stopCh: make(chan struct{}),
		log:    log.WithComponent("prefetch"),
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Enqueue submits candidates for dispatch, dropping any that do not fit in
// the queue. The count of accepted candidates is returned for metrics.
func (d *Dispatcher) Enqueue(candidates []types.PrefetchCandidate) int {
	issued := 0
	for _, c := range candidates {
		select {
		case d.queue <- c:
			issued++
		case <-d.stopCh:
			return issued
		default:
			// Queue full: prefetch is advisory, drop rather than block.
		}
	}
	return issued
}

// Close stops the workers and waits for in-flight hints to finish.
func (d *Dispatcher) Close() {
	d.stopped.Do(func() {
		close(d.stopCh)
	})
	d.wg.Wait()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case c := <-d.queue:
			d.store.PrefetchHint(c.LayerID)
			d.log.Debug("prefetch hint issued", map[string]interface{}{"layer": c.LayerID})
		case <-d.stopCh:
			return
		}
	}
}
