// Package policy implements the eviction strategies that pick which resident
// layer to reclaim under memory pressure.
//
// The strategy set is fixed and exhaustively enumerable, so selection is a
// closed dispatch over four variants rather than open-ended plugin dispatch.
// All strategies share the same candidate filter and the same deterministic
// tie-break: among equally scored candidates the lowest layer id wins.
package policy

import (
	"math"

	"github.com/weightfs/weightfs/internal/registry"
	"github.com/weightfs/weightfs/pkg/errors"
	"github.com/weightfs/weightfs/pkg/types"
)

// Selector picks one evictable layer, or reports that none remains.
type Selector interface {
	// Strategy names the active strategy.
	Strategy() types.EvictionStrategy
	// SelectVictim returns the id of the next layer to evict. The exclude
	// set holds the layers of the request being admitted, including its
	// dependency closure: evicting one of those to admit another would be
	// self-defeating. The second result is false when no evictable
	// candidate exists.
	SelectVictim(reg *registry.Registry, exclude map[int]struct{}) (int, bool)
}

// ForStrategy returns the selector for a strategy. Unknown strategies fall
// back to admission order, the default when no richer signal is configured.
func ForStrategy(strategy types.EvictionStrategy) Selector {
	switch strategy {
	case types.StrategyRecency:
		return recencySelector{}
	case types.StrategyFrequency:
		return frequencySelector{}
	case types.StrategyCustom:
		return customSelector{}
	default:
		return fifoSelector{}
	}
}

// evictable reports whether rec may be reclaimed: it must be Loaded, must not
// belong to the request being admitted, and must have no Loaded dependent.
func evictable(reg *registry.Registry, rec *registry.LayerRecord, exclude map[int]struct{}) bool {
	if rec.State != types.LayerLoaded {
		return false
	}
	if _, held := exclude[rec.ID]; held {
		return false
	}
	return !reg.HasLoadedDependent(rec.ID)
}

// selectMin walks the table and returns the evictable record with the lowest
// score. Ties resolve to the lowest id because iteration is in id order and
// only strictly lower scores displace the current choice.
func selectMin(reg *registry.Registry, exclude map[int]struct{}, score func(*registry.LayerRecord) float64) (int, bool) {
	best := -1
	bestScore := math.Inf(1)
	reg.Each(func(rec *registry.LayerRecord) {
		if !evictable(reg, rec, exclude) {
			return
		}
		if s := score(rec); s < bestScore {
			bestScore = s
			best = rec.ID
		}
	})
	return best, best >= 0
}

type recencySelector struct{}

func (recencySelector) Strategy() types.EvictionStrategy { return types.StrategyRecency }

func (recencySelector) SelectVictim(reg *registry.Registry, exclude map[int]struct{}) (int, bool) {
	return selectMin(reg, exclude, func(rec *registry.LayerRecord) float64 {
		return float64(rec.LastAccessTick)
	})
}

type frequencySelector struct{}

func (frequencySelector) Strategy() types.EvictionStrategy { return types.StrategyFrequency }

func (frequencySelector) SelectVictim(reg *registry.Registry, exclude map[int]struct{}) (int, bool) {
	return selectMin(reg, exclude, func(rec *registry.LayerRecord) float64 {
		return float64(rec.AccessCount)
	})
}

type customSelector struct{}

func (customSelector) Strategy() types.EvictionStrategy { return types.StrategyCustom }

func (customSelector) SelectVictim(reg *registry.Registry, exclude map[int]struct{}) (int, bool) {
	return selectMin(reg, exclude, func(rec *registry.LayerRecord) float64 {
		return rec.CustomPriority
	})
}

type fifoSelector struct{}

func (fifoSelector) Strategy() types.EvictionStrategy { return types.StrategyFIFO }

func (fifoSelector) SelectVictim(reg *registry.Registry, exclude map[int]struct{}) (int, bool) {
	return selectMin(reg, exclude, func(rec *registry.LayerRecord) float64 {
		return float64(rec.LoadedTick)
	})
}

// RecomputePriorities refreshes every record's custom priority from a
// weighted blend of access frequency, recency, and dependent fan-out.
// Callers typically switch the active strategy to custom afterwards.
func RecomputePriorities(reg *registry.Registry, currentTick uint64) {
	layerCount := reg.LayerCount()
	reg.Each(func(rec *registry.LayerRecord) {
		freqScore := float64(rec.AccessCount) / float64(currentTick+1)
		recencyScore := float64(rec.LastAccessTick) / float64(currentTick+1)

		var depScore float64
		if layerCount > 0 {
			depScore = float64(len(rec.Dependents)) / float64(layerCount)
		}

		rec.CustomPriority = freqScore*0.4 + recencyScore*0.4 + depScore*0.2
	})
}

// ErrNoCandidate constructs the error returned when the eviction loop
// exhausts every evictable layer before freeing enough space.
func ErrNoCandidate(needed int64) error {
	return errors.Newf(errors.ErrCodeBudgetExceeded, "cannot free %d bytes: no evictable layer remains", needed).
		WithComponent("policy").WithOperation("evict")
}
