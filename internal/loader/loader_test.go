package loader

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weightfs/weightfs/internal/config"
	"github.com/weightfs/weightfs/pkg/errors"
	"github.com/weightfs/weightfs/pkg/types"
)

// fakeHandle is a test weights buffer.
type fakeHandle struct {
	id   int
	data []byte
}

func (h *fakeHandle) LayerID() int  { return h.id }
func (h *fakeHandle) Bytes() []byte { return h.data }

// fakeStore is an instrumented in-memory backing store with injectable
// failures and fetch latency.
type fakeStore struct {
	mu          sync.Mutex
	sizes       []int64
	fetchOrder  []int
	fetches     map[int]int
	releases    map[int]int
	hints       []int
	fetchDelay  time.Duration
	failFetch   map[int]error
	failRelease map[int]error
	gates       map[int]*fetchGate
}

// fetchGate stalls a fetch so a test can interleave other loader calls while
// the lock is released around backing-store I/O.
type fetchGate struct {
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func newFakeStore(sizes ...int64) *fakeStore {
	return &fakeStore{
		sizes:       sizes,
		fetches:     make(map[int]int),
		releases:    make(map[int]int),
		failFetch:   make(map[int]error),
		failRelease: make(map[int]error),
		gates:       make(map[int]*fetchGate),
	}
}

// gateFetch makes FetchWeights for id block until the returned release
// channel is closed. started is closed once the fetch is in flight.
func (s *fakeStore) gateFetch(id int) (started, release chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := &fetchGate{started: make(chan struct{}), release: make(chan struct{})}
	s.gates[id] = g
	return g.started, g.release
}

func (s *fakeStore) LayerCount() int { return len(s.sizes) }

func (s *fakeStore) LayerDescriptor(id int) (types.LayerDescriptor, error) {
	if id < 0 || id >= len(s.sizes) {
		return types.LayerDescriptor{}, fmt.Errorf("no such layer: %d", id)
	}
	return types.LayerDescriptor{ID: id, ByteSize: s.sizes[id], Precision: 16}, nil
}

func (s *fakeStore) FetchWeights(id int) (types.WeightsHandle, error) {
	s.mu.Lock()
	g := s.gates[id]
	s.mu.Unlock()
	if g != nil {
		g.once.Do(func() { close(g.started) })
		<-g.release
	}
	if s.fetchDelay > 0 {
		time.Sleep(s.fetchDelay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failFetch[id]; err != nil {
		return nil, err
	}
	s.fetches[id]++
	s.fetchOrder = append(s.fetchOrder, id)
	return &fakeHandle{id: id, data: make([]byte, s.sizes[id])}, nil
}

func (s *fakeStore) ReleaseWeights(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failRelease[id]; err != nil {
		return err
	}
	s.releases[id]++
	return nil
}

func (s *fakeStore) PrefetchHint(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hints = append(s.hints, id)
}

func (s *fakeStore) fetchCount(id int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches[id]
}

func (s *fakeStore) releaseCount(id int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releases[id]
}

func (s *fakeStore) hintedLayers() map[int]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]bool, len(s.hints))
	for _, id := range s.hints {
		out[id] = true
	}
	return out
}

// testConfig returns a validated configuration with prefetch disabled, the
// usual baseline for deterministic tests.
func testConfig(ceiling int64, strategy types.EvictionStrategy) *config.Configuration {
	cfg := config.NewDefault()
	cfg.Budget.Ceiling = ""
	cfg.Budget.CeilingBytes = ceiling
	cfg.Eviction.Strategy = strategy
	cfg.Prefetch.Enabled = false
	return cfg
}

func mustState(t *testing.T, l *Loader, id int) types.LayerState {
	t.Helper()
	state, err := l.LayerState(id)
	require.NoError(t, err)
	return state
}

func TestOpenValidation(t *testing.T) {
	t.Run("nil store", func(t *testing.T) {
		_, err := Open(nil, nil, nil)
		assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidConfig))
	})

	t.Run("empty store", func(t *testing.T) {
		_, err := Open(newFakeStore(), testConfig(100, types.StrategyFIFO), nil)
		assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidConfig))
	})

	t.Run("ceiling below largest layer", func(t *testing.T) {
		_, err := Open(newFakeStore(40, 120, 40), testConfig(100, types.StrategyFIFO), nil)
		assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidConfig))
	})

	t.Run("invalid strategy", func(t *testing.T) {
		_, err := Open(newFakeStore(40), testConfig(100, "lfu"), nil)
		assert.True(t, errors.IsCode(err, errors.ErrCodeConfigValidation))
	})
}

func TestRequestLoadsAndHits(t *testing.T) {
	store := newFakeStore(40, 40, 40)
	l, err := Open(store, testConfig(200, types.StrategyRecency), nil)
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	h, err := l.RequestLayer(1)
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, 1, h.LayerID())
	assert.Len(t, h.Bytes(), 40)

	h2, err := l.RequestLayer(1)
	require.NoError(t, err)
	assert.Same(t, h, h2, "a hit must return the resident handle")
	assert.Equal(t, 1, store.fetchCount(1), "a hit must not refetch")

	stats := l.Stats()
	assert.Equal(t, uint64(2), stats.Requests)
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Fetches)

	snap := l.MemorySnapshot()
	assert.Equal(t, int64(40), snap.ResidentBytes)
	assert.Equal(t, 1, snap.LoadedLayers)
}

func TestRequestUnknownLayer(t *testing.T) {
	l, err := Open(newFakeStore(40), testConfig(100, types.StrategyFIFO), nil)
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	_, err = l.RequestLayer(5)
	assert.True(t, errors.IsCode(err, errors.ErrCodeLayerNotFound))
	_, err = l.RequestLayer(-1)
	assert.True(t, errors.IsCode(err, errors.ErrCodeLayerNotFound))
}

func TestRecencyEviction(t *testing.T) {
	// Three 40-byte layers under a 100-byte ceiling: only two fit at a time,
	// and the least recently used one goes first.
	store := newFakeStore(40, 40, 40)
	l, err := Open(store, testConfig(100, types.StrategyRecency), nil)
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	_, err = l.RequestLayer(0)
	require.NoError(t, err)
	_, err = l.RequestLayer(1)
	require.NoError(t, err)
	assert.Equal(t, int64(80), l.MemorySnapshot().ResidentBytes)

	_, err = l.RequestLayer(2)
	require.NoError(t, err)

	assert.Equal(t, types.LayerUnloaded, mustState(t, l, 0))
	assert.Equal(t, types.LayerLoaded, mustState(t, l, 1))
	assert.Equal(t, types.LayerLoaded, mustState(t, l, 2))
	assert.Equal(t, 1, store.releaseCount(0))
	assert.Equal(t, int64(80), l.MemorySnapshot().ResidentBytes)
	assert.Equal(t, uint64(1), l.Stats().Evictions)

	// Now 1 is the oldest access and must go next.
	_, err = l.RequestLayer(0)
	require.NoError(t, err)
	assert.Equal(t, types.LayerUnloaded, mustState(t, l, 1))
	assert.Equal(t, types.LayerLoaded, mustState(t, l, 2))
}

func TestFrequencyEviction(t *testing.T) {
	store := newFakeStore(40, 40, 40)
	l, err := Open(store, testConfig(100, types.StrategyFrequency), nil)
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	for i := 0; i < 3; i++ {
		_, err = l.RequestLayer(0)
		require.NoError(t, err)
	}
	_, err = l.RequestLayer(1)
	require.NoError(t, err)

	_, err = l.RequestLayer(2)
	require.NoError(t, err)

	assert.Equal(t, types.LayerLoaded, mustState(t, l, 0), "hot layer survives")
	assert.Equal(t, types.LayerUnloaded, mustState(t, l, 1), "cold layer is evicted")
}

func TestFIFOEvictionIgnoresRecentAccess(t *testing.T) {
	store := newFakeStore(40, 40, 40)
	l, err := Open(store, testConfig(100, types.StrategyFIFO), nil)
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	_, err = l.RequestLayer(0)
	require.NoError(t, err)
	_, err = l.RequestLayer(1)
	require.NoError(t, err)
	// Re-accessing 0 does not change its admission order.
	_, err = l.RequestLayer(0)
	require.NoError(t, err)

	_, err = l.RequestLayer(2)
	require.NoError(t, err)

	assert.Equal(t, types.LayerUnloaded, mustState(t, l, 0))
	assert.Equal(t, types.LayerLoaded, mustState(t, l, 1))
}

func TestCustomPriorityEviction(t *testing.T) {
	store := newFakeStore(40, 40, 40)
	l, err := Open(store, testConfig(100, types.StrategyCustom), nil)
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	require.NoError(t, l.SetCustomPriority(0, 0.9))
	require.NoError(t, l.SetCustomPriority(1, 0.1))

	_, err = l.RequestLayer(0)
	require.NoError(t, err)
	_, err = l.RequestLayer(1)
	require.NoError(t, err)

	_, err = l.RequestLayer(2)
	require.NoError(t, err)

	assert.Equal(t, types.LayerLoaded, mustState(t, l, 0))
	assert.Equal(t, types.LayerUnloaded, mustState(t, l, 1), "lowest priority goes first")
}

func TestDependenciesLoadFirst(t *testing.T) {
	store := newFakeStore(40, 40, 40)
	l, err := Open(store, testConfig(200, types.StrategyRecency), nil)
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	require.NoError(t, l.AddDependency(2, 1))
	require.NoError(t, l.AddDependency(1, 0))

	h, err := l.RequestLayer(2)
	require.NoError(t, err)
	require.NotNil(t, h)

	assert.Equal(t, []int{0, 1, 2}, store.fetchOrder, "dependencies fetch before dependents")
	for id := 0; id < 3; id++ {
		assert.Equal(t, types.LayerLoaded, mustState(t, l, id))
	}
	assert.Equal(t, int64(120), l.MemorySnapshot().ResidentBytes)
}

func TestUnloadRespectsDependents(t *testing.T) {
	store := newFakeStore(40, 40)
	l, err := Open(store, testConfig(200, types.StrategyRecency), nil)
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	require.NoError(t, l.AddDependency(1, 0))
	_, err = l.RequestLayer(1)
	require.NoError(t, err)

	err = l.UnloadLayer(0)
	assert.True(t, errors.IsCode(err, errors.ErrCodeLayerInUse))
	assert.Equal(t, types.LayerLoaded, mustState(t, l, 0))

	require.NoError(t, l.UnloadLayer(1))
	require.NoError(t, l.UnloadLayer(0))
	assert.Equal(t, int64(0), l.MemorySnapshot().ResidentBytes)

	// Unloading an already unloaded layer is a no-op.
	require.NoError(t, l.UnloadLayer(0))
	assert.Equal(t, 1, store.releaseCount(0))
}

func TestEvictionNeverTakesPinnedDependency(t *testing.T) {
	// Layer 1 depends on 0 and both are resident. Admitting layer 2 must
	// evict 1, never the pinned 0.
	store := newFakeStore(40, 40, 40)
	l, err := Open(store, testConfig(100, types.StrategyRecency), nil)
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	require.NoError(t, l.AddDependency(1, 0))
	_, err = l.RequestLayer(1)
	require.NoError(t, err)

	_, err = l.RequestLayer(2)
	require.NoError(t, err)

	assert.Equal(t, types.LayerLoaded, mustState(t, l, 0))
	assert.Equal(t, types.LayerUnloaded, mustState(t, l, 1))
	assert.Equal(t, types.LayerLoaded, mustState(t, l, 2))
}

func TestEvictionNeverTakesRequestClosure(t *testing.T) {
	// Admitting layer 1 requires its dependency 0 resident at the same time;
	// the eviction loop must refuse to reclaim 0 even though nothing loaded
	// depends on it yet, and fail the request instead.
	store := newFakeStore(60, 60)
	l, err := Open(store, testConfig(100, types.StrategyRecency), nil)
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	require.NoError(t, l.AddDependency(1, 0))
	_, err = l.RequestLayer(1)
	assert.True(t, errors.IsCode(err, errors.ErrCodeBudgetExceeded))
	assert.Equal(t, types.LayerLoaded, mustState(t, l, 0),
		"the already loaded dependency stays resident")
	assert.Equal(t, types.LayerUnloaded, mustState(t, l, 1))
	assert.Equal(t, int64(60), l.MemorySnapshot().ResidentBytes)
}

func TestEvictionSparesDependencyDuringDependentFetch(t *testing.T) {
	// While layer 2's fetch is in flight (lock released around store I/O),
	// its already resident dependency 0 must stay off-limits to a concurrent
	// request evicting for space. The closure pin lives on the loader, so
	// the other goroutine's victim selection sees it.
	store := newFakeStore(40, 40, 40)
	l, err := Open(store, testConfig(100, types.StrategyRecency), nil)
	require.NoError(t, err)

	require.NoError(t, l.AddDependency(2, 0))
	_, err = l.RequestLayer(0)
	require.NoError(t, err)
	_, err = l.RequestLayer(1)
	require.NoError(t, err)

	started, release := store.gateFetch(2)
	fetchDone := make(chan error, 1)
	go func() {
		_, err := l.RequestLayer(2)
		fetchDone <- err
	}()
	<-started

	// Resident: 0 plus the bytes reserved for 2. Admitting 1 again needs an
	// eviction, and the only loaded layer is the pinned dependency 0.
	_, err = l.RequestLayer(1)
	assert.True(t, errors.IsCode(err, errors.ErrCodeBudgetExceeded),
		"the concurrent request must fail rather than take the pinned dependency")
	assert.Equal(t, 0, store.releaseCount(0), "dependency 0 must never be released mid-fetch")

	close(release)
	require.NoError(t, <-fetchDone)

	assert.Equal(t, types.LayerLoaded, mustState(t, l, 0))
	assert.Equal(t, types.LayerLoaded, mustState(t, l, 2))
	assert.Equal(t, types.LayerUnloaded, mustState(t, l, 1))
	require.NoError(t, l.Close())
}

func TestBudgetExceededWhenNothingEvictable(t *testing.T) {
	store := newFakeStore(60, 60)
	l, err := Open(store, testConfig(60, types.StrategyRecency), nil)
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	require.NoError(t, l.AddDependency(1, 0))
	_, err = l.RequestLayer(1)
	assert.True(t, errors.IsCode(err, errors.ErrCodeBudgetExceeded))
}

func TestFetchFailureRevertsState(t *testing.T) {
	store := newFakeStore(40, 40)
	l, err := Open(store, testConfig(100, types.StrategyRecency), nil)
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	store.mu.Lock()
	store.failFetch[1] = fmt.Errorf("short read")
	store.mu.Unlock()

	_, err = l.RequestLayer(1)
	assert.True(t, errors.IsCode(err, errors.ErrCodeBackingStore))
	assert.Equal(t, types.LayerUnloaded, mustState(t, l, 1))
	assert.Equal(t, int64(0), l.MemorySnapshot().ResidentBytes)
	assert.Equal(t, uint64(1), l.Stats().FetchFailures)

	// Retry after the fault clears.
	store.mu.Lock()
	delete(store.failFetch, 1)
	store.mu.Unlock()
	h, err := l.RequestLayer(1)
	require.NoError(t, err)
	assert.NotNil(t, h)
	assert.Equal(t, int64(40), l.MemorySnapshot().ResidentBytes)
}

func TestEvictionReleaseFailureRevertsVictim(t *testing.T) {
	store := newFakeStore(40, 40)
	l, err := Open(store, testConfig(40, types.StrategyRecency), nil)
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	_, err = l.RequestLayer(0)
	require.NoError(t, err)

	store.mu.Lock()
	store.failRelease[0] = fmt.Errorf("busy")
	store.mu.Unlock()

	_, err = l.RequestLayer(1)
	assert.True(t, errors.IsCode(err, errors.ErrCodeBackingStore))
	assert.Equal(t, types.LayerLoaded, mustState(t, l, 0), "failed release keeps the victim resident")
	assert.Equal(t, types.LayerUnloaded, mustState(t, l, 1))
	assert.Equal(t, int64(40), l.MemorySnapshot().ResidentBytes)
}

func TestUnloadReleaseFailureRevertsState(t *testing.T) {
	store := newFakeStore(40)
	l, err := Open(store, testConfig(100, types.StrategyRecency), nil)
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	_, err = l.RequestLayer(0)
	require.NoError(t, err)

	store.mu.Lock()
	store.failRelease[0] = fmt.Errorf("busy")
	store.mu.Unlock()

	err = l.UnloadLayer(0)
	assert.True(t, errors.IsCode(err, errors.ErrCodeBackingStore))
	assert.Equal(t, types.LayerLoaded, mustState(t, l, 0))

	store.mu.Lock()
	delete(store.failRelease, 0)
	store.mu.Unlock()
	require.NoError(t, l.UnloadLayer(0))
	assert.Equal(t, types.LayerUnloaded, mustState(t, l, 0))
}

func TestConcurrentRequestsFetchOnce(t *testing.T) {
	store := newFakeStore(40)
	store.fetchDelay = 30 * time.Millisecond
	l, err := Open(store, testConfig(100, types.StrategyRecency), nil)
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	const workers = 8
	handles := make([]types.WeightsHandle, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i], errs[i] = l.RequestLayer(0)
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		require.NotNil(t, handles[i])
	}
	assert.Equal(t, 1, store.fetchCount(0), "concurrent requests share one fetch")
	assert.Equal(t, uint64(1), l.Stats().Fetches)
	assert.Equal(t, int64(40), l.MemorySnapshot().ResidentBytes)
}

func TestAccountingInvariant(t *testing.T) {
	store := newFakeStore(10, 20, 30, 40)
	l, err := Open(store, testConfig(70, types.StrategyRecency), nil)
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	for _, id := range []int{0, 1, 2, 3, 1, 0, 2} {
		_, reqErr := l.RequestLayer(id)
		require.NoError(t, reqErr)

		var loadedBytes int64
		for _, ls := range l.LayerStats() {
			if ls.State == types.LayerLoaded.String() {
				loadedBytes += ls.ByteSize
			}
		}
		snap := l.MemorySnapshot()
		assert.Equal(t, loadedBytes, snap.ResidentBytes, "ledger must match the loaded set")
		assert.LessOrEqual(t, snap.ResidentBytes, snap.CeilingBytes)
	}
}

func TestPrefetchFollowsSequentialPattern(t *testing.T) {
	store := newFakeStore(10, 10, 10, 10, 10, 10, 10, 10, 10, 10)
	cfg := testConfig(200, types.StrategyRecency)
	cfg.Prefetch.Enabled = true
	cfg.Prefetch.Distance = 2
	cfg.History.WindowSize = 10
	cfg.History.MinSamples = 5

	l, err := Open(store, cfg, nil)
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	for id := 0; id <= 5; id++ {
		_, err = l.RequestLayer(id)
		require.NoError(t, err)
	}
	assert.Equal(t, types.PatternSequential, l.AccessPattern())

	// Hints are handed off asynchronously; after the request for 5 the next
	// two layers must eventually reach the store.
	require.Eventually(t, func() bool {
		hinted := store.hintedLayers()
		return hinted[6] && hinted[7]
	}, 2*time.Second, 5*time.Millisecond)
	assert.NotZero(t, l.Stats().PrefetchIssued)
}

func TestPrefetchSuppressedUnderPressure(t *testing.T) {
	store := newFakeStore(10, 10, 10, 10, 10, 10, 10, 10)
	cfg := testConfig(70, types.StrategyRecency)
	cfg.Prefetch.Enabled = true
	cfg.Prefetch.Distance = 2
	cfg.Prefetch.PressureThreshold = 0.7
	cfg.History.WindowSize = 10
	cfg.History.MinSamples = 5

	l, err := Open(store, cfg, nil)
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	// By the time the pattern resolves, residency sits above the pressure
	// threshold, so no hint may be issued.
	for id := 0; id <= 5; id++ {
		_, err = l.RequestLayer(id)
		require.NoError(t, err)
	}
	assert.Greater(t, l.MemorySnapshot().PressureRatio, 0.7)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, store.hintedLayers())
	assert.Zero(t, l.Stats().PrefetchProposals)
}

func TestSetPolicy(t *testing.T) {
	store := newFakeStore(40, 40, 40)
	l, err := Open(store, testConfig(100, types.StrategyFIFO), nil)
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	assert.True(t, errors.IsCode(l.SetPolicy("lfu"), errors.ErrCodeConfigValidation))

	require.NoError(t, l.SetPolicy(types.StrategyRecency))
	_, err = l.RequestLayer(0)
	require.NoError(t, err)
	_, err = l.RequestLayer(1)
	require.NoError(t, err)
	_, err = l.RequestLayer(0) // refresh 0 so recency protects it
	require.NoError(t, err)
	_, err = l.RequestLayer(2)
	require.NoError(t, err)

	assert.Equal(t, types.LayerLoaded, mustState(t, l, 0))
	assert.Equal(t, types.LayerUnloaded, mustState(t, l, 1))
}

func TestRecomputePriorities(t *testing.T) {
	store := newFakeStore(40, 40, 40)
	l, err := Open(store, testConfig(200, types.StrategyFIFO), nil)
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	for i := 0; i < 4; i++ {
		_, err = l.RequestLayer(0)
		require.NoError(t, err)
	}
	_, err = l.RequestLayer(1)
	require.NoError(t, err)

	require.NoError(t, l.RecomputePriorities())

	stats := l.LayerStats()
	assert.Greater(t, stats[0].CustomPriority, stats[1].CustomPriority,
		"the hot layer must score higher")
	assert.Zero(t, stats[2].CustomPriority)
}

func TestSetMemoryBudget(t *testing.T) {
	store := newFakeStore(10, 20, 30, 40)
	l, err := Open(store, testConfig(100, types.StrategyRecency), nil)
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	for id := 0; id < 4; id++ {
		_, err = l.RequestLayer(id)
		require.NoError(t, err)
	}
	require.Equal(t, int64(100), l.MemorySnapshot().ResidentBytes)

	// Shrinking evicts the largest evictable layers first.
	require.NoError(t, l.SetMemoryBudget(50))
	snap := l.MemorySnapshot()
	assert.Equal(t, int64(50), snap.CeilingBytes)
	assert.Equal(t, int64(30), snap.ResidentBytes)
	assert.Equal(t, types.LayerUnloaded, mustState(t, l, 3))
	assert.Equal(t, types.LayerUnloaded, mustState(t, l, 2))
	assert.Equal(t, types.LayerLoaded, mustState(t, l, 0))
	assert.Equal(t, types.LayerLoaded, mustState(t, l, 1))

	// A ceiling below the largest layer is a configuration error and must
	// leave the budget untouched.
	err = l.SetMemoryBudget(30)
	assert.True(t, errors.IsCode(err, errors.ErrCodeConfigValidation))
	assert.Equal(t, int64(50), l.MemorySnapshot().CeilingBytes)

	assert.True(t, errors.IsCode(l.SetMemoryBudget(0), errors.ErrCodeConfigValidation))

	// Growing the budget readmits everything.
	require.NoError(t, l.SetMemoryBudget(200))
	for id := 0; id < 4; id++ {
		_, err = l.RequestLayer(id)
		require.NoError(t, err)
	}
	assert.Equal(t, int64(100), l.MemorySnapshot().ResidentBytes)
}

func TestPreload(t *testing.T) {
	store := newFakeStore(40, 40, 40)
	l, err := Open(store, testConfig(200, types.StrategyRecency), nil)
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	require.NoError(t, l.Preload(0, 2))
	assert.Equal(t, types.LayerLoaded, mustState(t, l, 0))
	assert.Equal(t, types.LayerUnloaded, mustState(t, l, 1))
	assert.Equal(t, types.LayerLoaded, mustState(t, l, 2))

	err = l.Preload(1, 9)
	assert.True(t, errors.IsCode(err, errors.ErrCodeLayerNotFound))
	assert.Equal(t, types.LayerLoaded, mustState(t, l, 1), "valid ids still load")
}

func TestReset(t *testing.T) {
	store := newFakeStore(40, 40)
	l, err := Open(store, testConfig(100, types.StrategyRecency), nil)
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	_, err = l.RequestLayer(0)
	require.NoError(t, err)
	_, err = l.RequestLayer(1)
	require.NoError(t, err)

	require.NoError(t, l.Reset())

	snap := l.MemorySnapshot()
	assert.Equal(t, int64(0), snap.ResidentBytes)
	assert.Equal(t, 0, snap.LoadedLayers)
	assert.Equal(t, types.LoaderStats{}, l.Stats())
	assert.Equal(t, types.PatternUnknown, l.AccessPattern())
	for _, ls := range l.LayerStats() {
		assert.Zero(t, ls.AccessCount)
		assert.Equal(t, types.LayerUnloaded.String(), ls.State)
	}
}

func TestLayerStatsDiagnostics(t *testing.T) {
	store := newFakeStore(40, 40)
	l, err := Open(store, testConfig(100, types.StrategyRecency), nil)
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	_, err = l.RequestLayer(0)
	require.NoError(t, err)
	require.NoError(t, l.UnloadLayer(0))
	_, err = l.RequestLayer(0)
	require.NoError(t, err)

	stats := l.LayerStats()
	require.Len(t, stats, 2)
	assert.Equal(t, uint64(2), stats[0].LoadCount)
	assert.Equal(t, uint64(2), stats[0].AccessCount)
	assert.NotZero(t, stats[0].LastAccessTick)
	assert.Zero(t, stats[1].LoadCount)
}

func TestCloseReleasesEverything(t *testing.T) {
	store := newFakeStore(40, 40)
	l, err := Open(store, testConfig(100, types.StrategyRecency), nil)
	require.NoError(t, err)

	require.NoError(t, l.AddDependency(1, 0))
	_, err = l.RequestLayer(1)
	require.NoError(t, err)

	require.NoError(t, l.Close())
	assert.Equal(t, 1, store.releaseCount(0))
	assert.Equal(t, 1, store.releaseCount(1))

	// Idempotent, and the loader refuses further work.
	require.NoError(t, l.Close())
	_, err = l.RequestLayer(0)
	assert.True(t, errors.IsCode(err, errors.ErrCodeClosed))
	assert.True(t, errors.IsCode(l.UnloadLayer(0), errors.ErrCodeClosed))
	assert.True(t, errors.IsCode(l.SetMemoryBudget(100), errors.ErrCodeClosed))
}

func TestCloseWaitsForInFlightFetch(t *testing.T) {
	// A close racing a fetch must not walk past the Loading record: it waits
	// for the commit and then sweeps the freshly committed handle, so the
	// backing store sees a release for every fetch.
	store := newFakeStore(40)
	l, err := Open(store, testConfig(100, types.StrategyRecency), nil)
	require.NoError(t, err)

	started, release := store.gateFetch(0)
	reqDone := make(chan error, 1)
	go func() {
		_, err := l.RequestLayer(0)
		reqDone <- err
	}()
	<-started

	closeDone := make(chan error, 1)
	go func() { closeDone <- l.Close() }()

	select {
	case err := <-closeDone:
		t.Fatalf("Close returned while a fetch was still in flight: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-reqDone)
	require.NoError(t, <-closeDone)

	assert.Equal(t, 1, store.fetchCount(0))
	assert.Equal(t, 1, store.releaseCount(0), "the committed handle must be swept by Close")
	assert.Equal(t, int64(0), l.MemorySnapshot().ResidentBytes)
}

func TestLoaderIDsAreUnique(t *testing.T) {
	a, err := Open(newFakeStore(40), testConfig(100, types.StrategyFIFO), nil)
	require.NoError(t, err)
	defer func() { _ = a.Close() }()
	b, err := Open(newFakeStore(40), testConfig(100, types.StrategyFIFO), nil)
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	assert.NotEmpty(t, a.ID())
	assert.NotEqual(t, a.ID(), b.ID())
}
