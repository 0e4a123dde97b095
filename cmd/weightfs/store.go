package main

import (
	"fmt"
	"sync"
	"time"

	"github.com/weightfs/weightfs/pkg/types"
)

// memHandle is a synthetic weights buffer for simulation runs.
type memHandle struct {
	id   int
	data []byte
}

func (h *memHandle) LayerID() int  { return h.id }
func (h *memHandle) Bytes() []byte { return h.data }

// memStore is an in-memory backing store that fabricates layer weights on
// demand. An optional per-fetch latency makes simulated load timings
// non-trivial.
type memStore struct {
	mu      sync.Mutex
	layers  []types.LayerDescriptor
	latency time.Duration

	fetches  int
	releases int
	hints    int
}

func newMemStore(layerCount int, layerSize int64, latency time.Duration) *memStore {
	layers := make([]types.LayerDescriptor, layerCount)
	for i := range layers {
		layers[i] = types.LayerDescriptor{ID: i, ByteSize: layerSize, Precision: 16}
	}
	return &memStore{layers: layers, latency: latency}
}

func (s *memStore) LayerCount() int {
	return len(s.layers)
}

func (s *memStore) LayerDescriptor(id int) (types.LayerDescriptor, error) {
	if id < 0 || id >= len(s.layers) {
		return types.LayerDescriptor{}, fmt.Errorf("no such layer: %d", id)
	}
	return s.layers[id], nil
}

func (s *memStore) FetchWeights(id int) (types.WeightsHandle, error) {
	desc, err := s.LayerDescriptor(id)
	if err != nil {
		return nil, err
	}
	if s.latency > 0 {
		time.Sleep(s.latency)
	}
	s.mu.Lock()
	s.fetches++
	s.mu.Unlock()
	return &memHandle{id: id, data: make([]byte, desc.ByteSize)}, nil
}

func (s *memStore) ReleaseWeights(id int) error {
	if _, err := s.LayerDescriptor(id); err != nil {
		return err
	}
	s.mu.Lock()
	s.releases++
	s.mu.Unlock()
	return nil
}

func (s *memStore) PrefetchHint(id int) {
	s.mu.Lock()
	s.hints++
	s.mu.Unlock()
}

func (s *memStore) counters() (fetches, releases, hints int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches, s.releases, s.hints
}
