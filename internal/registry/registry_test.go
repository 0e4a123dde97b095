package registry

import (
	"testing"

	"github.com/weightfs/weightfs/pkg/errors"
	"github.com/weightfs/weightfs/pkg/types"
)

func TestRegisterValidation(t *testing.T) {
	tests := []struct {
		name     string
		id       int
		deps     []int
		wantCode errors.ErrorCode
	}{
		{"negative id", -1, nil, errors.ErrCodeLayerNotFound},
		{"id out of range", 4, nil, errors.ErrCodeLayerNotFound},
		{"unknown dependency", 1, []int{7}, errors.ErrCodeUnknownDependency},
		{"negative dependency", 1, []int{-1}, errors.ErrCodeUnknownDependency},
		{"self dependency", 1, []int{1}, errors.ErrCodeSelfDependency},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(4)
			err := r.Register(tt.id, 100, tt.deps)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !errors.IsCode(err, tt.wantCode) {
				t.Errorf("expected code %s, got %v", tt.wantCode, err)
			}
		})
	}
}

func TestRegisterDuplicate(t *testing.T) {
	r := New(2)
	if err := r.Register(0, 100, nil); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	err := r.Register(0, 100, nil)
	if !errors.IsCode(err, errors.ErrCodeDuplicateLayer) {
		t.Errorf("expected DUPLICATE_LAYER, got %v", err)
	}
}

func TestDependencyGraphBidirectional(t *testing.T) {
	r := New(3)
	for id := 0; id < 3; id++ {
		if err := r.Register(id, 100, nil); err != nil {
			t.Fatalf("register %d: %v", id, err)
		}
	}
	if err := r.AddDependency(2, 0); err != nil {
		t.Fatalf("add dependency: %v", err)
	}
	if err := r.AddDependency(2, 1); err != nil {
		t.Fatalf("add dependency: %v", err)
	}
	// Idempotent.
	if err := r.AddDependency(2, 0); err != nil {
		t.Fatalf("repeat add dependency: %v", err)
	}

	deps, err := r.DependenciesOf(2)
	if err != nil {
		t.Fatalf("dependencies of 2: %v", err)
	}
	if len(deps) != 2 || deps[0] != 0 || deps[1] != 1 {
		t.Errorf("expected dependencies [0 1], got %v", deps)
	}

	dependents, err := r.DependentsOf(0)
	if err != nil {
		t.Fatalf("dependents of 0: %v", err)
	}
	if len(dependents) != 1 || dependents[0] != 2 {
		t.Errorf("expected dependents [2], got %v", dependents)
	}
}

func TestRegisterCompletesInverseRelationLate(t *testing.T) {
	// Layer 1 declares a dependency on layer 0 before 0 exists; registering
	// 0 afterwards must still leave the inverse relation complete.
	r := New(2)
	if err := r.Register(1, 100, []int{0}); err != nil {
		t.Fatalf("register 1: %v", err)
	}
	if err := r.Register(0, 100, nil); err != nil {
		t.Fatalf("register 0: %v", err)
	}
	dependents, err := r.DependentsOf(0)
	if err != nil {
		t.Fatalf("dependents of 0: %v", err)
	}
	if len(dependents) != 1 || dependents[0] != 1 {
		t.Errorf("expected dependents [1], got %v", dependents)
	}
}

func TestHasLoadedDependent(t *testing.T) {
	r := New(2)
	if err := r.Register(0, 100, nil); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(1, 100, []int{0}); err != nil {
		t.Fatal(err)
	}

	if r.HasLoadedDependent(0) {
		t.Error("no layer is loaded yet")
	}

	rec, err := r.Record(1)
	if err != nil {
		t.Fatal(err)
	}
	rec.State = types.LayerLoaded
	if !r.HasLoadedDependent(0) {
		t.Error("layer 1 is loaded and depends on 0")
	}
	if r.HasLoadedDependent(1) {
		t.Error("nothing depends on layer 1")
	}

	// A dependent whose fetch is in flight pins its dependency just as a
	// loaded one does.
	rec.State = types.LayerLoading
	if !r.HasLoadedDependent(0) {
		t.Error("layer 1 is mid-load and depends on 0")
	}

	rec.State = types.LayerUnloaded
	if r.HasLoadedDependent(0) {
		t.Error("dependent is unloaded again")
	}
}

func TestLoadedBytes(t *testing.T) {
	r := New(3)
	sizes := []int64{10, 20, 40}
	for id, size := range sizes {
		if err := r.Register(id, size, nil); err != nil {
			t.Fatal(err)
		}
	}
	if got := r.LoadedBytes(); got != 0 {
		t.Errorf("expected 0 loaded bytes, got %d", got)
	}

	rec0, _ := r.Record(0)
	rec2, _ := r.Record(2)
	rec0.State = types.LayerLoaded
	rec2.State = types.LayerLoaded
	if got := r.LoadedBytes(); got != 50 {
		t.Errorf("expected 50 loaded bytes, got %d", got)
	}
}

func TestEachVisitsInIDOrder(t *testing.T) {
	r := New(4)
	for _, id := range []int{3, 1, 0, 2} {
		if err := r.Register(id, 100, nil); err != nil {
			t.Fatal(err)
		}
	}
	var seen []int
	r.Each(func(rec *LayerRecord) {
		seen = append(seen, rec.ID)
	})
	for i, id := range seen {
		if id != i {
			t.Fatalf("expected ascending id order, got %v", seen)
		}
	}
}

func TestRecordUnknown(t *testing.T) {
	r := New(2)
	if _, err := r.Record(0); !errors.IsCode(err, errors.ErrCodeLayerNotFound) {
		t.Errorf("expected LAYER_NOT_FOUND for unregistered id, got %v", err)
	}
	if _, err := r.Record(5); !errors.IsCode(err, errors.ErrCodeLayerNotFound) {
		t.Errorf("expected LAYER_NOT_FOUND for out-of-range id, got %v", err)
	}
}
