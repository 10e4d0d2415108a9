package model

import (
	"fmt"
	"sort"
	"sync"

	pkgerrors "github.com/medhive/coordinator/pkg/errors"
)

// Evaluator scores a model against a held-out test set and returns named
// metrics. Families without an evaluator configured report no metrics.
type Evaluator func(snap Snapshot, testSetPath string) (map[string]float64, error)

// Family describes one known model kind: how to build a zero-initialized
// model for round 1, which parameter keys carry running statistics, and an
// optional evaluation hook.
type Family struct {
	Kind          string
	NewEmpty      func() Snapshot
	StatsOnlyKeys []string
	Evaluate      Evaluator
}

// Registry maps model kinds to their families. The table is populated at
// startup; lookups are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	families map[string]Family
}

func NewRegistry() *Registry {
	return &Registry{families: make(map[string]Family)}
}

// Register adds a family to the registry. Registering an already known kind
// fails with ErrConflict.
func (r *Registry) Register(f Family) error {
	if f.Kind == "" || f.NewEmpty == nil {
		return fmt.Errorf("%w: family requires kind and empty-model factory", pkgerrors.ErrValidation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.families[f.Kind]; ok {
		return fmt.Errorf("%w: model kind %q already registered", pkgerrors.ErrConflict, f.Kind)
	}
	r.families[f.Kind] = f

	return nil
}

// Lookup returns the family for kind, or ErrNotFound.
func (r *Registry) Lookup(kind string) (Family, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.families[kind]
	if !ok {
		return Family{}, fmt.Errorf("%w: unknown model kind %q", pkgerrors.ErrNotFound, kind)
	}

	return f, nil
}

// NewEmpty builds a canonical zero-initialized snapshot for kind, so round 1
// has a well-defined starting point even without a seed model.
func (r *Registry) NewEmpty(kind string) (Snapshot, error) {
	f, err := r.Lookup(kind)
	if err != nil {
		return Snapshot{}, err
	}

	snap := f.NewEmpty()
	snap.Kind = f.Kind
	snap.StatsOnly = append([]string(nil), f.StatsOnlyKeys...)

	return snap, nil
}

// Kinds returns the registered model kinds in lexicographic order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.families))
	for k := range r.families {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)

	return kinds
}

// batchNormStatsKeys are the running-statistics entries that aggregation must
// pass through from a single client instead of averaging.
var batchNormStatsKeys = []string{"running_mean", "running_var", "num_batches_tracked"}

func zeros(n int64) Tensor {
	return Tensor{DType: "f64", Shape: []int64{n}, Data: make([]float64, n)}
}

func linearClassifier(features int64) func() Snapshot {
	return func() Snapshot {
		return Snapshot{
			Params: map[string]Tensor{
				"coef":                zeros(features),
				"intercept":           zeros(1),
				"running_mean":        zeros(features),
				"running_var":         zeros(features),
				"num_batches_tracked": zeros(1),
			},
		}
	}
}

// Default returns a registry populated with the built-in model families.
func Default() *Registry {
	r := NewRegistry()

	builtins := []Family{
		{Kind: "pneumonia", NewEmpty: linearClassifier(64), StatsOnlyKeys: batchNormStatsKeys},
		{Kind: "ecg", NewEmpty: linearClassifier(187), StatsOnlyKeys: batchNormStatsKeys},
		{Kind: "breast_cancer", NewEmpty: linearClassifier(30), StatsOnlyKeys: batchNormStatsKeys},
	}
	for _, f := range builtins {
		if err := r.Register(f); err != nil {
			panic(fmt.Sprintf("model: built-in family registration: %v", err))
		}
	}

	return r
}
