// Package aggregate combines client model snapshots into a single global
// model using a pluggable weighting strategy.
package aggregate

import (
	"fmt"
	"math"
	"sort"

	pkgerrors "github.com/medhive/coordinator/pkg/errors"
	"github.com/medhive/coordinator/pkg/model"
)

// Strategy selects how client contributions are weighted.
type Strategy string

const (
	UniformMean      Strategy = "uniformMean"
	SizeWeightedMean Strategy = "sizeWeightedMean"
	TrimmedMean      Strategy = "trimmedMean"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(name string) (Strategy, error) {
	switch Strategy(name) {
	case UniformMean, SizeWeightedMean, TrimmedMean:
		return Strategy(name), nil
	}

	return "", fmt.Errorf("%w: unknown aggregation strategy %q", pkgerrors.ErrInvalidConfig, name)
}

// Options tune a Combine call.
type Options struct {
	// TrimFraction is the fraction trimmed at each tail under TrimmedMean.
	TrimFraction float64
	// NoiseScale, when positive, adds Laplace noise with scale b to every
	// averaged scalar before the result is emitted.
	NoiseScale float64
	// Rand supplies randomness for noise. Nil noise scale needs no source.
	Rand func() float64
}

// Combine merges the snapshots into one model. Weights are normalized to sum
// to 1; statistics-only keys are passed through from the first snapshot. All
// snapshots must agree on kind, key set, and per-key shape.
func Combine(snaps []model.Snapshot, weights []float64, strategy Strategy, opts Options) (model.Snapshot, error) {
	if len(snaps) == 0 {
		return model.Snapshot{}, fmt.Errorf("%w: no snapshots to combine", pkgerrors.ErrValidation)
	}
	if len(weights) != len(snaps) {
		return model.Snapshot{}, fmt.Errorf("%w: %d snapshots but %d weights", pkgerrors.ErrValidation, len(snaps), len(weights))
	}

	first := snaps[0]
	keys := first.Keys()
	if err := checkSchema(snaps, keys); err != nil {
		return model.Snapshot{}, err
	}

	normalized, err := normalize(weights)
	if err != nil {
		return model.Snapshot{}, err
	}

	out := model.Snapshot{
		Kind:      first.Kind,
		Params:    make(map[string]model.Tensor, len(keys)),
		StatsOnly: append([]string(nil), first.StatsOnly...),
	}

	for _, key := range keys {
		ref := first.Params[key]
		result := model.Tensor{
			DType: ref.DType,
			Shape: append([]int64(nil), ref.Shape...),
			Data:  make([]float64, len(ref.Data)),
		}

		if first.IsStatsOnly(key) {
			copy(result.Data, ref.Data)
			out.Params[key] = result

			continue
		}

		switch strategy {
		case TrimmedMean:
			trimmedAverage(snaps, key, opts.TrimFraction, result.Data)
		default:
			weightedAverage(snaps, normalized, key, result.Data)
		}

		if opts.NoiseScale > 0 && opts.Rand != nil {
			for i := range result.Data {
				result.Data[i] += laplace(opts.NoiseScale, opts.Rand)
			}
		}

		out.Params[key] = result
	}

	return out, nil
}

// checkSchema verifies all snapshots share kind, key set, and shapes.
func checkSchema(snaps []model.Snapshot, keys []string) error {
	first := snaps[0]
	for i, snap := range snaps[1:] {
		if snap.Kind != first.Kind {
			return fmt.Errorf("%w: snapshot %d has kind %q, want %q", pkgerrors.ErrSchemaMismatch, i+1, snap.Kind, first.Kind)
		}
		if len(snap.Params) != len(keys) {
			return fmt.Errorf("%w: snapshot %d has %d parameters, want %d", pkgerrors.ErrSchemaMismatch, i+1, len(snap.Params), len(keys))
		}
		for _, key := range keys {
			t, ok := snap.Params[key]
			if !ok {
				return fmt.Errorf("%w: snapshot %d missing parameter %q", pkgerrors.ErrSchemaMismatch, i+1, key)
			}
			if len(t.Data) != len(first.Params[key].Data) {
				return fmt.Errorf("%w: parameter %q length differs in snapshot %d", pkgerrors.ErrSchemaMismatch, key, i+1)
			}
		}
	}

	return nil
}

func normalize(weights []float64) ([]float64, error) {
	var sum float64
	for _, w := range weights {
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return nil, fmt.Errorf("%w: invalid weight %v", pkgerrors.ErrValidation, w)
		}
		sum += w
	}
	if sum == 0 {
		return nil, fmt.Errorf("%w: weights sum to zero", pkgerrors.ErrValidation)
	}

	out := make([]float64, len(weights))
	for i, w := range weights {
		out[i] = w / sum
	}

	return out, nil
}

func weightedAverage(snaps []model.Snapshot, weights []float64, key string, dst []float64) {
	for i, snap := range snaps {
		for j, v := range snap.Params[key].Data {
			dst[j] += weights[i] * v
		}
	}
}

// trimmedAverage averages each scalar after dropping the outer fraction at
// both tails. With too few contributions to trim, all are kept.
func trimmedAverage(snaps []model.Snapshot, key string, fraction float64, dst []float64) {
	n := len(snaps)
	k := int(math.Floor(float64(n) * fraction))
	if 2*k >= n {
		k = 0
	}

	values := make([]float64, n)
	for j := range dst {
		for i, snap := range snaps {
			values[i] = snap.Params[key].Data[j]
		}
		sort.Float64s(values)

		var sum float64
		for _, v := range values[k : n-k] {
			sum += v
		}
		dst[j] = sum / float64(n-2*k)
	}
}

// laplace draws from Laplace(0, scale) via inverse transform sampling.
func laplace(scale float64, randFn func() float64) float64 {
	u := randFn() - 0.5

	return -scale * math.Copysign(math.Log(1-2*math.Abs(u)), u)
}
