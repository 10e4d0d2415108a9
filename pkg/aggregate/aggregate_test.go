package aggregate_test

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medhive/coordinator/pkg/aggregate"
	pkgerrors "github.com/medhive/coordinator/pkg/errors"
	"github.com/medhive/coordinator/pkg/model"
)

func snap(values ...float64) model.Snapshot {
	return model.Snapshot{
		Kind: "m1",
		Params: map[string]model.Tensor{
			"coef": {DType: "f64", Shape: []int64{int64(len(values))}, Data: values},
		},
	}
}

func TestParseStrategy(t *testing.T) {
	for _, name := range []string{"uniformMean", "sizeWeightedMean", "trimmedMean"} {
		_, err := aggregate.ParseStrategy(name)
		assert.NoError(t, err, name)
	}

	_, err := aggregate.ParseStrategy("median")
	assert.ErrorIs(t, err, pkgerrors.ErrInvalidConfig)
}

func TestUniformMean(t *testing.T) {
	out, err := aggregate.Combine(
		[]model.Snapshot{snap(1, 3), snap(3, 5)},
		[]float64{1, 1},
		aggregate.UniformMean,
		aggregate.Options{},
	)
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 4}, out.Params["coef"].Data)
}

func TestSizeWeightedMean(t *testing.T) {
	out, err := aggregate.Combine(
		[]model.Snapshot{snap(0), snap(4)},
		[]float64{10, 30},
		aggregate.SizeWeightedMean,
		aggregate.Options{},
	)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, out.Params["coef"].Data[0], 1e-12)
}

func TestTrimmedMean(t *testing.T) {
	snaps := []model.Snapshot{snap(1), snap(2), snap(3), snap(4), snap(100)}
	weights := []float64{1, 1, 1, 1, 1}

	out, err := aggregate.Combine(snaps, weights, aggregate.TrimmedMean, aggregate.Options{TrimFraction: 0.2})
	require.NoError(t, err)

	// Outlier 100 and low tail 1 are dropped; mean of {2, 3, 4}.
	assert.InDelta(t, 3.0, out.Params["coef"].Data[0], 1e-12)
}

func TestTrimmedMeanTooFewToTrim(t *testing.T) {
	out, err := aggregate.Combine(
		[]model.Snapshot{snap(1), snap(3)},
		[]float64{1, 1},
		aggregate.TrimmedMean,
		aggregate.Options{TrimFraction: 0.5},
	)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, out.Params["coef"].Data[0], 1e-12)
}

func TestStatsOnlyPassThrough(t *testing.T) {
	first := snap(1, 1)
	first.Params["running_mean"] = model.Tensor{DType: "f64", Shape: []int64{1}, Data: []float64{7}}
	first.StatsOnly = []string{"running_mean"}

	second := snap(3, 3)
	second.Params["running_mean"] = model.Tensor{DType: "f64", Shape: []int64{1}, Data: []float64{100}}
	second.StatsOnly = []string{"running_mean"}

	out, err := aggregate.Combine(
		[]model.Snapshot{first, second},
		[]float64{1, 1},
		aggregate.UniformMean,
		aggregate.Options{},
	)
	require.NoError(t, err)

	// Running statistics come from the first client, never averaged.
	assert.Equal(t, []float64{7}, out.Params["running_mean"].Data)
	assert.Equal(t, []float64{2, 2}, out.Params["coef"].Data)
}

func TestSchemaMismatch(t *testing.T) {
	other := model.Snapshot{
		Kind: "m1",
		Params: map[string]model.Tensor{
			"weights": {DType: "f64", Shape: []int64{1}, Data: []float64{1}},
		},
	}

	_, err := aggregate.Combine(
		[]model.Snapshot{snap(1), other},
		[]float64{1, 1},
		aggregate.UniformMean,
		aggregate.Options{},
	)
	assert.ErrorIs(t, err, pkgerrors.ErrSchemaMismatch)
}

func TestShapeMismatch(t *testing.T) {
	_, err := aggregate.Combine(
		[]model.Snapshot{snap(1, 2), snap(1)},
		[]float64{1, 1},
		aggregate.UniformMean,
		aggregate.Options{},
	)
	assert.ErrorIs(t, err, pkgerrors.ErrSchemaMismatch)
}

func TestKindMismatch(t *testing.T) {
	other := snap(1)
	other.Kind = "m2"

	_, err := aggregate.Combine(
		[]model.Snapshot{snap(1), other},
		[]float64{1, 1},
		aggregate.UniformMean,
		aggregate.Options{},
	)
	assert.ErrorIs(t, err, pkgerrors.ErrSchemaMismatch)
}

func TestInvalidWeights(t *testing.T) {
	_, err := aggregate.Combine([]model.Snapshot{snap(1)}, []float64{0}, aggregate.UniformMean, aggregate.Options{})
	assert.ErrorIs(t, err, pkgerrors.ErrValidation)

	_, err = aggregate.Combine([]model.Snapshot{snap(1)}, []float64{-1}, aggregate.UniformMean, aggregate.Options{})
	assert.ErrorIs(t, err, pkgerrors.ErrValidation)

	_, err = aggregate.Combine([]model.Snapshot{snap(1), snap(2)}, []float64{1}, aggregate.UniformMean, aggregate.Options{})
	assert.ErrorIs(t, err, pkgerrors.ErrValidation)
}

func TestCombineOutputIsDeterministic(t *testing.T) {
	run := func() []byte {
		out, err := aggregate.Combine(
			[]model.Snapshot{snap(1, 3), snap(3, 5)},
			[]float64{2, 6},
			aggregate.SizeWeightedMean,
			aggregate.Options{},
		)
		require.NoError(t, err)

		data, err := out.Encode()
		require.NoError(t, err)

		return data
	}

	assert.Equal(t, run(), run())
}

func TestNoiseChangesOutput(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	out, err := aggregate.Combine(
		[]model.Snapshot{snap(1, 3), snap(3, 5)},
		[]float64{1, 1},
		aggregate.UniformMean,
		aggregate.Options{NoiseScale: 0.1, Rand: rng.Float64},
	)
	require.NoError(t, err)

	assert.NotEqual(t, []float64{2, 4}, out.Params["coef"].Data)
	assert.InDelta(t, 2.0, out.Params["coef"].Data[0], 2.0)
}
