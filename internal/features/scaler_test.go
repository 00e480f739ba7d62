package features

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestFitTransformScalesToUnitRange(t *testing.T) {
	data := mat.NewDense(3, 2, []float64{
		1, 10,
		2, 20,
		3, 30,
	})

	s := NewMinMaxScaler()
	scaled := s.FitTransform(data)

	assert.InDelta(t, 0.0, scaled.At(0, 0), 1e-9)
	assert.InDelta(t, 0.5, scaled.At(1, 0), 1e-9)
	assert.InDelta(t, 1.0, scaled.At(2, 0), 1e-9)
	assert.InDelta(t, 0.0, scaled.At(0, 1), 1e-9)
	assert.InDelta(t, 1.0, scaled.At(2, 1), 1e-9)
}

func TestFitTransformDoesNotMutateInput(t *testing.T) {
	data := mat.NewDense(2, 1, []float64{1, 3})
	NewMinMaxScaler().FitTransform(data)
	assert.Equal(t, 1.0, data.At(0, 0))
	assert.Equal(t, 3.0, data.At(1, 0))
}

func TestDegenerateColumnMapsToZero(t *testing.T) {
	data := mat.NewDense(3, 2, []float64{
		5, 1,
		5, 2,
		5, 3,
	})

	scaled := NewMinMaxScaler().FitTransform(data)
	for i := 0; i < 3; i++ {
		assert.Zero(t, scaled.At(i, 0))
	}
}

func TestTransformReappliesFittedBounds(t *testing.T) {
	s := NewMinMaxScaler()
	s.FitTransform(mat.NewDense(2, 1, []float64{0, 10}))

	out, err := s.Transform(mat.NewDense(2, 1, []float64{5, 20}))
	require.NoError(t, err)
	assert.InDelta(t, 0.5, out.At(0, 0), 1e-9)
	// Values beyond the fitted range scale linearly past 1.
	assert.InDelta(t, 2.0, out.At(1, 0), 1e-9)
}

func TestTransformUnfittedFails(t *testing.T) {
	_, err := NewMinMaxScaler().Transform(mat.NewDense(1, 1, []float64{1}))
	assert.Error(t, err)
}

func TestTransformColumnMismatchFails(t *testing.T) {
	s := NewMinMaxScaler()
	s.FitTransform(mat.NewDense(2, 2, []float64{0, 0, 1, 1}))

	_, err := s.Transform(mat.NewDense(1, 3, []float64{1, 2, 3}))
	assert.Error(t, err)
}

func TestParamsRoundTrip(t *testing.T) {
	s := NewMinMaxScaler()
	s.FitTransform(mat.NewDense(2, 2, []float64{1, 10, 3, 30}))

	restored := NewMinMaxScaler()
	restored.SetParams(s.Params())

	input := mat.NewDense(1, 2, []float64{2, 20})
	want, err := s.Transform(input)
	require.NoError(t, err)
	got, err := restored.Transform(input)
	require.NoError(t, err)

	assert.InDelta(t, want.At(0, 0), got.At(0, 0), 1e-9)
	assert.InDelta(t, want.At(0, 1), got.At(0, 1), 1e-9)
}
