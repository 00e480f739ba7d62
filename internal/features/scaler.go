package features

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ScalerParams holds fitted min-max bounds so scaling can be reproduced
// outside the fitting process (serialized into model archives).
type ScalerParams struct {
	Min []float64 `msgpack:"min" json:"min"`
	Max []float64 `msgpack:"max" json:"max"`
}

// MinMaxScaler normalizes a feature matrix column-wise into [0,1].
// Degenerate columns (max == min) map to exactly 0 instead of dividing
// by zero.
type MinMaxScaler struct {
	min []float64
	max []float64
}

// NewMinMaxScaler creates an unfitted scaler.
func NewMinMaxScaler() *MinMaxScaler {
	return &MinMaxScaler{}
}

// FitTransform computes per-column min and max over the matrix, then returns
// the scaled copy. The input matrix is not modified.
func (s *MinMaxScaler) FitTransform(data *mat.Dense) *mat.Dense {
	rows, cols := data.Dims()
	if rows == 0 || cols == 0 {
		return mat.DenseCopyOf(data)
	}

	s.min = make([]float64, cols)
	s.max = make([]float64, cols)
	for j := 0; j < cols; j++ {
		s.min[j] = data.At(0, j)
		s.max[j] = data.At(0, j)
	}
	for i := 1; i < rows; i++ {
		for j := 0; j < cols; j++ {
			v := data.At(i, j)
			if v < s.min[j] {
				s.min[j] = v
			}
			if v > s.max[j] {
				s.max[j] = v
			}
		}
	}

	scaled, _ := s.Transform(data)
	return scaled
}

// Transform reapplies previously fitted bounds without refitting.
// Callers must fit (or SetParams) first.
func (s *MinMaxScaler) Transform(data *mat.Dense) (*mat.Dense, error) {
	if s.min == nil || s.max == nil {
		return nil, fmt.Errorf("scaler is not fitted")
	}

	rows, cols := data.Dims()
	if cols != len(s.min) {
		return nil, fmt.Errorf("column count mismatch: fitted %d, got %d", len(s.min), cols)
	}

	out := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			span := s.max[j] - s.min[j]
			if span == 0 {
				out.Set(i, j, 0)
				continue
			}
			out.Set(i, j, (data.At(i, j)-s.min[j])/span)
		}
	}

	return out, nil
}

// Params returns the fitted bounds for serialization.
func (s *MinMaxScaler) Params() ScalerParams {
	return ScalerParams{Min: s.min, Max: s.max}
}

// SetParams restores previously fitted bounds.
func (s *MinMaxScaler) SetParams(p ScalerParams) {
	s.min = p.Min
	s.max = p.Max
}
