package tta

import (
	"fmt"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"segtiles/pkg/errs"
	"segtiles/pkg/grid"
)

// MergeMode selects how a Merger reduces its predictions.
type MergeMode string

const (
	// MergeMean averages the predictions
	MergeMean MergeMode = "mean"

	// MergeMax keeps the largest prediction
	MergeMax MergeMode = "max"

	// MergeStd returns the sample standard deviation of the predictions
	MergeStd MergeMode = "std"
)

// ParseMergeMode converts a name to a MergeMode. The empty string selects
// MergeMean.
func ParseMergeMode(s string) (MergeMode, error) {
	switch m := MergeMode(s); m {
	case "":
		return MergeMean, nil
	case MergeMean, MergeMax, MergeStd:
		return m, nil
	}
	return "", fmt.Errorf("%w: unknown merge mode %q", errs.ErrConfiguration, s)
}

// Merger accumulates predictions of identical shape. The zero value is ready
// to use.
type Merger struct {
	shape []int
	preds [][]float32
}

// Append adds a prediction.
func (m *Merger) Append(pred *grid.Grid[float32]) error {
	if m.shape == nil {
		m.shape = slices.Clone(pred.Shape)
	} else if !pred.SameShape(m.shape) {
		return fmt.Errorf("%w: prediction of shape %v does not match %v", errs.ErrGeometry, pred.Shape, m.shape)
	}
	m.preds = append(m.preds, slices.Clone(pred.Data))
	return nil
}

// Len returns the number of predictions.
func (m *Merger) Len() int { return len(m.preds) }

// Result reduces the predictions element-wise. With a single prediction the
// standard deviation is NaN.
func (m *Merger) Result(mode MergeMode) (*grid.Grid[float32], error) {
	var reduce func([]float64) float64
	switch mode {
	case MergeMean:
		reduce = func(v []float64) float64 { return stat.Mean(v, nil) }
	case MergeMax:
		reduce = floats.Max
	case MergeStd:
		reduce = func(v []float64) float64 { return stat.StdDev(v, nil) }
	default:
		return nil, fmt.Errorf("%w: unknown merge mode %q", errs.ErrConfiguration, mode)
	}
	if len(m.preds) == 0 {
		return nil, fmt.Errorf("%w: no predictions to merge", errs.ErrDataConsistency)
	}

	out := grid.New[float32](m.shape...)
	column := make([]float64, len(m.preds))
	for i := range out.Data {
		for k, p := range m.preds {
			column[k] = float64(p[i])
		}
		out.Data[i] = float32(reduce(column))
	}
	return out, nil
}
