package deform

import (
	"fmt"
	"math"

	"segtiles/pkg/errs"
	"segtiles/pkg/grid"
)

// Interpolation orders accepted by Apply.
const (
	// Nearest picks the closest source pixel; use it for label grids
	Nearest = 0

	// Linear interpolates between neighbouring source pixels; use it for
	// images and weights
	Linear = 1
)

// Apply resamples data at the coordinates returned by f.Get(offset, pad).
//
// data must have either the field's spatial rank (single channel) or one extra
// trailing channel axis, in which case every channel is resampled separately.
// Coordinates outside the source are mirrored back inside with half-sample
// symmetric reflection (d c b a | a b c d | d c b a). The result has shape
// f.OutputShape(pad) plus the channel axis, in the dtype of data; integer types
// are truncated toward zero after interpolation.
func Apply[T grid.Number](f *Field, data *grid.Grid[T], offset []float64, pad []int, order int) (*grid.Grid[T], error) {
	if order != Nearest && order != Linear {
		return nil, fmt.Errorf("%w: unsupported interpolation order %d", errs.ErrConfiguration, order)
	}
	ndim := f.NDim()
	if ndim < 1 || ndim > 3 {
		return nil, fmt.Errorf("%w: fields with %d axes are not supported", errs.ErrGeometry, ndim)
	}
	channels := 0
	switch data.NDim() {
	case ndim:
	case ndim + 1:
		channels = data.Shape[ndim]
	default:
		return nil, fmt.Errorf("%w: cannot sample %d-dimensional data with a %d-dimensional field",
			errs.ErrGeometry, data.NDim(), ndim)
	}
	for d := 0; d < ndim; d++ {
		if data.Shape[d] == 0 {
			return nil, fmt.Errorf("%w: cannot sample empty data of shape %v", errs.ErrGeometry, data.Shape)
		}
	}

	coords := f.Get(offset, pad)
	outShape := f.OutputShape(pad)
	n := grid.Size(outShape)

	spatial := data.Shape[:ndim]
	strides := grid.Strides(spatial)
	step := max(channels, 1)
	if channels > 0 {
		outShape = append(outShape, channels)
	}
	out := grid.New[T](outShape...)

	point := make([]float64, ndim)
	for i := 0; i < n; i++ {
		for d := range point {
			point[d] = coords[d][i]
		}
		for c := 0; c < step; c++ {
			var v float64
			if order == Nearest {
				v = sampleNearest(data.Data, spatial, strides, step, c, point)
			} else {
				v = sampleLinear(data.Data, spatial, strides, step, c, point)
			}
			out.Data[i*step+c] = T(v)
		}
	}
	return out, nil
}

// reflect maps an integer index into [0, n) with half-sample symmetric reflection.
func reflect(i, n int) int {
	if n == 1 {
		return 0
	}
	period := 2 * n
	m := i % period
	if m < 0 {
		m += period
	}
	if m >= n {
		m = period - 1 - m
	}
	return m
}

func sampleNearest[T grid.Number](data []T, shape, strides []int, step, channel int, point []float64) float64 {
	idx := 0
	for d, p := range point {
		idx += reflect(int(math.Floor(p+0.5)), shape[d]) * strides[d]
	}
	return float64(data[idx*step+channel])
}

// sampleLinear interpolates multilinearly over the 2^n corners around point.
func sampleLinear[T grid.Number](data []T, shape, strides []int, step, channel int, point []float64) float64 {
	ndim := len(point)
	var base [3]int
	var frac [3]float64
	for d, p := range point {
		fl := math.Floor(p)
		base[d] = int(fl)
		frac[d] = p - fl
	}

	sum := 0.0
	for corner := 0; corner < 1<<ndim; corner++ {
		w := 1.0
		idx := 0
		for d := 0; d < ndim; d++ {
			c := base[d]
			if corner&(1<<d) != 0 {
				c++
				w *= frac[d]
			} else {
				w *= 1 - frac[d]
			}
			idx += reflect(c, shape[d]) * strides[d]
		}
		if w != 0 {
			sum += w * float64(data[idx*step+channel])
		}
	}
	return sum
}
