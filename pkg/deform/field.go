// Package deform implements the deformation field used to sample tiles.
//
// A Field holds one coordinate grid per axis over a fixed tile shape. Rigid
// transforms (rotation, mirroring) and a smooth elastic perturbation are baked
// into the coordinates once; afterwards the field is read-only and can be shared
// by concurrent readers. Images, labels and weights are all resampled through
// Apply so that the three stay geometrically aligned.
package deform

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"segtiles/pkg/errs"
	"segtiles/pkg/grid"
)

// Field maps every output pixel of a tile to a source coordinate relative to the
// tile center.
type Field struct {
	// shape is the tile shape the field covers
	shape []int

	// coords[d] holds the axis-d source coordinate of every tile pixel,
	// flattened in row-major order
	coords [][]float64
}

// New creates an identity field for a tile of the given shape. The coordinate of
// axis d ranges from -shape[d]/2 to shape[d]/2-1.
func New(shape ...int) *Field {
	f := &Field{
		shape:  slices.Clone(shape),
		coords: make([][]float64, len(shape)),
	}
	n := grid.Size(shape)
	idx := make([]int, len(shape))
	for d := range shape {
		f.coords[d] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		grid.Unravel(i, shape, idx)
		for d, c := range idx {
			f.coords[d][i] = float64(c) - float64(shape[d])/2
		}
	}
	return f
}

// Shape returns the tile shape.
func (f *Field) Shape() []int { return slices.Clone(f.shape) }

// NDim returns the number of spatial axes.
func (f *Field) NDim() int { return len(f.shape) }

// Coords returns a copy of the coordinate grid of axis d.
func (f *Field) Coords(d int) []float64 { return slices.Clone(f.coords[d]) }

// Rotate rotates the field. 2D fields use theta only. 3D fields are rotated about
// axis 0 by theta, then about axis 1 by phi, then about axis 0 again by psi.
func (f *Field) Rotate(theta, phi, psi float64) {
	switch len(f.shape) {
	case 0, 1:
		return
	case 2:
		rotatePlane(f.coords[0], f.coords[1], theta)
		return
	}
	rotatePlane(f.coords[1], f.coords[2], theta)
	rotatePlane(f.coords[0], f.coords[2], phi)
	rotatePlane(f.coords[1], f.coords[2], psi)
}

// rotatePlane applies a = a cos + b sin, b = -a sin + b cos element-wise.
func rotatePlane(a, b []float64, angle float64) {
	if angle == 0 {
		return
	}
	sin, cos := math.Sincos(angle)
	for i := range a {
		x, y := a[i], b[i]
		a[i] = x*cos + y*sin
		b[i] = -x*sin + y*cos
	}
}

// Mirror negates the coordinates of every axis flagged in dims. Applying the same
// flags twice restores the field.
func (f *Field) Mirror(dims []bool) {
	for d := range f.shape {
		if d < len(dims) && dims[d] {
			for i, v := range f.coords[d] {
				f.coords[d][i] = -v
			}
		}
	}
}

// AddRandomDeformation adds a smooth elastic perturbation. Gaussian offsets with
// standard deviation sigma[d] are drawn on a seed lattice spaced grid[d] pixels
// apart and interpolated to every pixel with a cubic radial basis function.
func (f *Field) AddRandomDeformation(gridSpacing []int, sigma []float64, src rand.Source) error {
	ndim := len(f.shape)
	if len(gridSpacing) != ndim || len(sigma) != ndim {
		return fmt.Errorf("%w: deformation grid %v and magnitude %v must have %d entries",
			errs.ErrConfiguration, gridSpacing, sigma, ndim)
	}

	// Seed lattice: -g/2, g/2, 3g/2, ... while below size + g/2
	axes := make([][]float64, ndim)
	latticeShape := make([]int, ndim)
	for d, g := range gridSpacing {
		if g <= 0 {
			return fmt.Errorf("%w: deformation grid spacing must be positive, got %d", errs.ErrConfiguration, g)
		}
		step := float64(g)
		for v := -step / 2; v < float64(f.shape[d])+step/2; v += step {
			axes[d] = append(axes[d], v)
		}
		latticeShape[d] = len(axes[d])
	}
	numSeeds := grid.Size(latticeShape)
	seeds := make([][]float64, numSeeds)
	idx := make([]int, ndim)
	for k := range seeds {
		grid.Unravel(k, latticeShape, idx)
		seeds[k] = make([]float64, ndim)
		for d, c := range idx {
			seeds[k][d] = axes[d][c]
		}
	}

	// Kernel matrix phi(r) = r^3 between seed points
	kernel := mat.NewDense(numSeeds, numSeeds, nil)
	for i := range seeds {
		for j := range seeds {
			kernel.Set(i, j, cubic(seeds[i], seeds[j]))
		}
	}
	var lu mat.LU
	lu.Factorize(kernel)

	// One RBF per axis, evaluated at every pixel in index space
	n := grid.Size(f.shape)
	pixel := make([]float64, ndim)
	for d := 0; d < ndim; d++ {
		normal := distuv.Normal{Mu: 0, Sigma: sigma[d], Src: src}
		values := mat.NewVecDense(numSeeds, nil)
		for k := 0; k < numSeeds; k++ {
			values.SetVec(k, normal.Rand())
		}
		var w mat.VecDense
		if err := lu.SolveVecTo(&w, false, values); err != nil {
			// An ill-conditioned lattice still yields a usable solution
			var cond mat.Condition
			if !errors.As(err, &cond) {
				return fmt.Errorf("failed to solve deformation RBF system: %w", err)
			}
		}
		for i := 0; i < n; i++ {
			grid.Unravel(i, f.shape, idx)
			for a, c := range idx {
				pixel[a] = float64(c)
			}
			sum := 0.0
			for k, s := range seeds {
				sum += w.AtVec(k) * cubic(pixel, s)
			}
			f.coords[d][i] += sum
		}
	}
	return nil
}

// cubic is the radial basis function r^3 of the Euclidean distance between a and b.
func cubic(a, b []float64) float64 {
	r2 := 0.0
	for d := range a {
		diff := a[d] - b[d]
		r2 += diff * diff
	}
	return r2 * math.Sqrt(r2)
}

// OutputShape returns the shape of a tile cropped by pad.
func (f *Field) OutputShape(pad []int) []int {
	out := make([]int, len(f.shape))
	for d, s := range f.shape {
		out[d] = s - padAt(pad, d)
	}
	return out
}

func padAt(pad []int, d int) int {
	if d < len(pad) {
		return pad[d]
	}
	return 0
}

// Get crops the field by pad (pad/2 on the low side, the rest on the high side of
// every axis) and translates it by offset. The result holds absolute source
// coordinates for every pixel of the cropped tile, one slice per axis.
func (f *Field) Get(offset []float64, pad []int) [][]float64 {
	outShape := f.OutputShape(pad)
	n := grid.Size(outShape)
	lo := make([]int, len(f.shape))
	for d := range f.shape {
		lo[d] = padAt(pad, d) / 2
	}
	strides := grid.Strides(f.shape)

	out := make([][]float64, len(f.shape))
	for d := range out {
		out[d] = make([]float64, n)
	}
	idx := make([]int, len(f.shape))
	for i := 0; i < n; i++ {
		grid.Unravel(i, outShape, idx)
		src := 0
		for d, c := range idx {
			src += (c + lo[d]) * strides[d]
		}
		for d := range out {
			var off float64
			if d < len(offset) {
				off = offset[d]
			}
			out[d][i] = f.coords[d][src] + off
		}
	}
	return out
}
