// Package grid provides the dense n-dimensional arrays that flow through the
// engine: label grids, weight maps, sampling PDFs and multi-channel images.
//
// Data is stored flat in row-major order, the same way volumes are laid out
// elsewhere in this repository: the last axis varies fastest. Images carry their
// channels as a trailing axis, so a 2D RGB image has shape (H, W, 3).
package grid

import (
	"fmt"
	"slices"

	"segtiles/pkg/errs"
)

// Number is the set of element types that can be interpolated and converted.
type Number interface {
	~uint8 | ~uint16 | ~int32 | ~int64 | ~int | ~float32 | ~float64
}

// Grid is a row-major n-dimensional array.
type Grid[T any] struct {
	// Shape holds the extent of every axis
	Shape []int

	// Data holds the elements, len(Data) == product(Shape)
	Data []T
}

// New allocates a zero-filled grid of the given shape.
func New[T any](shape ...int) *Grid[T] {
	return &Grid[T]{
		Shape: slices.Clone(shape),
		Data:  make([]T, Size(shape)),
	}
}

// FromSlice wraps data in a grid, checking that its length matches the shape.
// The slice is not copied.
func FromSlice[T any](data []T, shape ...int) (*Grid[T], error) {
	if len(data) != Size(shape) {
		return nil, fmt.Errorf("%w: %d elements do not fill shape %v", errs.ErrGeometry, len(data), shape)
	}
	return &Grid[T]{Shape: slices.Clone(shape), Data: data}, nil
}

// Full allocates a grid with every element set to v.
func Full[T any](v T, shape ...int) *Grid[T] {
	g := New[T](shape...)
	for i := range g.Data {
		g.Data[i] = v
	}
	return g
}

// Size returns the number of elements in a grid of the given shape.
func Size(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}

// NDim returns the number of axes.
func (g *Grid[T]) NDim() int { return len(g.Shape) }

// Len returns the number of elements.
func (g *Grid[T]) Len() int { return len(g.Data) }

// Strides returns the flat-index step of every axis.
func (g *Grid[T]) Strides() []int { return Strides(g.Shape) }

// Strides returns the row-major strides for shape.
func Strides(shape []int) []int {
	strides := make([]int, len(shape))
	step := 1
	for d := len(shape) - 1; d >= 0; d-- {
		strides[d] = step
		step *= shape[d]
	}
	return strides
}

// Index converts coordinates to a flat index. It does not bounds-check.
func (g *Grid[T]) Index(coords ...int) int {
	idx := 0
	step := 1
	for d := len(g.Shape) - 1; d >= 0; d-- {
		idx += coords[d] * step
		step *= g.Shape[d]
	}
	return idx
}

// Unravel writes the coordinates of flat index idx into coords and returns it.
func Unravel(idx int, shape []int, coords []int) []int {
	if coords == nil {
		coords = make([]int, len(shape))
	}
	for d := len(shape) - 1; d >= 0; d-- {
		coords[d] = idx % shape[d]
		idx /= shape[d]
	}
	return coords
}

// At returns the element at coords.
func (g *Grid[T]) At(coords ...int) T { return g.Data[g.Index(coords...)] }

// Set stores v at coords.
func (g *Grid[T]) Set(v T, coords ...int) { g.Data[g.Index(coords...)] = v }

// Clone returns a deep copy.
func (g *Grid[T]) Clone() *Grid[T] {
	return &Grid[T]{Shape: slices.Clone(g.Shape), Data: slices.Clone(g.Data)}
}

// SameShape reports whether g and shape describe the same extents.
func (g *Grid[T]) SameShape(shape []int) bool { return slices.Equal(g.Shape, shape) }

// Convert returns a copy of g with every element converted to U.
// Conversions to integer types truncate toward zero.
func Convert[U, T Number](g *Grid[T]) *Grid[U] {
	out := &Grid[U]{Shape: slices.Clone(g.Shape), Data: make([]U, len(g.Data))}
	for i, v := range g.Data {
		out.Data[i] = U(v)
	}
	return out
}

// Unique returns the sorted distinct values of g.
func Unique[T Number](g *Grid[T]) []T {
	seen := make(map[T]struct{})
	for _, v := range g.Data {
		seen[v] = struct{}{}
	}
	values := make([]T, 0, len(seen))
	for v := range seen {
		values = append(values, v)
	}
	slices.Sort(values)
	return values
}

// Max returns the largest element, or the zero value for an empty grid.
func Max[T Number](g *Grid[T]) T {
	var m T
	for i, v := range g.Data {
		if i == 0 || v > m {
			m = v
		}
	}
	return m
}

// Range is a half-open interval [Start, Stop) along one axis.
type Range struct {
	Start int
	Stop  int
}

// Len returns the number of indices in the range.
func (r Range) Len() int { return r.Stop - r.Start }

// String formats the range like a slice expression.
func (r Range) String() string { return fmt.Sprintf("%d:%d", r.Start, r.Stop) }
