// Package tta implements test-time augmentation for 2D predictions.
//
// A Compose enumerates every combination of the parameters of its transforms.
// For each combination the caller augments the input, runs the model, deaugments
// the output back into the input geometry and appends it to a Merger, which then
// reduces all predictions to one.
//
// Grids have shape (H, W) or (H, W, C); transforms act on the two spatial axes.
package tta

import (
	"fmt"
	"slices"

	"segtiles/pkg/errs"
	"segtiles/pkg/grid"
)

// Transform is an invertible geometric transform with a finite parameter domain.
type Transform interface {
	// Name identifies the transform
	Name() string

	// Params returns the parameter domain, identity first
	Params() []int

	// Identity returns the parameter that leaves the input unchanged
	Identity() int

	// Augment applies the transform with parameter p
	Augment(x *grid.Grid[float32], p int) (*grid.Grid[float32], error)

	// Deaugment undoes Augment with the same parameter
	Deaugment(y *grid.Grid[float32], p int) (*grid.Grid[float32], error)
}

// HorizontalFlip mirrors the width axis when its parameter is 1.
type HorizontalFlip struct{}

func (HorizontalFlip) Name() string  { return "hflip" }
func (HorizontalFlip) Params() []int { return []int{0, 1} }
func (HorizontalFlip) Identity() int { return 0 }

func (HorizontalFlip) Augment(x *grid.Grid[float32], p int) (*grid.Grid[float32], error) {
	return flip(x, 1, p)
}

func (HorizontalFlip) Deaugment(y *grid.Grid[float32], p int) (*grid.Grid[float32], error) {
	return flip(y, 1, p)
}

// VerticalFlip mirrors the height axis when its parameter is 1.
type VerticalFlip struct{}

func (VerticalFlip) Name() string  { return "vflip" }
func (VerticalFlip) Params() []int { return []int{0, 1} }
func (VerticalFlip) Identity() int { return 0 }

func (VerticalFlip) Augment(x *grid.Grid[float32], p int) (*grid.Grid[float32], error) {
	return flip(x, 0, p)
}

func (VerticalFlip) Deaugment(y *grid.Grid[float32], p int) (*grid.Grid[float32], error) {
	return flip(y, 0, p)
}

// Rotate90 rotates counterclockwise by multiples of 90 degrees.
type Rotate90 struct {
	angles []int
}

// NewRotate90 creates a rotation over the given angles in degrees. The angle 0 is
// added in front when missing. Every angle must be a multiple of 90.
func NewRotate90(angles ...int) (*Rotate90, error) {
	for _, a := range angles {
		if a%90 != 0 {
			return nil, fmt.Errorf("%w: rotation angle %d is not a multiple of 90", errs.ErrConfiguration, a)
		}
	}
	if !slices.Contains(angles, 0) {
		angles = append([]int{0}, angles...)
	}
	return &Rotate90{angles: angles}, nil
}

func (r *Rotate90) Name() string  { return "rot90" }
func (r *Rotate90) Params() []int { return slices.Clone(r.angles) }
func (r *Rotate90) Identity() int { return 0 }

func (r *Rotate90) Augment(x *grid.Grid[float32], angle int) (*grid.Grid[float32], error) {
	return rot90(x, angle/90)
}

func (r *Rotate90) Deaugment(y *grid.Grid[float32], angle int) (*grid.Grid[float32], error) {
	return rot90(y, -angle/90)
}

func checkRank(x *grid.Grid[float32]) error {
	if x.NDim() != 2 && x.NDim() != 3 {
		return fmt.Errorf("%w: expected shape (H, W) or (H, W, C), got %v", errs.ErrGeometry, x.Shape)
	}
	return nil
}

// flip reverses axis (0 or 1) when p is 1 and returns a copy otherwise.
func flip(x *grid.Grid[float32], axis, p int) (*grid.Grid[float32], error) {
	if err := checkRank(x); err != nil {
		return nil, err
	}
	out := x.Clone()
	if p == 0 {
		return out, nil
	}
	h, w := x.Shape[0], x.Shape[1]
	step := 1
	if x.NDim() == 3 {
		step = x.Shape[2]
	}
	for y := 0; y < h; y++ {
		for c := 0; c < w; c++ {
			sy, sc := y, c
			if axis == 0 {
				sy = h - 1 - y
			} else {
				sc = w - 1 - c
			}
			copy(out.Data[(y*w+c)*step:(y*w+c+1)*step], x.Data[(sy*w+sc)*step:(sy*w+sc+1)*step])
		}
	}
	return out, nil
}

// rot90 rotates x counterclockwise k quarter turns; negative k turns clockwise.
func rot90(x *grid.Grid[float32], k int) (*grid.Grid[float32], error) {
	if err := checkRank(x); err != nil {
		return nil, err
	}
	k = ((k % 4) + 4) % 4
	h, w := x.Shape[0], x.Shape[1]
	step := 1
	if x.NDim() == 3 {
		step = x.Shape[2]
	}
	shape := slices.Clone(x.Shape)
	if k%2 == 1 {
		shape[0], shape[1] = w, h
	}
	out := grid.New[float32](shape...)
	ow := shape[1]
	for y := 0; y < shape[0]; y++ {
		for c := 0; c < ow; c++ {
			var sy, sc int
			switch k {
			case 0:
				sy, sc = y, c
			case 1:
				sy, sc = c, w-1-y
			case 2:
				sy, sc = h-1-y, w-1-c
			case 3:
				sy, sc = h-1-c, y
			}
			copy(out.Data[(y*ow+c)*step:(y*ow+c+1)*step], x.Data[(sy*w+sc)*step:(sy*w+sc+1)*step])
		}
	}
	return out, nil
}
