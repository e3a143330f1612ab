// Package weights compiles label masks into the per-pixel loss weights and
// sampling probabilities used to train instance-aware segmentation networks.
//
// The weighting follows the U-Net recipe: foreground pixels weigh 1, background
// pixels weigh fbr plus a term that rises near foreground objects, and the thin
// background gaps between touching objects of the same class are boosted so the
// network learns to separate them. Touching objects are also split in the label
// output by a one-pixel background ridge.
package weights

import (
	"fmt"
	"math"
	"slices"

	"segtiles/pkg/errs"
	"segtiles/pkg/grid"
)

// sentinelDistance stands in for "no instance" when fewer than two instances of a
// class exist, making the border term vanish.
const sentinelDistance = 1e10

// Params holds the weighting parameters. All values must be positive.
type Params struct {
	// BWS is the border weight sigma in pixels; it controls how quickly the
	// separation term decays away from the gap between two instances
	BWS float64 `yaml:"bws"`

	// FDS is the foreground distance sigma in pixels; it controls how far the
	// foreground attraction reaches into the background
	FDS float64 `yaml:"fds"`

	// BWF is the border weight factor, the peak of the separation term
	BWF float64 `yaml:"bwf"`

	// FBR is the foreground-background ratio, the base weight and sampling
	// probability of background pixels
	FBR float64 `yaml:"fbr"`
}

// DefaultParams returns the parameters used by the datasets when none are given.
func DefaultParams() Params {
	return Params{BWS: 6, FDS: 1, BWF: 50, FBR: 0.1}
}

// Validate checks that every parameter is positive.
func (p Params) Validate() error {
	for _, v := range []struct {
		name  string
		value float64
	}{{"bws", p.BWS}, {"fds", p.FDS}, {"bwf", p.BWF}, {"fbr", p.FBR}} {
		if !(v.value > 0) {
			return fmt.Errorf("%w: weight parameter %s must be positive, got %v", errs.ErrConfiguration, v.name, v.value)
		}
	}
	return nil
}

// Input holds the label data for one image. Exactly one of ClassLabels and
// InstanceLabels must be set.
type Input struct {
	// ClassLabels assigns a class id to every pixel, background is 0
	ClassLabels *grid.Grid[int32]

	// InstanceLabels assigns a unique id to every object, background is 0
	InstanceLabels *grid.Grid[int32]

	// Ignore marks pixels that must not contribute to the loss or be sampled
	Ignore *grid.Grid[bool]

	// NumClasses is the declared number of distinct class values including the
	// background. Zero disables the check. Only applies to ClassLabels.
	NumClasses int
}

// Result is the compiled weight data for one image.
type Result struct {
	// Labels holds the class labels with one-pixel ridges between touching
	// instances of the same class
	Labels *grid.Grid[int32]

	// Weights holds the per-pixel loss weights
	Weights *grid.Grid[float32]

	// PDF holds the relative tile-center sampling probability
	PDF *grid.Grid[float32]
}

// Shape returns the spatial shape shared by the three grids.
func (r *Result) Shape() []int { return r.Labels.Shape }

// Compile derives trimmed labels, weights and the sampling PDF from a label mask.
//
// The dimensionality is taken from the label grid (2D or 3D). Errors wrap
// errs.ErrConfiguration for invalid inputs or parameters and
// errs.ErrDataConsistency when the labels disagree with what was declared.
func Compile(in Input, p Params) (*Result, error) {
	if (in.ClassLabels == nil) == (in.InstanceLabels == nil) {
		return nil, fmt.Errorf("%w: provide exactly one of class labels or instance labels", errs.ErrConfiguration)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	classLabels, instLabels := in.ClassLabels, in.InstanceLabels
	if classLabels != nil && in.NumClasses > 0 {
		if n := len(grid.Unique(classLabels)); n != in.NumClasses {
			return nil, fmt.Errorf("%w: label grid has %d distinct values, expected %d classes",
				errs.ErrDataConsistency, n, in.NumClasses)
		}
	}

	// Without class labels the problem is binary: every instance is class 1
	if classLabels == nil {
		classLabels = grid.New[int32](instLabels.Shape...)
		for i, v := range instLabels.Data {
			if v > 0 {
				classLabels.Data[i] = 1
			}
		}
	}
	shape := classLabels.Shape
	if in.Ignore != nil && !in.Ignore.SameShape(shape) {
		return nil, fmt.Errorf("%w: ignore mask shape %v does not match labels %v",
			errs.ErrDataConsistency, in.Ignore.Shape, shape)
	}

	var classes []int32
	for _, c := range grid.Unique(classLabels) {
		if c != 0 {
			classes = append(classes, c)
		}
	}

	if instLabels == nil {
		instLabels = instancesFromClasses(classLabels, classes)
	}

	n := classLabels.Len()
	labels := grid.New[int32](shape...)
	wghts := make([]float64, n)
	for i := range wghts {
		wghts[i] = p.FBR
	}
	frgrdDist := make([]float64, n)

	offsets := neighbourOffsets(len(shape))
	strides := grid.Strides(shape)
	coords := make([]int, len(shape))
	target := grid.New[bool](shape...)
	min1 := make([]float64, n)
	min2 := make([]float64, n)

	for _, c := range classes {
		// Pixel lists of every instance of class c, in ascending instance order
		members := make(map[int32][]int)
		for i, id := range instLabels.Data {
			if id != 0 && classLabels.Data[i] == c {
				members[id] = append(members[id], i)
			}
		}
		instances := make([]int32, 0, len(members))
		for id := range members {
			instances = append(instances, id)
		}
		slices.Sort(instances)

		// Claim pixels that do not touch an already claimed instance of this
		// class; the decision is made against the state before this instance
		claimed := make([]int, 0)
		for _, id := range instances {
			claimed = claimed[:0]
			for _, idx := range members[id] {
				if !touches(labels, strides, idx, c, offsets, coords) {
					claimed = append(claimed, idx)
				}
			}
			for _, idx := range claimed {
				labels.Data[idx] = c
			}
		}

		for i := range min1 {
			min1[i] = sentinelDistance
			min2[i] = sentinelDistance
		}
		for _, id := range instances {
			clear(target.Data)
			for _, idx := range members[id] {
				target.Data[idx] = true
			}
			sq := DistanceTransform(target)
			for i, d2 := range sq {
				frgrdDist[i] += math.Exp(-d2 / (2 * p.FDS * p.FDS))
				dt := math.Sqrt(d2)
				m2 := math.Min(min2[i], dt)
				min1[i], min2[i] = math.Min(min1[i], m2), math.Max(min1[i], m2)
			}
		}
		for i := range wghts {
			s := min1[i] + min2[i]
			wghts[i] += p.BWF * math.Exp(-s*s/(2*p.BWS*p.BWS))
		}
	}

	res := &Result{
		Labels:  labels,
		Weights: grid.New[float32](shape...),
		PDF:     grid.New[float32](shape...),
	}
	for i, l := range labels.Data {
		if l > 0 {
			res.Weights.Data[i] = 1
			res.PDF.Data[i] = 1
		} else {
			res.Weights.Data[i] = float32(wghts[i] + (1-p.FBR)*frgrdDist[i])
			res.PDF.Data[i] = float32(p.FBR)
		}
		if in.Ignore != nil && in.Ignore.Data[i] {
			res.Weights.Data[i] = 0
			res.PDF.Data[i] = 0
		}
	}
	return res, nil
}

// instancesFromClasses labels the connected components of every class with ids
// that are unique across classes.
func instancesFromClasses(classLabels *grid.Grid[int32], classes []int32) *grid.Grid[int32] {
	inst := grid.New[int32](classLabels.Shape...)
	mask := grid.New[bool](classLabels.Shape...)
	var next int32
	for _, c := range classes {
		for i, v := range classLabels.Data {
			mask.Data[i] = v == c
		}
		comps, count := Label(mask)
		for i, id := range comps.Data {
			if id > 0 {
				inst.Data[i] = id + next
			}
		}
		next += int32(count)
	}
	return inst
}
