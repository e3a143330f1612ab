package tta

import (
	"context"
	"fmt"

	"segtiles/pkg/grid"
)

// Combination holds one parameter per transform of a Compose, in order.
type Combination []int

// Compose is the cross product of the parameter domains of its transforms.
type Compose struct {
	transforms   []Transform
	combinations []Combination
}

// NewCompose enumerates all parameter combinations of transforms. The first
// combination uses the first parameter of every transform and the last
// transform varies fastest.
func NewCompose(transforms ...Transform) *Compose {
	c := &Compose{transforms: transforms}
	combos := []Combination{{}}
	for _, t := range transforms {
		var next []Combination
		for _, prefix := range combos {
			for _, p := range t.Params() {
				combo := make(Combination, len(prefix), len(prefix)+1)
				copy(combo, prefix)
				next = append(next, append(combo, p))
			}
		}
		combos = next
	}
	c.combinations = combos
	return c
}

// Len returns the number of combinations.
func (c *Compose) Len() int { return len(c.combinations) }

// Combinations returns every parameter combination in enumeration order.
func (c *Compose) Combinations() []Combination { return c.combinations }

// Transformers returns one Transformer per combination.
func (c *Compose) Transformers() []Transformer {
	out := make([]Transformer, len(c.combinations))
	for i, combo := range c.combinations {
		out[i] = Transformer{transforms: c.transforms, params: combo}
	}
	return out
}

// Transformer applies one parameter combination of a Compose.
type Transformer struct {
	transforms []Transform
	params     Combination
}

// Params returns the combination applied by t.
func (t Transformer) Params() Combination { return t.params }

// Augment applies every transform in order.
func (t Transformer) Augment(x *grid.Grid[float32]) (*grid.Grid[float32], error) {
	for i, tr := range t.transforms {
		var err error
		if x, err = tr.Augment(x, t.params[i]); err != nil {
			return nil, fmt.Errorf("%s(%d): %w", tr.Name(), t.params[i], err)
		}
	}
	return x, nil
}

// Deaugment inverts every transform in reverse order, mapping a prediction made
// on an augmented input back to the original geometry.
func (t Transformer) Deaugment(y *grid.Grid[float32]) (*grid.Grid[float32], error) {
	for i := len(t.transforms) - 1; i >= 0; i-- {
		tr := t.transforms[i]
		var err error
		if y, err = tr.Deaugment(y, t.params[i]); err != nil {
			return nil, fmt.Errorf("inverse %s(%d): %w", tr.Name(), t.params[i], err)
		}
	}
	return y, nil
}

// Model produces a prediction for an input grid.
type Model interface {
	Predict(ctx context.Context, x *grid.Grid[float32]) (*grid.Grid[float32], error)
}

// ModelFunc adapts a function to the Model interface.
type ModelFunc func(ctx context.Context, x *grid.Grid[float32]) (*grid.Grid[float32], error)

// Predict calls f.
func (f ModelFunc) Predict(ctx context.Context, x *grid.Grid[float32]) (*grid.Grid[float32], error) {
	return f(ctx, x)
}

// Predict runs model on every augmentation of x produced by c and merges the
// realigned predictions with mode. It stops at the first error or when ctx is
// done.
func Predict(ctx context.Context, c *Compose, x *grid.Grid[float32], model Model, mode MergeMode) (*grid.Grid[float32], error) {
	var m Merger
	for _, t := range c.Transformers() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		in, err := t.Augment(x)
		if err != nil {
			return nil, err
		}
		out, err := model.Predict(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("model failed on combination %v: %w", t.Params(), err)
		}
		if out, err = t.Deaugment(out); err != nil {
			return nil, err
		}
		if err := m.Append(out); err != nil {
			return nil, err
		}
	}
	return m.Result(mode)
}
