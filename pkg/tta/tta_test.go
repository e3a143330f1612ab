package tta

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"segtiles/pkg/errs"
	"segtiles/pkg/grid"
)

func mustGrid(t *testing.T, data []float32, shape ...int) *grid.Grid[float32] {
	g, err := grid.FromSlice(data, shape...)
	require.NoError(t, err)
	return g
}

func TestFlips(t *testing.T) {
	x := mustGrid(t, []float32{1, 2, 3, 4, 5, 6}, 2, 3)

	h, err := HorizontalFlip{}.Augment(x, 1)
	require.NoError(t, err)
	require.Equal(t, []float32{3, 2, 1, 6, 5, 4}, h.Data)

	v, err := VerticalFlip{}.Augment(x, 1)
	require.NoError(t, err)
	require.Equal(t, []float32{4, 5, 6, 1, 2, 3}, v.Data)

	same, err := HorizontalFlip{}.Augment(x, 0)
	require.NoError(t, err)
	require.Equal(t, x, same)
	require.NotSame(t, x, same)
}

func TestRotate90(t *testing.T) {
	r, err := NewRotate90(90, 180, 270)
	require.NoError(t, err)
	require.Equal(t, []int{0, 90, 180, 270}, r.Params())

	_, err = NewRotate90(45)
	require.ErrorIs(t, err, errs.ErrConfiguration)

	x := mustGrid(t, []float32{1, 2, 3, 4, 5, 6}, 2, 3)
	y, err := r.Augment(x, 90)
	require.NoError(t, err)
	require.Equal(t, []int{3, 2}, y.Shape)
	require.Equal(t, []float32{3, 6, 2, 5, 1, 4}, y.Data)

	// -90 and 270 are the same rotation
	a, err := r.Augment(x, -90)
	require.NoError(t, err)
	b, err := r.Augment(x, 270)
	require.NoError(t, err)
	require.Equal(t, a, b)

	back, err := r.Deaugment(y, 90)
	require.NoError(t, err)
	require.Equal(t, x, back)

	_, err = r.Augment(grid.New[float32](4), 90)
	require.ErrorIs(t, err, errs.ErrGeometry)
}

func TestComposeEnumeratesCrossProduct(t *testing.T) {
	r, err := NewRotate90(90, 180, 270)
	require.NoError(t, err)
	c := NewCompose(HorizontalFlip{}, VerticalFlip{}, r)
	require.Equal(t, 16, c.Len())
	require.Len(t, c.Transformers(), 16)

	combos := c.Combinations()
	require.Equal(t, Combination{0, 0, 0}, combos[0])
	require.Equal(t, Combination{0, 0, 90}, combos[1])
	require.Equal(t, Combination{1, 1, 270}, combos[15])

	require.Equal(t, 1, NewCompose().Len())
}

func TestTransformerRoundTrip(t *testing.T) {
	r, err := NewRotate90(90, 180, 270)
	require.NoError(t, err)
	c := NewCompose(HorizontalFlip{}, VerticalFlip{}, r)

	x := grid.New[float32](3, 5, 2)
	for i := range x.Data {
		x.Data[i] = float32(i)
	}
	for _, tr := range c.Transformers() {
		aug, err := tr.Augment(x)
		require.NoError(t, err)
		back, err := tr.Deaugment(aug)
		require.NoError(t, err)
		require.Equal(t, x, back, "combination %v", tr.Params())
	}
}

func TestPredictWithEquivariantModel(t *testing.T) {
	r, err := NewRotate90(90, 180, 270)
	require.NoError(t, err)
	c := NewCompose(HorizontalFlip{}, VerticalFlip{}, r)

	x := grid.New[float32](4, 6, 1)
	for i := range x.Data {
		x.Data[i] = float32(i % 7)
	}
	double := ModelFunc(func(_ context.Context, in *grid.Grid[float32]) (*grid.Grid[float32], error) {
		out := in.Clone()
		for i, v := range out.Data {
			out.Data[i] = 2 * v
		}
		return out, nil
	})

	mean, err := Predict(context.Background(), c, x, double, MergeMean)
	require.NoError(t, err)
	want, err := double(context.Background(), x)
	require.NoError(t, err)
	require.Equal(t, want.Shape, mean.Shape)
	for i := range want.Data {
		require.InDelta(t, want.Data[i], mean.Data[i], 1e-5)
	}

	std, err := Predict(context.Background(), c, x, double, MergeStd)
	require.NoError(t, err)
	for _, v := range std.Data {
		require.InDelta(t, 0, v, 1e-5)
	}
}

func TestPredictStops(t *testing.T) {
	c := NewCompose(HorizontalFlip{})
	x := grid.New[float32](2, 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	identity := ModelFunc(func(_ context.Context, in *grid.Grid[float32]) (*grid.Grid[float32], error) { return in, nil })
	_, err := Predict(ctx, c, x, identity, MergeMean)
	require.ErrorIs(t, err, context.Canceled)

	boom := errors.New("boom")
	failing := ModelFunc(func(context.Context, *grid.Grid[float32]) (*grid.Grid[float32], error) { return nil, boom })
	_, err = Predict(context.Background(), c, x, failing, MergeMean)
	require.ErrorIs(t, err, boom)
}

func TestMerger(t *testing.T) {
	var m Merger
	_, err := m.Result(MergeMean)
	require.ErrorIs(t, err, errs.ErrDataConsistency)

	require.NoError(t, m.Append(mustGrid(t, []float32{1, 4}, 1, 2)))
	single, err := m.Result(MergeStd)
	require.NoError(t, err)
	require.True(t, math.IsNaN(float64(single.Data[0])))

	require.NoError(t, m.Append(mustGrid(t, []float32{3, 0}, 1, 2)))
	require.NoError(t, m.Append(mustGrid(t, []float32{5, 2}, 1, 2)))
	require.Equal(t, 3, m.Len())

	err = m.Append(mustGrid(t, []float32{1, 2}, 2, 1))
	require.ErrorIs(t, err, errs.ErrGeometry)

	mean, err := m.Result(MergeMean)
	require.NoError(t, err)
	require.Equal(t, []int{1, 2}, mean.Shape)
	require.InDeltaSlice(t, []float32{3, 2}, mean.Data, 1e-6)

	mx, err := m.Result(MergeMax)
	require.NoError(t, err)
	require.Equal(t, []float32{5, 4}, mx.Data)

	std, err := m.Result(MergeStd)
	require.NoError(t, err)
	require.InDeltaSlice(t, []float32{2, 2}, std.Data, 1e-6)

	_, err = m.Result("median")
	require.ErrorIs(t, err, errs.ErrConfiguration)
}

func TestParseMergeMode(t *testing.T) {
	for in, want := range map[string]MergeMode{"": MergeMean, "mean": MergeMean, "max": MergeMax, "std": MergeStd} {
		got, err := ParseMergeMode(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := ParseMergeMode("avg")
	require.ErrorIs(t, err, errs.ErrConfiguration)
}
