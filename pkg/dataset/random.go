package dataset

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"

	"segtiles/pkg/cache"
	"segtiles/pkg/deform"
	"segtiles/pkg/errs"
	"segtiles/pkg/grid"
	"segtiles/pkg/weights"
)

// RandomTileOptions configures a RandomTileDataset. Two-element ranges are
// [low, high] bounds of a uniform draw made once per epoch.
type RandomTileOptions struct {
	// TileShape is the shape of the image tiles fed to the network
	TileShape []int

	// Padding is the amount by which the network output is smaller than its
	// input; labels and weights are cropped by it
	Padding []int

	// SampleMult is the number of tiles drawn per image and epoch. Zero picks
	// the number of non-overlapping output tiles that fit the first image
	SampleMult int

	// RotationRangeDeg bounds the rotation angle in degrees
	RotationRangeDeg [2]float64

	// Flip enables random mirroring along every axis
	Flip bool

	// DeformationGrid is the spacing of the elastic deformation seed lattice
	// in pixels. Nil disables elastic deformation
	DeformationGrid []int

	// DeformationMagnitude is the standard deviation of the seed offsets
	DeformationMagnitude []float64

	// ValueMinimumRange bounds the intensity mapped to by 0
	ValueMinimumRange [2]float64

	// ValueMaximumRange bounds the intensity mapped to by 1
	ValueMaximumRange [2]float64

	// ValueSlopeRange bounds twice the intensity mapped to by 0.5
	ValueSlopeRange [2]float64

	// Weights are the weight map parameters, also part of the cache key
	Weights weights.Params

	// Seed initialises the random number generator
	Seed uint64

	// Logger receives progress messages; nil disables logging
	Logger *zerolog.Logger
}

// DefaultRandomTileOptions returns the options used for 2D training.
func DefaultRandomTileOptions() RandomTileOptions {
	return RandomTileOptions{
		TileShape:            []int{540, 540},
		Padding:              []int{184, 184},
		RotationRangeDeg:     [2]float64{0, 360},
		Flip:                 true,
		DeformationGrid:      []int{150, 150},
		DeformationMagnitude: []float64{10, 10},
		ValueMinimumRange:    [2]float64{0, 0},
		ValueMaximumRange:    [2]float64{1, 1},
		ValueSlopeRange:      [2]float64{1, 1},
		Weights:              weights.DefaultParams(),
	}
}

// Validate checks the options for consistency.
func (o RandomTileOptions) Validate() error {
	if err := checkTileGeometry(o.TileShape, o.Padding); err != nil {
		return err
	}
	if o.SampleMult < 0 {
		return fmt.Errorf("%w: sample multiplier must not be negative, got %d", errs.ErrConfiguration, o.SampleMult)
	}
	for _, r := range []struct {
		name  string
		value [2]float64
	}{
		{"rotation", o.RotationRangeDeg},
		{"value minimum", o.ValueMinimumRange},
		{"value maximum", o.ValueMaximumRange},
		{"value slope", o.ValueSlopeRange},
	} {
		if r.value[0] > r.value[1] {
			return fmt.Errorf("%w: %s range %v is reversed", errs.ErrConfiguration, r.name, r.value)
		}
	}
	if o.DeformationGrid != nil {
		if len(o.DeformationGrid) != len(o.TileShape) || len(o.DeformationMagnitude) != len(o.TileShape) {
			return fmt.Errorf("%w: deformation grid %v and magnitude %v must match tile shape %v",
				errs.ErrConfiguration, o.DeformationGrid, o.DeformationMagnitude, o.TileShape)
		}
	}
	return o.Weights.Validate()
}

// Intensity is the quadratic value mapping of one epoch. It passes through
// (0, Min), (0.5, Mid) and (1, Max).
type Intensity struct {
	Min, Mid, Max float64
}

// Apply maps v, clamped to [0, 1], through the quadratic.
func (f Intensity) Apply(v float64) float64 {
	x := math.Min(math.Max(v, 0), 1)
	// Lagrange basis over the nodes 0, 0.5 and 1
	l0 := 2 * (x - 0.5) * (x - 1)
	l1 := -4 * x * (x - 1)
	l2 := 2 * x * (x - 0.5)
	return f.Min*l0 + f.Mid*l1 + f.Max*l2
}

// Epoch is the augmentation state shared by all items of one epoch. It is never
// modified after it has been published.
type Epoch struct {
	// Number counts epochs starting at 0
	Number int

	// Field is the deformation applied to every tile
	Field *deform.Field

	// Intensity is applied to every image value after resampling
	Intensity Intensity
}

// imageEntry holds the compiled weights of one image and the cumulative
// sampling distribution derived from its PDF.
type imageEntry struct {
	res *weights.Result
	cdf []float64
}

// RandomTileDataset generates randomly placed and deformed training tiles.
// Item may be called concurrently; OnEpochEnd must not overlap with Item calls
// that are expected to see the new epoch.
type RandomTileDataset struct {
	src     Source
	opts    RandomTileOptions
	logger  zerolog.Logger
	entries []imageEntry

	mu  sync.Mutex
	rng *rand.Rand

	epoch atomic.Pointer[Epoch]
}

// NewRandomTileDataset compiles or loads the weights of every image and prepares
// the first epoch. A nil cache keeps the compiled weights in memory only.
func NewRandomTileDataset(src Source, labels LabelSource, c *cache.Cache, opts RandomTileOptions) (*RandomTileDataset, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if src.Len() == 0 {
		return nil, fmt.Errorf("%w: dataset has no images", errs.ErrConfiguration)
	}
	if labels == nil {
		return nil, fmt.Errorf("%w: training tiles need a label source", errs.ErrConfiguration)
	}

	d := &RandomTileDataset{
		src:    src,
		opts:   opts,
		logger: nopIfNil(opts.Logger, "random-tiles"),
		rng:    rand.New(rand.NewSource(opts.Seed)),
	}

	results, err := loadWeights(src, labels, c, opts.Weights, d.logger)
	if err != nil {
		return nil, err
	}
	ndim := len(opts.TileShape)
	d.entries = make([]imageEntry, len(results))
	for i, res := range results {
		if len(res.Shape()) != ndim {
			return nil, fmt.Errorf("%w: labels of %s have shape %v, tiles have %d axes",
				errs.ErrDataConsistency, src.ID(i), res.Shape(), ndim)
		}
		pdf := make([]float64, res.PDF.Len())
		for j, v := range res.PDF.Data {
			pdf[j] = float64(v)
		}
		if len(pdf) == 0 {
			return nil, fmt.Errorf("%w: labels of %s are empty", errs.ErrDataConsistency, src.ID(i))
		}
		cdf := floats.CumSum(make([]float64, len(pdf)), pdf)
		total := cdf[len(cdf)-1]
		if !(total > 0) {
			return nil, fmt.Errorf("%w: sampling PDF of %s is zero everywhere", errs.ErrDataConsistency, src.ID(i))
		}
		floats.Scale(1/total, cdf)
		d.entries[i] = imageEntry{res: res, cdf: cdf}
	}

	if d.opts.SampleMult == 0 {
		d.opts.SampleMult = 1
		shape := results[0].Shape()
		for k := range shape {
			d.opts.SampleMult *= shape[k] / (opts.TileShape[k] - opts.Padding[k])
		}
		d.opts.SampleMult = max(d.opts.SampleMult, 1)
	}

	if err := d.newEpoch(0); err != nil {
		return nil, err
	}
	d.logger.Info().
		Int("images", len(d.entries)).
		Int("sample_mult", d.opts.SampleMult).
		Msg("random tile dataset ready")
	return d, nil
}

// Len returns the number of items per epoch.
func (d *RandomTileDataset) Len() int { return len(d.entries) * d.opts.SampleMult }

// Images returns the number of source images.
func (d *RandomTileDataset) Images() int { return len(d.entries) }

// SampleMult returns the number of tiles drawn per image and epoch.
func (d *RandomTileDataset) SampleMult() int { return d.opts.SampleMult }

// Epoch returns the current epoch snapshot.
func (d *RandomTileDataset) Epoch() *Epoch { return d.epoch.Load() }

// Weights returns the compiled weight data of image i.
func (d *RandomTileDataset) Weights(i int) *weights.Result { return d.entries[i].res }

// Item draws a tile from image i mod Images(). The tile center is drawn from the
// image's sampling PDF, so informative regions are visited more often.
func (d *RandomTileDataset) Item(i int) (Sample, error) {
	if i < 0 || i >= d.Len() {
		return Sample{}, fmt.Errorf("index %d out of range [0, %d)", i, d.Len())
	}
	k := i % len(d.entries)
	e := d.entries[k]

	img, err := d.src.Image(k)
	if err != nil {
		return Sample{}, fmt.Errorf("failed to read image %s: %w", d.src.ID(k), err)
	}
	shape := e.res.Shape()
	spatial, err := spatialShape(img, len(shape))
	if err != nil {
		return Sample{}, err
	}
	if !e.res.Labels.SameShape(spatial) {
		return Sample{}, fmt.Errorf("%w: image %s has shape %v but its labels have shape %v",
			errs.ErrDataConsistency, d.src.ID(k), spatial, shape)
	}

	d.mu.Lock()
	u := d.rng.Float64()
	d.mu.Unlock()
	idx := sort.Search(len(e.cdf), func(j int) bool { return e.cdf[j] > u })
	if idx == len(e.cdf) {
		idx--
	}
	center := toOffset(grid.Unravel(idx, shape, nil))

	ep := d.epoch.Load()
	x, err := deform.Apply(ep.Field, img, center, nil, deform.Linear)
	if err != nil {
		return Sample{}, err
	}
	for j, v := range x.Data {
		x.Data[j] = float32(ep.Intensity.Apply(float64(v)))
	}
	y, err := deform.Apply(ep.Field, e.res.Labels, center, d.opts.Padding, deform.Nearest)
	if err != nil {
		return Sample{}, err
	}
	w, err := deform.Apply(ep.Field, e.res.Weights, center, d.opts.Padding, deform.Linear)
	if err != nil {
		return Sample{}, err
	}
	return Sample{Kind: ImageLabelsWeights, Image: x, Labels: y, Weights: w}, nil
}

// OnEpochEnd draws a new deformation field and intensity function. Items that
// already loaded the previous epoch finish with it.
func (d *RandomTileDataset) OnEpochEnd() error {
	return d.newEpoch(d.epoch.Load().Number + 1)
}

func (d *RandomTileDataset) newEpoch(number int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	o := d.opts
	ndim := len(o.TileShape)
	field := deform.New(o.TileShape...)

	if o.RotationRangeDeg[1] > o.RotationRangeDeg[0] {
		angle := distuv.Uniform{
			Min: o.RotationRangeDeg[0] * math.Pi / 180,
			Max: o.RotationRangeDeg[1] * math.Pi / 180,
			Src: d.rng,
		}
		if ndim == 2 {
			field.Rotate(angle.Rand(), 0, 0)
		} else {
			field.Rotate(angle.Rand(), angle.Rand(), angle.Rand())
		}
	}

	if o.Flip {
		coin := distuv.Bernoulli{P: 0.5, Src: d.rng}
		dims := make([]bool, ndim)
		for k := range dims {
			dims[k] = coin.Rand() == 1
		}
		field.Mirror(dims)
	}

	if o.DeformationGrid != nil {
		d.logger.Debug().Msg("generating deformation field")
		if err := field.AddRandomDeformation(o.DeformationGrid, o.DeformationMagnitude, d.rng); err != nil {
			return err
		}
	}

	draw := func(r [2]float64) float64 {
		return distuv.Uniform{Min: r[0], Max: r[1], Src: d.rng}.Rand()
	}
	ep := &Epoch{
		Number: number,
		Field:  field,
		Intensity: Intensity{
			Min: draw(o.ValueMinimumRange),
			Mid: 0.5 * draw(o.ValueSlopeRange),
			Max: draw(o.ValueMaximumRange),
		},
	}
	d.epoch.Store(ep)
	d.logger.Debug().Int("epoch", number).Interface("intensity", ep.Intensity).Msg("new augmentation epoch")
	return nil
}
