package dataset

import (
	"fmt"
	"slices"

	"github.com/rs/zerolog"

	"segtiles/pkg/cache"
	"segtiles/pkg/deform"
	"segtiles/pkg/errs"
	"segtiles/pkg/grid"
	"segtiles/pkg/weights"
)

// TileOptions configures a TileDataset.
type TileOptions struct {
	// TileShape is the shape of the image tiles fed to the network
	TileShape []int

	// Padding is the amount by which the network output is smaller than its
	// input
	Padding []int

	// Weights are the weight map parameters used when labels are given
	Weights weights.Params

	// Logger receives progress messages; nil disables logging
	Logger *zerolog.Logger
}

// DefaultTileOptions returns the options used for 2D inference.
func DefaultTileOptions() TileOptions {
	return TileOptions{
		TileShape: []int{540, 540},
		Padding:   []int{184, 184},
		Weights:   weights.DefaultParams(),
	}
}

// OutputShape returns the shape of the network output for one tile.
func (o TileOptions) OutputShape() []int {
	out := make([]int, len(o.TileShape))
	for d := range out {
		out[d] = o.TileShape[d] - o.Padding[d]
	}
	return out
}

// Placement records where a tile belongs in its source image.
type Placement struct {
	// ImageIndex is the index of the source image
	ImageIndex int

	// ImageShape is the spatial shape of the source image
	ImageShape []int

	// Out is the region of the image covered by the tile's output
	Out []grid.Range

	// In is the valid region of the tile's output; it is smaller than the
	// output shape for tiles that overhang the image border
	In []grid.Range
}

// TileDataset covers every image with a grid of non-overlapping output tiles.
type TileDataset struct {
	opts       TileOptions
	logger     zerolog.Logger
	samples    []Sample
	placements []Placement
	images     int
}

// NewTileDataset tiles every image of src. When labels is not nil the compiled
// labels and weights are tiled as well, loaded from c if possible.
func NewTileDataset(src Source, labels LabelSource, c *cache.Cache, opts TileOptions) (*TileDataset, error) {
	if err := checkTileGeometry(opts.TileShape, opts.Padding); err != nil {
		return nil, err
	}
	d := &TileDataset{
		opts:   opts,
		logger: nopIfNil(opts.Logger, "tiles"),
		images: src.Len(),
	}

	var results []*weights.Result
	if labels != nil {
		if err := opts.Weights.Validate(); err != nil {
			return nil, err
		}
		var err error
		if results, err = loadWeights(src, labels, c, opts.Weights, d.logger); err != nil {
			return nil, err
		}
	}

	ndim := len(opts.TileShape)
	out := opts.OutputShape()
	field := deform.New(opts.TileShape...)

	for i := 0; i < src.Len(); i++ {
		img, err := src.Image(i)
		if err != nil {
			return nil, fmt.Errorf("failed to read image %s: %w", src.ID(i), err)
		}
		shape, err := spatialShape(img, ndim)
		if err != nil {
			return nil, err
		}
		shape = slices.Clone(shape)
		if results != nil && !results[i].Labels.SameShape(shape) {
			return nil, fmt.Errorf("%w: image %s has shape %v but its labels have shape %v",
				errs.ErrDataConsistency, src.ID(i), shape, results[i].Shape())
		}

		cells := make([]int, ndim)
		for k := range cells {
			cells[k] = (shape[k] + out[k] - 1) / out[k]
		}
		cell := make([]int, ndim)
		for n := 0; n < grid.Size(cells); n++ {
			grid.Unravel(n, cells, cell)
			center := make([]float64, ndim)
			p := Placement{
				ImageIndex: i,
				ImageShape: shape,
				Out:        make([]grid.Range, ndim),
				In:         make([]grid.Range, ndim),
			}
			for k, t := range cell {
				center[k] = float64(int((float64(t) + 0.5) * float64(out[k])))
				stop := min((t+1)*out[k], shape[k])
				p.Out[k] = grid.Range{Start: t * out[k], Stop: stop}
				p.In[k] = grid.Range{Start: 0, Stop: stop - t*out[k]}
			}

			s := Sample{Kind: ImageOnly}
			if s.Image, err = deform.Apply(field, img, center, nil, deform.Linear); err != nil {
				return nil, err
			}
			if results != nil {
				s.Kind = ImageLabelsWeights
				if s.Labels, err = deform.Apply(field, results[i].Labels, center, opts.Padding, deform.Nearest); err != nil {
					return nil, err
				}
				if s.Weights, err = deform.Apply(field, results[i].Weights, center, opts.Padding, deform.Linear); err != nil {
					return nil, err
				}
			}
			d.samples = append(d.samples, s)
			d.placements = append(d.placements, p)
		}
		d.logger.Debug().Str("image", src.ID(i)).Ints("grid", cells).Msg("tiled image")
	}
	d.logger.Info().Int("images", d.images).Int("tiles", len(d.samples)).Msg("tile dataset ready")
	return d, nil
}

// Len returns the number of tiles.
func (d *TileDataset) Len() int { return len(d.samples) }

// Item returns tile i. The returned grids are shared and must not be modified.
func (d *TileDataset) Item(i int) (Sample, error) {
	if i < 0 || i >= len(d.samples) {
		return Sample{}, fmt.Errorf("index %d out of range [0, %d)", i, len(d.samples))
	}
	return d.samples[i], nil
}

// OnEpochEnd does nothing; the tiling is fixed.
func (d *TileDataset) OnEpochEnd() error { return nil }

// Placements returns the placement of every tile in item order.
func (d *TileDataset) Placements() []Placement { return d.placements }

// Reconstruct reassembles per-tile outputs, one per item in item order, into one
// grid per source image.
func (d *TileDataset) Reconstruct(tiles []*grid.Grid[float32]) ([]*grid.Grid[float32], error) {
	return ReconstructTiles(d.placements, d.images, tiles)
}

// ReconstructTiles copies the valid region of every tile into its place in the
// image it was cut from. Tiles may carry a trailing channel axis, in which case
// all of them must have the same number of channels. The placements of each image
// must cover it exactly once; otherwise an error is returned and no output.
func ReconstructTiles[T any](placements []Placement, images int, tiles []*grid.Grid[T]) ([]*grid.Grid[T], error) {
	if len(tiles) != len(placements) {
		return nil, fmt.Errorf("%w: got %d tiles for %d placements", errs.ErrDataConsistency, len(tiles), len(placements))
	}
	if len(tiles) == 0 {
		return make([]*grid.Grid[T], images), nil
	}

	ndim := len(placements[0].ImageShape)
	channels := -1
	outputs := make([]*grid.Grid[T], images)
	writes := make([][]uint8, images)

	for n, p := range placements {
		tile := tiles[n]
		if p.ImageIndex < 0 || p.ImageIndex >= images {
			return nil, fmt.Errorf("%w: tile %d belongs to image %d of %d", errs.ErrGeometry, n, p.ImageIndex, images)
		}
		if len(p.ImageShape) != ndim || len(p.Out) != ndim || len(p.In) != ndim {
			return nil, fmt.Errorf("%w: placement %d has inconsistent rank", errs.ErrGeometry, n)
		}
		c := 0
		switch tile.NDim() {
		case ndim:
		case ndim + 1:
			c = tile.Shape[ndim]
		default:
			return nil, fmt.Errorf("%w: tile %d of shape %v does not have %d spatial axes",
				errs.ErrGeometry, n, tile.Shape, ndim)
		}
		if channels == -1 {
			channels = c
		} else if c != channels {
			return nil, fmt.Errorf("%w: tile %d has %d channels, expected %d", errs.ErrGeometry, n, c, channels)
		}
		for k := 0; k < ndim; k++ {
			in, out := p.In[k], p.Out[k]
			if in.Len() != out.Len() || in.Start < 0 || in.Stop > tile.Shape[k] ||
				out.Start < 0 || out.Stop > p.ImageShape[k] || out.Len() < 0 {
				return nil, fmt.Errorf("%w: tile %d of shape %v cannot map %v onto %v in image of shape %v",
					errs.ErrGeometry, n, tile.Shape, p.In, p.Out, p.ImageShape)
			}
		}

		img := outputs[p.ImageIndex]
		if img == nil {
			shape := slices.Clone(p.ImageShape)
			if channels > 0 {
				shape = append(shape, channels)
			}
			img = grid.New[T](shape...)
			outputs[p.ImageIndex] = img
			writes[p.ImageIndex] = make([]uint8, grid.Size(p.ImageShape))
		} else if !slices.Equal(img.Shape[:ndim], p.ImageShape) {
			return nil, fmt.Errorf("%w: placements of image %d disagree on its shape", errs.ErrGeometry, p.ImageIndex)
		}

		region := make([]int, ndim)
		for k := range region {
			region[k] = p.In[k].Len()
		}
		tileStrides := grid.Strides(tile.Shape[:ndim])
		imgStrides := grid.Strides(p.ImageShape)
		step := max(channels, 1)
		coords := make([]int, ndim)
		for r := 0; r < grid.Size(region); r++ {
			grid.Unravel(r, region, coords)
			src, dst := 0, 0
			for k, v := range coords {
				src += (v + p.In[k].Start) * tileStrides[k]
				dst += (v + p.Out[k].Start) * imgStrides[k]
			}
			copy(img.Data[dst*step:(dst+1)*step], tile.Data[src*step:(src+1)*step])
			if writes[p.ImageIndex][dst] < 2 {
				writes[p.ImageIndex][dst]++
			}
		}
	}

	for i, w := range writes {
		if w == nil {
			return nil, fmt.Errorf("%w: image %d has no tiles", errs.ErrGeometry, i)
		}
		for j, count := range w {
			if count != 1 {
				at := grid.Unravel(j, outputs[i].Shape[:ndim], nil)
				return nil, fmt.Errorf("%w: pixel %v of image %d written %d times", errs.ErrGeometry, at, i, count)
			}
		}
	}
	return outputs, nil
}
