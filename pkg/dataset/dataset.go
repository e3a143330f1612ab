// Package dataset turns images and their label masks into tiles for training and
// inference.
//
// RandomTileDataset draws randomly placed, randomly deformed tiles for training.
// TileDataset covers every image with a regular grid of tiles for inference and
// validation and reassembles per-tile model outputs into full images.
//
// Both datasets read images through a Source and label masks through an optional
// LabelSource. Label masks are compiled into weight maps once per image and kept
// in a cache.Cache between runs.
package dataset

import (
	"fmt"

	"github.com/rs/zerolog"

	"segtiles/pkg/cache"
	"segtiles/pkg/errs"
	"segtiles/pkg/grid"
	"segtiles/pkg/weights"
)

// Source provides the images of a dataset.
type Source interface {
	// Len returns the number of images
	Len() int

	// ID returns a stable identifier of image i, used as cache key
	ID(i int) string

	// Image returns image i normalised to [0, 1] with a trailing channel axis
	Image(i int) (*grid.Grid[float32], error)
}

// LabelSource provides the label masks belonging to the images of a Source.
type LabelSource interface {
	// Labels returns the label input for image i
	Labels(i int) (weights.Input, error)
}

// SampleKind tells which fields of a Sample are set.
type SampleKind int

const (
	// ImageOnly samples carry an image tile
	ImageOnly SampleKind = iota

	// ImageLabels samples carry an image tile and its labels
	ImageLabels

	// ImageLabelsWeights samples carry an image tile, its labels and loss weights
	ImageLabelsWeights
)

// String returns the name of the kind.
func (k SampleKind) String() string {
	switch k {
	case ImageOnly:
		return "image"
	case ImageLabels:
		return "image+labels"
	case ImageLabelsWeights:
		return "image+labels+weights"
	}
	return fmt.Sprintf("SampleKind(%d)", int(k))
}

// Sample is one item of a dataset. Image has shape tile + channels; Labels and
// Weights have the padded output shape.
type Sample struct {
	Kind    SampleKind
	Image   *grid.Grid[float32]
	Labels  *grid.Grid[int32]
	Weights *grid.Grid[float32]
}

// Dataset is the protocol consumed by training and inference loops.
type Dataset interface {
	Len() int
	Item(i int) (Sample, error)
	OnEpochEnd() error
}

var (
	_ Dataset = (*RandomTileDataset)(nil)
	_ Dataset = (*TileDataset)(nil)
)

// loadWeights fetches or compiles the weight data of every image.
func loadWeights(src Source, labels LabelSource, c *cache.Cache, p weights.Params, logger zerolog.Logger) ([]*weights.Result, error) {
	results := make([]*weights.Result, src.Len())
	for i := range results {
		id := src.ID(i)
		compute := func() (*weights.Result, error) {
			in, err := labels.Labels(i)
			if err != nil {
				return nil, fmt.Errorf("failed to read labels of %s: %w", id, err)
			}
			res, err := weights.Compile(in, p)
			if err != nil {
				return nil, fmt.Errorf("failed to compile weights of %s: %w", id, err)
			}
			return res, nil
		}

		var (
			res *weights.Result
			err error
		)
		if c != nil {
			res, err = c.GetOrCompute(cache.Key{ImageID: id, Params: p}, compute)
		} else {
			logger.Debug().Str("image", id).Msg("creating weights")
			res, err = compute()
		}
		if err != nil {
			return nil, err
		}
		results[i] = res
	}
	return results, nil
}

// spatialShape returns the leading ndim axes of an image, checking that at most
// one channel axis follows.
func spatialShape(img *grid.Grid[float32], ndim int) ([]int, error) {
	if img.NDim() != ndim && img.NDim() != ndim+1 {
		return nil, fmt.Errorf("%w: image of shape %v does not have %d spatial axes",
			errs.ErrGeometry, img.Shape, ndim)
	}
	return img.Shape[:ndim], nil
}

// checkTileGeometry validates tile and padding shapes shared by both datasets.
// Padding must be even so the output region is centred in the tile and label
// tiles line up with their placements.
func checkTileGeometry(tile, pad []int) error {
	if len(tile) != 2 && len(tile) != 3 {
		return fmt.Errorf("%w: tile shape %v must have 2 or 3 axes", errs.ErrConfiguration, tile)
	}
	if len(pad) != len(tile) {
		return fmt.Errorf("%w: padding %v does not match tile shape %v", errs.ErrConfiguration, pad, tile)
	}
	for d := range tile {
		if pad[d] < 0 || pad[d] >= tile[d] {
			return fmt.Errorf("%w: padding %v must be non-negative and smaller than tile shape %v",
				errs.ErrConfiguration, pad, tile)
		}
		if pad[d]%2 != 0 {
			return fmt.Errorf("%w: padding %v must be even along every axis", errs.ErrConfiguration, pad)
		}
	}
	return nil
}

func toOffset(coords []int) []float64 {
	out := make([]float64, len(coords))
	for d, c := range coords {
		out[d] = float64(c)
	}
	return out
}

func nopIfNil(l *zerolog.Logger, component string) zerolog.Logger {
	if l == nil {
		return zerolog.Nop()
	}
	return l.With().Str("component", component).Logger()
}
