package imageio

import (
	"fmt"
	"math"
	"path/filepath"

	"gonum.org/v1/gonum/stat"

	"segtiles/pkg/dataset"
	"segtiles/pkg/errs"
	"segtiles/pkg/grid"
	"segtiles/pkg/weights"
)

// FileSource serves images and masks from files. It implements
// dataset.Source, and dataset.LabelSource when LabelPath is set.
type FileSource struct {
	// Files lists the image paths
	Files []string

	// LabelPath maps an image path to the path of its mask
	LabelPath func(image string) string

	// Mask controls how masks are read
	Mask MaskOptions

	// Divide is passed to ReadImage
	Divide float64

	// Ignore holds optional ignore masks keyed by image file name
	Ignore map[string]*grid.Grid[bool]
}

var (
	_ dataset.Source      = (*FileSource)(nil)
	_ dataset.LabelSource = (*FileSource)(nil)
)

// MaskInDir returns a LabelPath function that looks for a mask with the
// image's file name in dir.
func MaskInDir(dir string) func(string) string {
	return func(image string) string {
		return filepath.Join(dir, filepath.Base(image))
	}
}

// Len returns the number of images.
func (s *FileSource) Len() int { return len(s.Files) }

// ID returns the file name of image i.
func (s *FileSource) ID(i int) string { return filepath.Base(s.Files[i]) }

// Image reads image i.
func (s *FileSource) Image(i int) (*grid.Grid[float32], error) {
	return ReadImage(s.Files[i], s.Divide)
}

// Labels reads the mask of image i.
func (s *FileSource) Labels(i int) (weights.Input, error) {
	if s.LabelPath == nil {
		return weights.Input{}, fmt.Errorf("%w: no label path configured", errs.ErrConfiguration)
	}
	mask, err := ReadMask(s.LabelPath(s.Files[i]), s.Mask)
	if err != nil {
		return weights.Input{}, err
	}
	in := weights.Input{Ignore: s.Ignore[s.ID(i)]}
	if s.Mask.Instance {
		in.InstanceLabels = mask
	} else {
		in.ClassLabels = mask
		in.NumClasses = s.Mask.NumClasses
	}
	return in, nil
}

// ChannelStats returns the per-channel mean and standard deviation of the first
// maxSamples images of src (all images when maxSamples is not positive). Each
// image contributes its own mean and population variance with equal weight.
func ChannelStats(src dataset.Source, maxSamples int) (mean, std []float64, err error) {
	n := src.Len()
	if maxSamples > 0 {
		n = min(n, maxSamples)
	}
	if n == 0 {
		return nil, nil, fmt.Errorf("%w: no images to compute statistics from", errs.ErrConfiguration)
	}

	var variance []float64
	var values []float64
	for i := 0; i < n; i++ {
		img, err := src.Image(i)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read image %s: %w", src.ID(i), err)
		}
		channels := 1
		if img.NDim() == 3 {
			channels = img.Shape[2]
		}
		if mean == nil {
			mean = make([]float64, channels)
			variance = make([]float64, channels)
		} else if channels != len(mean) {
			return nil, nil, fmt.Errorf("%w: image %s has %d channels, expected %d",
				errs.ErrDataConsistency, src.ID(i), channels, len(mean))
		}

		pixels := img.Len() / channels
		for c := 0; c < channels; c++ {
			values = values[:0]
			for p := 0; p < pixels; p++ {
				values = append(values, float64(img.Data[p*channels+c]))
			}
			m, v := stat.PopMeanVariance(values, nil)
			mean[c] += m
			variance[c] += v
		}
	}

	std = make([]float64, len(mean))
	for c := range mean {
		mean[c] /= float64(n)
		std[c] = math.Sqrt(variance[c] / float64(n))
	}
	return mean, std, nil
}
