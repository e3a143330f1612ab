// Package imageio reads microscopy images and label masks from disk.
//
// PNG, JPEG, TIFF and BMP files are supported. Images are normalised to [0, 1]
// and always carry a trailing channel axis; masks are returned as int32 grids.
package imageio

import (
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"slices"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"

	"segtiles/pkg/errs"
	"segtiles/pkg/grid"
)

// Images whose normalised maximum lies at or below this value are rejected as
// probably mis-scaled.
const minImageMax = 0.04

// raw is a decoded image with integer channel values.
type raw struct {
	height, width, channels int
	data                    []uint16

	// maxValue is the largest value the pixel type can hold
	maxValue uint16
}

func (r *raw) max() uint16 {
	var m uint16
	for _, v := range r.data {
		m = max(m, v)
	}
	return m
}

// decode reads path and unpacks it into channels-last values. Gray images have
// one channel, everything else is read as RGB. With indexed set, paletted images
// yield their palette indices in a single channel instead of their colors.
func decode(path string, indexed bool) (*raw, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}

	b := img.Bounds()
	r := &raw{height: b.Dy(), width: b.Dx()}
	if src, ok := img.(*image.Paletted); ok && indexed {
		r.channels, r.maxValue = 1, 0xff
		r.data = make([]uint16, 0, r.height*r.width)
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				r.data = append(r.data, uint16(src.ColorIndexAt(x, y)))
			}
		}
		return r, nil
	}
	switch src := img.(type) {
	case *image.Gray:
		r.channels, r.maxValue = 1, 0xff
		r.data = make([]uint16, 0, r.height*r.width)
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				r.data = append(r.data, uint16(src.GrayAt(x, y).Y))
			}
		}
	case *image.Gray16:
		r.channels, r.maxValue = 1, 0xffff
		r.data = make([]uint16, 0, r.height*r.width)
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				r.data = append(r.data, src.Gray16At(x, y).Y)
			}
		}
	case *image.NRGBA, *image.RGBA, *image.YCbCr, *image.Paletted:
		r.channels, r.maxValue = 3, 0xff
		r.data = make([]uint16, 0, 3*r.height*r.width)
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
				r.data = append(r.data, uint16(c.R), uint16(c.G), uint16(c.B))
			}
		}
	default:
		r.channels, r.maxValue = 3, 0xffff
		r.data = make([]uint16, 0, 3*r.height*r.width)
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				c := color.NRGBA64Model.Convert(img.At(x, y)).(color.NRGBA64)
				r.data = append(r.data, c.R, c.G, c.B)
			}
		}
	}
	return r, nil
}

// ReadImage reads the image at path and scales it to [0, 1]. A zero divide
// scales by the maximum of the pixel type; otherwise values are divided by
// divide. The result has shape (H, W, C).
func ReadImage(path string, divide float64) (*grid.Grid[float32], error) {
	r, err := decode(path, false)
	if err != nil {
		return nil, err
	}

	scale := 1.0
	switch {
	case divide > 0:
		scale = divide
	case divide < 0:
		return nil, fmt.Errorf("%w: divide must not be negative, got %v", errs.ErrConfiguration, divide)
	case r.max() > 0:
		scale = float64(r.maxValue)
	}

	img := grid.New[float32](r.height, r.width, r.channels)
	var top float64
	for i, v := range r.data {
		x := float64(v) / scale
		img.Data[i] = float32(x)
		top = max(top, x)
	}
	if top > 1 || top <= minImageMax {
		return nil, fmt.Errorf("%w: %s has maximum %v after dividing by %v, check the image scaling",
			errs.ErrDataConsistency, path, top, scale)
	}
	return img, nil
}

// MaskOptions controls how ReadMask interprets a mask file.
type MaskOptions struct {
	// Instance marks masks holding one id per object instead of class ids
	Instance bool

	// NumClasses is the expected number of distinct class values including
	// the background; ignored for instance masks
	NumClasses int
}

// ReadMask reads the label mask at path.
//
// Class masks whose values exceed NumClasses are assumed to be stored at full
// intensity (for example 0 and 255) and are divided by the type maximum.
// Multi-channel masks must repeat the same values in every channel. Paletted
// masks are read as palette indices.
func ReadMask(path string, opts MaskOptions) (*grid.Grid[int32], error) {
	r, err := decode(path, true)
	if err != nil {
		return nil, err
	}

	if !opts.Instance && opts.NumClasses > 0 && int(r.max()) > opts.NumClasses {
		for i, v := range r.data {
			r.data[i] = v / r.maxValue
		}
	}

	n := r.height * r.width
	mask := grid.New[int32](r.height, r.width)
	for i := 0; i < n; i++ {
		px := r.data[i*r.channels : (i+1)*r.channels]
		if slices.ContainsFunc(px[1:], func(v uint16) bool { return v != px[0] }) {
			return nil, fmt.Errorf("%w: %s has differing channels; masks must be single channel",
				errs.ErrDataConsistency, path)
		}
		mask.Data[i] = int32(px[0])
	}

	if !opts.Instance && opts.NumClasses > 0 {
		if k := len(grid.Unique(mask)); k != opts.NumClasses {
			return nil, fmt.Errorf("%w: %s has %d distinct values, expected %d classes",
				errs.ErrDataConsistency, path, k, opts.NumClasses)
		}
	}
	return mask, nil
}
