// Package preview renders dataset samples to image files so tiles, labels and
// weights can be inspected without a training loop.
package preview

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/colornames"

	"segtiles/pkg/dataset"
	"segtiles/pkg/grid"
)

// labelPalette colours label values; value 0 is the background.
var labelPalette = color.Palette{
	colornames.Black,
	colornames.Crimson,
	colornames.Limegreen,
	colornames.Dodgerblue,
	colornames.Gold,
	colornames.Darkorchid,
	colornames.Darkorange,
	colornames.Turquoise,
	colornames.Hotpink,
}

// ExtractSlice returns the plane at position along the first axis of a
// volumetric grid. spatial is the number of spatial axes of g, which may carry
// one more trailing channel axis. Planar grids are returned unchanged.
func ExtractSlice[T any](g *grid.Grid[T], spatial, position int) (*grid.Grid[T], error) {
	if spatial == 2 {
		return g, nil
	}
	if spatial != 3 || g.NDim() < 3 {
		return nil, fmt.Errorf("cannot slice a grid of shape %v with %d spatial axes", g.Shape, spatial)
	}
	if position < 0 || position >= g.Shape[0] {
		return nil, fmt.Errorf("position %d exceeds depth %d", position, g.Shape[0])
	}
	plane := grid.Size(g.Shape[1:])
	data := make([]T, plane)
	copy(data, g.Data[position*plane:(position+1)*plane])
	return grid.FromSlice(data, g.Shape[1:]...)
}

// Image renders an image tile of shape (H, W, C). One channel gives a 16-bit
// gray image, three channels an RGB image; otherwise the first channel is shown.
func Image(g *grid.Grid[float32]) (image.Image, error) {
	if g.NDim() != 3 {
		return nil, fmt.Errorf("expected shape (H, W, C), got %v", g.Shape)
	}
	h, w, c := g.Shape[0], g.Shape[1], g.Shape[2]
	to16 := func(v float32) uint16 {
		return uint16(math.Max(0, math.Min(65535, float64(v)*65535)))
	}

	if c == 3 {
		img := image.NewRGBA64(image.Rect(0, 0, w, h))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				i := (y*w + x) * 3
				img.SetRGBA64(x, y, color.RGBA64{R: to16(g.Data[i]), G: to16(g.Data[i+1]), B: to16(g.Data[i+2]), A: 0xffff})
			}
		}
		return img, nil
	}

	img := image.NewGray16(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray16(x, y, color.Gray16{Y: to16(g.Data[(y*w+x)*c])})
		}
	}
	return img, nil
}

// Labels renders a label grid of shape (H, W) with one colour per value.
// Values beyond the palette wrap around, skipping the background colour.
func Labels(g *grid.Grid[int32]) (image.Image, error) {
	if g.NDim() != 2 {
		return nil, fmt.Errorf("expected shape (H, W), got %v", g.Shape)
	}
	h, w := g.Shape[0], g.Shape[1]
	img := image.NewPaletted(image.Rect(0, 0, w, h), labelPalette)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := int(g.Data[y*w+x])
			if v > 0 {
				v = (v-1)%(len(labelPalette)-1) + 1
			} else {
				v = 0
			}
			img.SetColorIndex(x, y, uint8(v))
		}
	}
	return img, nil
}

// Weights renders a weight grid of shape (H, W) in gray, scaled so the largest
// weight is white.
func Weights(g *grid.Grid[float32]) (image.Image, error) {
	if g.NDim() != 2 {
		return nil, fmt.Errorf("expected shape (H, W), got %v", g.Shape)
	}
	h, w := g.Shape[0], g.Shape[1]
	top := float64(grid.Max(g))
	if top <= 0 {
		top = 1
	}
	img := image.NewGray16(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := math.Max(0, float64(g.Data[y*w+x])/top)
			img.SetGray16(x, y, color.Gray16{Y: uint16(v * 65535)})
		}
	}
	return img, nil
}

// Save writes img to filename as JPEG or PNG depending on the extension.
func Save(img image.Image, filename string) error {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".jpg", ".jpeg", ".png":
	default:
		return fmt.Errorf("unsupported preview format: %s", filename)
	}

	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := encode(file, img, ext); err != nil {
		return fmt.Errorf("failed to write %s: %w", filename, err)
	}
	return nil
}

// encode writes img to wc in the format named by ext and closes wc. A close
// error is returned when encoding succeeded.
func encode(wc io.WriteCloser, img image.Image, ext string) error {
	var err error
	if ext == ".png" {
		err = png.Encode(wc, img)
	} else {
		err = jpeg.Encode(wc, img, &jpeg.Options{Quality: 90})
	}
	if cerr := wc.Close(); err == nil {
		err = cerr
	}
	return err
}

// SaveSample writes the parts of s present for its kind to outputDir as
// <name>_image.png, <name>_labels.png and <name>_weights.png. Volumetric
// samples are cut through their middle plane. It returns the written paths.
func SaveSample(s dataset.Sample, outputDir, name string) ([]string, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}
	spatial := s.Image.NDim() - 1

	var written []string
	save := func(part string, img image.Image, err error) error {
		if err != nil {
			return fmt.Errorf("failed to render %s: %w", part, err)
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("%s_%s.png", name, part))
		if err := Save(img, filename); err != nil {
			return err
		}
		written = append(written, filename)
		return nil
	}

	plane, err := ExtractSlice(s.Image, spatial, middle(s.Image, spatial))
	if err != nil {
		return nil, err
	}
	img, err := Image(plane)
	if err := save("image", img, err); err != nil {
		return nil, err
	}

	switch s.Kind {
	case dataset.ImageOnly:
	case dataset.ImageLabels, dataset.ImageLabelsWeights:
		lbl, err := ExtractSlice(s.Labels, spatial, middle(s.Labels, spatial))
		if err != nil {
			return nil, err
		}
		img, err := Labels(lbl)
		if err := save("labels", img, err); err != nil {
			return nil, err
		}
		if s.Kind == dataset.ImageLabels {
			break
		}
		wgt, err := ExtractSlice(s.Weights, spatial, middle(s.Weights, spatial))
		if err != nil {
			return nil, err
		}
		img, err = Weights(wgt)
		if err := save("weights", img, err); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown sample kind %v", s.Kind)
	}
	return written, nil
}

// middle returns the index of the central plane of a volumetric grid.
func middle[T any](g *grid.Grid[T], spatial int) int {
	if spatial == 3 {
		return g.Shape[0] / 2
	}
	return 0
}
