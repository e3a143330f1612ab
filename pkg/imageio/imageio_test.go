package imageio

import (
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"

	"segtiles/pkg/errs"
	"segtiles/pkg/grid"
	"segtiles/pkg/weights"
)

func writeImage(t *testing.T, path string, img image.Image) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	switch filepath.Ext(path) {
	case ".png":
		require.NoError(t, png.Encode(f, img))
	case ".tif":
		require.NoError(t, tiff.Encode(f, img, nil))
	case ".bmp":
		require.NoError(t, bmp.Encode(f, img))
	default:
		t.Fatalf("unsupported extension %s", path)
	}
}

func grayImage(w, h int, value func(x, y int) uint8) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray(x, y, color.Gray{Y: value(x, y)})
		}
	}
	return img
}

func TestReadImageFormats(t *testing.T) {
	dir := t.TempDir()
	gray := grayImage(4, 3, func(x, y int) uint8 { return uint8(10 * (y*4 + x)) })

	for _, name := range []string{"a.png", "a.tif", "a.bmp"} {
		path := filepath.Join(dir, name)
		writeImage(t, path, gray)
		img, err := ReadImage(path, 0)
		require.NoError(t, err, name)
		require.Equal(t, []int{3, 4, 1}, img.Shape, name)
		require.InDelta(t, 110.0/255, img.At(2, 3, 0), 1e-6, name)
	}

	wide := image.NewGray16(image.Rect(0, 0, 2, 2))
	wide.SetGray16(1, 1, color.Gray16{Y: 0xffff})
	wide.SetGray16(1, 0, color.Gray16{Y: 0x8000})
	path := filepath.Join(dir, "wide.png")
	writeImage(t, path, wide)
	img, err := ReadImage(path, 0)
	require.NoError(t, err)
	require.Equal(t, float32(1), img.At(1, 1, 0))
	require.InDelta(t, 0x8000/65535.0, img.At(0, 1, 0), 1e-6)

	rgb := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	rgb.SetNRGBA(0, 0, color.NRGBA{R: 255, G: 51, B: 0, A: 255})
	rgb.SetNRGBA(1, 0, color.NRGBA{R: 0, G: 0, B: 102, A: 255})
	path = filepath.Join(dir, "rgb.png")
	writeImage(t, path, rgb)
	img, err = ReadImage(path, 0)
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 3}, img.Shape)
	require.InDeltaSlice(t, []float32{1, 0.2, 0, 0, 0, 0.4}, img.Data, 1e-6)
}

func TestReadImageScaling(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "img.png")
	writeImage(t, path, grayImage(2, 2, func(x, y int) uint8 { return uint8(50 * (x + y)) }))

	img, err := ReadImage(path, 100)
	require.NoError(t, err)
	require.Equal(t, float32(1), img.At(1, 1, 0))

	_, err = ReadImage(path, 50)
	require.ErrorIs(t, err, errs.ErrDataConsistency)

	_, err = ReadImage(path, -1)
	require.ErrorIs(t, err, errs.ErrConfiguration)

	dark := filepath.Join(dir, "dark.png")
	writeImage(t, dark, grayImage(2, 2, func(x, y int) uint8 { return 5 }))
	_, err = ReadImage(dark, 0)
	require.ErrorIs(t, err, errs.ErrDataConsistency)

	_, err = ReadImage(filepath.Join(dir, "missing.png"), 0)
	require.Error(t, err)
}

func TestReadPaletted(t *testing.T) {
	palette := color.Palette{
		color.RGBA{A: 255},
		color.RGBA{R: 128, G: 128, B: 128, A: 255},
		color.RGBA{R: 255, G: 255, B: 255, A: 255},
	}
	img := image.NewPaletted(image.Rect(0, 0, 3, 1), palette)
	img.SetColorIndex(1, 0, 1)
	img.SetColorIndex(2, 0, 2)
	path := filepath.Join(t.TempDir(), "indexed.png")
	writeImage(t, path, img)

	// Images resolve the palette to colors
	got, err := ReadImage(path, 0)
	require.NoError(t, err)
	require.Equal(t, []int{1, 3, 3}, got.Shape)
	g := float32(128.0 / 255)
	require.InDeltaSlice(t, []float32{0, 0, 0, g, g, g, 1, 1, 1}, got.Data, 1e-6)

	// Masks keep the palette indices
	mask, err := ReadMask(path, MaskOptions{NumClasses: 3})
	require.NoError(t, err)
	require.Equal(t, []int32{0, 1, 2}, mask.Data)
}

func TestReadMask(t *testing.T) {
	dir := t.TempDir()
	binary := func(x, y int) uint8 {
		if x >= 2 {
			return 255
		}
		return 0
	}

	path := filepath.Join(dir, "gray.png")
	writeImage(t, path, grayImage(4, 2, binary))
	mask, err := ReadMask(path, MaskOptions{NumClasses: 2})
	require.NoError(t, err)
	require.Equal(t, []int32{0, 0, 1, 1, 0, 0, 1, 1}, mask.Data)

	// Identical RGB channels collapse to one
	rgb := image.NewNRGBA(image.Rect(0, 0, 4, 2))
	for y := 0; y < 2; y++ {
		for x := 0; x < 4; x++ {
			v := binary(x, y)
			rgb.SetNRGBA(x, y, color.NRGBA{R: v, G: v, B: v, A: 255})
		}
	}
	path = filepath.Join(dir, "rgb.png")
	writeImage(t, path, rgb)
	mask, err = ReadMask(path, MaskOptions{NumClasses: 2})
	require.NoError(t, err)
	require.Equal(t, []int{2, 4}, mask.Shape)
	require.Equal(t, int32(1), mask.At(1, 3))

	rgb.SetNRGBA(0, 0, color.NRGBA{R: 255, A: 255})
	writeImage(t, path, rgb)
	_, err = ReadMask(path, MaskOptions{NumClasses: 2})
	require.ErrorIs(t, err, errs.ErrDataConsistency)

	_, err = ReadMask(filepath.Join(dir, "gray.png"), MaskOptions{NumClasses: 3})
	require.ErrorIs(t, err, errs.ErrDataConsistency)

	inst := image.NewGray16(image.Rect(0, 0, 3, 1))
	inst.SetGray16(1, 0, color.Gray16{Y: 700})
	inst.SetGray16(2, 0, color.Gray16{Y: 1200})
	path = filepath.Join(dir, "inst.tif")
	writeImage(t, path, inst)
	mask, err = ReadMask(path, MaskOptions{Instance: true})
	require.NoError(t, err)
	require.Equal(t, []int32{0, 700, 1200}, mask.Data)
}

func TestFileSource(t *testing.T) {
	root := t.TempDir()
	imgDir := filepath.Join(root, "images")
	mskDir := filepath.Join(root, "masks")
	require.NoError(t, os.Mkdir(imgDir, 0755))
	require.NoError(t, os.Mkdir(mskDir, 0755))

	half := func(x, y int) uint8 {
		if x < 2 {
			return 0
		}
		return 255
	}
	writeImage(t, filepath.Join(imgDir, "1.png"), grayImage(4, 4, half))
	writeImage(t, filepath.Join(imgDir, "2.png"), grayImage(4, 4, func(x, y int) uint8 { return 255 }))
	writeImage(t, filepath.Join(mskDir, "1.png"), grayImage(4, 4, half))

	ignore := grid.New[bool](4, 4)
	ignore.Set(true, 0, 0)
	src := &FileSource{
		Files:     []string{filepath.Join(imgDir, "1.png"), filepath.Join(imgDir, "2.png")},
		LabelPath: MaskInDir(mskDir),
		Mask:      MaskOptions{NumClasses: 2},
		Ignore:    map[string]*grid.Grid[bool]{"1.png": ignore},
	}
	require.Equal(t, 2, src.Len())
	require.Equal(t, "2.png", src.ID(1))

	in, err := src.Labels(0)
	require.NoError(t, err)
	require.Nil(t, in.InstanceLabels)
	require.Equal(t, 2, in.NumClasses)
	require.Same(t, ignore, in.Ignore)
	res, err := weights.Compile(in, weights.DefaultParams())
	require.NoError(t, err)
	require.Equal(t, float32(0), res.Weights.At(0, 0))
	require.Equal(t, float32(1), res.Weights.At(0, 3))

	// The second image has no mask
	_, err = src.Labels(1)
	require.Error(t, err)

	mean, std, err := ChannelStats(src, 0)
	require.NoError(t, err)
	require.InDeltaSlice(t, []float64{0.75}, mean, 1e-9)
	require.InDeltaSlice(t, []float64{math.Sqrt(0.125)}, std, 1e-9)

	mean, std, err = ChannelStats(src, 1)
	require.NoError(t, err)
	require.InDeltaSlice(t, []float64{0.5}, mean, 1e-9)
	require.InDeltaSlice(t, []float64{0.5}, std, 1e-9)

	_, err = (&FileSource{Files: src.Files}).Labels(0)
	require.ErrorIs(t, err, errs.ErrConfiguration)
}
