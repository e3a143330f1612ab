// Package cache persists compiled weight maps so they are computed only once per
// image and parameter set.
//
// Every entry is one NumPy .npz archive named after its key and holding the
// arrays lbl (int32), wgt (float32) and pdf (float32), the layout numpy.savez
// produces. The arrays are written flat with an extra int64 shape array;
// archives whose lbl header carries the full shape are read without it.
// Entries are immutable: a parameter change produces a different key and file. Writes go to a
// temporary file that is renamed into place, so concurrent readers never see a
// partial archive.
package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/sbinet/npyio/npz"

	"segtiles/pkg/errs"
	"segtiles/pkg/grid"
	"segtiles/pkg/weights"
)

// Names of the arrays stored in every entry.
const (
	arrayLabels  = "lbl.npy"
	arrayWeights = "wgt.npy"
	arrayPDF     = "pdf.npy"
	arrayShape   = "shape.npy"
)

// Key identifies a cache entry by image and weighting parameters.
type Key struct {
	ImageID string
	Params  weights.Params
}

// String returns the deterministic file stem <id>_<bws>_<fds>_<bwf>_<fbr>.
func (k Key) String() string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	return fmt.Sprintf("%s_%s_%s_%s_%s", k.ImageID, f(k.Params.BWS), f(k.Params.FDS), f(k.Params.BWF), f(k.Params.FBR))
}

// Cache stores compiled weight maps in a directory.
type Cache struct {
	dir    string
	logger zerolog.Logger
}

// New opens a cache rooted at dir, creating the directory if needed.
// A nil logger disables logging.
func New(dir string, logger *zerolog.Logger) (*Cache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	c := &Cache{dir: dir, logger: zerolog.Nop()}
	if logger != nil {
		c.logger = logger.With().Str("component", "cache").Logger()
	}
	return c, nil
}

// Dir returns the cache directory.
func (c *Cache) Dir() string { return c.dir }

// Path returns the file backing key.
func (c *Cache) Path(key Key) string {
	return filepath.Join(c.dir, key.String()+".npz")
}

// Get looks up key. It returns (nil, false, nil) when no entry exists and an error
// wrapping errs.ErrCacheCorrupt when the entry exists but cannot be decoded.
func (c *Cache) Get(key Key) (*weights.Result, bool, error) {
	path := c.Path(key)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to stat cache entry %s: %w", path, err)
	}

	res, err := read(path)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %s: %v", errs.ErrCacheCorrupt, path, err)
	}
	return res, true, nil
}

func read(path string) (*weights.Result, error) {
	r, err := npz.Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	shape, err := entryShape(r)
	if err != nil {
		return nil, err
	}
	var (
		lbl []int32
		wgt []float32
		pdf []float32
	)
	if err := r.Read(arrayLabels, &lbl); err != nil {
		return nil, fmt.Errorf("reading %s: %w", arrayLabels, err)
	}
	if err := r.Read(arrayWeights, &wgt); err != nil {
		return nil, fmt.Errorf("reading %s: %w", arrayWeights, err)
	}
	if err := r.Read(arrayPDF, &pdf); err != nil {
		return nil, fmt.Errorf("reading %s: %w", arrayPDF, err)
	}

	res := &weights.Result{}
	if res.Labels, err = grid.FromSlice(lbl, shape...); err != nil {
		return nil, err
	}
	if res.Weights, err = grid.FromSlice(wgt, shape...); err != nil {
		return nil, err
	}
	if res.PDF, err = grid.FromSlice(pdf, shape...); err != nil {
		return nil, err
	}
	return res, nil
}

// entryShape returns the grid shape of an entry: the lbl header shape when it is
// multi-dimensional, otherwise the separate shape array.
func entryShape(r *npz.Reader) ([]int, error) {
	hdr := r.Header(arrayLabels)
	if hdr == nil {
		return nil, fmt.Errorf("missing %s", arrayLabels)
	}
	if len(hdr.Descr.Shape) > 1 {
		if hdr.Descr.Fortran {
			return nil, fmt.Errorf("%s is stored in column-major order", arrayLabels)
		}
		return hdr.Descr.Shape, nil
	}

	var shape64 []int64
	if err := r.Read(arrayShape, &shape64); err != nil {
		return nil, fmt.Errorf("reading %s: %w", arrayShape, err)
	}
	shape := make([]int, len(shape64))
	for i, s := range shape64 {
		if s < 0 {
			return nil, fmt.Errorf("negative extent in shape %v", shape64)
		}
		shape[i] = int(s)
	}
	return shape, nil
}

// Put stores res under key, replacing any existing entry atomically.
func (c *Cache) Put(key Key, res *weights.Result) error {
	tmp, err := os.CreateTemp(c.dir, ".tmp-*.npz")
	if err != nil {
		return fmt.Errorf("failed to create temporary cache file: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	shape := make([]int64, len(res.Labels.Shape))
	for i, s := range res.Labels.Shape {
		shape[i] = int64(s)
	}

	w, err := npz.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to open temporary cache file: %w", err)
	}
	for _, arr := range []struct {
		name  string
		value any
	}{
		{arrayShape, shape},
		{arrayLabels, res.Labels.Data},
		{arrayWeights, res.Weights.Data},
		{arrayPDF, res.PDF.Data},
	} {
		if err := w.Write(arr.name, arr.value); err != nil {
			w.Close()
			return fmt.Errorf("failed to write %s to cache: %w", arr.name, err)
		}
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finish cache file: %w", err)
	}

	if err := os.Rename(tmpPath, c.Path(key)); err != nil {
		return fmt.Errorf("failed to move cache entry into place: %w", err)
	}
	return nil
}

// GetOrCompute returns the entry for key, computing and storing it on a miss.
// A corrupt entry is logged, recomputed and overwritten; only errors from
// compute or from writing the new entry are returned.
func (c *Cache) GetOrCompute(key Key, compute func() (*weights.Result, error)) (*weights.Result, error) {
	res, ok, err := c.Get(key)
	switch {
	case err != nil && errors.Is(err, errs.ErrCacheCorrupt):
		c.logger.Warn().Err(err).Str("key", key.String()).Msg("discarding unreadable cache entry")
	case err != nil:
		return nil, err
	case ok:
		c.logger.Debug().Str("key", key.String()).Msg("using cached weights")
		return res, nil
	}

	c.logger.Info().Str("image", key.ImageID).Msg("creating weights")
	res, err = compute()
	if err != nil {
		return nil, err
	}
	if err := c.Put(key, res); err != nil {
		return nil, err
	}
	return res, nil
}

// Clear deletes the cache directory and everything in it.
func (c *Cache) Clear() error {
	c.logger.Info().Str("dir", c.dir).Msg("deleting weights cache")
	if err := os.RemoveAll(c.dir); err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	return nil
}
