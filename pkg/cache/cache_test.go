package cache

import (
	"archive/zip"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"segtiles/pkg/errs"
	"segtiles/pkg/grid"
	"segtiles/pkg/weights"
)

func sampleResult(t *testing.T) *weights.Result {
	labels := grid.New[int32](4, 5)
	labels.Set(1, 1, 1)
	labels.Set(1, 1, 2)
	labels.Set(1, 3, 4)
	res, err := weights.Compile(weights.Input{ClassLabels: labels}, weights.DefaultParams())
	require.NoError(t, err)
	return res
}

func TestKeyString(t *testing.T) {
	k := Key{ImageID: "img_01.png", Params: weights.Params{BWS: 6, FDS: 1, BWF: 50, FBR: 0.1}}
	require.Equal(t, "img_01.png_6_1_50_0.1", k.String())

	other := k
	other.Params.FBR = 0.2
	require.NotEqual(t, k.String(), other.String())
}

func TestPutGetRoundTrip(t *testing.T) {
	c, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	key := Key{ImageID: "a", Params: weights.DefaultParams()}

	_, ok, err := c.Get(key)
	require.NoError(t, err)
	require.False(t, ok)

	want := sampleResult(t)
	require.NoError(t, c.Put(key, want))

	got, ok, err := c.Get(key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, want.Labels, got.Labels)
	require.Equal(t, want.Weights, got.Weights)
	require.Equal(t, want.PDF, got.PDF)

	// No temporary files are left behind
	entries, err := os.ReadDir(c.Dir())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, filepath.Base(c.Path(key)), entries[0].Name())
}

// writeNumpyArchive writes arrays the way numpy.savez_compressed does: a deflated
// zip of version 1.0 .npy entries whose headers carry the full shape.
func writeNumpyArchive(t *testing.T, path string, shape []int, fortran bool, arrays map[string]any) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	zw := zip.NewWriter(f)

	dims := make([]string, len(shape))
	for i, d := range shape {
		dims[i] = fmt.Sprint(d)
	}
	order := "False"
	if fortran {
		order = "True"
	}
	for name, data := range arrays {
		descr := "<f4"
		if _, ok := data.([]int32); ok {
			descr = "<i4"
		}
		header := fmt.Sprintf("{'descr': '%s', 'fortran_order': %s, 'shape': (%s), }", descr, order, strings.Join(dims, ", "))
		// Pad so magic, version, length and header end on a 64 byte boundary
		header += strings.Repeat(" ", 63-(10+len(header))%64) + "\n"

		w, err := zw.CreateHeader(&zip.FileHeader{Name: name + ".npy", Method: zip.Deflate})
		require.NoError(t, err)
		_, err = w.Write([]byte("\x93NUMPY\x01\x00"))
		require.NoError(t, err)
		require.NoError(t, binary.Write(w, binary.LittleEndian, uint16(len(header))))
		_, err = w.Write([]byte(header))
		require.NoError(t, err)
		require.NoError(t, binary.Write(w, binary.LittleEndian, data))
	}
	require.NoError(t, zw.Close())
}

func TestReadsNumpyArchives(t *testing.T) {
	c, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	key := Key{ImageID: "numpy", Params: weights.DefaultParams()}
	want := sampleResult(t)
	arrays := map[string]any{
		"lbl": want.Labels.Data,
		"wgt": want.Weights.Data,
		"pdf": want.PDF.Data,
	}

	writeNumpyArchive(t, c.Path(key), want.Labels.Shape, false, arrays)
	got, ok, err := c.Get(key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, want.Labels, got.Labels)
	require.Equal(t, want.Weights, got.Weights)
	require.Equal(t, want.PDF, got.PDF)

	writeNumpyArchive(t, c.Path(key), want.Labels.Shape, true, arrays)
	_, _, err = c.Get(key)
	require.ErrorIs(t, err, errs.ErrCacheCorrupt)
}

func TestGetOrCompute(t *testing.T) {
	c, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	key := Key{ImageID: "b", Params: weights.DefaultParams()}
	want := sampleResult(t)

	calls := 0
	compute := func() (*weights.Result, error) {
		calls++
		return want, nil
	}

	got, err := c.GetOrCompute(key, compute)
	require.NoError(t, err)
	require.Same(t, want, got)
	require.Equal(t, 1, calls)

	got, err = c.GetOrCompute(key, compute)
	require.NoError(t, err)
	require.Equal(t, 1, calls)
	require.Equal(t, want.Weights, got.Weights)
}

func TestCorruptEntryIsRecomputed(t *testing.T) {
	c, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	key := Key{ImageID: "c", Params: weights.DefaultParams()}
	require.NoError(t, os.WriteFile(c.Path(key), []byte("not an archive"), 0644))

	_, ok, err := c.Get(key)
	require.False(t, ok)
	require.ErrorIs(t, err, errs.ErrCacheCorrupt)

	want := sampleResult(t)
	got, err := c.GetOrCompute(key, func() (*weights.Result, error) { return want, nil })
	require.NoError(t, err)
	require.Same(t, want, got)

	// The entry was overwritten with a readable one
	again, ok, err := c.Get(key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, want.Labels, again.Labels)
}

func TestComputeErrorsPropagate(t *testing.T) {
	c, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	boom := errors.New("boom")
	_, err = c.GetOrCompute(Key{ImageID: "d"}, func() (*weights.Result, error) { return nil, boom })
	require.ErrorIs(t, err, boom)
}

func TestClear(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cache")
	c, err := New(dir, nil)
	require.NoError(t, err)
	require.NoError(t, c.Put(Key{ImageID: "e"}, sampleResult(t)))
	require.NoError(t, c.Clear())
	_, err = os.Stat(dir)
	require.True(t, os.IsNotExist(err))
}
