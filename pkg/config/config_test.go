package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"segtiles/pkg/errs"
	"segtiles/pkg/tta"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	compose, err := cfg.Compose()
	require.NoError(t, err)
	require.Equal(t, 16, compose.Len())

	opts := cfg.RandomTileOptions(nil)
	require.Equal(t, []int{540, 540}, opts.TileShape)
	require.Equal(t, []int{150, 150}, opts.DeformationGrid)
	require.Equal(t, 6.0, opts.Weights.BWS)
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()

	// A missing file yields the defaults
	cfg, err := LoadConfig(filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, DefaultConfig().Weights, cfg.Weights)

	path := filepath.Join(dir, "config.yaml")
	yaml := `
weights:
  bwf: 25
tiling:
  tileShape: [256, 256]
  padding: [64, 64]
augmentation:
  deformationGrid: []
  valueSlopeRange: [0.8, 1.2]
tta:
  rotations: []
  mergeMode: std
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))
	cfg, err = LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, 25.0, cfg.Weights.BWF)
	require.Equal(t, 6.0, cfg.Weights.BWS)
	require.Equal(t, [2]float64{0.8, 1.2}, cfg.Augmentation.ValueSlopeRange)
	require.Nil(t, cfg.RandomTileOptions(nil).DeformationGrid)
	require.Equal(t, []int{192, 192}, cfg.TileOptions(nil).OutputShape())

	mode, err := tta.ParseMergeMode(cfg.TTA.MergeMode)
	require.NoError(t, err)
	require.Equal(t, tta.MergeStd, mode)
	compose, err := cfg.Compose()
	require.NoError(t, err)
	require.Equal(t, 4, compose.Len())

	require.NoError(t, os.WriteFile(path, []byte("weights: ["), 0644))
	_, err = LoadConfig(path)
	require.Error(t, err)

	// Misspelled keys are rejected instead of leaving the default in place
	require.NoError(t, os.WriteFile(path, []byte("tiling:\n  tileshape: [256, 256]\n"), 0644))
	_, err = LoadConfig(path)
	require.ErrorIs(t, err, errs.ErrConfiguration)

	// An empty file yields the defaults
	require.NoError(t, os.WriteFile(path, nil, 0644))
	cfg, err = LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), cfg)
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, CreateDefaultConfigFile(path))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), cfg)
}

func TestValidateRejects(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"merge mode":  func(c *Config) { c.TTA.MergeMode = "median" },
		"rotation":    func(c *Config) { c.TTA.Rotations = []int{45} },
		"padding":     func(c *Config) { c.Tiling.Padding = []int{600, 0} },
		"weights":     func(c *Config) { c.Weights.FBR = 0 },
		"cores":       func(c *Config) { c.Processing.NumCores = 0 },
		"num classes": func(c *Config) { c.Data.NumClasses = 1 },
	} {
		cfg := DefaultConfig()
		mutate(cfg)
		require.ErrorIs(t, cfg.Validate(), errs.ErrConfiguration, name)
	}
}

func TestCachePath(t *testing.T) {
	cfg := DefaultConfig()
	require.Empty(t, cfg.CachePath())

	cfg.Data.MaskDir = "/data/masks"
	require.Equal(t, filepath.Join("/data/masks", ".cache"), cfg.CachePath())

	cfg.Data.CacheDir = "/tmp/weights"
	require.Equal(t, "/tmp/weights", cfg.CachePath())
}
