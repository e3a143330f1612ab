// Package config provides configuration loading and management for segtiles.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"segtiles/pkg/dataset"
	"segtiles/pkg/errs"
	"segtiles/pkg/imageio"
	"segtiles/pkg/tta"
	"segtiles/pkg/weights"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Weights holds the weight map parameters; they are part of every cache key
	Weights weights.Params `yaml:"weights"`

	// Data parameters
	Data struct {
		// ImageDir is the directory containing the input images
		ImageDir string `yaml:"imageDir"`

		// MaskDir is the directory containing one mask per image with the same
		// file name. Empty disables labels
		MaskDir string `yaml:"maskDir"`

		// CacheDir is where compiled weight maps are stored. Empty defaults to
		// a .cache directory next to the masks
		CacheDir string `yaml:"cacheDir"`

		// InstanceLabels marks masks holding instance ids instead of classes
		InstanceLabels bool `yaml:"instanceLabels"`

		// NumClasses is the number of classes including the background
		NumClasses int `yaml:"numClasses"`

		// Divide scales images by this value instead of the pixel type maximum
		Divide float64 `yaml:"divide"`
	} `yaml:"data"`

	// Tiling parameters shared by training and inference
	Tiling struct {
		// TileShape is the network input shape
		TileShape []int `yaml:"tileShape"`

		// Padding is the difference between network input and output shape
		Padding []int `yaml:"padding"`
	} `yaml:"tiling"`

	// Augmentation parameters for training tiles
	Augmentation struct {
		// SampleMult is the number of tiles per image and epoch; 0 derives it
		// from the image size
		SampleMult int `yaml:"sampleMult"`

		// RotationRangeDeg bounds the random rotation in degrees
		RotationRangeDeg [2]float64 `yaml:"rotationRangeDeg"`

		// Flip enables random mirroring
		Flip bool `yaml:"flip"`

		// DeformationGrid is the elastic deformation seed spacing; empty
		// disables elastic deformation
		DeformationGrid []int `yaml:"deformationGrid"`

		// DeformationMagnitude is the standard deviation of the seed offsets
		DeformationMagnitude []float64 `yaml:"deformationMagnitude"`

		// ValueMinimumRange, ValueMaximumRange and ValueSlopeRange bound the
		// random intensity curve
		ValueMinimumRange [2]float64 `yaml:"valueMinimumRange"`
		ValueMaximumRange [2]float64 `yaml:"valueMaximumRange"`
		ValueSlopeRange   [2]float64 `yaml:"valueSlopeRange"`

		// Seed initialises the augmentation random number generator
		Seed uint64 `yaml:"seed"`
	} `yaml:"augmentation"`

	// TTA parameters
	TTA struct {
		// HorizontalFlip and VerticalFlip enable the flip transforms
		HorizontalFlip bool `yaml:"horizontalFlip"`
		VerticalFlip   bool `yaml:"verticalFlip"`

		// Rotations lists the rotation angles in degrees; empty disables
		// the rotation transform
		Rotations []int `yaml:"rotations"`

		// MergeMode is one of mean, max or std
		MergeMode string `yaml:"mergeMode"`
	} `yaml:"tta"`

	// Processing parameters
	Processing struct {
		// NumCores specifies how many CPU cores to use for parallel processing
		NumCores int `yaml:"numCores"`

		// StatsSamples is the number of images used for channel statistics
		StatsSamples int `yaml:"statsSamples"`
	} `yaml:"processing"`

	// Output parameters
	Output struct {
		// PreviewDir is the directory to save sample previews to
		PreviewDir string `yaml:"previewDir"`

		// PreviewCount is the number of training samples to preview
		PreviewCount int `yaml:"previewCount"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Weights = weights.DefaultParams()

	cfg.Data.NumClasses = 2

	train := dataset.DefaultRandomTileOptions()
	cfg.Tiling.TileShape = train.TileShape
	cfg.Tiling.Padding = train.Padding

	cfg.Augmentation.RotationRangeDeg = train.RotationRangeDeg
	cfg.Augmentation.Flip = train.Flip
	cfg.Augmentation.DeformationGrid = train.DeformationGrid
	cfg.Augmentation.DeformationMagnitude = train.DeformationMagnitude
	cfg.Augmentation.ValueMinimumRange = train.ValueMinimumRange
	cfg.Augmentation.ValueMaximumRange = train.ValueMaximumRange
	cfg.Augmentation.ValueSlopeRange = train.ValueSlopeRange

	cfg.TTA.HorizontalFlip = true
	cfg.TTA.VerticalFlip = true
	cfg.TTA.Rotations = []int{90, 180, 270}
	cfg.TTA.MergeMode = string(tta.MergeMean)

	cfg.Processing.NumCores = runtime.NumCPU() // Use all available cores by default
	cfg.Processing.StatsSamples = 50

	cfg.Output.PreviewDir = "previews"
	cfg.Output.PreviewCount = 4
	cfg.Output.Verbose = false

	return cfg
}

// LoadConfig reads the YAML file at path over the defaults. A missing file
// yields the defaults; unknown keys are rejected so misspelled options do not
// pass silently.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open config %s: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %s: %v", errs.ErrConfiguration, path, err)
	}
	return cfg, nil
}

// SaveConfig writes cfg to path as YAML, creating parent directories.
func SaveConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	var buf bytes.Buffer
	buf.WriteString("# segtiles configuration\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return os.WriteFile(path, buf.Bytes(), 0644)
}

// CreateDefaultConfigFile writes the default configuration to path.
func CreateDefaultConfigFile(path string) error {
	return SaveConfig(DefaultConfig(), path)
}

// Validate checks the configuration for values the datasets would reject.
func (c *Config) Validate() error {
	if err := c.Weights.Validate(); err != nil {
		return err
	}
	if c.Processing.NumCores < 1 {
		return fmt.Errorf("%w: numCores must be at least 1, got %d", errs.ErrConfiguration, c.Processing.NumCores)
	}
	if !c.Data.InstanceLabels && c.Data.NumClasses < 2 {
		return fmt.Errorf("%w: numClasses must be at least 2, got %d", errs.ErrConfiguration, c.Data.NumClasses)
	}
	if err := c.RandomTileOptions(nil).Validate(); err != nil {
		return err
	}
	if _, err := tta.ParseMergeMode(c.TTA.MergeMode); err != nil {
		return err
	}
	_, err := c.Compose()
	return err
}

// MaskOptions returns how masks are read.
func (c *Config) MaskOptions() imageio.MaskOptions {
	return imageio.MaskOptions{Instance: c.Data.InstanceLabels, NumClasses: c.Data.NumClasses}
}

// CachePath returns the weight cache directory, or "" when no masks are configured.
func (c *Config) CachePath() string {
	if c.Data.CacheDir != "" {
		return c.Data.CacheDir
	}
	if c.Data.MaskDir == "" {
		return ""
	}
	return filepath.Join(c.Data.MaskDir, ".cache")
}

// RandomTileOptions converts the configuration to training dataset options.
func (c *Config) RandomTileOptions(logger *zerolog.Logger) dataset.RandomTileOptions {
	a := c.Augmentation
	opts := dataset.RandomTileOptions{
		TileShape:            c.Tiling.TileShape,
		Padding:              c.Tiling.Padding,
		SampleMult:           a.SampleMult,
		RotationRangeDeg:     a.RotationRangeDeg,
		Flip:                 a.Flip,
		DeformationMagnitude: a.DeformationMagnitude,
		ValueMinimumRange:    a.ValueMinimumRange,
		ValueMaximumRange:    a.ValueMaximumRange,
		ValueSlopeRange:      a.ValueSlopeRange,
		Weights:              c.Weights,
		Seed:                 a.Seed,
		Logger:               logger,
	}
	if len(a.DeformationGrid) > 0 {
		opts.DeformationGrid = a.DeformationGrid
	}
	return opts
}

// TileOptions converts the configuration to inference dataset options.
func (c *Config) TileOptions(logger *zerolog.Logger) dataset.TileOptions {
	return dataset.TileOptions{
		TileShape: c.Tiling.TileShape,
		Padding:   c.Tiling.Padding,
		Weights:   c.Weights,
		Logger:    logger,
	}
}

// Compose builds the test-time augmentation transforms.
func (c *Config) Compose() (*tta.Compose, error) {
	var transforms []tta.Transform
	if c.TTA.HorizontalFlip {
		transforms = append(transforms, tta.HorizontalFlip{})
	}
	if c.TTA.VerticalFlip {
		transforms = append(transforms, tta.VerticalFlip{})
	}
	if len(c.TTA.Rotations) > 0 {
		r, err := tta.NewRotate90(c.TTA.Rotations...)
		if err != nil {
			return nil, err
		}
		transforms = append(transforms, r)
	}
	return tta.NewCompose(transforms...), nil
}
