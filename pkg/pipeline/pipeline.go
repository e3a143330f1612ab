// Package pipeline runs the data preparation steps of segtiles end to end:
// discovering images, compiling the weight cache in parallel, building the
// training and inference datasets, and optionally rendering previews, checking
// the tiling round trip and computing channel statistics.
package pipeline

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"segtiles/internal/models"
	"segtiles/pkg/cache"
	"segtiles/pkg/config"
	"segtiles/pkg/dataset"
	"segtiles/pkg/grid"
	"segtiles/pkg/imageio"
	"segtiles/pkg/preview"
	"segtiles/pkg/tta"
	"segtiles/pkg/weights"
)

// Params holds the pipeline configuration and the optional steps to run.
type Params struct {
	// Config is the loaded configuration
	Config *config.Config

	// ClearCache deletes the weight cache before anything is computed
	ClearCache bool

	// Preview renders the first samples of the datasets
	Preview bool

	// Verify runs every inference tile through the test-time augmentations
	// with a cropping model and checks that reconstruction restores the images
	Verify bool

	// Stats computes per-channel mean and standard deviation
	Stats bool
}

// Summary reports what the pipeline produced.
type Summary struct {
	// Images is the number of input images
	Images int

	// Labelled tells whether masks were configured
	Labelled bool

	// TrainingItems is the length of one training epoch
	TrainingItems int

	// SampleMult is the number of training tiles drawn per image and epoch
	SampleMult int

	// Tiles is the number of inference tiles
	Tiles int

	// Previews lists the preview files written
	Previews []string

	// MaxReconstructionError is the largest absolute difference between an
	// input image and its reconstruction from augmented tiles
	MaxReconstructionError float64

	// Mean and Std are the per-channel image statistics
	Mean, Std []float64

	// Duration is the total processing time
	Duration time.Duration
}

// Pipeline prepares a directory of images and masks for training and inference.
type Pipeline struct {
	params *Params
	logger zerolog.Logger

	files  []models.ImageFile
	source *imageio.FileSource
	cache  *cache.Cache

	train *dataset.RandomTileDataset
	tiles *dataset.TileDataset

	summary Summary
}

// New creates a pipeline.
func New(params *Params, logger zerolog.Logger) *Pipeline {
	return &Pipeline{params: params, logger: logger}
}

// Process runs all configured steps in order.
func (p *Pipeline) Process(ctx context.Context) error {
	start := time.Now()
	cfg := p.params.Config
	if err := cfg.Validate(); err != nil {
		return err
	}

	fmt.Println("Step 1: Loading input images...")
	if err := p.loadImages(); err != nil {
		return fmt.Errorf("failed to load images: %w", err)
	}
	if err := p.openCache(); err != nil {
		return err
	}
	if p.source.LabelPath != nil {
		fmt.Println("Step 2: Compiling weight maps...")
		if err := p.precomputeWeights(ctx); err != nil {
			return err
		}
		if err := p.buildTrainingSet(); err != nil {
			return err
		}
	}
	fmt.Println("Step 3: Building tile datasets...")
	if err := p.buildTileSet(); err != nil {
		return err
	}

	if p.params.Preview {
		fmt.Println("Step 4: Saving previews...")
		if err := p.savePreviews(); err != nil {
			return fmt.Errorf("failed to save previews: %w", err)
		}
	}
	if p.params.Verify {
		fmt.Println("Step 5: Verifying tiling round trip...")
		if err := p.verify(ctx); err != nil {
			return fmt.Errorf("verification failed: %w", err)
		}
	}
	if p.params.Stats {
		fmt.Println("Step 6: Calculating channel statistics...")
		mean, std, err := imageio.ChannelStats(p.source, cfg.Processing.StatsSamples)
		if err != nil {
			return err
		}
		p.summary.Mean, p.summary.Std = mean, std
		p.logger.Info().Floats64("mean", mean).Floats64("std", std).Msg("channel statistics")
	}

	p.summary.Duration = time.Since(start)
	return nil
}

// Summary returns the results of the last Process call.
func (p *Pipeline) Summary() Summary { return p.summary }

// TrainingSet returns the training dataset, or nil without masks.
func (p *Pipeline) TrainingSet() *dataset.RandomTileDataset { return p.train }

// TileSet returns the inference dataset.
func (p *Pipeline) TileSet() *dataset.TileDataset { return p.tiles }

func (p *Pipeline) loadImages() error {
	cfg := p.params.Config
	files, err := models.FindImages(cfg.Data.ImageDir)
	if err != nil {
		return err
	}
	p.files = files
	p.source = &imageio.FileSource{
		Files:  models.Paths(files),
		Mask:   cfg.MaskOptions(),
		Divide: cfg.Data.Divide,
	}
	if cfg.Data.MaskDir != "" {
		p.source.LabelPath = imageio.MaskInDir(cfg.Data.MaskDir)
		p.summary.Labelled = true
	}
	p.summary.Images = len(files)
	p.logger.Info().Int("images", len(files)).Str("dir", cfg.Data.ImageDir).Msg("found images")
	return nil
}

func (p *Pipeline) openCache() error {
	dir := p.params.Config.CachePath()
	if dir == "" {
		return nil
	}
	c, err := cache.New(dir, &p.logger)
	if err != nil {
		return err
	}
	if p.params.ClearCache {
		if err := c.Clear(); err != nil {
			return err
		}
		if c, err = cache.New(dir, &p.logger); err != nil {
			return err
		}
	}
	p.cache = c
	return nil
}

// precomputeWeights fills the weight cache using a pool of workers so the
// datasets only read finished entries.
func (p *Pipeline) precomputeWeights(ctx context.Context) error {
	if p.cache == nil {
		return nil
	}
	params := p.params.Config.Weights
	numWorkers := min(p.params.Config.Processing.NumCores, len(p.files))

	type weightResult struct {
		index int
		err   error
	}
	jobs := make(chan int)
	resultChan := make(chan weightResult)

	for w := 0; w < numWorkers; w++ {
		go func() {
			for i := range jobs {
				if err := ctx.Err(); err != nil {
					resultChan <- weightResult{index: i, err: err}
					continue
				}
				_, err := p.cache.GetOrCompute(cache.Key{ImageID: p.source.ID(i), Params: params}, func() (*weights.Result, error) {
					in, err := p.source.Labels(i)
					if err != nil {
						return nil, err
					}
					return weights.Compile(in, params)
				})
				resultChan <- weightResult{index: i, err: err}
			}
		}()
	}
	go func() {
		defer close(jobs)
		for i := range p.files {
			jobs <- i
		}
	}()

	var firstErr error
	for completed := 1; completed <= len(p.files); completed++ {
		res := <-resultChan
		if res.err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to compile weights of %s: %w", p.files[res.index].Name, res.err)
		}
		p.logger.Debug().Str("image", p.files[res.index].Name).Msg("weights ready")

		progress := float64(completed) / float64(len(p.files)) * 100
		fmt.Printf("\rCompiling weights: %.1f%% complete", progress)
	}
	fmt.Println() // New line after progress
	return firstErr
}

func (p *Pipeline) buildTrainingSet() error {
	cfg := p.params.Config
	train, err := dataset.NewRandomTileDataset(p.source, p.source, p.cache, cfg.RandomTileOptions(&p.logger))
	if err != nil {
		return fmt.Errorf("failed to build training dataset: %w", err)
	}
	p.train = train
	p.summary.TrainingItems = train.Len()
	p.summary.SampleMult = train.SampleMult()
	return nil
}

func (p *Pipeline) buildTileSet() error {
	var labels dataset.LabelSource
	if p.source.LabelPath != nil {
		labels = p.source
	}
	tiles, err := dataset.NewTileDataset(p.source, labels, p.cache, p.params.Config.TileOptions(&p.logger))
	if err != nil {
		return fmt.Errorf("failed to build tile dataset: %w", err)
	}
	p.tiles = tiles
	p.summary.Tiles = tiles.Len()
	return nil
}

func (p *Pipeline) savePreviews() error {
	cfg := p.params.Config
	var ds dataset.Dataset = p.tiles
	prefix := "tile"
	if p.train != nil {
		ds, prefix = p.train, "sample"
	}
	n := min(cfg.Output.PreviewCount, ds.Len())
	for i := 0; i < n; i++ {
		s, err := ds.Item(i)
		if err != nil {
			return err
		}
		files, err := preview.SaveSample(s, cfg.Output.PreviewDir, fmt.Sprintf("%s_%03d", prefix, i))
		if err != nil {
			return err
		}
		p.summary.Previews = append(p.summary.Previews, files...)
	}
	p.logger.Info().Int("files", len(p.summary.Previews)).Str("dir", cfg.Output.PreviewDir).Msg("saved previews")
	return nil
}

// verify feeds every inference tile through the test-time augmentations with a
// model that crops the padding, reconstructs the images from the merged
// predictions and compares them with the inputs. Padding must be even for the
// crop to commute with the flips.
func (p *Pipeline) verify(ctx context.Context) error {
	cfg := p.params.Config
	if len(cfg.Tiling.TileShape) != 2 {
		p.logger.Warn().Ints("tile_shape", cfg.Tiling.TileShape).Msg("skipping verification of volumetric tiles")
		return nil
	}
	compose, err := cfg.Compose()
	if err != nil {
		return err
	}
	model := cropModel(cfg.Tiling.TileShape, cfg.TileOptions(nil).OutputShape())

	outputs := make([]*grid.Grid[float32], p.tiles.Len())
	for i := range outputs {
		s, err := p.tiles.Item(i)
		if err != nil {
			return err
		}
		if outputs[i], err = tta.Predict(ctx, compose, s.Image, model, tta.MergeMean); err != nil {
			return err
		}
	}
	images, err := p.tiles.Reconstruct(outputs)
	if err != nil {
		return err
	}

	var worst float64
	for i, got := range images {
		want, err := p.source.Image(i)
		if err != nil {
			return err
		}
		for j := range want.Data {
			worst = math.Max(worst, math.Abs(float64(want.Data[j]-got.Data[j])))
		}
	}
	p.summary.MaxReconstructionError = worst
	p.logger.Info().
		Int("tiles", len(outputs)).
		Int("augmentations", compose.Len()).
		Float64("max_error", worst).
		Msg("verified tiling round trip")
	return nil
}

// cropModel returns a model whose prediction is the central output region of
// its input. Inputs rotated by a quarter turn are cropped to the transposed
// output shape.
func cropModel(tile, out []int) tta.Model {
	return tta.ModelFunc(func(_ context.Context, x *grid.Grid[float32]) (*grid.Grid[float32], error) {
		target := out
		if x.Shape[0] != tile[0] {
			target = []int{out[1], out[0]}
		}
		h, w := target[0], target[1]
		top, left := (x.Shape[0]-h)/2, (x.Shape[1]-w)/2
		channels := 1
		shape := []int{h, w}
		if x.NDim() == 3 {
			channels = x.Shape[2]
			shape = append(shape, channels)
		}
		y := grid.New[float32](shape...)
		for r := 0; r < h; r++ {
			src := ((r+top)*x.Shape[1] + left) * channels
			copy(y.Data[r*w*channels:(r+1)*w*channels], x.Data[src:src+w*channels])
		}
		return y, nil
	})
}
