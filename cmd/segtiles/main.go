package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"

	"segtiles/internal/logger"
	"segtiles/pkg/config"
	"segtiles/pkg/pipeline"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "segtiles.yaml", "Configuration file")
	initConfig := flag.Bool("init-config", false, "Write a default configuration file and exit")
	imageDir := flag.String("images", "", "Directory containing the input images (overrides config)")
	maskDir := flag.String("masks", "", "Directory containing one mask per image (overrides config)")
	cacheDir := flag.String("cache", "", "Directory for compiled weight maps (overrides config)")
	numCores := flag.Int("cores", 0, "Number of CPU cores to use (default: from config)")
	clearCache := flag.Bool("clear-cache", false, "Delete the weight cache before processing")
	stats := flag.Bool("stats", false, "Compute per-channel mean and standard deviation")
	savePreview := flag.Bool("preview", false, "Save previews of the first samples")
	verify := flag.Bool("verify", false, "Check that test-time augmented tiles reconstruct the images")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()

	if *initConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			log.Fatalf("Failed to write configuration: %v", err)
		}
		fmt.Printf("Default configuration written to: %s\n", *configPath)
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *imageDir != "" {
		cfg.Data.ImageDir = *imageDir
	}
	if *maskDir != "" {
		cfg.Data.MaskDir = *maskDir
	}
	if *cacheDir != "" {
		cfg.Data.CacheDir = *cacheDir
	}
	if *numCores > 0 {
		cfg.Processing.NumCores = *numCores
	}
	if *verbose {
		cfg.Output.Verbose = true
	}

	// Validate inputs
	if cfg.Data.ImageDir == "" {
		flag.Usage()
		os.Exit(1)
	}

	fmt.Println("================================")
	fmt.Println("SEGMENTATION TILE PREPARATION")
	fmt.Println("Weight maps, augmented training tiles and test-time augmentation")
	fmt.Println("================================")

	params := &pipeline.Params{
		Config:     cfg,
		ClearCache: *clearCache,
		Preview:    *savePreview,
		Verify:     *verify,
		Stats:      *stats,
	}
	p := pipeline.New(params, logger.NewConsole(logger.Level(cfg.Output.Verbose)))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := p.Process(ctx); err != nil {
		log.Fatalf("Processing failed: %v", err)
	}

	s := p.Summary()
	fmt.Printf("\nProcessing completed successfully in %.2f seconds!\n\n", s.Duration.Seconds())
	fmt.Printf("Images: %d\n", s.Images)
	if s.Labelled {
		fmt.Printf("Weight cache: %s\n", cfg.CachePath())
		fmt.Printf("Training tiles per epoch: %d (%d per image)\n", s.TrainingItems, s.SampleMult)
	}
	fmt.Printf("Inference tiles: %d\n", s.Tiles)

	if *verify {
		fmt.Printf("Maximum reconstruction error: %.6f\n", s.MaxReconstructionError)
	}
	if *stats {
		fmt.Println("\nChannel statistics:")
		for c := range s.Mean {
			fmt.Printf("- Channel %d: mean %.4f, std %.4f\n", c, s.Mean[c], s.Std[c])
		}
	}
	if *savePreview {
		fmt.Printf("\nPreviews saved to: %s (%d files)\n", cfg.Output.PreviewDir, len(s.Previews))
	}
}
