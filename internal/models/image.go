// Package models holds the file-level records shared by the command line tools.
package models

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// ImageExtensions lists the file extensions recognised as images or masks.
var ImageExtensions = []string{".png", ".jpg", ".jpeg", ".tif", ".tiff", ".bmp"}

// ImageFile is one input image discovered on disk
type ImageFile struct {
	// Path is the full path of the image
	Path string

	// Name is the file name, used as cache key
	Name string

	// Index is the position of the image after sorting
	Index int
}

// FindImages lists the images in dir ordered by the number embedded in their
// file names, falling back to lexical order for equal numbers.
func FindImages(dir string) ([]ImageFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		for _, known := range ImageExtensions {
			if ext == known {
				names = append(names, e.Name())
				break
			}
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no images found in %s", dir)
	}

	sort.SliceStable(names, func(i, j int) bool {
		ni, nj := extractNumber(names[i]), extractNumber(names[j])
		if ni != nj {
			return ni < nj
		}
		return names[i] < names[j]
	})

	files := make([]ImageFile, len(names))
	for i, name := range names {
		files[i] = ImageFile{Path: filepath.Join(dir, name), Name: name, Index: i}
	}
	return files, nil
}

// Paths returns the paths of files in order.
func Paths(files []ImageFile) []string {
	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.Path
	}
	return paths
}

// extractNumber extracts the numeric part from a filename
func extractNumber(filename string) int {
	base := filepath.Base(filename)
	numStr := ""
	for _, c := range base {
		if c >= '0' && c <= '9' {
			numStr += string(c)
		}
	}

	if numStr != "" {
		num, err := strconv.Atoi(numStr)
		if err == nil {
			return num
		}
	}
	return 0
}
