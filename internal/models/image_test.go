package models

import (
	"os"
	"path/filepath"
	"testing"
)

// TestFindImages verifies filtering and numeric ordering of image files
func TestFindImages(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"img10.png", "img2.tif", "img1.jpg", "notes.txt", "b.png", "a.png"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0644); err != nil {
			t.Fatalf("Failed to create %s: %v", name, err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "sub.png"), 0755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}

	files, err := FindImages(dir)
	if err != nil {
		t.Fatalf("FindImages failed: %v", err)
	}

	expected := []string{"a.png", "b.png", "img1.jpg", "img2.tif", "img10.png"}
	if len(files) != len(expected) {
		t.Fatalf("Expected %d files, got %d", len(expected), len(files))
	}
	for i, f := range files {
		if f.Name != expected[i] {
			t.Errorf("Position %d: expected %s, got %s", i, expected[i], f.Name)
		}
		if f.Index != i {
			t.Errorf("Position %d: expected index %d, got %d", i, i, f.Index)
		}
		if f.Path != filepath.Join(dir, f.Name) {
			t.Errorf("Unexpected path %s", f.Path)
		}
	}

	if paths := Paths(files); paths[4] != filepath.Join(dir, "img10.png") {
		t.Errorf("Expected last path to be img10.png, got %s", paths[4])
	}

	if _, err := FindImages(t.TempDir()); err == nil {
		t.Error("Expected error for directory without images, got nil")
	}
}

// TestExtractNumber verifies that digits are collected from file names
func TestExtractNumber(t *testing.T) {
	tests := map[string]int{
		"slice_012.png":  12,
		"/data/img7.tif": 7,
		"a1b2.png":       12,
		"mask.png":       0,
	}
	for name, want := range tests {
		if got := extractNumber(name); got != want {
			t.Errorf("extractNumber(%q) = %d, expected %d", name, got, want)
		}
	}
}
