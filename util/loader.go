// Package util - Helpers for reading input images from disk.
package util

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// ImageExtensions are the file extensions treated as images.
var ImageExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".webp"}

// ImageFile represents an image file.
type ImageFile struct {
	// Path is the path to the image file.
	Path string
	// Data is the raw bytes of the image file.
	Data []byte
}

// IsImagePath reports whether path has an image extension.
func IsImagePath(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range ImageExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// LoadImageFiles reads all image files from a directory, sorted by name.
// Subdirectories and files without an image extension are skipped.
//
// Arguments:
// - dir: Directory path containing image files.
//
// Returns:
// - []ImageFile: Slice of ImageFile, each containing the raw bytes of an image file.
// - error: Error if loading fails.
func LoadImageFiles(dir string) ([]ImageFile, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var images []ImageFile
	for _, file := range files {
		if file.IsDir() || !IsImagePath(file.Name()) {
			continue
		}
		imgPath := filepath.Join(dir, file.Name())
		data, readErr := os.ReadFile(imgPath)
		if readErr != nil {
			return nil, readErr
		}
		images = append(images, ImageFile{Path: imgPath, Data: data})
	}

	sort.Slice(images, func(i, j int) bool {
		return images[i].Path < images[j].Path
	})

	return images, nil
}

// LoadImageArgs reads each argument as an image file, expanding directories
// with LoadImageFiles. Explicit files are read whatever their extension.
func LoadImageArgs(paths []string) ([]ImageFile, error) {
	var images []ImageFile
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if info.IsDir() {
			dirImages, err := LoadImageFiles(p)
			if err != nil {
				return nil, errors.Wrapf(err, "loading images from %s", p)
			}
			images = append(images, dirImages...)
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		images = append(images, ImageFile{Path: p, Data: data})
	}
	return images, nil
}
