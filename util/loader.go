// Package util holds filesystem helpers for batch runs.
package util

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// DefaultExtensions are the file extensions picked up when none are configured.
var DefaultExtensions = []string{".jpg"}

// ImageFile represents an image file queued for processing.
type ImageFile struct {
	// Path is the path to the image file.
	Path string
	// Name is the base name, reused for the annotated output.
	Name string
}

// ListImageFiles lists the image files directly inside dir.
//
// Subdirectories are not descended into. Extensions match case-insensitively
// and the result is ordered lexicographically by name.
//
// Arguments:
// - dir: Directory path containing image files.
// - exts: Accepted extensions including the dot; DefaultExtensions when empty.
//
// Returns:
// - []ImageFile: The matching files.
// - error: Error if the directory cannot be read.
func ListImageFiles(dir string, exts []string) ([]ImageFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list input directory %s", dir)
	}

	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	accept := make(map[string]struct{}, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		accept[ext] = struct{}{}
	}

	var files []ImageFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, ok := accept[strings.ToLower(filepath.Ext(entry.Name()))]; !ok {
			continue
		}
		files = append(files, ImageFile{
			Path: filepath.Join(dir, entry.Name()),
			Name: entry.Name(),
		})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].Name < files[j].Name
	})

	return files, nil
}
