// SPDX-License-Identifier: MPL-2.0

package installer

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/protopm/protopm/pkg/archive"
)

type (
	// FileCollector supplies the files of a package directory as
	// slash-separated relative paths.
	FileCollector interface {
		Collect(root string) ([]archive.File, error)
	}

	// DirCollector walks a directory tree and returns its regular files.
	DirCollector struct {
		// Exclude lists slash-separated directory paths, relative to the root,
		// that are skipped entirely.
		Exclude []string
		// Extensions restricts collection to files with one of these
		// extensions (e.g. ".proto"). Empty collects every file.
		Extensions []string
	}
)

// Collect returns the files below root sorted by path. Symlinks and other
// non-regular files are rejected.
func (c DirCollector) Collect(root string) ([]archive.File, error) {
	var files []archive.File
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if rel != "." && slices.Contains(c.Exclude, rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return fmt.Errorf("%s: not a regular file", rel)
		}
		if len(c.Extensions) > 0 && !slices.Contains(c.Extensions, strings.ToLower(filepath.Ext(rel))) {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files = append(files, archive.File{Path: rel, Data: data})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to collect files in %s: %w", root, err)
	}
	slices.SortFunc(files, func(a, b archive.File) int { return strings.Compare(a.Path, b.Path) })
	return files, nil
}
