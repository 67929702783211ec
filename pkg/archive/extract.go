// SPDX-License-Identifier: MPL-2.0

package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/protopm/protopm/pkg/manifest"
)

// Extract writes the manifest and all files below dir, creating it if needed.
// Every target path is checked again against dir, so nothing is written outside it.
func (a *Archive) Extract(dir string) error {
	root, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", dir, err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", root, err)
	}

	if err := writeContained(root, manifest.FileName, a.ManifestBytes); err != nil {
		return err
	}
	for _, f := range a.Files {
		if err := writeContained(root, f.Path, f.Data); err != nil {
			return err
		}
	}
	return nil
}

func writeContained(root, rel string, data []byte) error {
	if err := ValidatePath(rel); err != nil {
		return err
	}
	target := filepath.Join(root, filepath.FromSlash(rel))
	back, err := filepath.Rel(root, target)
	if err != nil || back == ".." || strings.HasPrefix(back, ".."+string(filepath.Separator)) || filepath.IsAbs(back) {
		return &PathTraversalError{Path: rel}
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", rel, err)
	}
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", rel, err)
	}
	return nil
}
