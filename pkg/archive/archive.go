// SPDX-License-Identifier: MPL-2.0

// Package archive implements the protopm package format: a gzip-compressed tar
// whose first entry is the package manifest, followed by the package files in
// lexicographic path order.
//
// The digest of an archive is the sha256 of the uncompressed canonical tar
// stream. Canonical headers carry no timestamps, owners or permissions beyond
// a fixed 0644 mode, so the digest depends only on content.
package archive

import (
	"archive/tar"
	"bytes"
	_ "crypto/sha256" // registers the hash behind digest.Canonical
	"errors"
	"fmt"
	"io"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/opencontainers/go-digest"

	"github.com/protopm/protopm/pkg/manifest"
)

const (
	// MaxArchiveSize bounds the compressed size accepted by Unpack.
	MaxArchiveSize = 64 << 20
	// MaxUncompressedSize bounds the total size of all entries.
	MaxUncompressedSize = 256 << 20
	// MaxEntries bounds the number of entries in one archive.
	MaxEntries = 10_000

	// MediaType is the content type used on the wire.
	MediaType = "application/gzip"
)

type (
	// File is one package file: a clean, slash-separated relative path and its content.
	File struct {
		Path string
		Data []byte
	}

	// Archive is a packed or unpacked package.
	Archive struct {
		// Manifest is the parsed embedded manifest.
		Manifest *manifest.Manifest
		// ManifestBytes is the embedded manifest exactly as stored.
		ManifestBytes []byte
		// Files are sorted by path and never include the manifest.
		Files []File
		// Digest is the content digest of the canonical tar stream.
		Digest digest.Digest
		// Data is the compressed archive.
		Data []byte
	}
)

var epoch = time.Unix(0, 0).UTC()

// Pack builds an archive from a manifest and the package files.
// The manifest must declare a package; file order does not matter.
func Pack(m *manifest.Manifest, files []File) (*Archive, error) {
	if m == nil || m.Package == nil {
		return nil, ErrMissingPackage
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	manifestBytes, err := m.Marshal()
	if err != nil {
		return nil, err
	}

	sorted, err := canonicalFiles(files)
	if err != nil {
		return nil, err
	}

	raw, err := canonicalTar(manifestBytes, sorted)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip writer: %w", err)
	}
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("failed to compress archive: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress archive: %w", err)
	}

	return &Archive{
		Manifest:      m,
		ManifestBytes: manifestBytes,
		Files:         sorted,
		Digest:        digest.FromBytes(raw),
		Data:          buf.Bytes(),
	}, nil
}

// Digest computes the canonical digest of a manifest and a set of files
// without compressing them. It matches the digest Pack and Unpack report.
func Digest(manifestBytes []byte, files []File) (digest.Digest, error) {
	sorted, err := canonicalFiles(files)
	if err != nil {
		return "", err
	}
	raw, err := canonicalTar(manifestBytes, sorted)
	if err != nil {
		return "", err
	}
	return digest.FromBytes(raw), nil
}

// Unpack parses and validates a compressed archive.
func Unpack(data []byte) (*Archive, error) {
	if len(data) > MaxArchiveSize {
		return nil, corrupt(fmt.Sprintf("archive size %d exceeds maximum %d", len(data), MaxArchiveSize), nil)
	}

	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, corrupt("invalid gzip stream", err)
	}
	defer zr.Close()

	var (
		manifestBytes []byte
		files         []File
		seen          = make(map[string]bool)
		total         int64
	)

	tr := tar.NewReader(zr)
	for index := 0; ; index++ {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, tar.ErrInsecurePath) && hdr != nil {
			return nil, &PathTraversalError{Path: hdr.Name}
		}
		if err != nil {
			return nil, corrupt("invalid tar stream", err)
		}
		if index >= MaxEntries {
			return nil, corrupt(fmt.Sprintf("more than %d entries", MaxEntries), nil)
		}

		if err := ValidatePath(hdr.Name); err != nil {
			return nil, err
		}
		if hdr.Typeflag != tar.TypeReg {
			return nil, corrupt(fmt.Sprintf("entry %q is not a regular file", hdr.Name), nil)
		}
		if seen[hdr.Name] {
			return nil, corrupt(fmt.Sprintf("duplicate entry %q", hdr.Name), nil)
		}
		seen[hdr.Name] = true

		total += hdr.Size
		if hdr.Size < 0 || total > MaxUncompressedSize {
			return nil, corrupt(fmt.Sprintf("uncompressed size exceeds maximum %d", MaxUncompressedSize), nil)
		}
		body, err := io.ReadAll(io.LimitReader(tr, hdr.Size))
		if err != nil {
			return nil, corrupt(fmt.Sprintf("failed to read entry %q", hdr.Name), err)
		}

		switch {
		case index == 0 && hdr.Name == manifest.FileName:
			manifestBytes = body
		case index == 0:
			return nil, corrupt("first entry must be "+manifest.FileName, nil)
		case hdr.Name == manifest.FileName:
			return nil, corrupt("duplicate manifest", nil)
		default:
			files = append(files, File{Path: hdr.Name, Data: body})
		}
	}

	if manifestBytes == nil {
		return nil, corrupt("missing manifest", nil)
	}
	m, err := manifest.Parse(manifestBytes)
	if err != nil {
		return nil, corrupt("invalid embedded manifest", err)
	}
	if m.Package == nil {
		return nil, corrupt("embedded manifest does not declare a package", nil)
	}

	slices.SortFunc(files, func(a, b File) int { return strings.Compare(a.Path, b.Path) })
	raw, err := canonicalTar(manifestBytes, files)
	if err != nil {
		return nil, err
	}

	return &Archive{
		Manifest:      m,
		ManifestBytes: manifestBytes,
		Files:         files,
		Digest:        digest.FromBytes(raw),
		Data:          data,
	}, nil
}

// UnpackExpect unpacks an archive and checks that it holds name at version.
func UnpackExpect(data []byte, name manifest.PackageName, version manifest.Version) (*Archive, error) {
	a, err := Unpack(data)
	if err != nil {
		return nil, err
	}
	if err := a.CheckIdentity(name, version); err != nil {
		return nil, err
	}
	return a, nil
}

// CheckIdentity verifies the embedded manifest names the expected package and version.
func (a *Archive) CheckIdentity(name manifest.PackageName, version manifest.Version) error {
	p := a.Manifest.Package
	if p.Name != name || p.Version != version {
		return &IdentityMismatchError{
			ExpectedName:    name,
			ExpectedVersion: version,
			ActualName:      p.Name,
			ActualVersion:   p.Version,
		}
	}
	return nil
}

// Name returns the packaged name.
func (a *Archive) Name() manifest.PackageName { return a.Manifest.Package.Name }

// Version returns the packaged version.
func (a *Archive) Version() manifest.Version { return a.Manifest.Package.Version }

// ValidatePath rejects entry paths that are not clean, slash-separated and relative.
func ValidatePath(p string) error {
	switch {
	case p == "", p == ".":
		return &PathTraversalError{Path: p}
	case strings.HasPrefix(p, "/"), strings.Contains(p, "\\"), strings.Contains(p, ":"):
		return &PathTraversalError{Path: p}
	case path.Clean(p) != p:
		return &PathTraversalError{Path: p}
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return &PathTraversalError{Path: p}
		}
	}
	return nil
}

// canonicalFiles validates paths and returns a sorted copy.
func canonicalFiles(files []File) ([]File, error) {
	sorted := slices.Clone(files)
	slices.SortFunc(sorted, func(a, b File) int { return strings.Compare(a.Path, b.Path) })
	for i, f := range sorted {
		if err := ValidatePath(f.Path); err != nil {
			return nil, err
		}
		if f.Path == manifest.FileName {
			return nil, fmt.Errorf("file %q collides with the embedded manifest", f.Path)
		}
		if i > 0 && sorted[i-1].Path == f.Path {
			return nil, fmt.Errorf("duplicate file %q", f.Path)
		}
	}
	if len(sorted)+1 > MaxEntries {
		return nil, fmt.Errorf("too many files: %d", len(sorted))
	}
	return sorted, nil
}

// canonicalTar writes the manifest followed by files (already sorted) with
// fixed headers.
func canonicalTar(manifestBytes []byte, files []File) ([]byte, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	write := func(name string, data []byte) error {
		hdr := &tar.Header{
			Typeflag: tar.TypeReg,
			Name:     name,
			Size:     int64(len(data)),
			Mode:     0o644,
			ModTime:  epoch,
			Format:   tar.FormatPAX,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("failed to write header for %q: %w", name, err)
		}
		if _, err := tw.Write(data); err != nil {
			return fmt.Errorf("failed to write %q: %w", name, err)
		}
		return nil
	}

	if err := write(manifest.FileName, manifestBytes); err != nil {
		return nil, err
	}
	for _, f := range files {
		if err := write(f.Path, f.Data); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish archive: %w", err)
	}
	return buf.Bytes(), nil
}
