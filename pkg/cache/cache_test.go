// SPDX-License-Identifier: MPL-2.0

package cache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/protopm/protopm/pkg/archive"
	"github.com/protopm/protopm/pkg/manifest"
)

func packUnits(t *testing.T) *archive.Archive {
	t.Helper()
	m := &manifest.Manifest{Package: &manifest.PackageInfo{Kind: manifest.KindLib, Name: "units", Version: "1.0.0"}}
	a, err := archive.Pack(m, []archive.File{{Path: "units.proto", Data: []byte("syntax = \"proto3\";\n")}})
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestCache_PutGet(t *testing.T) {
	t.Parallel()

	c := New(t.TempDir())
	a := packUnits(t)

	if _, ok := c.Get(a.Digest); ok {
		t.Fatal("expected miss on empty cache")
	}
	if err := c.Put(a); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	got, ok := c.Get(a.Digest)
	if !ok {
		t.Fatal("expected hit after Put")
	}
	if got.Digest != a.Digest || got.Name() != "units" {
		t.Errorf("unexpected archive %s %s", got.Name(), got.Digest)
	}
	if err := c.Put(a); err != nil {
		t.Errorf("second Put() error = %v", err)
	}
}

func TestCache_DiscardsCorruptEntries(t *testing.T) {
	t.Parallel()

	c := New(t.TempDir())
	a := packUnits(t)
	path := c.Path(a.Digest)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, ok := c.Get(a.Digest); ok {
		t.Fatal("corrupt entry must be a miss")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("corrupt entry should be removed, stat err = %v", err)
	}
}

func TestCache_InvalidDigest(t *testing.T) {
	t.Parallel()

	c := New(t.TempDir())
	if _, ok := c.Get("not-a-digest"); ok {
		t.Error("invalid digest must be a miss")
	}
}

func TestDefaultDirWith(t *testing.T) {
	t.Parallel()

	got, err := DefaultDirWith(func(key string) string {
		if key == DirEnv {
			return "/tmp/protopm-cache"
		}
		return ""
	})
	if err != nil || got != "/tmp/protopm-cache" {
		t.Errorf("DefaultDirWith() = %q, %v", got, err)
	}
}
