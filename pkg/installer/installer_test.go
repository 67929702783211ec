// SPDX-License-Identifier: MPL-2.0

package installer

import (
	"context"
	"errors"
	"maps"
	"os"
	"path/filepath"
	"testing"

	"github.com/protopm/protopm/internal/testutil"
	"github.com/protopm/protopm/pkg/archive"
	"github.com/protopm/protopm/pkg/cache"
	"github.com/protopm/protopm/pkg/lockfile"
	"github.com/protopm/protopm/pkg/manifest"
	"github.com/protopm/protopm/pkg/resolver"
)

// publishFixture returns a registry holding geo 2.1.0 and its dependency
// units 1.0.0. Archives are content-addressed, so every call serves identical
// digests.
func publishFixture(t *testing.T) *testutil.FakeRegistry {
	t.Helper()
	reg := testutil.NewFakeRegistry()
	reg.Add(t, "units", "1.0.0")
	reg.Add(t, "geo", "2.1.0", testutil.Dep("units", "^1"))
	return reg
}

func lockFixture(t *testing.T) (*testutil.FakeRegistry, *lockfile.Lockfile) {
	t.Helper()
	root := &manifest.Manifest{Dependencies: []manifest.Dependency{testutil.Dep("geo", "^2")}}
	g, err := resolver.New(publishFixture(t)).Resolve(context.Background(), root, testutil.RegistryURL)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	return freshRegistry(t), lockfile.FromGraph(g)
}

// freshRegistry returns a registry with the fixture packages and zeroed counters.
func freshRegistry(t *testing.T) *testutil.FakeRegistry {
	t.Helper()
	return publishFixture(t)
}

func TestInstall_MaterializesTree(t *testing.T) {
	t.Parallel()

	_, lock := lockFixture(t)
	reg := freshRegistry(t)
	dir := filepath.Join(t.TempDir(), "proto", "vendor")

	paths, err := New(reg, dir).Install(context.Background(), lock)
	if err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	want := []string{filepath.Join(dir, "geo"), filepath.Join(dir, "units")}
	if len(paths) != 2 || paths[0] != want[0] || paths[1] != want[1] {
		t.Errorf("paths = %v, want %v", paths, want)
	}

	files := testutil.Snapshot(t, dir)
	for _, f := range []string{"geo/Proto.toml", "geo/geo.proto", "units/Proto.toml", "units/units.proto"} {
		if _, ok := files[f]; !ok {
			t.Errorf("missing %s in %v", f, files)
		}
	}
	if reg.Calls("FetchArchive") != 2 {
		t.Errorf("FetchArchive calls = %d, want 2", reg.Calls("FetchArchive"))
	}
}

func TestInstall_Idempotent(t *testing.T) {
	t.Parallel()

	reg, lock := lockFixture(t)
	dir := filepath.Join(t.TempDir(), "vendor")
	if _, err := New(reg, dir).Install(context.Background(), lock); err != nil {
		t.Fatal(err)
	}
	if n := reg.TotalCalls(); n != 2 {
		t.Errorf("first install made %d registry calls, want 2 archive fetches", n)
	}
	before := testutil.Snapshot(t, dir)

	again := freshRegistry(t)
	if _, err := New(again, dir).Install(context.Background(), lock); err != nil {
		t.Fatalf("second Install() error = %v", err)
	}
	if n := again.TotalCalls(); n != 0 {
		t.Errorf("second install made %d registry calls, want 0", n)
	}
	if after := testutil.Snapshot(t, dir); !maps.Equal(before, after) {
		t.Errorf("tree changed:\n%v\nvs\n%v", before, after)
	}
}

func TestInstall_RepairsModifiedPackage(t *testing.T) {
	t.Parallel()

	reg, lock := lockFixture(t)
	dir := filepath.Join(t.TempDir(), "vendor")
	if _, err := New(reg, dir).Install(context.Background(), lock); err != nil {
		t.Fatal(err)
	}
	original := testutil.Snapshot(t, dir)
	testutil.MustWriteFile(t, filepath.Join(dir, "units", "units.proto"), []byte("tampered"))
	testutil.MustWriteFile(t, filepath.Join(dir, "stray", "x.proto"), []byte("stray"))

	again := freshRegistry(t)
	if _, err := New(again, dir).Install(context.Background(), lock); err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	if n := again.Calls("FetchArchive"); n != 1 {
		t.Errorf("FetchArchive calls = %d, want 1", n)
	}
	if after := testutil.Snapshot(t, dir); !maps.Equal(original, after) {
		t.Errorf("tree not restored:\n%v\nvs\n%v", original, after)
	}
}

func TestInstall_DigestMismatchLeavesTreeUntouched(t *testing.T) {
	t.Parallel()

	reg, lock := lockFixture(t)
	dir := filepath.Join(t.TempDir(), "vendor")
	testutil.MustWriteFile(t, filepath.Join(dir, "keep.txt"), []byte("previous tree"))
	before := testutil.Snapshot(t, dir)

	// Republish units with different content under the locked version.
	reg.Store(testutil.Pack(t, manifest.KindLib, "units", "1.0.0", testutil.Dep("extra-dep", "^1")))

	_, err := New(reg, dir).Install(context.Background(), lock)
	var mismatch *DigestMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected DigestMismatchError, got %v", err)
	}
	if mismatch.Name != "units" || !errors.Is(err, ErrDigestMismatch) {
		t.Errorf("unexpected mismatch %v", mismatch)
	}
	if after := testutil.Snapshot(t, dir); !maps.Equal(before, after) {
		t.Errorf("tree changed after failed install: %v", after)
	}
	assertNoStaging(t, filepath.Dir(dir))
}

func TestInstall_CanceledLeavesTreeUntouched(t *testing.T) {
	t.Parallel()

	reg, lock := lockFixture(t)
	dir := filepath.Join(t.TempDir(), "vendor")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := New(reg, dir).Install(ctx, lock); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, err := os.Stat(dir); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("install dir must not exist after canceled install, stat err = %v", err)
	}
	assertNoStaging(t, filepath.Dir(dir))
}

func TestInstall_UsesCache(t *testing.T) {
	t.Parallel()

	_, lock := lockFixture(t)
	c := cache.New(t.TempDir())
	reg := freshRegistry(t)
	for _, p := range lock.Packages {
		a, err := reg.FetchArchive(context.Background(), p.Source(), p.Name, p.Version)
		if err != nil {
			t.Fatal(err)
		}
		if err := c.Put(a); err != nil {
			t.Fatal(err)
		}
	}

	offline := testutil.NewFakeRegistry()
	dir := filepath.Join(t.TempDir(), "vendor")
	if _, err := New(offline, dir, WithCache(c)).Install(context.Background(), lock); err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	if n := offline.TotalCalls(); n != 0 {
		t.Errorf("expected cache hits only, got %d registry calls", n)
	}
}

func TestInstall_EmptyLock(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "vendor")
	testutil.MustWriteFile(t, filepath.Join(dir, "old", "old.proto"), []byte("x"))
	lock := &lockfile.Lockfile{Version: lockfile.CurrentVersion}

	if _, err := New(testutil.NewFakeRegistry(), dir).Install(context.Background(), lock); err != nil {
		t.Fatal(err)
	}
	if files := testutil.Snapshot(t, dir); len(files) != 0 {
		t.Errorf("expected empty tree, got %v", files)
	}
}

func TestUninstall(t *testing.T) {
	t.Parallel()

	reg, lock := lockFixture(t)
	dir := filepath.Join(t.TempDir(), "vendor")
	inst := New(reg, dir)
	if _, err := inst.Install(context.Background(), lock); err != nil {
		t.Fatal(err)
	}
	if err := inst.Uninstall(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(dir); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("dir still exists: %v", err)
	}
}

func TestDirCollector(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	testutil.MustWriteFile(t, filepath.Join(root, "b.proto"), []byte("b"))
	testutil.MustWriteFile(t, filepath.Join(root, "nested", "a.proto"), []byte("a"))
	testutil.MustWriteFile(t, filepath.Join(root, "README.md"), []byte("readme"))
	testutil.MustWriteFile(t, filepath.Join(root, "vendor", "dep", "dep.proto"), []byte("dep"))

	files, err := DirCollector{Exclude: []string{"vendor"}, Extensions: []string{".proto"}}.Collect(root)
	if err != nil {
		t.Fatal(err)
	}
	want := []archive.File{{Path: "b.proto", Data: []byte("b")}, {Path: "nested/a.proto", Data: []byte("a")}}
	if len(files) != len(want) {
		t.Fatalf("Collect() = %v", files)
	}
	for i := range want {
		if files[i].Path != want[i].Path || string(files[i].Data) != string(want[i].Data) {
			t.Errorf("files[%d] = %s, want %s", i, files[i].Path, want[i].Path)
		}
	}
}

func assertNoStaging(t *testing.T, parent string) {
	t.Helper()
	entries, err := os.ReadDir(parent)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) != "" && e.Name()[0] == '.' {
			t.Errorf("leftover staging entry %s", e.Name())
		}
	}
}
