// SPDX-License-Identifier: MPL-2.0

package manifest

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const physicsManifest = `
[package]
type = "api"
name = "physics"
version = "1.0.0"
description = "Physics service definitions"
license = "MIT"

[[dependencies]]
name = "units"
repository = "physics-proto-stable"
version = "^1.0"

[[dependencies]]
name = "acme.geo"
repository = "geo-proto-stable"
version = "~2.1.0"
kind = "api"
registry = "https://registry.example.com"
`

func TestParse_Valid(t *testing.T) {
	t.Parallel()

	m, err := Parse([]byte(physicsManifest))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if m.Package == nil {
		t.Fatal("expected [package] section")
	}
	if m.Package.Name != "physics" || m.Package.Kind != KindAPI || m.Package.Version != "1.0.0" {
		t.Errorf("unexpected package: %+v", m.Package)
	}
	if len(m.Dependencies) != 2 {
		t.Fatalf("expected 2 dependencies, got %d", len(m.Dependencies))
	}
	if m.Dependencies[0].Kind != KindLib {
		t.Errorf("expected default kind lib, got %q", m.Dependencies[0].Kind)
	}
	if m.Dependencies[1].Name != "acme.geo" || m.Dependencies[1].Kind != KindAPI {
		t.Errorf("unexpected second dependency: %+v", m.Dependencies[1])
	}

	src := m.Dependencies[0].Source("https://default.example.com/")
	if src.URL != "https://default.example.com" || src.Repository != "physics-proto-stable" {
		t.Errorf("Source() = %+v", src)
	}
	src = m.Dependencies[1].Source("https://default.example.com")
	if src.URL != "https://registry.example.com" {
		t.Errorf("registry override ignored: %+v", src)
	}
}

func TestParse_ConsumerOnly(t *testing.T) {
	t.Parallel()

	m, err := Parse([]byte(`
[[dependencies]]
name = "units"
repository = "physics-proto-stable"
version = "1.2.0"
`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if m.Package != nil {
		t.Errorf("expected no package section, got %+v", m.Package)
	}
	if _, ok := m.ID(); ok {
		t.Error("ID() should report no identity")
	}
}

func TestParse_Malformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
	}{
		{"syntax", "[package\nname = "},
		{"wrong type", "[package]\nname = 42\n"},
		{"dependencies not an array", "dependencies = \"units\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(tt.input))
			if !errors.Is(err, ErrMalformedManifest) {
				t.Fatalf("expected ErrMalformedManifest, got %v", err)
			}
			var me *MalformedManifestError
			if !errors.As(err, &me) {
				t.Errorf("expected *MalformedManifestError, got %T", err)
			}
		})
	}
}

func TestParse_UnknownFields(t *testing.T) {
	t.Parallel()

	input := physicsManifest + "\n[extra]\nhomepage = \"https://example.com\"\n"

	if _, err := Parse([]byte(input)); err != nil {
		t.Fatalf("unknown fields must be tolerated by default, got %v", err)
	}

	_, err := Parse([]byte(input), Strict())
	if !errors.Is(err, ErrUnknownField) {
		t.Fatalf("expected ErrUnknownField in strict mode, got %v", err)
	}
	var ufe *UnknownFieldError
	if !errors.As(err, &ufe) {
		t.Fatalf("expected *UnknownFieldError, got %T", err)
	}
	if !strings.Contains(strings.Join(ufe.Fields, ","), "extra") {
		t.Errorf("expected field list to name 'extra', got %v", ufe.Fields)
	}
}

func TestParse_ValidationErrors(t *testing.T) {
	t.Parallel()

	dep := func(fields string) string {
		return "[[dependencies]]\n" + fields
	}

	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{
			name:    "uppercase package name",
			input:   "[package]\ntype = \"lib\"\nname = \"Units\"\nversion = \"1.0.0\"\n",
			wantErr: ErrInvalidPackageName,
		},
		{
			name:    "single character name",
			input:   "[package]\ntype = \"lib\"\nname = \"u\"\nversion = \"1.0.0\"\n",
			wantErr: ErrInvalidPackageName,
		},
		{
			name:    "unknown kind",
			input:   "[package]\ntype = \"service\"\nname = \"units\"\nversion = \"1.0.0\"\n",
			wantErr: ErrInvalidPackageKind,
		},
		{
			name:    "partial version",
			input:   "[package]\ntype = \"lib\"\nname = \"units\"\nversion = \"1.0\"\n",
			wantErr: ErrInvalidVersion,
		},
		{
			name:    "bad license",
			input:   "[package]\ntype = \"lib\"\nname = \"units\"\nversion = \"1.0.0\"\nlicense = \"NOT-A-LICENSE\"\n",
			wantErr: ErrInvalidLicense,
		},
		{
			name:    "bad constraint",
			input:   dep("name = \"units\"\nrepository = \"proto-stable\"\nversion = \"not a constraint!!\"\n"),
			wantErr: ErrInvalidConstraint,
		},
		{
			name:    "empty constraint",
			input:   dep("name = \"units\"\nrepository = \"proto-stable\"\nversion = \"\"\n"),
			wantErr: ErrInvalidConstraint,
		},
		{
			name:    "bad repository",
			input:   dep("name = \"units\"\nrepository = \"Proto_Stable\"\nversion = \"^1.0\"\n"),
			wantErr: ErrInvalidRepository,
		},
		{
			name:    "bad registry",
			input:   dep("name = \"units\"\nrepository = \"proto-stable\"\nversion = \"^1.0\"\nregistry = \"ftp://example.com\"\n"),
			wantErr: ErrInvalidRegistry,
		},
		{
			name: "duplicate dependency",
			input: dep("name = \"units\"\nrepository = \"proto-stable\"\nversion = \"^1.0\"\n") +
				dep("name = \"units\"\nrepository = \"proto-stable\"\nversion = \"^2.0\"\n"),
			wantErr: ErrDuplicateDependency,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(tt.input))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Parse() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParse_KindRule(t *testing.T) {
	t.Parallel()

	libOnAPI := `
[package]
type = "lib"
name = "units"
version = "1.0.0"

[[dependencies]]
name = "physics"
repository = "physics-proto-stable"
version = "^1.0"
kind = "api"
`
	_, err := Parse([]byte(libOnAPI))
	if !errors.Is(err, ErrKindRule) {
		t.Fatalf("expected ErrKindRule, got %v", err)
	}
	var kre *KindRuleError
	if !errors.As(err, &kre) {
		t.Fatalf("expected *KindRuleError, got %T", err)
	}
	if kre.Dependency.Name != "physics" {
		t.Errorf("KindRuleError.Dependency = %v", kre.Dependency)
	}

	apiOnAPI := strings.Replace(libOnAPI, `type = "lib"`, `type = "api"`, 1)
	if _, err := Parse([]byte(apiOnAPI)); err != nil {
		t.Errorf("api may depend on api, got %v", err)
	}
}

func TestMarshal_RoundTrip(t *testing.T) {
	t.Parallel()

	m, err := Parse([]byte(physicsManifest))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	first, err := m.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	again, err := Parse(first, Strict())
	if err != nil {
		t.Fatalf("re-Parse() error = %v\n%s", err, first)
	}
	second, err := again.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("canonical form not stable:\n--- first\n%s\n--- second\n%s", first, second)
	}

	if len(again.Dependencies) != 2 || again.Dependencies[0].Name != "units" || again.Dependencies[1].Name != "acme.geo" {
		t.Errorf("dependency order not preserved: %+v", again.Dependencies)
	}
	if strings.Contains(string(first), `kind = "lib"`) || strings.Contains(string(first), "kind = 'lib'") {
		t.Errorf("default kind should be omitted:\n%s", first)
	}
}

func TestAddRemoveDependency(t *testing.T) {
	t.Parallel()

	m, err := Parse([]byte(physicsManifest))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if err := m.AddDependency(Dependency{Name: "time", Repository: "core-proto-stable", Version: "^0.3"}); err != nil {
		t.Fatalf("AddDependency() error = %v", err)
	}
	if len(m.Dependencies) != 3 || m.Dependencies[2].Kind != KindLib {
		t.Fatalf("unexpected dependencies: %+v", m.Dependencies)
	}

	if err := m.AddDependency(Dependency{Name: "units", Repository: "physics-proto-stable", Version: "^2.0"}); err != nil {
		t.Fatalf("AddDependency() replace error = %v", err)
	}
	if len(m.Dependencies) != 3 || m.Dependencies[0].Version != "^2.0" {
		t.Errorf("expected in-place replacement, got %+v", m.Dependencies)
	}

	if err := m.AddDependency(Dependency{Name: "Bad", Repository: "x", Version: "^1"}); !errors.Is(err, ErrInvalidPackageName) {
		t.Errorf("expected ErrInvalidPackageName, got %v", err)
	}

	removed, err := m.RemoveDependency("units")
	if err != nil {
		t.Fatalf("RemoveDependency() error = %v", err)
	}
	if removed.Name != "units" || len(m.Dependencies) != 2 {
		t.Errorf("unexpected state after remove: %+v", m.Dependencies)
	}
	if _, err := m.RemoveDependency("units"); !errors.Is(err, ErrDependencyNotFound) {
		t.Errorf("expected ErrDependencyNotFound, got %v", err)
	}
}

func TestAddDependency_KindRule(t *testing.T) {
	t.Parallel()

	m := &Manifest{Package: &PackageInfo{Kind: KindLib, Name: "units", Version: "1.0.0"}}
	err := m.AddDependency(Dependency{Name: "physics", Kind: KindAPI, Repository: "physics-proto-stable", Version: "^1.0"})
	if !errors.Is(err, ErrKindRule) {
		t.Fatalf("expected ErrKindRule, got %v", err)
	}
	if len(m.Dependencies) != 0 {
		t.Errorf("manifest must be unchanged, got %+v", m.Dependencies)
	}
}

func TestParseDependencySpec(t *testing.T) {
	t.Parallel()

	tests := []struct {
		spec    string
		want    Dependency
		wantErr bool
	}{
		{
			spec: "physics-proto-stable/units@^1.0",
			want: Dependency{Name: "units", Kind: KindLib, Repository: "physics-proto-stable", Version: "^1.0"},
		},
		{
			spec: "  core-proto-beta/acme.time@1.2.3 ",
			want: Dependency{Name: "acme.time", Kind: KindLib, Repository: "core-proto-beta", Version: "1.2.3"},
		},
		{spec: "units@^1.0", wantErr: true},
		{spec: "physics-proto-stable/units", wantErr: true},
		{spec: "physics-proto-stable/units@", wantErr: true},
		{spec: "Physics/units@^1.0", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			t.Parallel()
			got, err := ParseDependencySpec(tt.spec)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidDependencySpec) {
					t.Fatalf("expected ErrInvalidDependencySpec, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseDependencySpec() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseDependencySpec() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestLoadSave(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, FileName)

	if _, err := Load(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected os.ErrNotExist, got %v", err)
	}

	m := &Manifest{Package: &PackageInfo{Kind: KindLib, Name: "units", Version: "0.1.0"}}
	if err := m.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path, Strict())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Package == nil || loaded.Package.Name != "units" {
		t.Errorf("unexpected manifest: %+v", loaded.Package)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %v", entries)
	}
}

func TestStageFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "Proto.lock")

	discarded, err := StageFile(path, []byte("old"))
	if err != nil {
		t.Fatalf("StageFile() error = %v", err)
	}
	discarded.Discard()
	if entries, _ := os.ReadDir(dir); len(entries) != 0 {
		t.Errorf("Discard left %v", entries)
	}

	staged, err := StageFile(path, []byte("new"))
	if err != nil {
		t.Fatalf("StageFile() error = %v", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("destination visible before Commit: %v", err)
	}
	if err := staged.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if data, err := os.ReadFile(path); err != nil || string(data) != "new" {
		t.Errorf("committed content = %q, %v", data, err)
	}
	if entries, _ := os.ReadDir(dir); len(entries) != 1 {
		t.Errorf("temp files left behind: %v", entries)
	}
}

func TestStageFile_CommitFailureRemovesTemp(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "Proto.lock")
	if err := os.MkdirAll(filepath.Join(path, "occupied"), 0o755); err != nil {
		t.Fatal(err)
	}

	staged, err := StageFile(path, []byte("data"))
	if err != nil {
		t.Fatalf("StageFile() error = %v", err)
	}
	if err := staged.Commit(); err == nil {
		t.Fatal("Commit() onto a non-empty directory succeeded")
	}
	if entries, _ := os.ReadDir(dir); len(entries) != 1 {
		t.Errorf("temp files left behind: %v", entries)
	}
}

func TestConstraintAllows(t *testing.T) {
	t.Parallel()

	tests := []struct {
		constraint Constraint
		version    Version
		want       bool
	}{
		{"^1.0", "1.2.0", true},
		{"^1.0", "2.0.0", false},
		{"~1.2.0", "1.2.9", true},
		{"~1.2.0", "1.3.0", false},
		{">=1.0.0, <2.0.0", "1.9.9", true},
		{"1.2.3", "1.2.3", true},
		{"^1.0", "garbage", false},
	}
	for _, tt := range tests {
		if got := tt.constraint.Allows(tt.version); got != tt.want {
			t.Errorf("%q.Allows(%q) = %v, want %v", tt.constraint, tt.version, got, tt.want)
		}
	}
}
