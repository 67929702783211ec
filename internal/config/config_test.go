// SPDX-License-Identifier: MPL-2.0

package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/protopm/protopm/internal/issue"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, ConfigFileName+"."+ConfigFileExt)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	t.Parallel()

	cfg, path, err := loadWithOptions(context.Background(), LoadOptions{ConfigDirPath: t.TempDir()})
	if err != nil {
		t.Fatalf("loadWithOptions() error = %v", err)
	}
	if path != "" {
		t.Errorf("resolved path = %q, want none", path)
	}
	if cfg.Registry.MaxAttempts != 4 || cfg.Registry.Timeout != 30*time.Second || cfg.Registry.BaseDelay != 200*time.Millisecond {
		t.Errorf("unexpected registry defaults %+v", cfg.Registry)
	}
	if cfg.Concurrency != 8 || cfg.InstallDir != "proto/vendor" {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if cfg.Registry.Paths.Archive != "{repository}/{name}/{name}-{version}.tgz" {
		t.Errorf("archive path = %q", cfg.Registry.Paths.Archive)
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()

	dir := writeConfig(t, `
registry: {
	url:        "https://registry.example.com"
	repository: "physics-proto-stable"
	timeout:    "10s"
	paths: archive: "{repository}/{name}/archive/{version}.tgz"
}
concurrency: 3
ui: verbose: true
`)
	cfg, path, err := loadWithOptions(context.Background(), LoadOptions{ConfigDirPath: dir})
	if err != nil {
		t.Fatalf("loadWithOptions() error = %v", err)
	}
	if path != filepath.Join(dir, "config.cue") {
		t.Errorf("resolved path = %q", path)
	}
	if cfg.Registry.URL != "https://registry.example.com" || cfg.Registry.Repository != "physics-proto-stable" {
		t.Errorf("registry = %+v", cfg.Registry)
	}
	if cfg.Registry.Timeout != 10*time.Second || cfg.Registry.MaxAttempts != 4 {
		t.Errorf("timeout/attempts = %s/%d", cfg.Registry.Timeout, cfg.Registry.MaxAttempts)
	}
	if cfg.Registry.Paths.Archive != "{repository}/{name}/archive/{version}.tgz" ||
		cfg.Registry.Paths.Versions != "{repository}/{name}/versions" {
		t.Errorf("paths = %+v", cfg.Registry.Paths)
	}
	if cfg.Concurrency != 3 || !cfg.UI.Verbose {
		t.Errorf("concurrency/verbose = %d/%v", cfg.Concurrency, cfg.UI.Verbose)
	}
}

func TestLoad_SchemaErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		want    string
	}{
		{name: "attempts out of range", content: "registry: max_attempts: 0", want: "max_attempts"},
		{name: "bad duration", content: `registry: timeout: "soon"`, want: "timeout"},
		{name: "unknown field", content: "colour: true", want: "colour"},
		{name: "bad repository", content: `registry: repository: "Not_Valid"`, want: "repository"},
		{name: "syntax", content: "registry: {", want: "config.cue"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, _, err := loadWithOptions(context.Background(), LoadOptions{ConfigDirPath: writeConfig(t, tt.content)})
			var ae *issue.ActionableError
			if !errors.As(err, &ae) {
				t.Fatalf("expected ActionableError, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoad_ExplicitFileMissing(t *testing.T) {
	t.Parallel()

	missing := filepath.Join(t.TempDir(), "nope.cue")
	_, _, err := loadWithOptions(context.Background(), LoadOptions{ConfigFilePath: missing})
	var ae *issue.ActionableError
	if !errors.As(err, &ae) || ae.Resource != missing || !ae.HasSuggestions() {
		t.Errorf("unexpected error %v", err)
	}
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("PROTOPM_REGISTRY_URL", "https://env.example.com")
	t.Setenv("PROTOPM_REGISTRY_MAX_DELAY", "9s")
	t.Setenv("PROTOPM_CONCURRENCY", "2")

	dir := writeConfig(t, `registry: url: "https://file.example.com"`)
	cfg, err := NewProvider().Load(context.Background(), LoadOptions{ConfigDirPath: dir})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Registry.URL != "https://env.example.com" {
		t.Errorf("url = %q, environment must win over the file", cfg.Registry.URL)
	}
	if cfg.Registry.MaxDelay != 9*time.Second || cfg.Concurrency != 2 {
		t.Errorf("max_delay/concurrency = %s/%d", cfg.Registry.MaxDelay, cfg.Concurrency)
	}
}

func TestLoad_InvalidEnvironment(t *testing.T) {
	t.Setenv("PROTOPM_REGISTRY_URL", "ftp://env.example.com")

	_, err := NewProvider().Load(context.Background(), LoadOptions{ConfigDirPath: t.TempDir()})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestLoad_Canceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewProvider().Load(ctx, LoadOptions{ConfigDirPath: t.TempDir()}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestGenerateCUE_RoundTrip(t *testing.T) {
	t.Parallel()

	want := DefaultConfig()
	want.Registry.URL = "https://registry.example.com"
	want.Registry.Repository = "proto-stable"
	want.Registry.MaxDelay = 2 * time.Second
	want.CacheDir = "/var/cache/protopm"
	want.UI.Verbose = true

	dir := writeConfig(t, GenerateCUE(want))
	got, _, err := loadWithOptions(context.Background(), LoadOptions{ConfigDirPath: dir})
	if err != nil {
		t.Fatalf("generated config does not load: %v", err)
	}
	if *got != *want {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, want)
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}

	cfg.Concurrency = 0
	cfg.Registry.MaxDelay = time.Millisecond
	cfg.Registry.Paths.Publish = "upload"
	err := cfg.Validate()
	var ice *InvalidConfigError
	if !errors.As(err, &ice) || len(ice.FieldErrors) != 3 {
		t.Fatalf("expected 3 field errors, got %v", err)
	}
}
