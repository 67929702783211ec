// SPDX-License-Identifier: MPL-2.0

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/protopm/protopm/pkg/cache"
	"github.com/protopm/protopm/pkg/manifest"
	"github.com/protopm/protopm/pkg/project"
	"github.com/protopm/protopm/pkg/registry"
)

// ErrInvalidConfig is the sentinel error wrapped by InvalidConfigError.
var ErrInvalidConfig = errors.New("invalid config")

type (
	// Config is the effective protopm configuration.
	Config struct {
		Registry    RegistryConfig `json:"registry" mapstructure:"registry"`
		Concurrency int            `json:"concurrency" mapstructure:"concurrency"`
		// CacheDir holds downloaded archives, keyed by digest.
		CacheDir string `json:"cache_dir" mapstructure:"cache_dir"`
		// InstallDir is where dependencies are installed, relative to the project.
		InstallDir string   `json:"install_dir" mapstructure:"install_dir"`
		UI         UIConfig `json:"ui" mapstructure:"ui"`
	}

	// RegistryConfig configures the default registry and the client talking to it.
	RegistryConfig struct {
		URL         string        `json:"url" mapstructure:"url"`
		Repository  string        `json:"repository" mapstructure:"repository"`
		Timeout     time.Duration `json:"timeout" mapstructure:"timeout"`
		MaxAttempts int           `json:"max_attempts" mapstructure:"max_attempts"`
		BaseDelay   time.Duration `json:"base_delay" mapstructure:"base_delay"`
		MaxDelay    time.Duration `json:"max_delay" mapstructure:"max_delay"`
		Paths       PathsConfig   `json:"paths" mapstructure:"paths"`
	}

	// PathsConfig holds the request path templates. Placeholders are
	// {repository}, {name} and {version}.
	PathsConfig struct {
		Versions string `json:"versions" mapstructure:"versions"`
		Manifest string `json:"manifest" mapstructure:"manifest"`
		Archive  string `json:"archive" mapstructure:"archive"`
		Publish  string `json:"publish" mapstructure:"publish"`
	}

	// UIConfig configures terminal output.
	UIConfig struct {
		Verbose bool `json:"verbose" mapstructure:"verbose"`
	}

	// InvalidConfigError lists every invalid field of a Config.
	InvalidConfigError struct {
		FieldErrors []error
	}
)

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	cacheDir, err := cache.DefaultDir()
	if err != nil {
		cacheDir = ""
	}
	paths := registry.DefaultPaths()
	return &Config{
		Registry: RegistryConfig{
			Timeout:     registry.DefaultTimeout,
			MaxAttempts: registry.DefaultMaxAttempts,
			BaseDelay:   registry.DefaultBaseDelay,
			MaxDelay:    registry.DefaultMaxDelay,
			Paths: PathsConfig{
				Versions: paths.Versions,
				Manifest: paths.Manifest,
				Archive:  paths.Archive,
				Publish:  paths.Publish,
			},
		},
		Concurrency: 8,
		CacheDir:    cacheDir,
		InstallDir:  project.DefaultInstallDir,
	}
}

// Validate checks the values that environment overrides can set without
// passing through the CUE schema.
func (c *Config) Validate() error {
	var errs []error
	if c.Registry.URL != "" {
		if err := manifest.ValidateRegistry(c.Registry.URL); err != nil {
			errs = append(errs, fmt.Errorf("registry.url: %w", err))
		}
	}
	if c.Registry.Repository != "" {
		if err := manifest.Repository(c.Registry.Repository).Validate(); err != nil {
			errs = append(errs, fmt.Errorf("registry.repository: %w", err))
		}
	}
	if c.Registry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("registry.max_attempts: must be at least 1, got %d", c.Registry.MaxAttempts))
	}
	if c.Registry.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("registry.timeout: must be positive, got %s", c.Registry.Timeout))
	}
	if c.Registry.BaseDelay <= 0 || c.Registry.MaxDelay < c.Registry.BaseDelay {
		errs = append(errs, fmt.Errorf("registry.base_delay/max_delay: need 0 < base_delay <= max_delay, got %s and %s",
			c.Registry.BaseDelay, c.Registry.MaxDelay))
	}
	for _, t := range []struct{ field, tmpl string }{
		{"versions", c.Registry.Paths.Versions},
		{"manifest", c.Registry.Paths.Manifest},
		{"archive", c.Registry.Paths.Archive},
		{"publish", c.Registry.Paths.Publish},
	} {
		if t.tmpl != "" && !strings.Contains(t.tmpl, "{name}") {
			errs = append(errs, fmt.Errorf("registry.paths.%s: template %q lacks {name}", t.field, t.tmpl))
		}
	}
	if c.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("concurrency: must be at least 1, got %d", c.Concurrency))
	}
	if strings.TrimSpace(c.InstallDir) == "" {
		errs = append(errs, errors.New("install_dir: must not be empty"))
	}
	if len(errs) > 0 {
		return &InvalidConfigError{FieldErrors: errs}
	}
	return nil
}

// Error implements the error interface for InvalidConfigError.
func (e *InvalidConfigError) Error() string {
	msgs := make([]string, len(e.FieldErrors))
	for i, err := range e.FieldErrors {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("%s: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
}

// Unwrap returns ErrInvalidConfig and every field error.
func (e *InvalidConfigError) Unwrap() []error {
	return append([]error{ErrInvalidConfig}, e.FieldErrors...)
}

// RegistryPaths converts the configured templates for the registry client.
func (c *Config) RegistryPaths() registry.PathTemplates {
	p := c.Registry.Paths
	return registry.PathTemplates{Versions: p.Versions, Manifest: p.Manifest, Archive: p.Archive, Publish: p.Publish}
}
