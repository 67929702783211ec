// SPDX-License-Identifier: MPL-2.0

package config

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/spf13/viper"

	"github.com/protopm/protopm/internal/issue"
	"github.com/protopm/protopm/pkg/cueutil"
)

const (
	// AppName is the application name used for the config directory.
	AppName = "protopm"
	// ConfigFileName is the name of the config file (without extension).
	ConfigFileName = "config"
	// ConfigFileExt is the config file extension.
	ConfigFileExt = "cue"
	// EnvPrefix prefixes environment overrides, e.g. PROTOPM_REGISTRY_URL.
	EnvPrefix = "PROTOPM"
)

//go:embed config_schema.cue
var configSchema string

// ConfigDir returns the protopm configuration directory: %APPDATA%\protopm on
// Windows, ~/Library/Application Support/protopm on macOS and
// $XDG_CONFIG_HOME/protopm (default ~/.config/protopm) elsewhere.
//
//nolint:revive // ConfigDir is more descriptive than Dir for external callers
func ConfigDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate config directory: %w", err)
	}
	return filepath.Join(base, AppName), nil
}

// loadWithOptions builds a fresh viper instance per call: defaults first, then
// the CUE file, then PROTOPM_* environment variables.
func loadWithOptions(ctx context.Context, opts LoadOptions) (*Config, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", fmt.Errorf("load config canceled: %w", err)
	}

	v := viper.New()
	setDefaults(v, DefaultConfig())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path := opts.ConfigFilePath
	explicit := path != ""
	if !explicit {
		dir := opts.ConfigDirPath
		if dir == "" {
			var err error
			if dir, err = ConfigDir(); err != nil {
				return nil, "", err
			}
		}
		path = filepath.Join(dir, ConfigFileName+"."+ConfigFileExt)
	}

	resolved := ""
	switch {
	case fileExists(path):
		if err := loadCUEIntoViper(v, path); err != nil {
			return nil, "", issue.NewErrorContext().
				WithOperation("load configuration").
				WithResource(path).
				WithSuggestion("Check that the file contains valid CUE syntax").
				WithSuggestion("Compare the values with 'protopm config show'").
				Wrap(err).
				BuildError()
		}
		resolved = path
	case explicit:
		return nil, "", issue.NewErrorContext().
			WithOperation("load configuration").
			WithResource(path).
			WithSuggestion("Verify the path passed to --config").
			Wrap(fmt.Errorf("config file not found: %s", path)).
			BuildError()
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, "", fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", issue.NewErrorContext().
			WithOperation("validate configuration").
			WithSuggestion("Check PROTOPM_* environment variables as well as the config file").
			Wrap(err).
			BuildError()
	}
	return &cfg, resolved, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("registry.url", d.Registry.URL)
	v.SetDefault("registry.repository", d.Registry.Repository)
	v.SetDefault("registry.timeout", d.Registry.Timeout)
	v.SetDefault("registry.max_attempts", d.Registry.MaxAttempts)
	v.SetDefault("registry.base_delay", d.Registry.BaseDelay)
	v.SetDefault("registry.max_delay", d.Registry.MaxDelay)
	v.SetDefault("registry.paths.versions", d.Registry.Paths.Versions)
	v.SetDefault("registry.paths.manifest", d.Registry.Paths.Manifest)
	v.SetDefault("registry.paths.archive", d.Registry.Paths.Archive)
	v.SetDefault("registry.paths.publish", d.Registry.Paths.Publish)
	v.SetDefault("concurrency", d.Concurrency)
	v.SetDefault("cache_dir", d.CacheDir)
	v.SetDefault("install_dir", d.InstallDir)
	v.SetDefault("ui.verbose", d.UI.Verbose)
}

// loadCUEIntoViper validates the file against #Config and merges it into v.
// Fields are optional, so validation is not concrete and decoding targets a
// map that viper can merge over its defaults.
func loadCUEIntoViper(v *viper.Viper, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := cueutil.CheckFileSize(data, cueutil.DefaultMaxFileSize, path); err != nil {
		return err
	}

	ctx := cuecontext.New()
	schemaValue := ctx.CompileString(configSchema)
	if schemaValue.Err() != nil {
		return fmt.Errorf("internal error: failed to compile config schema: %w", schemaValue.Err())
	}
	userValue := ctx.CompileBytes(data, cue.Filename(path))
	if userValue.Err() != nil {
		return cueutil.FormatError(userValue.Err(), path)
	}

	unified := schemaValue.LookupPath(cue.ParsePath("#Config")).Unify(userValue)
	if err := unified.Validate(cue.Concrete(false)); err != nil {
		return cueutil.FormatError(err, path)
	}

	var configMap map[string]any
	if err := unified.Decode(&configMap); err != nil {
		return cueutil.FormatError(err, path)
	}
	if err := v.MergeConfigMap(configMap); err != nil {
		return fmt.Errorf("failed to merge config: %w", err)
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// GenerateCUE renders cfg as a config.cue document.
func GenerateCUE(cfg *Config) string {
	var sb strings.Builder
	sb.WriteString("// protopm configuration\n\n")

	sb.WriteString("registry: {\n")
	if cfg.Registry.URL != "" {
		fmt.Fprintf(&sb, "\turl: %q\n", cfg.Registry.URL)
	}
	if cfg.Registry.Repository != "" {
		fmt.Fprintf(&sb, "\trepository: %q\n", cfg.Registry.Repository)
	}
	fmt.Fprintf(&sb, "\ttimeout: %q\n", cfg.Registry.Timeout.String())
	fmt.Fprintf(&sb, "\tmax_attempts: %d\n", cfg.Registry.MaxAttempts)
	fmt.Fprintf(&sb, "\tbase_delay: %q\n", cfg.Registry.BaseDelay.String())
	fmt.Fprintf(&sb, "\tmax_delay: %q\n", cfg.Registry.MaxDelay.String())
	sb.WriteString("\tpaths: {\n")
	fmt.Fprintf(&sb, "\t\tversions: %q\n", cfg.Registry.Paths.Versions)
	fmt.Fprintf(&sb, "\t\tmanifest: %q\n", cfg.Registry.Paths.Manifest)
	fmt.Fprintf(&sb, "\t\tarchive: %q\n", cfg.Registry.Paths.Archive)
	fmt.Fprintf(&sb, "\t\tpublish: %q\n", cfg.Registry.Paths.Publish)
	sb.WriteString("\t}\n}\n\n")

	fmt.Fprintf(&sb, "concurrency: %d\n", cfg.Concurrency)
	if cfg.CacheDir != "" {
		fmt.Fprintf(&sb, "cache_dir: %q\n", cfg.CacheDir)
	}
	fmt.Fprintf(&sb, "install_dir: %q\n", cfg.InstallDir)

	sb.WriteString("\nui: {\n")
	fmt.Fprintf(&sb, "\tverbose: %v\n", cfg.UI.Verbose)
	sb.WriteString("}\n")
	return sb.String()
}
