// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"

	"github.com/protopm/protopm/internal/config"
	"github.com/protopm/protopm/internal/issue"
	"github.com/protopm/protopm/pkg/cache"
	"github.com/protopm/protopm/pkg/credentials"
	"github.com/protopm/protopm/pkg/manifest"
	"github.com/protopm/protopm/pkg/project"
	"github.com/protopm/protopm/pkg/registry"
)

// TokenEnv overrides the stored token for the configured default registry.
const TokenEnv = "PROTOPM_TOKEN"

type (
	// App is the composition root of the CLI: every command handler receives
	// it and reaches configuration, credentials and the registry through it.
	App struct {
		Config      ConfigProvider
		Credentials credentials.Store

		stdin      io.Reader
		stdout     io.Writer
		stderr     io.Writer
		issueStyle string

		flags  rootFlags
		cfg    *config.Config
		creds  credentials.Store
		logger *log.Logger
		client *registry.Client
	}

	// Dependencies are the injection points of NewApp. Nil fields get
	// production defaults.
	Dependencies struct {
		Config      ConfigProvider
		Credentials credentials.Store
		Stdin       io.Reader
		Stdout      io.Writer
		Stderr      io.Writer
		// IssueStyle is the glamour style used for issue guidance.
		IssueStyle string
	}

	// ConfigProvider loads configuration using explicit options.
	ConfigProvider interface {
		Load(ctx context.Context, opts config.LoadOptions) (*config.Config, error)
	}

	rootFlags struct {
		configPath string
		verbose    bool
		dir        string
	}
)

// NewApp builds an App from deps.
func NewApp(deps Dependencies) *App {
	a := &App{
		Config:      deps.Config,
		Credentials: deps.Credentials,
		stdin:       deps.Stdin,
		stdout:      deps.Stdout,
		stderr:      deps.Stderr,
		issueStyle:  deps.IssueStyle,
		logger:      log.New(io.Discard),
	}
	if a.Config == nil {
		a.Config = config.NewProvider()
	}
	if a.Credentials == nil {
		a.Credentials = credentials.NewKeyringStore()
	}
	if a.stdin == nil {
		a.stdin = os.Stdin
	}
	if a.stdout == nil {
		a.stdout = os.Stdout
	}
	if a.stderr == nil {
		a.stderr = os.Stderr
	}
	if a.issueStyle == "" {
		a.issueStyle = defaultIssueStyle()
	}
	return a
}

// load reads the configuration and builds the logger, credential overlay and
// registry client for one invocation.
func (a *App) load(ctx context.Context) error {
	cfg, err := a.Config.Load(ctx, config.LoadOptions{ConfigFilePath: a.flags.configPath})
	if err != nil {
		return err
	}
	a.cfg = cfg

	level := log.InfoLevel
	if a.flags.verbose || cfg.UI.Verbose {
		level = log.DebugLevel
	}
	a.logger = log.NewWithOptions(a.stderr, log.Options{
		Prefix:          "protopm",
		ReportTimestamp: false,
		Level:           level,
	})

	a.creds = a.Credentials
	if token := os.Getenv(TokenEnv); token != "" && cfg.Registry.URL != "" {
		host, err := credentials.HostOf(cfg.Registry.URL)
		if err != nil {
			return err
		}
		a.creds = &credentials.EnvStore{Host: host, Token: token, Next: a.Credentials}
	}

	a.Close()
	a.client = registry.New(a.creds,
		registry.WithPaths(cfg.RegistryPaths()),
		registry.WithMaxAttempts(cfg.Registry.MaxAttempts),
		registry.WithBackoff(cfg.Registry.BaseDelay, cfg.Registry.MaxDelay),
		registry.WithTimeout(cfg.Registry.Timeout),
		registry.WithUserAgent("protopm/"+Version),
		registry.WithLogger(a.logger),
	)
	return nil
}

// Close releases the registry client.
func (a *App) Close() {
	if a.client != nil {
		a.client.Close()
		a.client = nil
	}
}

func (a *App) verbose() bool {
	return a.flags.verbose || (a.cfg != nil && a.cfg.UI.Verbose)
}

// newProject opens the project in the working directory without requiring
// a manifest.
func (a *App) newProject() *project.Project {
	cfg := a.cfg
	opts := []project.Option{
		project.WithDefaultRegistry(cfg.Registry.URL),
		project.WithInstallDir(cfg.InstallDir),
		project.WithConcurrency(cfg.Concurrency),
		project.WithLogger(a.logger),
	}
	if cfg.Registry.Repository != "" {
		opts = append(opts, project.WithDefaultRepository(manifest.Repository(cfg.Registry.Repository)))
	}
	if cfg.CacheDir != "" {
		opts = append(opts, project.WithCache(cache.New(cfg.CacheDir, cache.WithLogger(a.logger))))
	}
	return project.Open(a.flags.dir, a.client, a.creds, opts...)
}

// openProject is newProject for commands that need Proto.toml.
func (a *App) openProject() (*project.Project, error) {
	path := filepath.Join(a.flags.dir, manifest.FileName)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil, issue.NewErrorContext().
			WithOperation("open project").
			WithResource(path).
			WithIssue(issue.ManifestNotFoundId).
			WithSuggestion("Run 'protopm init' to create a project here, or pass --dir").
			Wrap(err).
			BuildError()
	}
	return a.newProject(), nil
}

func defaultIssueStyle() string {
	if os.Getenv("NO_COLOR") != "" || os.Getenv("TERM") == "dumb" {
		return "notty"
	}
	if lipgloss.HasDarkBackground() {
		return "dark"
	}
	return "light"
}
