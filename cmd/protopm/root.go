// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"
)

var (
	// Version is the semantic version (set via -ldflags).
	Version = "dev"
	// Commit is the git commit hash (set via -ldflags).
	Commit = "unknown"
	// BuildDate is the build timestamp (set via -ldflags).
	BuildDate = "unknown"
)

// getVersionString returns a formatted version string for display.
func getVersionString() string {
	if Version == "dev" {
		return "dev (built from source)"
	}
	return fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildDate)
}

// NewRootCommand builds the command tree around app.
func NewRootCommand(app *App) *cobra.Command {
	root := &cobra.Command{
		Use:   "protopm",
		Short: "A package manager for protocol buffer schemas",
		Long: TitleStyle.Render("protopm") + SubtitleStyle.Render(" - a package manager for protocol buffer schemas") + `

protopm resolves versioned schema packages from a registry, pins them in
Proto.lock and installs them under proto/vendor.

` + SubtitleStyle.Render("Quick Start:") + `
  protopm init                         Create a consumer project
  protopm add proto-stable/units@^1.2  Depend on a package
  protopm install                      Resolve, lock and install

` + SubtitleStyle.Render("Publishing:") + `
  protopm init --lib acme.units        Create a publishable package
  protopm login --registry <url>       Store a registry token
  protopm publish --repository <repo>  Upload the package`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := app.load(cmd.Context()); err != nil {
				app.renderError(app.stderr, err)
				cmd.SilenceErrors = true
				return &ExitError{Code: 1, Err: err}
			}
			return nil
		},
	}
	root.SetIn(app.stdin)
	root.SetOut(app.stdout)
	root.SetErr(app.stderr)

	flags := root.PersistentFlags()
	flags.BoolVarP(&app.flags.verbose, "verbose", "v", false, "enable verbose output")
	flags.StringVar(&app.flags.configPath, "config", "", "config file (default is $XDG_CONFIG_HOME/protopm/config.cue)")
	flags.StringVarP(&app.flags.dir, "dir", "C", ".", "project directory")

	root.AddCommand(
		newInitCommand(app),
		newAddCommand(app),
		newRemoveCommand(app),
		newLockCommand(app),
		newInstallCommand(app),
		newUninstallCommand(app),
		newListCommand(app),
		newPackageCommand(app),
		newPublishCommand(app),
		newLoginCommand(app),
		newLogoutCommand(app),
		newConfigCommand(app),
		newRegistryCommand(app),
	)
	return root
}

// Execute runs protopm with production dependencies. It is called by main.main().
func Execute() {
	app := NewApp(Dependencies{})
	defer app.Close()

	err := fang.Execute(
		context.Background(),
		NewRootCommand(app),
		fang.WithVersion(getVersionString()),
		fang.WithNotifySignal(os.Interrupt),
		fang.WithErrorHandler(func(w io.Writer, styles fang.Styles, err error) {
			var exitErr *ExitError
			if errors.As(err, &exitErr) {
				return
			}
			fang.DefaultErrorHandler(w, styles, err)
		}),
	)
	if err != nil {
		app.Close()
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(1)
	}
}
