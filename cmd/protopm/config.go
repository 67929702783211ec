// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/protopm/protopm/internal/config"
)

func newConfigCommand(app *App) *cobra.Command {
	cfgCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect protopm configuration",
		Long: `Inspect protopm configuration.

Configuration is read from config.cue in:
  - Linux: ~/.config/protopm/config.cue
  - macOS: ~/Library/Application Support/protopm/config.cue
  - Windows: %APPDATA%\protopm\config.cue

PROTOPM_* environment variables override file values, e.g.
PROTOPM_REGISTRY_URL or PROTOPM_REGISTRY_MAX_ATTEMPTS.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		Args:  cobra.NoArgs,
		RunE: app.run(func(cmd *cobra.Command, _ []string) error {
			app.showConfig()
			return nil
		}),
	})

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "dump",
		Short: "Print the effective configuration as CUE",
		Args:  cobra.NoArgs,
		RunE: app.run(func(cmd *cobra.Command, _ []string) error {
			fmt.Fprint(app.stdout, config.GenerateCUE(app.cfg))
			return nil
		}),
	})

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the configuration file path",
		Args:  cobra.NoArgs,
		RunE: app.run(func(cmd *cobra.Command, _ []string) error {
			if app.flags.configPath != "" {
				fmt.Fprintln(app.stdout, app.flags.configPath)
				return nil
			}
			dir, err := config.ConfigDir()
			if err != nil {
				return err
			}
			fmt.Fprintln(app.stdout, filepath.Join(dir, config.ConfigFileName+"."+config.ConfigFileExt))
			return nil
		}),
	})

	return cfgCmd
}

func (a *App) showConfig() {
	cfg := a.cfg
	key := func(k string) string { return CmdStyle.Render(k) }
	val := func(v any) string { return SuccessStyle.Render(fmt.Sprint(v)) }
	unset := SubtitleStyle.Render("(not set)")
	orUnset := func(s string) string {
		if s == "" {
			return unset
		}
		return val(s)
	}

	fmt.Fprintln(a.stdout, TitleStyle.Render("Current Configuration"))
	fmt.Fprintln(a.stdout)
	fmt.Fprintf(a.stdout, "%s:\n", key("registry"))
	fmt.Fprintf(a.stdout, "  url: %s\n", orUnset(cfg.Registry.URL))
	fmt.Fprintf(a.stdout, "  repository: %s\n", orUnset(cfg.Registry.Repository))
	fmt.Fprintf(a.stdout, "  timeout: %s\n", val(cfg.Registry.Timeout))
	fmt.Fprintf(a.stdout, "  max_attempts: %s\n", val(cfg.Registry.MaxAttempts))
	fmt.Fprintf(a.stdout, "  base_delay: %s\n", val(cfg.Registry.BaseDelay))
	fmt.Fprintf(a.stdout, "  max_delay: %s\n", val(cfg.Registry.MaxDelay))
	fmt.Fprintf(a.stdout, "  paths.archive: %s\n", val(cfg.Registry.Paths.Archive))
	fmt.Fprintln(a.stdout)
	fmt.Fprintf(a.stdout, "%s: %s\n", key("concurrency"), val(cfg.Concurrency))
	fmt.Fprintf(a.stdout, "%s: %s\n", key("cache_dir"), orUnset(cfg.CacheDir))
	fmt.Fprintf(a.stdout, "%s: %s\n", key("install_dir"), val(cfg.InstallDir))
	fmt.Fprintf(a.stdout, "%s: %s\n", key("ui.verbose"), val(cfg.UI.Verbose))
}
