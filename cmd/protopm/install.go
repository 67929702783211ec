// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/protopm/protopm/internal/issue"
	"github.com/protopm/protopm/pkg/lockfile"
)

const shortDigestLen = 12

func newLockCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "lock",
		Short: "Resolve dependencies and write Proto.lock",
		Args:  cobra.NoArgs,
		RunE: app.run(func(cmd *cobra.Command, _ []string) error {
			p, err := app.openProject()
			if err != nil {
				return err
			}
			lock, err := p.Lock(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(app.stdout, "%s %d packages in %s\n",
				SuccessStyle.Render("Locked"), len(lock.Packages), lockfile.FileName)
			return nil
		}),
	}
}

func newInstallCommand(app *App) *cobra.Command {
	var frozen bool
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install the locked dependencies",
		Long: `Install the dependencies pinned in Proto.lock into the install directory.

A missing or stale Proto.lock is regenerated first. With --frozen the command
fails instead, which is what CI should use.`,
		Args: cobra.NoArgs,
		RunE: app.run(func(cmd *cobra.Command, _ []string) error {
			p, err := app.openProject()
			if err != nil {
				return err
			}
			res, err := p.Install(cmd.Context(), frozen)
			if err != nil {
				return err
			}
			if res.Relocked {
				fmt.Fprintf(app.stdout, "%s %s\n", SuccessStyle.Render("Updated"), lockfile.FileName)
			}
			for _, pkg := range res.Lockfile.Packages {
				fmt.Fprintf(app.stdout, "  %s\n", pkgRef(string(pkg.Name), string(pkg.Version)))
			}
			fmt.Fprintf(app.stdout, "%s %d packages into %s\n",
				SuccessStyle.Render("Installed"), len(res.Paths), p.InstallDir())
			return nil
		}),
	}
	cmd.Flags().BoolVar(&frozen, "frozen", false, "fail instead of updating a missing or stale Proto.lock")
	return cmd
}

func newUninstallCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the install directory",
		Args:  cobra.NoArgs,
		RunE: app.run(func(cmd *cobra.Command, _ []string) error {
			p, err := app.openProject()
			if err != nil {
				return err
			}
			if err := p.Uninstall(); err != nil {
				return err
			}
			fmt.Fprintf(app.stdout, "%s %s\n", SuccessStyle.Render("Removed"), p.InstallDir())
			return nil
		}),
	}
}

func newListCommand(app *App) *cobra.Command {
	var purl bool
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List the packages pinned in Proto.lock",
		Args:    cobra.NoArgs,
		RunE: app.run(func(cmd *cobra.Command, _ []string) error {
			p, err := app.openProject()
			if err != nil {
				return err
			}
			lock, err := p.Lockfile()
			if errors.Is(err, fs.ErrNotExist) {
				return issue.NewErrorContext().
					WithOperation("list packages").
					WithResource(p.LockfilePath()).
					WithSuggestion("Run 'protopm lock' first").
					Wrap(err).
					BuildError()
			}
			if err != nil {
				return err
			}

			if purl {
				for i := range lock.Packages {
					fmt.Fprintln(app.stdout, lock.Packages[i].PURL())
				}
				return nil
			}

			t := table.New().
				Border(lipgloss.NormalBorder()).
				BorderStyle(SubtitleStyle).
				Headers("PACKAGE", "VERSION", "KIND", "REPOSITORY", "DIGEST")
			for _, pkg := range lock.Packages {
				short := pkg.Digest.Encoded()
				if len(short) > shortDigestLen {
					short = short[:shortDigestLen]
				}
				t.Row(string(pkg.Name), string(pkg.Version), string(pkg.Kind), string(pkg.Repository), short)
			}
			fmt.Fprintln(app.stdout, t.Render())
			return nil
		}),
	}
	cmd.Flags().BoolVar(&purl, "purl", false, "print one package URL per line")
	return cmd
}
