// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/protopm/protopm/pkg/manifest"
)

func newPackageCommand(app *App) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "package",
		Short: "Pack the project's package into an archive",
		Long: `Pack Proto.toml and the .proto files below proto/ (without the install
tree) into a gzip-compressed archive, the same bytes publish would upload.`,
		Args: cobra.NoArgs,
		RunE: app.run(func(cmd *cobra.Command, _ []string) error {
			p, err := app.openProject()
			if err != nil {
				return err
			}
			a, err := p.Package()
			if err != nil {
				return err
			}
			path := output
			if path == "" {
				path = filepath.Join(app.flags.dir, fmt.Sprintf("%s-%s.tgz", a.Name(), a.Version()))
			}
			if err := manifest.WriteFileAtomic(path, a.Data); err != nil {
				return err
			}
			fmt.Fprintf(app.stdout, "%s %s (%d files) to %s\n",
				SuccessStyle.Render("Packed"), pkgRef(string(a.Name()), string(a.Version())), len(a.Files), path)
			fmt.Fprintf(app.stdout, "  %s %s\n", SubtitleStyle.Render("digest"), a.Digest)
			return nil
		}),
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "archive path (default <name>-<version>.tgz in the project directory)")
	return cmd
}

func newPublishCommand(app *App) *cobra.Command {
	var (
		repository string
		dryRun     bool
	)
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish the project's package to the registry",
		Long: `Pack the project's package and upload it to a repository of the configured
registry. Published versions are immutable.`,
		Example: `  protopm publish --repository proto-stable
  protopm publish --dry-run`,
		Args: cobra.NoArgs,
		RunE: app.run(func(cmd *cobra.Command, _ []string) error {
			p, err := app.openProject()
			if err != nil {
				return err
			}
			a, err := p.Publish(cmd.Context(), manifest.Repository(repository), dryRun)
			if err != nil {
				return err
			}
			ref := pkgRef(string(a.Name()), string(a.Version()))
			if dryRun {
				fmt.Fprintf(app.stdout, "%s %s (%d files, %s) was not uploaded\n",
					WarningStyle.Render("Dry run:"), ref, len(a.Files), a.Digest)
				return nil
			}
			fmt.Fprintf(app.stdout, "%s %s\n", SuccessStyle.Render("Published"), ref)
			return nil
		}),
	}
	cmd.Flags().StringVar(&repository, "repository", "", "target repository (default registry.repository from config)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "build the archive without uploading it")
	return cmd
}
