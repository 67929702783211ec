// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/protopm/protopm/pkg/manifest"
	"github.com/protopm/protopm/pkg/project"
)

func newInitCommand(app *App) *cobra.Command {
	var (
		lib, api bool
		version  string
	)
	cmd := &cobra.Command{
		Use:   "init [name]",
		Short: "Create Proto.toml in the project directory",
		Long: `Create Proto.toml and the proto/ source directory.

Without a name the project only consumes packages. With a name it declares a
publishable package: a lib (the default, may only depend on libs) or an api.`,
		Example: `  protopm init
  protopm init acme.units
  protopm init --api --version 1.0.0 acme.geo.api`,
		Args: cobra.MaximumNArgs(1),
		RunE: app.run(func(cmd *cobra.Command, args []string) error {
			opts := project.InitOptions{Dir: app.flags.dir, Version: manifest.Version(version)}
			switch {
			case api:
				opts.Kind = manifest.KindAPI
			case lib || len(args) == 1:
				opts.Kind = manifest.KindLib
			}
			if len(args) == 1 {
				opts.Name = manifest.PackageName(args[0])
			} else if opts.Kind != "" {
				return errors.New("a package name is required with --lib or --api")
			}

			m, err := project.Init(opts)
			if err != nil {
				return err
			}
			if m.Package == nil {
				fmt.Fprintf(app.stdout, "%s %s\n", SuccessStyle.Render("Created"), manifest.FileName)
				return nil
			}
			fmt.Fprintf(app.stdout, "%s %s for %s package %s\n",
				SuccessStyle.Render("Created"), manifest.FileName, m.Package.Kind,
				pkgRef(string(m.Package.Name), string(m.Package.Version)))
			return nil
		}),
	}
	cmd.Flags().BoolVar(&lib, "lib", false, "declare a lib package")
	cmd.Flags().BoolVar(&api, "api", false, "declare an api package")
	cmd.Flags().StringVar(&version, "version", "", "initial package version (default 0.1.0)")
	cmd.MarkFlagsMutuallyExclusive("lib", "api")
	return cmd
}

func newAddCommand(app *App) *cobra.Command {
	var (
		api         bool
		registryURL string
	)
	cmd := &cobra.Command{
		Use:   "add <repository>/<package>@<constraint>",
		Short: "Add or replace a dependency in Proto.toml",
		Example: `  protopm add proto-stable/acme.units@^1.2
  protopm add --api --registry https://registry.example.com proto-stable/acme.geo.api@~2.1`,
		Args: cobra.ExactArgs(1),
		RunE: app.run(func(cmd *cobra.Command, args []string) error {
			p, err := app.openProject()
			if err != nil {
				return err
			}
			opts := project.AddOptions{Registry: registryURL}
			if api {
				opts.Kind = manifest.KindAPI
			}
			dep, err := p.Add(args[0], opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(app.stdout, "%s %s %s from %s\n",
				SuccessStyle.Render("Added"), PackageStyle.Render(string(dep.Name)),
				CmdStyle.Render(string(dep.Version)), dep.Repository)
			fmt.Fprintln(app.stdout, SubtitleStyle.Render("Run 'protopm install' to update Proto.lock and the install tree."))
			return nil
		}),
	}
	cmd.Flags().BoolVar(&api, "api", false, "the dependency is an api package")
	cmd.Flags().StringVar(&registryURL, "registry", "", "registry URL for this dependency (default from config)")
	return cmd
}

func newRemoveCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <package>",
		Aliases: []string{"rm"},
		Short:   "Remove a dependency and its installed files",
		Args:    cobra.ExactArgs(1),
		RunE: app.run(func(cmd *cobra.Command, args []string) error {
			p, err := app.openProject()
			if err != nil {
				return err
			}
			if err := p.Remove(manifest.PackageName(args[0])); err != nil {
				return err
			}
			fmt.Fprintf(app.stdout, "%s %s\n", SuccessStyle.Render("Removed"), PackageStyle.Render(args[0]))
			return nil
		}),
	}
}
