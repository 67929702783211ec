// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"bufio"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/protopm/protopm/pkg/project"
)

func newLoginCommand(app *App) *cobra.Command {
	var registryURL string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store a registry token read from stdin",
		Long: `Read a token from the first line of stdin and store it in the system
keyring for the registry host. Without --registry the configured default
registry is used.`,
		Example: `  echo "$TOKEN" | protopm login --registry https://registry.example.com`,
		Args:    cobra.NoArgs,
		RunE: app.run(func(cmd *cobra.Command, _ []string) error {
			token, err := readToken(app.stdin)
			if err != nil {
				return err
			}
			if err := app.newProject().Login(registryURL, token); err != nil {
				return err
			}
			fmt.Fprintf(app.stdout, "%s %s\n", SuccessStyle.Render("Logged in to"), app.registryName(registryURL))
			return nil
		}),
	}
	cmd.Flags().StringVar(&registryURL, "registry", "", "registry URL (default registry.url from config)")
	return cmd
}

func newLogoutCommand(app *App) *cobra.Command {
	var registryURL string
	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored registry token",
		Args:  cobra.NoArgs,
		RunE: app.run(func(cmd *cobra.Command, _ []string) error {
			if err := app.newProject().Logout(registryURL); err != nil {
				return err
			}
			fmt.Fprintf(app.stdout, "%s %s\n", SuccessStyle.Render("Logged out of"), app.registryName(registryURL))
			return nil
		}),
	}
	cmd.Flags().StringVar(&registryURL, "registry", "", "registry URL (default registry.url from config)")
	return cmd
}

func readToken(r io.Reader) (string, error) {
	sc := bufio.NewScanner(r)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return "", fmt.Errorf("failed to read token: %w", err)
		}
		return "", project.ErrEmptyToken
	}
	return sc.Text(), nil
}

func (a *App) registryName(registryURL string) string {
	if registryURL == "" {
		registryURL = a.cfg.Registry.URL
	}
	if registryURL == "" {
		return "the default registry"
	}
	return CmdStyle.Render(registryURL)
}

