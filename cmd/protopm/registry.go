// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"errors"
	"fmt"
	"net"

	"github.com/spf13/cobra"

	"github.com/protopm/protopm/internal/registryserver"
)

type serveFlags struct {
	serverConfig string
	listen       string
	storageDir   string
	writeTokens  []string
	readTokens   []string
}

func newRegistryCommand(app *App) *cobra.Command {
	regCmd := &cobra.Command{
		Use:   "registry",
		Short: "Run a development registry",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	var flags serveFlags
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Serve packages from a local directory or an S3 bucket",
		Long: `Serve the protopm registry protocol until interrupted.

Settings come from a server.cue file (--server-config) and/or flags; flags
win. S3 storage is only available through server.cue and reads AWS
credentials from AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY.`,
		Example: `  protopm registry serve --storage-dir ./registry --token "$PUBLISH_TOKEN"
  protopm registry serve --server-config server.cue`,
		Args: cobra.NoArgs,
		RunE: app.run(func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.resolve()
			if err != nil {
				return err
			}
			storage, err := cfg.OpenStorage()
			if err != nil {
				return err
			}
			srv, err := registryserver.New(storage, append(cfg.Options(), registryserver.WithLogger(app.logger))...)
			if err != nil {
				return err
			}

			ln, err := net.Listen("tcp", cfg.Listen)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", cfg.Listen, err)
			}
			fmt.Fprintf(app.stdout, "%s http://%s\n", SuccessStyle.Render("Serving registry on"), ln.Addr())
			return srv.Serve(cmd.Context(), ln)
		}),
	}
	serve.Flags().StringVar(&flags.serverConfig, "server-config", "", "server.cue file")
	serve.Flags().StringVar(&flags.listen, "listen", "", "listen address (default 127.0.0.1:8080)")
	serve.Flags().StringVar(&flags.storageDir, "storage-dir", "", "store packages in this directory")
	serve.Flags().StringArrayVar(&flags.writeTokens, "token", nil, "token allowed to read and publish (repeatable)")
	serve.Flags().StringArrayVar(&flags.readTokens, "read-token", nil, "token allowed to read only (repeatable)")

	regCmd.AddCommand(serve)
	return regCmd
}

// resolve merges the optional server.cue with the flags.
func (f *serveFlags) resolve() (*registryserver.Config, error) {
	cfg := &registryserver.Config{Listen: "127.0.0.1:8080", Storage: registryserver.StorageConfig{Kind: "fs"}}
	if f.serverConfig != "" {
		loaded, err := registryserver.LoadConfig(f.serverConfig)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if f.listen != "" {
		cfg.Listen = f.listen
	}
	if f.storageDir != "" {
		cfg.Storage = registryserver.StorageConfig{Kind: "fs", Dir: f.storageDir}
	}
	for _, t := range f.writeTokens {
		cfg.Tokens = append(cfg.Tokens, registryserver.TokenConfig{Token: t, Write: true})
	}
	for _, t := range f.readTokens {
		cfg.Tokens = append(cfg.Tokens, registryserver.TokenConfig{Token: t})
	}
	if len(cfg.Tokens) == 0 {
		return nil, errors.New("at least one --token, --read-token or server.cue token is required")
	}
	return cfg, nil
}
