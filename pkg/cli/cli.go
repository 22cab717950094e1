// Package cli defines the orgmap command tree.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/orgmap/orgmap/pkg/app"
	"github.com/orgmap/orgmap/pkg/config"
	"github.com/orgmap/orgmap/pkg/log"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// Run executes the command tree with the given arguments.
func Run(ctx context.Context, args []string) error {
	root := newRootCmd()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "orgmap",
		Short:         "Serve a live, browsable graph of an org note corpus",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Index the corpus and serve graph, previews, and search",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			level, err := log.ParseLevel(cfg.LogLevel)
			if err != nil {
				return err
			}
			logger, shutdown := log.New(log.Config{Version: Version, Level: level})
			defer shutdown() //nolint:errcheck

			a, err := app.New(cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close() //nolint:errcheck

			return a.Run(cmd.Context())
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "orgmap.yml", "path to the configuration file")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the orgmap version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "orgmap", Version)
		},
	}
}
