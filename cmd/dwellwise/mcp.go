package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/dwellwise/dwellwise/pkg/mcp"
)

func newMCPCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve dwellwise tools over MCP on stdin/stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath, cmd.Flags().Changed("config"))
			if err != nil {
				return err
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			if _, err := a.cache.Warm(cmd.Context()); err != nil {
				return err
			}
			srv := mcp.New(mcp.Deps{
				Artifacts: a.artifacts,
				Recommend: a.recommend,
				Cache:     a.cache,
				Logger:    a.log,
			}, version)
			return srv.Run(cmd.Context(), os.Stdin, os.Stdout)
		},
	}
}
