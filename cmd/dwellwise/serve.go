package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dwellwise/dwellwise/pkg/server"
)

func newServeCmd(configPath *string) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath, cmd.Flags().Changed("config"))
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}

			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if _, err := a.cache.Warm(ctx); err != nil {
				a.log.Warn("cache warm failed", zap.Error(err))
			}

			srv := server.New(cfg.Listen, server.Deps{
				Generator: a.client,
				Analysis:  a.analysisOptions(),
				Artifacts: a.artifacts,
				Recommend: a.recommend,
				Gatherer:  a.registry,
				Logger:    a.log,
			})
			a.log.Info("starting dwellwise", zap.String("config", *configPath), zap.String("version", version))
			return srv.ListenAndServe(ctx)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides config)")
	return cmd
}
