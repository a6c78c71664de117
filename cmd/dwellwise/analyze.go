package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dwellwise/dwellwise/pkg/analysis"
	"github.com/dwellwise/dwellwise/pkg/budget"
	"github.com/dwellwise/dwellwise/pkg/models"
)

func newAnalyzeCmd(configPath *string) *cobra.Command {
	var (
		subject         string
		kind            string
		brief           string
		comparablesFile string
		model           string
	)

	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Generate an artifact and stream it to stdout",
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

			var comparables string
			if comparablesFile != "" {
				if comparables, err = readInput(comparablesFile); err != nil {
					return fmt.Errorf("read comparables: %w", err)
				}
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			art, err := analysis.New(a.client, a.analysisOptions()).Run(ctx, analysis.Request{
				SubjectID:   subject,
				Kind:        models.ArtifactKind(kind),
				Brief:       brief,
				Comparables: comparables,
				Model:       model,
				OnFragment:  func(f string) { fmt.Fprint(out, f) },
			})
			fmt.Fprintln(out)
			if err != nil {
				return err
			}

			fmt.Fprintf(os.Stderr, "artifact %s saved (%d ms)\n", art.ID, art.LatencyMs)
			if art.Bands != nil {
				fmt.Fprintln(out)
				fmt.Fprintln(out, budget.Format(*art.Bands))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "subject (buyer) id")
	cmd.Flags().StringVar(&kind, "kind", string(models.KindMarketAnalysis), "market_analysis, budget_strategy or offer_scenarios")
	cmd.Flags().StringVar(&brief, "brief", "", "buyer profile and instructions")
	cmd.Flags().StringVar(&comparablesFile, "comparables", "", "file with comparable sales (- for stdin)")
	cmd.Flags().StringVar(&model, "model", "", "model alias (defaults to generation.model)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
