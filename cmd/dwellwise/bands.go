package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dwellwise/dwellwise/pkg/artifact"
	"github.com/dwellwise/dwellwise/pkg/budget"
	"github.com/dwellwise/dwellwise/pkg/config"
	"github.com/dwellwise/dwellwise/pkg/models"
)

func newBandsCmd(configPath *string) *cobra.Command {
	var (
		subject string
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "bands [file]",
		Short: "Extract budget bands from text, or from a subject's latest budget strategy",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var text string
			if subject != "" {
				cfg, err := loadConfig(*configPath, cmd.Flags().Changed("config"))
				if err != nil {
					return err
				}
				store, err := artifact.New(config.ArtifactConfig{DBPath: cfg.ArtifactDBPath()}, nil)
				if err != nil {
					return err
				}
				defer func() { _ = store.Close() }()

				a, err := store.Latest(cmd.Context(), subject, models.KindBudgetStrategy)
				if err != nil {
					return fmt.Errorf("latest budget strategy for %s: %w", subject, err)
				}
				text = a.Text
			} else {
				path := ""
				if len(args) == 1 {
					path = args[0]
				}
				var err error
				if text, err = readInput(path); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			b, ok := budget.Extract(text)
			if asJSON {
				var v *models.BudgetBands
				if ok {
					v = &b
				}
				return json.NewEncoder(out).Encode(v)
			}
			if !ok {
				fmt.Fprintln(out, "No budget bands found.")
				return nil
			}
			fmt.Fprintln(out, budget.Format(b))
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "read the subject's latest stored budget strategy")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON (null when absent)")
	return cmd
}
