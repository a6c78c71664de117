package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dwellwise/dwellwise/pkg/recommend"
)

func newRecommendCmd(configPath *string) *cobra.Command {
	var (
		brief   string
		refresh bool
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "recommend <subject>",
		Short: "Show recommended next actions for a subject",
		Args:  cobra.ExactArgs(1),
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

			ctx := cmd.Context()
			if _, err := a.cache.Warm(ctx); err != nil {
				return err
			}

			var res recommend.Result
			if refresh {
				res, err = a.recommend.Refresh(ctx, args[0], brief)
			} else {
				res, err = a.recommend.Actions(ctx, args[0], brief)
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			fmt.Fprintf(out, "%s (%s, %s)\n\n", res.SubjectID, res.Source, res.Status)
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "LABEL\tCOMMAND\tKIND")
			for _, act := range res.Actions {
				fmt.Fprintf(w, "%s\t%s\t%s\n", act.Label, act.Command, act.Kind)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&brief, "brief", "", "buyer profile sent to the model on a miss")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "fetch new actions even if cached")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}
