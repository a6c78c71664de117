package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dwellwise/dwellwise/pkg/cache"
	cachedb "github.com/dwellwise/dwellwise/pkg/cache/sqlite"
)

func newCacheCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the recommendation cache",
	}

	open := func(cmd *cobra.Command) (*cachedb.Store, time.Duration, error) {
		cfg, err := loadConfig(*configPath, cmd.Flags().Changed("config"))
		if err != nil {
			return nil, 0, err
		}
		s, err := cachedb.New(cfg.DBPath)
		return s, cfg.Cache.TTL, err
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show durable cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, _, err := open(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			stats, err := s.Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Entries: %d\nValid:   %d\nStale:   %d\n",
				stats.Entries, stats.Entries-stats.Stale, stats.Stale)
			return nil
		},
	}

	var expiredOnly bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear cache entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, _, err := open(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			if err := s.Clear(cmd.Context(), expiredOnly); err != nil {
				return err
			}
			if expiredOnly {
				fmt.Fprintln(cmd.OutOrStdout(), "Stale and expired cache entries cleared.")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "All cache entries cleared.")
			}
			return nil
		},
	}
	clearCmd.Flags().BoolVar(&expiredOnly, "expired", false, "only clear stale or expired entries")

	warmCmd := &cobra.Command{
		Use:   "warm",
		Short: "Load valid entries as the server would at startup and list them",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, ttl, err := open(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			c := cache.New(s, cache.Options{TTL: ttl})
			n, err := c.Warm(cmd.Context())
			if err != nil {
				return err
			}
			entries, err := s.LoadValid(cmd.Context(), time.Now())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, e := range entries {
				fmt.Fprintf(out, "%-24s %2d actions  cached %s\n", e.SubjectID, len(e.Actions), e.CachedAt.Format(time.RFC3339))
			}
			fmt.Fprintf(out, "%d subjects warmed.\n", n)
			return nil
		},
	}

	cmd.AddCommand(statsCmd, clearCmd, warmCmd)
	return cmd
}
