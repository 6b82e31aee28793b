package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

var (
	gapsList  bool
	gapsLimit int
)

var gapsCmd = &cobra.Command{
	Use:   "gaps",
	Short: "Inspect detected data gaps",
	Long:  "Prints aggregate gap statistics, or with --list the prioritized backfill plan the next sync cycle would work through.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		if gapsList {
			limit := gapsLimit
			if limit == 0 {
				limit = cfg.Gaps.BackfillMaxSize
			}
			return enc.Encode(env.Detector.PrioritizedBackfill(ctx, limit))
		}

		return enc.Encode(env.Detector.Statistics(ctx))
	},
}

func init() {
	gapsCmd.Flags().BoolVar(&gapsList, "list", false, "print the prioritized backfill plan instead of statistics")
	gapsCmd.Flags().IntVar(&gapsLimit, "limit", 0, "cap the backfill plan length (default from config)")
	rootCmd.AddCommand(gapsCmd)
}
