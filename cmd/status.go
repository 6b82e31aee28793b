package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print a status snapshot as JSON",
	Long:  "Reports symbol coverage, gap statistics, queue depth, provider health, and the last sync time. Spends no provider request budget.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		snap, err := env.Collector.Collect(ctx)
		if err != nil {
			return eris.Wrap(err, "collect status")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
