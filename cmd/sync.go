package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var syncJSON bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one daily update cycle",
	Long:  "Detects gaps, builds a prioritized backfill plan, and fetches within the daily request budget. Per-symbol fetch failures are logged and do not fail the cycle.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		report, err := env.Updater.RunDailyUpdate(ctx)
		if err != nil {
			return eris.Wrap(err, "daily update")
		}

		if syncJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		}

		for _, cat := range report.Categories {
			zap.L().Info("category result",
				zap.String("category", string(cat.Category)),
				zap.Int("budget", cat.Budget),
				zap.Int("fetched", cat.Fetched),
				zap.Int("failed", cat.Failed),
				zap.Bool("budget_exhausted", cat.Exhausted),
			)
		}
		zap.L().Info("sync cycle complete",
			zap.Int("requests_used", report.Requests.Used),
			zap.Int("requests_remaining", report.Requests.Remaining),
			zap.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)),
		)
		return nil
	},
}

func init() {
	syncCmd.Flags().BoolVar(&syncJSON, "json", false, "print the full cycle report as JSON")
	rootCmd.AddCommand(syncCmd)
}
