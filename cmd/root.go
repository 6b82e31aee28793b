package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/marketsync/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "marketsync",
	Short: "Budget-aware market data synchronization daemon",
	Long:  "Detects stale or missing market data per symbol, runs prioritized daily update cycles against the provider within a fixed request budget, and recomputes composite scores through a durable recalculation queue.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
