package main

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var recalcLoop bool

var recalcCmd = &cobra.Command{
	Use:   "recalc",
	Short: "Process the score recalculation queue",
	Long:  "Claims pending queue entries oldest-first and recomputes composite scores. Runs one batch by default; with --loop it polls until interrupted, reclaiming stale claims between batches.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if recalcLoop {
			if err := env.Processor.Run(ctx); err != nil {
				return eris.Wrap(err, "recalc loop")
			}
			return nil
		}

		res, err := env.Processor.RunOnce(ctx)
		if err != nil {
			return eris.Wrap(err, "recalc batch")
		}

		zap.L().Info("recalc batch complete",
			zap.Int("claimed", res.Claimed),
			zap.Int("succeeded", res.Succeeded),
		)
		return nil
	},
}

func init() {
	recalcCmd.Flags().BoolVar(&recalcLoop, "loop", false, "poll the queue until interrupted")
	rootCmd.AddCommand(recalcCmd)
}
