package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/prospect-labs/prospectd/internal/scheduler"
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the periodic maintenance job scheduler",
	Long:  "Runs the lead refresh sweep and the retention jobs (search cleanup, job ledger purge, usage purge, monthly compaction) until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		jobs := scheduler.StandardJobs(e.Store, e.Ledger, e.Refresher)
		sched := scheduler.New(cfg.Scheduler, jobs...)

		sched.Start(ctx)
		zap.L().Info("scheduler exited")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(schedulerCmd)
}
