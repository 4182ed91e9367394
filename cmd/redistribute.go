package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/psds-microservice/escalation-service/internal/application"
	"github.com/spf13/cobra"
)

var redistributeCmd = &cobra.Command{
	Use:   "redistribute",
	Short: "Run one redistribution pass over the escalated queue",
	RunE:  runRedistribute,
}

var reconcileLoadsCmd = &cobra.Command{
	Use:   "reconcile-loads",
	Short: "Recount agents' active ticket counters from tickets",
	RunE:  runReconcileLoads,
}

func runRedistribute(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	comp, err := application.Build(cfg, log)
	if err != nil {
		return err
	}
	defer comp.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	stats, err := comp.Redistributor.Run(ctx)
	if err != nil {
		return err
	}
	if stats.LockHeld {
		log.Warn("redistribute: another pass holds the lock, nothing done")
		return nil
	}
	log.Info("redistribute: done",
		"backlog", stats.Backlog, "assigned", stats.Assigned, "skipped", stats.Skipped,
		"remaining", stats.Remaining, "corrected", stats.Corrected)
	return nil
}

func runReconcileLoads(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	comp, err := application.Build(cfg, log)
	if err != nil {
		return err
	}
	defer comp.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	n, err := comp.Redistributor.Reconcile(ctx)
	if err != nil {
		return err
	}
	log.Info("reconcile-loads: done", "corrected", n)
	return nil
}
