package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/psds-microservice/escalation-service/internal/application"
	"github.com/spf13/cobra"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Run HTTP API with background redistribution",
	RunE:  runAPI,
}

func runAPI(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := application.NewAPI(cfg, log)
	if err != nil {
		return err
	}
	if err := app.Run(ctx); err != nil {
		return err
	}
	log.Info("shutdown complete")
	return nil
}
