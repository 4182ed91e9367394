package cmd

import (
	"fmt"
	"log/slog"

	"github.com/psds-microservice/escalation-service/internal/config"
	"github.com/psds-microservice/escalation-service/internal/logging"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "escalation-service",
	Short: "Support ticket escalation: AI triage handoff, agent assignment, transfers (PSDS)",
	RunE:  runAPI,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(apiCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(redistributeCmd)
	rootCmd.AddCommand(reconcileLoadsCmd)
	rootCmd.AddCommand(republishEventsCmd)
}

// setup загружает и проверяет конфиг, настраивает глобальный логгер.
func setup() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	log := logging.New(cfg.LogFormat, cfg.LogLevel, nil)
	logging.SetDefault(log)
	return cfg, log, nil
}
