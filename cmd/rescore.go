package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/omnilead/omnilead/internal/app"
	"github.com/omnilead/omnilead/internal/config"
	"github.com/omnilead/omnilead/internal/log"
)

var rescoreCmd = &cobra.Command{
	Use:   "rescore",
	Short: "Re-run lead scoring over every lead",
	Long: `Walks all leads in batches and recomputes each score. Failed leads
are skipped and counted; the run continues. Intended for cron or a manual
sweep after scoring rules change.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runRescore(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(rescoreCmd)
}

func runRescore(parent context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err = cfg.ValidateServe(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := log.New(log.Config{Level: logLevelFromEnv()})

	a, err := app.Setup(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer a.Close()

	summary, err := a.Rescorer.RescoreAll(ctx)
	if err != nil {
		return fmt.Errorf("rescoring leads: %w", err)
	}

	fmt.Printf("rescore complete: %d processed, %d errored\n",
		summary.Processed, summary.Errored)
	return nil
}
