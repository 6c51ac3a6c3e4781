package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/frahmantamala/rental-fulfillment/internal"
	"github.com/frahmantamala/rental-fulfillment/pkg/logger"
	"github.com/spf13/cobra"
)

var (
	reconcileBookingID string
	reconcileLimit     int
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Recompute balances and retry confirmation",
	Long: `Sweep pending and paid bookings: recompute each balance from the ledger
and retry automatic confirmation. Meant to run from cron; it also re-sends
completion emails whose earlier delivery failed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReconcile()
	},
}

func runReconcile() error {
	cfg, err := loadDatabaseConfig()
	if err != nil {
		return err
	}
	if err := cfg.Fulfillment.Validate(); err != nil {
		return internal.NewConfigurationError("fulfillment config: " + err.Error())
	}
	lg := logger.Init(cfg.Logging.Level, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newApplication(ctx, cfg, lg)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	// side effects queued by the sweep finish before the process exits
	defer app.Close(context.Background())

	out := json.NewEncoder(os.Stdout)
	out.SetIndent("", "  ")

	if reconcileBookingID != "" {
		result, err := app.sweeper.RunOne(ctx, reconcileBookingID)
		if err != nil {
			return err
		}
		return out.Encode(result)
	}

	report, err := app.sweeper.Run(ctx, reconcileLimit)
	if err != nil {
		return err
	}
	return out.Encode(report)
}

func init() {
	reconcileCmd.Flags().StringVar(&reconcileBookingID, "booking", "", "reconcile a single booking id")
	reconcileCmd.Flags().IntVar(&reconcileLimit, "limit", 200, "maximum bookings per sweep")
}
