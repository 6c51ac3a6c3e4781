package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/frahmantamala/rental-fulfillment/internal"
	"github.com/frahmantamala/rental-fulfillment/internal/notification"
	"github.com/frahmantamala/rental-fulfillment/pkg/logger"
	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start background workers",
	Long:  `Start background workers that drain the broker queues.`,
}

var notificationWorkerCmd = &cobra.Command{
	Use:   "notifications",
	Short: "Start the notification delivery worker",
	Long:  `Consume the notification queue and hand each message to the delivery adapter`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return startNotificationWorker()
	},
}

var (
	workerQueue    string
	workerPrefetch int
)

func startNotificationWorker() error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Broker.URL == "" {
		return internal.NewConfigurationError("broker url is required for the notification worker")
	}

	lg := logger.Init(cfg.Logging.Level, cfg.Logging.Format)

	consumer := notification.NewConsumer(notification.ConsumerConfig{
		URL:      cfg.Broker.URL,
		Exchange: cfg.Broker.Exchange,
		Queue:    getStringFlag(workerQueue, cfg.Broker.NotificationQueue),
		Prefetch: workerPrefetch,
	}, notification.NewLogNotifier(lg, cfg.Fulfillment.AdminEmails), lg)
	defer consumer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lg.Info("notification worker is running. Press Ctrl+C to stop.")
	if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	lg.Info("notification worker stopped")
	return nil
}

func getStringFlag(flagValue, configValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return configValue
}

func init() {
	notificationWorkerCmd.Flags().StringVar(&workerQueue, "queue", "", "Queue name (overrides config)")
	notificationWorkerCmd.Flags().IntVar(&workerPrefetch, "prefetch", 0, "Unacknowledged messages per consumer")

	workerCmd.AddCommand(notificationWorkerCmd)
	rootCmd.AddCommand(workerCmd)
}
