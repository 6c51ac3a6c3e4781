package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/frahmantamala/rental-fulfillment/internal/auth"
	"github.com/frahmantamala/rental-fulfillment/internal/fulfillment"
	"github.com/frahmantamala/rental-fulfillment/internal/payment"
	"github.com/frahmantamala/rental-fulfillment/internal/transport/middleware"
	"github.com/frahmantamala/rental-fulfillment/internal/transport/rest"
	"github.com/frahmantamala/rental-fulfillment/internal/webhook"
	"github.com/frahmantamala/rental-fulfillment/pkg/logger"

	"github.com/go-chi/chi"
	"github.com/spf13/cobra"
)

var httpServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Start HTTP server",
	Long:  `Start the HTTP server that receives gateway webhooks and admin requests`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return startHTTPServer()
	},
}

func startHTTPServer() error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	lg := logger.Init(cfg.Logging.Level, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newApplication(ctx, cfg, lg)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}

	router, err := setupRoutes(ctx, app)
	if err != nil {
		_ = app.Close(context.Background())
		return err
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	serverErrChan := make(chan error, 1)
	go func() {
		lg.Info("starting HTTP server", "address", addr)
		serverErrChan <- server.ListenAndServe()
	}()

	var runErr error
	select {
	case <-ctx.Done():
		lg.Info("received signal, shutting down")
	case err := <-serverErrChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		lg.Error("server shutdown error", "error", err)
	}
	if err := app.Close(shutdownCtx); err != nil {
		lg.Error("dependency shutdown error", "error", err)
	}

	lg.Info("server stopped")
	return runErr
}

func setupRoutes(ctx context.Context, app *application) (*chi.Mux, error) {
	cfg := app.cfg

	docs, err := rest.LoadAPIDocument(ctx)
	if err != nil {
		return nil, err
	}

	publicKey, err := cfg.Security.GetPublicKey()
	if err != nil {
		return nil, fmt.Errorf("failed to load token public key: %w", err)
	}

	processor, err := webhook.NewProcessor(webhook.Config{
		SigningSecret: cfg.Gateway.WebhookSecret,
		Tolerance:     cfg.Gateway.SignatureTolerance,
	}, app.payments, app.audit, app.bus, app.logger)
	if err != nil {
		return nil, err
	}

	checks := map[string]rest.Check{"postgres": app.sqlDB.PingContext}
	if app.redis != nil {
		checks["redis"] = func(ctx context.Context) error { return app.redis.Ping(ctx).Err() }
	}

	limiter := middleware.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, app.logger)
	go limiter.Run(ctx, time.Minute)

	router := chi.NewRouter()
	rest.RegisterAllRoutes(router, rest.Routes{
		Health:         rest.NewHealthHandler(checks),
		Docs:           docs,
		Auth:           auth.NewMiddleware(auth.NewJWTVerifier(publicKey, cfg.Security.JWTIssuer), app.logger),
		Fulfillment:    fulfillment.NewHandler(app.machine, app.requirements, app.ledger, app.reconciler, app.logger),
		Payments:       payment.NewHandler(app.payments, app.logger),
		Webhooks:       webhook.NewHandler(processor, app.logger),
		RateLimiter:    limiter,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, app.logger)

	return router, nil
}
