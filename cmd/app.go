package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/frahmantamala/rental-fulfillment/internal"
	"github.com/frahmantamala/rental-fulfillment/internal/audit"
	auditpg "github.com/frahmantamala/rental-fulfillment/internal/audit/postgres"
	"github.com/frahmantamala/rental-fulfillment/internal/availability"
	availabilitypg "github.com/frahmantamala/rental-fulfillment/internal/availability/postgres"
	"github.com/frahmantamala/rental-fulfillment/internal/balance"
	balancepg "github.com/frahmantamala/rental-fulfillment/internal/balance/postgres"
	bookingpg "github.com/frahmantamala/rental-fulfillment/internal/booking/postgres"
	"github.com/frahmantamala/rental-fulfillment/internal/core/events"
	"github.com/frahmantamala/rental-fulfillment/internal/dispatch"
	"github.com/frahmantamala/rental-fulfillment/internal/fulfillment"
	"github.com/frahmantamala/rental-fulfillment/internal/ledger"
	ledgerpg "github.com/frahmantamala/rental-fulfillment/internal/ledger/postgres"
	"github.com/frahmantamala/rental-fulfillment/internal/lock"
	"github.com/frahmantamala/rental-fulfillment/internal/notification"
	"github.com/frahmantamala/rental-fulfillment/internal/payment"
	paymentpg "github.com/frahmantamala/rental-fulfillment/internal/payment/postgres"
	"github.com/frahmantamala/rental-fulfillment/internal/requirement"
	requirementpg "github.com/frahmantamala/rental-fulfillment/internal/requirement/postgres"
	"github.com/frahmantamala/rental-fulfillment/pkg/obs"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// application is the wired object graph shared by the server and the
// reconcile sweep.
type application struct {
	cfg    *internal.Config
	logger *slog.Logger

	sqlDB  *sqlx.DB
	gormDB *gorm.DB
	redis  *redis.Client

	bus       *events.EventBus
	pool      *dispatch.Pool
	publisher *notification.Publisher

	bookings     *bookingpg.BookingRepository
	ledger       *ledger.Reader
	reconciler   *balance.Reconciler
	requirements *requirement.Aggregator
	audit        *audit.Service
	machine      *fulfillment.Machine
	payments     *payment.Service
	sweeper      *fulfillment.Sweeper

	closers []func(context.Context) error
}

func newApplication(ctx context.Context, cfg *internal.Config, lg *slog.Logger) (*application, error) {
	app := &application{cfg: cfg, logger: lg}

	if cfg.Tracing.Enabled {
		shutdown, err := obs.InitTracer(ctx, cfg.Tracing.ServiceName, cfg.Tracing.OTLPEndpoint, cfg.Tracing.Environment)
		if err != nil {
			return nil, fmt.Errorf("failed to init tracer: %w", err)
		}
		app.onClose(shutdown)
	}

	sqlDB, err := initDB(cfg.Database)
	if err != nil {
		app.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	app.sqlDB = sqlDB
	app.onClose(func(context.Context) error { return sqlDB.Close() })

	gormDB, err := openGorm(sqlDB)
	if err != nil {
		app.Close(ctx)
		return nil, fmt.Errorf("failed to open gorm: %w", err)
	}
	app.gormDB = gormDB

	locker, err := app.newLocker(ctx)
	if err != nil {
		app.Close(ctx)
		return nil, err
	}

	notifier, err := app.newNotifier()
	if err != nil {
		app.Close(ctx)
		return nil, err
	}

	app.bus = events.NewEventBus(lg)
	app.subscribeEvents()
	app.onClose(app.bus.Wait)

	app.pool = dispatch.NewPool(dispatch.Config{
		MaxWorkers:   cfg.Fulfillment.SideEffectWorkers,
		JobQueueSize: cfg.Fulfillment.SideEffectQueueSize,
		JobTimeout:   cfg.Fulfillment.SideEffectTimeout,
	}, lg)
	// registered last so it drains before anything it depends on is closed
	app.onClose(app.pool.Shutdown)

	app.bookings = bookingpg.NewBookingRepository(gormDB)
	app.ledger = ledger.NewReader(ledgerpg.NewSource(gormDB), lg)
	app.reconciler = balance.NewReconciler(balancepg.NewStore(gormDB, lg), lg)
	app.requirements = requirement.NewAggregator(requirementpg.NewSource(gormDB), lg)
	app.audit = audit.NewService(auditpg.NewAuditRepository(sqlDB), lg)

	app.machine = fulfillment.NewMachine(fulfillment.Config{
		RedirectBaseURL: cfg.Fulfillment.RedirectBaseURL,
	}, fulfillment.Dependencies{
		Repo:         app.bookings,
		Requirements: app.requirements,
		Notifier:     notifier,
		Availability: availability.NewService(availabilitypg.NewAvailabilityRepository(gormDB), lg),
		Locker:       locker,
		Dispatcher:   app.pool,
		Events:       app.bus,
		Audit:        app.audit,
		Logger:       lg,
	})

	app.payments = payment.NewService(payment.Dependencies{
		Repo:       paymentpg.NewPaymentRepository(gormDB),
		Reconciler: app.reconciler,
		Bookings:   app.bookings,
		Confirmer:  app.machine,
		Locker:     locker,
		Events:     app.bus,
		Audit:      app.audit,
		Logger:     lg,
	})

	app.sweeper = fulfillment.NewSweeper(app.bookings, app.reconciler, app.machine, lg)

	return app, nil
}

func (a *application) newLocker(ctx context.Context) (lock.Locker, error) {
	if a.cfg.Redis.Addr == "" {
		a.logger.Info("booking lock is in-process; set redis.addr when running more than one replica")
		return lock.NewKeyedMutex(), nil
	}

	client := lock.NewRedisClient(a.cfg.Redis.Addr, a.cfg.Redis.Password, a.cfg.Redis.DB)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	a.redis = client
	a.onClose(func(context.Context) error { return client.Close() })
	return lock.NewRedisLocker(client, a.cfg.Redis.LockTTL, a.logger), nil
}

func (a *application) newNotifier() (notification.Notifier, error) {
	if a.cfg.Broker.URL == "" {
		a.logger.Warn("no broker configured, notifications are only logged")
		return notification.NewLogNotifier(a.logger, a.cfg.Fulfillment.AdminEmails), nil
	}

	publisher, err := notification.NewPublisher(a.cfg.Broker.URL, a.cfg.Broker.Exchange, a.cfg.Fulfillment.AdminEmails, a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect notification broker: %w", err)
	}
	a.publisher = publisher
	a.onClose(func(context.Context) error { return publisher.Close() })
	return publisher, nil
}

// subscribeEvents fans domain events out to the broker, or to the log when
// no broker is configured.
func (a *application) subscribeEvents() {
	handler := func(ctx context.Context, event events.Event) error {
		a.logger.InfoContext(ctx, "domain event",
			"event_id", event.EventID(),
			"event_type", event.EventType(),
			"payload", event.Payload())
		return nil
	}
	if a.publisher != nil {
		handler = a.publisher.ForwardEvent
	}

	for _, eventType := range []string{
		events.EventTypeBookingConfirmed,
		events.EventTypePaymentReconciled,
		events.EventTypePaymentDisputed,
	} {
		a.bus.Subscribe(eventType, handler)
	}
}

func (a *application) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (a *application) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// initDB opens the pgx pool used by both sqlx and gorm.
func initDB(cfg internal.DatabaseConfig) (*sqlx.DB, error) {
	const driver = "pgx"

	dbConn, err := sqlx.Connect(driver, cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open db connection: %w", err)
	}

	dbConn.SetMaxIdleConns(cfg.MaxIdleConns)
	dbConn.SetMaxOpenConns(cfg.MaxOpenConns)
	dbConn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	dbConn.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	return dbConn, nil
}

// openGorm wraps the pgx pool opened for sqlx so both share connections.
func openGorm(sqlDB *sqlx.DB) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: sqlDB.DB}), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
}
