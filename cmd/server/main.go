package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	h "github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-notify/internal/config"
	"github.com/stanstork/stratum-notify/internal/eventbus"
	"github.com/stanstork/stratum-notify/internal/feed"
	"github.com/stanstork/stratum-notify/internal/handlers"
	"github.com/stanstork/stratum-notify/internal/lifecycle"
	"github.com/stanstork/stratum-notify/internal/listener"
	"github.com/stanstork/stratum-notify/internal/middleware"
	"github.com/stanstork/stratum-notify/internal/migration"
	"github.com/stanstork/stratum-notify/internal/models"
	"github.com/stanstork/stratum-notify/internal/notification"
	"github.com/stanstork/stratum-notify/internal/repository"
	"github.com/stanstork/stratum-notify/internal/routes"
	"github.com/stanstork/stratum-notify/internal/worker"
	"golang.org/x/sync/errgroup"

	_ "github.com/lib/pq" // PostgreSQL driver
)

type application struct {
	config        *config.Config
	logger        zerolog.Logger
	registry      *prometheus.Registry
	bus           *eventbus.Bus
	hub           *feed.Hub
	notifications notification.Service
	sweeper       *worker.Sweeper
	listener      *listener.KafkaListener
}

func main() {
	// Set up structured, level-based logging.
	consoleWriter := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
	logger := zerolog.New(consoleWriter).With().Timestamp().Logger()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.SetFlags(0)
	log.SetOutput(logger)

	// Load configuration.
	cfg := config.Load()
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	} else {
		logger.Warn().Str("log_level", cfg.LogLevel).Msg("Unknown log level, keeping info")
	}

	store, users, closeStore := openStorage(cfg, logger)
	defer closeStore()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	bus := eventbus.New(logger, eventbus.WithMetrics(eventbus.NewMetrics(registry)))
	lc := lifecycle.New()

	app := &application{
		config:        cfg,
		logger:        logger,
		registry:      registry,
		bus:           bus,
		hub:           feed.NewHub(logger),
		notifications: notification.NewService(store, lc, logger),
	}
	app.sweeper = worker.NewSweeper(app.notifications, worker.SweeperConfig{
		Interval: cfg.Notifications.SweepInterval,
		Batch:    cfg.Notifications.SweepBatch,
	}, logger)

	directory, closeCache := app.userDirectory(users)
	defer closeCache()

	app.registerSubscribers(store, directory, lc)

	if err := bus.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start event bus")
	}

	if cfg.Kafka.Enabled {
		app.listener = listener.NewKafkaListener(cfg.Kafka, bus, logger)
		defer app.listener.Close()
	}

	// Initialize the HTTP router and middleware.
	router := app.initRouter()
	loggedRouter := middleware.LoggingMiddleware(logger)(router)
	corsHandler := h.CORS(
		h.AllowedOrigins(cfg.CORS.AllowedOrigins),
		h.AllowedMethods([]string{"GET", "POST", "OPTIONS"}),
		h.AllowedHeaders([]string{"Content-Type", "Authorization"}),
		h.AllowCredentials(),
	)(loggedRouter)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.run(ctx, corsHandler); err != nil {
		logger.Error().Err(err).Msg("Service stopped with error")
	}

	// Let the in-flight event finish; whatever is still queued is dropped with the process.
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := bus.Stop(stopCtx); err != nil {
		logger.Warn().Err(err).Int("queued", bus.QueueSize()).Msg("Event bus did not stop cleanly")
	} else {
		logger.Info().Int("queued", bus.QueueSize()).Msg("Event bus stopped.")
	}

	logger.Info().Msg("Application terminated.")
}

func openStorage(cfg *config.Config, logger zerolog.Logger) (repository.NotificationRepository, repository.UserRepository, func()) {
	if cfg.Storage == config.StorageMemory {
		logger.Warn().Msg("Using in-memory storage; notifications are lost on restart")
		return repository.NewMemoryNotificationRepository(), repository.NewMemoryUserRepository(), func() {}
	}

	// Initialize database connection.
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to the database")
	}
	if err := db.Ping(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to ping database")
	}

	// Run database migrations.
	if err := migration.RunMigrations(db, logger); err != nil {
		logger.Fatal().Err(err).Msg("Failed to run migrations")
	}

	return repository.NewNotificationRepository(db), repository.NewUserRepository(db), func() { _ = db.Close() }
}

// userDirectory puts the Redis cache in front of the user store when enabled.
func (app *application) userDirectory(users repository.UserRepository) (repository.UserStore, func()) {
	cfg := app.config.Redis
	if !cfg.Enabled {
		return users, func() {}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		app.logger.Warn().Err(err).Str("addr", cfg.Addr).Msg("Redis unreachable, lookups will fall through to the store")
	}
	return repository.NewCachedUserDirectory(users, client, cfg.UserTTL, app.logger), func() { _ = client.Close() }
}

func (app *application) registerSubscribers(store repository.NotificationRepository, directory repository.UserStore, lc *lifecycle.Lifecycle) {
	builder := notification.NewBuilder(
		notification.WithLifecycle(lc),
		notification.WithTTL(app.config.Notifications.DefaultTTL),
	)

	app.bus.Register(notification.NewAuditSubscriber(app.logger))
	app.bus.Register(notification.NewContactSubscriber(directory))
	app.bus.Register(notification.NewInAppSubscriber(builder, store, app.hub, app.logger))

	if !app.config.Email.Enabled {
		return
	}
	sender, err := notification.NewSMTPSender(app.config.Email, app.logger)
	if err != nil {
		app.logger.Fatal().Err(err).Msg("Failed to configure email sender")
	}
	types := make([]models.EventType, 0, len(app.config.Email.EventTypes))
	for _, raw := range app.config.Email.EventTypes {
		t := models.EventType(strings.ToUpper(strings.TrimSpace(raw)))
		if !t.IsKnown() {
			app.logger.Warn().Str("event_type", raw).Msg("Ignoring unknown email event type")
			continue
		}
		types = append(types, t)
	}
	app.bus.Register(notification.NewEmailSubscriber(builder, directory, sender, types, app.logger))
}

// initRouter sets up all HTTP handlers and returns the router.
func (app *application) initRouter() http.Handler {
	return routes.NewRouter(routes.Dependencies{
		Bus:           app.bus,
		Notifications: handlers.NewNotificationHandler(app.notifications, app.logger),
		Events:        handlers.NewEventHandler(app.bus, app.logger),
		Feed:          app.hub,
		Metrics:       promhttp.HandlerFor(app.registry, promhttp.HandlerOpts{}),
		JWTSecret:     app.config.JWTSecret,
	})
}

// run serves HTTP and drives the background loops until ctx is cancelled or
// one of them fails.
func (app *application) run(ctx context.Context, handler http.Handler) error {
	server := &http.Server{
		Addr:              ":" + app.config.ServerPort,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		app.logger.Info().Msgf("Server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		app.logger.Info().Msg("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		app.logger.Info().Msg("HTTP server shutdown complete.")
		return nil
	})

	g.Go(func() error {
		return app.sweeper.Start(gctx)
	})

	if app.listener != nil {
		g.Go(func() error {
			return app.listener.Run(gctx)
		})
	}

	return g.Wait()
}
