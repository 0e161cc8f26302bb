// Arbiter - agent priority and conversation-state arbitration service
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cheatcode/arbiter/internal/api"
	"github.com/cheatcode/arbiter/internal/arbiter"
	"github.com/cheatcode/arbiter/internal/config"
	"github.com/cheatcode/arbiter/internal/dispatch"
	"github.com/cheatcode/arbiter/internal/events"
	"github.com/cheatcode/arbiter/internal/identity"
	"github.com/cheatcode/arbiter/internal/metrics"
	"github.com/cheatcode/arbiter/internal/middleware"
	"github.com/cheatcode/arbiter/internal/queue"
	"github.com/cheatcode/arbiter/internal/registry"
	"github.com/cheatcode/arbiter/internal/shared"
	"github.com/cheatcode/arbiter/internal/store"
	"github.com/cheatcode/arbiter/internal/store/postgres"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "db_driver", cfg.DBDriver)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	repo, err := openRepository(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	reg, err := registry.Load(cfg.AgentRegistryPath)
	if err != nil {
		slog.Error("Failed to load agent registry", "error", err, "path", cfg.AgentRegistryPath)
		os.Exit(1)
	}
	slog.Info("Agent registry loaded", "types", len(reg.Types()), "help_mode_priority", reg.HelpModePriority())

	m := metrics.New()

	// A nil trigger makes every dispatching operation fail with a
	// configuration error before it writes anything.
	var trigger dispatch.Trigger
	if cfg.Dispatch.Disabled {
		slog.Warn("Message dispatch disabled, arbitration endpoints will refuse writes")
	} else {
		grpcTrigger, err := dispatch.NewGrpcTrigger(dispatch.DefaultGrpcConfig(cfg.Dispatch.Addr), logger)
		if err != nil {
			slog.Error("Failed to connect to message generator", "error", err, "address", cfg.Dispatch.Addr)
			os.Exit(1)
		}
		defer grpcTrigger.Close()
		trigger = grpcTrigger
	}

	hub := events.NewHub(cfg.CORSOrigins)
	publisher := events.NewMulti(m, logger)
	publisher.Add("websocket", hub)
	if len(cfg.Events.KafkaBrokers) > 0 {
		kafkaPublisher := events.NewKafkaPublisher(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic)
		defer func() {
			if err := kafkaPublisher.Close(); err != nil {
				slog.Warn("Failed to close Kafka writer", "error", err)
			}
		}()
		publisher.Add("kafka", kafkaPublisher)
		slog.Info("Kafka event sink enabled", "brokers", cfg.Events.KafkaBrokers, "topic", cfg.Events.KafkaTopic)
	}
	if cfg.Events.NatsURL != "" {
		natsPublisher, err := events.NewNatsPublisher(events.NatsConfig{
			URL:           cfg.Events.NatsURL,
			SubjectPrefix: cfg.Events.NatsSubject,
		}, logger)
		if err != nil {
			slog.Error("Failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := natsPublisher.Close(); err != nil {
				slog.Warn("Failed to drain NATS connection", "error", err)
			}
		}()
		publisher.Add("nats", natsPublisher)
	}

	slog.Info("Event sinks configured", "count", publisher.Len())

	// Sinks are fed off the request path so a slow broker never holds a
	// contact lock or delays a dispatch.
	asyncEvents := events.NewAsync(publisher, 4096, 5*time.Second, logger)
	defer asyncEvents.Close()

	engine := arbiter.New(repo, reg, trigger,
		arbiter.WithPublisher(asyncEvents),
		arbiter.WithMetrics(m),
		arbiter.WithLogger(logger),
		arbiter.WithHelpModeWindow(cfg.HelpModeWindow),
		arbiter.WithDispatchTimeout(cfg.Dispatch.Timeout),
		arbiter.WithRetryPolicy(shared.RetryPolicy{
			MaxAttempts: cfg.Retry.DatabaseMaxRetries,
			BaseDelay:   cfg.Retry.DatabaseRetryBaseDelay,
		}),
	)

	processor := queue.NewProcessor(repo, engine, queue.Config{
		StaleAfter:     cfg.Queue.StaleAfter,
		Concurrency:    cfg.Queue.Concurrency,
		ContactTimeout: cfg.Dispatch.Timeout + 30*time.Second,
	}, m, logger)

	// Initialize handlers.
	apiHandler := api.NewHandler(engine, processor)
	healthHandler := api.NewHealthHandler(repo, cfg.Timeout.HealthCheck)
	if grpcTrigger, ok := trigger.(*dispatch.GrpcTrigger); ok {
		healthHandler.CheckDispatch(api.PingFunc(grpcTrigger.Health))
	}

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(middleware.RequestLogger(logger))
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.CORSOrigins))

	// Public routes.
	healthHandler.RegisterHealth(r)
	r.Handle("/metrics", promhttp.Handler())

	// Authenticated routes.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(cfg.APIToken))
		apiHandler.RegisterRoutes(r)
		r.Get("/ws/events", hub.ServeHTTP)
	})

	// Create server.
	// WebSocket event streams are long lived, so no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Start queue worker.
	if trigger != nil {
		queue.StartWorker(ctx, processor, cfg.Queue.SweepInterval)
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeout.Shutdown)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

func openRepository(ctx context.Context, cfg *config.Config) (store.Repository, error) {
	if cfg.DBDriver == config.DriverPostgres {
		return postgres.Open(ctx, cfg.DatabaseURL)
	}
	return store.NewSQLite(cfg.DBPath)
}
