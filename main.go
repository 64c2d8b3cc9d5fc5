package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"chatsync/internal/config"
	"chatsync/internal/database"
	"chatsync/internal/handlers"
	"chatsync/internal/logging"
	"chatsync/internal/messaging"
	"chatsync/internal/realtime"
	"chatsync/internal/routes"
	"chatsync/internal/updates"
	"chatsync/internal/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, dotenv, err := config.LoadServer()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	zlog, err := logging.New(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer zlog.Sync()
	if !dotenv {
		zlog.Info("No .env file found")
	}

	if err := run(cfg, zlog); err != nil {
		zlog.Fatalf("Server stopped: %v", err)
	}
}

func run(cfg *config.Server, log *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to database
	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := database.Migrate(ctx, pool); err != nil {
		return err
	}
	store := database.NewStore(pool)

	var gatherer prometheus.Gatherer
	var registerer prometheus.Registerer
	if cfg.MetricsEnabled {
		reg := prometheus.NewRegistry()
		gatherer, registerer = reg, reg
	}

	hub := realtime.NewHub(
		realtime.WithQueueSize(cfg.SessionQueueSize),
		realtime.WithPresence(store),
		realtime.WithMetrics(realtime.NewMetrics(registerer)),
		realtime.WithLogger(log.Named("hub")),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(ctx)
		return nil
	})

	var dispatch updates.Dispatcher = hub
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return err
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()

		broker := realtime.NewBroker(rdb, hub, log.Named("broker"))
		g.Go(func() error { return broker.Run(ctx) })
		dispatch = broker
		log.Infof("Cross-instance fan-out enabled")
	}

	svc := messaging.NewService(store, dispatch, log.Named("messaging"))
	hub.SetComposeHandler(svc.HandleComposeFrame)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		AppName: "chatsync v1.0",
	})

	// Middleware
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORSOrigins,
		AllowCredentials: true,
	}))

	routes.SetupRoutes(app, routes.Deps{
		Handler:          handlers.New(svc, hub, log.Named("http")),
		Tokens:           utils.NewTokens(cfg.JWTSecret),
		RPCRateLimit:     cfg.RPCRateLimit,
		HistoryRateLimit: cfg.HistoryRateLimit,
		Metrics:          gatherer,
	})

	g.Go(func() error {
		log.Infof("Server starting on port %s", cfg.Port)
		return app.Listen(":" + cfg.Port)
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Infof("Shutting down")
		return app.ShutdownWithTimeout(10 * time.Second)
	})

	return g.Wait()
}
