package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/gateway"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	if cfg.PGDSN != "" && cfg.RunMigrations {
		runMigrations(cfg.PGDSN, logger.With("component", "migrate"))
	}

	var store storage.RideStore
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		defer ps.Close()
		store = ps
	} else {
		logger.Warn("PG_DSN not set, using in-memory ride store")
		store = storage.NewMemoryStore()
	}

	var rc *redis.Client
	var geoStore geo.Store
	var backplane gateway.Backplane
	if cfg.RedisAddr != "" {
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		geoStore = geo.NewRedisGeo(rc, cfg.RedisGeoKey)
		backplane = gateway.NewRedisBackplane(rc, cfg.BackplaneChannel, logger)
	} else {
		logger.Warn("REDIS_ADDR not set, using in-process geo index and loopback backplane")
		geoStore = geo.NewIndex()
		backplane = gateway.NewLoopbackBackplane()
	}

	registry := presence.NewRegistry()
	search := &geo.Search{Store: geoStore, Presence: registry, RadiusM: cfg.SearchRadiusM, Logger: logger}

	hub := gateway.NewHub()
	gw := gateway.New(hub, registry, auth.NewJWTVerifier(cfg.JWTSecret), backplane, logger)
	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewLocationProducer(cfg.KafkaBrokers, cfg.LocationTopic)
		defer producer.Close()
		gw.Locations = producer
	}

	pusher := &events.OfferPusher{Fanout: gw, Logger: logger}
	engine := dispatch.NewEngine(store, search, pusher, dispatch.Config{
		OfferBatchSize:      cfg.OfferBatchSize,
		OfferTimeout:        cfg.OfferTimeout,
		MaxReassignAttempts: cfg.MaxReassignAttempts,
	}, logger)
	defer engine.Close()

	consumer := &events.Consumer{
		URL:      cfg.AMQPURL,
		Exchange: cfg.EventsExchange,
		Queue:    cfg.EventsQueue,
		Retry:    cfg.BrokerRetry,
		Handlers: events.NewHandlers(engine, gw, logger),
		Logger:   logger,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go gw.Run(ctx)
	go consumer.Run(ctx)

	ready := func(r *http.Request) error {
		if rc != nil {
			return rc.Ping(r.Context()).Err()
		}
		return nil
	}
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      gateway.NewServer(gw, ready, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	go func() {
		logger.Info("gateway listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	gw.Close()
}

// runMigrations applies the schema file when MIGRATE=true, mirroring how
// the service is bootstrapped in compose environments.
func runMigrations(dsn string, logger *slog.Logger) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Error("migration db open error", "error", err)
		return
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_rides.sql"))
	if err != nil {
		logger.Error("migration read error", "error", err)
		return
	}
	if _, err := db.Exec(string(b)); err != nil {
		logger.Error("migration exec error", "error", err)
	}
}
