package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"matchwire/pkg/bus"
	"matchwire/pkg/db"
	"matchwire/pkg/telemetry"
	"matchwire/services/delivery"
	"matchwire/services/delivery/internal/config"
	"matchwire/services/delivery/presence"
	"matchwire/services/delivery/ws"
)

func main() {
	if err := run("delivery"); err != nil {
		log.Fatal().Err(err).Msg("delivery service")
	}
}

func run(serviceName string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	shutdownTelemetry, httpMiddleware, _, err := telemetry.Init(ctx, serviceName)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutdown telemetry")
		}
	}()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	pool, err := db.Open(ctx, cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	orm, err := gorm.Open(gormpostgres.Open(cfg.DBDSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return fmt.Errorf("open orm: %w", err)
	}

	b, err := bus.New(cfg.NATSURL, "delivery-"+cfg.InstanceID)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	defer b.Close()

	registry := presence.NewRegistry()
	metrics := delivery.NewMetrics(prometheus.DefaultRegisterer, registry)

	pgStore, err := delivery.NewPostgresStore(pool)
	if err != nil {
		return fmt.Errorf("create store: %w", err)
	}
	store := delivery.NewCachingStore(pgStore, cfg.CacheTTL)

	engine, err := delivery.NewEngine(store, log.Logger)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	receipts, err := delivery.NewReadReceipts(store)
	if err != nil {
		return fmt.Errorf("create receipts aggregator: %w", err)
	}

	hub, err := ws.NewHub(registry, func(ctx context.Context, messageID uuid.UUID) error {
		_, err := engine.MarkDelivered(ctx, messageID)
		return err
	}, log.Logger)
	if err != nil {
		return fmt.Errorf("create hub: %w", err)
	}

	router, err := delivery.NewRouter(registry, hub, b, cfg.InstanceID, log.Logger,
		delivery.WithSendTimeout(cfg.SendTimeout),
		delivery.WithMetrics(metrics),
	)
	if err != nil {
		return fmt.Errorf("create router: %w", err)
	}
	if err := router.Start(ctx); err != nil {
		return fmt.Errorf("start router: %w", err)
	}
	defer func() {
		if err := router.Close(); err != nil {
			log.Error().Err(err).Msg("close router")
		}
	}()

	api, err := delivery.NewAPI(engine, receipts, router, registry, store, orm, delivery.APIConfig{
		RecentLimit:       cfg.RecentLimit,
		AllowedOrigins:    cfg.AllowedOrigins,
		SendRatePerMinute: cfg.SendRatePerMinute,
	}, metrics, log.Logger)
	if err != nil {
		return fmt.Errorf("create api: %w", err)
	}

	routes, err := api.Routes(hub.Handler())
	if err != nil {
		return fmt.Errorf("build routes: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context(), pool); err != nil {
			http.Error(w, "database not ready", http.StatusServiceUnavailable)
			return
		}
		if err := b.Ping(r.Context()); err != nil {
			http.Error(w, "bus not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", routes)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("shutdown server")
		}
	}()

	log.Info().Str("addr", cfg.Addr).Str("instance", cfg.InstanceID).Msg("delivery service listening")

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return nil
	}
}
