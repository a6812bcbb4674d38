package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/arbiter"
	"github.com/example/ride-dispatch/internal/availability"
	"github.com/example/ride-dispatch/internal/broadcast"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/fare"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/locking"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("bad configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	var (
		rides    storage.RideStore
		drivers  storage.DriverStore
		profiles availability.ProfileSync
	)
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres connect failed", "error", err)
			os.Exit(1)
		}
		defer pg.DB().Close()
		if cfg.RunMigrations {
			runMigrations(pg.DB(), logger)
		}
		adapter := storage.DriverAdapter{PostgresStore: pg}
		rides, drivers, profiles = pg, adapter, adapter
	} else {
		mem := storage.NewMemoryDriverStore()
		rides, drivers, profiles = storage.NewMemoryRideStore(), mem, mem
	}

	var (
		registry availability.Registry
		bcasts   broadcast.Store
		locks    locking.Locker
		queue    notify.Queue
	)
	if cfg.RedisAddr != "" {
		registry = availability.NewRedisRegistry(cfg.RedisAddr, cfg.RedisPassword, profiles)
		bcasts = broadcast.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword)
		locks = locking.NewRedisLocker(cfg.RedisAddr, cfg.RedisPassword)
		queue = notify.NewRedisQueue(cfg.RedisAddr, cfg.RedisPassword)
	} else {
		registry = availability.NewIndex(profiles)
		bcasts = broadcast.NewMemoryStore()
		locks = locking.NewMemoryLocker()
		queue = notify.NewMemoryQueue()
	}

	var producer *ingest.Producer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewProducer(cfg.KafkaBrokers, cfg.LocationTopic, cfg.RideEventTopic)
		defer producer.Close()
	}

	wsreg := notify.NewWSRegistry(logger)
	var sink notify.Sink = wsreg
	if cfg.PushEndpoint != "" {
		sink = &notify.FallbackSink{Sinks: []notify.Sink{wsreg, notify.NewPushSink(cfg.PushEndpoint)}}
	}

	fareCfg := fare.DefaultConfig()
	fareCfg.AvgSpeedKmh = cfg.AvgSpeedKmh

	coord := &dispatch.Coordinator{
		Registry:   registry,
		Rides:      rides,
		Broadcasts: bcasts,
		Queue:      queue,
		Sink:       sink,
		TTL:        cfg.BroadcastTTL,
		Log:        logger,
	}
	arb := &arbiter.Arbiter{
		Locks:      locks,
		Rides:      rides,
		Registry:   registry,
		Broadcasts: bcasts,
		Queue:      queue,
		Fare:       fareCfg,
		LockTTL:    cfg.LockTTL,
		Log:        logger,
	}
	lc := &lifecycle.Service{
		Rides:            rides,
		Drivers:          drivers,
		Registry:         registry,
		Broadcaster:      coord,
		Fare:             fareCfg,
		CancellationFee:  cfg.CancellationFee,
		SuspensionLimit:  cfg.SuspensionLimit,
		SuspensionWindow: cfg.SuspensionWindow,
		BaseRadiusKm:     cfg.BaseRadiusKm,
		Log:              logger,
	}

	var stripeClient *payments.StripeClient
	if os.Getenv("STRIPE_API_KEY") != "" {
		stripeClient = payments.NewStripeClient()
		lc.Payments = stripeClient
	}
	if producer != nil {
		arb.Events = producer
		lc.Events = producer
	}

	srv := httpapi.NewServer(cfg, logger)
	srv.Registry = registry
	srv.Rides = rides
	srv.Broadcasts = bcasts
	srv.Queue = queue
	srv.Coordinator = coord
	srv.Arbiter = arb
	srv.Lifecycle = lc
	srv.WSReg = wsreg
	srv.Kafka = producer
	srv.Payments = stripeClient
	srv.Fare = fareCfg

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
}

func runMigrations(db *sql.DB, logger *slog.Logger) {
	path := filepath.Join("migrations", "001_create_dispatch.sql")
	b, err := os.ReadFile(path)
	if err != nil {
		logger.Error("migration read failed", "path", path, "error", err)
		return
	}
	if _, err := db.Exec(string(b)); err != nil {
		logger.Error("migration exec failed", "path", path, "error", err)
		return
	}
	logger.Info("migration applied", "path", path)
}
