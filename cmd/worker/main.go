package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/availability"
	"github.com/example/ride-dispatch/internal/broadcast"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "worker_locations_consumed_total",
		Help: "Driver location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "worker_locations_invalid_total",
		Help: "Location messages that failed to decode",
	})
	locationUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "worker_location_updates_total",
		Help: "Registry updates applied",
	})
	locationErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "worker_location_errors_total",
		Help: "Registry updates that failed after retries",
	})
	sweepRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "worker_expansion_sweeps_total",
		Help: "Radius expansion sweep runs",
	})
	suspensionsLifted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "worker_suspensions_lifted_total",
		Help: "Driver suspensions lifted after the window passed",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, locationUpdates, locationErrors, sweepRuns, suspensionsLifted)
}

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", "", "address to serve prometheus metrics on (overrides METRICS_ADDR)")
	flag.Parse()

	cfg, err := config.LoadWorkerConfig()
	if err != nil {
		slog.Error("bad configuration", "error", err)
		os.Exit(1)
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	var (
		rides   storage.RideStore
		drivers storage.DriverStore
	)
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres connect failed", "error", err)
			os.Exit(1)
		}
		defer pg.DB().Close()
		rides = pg
		drivers = storage.DriverAdapter{PostgresStore: pg}
	} else {
		rides = storage.NewMemoryRideStore()
		drivers = storage.NewMemoryDriverStore()
	}

	var (
		registry availability.Registry
		bcasts   broadcast.Store
		queue    notify.Queue
		rc       *redis.Client
	)
	if cfg.RedisAddr != "" {
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		registry = availability.NewRedisRegistry(cfg.RedisAddr, cfg.RedisPassword, nil)
		bcasts = broadcast.NewRedisStoreWithClient(rc)
		queue = notify.NewRedisQueueWithClient(rc)
	} else {
		registry = availability.NewIndex(nil)
		bcasts = broadcast.NewMemoryStore()
		queue = notify.NewMemoryQueue()
	}

	coord := &dispatch.Coordinator{
		Registry:   registry,
		Rides:      rides,
		Broadcasts: bcasts,
		Queue:      queue,
		TTL:        cfg.BroadcastTTL,
		Log:        logger,
	}

	go serveMetrics(cfg.MetricsAddr, rc, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go runSweeps(ctx, cfg, rides, bcasts, drivers, coord, logger)

	if len(cfg.KafkaBrokers) == 0 {
		logger.Info("no kafka brokers configured, running sweeps only")
		<-ctx.Done()
		return
	}
	consumeLocations(ctx, cfg, registry, logger)
}

func serveMetrics(addr string, rc *redis.Client, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("ok")) })
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if rc != nil {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
		}
		w.WriteHeader(200)
		_, _ = w.Write([]byte("ready"))
	})
	logger.Info("metrics/health listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server stopped", "error", err)
	}
}

// consumeLocations reads driver location updates off kafka and applies them
// to the availability registry, with exponential backoff on read errors.
func consumeLocations(ctx context.Context, cfg config.WorkerConfig, registry availability.Registry, logger *slog.Logger) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.LocationTopic,
		GroupID:  cfg.KafkaGroup,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer r.Close()

	logger.Info("consuming locations", "topic", cfg.LocationTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		var d models.DriverAvailability
		if err := json.Unmarshal(m.Value, &d); err != nil || d.DriverID == "" {
			msgsInvalid.Inc()
			logger.Warn("invalid location message", "error", err)
			continue
		}
		if err := updateLocationWithRetry(ctx, registry, d.DriverID, d.Loc, 3, 200*time.Millisecond); err != nil {
			locationErrors.Inc()
			logger.Warn("location update failed", "driver_id", d.DriverID, "error", err)
			continue
		}
		locationUpdates.Inc()
	}
}

// LocationUpdater is the slice of the registry the consumer needs; tests
// substitute a fake.
type LocationUpdater interface {
	UpdateLocation(ctx context.Context, driverID string, loc models.Coord) error
}

func updateLocationWithRetry(ctx context.Context, reg LocationUpdater, driverID string, loc models.Coord, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = reg.UpdateLocation(ctx, driverID, loc); err == nil {
			return nil
		}
		if i < attempts-1 {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return err
}

// Expander is the slice of the coordinator the sweep needs.
type Expander interface {
	Expand(ctx context.Context, rideID string, incrementKm float64) (dispatch.ExpandResult, error)
}

func runSweeps(ctx context.Context, cfg config.WorkerConfig, rides storage.RideStore, bcasts broadcast.Store, drivers storage.DriverStore, exp Expander, logger *slog.Logger) {
	ticker := time.NewTicker(cfg.ExpandInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepRuns.Inc()
			expanded := sweepExpansions(ctx, rides, bcasts, exp, cfg.RadiusIncrementKm, cfg.MaxRadiusKm, logger)
			lifted, err := drivers.LiftExpiredSuspensions(ctx, cfg.SuspensionWindow, time.Now())
			if err != nil {
				logger.Warn("suspension lift failed", "error", err)
			} else if lifted > 0 {
				suspensionsLifted.Add(float64(lifted))
			}
			logger.Info("sweep done", "expanded", expanded, "suspensions_lifted", lifted)
		}
	}
}

// sweepExpansions widens the search for every ride still waiting for a
// driver, up to the radius cap. Returns how many rides were expanded.
func sweepExpansions(ctx context.Context, rides storage.RideStore, bcasts broadcast.Store, exp Expander, incrementKm, maxKm float64, logger *slog.Logger) int {
	waiting, err := rides.ListByStatus(ctx, models.StatusRequested)
	if err != nil {
		logger.Warn("list waiting rides failed", "error", err)
		return 0
	}
	expanded := 0
	for _, ride := range waiting {
		rec, err := bcasts.Get(ctx, ride.ID)
		if errors.Is(err, broadcast.ErrNotFound) {
			continue // broadcast expired, nothing to widen
		}
		if err != nil {
			logger.Warn("broadcast lookup failed", "ride_id", ride.ID, "error", err)
			continue
		}
		if rec.Status != models.BroadcastActive || rec.RadiusKm >= maxKm {
			continue
		}
		inc := incrementKm
		if rec.RadiusKm+inc > maxKm {
			inc = maxKm - rec.RadiusKm
		}
		if _, err := exp.Expand(ctx, ride.ID, inc); err != nil {
			logger.Warn("expansion failed", "ride_id", ride.ID, "error", err)
			continue
		}
		expanded++
	}
	return expanded
}
