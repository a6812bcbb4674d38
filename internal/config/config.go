package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the dispatch API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string

	KafkaBrokers   []string
	LocationTopic  string
	RideEventTopic string

	PGDSN string

	BaseRadiusKm      float64
	RadiusIncrementKm float64
	MaxRadiusKm       float64
	AvgSpeedKmh       float64
	BroadcastTTL      time.Duration
	LockTTL           time.Duration
	CancellationFee   float64
	SuspensionLimit   int
	SuspensionWindow  time.Duration

	PushEndpoint string

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,

		LocationTopic:  "driver-locations",
		RideEventTopic: "ride-events",

		BaseRadiusKm:      5,
		RadiusIncrementKm: 2.5,
		MaxRadiusKm:       20,
		AvgSpeedKmh:       30,
		BroadcastTTL:      10 * time.Minute,
		LockTTL:           10 * time.Second,
		CancellationFee:   20,
		SuspensionLimit:   3,
		SuspensionWindow:  24 * time.Hour,

		LogLevel: "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.LocationTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.RideEventTopic, "KAFKA_RIDE_EVENT_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setFloatFromEnv(&cfg.BaseRadiusKm, "BASE_RADIUS_KM", &errs)
	setFloatFromEnv(&cfg.RadiusIncrementKm, "RADIUS_INCREMENT_KM", &errs)
	setFloatFromEnv(&cfg.MaxRadiusKm, "MAX_RADIUS_KM", &errs)
	setFloatFromEnv(&cfg.AvgSpeedKmh, "AVG_SPEED_KMH", &errs)
	setDurationFromEnv(&cfg.BroadcastTTL, "BROADCAST_TTL", &errs)
	setDurationFromEnv(&cfg.LockTTL, "LOCK_TTL", &errs)
	setFloatFromEnv(&cfg.CancellationFee, "CANCELLATION_FEE", &errs)
	setIntFromEnv(&cfg.SuspensionLimit, "SUSPENSION_LIMIT", &errs)
	setDurationFromEnv(&cfg.SuspensionWindow, "SUSPENSION_WINDOW", &errs)

	setStringFromEnv(&cfg.PushEndpoint, "PUSH_ENDPOINT")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.BaseRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("BASE_RADIUS_KM must be > 0"))
	}
	if cfg.RadiusIncrementKm <= 0 {
		errs = append(errs, fmt.Errorf("RADIUS_INCREMENT_KM must be > 0"))
	}
	if cfg.AvgSpeedKmh <= 0 {
		errs = append(errs, fmt.Errorf("AVG_SPEED_KMH must be > 0"))
	}
	if cfg.SuspensionLimit <= 0 {
		errs = append(errs, fmt.Errorf("SUSPENSION_LIMIT must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// WorkerConfig drives the background worker: the kafka location consumer,
// the periodic radius-expansion sweep and the suspension-lift job.
type WorkerConfig struct {
	MetricsAddr string

	RedisAddr     string
	RedisPassword string

	KafkaBrokers  []string
	LocationTopic string
	KafkaGroup    string

	PGDSN string

	RadiusIncrementKm float64
	MaxRadiusKm       float64
	ExpandInterval    time.Duration
	BroadcastTTL      time.Duration
	SuspensionWindow  time.Duration

	LogLevel string
}

func LoadWorkerConfig() (WorkerConfig, error) {
	cfg := WorkerConfig{
		MetricsAddr:       ":2112",
		LocationTopic:     "driver-locations",
		KafkaGroup:        "ride-dispatch-worker",
		RadiusIncrementKm: 2.5,
		MaxRadiusKm:       20,
		ExpandInterval:    2 * time.Minute,
		BroadcastTTL:      10 * time.Minute,
		SuspensionWindow:  24 * time.Hour,
		LogLevel:          "info",
	}
	var errs []error

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.LocationTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	cfg.PGDSN = os.Getenv("PG_DSN")
	setFloatFromEnv(&cfg.RadiusIncrementKm, "RADIUS_INCREMENT_KM", &errs)
	setFloatFromEnv(&cfg.MaxRadiusKm, "MAX_RADIUS_KM", &errs)
	setDurationFromEnv(&cfg.ExpandInterval, "EXPAND_INTERVAL", &errs)
	setDurationFromEnv(&cfg.BroadcastTTL, "BROADCAST_TTL", &errs)
	setDurationFromEnv(&cfg.SuspensionWindow, "SUSPENSION_WINDOW", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.ExpandInterval <= 0 {
		errs = append(errs, fmt.Errorf("EXPAND_INTERVAL must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
