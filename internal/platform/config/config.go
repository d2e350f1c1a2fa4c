package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// RadiusStep is one progressive-search expansion: search within KM, then wait
// Timeout before widening.
type RadiusStep struct {
	KM      float64
	Timeout time.Duration
}

// Config is centralized process configuration.
// Keep infra values here and pass typed config into builders.
type Config struct {
	ServiceName string
	Environment string
	HTTPPort    string
	PostgresDSN string
	JWTSecret   string

	SharedStoreURL            string
	SharedStoreMaxRetries     int
	SharedStoreCommandTimeout time.Duration
	SharedStorePoolSize       int

	BroadcastTimeout      time.Duration
	RadiusSteps           []RadiusStep
	RadiusPerStepLimit    int
	MaxConnectionsPerUser int

	PresenceTTLDriver      time.Duration
	PresenceTTLTransporter time.Duration
	StaleCleanupInterval   time.Duration
	TimerDrainInterval     time.Duration
}

// DefaultRadiusSteps is the expansion schedule used when RADIUS_STEPS is
// absent or unparseable.
var DefaultRadiusSteps = []RadiusStep{
	{KM: 10, Timeout: 15 * time.Second},
	{KM: 25, Timeout: 15 * time.Second},
	{KM: 50, Timeout: 15 * time.Second},
	{KM: 75, Timeout: 15 * time.Second},
}

func Load() (Config, error) {
	service := os.Getenv("SERVICE_NAME")
	if service == "" {
		service = "haulmatch"
	}

	env := strings.ToLower(strings.TrimSpace(os.Getenv("APP_ENV")))
	if env == "" {
		env = "development"
	}

	port := os.Getenv("HTTP_PORT")
	if port == "" {
		port = "8080"
	}

	storeURL := os.Getenv("SHARED_STORE_URL")
	if storeURL == "" {
		storeURL = "redis://localhost:6379/0"
	}

	cfg := Config{
		ServiceName: service,
		Environment: env,
		HTTPPort:    port,
		PostgresDSN: os.Getenv("POSTGRES_DSN"),
		JWTSecret:   os.Getenv("JWT_SECRET"),

		SharedStoreURL:            storeURL,
		SharedStoreMaxRetries:     envInt("SHARED_STORE_MAX_RETRIES", 3),
		SharedStoreCommandTimeout: envDurationMS("SHARED_STORE_COMMAND_TIMEOUT_MS", 3000),
		SharedStorePoolSize:       envInt("SHARED_STORE_POOL_SIZE", 64),

		BroadcastTimeout:      time.Duration(envInt("BROADCAST_TIMEOUT_SECONDS", 120)) * time.Second,
		RadiusSteps:           parseRadiusSteps(os.Getenv("RADIUS_STEPS")),
		RadiusPerStepLimit:    envInt("RADIUS_PER_STEP_LIMIT", 20),
		MaxConnectionsPerUser: envInt("MAX_CONNECTIONS_PER_USER", 5),

		PresenceTTLDriver:      time.Duration(envInt("PRESENCE_TTL_SECONDS", 60)) * time.Second,
		PresenceTTLTransporter: time.Duration(envInt("PRESENCE_TTL_TRANSPORTER_SECONDS", 120)) * time.Second,
		StaleCleanupInterval:   envDurationMS("STALE_CLEANUP_INTERVAL_MS", 30000),
		TimerDrainInterval:     envDurationMS("TIMER_DRAIN_INTERVAL_MS", 5000),
	}

	var stepTotal time.Duration
	for _, step := range cfg.RadiusSteps {
		stepTotal += step.Timeout
	}
	if cfg.BroadcastTimeout < stepTotal {
		return Config{}, fmt.Errorf(
			"BROADCAST_TIMEOUT_SECONDS (%s) must cover the radius step schedule (%s)",
			cfg.BroadcastTimeout, stepTotal,
		)
	}
	return cfg, nil
}

// IsProduction reports whether a missing shared store should be fatal instead
// of falling back to the in-process store.
func (c Config) IsProduction() bool {
	return c.Environment == "production"
}

// parseRadiusSteps reads "km:timeout_ms" pairs, comma separated, e.g.
// "10:15000,25:15000,50:15000,75:15000".
func parseRadiusSteps(raw string) []RadiusStep {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DefaultRadiusSteps
	}
	var steps []RadiusStep
	for _, pair := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), ":", 2)
		if len(parts) != 2 {
			return DefaultRadiusSteps
		}
		km, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
		if err != nil || km <= 0 {
			return DefaultRadiusSteps
		}
		ms, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil || ms <= 0 {
			return DefaultRadiusSteps
		}
		steps = append(steps, RadiusStep{KM: km, Timeout: time.Duration(ms) * time.Millisecond})
	}
	if len(steps) == 0 {
		return DefaultRadiusSteps
	}
	return steps
}

func envInt(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func envDurationMS(name string, fallbackMS int) time.Duration {
	return time.Duration(envInt(name, fallbackMS)) * time.Millisecond
}
