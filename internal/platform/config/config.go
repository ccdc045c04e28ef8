package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is centralized process configuration.
// Keep infra values here and pass typed config into builders.
type Config struct {
	ServiceName string
	HTTPPort    string
	PostgresDSN string
	NATSURL     string

	DispatcherTickInterval time.Duration
	DispatcherBatchSize    int
	DispatcherSourceURI    string

	SagaTimeout            time.Duration
	SagaOptimisticRetryCap int

	BusDLQAttemptCap int

	OTLPEndpoint string
}

func Load() (Config, error) {
	service := os.Getenv("SERVICE_NAME")
	if service == "" {
		service = "aurum"
	}

	port := os.Getenv("HTTP_PORT")
	if port == "" {
		port = "8080"
	}

	natsURL := strings.TrimSpace(os.Getenv("NATS_URL"))
	if natsURL == "" {
		natsURL = "nats://localhost:4222"
	}

	sourceURI := strings.TrimSpace(os.Getenv("DISPATCHER_SOURCE_URI"))
	if sourceURI == "" {
		sourceURI = "urn:aurum:wallet-core"
	}

	return Config{
		ServiceName: service,
		HTTPPort:    port,
		PostgresDSN: os.Getenv("POSTGRES_DSN"),
		NATSURL:     natsURL,

		DispatcherTickInterval: envDuration("DISPATCHER_TICK_INTERVAL", 5*time.Second),
		DispatcherBatchSize:    envInt("DISPATCHER_BATCH_SIZE", 100),
		DispatcherSourceURI:    sourceURI,

		SagaTimeout:            envDuration("SAGA_TIMEOUT", 30*time.Minute),
		SagaOptimisticRetryCap: envInt("SAGA_OPTIMISTIC_RETRY_CAP", 3),

		BusDLQAttemptCap: envInt("BUS_DLQ_ATTEMPT_CAP", 3),

		OTLPEndpoint: strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
	}, nil
}

func envInt(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

func envDuration(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}
