package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds all application configuration
type Config struct {
	ServiceName string
	HTTPPort    int
	Database    DatabaseConfig
	RabbitMQ    RabbitMQConfig
	Billing     BillingConfig
	Commands    CommandConfig
	Offline     OfflineConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL string
}

// RabbitMQConfig holds RabbitMQ connection and queue settings
type RabbitMQConfig struct {
	URL              string
	IngestExchange   string
	IngestQueue      string
	IngestRoutingKey string
	EventsExchange   string
	DLQQueue         string
	PrefetchCount    int
}

// BillingConfig holds balance and alerting thresholds
type BillingConfig struct {
	LowBalanceRatio float64
	SystemActorID   int64
}

// CommandConfig holds digital-output command settings
type CommandConfig struct {
	DefaultMaxRetries int
	ClaimLeaseSeconds int
	ClaimBatchSize    int
}

// OfflineConfig holds the device offline sweep settings
type OfflineConfig struct {
	SweepIntervalSeconds int
	OfflineAfterMinutes  int
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "prepaid-metering-worker"),
		HTTPPort:    getEnvAsInt("HTTP_PORT", 8082),
		Database: DatabaseConfig{
			URL: getEnv("DATABASE_URL", ""),
		},
		RabbitMQ: RabbitMQConfig{
			URL:              getEnv("RABBITMQ_URL", ""),
			IngestExchange:   getEnv("RABBITMQ_INGEST_EXCHANGE", "prepaid-metering.ingest.exchange"),
			IngestQueue:      getEnv("RABBITMQ_INGEST_QUEUE", "prepaid-metering.ingest.queue"),
			IngestRoutingKey: getEnv("RABBITMQ_INGEST_ROUTING_KEY", "meter.reading.raw"),
			EventsExchange:   getEnv("RABBITMQ_EVENTS_EXCHANGE", "prepaid-metering.events.exchange"),
			DLQQueue:         getEnv("RABBITMQ_DLQ_QUEUE", "prepaid-metering.ingest.dlq"),
			PrefetchCount:    getEnvAsInt("RABBITMQ_PREFETCH", 10),
		},
		Billing: BillingConfig{
			LowBalanceRatio: getEnvAsFloat("LOW_BALANCE_RATIO", 0.2),
			SystemActorID:   int64(getEnvAsInt("SYSTEM_ACTOR_ID", 1)),
		},
		Commands: CommandConfig{
			DefaultMaxRetries: getEnvAsInt("COMMAND_DEFAULT_MAX_RETRIES", 3),
			ClaimLeaseSeconds: getEnvAsInt("COMMAND_CLAIM_LEASE_SECONDS", 30),
			ClaimBatchSize:    getEnvAsInt("COMMAND_CLAIM_BATCH_SIZE", 20),
		},
		Offline: OfflineConfig{
			SweepIntervalSeconds: getEnvAsInt("OFFLINE_SWEEP_INTERVAL_SECONDS", 60),
			OfflineAfterMinutes:  getEnvAsInt("OFFLINE_AFTER_MINUTES", 3),
		},
	}

	// Validate required fields
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required but not set in environment variables")
	}
	if cfg.RabbitMQ.URL == "" {
		return nil, fmt.Errorf("RABBITMQ_URL is required but not set in environment variables")
	}
	if cfg.Billing.LowBalanceRatio < 0 || cfg.Billing.LowBalanceRatio > 1 {
		return nil, fmt.Errorf("LOW_BALANCE_RATIO must be between 0 and 1, got %f", cfg.Billing.LowBalanceRatio)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}
