package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Server configuration
	Port        string
	Environment string

	// Redis configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// Payment gateway configuration
	GatewayBaseURL    string
	GatewayMerchantID string
	GatewaySecret     string
	GatewayCurrency   string
	GatewayTimeout    time.Duration
	GatewayMaxRetries int

	// Ticket signing
	QRSigningKey string

	// Reservation hold configuration
	HoldDuration   time.Duration
	ReaperInterval time.Duration

	// Callback / check-in configuration
	CallbackDedupTTL   time.Duration
	ScanDebounceWindow time.Duration
	ScanRateLimit      int

	// PubNub configuration (buyer notifications)
	PubNubPublishKey   string
	PubNubSubscribeKey string
	PubNubSecretKey    string

	// Monitoring
	EnableMetrics bool
	MetricsPort   string
}

func LoadConfig() *Config {
	return &Config{
		// Server
		Port:        getEnv("PORT", "8090"),
		Environment: getEnv("ENVIRONMENT", "development"),

		// Redis
		RedisURL:      getEnv("REDIS_URL", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		// Gateway
		GatewayBaseURL:    getEnv("GATEWAY_BASE_URL", "https://pay.example.com"),
		GatewayMerchantID: getEnv("GATEWAY_MERCHANT_ID", ""),
		GatewaySecret:     getEnv("GATEWAY_SECRET", ""),
		GatewayCurrency:   getEnv("GATEWAY_CURRENCY", "USD"),
		GatewayTimeout:    getEnvAsDuration("GATEWAY_TIMEOUT", "10s"),
		GatewayMaxRetries: getEnvAsInt("GATEWAY_MAX_RETRIES", 3),

		// Tickets
		QRSigningKey: getEnv("QR_SIGNING_KEY", ""),

		// Holds
		HoldDuration:   getEnvAsDuration("HOLD_DURATION", "15m"),
		ReaperInterval: getEnvAsDuration("REAPER_INTERVAL", "1m"),

		// Callbacks / check-in
		CallbackDedupTTL:   getEnvAsDuration("CALLBACK_DEDUP_TTL", "72h"),
		ScanDebounceWindow: getEnvAsDuration("SCAN_DEBOUNCE_WINDOW", "3s"),
		ScanRateLimit:      getEnvAsInt("SCAN_RATE_LIMIT", 30),

		// PubNub
		PubNubPublishKey:   getEnv("PUBNUB_PUBLISH_KEY", ""),
		PubNubSubscribeKey: getEnv("PUBNUB_SUBSCRIBE_KEY", ""),
		PubNubSecretKey:    getEnv("PUBNUB_SECRET_KEY", ""),

		// Monitoring
		EnableMetrics: getEnvAsBool("ENABLE_METRICS", true),
		MetricsPort:   getEnv("METRICS_PORT", "9090"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := getEnv(key, defaultValue)
	if duration, err := time.ParseDuration(valueStr); err == nil {
		return duration
	}
	// If parsing fails, try to parse default value
	duration, _ := time.ParseDuration(defaultValue)
	return duration
}
