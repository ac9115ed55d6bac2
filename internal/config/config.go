package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the service's environment-driven configuration:
// godotenv.Load, then getEnv/getEnvX helpers with hardcoded defaults.
type Config struct {
	// Server configuration (demonstration ingress only)
	Port string
	Mode string

	// Database configuration
	DatabaseURL string

	// Redis configuration (reconciliation lease + cheap caching)
	RedisURL string

	// Brevo email configuration (subscription-activated notifications)
	BrevoAPIKey    string
	BrevoFromEmail string

	// Engine temporal configuration
	PurchaseExpiresAfter             time.Duration
	RenewalBefore                    time.Duration
	ReconciliationLeaseTTL           time.Duration
	CascadeExpiredInitialTransaction bool

	// MaxCASRetries bounds the internal retry of optimistic-lock conflicts
	// before they surface to the caller.
	MaxCASRetries int

	ServiceName string
}

var AppConfig *Config

// InitConfig loads configuration from the environment into AppConfig.
func InitConfig() error {
	if err := godotenv.Load(); err != nil {
		// Ignore error if .env file doesn't exist.
	}

	AppConfig = &Config{
		Port:        getEnv("PORT", "8080"),
		Mode:        getEnv("GIN_MODE", "debug"),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379/0"),

		BrevoAPIKey:    getEnv("BREVO_API_KEY", ""),
		BrevoFromEmail: getEnv("BREVO_FROM_EMAIL", ""),

		PurchaseExpiresAfter:             getEnvDuration("PURCHASE_EXPIRES_AFTER", 24*time.Hour),
		RenewalBefore:                    getEnvDuration("RENEWAL_BEFORE", time.Hour),
		ReconciliationLeaseTTL:           getEnvDuration("RECONCILIATION_LEASE_TTL", 5*time.Minute),
		CascadeExpiredInitialTransaction: getEnvBool("CASCADE_EXPIRED_INITIAL_TRANSACTION", true),

		MaxCASRetries: getEnvInt("MAX_CAS_RETRIES", 3),

		ServiceName: getEnv("SERVICE_NAME", "payments-engine"),
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
