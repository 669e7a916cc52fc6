// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Settlement layer
	SettlementBacked   bool // When true, the external settlement layer is authoritative
	RPCURL             string
	ChainID            int64
	PrivateKey         string // Hex-encoded, no 0x prefix
	TokenContract      string // CES ERC-20 contract address
	EscrowContract     string // On-chain escrow contract address
	SettlementTimeout  time.Duration
	SettlementAttempts int

	// Concurrency
	LockWaitTimeout time.Duration // Max wait for a per-trade/per-account lock

	// Reconciliation
	ReconcileInterval time.Duration
	ReconcileEpsilon  string // Max tolerated drift in CES before an account is flagged
	OrphanGracePeriod time.Duration

	// Anti-fraud
	MinAccountAge       time.Duration
	HourlyOrderCap      int
	DailyOrderCap       int
	PriceDeviationFrac  float64 // Fraction of 24h average beyond which a price is suspicious
	MinCompletionRatio  float64
	MinReputationSample int
	NewAccountValueCap  string // Order value cap for young accounts, in CES
	NewAccountAge       time.Duration
	SuspiciousTTL       time.Duration
	SuspiciousDenyCount int

	// Disputes
	EscalationWindow time.Duration // Time before an unattended dispute escalates

	// Observability
	OTLPEndpoint string
}

const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultChainID            = 84532 // Base Sepolia
	DefaultRPCURL             = "https://sepolia.base.org"
	DefaultSettlementTimeout  = 30 * time.Second
	DefaultSettlementAttempts = 5
	DefaultLockWaitTimeout    = 10 * time.Second
	DefaultReconcileInterval  = 5 * time.Minute
	DefaultReconcileEpsilon   = "0.000001"
	DefaultOrphanGrace        = 30 * time.Minute
	DefaultEscalationWindow   = 24 * time.Hour
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          getEnv("LOG_FORMAT", "text"),
		DatabaseURL:        os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		SettlementBacked:   getEnvBool("SETTLEMENT_BACKED", false),
		RPCURL:             getEnv("RPC_URL", DefaultRPCURL),
		ChainID:            getEnvInt64("CHAIN_ID", DefaultChainID),
		PrivateKey:         os.Getenv("PRIVATE_KEY"),
		TokenContract:      os.Getenv("TOKEN_CONTRACT"),
		EscrowContract:     os.Getenv("ESCROW_CONTRACT"),
		SettlementTimeout:  getEnvDuration("SETTLEMENT_TIMEOUT", DefaultSettlementTimeout),
		SettlementAttempts: int(getEnvInt64("SETTLEMENT_ATTEMPTS", DefaultSettlementAttempts)),
		LockWaitTimeout:    getEnvDuration("LOCK_WAIT_TIMEOUT", DefaultLockWaitTimeout),
		ReconcileInterval:  getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		ReconcileEpsilon:   getEnv("RECONCILE_EPSILON", DefaultReconcileEpsilon),
		OrphanGracePeriod:  getEnvDuration("ORPHAN_GRACE_PERIOD", DefaultOrphanGrace),

		MinAccountAge:       getEnvDuration("MIN_ACCOUNT_AGE", 24*time.Hour),
		HourlyOrderCap:      int(getEnvInt64("HOURLY_ORDER_CAP", 10)),
		DailyOrderCap:       int(getEnvInt64("DAILY_ORDER_CAP", 50)),
		PriceDeviationFrac:  getEnvFloat("PRICE_DEVIATION_FRAC", 0.3),
		MinCompletionRatio:  getEnvFloat("MIN_COMPLETION_RATIO", 0.5),
		MinReputationSample: int(getEnvInt64("MIN_REPUTATION_SAMPLE", 5)),
		NewAccountValueCap:  getEnv("NEW_ACCOUNT_VALUE_CAP", "10000"),
		NewAccountAge:       getEnvDuration("NEW_ACCOUNT_AGE", 72*time.Hour),
		SuspiciousTTL:       getEnvDuration("SUSPICIOUS_TTL", time.Hour),
		SuspiciousDenyCount: int(getEnvInt64("SUSPICIOUS_DENY_COUNT", 3)),

		EscalationWindow: getEnvDuration("ESCALATION_WINDOW", DefaultEscalationWindow),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present.
func (c *Config) Validate() error {
	if c.SettlementAttempts <= 0 {
		return fmt.Errorf("SETTLEMENT_ATTEMPTS must be positive")
	}

	if !c.SettlementBacked {
		// Local-only mode needs no chain credentials.
		return nil
	}

	if c.PrivateKey == "" {
		return fmt.Errorf("PRIVATE_KEY is required in settlement-backed mode")
	}
	key := c.PrivateKey
	if len(key) == 66 && key[:2] == "0x" {
		key = key[2:]
	}
	if len(key) != 64 {
		return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}

	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required in settlement-backed mode")
	}
	if c.TokenContract == "" {
		return fmt.Errorf("TOKEN_CONTRACT is required in settlement-backed mode")
	}
	if c.EscrowContract == "" {
		return fmt.Errorf("ESCROW_CONTRACT is required in settlement-backed mode")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
