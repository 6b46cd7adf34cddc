// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Chain settings for the deposit listener
	RPCURL          string
	ChainID         int64
	TreasuryAddress string // deposits are credited when sent here
	TokenContract   string // ERC-20 contract to watch; empty means native transfers
	Confirmations   int64  // blocks behind head the listener trails
	StartBlock      int64  // first block to scan when no checkpoint exists

	// Proxy settings
	ForwardTimeout        time.Duration
	RefundOnForwardFailed bool // refund buyer when the upstream call fails after debit

	// Router settings
	RouterMode      string // "keyword" or "worker"
	RouterWorkerURL string

	// Security
	RateLimitRPS  int
	FaucetEnabled bool // dev-only balance faucet

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint, empty disables tracing
}

const (
	DefaultRPCURL        = "https://sepolia.base.org"
	DefaultChainID       = 84532 // Base Sepolia
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultConfirmations = 2
	DefaultFwdTimeout    = 30
	DefaultRateLimit     = 100
	DefaultRouterMode    = "keyword"
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:           os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RPCURL:                getEnv("RPC_URL", DefaultRPCURL),
		ChainID:               getEnvInt64("CHAIN_ID", DefaultChainID),
		TreasuryAddress:       os.Getenv("TREASURY_ADDRESS"),
		TokenContract:         os.Getenv("TOKEN_CONTRACT"),
		Confirmations:         getEnvInt64("CONFIRMATIONS", DefaultConfirmations),
		StartBlock:            getEnvInt64("START_BLOCK", 0),
		ForwardTimeout:        time.Duration(getEnvInt64("FORWARD_TIMEOUT_SECONDS", DefaultFwdTimeout)) * time.Second,
		RefundOnForwardFailed: getEnvBool("REFUND_ON_FORWARD_FAILURE", false),
		RouterMode:            getEnv("ROUTER_MODE", DefaultRouterMode),
		RouterWorkerURL:       os.Getenv("ROUTER_WORKER_URL"),
		RateLimitRPS:          int(getEnvInt64("RATE_LIMIT_RPS", DefaultRateLimit)),
		FaucetEnabled:         getEnvBool("FAUCET_ENABLED", false),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present.
func (c *Config) Validate() error {
	if c.RouterMode != "keyword" && c.RouterMode != "worker" {
		return fmt.Errorf("ROUTER_MODE must be \"keyword\" or \"worker\", got %q", c.RouterMode)
	}
	if c.RouterMode == "worker" && c.RouterWorkerURL == "" {
		return fmt.Errorf("ROUTER_WORKER_URL is required when ROUTER_MODE=worker")
	}
	if c.FaucetEnabled && c.IsProduction() {
		return fmt.Errorf("FAUCET_ENABLED must not be set in production")
	}
	return nil
}

// ListenerConfig holds the subset of configuration the deposit listener needs.
// Validate is separate because the HTTP server runs without chain access.
func (c *Config) ValidateListener() error {
	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}
	if c.TreasuryAddress == "" {
		return fmt.Errorf("TREASURY_ADDRESS is required")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
