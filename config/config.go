// Package config loads engine configuration from the environment. Values are
// read once and handed to constructors explicitly; nothing here is consulted
// at runtime.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config carries everything the facilitator needs at startup. Private keys
// stay hex strings here; the engine parses them once during construction.
type Config struct {
	// Chain
	RPCURL  string
	ChainID uint64

	// Token presented in quotes; TokenAddress is the optional ERC-20
	// contract recognized by the transfer verifier (empty = native only).
	TokenSymbol  string
	TokenAddress string

	// PayTo is the collection account all settlements must fund.
	PayTo string

	// FacilitatorKey relays transfers for signature-only payers;
	// ServiceKey funds settlements when a payer supplies no proof at all.
	// Either may be empty, disabling that path.
	FacilitatorKey string
	ServiceKey     string

	// Durable store (Postgres). Empty means in-memory ledger.
	DBSource string

	// Confirmation timeout in seconds for broadcast transfers.
	ConfirmTimeoutSeconds int

	LogLevel      string
	EnableMetrics bool
}

// Load reads the environment, honoring a .env file when present.
func Load() (*Config, error) {
	// A missing .env is fine; the environment may be set directly.
	_ = godotenv.Load()

	cfg := &Config{
		RPCURL:                getEnv("RPC_URL", "https://testnet-rpc.monad.xyz"),
		ChainID:               uint64(getEnvInt("CHAIN_ID", 10143)),
		TokenSymbol:           getEnv("TOKEN_SYMBOL", "MON"),
		TokenAddress:          getEnv("TOKEN_ADDRESS", ""),
		PayTo:                 getEnv("PAY_TO", ""),
		FacilitatorKey:        getEnv("FACILITATOR_PRIVATE_KEY", ""),
		ServiceKey:            getEnv("SERVICE_PRIVATE_KEY", ""),
		DBSource:              getEnv("DB_SOURCE", ""),
		ConfirmTimeoutSeconds: getEnvInt("CONFIRM_TIMEOUT_SECONDS", 120),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		EnableMetrics:         getEnvBool("ENABLE_METRICS", false),
	}

	if cfg.PayTo == "" {
		return nil, fmt.Errorf("PAY_TO environment variable is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
