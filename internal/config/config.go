// Package config handles daemon configuration from environment variables
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Network identifies the Bitcoin network the node runs against.
type Network string

const (
	NetworkMainnet Network = "BTC_MAINNET"
	NetworkTestnet Network = "BTC_TESTNET"
	NetworkRegtest Network = "BTC_REGTEST"
)

// Config holds all daemon configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage
	DataDir string

	// Network
	BaseCurrencyNetwork Network
	UseLocalhostForP2P  bool
	MinBroadcastPeers   int

	// Node identity
	PrivateKey      string // Hex-encoded secp256k1 key, no 0x prefix. Generated when empty.
	IsDisputeAgent  bool
	AgentAddress    string // Onion address the agent registers under
	DonationAddress []string

	// Operator console
	AllowedOrigins []string // Browser origins allowed to read the console

	// Housekeeping
	ClearDataAfterDays int

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort               = "8090"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
	DefaultDataDir            = "./data"
	DefaultNetwork            = NetworkMainnet
	DefaultClearDataAfterDays = 20
	DefaultMinBroadcastPeers  = 4
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DataDir:             getEnv("DATA_DIR", DefaultDataDir),
		BaseCurrencyNetwork: Network(getEnv("BASE_CURRENCY_NETWORK", string(DefaultNetwork))),
		UseLocalhostForP2P:  getEnvBool("USE_LOCALHOST_FOR_P2P", false),
		MinBroadcastPeers:   int(getEnvInt64("MIN_BROADCAST_PEERS", DefaultMinBroadcastPeers)),
		PrivateKey:          os.Getenv("PRIVATE_KEY"), // Optional, generated on first start
		IsDisputeAgent:      getEnvBool("IS_DISPUTE_AGENT", false),
		AgentAddress:        os.Getenv("AGENT_ADDRESS"),
		DonationAddress:     getEnvList("DONATION_ADDRESSES"),
		AllowedOrigins:      getEnvList("CONSOLE_ALLOWED_ORIGINS"),
		ClearDataAfterDays:  int(getEnvInt64("CLEAR_DATA_AFTER_DAYS", DefaultClearDataAfterDays)),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that configuration is valid
func (c *Config) Validate() error {
	switch c.BaseCurrencyNetwork {
	case NetworkMainnet, NetworkTestnet, NetworkRegtest:
	default:
		return fmt.Errorf("BASE_CURRENCY_NETWORK must be one of BTC_MAINNET, BTC_TESTNET, BTC_REGTEST, got %q", c.BaseCurrencyNetwork)
	}

	if c.PrivateKey != "" {
		if len(c.PrivateKey) != 64 {
			return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (32 bytes)")
		}
		if _, err := hex.DecodeString(c.PrivateKey); err != nil {
			return fmt.Errorf("PRIVATE_KEY must be hex encoded: %w", err)
		}
	}

	if c.DataDir == "" {
		return fmt.Errorf("DATA_DIR must not be empty")
	}
	if c.ClearDataAfterDays < 1 {
		return fmt.Errorf("CLEAR_DATA_AFTER_DAYS must be at least 1")
	}
	if c.MinBroadcastPeers < 1 {
		return fmt.Errorf("MIN_BROADCAST_PEERS must be at least 1")
	}
	if c.IsDisputeAgent && c.AgentAddress == "" {
		return fmt.Errorf("AGENT_ADDRESS is required when IS_DISPUTE_AGENT is set")
	}

	return nil
}

// IsLocalNetwork reports whether peers are addressed on localhost, which
// relaxes onion address checks.
func (c *Config) IsLocalNetwork() bool {
	return c.UseLocalhostForP2P || c.BaseCurrencyNetwork == NetworkRegtest
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

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

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
