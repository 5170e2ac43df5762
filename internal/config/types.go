package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err == nil {
			d.Duration = parsed
			return nil
		}
		secs, convErr := time.ParseDuration(fmt.Sprintf("%ss", raw))
		if convErr == nil {
			d.Duration = secs
			return nil
		}
		return fmt.Errorf("invalid duration value %q: %w", raw, err)
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// MarshalYAML renders the duration as a string to keep config edits human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds application level configuration aggregated from file and environment variables.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Logging        LoggingConfig        `yaml:"logging"`
	X402           X402Config           `yaml:"x402"`
	Refunds        RefundConfig         `yaml:"refunds"`
	Monitoring     MonitoringConfig     `yaml:"monitoring"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	APIKey         APIKeyConfig         `yaml:"api_key"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	RoutePrefix        string   `yaml:"route_prefix"`          // Optional prefix for all routes (e.g., "/x402")
	AdminMetricsAPIKey string   `yaml:"admin_metrics_api_key"` // Optional API key to protect /metrics endpoint (leave empty to disable protection)
}

// ChainConfig describes one network the facilitator can verify and settle against.
type ChainConfig struct {
	RPCURL        string `yaml:"rpc_url"`
	WSURL         string `yaml:"ws_url"`   // Solana only
	ChainID       uint64 `yaml:"chain_id"` // EVM only
	CAIP2         string `yaml:"caip2"`
	TokenDecimals uint8  `yaml:"token_decimals"`
}

// X402Config holds protocol-wide and per-chain facilitator configuration.
type X402Config struct {
	Chains                        map[string]ChainConfig `yaml:"chains"`
	TokenMint                     string                 `yaml:"token_mint"` // default Solana token mint for settlement requirements that don't specify one
	AllowedTokens                 []string               `yaml:"allowed_tokens"`
	SkipPreflight                 bool                   `yaml:"skip_preflight"`
	Commitment                    string                 `yaml:"commitment"`
	GaslessEnabled                bool                   `yaml:"gasless_enabled"`                   // facilitator sponsors network fees
	AutoCreateTokenAccount        bool                   `yaml:"auto_create_token_account"`         // auto-create missing recipient token accounts
	ServerWalletKeys              []string               `yaml:"-"`                                 // loaded from env (X402_SERVER_WALLET_1, X402_SERVER_WALLET_2, ...)
	EVMSettlementKeys             []string               `yaml:"-"`                                 // loaded from env (X402_EVM_SETTLEMENT_KEY_1, ...)
	TxQueueMinTimeBetween         Duration               `yaml:"tx_queue_min_time_between"`         // minimum time between Solana transaction sends
	TxQueueMaxInFlight            int                    `yaml:"tx_queue_max_in_flight"`            // maximum concurrent in-flight Solana transactions
	ComputeUnitLimit              uint32                 `yaml:"compute_unit_limit"`                // Solana compute unit limit (default: 200000)
	ComputeUnitPriceMicroLamports uint64                 `yaml:"compute_unit_price_micro_lamports"` // Solana priority fee in microlamports per CU (default: 50000, improves landing)
	NonceTTL                      Duration               `yaml:"nonce_ttl"`                         // how long a (nonce, from, chain) tuple is held before expiry
}

// RefundConfig holds refund-claim intake configuration.
type RefundConfig struct {
	Enabled      bool               `yaml:"enabled"`
	PostgresURL  string             `yaml:"postgres_url"`
	PostgresPool PostgresPoolConfig `yaml:"postgres_pool"`
}

// MonitoringConfig holds balance monitoring configuration.
type MonitoringConfig struct {
	LowBalanceAlertURL  string            `yaml:"low_balance_alert_url"` // webhook URL for low balance alerts (Discord, Slack, etc.)
	LowBalanceThreshold float64           `yaml:"low_balance_threshold"` // SOL / native-token threshold to trigger alert
	CheckInterval       Duration          `yaml:"check_interval"`        // how often to check wallet balances
	Headers             map[string]string `yaml:"headers"`               // custom headers for webhook
	BodyTemplate        string            `yaml:"body_template"`         // custom body template (Go template)
	Timeout             Duration          `yaml:"timeout"`               // request timeout
}

// PostgresPoolConfig holds PostgreSQL connection pool settings.
type PostgresPoolConfig struct {
	MaxOpenConns    int      `yaml:"max_open_conns"`    // maximum number of open connections (default: 25)
	MaxIdleConns    int      `yaml:"max_idle_conns"`    // maximum number of idle connections (default: 5)
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"` // maximum lifetime of connections (default: 5m)
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`       // debug, info, warn, error (default: info)
	Format      string `yaml:"format"`      // json, console (default: json)
	Environment string `yaml:"environment"` // production, staging, development
}

// RateLimitConfig holds rate limiting configuration.
// Provides multi-tier rate limiting to prevent spam while allowing legitimate use.
type RateLimitConfig struct {
	// Global rate limiting (across all users)
	GlobalEnabled bool     `yaml:"global_enabled"`
	GlobalLimit   int      `yaml:"global_limit"`
	GlobalWindow  Duration `yaml:"global_window"`

	// Per-wallet rate limiting (identified by X-Wallet / X-Signer header)
	PerWalletEnabled bool     `yaml:"per_wallet_enabled"`
	PerWalletLimit   int      `yaml:"per_wallet_limit"`
	PerWalletWindow  Duration `yaml:"per_wallet_window"`

	// Per-IP rate limiting (fallback when wallet not identified)
	PerIPEnabled bool     `yaml:"per_ip_enabled"`
	PerIPLimit   int      `yaml:"per_ip_limit"`
	PerIPWindow  Duration `yaml:"per_ip_window"`
}

// APIKeyConfig holds API key authentication and tier configuration.
// Allows trusted partners to bypass rate limits via X-API-Key header.
type APIKeyConfig struct {
	Enabled bool              `yaml:"enabled"` // enable API key authentication (default: false)
	Keys    map[string]string `yaml:"keys"`    // map of API key -> tier (free, pro, enterprise, partner)
}

// CircuitBreakerConfig holds circuit breaker configuration for upstream chain RPC endpoints.
// Prevents cascading failures by failing fast when an RPC provider is degraded.
type CircuitBreakerConfig struct {
	Enabled   bool                 `yaml:"enabled"`    // enable circuit breakers (default: true)
	EVMRPC    BreakerServiceConfig `yaml:"evm_rpc"`    // EVM RPC circuit breaker
	SolanaRPC BreakerServiceConfig `yaml:"solana_rpc"` // Solana RPC circuit breaker
}

// BreakerServiceConfig configures a circuit breaker for a specific external service.
type BreakerServiceConfig struct {
	MaxRequests         uint32   `yaml:"max_requests"`         // max requests in half-open state (default: 3)
	Interval            Duration `yaml:"interval"`             // stats reset interval in closed state (default: 60s)
	Timeout             Duration `yaml:"timeout"`              // open state timeout before half-open (default: 30s)
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"` // consecutive failures to trip (default: 5)
	FailureRatio        float64  `yaml:"failure_ratio"`        // failure ratio to trip 0.0-1.0 (default: 0.5)
	MinRequests         uint32   `yaml:"min_requests"`         // minimum requests before checking ratio (default: 10)
}
