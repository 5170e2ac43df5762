package config

import (
	"fmt"
	"net/textproto"
	"os"
	"strings"
	"time"
)

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration.
// Most env vars use X402FAC_ prefix for namespace isolation; per-chain RPC
// overrides use the bare chain name so operators can rotate a single
// provider without touching the rest of the config (<CHAIN>_RPC_URL).
func (c *Config) applyEnvOverrides() {
	// Server config
	setIfEnv(&c.Server.Address, "X402FAC_SERVER_ADDRESS")
	setIfEnv(&c.Server.RoutePrefix, "X402FAC_ROUTE_PREFIX")
	setIfEnv(&c.Server.AdminMetricsAPIKey, "X402FAC_ADMIN_METRICS_API_KEY")

	// Normalize route prefix: ensure it starts with / and doesn't end with /
	if c.Server.RoutePrefix != "" {
		c.Server.RoutePrefix = normalizeRoutePrefix(c.Server.RoutePrefix)
	}

	// x402 config
	setBoolIfEnv(&c.X402.SkipPreflight, "X402FAC_X402_SKIP_PREFLIGHT")
	setIfEnv(&c.X402.Commitment, "X402FAC_X402_COMMITMENT")
	setBoolIfEnv(&c.X402.GaslessEnabled, "X402FAC_X402_GASLESS_ENABLED")
	setBoolIfEnv(&c.X402.AutoCreateTokenAccount, "X402FAC_X402_AUTO_CREATE_TOKEN_ACCOUNT")
	setIfEnv(&c.X402.TokenMint, "X402FAC_X402_TOKEN_MINT")
	setDurationIfEnv(&c.X402.NonceTTL, "X402FAC_X402_NONCE_TTL")

	// Per-chain RPC URL overrides, e.g. BASE_RPC_URL, SOLANA_RPC_URL.
	// Lets an operator rotate a single provider with one env var instead of
	// rewriting the YAML chain table.
	for name, chain := range c.X402.Chains {
		envKey := strings.ToUpper(strings.ReplaceAll(name, "-", "_")) + "_RPC_URL"
		if v := os.Getenv(envKey); v != "" {
			chain.RPCURL = v
			c.X402.Chains[name] = chain
		}
		wsKey := strings.ToUpper(strings.ReplaceAll(name, "-", "_")) + "_WS_URL"
		if v := os.Getenv(wsKey); v != "" {
			chain.WSURL = v
			c.X402.Chains[name] = chain
		}
	}

	// Load server wallet keys (X402_SERVER_WALLET_1, X402_SERVER_WALLET_2, ...)
	c.X402.ServerWalletKeys = loadNumberedKeys("X402_SERVER_WALLET_")
	// Load EVM settlement signing keys (X402_EVM_SETTLEMENT_KEY_1, ...)
	c.X402.EVMSettlementKeys = loadNumberedKeys("X402_EVM_SETTLEMENT_KEY_")

	// Refund-intake config
	setBoolIfEnv(&c.Refunds.Enabled, "X402FAC_REFUNDS_ENABLED")
	setIfEnv(&c.Refunds.PostgresURL, "X402FAC_REFUNDS_POSTGRES_URL")

	// Monitoring config
	setIfEnv(&c.Monitoring.LowBalanceAlertURL, "MONITORING_LOW_BALANCE_ALERT_URL")
	if v := os.Getenv("MONITORING_LOW_BALANCE_THRESHOLD"); v != "" {
		var threshold float64
		if _, err := fmt.Sscanf(v, "%f", &threshold); err == nil {
			c.Monitoring.LowBalanceThreshold = threshold
		}
	}
	setDurationIfEnv(&c.Monitoring.CheckInterval, "MONITORING_CHECK_INTERVAL")
	setDurationIfEnv(&c.Monitoring.Timeout, "MONITORING_TIMEOUT")
	// Load monitoring headers (MONITORING_HEADER_*)
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, "MONITORING_HEADER_") {
			continue
		}
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.TrimPrefix(parts[0], "MONITORING_HEADER_")
		if name == "" {
			continue
		}
		if c.Monitoring.Headers == nil {
			c.Monitoring.Headers = make(map[string]string)
		}
		headerName := textproto.CanonicalMIMEHeaderKey(strings.ReplaceAll(name, "_", "-"))
		c.Monitoring.Headers[headerName] = parts[1]
	}

	// API Key config
	setBoolIfEnv(&c.APIKey.Enabled, "X402FAC_API_KEY_ENABLED")
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, "X402FAC_API_KEY_") {
			continue
		}
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.TrimPrefix(parts[0], "X402FAC_API_KEY_")
		if name == "" || name == "ENABLED" {
			continue
		}
		if c.APIKey.Keys == nil {
			c.APIKey.Keys = make(map[string]string)
		}
		key := strings.ToLower(name)
		tier := strings.TrimSpace(parts[1])
		c.APIKey.Keys[key] = tier
	}
}

// setIfEnv sets a string pointer to the environment variable value if it exists.
func setIfEnv(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

// setBoolIfEnv sets a boolean pointer from an environment variable.
// Accepts "1", "true", "TRUE", "True" as true values.
func setBoolIfEnv(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v == "1" || strings.EqualFold(v, "true")
	}
}

// setDurationIfEnv sets a Duration pointer from an environment variable.
// Uses time.ParseDuration to parse values like "5m", "120s", "1h30m".
func setDurationIfEnv(target *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			*target = Duration{Duration: dur}
		}
	}
}

// loadNumberedKeys loads a sequentially numbered list of env vars sharing a
// prefix (e.g. X402_SERVER_WALLET_1, X402_SERVER_WALLET_2, ...), stopping at
// the first missing index.
func loadNumberedKeys(prefix string) []string {
	var keys []string
	for i := 1; i <= 100; i++ {
		val := os.Getenv(fmt.Sprintf("%s%d", prefix, i))
		if val == "" {
			break
		}
		keys = append(keys, val)
	}
	return keys
}

// normalizeRoutePrefix ensures the prefix starts with / and doesn't end with /.
// Examples: "api" -> "/api", "/api/" -> "/api", "x402" -> "/x402"
func normalizeRoutePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return ""
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	prefix = strings.TrimSuffix(prefix, "/")
	return prefix
}
