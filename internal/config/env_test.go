package config

import (
	"os"
	"testing"
)

func TestEnvOverrides_ServerConfig(t *testing.T) {
	defer os.Clearenv()

	tests := []struct {
		name      string
		envVars   map[string]string
		checkFunc func(*testing.T, *Config)
	}{
		{
			name: "X402FAC_SERVER_ADDRESS overrides default",
			envVars: map[string]string{
				"X402FAC_SERVER_ADDRESS": ":3000",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Server.Address != ":3000" {
					t.Errorf("Expected :3000, got %s", cfg.Server.Address)
				}
			},
		},
		{
			name: "X402FAC_ROUTE_PREFIX is normalized",
			envVars: map[string]string{
				"X402FAC_ROUTE_PREFIX": "facilitator/",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Server.RoutePrefix != "/facilitator" {
					t.Errorf("Expected /facilitator, got %s", cfg.Server.RoutePrefix)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Clearenv()
			for k, v := range tt.envVars {
				os.Setenv(k, v)
			}

			cfg := defaultConfig()
			cfg.applyEnvOverrides()
			tt.checkFunc(t, cfg)
		})
	}
}

func TestEnvOverrides_ChainRPCURL(t *testing.T) {
	defer os.Clearenv()
	os.Clearenv()
	os.Setenv("SOLANA_RPC_URL", "https://solana.example.internal")

	cfg := defaultConfig()
	cfg.applyEnvOverrides()

	if cfg.X402.Chains["solana"].RPCURL != "https://solana.example.internal" {
		t.Errorf("expected solana rpc override, got %s", cfg.X402.Chains["solana"].RPCURL)
	}
	// Unrelated chains are left untouched.
	if cfg.X402.Chains["base"].RPCURL != "https://mainnet.base.org" {
		t.Errorf("expected base rpc untouched, got %s", cfg.X402.Chains["base"].RPCURL)
	}
}

func TestEnvOverrides_ServerWalletKeys(t *testing.T) {
	defer os.Clearenv()
	os.Clearenv()
	os.Setenv("X402_SERVER_WALLET_1", "key-one")
	os.Setenv("X402_SERVER_WALLET_2", "key-two")
	// Gap at 3 stops the scan even though 4 is set.
	os.Setenv("X402_SERVER_WALLET_4", "key-four")

	cfg := defaultConfig()
	cfg.applyEnvOverrides()

	if len(cfg.X402.ServerWalletKeys) != 2 {
		t.Fatalf("expected 2 server wallet keys, got %d: %v", len(cfg.X402.ServerWalletKeys), cfg.X402.ServerWalletKeys)
	}
	if cfg.X402.ServerWalletKeys[0] != "key-one" || cfg.X402.ServerWalletKeys[1] != "key-two" {
		t.Errorf("unexpected server wallet keys: %v", cfg.X402.ServerWalletKeys)
	}
}

func TestEnvOverrides_EVMSettlementKeys(t *testing.T) {
	defer os.Clearenv()
	os.Clearenv()
	os.Setenv("X402_EVM_SETTLEMENT_KEY_1", "0xabc")

	cfg := defaultConfig()
	cfg.applyEnvOverrides()

	if len(cfg.X402.EVMSettlementKeys) != 1 || cfg.X402.EVMSettlementKeys[0] != "0xabc" {
		t.Errorf("unexpected evm settlement keys: %v", cfg.X402.EVMSettlementKeys)
	}
}

func TestEnvOverrides_APIKeys(t *testing.T) {
	defer os.Clearenv()
	os.Clearenv()
	os.Setenv("X402FAC_API_KEY_ENABLED", "true")
	os.Setenv("X402FAC_API_KEY_ACME_CORP", "partner")

	cfg := defaultConfig()
	cfg.applyEnvOverrides()

	if !cfg.APIKey.Enabled {
		t.Fatal("expected api key auth to be enabled")
	}
	if cfg.APIKey.Keys["acme_corp"] != "partner" {
		t.Errorf("unexpected api key tier: %v", cfg.APIKey.Keys)
	}
}

func TestNormalizeRoutePrefix(t *testing.T) {
	cases := map[string]string{
		"":           "",
		"api":        "/api",
		"/api/":      "/api",
		"facilitator": "/facilitator",
	}
	for in, want := range cases {
		if got := normalizeRoutePrefix(in); got != want {
			t.Errorf("normalizeRoutePrefix(%q) = %q, want %q", in, got, want)
		}
	}
}
