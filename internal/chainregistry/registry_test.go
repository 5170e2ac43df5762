package chainregistry

import (
	"testing"

	"github.com/chainfacilitator/x402fac/internal/config"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry(config.X402Config{
		Chains: map[string]config.ChainConfig{
			"base": {
				RPCURL:        "https://mainnet.base.org",
				ChainID:       8453,
				CAIP2:         "eip155:8453",
				TokenDecimals: 6,
			},
			"solana": {
				RPCURL:        "https://api.mainnet-beta.solana.com",
				WSURL:         "wss://api.mainnet-beta.solana.com",
				CAIP2:         "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp",
				TokenDecimals: 6,
			},
		},
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return r
}

func TestResolve_ByNetworkName(t *testing.T) {
	r := testRegistry(t)

	id, ok := r.Resolve("base")
	if !ok {
		t.Fatal("expected base to resolve")
	}
	if !id.IsEVM() || id.EVMChainID != 8453 {
		t.Fatalf("unexpected chain id: %+v", id)
	}
}

func TestResolve_ByCAIP2(t *testing.T) {
	r := testRegistry(t)

	id, ok := r.Resolve("eip155:8453")
	if !ok {
		t.Fatal("expected eip155:8453 to resolve")
	}
	if id.Name != "base" {
		t.Fatalf("expected base, got %s", id.Name)
	}

	id, ok = r.Resolve("SOLANA:5EYKT4USFV8P8NJDTREPY1VZQKQZKVDP")
	if !ok {
		t.Fatal("expected case-insensitive caip2 match")
	}
	if id.IsEVM() {
		t.Fatal("expected solana chain to not be EVM")
	}
}

func TestResolve_Unknown(t *testing.T) {
	r := testRegistry(t)
	if _, ok := r.Resolve("polygon"); ok {
		t.Fatal("expected unconfigured network to fail to resolve")
	}
}

func TestCAIP2AndDecimals(t *testing.T) {
	r := testRegistry(t)
	id, _ := r.Resolve("base")

	caip2, ok := r.CAIP2(id)
	if !ok || caip2 != "eip155:8453" {
		t.Fatalf("unexpected caip2: %q ok=%v", caip2, ok)
	}
	decimals, ok := r.TokenDecimals(id)
	if !ok || decimals != 6 {
		t.Fatalf("unexpected decimals: %d ok=%v", decimals, ok)
	}
	rpcURL, _, ok := r.RPCEndpoint(id)
	if !ok || rpcURL != "https://mainnet.base.org" {
		t.Fatalf("unexpected rpc url: %q", rpcURL)
	}
}

func TestNewRegistry_OverridesStaticTable(t *testing.T) {
	r, err := NewRegistry(config.X402Config{
		Chains: map[string]config.ChainConfig{
			"base": {RPCURL: "https://custom-base-rpc.example", CAIP2: "eip155:8453", TokenDecimals: 6},
		},
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	id, ok := r.Resolve("base")
	if !ok {
		t.Fatal("expected base to still resolve from the static table")
	}
	rpcURL, _, _ := r.RPCEndpoint(id)
	if rpcURL != "https://custom-base-rpc.example" {
		t.Fatalf("expected config override to win, got %q", rpcURL)
	}
	// base-sepolia comes purely from the static table and should be untouched.
	if _, ok := r.Resolve("base-sepolia"); !ok {
		t.Fatal("expected static table entries not referenced in config to remain")
	}
}
