// Package chainregistry resolves x402 network names and CAIP-2 identifiers
// to the chain metadata the facilitator needs to verify and settle payments.
package chainregistry

import (
	"fmt"
	"strings"

	"github.com/chainfacilitator/x402fac/internal/config"
)

// Family distinguishes the two settlement paths the facilitator supports.
type Family int

const (
	// EVM covers chains settled via ERC-3009 transferWithAuthorization.
	EVM Family = iota
	// SVM covers Solana and Solana-compatible clusters.
	SVM
)

// ChainID identifies a single configured network. Exactly one of
// EVMChainID/SVMCluster is meaningful depending on Family.
type ChainID struct {
	Family     Family
	Name       string // the x402 "network" value, e.g. "base", "solana"
	EVMChainID uint64
	SVMCluster string
}

// String renders the chain's x402Version=1 network identifier.
func (c ChainID) String() string {
	return c.Name
}

// IsEVM reports whether this chain settles via the EVM path.
func (c ChainID) IsEVM() bool {
	return c.Family == EVM
}

type chainEntry struct {
	id            ChainID
	caip2         string
	rpcURL        string
	wsURL         string
	tokenDecimals uint8
}

// Registry resolves network names and CAIP-2 identifiers to chain metadata.
// It is built once at startup from a static table plus configuration
// overrides and is safe for concurrent reads without a mutex: nothing
// mutates it after NewRegistry returns.
type Registry struct {
	byName  map[string]chainEntry
	byCAIP2 map[string]chainEntry
}

// staticTable seeds the well-known x402 networks. Config overrides layer on
// top of (and can add to) this table.
func staticTable() map[string]chainEntry {
	return map[string]chainEntry{
		"base": {
			id:            ChainID{Family: EVM, Name: "base", EVMChainID: 8453},
			caip2:         "eip155:8453",
			rpcURL:        "https://mainnet.base.org",
			tokenDecimals: 6,
		},
		"base-sepolia": {
			id:            ChainID{Family: EVM, Name: "base-sepolia", EVMChainID: 84532},
			caip2:         "eip155:84532",
			rpcURL:        "https://sepolia.base.org",
			tokenDecimals: 6,
		},
		"solana": {
			id:            ChainID{Family: SVM, Name: "solana", SVMCluster: "mainnet-beta"},
			caip2:         "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp",
			rpcURL:        "https://api.mainnet-beta.solana.com",
			wsURL:         "wss://api.mainnet-beta.solana.com",
			tokenDecimals: 6,
		},
		"solana-devnet": {
			id:            ChainID{Family: SVM, Name: "solana-devnet", SVMCluster: "devnet"},
			caip2:         "solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1",
			rpcURL:        "https://api.devnet.solana.com",
			wsURL:         "wss://api.devnet.solana.com",
			tokenDecimals: 6,
		},
	}
}

// NewRegistry builds a Registry from the static table overlaid with the
// facilitator's configured chains. A configured chain with a name matching
// the static table overrides that entry's RPC/WS URL, CAIP-2, and decimals;
// a new name adds a chain entirely.
func NewRegistry(cfg config.X402Config) (*Registry, error) {
	table := staticTable()

	for name, chainCfg := range cfg.Chains {
		key := strings.ToLower(name)
		entry, known := table[key]
		if !known {
			family := EVM
			if strings.HasPrefix(strings.ToLower(key), "solana") || strings.HasPrefix(chainCfg.CAIP2, "solana:") {
				family = SVM
			}
			entry = chainEntry{id: ChainID{Family: family, Name: key}}
		}
		if chainCfg.RPCURL != "" {
			entry.rpcURL = chainCfg.RPCURL
		}
		if chainCfg.WSURL != "" {
			entry.wsURL = chainCfg.WSURL
		}
		if chainCfg.CAIP2 != "" {
			entry.caip2 = chainCfg.CAIP2
		}
		if chainCfg.ChainID != 0 {
			entry.id.EVMChainID = chainCfg.ChainID
		}
		if chainCfg.TokenDecimals != 0 {
			entry.tokenDecimals = chainCfg.TokenDecimals
		}
		if entry.id.Name == "" {
			entry.id.Name = key
		}
		table[key] = entry
	}

	r := &Registry{
		byName:  make(map[string]chainEntry, len(table)),
		byCAIP2: make(map[string]chainEntry, len(table)),
	}
	for key, entry := range table {
		if entry.rpcURL == "" {
			return nil, fmt.Errorf("chainregistry: chain %q has no rpc url configured", key)
		}
		if entry.caip2 == "" {
			return nil, fmt.Errorf("chainregistry: chain %q has no caip2 identifier configured", key)
		}
		r.byName[key] = entry
		r.byCAIP2[strings.ToLower(entry.caip2)] = entry
	}
	return r, nil
}

// Resolve looks up a chain by either its x402Version=1 network name
// ("base", "solana") or its x402Version=2 CAIP-2 identifier
// ("eip155:8453", "solana:5eykt..."). Matching is case-insensitive.
func (r *Registry) Resolve(networkOrCAIP2 string) (ChainID, bool) {
	key := strings.ToLower(strings.TrimSpace(networkOrCAIP2))
	if entry, ok := r.byName[key]; ok {
		return entry.id, true
	}
	if entry, ok := r.byCAIP2[key]; ok {
		return entry.id, true
	}
	return ChainID{}, false
}

// All returns every configured chain, for building the /supported response.
func (r *Registry) All() []ChainID {
	ids := make([]ChainID, 0, len(r.byName))
	for _, entry := range r.byName {
		ids = append(ids, entry.id)
	}
	return ids
}

func (r *Registry) lookup(id ChainID) (chainEntry, bool) {
	entry, ok := r.byName[strings.ToLower(id.Name)]
	return entry, ok
}

// CAIP2 returns the chain's CAIP-2 identifier, e.g. "eip155:8453".
func (r *Registry) CAIP2(id ChainID) (string, bool) {
	entry, ok := r.lookup(id)
	if !ok {
		return "", false
	}
	return entry.caip2, true
}

// IsEVM reports whether the given chain settles via the EVM path.
func (r *Registry) IsEVM(id ChainID) bool {
	return id.Family == EVM
}

// TokenDecimals returns the configured settlement token's decimal places for
// this chain.
func (r *Registry) TokenDecimals(id ChainID) (uint8, bool) {
	entry, ok := r.lookup(id)
	if !ok {
		return 0, false
	}
	return entry.tokenDecimals, true
}

// RPCEndpoint returns the HTTP RPC URL (and, for Solana, the WS URL) for
// this chain.
func (r *Registry) RPCEndpoint(id ChainID) (rpcURL, wsURL string, ok bool) {
	entry, found := r.lookup(id)
	if !found {
		return "", "", false
	}
	return entry.rpcURL, entry.wsURL, true
}
