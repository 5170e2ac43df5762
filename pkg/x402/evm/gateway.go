// Package evm implements the ERC-3009 transferWithAuthorization settlement
// state machine for EVM-family chains. It depends only on pkg/x402/schema
// (wire types) and internal/errors (error codes), not on the engine package,
// so the engine can depend on it without creating an import cycle.
package evm

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/chainfacilitator/x402fac/internal/circuitbreaker"
)

// Gateway abstracts the subset of JSON-RPC calls the settler needs against
// one EVM chain. The production implementation wraps *ethclient.Client;
// tests substitute a fake that returns canned responses without a live
// RPC endpoint.
type Gateway interface {
	ChainID(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error)
}

// EthGateway is the production Gateway backed by go-ethereum's ethclient.
// One EthGateway is built per configured EVM chain and reused across
// settlements.
type EthGateway struct {
	client *ethclient.Client
}

// DialGateway connects to rpcURL and returns a ready-to-use Gateway.
func DialGateway(ctx context.Context, rpcURL string) (*EthGateway, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, err
	}
	return &EthGateway{client: client}, nil
}

func (g *EthGateway) ChainID(ctx context.Context) (*big.Int, error) {
	return g.client.ChainID(ctx)
}

func (g *EthGateway) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return g.client.SuggestGasPrice(ctx)
}

func (g *EthGateway) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return g.client.PendingNonceAt(ctx, account)
}

func (g *EthGateway) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	return g.client.BalanceAt(ctx, account, nil)
}

func (g *EthGateway) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return g.client.SendTransaction(ctx, tx)
}

func (g *EthGateway) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return g.client.TransactionReceipt(ctx, txHash)
}

func (g *EthGateway) CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	return g.client.CallContract(ctx, msg, nil)
}

// Close releases the underlying RPC connection.
func (g *EthGateway) Close() {
	g.client.Close()
}

// BreakerGateway wraps a Gateway so every RPC call trips the facilitator's
// shared EVM-RPC circuit breaker, isolating a degraded EVM endpoint from
// Solana settlement (which trips its own breaker independently).
type BreakerGateway struct {
	inner   Gateway
	manager *circuitbreaker.Manager
}

// WrapWithBreaker builds a BreakerGateway around an existing Gateway.
func WrapWithBreaker(inner Gateway, manager *circuitbreaker.Manager) *BreakerGateway {
	return &BreakerGateway{inner: inner, manager: manager}
}

func (g *BreakerGateway) ChainID(ctx context.Context) (*big.Int, error) {
	v, err := g.manager.Execute(circuitbreaker.ServiceEVMRPC, func() (interface{}, error) { return g.inner.ChainID(ctx) })
	if err != nil {
		return nil, err
	}
	return v.(*big.Int), nil
}

func (g *BreakerGateway) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	v, err := g.manager.Execute(circuitbreaker.ServiceEVMRPC, func() (interface{}, error) { return g.inner.SuggestGasPrice(ctx) })
	if err != nil {
		return nil, err
	}
	return v.(*big.Int), nil
}

func (g *BreakerGateway) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	v, err := g.manager.Execute(circuitbreaker.ServiceEVMRPC, func() (interface{}, error) { return g.inner.PendingNonceAt(ctx, account) })
	if err != nil {
		return 0, err
	}
	return v.(uint64), nil
}

func (g *BreakerGateway) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	v, err := g.manager.Execute(circuitbreaker.ServiceEVMRPC, func() (interface{}, error) { return g.inner.BalanceAt(ctx, account) })
	if err != nil {
		return nil, err
	}
	return v.(*big.Int), nil
}

func (g *BreakerGateway) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	_, err := g.manager.Execute(circuitbreaker.ServiceEVMRPC, func() (interface{}, error) { return nil, g.inner.SendTransaction(ctx, tx) })
	return err
}

// TransactionReceipt bypasses the breaker: "not yet mined" is the expected
// response for most polls during confirmation wait, not an RPC failure, and
// counting it against the breaker would trip it on ordinary latency.
func (g *BreakerGateway) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return g.inner.TransactionReceipt(ctx, txHash)
}

func (g *BreakerGateway) CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	v, err := g.manager.Execute(circuitbreaker.ServiceEVMRPC, func() (interface{}, error) { return g.inner.CallContract(ctx, msg) })
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	return v.([]byte), nil
}
