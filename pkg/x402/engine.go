// Package x402 is the protocol engine: it parses and validates x402
// payloads, normalizes network identifiers via the chain registry, and
// computes the supported/verify/settle responses by dispatching to the
// chain-appropriate settler.
package x402

import (
	"context"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/chainfacilitator/x402fac/internal/chainregistry"
	apierrors "github.com/chainfacilitator/x402fac/internal/errors"
	"github.com/chainfacilitator/x402fac/internal/nonceledger"
	"github.com/chainfacilitator/x402fac/pkg/x402/evm"
	"github.com/chainfacilitator/x402fac/pkg/x402/schema"
	"github.com/chainfacilitator/x402fac/pkg/x402/solana"
)

// Kind is one entry of the supported() response: one (scheme, network) pair
// the facilitator accepts, at one x402Version.
type Kind struct {
	X402Version int    `json:"x402Version"`
	Scheme      string `json:"scheme"`
	Network     string `json:"network"`
	Asset       string `json:"asset,omitempty"`
	Extra       any    `json:"extra,omitempty"`
}

// SupportedResponse is the GET /supported body.
type SupportedResponse struct {
	Kinds []Kind `json:"kinds"`
}

// VerifyResult is the return value of Engine.Verify.
type VerifyResult struct {
	IsValid       bool
	Payer         string
	InvalidReason string
}

// SettleResult is the return value of Engine.Settle. Its shape is stable
// regardless of outcome: Transaction is empty on any failure.
type SettleResult struct {
	Success     bool
	Transaction string
	Payer       string
	Network     string
	ErrorReason string
}

// Engine implements supported/verify/settle and dispatches settlement to
// the chain-appropriate settler. One Engine is built per facilitator
// process and is safe for concurrent use: it holds no per-request state
// outside the nonce ledger, which is itself concurrency-safe.
type Engine struct {
	registry          *chainregistry.Registry
	evmSettlers       map[string]*evm.Settler // keyed by chainregistry.ChainID.Name
	solanaSettler     *solana.Settler
	ledger            nonceledger.Ledger
	facilitatorSolana string // facilitator's Solana public key, advertised as extra.feePayer
}

// NewEngine builds an engine bound to a chain registry, one EVM settler per
// configured EVM chain, and a single Solana settler (Solana's RPC gateway is
// chain-agnostic across mainnet/devnet, so one settler instance serves
// every configured Solana cluster).
func NewEngine(registry *chainregistry.Registry, ledger nonceledger.Ledger, evmSettlers map[string]*evm.Settler, solanaSettler *solana.Settler, facilitatorSolanaPubkey string) *Engine {
	return &Engine{
		registry:          registry,
		evmSettlers:       evmSettlers,
		solanaSettler:     solanaSettler,
		ledger:            ledger,
		facilitatorSolana: facilitatorSolanaPubkey,
	}
}

// Ledger exposes the nonce ledger backing this engine's settlers, for the
// background cleanup worker to sweep on a timer.
func (e *Engine) Ledger() nonceledger.Ledger {
	return e.ledger
}

// SolanaSettler exposes the Solana settler (nil when no Solana chain is
// configured), for the gasless transaction-build endpoint.
func (e *Engine) SolanaSettler() *solana.Settler {
	return e.solanaSettler
}

// Supported emits one x402Version=1 entry (human network name) and one
// x402Version=2 entry (CAIP-2) per configured chain, deduplicated by
// network. Solana entries carry extra.feePayer.
func (e *Engine) Supported() SupportedResponse {
	kinds := make([]Kind, 0, len(e.registry.All())*2)
	for _, id := range e.registry.All() {
		var extra any
		if !id.IsEVM() && e.facilitatorSolana != "" {
			extra = map[string]string{"feePayer": e.facilitatorSolana}
		}
		kinds = append(kinds, Kind{X402Version: 1, Scheme: "exact", Network: id.Name, Extra: extra})
		if caip2, ok := e.registry.CAIP2(id); ok {
			kinds = append(kinds, Kind{X402Version: 2, Scheme: "exact", Network: caip2, Extra: extra})
		}
	}
	return SupportedResponse{Kinds: kinds}
}

// Verify resolves the chain, then branches: Solana/Stacks-family payloads
// are trusted at verify time (the full check happens at settle); EVM
// payloads have their time window and amount checked against the
// requirement here.
func (e *Engine) Verify(ctx context.Context, env schema.Envelope, req schema.Requirements) VerifyResult {
	chainID, ok := e.registry.Resolve(req.Network)
	if !ok {
		return VerifyResult{IsValid: false, InvalidReason: string(apierrors.ErrCodeUnsupportedNetwork)}
	}

	if chainID.IsEVM() {
		return e.verifyEVM(env, req)
	}
	return e.verifySolana(env)
}

func (e *Engine) verifyEVM(env schema.Envelope, req schema.Requirements) VerifyResult {
	if env.EVM == nil {
		return VerifyResult{IsValid: false, InvalidReason: "missing evm authorization"}
	}
	auth := env.EVM

	now := time.Now().Unix()
	validAfter, err := strconv.ParseInt(auth.ValidAfter, 10, 64)
	if err != nil {
		return VerifyResult{IsValid: false, InvalidReason: "malformed validAfter"}
	}
	validBefore, err := strconv.ParseInt(auth.ValidBefore, 10, 64)
	if err != nil {
		return VerifyResult{IsValid: false, InvalidReason: "malformed validBefore"}
	}
	if now < validAfter {
		return VerifyResult{IsValid: false, InvalidReason: string(apierrors.ErrCodeNotYetValid)}
	}
	if now > validBefore {
		return VerifyResult{IsValid: false, InvalidReason: string(apierrors.ErrCodeExpired)}
	}

	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return VerifyResult{IsValid: false, InvalidReason: "malformed value"}
	}
	required, ok := new(big.Int).SetString(req.MaxAmountRequired, 10)
	if !ok {
		return VerifyResult{IsValid: false, InvalidReason: "malformed maxAmountRequired"}
	}
	if value.Cmp(required) < 0 {
		return VerifyResult{IsValid: false, InvalidReason: string(apierrors.ErrCodeInsufficientAmount)}
	}

	return VerifyResult{IsValid: true, Payer: auth.From}
}

func (e *Engine) verifySolana(env schema.Envelope) VerifyResult {
	if env.Solana == nil || env.Solana.Transaction == "" {
		return VerifyResult{IsValid: false, InvalidReason: "missing transaction payload"}
	}
	return VerifyResult{IsValid: true}
}

// Settle re-verifies, dispatches to the matching settler, and always
// returns the stable {Success, Transaction, Payer, Network, ErrorReason}
// shape: Transaction is empty on any failure, verified or not.
func (e *Engine) Settle(ctx context.Context, env schema.Envelope, req schema.Requirements, facilitatorID string) SettleResult {
	verified := e.Verify(ctx, env, req)
	if !verified.IsValid {
		return SettleResult{Success: false, Payer: verified.Payer, Network: req.Network, ErrorReason: verified.InvalidReason}
	}

	chainID, ok := e.registry.Resolve(req.Network)
	if !ok {
		return SettleResult{Success: false, Network: req.Network, ErrorReason: string(apierrors.ErrCodeUnsupportedNetwork)}
	}

	if chainID.IsEVM() {
		return e.settleEVM(ctx, chainID, env, req, facilitatorID)
	}
	return e.settleSolana(ctx, env, req, facilitatorID)
}

func (e *Engine) settleEVM(ctx context.Context, chainID chainregistry.ChainID, env schema.Envelope, req schema.Requirements, facilitatorID string) SettleResult {
	settler, ok := e.evmSettlers[strings.ToLower(chainID.Name)]
	if !ok {
		return SettleResult{Success: false, Network: req.Network, ErrorReason: string(apierrors.ErrCodeUnsupportedNetwork)}
	}
	result, err := settler.Settle(ctx, env, req, facilitatorID)
	if err != nil {
		return SettleResult{Success: false, Payer: payerFromEnvelope(env), Network: req.Network, ErrorReason: errorReasonOf(err)}
	}
	return SettleResult{Success: true, Transaction: result.TxHash, Payer: payerFromEnvelope(env), Network: req.Network}
}

func (e *Engine) settleSolana(ctx context.Context, env schema.Envelope, req schema.Requirements, facilitatorID string) SettleResult {
	if e.solanaSettler == nil {
		return SettleResult{Success: false, Network: req.Network, ErrorReason: string(apierrors.ErrCodeUnsupportedNetwork)}
	}
	result, err := e.solanaSettler.Settle(ctx, env, req, facilitatorID)
	if err != nil {
		return SettleResult{Success: false, Network: req.Network, ErrorReason: errorReasonOf(err)}
	}
	return SettleResult{Success: true, Transaction: result.TxHash, Payer: result.Payer, Network: req.Network}
}

func payerFromEnvelope(env schema.Envelope) string {
	if env.EVM != nil {
		return env.EVM.From
	}
	return ""
}

// errorReasonOf prefers the settler's underlying technical error over the
// generic per-code friendly message: errorReason must surface specifics
// (the prior transaction_hash on a duplicate, the parsed revert reason on
// a reverted settlement), which a bare error code would discard.
func errorReasonOf(err error) string {
	if fe, ok := err.(schema.FacilitatorError); ok {
		if fe.Err != nil {
			return fe.Err.Error()
		}
		if fe.Message != "" {
			return fe.Message
		}
		return string(fe.Code)
	}
	return err.Error()
}
