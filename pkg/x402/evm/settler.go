package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	apierrors "github.com/chainfacilitator/x402fac/internal/errors"
	"github.com/chainfacilitator/x402fac/internal/logger"
	"github.com/chainfacilitator/x402fac/internal/metrics"
	"github.com/chainfacilitator/x402fac/internal/nonceledger"
	"github.com/chainfacilitator/x402fac/pkg/x402/schema"
)

// gasLimit is the fixed gas limit submitted with every
// transferWithAuthorization call. 100000 comfortably covers the ERC-3009
// reference implementation (FiatTokenV2 and friends); settlement never
// raises it dynamically, matching the facilitator's flat preflight check.
const gasLimit = uint64(100000)

// maxSubmitAttempts bounds the underpriced/nonce-collision retry loop.
const maxSubmitAttempts = 3

// gasBumpFactor is applied to gas price on each retry after an
// underpriced/nonce rejection.
const gasBumpFactor = 1.20

// Result is the outcome of a successful EVM settlement.
type Result struct {
	TxHash  string
	GasUsed uint64
}

// Settler executes the ERC-3009 transferWithAuthorization state machine
// against one EVM chain. One Settler is built per configured EVM chain and
// shares its Gateway (and therefore its RPC connection pool) across every
// settlement on that chain.
type Settler struct {
	gateway   Gateway
	ledger    nonceledger.Ledger
	keys      KeyResolver
	metrics   *metrics.Metrics
	chainID   uint64
	chainName string
	clock     func() time.Time
}

// NewSettler builds a settler bound to one chain's Gateway and the shared
// nonce ledger that guards replay across every chain. facilitatorID is
// supplied per Settle call, not here, since one facilitator process may
// serve more than one merchant identity.
func NewSettler(gateway Gateway, ledger nonceledger.Ledger, keys KeyResolver, chainID uint64, chainName string) *Settler {
	return &Settler{
		gateway:   gateway,
		ledger:    ledger,
		keys:      keys,
		chainID:   chainID,
		chainName: chainName,
		clock:     time.Now,
	}
}

// WithMetrics attaches a metrics collector; settlement duration and RPC
// calls are observed against chainName.
func (s *Settler) WithMetrics(m *metrics.Metrics) *Settler {
	s.metrics = m
	return s
}

// Settle runs the settlement state machine: guard, parse signature, preflight gas,
// select a pending-tagged nonce, submit with bounded underpriced retry,
// await one confirmation, and decide success/revert/error.
func (s *Settler) Settle(ctx context.Context, env schema.Envelope, req schema.Requirements, facilitatorID string) (Result, error) {
	start := time.Now()
	if s.metrics != nil {
		defer func() { s.metrics.ObserveSettlement(s.chainName, time.Since(start)) }()
	}

	if env.EVM == nil {
		return Result{}, schema.NewFacilitatorError(apierrors.ErrCodeBadEnvelope, errors.New("envelope carries no evm authorization"))
	}
	wire := env.EVM

	// Step 1: guard against replay.
	key := nonceledger.Key{Nonce: wire.Nonce, From: wire.From, ChainID: strconv.FormatUint(s.chainID, 10)}
	decision, err := s.ledger.TryAcquire(ctx, nonceledger.Row{
		Key:           key,
		FacilitatorID: facilitatorID,
		ExpiresAt:     s.validBeforeTime(wire.ValidBefore),
	})
	if s.metrics != nil {
		acquired := err == nil && decision.Acquired
		reason := ""
		if err == nil {
			reason = decision.RejectReason
		}
		s.metrics.ObserveNonceAcquire(s.chainName, acquired, reason)
	}
	if err != nil {
		return Result{}, schema.NewFacilitatorError(apierrors.ErrCodeSettlementError, fmt.Errorf("ledger acquire: %w", err))
	}
	if !decision.Acquired {
		return Result{}, schema.NewFacilitatorError(apierrors.ErrCodeDuplicateSubmission, errors.New(decision.RejectReason))
	}
	release := func() { _ = s.ledger.Release(ctx, key) }

	// Step 2: parse signature.
	sig, err := ParseSignature(wire.Signature)
	if err != nil {
		release()
		return Result{}, schema.NewFacilitatorError(apierrors.ErrCodeBadSignature, err)
	}

	auth, err := ParseAuthorization(wire.From, wire.To, wire.Value, wire.ValidAfter, wire.ValidBefore, wire.Nonce)
	if err != nil {
		release()
		return Result{}, schema.NewFacilitatorError(apierrors.ErrCodeBadEnvelope, err)
	}

	privKeyHex, err := s.keys.ResolveKey(ctx, facilitatorID, s.chainID)
	if err != nil {
		release()
		return Result{}, schema.NewFacilitatorError(apierrors.ErrCodeSettlementError, fmt.Errorf("resolve facilitator key: %w", err))
	}
	privKey, err := crypto.HexToECDSA(strings.TrimPrefix(privKeyHex, "0x"))
	if err != nil {
		release()
		return Result{}, schema.NewFacilitatorError(apierrors.ErrCodeSettlementError, fmt.Errorf("parse facilitator key: %w", err))
	}
	// privKeyHex/privKey are local to this call and go out of scope at
	// return; the settler never stores them.
	facilitatorAddr := crypto.PubkeyToAddress(privKey.PublicKey)

	// Step 3: preflight — gas price and facilitator balance.
	gasPrice, err := s.callGateway(ctx, "SuggestGasPrice", func() (any, error) { return s.gateway.SuggestGasPrice(ctx) })
	if err != nil {
		release()
		return Result{}, schema.NewFacilitatorError(apierrors.ErrCodeSettlementError, fmt.Errorf("suggest gas price: %w", err))
	}
	gp := gasPrice.(*big.Int)

	balanceAny, err := s.callGateway(ctx, "BalanceAt", func() (any, error) { return s.gateway.BalanceAt(ctx, facilitatorAddr) })
	if err != nil {
		release()
		return Result{}, schema.NewFacilitatorError(apierrors.ErrCodeSettlementError, fmt.Errorf("balance check: %w", err))
	}
	balance := balanceAny.(*big.Int)
	minBalance := new(big.Int).Mul(big.NewInt(int64(gasLimit)), gp)
	if balance.Cmp(minBalance) < 0 {
		release()
		return Result{}, schema.NewFacilitatorError(apierrors.ErrCodeInsufficientGas, fmt.Errorf("facilitator balance %s below required %s", balance, minBalance))
	}

	// Step 4: nonce selection — pending tag accounts for in-flight
	// self-sent transactions so bursts don't collide (see DESIGN.md).
	nonceAny, err := s.callGateway(ctx, "PendingNonceAt", func() (any, error) { return s.gateway.PendingNonceAt(ctx, facilitatorAddr) })
	if err != nil {
		release()
		return Result{}, schema.NewFacilitatorError(apierrors.ErrCodeSettlementError, fmt.Errorf("pending nonce: %w", err))
	}
	txNonce := nonceAny.(uint64)

	calldata, err := PackTransferWithAuthorization(auth, sig)
	if err != nil {
		release()
		return Result{}, schema.NewFacilitatorError(apierrors.ErrCodeSettlementError, fmt.Errorf("pack calldata: %w", err))
	}
	if req.Asset == "" {
		release()
		return Result{}, schema.NewFacilitatorError(apierrors.ErrCodeInvalidField, errors.New("requirements carry no token asset address"))
	}
	tokenAddr := common.HexToAddress(req.Asset)
	signer := types.LatestSignerForChainID(new(big.Int).SetUint64(s.chainID))

	// Step 5: submit with bounded underpriced/nonce-collision retry.
	var txHash common.Hash
	currentGasPrice := new(big.Int).Set(gp)
	for attempt := 1; attempt <= maxSubmitAttempts; attempt++ {
		tx := types.NewTransaction(txNonce, tokenAddr, big.NewInt(0), gasLimit, currentGasPrice, calldata)
		signedTx, signErr := types.SignTx(tx, signer, privKey)
		if signErr != nil {
			release()
			return Result{}, schema.NewFacilitatorError(apierrors.ErrCodeSettlementError, fmt.Errorf("sign transaction: %w", signErr))
		}

		sendErr := s.gateway.SendTransaction(ctx, signedTx)
		if s.metrics != nil {
			s.metrics.ObserveRPCCall("SendTransaction", s.chainName, 0, sendErr)
		}
		if sendErr == nil {
			txHash = signedTx.Hash()
			break
		}

		if attempt < maxSubmitAttempts && isRetryableSubmitError(sendErr) {
			bumped := new(big.Float).Mul(new(big.Float).SetInt(currentGasPrice), big.NewFloat(gasBumpFactor))
			bumped.Int(currentGasPrice)
			lg := logger.FromContext(ctx)
			lg.Warn().
				Err(sendErr).
				Int("attempt", attempt).
				Str("chain", s.chainName).
				Msg("evm_settle.underpriced_retry")
			continue
		}

		// Step 8: exception during submission — release, since nothing was
		// broadcast.
		release()
		return Result{}, schema.NewFacilitatorError(apierrors.ErrCodeSettlementError, sendErr)
	}

	// Step 6: await confirmation.
	receipt, err := s.awaitReceipt(ctx, txHash)
	if err != nil {
		// The transaction was broadcast; we cannot rule out it eventually
		// lands, so the nonce hold is kept.
		return Result{}, schema.NewFacilitatorError(apierrors.ErrCodeSettlementError, fmt.Errorf("await confirmation: %w", err))
	}

	// Step 7: decide.
	if receipt.Status == types.ReceiptStatusSuccessful {
		if err := s.ledger.MarkSettled(ctx, key, txHash.Hex()); err != nil {
			lg := logger.FromContext(ctx)
			lg.Warn().Err(err).Msg("evm_settle.mark_settled_failed")
		}
		return Result{TxHash: txHash.Hex(), GasUsed: receipt.GasUsed}, nil
	}

	// Reverted: do not release — the authorization may have been consumed
	// on-chain. Simulate the call to try to extract a reason.
	reason := s.simulateForRevertReason(ctx, facilitatorAddr, tokenAddr, calldata)
	lg := logger.FromContext(ctx)
	lg.Error().
		Str("tx_hash", txHash.Hex()).
		Str("reason", reason).
		Msg("evm_settle.reverted: possible causes are nonce already used, insufficient balance, expired time window, or invalid signature")
	return Result{}, schema.FacilitatorError{
		Code:    apierrors.ErrCodeReverted,
		Message: schema.GetUserFriendlyMessage(apierrors.ErrCodeReverted, nil),
		Err:     fmt.Errorf("reverted: %s", reason),
	}
}

func (s *Settler) validBeforeTime(validBefore string) time.Time {
	secs, err := strconv.ParseInt(validBefore, 10, 64)
	if err != nil || secs <= 0 {
		return s.clock().Add(schema.DefaultAccessTTL)
	}
	return time.Unix(secs, 0)
}

func (s *Settler) callGateway(ctx context.Context, method string, fn func() (any, error)) (any, error) {
	start := time.Now()
	result, err := fn()
	if s.metrics != nil {
		s.metrics.ObserveRPCCall(method, s.chainName, time.Since(start), err)
	}
	return result, err
}

func (s *Settler) awaitReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	deadline := time.Now().Add(2 * time.Minute)
	for {
		receipt, err := s.gateway.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if time.Now().After(deadline) {
			if err == nil {
				err = errors.New("receipt not available before deadline")
			}
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// simulateForRevertReason re-runs the call via eth_call to recover a revert
// string; simulation failures are swallowed since a best-effort reason
// beats none.
func (s *Settler) simulateForRevertReason(ctx context.Context, from, to common.Address, calldata []byte) string {
	_, err := s.gateway.CallContract(ctx, ethereum.CallMsg{From: from, To: &to, Data: calldata})
	if err == nil {
		return "unknown (simulation succeeded after an earlier revert)"
	}
	return ExtractRevertReason(err.Error())
}

func isRetryableSubmitError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "underpriced") || strings.Contains(msg, "nonce")
}
