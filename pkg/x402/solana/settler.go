package solana

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/ws"

	apierrors "github.com/chainfacilitator/x402fac/internal/errors"
	"github.com/chainfacilitator/x402fac/internal/logger"
	"github.com/chainfacilitator/x402fac/internal/metrics"
	"github.com/chainfacilitator/x402fac/internal/nonceledger"
	solanaHelpers "github.com/chainfacilitator/x402fac/internal/solana"
	"github.com/chainfacilitator/x402fac/pkg/x402/schema"
)

// Settler confirms, co-signs, and submits pre-signed Solana SPL transfers
// carried in an x402 payment envelope. It predates the EVM settlement path:
// the envelope it settles was already signed by the payer before it ever
// reaches the facilitator, so "settling" here means validating the
// transfer instruction, optionally co-signing as fee payer, submitting, and
// waiting for confirmation — rather than building and signing a
// transaction from scratch the way the EVM settler does.
type Settler struct {
	rpcClient               *rpc.Client
	wsClient                *ws.Client
	clock                   func() time.Time
	ledger                  nonceledger.Ledger
	cluster                 string
	tokenDecimals           uint8
	skipPreflight           bool
	commitment              string
	serverWallets           []solana.PrivateKey // fee-payer wallets for gasless co-signing and token account creation
	walletIndex             atomic.Uint64        // round-robin counter for wallet selection
	gaslessEnabled          bool
	autoCreateTokenAccounts bool
	txQueue                 *TransactionQueue
	healthChecker           *WalletHealthChecker
	metrics                 *metrics.Metrics
	network                 string
}

// Result is the outcome of a successful Solana settlement.
type Result struct {
	TxHash string
	Payer  string
	Amount float64
}

// NewSettler creates a settler backed by RPC + WebSocket endpoints, guarded
// against replayed payer signatures by ledger.
func NewSettler(rpcURL, wsURL string, ledger nonceledger.Ledger, cluster string, tokenDecimals uint8) (*Settler, error) {
	if rpcURL == "" {
		return nil, errors.New("x402 solana: rpc url required")
	}
	if wsURL == "" {
		derived, err := deriveWebsocketURL(rpcURL)
		if err != nil {
			return nil, fmt.Errorf("x402 solana: derive websocket url: %w", err)
		}
		wsURL = derived
	}

	wsClient, err := ws.Connect(context.Background(), wsURL)
	if err != nil {
		return nil, fmt.Errorf("x402 solana: connect websocket: %w", err)
	}

	return &Settler{
		rpcClient:     rpc.New(rpcURL),
		wsClient:      wsClient,
		clock:         time.Now,
		ledger:        ledger,
		cluster:       cluster,
		tokenDecimals: tokenDecimals,
		commitment:    "confirmed",
	}, nil
}

// Close releases underlying websocket resources and stops the health checker.
func (s *Settler) Close() {
	if s.healthChecker != nil {
		s.healthChecker.Stop()
	}
	if s.wsClient != nil {
		s.wsClient.Close()
	}
}

// RPCClient returns the underlying RPC client for direct access.
func (s *Settler) RPCClient() *rpc.Client {
	return s.rpcClient
}

// GetHealthChecker returns the wallet health checker for monitoring.
func (s *Settler) GetHealthChecker() *WalletHealthChecker {
	return s.healthChecker
}

// SetServerWallets configures the fee-payer wallets used for gasless
// co-signing and token account creation. Wallets rotate round-robin to
// spread load and avoid per-key rate limits. This also starts the wallet
// health checker.
func (s *Settler) SetServerWallets(wallets []solana.PrivateKey) {
	s.serverWallets = wallets
	if len(wallets) > 0 {
		s.healthChecker = NewWalletHealthChecker(s.rpcClient, wallets)
		s.healthChecker.Start()
	}
}

// WithMetrics adds metrics collection to the settler.
func (s *Settler) WithMetrics(m *metrics.Metrics, network string) *Settler {
	s.metrics = m
	s.network = network
	return s
}

// EnableGasless enables fee-payer co-signing of partially-signed transfers.
func (s *Settler) EnableGasless() {
	s.gaslessEnabled = true
}

// EnableAutoCreateTokenAccounts enables automatic ATA creation when the
// recipient token account is missing.
func (s *Settler) EnableAutoCreateTokenAccounts() {
	s.autoCreateTokenAccounts = true
}

// SetSkipPreflight configures whether submitted transactions skip RPC
// preflight simulation.
func (s *Settler) SetSkipPreflight(skip bool) {
	s.skipPreflight = skip
}

// SetCommitment configures the commitment level required before a
// settlement is considered confirmed.
func (s *Settler) SetCommitment(commitment string) {
	if commitment != "" {
		s.commitment = commitment
	}
}

// SetupTxQueue initializes the transaction queue with the given rate
// limiting settings. Once configured, Settle submits every transaction
// through the queue instead of sending directly, so a burst of concurrent
// settlements is serialized and rate-limited rather than hammering the RPC
// node all at once.
func (s *Settler) SetupTxQueue(minTimeBetween time.Duration, maxInFlight int) {
	s.txQueue = NewTransactionQueue(s.rpcClient, minTimeBetween, maxInFlight)
	s.txQueue.Start()
}

// ShutdownTxQueue stops the transaction queue gracefully.
func (s *Settler) ShutdownTxQueue() {
	if s.txQueue != nil {
		s.txQueue.Shutdown()
	}
}

// getNextWallet returns the next healthy fee-payer wallet using round-robin
// selection. Returns nil if no wallets are configured or all are unhealthy.
func (s *Settler) getNextWallet() *solana.PrivateKey {
	if len(s.serverWallets) == 0 {
		return nil
	}
	if s.healthChecker != nil {
		idx := s.walletIndex.Load()
		wallet := s.healthChecker.GetHealthyWallet(&idx)
		s.walletIndex.Store(idx)
		return wallet
	}
	idx := s.walletIndex.Add(1) % uint64(len(s.serverWallets))
	return &s.serverWallets[idx]
}

// findWalletByPublicKey returns the wallet matching the given public key, or nil if not found.
func (s *Settler) findWalletByPublicKey(pubkey solana.PublicKey) *solana.PrivateKey {
	for i := range s.serverWallets {
		if s.serverWallets[i].PublicKey().Equals(pubkey) {
			return &s.serverWallets[i]
		}
	}
	return nil
}

// requirementFromWire converts the wire Requirements plus whatever the
// envelope's Solana payload already carries into the internal Requirement
// shape validateTransferInstructionAndExtractAuthority expects.
func (s *Settler) requirementFromWire(req schema.Requirements, payload *schema.SolanaTransactionPayload) (schema.Requirement, error) {
	atomicAmount, err := strconv.ParseUint(req.MaxAmountRequired, 10, 64)
	if err != nil {
		return schema.Requirement{}, fmt.Errorf("invalid maxAmountRequired %q: %w", req.MaxAmountRequired, err)
	}
	amount := float64(atomicAmount) / math.Pow10(int(s.tokenDecimals))

	return schema.Requirement{
		ResourceID:            req.Resource,
		RecipientOwner:        req.PayTo,
		RecipientTokenAccount: payload.RecipientTokenAccount,
		TokenMint:             req.Asset,
		Amount:                amount,
		Network:               req.Network,
		TokenDecimals:         s.tokenDecimals,
		SkipPreflight:         s.skipPreflight,
		Commitment:            s.commitment,
	}, nil
}

// Settle confirms, optionally co-signs, submits, and waits for confirmation
// of a pre-signed Solana SPL transfer carried in env.Solana, guarding
// against replay via the payer's declared signature.
func (s *Settler) Settle(ctx context.Context, env schema.Envelope, req schema.Requirements, facilitatorID string) (Result, error) {
	if env.Solana == nil {
		return Result{}, newVerificationError(apierrors.ErrCodeInvalidTransaction, errors.New("envelope carries no solana payload"))
	}
	payload := env.Solana
	if payload.Transaction == "" {
		return Result{}, newVerificationError(apierrors.ErrCodeInvalidTransaction, errors.New("transaction payload missing"))
	}

	dedupKey := nonceledger.Key{
		Nonce:   payload.Signature,
		From:    payload.FeePayer,
		ChainID: s.cluster,
	}
	if dedupKey.Nonce == "" {
		// No declared client-side signature: key on the transaction bytes
		// themselves so a resubmission of the identical payload still dedups.
		dedupKey.Nonce = payload.Transaction
	}
	decision, err := s.ledger.TryAcquire(ctx, nonceledger.Row{
		Key:           dedupKey,
		FacilitatorID: facilitatorID,
		ExpiresAt:     s.clock().Add(schema.DefaultAccessTTL),
	})
	if err != nil {
		return Result{}, newVerificationError(apierrors.ErrCodeInternalError, fmt.Errorf("ledger acquire: %w", err))
	}
	if !decision.Acquired {
		return Result{}, newVerificationError(apierrors.ErrCodeDuplicateSubmission, errors.New(decision.RejectReason))
	}
	release := func() { _ = s.ledger.Release(ctx, dedupKey) }

	requirement, err := s.requirementFromWire(req, payload)
	if err != nil {
		release()
		return Result{}, newVerificationError(apierrors.ErrCodeInvalidField, err)
	}
	if requirement.RecipientOwner == "" {
		release()
		return Result{}, newVerificationError(apierrors.ErrCodeInvalidRecipient, errors.New("recipient owner not configured"))
	}
	if requirement.TokenMint == "" {
		release()
		return Result{}, newVerificationError(apierrors.ErrCodeInvalidTokenMint, errors.New("token mint required"))
	}

	tx, err := solana.TransactionFromBase64(payload.Transaction)
	if err != nil {
		release()
		return Result{}, newVerificationError(apierrors.ErrCodeInvalidTransaction, err)
	}
	if len(tx.Message.AccountKeys) == 0 {
		release()
		return Result{}, newVerificationError(apierrors.ErrCodeInvalidTransaction, errors.New("transaction missing account keys"))
	}
	txFeePayer := tx.Message.AccountKeys[0]

	if payload.FeePayer != "" {
		expectedFeePayer, err := solana.PublicKeyFromBase58(payload.FeePayer)
		if err != nil {
			release()
			return Result{}, newVerificationError(apierrors.ErrCodeInvalidTransaction, fmt.Errorf("invalid fee payer address: %w", err))
		}
		if !txFeePayer.Equals(expectedFeePayer) {
			release()
			return Result{}, newVerificationError(apierrors.ErrCodeInvalidTransaction, fmt.Errorf("transaction fee payer %s does not match declared %s", txFeePayer.String(), payload.FeePayer))
		}
	}

	amount, userWallet, err := validateTransferInstructionAndExtractAuthority(tx, requirement)
	if err != nil {
		release()
		return Result{}, err
	}
	if amount+schema.AmountTolerance < requirement.Amount {
		release()
		return Result{}, newVerificationError(apierrors.ErrCodeAmountBelowMinimum, fmt.Errorf("amount %.8f < %.8f", amount, requirement.Amount))
	}

	if s.gaslessEnabled && payload.FeePayer != "" {
		matchingWallet := s.findWalletByPublicKey(txFeePayer)
		if matchingWallet == nil {
			release()
			return Result{}, newVerificationError(apierrors.ErrCodeInvalidTransaction, fmt.Errorf("transaction fee payer %s does not match any configured server wallet", txFeePayer.String()))
		}
		if _, err := tx.PartialSign(func(key solana.PublicKey) *solana.PrivateKey {
			if key.Equals(matchingWallet.PublicKey()) {
				return matchingWallet
			}
			return nil
		}); err != nil {
			release()
			return Result{}, newVerificationError(apierrors.ErrCodeInternalError, fmt.Errorf("failed to co-sign transaction: %w", err))
		}
	}

	// The transaction is submitted exactly as the payer signed it: patching
	// in a fresher blockhash or prepending compute-budget instructions here
	// would invalidate the payer's signature. Priority fees and the
	// blockhash are set when the unsigned transaction is built
	// (BuildGaslessTransfer); a stale blockhash surfaces as a failed
	// confirmation within the validity window.
	commitment := commitmentFromString(requirement.Commitment)
	sendOpts := rpc.TransactionOpts{SkipPreflight: requirement.SkipPreflight, PreflightCommitment: commitment}

	rpcStart := time.Now()
	signature, sendErr := s.sendTransaction(ctx, dedupKey.Nonce, tx, sendOpts)
	if s.metrics != nil {
		s.metrics.ObserveRPCCall("SendTransaction", s.network, time.Since(rpcStart), sendErr)
	}
	if sendErr != nil && !isAlreadyProcessedError(sendErr) {
		if isInsufficientFundsTokenError(sendErr) {
			release()
			return Result{}, newVerificationError(apierrors.ErrCodeInsufficientFundsToken, sendErr)
		}
		if isInsufficientFundsSOLError(sendErr) {
			release()
			return Result{}, newVerificationError(apierrors.ErrCodeInternalError, sendErr)
		}
		if isAccountNotFoundError(sendErr) && s.autoCreateTokenAccounts {
			wallet := s.getNextWallet()
			if wallet == nil {
				release()
				return Result{}, newVerificationError(apierrors.ErrCodeTransactionFailed, fmt.Errorf("auto-create enabled but no server wallets configured (original error: %w)", sendErr))
			}
			if err := s.handleMissingTokenAccount(ctx, requirement, *wallet); err != nil {
				release()
				return Result{}, newVerificationError(apierrors.ErrCodeTransactionFailed, fmt.Errorf("failed to create token account: %w (original error: %w)", err, sendErr))
			}
			if err := s.waitForTokenAccountPropagation(ctx, requirement.RecipientTokenAccount); err != nil {
				release()
				return Result{}, newVerificationError(apierrors.ErrCodeTransactionFailed, fmt.Errorf("token account creation timeout: %w", err))
			}
			retryOpts := rpc.TransactionOpts{SkipPreflight: true, PreflightCommitment: commitment}
			retryStart := time.Now()
			signature, sendErr = s.rpcClient.SendTransactionWithOpts(ctx, tx, retryOpts)
			if s.metrics != nil {
				s.metrics.ObserveRPCCall("SendTransaction", s.network, time.Since(retryStart), sendErr)
			}
			if sendErr != nil && !isAlreadyProcessedError(sendErr) {
				release()
				return Result{}, newVerificationError(apierrors.ErrCodeTransactionFailed, sendErr)
			}
		} else if sendErr != nil {
			release()
			return Result{}, newVerificationError(apierrors.ErrCodeTransactionFailed, sendErr)
		}
	}

	// Past this point the transfer has been broadcast: a confirmation
	// failure does not release the dedup hold, since the transfer may yet
	// land and a second submission with the same signature must still be
	// rejected.
	waitCtx, cancel := context.WithTimeout(ctx, maxDuration(requirement.QuoteTTL, schema.DefaultConfirmationTimeout))
	defer cancel()

	log := logger.FromContext(ctx)
	log.Debug().
		Str("signature", logger.TruncateAddress(signature.String())).
		Str("commitment", string(commitment)).
		Msg("settlement.awaiting_confirmation")

	confirmStart := time.Now()
	if err := s.awaitConfirmation(waitCtx, signature, commitment); err != nil {
		log.Error().
			Err(err).
			Str("signature", logger.TruncateAddress(signature.String())).
			Dur("wait_time_ms", time.Since(confirmStart)).
			Msg("settlement.confirmation_failed")
		return Result{}, newVerificationError(apierrors.ErrCodeTransactionNotConfirmed, err)
	}

	if err := s.ledger.MarkSettled(ctx, dedupKey, signature.String()); err != nil {
		log.Warn().Err(err).Msg("settlement.mark_settled_failed")
	}

	log.Info().
		Str("wallet", logger.TruncateAddress(userWallet.String())).
		Str("signature", logger.TruncateAddress(signature.String())).
		Float64("amount", amount).
		Str("token_mint", requirement.TokenMint).
		Dur("confirmation_time_ms", time.Since(confirmStart)).
		Msg("settlement.confirmed")

	return Result{TxHash: signature.String(), Payer: userWallet.String(), Amount: amount}, nil
}

// sendTransaction routes a broadcast through the transaction queue when one
// is configured, otherwise sends directly.
func (s *Settler) sendTransaction(ctx context.Context, id string, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error) {
	if s.txQueue != nil {
		return s.txQueue.Submit(ctx, id, tx, opts)
	}
	return s.rpcClient.SendTransactionWithOpts(ctx, tx, opts)
}

// handleMissingTokenAccount creates the associated token account for the recipient.
func (s *Settler) handleMissingTokenAccount(ctx context.Context, requirement schema.Requirement, wallet solana.PrivateKey) error {
	owner, err := solana.PublicKeyFromBase58(requirement.RecipientOwner)
	if err != nil {
		return fmt.Errorf("invalid recipient owner: %w", err)
	}
	mint, err := solana.PublicKeyFromBase58(requirement.TokenMint)
	if err != nil {
		return fmt.Errorf("invalid token mint: %w", err)
	}
	if _, err := solanaHelpers.CreateAssociatedTokenAccount(ctx, s.rpcClient, s.wsClient, wallet, owner, mint); err != nil {
		return fmt.Errorf("create ATA: %w", err)
	}
	return nil
}

// waitForTokenAccountPropagation polls for token account existence with
// exponential backoff rather than a fixed sleep.
func (s *Settler) waitForTokenAccountPropagation(ctx context.Context, tokenAccountAddr string) error {
	accountPubkey, err := solana.PublicKeyFromBase58(tokenAccountAddr)
	if err != nil {
		return fmt.Errorf("invalid token account address: %w", err)
	}

	const maxAttempts = 30
	backoff := 500 * time.Millisecond
	const maxBackoff = 2 * time.Second

	timer := time.NewTimer(backoff)
	defer timer.Stop()

	for attempt := 0; attempt < maxAttempts; attempt++ {
		getAccountStart := time.Now()
		accountInfo, err := s.rpcClient.GetAccountInfo(ctx, accountPubkey)
		if s.metrics != nil {
			s.metrics.ObserveRPCCall("GetAccountInfo", s.network, time.Since(getAccountStart), err)
		}
		if err == nil && accountInfo != nil && accountInfo.Value != nil {
			return nil
		}

		timer.Reset(backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}

	return fmt.Errorf("token account not found after %d attempts", maxAttempts)
}
