package solana

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/programs/memo"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
)

// GaslessBuildParams is the wire-shaped input to BuildGaslessTransfer:
// base58-encoded keys as they arrive over HTTP plus the atomic transfer
// amount. RecipientTokenAccount may be left empty when RecipientOwner is
// given; the associated token account is derived.
type GaslessBuildParams struct {
	PayerWallet           string
	FeePayer              string
	RecipientOwner        string
	RecipientTokenAccount string
	TokenMint             string
	Amount                uint64
	Memo                  string
	ComputeUnitLimit      uint32
	ComputeUnitPrice      uint64
}

// GaslessTxRequest is the parsed, chain-typed form of a gasless build.
type GaslessTxRequest struct {
	PayerWallet           solana.PublicKey  // signs the transfer, not the fees
	FeePayer              *solana.PublicKey // optional: pin a specific sponsor wallet
	RecipientTokenAccount solana.PublicKey
	TokenMint             solana.PublicKey
	Amount                uint64 // atomic units
	Decimals              uint8
	Memo                  string
	ComputeUnitLimit      uint32 // 0 skips the instruction
	ComputeUnitPrice      uint64 // priority fee in microlamports per CU; 0 skips
	Blockhash             solana.Hash
}

// GaslessTxResponse carries the unsigned transaction back to the client for
// partial signing.
type GaslessTxResponse struct {
	Transaction string `json:"transaction"` // base64-encoded unsigned transaction
	Blockhash   string `json:"blockhash"`
	FeePayer    string `json:"feePayer"` // sponsor wallet that will pay fees
}

// BuildGaslessTransfer parses wire params, derives the recipient token
// account when only the owner is given, fetches a fresh blockhash, and
// builds the unsigned sponsored transfer. This is the only point in the
// pipeline where the priority-fee compute-budget instructions can be
// attached: by the time Settle sees a transaction the payer has already
// signed it, and prepending anything there would invalidate that signature.
func (s *Settler) BuildGaslessTransfer(ctx context.Context, p GaslessBuildParams) (GaslessTxResponse, error) {
	payer, err := solana.PublicKeyFromBase58(p.PayerWallet)
	if err != nil {
		return GaslessTxResponse{}, fmt.Errorf("invalid payer wallet: %w", err)
	}
	mint, err := solana.PublicKeyFromBase58(p.TokenMint)
	if err != nil {
		return GaslessTxResponse{}, fmt.Errorf("invalid token mint: %w", err)
	}

	var recipient solana.PublicKey
	switch {
	case p.RecipientTokenAccount != "":
		recipient, err = solana.PublicKeyFromBase58(p.RecipientTokenAccount)
		if err != nil {
			return GaslessTxResponse{}, fmt.Errorf("invalid recipient token account: %w", err)
		}
	case p.RecipientOwner != "":
		owner, ownerErr := solana.PublicKeyFromBase58(p.RecipientOwner)
		if ownerErr != nil {
			return GaslessTxResponse{}, fmt.Errorf("invalid recipient owner: %w", ownerErr)
		}
		recipient, _, err = solana.FindAssociatedTokenAddress(owner, mint)
		if err != nil {
			return GaslessTxResponse{}, fmt.Errorf("derive recipient token account: %w", err)
		}
	default:
		return GaslessTxResponse{}, errors.New("recipient token account or owner required")
	}

	var feePayer *solana.PublicKey
	if p.FeePayer != "" {
		fp, fpErr := solana.PublicKeyFromBase58(p.FeePayer)
		if fpErr != nil {
			return GaslessTxResponse{}, fmt.Errorf("invalid fee payer: %w", fpErr)
		}
		feePayer = &fp
	}

	bhStart := time.Now()
	blockhash, err := s.rpcClient.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if s.metrics != nil {
		s.metrics.ObserveRPCCall("GetLatestBlockhash", s.network, time.Since(bhStart), err)
	}
	if err != nil {
		return GaslessTxResponse{}, fmt.Errorf("latest blockhash: %w", err)
	}

	return s.BuildGaslessTransaction(ctx, GaslessTxRequest{
		PayerWallet:           payer,
		FeePayer:              feePayer,
		RecipientTokenAccount: recipient,
		TokenMint:             mint,
		Amount:                p.Amount,
		Decimals:              s.tokenDecimals,
		Memo:                  p.Memo,
		ComputeUnitLimit:      p.ComputeUnitLimit,
		ComputeUnitPrice:      p.ComputeUnitPrice,
		Blockhash:             blockhash.Value.Blockhash,
	})
}

// BuildGaslessTransaction assembles the unsigned transaction: compute-budget
// instructions (when configured), the TransferChecked, and an optional memo,
// with a sponsor wallet as fee payer. The client deserializes it, signs as
// transfer authority only, and submits the partially-signed result through
// the normal payment flow; Settle then co-signs as fee payer and broadcasts.
func (s *Settler) BuildGaslessTransaction(ctx context.Context, req GaslessTxRequest) (GaslessTxResponse, error) {
	if !s.gaslessEnabled {
		return GaslessTxResponse{}, errors.New("gasless transactions not enabled")
	}

	var wallet *solana.PrivateKey
	if req.FeePayer != nil {
		wallet = s.findWalletByPublicKey(*req.FeePayer)
		if wallet == nil {
			return GaslessTxResponse{}, fmt.Errorf("specified fee payer not found in server wallets: %s", req.FeePayer.String())
		}
	} else {
		wallet = s.getNextWallet()
		if wallet == nil {
			return GaslessTxResponse{}, errors.New("no server wallets configured for gasless")
		}
	}

	// Source is the payer's associated token account for this mint.
	fromTokenAccount, _, err := solana.FindAssociatedTokenAddress(req.PayerWallet, req.TokenMint)
	if err != nil {
		return GaslessTxResponse{}, fmt.Errorf("derive user token account: %w", err)
	}

	instructions := make([]solana.Instruction, 0, 4)

	if req.ComputeUnitLimit > 0 {
		instructions = append(instructions,
			computebudget.NewSetComputeUnitLimitInstruction(req.ComputeUnitLimit).Build(),
		)
	}

	// Priority fee improves landing under congestion.
	if req.ComputeUnitPrice > 0 {
		instructions = append(instructions,
			computebudget.NewSetComputeUnitPriceInstruction(req.ComputeUnitPrice).Build(),
		)
	}

	instructions = append(instructions,
		token.NewTransferCheckedInstruction(
			req.Amount,
			req.Decimals,
			fromTokenAccount,
			req.TokenMint,
			req.RecipientTokenAccount,
			req.PayerWallet,
			[]solana.PublicKey{},
		).Build(),
	)

	if req.Memo != "" {
		instructions = append(instructions,
			memo.NewMemoInstruction(
				[]byte(req.Memo),
				req.PayerWallet,
			).Build(),
		)
	}

	tx, err := solana.NewTransaction(
		instructions,
		req.Blockhash,
		solana.TransactionPayer(wallet.PublicKey()),
	)
	if err != nil {
		return GaslessTxResponse{}, fmt.Errorf("build transaction: %w", err)
	}

	// Serialized UNSIGNED: the payer signs first, the sponsor signs at settle.
	txBytes, err := tx.MarshalBinary()
	if err != nil {
		return GaslessTxResponse{}, fmt.Errorf("serialize transaction: %w", err)
	}

	return GaslessTxResponse{
		Transaction: base64.StdEncoding.EncodeToString(txBytes),
		Blockhash:   req.Blockhash.String(),
		FeePayer:    wallet.PublicKey().String(),
	}, nil
}
