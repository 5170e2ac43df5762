package solana

import (
	"context"
	"testing"

	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBuilderSettler(t *testing.T) (*Settler, solana.PrivateKey) {
	t.Helper()
	wallet, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	return &Settler{
		gaslessEnabled: true,
		serverWallets:  []solana.PrivateKey{wallet},
		tokenDecimals:  6,
	}, wallet
}

func builderRequest(t *testing.T) GaslessTxRequest {
	t.Helper()
	payer, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	recipient, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	mint := solana.MustPublicKeyFromBase58("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v")
	recipientATA, _, err := solana.FindAssociatedTokenAddress(recipient.PublicKey(), mint)
	require.NoError(t, err)

	return GaslessTxRequest{
		PayerWallet:           payer.PublicKey(),
		RecipientTokenAccount: recipientATA,
		TokenMint:             mint,
		Amount:                1_000_000,
		Decimals:              6,
		Memo:                  "order-1",
		ComputeUnitLimit:      200_000,
		ComputeUnitPrice:      50_000,
		Blockhash:             solana.Hash{},
	}
}

func TestBuildGaslessTransactionPrependsComputeBudget(t *testing.T) {
	settler, wallet := newBuilderSettler(t)
	resp, err := settler.BuildGaslessTransaction(context.Background(), builderRequest(t))
	require.NoError(t, err)
	assert.Equal(t, wallet.PublicKey().String(), resp.FeePayer)

	tx, err := solana.TransactionFromBase64(resp.Transaction)
	require.NoError(t, err)

	// compute-unit limit, priority fee, transfer, memo — in that order.
	require.Len(t, tx.Message.Instructions, 4)
	for i := 0; i < 2; i++ {
		programID := tx.Message.AccountKeys[tx.Message.Instructions[i].ProgramIDIndex]
		assert.True(t, programID.Equals(computebudget.ProgramID), "instruction %d must be a compute-budget instruction", i)
	}
	assert.True(t, tx.Message.AccountKeys[0].Equals(wallet.PublicKey()), "sponsor wallet must be the fee payer")
}

func TestBuildGaslessTransactionSkipsZeroComputeBudget(t *testing.T) {
	settler, _ := newBuilderSettler(t)
	req := builderRequest(t)
	req.ComputeUnitLimit = 0
	req.ComputeUnitPrice = 0
	req.Memo = ""

	resp, err := settler.BuildGaslessTransaction(context.Background(), req)
	require.NoError(t, err)

	tx, err := solana.TransactionFromBase64(resp.Transaction)
	require.NoError(t, err)
	require.Len(t, tx.Message.Instructions, 1)
}

func TestBuildGaslessTransactionRequiresGaslessEnabled(t *testing.T) {
	settler, _ := newBuilderSettler(t)
	settler.gaslessEnabled = false

	_, err := settler.BuildGaslessTransaction(context.Background(), builderRequest(t))
	require.Error(t, err)
}
