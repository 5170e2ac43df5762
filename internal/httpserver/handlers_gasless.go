package httpserver

import (
	"net/http"
	"strconv"

	apierrors "github.com/chainfacilitator/x402fac/internal/errors"
	"github.com/chainfacilitator/x402fac/pkg/responders"
	"github.com/chainfacilitator/x402fac/pkg/x402/solana"
)

type gaslessBuildRequest struct {
	PayerWallet           string `json:"payerWallet"`
	FeePayer              string `json:"feePayer,omitempty"`
	PayTo                 string `json:"payTo,omitempty"`
	RecipientTokenAccount string `json:"recipientTokenAccount,omitempty"`
	TokenMint             string `json:"tokenMint,omitempty"`
	Amount                string `json:"amount"` // atomic units, decimal string
	Memo                  string `json:"memo,omitempty"`
}

// gaslessBuild implements POST /gasless/build: it hands a payer an unsigned
// sponsored SPL transfer — fee payer set to a facilitator wallet, priority-fee
// compute-budget instructions prepended — which the payer partially signs and
// sends back through the normal X-PAYMENT flow for co-signing and settlement.
func (h *handlers) gaslessBuild(w http.ResponseWriter, r *http.Request) {
	settler := h.engine.SolanaSettler()
	if settler == nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeResourceNotFound, "gasless transaction building is not available on this facilitator")
		return
	}

	var req gaslessBuildRequest
	if err := decodeJSON(r, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "malformed request body")
		return
	}
	if req.PayerWallet == "" || req.Amount == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "payerWallet and amount are required")
		return
	}
	amount, err := strconv.ParseUint(req.Amount, 10, 64)
	if err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "amount must be a decimal string of atomic units")
		return
	}
	mint := req.TokenMint
	if mint == "" {
		mint = h.cfg.X402.TokenMint
	}

	resp, err := settler.BuildGaslessTransfer(r.Context(), solana.GaslessBuildParams{
		PayerWallet:           req.PayerWallet,
		FeePayer:              req.FeePayer,
		RecipientOwner:        req.PayTo,
		RecipientTokenAccount: req.RecipientTokenAccount,
		TokenMint:             mint,
		Amount:                amount,
		Memo:                  req.Memo,
		ComputeUnitLimit:      h.cfg.X402.ComputeUnitLimit,
		ComputeUnitPrice:      h.cfg.X402.ComputeUnitPriceMicroLamports,
	})
	if err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, err.Error())
		return
	}

	responders.JSON(w, http.StatusOK, resp)
}
