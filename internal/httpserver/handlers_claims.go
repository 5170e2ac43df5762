package httpserver

import (
	"net/http"

	apierrors "github.com/chainfacilitator/x402fac/internal/errors"
	"github.com/chainfacilitator/x402fac/internal/refundintake"
	"github.com/chainfacilitator/x402fac/pkg/responders"
)

type reportFailureRequest struct {
	OriginalTxHash string `json:"originalTxHash"`
	UserWallet     string `json:"userWallet"`
	Amount         string `json:"amount"`
	Asset          string `json:"asset"`
	Network        string `json:"network"`
	Reason         string `json:"reason"`
}

type reportFailureResponse struct {
	ClaimID string `json:"claimId"`
}

// reportFailure implements POST /claims/report-failure. The caller proves
// it's a registered resource server with the X-Server-Api-Key header; the
// claim is recorded for operator review, never paid out synchronously.
func (h *handlers) reportFailure(w http.ResponseWriter, r *http.Request) {
	if h.refunds == nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeRefundsDisabled, "refund-claim intake is disabled on this facilitator")
		return
	}

	apiKey := r.Header.Get("X-Server-Api-Key")

	var req reportFailureRequest
	if err := decodeJSON(r, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "malformed request body")
		return
	}

	claimID, err := h.refunds.ReportFailure(r.Context(), apiKey, refundintake.ReportFailureRequest{
		OriginalTxHash: req.OriginalTxHash,
		UserWallet:     req.UserWallet,
		Amount:         req.Amount,
		Asset:          req.Asset,
		Network:        req.Network,
		Reason:         req.Reason,
	})
	if err != nil {
		writeFacilitatorError(w, err)
		return
	}

	responders.JSON(w, http.StatusCreated, reportFailureResponse{ClaimID: claimID})
}
