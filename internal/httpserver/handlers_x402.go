package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/chainfacilitator/x402fac/internal/logger"
	"github.com/chainfacilitator/x402fac/pkg/responders"
	"github.com/chainfacilitator/x402fac/pkg/x402/schema"
)

// supported implements GET /supported: the catalog of (x402Version, scheme,
// network) triples this facilitator will verify and settle.
func (h *handlers) supported(w http.ResponseWriter, r *http.Request) {
	responders.JSON(w, http.StatusOK, h.engine.Supported())
}

// verifyRequestWire is the body of POST /verify and POST /settle: the
// payload is kept as raw JSON and rewrapped into the shape
// schema.DecodeEnvelope expects, since the /verify and /settle bodies carry
// paymentPayload bare rather than base64-encoded behind an X-PAYMENT header.
type verifyRequestWire struct {
	X402Version         int                 `json:"x402Version"`
	PaymentPayload      json.RawMessage     `json:"paymentPayload"`
	PaymentRequirements schema.Requirements `json:"paymentRequirements"`
}

func decodeEnvelopeFromBody(req verifyRequestWire) (schema.Envelope, error) {
	wrapped, err := json.Marshal(struct {
		X402Version int             `json:"x402Version"`
		Network     string          `json:"network"`
		Payload     json.RawMessage `json:"payload"`
	}{
		X402Version: req.X402Version,
		Network:     req.PaymentRequirements.Network,
		Payload:     req.PaymentPayload,
	})
	if err != nil {
		return schema.Envelope{}, fmt.Errorf("x402: re-encode payload: %w", err)
	}
	return schema.DecodeEnvelope(string(wrapped))
}

// verify implements POST /verify.
func (h *handlers) verify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequestWire
	if err := decodeJSON(r, &req); err != nil {
		responders.JSON(w, http.StatusBadRequest, schema.VerifyResponseWire{IsValid: false, InvalidReason: "malformed request body"})
		return
	}

	env, err := decodeEnvelopeFromBody(req)
	if err != nil {
		responders.JSON(w, http.StatusOK, schema.VerifyResponseWire{IsValid: false, InvalidReason: err.Error()})
		return
	}

	result := h.engine.Verify(r.Context(), env, req.PaymentRequirements)
	responders.JSON(w, http.StatusOK, schema.VerifyResponseWire{
		IsValid:       result.IsValid,
		Payer:         result.Payer,
		InvalidReason: result.InvalidReason,
	})
}

// settle implements POST /settle.
func (h *handlers) settle(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	var req verifyRequestWire
	if err := decodeJSON(r, &req); err != nil {
		responders.JSON(w, http.StatusBadRequest, schema.SettleResponseWire{Success: false, ErrorReason: "malformed request body"})
		return
	}

	env, err := decodeEnvelopeFromBody(req)
	if err != nil {
		responders.JSON(w, http.StatusOK, schema.SettleResponseWire{Success: false, Network: req.PaymentRequirements.Network, ErrorReason: err.Error()})
		return
	}

	result := h.engine.Settle(r.Context(), env, req.PaymentRequirements, r.Header.Get("X-Facilitator-Id"))
	if !result.Success {
		log.Warn().Str("network", result.Network).Str("reason", result.ErrorReason).Msg("settle.failed")
	}
	responders.JSON(w, http.StatusOK, schema.SettleResponseWire{
		Success:     result.Success,
		Transaction: result.Transaction,
		Payer:       result.Payer,
		Network:     result.Network,
		ErrorReason: result.ErrorReason,
	})
}
