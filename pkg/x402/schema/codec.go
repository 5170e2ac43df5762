// Package schema holds the x402 wire types (payment envelope, payment
// requirements, verify/settle response shapes) and the facilitator-wide
// error type. It is a leaf package: pkg/x402 (the protocol engine) and the
// chain settlers (pkg/x402/evm, pkg/x402/solana) both depend on it, so it
// must not depend on either of them.
package schema

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrBadEnvelope is returned by DecodeEnvelope for any malformed X-PAYMENT
// header: bad base64, bad JSON, or a shape that matches neither the EVM nor
// the Solana payload.
var ErrBadEnvelope = errors.New("x402: malformed payment envelope")

// EVMAuthorizationPayload is the "exact" scheme payload for an ERC-3009
// transferWithAuthorization, per the x402 specification.
type EVMAuthorizationPayload struct {
	Signature   string `json:"signature"`
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// UnmarshalJSON tolerates validAfter/validBefore arriving as either JSON
// strings or bare numbers; both forms circulate among x402 clients.
func (a *EVMAuthorizationPayload) UnmarshalJSON(data []byte) error {
	type alias EVMAuthorizationPayload
	aux := struct {
		*alias
		ValidAfter  json.Number `json:"validAfter"`
		ValidBefore json.Number `json:"validBefore"`
	}{alias: (*alias)(a)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	a.ValidAfter = aux.ValidAfter.String()
	a.ValidBefore = aux.ValidBefore.String()
	return nil
}

// SolanaTransactionPayload is the scheme payload for a pre-signed Solana SPL
// transfer, co-signed and submitted by the facilitator as fee payer.
type SolanaTransactionPayload struct {
	Transaction           string            `json:"transaction"`
	Signature             string            `json:"signature,omitempty"`
	FeePayer              string            `json:"feePayer,omitempty"`
	Memo                  string            `json:"memo,omitempty"`
	RecipientTokenAccount string            `json:"recipientTokenAccount,omitempty"`
	Resource              string            `json:"resource,omitempty"`
	ResourceType          string            `json:"resourceType,omitempty"`
	Metadata              map[string]string `json:"metadata,omitempty"`
}

// Envelope is the normalized form of an X-PAYMENT header: exactly one of
// EVM/Solana is populated depending on which chain family Network resolves
// to. Extra holds the decoded envelope JSON as received, so any fields the
// wire payload carried that this facilitator doesn't otherwise model are
// preserved and a future scheme addition doesn't require breaking the
// decode step.
type Envelope struct {
	X402Version int
	Scheme      string
	Network     string
	EVM         *EVMAuthorizationPayload
	Solana      *SolanaTransactionPayload
	Extra       json.RawMessage
}

// wireEnvelope accepts both the nested x402 shape
// ({"payload": {"signature": ..., "authorization": {...}}}) and a flattened
// shape some older integrations emit ({"signature": ..., "authorization":
// {...}} at the top level, alongside x402Version/scheme/network).
type wireEnvelope struct {
	X402Version int             `json:"x402Version"`
	Scheme      string          `json:"scheme"`
	Network     string          `json:"network"`
	Payload     json.RawMessage `json:"payload"`

	// Flattened fallback fields.
	Signature     string          `json:"signature"`
	Authorization json.RawMessage `json:"authorization"`
	Transaction   string          `json:"transaction"`
}

type payloadShape struct {
	Authorization json.RawMessage `json:"authorization"`
	Transaction   string          `json:"transaction"`
}

// DecodeEnvelope parses the X-PAYMENT header value into a normalized
// Envelope. It accepts standard and unpadded base64, and (for tests and
// direct API callers) raw JSON starting with '{'. Any failure to decode,
// parse, or recognize the payload shape returns ErrBadEnvelope.
func DecodeEnvelope(header string) (Envelope, error) {
	raw := strings.TrimSpace(header)
	if raw == "" {
		return Envelope{}, fmt.Errorf("%w: empty header", ErrBadEnvelope)
	}

	var data []byte
	if strings.HasPrefix(raw, "{") {
		data = []byte(raw)
	} else {
		decoded, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			decoded, err = base64.RawStdEncoding.DecodeString(raw)
			if err != nil {
				return Envelope{}, fmt.Errorf("%w: base64 decode: %v", ErrBadEnvelope, err)
			}
		}
		data = decoded
	}

	var wire wireEnvelope
	if err := json.Unmarshal(data, &wire); err != nil {
		return Envelope{}, fmt.Errorf("%w: json decode: %v", ErrBadEnvelope, err)
	}

	env := Envelope{
		X402Version: wire.X402Version,
		Scheme:      wire.Scheme,
		Network:     wire.Network,
		Extra:       json.RawMessage(data),
	}

	shape := payloadShape{
		Authorization: wire.Authorization,
		Transaction:   wire.Transaction,
	}
	signature := wire.Signature
	if len(wire.Payload) > 0 {
		var nested payloadShape
		if err := json.Unmarshal(wire.Payload, &nested); err != nil {
			return Envelope{}, fmt.Errorf("%w: payload decode: %v", ErrBadEnvelope, err)
		}
		shape = nested
		var nestedSig struct {
			Signature string `json:"signature"`
		}
		_ = json.Unmarshal(wire.Payload, &nestedSig)
		if nestedSig.Signature != "" {
			signature = nestedSig.Signature
		}
	}

	switch {
	case len(shape.Authorization) > 0:
		var auth EVMAuthorizationPayload
		if err := json.Unmarshal(shape.Authorization, &auth); err != nil {
			return Envelope{}, fmt.Errorf("%w: authorization decode: %v", ErrBadEnvelope, err)
		}
		auth.Signature = signature
		env.EVM = &auth
	case shape.Transaction != "":
		var sol SolanaTransactionPayload
		payloadBytes := wire.Payload
		if len(payloadBytes) == 0 {
			payloadBytes = data
		}
		if err := json.Unmarshal(payloadBytes, &sol); err != nil {
			return Envelope{}, fmt.Errorf("%w: solana payload decode: %v", ErrBadEnvelope, err)
		}
		if sol.Signature == "" {
			sol.Signature = signature
		}
		env.Solana = &sol
	default:
		return Envelope{}, fmt.Errorf("%w: unrecognized payload shape", ErrBadEnvelope)
	}

	return env, nil
}

// EncodeEnvelope renders an Envelope back into the nested wire shape the
// x402 spec prescribes. Used by facilitator-side test fixtures; clients
// build their own envelopes.
func EncodeEnvelope(env Envelope) (string, error) {
	wire := struct {
		X402Version int    `json:"x402Version"`
		Scheme      string `json:"scheme"`
		Network     string `json:"network"`
		Payload     any    `json:"payload"`
	}{
		X402Version: env.X402Version,
		Scheme:      env.Scheme,
		Network:     env.Network,
	}

	switch {
	case env.EVM != nil:
		wire.Payload = map[string]any{
			"signature":     env.EVM.Signature,
			"authorization": env.EVM,
		}
	case env.Solana != nil:
		wire.Payload = env.Solana
	default:
		return "", fmt.Errorf("x402: envelope has neither EVM nor Solana payload")
	}

	data, err := json.Marshal(wire)
	if err != nil {
		return "", fmt.Errorf("x402: marshal envelope: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// VerifyResponseWire mirrors the /verify JSON response. It accepts the
// legacy "valid" key as an alias for "isValid" on decode (some early x402
// facilitators shipped that name) but only ever emits "isValid".
type VerifyResponseWire struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

func (v *VerifyResponseWire) UnmarshalJSON(data []byte) error {
	type alias VerifyResponseWire
	aux := struct {
		*alias
		Valid *bool `json:"valid"`
	}{alias: (*alias)(v)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.Valid != nil {
		v.IsValid = *aux.Valid
	}
	return nil
}

// SettleResponseWire mirrors the /settle JSON response. It accepts the
// legacy "transactionHash" key as an alias for "transaction" on decode but
// only ever emits "transaction".
type SettleResponseWire struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction"`
	Network     string `json:"network,omitempty"`
	Payer       string `json:"payer,omitempty"`
	ErrorReason string `json:"errorReason,omitempty"`
}

func (s *SettleResponseWire) UnmarshalJSON(data []byte) error {
	type alias SettleResponseWire
	aux := struct {
		*alias
		TransactionHash *string `json:"transactionHash"`
	}{alias: (*alias)(s)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.TransactionHash != nil && s.Transaction == "" {
		s.Transaction = *aux.TransactionHash
	}
	return nil
}
