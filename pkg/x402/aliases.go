package x402

import "github.com/chainfacilitator/x402fac/pkg/x402/schema"

// The wire and error types live in pkg/x402/schema, a leaf package with no
// dependency on the engine or either chain settler. That lets the settlers
// (pkg/x402/evm, pkg/x402/solana) depend on the wire types without creating
// an import cycle back through this package, which depends on both
// settlers. These aliases keep the familiar x402.Envelope-style spelling
// everywhere else in the facilitator.
type (
	Envelope                 = schema.Envelope
	EVMAuthorizationPayload  = schema.EVMAuthorizationPayload
	SolanaTransactionPayload = schema.SolanaTransactionPayload
	Requirements             = schema.Requirements
	Requirement              = schema.Requirement
	VerificationResult       = schema.VerificationResult
	FacilitatorError         = schema.FacilitatorError
	VerificationError        = schema.VerificationError
	VerifyResponseWire       = schema.VerifyResponseWire
	SettleResponseWire       = schema.SettleResponseWire
)

var (
	ErrBadEnvelope         = schema.ErrBadEnvelope
	DecodeEnvelope         = schema.DecodeEnvelope
	EncodeEnvelope         = schema.EncodeEnvelope
	NewFacilitatorError    = schema.NewFacilitatorError
	NewVerificationError   = schema.NewVerificationError
	GetUserFriendlyMessage = schema.GetUserFriendlyMessage
)

const (
	BlockhashValidityWindow    = schema.BlockhashValidityWindow
	RPCPollInterval            = schema.RPCPollInterval
	DefaultConfirmationTimeout = schema.DefaultConfirmationTimeout
	DefaultAccessTTL           = schema.DefaultAccessTTL
	AmountTolerance            = schema.AmountTolerance
)
