package errors

// ErrorCode represents a machine-readable error identifier for the
// facilitator's JSON error responses.
type ErrorCode string

// x402 envelope/verification errors.
const (
	ErrCodeBadEnvelope         ErrorCode = "bad_envelope"
	ErrCodeUnsupportedNetwork  ErrorCode = "unsupported_network"
	ErrCodeNotYetValid         ErrorCode = "not_yet_valid"
	ErrCodeExpired             ErrorCode = "expired"
	ErrCodeInsufficientAmount  ErrorCode = "insufficient_amount"
	ErrCodeDuplicateSubmission ErrorCode = "duplicate_submission"
	ErrCodeBadSignature        ErrorCode = "bad_signature"
)

// EVM settlement errors.
const (
	ErrCodeInsufficientGas ErrorCode = "insufficient_gas"
	ErrCodeReverted        ErrorCode = "reverted"
	ErrCodeSettlementError ErrorCode = "settlement_error"
)

// Solana transaction verification failures (settlement path shared with the
// Solana settler, which inspects a pre-signed transaction rather than
// building one).
const (
	ErrCodeTransactionNotFound     ErrorCode = "transaction_not_found"
	ErrCodeTransactionNotConfirmed ErrorCode = "transaction_not_confirmed"
	ErrCodeTransactionFailed       ErrorCode = "transaction_failed"

	ErrCodeInvalidRecipient   ErrorCode = "invalid_recipient"
	ErrCodeInvalidSender      ErrorCode = "invalid_sender"
	ErrCodeInvalidTransaction ErrorCode = "invalid_transaction"

	ErrCodeInsufficientFunds      ErrorCode = "insufficient_funds_native"
	ErrCodeInsufficientFundsToken ErrorCode = "insufficient_funds_token"
	ErrCodeInvalidTokenMint       ErrorCode = "invalid_token_mint"
	ErrCodeAmountBelowMinimum     ErrorCode = "amount_below_minimum"

	ErrCodeNotSPLTransfer      ErrorCode = "not_spl_transfer"
	ErrCodeMissingTokenAccount ErrorCode = "missing_token_account"
	ErrCodeInvalidTokenProgram ErrorCode = "invalid_token_program"

	ErrCodeMissingMemo ErrorCode = "missing_memo"
	ErrCodeInvalidMemo ErrorCode = "invalid_memo"

	ErrCodeQuoteExpired       ErrorCode = "quote_expired"
	ErrCodeTransactionExpired ErrorCode = "transaction_expired"
)

// Refund-claim intake errors.
const (
	ErrCodeUnauthorizedRefundIssuer ErrorCode = "unauthorized_refund_issuer"
	ErrCodeRefundsDisabled          ErrorCode = "refunds_disabled"
	ErrCodeDuplicateClaim           ErrorCode = "duplicate_claim"
	ErrCodeInvalidClaimTransition   ErrorCode = "invalid_claim_transition"
)

// Request validation errors.
const (
	ErrCodeMissingField ErrorCode = "missing_field"
	ErrCodeInvalidField ErrorCode = "invalid_field"
)

// Resource/state errors.
const (
	ErrCodeResourceNotFound ErrorCode = "resource_not_found"
)

// External service and system errors.
const (
	ErrCodeRPCError      ErrorCode = "rpc_error"
	ErrCodeNetworkError  ErrorCode = "network_error"
	ErrCodeInternalError ErrorCode = "internal_error"
	ErrCodeDatabaseError ErrorCode = "database_error"
	ErrCodeConfigError   ErrorCode = "config_error"
)

// IsRetryable returns whether an error code represents a retryable error.
// Retryable errors are typically transient network/RPC issues, not
// validation or settlement failures.
func (e ErrorCode) IsRetryable() bool {
	switch e {
	case ErrCodeRPCError,
		ErrCodeNetworkError,
		ErrCodeTransactionNotConfirmed:
		return true
	default:
		return false
	}
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e ErrorCode) HTTPStatus() int {
	switch e {
	case ErrCodeBadEnvelope,
		ErrCodeBadSignature,
		ErrCodeMissingField,
		ErrCodeInvalidField,
		ErrCodeInvalidRecipient,
		ErrCodeInvalidSender,
		ErrCodeInvalidTransaction,
		ErrCodeInvalidTokenMint,
		ErrCodeNotSPLTransfer,
		ErrCodeInvalidTokenProgram,
		ErrCodeMissingMemo,
		ErrCodeInvalidMemo:
		return 400

	// 402 Payment Required - payment/settlement verification failures.
	// This is the status the x402 retry flow hinges on.
	case ErrCodeUnsupportedNetwork,
		ErrCodeNotYetValid,
		ErrCodeExpired,
		ErrCodeInsufficientAmount,
		ErrCodeAmountBelowMinimum,
		ErrCodeDuplicateSubmission,
		ErrCodeTransactionNotFound,
		ErrCodeTransactionNotConfirmed,
		ErrCodeTransactionFailed,
		ErrCodeInsufficientFunds,
		ErrCodeInsufficientFundsToken,
		ErrCodeReverted,
		ErrCodeMissingTokenAccount,
		ErrCodeQuoteExpired,
		ErrCodeTransactionExpired:
		return 402

	case ErrCodeUnauthorizedRefundIssuer:
		return 403

	case ErrCodeResourceNotFound:
		return 404

	case ErrCodeDuplicateClaim, ErrCodeInvalidClaimTransition, ErrCodeRefundsDisabled:
		return 409

	case ErrCodeRPCError, ErrCodeNetworkError:
		return 502

	// Facilitator-side faults (insufficient gas, settlement/internal/database
	// errors) are the server's problem, not the payer's.
	default:
		return 500
	}
}
