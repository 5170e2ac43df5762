package schema

import (
	"fmt"
	"strings"

	"github.com/chainfacilitator/x402fac/internal/errors"
)

// FacilitatorError classifies failures encountered during payment
// verification and settlement. It is returned by the engine and both
// settlers so the HTTP layer can turn a failure into a stable
// {errorReason} response without re-deriving a user-facing message at
// every call site.
type FacilitatorError struct {
	Code    errors.ErrorCode // machine-readable error code
	Message string           // user-friendly message
	Err     error            // technical error for logging
}

func (e FacilitatorError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e FacilitatorError) Unwrap() error {
	return e.Err
}

// VerificationError is an alias kept for the Solana settler, which predates
// the EVM path and was written against this name.
type VerificationError = FacilitatorError

// NewFacilitatorError creates a new facilitator error with a user-friendly message.
func NewFacilitatorError(code errors.ErrorCode, err error) FacilitatorError {
	return FacilitatorError{
		Code:    code,
		Message: GetUserFriendlyMessage(code, err),
		Err:     err,
	}
}

// NewVerificationError is kept for the Solana settler's existing call sites.
func NewVerificationError(code errors.ErrorCode, err error) FacilitatorError {
	return NewFacilitatorError(code, err)
}

// GetUserFriendlyMessage converts error codes to user-friendly messages.
func GetUserFriendlyMessage(code errors.ErrorCode, err error) string {
	switch code {
	case errors.ErrCodeInsufficientFundsToken:
		return "Insufficient token balance. Please add more tokens to your wallet and try again."
	case errors.ErrCodeInsufficientFunds:
		return "Insufficient native balance for transaction fees. Please top up and try again."
	case errors.ErrCodeInsufficientGas:
		return "Insufficient gas balance to sponsor this settlement. Please try again later."
	case errors.ErrCodeInsufficientAmount:
		return "Payment amount is less than required. Please check the payment amount and try again."
	case errors.ErrCodeBadSignature:
		return "Invalid transaction signature. Please try again."
	case errors.ErrCodeInvalidMemo:
		return "Invalid payment memo. Please use the payment details provided by the quote."
	case errors.ErrCodeInvalidTokenMint:
		return "Wrong token used for payment. Please use the correct token specified in the quote."
	case errors.ErrCodeInvalidRecipient:
		return "Payment sent to wrong address. Please check the recipient address and try again."
	case errors.ErrCodeMissingTokenAccount:
		return "Token account not found. Please create a token account for this token first."
	case errors.ErrCodeReverted:
		return "Settlement transaction reverted on-chain. Check your wallet balance and allowance and try again."
	case errors.ErrCodeSettlementError:
		if err != nil {
			errMsg := strings.ToLower(err.Error())
			if strings.Contains(errMsg, "insufficient funds") || strings.Contains(errMsg, "insufficient lamports") {
				if strings.Contains(errMsg, "custom program error: 0x1") {
					return "Insufficient token balance. Please add more tokens to your wallet and try again."
				}
				return "Insufficient balance for transaction fees. Please top up and try again."
			}
			if strings.Contains(errMsg, "account not found") || strings.Contains(errMsg, "could not find account") {
				return "Token account not found. Please create a token account for this token first."
			}
		}
		return "Transaction failed to settle. Please check your wallet balance and try again."
	case errors.ErrCodeTransactionNotFound:
		return "Transaction not found on the blockchain. It may have been dropped. Please try again."
	case errors.ErrCodeTransactionExpired, errors.ErrCodeExpired:
		return "Payment authorization timed out. Please request a new quote and try again."
	case errors.ErrCodeNotYetValid:
		return "Payment authorization is not valid yet."
	case errors.ErrCodeTransactionFailed:
		if err != nil {
			errMsg := strings.ToLower(err.Error())
			if strings.Contains(errMsg, "custom program error: 0x1") ||
				(strings.Contains(errMsg, "insufficient") && !strings.Contains(errMsg, "lamports")) {
				return "Insufficient token balance. Please add more tokens to your wallet and try again."
			}
			if strings.Contains(errMsg, "insufficient lamports") {
				return "Insufficient native balance for transaction fees. Please top up and try again."
			}
			if strings.Contains(errMsg, "account not found") || strings.Contains(errMsg, "could not find account") {
				return "Token account not found. Please create a token account for this token first."
			}
		}
		return "Transaction failed on the blockchain. Check your wallet for details."
	case errors.ErrCodeDuplicateSubmission:
		return "This payment has already been processed. Each payment can only be used once."
	case errors.ErrCodeUnsupportedNetwork:
		return "Unsupported network for this payment."
	case errors.ErrCodeBadEnvelope:
		return "Malformed payment payload."
	case errors.ErrCodeInvalidTransaction:
		return "Invalid transaction payload. Please submit a valid payment transaction."
	case errors.ErrCodeAmountBelowMinimum:
		return "Payment amount is below the required minimum. Please check the payment amount and try again."
	case errors.ErrCodeUnauthorizedRefundIssuer:
		return "Unrecognized or inactive server credentials for refund reporting."
	case errors.ErrCodeRefundsDisabled:
		return "Refund-claim intake is disabled on this facilitator."
	case errors.ErrCodeDuplicateClaim:
		return "A claim already exists for this transaction."
	case errors.ErrCodeInvalidClaimTransition:
		return "That claim state transition is not permitted."
	case errors.ErrCodeResourceNotFound:
		return "Resource not found."
	case errors.ErrCodeMissingField, errors.ErrCodeInvalidField:
		return "Request is missing or has an invalid field."
	default:
		return fmt.Sprintf("Payment verification failed: %s", code)
	}
}
