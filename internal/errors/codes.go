package errors

// ErrorCode represents a machine-readable error identifier for client error handling.
// Codes are grouped by the error kind taxonomy of the orchestration layer:
// ValidationError, AuthError, StateError, ExternalError, ConfigError, RateLimited, Disabled.
type ErrorCode string

// Validation errors (malformed input).
const (
	ErrCodeInvalidAmount          ErrorCode = "invalid_amount"
	ErrCodeInvalidCurrency        ErrorCode = "invalid_currency"
	ErrCodeInvalidPhone           ErrorCode = "invalid_phone"
	ErrCodeInvalidPaybillNumber   ErrorCode = "invalid_paybill_number"
	ErrCodeInvalidAccountRef      ErrorCode = "invalid_account_reference"
	ErrCodeInvalidIdempotencyKey  ErrorCode = "invalid_idempotency_key"
	ErrCodeMissingIdempotencyKey  ErrorCode = "missing_idempotency_key"
	ErrCodeInvalidPINFormat       ErrorCode = "invalid_pin_format"
	ErrCodeMissingField           ErrorCode = "missing_field"
	ErrCodeInvalidField           ErrorCode = "invalid_field"
)

// Auth errors (missing/invalid bearer, signature, PIN, scope).
const (
	ErrCodeMissingBearer      ErrorCode = "missing_bearer_token"
	ErrCodeInvalidBearer      ErrorCode = "invalid_bearer_token"
	ErrCodeExpiredBearer      ErrorCode = "expired_bearer_token"
	ErrCodeScopeMismatch      ErrorCode = "scope_mismatch"
	ErrCodeMissingInternalKey ErrorCode = "missing_internal_key"
	ErrCodeInvalidInternalKey ErrorCode = "invalid_internal_key"
	ErrCodeInvalidPIN         ErrorCode = "invalid_pin"
	ErrCodeSignatureMismatch  ErrorCode = "signature_mismatch"
	ErrCodeSignatureExpired   ErrorCode = "signature_expired"
	ErrCodeSignatureTooFresh  ErrorCode = "signature_future_dated"
	ErrCodeNonceTooShort      ErrorCode = "nonce_too_short"
	ErrCodeSignatureTooShort  ErrorCode = "signature_too_short"
)

// State errors (illegal transition, expired quote, duplicate funding tx).
const (
	ErrCodeIllegalTransition ErrorCode = "illegal_transition"
	ErrCodeQuoteExpired      ErrorCode = "quote_expired"
	ErrCodeQuoteNotFound     ErrorCode = "quote_not_found"
	ErrCodeQuoteOwnership    ErrorCode = "quote_ownership_mismatch"
	ErrCodeDuplicateFunding  ErrorCode = "duplicate_funding_tx"
	ErrCodeTransactionNotFound ErrorCode = "transaction_not_found"
	ErrCodeLimitExceeded     ErrorCode = "limit_exceeded"
	ErrCodeDuplicateEvent    ErrorCode = "duplicate_event"
)

// External errors (provider HTTP failure, OAuth failure, RPC failure, receipt not found).
const (
	ErrCodeProviderRejected  ErrorCode = "provider_rejected"
	ErrCodeProviderHTTP      ErrorCode = "provider_http_error"
	ErrCodeOAuthFailure      ErrorCode = "oauth_failure"
	ErrCodeRPCError          ErrorCode = "rpc_error"
	ErrCodeReceiptNotFound   ErrorCode = "receipt_not_found"
	ErrCodeReceiptFailed     ErrorCode = "receipt_failed"
	ErrCodeInsufficientConfirmations ErrorCode = "insufficient_confirmations"
	ErrCodeChainMismatch     ErrorCode = "chain_mismatch"
	ErrCodeFundingBelowRequired ErrorCode = "funding_below_required"
	ErrCodeNetworkError      ErrorCode = "network_error"
)

// Config errors (missing required configuration).
const (
	ErrCodeConfigMissing        ErrorCode = "config_missing"
	ErrCodeInvalidSecurityCredential ErrorCode = "invalid_security_credential"
	ErrCodeTreasuryUnconfigured ErrorCode = "treasury_unconfigured"
)

// Rate limiting.
const (
	ErrCodeRateLimited ErrorCode = "rate_limited"
)

// Disabled.
const (
	ErrCodeMpesaDisabled ErrorCode = "mpesa_disabled"
)

// Internal/system errors.
const (
	ErrCodeInternalError ErrorCode = "internal_error"
	ErrCodeDatabaseError ErrorCode = "database_error"
)

// IsRetryable returns whether an error code represents a retryable error.
// Retryable errors are transient network/service issues, not validation or state failures.
func (e ErrorCode) IsRetryable() bool {
	switch e {
	case ErrCodeRPCError,
		ErrCodeNetworkError,
		ErrCodeProviderHTTP,
		ErrCodeOAuthFailure:
		return true
	default:
		return false
	}
}

// HTTPStatus returns the appropriate HTTP status code for this error code.
func (e ErrorCode) HTTPStatus() int {
	switch e {
	case ErrCodeMissingBearer, ErrCodeInvalidBearer, ErrCodeExpiredBearer, ErrCodeScopeMismatch,
		ErrCodeMissingInternalKey, ErrCodeInvalidInternalKey, ErrCodeInvalidPIN,
		ErrCodeSignatureMismatch, ErrCodeSignatureExpired, ErrCodeSignatureTooFresh,
		ErrCodeNonceTooShort, ErrCodeSignatureTooShort:
		return 401

	case ErrCodeRateLimited:
		return 429

	case ErrCodeMpesaDisabled:
		return 503

	case ErrCodeConfigMissing, ErrCodeInvalidSecurityCredential, ErrCodeTreasuryUnconfigured,
		ErrCodeInternalError, ErrCodeDatabaseError:
		return 500

	case ErrCodeProviderRejected, ErrCodeProviderHTTP, ErrCodeOAuthFailure, ErrCodeRPCError,
		ErrCodeReceiptNotFound:
		return 502

	case ErrCodeInvalidAmount, ErrCodeInvalidCurrency, ErrCodeInvalidPhone, ErrCodeInvalidPaybillNumber,
		ErrCodeInvalidAccountRef, ErrCodeInvalidIdempotencyKey, ErrCodeMissingIdempotencyKey,
		ErrCodeInvalidPINFormat, ErrCodeMissingField, ErrCodeInvalidField,
		ErrCodeIllegalTransition, ErrCodeQuoteExpired, ErrCodeQuoteNotFound, ErrCodeQuoteOwnership,
		ErrCodeDuplicateFunding, ErrCodeTransactionNotFound, ErrCodeLimitExceeded, ErrCodeDuplicateEvent,
		ErrCodeReceiptFailed, ErrCodeInsufficientConfirmations, ErrCodeChainMismatch,
		ErrCodeFundingBelowRequired:
		return 400

	default:
		return 500
	}
}
