package orchestrator

import (
	"regexp"

	apperrors "github.com/dotpay/backend/internal/errors"
)

var (
	phoneRe            = regexp.MustCompile(`^254[71]\d{8}$`)
	paybillTillRe      = regexp.MustCompile(`^\d{5,8}$`)
	idempotencyKeyRe   = regexp.MustCompile(`^[A-Za-z0-9_\-:.]+$`)
)

// ValidatePhone enforces the Kenyan MSISDN format 254[7|1]XXXXXXXX.
func ValidatePhone(phone string) error {
	if !phoneRe.MatchString(phone) {
		return apperrors.Validation(apperrors.ErrCodeInvalidPhone, "phone must match 254[7|1]XXXXXXXX")
	}
	return nil
}

// ValidatePaybillOrTill enforces a 5-8 digit merchant identifier.
func ValidatePaybillOrTill(number string) error {
	if !paybillTillRe.MatchString(number) {
		return apperrors.Validation(apperrors.ErrCodeInvalidPaybillNumber, "paybill/till number must be 5-8 digits")
	}
	return nil
}

// ValidateAccountReference enforces a 2-20 character account reference.
func ValidateAccountReference(ref string) error {
	if len(ref) < 2 || len(ref) > 20 {
		return apperrors.Validation(apperrors.ErrCodeInvalidAccountRef, "account reference must be 2-20 characters")
	}
	return nil
}

// ValidateIdempotencyKey enforces 8-128 chars, alphanumeric with `_-:.`.
func ValidateIdempotencyKey(key string) error {
	if len(key) < 8 || len(key) > 128 {
		return apperrors.Validation(apperrors.ErrCodeInvalidIdempotencyKey, "idempotency key must be 8-128 characters")
	}
	if !idempotencyKeyRe.MatchString(key) {
		return apperrors.Validation(apperrors.ErrCodeInvalidIdempotencyKey, "idempotency key contains unsupported characters")
	}
	return nil
}
