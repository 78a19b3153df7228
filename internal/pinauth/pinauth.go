// Package pinauth implements the PIN half of the payment authorization
// check: 6-digit PIN format validation and a memory-hard scrypt hash stored
// as "scheme$salt_b64$hash_b64", verified in constant time.
package pinauth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	apperrors "github.com/dotpay/backend/internal/errors"
	"golang.org/x/crypto/scrypt"
)

const (
	scryptN      = 1 << 14 // N=2^14
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 64
	saltLen      = 16
	scheme       = "scrypt"
)

// ValidateFormat strips whitespace and requires exactly minLength digits,
// rejecting any non-digit content.
func ValidateFormat(raw string, minLength int) (string, error) {
	pin := strings.TrimSpace(raw)
	if minLength <= 0 {
		minLength = 6
	}
	if len(pin) != minLength {
		return "", apperrors.Validation(apperrors.ErrCodeInvalidPINFormat,
			fmt.Sprintf("pin must be exactly %d digits", minLength))
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return "", apperrors.Validation(apperrors.ErrCodeInvalidPINFormat, "pin must contain only digits")
		}
	}
	return pin, nil
}

// Hash derives a scrypt hash for pin with a fresh random salt, returning the
// "scrypt$salt_b64$hash_b64" encoded form to persist alongside the user.
func Hash(pin string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("pinauth: read random salt: %w", err)
	}
	key, err := scrypt.Key([]byte(pin), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return "", fmt.Errorf("pinauth: derive scrypt key: %w", err)
	}
	return fmt.Sprintf("%s$%s$%s", scheme,
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(key)), nil
}

// Verify checks pin against the stored "scheme$salt_b64$hash_b64" encoding in
// constant time. Returns an AuthError (never a plain bool) so callers surface
// a uniform invalid-PIN response at the HTTP boundary.
func Verify(pin, encoded string) error {
	parts := strings.Split(encoded, "$")
	if len(parts) != 3 || parts[0] != scheme {
		return apperrors.Auth(apperrors.ErrCodeInvalidPIN, "invalid pin")
	}
	salt, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return apperrors.Auth(apperrors.ErrCodeInvalidPIN, "invalid pin")
	}
	want, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return apperrors.Auth(apperrors.ErrCodeInvalidPIN, "invalid pin")
	}
	got, err := scrypt.Key([]byte(pin), salt, scryptN, scryptR, scryptP, len(want))
	if err != nil {
		return apperrors.Auth(apperrors.ErrCodeInvalidPIN, "invalid pin")
	}
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return apperrors.Auth(apperrors.ErrCodeInvalidPIN, "invalid pin")
	}
	return nil
}
