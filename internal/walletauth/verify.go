package walletauth

import (
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/crypto"

	apperrors "github.com/dotpay/backend/internal/errors"
)

var (
	errBadSignatureLength = errors.New("walletauth: signature must be 65 bytes")
	errBadSignedAt        = errors.New("walletauth: signedAt must be RFC3339 or unix time")
)

const (
	minNonceLength     = 8
	minSignatureLength = 24
	futureToleranceSec = 60
)

// VerifyInput bundles the fields needed to check authorization freshness and
// recover+compare the EIP-191 signer.
type VerifyInput struct {
	Message               string
	Signature             string // 0x-prefixed hex, 65 bytes (r || s || v)
	ExpectedSignerAddress string // lowercase 0x hex
	Nonce                 string
	SignedAt              string // raw string, parsed as RFC3339 or unix seconds
	SignatureMaxAge       time.Duration
	Now                   time.Time
}

// Verify checks signature freshness (nonce length, signedAt window, signature
// length) and recovers the EIP-191 personal-sign signer, requiring it to equal
// ExpectedSignerAddress. Returns an AuthError on any mismatch.
func Verify(in VerifyInput) (string, error) {
	if len(in.Nonce) < minNonceLength {
		return "", apperrors.Auth(apperrors.ErrCodeNonceTooShort, "nonce too short")
	}
	if len(in.Signature) < minSignatureLength {
		return "", apperrors.Auth(apperrors.ErrCodeSignatureTooShort, "signature too short")
	}

	signedAt, err := parseSignedAt(in.SignedAt)
	if err != nil {
		return "", apperrors.Auth(apperrors.ErrCodeSignatureMismatch, "signedAt is not a valid timestamp")
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	if signedAt.After(now.Add(futureToleranceSec * time.Second)) {
		return "", apperrors.Auth(apperrors.ErrCodeSignatureTooFresh, "signedAt is too far in the future")
	}

	maxAge := in.SignatureMaxAge
	if maxAge <= 0 {
		maxAge = 600 * time.Second
	}
	if now.Sub(signedAt) > maxAge {
		return "", apperrors.Auth(apperrors.ErrCodeSignatureExpired, "signature has expired")
	}

	signer, err := recoverSigner(in.Message, in.Signature)
	if err != nil {
		return "", apperrors.Auth(apperrors.ErrCodeSignatureMismatch, "failed to recover signer: "+err.Error())
	}

	if !strings.EqualFold(signer, in.ExpectedSignerAddress) {
		return "", apperrors.Auth(apperrors.ErrCodeSignatureMismatch, "recovered signer does not match authenticated user")
	}

	return strings.ToLower(signer), nil
}

// recoverSigner recovers the lowercase 0x-prefixed EVM address that produced
// sigHex over an EIP-191 personal-sign digest of message.
func recoverSigner(message, sigHex string) (string, error) {
	sig, err := decodeSignature(sigHex)
	if err != nil {
		return "", err
	}

	digest := accounts.TextHash([]byte(message))

	// go-ethereum's Ecrecover expects a recovery id of 0/1 in sig[64]; wallets
	// commonly produce 27/28 per the original Bitcoin convention.
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pubKey, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return "", err
	}
	return crypto.PubkeyToAddress(*pubKey).Hex(), nil
}

func decodeSignature(sigHex string) ([]byte, error) {
	sigHex = strings.TrimPrefix(sigHex, "0x")
	sigHex = strings.TrimPrefix(sigHex, "0X")
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return nil, err
	}
	if len(sig) != 65 {
		return nil, errBadSignatureLength
	}
	return sig, nil
}

// parseSignedAt accepts either RFC3339 or bare unix-seconds; clients send
// both.
func parseSignedAt(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, errBadSignedAt
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	if millis, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.UnixMilli(int64(millis)).UTC(), nil
	}
	return time.Time{}, errBadSignedAt
}
