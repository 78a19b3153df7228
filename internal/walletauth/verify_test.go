package walletauth

import (
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/dotpay/backend/internal/storage"
)

func signMessage(t *testing.T, message string) (string, string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	digest := accounts.TextHash([]byte(message))
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sig[64] += 27 // simulate wallets that use the 27/28 convention
	address := crypto.PubkeyToAddress(key.PublicKey).Hex()
	return "0x" + hex.EncodeToString(sig), address
}

func TestVerify_ValidSignatureRoundTrip(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	msg := BuildCanonicalMessage(CanonicalMessageInput{
		TransactionID:     "tx_1",
		FlowType:          storage.FlowOfframp,
		QuoteID:           "qt_1",
		TotalDebitKes:     1013.00,
		ExpectedAmountUsd: 7.692308,
		Target:            "phone:254712345678",
		Nonce:             "noncenoncenonce",
		SignedAt:          now.Format(time.RFC3339),
	})
	sig, address := signMessage(t, msg)

	signer, err := Verify(VerifyInput{
		Message:               msg,
		Signature:             sig,
		ExpectedSignerAddress: address,
		Nonce:                 "noncenoncenonce",
		SignedAt:              now.Format(time.RFC3339),
		SignatureMaxAge:       600 * time.Second,
		Now:                   now,
	})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !strings.EqualFold(signer, address) {
		t.Fatalf("signer = %s, want %s", signer, address)
	}
}

func TestVerify_WrongSigner(t *testing.T) {
	now := time.Now().UTC()
	msg := "some message"
	sig, _ := signMessage(t, msg)

	_, err := Verify(VerifyInput{
		Message:               msg,
		Signature:             sig,
		ExpectedSignerAddress: "0x0000000000000000000000000000000000000000",
		Nonce:                 "noncenoncenonce",
		SignedAt:              now.Format(time.RFC3339),
		SignatureMaxAge:       600 * time.Second,
		Now:                   now,
	})
	if err == nil {
		t.Fatal("expected AuthError for wrong signer")
	}
}

func TestVerify_SignedAtTooOld(t *testing.T) {
	now := time.Now().UTC()
	msg := "msg"
	sig, address := signMessage(t, msg)

	_, err := Verify(VerifyInput{
		Message:               msg,
		Signature:             sig,
		ExpectedSignerAddress: address,
		Nonce:                 "noncenoncenonce",
		SignedAt:              now.Add(-11 * time.Minute).Format(time.RFC3339),
		SignatureMaxAge:       600 * time.Second,
		Now:                   now,
	})
	if err == nil {
		t.Fatal("expected expiry error for signedAt 11 minutes ago")
	}
}

func TestVerify_SignedAtTooFuture(t *testing.T) {
	now := time.Now().UTC()
	msg := "msg"
	sig, address := signMessage(t, msg)

	_, err := Verify(VerifyInput{
		Message:               msg,
		Signature:             sig,
		ExpectedSignerAddress: address,
		Nonce:                 "noncenoncenonce",
		SignedAt:              now.Add(61 * time.Second).Format(time.RFC3339),
		SignatureMaxAge:       600 * time.Second,
		Now:                   now,
	})
	if err == nil {
		t.Fatal("expected future-dated error for signedAt 61s ahead")
	}
}

func TestVerify_NonceTooShort(t *testing.T) {
	now := time.Now().UTC()
	msg := "msg"
	sig, address := signMessage(t, msg)

	_, err := Verify(VerifyInput{
		Message:               msg,
		Signature:             sig,
		ExpectedSignerAddress: address,
		Nonce:                 "short",
		SignedAt:              now.Format(time.RFC3339),
		SignatureMaxAge:       600 * time.Second,
		Now:                   now,
	})
	if err == nil {
		t.Fatal("expected nonce-too-short error")
	}
}

func TestTargetDescriptor(t *testing.T) {
	cases := []struct {
		flow    storage.FlowType
		targets storage.Targets
		want    string
	}{
		{storage.FlowOfframp, storage.Targets{Phone: "254712345678"}, "phone:254712345678"},
		{storage.FlowPaybill, storage.Targets{PaybillNumber: "123456", AccountReference: "acct"}, "paybill:123456:acct"},
		{storage.FlowBuygoods, storage.Targets{TillNumber: "654321"}, "buygoods:654321:DotPay"},
		{storage.FlowOnramp, storage.Targets{}, "onramp"},
	}
	for _, tc := range cases {
		got, err := TargetDescriptor(tc.flow, tc.targets)
		if err != nil {
			t.Fatalf("TargetDescriptor(%s): %v", tc.flow, err)
		}
		if got != tc.want {
			t.Errorf("TargetDescriptor(%s) = %q, want %q", tc.flow, got, tc.want)
		}
	}
}
