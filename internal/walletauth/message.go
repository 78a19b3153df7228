// Package walletauth implements the wallet-signature half of the PIN +
// Authorization Verifier: the canonical authorization message
// and EIP-191 personal-sign recovery, plus the freshness checks on signedAt
// and nonce. Recovery uses EVM secp256k1 via go-ethereum/crypto; the
// recovered address must equal the authenticated user's address.
package walletauth

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dotpay/backend/internal/storage"
)

// TargetDescriptor renders the flow-specific "Target:" line of the canonical
// message.
func TargetDescriptor(flowType storage.FlowType, targets storage.Targets) (string, error) {
	switch flowType {
	case storage.FlowOfframp:
		if targets.Phone == "" {
			return "", fmt.Errorf("walletauth: phone required for offramp target descriptor")
		}
		return "phone:" + targets.Phone, nil
	case storage.FlowPaybill:
		if targets.PaybillNumber == "" {
			return "", fmt.Errorf("walletauth: paybill number required for paybill target descriptor")
		}
		return fmt.Sprintf("paybill:%s:%s", targets.PaybillNumber, targets.AccountReference), nil
	case storage.FlowBuygoods:
		if targets.TillNumber == "" {
			return "", fmt.Errorf("walletauth: till number required for buygoods target descriptor")
		}
		acct := targets.AccountReference
		if acct == "" {
			acct = "DotPay"
		}
		return fmt.Sprintf("buygoods:%s:%s", targets.TillNumber, acct), nil
	case storage.FlowOnramp:
		return "onramp", nil
	default:
		return "", fmt.Errorf("walletauth: unknown flow type %q", flowType)
	}
}

// CanonicalMessageInput holds the fields the canonical message binds.
type CanonicalMessageInput struct {
	TransactionID     string
	FlowType          storage.FlowType
	QuoteID           string
	TotalDebitKes     float64
	ExpectedAmountUsd float64
	Target            string
	Nonce             string
	SignedAt          string // raw string as provided by the client, not re-formatted
}

// BuildCanonicalMessage renders the newline-joined UTF-8 message that the
// wallet signs and the server recovers against. The layout must be
// byte-identical between client and server, so formatting is fixed here and
// nowhere else.
func BuildCanonicalMessage(in CanonicalMessageInput) string {
	lines := []string{
		"DotPay Authorization",
		"Transaction: " + in.TransactionID,
		"Flow: " + string(in.FlowType),
		"Quote: " + in.QuoteID,
		"AmountKES: " + formatFixed(in.TotalDebitKes, 2),
		"AmountUSDC: " + formatFixed(in.ExpectedAmountUsd, 6),
		"Target: " + in.Target,
		"Nonce: " + in.Nonce,
		"SignedAt: " + in.SignedAt,
	}
	return strings.Join(lines, "\n")
}

func formatFixed(v float64, decimals int) string {
	return strconv.FormatFloat(v, 'f', decimals, 64)
}
