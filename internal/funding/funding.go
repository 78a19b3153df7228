// Package funding implements the Funding Verifier: integer-exact
// expected-amount computation and the on-chain verification procedure that
// confirms a user funded the treasury with the required ERC-20 amount before
// a transaction may proceed to mobile-money submission. Verification scans
// the receipt's ERC-20 Transfer logs via internal/treasury, sums the
// transfers that match the expected funder and treasury, and compares the
// total against the expected units.
package funding

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	apperrors "github.com/dotpay/backend/internal/errors"
	"github.com/dotpay/backend/internal/logger"
	"github.com/dotpay/backend/internal/treasury"
)

// fixedPointScale is the 6-decimal fixed-point scale totalDebitKes and
// rateKesPerUsd are pre-scaled to before the ceiling division.
const fixedPointScale = 1_000_000

// ExpectedUnits computes ⌈(totalDebitKes_scaled × 10^decimals) / rateKesPerUsd_scaled⌉
// using exact big.Int arithmetic, never floating point; rounding toward +∞
// protects the treasury floor. decimals is clamped to [0,18].
func ExpectedUnits(totalDebitKes, rateKesPerUsd float64, decimals uint8) (*big.Int, error) {
	if decimals > 18 {
		decimals = 18
	}
	if totalDebitKes <= 0 {
		return nil, apperrors.Validation(apperrors.ErrCodeInvalidAmount, "totalDebitKes must be positive")
	}
	if rateKesPerUsd <= 0 {
		return nil, apperrors.Validation(apperrors.ErrCodeInvalidAmount, "rateKesPerUsd must be positive")
	}

	debitScaled := scaleToFixedPoint(totalDebitKes)
	rateScaled := scaleToFixedPoint(rateKesPerUsd)
	if rateScaled.Sign() <= 0 {
		return nil, apperrors.Validation(apperrors.ErrCodeInvalidAmount, "rateKesPerUsd scales to zero")
	}

	tokenScale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	numerator := new(big.Int).Mul(debitScaled, tokenScale)

	quotient, remainder := new(big.Int).QuoRem(numerator, rateScaled, new(big.Int))
	if remainder.Sign() != 0 {
		quotient.Add(quotient, big.NewInt(1)) // round toward +infinity
	}
	if quotient.Sign() <= 0 {
		return nil, apperrors.Validation(apperrors.ErrCodeInvalidAmount, "expected units must be positive")
	}
	return quotient, nil
}

// scaleToFixedPoint converts a float64 KES/rate value to a 6-decimal
// fixed-point big.Int via big.Float to avoid intermediate float64 rounding
// beyond what the input itself already carries.
func scaleToFixedPoint(v float64) *big.Int {
	scaled := new(big.Float).Mul(big.NewFloat(v), big.NewFloat(fixedPointScale))
	i, _ := scaled.Int(nil)
	return i
}

// VerifyInput bundles the funding-verification request.
type VerifyInput struct {
	ExpectedFrom            string // lowercase 0x hex, 20 bytes
	TxHash                  string // 0x hex, 32 bytes
	RequestChainID          int64  // 0 if not provided by the client
	TokenContract           string
	TreasuryAddress         string
	ExpectedUnits           *big.Int
	ExpectedAmountUsd       float64
	Decimals                uint8 // token decimals, for deriving FundedUsd from the actually-summed units
	MinFundingConfirmations uint64
}

// Result is the verified on-chain funding outcome.
type Result struct {
	TxHash      string
	ChainID     int64
	Token       string
	Treasury    string
	From        string
	To          string
	FundedUnits *big.Int
	FundedUsd   float64
	LogIndex    uint
	BlockNumber uint64
}

// ReceiptFetcher is the slice of treasury.Client the verifier needs, kept as
// an interface so tests can feed synthetic receipts without an RPC node.
type ReceiptFetcher interface {
	FetchReceipt(ctx context.Context, txHash common.Hash) (treasury.Receipt, error)
}

// Verifier checks on-chain ERC-20 transfers against the expected funding
// amount using a shared treasury.Client.
type Verifier struct {
	client  ReceiptFetcher
	chainID int64
}

// NewVerifier binds a Verifier to client, pinning the configured chain ID.
func NewVerifier(client ReceiptFetcher, configuredChainID int64) *Verifier {
	return &Verifier{client: client, chainID: configuredChainID}
}

// Verify runs the full funding-verification procedure.
func (v *Verifier) Verify(ctx context.Context, in VerifyInput) (Result, error) {
	log := logger.FromContext(ctx)

	expectedFrom, err := parseAddress(in.ExpectedFrom)
	if err != nil {
		return Result{}, apperrors.Validation(apperrors.ErrCodeInvalidField, "expectedFrom must be a lowercase 20-byte hex address")
	}
	if !isValidTxHash(in.TxHash) {
		return Result{}, apperrors.Validation(apperrors.ErrCodeInvalidField, "txHash must be a 32-byte hex string")
	}
	tokenContract, err := parseAddress(in.TokenContract)
	if err != nil {
		return Result{}, apperrors.Config(apperrors.ErrCodeTreasuryUnconfigured, "invalid configured token contract")
	}
	treasuryAddr, err := parseAddress(in.TreasuryAddress)
	if err != nil {
		return Result{}, apperrors.Config(apperrors.ErrCodeTreasuryUnconfigured, "invalid configured treasury address")
	}
	if in.ExpectedUnits == nil || in.ExpectedUnits.Sign() <= 0 {
		return Result{}, apperrors.Validation(apperrors.ErrCodeInvalidAmount, "expectedUnits must be positive")
	}

	if in.RequestChainID != 0 && in.RequestChainID != v.chainID {
		return Result{}, apperrors.Validation(apperrors.ErrCodeChainMismatch, "request chain id does not match configured chain id")
	}

	txHash := common.HexToHash(in.TxHash)
	receipt, err := v.client.FetchReceipt(ctx, txHash)
	if err != nil {
		return Result{}, err
	}
	if receipt.Status == 0 {
		return Result{}, apperrors.External(apperrors.ErrCodeReceiptFailed, "transaction reverted")
	}
	minConfirmations := in.MinFundingConfirmations
	if minConfirmations == 0 {
		minConfirmations = 1
	}
	if receipt.Confirmations < minConfirmations {
		return Result{}, apperrors.External(apperrors.ErrCodeInsufficientConfirmations, "transaction has fewer than the required confirmations")
	}

	transfers, err := treasury.DecodeTransfers(receipt.Logs, tokenContract)
	if err != nil {
		return Result{}, err
	}

	total := new(big.Int)
	var lowestLogIndex uint
	haveMatch := false
	for _, t := range transfers {
		if t.From != expectedFrom || t.To != treasuryAddr {
			continue
		}
		total.Add(total, t.Value)
		if !haveMatch || t.LogIndex < lowestLogIndex {
			lowestLogIndex = t.LogIndex
			haveMatch = true
		}
	}

	if !haveMatch || total.Cmp(in.ExpectedUnits) < 0 {
		log.Warn().
			Str("expectedFrom", in.ExpectedFrom).
			Str("txHash", in.TxHash).
			Str("expectedUnits", in.ExpectedUnits.String()).
			Str("fundedUnits", total.String()).
			Msg("on-chain funding below required amount")
		return Result{}, apperrors.External(apperrors.ErrCodeFundingBelowRequired, "on-chain funding is below the required amount")
	}

	return Result{
		TxHash:      strings.ToLower(in.TxHash),
		ChainID:     v.chainID,
		Token:       strings.ToLower(in.TokenContract),
		Treasury:    strings.ToLower(in.TreasuryAddress),
		From:        strings.ToLower(in.ExpectedFrom),
		To:          strings.ToLower(in.TreasuryAddress),
		FundedUnits: total,
		FundedUsd:   unitsToUsd(total, in.Decimals, in.ExpectedAmountUsd),
		LogIndex:    lowestLogIndex,
		BlockNumber: receipt.BlockNumber,
	}, nil
}

// unitsToUsd converts the actually-summed on-chain units to a display USD
// amount, so an on-chain overpayment is reflected in FundedUsd instead of
// echoing back the expected amount (the refund path reads FundedAmountUsd
// before ExpectedAmountUsd). Falls back to expectedAmountUsd only when
// decimals is unusable (0 with a nonzero total would otherwise silently
// misreport by 10^18).
func unitsToUsd(total *big.Int, decimals uint8, expectedAmountUsd float64) float64 {
	if decimals == 0 || decimals > 18 {
		return expectedAmountUsd
	}
	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	usd := new(big.Float).Quo(new(big.Float).SetInt(total), scale)
	f, _ := usd.Float64()
	return f
}

func parseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, apperrors.Validation(apperrors.ErrCodeInvalidField, "invalid hex address")
	}
	return common.HexToAddress(s), nil
}

func isValidTxHash(s string) bool {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if len(s) != 64 {
		return false
	}
	for _, r := range s {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')) {
			return false
		}
	}
	return true
}
