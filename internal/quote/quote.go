// Package quote implements the Quote Engine: it prices a
// requested amount into the KES the user will be debited or credited, adding
// the flow-specific fee and network fee, and stamps a time-bounded snapshot
// that the transaction orchestrator binds to the transaction once quoted.
package quote

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"github.com/dotpay/backend/internal/config"
	apperrors "github.com/dotpay/backend/internal/errors"
	"github.com/dotpay/backend/internal/storage"
)

// feeBps is the fee, in basis points of amountKes, charged per flow.
var feeBps = map[storage.FlowType]int64{
	storage.FlowOnramp:   130,
	storage.FlowOfframp:  180,
	storage.FlowPaybill:  120,
	storage.FlowBuygoods: 120,
}

const (
	defaultFeeBps       = 150
	feeFloorKes         = 5
	onrampNetworkFeeKes = 0
	otherNetworkFeeKes  = 3
)

// GenerateQuoteID returns a new unique quote identifier.
// Format: "qt_" + 24 hex characters (12 random bytes).
func GenerateQuoteID() string {
	randomBytes := make([]byte, 12)
	if _, err := rand.Read(randomBytes); err != nil {
		return fmt.Sprintf("qt_%d", time.Now().UnixNano())
	}
	return "qt_" + hex.EncodeToString(randomBytes)
}

// Build prices amountRequested (denominated in currency, "KES" or "USD") into a
// Quote for flowType, using the configured KES-per-USD rate unless kesPerUsdOverride
// is positive, in which case the override wins.
func Build(cfg config.QuoteConfig, flowType storage.FlowType, currency string, amountRequested float64, kesPerUsdOverride float64) (storage.Quote, error) {
	if math.IsNaN(amountRequested) || math.IsInf(amountRequested, 0) || amountRequested <= 0 {
		return storage.Quote{}, apperrors.Validation(apperrors.ErrCodeInvalidAmount, "amountRequested must be a positive finite number")
	}
	if math.IsNaN(kesPerUsdOverride) || math.IsInf(kesPerUsdOverride, 0) {
		return storage.Quote{}, apperrors.Validation(apperrors.ErrCodeInvalidAmount, "kesPerUsd override must be finite")
	}

	rate := cfg.KesPerUSD
	if kesPerUsdOverride > 0 {
		rate = kesPerUsdOverride
	}
	if rate <= 0 {
		return storage.Quote{}, apperrors.Config(apperrors.ErrCodeConfigMissing, "kes_per_usd must be configured and positive")
	}

	var amountKes, amountUsd float64
	switch currency {
	case "KES":
		amountKes = amountRequested
		amountUsd = amountRequested / rate
	case "USD":
		amountUsd = amountRequested
		amountKes = amountRequested * rate
	default:
		return storage.Quote{}, apperrors.Validation(apperrors.ErrCodeInvalidCurrency, "currency must be KES or USD")
	}

	amountKes = round2(amountKes)
	amountUsd = round2(amountUsd)

	bps, ok := feeBps[flowType]
	if !ok {
		bps = defaultFeeBps
	}
	feeAmountKes := round2(amountKes * float64(bps) / 10000.0)
	if feeAmountKes < feeFloorKes {
		feeAmountKes = feeFloorKes
	}

	networkFeeKes := float64(otherNetworkFeeKes)
	if flowType == storage.FlowOnramp {
		networkFeeKes = onrampNetworkFeeKes
	}

	totalDebitKes := round2(amountKes + feeAmountKes + networkFeeKes)

	now := time.Now().UTC()
	ttl := cfg.TTL.Duration
	if ttl <= 0 {
		ttl = 300 * time.Second
	}

	return storage.Quote{
		QuoteID:            GenerateQuoteID(),
		Currency:           currency,
		AmountRequested:    amountRequested,
		AmountKes:          amountKes,
		AmountUsd:          amountUsd,
		RateKesPerUsd:      rate,
		FeeAmountKes:       feeAmountKes,
		NetworkFeeKes:      networkFeeKes,
		TotalDebitKes:      totalDebitKes,
		ExpectedReceiveKes: amountKes,
		SnapshotAt:         now,
		ExpiresAt:          now.Add(ttl),
	}, nil
}

// round2 rounds v to 2 decimal places, half-up.
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
