package quote

import (
	"math"
	"testing"
	"time"

	"github.com/dotpay/backend/internal/config"
	"github.com/dotpay/backend/internal/storage"
)

func cfg(kesPerUSD float64, ttl time.Duration) config.QuoteConfig {
	return config.QuoteConfig{
		TTL:       config.Duration{Duration: ttl},
		KesPerUSD: kesPerUSD,
	}
}

func TestBuild_KesOnramp(t *testing.T) {
	q, err := Build(cfg(130, 120*time.Second), storage.FlowOnramp, "KES", 1000, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q.AmountKes != 1000 {
		t.Fatalf("amountKes = %v, want 1000", q.AmountKes)
	}
	if math.Abs(q.AmountUsd-7.69) > 0.01 {
		t.Fatalf("amountUsd = %v, want ~7.69", q.AmountUsd)
	}
	if q.FeeAmountKes != 13 {
		t.Fatalf("feeAmountKes = %v, want 13", q.FeeAmountKes)
	}
	if q.NetworkFeeKes != 0 {
		t.Fatalf("networkFeeKes = %v, want 0", q.NetworkFeeKes)
	}
	if q.TotalDebitKes != 1013 {
		t.Fatalf("totalDebitKes = %v, want 1013", q.TotalDebitKes)
	}
	if q.ExpectedReceiveKes != 1000 {
		t.Fatalf("expectedReceiveKes = %v, want 1000", q.ExpectedReceiveKes)
	}
	if got := q.ExpiresAt.Sub(q.SnapshotAt); got < 119*time.Second || got > 121*time.Second {
		t.Fatalf("ttl = %v, want ~120s", got)
	}
}

func TestBuild_UsdOfframpWithOverrideRate(t *testing.T) {
	q, err := Build(cfg(130, 300*time.Second), storage.FlowOfframp, "USD", 10, 155)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q.AmountUsd != 10 {
		t.Fatalf("amountUsd = %v, want 10", q.AmountUsd)
	}
	if q.AmountKes != 1550 {
		t.Fatalf("amountKes = %v, want 1550", q.AmountKes)
	}
	if q.FeeAmountKes != 27.9 {
		t.Fatalf("feeAmountKes = %v, want 27.9", q.FeeAmountKes)
	}
	if q.NetworkFeeKes != 3 {
		t.Fatalf("networkFeeKes = %v, want 3", q.NetworkFeeKes)
	}
	if q.TotalDebitKes != 1580.9 {
		t.Fatalf("totalDebitKes = %v, want 1580.9", q.TotalDebitKes)
	}
	if q.ExpectedReceiveKes != 1550 {
		t.Fatalf("expectedReceiveKes = %v, want 1550", q.ExpectedReceiveKes)
	}
	if q.RateKesPerUsd != 155 {
		t.Fatalf("rateKesPerUsd = %v, want override 155", q.RateKesPerUsd)
	}
}

func TestBuild_FeeFloorApplies(t *testing.T) {
	q, err := Build(cfg(130, 300*time.Second), storage.FlowPaybill, "KES", 10, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q.FeeAmountKes != feeFloorKes {
		t.Fatalf("feeAmountKes = %v, want floor %v", q.FeeAmountKes, feeFloorKes)
	}
}

func TestBuild_DefaultBpsForUnknownFlow(t *testing.T) {
	q, err := Build(cfg(130, 300*time.Second), storage.FlowType("other"), "KES", 1000, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q.FeeAmountKes != round2(1000*float64(defaultFeeBps)/10000.0) {
		t.Fatalf("feeAmountKes = %v, want default-bps fee", q.FeeAmountKes)
	}
}

func TestBuild_RejectsNonPositiveAmount(t *testing.T) {
	for _, amount := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		if _, err := Build(cfg(130, 300*time.Second), storage.FlowOnramp, "KES", amount, 0); err == nil {
			t.Fatalf("amount %v: expected ValidationError, got nil", amount)
		}
	}
}

func TestBuild_RejectsUnknownCurrency(t *testing.T) {
	if _, err := Build(cfg(130, 300*time.Second), storage.FlowOnramp, "EUR", 100, 0); err == nil {
		t.Fatal("expected ValidationError for unknown currency")
	}
}

func TestBuild_RejectsMissingRate(t *testing.T) {
	if _, err := Build(cfg(0, 300*time.Second), storage.FlowOnramp, "KES", 100, 0); err == nil {
		t.Fatal("expected ConfigError when no rate is configured")
	}
}

func TestBuild_DefaultsTTLWhenUnset(t *testing.T) {
	q, err := Build(cfg(130, 0), storage.FlowOnramp, "KES", 100, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := q.ExpiresAt.Sub(q.SnapshotAt); got != 300*time.Second {
		t.Fatalf("default ttl = %v, want 300s", got)
	}
}

func TestGenerateQuoteID_Unique(t *testing.T) {
	a := GenerateQuoteID()
	b := GenerateQuoteID()
	if a == b {
		t.Fatalf("expected distinct quote ids, got %q twice", a)
	}
	if len(a) != len("qt_")+24 {
		t.Fatalf("quote id %q has unexpected length", a)
	}
}
