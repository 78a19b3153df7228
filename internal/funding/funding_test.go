package funding

import (
	"math/big"
	"testing"
)

func TestExpectedUnits_CeilsTowardInfinity(t *testing.T) {
	// totalDebitKes=1013.00, rateKesPerUsd=130, decimals=6
	// scaled: 1013000000 * 10^6 / 130000000 = 7792307.692... -> ceil 7792308
	got, err := ExpectedUnits(1013.00, 130, 6)
	if err != nil {
		t.Fatalf("ExpectedUnits: %v", err)
	}
	want := big.NewInt(7792308)
	if got.Cmp(want) != 0 {
		t.Errorf("ExpectedUnits = %s, want %s", got.String(), want.String())
	}
}

func TestExpectedUnits_ExactDivisionDoesNotOvershoot(t *testing.T) {
	// totalDebitKes=130.00, rateKesPerUsd=130, decimals=6 => exactly 1 USD -> 1_000_000 units
	got, err := ExpectedUnits(130.00, 130, 6)
	if err != nil {
		t.Fatalf("ExpectedUnits: %v", err)
	}
	want := big.NewInt(1_000_000)
	if got.Cmp(want) != 0 {
		t.Errorf("ExpectedUnits = %s, want %s", got.String(), want.String())
	}
}

func TestExpectedUnits_RejectsNonPositiveInputs(t *testing.T) {
	if _, err := ExpectedUnits(0, 130, 6); err == nil {
		t.Error("expected error for zero totalDebitKes")
	}
	if _, err := ExpectedUnits(100, 0, 6); err == nil {
		t.Error("expected error for zero rateKesPerUsd")
	}
	if _, err := ExpectedUnits(-5, 130, 6); err == nil {
		t.Error("expected error for negative totalDebitKes")
	}
}

func TestExpectedUnits_ClampsDecimalsAbove18(t *testing.T) {
	got, err := ExpectedUnits(130.00, 130, 25)
	if err != nil {
		t.Fatalf("ExpectedUnits: %v", err)
	}
	want := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	if got.Cmp(want) != 0 {
		t.Errorf("ExpectedUnits with decimals>18 = %s, want clamp-to-18 result %s", got.String(), want.String())
	}
}

func TestUnitsToUsd_DerivesFromActualUnits(t *testing.T) {
	// 7_792_308 units at 6 decimals -> 7.792308 USD, independent of the
	// expected amount passed alongside it.
	total := big.NewInt(7_792_308)
	got := unitsToUsd(total, 6, 99.99)
	want := 7.792308
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("unitsToUsd = %v, want %v", got, want)
	}
}

func TestUnitsToUsd_ReflectsOverpayment(t *testing.T) {
	expectedAmountUsd := 7.79
	overpaidUnits := big.NewInt(8_500_000) // 8.5 USD at 6 decimals
	got := unitsToUsd(overpaidUnits, 6, expectedAmountUsd)
	if got <= expectedAmountUsd {
		t.Fatalf("unitsToUsd = %v, want > expectedAmountUsd %v to reflect overpayment", got, expectedAmountUsd)
	}
}

func TestUnitsToUsd_FallsBackWhenDecimalsUnusable(t *testing.T) {
	total := big.NewInt(123)
	if got := unitsToUsd(total, 0, 7.79); got != 7.79 {
		t.Errorf("unitsToUsd with decimals=0 = %v, want fallback 7.79", got)
	}
	if got := unitsToUsd(total, 19, 7.79); got != 7.79 {
		t.Errorf("unitsToUsd with decimals>18 = %v, want fallback 7.79", got)
	}
}
