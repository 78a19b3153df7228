package settlement

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/dotpay/backend/internal/storage"
)

type fakeTransferer struct {
	hash common.Hash
	err  error
	last *big.Int
}

func (f *fakeTransferer) SendTokenTransfer(_ context.Context, _, _ common.Address, amount *big.Int) (common.Hash, error) {
	f.last = amount
	if f.err != nil {
		return common.Hash{}, f.err
	}
	return f.hash, nil
}

func seedTx(t *testing.T, store storage.Store) storage.Transaction {
	t.Helper()
	tx := storage.Transaction{
		ID: "tx_1", FlowType: storage.FlowOnramp, Status: storage.StatusMpesaSubmitted,
		UserAddress: "0x0000000000000000000000000000000000000001",
		Quote:       &storage.Quote{QuoteID: "qt_1", AmountUsd: 7.5},
		Onchain: storage.Onchain{
			TokenContract:   "0x0000000000000000000000000000000000000002",
			TreasuryAddress: "0x0000000000000000000000000000000000000003",
		},
	}
	if err := store.CreateTransaction(context.Background(), tx); err != nil {
		t.Fatalf("seed CreateTransaction: %v", err)
	}
	return tx
}

func TestCreditOnramp_TransfersAndDrivesToSucceeded(t *testing.T) {
	store := storage.NewMemoryStore()
	seedTx(t, store)
	transferer := &fakeTransferer{hash: common.HexToHash("0xabc")}

	svc := NewService(store, transferer, Config{ChainID: 8453, Decimals: 6})
	defer svc.Stop()

	result, err := svc.CreditOnramp(context.Background(), "tx_1")
	if err != nil {
		t.Fatalf("CreditOnramp: %v", err)
	}
	if result.AlreadyCredited {
		t.Fatal("expected fresh credit, not already credited")
	}

	tx, err := store.GetTransaction(context.Background(), "tx_1")
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if tx.Status != storage.StatusSucceeded {
		t.Fatalf("expected succeeded, got %s", tx.Status)
	}
	if tx.Onchain.VerificationStatus != storage.VerificationVerified {
		t.Fatalf("expected verified, got %s", tx.Onchain.VerificationStatus)
	}
	wantUnits := big.NewInt(7500000) // 7.5 USD * 1e6
	if transferer.last.Cmp(wantUnits) != 0 {
		t.Fatalf("expected transfer of %s units, got %s", wantUnits, transferer.last)
	}
}

func TestCreditOnramp_IsIdempotent(t *testing.T) {
	store := storage.NewMemoryStore()
	seedTx(t, store)
	transferer := &fakeTransferer{hash: common.HexToHash("0xabc")}
	svc := NewService(store, transferer, Config{ChainID: 8453, Decimals: 6})
	defer svc.Stop()

	ctx := context.Background()
	if _, err := svc.CreditOnramp(ctx, "tx_1"); err != nil {
		t.Fatalf("first CreditOnramp: %v", err)
	}
	result, err := svc.CreditOnramp(ctx, "tx_1")
	if err != nil {
		t.Fatalf("second CreditOnramp: %v", err)
	}
	if !result.AlreadyCredited {
		t.Fatal("expected AlreadyCredited=true on replay")
	}
}

func TestCreditOnramp_TransferFailureRecordsErrorWithoutTerminalTransition(t *testing.T) {
	store := storage.NewMemoryStore()
	seedTx(t, store)
	transferer := &fakeTransferer{err: errors.New("rpc timeout")}
	svc := NewService(store, transferer, Config{ChainID: 8453, Decimals: 6})
	defer svc.Stop()

	if _, err := svc.CreditOnramp(context.Background(), "tx_1"); err == nil {
		t.Fatal("expected transfer failure to propagate")
	}

	tx, err := store.GetTransaction(context.Background(), "tx_1")
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if tx.Status != storage.StatusMpesaSubmitted {
		t.Fatalf("expected status unchanged at mpesa_submitted for operational retry, got %s", tx.Status)
	}
	if tx.Onchain.VerificationStatus != storage.VerificationFailed {
		t.Fatalf("expected verificationStatus failed, got %s", tx.Onchain.VerificationStatus)
	}
	if tx.Onchain.VerificationError == "" {
		t.Fatal("expected a recorded verification error")
	}
}
