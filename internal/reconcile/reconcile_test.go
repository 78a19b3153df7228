package reconcile

import (
	"context"
	"testing"

	"github.com/dotpay/backend/internal/mpesa"
	"github.com/dotpay/backend/internal/storage"
)

type fakeRefunder struct {
	calls []string
}

func (f *fakeRefunder) ScheduleAutoRefund(_ context.Context, transactionID, _ string) {
	f.calls = append(f.calls, transactionID)
}

func TestRun_MarksStuckProcessingTransactionsFailedAndRefunds(t *testing.T) {
	store := storage.NewMemoryStore()
	tx := storage.Transaction{
		ID: "tx_1", FlowType: storage.FlowOfframp, Status: storage.StatusMpesaProcessing,
		UserAddress: "0xabc", Quote: &storage.Quote{QuoteID: "qt_1", AmountUsd: 5},
	}
	if err := store.CreateTransaction(context.Background(), tx); err != nil {
		t.Fatalf("seed CreateTransaction: %v", err)
	}

	refunder := &fakeRefunder{}
	svc := NewService(store, refunder, nil)

	// The forced single-id path always treats the transaction as past
	// cutoff, regardless of maxAgeMinutes, so no clock manipulation is needed.
	result, err := svc.Run(context.Background(), Request{TransactionID: "tx_1"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Scanned != 1 || result.MarkedFailed != 1 || result.Refunded != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}

	tx, err = store.GetTransaction(context.Background(), "tx_1")
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if tx.Status != storage.StatusFailed {
		t.Fatalf("expected failed, got %s", tx.Status)
	}
	if len(refunder.calls) != 1 || refunder.calls[0] != "tx_1" {
		t.Fatalf("expected refund scheduled for tx_1, got %v", refunder.calls)
	}
}

func TestRun_SkipsTransactionsNotInProcessing(t *testing.T) {
	store := storage.NewMemoryStore()
	tx := storage.Transaction{
		ID: "tx_2", FlowType: storage.FlowOfframp, Status: storage.StatusSucceeded,
		UserAddress: "0xabc", Quote: &storage.Quote{QuoteID: "qt_2"},
	}
	if err := store.CreateTransaction(context.Background(), tx); err != nil {
		t.Fatalf("seed: %v", err)
	}

	svc := NewService(store, &fakeRefunder{}, nil)
	result, err := svc.Run(context.Background(), Request{TransactionID: "tx_2"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Scanned != 0 {
		t.Fatalf("expected a succeeded transaction to be skipped, got scanned=%d", result.Scanned)
	}
}

type stubStatusQuerier struct {
	result mpesa.TransactionStatusQueryResult
	err    error
	calls  int
}

func (s *stubStatusQuerier) TransactionStatusQuery(_ context.Context, _ mpesa.TransactionStatusQueryRequest) (mpesa.TransactionStatusQueryResult, error) {
	s.calls++
	return s.result, s.err
}

func TestRun_ExecuteQueryRecordsProviderResponseInMetadata(t *testing.T) {
	store := storage.NewMemoryStore()
	tx := storage.Transaction{
		ID: "tx_3", FlowType: storage.FlowOfframp, Status: storage.StatusMpesaProcessing,
		UserAddress: "0xabc", Quote: &storage.Quote{QuoteID: "qt_3", AmountUsd: 5},
	}
	if err := store.CreateTransaction(context.Background(), tx); err != nil {
		t.Fatalf("seed: %v", err)
	}

	querier := &stubStatusQuerier{result: mpesa.TransactionStatusQueryResult{ResponseCode: "0", ResponseDesc: "Accepted"}}
	svc := NewService(store, &fakeRefunder{}, querier)

	result, err := svc.Run(context.Background(), Request{TransactionID: "tx_3", ExecuteQuery: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Queried != 1 {
		t.Fatalf("expected one query, got %d", result.Queried)
	}
	if querier.calls != 1 {
		t.Fatalf("expected provider queried exactly once, got %d", querier.calls)
	}

	got, err := store.GetTransaction(context.Background(), "tx_3")
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if got.Metadata.Extra["reconcileQueryResponseCode"] != "0" {
		t.Fatalf("expected recorded response code, got %v", got.Metadata.Extra)
	}
	if got.Status != storage.StatusFailed {
		t.Fatalf("expected forced-by-id transaction to end failed, got %s", got.Status)
	}
}
