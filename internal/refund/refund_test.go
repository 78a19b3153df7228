package refund

import (
	"context"
	"math/big"
	"regexp"
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

func seedFailedOfframp(t *testing.T, store storage.Store) storage.Transaction {
	t.Helper()
	tx := storage.Transaction{
		ID: "tx_1", FlowType: storage.FlowOfframp, Status: storage.StatusFailed,
		UserAddress: "0x0000000000000000000000000000000000000001",
		Quote:       &storage.Quote{QuoteID: "qt_1", AmountUsd: 5.0},
		Onchain: storage.Onchain{
			FromAddress:     "0x0000000000000000000000000000000000000002",
			FundedAmountUsd: 5.0,
		},
	}
	if err := store.CreateTransaction(context.Background(), tx); err != nil {
		t.Fatalf("seed CreateTransaction: %v", err)
	}
	return tx
}

func TestRefund_SimulatedModeProducesRFReference(t *testing.T) {
	store := storage.NewMemoryStore()
	seedFailedOfframp(t, store)

	svc := NewService(store, nil, Config{Enabled: false})
	if err := svc.Refund(context.Background(), "tx_1", "b2c timeout"); err != nil {
		t.Fatalf("Refund: %v", err)
	}

	tx, err := store.GetTransaction(context.Background(), "tx_1")
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if tx.Status != storage.StatusRefunded {
		t.Fatalf("expected refunded, got %s", tx.Status)
	}
	if tx.Refund.Status != storage.RefundStateCompleted {
		t.Fatalf("expected refund.status completed, got %s", tx.Refund.Status)
	}
	if ok, _ := regexp.MatchString(`^RF_`, tx.Refund.TxHash); !ok {
		t.Fatalf("expected simulated reference to start with RF_, got %s", tx.Refund.TxHash)
	}
}

func TestRefund_OnlyAppliesToFundedFlowsInFailedState(t *testing.T) {
	store := storage.NewMemoryStore()
	tx := storage.Transaction{
		ID: "tx_2", FlowType: storage.FlowOnramp, Status: storage.StatusFailed,
		UserAddress: "0xabc", Quote: &storage.Quote{QuoteID: "qt_2", AmountUsd: 1},
	}
	if err := store.CreateTransaction(context.Background(), tx); err != nil {
		t.Fatalf("seed: %v", err)
	}

	svc := NewService(store, nil, Config{Enabled: false})
	if err := svc.Refund(context.Background(), "tx_2", "n/a"); err == nil {
		t.Fatal("expected error refunding an onramp transaction")
	}
}

func TestRefund_PrefersOnchainFromAddressOverUserAddress(t *testing.T) {
	store := storage.NewMemoryStore()
	tx := seedFailedOfframp(t, store)

	recipient := refundRecipient(tx)
	if recipient != "0x0000000000000000000000000000000000000002" {
		t.Fatalf("expected onchain.fromAddress preferred, got %s", recipient)
	}
}

func TestRefund_IsIdempotentOnceRefunded(t *testing.T) {
	store := storage.NewMemoryStore()
	seedFailedOfframp(t, store)
	svc := NewService(store, nil, Config{Enabled: false})

	ctx := context.Background()
	if err := svc.Refund(ctx, "tx_1", "first"); err != nil {
		t.Fatalf("first Refund: %v", err)
	}
	if err := svc.Refund(ctx, "tx_1", "second"); err != nil {
		t.Fatalf("second Refund should be a no-op, got error: %v", err)
	}
}

func TestRefund_OnChainModeExecutesTransferWithScaledUnits(t *testing.T) {
	store := storage.NewMemoryStore()
	seedFailedOfframp(t, store)
	transferer := &fakeTransferer{hash: common.HexToHash("0xfeed")}

	svc := NewService(store, transferer, Config{
		Enabled:       true,
		TokenContract: "0x0000000000000000000000000000000000000003",
		Decimals:      6,
	})
	if err := svc.Refund(context.Background(), "tx_1", "b2c timeout"); err != nil {
		t.Fatalf("Refund: %v", err)
	}

	wantUnits := big.NewInt(5000000) // 5.0 USD * 1e6
	if transferer.last.Cmp(wantUnits) != 0 {
		t.Fatalf("expected transfer of %s units, got %s", wantUnits, transferer.last)
	}

	tx, err := store.GetTransaction(context.Background(), "tx_1")
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if ok, _ := regexp.MatchString(`^0x[0-9a-f]+feed$`, tx.Refund.TxHash); !ok {
		t.Fatalf("expected lowercased tx hash persisted, got %s", tx.Refund.TxHash)
	}
}
