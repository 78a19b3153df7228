package statemachine

import (
	"testing"
	"time"

	"github.com/dotpay/backend/internal/storage"
)

func TestAssertTransition_Legal(t *testing.T) {
	tx := &storage.Transaction{Status: storage.StatusQuoted}
	if err := AssertTransition(tx, storage.StatusMpesaSubmitted, "submit", "test"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tx.Status != storage.StatusMpesaSubmitted {
		t.Fatalf("status = %s, want mpesa_submitted", tx.Status)
	}
	if len(tx.History) != 1 {
		t.Fatalf("history length = %d, want 1", len(tx.History))
	}
	entry := tx.History[0]
	if entry.From != storage.StatusQuoted || entry.To != storage.StatusMpesaSubmitted {
		t.Fatalf("unexpected history entry: %+v", entry)
	}
}

func TestAssertTransition_Illegal(t *testing.T) {
	tx := &storage.Transaction{Status: storage.StatusSucceeded}
	err := AssertTransition(tx, storage.StatusFailed, "x", "test")
	if err == nil {
		t.Fatal("expected StateError, got nil")
	}
	if tx.Status != storage.StatusSucceeded {
		t.Fatalf("status mutated on illegal transition: %s", tx.Status)
	}
	if len(tx.History) != 0 {
		t.Fatalf("history mutated on illegal transition: %+v", tx.History)
	}
}

func TestAssertTransition_SameStateIsNoop(t *testing.T) {
	tx := &storage.Transaction{Status: storage.StatusMpesaProcessing}
	if err := AssertTransition(tx, storage.StatusMpesaProcessing, "retry", "test"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tx.History) != 0 {
		t.Fatalf("same-state call should not append history, got %+v", tx.History)
	}
}

func TestTerminalStatesHaveNoOutboundEdges(t *testing.T) {
	for _, terminal := range []storage.Status{storage.StatusSucceeded, storage.StatusRefunded} {
		for _, to := range []storage.Status{
			storage.StatusCreated, storage.StatusQuoted, storage.StatusFailed,
			storage.StatusMpesaSubmitted, storage.StatusRefundPending,
		} {
			if IsAllowed(terminal, to) {
				t.Fatalf("%s should have no outbound transitions, but allows -> %s", terminal, to)
			}
		}
	}
}

func TestFailedCanReachRefundPendingAndRefunded(t *testing.T) {
	tx := &storage.Transaction{Status: storage.StatusFailed}
	if err := AssertTransitionAt(tx, storage.StatusRefundPending, "auto-refund", "refund", time.Now()); err != nil {
		t.Fatalf("failed -> refund_pending should be legal: %v", err)
	}
	if err := AssertTransitionAt(tx, storage.StatusRefunded, "completed", "refund", time.Now()); err != nil {
		t.Fatalf("refund_pending -> refunded should be legal: %v", err)
	}
}

func TestRefundPendingCanFallBackToFailed(t *testing.T) {
	tx := &storage.Transaction{Status: storage.StatusRefundPending}
	if err := AssertTransition(tx, storage.StatusFailed, "chain error", "refund"); err != nil {
		t.Fatalf("refund_pending -> failed should be legal: %v", err)
	}
}
