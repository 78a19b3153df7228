package funding

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	apperrors "github.com/dotpay/backend/internal/errors"
	"github.com/dotpay/backend/internal/treasury"
)

var transferSig = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

const (
	testFromAddr     = "0x000000000000000000000000000000000000aaaa"
	testTokenAddr    = "0x1111111111111111111111111111111111111111"
	testTreasuryAddr = "0x000000000000000000000000000000000000bbbb"
	testTxHash       = "0xa1b2c3d4a1b2c3d4a1b2c3d4a1b2c3d4a1b2c3d4a1b2c3d4a1b2c3d4a1b2c3d4"
)

type fakeFetcher struct {
	receipt treasury.Receipt
	err     error
	calls   int
}

func (f *fakeFetcher) FetchReceipt(_ context.Context, _ common.Hash) (treasury.Receipt, error) {
	f.calls++
	if f.err != nil {
		return treasury.Receipt{}, f.err
	}
	return f.receipt, nil
}

func transferLog(token, from, to common.Address, value *big.Int, index uint) *types.Log {
	return &types.Log{
		Address: token,
		Topics: []common.Hash{
			transferSig,
			common.BytesToHash(common.LeftPadBytes(from.Bytes(), 32)),
			common.BytesToHash(common.LeftPadBytes(to.Bytes(), 32)),
		},
		Data:  common.LeftPadBytes(value.Bytes(), 32),
		Index: index,
	}
}

func fundingReceipt(status, confirmations uint64, logs ...*types.Log) treasury.Receipt {
	return treasury.Receipt{
		Status:        status,
		BlockNumber:   1234,
		Confirmations: confirmations,
		Logs:          logs,
	}
}

func verifyInput() VerifyInput {
	return VerifyInput{
		ExpectedFrom:      testFromAddr,
		TxHash:            testTxHash,
		TokenContract:     testTokenAddr,
		TreasuryAddress:   testTreasuryAddr,
		ExpectedUnits:     big.NewInt(10_000_000),
		ExpectedAmountUsd: 10,
		Decimals:          6,
	}
}

func TestVerify_SumsMatchingTransfersAndKeepsLowestLogIndex(t *testing.T) {
	token := common.HexToAddress(testTokenAddr)
	from := common.HexToAddress(testFromAddr)
	treasuryAddr := common.HexToAddress(testTreasuryAddr)
	stranger := common.HexToAddress("0x000000000000000000000000000000000000cccc")

	fetcher := &fakeFetcher{receipt: fundingReceipt(1, 1,
		transferLog(token, from, treasuryAddr, big.NewInt(6_000_000), 7),
		transferLog(token, stranger, treasuryAddr, big.NewInt(50_000_000), 8), // wrong funder
		transferLog(token, from, stranger, big.NewInt(50_000_000), 9),         // wrong recipient
		transferLog(token, from, treasuryAddr, big.NewInt(5_000_000), 3),
	)}
	v := NewVerifier(fetcher, 8453)

	result, err := v.Verify(context.Background(), verifyInput())
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if result.FundedUnits.Cmp(big.NewInt(11_000_000)) != 0 {
		t.Errorf("fundedUnits = %s, want 11000000 (only matching transfers summed)", result.FundedUnits)
	}
	if result.LogIndex != 3 {
		t.Errorf("logIndex = %d, want lowest matching index 3", result.LogIndex)
	}
	if result.ChainID != 8453 {
		t.Errorf("chainId = %d, want 8453", result.ChainID)
	}
	if result.FundedUsd != 11 {
		t.Errorf("fundedUsd = %v, want 11 (derived from actual units)", result.FundedUsd)
	}
	if result.BlockNumber != 1234 {
		t.Errorf("blockNumber = %d, want 1234", result.BlockNumber)
	}
}

func TestVerify_RejectsSumBelowRequired(t *testing.T) {
	token := common.HexToAddress(testTokenAddr)
	from := common.HexToAddress(testFromAddr)
	treasuryAddr := common.HexToAddress(testTreasuryAddr)

	fetcher := &fakeFetcher{receipt: fundingReceipt(1, 1,
		transferLog(token, from, treasuryAddr, big.NewInt(9_999_999), 0),
	)}
	v := NewVerifier(fetcher, 8453)

	_, err := v.Verify(context.Background(), verifyInput())
	ae, ok := apperrors.As(err)
	if !ok || ae.Code != apperrors.ErrCodeFundingBelowRequired {
		t.Fatalf("expected ErrCodeFundingBelowRequired, got %v", err)
	}
}

func TestVerify_RejectsChainMismatch(t *testing.T) {
	fetcher := &fakeFetcher{receipt: fundingReceipt(1, 1)}
	v := NewVerifier(fetcher, 8453)

	in := verifyInput()
	in.RequestChainID = 1
	_, err := v.Verify(context.Background(), in)
	ae, ok := apperrors.As(err)
	if !ok || ae.Code != apperrors.ErrCodeChainMismatch {
		t.Fatalf("expected ErrCodeChainMismatch, got %v", err)
	}
	if fetcher.calls != 0 {
		t.Errorf("expected no receipt fetch on chain mismatch, got %d", fetcher.calls)
	}
}

func TestVerify_RejectsRevertedReceipt(t *testing.T) {
	fetcher := &fakeFetcher{receipt: fundingReceipt(0, 1)}
	v := NewVerifier(fetcher, 8453)

	_, err := v.Verify(context.Background(), verifyInput())
	ae, ok := apperrors.As(err)
	if !ok || ae.Code != apperrors.ErrCodeReceiptFailed {
		t.Fatalf("expected ErrCodeReceiptFailed, got %v", err)
	}
}

func TestVerify_RejectsConfirmationsBelowMinimum(t *testing.T) {
	token := common.HexToAddress(testTokenAddr)
	from := common.HexToAddress(testFromAddr)
	treasuryAddr := common.HexToAddress(testTreasuryAddr)

	fetcher := &fakeFetcher{receipt: fundingReceipt(1, 2,
		transferLog(token, from, treasuryAddr, big.NewInt(20_000_000), 0),
	)}
	v := NewVerifier(fetcher, 8453)

	in := verifyInput()
	in.MinFundingConfirmations = 3
	_, err := v.Verify(context.Background(), in)
	ae, ok := apperrors.As(err)
	if !ok || ae.Code != apperrors.ErrCodeInsufficientConfirmations {
		t.Fatalf("expected ErrCodeInsufficientConfirmations, got %v", err)
	}
}

func TestVerify_PropagatesReceiptFetchError(t *testing.T) {
	wantErr := apperrors.External(apperrors.ErrCodeReceiptNotFound, "transaction receipt not found")
	fetcher := &fakeFetcher{err: wantErr}
	v := NewVerifier(fetcher, 8453)

	_, err := v.Verify(context.Background(), verifyInput())
	if !errors.Is(err, wantErr) {
		ae, ok := apperrors.As(err)
		if !ok || ae.Code != apperrors.ErrCodeReceiptNotFound {
			t.Fatalf("expected the fetch error to propagate, got %v", err)
		}
	}
}

func TestVerify_RejectsMalformedInputsBeforeFetching(t *testing.T) {
	fetcher := &fakeFetcher{receipt: fundingReceipt(1, 1)}
	v := NewVerifier(fetcher, 8453)

	bad := verifyInput()
	bad.ExpectedFrom = "not-an-address"
	if _, err := v.Verify(context.Background(), bad); err == nil {
		t.Error("expected error for malformed expectedFrom")
	}

	bad = verifyInput()
	bad.TxHash = "0x1234"
	if _, err := v.Verify(context.Background(), bad); err == nil {
		t.Error("expected error for short txHash")
	}

	bad = verifyInput()
	bad.ExpectedUnits = big.NewInt(0)
	if _, err := v.Verify(context.Background(), bad); err == nil {
		t.Error("expected error for non-positive expectedUnits")
	}

	if fetcher.calls != 0 {
		t.Errorf("expected no receipt fetches for malformed inputs, got %d", fetcher.calls)
	}
}
