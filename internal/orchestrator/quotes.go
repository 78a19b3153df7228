package orchestrator

import (
	"context"

	"github.com/dotpay/backend/internal/storage"
)

// QuoteRequest is the input to POST /api/mpesa/quotes: a standalone price
// preview, not yet bound to an authorized transaction.
type QuoteRequest struct {
	UserAddress string
	FlowType    storage.FlowType
	Currency    string
	Amount      float64
	KesPerUsd   float64 // optional rate override; 0 means the configured rate
}

// PreviewQuote prices a standalone quote and parks it on a StatusQuoted
// transaction shell so a subsequent initiate call can bind to it via quoteId.
func (s *Service) PreviewQuote(ctx context.Context, req QuoteRequest) (storage.Transaction, error) {
	tx, _, err := s.newQuotedTransaction(ctx, req.FlowType, InitiateRequest{
		UserAddress:       req.UserAddress,
		Currency:          req.Currency,
		Amount:            req.Amount,
		KesPerUsdOverride: req.KesPerUsd,
	})
	if err != nil {
		return storage.Transaction{}, err
	}
	if req.FlowType.RequiresFunding() {
		if err := s.populateFunding(&tx); err != nil {
			return storage.Transaction{}, err
		}
	} else {
		tx.Onchain.VerificationStatus = storage.VerificationNotRequired
	}
	if err := s.store.CreateTransaction(ctx, tx); err != nil {
		return storage.Transaction{}, err
	}
	return tx, nil
}
