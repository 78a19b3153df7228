// Package reconcile implements the Reconciler: an internal,
// operator-token-gated sweep over mpesa_processing transactions stuck past a
// cutoff, optionally double-checking them with the provider before failing
// them and scheduling an auto-refund. Each sweep is bounded by a page size
// so an operator invocation can never scan unboundedly.
package reconcile

import (
	"context"
	"time"

	apperrors "github.com/dotpay/backend/internal/errors"
	"github.com/dotpay/backend/internal/logger"
	"github.com/dotpay/backend/internal/mpesa"
	"github.com/dotpay/backend/internal/statemachine"
	"github.com/dotpay/backend/internal/storage"
)

const maxPageSize = 100

// Refunder schedules a compensating refund for a transaction the reconciler
// has just marked failed.
type Refunder interface {
	ScheduleAutoRefund(ctx context.Context, transactionID, reason string)
}

// StatusQuerier is the provider round-trip the reconciler may optionally
// invoke before declaring a transaction failed.
type StatusQuerier interface {
	TransactionStatusQuery(ctx context.Context, req mpesa.TransactionStatusQueryRequest) (mpesa.TransactionStatusQueryResult, error)
}

// Service runs reconciliation sweeps.
type Service struct {
	store    storage.Store
	refunder Refunder
	mpesa    StatusQuerier
}

// NewService constructs a reconcile Service. mpesaClient may be nil, in
// which case Request.ExecuteQuery is ignored.
func NewService(store storage.Store, refunder Refunder, mpesaClient StatusQuerier) *Service {
	return &Service{store: store, refunder: refunder, mpesa: mpesaClient}
}

// Request is the input to a reconciliation sweep.
type Request struct {
	MaxAgeMinutes int
	ExecuteQuery  bool
	TransactionID string
}

// Result reports what the sweep did.
type Result struct {
	Scanned      int `json:"scanned"`
	MarkedFailed int `json:"markedFailed"`
	Refunded     int `json:"refunded"`
	Queried      int `json:"queried"`
	QueryErrors  int `json:"queryErrors"`
}

// Run executes one reconciliation sweep.
func (s *Service) Run(ctx context.Context, req Request) (Result, error) {
	maxAge := req.MaxAgeMinutes
	if maxAge <= 0 {
		maxAge = 30
	}
	cutoff := time.Now().UTC().Add(-time.Duration(maxAge) * time.Minute)

	candidates, err := s.candidates(ctx, req, cutoff)
	if err != nil {
		return Result{}, err
	}

	var result Result
	result.Scanned = len(candidates)

	for _, tx := range candidates {
		s.reconcileOne(ctx, tx, cutoff, req, &result)
	}

	return result, nil
}

func (s *Service) candidates(ctx context.Context, req Request, cutoff time.Time) ([]storage.Transaction, error) {
	if req.TransactionID != "" {
		tx, err := s.store.GetTransaction(ctx, req.TransactionID)
		if err != nil {
			return nil, apperrors.State(apperrors.ErrCodeTransactionNotFound, "transaction not found")
		}
		if tx.Status != storage.StatusMpesaProcessing {
			return nil, nil
		}
		return []storage.Transaction{tx}, nil
	}
	return s.store.ListProcessingOlderThan(ctx, cutoff, maxPageSize)
}

func (s *Service) reconcileOne(ctx context.Context, tx storage.Transaction, cutoff time.Time, req Request, result *Result) {
	log := logger.FromContext(ctx).With().Str("transactionId", tx.ID).Logger()

	forced := req.TransactionID != ""
	pastCutoff := forced || tx.UpdatedAt.Before(cutoff)

	if req.ExecuteQuery && s.mpesa != nil {
		result.Queried++
		queryResult, err := s.mpesa.TransactionStatusQuery(ctx, mpesa.TransactionStatusQueryRequest{
			TransactionID:    tx.Daraja.ConversationID,
			OriginatorConvID: tx.Daraja.OriginatorConversationID,
			Remarks:          "reconciliation sweep",
		})
		if err != nil {
			result.QueryErrors++
			log.Warn().Err(err).Msg("reconcile: provider status query failed")
		} else {
			if tx.Metadata.Extra == nil {
				tx.Metadata.Extra = map[string]string{}
			}
			tx.Metadata.Extra["reconcileQueryResponseCode"] = queryResult.ResponseCode
			tx.Metadata.Extra["reconcileQueryResponseDesc"] = queryResult.ResponseDesc
			if err := s.store.UpdateTransaction(ctx, tx); err != nil {
				log.Error().Err(err).Msg("reconcile: failed to persist status query metadata")
			} else {
				// UpdateTransaction only bumps the version on its own stored
				// copy (Go passes tx by value); mirror that here so the
				// failed-transition write below still matches.
				tx.Version++
			}
		}
	}

	if !pastCutoff {
		return
	}

	if err := statemachine.AssertTransition(&tx, storage.StatusFailed, "reconciliation: stuck in mpesa_processing past cutoff", "reconcile"); err != nil {
		log.Error().Err(err).Msg("reconcile: failed to transition to failed")
		return
	}
	if err := s.store.UpdateTransaction(ctx, tx); err != nil {
		log.Error().Err(err).Msg("reconcile: failed to persist failed transition")
		return
	}
	result.MarkedFailed++

	if tx.FlowType.RequiresFunding() && s.refunder != nil {
		s.refunder.ScheduleAutoRefund(ctx, tx.ID, "reconciliation timeout")
		result.Refunded++
	}
}
