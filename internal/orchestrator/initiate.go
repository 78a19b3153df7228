package orchestrator

import (
	"context"
	"time"

	apperrors "github.com/dotpay/backend/internal/errors"
	"github.com/dotpay/backend/internal/logger"
	"github.com/dotpay/backend/internal/mpesa"
	"github.com/dotpay/backend/internal/quote"
	"github.com/dotpay/backend/internal/statemachine"
	"github.com/dotpay/backend/internal/storage"
	"github.com/dotpay/backend/internal/walletauth"
)

// InitiateResult is returned by every flow entry point.
type InitiateResult struct {
	Transaction storage.Transaction
	Idempotent  bool
}

// InitiateOnramp starts an STK push: the user pays KES to the configured
// shortcode and, once Daraja confirms the payment, the Onramp Credit Settler
// credits the equivalent USDC. No PIN/signature/on-chain
// funding is required for this flow.
func (s *Service) InitiateOnramp(ctx context.Context, req InitiateRequest) (InitiateResult, error) {
	if err := ValidatePhone(req.Targets.Phone); err != nil {
		return InitiateResult{}, err
	}

	if existing, ok, err := s.idempotencyReplay(ctx, req.UserAddress, storage.FlowOnramp, req.IdempotencyKey); err != nil {
		return InitiateResult{}, err
	} else if ok {
		return InitiateResult{Transaction: existing, Idempotent: true}, nil
	}

	tx, bound, err := s.newQuotedTransaction(ctx, storage.FlowOnramp, req)
	if err != nil {
		return InitiateResult{}, err
	}
	tx.Onchain.VerificationStatus = storage.VerificationNotRequired

	if err := s.checkLimits(ctx, req.UserAddress, tx.Quote.TotalDebitKes, boundAmountKes(tx, bound)); err != nil {
		return InitiateResult{}, err
	}

	if err := statemachine.AssertTransition(&tx, storage.StatusAwaitingUserAuthorization, "onramp quoted, no authorization required", "orchestrator"); err != nil {
		return InitiateResult{}, err
	}
	if err := statemachine.AssertTransition(&tx, storage.StatusMpesaSubmitted, "submitting stk push", "orchestrator"); err != nil {
		return InitiateResult{}, err
	}
	if err := s.persistInitiated(ctx, &tx, bound); err != nil {
		return InitiateResult{}, err
	}

	return s.submitSTK(ctx, tx)
}

// InitiateOfframp starts a B2C disbursement: KES is sent to the user's phone
// once the user funds the treasury with the quoted USDC amount.
func (s *Service) InitiateOfframp(ctx context.Context, req InitiateRequest) (InitiateResult, error) {
	if err := ValidatePhone(req.Targets.Phone); err != nil {
		return InitiateResult{}, err
	}
	return s.initiateFunded(ctx, storage.FlowOfframp, req)
}

// InitiatePaybill starts a B2B disbursement to a paybill merchant.
func (s *Service) InitiatePaybill(ctx context.Context, req InitiateRequest) (InitiateResult, error) {
	if err := ValidatePaybillOrTill(req.Targets.PaybillNumber); err != nil {
		return InitiateResult{}, err
	}
	if err := ValidateAccountReference(req.Targets.AccountReference); err != nil {
		return InitiateResult{}, err
	}
	return s.initiateFunded(ctx, storage.FlowPaybill, req)
}

// InitiateBuygoods starts a B2B disbursement to a till.
func (s *Service) InitiateBuygoods(ctx context.Context, req InitiateRequest) (InitiateResult, error) {
	if err := ValidatePaybillOrTill(req.Targets.TillNumber); err != nil {
		return InitiateResult{}, err
	}
	return s.initiateFunded(ctx, storage.FlowBuygoods, req)
}

// initiateFunded implements the shared path for offramp/paybill/buygoods:
// quote binding, PIN+signature authorization, limits, funding defaults, and
// the awaiting_user_authorization -> awaiting_onchain_funding transition.
// Submission to mobile money happens later, once the caller verifies funding
// via VerifyFunding.
func (s *Service) initiateFunded(ctx context.Context, flowType storage.FlowType, req InitiateRequest) (InitiateResult, error) {
	if existing, ok, err := s.idempotencyReplay(ctx, req.UserAddress, flowType, req.IdempotencyKey); err != nil {
		return InitiateResult{}, err
	} else if ok {
		return InitiateResult{Transaction: existing, Idempotent: true}, nil
	}

	tx, bound, err := s.newQuotedTransaction(ctx, flowType, req)
	if err != nil {
		return InitiateResult{}, err
	}

	target, err := walletauth.TargetDescriptor(flowType, tx.Targets)
	if err != nil {
		return InitiateResult{}, apperrors.Validation(apperrors.ErrCodeInvalidField, err.Error())
	}
	if err := s.verifyAuthorization(ctx, tx, req, target); err != nil {
		return InitiateResult{}, err
	}
	tx.Authorization = storage.Authorization{
		PinProvided:   true,
		SignerAddress: req.UserAddress,
		Signature:     req.Signature,
		SignedAt:      req.SignedAt,
		Nonce:         req.Nonce,
	}

	if err := s.checkLimits(ctx, req.UserAddress, tx.Quote.TotalDebitKes, boundAmountKes(tx, bound)); err != nil {
		return InitiateResult{}, err
	}

	if err := s.populateFunding(&tx); err != nil {
		return InitiateResult{}, err
	}

	if err := statemachine.AssertTransition(&tx, storage.StatusAwaitingUserAuthorization, "authorization verified", "orchestrator"); err != nil {
		return InitiateResult{}, err
	}
	if err := statemachine.AssertTransition(&tx, storage.StatusAwaitingOnchainFunding, "awaiting on-chain funding", "orchestrator"); err != nil {
		return InitiateResult{}, err
	}

	if err := s.persistInitiated(ctx, &tx, bound); err != nil {
		return InitiateResult{}, err
	}
	return InitiateResult{Transaction: tx}, nil
}

// ConfirmFunding is called once the client supplies the on-chain funding
// txHash for a transaction awaiting funding: it
// verifies the transfer, submits to mobile money on success, and persists
// verificationStatus: failed without submitting on failure.
func (s *Service) ConfirmFunding(ctx context.Context, transactionID, userAddress, txHash string, chainID int64) (InitiateResult, error) {
	tx, err := s.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return InitiateResult{}, apperrors.State(apperrors.ErrCodeTransactionNotFound, "transaction not found")
	}
	if tx.UserAddress != userAddress {
		return InitiateResult{}, apperrors.Auth(apperrors.ErrCodeQuoteOwnership, "transaction does not belong to this user")
	}
	if tx.Status != storage.StatusAwaitingOnchainFunding {
		return InitiateResult{}, apperrors.State(apperrors.ErrCodeIllegalTransition, "transaction is not awaiting on-chain funding")
	}

	if verr := s.VerifyFunding(ctx, &tx, txHash, chainID); verr != nil {
		if perr := s.store.UpdateTransaction(ctx, tx); perr != nil {
			log := logger.FromContext(ctx)
			log.Error().Err(perr).Str("transactionId", tx.ID).Msg("failed to persist funding verification failure")
		}
		return InitiateResult{}, verr
	}

	if err := statemachine.AssertTransition(&tx, storage.StatusMpesaSubmitted, "on-chain funding verified", "orchestrator"); err != nil {
		return InitiateResult{}, err
	}
	if err := s.store.UpdateTransaction(ctx, tx); err != nil {
		return InitiateResult{}, apperrors.External(apperrors.ErrCodeDatabaseError, "failed to persist transaction").WithCause(err)
	}
	tx.Version++ // keep the local copy in sync for the post-submission update

	return s.submitFunded(ctx, tx)
}

// submitFunded dispatches the B2C/B2B submission for the transaction's flow
// type once funding has been verified.
func (s *Service) submitFunded(ctx context.Context, tx storage.Transaction) (InitiateResult, error) {
	switch tx.FlowType {
	case storage.FlowOfframp:
		return s.submitB2C(ctx, tx)
	case storage.FlowPaybill:
		return s.submitB2B(ctx, tx, mpesa.B2BTargetPaybill, tx.Targets.PaybillNumber)
	case storage.FlowBuygoods:
		return s.submitB2B(ctx, tx, mpesa.B2BTargetBuygoods, tx.Targets.TillNumber)
	default:
		return InitiateResult{}, apperrors.Config(apperrors.ErrCodeConfigMissing, "unsupported flow type for mobile-money submission")
	}
}

// newQuotedTransaction binds req.QuoteID to the previously priced
// transaction shell, or prices a fresh quote onto a new in-memory
// Transaction. bound reports whether the transaction already exists in
// storage, so callers persist it with UpdateTransaction instead of
// CreateTransaction.
func (s *Service) newQuotedTransaction(ctx context.Context, flowType storage.FlowType, req InitiateRequest) (storage.Transaction, bool, error) {
	if req.QuoteID != "" {
		tx, err := s.bindQuotedTransaction(ctx, flowType, req)
		if err != nil {
			return storage.Transaction{}, false, err
		}
		return tx, true, nil
	}

	q, err := quote.Build(s.quoteCfg, flowType, req.Currency, req.Amount, req.KesPerUsdOverride)
	if err != nil {
		return storage.Transaction{}, false, err
	}

	now := time.Now().UTC()
	tx := storage.Transaction{
		ID:             generateTransactionID(),
		FlowType:       flowType,
		Status:         storage.StatusQuoted,
		UserAddress:    req.UserAddress,
		IdempotencyKey: req.IdempotencyKey,
		Quote:          &q,
		Targets:        req.Targets,
		Metadata:       req.Metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	return tx, false, nil
}

// persistInitiated writes tx for the first time, or updates the bound quote
// shell, leaving tx.Version in sync with the stored copy either way so later
// UpdateTransaction calls in the same request don't hit a version conflict.
func (s *Service) persistInitiated(ctx context.Context, tx *storage.Transaction, bound bool) error {
	if bound {
		if err := s.store.UpdateTransaction(ctx, *tx); err != nil {
			return apperrors.External(apperrors.ErrCodeDatabaseError, "failed to persist transaction").WithCause(err)
		}
		tx.Version++
		return nil
	}
	if err := s.store.CreateTransaction(ctx, *tx); err != nil {
		return apperrors.External(apperrors.ErrCodeDatabaseError, "failed to persist transaction").WithCause(err)
	}
	tx.Version = 1
	return nil
}
