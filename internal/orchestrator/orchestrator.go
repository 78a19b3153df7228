// Package orchestrator is the single entry point that prices, authorizes,
// funds, and submits each of the four DotPay flows to mobile money,
// threading every mutation through internal/statemachine so the
// transaction's history stays an auditable, append-only record.
package orchestrator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/dotpay/backend/internal/config"
	apperrors "github.com/dotpay/backend/internal/errors"
	"github.com/dotpay/backend/internal/funding"
	"github.com/dotpay/backend/internal/logger"
	"github.com/dotpay/backend/internal/metrics"
	"github.com/dotpay/backend/internal/mpesa"
	"github.com/dotpay/backend/internal/pinauth"
	"github.com/dotpay/backend/internal/storage"
	"github.com/dotpay/backend/internal/walletauth"
)

// Service wires the quoting, authorization, funding-verification, and
// mobile-money submission steps into the four flow entry points.
type Service struct {
	store    storage.Store
	quoteCfg config.QuoteConfig
	limits   config.LimitsConfig
	sigCfg   config.SignatureConfig
	refund   config.RefundConfig
	treasury config.TreasuryConfig
	server   config.ServerConfig

	funder *funding.Verifier
	mpesa  *mpesa.Client
	pins   PINVerifier

	refunder Refunder
	metrics  *metrics.Metrics
}

// Refunder is the subset of internal/refund's API the orchestrator needs to
// schedule a refund after a rejected or failed mobile-money submission,
// without importing internal/refund directly (it in turn depends on
// orchestrator's storage conventions but not on orchestrator itself).
type Refunder interface {
	ScheduleAutoRefund(ctx context.Context, transactionID, reason string)
}

// PINVerifier checks a user-supplied PIN against whatever holds the scrypt
// hash for that address. DotPay only owns the KDF/compare primitives in
// internal/pinauth, not where the hash lives, so this boundary is an
// injected interface rather than a storage.Store method.
type PINVerifier interface {
	VerifyPIN(ctx context.Context, userAddress, pin string) (bool, error)
}

// New constructs a Service. funder and mpesaClient may be nil only in
// deployments that never enable funded flows or mpesa submission
// respectively; both are validated against per-request needs, not at
// construction.
func New(store storage.Store, cfg config.Config, funder *funding.Verifier, mpesaClient *mpesa.Client, pins PINVerifier, refunder Refunder) *Service {
	return &Service{
		store:    store,
		quoteCfg: cfg.Quote,
		limits:   cfg.Limits,
		sigCfg:   cfg.Signature,
		refund:   cfg.Refund,
		treasury: cfg.Treasury,
		server:   cfg.Server,
		funder:   funder,
		mpesa:    mpesaClient,
		pins:     pins,
		refunder: refunder,
	}
}

// WithMetrics attaches a metrics collector, returning s for chaining at
// construction time in cmd/server.
func (s *Service) WithMetrics(m *metrics.Metrics) *Service {
	s.metrics = m
	return s
}

// InitiateRequest bundles the fields common to all four initiate endpoints.
// Flow-specific target fields are validated by the per-flow Initiate* method.
type InitiateRequest struct {
	UserAddress       string
	IdempotencyKey    string
	Currency          string // "KES" | "USD"
	Amount            float64
	KesPerUsdOverride float64 // optional; 0 means the configured rate
	QuoteID           string  // optional: bind to a previously fetched quote instead of pricing fresh
	Targets           storage.Targets
	PIN               string
	Signature         string
	Nonce             string
	SignedAt          string
	Metadata          storage.Metadata
}

// generateTransactionID returns a new unique transaction identifier, in the
// same "prefix_hex" shape as quote.GenerateQuoteID.
func generateTransactionID() string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("tx_%d", time.Now().UnixNano())
	}
	return "tx_" + hex.EncodeToString(b)
}

// idempotencyReplay looks up an existing transaction for (userAddress,
// flowType, idempotencyKey) and returns it if found. The orchestrator is
// idempotent per business key, independent of the generic HTTP
// idempotency-cache in internal/idempotency.
func (s *Service) idempotencyReplay(ctx context.Context, userAddress string, flowType storage.FlowType, key string) (storage.Transaction, bool, error) {
	if key == "" {
		return storage.Transaction{}, false, nil
	}
	tx, err := s.store.GetTransactionByIdempotencyKey(ctx, userAddress, flowType, key)
	if err != nil {
		return storage.Transaction{}, false, nil
	}
	return tx, true, nil
}

// checkLimits enforces the per-transaction and rolling-daily KES caps.
// Failed transactions do not count against the daily total, and the daily
// window is UTC wall-clock midnight. alreadyCountedKes backs out the
// transaction's own quote amount when it was persisted earlier as a quote
// shell and is therefore part of the daily sum already.
func (s *Service) checkLimits(ctx context.Context, userAddress string, totalDebitKes, alreadyCountedKes float64) error {
	if s.limits.MaxTxnKes > 0 && totalDebitKes > s.limits.MaxTxnKes {
		return apperrors.Validation(apperrors.ErrCodeLimitExceeded,
			fmt.Sprintf("amount exceeds the per-transaction limit of %.2f KES", s.limits.MaxTxnKes))
	}
	if s.limits.MaxDailyKes > 0 {
		spentToday, err := s.store.SumTodayAmountKes(ctx, userAddress, true)
		if err != nil {
			return apperrors.External(apperrors.ErrCodeDatabaseError, "failed to read today's spend").WithCause(err)
		}
		spentToday -= alreadyCountedKes
		if spentToday < 0 {
			spentToday = 0
		}
		if spentToday+totalDebitKes > s.limits.MaxDailyKes {
			return apperrors.Validation(apperrors.ErrCodeLimitExceeded,
				fmt.Sprintf("amount would exceed the daily limit of %.2f KES", s.limits.MaxDailyKes))
		}
	}
	return nil
}

// boundAmountKes reports how much of the daily sum the transaction itself
// already contributes: its quote amount when it was persisted as a shell by
// PreviewQuote, zero for a fresh quote.
func boundAmountKes(tx storage.Transaction, bound bool) float64 {
	if !bound || tx.Quote == nil {
		return 0
	}
	return tx.Quote.AmountKes
}

// bindQuotedTransaction resolves req.QuoteID to the transaction shell
// PreviewQuote parked it on and folds the initiate request's fields into it.
// The returned transaction already exists in storage, so callers persist it
// with UpdateTransaction rather than CreateTransaction.
func (s *Service) bindQuotedTransaction(ctx context.Context, flowType storage.FlowType, req InitiateRequest) (storage.Transaction, error) {
	tx, err := s.store.GetTransactionByQuoteID(ctx, req.QuoteID)
	if err != nil || tx.Quote == nil {
		return storage.Transaction{}, apperrors.State(apperrors.ErrCodeQuoteNotFound, "quoteId does not reference a usable quote")
	}
	if tx.UserAddress != req.UserAddress {
		return storage.Transaction{}, apperrors.Auth(apperrors.ErrCodeQuoteOwnership, "quote does not belong to this user")
	}
	if tx.FlowType != flowType {
		return storage.Transaction{}, apperrors.State(apperrors.ErrCodeQuoteNotFound, "quote was priced for a different flow")
	}
	if tx.Status != storage.StatusQuoted {
		return storage.Transaction{}, apperrors.State(apperrors.ErrCodeQuoteNotFound, "quote is already bound to an initiated transaction")
	}
	if tx.Quote.IsExpiredAt(time.Now().UTC()) {
		return storage.Transaction{}, apperrors.State(apperrors.ErrCodeQuoteExpired, "quote has expired")
	}

	tx.IdempotencyKey = req.IdempotencyKey
	tx.Targets = req.Targets
	tx.Metadata = req.Metadata
	return tx, nil
}

// verifyAuthorization checks the PIN via the injected PINVerifier and
// recovers+compares the EIP-191 wallet signature over the canonical
// authorization message. Every funded flow (all but
// onramp) requires this.
func (s *Service) verifyAuthorization(ctx context.Context, tx storage.Transaction, req InitiateRequest, target string) error {
	pin, err := pinauth.ValidateFormat(req.PIN, s.sigCfg.PinMinLength)
	if err != nil {
		return err
	}
	if s.pins == nil {
		return apperrors.Config(apperrors.ErrCodeConfigMissing, "pin verification is not configured")
	}
	ok, err := s.pins.VerifyPIN(ctx, req.UserAddress, pin)
	if err != nil {
		return apperrors.External(apperrors.ErrCodeInternalError, "pin verification failed").WithCause(err)
	}
	if !ok {
		return apperrors.Auth(apperrors.ErrCodeInvalidPIN, "pin is incorrect")
	}

	message := walletauth.BuildCanonicalMessage(walletauth.CanonicalMessageInput{
		TransactionID:     tx.ID,
		FlowType:          tx.FlowType,
		QuoteID:           tx.Quote.QuoteID,
		TotalDebitKes:     tx.Quote.TotalDebitKes,
		ExpectedAmountUsd: tx.Quote.AmountUsd,
		Target:            target,
		Nonce:             req.Nonce,
		SignedAt:          req.SignedAt,
	})
	_, err = walletauth.Verify(walletauth.VerifyInput{
		Message:               message,
		Signature:             req.Signature,
		ExpectedSignerAddress: req.UserAddress,
		Nonce:                 req.Nonce,
		SignedAt:              req.SignedAt,
		SignatureMaxAge:       s.sigCfg.SignatureMaxAge.Duration,
	})
	return err
}

// populateFunding fills tx.Onchain with the expected-amount and verification
// defaults for a funded flow.
func (s *Service) populateFunding(tx *storage.Transaction) error {
	tx.Onchain.Required = true
	tx.Onchain.ChainID = s.treasury.ChainID
	tx.Onchain.TokenContract = strings.ToLower(s.treasury.USDCContract)
	tx.Onchain.TreasuryAddress = strings.ToLower(s.treasury.PlatformAddress)
	tx.Onchain.ExpectedAmountUsd = tx.Quote.AmountUsd
	tx.Onchain.VerificationStatus = storage.VerificationPending

	units, err := funding.ExpectedUnits(tx.Quote.TotalDebitKes, tx.Quote.RateKesPerUsd, s.treasury.USDCDecimals)
	if err != nil {
		return err
	}
	if units.IsUint64() {
		tx.Onchain.ExpectedAmountUnits = units.Uint64()
	} else {
		tx.Onchain.ExpectedAmountUnits = ^uint64(0)
	}
	return nil
}

// VerifyFunding runs the Funding Verifier against the client-supplied txHash
// and chain id, and on success marks tx.Onchain verified and records the
// funded amounts. The caller persists tx afterward.
func (s *Service) VerifyFunding(ctx context.Context, tx *storage.Transaction, txHash string, chainID int64) error {
	if s.funder == nil {
		return apperrors.Config(apperrors.ErrCodeTreasuryUnconfigured, "on-chain funding verification is not configured")
	}
	existing, err := s.store.GetTransactionByOnchainTxHash(ctx, strings.ToLower(txHash))
	if err == nil && existing.ID != tx.ID {
		return apperrors.State(apperrors.ErrCodeDuplicateFunding, "this funding transaction hash has already been used")
	}

	expectedUnits := new(big.Int).SetUint64(tx.Onchain.ExpectedAmountUnits)
	result, err := s.funder.Verify(ctx, funding.VerifyInput{
		ExpectedFrom:            strings.ToLower(tx.UserAddress),
		TxHash:                  txHash,
		RequestChainID:          chainID,
		TokenContract:           tx.Onchain.TokenContract,
		TreasuryAddress:         tx.Onchain.TreasuryAddress,
		ExpectedUnits:           expectedUnits,
		ExpectedAmountUsd:       tx.Onchain.ExpectedAmountUsd,
		Decimals:                s.treasury.USDCDecimals,
		MinFundingConfirmations: s.treasury.MinFundingConfirmations,
	})
	if err != nil {
		tx.Onchain.VerificationStatus = storage.VerificationFailed
		tx.Onchain.VerificationError = err.Error()
		return err
	}

	tx.Onchain.TxHash = result.TxHash
	tx.Onchain.FromAddress = result.From
	tx.Onchain.ToAddress = result.To
	tx.Onchain.FundedAmountUnits = result.FundedUnits.Uint64()
	tx.Onchain.FundedAmountUsd = result.FundedUsd
	tx.Onchain.LogIndex = result.LogIndex
	tx.Onchain.BlockNumber = result.BlockNumber
	tx.Onchain.VerificationStatus = storage.VerificationVerified
	return nil
}

// callbackURL builds the per-transaction webhook URL the mobile-money
// provider invokes asynchronously.
func (s *Service) callbackURL(kind, transactionID string) string {
	return fmt.Sprintf("%s/api/mpesa/webhooks/%s?tx=%s", strings.TrimRight(s.server.BaseURL, "/"), kind, transactionID)
}

// GetTransaction loads a transaction by id (GET /api/mpesa/transactions/:id).
func (s *Service) GetTransaction(ctx context.Context, id string) (storage.Transaction, error) {
	return s.store.GetTransaction(ctx, id)
}

// ListTransactions lists transactions by filter (GET /api/mpesa/transactions).
func (s *Service) ListTransactions(ctx context.Context, filter storage.TransactionFilter) ([]storage.Transaction, error) {
	return s.store.ListTransactions(ctx, filter)
}

// logTx is a small helper so every initiate path logs the same fields.
func logTx(ctx context.Context, tx storage.Transaction, msg string) {
	log := logger.FromContext(ctx)
	log.Info().
		Str("transactionId", tx.ID).
		Str("flowType", string(tx.FlowType)).
		Str("status", string(tx.Status)).
		Str("userAddress", logger.TruncateAddress(tx.UserAddress)).
		Msg(msg)
}
