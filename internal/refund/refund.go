// Package refund implements the Refund Service: a
// compensating on-chain transfer from the treasury back to the original
// funder when a funded-flow payout fails. Shares the Transferer boundary
// with internal/settlement and is consumed through the Refunder interface by
// internal/orchestrator and internal/webhook.
package refund

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	apperrors "github.com/dotpay/backend/internal/errors"
	"github.com/dotpay/backend/internal/logger"
	"github.com/dotpay/backend/internal/metrics"
	"github.com/dotpay/backend/internal/statemachine"
	"github.com/dotpay/backend/internal/storage"
)

// Transferer is the treasury operation the refund service needs.
type Transferer interface {
	SendTokenTransfer(ctx context.Context, tokenContract, to common.Address, amount *big.Int) (common.Hash, error)
}

// Notifier delivers DotPay's own downstream lifecycle notification once a
// refund reaches a terminal outcome (internal/notify).
type Notifier interface {
	NotifyTerminal(ctx context.Context, tx storage.Transaction, eventType string)
}

// Config bundles the treasury parameters governing whether a refund runs
// on-chain or in sandbox-simulated mode.
type Config struct {
	Enabled       bool
	TokenContract string
	Decimals      uint8
}

// Service schedules and executes refunds for funded flows that failed after
// on-chain funding was confirmed.
type Service struct {
	store    storage.Store
	client   Transferer
	cfg      Config
	notifier Notifier
	metrics  *metrics.Metrics
}

// NewService constructs a refund Service. client may be nil when the
// treasury signer is not configured; in that case every refund runs in
// simulated mode.
func NewService(store storage.Store, client Transferer, cfg Config) *Service {
	return &Service{store: store, client: client, cfg: cfg}
}

// WithNotifier attaches a downstream notifier, returning s for chaining at
// construction time in cmd/server.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithMetrics attaches a metrics collector, returning s for chaining at
// construction time in cmd/server.
func (s *Service) WithMetrics(m *metrics.Metrics) *Service {
	s.metrics = m
	return s
}

// refundMethod names how a refund executed, for metric labels.
func (s *Service) refundMethod() string {
	if !s.cfg.Enabled || s.client == nil {
		return "simulated"
	}
	return "onchain"
}

// ScheduleAutoRefund runs a refund synchronously on the calling goroutine.
// It satisfies the Refunder interface expected by internal/orchestrator and
// internal/webhook; errors are logged, not returned, since the caller (a
// webhook ack or a failed submission) has already committed its own response.
func (s *Service) ScheduleAutoRefund(ctx context.Context, transactionID, reason string) {
	if err := s.Refund(ctx, transactionID, reason); err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Str("transactionId", transactionID).Msg("auto-refund failed")
	}
}

// Refund runs the full refund procedure for transactionID. It is
// idempotent: a transaction already past refund_pending is left untouched.
func (s *Service) Refund(ctx context.Context, transactionID, reason string) error {
	tx, err := s.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return apperrors.State(apperrors.ErrCodeTransactionNotFound, "transaction not found")
	}
	if !tx.FlowType.RequiresFunding() {
		return apperrors.State(apperrors.ErrCodeIllegalTransition, "refunds only apply to funded flows")
	}
	if tx.Status != storage.StatusFailed {
		if tx.Status == storage.StatusRefundPending || tx.Status == storage.StatusRefunded {
			return nil // already in progress or completed
		}
		return apperrors.State(apperrors.ErrCodeIllegalTransition, "refunds only apply to failed transactions")
	}

	recipient := refundRecipient(tx)
	if recipient == "" || !common.IsHexAddress(recipient) {
		return apperrors.Validation(apperrors.ErrCodeInvalidField, "no valid refund recipient address on transaction")
	}
	amountUsd := refundAmountUsd(tx)
	if amountUsd <= 0 {
		return apperrors.Validation(apperrors.ErrCodeInvalidAmount, "no positive refund amount on transaction")
	}

	started := time.Now()
	now := started.UTC()
	tx.Refund.Reason = reason
	tx.Refund.InitiatedAt = &now
	if err := statemachine.AssertTransition(&tx, storage.StatusRefundPending, reason, "refund"); err != nil {
		return err
	}
	if err := s.store.UpdateTransaction(ctx, tx); err != nil {
		return apperrors.External(apperrors.ErrCodeDatabaseError, "failed to persist refund_pending").WithCause(err)
	}
	tx.Version++ // keep the local copy in sync for the terminal update below

	txHash, execErr := s.execute(ctx, tx, recipient, amountUsd)
	if execErr != nil {
		tx.Refund.Status = storage.RefundStateFailed
		tx.Refund.Reason = reason + "; refund failed: " + execErr.Error()
		if err := statemachine.AssertTransition(&tx, storage.StatusFailed, "refund execution failed", "refund"); err != nil {
			return err
		}
		if perr := s.store.UpdateTransaction(ctx, tx); perr != nil {
			return apperrors.External(apperrors.ErrCodeDatabaseError, "failed to persist refund failure").WithCause(perr)
		}
		if s.metrics != nil {
			s.metrics.ObserveRefund("failed", 0, "USDC", time.Since(started), s.refundMethod())
		}
		if s.notifier != nil {
			s.notifier.NotifyTerminal(ctx, tx, "refund_failed")
		}
		return execErr
	}

	completed := time.Now().UTC()
	tx.Refund.Status = storage.RefundStateCompleted
	tx.Refund.TxHash = txHash
	tx.Refund.CompletedAt = &completed
	if err := statemachine.AssertTransition(&tx, storage.StatusRefunded, "refund completed", "refund"); err != nil {
		return err
	}
	if err := s.store.UpdateTransaction(ctx, tx); err != nil {
		return apperrors.External(apperrors.ErrCodeDatabaseError, "failed to persist refund completion").WithCause(err)
	}
	if s.metrics != nil {
		s.metrics.ObserveRefund("success", amountUsd, "USDC", time.Since(started), s.refundMethod())
	}
	if s.notifier != nil {
		s.notifier.NotifyTerminal(ctx, tx, "refunded")
	}
	return nil
}

// execute performs the on-chain transfer when the treasury is fully
// configured and refunds are enabled, else synthesizes a simulated
// reference.
func (s *Service) execute(ctx context.Context, tx storage.Transaction, recipient string, amountUsd float64) (string, error) {
	if !s.cfg.Enabled || s.client == nil {
		return simulatedReference()
	}

	units, err := usdToUnits(amountUsd, s.cfg.Decimals)
	if err != nil {
		return "", err
	}
	tokenAddr := common.HexToAddress(s.cfg.TokenContract)
	to := common.HexToAddress(recipient)

	hash, err := s.client.SendTokenTransfer(ctx, tokenAddr, to, units)
	if err != nil {
		return "", apperrors.External(apperrors.ErrCodeRPCError, "refund transfer failed").WithCause(err)
	}
	return strings.ToLower(hash.Hex()), nil
}

// refundRecipient picks the refund destination: the on-chain funder first,
// then the authorization signer, then the transaction's user address.
func refundRecipient(tx storage.Transaction) string {
	if tx.Onchain.FromAddress != "" {
		return tx.Onchain.FromAddress
	}
	if tx.Authorization.SignerAddress != "" {
		return tx.Authorization.SignerAddress
	}
	return tx.UserAddress
}

// refundAmountUsd picks the refund amount: the verified funded amount
// first, then the expected amount, then the quote amount.
func refundAmountUsd(tx storage.Transaction) float64 {
	if tx.Onchain.FundedAmountUsd > 0 {
		return tx.Onchain.FundedAmountUsd
	}
	if tx.Onchain.ExpectedAmountUsd > 0 {
		return tx.Onchain.ExpectedAmountUsd
	}
	if tx.Quote != nil {
		return tx.Quote.AmountUsd
	}
	return 0
}

func usdToUnits(amountUsd float64, decimals uint8) (*big.Int, error) {
	if amountUsd <= 0 {
		return nil, apperrors.Validation(apperrors.ErrCodeInvalidAmount, "amountUsd must be positive")
	}
	if decimals > 18 {
		decimals = 18
	}
	pow := 1.0
	for i := uint8(0); i < decimals; i++ {
		pow *= 10
	}
	scaled := new(big.Float).SetFloat64(amountUsd * pow)
	units, _ := scaled.Int(nil)
	if units.Sign() <= 0 {
		return nil, apperrors.Validation(apperrors.ErrCodeInvalidAmount, "computed refund units must be positive")
	}
	return units, nil
}

// simulatedReference synthesizes a pseudo tx reference for sandbox refunds:
// "RF_<base36-time>_<hex>".
func simulatedReference() (string, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", apperrors.External(apperrors.ErrCodeInternalError, "failed to generate simulated refund reference").WithCause(err)
	}
	ts := strconv.FormatInt(time.Now().UTC().Unix(), 36)
	return "RF_" + ts + "_" + hex.EncodeToString(buf[:]), nil
}
