// Package settlement credits an onramp once its STK callback succeeds: it
// transfers the quoted USDC amount from the treasury to the user and drives
// the transaction to succeeded. Settlement runs on a background worker fed
// by an in-process task channel, so webhook acks never wait on a chain
// transfer.
package settlement

import (
	"context"
	"math"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	apperrors "github.com/dotpay/backend/internal/errors"
	"github.com/dotpay/backend/internal/logger"
	"github.com/dotpay/backend/internal/metrics"
	"github.com/dotpay/backend/internal/statemachine"
	"github.com/dotpay/backend/internal/storage"
)

// Transferer is the subset of internal/treasury's Client the settler needs.
type Transferer interface {
	SendTokenTransfer(ctx context.Context, tokenContract, to common.Address, amount *big.Int) (common.Hash, error)
}

// Notifier delivers DotPay's own downstream lifecycle notification once an
// onramp settlement reaches a terminal outcome (internal/notify).
type Notifier interface {
	NotifyTerminal(ctx context.Context, tx storage.Transaction, eventType string)
}

// Service credits onramp USDC transfers, consuming a bounded, in-process
// task queue so callers (the webhook demultiplexer) never block on-chain
// settlement while acknowledging a callback.
type Service struct {
	store    storage.Store
	client   Transferer
	notifier Notifier
	metrics  *metrics.Metrics
	token    string
	treasury string
	decimals uint8
	chainID  int64
	tasks    chan string
	stop     chan struct{}
	done     chan struct{}

	mu      sync.Mutex
	perTxMu map[string]*sync.Mutex // serializes settlement per transaction id
}

// Config bundles the treasury parameters the settler needs to size a
// transfer.
type Config struct {
	TokenContract   string
	TreasuryAddress string
	ChainID         int64
	Decimals        uint8
	QueueSize       int // default 256
	Workers         int // default 2
}

// NewService constructs a Service and starts its background workers. Call
// Stop to drain and exit cleanly on shutdown.
func NewService(store storage.Store, client Transferer, cfg Config) *Service {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 2
	}

	s := &Service{
		store:    store,
		client:   client,
		token:    strings.ToLower(cfg.TokenContract),
		treasury: strings.ToLower(cfg.TreasuryAddress),
		chainID:  cfg.ChainID,
		tasks:    make(chan string, queueSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}, workers),
		perTxMu:  make(map[string]*sync.Mutex),
	}
	s.decimals = cfg.Decimals
	for i := 0; i < workers; i++ {
		go s.run()
	}
	return s
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

// Enqueue schedules transactionID for settlement without blocking the
// caller. A full queue drops the newest request with a logged warning rather
// than blocking the webhook response.
func (s *Service) Enqueue(ctx context.Context, transactionID string) {
	select {
	case s.tasks <- transactionID:
	default:
		log := logger.FromContext(ctx)
		log.Warn().Str("transactionId", transactionID).Msg("settlement queue full, dropping task")
	}
}

// Stop signals all workers to exit after their current task.
func (s *Service) Stop() {
	close(s.stop)
}

func (s *Service) run() {
	defer func() { s.done <- struct{}{} }()
	for {
		select {
		case <-s.stop:
			return
		case transactionID := <-s.tasks:
			s.process(transactionID)
		}
	}
}

func (s *Service) lockFor(transactionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.perTxMu[transactionID]
	if !ok {
		m = &sync.Mutex{}
		s.perTxMu[transactionID] = m
	}
	return m
}

func (s *Service) process(transactionID string) {
	lock := s.lockFor(transactionID)
	lock.Lock()
	defer lock.Unlock()

	ctx := context.Background()
	log := logger.FromContext(ctx).With().Str("transactionId", transactionID).Logger()

	if _, err := s.CreditOnramp(ctx, transactionID); err != nil {
		log.Error().Err(err).Msg("onramp settlement failed")
	}
}

// Result reports what CreditOnramp did.
type Result struct {
	AlreadyCredited bool
	TxHash          string
}

// CreditOnramp runs the settlement procedure for transactionID: re-loads the
// transaction, checks idempotency, executes the treasury-to-user transfer,
// and drives mpesa_submitted/mpesa_processing to succeeded. It
// is safe to call more than once for the same transaction.
func (s *Service) CreditOnramp(ctx context.Context, transactionID string) (Result, error) {
	tx, err := s.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return Result{}, apperrors.State(apperrors.ErrCodeTransactionNotFound, "transaction not found")
	}
	if tx.FlowType != storage.FlowOnramp {
		return Result{}, apperrors.State(apperrors.ErrCodeIllegalTransition, "settlement only applies to onramp transactions")
	}

	if tx.Onchain.VerificationStatus == storage.VerificationVerified && tx.Onchain.TxHash != "" {
		return Result{AlreadyCredited: true, TxHash: tx.Onchain.TxHash}, nil
	}

	if tx.Status != storage.StatusMpesaSubmitted && tx.Status != storage.StatusMpesaProcessing {
		return Result{}, apperrors.State(apperrors.ErrCodeIllegalTransition, "transaction is not ready for settlement")
	}

	units, err := usdToUnits(tx.Quote.AmountUsd, s.decimals)
	if err != nil {
		tx.Onchain.VerificationStatus = storage.VerificationFailed
		tx.Onchain.VerificationError = err.Error()
		_ = s.store.UpdateTransaction(ctx, tx)
		return Result{}, err
	}

	if s.client == nil {
		return Result{}, apperrors.Config(apperrors.ErrCodeTreasuryUnconfigured, "settlement treasury client is not configured")
	}
	token := tx.Onchain.TokenContract
	if token == "" {
		token = s.token
	}
	if token == "" {
		return Result{}, apperrors.Config(apperrors.ErrCodeTreasuryUnconfigured, "settlement token contract is not configured")
	}
	treasuryAddr := tx.Onchain.TreasuryAddress
	if treasuryAddr == "" {
		treasuryAddr = s.treasury
	}

	userAddr := common.HexToAddress(tx.UserAddress)
	tokenAddr := common.HexToAddress(token)
	transferStart := time.Now()
	txHash, transferErr := s.client.SendTokenTransfer(ctx, tokenAddr, userAddr, units)
	if transferErr != nil {
		tx.Onchain.VerificationStatus = storage.VerificationFailed
		tx.Onchain.VerificationError = transferErr.Error()
		if perr := s.store.UpdateTransaction(ctx, tx); perr != nil {
			log := logger.FromContext(ctx)
			log.Error().Err(perr).Msg("failed to persist settlement failure")
		}
		return Result{}, apperrors.External(apperrors.ErrCodeRPCError, "treasury transfer failed").WithCause(transferErr)
	}

	tx.Onchain.Required = true
	tx.Onchain.ChainID = s.chainID
	tx.Onchain.TokenContract = token
	tx.Onchain.TreasuryAddress = treasuryAddr
	tx.Onchain.TxHash = strings.ToLower(txHash.Hex())
	tx.Onchain.FromAddress = treasuryAddr
	tx.Onchain.ToAddress = strings.ToLower(tx.UserAddress)
	tx.Onchain.FundedAmountUnits = units.Uint64()
	tx.Onchain.FundedAmountUsd = tx.Quote.AmountUsd
	tx.Onchain.VerificationStatus = storage.VerificationVerified
	tx.Onchain.VerificationError = ""

	if tx.Status == storage.StatusMpesaSubmitted {
		if err := statemachine.AssertTransition(&tx, storage.StatusMpesaProcessing, "settlement transfer sent", "settlement"); err != nil {
			return Result{}, err
		}
	}
	if err := statemachine.AssertTransition(&tx, storage.StatusSucceeded, "onramp credited", "settlement"); err != nil {
		return Result{}, err
	}
	if err := s.store.UpdateTransaction(ctx, tx); err != nil {
		return Result{}, apperrors.External(apperrors.ErrCodeDatabaseError, "failed to persist settlement").WithCause(err)
	}
	if s.metrics != nil {
		s.metrics.ObserveSettlement(strconv.FormatInt(s.chainID, 10), time.Since(transferStart))
	}
	if s.notifier != nil {
		s.notifier.NotifyTerminal(ctx, tx, "succeeded")
	}

	return Result{TxHash: tx.Onchain.TxHash}, nil
}

// usdToUnits scales a USD amount to the token's atomic unit representation.
// Settlement credits use plain rounding (not the ceiling-division treasury
// floor of internal/funding.ExpectedUnits, which exists to protect against
// under-funding, not to size an outbound credit).
func usdToUnits(amountUsd float64, decimals uint8) (*big.Int, error) {
	if amountUsd <= 0 {
		return nil, apperrors.Validation(apperrors.ErrCodeInvalidAmount, "amountUsd must be positive")
	}
	if decimals > 18 {
		decimals = 18
	}
	scale := new(big.Float).SetFloat64(math.Round(mulPow10(amountUsd, decimals)))
	units, _ := scale.Int(nil)
	if units.Sign() <= 0 {
		return nil, apperrors.Validation(apperrors.ErrCodeInvalidAmount, "computed settlement units must be positive")
	}
	return units, nil
}

func mulPow10(v float64, decimals uint8) float64 {
	pow := 1.0
	for i := uint8(0); i < decimals; i++ {
		pow *= 10
	}
	return v * pow
}
