package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dotpay/backend/internal/logger"
	"github.com/dotpay/backend/internal/metrics"
	"github.com/dotpay/backend/internal/statemachine"
	"github.com/dotpay/backend/internal/storage"
)

// Refunder schedules a compensating on-chain transfer for a funded flow that
// failed after on-chain funding was verified.
type Refunder interface {
	ScheduleAutoRefund(ctx context.Context, transactionID, reason string)
}

// Settler asynchronously credits an onramp transaction once its STK push
// succeeds.
type Settler interface {
	Enqueue(ctx context.Context, transactionID string)
}

// Notifier delivers DotPay's own downstream lifecycle notification once a
// transaction reaches a terminal outcome (internal/notify), independent of
// the inbound Daraja webhook this service demultiplexes.
type Notifier interface {
	NotifyTerminal(ctx context.Context, tx storage.Transaction, eventType string)
}

// Service demultiplexes the five Daraja callback endpoints into transaction
// state transitions. Internal errors never surface to the provider: every
// handler logs them and acks 200.
type Service struct {
	store        storage.Store
	refunder     Refunder
	settler      Settler
	notifier     Notifier
	metrics      *metrics.Metrics
	sharedSecret string // optional; blank disables the check
}

// Options configures a new Service.
type Options struct {
	Store        storage.Store
	Refunder     Refunder
	Settler      Settler
	Notifier     Notifier
	Metrics      *metrics.Metrics
	SharedSecret string
}

// New constructs a webhook demultiplexer Service.
func New(opts Options) *Service {
	return &Service{
		store:        opts.Store,
		refunder:     opts.Refunder,
		settler:      opts.Settler,
		notifier:     opts.Notifier,
		metrics:      opts.Metrics,
		sharedSecret: opts.SharedSecret,
	}
}

// observe records how a callback was disposed of. outcome is one of
// "applied", "duplicate", "unmatched", "error".
func (s *Service) observe(kind Kind, outcome string) {
	if s.metrics != nil {
		s.metrics.ObserveCallback(string(kind), outcome)
	}
}

// VerifySharedSecret checks an optional provider-supplied shared secret
// against the configured value. A blank configured
// secret disables the check.
func (s *Service) VerifySharedSecret(provided string) bool {
	if s.sharedSecret == "" {
		return true
	}
	return provided == s.sharedSecret
}

// HandleSTK processes an STK push callback.
func (s *Service) HandleSTK(ctx context.Context, txParam string, body []byte) Ack {
	pc, err := parseSTK(body)
	if err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Msg("failed to parse stk callback")
		return Accepted
	}
	s.process(ctx, processInput{
		kind:        KindSTK,
		txParam:     txParam,
		providerKey: storage.ProviderIDCheckoutRequest,
		providerID:  pc.CheckoutRequestID,
		body:        body,
		pc:          pc,
	})
	return Accepted
}

// HandleB2CResult processes a B2C disbursement result callback (offramp).
func (s *Service) HandleB2CResult(ctx context.Context, txParam string, body []byte) Ack {
	return s.handleResult(ctx, KindB2CResult, txParam, body)
}

// HandleB2CTimeout processes a B2C disbursement timeout callback (offramp).
func (s *Service) HandleB2CTimeout(ctx context.Context, txParam string, body []byte) Ack {
	return s.handleResult(ctx, KindB2CTimeout, txParam, body)
}

// HandleB2BResult processes a B2B disbursement result callback (paybill/buygoods).
func (s *Service) HandleB2BResult(ctx context.Context, txParam string, body []byte) Ack {
	return s.handleResult(ctx, KindB2BResult, txParam, body)
}

// HandleB2BTimeout processes a B2B disbursement timeout callback (paybill/buygoods).
func (s *Service) HandleB2BTimeout(ctx context.Context, txParam string, body []byte) Ack {
	return s.handleResult(ctx, KindB2BTimeout, txParam, body)
}

func (s *Service) handleResult(ctx context.Context, kind Kind, txParam string, body []byte) Ack {
	pc, err := parseResult(body)
	if err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Str("kind", string(kind)).Msg("failed to parse result callback")
		return Accepted
	}
	s.process(ctx, processInput{
		kind:        kind,
		txParam:     txParam,
		providerKey: storage.ProviderIDConversation,
		providerID:  pc.ConversationID,
		fallbackKey: storage.ProviderIDOriginatorConversation,
		fallbackID:  pc.OriginatorConvID,
		body:        body,
		pc:          pc,
	})
	return Accepted
}

type processInput struct {
	kind        Kind
	txParam     string
	providerKey storage.ProviderIDKind
	providerID  string
	fallbackKey storage.ProviderIDKind
	fallbackID  string
	body        []byte
	pc          parsedCallback
}

// process locates the owning transaction, dedups the event, merges the
// provider fields, and applies the state transition. Every internal error is
// logged and swallowed; the caller always acks 200.
func (s *Service) process(ctx context.Context, in processInput) {
	log := logger.FromContext(ctx).With().Str("kind", string(in.kind)).Logger()

	tx, err := s.locate(ctx, in)
	if err != nil {
		log.Warn().Err(err).Str("txParam", in.txParam).Msg("webhook: no matching transaction")
		s.observe(in.kind, "unmatched")
		return
	}

	eventKey := buildEventKey(in, tx.ID)
	event := storage.DedupEvent{
		EventKey:      eventKey,
		TransactionID: tx.ID,
		Source:        "webhook",
		EventType:     string(in.kind),
		Payload:       json.RawMessage(in.body),
	}
	if err := s.store.InsertEvent(ctx, event); err != nil {
		if err == storage.ErrDuplicateEvent {
			log.Info().Str("transactionId", tx.ID).Str("eventKey", eventKey).Msg("webhook: duplicate event, acking without reprocessing")
			s.observe(in.kind, "duplicate")
			return
		}
		log.Error().Err(err).Msg("webhook: failed to record dedup event")
		s.observe(in.kind, "error")
		return
	}

	mergeDaraja(&tx, in)

	if err := s.transition(ctx, &tx, in); err != nil {
		log.Error().Err(err).Str("transactionId", tx.ID).Msg("webhook: state transition failed")
		s.observe(in.kind, "error")
		return
	}

	if err := s.store.UpdateTransaction(ctx, tx); err != nil {
		log.Error().Err(err).Str("transactionId", tx.ID).Msg("webhook: failed to persist transaction")
		s.observe(in.kind, "error")
		return
	}
	s.observe(in.kind, "applied")

	if in.kind == KindSTK && in.pc.isSuccess() && tx.FlowType == storage.FlowOnramp && s.settler != nil {
		s.settler.Enqueue(ctx, tx.ID)
	}

	if s.notifier != nil && (tx.Status == storage.StatusSucceeded || tx.Status == storage.StatusFailed) {
		s.notifier.NotifyTerminal(ctx, tx, string(tx.Status))
	}
}

// locate finds the owning transaction by the tx query param first, falling
// back to provider-assigned identifiers.
func (s *Service) locate(ctx context.Context, in processInput) (storage.Transaction, error) {
	if in.txParam != "" {
		if tx, err := s.store.GetTransaction(ctx, in.txParam); err == nil {
			return tx, nil
		}
	}
	if in.providerID != "" {
		if tx, err := s.store.GetTransactionByProviderID(ctx, in.providerKey, in.providerID); err == nil {
			return tx, nil
		}
	}
	if in.fallbackID != "" {
		if tx, err := s.store.GetTransactionByProviderID(ctx, in.fallbackKey, in.fallbackID); err == nil {
			return tx, nil
		}
	}
	return storage.Transaction{}, storage.ErrNotFound
}

// buildEventKey derives a stable per-callback dedup key so that replaying
// the same callback collapses to one recorded event.
func buildEventKey(in processInput, transactionID string) string {
	id := in.providerID
	if id == "" {
		id = in.fallbackID
	}
	if id == "" {
		id = "none"
	}
	code := in.pc.ResultCodeRaw
	if code == "" {
		code = "nocode"
	}
	return fmt.Sprintf("%s:%s:%s:%s", in.kind, transactionID, id, code)
}

// mergeDaraja folds the parsed callback fields into tx.Daraja, preferring
// already-recorded provider IDs set at submission time.
func mergeDaraja(tx *storage.Transaction, in processInput) {
	pc := in.pc
	if pc.MerchantRequestID != "" {
		tx.Daraja.MerchantRequestID = pc.MerchantRequestID
	}
	if pc.CheckoutRequestID != "" {
		tx.Daraja.CheckoutRequestID = pc.CheckoutRequestID
	}
	if pc.ConversationID != "" {
		tx.Daraja.ConversationID = pc.ConversationID
	}
	if pc.OriginatorConvID != "" {
		tx.Daraja.OriginatorConversationID = pc.OriginatorConvID
	}
	tx.Daraja.ResultCode = pc.ResultCodeRaw
	tx.Daraja.ResultCodeInt = pc.ResultCodeInt
	tx.Daraja.ResultDesc = pc.ResultDesc
	if pc.ReceiptNumber != "" {
		tx.Daraja.ReceiptNumber = pc.ReceiptNumber
	}
	tx.Daraja.RawCallback = json.RawMessage(in.body)
	now := time.Now().UTC()
	tx.Daraja.CallbackReceivedAt = &now
}

// transition applies the state transition for the callback outcome. STK
// success on onramp is the special case: it only advances mpesa_submitted ->
// mpesa_processing, and leaves driving the transaction to succeeded to the
// onramp credit settler once the on-chain transfer is confirmed.
func (s *Service) transition(ctx context.Context, tx *storage.Transaction, in processInput) error {
	success := in.pc.isSuccess()

	if in.kind == KindSTK && tx.FlowType == storage.FlowOnramp {
		if !success {
			return s.fail(ctx, tx, "stk push failed or was cancelled")
		}
		if tx.Status != storage.StatusMpesaSubmitted {
			return nil // already advanced by a prior callback or the settler; no-op
		}
		return statemachine.AssertTransition(tx, storage.StatusMpesaProcessing, "stk push confirmed by provider", "webhook")
	}

	if !success {
		return s.fail(ctx, tx, fmt.Sprintf("%s reported failure: %s", in.kind, in.pc.ResultDesc))
	}
	if tx.IsTerminal() {
		return nil
	}
	return statemachine.AssertTransition(tx, storage.StatusSucceeded, fmt.Sprintf("%s confirmed success", in.kind), "webhook")
}

func (s *Service) fail(ctx context.Context, tx *storage.Transaction, reason string) error {
	if tx.IsTerminal() {
		return nil
	}
	if err := statemachine.AssertTransition(tx, storage.StatusFailed, reason, "webhook"); err != nil {
		return err
	}
	if tx.FlowType.RequiresFunding() && s.refunder != nil {
		s.refunder.ScheduleAutoRefund(ctx, tx.ID, reason)
	}
	return nil
}
