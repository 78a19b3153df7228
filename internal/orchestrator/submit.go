package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/dotpay/backend/internal/errors"
	"github.com/dotpay/backend/internal/mpesa"
	"github.com/dotpay/backend/internal/statemachine"
	"github.com/dotpay/backend/internal/storage"
)

// railFor maps a flow to the Daraja rail its submission rides on, for metric
// labels.
func railFor(flow storage.FlowType) string {
	switch flow {
	case storage.FlowOnramp:
		return "stk"
	case storage.FlowOfframp:
		return "b2c"
	default:
		return "b2b"
	}
}

// submitSTK submits the onramp transaction to Daraja's STK push endpoint and
// applies the resulting transition.
func (s *Service) submitSTK(ctx context.Context, tx storage.Transaction) (InitiateResult, error) {
	if s.mpesa == nil {
		return s.failSubmission(ctx, tx, apperrors.Config(apperrors.ErrCodeMpesaDisabled, "mpesa integration is not configured"))
	}

	result, submitErr := s.mpesa.SubmitSTK(ctx, mpesa.STKRequest{
		Phone:            tx.Targets.Phone,
		AmountKes:        tx.Quote.TotalDebitKes,
		AccountReference: tx.ID,
		TransactionDesc:  "DotPay onramp",
		CallbackURL:      s.callbackURL("stk", tx.ID),
	})
	tx.Daraja.MerchantRequestID = result.MerchantRequestID
	tx.Daraja.CheckoutRequestID = result.CheckoutRequestID
	tx.Daraja.ResponseCode = result.ResponseCode
	tx.Daraja.ResultDesc = result.ResponseDesc
	tx.Daraja.RawResponse = marshalResult(result)

	if submitErr != nil || !result.Accepted {
		return s.failSubmission(ctx, tx, submissionError(submitErr, result.ResponseDesc))
	}
	return s.acceptSubmission(ctx, tx)
}

// submitB2C submits the offramp transaction to Daraja's B2C endpoint.
func (s *Service) submitB2C(ctx context.Context, tx storage.Transaction) (InitiateResult, error) {
	if s.mpesa == nil {
		return s.failSubmission(ctx, tx, apperrors.Config(apperrors.ErrCodeMpesaDisabled, "mpesa integration is not configured"))
	}

	result, submitErr := s.mpesa.SubmitB2C(ctx, mpesa.B2CRequest{
		OriginatorConversationID: tx.ID,
		Phone:                    tx.Targets.Phone,
		AmountKes:                tx.Quote.ExpectedReceiveKes,
		Remarks:                  "DotPay offramp",
		Occasion:                 "offramp",
		QueueTimeoutURL:          s.callbackURL("b2c/timeout", tx.ID),
		ResultURL:                s.callbackURL("b2c/result", tx.ID),
	})
	tx.Daraja.ConversationID = result.ConversationID
	tx.Daraja.OriginatorConversationID = result.OriginatorConversationID
	tx.Daraja.ResponseCode = result.ResponseCode
	tx.Daraja.ResultDesc = result.ResponseDesc
	tx.Daraja.RawResponse = marshalResult(result)

	if submitErr != nil || !result.Accepted {
		return s.failSubmission(ctx, tx, submissionError(submitErr, result.ResponseDesc))
	}
	return s.acceptSubmission(ctx, tx)
}

// submitB2B submits a paybill/buygoods transaction to Daraja's B2B endpoint.
func (s *Service) submitB2B(ctx context.Context, tx storage.Transaction, target mpesa.B2BTargetKind, partyB string) (InitiateResult, error) {
	if s.mpesa == nil {
		return s.failSubmission(ctx, tx, apperrors.Config(apperrors.ErrCodeMpesaDisabled, "mpesa integration is not configured"))
	}

	result, submitErr := s.mpesa.SubmitB2B(ctx, mpesa.B2BRequest{
		OriginatorConversationID: tx.ID,
		Target:                   target,
		PartyB:                   partyB,
		AccountReference:         tx.Targets.AccountReference,
		AmountKes:                tx.Quote.ExpectedReceiveKes,
		Remarks:                  fmt.Sprintf("DotPay %s", tx.FlowType),
		Requester:                tx.UserAddress,
		QueueTimeoutURL:          s.callbackURL("b2b/timeout", tx.ID),
		ResultURL:                s.callbackURL("b2b/result", tx.ID),
	})
	tx.Daraja.ConversationID = result.ConversationID
	tx.Daraja.OriginatorConversationID = result.OriginatorConversationID
	tx.Daraja.ResponseCode = result.ResponseCode
	tx.Daraja.ResultDesc = result.ResponseDesc
	tx.Daraja.RawResponse = marshalResult(result)

	if submitErr != nil || !result.Accepted {
		return s.failSubmission(ctx, tx, submissionError(submitErr, result.ResponseDesc))
	}
	return s.acceptSubmission(ctx, tx)
}

func submissionError(submitErr error, desc string) error {
	if submitErr != nil {
		return submitErr
	}
	return apperrors.External(apperrors.ErrCodeProviderRejected, "mobile-money provider rejected the request: "+desc)
}

// acceptSubmission transitions a submitted transaction to mpesa_processing
// and persists it.
func (s *Service) acceptSubmission(ctx context.Context, tx storage.Transaction) (InitiateResult, error) {
	if err := statemachine.AssertTransition(&tx, storage.StatusMpesaProcessing, "provider accepted submission", "orchestrator"); err != nil {
		return InitiateResult{}, err
	}
	if err := s.store.UpdateTransaction(ctx, tx); err != nil {
		return InitiateResult{}, apperrors.External(apperrors.ErrCodeDatabaseError, "failed to persist transaction").WithCause(err)
	}
	if s.metrics != nil {
		s.metrics.ObservePayment(railFor(tx.FlowType), string(tx.FlowType), true, time.Since(tx.CreatedAt), tx.Quote.AmountUsd, "USDC")
	}
	logTx(ctx, tx, "mobile-money submission accepted")
	return InitiateResult{Transaction: tx}, nil
}

// failSubmission transitions a rejected/failed submission to failed,
// schedules an auto-refund for funded flows, and persists it.
func (s *Service) failSubmission(ctx context.Context, tx storage.Transaction, cause error) (InitiateResult, error) {
	reason := "mobile-money submission failed"
	if cause != nil {
		reason = cause.Error()
	}
	if err := statemachine.AssertTransition(&tx, storage.StatusFailed, reason, "orchestrator"); err != nil {
		return InitiateResult{}, err
	}
	if err := s.store.UpdateTransaction(ctx, tx); err != nil {
		return InitiateResult{}, apperrors.External(apperrors.ErrCodeDatabaseError, "failed to persist transaction").WithCause(err)
	}
	if s.metrics != nil {
		failureReason := "provider_rejected"
		if ae, ok := apperrors.As(cause); ok {
			failureReason = string(ae.Code)
		}
		s.metrics.ObservePaymentFailure(railFor(tx.FlowType), string(tx.FlowType), failureReason)
	}
	logTx(ctx, tx, "mobile-money submission failed")

	if tx.FlowType.RequiresFunding() && s.refund.AutoRefund && s.refunder != nil {
		s.refunder.ScheduleAutoRefund(ctx, tx.ID, reason)
	}
	return InitiateResult{}, cause
}

func marshalResult(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
