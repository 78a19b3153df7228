package httpserver

import (
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/dotpay/backend/internal/errors"
	"github.com/dotpay/backend/internal/jwtauth"
	"github.com/dotpay/backend/internal/orchestrator"
	"github.com/dotpay/backend/internal/storage"
)

// initiateRequestBody is the JSON body shared by every initiate endpoint;
// flow-specific target fields are validated by the orchestrator's per-flow
// Initiate* method.
type initiateRequestBody struct {
	Currency         string  `json:"currency"`
	Amount           float64 `json:"amount"`
	QuoteID          string  `json:"quoteId"`
	Phone            string  `json:"phone"`
	PaybillNumber    string  `json:"paybillNumber"`
	TillNumber       string  `json:"tillNumber"`
	AccountReference string  `json:"accountReference"`
	PIN              string  `json:"pin"`
	Signature        string  `json:"signature"`
	Nonce            string  `json:"nonce"`
	SignedAt         string  `json:"signedAt"`
}

func (h *handlers) toInitiateRequest(r *http.Request, body initiateRequestBody) (orchestrator.InitiateRequest, error) {
	claims, ok := jwtauth.ClaimsFromContext(r.Context())
	if !ok {
		return orchestrator.InitiateRequest{}, apperrors.Auth(apperrors.ErrCodeMissingBearer, "missing bearer token")
	}
	idempotencyKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if idempotencyKey == "" {
		return orchestrator.InitiateRequest{}, apperrors.Validation(apperrors.ErrCodeMissingIdempotencyKey, "Idempotency-Key header is required")
	}
	if err := orchestrator.ValidateIdempotencyKey(idempotencyKey); err != nil {
		return orchestrator.InitiateRequest{}, err
	}

	return orchestrator.InitiateRequest{
		UserAddress:    claims.Address,
		IdempotencyKey: idempotencyKey,
		Currency:       body.Currency,
		Amount:         body.Amount,
		QuoteID:        body.QuoteID,
		Targets: storage.Targets{
			Phone:            body.Phone,
			PaybillNumber:    body.PaybillNumber,
			TillNumber:       body.TillNumber,
			AccountReference: body.AccountReference,
		},
		PIN:       body.PIN,
		Signature: body.Signature,
		Nonce:     body.Nonce,
		SignedAt:  body.SignedAt,
		Metadata: storage.Metadata{
			Source:    "api",
			IP:        clientIP(r),
			UserAgent: r.Header.Get("User-Agent"),
		},
	}, nil
}

func (h *handlers) respondInitiate(w http.ResponseWriter, result orchestrator.InitiateResult, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusCreated
	if result.Idempotent {
		status = http.StatusOK
	}
	writeData(w, status, map[string]interface{}{
		"transaction": result.Transaction,
		"idempotent":  result.Idempotent,
	})
}

// initiateOnramp handles POST /api/mpesa/onramp/stk/initiate.
func (h *handlers) initiateOnramp(w http.ResponseWriter, r *http.Request) {
	var body initiateRequestBody
	if err := decodeJSON(r.Body, &body); err != nil {
		writeError(w, apperrors.Validation(apperrors.ErrCodeInvalidField, "malformed request body"))
		return
	}
	req, err := h.toInitiateRequest(r, body)
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := h.orchestrator.InitiateOnramp(r.Context(), req)
	h.respondInitiate(w, result, err)
}

// initiateOfframp handles POST /api/mpesa/offramp/initiate.
func (h *handlers) initiateOfframp(w http.ResponseWriter, r *http.Request) {
	var body initiateRequestBody
	if err := decodeJSON(r.Body, &body); err != nil {
		writeError(w, apperrors.Validation(apperrors.ErrCodeInvalidField, "malformed request body"))
		return
	}
	req, err := h.toInitiateRequest(r, body)
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := h.orchestrator.InitiateOfframp(r.Context(), req)
	h.respondInitiate(w, result, err)
}

// initiatePaybill handles POST /api/mpesa/merchant/paybill/initiate.
func (h *handlers) initiatePaybill(w http.ResponseWriter, r *http.Request) {
	var body initiateRequestBody
	if err := decodeJSON(r.Body, &body); err != nil {
		writeError(w, apperrors.Validation(apperrors.ErrCodeInvalidField, "malformed request body"))
		return
	}
	req, err := h.toInitiateRequest(r, body)
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := h.orchestrator.InitiatePaybill(r.Context(), req)
	h.respondInitiate(w, result, err)
}

// initiateBuygoods handles POST /api/mpesa/merchant/buygoods/initiate.
func (h *handlers) initiateBuygoods(w http.ResponseWriter, r *http.Request) {
	var body initiateRequestBody
	if err := decodeJSON(r.Body, &body); err != nil {
		writeError(w, apperrors.Validation(apperrors.ErrCodeInvalidField, "malformed request body"))
		return
	}
	req, err := h.toInitiateRequest(r, body)
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := h.orchestrator.InitiateBuygoods(r.Context(), req)
	h.respondInitiate(w, result, err)
}

// confirmFundingRequestBody is the JSON body of the funding confirmation
// step, sent once the on-chain transfer to the treasury has been broadcast.
type confirmFundingRequestBody struct {
	TxHash  string `json:"txHash"`
	ChainID int64  `json:"chainId"`
}

// confirmFunding handles POST /api/mpesa/transactions/{id}/confirm-funding:
// verifies the on-chain transfer and, on success, submits to mobile money.
func (h *handlers) confirmFunding(w http.ResponseWriter, r *http.Request) {
	claims, ok := jwtauth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, apperrors.Auth(apperrors.ErrCodeMissingBearer, "missing bearer token"))
		return
	}
	transactionID := chi.URLParam(r, "id")

	var body confirmFundingRequestBody
	if err := decodeJSON(r.Body, &body); err != nil {
		writeError(w, apperrors.Validation(apperrors.ErrCodeInvalidField, "malformed request body"))
		return
	}

	result, err := h.orchestrator.ConfirmFunding(r.Context(), transactionID, claims.Address, body.TxHash, body.ChainID)
	h.respondInitiate(w, result, err)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
