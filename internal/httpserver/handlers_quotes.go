package httpserver

import (
	"net/http"

	apperrors "github.com/dotpay/backend/internal/errors"
	"github.com/dotpay/backend/internal/jwtauth"
	"github.com/dotpay/backend/internal/orchestrator"
	"github.com/dotpay/backend/internal/storage"
)

// quoteRequestBody is the JSON body of POST /api/mpesa/quotes.
type quoteRequestBody struct {
	FlowType  string  `json:"flowType"`
	Currency  string  `json:"currency"`
	Amount    float64 `json:"amount"`
	KesPerUsd float64 `json:"kesPerUsd,omitempty"`
}

// quotes handles POST /api/mpesa/quotes: a standalone price preview, not yet
// bound to an authorized transaction.
func (h *handlers) quotes(w http.ResponseWriter, r *http.Request) {
	claims, ok := jwtauth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, apperrors.Auth(apperrors.ErrCodeMissingBearer, "missing bearer token"))
		return
	}

	var body quoteRequestBody
	if err := decodeJSON(r.Body, &body); err != nil {
		writeError(w, apperrors.Validation(apperrors.ErrCodeInvalidField, "malformed request body"))
		return
	}

	flowType := storage.FlowType(body.FlowType)
	switch flowType {
	case storage.FlowOnramp, storage.FlowOfframp, storage.FlowPaybill, storage.FlowBuygoods:
	default:
		writeError(w, apperrors.Validation(apperrors.ErrCodeInvalidField, "flowType must be one of onramp, offramp, paybill, buygoods"))
		return
	}

	tx, err := h.orchestrator.PreviewQuote(r.Context(), orchestrator.QuoteRequest{
		UserAddress: claims.Address,
		FlowType:    flowType,
		Currency:    body.Currency,
		Amount:      body.Amount,
		KesPerUsd:   body.KesPerUsd,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeData(w, http.StatusOK, map[string]interface{}{
		"quote":       tx.Quote,
		"transaction": tx,
	})
}
