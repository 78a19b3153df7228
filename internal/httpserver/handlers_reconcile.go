package httpserver

import (
	"net/http"
	"strings"

	apperrors "github.com/dotpay/backend/internal/errors"
	"github.com/dotpay/backend/internal/reconcile"
)

// reconcileRequestBody is the JSON body of POST /api/mpesa/internal/reconcile.
type reconcileRequestBody struct {
	MaxAgeMinutes int    `json:"maxAgeMinutes"`
	ExecuteQuery  bool   `json:"executeQuery"`
	TransactionID string `json:"transactionId"`
}

// reconcileNow handles POST /api/mpesa/internal/reconcile, gated by the
// X-DotPay-Internal-Key header (checked by internalKeyMiddleware before this
// handler runs).
func (h *handlers) reconcileNow(w http.ResponseWriter, r *http.Request) {
	var body reconcileRequestBody
	if r.ContentLength != 0 {
		if err := decodeJSON(r.Body, &body); err != nil {
			writeError(w, apperrors.Validation(apperrors.ErrCodeInvalidField, "malformed request body"))
			return
		}
	}

	result, err := h.reconciler.Run(r.Context(), reconcile.Request{
		MaxAgeMinutes: body.MaxAgeMinutes,
		ExecuteQuery:  body.ExecuteQuery,
		TransactionID: body.TransactionID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, result)
}

// internalKeyMiddleware rejects requests that don't present the configured
// key, either in the X-DotPay-Internal-Key header or as an
// "Authorization: Bearer <key>" header.
func internalKeyMiddleware(expectedKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if expectedKey == "" {
				writeError(w, apperrors.Config(apperrors.ErrCodeConfigMissing, "internal api key is not configured"))
				return
			}
			provided := r.Header.Get("X-DotPay-Internal-Key")
			if provided == "" {
				if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
					provided = strings.TrimPrefix(auth, "Bearer ")
				}
			}
			if provided == "" {
				writeError(w, apperrors.Auth(apperrors.ErrCodeMissingInternalKey, "missing X-DotPay-Internal-Key header"))
				return
			}
			if provided != expectedKey {
				writeError(w, apperrors.Auth(apperrors.ErrCodeInvalidInternalKey, "invalid internal key"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
