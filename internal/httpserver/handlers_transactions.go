package httpserver

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/dotpay/backend/internal/errors"
	"github.com/dotpay/backend/internal/jwtauth"
	"github.com/dotpay/backend/internal/storage"
)

// getTransaction handles GET /api/mpesa/transactions/:id.
func (h *handlers) getTransaction(w http.ResponseWriter, r *http.Request) {
	claims, ok := jwtauth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, apperrors.Auth(apperrors.ErrCodeMissingBearer, "missing bearer token"))
		return
	}

	id := chi.URLParam(r, "id")
	tx, err := h.orchestrator.GetTransaction(r.Context(), id)
	if err != nil {
		writeError(w, apperrors.State(apperrors.ErrCodeTransactionNotFound, "transaction not found"))
		return
	}
	if tx.UserAddress != claims.Address {
		writeError(w, apperrors.Auth(apperrors.ErrCodeQuoteOwnership, "transaction does not belong to this user"))
		return
	}

	writeData(w, http.StatusOK, tx)
}

// listTransactions handles GET /api/mpesa/transactions?flowType=&status=&limit=.
func (h *handlers) listTransactions(w http.ResponseWriter, r *http.Request) {
	claims, ok := jwtauth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, apperrors.Auth(apperrors.ErrCodeMissingBearer, "missing bearer token"))
		return
	}

	q := r.URL.Query()
	filter := storage.TransactionFilter{
		UserAddress: claims.Address,
		FlowType:    storage.FlowType(q.Get("flowType")),
		Status:      storage.Status(q.Get("status")),
	}
	if raw := q.Get("limit"); raw != "" {
		if limit, err := strconv.Atoi(raw); err == nil {
			filter.Limit = limit
		}
	}

	txs, err := h.orchestrator.ListTransactions(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]interface{}{"transactions": txs})
}
