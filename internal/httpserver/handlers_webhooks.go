package httpserver

import (
	"io"
	"net/http"

	"github.com/dotpay/backend/internal/logger"
	"github.com/dotpay/backend/internal/webhook"
	"github.com/dotpay/backend/pkg/responders"
)

// writeAck sends the raw provider acknowledgement body. Daraja expects
// exactly {"ResultCode":0,"ResultDesc":"Accepted"}, not the DotPay envelope.
func writeAck(w http.ResponseWriter, ack webhook.Ack) {
	responders.JSON(w, http.StatusOK, ack)
}

// webhookBody reads and size-limits the raw callback payload. Daraja
// callbacks vary in shape across sandbox/production, so the demultiplexer
// parses the raw bytes itself rather than going through decodeJSON's
// DisallowUnknownFields.
func webhookBody(r *http.Request) []byte {
	defer r.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	return b
}

// checkSharedSecret verifies the optional shared-secret header. A mismatch
// is logged, not rejected: Daraja retries on anything
// but 200, and a wedged retry loop is worse than a dropped, logged callback.
func (h *handlers) checkSharedSecret(r *http.Request) bool {
	if h.webhooks.VerifySharedSecret(r.Header.Get("X-DotPay-Webhook-Secret")) {
		return true
	}
	log := logger.FromContext(r.Context())
	log.Warn().Str("path", r.URL.Path).Msg("webhook: shared secret mismatch, ignoring payload")
	return false
}

// webhookSTK handles POST /api/mpesa/webhooks/stk.
func (h *handlers) webhookSTK(w http.ResponseWriter, r *http.Request) {
	if !h.checkSharedSecret(r) {
		writeAck(w, webhook.Accepted)
		return
	}
	ack := h.webhooks.HandleSTK(r.Context(), r.URL.Query().Get("tx"), webhookBody(r))
	writeAck(w, ack)
}

// webhookB2CResult handles POST /api/mpesa/webhooks/b2c/result.
func (h *handlers) webhookB2CResult(w http.ResponseWriter, r *http.Request) {
	if !h.checkSharedSecret(r) {
		writeAck(w, webhook.Accepted)
		return
	}
	ack := h.webhooks.HandleB2CResult(r.Context(), r.URL.Query().Get("tx"), webhookBody(r))
	writeAck(w, ack)
}

// webhookB2CTimeout handles POST /api/mpesa/webhooks/b2c/timeout.
func (h *handlers) webhookB2CTimeout(w http.ResponseWriter, r *http.Request) {
	if !h.checkSharedSecret(r) {
		writeAck(w, webhook.Accepted)
		return
	}
	ack := h.webhooks.HandleB2CTimeout(r.Context(), r.URL.Query().Get("tx"), webhookBody(r))
	writeAck(w, ack)
}

// webhookB2BResult handles POST /api/mpesa/webhooks/b2b/result.
func (h *handlers) webhookB2BResult(w http.ResponseWriter, r *http.Request) {
	if !h.checkSharedSecret(r) {
		writeAck(w, webhook.Accepted)
		return
	}
	ack := h.webhooks.HandleB2BResult(r.Context(), r.URL.Query().Get("tx"), webhookBody(r))
	writeAck(w, ack)
}

// webhookB2BTimeout handles POST /api/mpesa/webhooks/b2b/timeout.
func (h *handlers) webhookB2BTimeout(w http.ResponseWriter, r *http.Request) {
	if !h.checkSharedSecret(r) {
		writeAck(w, webhook.Accepted)
		return
	}
	ack := h.webhooks.HandleB2BTimeout(r.Context(), r.URL.Query().Get("tx"), webhookBody(r))
	writeAck(w, ack)
}
