package httpserver

import (
	"net/http"
	"strconv"
	"time"

	apperrors "github.com/dotpay/backend/internal/errors"
	"github.com/dotpay/backend/pkg/responders"
)

// envelope is the response wrapper every DotPay endpoint returns:
// {success, data?, message?, error?, timestamp}. Every handler in this
// package goes through writeData/writeError rather than calling
// responders.JSON directly, so the envelope shape never drifts per-endpoint;
// the webhook handlers' writeAck is the deliberate exception, since Daraja
// expects its own ack body rather than the envelope.
type envelope struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Message   string      `json:"message,omitempty"`
	Error     *errorBody  `json:"error,omitempty"`
	Timestamp string      `json:"timestamp"`
}

type errorBody struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// writeData sends a successful response carrying a data payload.
func writeData(w http.ResponseWriter, status int, data interface{}) {
	responders.JSON(w, status, envelope{Success: true, Data: data, Timestamp: timestamp()})
}

// writeError maps err to the error envelope. Any error that isn't a
// tagged *errors.AppError is treated as an internal error, since the
// orchestrator, webhook demultiplexer, and mobile-money client are expected
// to always return tagged errors at this boundary.
func writeError(w http.ResponseWriter, err error) {
	ae, ok := apperrors.As(err)
	if !ok {
		ae = apperrors.External(apperrors.ErrCodeInternalError, "internal error").WithCause(err)
	}

	if ae.Code == apperrors.ErrCodeRateLimited {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}

	responders.JSON(w, ae.HTTPStatus(), envelope{
		Success: false,
		Error: &errorBody{
			Code:    string(ae.Code),
			Message: ae.Message,
			Details: ae.Details,
		},
		Timestamp: timestamp(),
	})
}

// retryAfterSeconds is the fixed backoff hint for 429 responses.
const retryAfterSeconds = 30
