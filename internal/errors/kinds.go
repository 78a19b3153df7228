package errors

import "fmt"

// Kind is the coarse error taxonomy the orchestration layer returns instead of ad-hoc
// errors, so the HTTP boundary can map failures to status codes without inspecting
// messages.
type Kind string

const (
	KindValidation Kind = "validation"
	KindAuth       Kind = "auth"
	KindState      Kind = "state"
	KindExternal   Kind = "external"
	KindConfig     Kind = "config"
	KindRateLimit  Kind = "rate_limited"
	KindDisabled   Kind = "disabled"
)

// AppError is the tagged error type threaded through the orchestrator, webhook
// demultiplexer, funding verifier, and mobile-money client.
type AppError struct {
	Kind    Kind
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	cause   error
}

func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *AppError) Unwrap() error { return e.cause }

// HTTPStatus maps the error's kind/code to the HTTP status the boundary should return.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// WithCause attaches an underlying error for logging without altering the public message.
func (e *AppError) WithCause(err error) *AppError {
	e.cause = err
	return e
}

// WithDetails attaches machine-readable context to the error response.
func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	e.Details = details
	return e
}

func newErr(kind Kind, code ErrorCode, message string) *AppError {
	return &AppError{Kind: kind, Code: code, Message: message}
}

// Validation constructs a ValidationError (malformed input): HTTP 400.
func Validation(code ErrorCode, message string) *AppError {
	return newErr(KindValidation, code, message)
}

// Auth constructs an AuthError (missing/invalid bearer, scope mismatch, bad signature/PIN): HTTP 401.
func Auth(code ErrorCode, message string) *AppError {
	return newErr(KindAuth, code, message)
}

// State constructs a StateError (illegal transition, expired quote, duplicate funding tx): HTTP 400.
func State(code ErrorCode, message string) *AppError {
	return newErr(KindState, code, message)
}

// External constructs an ExternalError (provider HTTP failure, OAuth failure, RPC failure): HTTP 502.
func External(code ErrorCode, message string) *AppError {
	return newErr(KindExternal, code, message)
}

// Config constructs a ConfigError (missing required configuration): HTTP 500.
func Config(code ErrorCode, message string) *AppError {
	return newErr(KindConfig, code, message)
}

// RateLimited constructs a RateLimited error: HTTP 429.
func RateLimited(message string) *AppError {
	return newErr(KindRateLimit, ErrCodeRateLimited, message)
}

// Disabled constructs a Disabled error (feature flag): HTTP 503.
func Disabled(message string) *AppError {
	return newErr(KindDisabled, ErrCodeMpesaDisabled, message)
}

// As attempts to unwrap err into an *AppError.
func As(err error) (*AppError, bool) {
	ae, ok := err.(*AppError)
	return ae, ok
}
