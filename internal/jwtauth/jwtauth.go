// Package jwtauth verifies the bearer JWT that authenticates mobile-money
// endpoints: HS256, shared-secret signed, requiring a sub/address claim and
// a scope claim containing "mpesa".
package jwtauth

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/dotpay/backend/internal/errors"
)

type contextKey string

const contextKeyClaims contextKey = "jwtauth_claims"

// RequiredScope is the scope token every mobile-money endpoint requires.
const RequiredScope = "mpesa"

// Claims is the minimal claim set DotPay relies on. Address is read from
// either "address" or the standard "sub" claim, in that order.
type Claims struct {
	Subject string
	Address string
	Scope   string
}

// HasScope reports whether scope (a space-separated list, per the JWT "scp"
// convention) contains want.
func (c Claims) HasScope(want string) bool {
	for _, s := range strings.Fields(c.Scope) {
		if s == want {
			return true
		}
	}
	return false
}

// Verifier verifies bearer JWTs against a single shared HS256 secret.
type Verifier struct {
	secret []byte
}

// NewVerifier constructs a Verifier. secret must be non-empty.
func NewVerifier(secret string) (*Verifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, apperrors.Config(apperrors.ErrCodeConfigMissing, "jwt secret must be configured")
	}
	return &Verifier{secret: []byte(secret)}, nil
}

// Verify parses and validates a raw HS256 JWT, enforcing exp and returning
// the address/scope claims. It rejects any algorithm other than HS256 to
// block alg-confusion attacks.
func (v *Verifier) Verify(raw string) (Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Claims{}, apperrors.Auth(apperrors.ErrCodeMissingBearer, "missing bearer token")
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, apperrors.Auth(apperrors.ErrCodeInvalidBearer, "unexpected signing method")
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		if strings.Contains(err.Error(), "token is expired") {
			return Claims{}, apperrors.Auth(apperrors.ErrCodeExpiredBearer, "bearer token expired")
		}
		return Claims{}, apperrors.Auth(apperrors.ErrCodeInvalidBearer, "invalid bearer token")
	}
	if !token.Valid {
		return Claims{}, apperrors.Auth(apperrors.ErrCodeInvalidBearer, "invalid bearer token")
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, apperrors.Auth(apperrors.ErrCodeInvalidBearer, "invalid bearer claims")
	}

	claims := Claims{}
	if sub, ok := mapClaims["sub"].(string); ok {
		claims.Subject = sub
	}
	if addr, ok := mapClaims["address"].(string); ok {
		claims.Address = addr
	} else {
		claims.Address = claims.Subject
	}
	if scope, ok := mapClaims["scope"].(string); ok {
		claims.Scope = scope
	}

	if claims.Address == "" {
		return Claims{}, apperrors.Auth(apperrors.ErrCodeInvalidBearer, "token missing sub/address claim")
	}
	if !claims.HasScope(RequiredScope) {
		return Claims{}, apperrors.Auth(apperrors.ErrCodeScopeMismatch, "token scope does not include mpesa")
	}

	return claims, nil
}

// Middleware extracts and verifies the Authorization: Bearer header, storing
// the resulting Claims in the request context. Requests without a bearer, or
// with an invalid one, are rejected with 401 before reaching the handler.
func Middleware(v *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(header, prefix) {
				writeAuthError(w, apperrors.Auth(apperrors.ErrCodeMissingBearer, "missing bearer token"))
				return
			}
			claims, err := v.Verify(strings.TrimPrefix(header, prefix))
			if err != nil {
				writeAuthError(w, err)
				return
			}
			ctx := context.WithValue(r.Context(), contextKeyClaims, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClaimsFromContext extracts the Claims stored by Middleware.
func ClaimsFromContext(ctx context.Context) (Claims, bool) {
	claims, ok := ctx.Value(contextKeyClaims).(Claims)
	return claims, ok
}

// writeAuthError is overridden by the httpserver package's error responder at
// wire-up time; it defaults to a bare 401 so this package has no import-cycle
// dependency on the response envelope.
var writeAuthError = func(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), http.StatusUnauthorized)
}

// SetErrorResponder lets internal/httpserver install the shared error
// envelope writer so 401s from this middleware match every other endpoint.
func SetErrorResponder(fn func(w http.ResponseWriter, err error)) {
	writeAuthError = fn
}
