package httpserver

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestInternalKeyMiddleware_MissingHeader(t *testing.T) {
	mw := internalKeyMiddleware("super-secret")
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })

	req := httptest.NewRequest("POST", "/api/mpesa/internal/reconcile", nil)
	rec := httptest.NewRecorder()

	mw(next).ServeHTTP(rec, req)

	if called {
		t.Fatalf("expected handler not to be called without the internal key header")
	}
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestInternalKeyMiddleware_WrongKey(t *testing.T) {
	mw := internalKeyMiddleware("super-secret")
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	req := httptest.NewRequest("POST", "/api/mpesa/internal/reconcile", nil)
	req.Header.Set("X-DotPay-Internal-Key", "wrong")
	rec := httptest.NewRecorder()

	mw(next).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestInternalKeyMiddleware_CorrectKey(t *testing.T) {
	mw := internalKeyMiddleware("super-secret")
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest("POST", "/api/mpesa/internal/reconcile", nil)
	req.Header.Set("X-DotPay-Internal-Key", "super-secret")
	rec := httptest.NewRecorder()

	mw(next).ServeHTTP(rec, req)

	if !called {
		t.Fatalf("expected handler to be called with the correct internal key")
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestInternalKeyMiddleware_NotConfigured(t *testing.T) {
	mw := internalKeyMiddleware("")
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	req := httptest.NewRequest("POST", "/api/mpesa/internal/reconcile", nil)
	req.Header.Set("X-DotPay-Internal-Key", "anything")
	rec := httptest.NewRecorder()

	mw(next).ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 when internal key isn't configured, got %d", rec.Code)
	}
}
