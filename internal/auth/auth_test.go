package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/clickety-clacks/clawline/internal/domain"
	"github.com/clickety-clacks/clawline/internal/pairing"
)

func newTestMiddleware(t *testing.T) (func(http.Handler) http.Handler, *pairing.TokenSigner, *pairing.Store) {
	t.Helper()
	signer, err := pairing.NewTokenSigner(t.TempDir())
	if err != nil {
		t.Fatalf("NewTokenSigner: %v", err)
	}
	store, err := pairing.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return Middleware(signer, store), signer, store
}

func okHandler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if UserIDFromContext(r.Context()) != "user1" {
			t.Fatalf("expected user1 in context, got %q", UserIDFromContext(r.Context()))
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddlewareRejectsMissingToken(t *testing.T) {
	mw, _, _ := newTestMiddleware(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler should not be reached without a token")
	})).ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestMiddlewareAcceptsValidAllowlistedToken(t *testing.T) {
	mw, signer, store := newTestMiddleware(t)
	if err := store.UpsertAllowlist(&domain.AllowlistEntry{DeviceID: "device1", UserID: "user1"}); err != nil {
		t.Fatalf("UpsertAllowlist: %v", err)
	}
	token, err := signer.Issue("user1", "device1", false, 0)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	mw(okHandler(t)).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestMiddlewareRejectsDenylistedDevice(t *testing.T) {
	mw, signer, store := newTestMiddleware(t)
	if err := store.UpsertAllowlist(&domain.AllowlistEntry{DeviceID: "device1", UserID: "user1"}); err != nil {
		t.Fatalf("UpsertAllowlist: %v", err)
	}
	token, err := signer.Issue("user1", "device1", false, 0)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if err := store.Denylist("device1"); err != nil {
		t.Fatalf("Denylist: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler should not be reached for a denylisted device")
	})).ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestMiddlewareRejectsTokenForUnapprovedDevice(t *testing.T) {
	mw, signer, _ := newTestMiddleware(t)
	token, err := signer.Issue("user1", "device1", false, 0)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler should not be reached for an unapproved device")
	})).ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestMiddlewareRejectsMismatchedUserID(t *testing.T) {
	mw, signer, store := newTestMiddleware(t)
	if err := store.UpsertAllowlist(&domain.AllowlistEntry{DeviceID: "device1", UserID: "user1"}); err != nil {
		t.Fatalf("UpsertAllowlist: %v", err)
	}
	// Token claims a different user than the allowlist recorded for this device.
	token, err := signer.Issue("user2", "device1", false, 0)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler should not be reached on a user id mismatch")
	})).ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestIPFromRequestStripsPort(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.5:54321"
	if got := IPFromRequest(req); got != "203.0.113.5" {
		t.Fatalf("expected stripped IP, got %q", got)
	}
}

func TestIPFromRequestFallsBackToRawRemoteAddr(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "not-a-host-port"
	if got := IPFromRequest(req); got != "not-a-host-port" {
		t.Fatalf("expected raw RemoteAddr fallback, got %q", got)
	}
}
