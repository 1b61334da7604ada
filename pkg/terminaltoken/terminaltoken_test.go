package terminaltoken

import (
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func mintValid(t *testing.T, secret string) string {
	t.Helper()
	tok, err := Mint(Identity{TerminalID: "term-1", DashboardID: "dash-1", UserID: "user-1"}, secret, time.Hour, testNow)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	return tok
}

func TestMintVerifyRoundTrip(t *testing.T) {
	tok := mintValid(t, "secret")
	id, err := Verify(tok, "secret", testNow.Add(time.Minute))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.TerminalID != "term-1" || id.DashboardID != "dash-1" || id.UserID != "user-1" {
		t.Fatalf("identity = %+v", id)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	tok := mintValid(t, "secret")
	if _, err := Verify(tok, "other", testNow); !errors.Is(err, ErrSignature) {
		t.Fatalf("err = %v", err)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	tok := mintValid(t, "secret")
	if _, err := Verify(tok, "secret", testNow.Add(2*time.Hour)); !errors.Is(err, ErrExpired) {
		t.Fatalf("err = %v", err)
	}
}

func TestVerifyRejectsMalformed(t *testing.T) {
	for _, tok := range []string{"", "a.b", "a.b.c.d", "!!.!!.!!"} {
		if _, err := Verify(tok, "secret", testNow); !errors.Is(err, ErrMalformed) {
			t.Errorf("%q: err = %v", tok, err)
		}
	}
}

func TestVerifyRejectsAlgSwap(t *testing.T) {
	tok := mintValid(t, "secret")
	parts := strings.Split(tok, ".")
	head := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	forged := head + "." + parts[1] + "." + parts[2]
	if _, err := Verify(forged, "secret", testNow); err == nil {
		t.Fatal("alg swap must fail verification")
	}
}

func TestVerifyRejectsMissingClaims(t *testing.T) {
	if _, err := Mint(Identity{TerminalID: "term-1"}, "secret", time.Hour, testNow); err == nil {
		t.Fatal("mint must require all claim fields")
	}
}

func TestMiddleware(t *testing.T) {
	secret := "secret"
	var captured Identity
	handler := Middleware(secret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	// No token.
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("POST", "/v1/execute", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "AUTH_DENIED") {
		t.Fatalf("body = %s", rr.Body.String())
	}

	// Garbage token.
	req := httptest.NewRequest("POST", "/v1/execute", nil)
	req.Header.Set("Authorization", "Bearer nope")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rr.Code)
	}

	// Valid token installs the identity.
	tok, err := Mint(Identity{TerminalID: "term-1", DashboardID: "dash-1", UserID: "user-1"}, secret, time.Hour, time.Now().UTC())
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	req = httptest.NewRequest("POST", "/v1/execute", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	if captured.TerminalID != "term-1" {
		t.Fatalf("identity = %+v", captured)
	}
}
