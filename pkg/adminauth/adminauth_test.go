package adminauth

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestMintVerifyRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tok, err := Mint(Principal{Subject: "ops@corp", Roles: []string{"admin"}}, "s3cret", time.Hour, now)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	p, err := Verify(tok, "s3cret", now.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if p.Subject != "ops@corp" || len(p.Roles) != 1 || p.Roles[0] != "admin" {
		t.Errorf("principal = %+v", p)
	}
}

func TestVerifyRejections(t *testing.T) {
	now := time.Now().UTC()
	tok, err := Mint(Principal{Subject: "ops", Roles: []string{"admin"}}, "a", time.Minute, now)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if _, err := Verify(tok, "b", now); !errors.Is(err, ErrSignature) {
		t.Errorf("wrong secret err = %v", err)
	}
	if _, err := Verify(tok, "a", now.Add(2*time.Minute)); !errors.Is(err, ErrExpired) {
		t.Errorf("expired err = %v", err)
	}
	if _, err := Verify("not.a.token.at.all", "a", now); !errors.Is(err, ErrMalformed) {
		t.Errorf("malformed err = %v", err)
	}
}

func TestMintRequiresClaims(t *testing.T) {
	now := time.Now().UTC()
	if _, err := Mint(Principal{Roles: []string{"admin"}}, "s", time.Minute, now); err == nil {
		t.Error("minted without subject")
	}
	if _, err := Mint(Principal{Subject: "ops"}, "s", time.Minute, now); err == nil {
		t.Error("minted without roles")
	}
}

func TestHasAnyRole(t *testing.T) {
	p := Principal{Subject: "ops", Roles: []string{"Viewer", "policyadmin"}}
	if !HasAnyRole(p, "policyadmin") {
		t.Error("exact role not matched")
	}
	if !HasAnyRole(p, "viewer", "admin") {
		t.Error("casefolded role not matched")
	}
	if HasAnyRole(p, "admin") {
		t.Error("absent role matched")
	}
}

func TestMiddlewareAndRoles(t *testing.T) {
	now := time.Now().UTC()
	tok, err := Mint(Principal{Subject: "ops", Roles: []string{"viewer"}}, "s", time.Minute, now)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	handler := Middleware("s")(http.HandlerFunc(RequireRoles(func(w http.ResponseWriter, r *http.Request) {
		p, _ := PrincipalFromContext(r.Context())
		w.Write([]byte(p.Subject))
	}, "viewer", "admin")))

	req := httptest.NewRequest(http.MethodGet, "/admin/integrations", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "ops" {
		t.Errorf("authorized call: status %d body %q", rec.Code, rec.Body.String())
	}

	// No token at all.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/integrations", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("missing token status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil || body["code"] != "AUTH_DENIED" {
		t.Errorf("missing token body = %+v (err %v)", body, err)
	}

	// Valid token, wrong role.
	restricted := Middleware("s")(http.HandlerFunc(RequireRoles(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}, "admin")))
	req = httptest.NewRequest(http.MethodGet, "/admin/integrations", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec = httptest.NewRecorder()
	restricted.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("wrong role status = %d", rec.Code)
	}
}
