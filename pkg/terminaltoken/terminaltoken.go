// Package terminaltoken establishes who is calling the gateway. A sandboxed
// terminal presents a signed identity token; every downstream check
// cross-references the claims extracted here against stored rows.
package terminaltoken

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"conduit/pkg/httpx"
)

// Identity holds the trusted claims of a verified terminal token. No field
// is ever populated from an unverified source.
type Identity struct {
	TerminalID  string `json:"terminal_id"`
	DashboardID string `json:"dashboard_id"`
	UserID      string `json:"user_id"`
	Exp         int64  `json:"exp"`
	Iat         int64  `json:"iat,omitempty"`
}

var (
	ErrMalformed = errors.New("malformed token")
	ErrSignature = errors.New("signature mismatch")
	ErrExpired   = errors.New("token expired")
)

type header struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

// Mint signs an identity as a compact HS256 token. Used by the terminal
// proxy when provisioning a sandbox, and by tests.
func Mint(id Identity, secret string, ttl time.Duration, now time.Time) (string, error) {
	if secret == "" {
		return "", errors.New("secret is required")
	}
	if id.TerminalID == "" || id.DashboardID == "" || id.UserID == "" {
		return "", errors.New("terminal_id, dashboard_id and user_id are required")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	id.Iat = now.Unix()
	id.Exp = now.Add(ttl).Unix()
	headRaw, _ := json.Marshal(header{Alg: "HS256", Typ: "JWT"})
	claimsRaw, _ := json.Marshal(id)
	signing := base64.RawURLEncoding.EncodeToString(headRaw) + "." + base64.RawURLEncoding.EncodeToString(claimsRaw)
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signing))
	return signing + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}

// Verify checks the signature and expiry cryptographically and returns the
// trusted claims. Any failure means the caller is not authenticated.
func Verify(token, secret string, now time.Time) (Identity, error) {
	if secret == "" {
		return Identity{}, errors.New("secret is required")
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return Identity{}, ErrMalformed
	}
	headRaw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return Identity{}, ErrMalformed
	}
	claimsRaw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Identity{}, ErrMalformed
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return Identity{}, ErrMalformed
	}
	var head header
	if err := json.Unmarshal(headRaw, &head); err != nil {
		return Identity{}, ErrMalformed
	}
	if strings.ToUpper(head.Alg) != "HS256" {
		return Identity{}, errors.New("unsupported alg")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(parts[0] + "." + parts[1]))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return Identity{}, ErrSignature
	}
	var id Identity
	if err := json.Unmarshal(claimsRaw, &id); err != nil {
		return Identity{}, ErrMalformed
	}
	if id.Exp == 0 || now.Unix() >= id.Exp {
		return Identity{}, ErrExpired
	}
	if id.TerminalID == "" || id.DashboardID == "" || id.UserID == "" {
		return Identity{}, ErrMalformed
	}
	return id, nil
}

type contextKey string

const identityContextKey contextKey = "conduit.terminal"

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	v := ctx.Value(identityContextKey)
	if v == nil {
		return Identity{}, false
	}
	id, ok := v.(Identity)
	return id, ok
}

// Middleware rejects requests without a valid bearer terminal token and
// installs the verified identity in the request context.
func Middleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
				httpx.ErrorCode(w, http.StatusUnauthorized, "AUTH_DENIED", "missing bearer token")
				return
			}
			token := strings.TrimSpace(header[len("Bearer "):])
			id, err := Verify(token, secret, time.Now().UTC())
			if err != nil {
				httpx.ErrorCode(w, http.StatusUnauthorized, "AUTH_DENIED", "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}
