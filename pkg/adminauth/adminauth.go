// Package adminauth gates the management surface of the gateway. Admin
// callers hold an HS256 token with a subject and a role list, signed with a
// secret separate from the terminal token secret so a leaked sandbox token
// can never reach the admin API.
package adminauth

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

// Principal is the verified admin identity.
type Principal struct {
	Subject string   `json:"sub"`
	Roles   []string `json:"roles"`
	Exp     int64    `json:"exp"`
	Iat     int64    `json:"iat,omitempty"`
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

// Mint signs a principal as a compact HS256 token.
func Mint(p Principal, secret string, ttl time.Duration, now time.Time) (string, error) {
	if secret == "" {
		return "", errors.New("secret is required")
	}
	if p.Subject == "" {
		return "", errors.New("subject is required")
	}
	if len(p.Roles) == 0 {
		return "", errors.New("at least one role is required")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	p.Iat = now.Unix()
	p.Exp = now.Add(ttl).Unix()
	headRaw, _ := json.Marshal(header{Alg: "HS256", Typ: "JWT"})
	claimsRaw, _ := json.Marshal(p)
	signing := base64.RawURLEncoding.EncodeToString(headRaw) + "." + base64.RawURLEncoding.EncodeToString(claimsRaw)
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signing))
	return signing + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}

// Verify checks signature and expiry and returns the trusted principal.
func Verify(token, secret string, now time.Time) (Principal, error) {
	if secret == "" {
		return Principal{}, errors.New("secret is required")
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return Principal{}, ErrMalformed
	}
	headRaw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return Principal{}, ErrMalformed
	}
	claimsRaw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Principal{}, ErrMalformed
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return Principal{}, ErrMalformed
	}
	var head header
	if err := json.Unmarshal(headRaw, &head); err != nil {
		return Principal{}, ErrMalformed
	}
	if strings.ToUpper(head.Alg) != "HS256" {
		return Principal{}, errors.New("unsupported alg")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(parts[0] + "." + parts[1]))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return Principal{}, ErrSignature
	}
	var p Principal
	if err := json.Unmarshal(claimsRaw, &p); err != nil {
		return Principal{}, ErrMalformed
	}
	if p.Exp == 0 || now.Unix() >= p.Exp {
		return Principal{}, ErrExpired
	}
	if p.Subject == "" {
		return Principal{}, ErrMalformed
	}
	return p, nil
}

// HasAnyRole reports whether the principal holds at least one of the roles.
func HasAnyRole(p Principal, roles ...string) bool {
	for _, want := range roles {
		for _, have := range p.Roles {
			if strings.EqualFold(strings.TrimSpace(have), want) {
				return true
			}
		}
	}
	return false
}

type contextKey string

const principalContextKey contextKey = "conduit.admin"

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	v := ctx.Value(principalContextKey)
	if v == nil {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}

// Middleware rejects requests without a valid admin bearer token and
// installs the verified principal in the request context.
func Middleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
				httpx.ErrorCode(w, http.StatusUnauthorized, "AUTH_DENIED", "missing bearer token")
				return
			}
			token := strings.TrimSpace(header[len("Bearer "):])
			p, err := Verify(token, secret, time.Now().UTC())
			if err != nil {
				httpx.ErrorCode(w, http.StatusUnauthorized, "AUTH_DENIED", "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// RequireRoles wraps a handler so only principals holding one of the listed
// roles may call it.
func RequireRoles(h http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFromContext(r.Context())
		if !ok {
			httpx.ErrorCode(w, http.StatusUnauthorized, "AUTH_DENIED", "unauthenticated")
			return
		}
		if !HasAnyRole(p, roles...) {
			httpx.ErrorCode(w, http.StatusForbidden, "AUTH_DENIED", "insufficient role")
			return
		}
		h(w, r)
	}
}
