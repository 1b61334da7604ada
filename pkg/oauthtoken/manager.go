// Package oauthtoken stores provider OAuth grants and hands out fresh access
// tokens, refreshing through the provider's token endpoint when a token is
// expired or about to expire.
package oauthtoken

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/oauth2"
	githuboauth "golang.org/x/oauth2/github"
	googleoauth "golang.org/x/oauth2/google"

	"conduit/pkg/policy"
)

// ErrReconnectRequired means the grant was revoked or expired upstream and the
// user must redo the OAuth flow. Callers surface it as an auth failure, never
// retry it.
var ErrReconnectRequired = errors.New("oauth grant revoked, reconnect required")

var ErrNotFound = errors.New("oauth integration not found")

// refreshBuffer is how long before expiry a token counts as stale.
const refreshBuffer = 5 * time.Minute

const (
	StatusActive         = "active"
	StatusNeedsReconnect = "needs_reconnect"
)

// Grant is one stored OAuth connection. Access and refresh tokens never leave
// this package except as the bearer value handed to the provider executor.
type Grant struct {
	ID           string
	UserID       string
	Provider     policy.Provider
	AccountEmail string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Status       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type managerDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ClientCredentials configures one OAuth app.
type ClientCredentials struct {
	ClientID     string
	ClientSecret string
}

// Config carries the OAuth apps the gateway fronts. Google covers gmail,
// calendar and drive.
type Config struct {
	Google ClientCredentials
	GitHub ClientCredentials
}

type Manager struct {
	db  managerDB
	cfg Config
	now func() time.Time

	mu sync.Mutex

	// tokenSource is swappable in tests.
	tokenSource func(ctx context.Context, conf *oauth2.Config, refreshToken string) (*oauth2.Token, error)
}

func NewManager(db managerDB, cfg Config) *Manager {
	return &Manager{
		db:  db,
		cfg: cfg,
		now: func() time.Time { return time.Now().UTC() },
		tokenSource: func(ctx context.Context, conf *oauth2.Config, refreshToken string) (*oauth2.Token, error) {
			return conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
		},
	}
}

func (m *Manager) oauthConfig(provider policy.Provider) (*oauth2.Config, error) {
	switch provider {
	case policy.ProviderGmail, policy.ProviderCalendar, policy.ProviderDrive:
		return &oauth2.Config{
			ClientID:     m.cfg.Google.ClientID,
			ClientSecret: m.cfg.Google.ClientSecret,
			Endpoint:     googleoauth.Endpoint,
		}, nil
	case policy.ProviderGitHub:
		return &oauth2.Config{
			ClientID:     m.cfg.GitHub.ClientID,
			ClientSecret: m.cfg.GitHub.ClientSecret,
			Endpoint:     githuboauth.Endpoint,
		}, nil
	}
	return nil, fmt.Errorf("provider %s has no oauth endpoint", provider)
}

// Save stores a freshly granted connection and returns its id.
func (m *Manager) Save(ctx context.Context, g Grant) (string, error) {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	now := m.now()
	_, err := m.db.Exec(ctx, `
		INSERT INTO oauth_integrations (id, user_id, provider, account_email, access_token, refresh_token, expires_at, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`,
		g.ID, g.UserID, string(g.Provider), g.AccountEmail, g.AccessToken, g.RefreshToken, g.ExpiresAt, StatusActive, now)
	if err != nil {
		return "", fmt.Errorf("save oauth grant: %w", err)
	}
	return g.ID, nil
}

func (m *Manager) Get(ctx context.Context, id string) (Grant, error) {
	var g Grant
	var provider string
	err := m.db.QueryRow(ctx, `
		SELECT id, user_id, provider, account_email, access_token, refresh_token, expires_at, status, created_at, updated_at
		FROM oauth_integrations WHERE id = $1`, id).
		Scan(&g.ID, &g.UserID, &provider, &g.AccountEmail, &g.AccessToken, &g.RefreshToken, &g.ExpiresAt, &g.Status, &g.CreatedAt, &g.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Grant{}, ErrNotFound
	}
	if err != nil {
		return Grant{}, fmt.Errorf("load oauth grant: %w", err)
	}
	g.Provider = policy.Provider(provider)
	return g, nil
}

// AccessToken returns a bearer token valid for at least the refresh buffer,
// refreshing and persisting first when needed. Rotated refresh tokens are
// written before the new access token is handed out.
func (m *Manager) AccessToken(ctx context.Context, id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, err := m.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if g.Status == StatusNeedsReconnect {
		return "", ErrReconnectRequired
	}
	if g.ExpiresAt.After(m.now().Add(refreshBuffer)) {
		return g.AccessToken, nil
	}

	conf, err := m.oauthConfig(g.Provider)
	if err != nil {
		return "", err
	}
	fresh, err := m.tokenSource(ctx, conf, g.RefreshToken)
	if err != nil {
		if isPermanentRefreshError(err) {
			if _, mErr := m.db.Exec(ctx, `UPDATE oauth_integrations SET status = $2, updated_at = $3 WHERE id = $1`,
				id, StatusNeedsReconnect, m.now()); mErr != nil {
				return "", fmt.Errorf("mark reconnect: %w", mErr)
			}
			return "", ErrReconnectRequired
		}
		return "", fmt.Errorf("refresh token: %w", err)
	}

	refreshToken := g.RefreshToken
	if fresh.RefreshToken != "" && fresh.RefreshToken != g.RefreshToken {
		refreshToken = fresh.RefreshToken
	}
	if _, err := m.db.Exec(ctx, `
		UPDATE oauth_integrations
		SET access_token = $2, refresh_token = $3, expires_at = $4, status = $5, updated_at = $6
		WHERE id = $1`,
		id, fresh.AccessToken, refreshToken, fresh.Expiry.UTC(), StatusActive, m.now()); err != nil {
		return "", fmt.Errorf("persist refreshed token: %w", err)
	}
	return fresh.AccessToken, nil
}

func isPermanentRefreshError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"invalid_grant", "invalid_client", "unauthorized_client", "revoked"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
