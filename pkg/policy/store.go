package policy

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotAttached means no live terminal-integration row matches the
	// caller's verified identity for the requested provider.
	ErrNotAttached = errors.New("provider not attached to terminal")
	// ErrAlreadyAttached means a live row already exists for (terminal, provider).
	ErrAlreadyAttached = errors.New("provider already attached to terminal")
)

// TerminalIntegration binds one sandbox terminal to one provider for one
// dashboard/user. Identity fields never change after creation; detaching
// soft-deletes the row so history stays queryable for audit.
type TerminalIntegration struct {
	ID                 string     `json:"id"`
	TerminalID         string     `json:"terminalId"`
	ItemID             string     `json:"itemId"`
	DashboardID        string     `json:"dashboardId"`
	UserID             string     `json:"userId"`
	Provider           Provider   `json:"provider"`
	OAuthIntegrationID string     `json:"oauthIntegrationId,omitempty"`
	ActivePolicyID     string     `json:"activePolicyId"`
	AccountLabel       string     `json:"accountLabel,omitempty"`
	AccountEmail       string     `json:"accountEmail,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	DeletedAt          *time.Time `json:"deletedAt,omitempty"`
}

// IntegrationPolicy is an immutable versioned snapshot. Updates insert
// version N+1 and repoint the integration's active pointer; no row is ever
// mutated in place.
type IntegrationPolicy struct {
	ID            string        `json:"id"`
	IntegrationID string        `json:"integrationId"`
	Version       int           `json:"version"`
	Document      Document      `json:"document"`
	SecurityLevel SecurityLevel `json:"securityLevel"`
	CreatedBy     string        `json:"createdBy"`
	CreatedAt     time.Time     `json:"createdAt"`
}

// Confirmation records that a user explicitly acknowledged a high-risk
// capability for an integration before it becomes usable.
type Confirmation struct {
	ID            string     `json:"id"`
	IntegrationID string     `json:"integrationId"`
	Capability    Capability `json:"capability"`
	ConfirmedBy   string     `json:"confirmedBy"`
	CreatedAt     time.Time  `json:"createdAt"`
}

type storeDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Store struct {
	DB storeDB
}

type AttachParams struct {
	TerminalID         string
	ItemID             string
	DashboardID        string
	UserID             string
	Provider           Provider
	OAuthIntegrationID string
	AccountLabel       string
	AccountEmail       string
	Document           Document
	CreatedBy          string
}

const integrationColumns = `
	id, terminal_id, item_id, dashboard_id, user_id, provider,
	COALESCE(oauth_integration_id, ''), COALESCE(active_policy_id, ''),
	COALESCE(account_label, ''), COALESCE(account_email, ''), created_at, deleted_at
`

const policyColumns = `id, integration_id, version, document, security_level, created_by, created_at`

// Attach creates the integration row and its v1 policy in one transaction.
func (s *Store) Attach(ctx context.Context, p AttachParams) (TerminalIntegration, IntegrationPolicy, error) {
	if p.Provider != p.Document.Provider {
		return TerminalIntegration{}, IntegrationPolicy{}, errors.New("document provider does not match attach provider")
	}
	docRaw, err := p.Document.Marshal()
	if err != nil {
		return TerminalIntegration{}, IntegrationPolicy{}, err
	}
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return TerminalIntegration{}, IntegrationPolicy{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var exists bool
	if err := tx.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM terminal_integrations
			WHERE terminal_id=$1 AND provider=$2 AND deleted_at IS NULL
		)
	`, p.TerminalID, string(p.Provider)).Scan(&exists); err != nil {
		return TerminalIntegration{}, IntegrationPolicy{}, err
	}
	if exists {
		return TerminalIntegration{}, IntegrationPolicy{}, ErrAlreadyAttached
	}

	integrationID := uuid.New().String()
	policyID := uuid.New().String()
	now := time.Now().UTC()
	var oauthID any
	if p.OAuthIntegrationID != "" {
		oauthID = p.OAuthIntegrationID
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO terminal_integrations
		(id, terminal_id, item_id, dashboard_id, user_id, provider, oauth_integration_id, account_label, account_email, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, integrationID, p.TerminalID, p.ItemID, p.DashboardID, p.UserID, string(p.Provider), oauthID, p.AccountLabel, p.AccountEmail, now); err != nil {
		return TerminalIntegration{}, IntegrationPolicy{}, err
	}
	level := p.Document.SecurityLevel()
	if _, err := tx.Exec(ctx, `
		INSERT INTO integration_policies (id, integration_id, version, document, security_level, created_by, created_at)
		VALUES ($1,$2,1,$3,$4,$5,$6)
	`, policyID, integrationID, docRaw, string(level), p.CreatedBy, now); err != nil {
		return TerminalIntegration{}, IntegrationPolicy{}, err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE terminal_integrations SET active_policy_id=$2 WHERE id=$1
	`, integrationID, policyID); err != nil {
		return TerminalIntegration{}, IntegrationPolicy{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return TerminalIntegration{}, IntegrationPolicy{}, err
	}
	ti := TerminalIntegration{
		ID:                 integrationID,
		TerminalID:         p.TerminalID,
		ItemID:             p.ItemID,
		DashboardID:        p.DashboardID,
		UserID:             p.UserID,
		Provider:           p.Provider,
		OAuthIntegrationID: p.OAuthIntegrationID,
		ActivePolicyID:     policyID,
		AccountLabel:       p.AccountLabel,
		AccountEmail:       p.AccountEmail,
		CreatedAt:          now,
	}
	ip := IntegrationPolicy{
		ID:            policyID,
		IntegrationID: integrationID,
		Version:       1,
		Document:      p.Document,
		SecurityLevel: level,
		CreatedBy:     p.CreatedBy,
		CreatedAt:     now,
	}
	return ti, ip, nil
}

// Detach soft-deletes the live row; history is retained for audit.
func (s *Store) Detach(ctx context.Context, terminalID string, provider Provider) error {
	cmd, err := s.DB.Exec(ctx, `
		UPDATE terminal_integrations SET deleted_at=now()
		WHERE terminal_id=$1 AND provider=$2 AND deleted_at IS NULL
	`, terminalID, string(provider))
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotAttached
	}
	return nil
}

// GetForIdentity loads the live integration and cross-references every
// verified claim, not just the terminal id. A row that matches the terminal
// but not the dashboard or user is treated as not attached.
func (s *Store) GetForIdentity(ctx context.Context, terminalID, dashboardID, userID string, provider Provider) (TerminalIntegration, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT `+integrationColumns+`
		FROM terminal_integrations
		WHERE terminal_id=$1 AND dashboard_id=$2 AND user_id=$3 AND provider=$4 AND deleted_at IS NULL
	`, terminalID, dashboardID, userID, string(provider))
	return scanIntegration(row)
}

// Get loads the live integration by terminal and provider (admin surface).
func (s *Store) Get(ctx context.Context, terminalID string, provider Provider) (TerminalIntegration, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT `+integrationColumns+`
		FROM terminal_integrations
		WHERE terminal_id=$1 AND provider=$2 AND deleted_at IS NULL
	`, terminalID, string(provider))
	return scanIntegration(row)
}

// ListForTerminal returns all live integrations for one terminal.
func (s *Store) ListForTerminal(ctx context.Context, terminalID string) ([]TerminalIntegration, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+integrationColumns+`
		FROM terminal_integrations
		WHERE terminal_id=$1 AND deleted_at IS NULL
		ORDER BY created_at
	`, terminalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TerminalIntegration
	for rows.Next() {
		ti, err := scanIntegration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ti)
	}
	return out, rows.Err()
}

func scanIntegration(row pgx.Row) (TerminalIntegration, error) {
	var ti TerminalIntegration
	var provider string
	err := row.Scan(
		&ti.ID, &ti.TerminalID, &ti.ItemID, &ti.DashboardID, &ti.UserID, &provider,
		&ti.OAuthIntegrationID, &ti.ActivePolicyID,
		&ti.AccountLabel, &ti.AccountEmail, &ti.CreatedAt, &ti.DeletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return TerminalIntegration{}, ErrNotAttached
	}
	if err != nil {
		return TerminalIntegration{}, err
	}
	ti.Provider = Provider(provider)
	return ti, nil
}

// ActivePolicy loads the policy the integration's active pointer references.
func (s *Store) ActivePolicy(ctx context.Context, integrationID string) (IntegrationPolicy, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT `+policyColumns+`
		FROM integration_policies p
		JOIN terminal_integrations t ON t.active_policy_id = p.id
		WHERE t.id=$1
	`, integrationID)
	return scanPolicy(row)
}

// UpdatePolicy inserts version N+1 and repoints the active pointer inside a
// transaction. Existing versions are never touched.
func (s *Store) UpdatePolicy(ctx context.Context, integrationID string, doc Document, createdBy string) (IntegrationPolicy, error) {
	docRaw, err := doc.Marshal()
	if err != nil {
		return IntegrationPolicy{}, err
	}
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return IntegrationPolicy{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var provider string
	err = tx.QueryRow(ctx, `
		SELECT provider FROM terminal_integrations
		WHERE id=$1 AND deleted_at IS NULL
		FOR UPDATE
	`, integrationID).Scan(&provider)
	if errors.Is(err, pgx.ErrNoRows) {
		return IntegrationPolicy{}, ErrNotAttached
	}
	if err != nil {
		return IntegrationPolicy{}, err
	}
	if Provider(provider) != doc.Provider {
		return IntegrationPolicy{}, errors.New("document provider does not match integration provider")
	}

	var nextVersion int
	if err := tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(version), 0) + 1 FROM integration_policies WHERE integration_id=$1
	`, integrationID).Scan(&nextVersion); err != nil {
		return IntegrationPolicy{}, err
	}
	policyID := uuid.New().String()
	now := time.Now().UTC()
	level := doc.SecurityLevel()
	if _, err := tx.Exec(ctx, `
		INSERT INTO integration_policies (id, integration_id, version, document, security_level, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, policyID, integrationID, nextVersion, docRaw, string(level), createdBy, now); err != nil {
		return IntegrationPolicy{}, err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE terminal_integrations SET active_policy_id=$2 WHERE id=$1
	`, integrationID, policyID); err != nil {
		return IntegrationPolicy{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return IntegrationPolicy{}, err
	}
	return IntegrationPolicy{
		ID:            policyID,
		IntegrationID: integrationID,
		Version:       nextVersion,
		Document:      doc,
		SecurityLevel: level,
		CreatedBy:     createdBy,
		CreatedAt:     now,
	}, nil
}

// History returns every policy version for an integration, oldest first.
func (s *Store) History(ctx context.Context, integrationID string) ([]IntegrationPolicy, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+policyColumns+`
		FROM integration_policies
		WHERE integration_id=$1
		ORDER BY version
	`, integrationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []IntegrationPolicy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPolicy(row pgx.Row) (IntegrationPolicy, error) {
	var p IntegrationPolicy
	var docRaw []byte
	var level string
	err := row.Scan(&p.ID, &p.IntegrationID, &p.Version, &docRaw, &level, &p.CreatedBy, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return IntegrationPolicy{}, ErrNotAttached
	}
	if err != nil {
		return IntegrationPolicy{}, err
	}
	doc, err := UnmarshalDocument(docRaw)
	if err != nil {
		return IntegrationPolicy{}, err
	}
	p.Document = doc
	p.SecurityLevel = SecurityLevel(level)
	return p, nil
}

// Confirm records (or refreshes) a high-risk acknowledgement.
func (s *Store) Confirm(ctx context.Context, integrationID string, capability Capability, confirmedBy string) (Confirmation, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	if _, err := s.DB.Exec(ctx, `
		INSERT INTO high_risk_confirmations (id, integration_id, capability, confirmed_by, created_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (integration_id, capability) DO UPDATE
		SET confirmed_by=EXCLUDED.confirmed_by, created_at=EXCLUDED.created_at
	`, id, integrationID, string(capability), confirmedBy, now); err != nil {
		return Confirmation{}, err
	}
	return Confirmation{ID: id, IntegrationID: integrationID, Capability: capability, ConfirmedBy: confirmedBy, CreatedAt: now}, nil
}

// HasConfirmation reports whether a matching confirmation row exists.
func (s *Store) HasConfirmation(ctx context.Context, integrationID string, capability Capability) (bool, error) {
	var exists bool
	err := s.DB.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM high_risk_confirmations
			WHERE integration_id=$1 AND capability=$2
		)
	`, integrationID, string(capability)).Scan(&exists)
	return exists, err
}

// ListConfirmations returns all confirmations for an integration.
func (s *Store) ListConfirmations(ctx context.Context, integrationID string) ([]Confirmation, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, integration_id, capability, confirmed_by, created_at
		FROM high_risk_confirmations
		WHERE integration_id=$1
		ORDER BY created_at
	`, integrationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Confirmation
	for rows.Next() {
		var c Confirmation
		var capName string
		if err := rows.Scan(&c.ID, &c.IntegrationID, &capName, &c.ConfirmedBy, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Capability = Capability(capName)
		out = append(out, c)
	}
	return out, rows.Err()
}
