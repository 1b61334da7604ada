// Package audit appends every gateway decision to the audit_log table. The
// log is append-only; there is no update or delete path.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var ErrNotFound = errors.New("audit entry not found")

// Decision values recorded per entry. The core verdicts are allowed, denied
// and filtered; rate_limited and error are recorded separately so log
// consumers can tell quota hits and upstream failures apart from policy
// outcomes. Consumers must not assume a three-value domain.
const (
	DecisionAllowed     = "allowed"
	DecisionDenied      = "denied"
	DecisionRateLimited = "rate_limited"
	DecisionFiltered    = "filtered"
	DecisionError       = "error"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Entry struct {
	ID            string          `json:"id"`
	IntegrationID string          `json:"integrationId"`
	TerminalID    string          `json:"terminalId"`
	DashboardID   string          `json:"dashboardId"`
	UserID        string          `json:"userId"`
	Provider      string          `json:"provider"`
	Action        string          `json:"action"`
	ResourceID    string          `json:"resourceId,omitempty"`
	PolicyID      string          `json:"policyId,omitempty"`
	PolicyVersion int             `json:"policyVersion,omitempty"`
	Args          json.RawMessage `json:"args,omitempty"`
	Decision      string          `json:"decision"`
	Reason        string          `json:"reason,omitempty"`
	Category      string          `json:"category,omitempty"`
	LatencyMs     int64           `json:"latencyMs"`
	CreatedAt     time.Time       `json:"createdAt"`
}

type Writer struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
}

// Append writes one entry. Failures here must not block the caller's
// response; the orchestrator logs and continues.
func (w *Writer) Append(ctx context.Context, e Entry) (string, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if w.Redact {
		e.Args = redactArgs(e.Args, w.HashSalt)
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO audit_log
		(id, integration_id, terminal_id, dashboard_id, user_id, provider, action, resource_id, policy_id, policy_version, args, decision, reason, category, latency_ms, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		e.ID, e.IntegrationID, e.TerminalID, e.DashboardID, e.UserID, e.Provider, e.Action,
		e.ResourceID, e.PolicyID, e.PolicyVersion,
		e.Args, e.Decision, e.Reason, e.Category, e.LatencyMs, e.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("append audit entry: %w", err)
	}
	return e.ID, nil
}

func (w *Writer) Get(ctx context.Context, id string) (Entry, error) {
	row := w.DB.QueryRow(ctx, selectColumns+` FROM audit_log WHERE id = $1`, id)
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	return e, err
}

// ListFilter narrows List output. Zero values mean no constraint.
type ListFilter struct {
	IntegrationID string
	TerminalID    string
	UserID        string
	Provider      string
	Decision      string
	Limit         int
}

func (w *Writer) List(ctx context.Context, f ListFilter) ([]Entry, error) {
	query := selectColumns + ` FROM audit_log`
	var conds []string
	var args []any
	add := func(col, val string) {
		if val == "" {
			return
		}
		args = append(args, val)
		conds = append(conds, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	add("integration_id", f.IntegrationID)
	add("terminal_id", f.TerminalID)
	add("user_id", f.UserID)
	add("provider", f.Provider)
	add("decision", f.Decision)
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := w.DB.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const selectColumns = `SELECT id, integration_id, terminal_id, dashboard_id, user_id, provider, action, resource_id, policy_id, policy_version, args, decision, reason, category, latency_ms, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var e Entry
	err := row.Scan(&e.ID, &e.IntegrationID, &e.TerminalID, &e.DashboardID, &e.UserID,
		&e.Provider, &e.Action, &e.ResourceID, &e.PolicyID, &e.PolicyVersion,
		&e.Args, &e.Decision, &e.Reason, &e.Category, &e.LatencyMs, &e.CreatedAt)
	return e, err
}
