package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"conduit/pkg/adminauth"
	"conduit/pkg/audit"
	"conduit/pkg/auditbus"
	"conduit/pkg/derive"
	"conduit/pkg/enforce"
	"conduit/pkg/hardening"
	"conduit/pkg/httpx"
	"conduit/pkg/metrics"
	"conduit/pkg/oauthtoken"
	"conduit/pkg/policy"
	"conduit/pkg/provider"
	"conduit/pkg/ratelimit"
	"conduit/pkg/respfilter"
	"conduit/pkg/store"
	"conduit/pkg/stream"
	"conduit/pkg/telemetry"
	"conduit/pkg/terminaltoken"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type Server struct {
	DB                  gatewayDB
	Policies            policyStore
	Audit               auditStore
	Bus                 auditbus.Publisher
	Tokens              tokenManager
	Executors           executorRegistry
	Limiter             rateLimiter
	Cache               store.Cache
	Events              *stream.Hub
	Metrics             *metrics.Registry
	Environment         string
	PolicyCacheTTL      time.Duration
	MaxRequestBodyBytes int64
	RetentionEnabled    bool
	RetentionDays       int
	RetentionInterval   time.Duration
}

type gatewayDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type policyStore interface {
	GetForIdentity(ctx context.Context, terminalID, dashboardID, userID string, provider policy.Provider) (policy.TerminalIntegration, error)
	Get(ctx context.Context, terminalID string, provider policy.Provider) (policy.TerminalIntegration, error)
	ListForTerminal(ctx context.Context, terminalID string) ([]policy.TerminalIntegration, error)
	Attach(ctx context.Context, p policy.AttachParams) (policy.TerminalIntegration, policy.IntegrationPolicy, error)
	Detach(ctx context.Context, terminalID string, provider policy.Provider) error
	ActivePolicy(ctx context.Context, integrationID string) (policy.IntegrationPolicy, error)
	UpdatePolicy(ctx context.Context, integrationID string, doc policy.Document, createdBy string) (policy.IntegrationPolicy, error)
	History(ctx context.Context, integrationID string) ([]policy.IntegrationPolicy, error)
	Confirm(ctx context.Context, integrationID string, capability policy.Capability, confirmedBy string) (policy.Confirmation, error)
	HasConfirmation(ctx context.Context, integrationID string, capability policy.Capability) (bool, error)
	ListConfirmations(ctx context.Context, integrationID string) ([]policy.Confirmation, error)
}

type auditStore interface {
	Append(ctx context.Context, e audit.Entry) (string, error)
	Get(ctx context.Context, id string) (audit.Entry, error)
	List(ctx context.Context, f audit.ListFilter) ([]audit.Entry, error)
}

type tokenManager interface {
	AccessToken(ctx context.Context, id string) (string, error)
}

type executorRegistry interface {
	Get(p policy.Provider) (provider.Executor, error)
}

type rateLimiter interface {
	Allow(ctx context.Context, integrationID string, p policy.Provider, limits policy.RateLimits, action string) (ratelimit.Decision, error)
}

type gatewayInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type gatewayListenFunc func(server *http.Server) error
type gatewayStartLoopsFunc func(s *Server)

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openDBFnG      = store.NewPostgresPool
	openRedisFnG   = store.NewRedis
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFnG  = func(s *Server) {
		if s.RetentionEnabled {
			go s.retentionLoop(context.Background())
		}
	}
)

func main() {
	if err := runGateway(initTelemetryG, listenFnG, startLoopsFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(initTelemetry gatewayInitTelemetryFunc, listen gatewayListenFunc, startLoops gatewayStartLoopsFunc) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "gateway")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	pool, err := openDBFnG(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	redisClient, err := openRedisFnG(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	terminalSecret := env("TERMINAL_TOKEN_SECRET", "")
	adminSecret := env("ADMIN_TOKEN_SECRET", "")
	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	if err := hardening.ValidateProduction(hardening.Options{
		Service:            "gateway",
		Environment:        runtimeEnv,
		StrictProdSecurity: env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS: env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:          env("REDIS_ADDR", ""),
		RedisRequireTLS:    env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:   env("REDIS_TLS_INSECURE", ""),
		CORSAllowedOrigins: env("CORS_ALLOWED_ORIGINS", ""),
		RequiredSecrets: []hardening.EnvRequirement{
			{Name: "TERMINAL_TOKEN_SECRET", Value: terminalSecret},
			{Name: "ADMIN_TOKEN_SECRET", Value: adminSecret},
		},
	}); err != nil {
		return err
	}
	if terminalSecret == "" || adminSecret == "" {
		return errors.New("TERMINAL_TOKEN_SECRET and ADMIN_TOKEN_SECRET are required")
	}

	var counter ratelimit.Counter
	if redisClient != nil {
		counter = ratelimit.NewRedisCounter(redisClient)
	} else {
		counter = ratelimit.NewInMemory()
	}

	var bus auditbus.Publisher = auditbus.NopPublisher{}
	if brokers := env("KAFKA_BROKERS", ""); brokers != "" {
		kp, err := auditbus.NewKafkaPublisher(auditbus.KafkaConfig{
			Brokers: strings.Split(brokers, ","),
			Topic:   env("KAFKA_AUDIT_TOPIC", "conduit.decisions"),
		})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer kp.Close()
		bus = kp
	}

	httpClient := telemetry.InstrumentClient(&http.Client{
		Timeout: time.Millisecond * time.Duration(envInt("RELAY_TIMEOUT_MS", 15000)),
	})

	s := &Server{
		DB:       pool,
		Policies: &policy.Store{DB: pool},
		Audit: &audit.Writer{
			DB:       pool,
			HashSalt: []byte(env("AUDIT_HASH_SALT", "")),
			Redact:   env("AUDIT_REDACT", "true") == "true",
		},
		Bus: bus,
		Tokens: oauthtoken.NewManager(pool, oauthtoken.Config{
			Google: oauthtoken.ClientCredentials{
				ClientID:     env("GOOGLE_CLIENT_ID", ""),
				ClientSecret: env("GOOGLE_CLIENT_SECRET", ""),
			},
			GitHub: oauthtoken.ClientCredentials{
				ClientID:     env("GITHUB_CLIENT_ID", ""),
				ClientSecret: env("GITHUB_CLIENT_SECRET", ""),
			},
		}),
		Executors:           buildExecutors(httpClient),
		Limiter:             ratelimit.New(counter),
		Cache:               store.NewCache(ctx, redisClient),
		Events:              stream.NewHub(),
		Metrics:             metrics.NewRegistry(),
		Environment:         runtimeEnv,
		PolicyCacheTTL:      time.Second * time.Duration(envInt("POLICY_CACHE_TTL_SEC", 30)),
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
		RetentionEnabled:    env("RETENTION_ENABLED", "false") == "true",
		RetentionDays:       envInt("RETENTION_DAYS", 90),
		RetentionInterval:   time.Second * time.Duration(envInt("RETENTION_INTERVAL_SEC", 3600)),
	}

	r := s.router(terminalSecret, adminSecret)

	if startLoops != nil {
		startLoops(s)
	}

	addr := env("ADDR", ":8080")
	log.Printf("gateway listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

// buildExecutors wires one HTTP relay per provider. A provider without a
// configured relay URL stays unregistered and its calls fail closed.
func buildExecutors(client *http.Client) *provider.Registry {
	reg := provider.NewRegistry()
	base := strings.TrimRight(env("RELAY_BASE_URL", ""), "/")
	for _, p := range policy.Providers() {
		url := env(strings.ToUpper(string(p))+"_RELAY_URL", "")
		if url == "" && base != "" {
			url = base + "/" + string(p)
		}
		if url == "" {
			continue
		}
		e := provider.NewHTTPExecutor(url, 0)
		e.Client = client
		reg.Register(p, e)
	}
	return reg
}

func (s *Server) router(terminalSecret, adminSecret string) chi.Router {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "gateway"})
	})

	r.Group(func(tr chi.Router) {
		tr.Use(terminaltoken.Middleware(terminalSecret))
		tr.Post("/gateway/{provider}/execute", s.handleExecute)
		tr.Get("/v1/integrations", s.handleListIntegrations)
	})

	r.Route("/admin", func(ar chi.Router) {
		ar.Use(adminauth.Middleware(adminSecret))
		ar.Post("/integrations", adminauth.RequireRoles(s.handleAttach, "admin", "policyadmin"))
		ar.Delete("/terminals/{terminal_id}/integrations/{provider}", adminauth.RequireRoles(s.handleDetach, "admin", "policyadmin"))
		ar.Get("/terminals/{terminal_id}/integrations/{provider}", adminauth.RequireRoles(s.handleGetIntegration, "admin", "policyadmin", "viewer"))
		ar.Put("/integrations/{integration_id}/policy", adminauth.RequireRoles(s.handleUpdatePolicy, "admin", "policyadmin"))
		ar.Get("/integrations/{integration_id}/policy", adminauth.RequireRoles(s.handleActivePolicy, "admin", "policyadmin", "viewer"))
		ar.Get("/integrations/{integration_id}/policy/history", adminauth.RequireRoles(s.handlePolicyHistory, "admin", "policyadmin", "viewer"))
		ar.Post("/integrations/{integration_id}/confirmations", adminauth.RequireRoles(s.handleConfirm, "admin", "policyadmin"))
		ar.Get("/integrations/{integration_id}/confirmations", adminauth.RequireRoles(s.handleListConfirmations, "admin", "policyadmin", "viewer"))
		ar.Get("/audit", adminauth.RequireRoles(s.handleListAudit, "admin", "auditor", "viewer"))
		ar.Get("/audit/{entry_id}", adminauth.RequireRoles(s.handleGetAudit, "admin", "auditor", "viewer"))
		ar.Get("/stream", adminauth.RequireRoles(s.Events.ServeWS, "admin", "auditor", "viewer"))
		ar.Get("/metrics", adminauth.RequireRoles(s.Metrics.Handler(), "admin", "auditor", "viewer"))
		ar.Get("/metrics/prometheus", adminauth.RequireRoles(s.Metrics.PrometheusHandler(), "admin", "auditor", "viewer"))
	})

	return r
}

type executeRequest struct {
	Action string         `json:"action"`
	Args   map[string]any `json:"args,omitempty"`
}

type executeResponse struct {
	Allowed       bool            `json:"allowed"`
	Decision      string          `json:"decision"`
	Reason        string          `json:"reason,omitempty"`
	Filtered      bool            `json:"filtered"`
	Data          json.RawMessage `json:"data,omitempty"`
	PolicyID      string          `json:"policyId,omitempty"`
	PolicyVersion int             `json:"policyVersion,omitempty"`
}

// decisionRecord carries everything the audit, metrics, stream and bus
// surfaces need about one finished call.
type decisionRecord struct {
	identity      terminaltoken.Identity
	integrationID string
	provider      policy.Provider
	action        string
	resourceID    string
	policyID      string
	policyVersion int
	args          json.RawMessage
	decision      string
	reason        string
	start         time.Time
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	identity, ok := terminaltoken.IdentityFromContext(r.Context())
	if !ok {
		httpx.ErrorCode(w, http.StatusUnauthorized, "AUTH_DENIED", "unauthenticated")
		return
	}
	prov, err := policy.ParseProvider(chi.URLParam(r, "provider"))
	if err != nil {
		httpx.ErrorCode(w, http.StatusBadRequest, "INVALID_REQUEST", "unknown provider")
		return
	}
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req executeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.ErrorCode(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid json")
		return
	}
	req.Action = strings.TrimSpace(req.Action)
	if req.Action == "" {
		httpx.ErrorCode(w, http.StatusBadRequest, "INVALID_REQUEST", "action required")
		return
	}
	argsRaw, _ := json.Marshal(req.Args)
	rec := decisionRecord{
		identity: identity,
		provider: prov,
		action:   req.Action,
		args:     argsRaw,
		start:    start,
	}
	ctx := r.Context()

	integration, err := s.Policies.GetForIdentity(ctx, identity.TerminalID, identity.DashboardID, identity.UserID, prov)
	if errors.Is(err, policy.ErrNotAttached) {
		s.deny(w, ctx, rec, http.StatusForbidden, "NOT_ATTACHED", "provider not attached to this terminal")
		return
	}
	if err != nil {
		s.fail(w, ctx, rec, err)
		return
	}
	rec.integrationID = integration.ID

	active, err := s.activePolicy(ctx, integration.ID)
	if err != nil {
		s.fail(w, ctx, rec, err)
		return
	}
	rec.policyID = active.ID
	rec.policyVersion = active.Version
	doc := active.Document

	limit, err := s.Limiter.Allow(ctx, integration.ID, prov, doc.Limits(), req.Action)
	if err != nil {
		// Counter unavailable: fail closed rather than let budgets drift.
		log.Printf("gateway: rate limit check failed: %v", err)
		rec.decision = audit.DecisionRateLimited
		rec.reason = "rate limit check unavailable"
		s.logDecision(ctx, rec)
		httpx.ErrorCode(w, http.StatusTooManyRequests, "RATE_LIMITED", rec.reason)
		return
	}
	if !limit.Allowed {
		rec.decision = audit.DecisionRateLimited
		rec.reason = fmt.Sprintf("%s budget exhausted (%d/%d)", ratelimit.Categorize(req.Action), limit.Count, limit.Limit)
		s.logDecision(ctx, rec)
		if !limit.ResetAt.IsZero() {
			if secs := int(time.Until(limit.ResetAt).Seconds()); secs > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(secs))
			}
		}
		httpx.ErrorCode(w, http.StatusTooManyRequests, "RATE_LIMITED", rec.reason)
		return
	}

	actx := derive.Derive(prov, req.Action, req.Args)
	rec.resourceID = actx.ResourceID
	verdict, err := enforce.Enforce(ctx, doc, integration.ID, req.Action, actx, s.Policies)
	if err != nil {
		s.fail(w, ctx, rec, err)
		return
	}
	if !verdict.Allowed {
		s.deny(w, ctx, rec, http.StatusForbidden, "POLICY_DENIED", verdict.Reason)
		return
	}

	accessToken := ""
	if prov.RequiresOAuth() {
		if integration.OAuthIntegrationID == "" {
			s.deny(w, ctx, rec, http.StatusUnauthorized, "AUTH_DENIED", "no provider account connected")
			return
		}
		accessToken, err = s.Tokens.AccessToken(ctx, integration.OAuthIntegrationID)
		if errors.Is(err, oauthtoken.ErrReconnectRequired) {
			s.deny(w, ctx, rec, http.StatusUnauthorized, "AUTH_DENIED", "provider account needs reconnection")
			return
		}
		if err != nil {
			s.fail(w, ctx, rec, err)
			return
		}
	}

	executor, err := s.Executors.Get(prov)
	if err != nil {
		s.fail(w, ctx, rec, err)
		return
	}

	if respfilter.NeedsPrecheck(prov, req.Action) {
		reason, err := s.drivePrecheck(ctx, executor, doc, req.Action, actx, accessToken)
		if err != nil {
			s.fail(w, ctx, rec, err)
			return
		}
		if reason != "" {
			s.deny(w, ctx, rec, http.StatusForbidden, "FILTERED", reason)
			return
		}
	}

	execStart := time.Now()
	data, err := executor.Execute(ctx, req.Action, req.Args, accessToken)
	s.Metrics.ObserveProviderLatency(time.Since(execStart))
	if err != nil {
		var apiErr *provider.APIError
		msg := "provider call failed"
		if errors.As(err, &apiErr) && strings.EqualFold(s.Environment, "development") {
			msg = fmt.Sprintf("provider call failed: status %d: %s", apiErr.Status, apiErr.Body)
		}
		rec.decision = audit.DecisionError
		rec.reason = msg
		s.logDecision(ctx, rec)
		httpx.ErrorCode(w, http.StatusBadGateway, "API_ERROR", msg)
		return
	}

	filteredData, filtered := respfilter.Filter(doc, req.Action, data)
	rec.decision = audit.DecisionAllowed
	if filtered {
		rec.decision = audit.DecisionFiltered
		rec.reason = "response filtered by policy"
	}
	s.logDecision(ctx, rec)
	httpx.WriteJSON(w, http.StatusOK, executeResponse{
		Allowed:       true,
		Decision:      rec.decision,
		Reason:        rec.reason,
		Filtered:      filtered,
		Data:          filteredData,
		PolicyID:      rec.policyID,
		PolicyVersion: rec.policyVersion,
	})
}

// drivePrecheck fetches the target file's metadata and re-runs the folder
// and filetype checks against what the provider actually reports, not what
// the sandbox claimed in its arguments.
func (s *Server) drivePrecheck(ctx context.Context, executor provider.Executor, doc policy.Document, action string, actx derive.ActionContext, accessToken string) (string, error) {
	if doc.Drive == nil {
		return "", nil
	}
	if actx.ResourceID == "" {
		return "file id required", nil
	}
	payload, err := executor.Execute(ctx, "get_file", map[string]any{"file_id": actx.ResourceID}, accessToken)
	if err != nil {
		return "", fmt.Errorf("drive metadata precheck: %w", err)
	}
	meta, err := respfilter.ParseFileMetadata(payload)
	if err != nil {
		return "", fmt.Errorf("drive metadata precheck: %w", err)
	}
	return respfilter.CheckMetadata(doc.Drive, action, meta), nil
}

func (s *Server) deny(w http.ResponseWriter, ctx context.Context, rec decisionRecord, status int, code, reason string) {
	rec.decision = audit.DecisionDenied
	rec.reason = reason
	s.logDecision(ctx, rec)
	s.Metrics.IncErrorCode(code)
	httpx.ErrorCode(w, status, code, reason)
}

// fail handles infrastructure errors: store outages, missing executors,
// upstream failures before the provider call. Always a closed-world deny.
func (s *Server) fail(w http.ResponseWriter, ctx context.Context, rec decisionRecord, err error) {
	log.Printf("gateway: %s %s/%s: %v", rec.identity.TerminalID, rec.provider, rec.action, err)
	rec.decision = audit.DecisionError
	rec.reason = "upstream unavailable"
	s.logDecision(ctx, rec)
	s.Metrics.IncErrorCode("API_ERROR")
	httpx.ErrorCode(w, http.StatusBadGateway, "API_ERROR", rec.reason)
}

// logDecision appends the audit row and fans the entry out to metrics, the
// live stream and the kafka bus. Audit failures are logged, never surfaced:
// the HTTP status has already been decided.
func (s *Server) logDecision(ctx context.Context, rec decisionRecord) {
	entry := audit.Entry{
		IntegrationID: rec.integrationID,
		TerminalID:    rec.identity.TerminalID,
		DashboardID:   rec.identity.DashboardID,
		UserID:        rec.identity.UserID,
		Provider:      string(rec.provider),
		Action:        rec.action,
		ResourceID:    rec.resourceID,
		PolicyID:      rec.policyID,
		PolicyVersion: rec.policyVersion,
		Args:          rec.args,
		Decision:      rec.decision,
		Reason:        rec.reason,
		Category:      string(ratelimit.Categorize(rec.action)),
		LatencyMs:     time.Since(rec.start).Milliseconds(),
		CreatedAt:     time.Now().UTC(),
	}
	id, err := s.Audit.Append(ctx, entry)
	if err != nil {
		log.Printf("gateway: audit append failed: %v", err)
	}
	entry.ID = id
	s.Metrics.IncDecision(rec.decision)
	s.Metrics.IncProviderDecision(string(rec.provider), rec.decision)
	s.Events.Publish(stream.NewDecisionEvent(entry))
	if s.Bus != nil {
		go func() {
			busCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := s.Bus.Publish(busCtx, entry); err != nil {
				log.Printf("gateway: audit bus publish failed: %v", err)
			}
		}()
	}
}

func policyCacheKey(integrationID string) string { return "policy:" + integrationID }

// activePolicy reads through the cache. A cache failure falls back to the
// store; a stale entry can outlive an update by at most the TTL, which is
// why updates and detaches invalidate eagerly.
func (s *Server) activePolicy(ctx context.Context, integrationID string) (policy.IntegrationPolicy, error) {
	key := policyCacheKey(integrationID)
	if raw, err := s.Cache.Get(ctx, key); err == nil && raw != "" {
		var p policy.IntegrationPolicy
		if err := json.Unmarshal([]byte(raw), &p); err == nil {
			return p, nil
		}
	}
	p, err := s.Policies.ActivePolicy(ctx, integrationID)
	if err != nil {
		return policy.IntegrationPolicy{}, err
	}
	if raw, err := json.Marshal(p); err == nil {
		_ = s.Cache.Set(ctx, key, string(raw), s.PolicyCacheTTL)
	}
	return p, nil
}

func (s *Server) handleListIntegrations(w http.ResponseWriter, r *http.Request) {
	identity, ok := terminaltoken.IdentityFromContext(r.Context())
	if !ok {
		httpx.ErrorCode(w, http.StatusUnauthorized, "AUTH_DENIED", "unauthenticated")
		return
	}
	list, err := s.Policies.ListForTerminal(r.Context(), identity.TerminalID)
	if err != nil {
		httpx.ErrorCode(w, http.StatusBadGateway, "API_ERROR", "upstream unavailable")
		return
	}
	type item struct {
		ID           string `json:"id"`
		Provider     string `json:"provider"`
		AccountLabel string `json:"accountLabel,omitempty"`
		AccountEmail string `json:"accountEmail,omitempty"`
	}
	out := make([]item, 0, len(list))
	for _, ti := range list {
		// Terminals see what they can call, never policy internals.
		out = append(out, item{ID: ti.ID, Provider: string(ti.Provider), AccountLabel: ti.AccountLabel, AccountEmail: ti.AccountEmail})
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"integrations": out})
}

type attachRequest struct {
	TerminalID         string          `json:"terminalId"`
	ItemID             string          `json:"itemId"`
	DashboardID        string          `json:"dashboardId"`
	UserID             string          `json:"userId"`
	Provider           string          `json:"provider"`
	OAuthIntegrationID string          `json:"oauthIntegrationId,omitempty"`
	AccountLabel       string          `json:"accountLabel,omitempty"`
	AccountEmail       string          `json:"accountEmail,omitempty"`
	Document           policy.Document `json:"document"`
}

func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req attachRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	prov, err := policy.ParseProvider(req.Provider)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.TerminalID == "" || req.DashboardID == "" || req.UserID == "" {
		httpx.Error(w, http.StatusBadRequest, "terminalId, dashboardId and userId required")
		return
	}
	principal, _ := adminauth.PrincipalFromContext(r.Context())
	ti, ip, err := s.Policies.Attach(r.Context(), policy.AttachParams{
		TerminalID:         req.TerminalID,
		ItemID:             req.ItemID,
		DashboardID:        req.DashboardID,
		UserID:             req.UserID,
		Provider:           prov,
		OAuthIntegrationID: req.OAuthIntegrationID,
		AccountLabel:       req.AccountLabel,
		AccountEmail:       req.AccountEmail,
		Document:           req.Document,
		CreatedBy:          principal.Subject,
	})
	if errors.Is(err, policy.ErrAlreadyAttached) {
		httpx.Error(w, http.StatusConflict, "provider already attached to terminal")
		return
	}
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{"integration": ti, "policy": ip})
}

func (s *Server) handleDetach(w http.ResponseWriter, r *http.Request) {
	prov, err := policy.ParseProvider(chi.URLParam(r, "provider"))
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	terminalID := chi.URLParam(r, "terminal_id")
	ti, getErr := s.Policies.Get(r.Context(), terminalID, prov)
	if err := s.Policies.Detach(r.Context(), terminalID, prov); err != nil {
		if errors.Is(err, policy.ErrNotAttached) {
			httpx.Error(w, http.StatusNotFound, "not attached")
			return
		}
		httpx.Error(w, http.StatusInternalServerError, "detach failed")
		return
	}
	if getErr == nil {
		_ = s.Cache.Del(r.Context(), policyCacheKey(ti.ID))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "detached"})
}

func (s *Server) handleGetIntegration(w http.ResponseWriter, r *http.Request) {
	prov, err := policy.ParseProvider(chi.URLParam(r, "provider"))
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	ti, err := s.Policies.Get(r.Context(), chi.URLParam(r, "terminal_id"), prov)
	if errors.Is(err, policy.ErrNotAttached) {
		httpx.Error(w, http.StatusNotFound, "not attached")
		return
	}
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, ti)
}

type updatePolicyRequest struct {
	Document policy.Document `json:"document"`
}

func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req updatePolicyRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	integrationID := chi.URLParam(r, "integration_id")
	principal, _ := adminauth.PrincipalFromContext(r.Context())
	ip, err := s.Policies.UpdatePolicy(r.Context(), integrationID, req.Document, principal.Subject)
	if errors.Is(err, policy.ErrNotAttached) {
		httpx.Error(w, http.StatusNotFound, "integration not found")
		return
	}
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	_ = s.Cache.Del(r.Context(), policyCacheKey(integrationID))
	httpx.WriteJSON(w, http.StatusOK, ip)
}

func (s *Server) handleActivePolicy(w http.ResponseWriter, r *http.Request) {
	ip, err := s.Policies.ActivePolicy(r.Context(), chi.URLParam(r, "integration_id"))
	if errors.Is(err, policy.ErrNotAttached) {
		httpx.Error(w, http.StatusNotFound, "integration not found")
		return
	}
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, ip)
}

func (s *Server) handlePolicyHistory(w http.ResponseWriter, r *http.Request) {
	hist, err := s.Policies.History(r.Context(), chi.URLParam(r, "integration_id"))
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"versions": hist})
}

type confirmRequest struct {
	Capability string `json:"capability"`
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req confirmRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	capability := policy.Capability(strings.TrimSpace(req.Capability))
	if !enforce.IsHighRisk(capability) {
		httpx.Error(w, http.StatusBadRequest, "capability is not high-risk")
		return
	}
	principal, _ := adminauth.PrincipalFromContext(r.Context())
	c, err := s.Policies.Confirm(r.Context(), chi.URLParam(r, "integration_id"), capability, principal.Subject)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "confirm failed")
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, c)
}

func (s *Server) handleListConfirmations(w http.ResponseWriter, r *http.Request) {
	list, err := s.Policies.ListConfirmations(r.Context(), chi.URLParam(r, "integration_id"))
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"confirmations": list})
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.ListFilter{
		IntegrationID: q.Get("integration_id"),
		TerminalID:    q.Get("terminal_id"),
		UserID:        q.Get("user_id"),
		Provider:      q.Get("provider"),
		Decision:      q.Get("decision"),
	}
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			f.Limit = n
		}
	}
	list, err := s.Audit.List(r.Context(), f)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"entries": list})
}

func (s *Server) handleGetAudit(w http.ResponseWriter, r *http.Request) {
	e, err := s.Audit.Get(r.Context(), chi.URLParam(r, "entry_id"))
	if errors.Is(err, audit.ErrNotFound) {
		httpx.Error(w, http.StatusNotFound, "audit entry not found")
		return
	}
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, e)
}

// retentionLoop deletes audit rows older than the retention window. Off by
// default; the audit log is append-only unless an operator turns this on.
func (s *Server) retentionLoop(ctx context.Context) {
	ticker := time.NewTicker(s.RetentionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cmd, err := s.DB.Exec(ctx, `DELETE FROM audit_log WHERE created_at < now() - ($1 || ' days')::interval`, strconv.Itoa(s.RetentionDays))
			if err != nil {
				log.Printf("gateway: retention sweep failed: %v", err)
				continue
			}
			if n := cmd.RowsAffected(); n > 0 {
				log.Printf("gateway: retention removed %d audit rows", n)
			}
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (srv *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		path := r.Method + " " + r.URL.Path
		srv.Metrics.Observe(path, rec.code, elapsed)
		srv.Metrics.ObserveLatency(path, elapsed)
	})
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err == nil {
		return body, true
	}
	if strings.Contains(strings.ToLower(err.Error()), "request body too large") {
		httpx.ErrorCode(w, http.StatusRequestEntityTooLarge, "INVALID_REQUEST", "request body too large")
		return nil, false
	}
	httpx.ErrorCode(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
	return nil, false
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
