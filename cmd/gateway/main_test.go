package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"conduit/pkg/adminauth"
	"conduit/pkg/audit"
	"conduit/pkg/metrics"
	"conduit/pkg/oauthtoken"
	"conduit/pkg/policy"
	"conduit/pkg/provider"
	"conduit/pkg/ratelimit"
	"conduit/pkg/store"
	"conduit/pkg/stream"
	"conduit/pkg/terminaltoken"
)

const (
	testTerminalSecret = "terminal-secret"
	testAdminSecret    = "admin-secret"
)

type fakePolicies struct {
	integration      policy.TerminalIntegration
	active           policy.IntegrationPolicy
	history          []policy.IntegrationPolicy
	confirmed        map[policy.Capability]bool
	activeCalls      int
	attachErr        error
	getErr           error
	updateErr        error
	lastUpdateDoc    policy.Document
	lastUpdateBy     string
	detachedTerminal string
}

func (f *fakePolicies) GetForIdentity(_ context.Context, terminalID, dashboardID, userID string, p policy.Provider) (policy.TerminalIntegration, error) {
	if f.getErr != nil {
		return policy.TerminalIntegration{}, f.getErr
	}
	if terminalID != f.integration.TerminalID || dashboardID != f.integration.DashboardID ||
		userID != f.integration.UserID || p != f.integration.Provider {
		return policy.TerminalIntegration{}, policy.ErrNotAttached
	}
	return f.integration, nil
}

func (f *fakePolicies) Get(_ context.Context, terminalID string, p policy.Provider) (policy.TerminalIntegration, error) {
	if terminalID == f.integration.TerminalID && p == f.integration.Provider {
		return f.integration, nil
	}
	return policy.TerminalIntegration{}, policy.ErrNotAttached
}

func (f *fakePolicies) ListForTerminal(_ context.Context, terminalID string) ([]policy.TerminalIntegration, error) {
	if terminalID == f.integration.TerminalID {
		return []policy.TerminalIntegration{f.integration}, nil
	}
	return nil, nil
}

func (f *fakePolicies) Attach(_ context.Context, p policy.AttachParams) (policy.TerminalIntegration, policy.IntegrationPolicy, error) {
	if f.attachErr != nil {
		return policy.TerminalIntegration{}, policy.IntegrationPolicy{}, f.attachErr
	}
	ti := policy.TerminalIntegration{ID: "int-new", TerminalID: p.TerminalID, Provider: p.Provider}
	ip := policy.IntegrationPolicy{ID: "pol-new", IntegrationID: "int-new", Version: 1, Document: p.Document, CreatedBy: p.CreatedBy}
	return ti, ip, nil
}

func (f *fakePolicies) Detach(_ context.Context, terminalID string, p policy.Provider) error {
	if terminalID != f.integration.TerminalID || p != f.integration.Provider {
		return policy.ErrNotAttached
	}
	f.detachedTerminal = terminalID
	return nil
}

func (f *fakePolicies) ActivePolicy(_ context.Context, integrationID string) (policy.IntegrationPolicy, error) {
	f.activeCalls++
	if integrationID != f.integration.ID {
		return policy.IntegrationPolicy{}, policy.ErrNotAttached
	}
	return f.active, nil
}

func (f *fakePolicies) UpdatePolicy(_ context.Context, integrationID string, doc policy.Document, createdBy string) (policy.IntegrationPolicy, error) {
	if f.updateErr != nil {
		return policy.IntegrationPolicy{}, f.updateErr
	}
	if integrationID != f.integration.ID {
		return policy.IntegrationPolicy{}, policy.ErrNotAttached
	}
	f.lastUpdateDoc = doc
	f.lastUpdateBy = createdBy
	next := f.active
	next.Version++
	next.Document = doc
	f.active = next
	return next, nil
}

func (f *fakePolicies) History(_ context.Context, _ string) ([]policy.IntegrationPolicy, error) {
	return f.history, nil
}

func (f *fakePolicies) Confirm(_ context.Context, _ string, capability policy.Capability, confirmedBy string) (policy.Confirmation, error) {
	if f.confirmed == nil {
		f.confirmed = map[policy.Capability]bool{}
	}
	f.confirmed[capability] = true
	return policy.Confirmation{ID: "conf-1", Capability: capability, ConfirmedBy: confirmedBy}, nil
}

func (f *fakePolicies) HasConfirmation(_ context.Context, _ string, capability policy.Capability) (bool, error) {
	return f.confirmed[capability], nil
}

func (f *fakePolicies) ListConfirmations(_ context.Context, _ string) ([]policy.Confirmation, error) {
	var out []policy.Confirmation
	for capability := range f.confirmed {
		out = append(out, policy.Confirmation{Capability: capability})
	}
	return out, nil
}

type fakeAudit struct {
	entries []audit.Entry
}

func (f *fakeAudit) Append(_ context.Context, e audit.Entry) (string, error) {
	e.ID = "audit-1"
	f.entries = append(f.entries, e)
	return e.ID, nil
}

func (f *fakeAudit) Get(_ context.Context, id string) (audit.Entry, error) {
	for _, e := range f.entries {
		if e.ID == id {
			return e, nil
		}
	}
	return audit.Entry{}, audit.ErrNotFound
}

func (f *fakeAudit) List(_ context.Context, _ audit.ListFilter) ([]audit.Entry, error) {
	return f.entries, nil
}

func (f *fakeAudit) last(t *testing.T) audit.Entry {
	t.Helper()
	if len(f.entries) == 0 {
		t.Fatal("no audit entries written")
	}
	return f.entries[len(f.entries)-1]
}

type fakeTokens struct {
	token string
	err   error
	calls int
}

func (f *fakeTokens) AccessToken(context.Context, string) (string, error) {
	f.calls++
	return f.token, f.err
}

type fakeExecutor struct {
	responses map[string]json.RawMessage
	err       error
	calls     []string
	lastToken string
}

func (f *fakeExecutor) Execute(_ context.Context, action string, _ map[string]any, accessToken string) (json.RawMessage, error) {
	f.calls = append(f.calls, action)
	f.lastToken = accessToken
	if f.err != nil {
		return nil, f.err
	}
	if resp, ok := f.responses[action]; ok {
		return resp, nil
	}
	return json.RawMessage(`{}`), nil
}

type fakeLimiter struct {
	decision ratelimit.Decision
	err      error
}

func (f *fakeLimiter) Allow(context.Context, string, policy.Provider, policy.RateLimits, string) (ratelimit.Decision, error) {
	return f.decision, f.err
}

type testEnv struct {
	server   *Server
	router   http.Handler
	policies *fakePolicies
	auditLog *fakeAudit
	tokens   *fakeTokens
	executor *fakeExecutor
}

func newTestEnv(doc policy.Document) *testEnv {
	policies := &fakePolicies{
		integration: policy.TerminalIntegration{
			ID:                 "int-1",
			TerminalID:         "term-1",
			DashboardID:        "dash-1",
			UserID:             "user-1",
			Provider:           doc.Provider,
			OAuthIntegrationID: "oauth-1",
			ActivePolicyID:     "pol-1",
		},
		active: policy.IntegrationPolicy{ID: "pol-1", IntegrationID: "int-1", Version: 1, Document: doc},
	}
	auditLog := &fakeAudit{}
	tokens := &fakeTokens{token: "access-token"}
	executor := &fakeExecutor{responses: map[string]json.RawMessage{}}
	registry := provider.NewRegistry()
	registry.Register(doc.Provider, executor)

	s := &Server{
		Policies:            policies,
		Audit:               auditLog,
		Tokens:              tokens,
		Executors:           registry,
		Limiter:             ratelimit.New(ratelimit.NewInMemory()),
		Cache:               store.NewMemoryCache(),
		Events:              stream.NewHub(),
		Metrics:             metrics.NewRegistry(),
		Environment:         "production",
		PolicyCacheTTL:      30 * time.Second,
		MaxRequestBodyBytes: 1 << 20,
	}
	return &testEnv{
		server:   s,
		router:   s.router(testTerminalSecret, testAdminSecret),
		policies: policies,
		auditLog: auditLog,
		tokens:   tokens,
		executor: executor,
	}
}

func terminalToken(t *testing.T) string {
	t.Helper()
	tok, err := terminaltoken.Mint(terminaltoken.Identity{
		TerminalID: "term-1", DashboardID: "dash-1", UserID: "user-1",
	}, testTerminalSecret, time.Hour, time.Now().UTC())
	if err != nil {
		t.Fatalf("mint terminal token: %v", err)
	}
	return tok
}

func adminToken(t *testing.T, roles ...string) string {
	t.Helper()
	tok, err := adminauth.Mint(adminauth.Principal{Subject: "ops@corp", Roles: roles}, testAdminSecret, time.Hour, time.Now().UTC())
	if err != nil {
		t.Fatalf("mint admin token: %v", err)
	}
	return tok
}

func doExecute(t *testing.T, env *testEnv, providerName, token string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/gateway/"+providerName+"/execute", bytes.NewReader([]byte(body)))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) (code, msg string) {
	t.Helper()
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body["code"], body["error"]
}

func gmailReadDoc() policy.Document {
	return policy.Document{Provider: policy.ProviderGmail, Gmail: &policy.GmailPolicy{CanRead: true, CanSearch: true}}
}

func TestExecuteAllowed(t *testing.T) {
	env := newTestEnv(gmailReadDoc())
	env.executor.responses["list_messages"] = json.RawMessage(`{"messages":[{"id":"m1"}]}`)

	rec := doExecute(t, env, "gmail", terminalToken(t), `{"action":"list_messages","args":{"label":"INBOX"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	var resp executeResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Allowed || resp.Decision != "allowed" || resp.Filtered {
		t.Errorf("resp = %+v", resp)
	}
	if resp.PolicyID != "pol-1" || resp.PolicyVersion != 1 {
		t.Errorf("policy ref = %q v%d", resp.PolicyID, resp.PolicyVersion)
	}
	if env.executor.lastToken != "access-token" {
		t.Errorf("executor token = %q", env.executor.lastToken)
	}
	entry := env.auditLog.last(t)
	if entry.Decision != audit.DecisionAllowed || entry.Provider != "gmail" || entry.Action != "list_messages" {
		t.Errorf("audit entry = %+v", entry)
	}
	if entry.IntegrationID != "int-1" || entry.TerminalID != "term-1" {
		t.Errorf("audit identity = %+v", entry)
	}
	if entry.PolicyID != "pol-1" || entry.PolicyVersion != 1 {
		t.Errorf("audit policy ref = %q v%d", entry.PolicyID, entry.PolicyVersion)
	}
}

func TestExecuteUnauthenticated(t *testing.T) {
	env := newTestEnv(gmailReadDoc())
	rec := doExecute(t, env, "gmail", "", `{"action":"list_messages"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	if code, _ := decodeError(t, rec); code != "AUTH_DENIED" {
		t.Errorf("code = %q", code)
	}
	if len(env.executor.calls) != 0 {
		t.Error("executor called without auth")
	}
}

func TestExecuteUnknownProvider(t *testing.T) {
	env := newTestEnv(gmailReadDoc())
	rec := doExecute(t, env, "dropbox", terminalToken(t), `{"action":"list"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if code, _ := decodeError(t, rec); code != "INVALID_REQUEST" {
		t.Errorf("code = %q", code)
	}
}

func TestExecuteNotAttached(t *testing.T) {
	env := newTestEnv(gmailReadDoc())
	rec := doExecute(t, env, "slack", terminalToken(t), `{"action":"read_messages"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d", rec.Code)
	}
	if code, _ := decodeError(t, rec); code != "NOT_ATTACHED" {
		t.Errorf("code = %q", code)
	}
	if entry := env.auditLog.last(t); entry.Decision != audit.DecisionDenied {
		t.Errorf("audit decision = %q", entry.Decision)
	}
}

func TestExecutePolicyDenied(t *testing.T) {
	env := newTestEnv(gmailReadDoc())
	rec := doExecute(t, env, "gmail", terminalToken(t), `{"action":"send_message","args":{"to":"a@b.com"}}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	code, msg := decodeError(t, rec)
	if code != "POLICY_DENIED" || msg == "" {
		t.Errorf("code = %q msg = %q", code, msg)
	}
	if len(env.executor.calls) != 0 {
		t.Error("executor called for denied action")
	}
	if entry := env.auditLog.last(t); entry.Decision != audit.DecisionDenied || entry.Reason == "" {
		t.Errorf("audit entry = %+v", entry)
	}
}

func TestExecuteRateLimited(t *testing.T) {
	env := newTestEnv(gmailReadDoc())
	env.server.Limiter = &fakeLimiter{decision: ratelimit.Decision{
		Allowed: false, Count: 6, Limit: 5, ResetAt: time.Now().Add(30 * time.Second),
	}}
	env.router = env.server.router(testTerminalSecret, testAdminSecret)

	rec := doExecute(t, env, "gmail", terminalToken(t), `{"action":"list_messages"}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}
	if code, _ := decodeError(t, rec); code != "RATE_LIMITED" {
		t.Errorf("code = %q", code)
	}
	if entry := env.auditLog.last(t); entry.Decision != audit.DecisionRateLimited {
		t.Errorf("audit decision = %q", entry.Decision)
	}
}

func TestExecuteRateLimiterFailureDenies(t *testing.T) {
	env := newTestEnv(gmailReadDoc())
	env.server.Limiter = &fakeLimiter{err: errors.New("redis: connection refused")}
	env.router = env.server.router(testTerminalSecret, testAdminSecret)

	rec := doExecute(t, env, "gmail", terminalToken(t), `{"action":"list_messages"}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(env.executor.calls) != 0 {
		t.Error("executor called while limiter unavailable")
	}
}

func TestExecuteReconnectRequired(t *testing.T) {
	env := newTestEnv(gmailReadDoc())
	env.tokens.err = oauthtoken.ErrReconnectRequired

	rec := doExecute(t, env, "gmail", terminalToken(t), `{"action":"list_messages"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	if code, _ := decodeError(t, rec); code != "AUTH_DENIED" {
		t.Errorf("code = %q", code)
	}
	if len(env.executor.calls) != 0 {
		t.Error("executor called without a usable token")
	}
}

func TestExecuteTokenlessProviderSkipsOAuth(t *testing.T) {
	doc := policy.Document{Provider: policy.ProviderSlack, Slack: &policy.SlackPolicy{CanRead: true, CanListChannels: true}}
	env := newTestEnv(doc)

	rec := doExecute(t, env, "slack", terminalToken(t), `{"action":"list_channels"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	if env.tokens.calls != 0 {
		t.Error("token manager consulted for a tokenless provider")
	}
	if env.executor.lastToken != "" {
		t.Errorf("executor token = %q, want empty", env.executor.lastToken)
	}
}

func TestExecuteProviderErrorSanitized(t *testing.T) {
	env := newTestEnv(gmailReadDoc())
	env.executor.err = &provider.APIError{Status: 503, Body: `{"error":"internal relay secret leaked"}`}

	rec := doExecute(t, env, "gmail", terminalToken(t), `{"action":"list_messages"}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", rec.Code)
	}
	code, msg := decodeError(t, rec)
	if code != "API_ERROR" {
		t.Errorf("code = %q", code)
	}
	if msg != "provider call failed" {
		t.Errorf("message leaked upstream detail: %q", msg)
	}
	if entry := env.auditLog.last(t); entry.Decision != audit.DecisionError {
		t.Errorf("audit decision = %q", entry.Decision)
	}
}

func TestExecuteFilteredResponse(t *testing.T) {
	doc := policy.Document{Provider: policy.ProviderGmail, Gmail: &policy.GmailPolicy{
		CanRead: true,
		Senders: policy.AddressFilter{Mode: policy.ListModeAllowlist, Addresses: []string{"boss@corp.io"}},
	}}
	env := newTestEnv(doc)
	env.executor.responses["list_messages"] = json.RawMessage(
		`{"messages":[{"id":"m1","from":"boss@corp.io"},{"id":"m2","from":"spam@evil.net"}]}`)

	rec := doExecute(t, env, "gmail", terminalToken(t), `{"action":"list_messages"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	var resp executeResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Filtered || resp.Decision != "filtered" {
		t.Errorf("resp decision = %q filtered = %v", resp.Decision, resp.Filtered)
	}
	var data map[string][]map[string]any
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if len(data["messages"]) != 1 || data["messages"][0]["id"] != "m1" {
		t.Errorf("filtered data = %+v", data)
	}
	if entry := env.auditLog.last(t); entry.Decision != audit.DecisionFiltered {
		t.Errorf("audit decision = %q", entry.Decision)
	}
}

func TestExecuteDrivePrecheckDenies(t *testing.T) {
	doc := policy.Document{Provider: policy.ProviderDrive, Drive: &policy.DrivePolicy{
		CanRead: true, CanDownload: true,
		Folders: policy.FolderFilter{Mode: policy.ListModeAllowlist, FolderIDs: []string{"work"}},
	}}
	env := newTestEnv(doc)
	env.executor.responses["get_file"] = json.RawMessage(`{"id":"f1","name":"salary.xlsx","parents":["personal"]}`)

	rec := doExecute(t, env, "drive", terminalToken(t), `{"action":"download_file","args":{"file_id":"f1"}}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	if code, _ := decodeError(t, rec); code != "FILTERED" {
		t.Errorf("code = %q", code)
	}
	// The metadata fetch ran; the download itself never did.
	if len(env.executor.calls) != 1 || env.executor.calls[0] != "get_file" {
		t.Errorf("executor calls = %v", env.executor.calls)
	}
}

func TestExecuteDrivePrecheckPasses(t *testing.T) {
	doc := policy.Document{Provider: policy.ProviderDrive, Drive: &policy.DrivePolicy{
		CanRead: true, CanDownload: true,
		Folders: policy.FolderFilter{Mode: policy.ListModeAllowlist, FolderIDs: []string{"work"}},
	}}
	env := newTestEnv(doc)
	env.executor.responses["get_file"] = json.RawMessage(`{"id":"f1","name":"notes.txt","parents":["work"]}`)
	env.executor.responses["download_file"] = json.RawMessage(`{"content":"aGk="}`)

	rec := doExecute(t, env, "drive", terminalToken(t), `{"action":"download_file","args":{"file_id":"f1"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	if len(env.executor.calls) != 2 || env.executor.calls[1] != "download_file" {
		t.Errorf("executor calls = %v", env.executor.calls)
	}
}

func TestExecuteDriveGetFileOutsideFolderRedacted(t *testing.T) {
	doc := policy.Document{Provider: policy.ProviderDrive, Drive: &policy.DrivePolicy{
		CanRead: true,
		Folders: policy.FolderFilter{Mode: policy.ListModeAllowlist, FolderIDs: []string{"work"}},
	}}
	env := newTestEnv(doc)
	env.executor.responses["get_file"] = json.RawMessage(`{"id":"f9","name":"salary.xlsx","parents":["personal"]}`)

	rec := doExecute(t, env, "drive", terminalToken(t), `{"action":"get_file","args":{"file_id":"f9"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	var resp executeResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Filtered || resp.Decision != "filtered" {
		t.Errorf("resp decision = %q filtered = %v", resp.Decision, resp.Filtered)
	}
	if s := strings.TrimSpace(string(resp.Data)); s != "null" && s != "" {
		t.Errorf("out-of-folder metadata leaked: %s", resp.Data)
	}
	if entry := env.auditLog.last(t); entry.Decision != audit.DecisionFiltered {
		t.Errorf("audit decision = %q", entry.Decision)
	}
}

func TestExecuteHighRiskNeedsConfirmation(t *testing.T) {
	doc := policy.Document{Provider: policy.ProviderGmail, Gmail: &policy.GmailPolicy{CanRead: true, CanSend: true}}
	env := newTestEnv(doc)

	rec := doExecute(t, env, "gmail", terminalToken(t), `{"action":"send_message","args":{"to":"a@b.com"}}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("unconfirmed send status = %d", rec.Code)
	}

	env.policies.confirmed = map[policy.Capability]bool{policy.CapGmailSend: true}
	rec = doExecute(t, env, "gmail", terminalToken(t), `{"action":"send_message","args":{"to":"a@b.com"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("confirmed send status = %d body %s", rec.Code, rec.Body.String())
	}
}

func TestExecutePolicyCached(t *testing.T) {
	env := newTestEnv(gmailReadDoc())
	for i := 0; i < 3; i++ {
		rec := doExecute(t, env, "gmail", terminalToken(t), `{"action":"list_messages"}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("call %d status = %d", i, rec.Code)
		}
	}
	if env.policies.activeCalls != 1 {
		t.Errorf("store hit %d times, want 1 (cache)", env.policies.activeCalls)
	}
}

func TestListIntegrations(t *testing.T) {
	env := newTestEnv(gmailReadDoc())
	req := httptest.NewRequest(http.MethodGet, "/v1/integrations", nil)
	req.Header.Set("Authorization", "Bearer "+terminalToken(t))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string][]map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body["integrations"]) != 1 || body["integrations"][0]["provider"] != "gmail" {
		t.Errorf("body = %+v", body)
	}
	if _, leaked := body["integrations"][0]["activePolicyId"]; leaked {
		t.Error("policy internals leaked to terminal listing")
	}
}

func adminRequest(t *testing.T, env *testEnv, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func TestAdminAttach(t *testing.T) {
	env := newTestEnv(gmailReadDoc())
	body := `{
		"terminalId":"term-2","itemId":"item-2","dashboardId":"dash-1","userId":"user-1",
		"provider":"slack",
		"document":{"provider":"slack","slack":{"canRead":true}}
	}`
	rec := adminRequest(t, env, http.MethodPost, "/admin/integrations", adminToken(t, "policyadmin"), body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}

	// Viewer role cannot attach.
	rec = adminRequest(t, env, http.MethodPost, "/admin/integrations", adminToken(t, "viewer"), body)
	if rec.Code != http.StatusForbidden {
		t.Errorf("viewer attach status = %d", rec.Code)
	}

	// No token at all.
	rec = adminRequest(t, env, http.MethodPost, "/admin/integrations", "", body)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("anonymous attach status = %d", rec.Code)
	}
}

func TestAdminAttachConflict(t *testing.T) {
	env := newTestEnv(gmailReadDoc())
	env.policies.attachErr = policy.ErrAlreadyAttached
	body := `{"terminalId":"term-1","dashboardId":"dash-1","userId":"user-1","provider":"gmail",
		"document":{"provider":"gmail","gmail":{"canRead":true}}}`
	rec := adminRequest(t, env, http.MethodPost, "/admin/integrations", adminToken(t, "admin"), body)
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestAdminUpdatePolicyInvalidatesCache(t *testing.T) {
	env := newTestEnv(gmailReadDoc())

	// Prime the policy cache through an execute.
	if rec := doExecute(t, env, "gmail", terminalToken(t), `{"action":"list_messages"}`); rec.Code != http.StatusOK {
		t.Fatalf("prime status = %d", rec.Code)
	}

	update := `{"document":{"provider":"gmail","gmail":{"canSearch":true}}}`
	rec := adminRequest(t, env, http.MethodPut, "/admin/integrations/int-1/policy", adminToken(t, "policyadmin"), update)
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d body %s", rec.Code, rec.Body.String())
	}
	if env.policies.lastUpdateBy != "ops@corp" {
		t.Errorf("createdBy = %q", env.policies.lastUpdateBy)
	}

	// CanRead was dropped by the update; the next execute must see it.
	rec = doExecute(t, env, "gmail", terminalToken(t), `{"action":"list_messages"}`)
	if rec.Code != http.StatusForbidden {
		t.Errorf("post-update execute status = %d, want 403", rec.Code)
	}
}

func TestAdminConfirmations(t *testing.T) {
	env := newTestEnv(gmailReadDoc())

	rec := adminRequest(t, env, http.MethodPost, "/admin/integrations/int-1/confirmations",
		adminToken(t, "policyadmin"), `{"capability":"gmail.send"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("confirm status = %d body %s", rec.Code, rec.Body.String())
	}

	// Only high-risk capabilities can be confirmed.
	rec = adminRequest(t, env, http.MethodPost, "/admin/integrations/int-1/confirmations",
		adminToken(t, "policyadmin"), `{"capability":"gmail.read"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("low-risk confirm status = %d", rec.Code)
	}

	rec = adminRequest(t, env, http.MethodGet, "/admin/integrations/int-1/confirmations", adminToken(t, "viewer"), "")
	if rec.Code != http.StatusOK {
		t.Errorf("list confirmations status = %d", rec.Code)
	}
}

func TestAdminAuditEndpoints(t *testing.T) {
	env := newTestEnv(gmailReadDoc())
	doExecute(t, env, "gmail", terminalToken(t), `{"action":"list_messages"}`)

	rec := adminRequest(t, env, http.MethodGet, "/admin/audit?decision=allowed", adminToken(t, "auditor"), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var body map[string][]audit.Entry
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body["entries"]) != 1 {
		t.Fatalf("entries = %d", len(body["entries"]))
	}

	rec = adminRequest(t, env, http.MethodGet, "/admin/audit/audit-1", adminToken(t, "auditor"), "")
	if rec.Code != http.StatusOK {
		t.Errorf("get status = %d", rec.Code)
	}
	rec = adminRequest(t, env, http.MethodGet, "/admin/audit/missing", adminToken(t, "auditor"), "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing entry status = %d", rec.Code)
	}
}

func TestAdminDetach(t *testing.T) {
	env := newTestEnv(gmailReadDoc())
	rec := adminRequest(t, env, http.MethodDelete, "/admin/terminals/term-1/integrations/gmail", adminToken(t, "admin"), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	if env.policies.detachedTerminal != "term-1" {
		t.Error("detach not recorded")
	}
	rec = adminRequest(t, env, http.MethodDelete, "/admin/terminals/term-9/integrations/gmail", adminToken(t, "admin"), "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown terminal status = %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(gmailReadDoc())
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
