// provider-mock is a stand-in relay for local development. It answers the
// relay wire contract for every provider with canned payloads so the gateway
// can be exercised end to end without real upstream accounts.
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"conduit/pkg/httpx"
	"conduit/pkg/telemetry"

	"github.com/go-chi/chi/v5"
)

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	listenFn        = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runProviderMock(initTelemetryFn, listenFn); err != nil {
		logFatalf("server error: %v", err)
	}
}

type relayRequest struct {
	Action string         `json:"action"`
	Args   map[string]any `json:"args"`
}

func handleExecute(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")
	var req relayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Action == "" {
		httpx.Error(w, http.StatusBadRequest, "action required")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, mockPayload(providerName, req))
}

// mockPayload fabricates a plausible response for the action. Identifiers
// from the request are echoed back so policy prechecks and response filters
// see consistent data.
func mockPayload(providerName string, req relayRequest) map[string]any {
	arg := func(key, def string) string {
		if v, ok := req.Args[key].(string); ok && v != "" {
			return v
		}
		return def
	}
	switch req.Action {
	case "list_messages", "search_messages":
		return map[string]any{"messages": []map[string]any{
			{"id": "msg-1", "from": "alice@example.com", "subject": "standup notes", "labels": []string{"INBOX"}},
			{"id": "msg-2", "from": "bob@example.com", "subject": "deploy window", "labels": []string{"INBOX"}},
		}}
	case "get_message":
		return map[string]any{"id": arg("message_id", "msg-1"), "from": "alice@example.com", "body": "hello from the mock relay"}
	case "send_message", "reply", "create_draft":
		return map[string]any{"id": "sent-1", "status": "sent", "to": req.Args["to"]}
	case "list_calendars":
		return map[string]any{"calendars": []map[string]any{
			{"id": "primary", "primary": true, "summary": "Main"},
			{"id": "team-cal", "summary": "Team"},
		}}
	case "list_events":
		return map[string]any{"events": []map[string]any{
			{"id": "evt-1", "summary": "planning", "start": time.Now().UTC().Format(time.RFC3339)},
		}}
	case "get_file":
		return map[string]any{
			"id":       arg("file_id", "file-1"),
			"name":     "report.pdf",
			"mimeType": "application/pdf",
			"parents":  []string{arg("folder_id", "folder-root")},
		}
	case "list_files", "search_files":
		return map[string]any{"files": []map[string]any{
			{"id": "file-1", "name": "report.pdf", "parents": []string{"folder-root"}},
		}}
	case "download_file":
		return map[string]any{"id": arg("file_id", "file-1"), "content": "bW9jayBjb250ZW50"}
	case "list_repos", "search_repos":
		return map[string]any{"repositories": []map[string]any{
			{"full_name": "acme/platform", "private": true},
			{"full_name": "acme/docs", "private": false},
		}}
	case "list_channels", "list_chats":
		return map[string]any{"channels": []map[string]any{
			{"id": "C001", "name": "general"},
			{"id": "C002", "name": "incidents"},
		}}
	case "read_messages":
		return map[string]any{"messages": []map[string]any{
			{"id": "1", "user": "U123", "text": "mock channel history"},
		}}
	case "navigate", "read_page", "get_content":
		return map[string]any{"url": arg("url", "https://example.com"), "title": "Example", "content": "mock page body"}
	}
	return map[string]any{"provider": providerName, "action": req.Action, "status": "ok", "echo": req.Args}
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func runProviderMock(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	shutdown, err := initTelemetry(context.Background(), "provider-mock")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	r := chi.NewRouter()
	r.Use(telemetry.HTTPMiddleware("provider-mock"))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "provider-mock"})
	})
	r.Post("/{provider}/execute", handleExecute)

	addr := env("ADDR", ":8085")
	log.Printf("provider-mock listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	return listen(server)
}
