package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"conduit/pkg/policy"
)

func TestHTTPExecutorForwardsActionAndToken(t *testing.T) {
	var gotAuth string
	var gotReq executeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotReq)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"messages":[{"id":"m1"}]}`))
	}))
	defer srv.Close()

	e := NewHTTPExecutor(srv.URL, 2*time.Second)
	raw, err := e.Execute(context.Background(), "list_messages", map[string]any{"label": "INBOX"}, "tok-123")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if gotAuth != "Bearer tok-123" {
		t.Fatalf("auth header = %q", gotAuth)
	}
	if gotReq.Action != "list_messages" || gotReq.Args["label"] != "INBOX" {
		t.Fatalf("relayed request = %+v", gotReq)
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
}

func TestHTTPExecutorTokenlessOmitsAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			t.Error("tokenless call must carry no Authorization header")
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	e := NewHTTPExecutor(srv.URL, time.Second)
	if _, err := e.Execute(context.Background(), "navigate", map[string]any{"url": "https://example.com"}, ""); err != nil {
		t.Fatalf("execute: %v", err)
	}
}

func TestHTTPExecutorUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"boom"}`, http.StatusBadGateway)
	}))
	defer srv.Close()

	e := NewHTTPExecutor(srv.URL, time.Second)
	e.Retries = 0
	_, err := e.Execute(context.Background(), "get_message", nil, "tok")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v", err)
	}
	if apiErr.Status != http.StatusBadGateway {
		t.Fatalf("status = %d", apiErr.Status)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	e := NewHTTPExecutor("http://127.0.0.1:1", time.Second)
	r.Register(policy.ProviderGmail, e)

	got, err := r.Get(policy.ProviderGmail)
	if err != nil || got != Executor(e) {
		t.Fatalf("get: %v", err)
	}
	if _, err := r.Get(policy.ProviderSlack); err == nil {
		t.Fatal("unregistered provider must error")
	}
}
