// Package provider relays approved actions to upstream service APIs. The
// gateway injects the bearer token here; it never reaches the calling
// terminal.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"conduit/pkg/httpx"
	"conduit/pkg/policy"
)

// Executor performs one provider action and returns the raw provider payload.
type Executor interface {
	Execute(ctx context.Context, action string, args map[string]any, accessToken string) (json.RawMessage, error)
}

// APIError is a non-2xx answer from the upstream provider.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider api status %d: %s", e.Status, e.Body)
}

type executeRequest struct {
	Action string         `json:"action"`
	Args   map[string]any `json:"args"`
}

// HTTPExecutor posts actions to a provider relay endpoint. One instance per
// provider, each with its own base URL.
type HTTPExecutor struct {
	BaseURL    string
	Client     *http.Client
	Retries    int
	RetryDelay time.Duration
}

func NewHTTPExecutor(baseURL string, timeout time.Duration) *HTTPExecutor {
	return &HTTPExecutor{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Client:     &http.Client{Timeout: timeout},
		Retries:    1,
		RetryDelay: 200 * time.Millisecond,
	}
}

func (e *HTTPExecutor) Execute(ctx context.Context, action string, args map[string]any, accessToken string) (json.RawMessage, error) {
	body, err := json.Marshal(executeRequest{Action: action, Args: args})
	if err != nil {
		return nil, fmt.Errorf("marshal execute request: %w", err)
	}
	headers := map[string]string{}
	if accessToken != "" {
		headers["Authorization"] = "Bearer " + accessToken
	}
	status, respBody, err := httpx.DoJSON(ctx, e.Client, httpx.Request{
		Method:     http.MethodPost,
		URL:        e.BaseURL + "/execute",
		Body:       body,
		Headers:    headers,
		Retries:    e.Retries,
		RetryDelay: e.RetryDelay,
	})
	if err != nil {
		return nil, fmt.Errorf("provider request: %w", err)
	}
	if status < 200 || status > 299 {
		msg := string(respBody)
		if len(msg) > 512 {
			msg = msg[:512]
		}
		return nil, &APIError{Status: status, Body: msg}
	}
	if len(respBody) == 0 {
		respBody = []byte("{}")
	}
	return json.RawMessage(respBody), nil
}

// Registry maps providers to their executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[policy.Provider]Executor
}

func NewRegistry() *Registry {
	return &Registry{executors: make(map[policy.Provider]Executor)}
}

func (r *Registry) Register(p policy.Provider, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[p] = e
}

func (r *Registry) Get(p policy.Provider) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[p]
	if !ok {
		return nil, fmt.Errorf("no executor registered for provider %s", p)
	}
	return e, nil
}
