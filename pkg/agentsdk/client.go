// Package agentsdk is the client terminals embed to call the gateway. It
// holds the terminal token, never provider credentials.
package agentsdk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"conduit/pkg/httpx"
)

// Result is the gateway's answer to one execute call.
type Result struct {
	Allowed       bool            `json:"allowed"`
	Decision      string          `json:"decision"`
	Reason        string          `json:"reason,omitempty"`
	Filtered      bool            `json:"filtered,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	PolicyID      string          `json:"policyId,omitempty"`
	PolicyVersion int             `json:"policyVersion,omitempty"`
	Error         string          `json:"error,omitempty"`
	Code          string          `json:"code,omitempty"`
}

// Denial is returned as a Go error when the gateway refuses an action.
type Denial struct {
	Status  int
	Code    string
	Message string
}

func (d *Denial) Error() string {
	return fmt.Sprintf("gateway denied (%s): %s", d.Code, d.Message)
}

type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Retries    int
	RetryDelay time.Duration
}

func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Retries:    1,
		RetryDelay: 200 * time.Millisecond,
	}
}

type executeRequest struct {
	Action string         `json:"action"`
	Args   map[string]any `json:"args,omitempty"`
}

// Execute runs one provider action through the gateway. Policy denials, rate
// limits and auth failures come back as *Denial.
func (c *Client) Execute(ctx context.Context, provider, action string, args map[string]any) (Result, error) {
	body, err := json.Marshal(executeRequest{Action: action, Args: args})
	if err != nil {
		return Result{}, fmt.Errorf("marshal request: %w", err)
	}
	headers := map[string]string{"Authorization": "Bearer " + c.Token}
	status, respBody, err := httpx.DoJSON(ctx, c.HTTPClient, httpx.Request{
		Method:     http.MethodPost,
		URL:        c.BaseURL + "/gateway/" + provider + "/execute",
		Body:       body,
		Headers:    headers,
		Retries:    c.Retries,
		RetryDelay: c.RetryDelay,
	})
	if err != nil {
		return Result{}, fmt.Errorf("gateway request: %w", err)
	}
	var res Result
	if err := json.Unmarshal(respBody, &res); err != nil {
		return Result{}, fmt.Errorf("decode gateway response (status %d): %w", status, err)
	}
	if status != http.StatusOK {
		return res, &Denial{Status: status, Code: res.Code, Message: res.Error}
	}
	return res, nil
}

// Integration mirrors the gateway's attachment listing.
type Integration struct {
	ID           string `json:"id"`
	Provider     string `json:"provider"`
	AccountLabel string `json:"accountLabel,omitempty"`
	AccountEmail string `json:"accountEmail,omitempty"`
}

// ListIntegrations reports which providers this terminal may reach.
func (c *Client) ListIntegrations(ctx context.Context) ([]Integration, error) {
	headers := map[string]string{"Authorization": "Bearer " + c.Token}
	status, respBody, err := httpx.DoJSON(ctx, c.HTTPClient, httpx.Request{
		Method:     http.MethodGet,
		URL:        c.BaseURL + "/v1/integrations",
		Headers:    headers,
		Retries:    c.Retries,
		RetryDelay: c.RetryDelay,
	})
	if err != nil {
		return nil, fmt.Errorf("gateway request: %w", err)
	}
	if status != http.StatusOK {
		var res Result
		_ = json.Unmarshal(respBody, &res)
		return nil, &Denial{Status: status, Code: res.Code, Message: res.Error}
	}
	var out struct {
		Integrations []Integration `json:"integrations"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("decode integrations: %w", err)
	}
	return out.Integrations, nil
}
