package httpx

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

// Request describes one JSON exchange with a remote service.
type Request struct {
	Method     string
	URL        string
	Body       []byte
	Headers    map[string]string
	Retries    int
	RetryDelay time.Duration
}

// DoJSON performs the exchange. Transport errors and 5xx responses are
// retried with doubling backoff; the context bounds the waits between
// attempts. An exhausted 5xx comes back as its status with a nil error so
// the caller decides how to surface it.
func DoJSON(ctx context.Context, client *http.Client, r Request) (int, []byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	delay := r.RetryDelay
	for attempt := 0; ; attempt++ {
		status, body, err := doOnce(ctx, client, r)
		if err == nil && status < http.StatusInternalServerError {
			return status, body, nil
		}
		if attempt >= r.Retries {
			return status, body, err
		}
		if waitErr := wait(ctx, delay); waitErr != nil {
			return status, body, waitErr
		}
		delay *= 2
	}
}

func doOnce(ctx context.Context, client *http.Client, r Request) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL, bytes.NewReader(r.Body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if len(r.Body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

// wait sleeps for d unless the context ends first.
func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
