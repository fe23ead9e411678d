package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// maxResponseBytes bounds how much of a remote response is read.
const maxResponseBytes = 1 << 20

// StatusError is returned for a non-2xx response from a tool backend.
type StatusError struct {
	Service string
	Code    int
	Body    string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s returned status %d", e.Service, e.Code)
	}
	return fmt.Sprintf("%s returned status %d: %s", e.Service, e.Code, e.Body)
}

// getJSON issues a GET and decodes a JSON response into out.
func getJSON(ctx context.Context, c *http.Client, service, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build %s request: %w", service, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "pte-agent/1.0")
	return doJSON(c, service, req, out)
}

// postJSON issues a POST with a JSON body and decodes a JSON response into out.
func postJSON(ctx context.Context, c *http.Client, service, url string, headers map[string]string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", service, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", service, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return doJSON(c, service, req, out)
}

func doJSON(c *http.Client, service string, req *http.Request, out any) error {
	resp, err := c.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", service, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read %s response: %w", service, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Service: service, Code: resp.StatusCode, Body: truncate(string(bytes.TrimSpace(body)), 200)}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", service, err)
	}
	return nil
}
