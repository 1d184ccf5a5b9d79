package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"competition-coordinator/services"
)

// StatusError is a non-2xx response from a collaborator.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Code, e.Body)
}

func statusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

// restClient speaks JSON to one collaborator and classifies its failures:
// network errors, 429 and 5xx are transient, other non-2xx are permanent.
type restClient struct {
	service string
	baseURL string
	header  http.Header
	http    *http.Client
}

func newRESTClient(service, baseURL string, client *http.Client) *restClient {
	return &restClient{
		service: service,
		baseURL: strings.TrimRight(baseURL, "/"),
		header:  make(http.Header),
		http:    client,
	}
}

func (c *restClient) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return services.Validation(op, fmt.Errorf("encode request: %w", err))
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return services.Validation(op, err)
	}
	for k, v := range c.header {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return services.Transient(op, fmt.Errorf("%s: %w", c.service, err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return services.Transient(op, fmt.Errorf("%s: read response: %w", c.service, err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return services.Transient(op, fmt.Errorf("%s: %w", c.service, se))
		}
		return services.Permanent(op, fmt.Errorf("%s: %w", c.service, se))
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return services.Permanent(op, fmt.Errorf("%s: decode response: %w", c.service, err))
	}
	return nil
}
