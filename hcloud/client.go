// Package hcloud is a thin typed client for the cloud provider's REST API:
// servers, SSH keys, private networks, firewalls, and the asynchronous
// actions returned by every mutating call.
//
// The client performs no retries; retry policy belongs to the orchestrator.
// Provider failures surface as *APIError carrying the provider's error code
// and the HTTP status, and every bounded wait raises *TimeoutError past its
// deadline.
package hcloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// DefaultBaseURL is the production API endpoint. Tests point the client at
// an httptest server instead.
const DefaultBaseURL = "https://api.hetzner.cloud/v1"

// APIError is a provider-reported failure.
type APIError struct {
	// Code is the provider's machine-readable error code.
	Code string

	// Message is the provider's human-readable message.
	Message string

	// HTTPStatus is the status of the response that carried the error.
	HTTPStatus int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider error %s (http %d): %s", e.Code, e.HTTPStatus, e.Message)
}

// TimeoutError is raised when a polling operation exceeds its deadline.
type TimeoutError struct {
	// Op names the operation that timed out.
	Op string

	// Timeout is the deadline that was exceeded.
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Timeout)
}

// Client talks to the provider API with bearer-token authentication.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        *slog.Logger
}

// NewClient creates a provider client. An empty baseURL selects the
// production endpoint.
func NewClient(token, baseURL string, log *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: log,
	}
}

type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// do performs one API request and decodes the JSON response into out (which
// may be nil for calls whose body the caller ignores).
func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read provider response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var envelope apiErrorEnvelope
		if err := json.Unmarshal(respBody, &envelope); err != nil || envelope.Error.Code == "" {
			return &APIError{
				Code:       "unknown",
				Message:    string(respBody),
				HTTPStatus: resp.StatusCode,
			}
		}
		return &APIError{
			Code:       envelope.Error.Code,
			Message:    envelope.Error.Message,
			HTTPStatus: resp.StatusCode,
		}
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to decode provider response: %w", err)
		}
	}

	return nil
}
