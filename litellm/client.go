// Package litellm talks to an external LiteLLM proxy to mint and revoke
// per-bot virtual API keys. The orchestrator treats both directions as
// best-effort.
package litellm

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

// Credential is a proxy key scoped to one bot.
type Credential struct {
	Key     string
	BaseURL string
}

// Client is a minimal admin-API client for a LiteLLM deployment.
type Client struct {
	baseURL    string
	adminKey   string
	httpClient *http.Client
	log        *slog.Logger
}

// NewClient creates a proxy client. An empty baseURL disables the client;
// callers should check Enabled before use.
func NewClient(baseURL, adminKey string, log *slog.Logger) *Client {
	return &Client{
		baseURL:  baseURL,
		adminKey: adminKey,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		log: log,
	}
}

// Enabled reports whether a proxy endpoint is configured.
func (c *Client) Enabled() bool {
	return c != nil && c.baseURL != ""
}

// CreateKey mints a virtual key restricted to the given model, tagged with
// the bot id for later cleanup.
func (c *Client) CreateKey(ctx context.Context, botID, model string) (*Credential, error) {
	body := map[string]any{
		"key_alias": "bot-" + botID,
		"metadata":  map[string]string{"bot_id": botID},
	}
	if model != "" {
		body["models"] = []string{model}
	}

	var result struct {
		Key string `json:"key"`
	}
	if err := c.do(ctx, http.MethodPost, "/key/generate", body, &result); err != nil {
		return nil, fmt.Errorf("generate key for bot %s: %w", botID, err)
	}
	if result.Key == "" {
		return nil, fmt.Errorf("proxy returned empty key for bot %s", botID)
	}
	return &Credential{Key: result.Key, BaseURL: c.baseURL}, nil
}

// DeleteKey revokes a previously minted key.
func (c *Client) DeleteKey(ctx context.Context, key string) error {
	body := map[string]any{"keys": []string{key}}
	if err := c.do(ctx, http.MethodPost, "/key/delete", body, nil); err != nil {
		return fmt.Errorf("delete key: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.adminKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("proxy request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read proxy response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("proxy returned %d: %s", resp.StatusCode, respBody)
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to decode proxy response: %w", err)
		}
	}
	return nil
}
