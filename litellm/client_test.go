package litellm

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCreateKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/key/generate", r.URL.Path)
		assert.Equal(t, "Bearer admin-secret", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "bot-42", body["key_alias"])
		assert.Equal(t, []any{"claude-sonnet-4"}, body["models"])

		json.NewEncoder(w).Encode(map[string]string{"key": "sk-virtual-123"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "admin-secret", testLogger())
	require.True(t, client.Enabled())

	cred, err := client.CreateKey(context.Background(), "42", "claude-sonnet-4")
	require.NoError(t, err)
	assert.Equal(t, "sk-virtual-123", cred.Key)
	assert.Equal(t, srv.URL, cred.BaseURL)
}

func TestCreateKeyEmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "admin-secret", testLogger())
	_, err := client.CreateKey(context.Background(), "42", "")
	assert.Error(t, err)
}

func TestDeleteKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/key/delete", r.URL.Path)
		var body struct {
			Keys []string `json:"keys"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []string{"sk-virtual-123"}, body.Keys)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "admin-secret", testLogger())
	require.NoError(t, client.DeleteKey(context.Background(), "sk-virtual-123"))
}

func TestDisabledClient(t *testing.T) {
	assert.False(t, NewClient("", "", testLogger()).Enabled())
	var nilClient *Client
	assert.False(t, nilClient.Enabled())
}
