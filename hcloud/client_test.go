package hcloud

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient("test-token", srv.URL, testLogger())
}

func TestErrorEnvelopeDecoding(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, `{"error":{"code":"uniqueness_error","message":"name already used"}}`)
	}))

	_, err := client.CreateNetwork(context.Background(), CreateNetworkOpts{Name: "clawhost-net"})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "uniqueness_error", apiErr.Code)
	assert.Equal(t, http.StatusConflict, apiErr.HTTPStatus)
	assert.Contains(t, apiErr.Message, "name already used")
}

func TestErrorEnvelopeNonJSONBody(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, "upstream exploded")
	}))

	_, err := client.GetServer(context.Background(), 1)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "unknown", apiErr.Code)
	assert.Equal(t, http.StatusBadGateway, apiErr.HTTPStatus)
}

func TestWaitForActionSuccessAfterRunning(t *testing.T) {
	var polls atomic.Int64
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := ActionStatusRunning
		if polls.Add(1) >= 3 {
			status = ActionStatusSuccess
		}
		json.NewEncoder(w).Encode(map[string]any{
			"action": map[string]any{"id": 99, "command": "create_server", "status": status},
		})
	}))

	action, err := client.WaitForAction(context.Background(), 99, time.Second, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, ActionStatusSuccess, action.Status)
	assert.GreaterOrEqual(t, polls.Load(), int64(3))
}

func TestWaitForActionErrorStatus(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"action":{"id":5,"command":"attach_to_network","status":"error","error":{"code":"resource_unavailable","message":"server is locked"}}}`)
	}))

	_, err := client.WaitForAction(context.Background(), 5, time.Second, time.Millisecond)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "resource_unavailable", apiErr.Code)
	assert.Contains(t, apiErr.Message, "server is locked")
}

func TestWaitForActionTimeout(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"action":{"id":5,"command":"create_server","status":"running"}}`)
	}))

	_, err := client.WaitForAction(context.Background(), 5, 20*time.Millisecond, 5*time.Millisecond)
	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, 20*time.Millisecond, timeoutErr.Timeout)
}

func TestWaitForServerRunningSinglePowerOn(t *testing.T) {
	// The server reports off on several consecutive polls; exactly one
	// power-on request must be issued across the whole wait.
	var polls, powerOns atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("GET /servers/7", func(w http.ResponseWriter, r *http.Request) {
		status := ServerStatusOff
		if polls.Add(1) >= 4 {
			status = ServerStatusRunning
		}
		json.NewEncoder(w).Encode(map[string]any{
			"server": map[string]any{"id": 7, "status": status},
		})
	})
	mux.HandleFunc("POST /servers/7/actions/poweron", func(w http.ResponseWriter, r *http.Request) {
		powerOns.Add(1)
		fmt.Fprint(w, `{"action":{"id":1,"command":"start_server","status":"running"}}`)
	})
	client := newTestClient(t, mux)

	server, err := client.WaitForServerRunning(context.Background(), 7, time.Second, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, ServerStatusRunning, server.Status)
	assert.GreaterOrEqual(t, polls.Load(), int64(4))
	assert.Equal(t, int64(1), powerOns.Load())
}

func TestWaitForServerRunningUnknownIsFatal(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"server":{"id":7,"status":"unknown"}}`)
	}))

	_, err := client.WaitForServerRunning(context.Background(), 7, time.Second, time.Millisecond)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "server_unknown_status", apiErr.Code)
}

func TestEnsureSSHKeyDeduplicates(t *testing.T) {
	const existing = "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIHfake deploy@old-host"
	var creates atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ssh_keys", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"ssh_keys": []map[string]any{{"id": 11, "name": "clawhost-deploy", "public_key": existing}},
		})
	})
	mux.HandleFunc("POST /ssh_keys", func(w http.ResponseWriter, r *http.Request) {
		creates.Add(1)
		fmt.Fprint(w, `{"ssh_key":{"id":12,"name":"new-key","public_key":"ssh-ed25519 AAAAother"}}`)
	})
	client := newTestClient(t, mux)

	// Match by name.
	key, err := client.EnsureSSHKey(context.Background(), "clawhost-deploy", "ssh-ed25519 AAAAdifferent")
	require.NoError(t, err)
	assert.Equal(t, int64(11), key.ID)

	// Match by normalized key material despite a different comment.
	key, err = client.EnsureSSHKey(context.Background(), "other-name", "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIHfake deploy@new-host")
	require.NoError(t, err)
	assert.Equal(t, int64(11), key.ID)
	assert.Equal(t, int64(0), creates.Load())

	// No match creates.
	key, err = client.EnsureSSHKey(context.Background(), "new-key", "ssh-ed25519 AAAAother")
	require.NoError(t, err)
	assert.Equal(t, int64(12), key.ID)
	assert.Equal(t, int64(1), creates.Load())
}

func TestCreateServerOmitsEmptyPublicNet(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var decoded map[string]any
		require.NoError(t, json.Unmarshal(body, &decoded))
		assert.NotContains(t, decoded, "public_net")
		fmt.Fprint(w, `{"server":{"id":1,"status":"initializing"},"action":{"id":2,"status":"running"}}`)
	}))

	result, err := client.CreateServer(context.Background(), CreateServerOpts{
		Name: "bot-1", ServerType: "cx22", Image: "ubuntu-24.04",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Server.ID)
	require.NotNil(t, result.Action)
}
