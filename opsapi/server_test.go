package opsapi

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/clawhost/provisioning-backend/ca"
	"github.com/clawhost/provisioning-backend/cryptoutils"
	"github.com/clawhost/provisioning-backend/hcloud"
	"github.com/clawhost/provisioning-backend/litellm"
	"github.com/clawhost/provisioning-backend/network"
	"github.com/clawhost/provisioning-backend/orchestrator"
	"github.com/clawhost/provisioning-backend/storage"
	"github.com/clawhost/provisioning-backend/vmproxy"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, mockStore *storage.MockStore, token string) *httptest.Server {
	t.Helper()

	box, err := cryptoutils.NewSecretBox([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	cloud := hcloud.NewClient("unused", "http://127.0.0.1:0", testLogger())
	topo := network.NewManager(cloud, mockStore, network.Config{}, testLogger())
	caSvc := ca.NewService(mockStore, box, testLogger())
	llm := litellm.NewClient("", "", testLogger())
	orch := orchestrator.New(mockStore, cloud, topo, caSvc, box, llm, orchestrator.Config{}, testLogger())

	checker := vmproxy.NewChecker(0, testLogger())
	proxy := vmproxy.NewProxy(mockStore, box, 0, testLogger())
	handler := NewHandler(mockStore, orch, checker, testLogger())

	srv := New(&ServerConfig{
		ListenAddr:               "127.0.0.1:0",
		Log:                      testLogger(),
		AuthToken:                token,
		DrainDuration:            time.Millisecond,
		GracefulShutdownDuration: time.Second,
	}, handler, proxy)

	ts := httptest.NewServer(srv.getRouter())
	t.Cleanup(ts.Close)
	return ts
}

func TestBearerAuthRequired(t *testing.T) {
	ts := newTestServer(t, new(storage.MockStore), "ops-secret")

	resp, err := http.Get(ts.URL + "/api/bots/b1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/bots/b1", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLivezIsUnauthenticated(t *testing.T) {
	ts := newTestServer(t, new(storage.MockStore), "ops-secret")

	resp, err := http.Get(ts.URL + "/livez")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestUIRootRequiresBearer(t *testing.T) {
	mockStore := new(storage.MockStore)
	mockStore.On("GetBot", mock.Anything, "b1").
		Return(&storage.BotInstance{ID: "b1", Status: storage.BotStopped}, nil).Maybe()

	ts := newTestServer(t, mockStore, "ops-secret")

	// The root document dispenses the gateway token; without the bearer
	// token it must never reach the proxy.
	resp, err := http.Get(ts.URL + "/api/bots/b1/ui")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/bots/b1/ui", nil)
	req.Header.Set("Authorization", "Bearer ops-secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	// Sub-resources stay reachable for browser tags; they carry no token.
	resp, err = http.Get(ts.URL + "/api/bots/b1/ui/static/app.js")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestGetBotHidesSecrets(t *testing.T) {
	mockStore := new(storage.MockStore)
	ip := "10.0.0.9"
	serverID := int64(100)
	mockStore.On("GetBot", mock.Anything, "b1").Return(&storage.BotInstance{
		ID: "b1", TenantID: "t1", Name: "tester", Status: storage.BotRunning,
		CloudServerID: &serverID, PrivateIP: &ip,
		ClientKeyEncrypted: "ciphertext-client-key",
	}, nil)

	ts := newTestServer(t, mockStore, "ops-secret")

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/bots/b1", nil)
	req.Header.Set("Authorization", "Bearer ops-secret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"running"`)
	assert.NotContains(t, string(body), "ciphertext-client-key")
}

func TestGetBotReportsProvisioningAsStarting(t *testing.T) {
	mockStore := new(storage.MockStore)
	mockStore.On("GetBot", mock.Anything, "b1").Return(&storage.BotInstance{
		ID: "b1", TenantID: "t1", Name: "tester", Status: storage.BotProvisioning,
	}, nil)

	ts := newTestServer(t, mockStore, "ops-secret")

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/bots/b1", nil)
	req.Header.Set("Authorization", "Bearer ops-secret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"starting"`)
}

func TestHealthUnknownBot(t *testing.T) {
	mockStore := new(storage.MockStore)
	mockStore.On("GetBot", mock.Anything, "ghost").Return(nil, storage.ErrNotFound)

	ts := newTestServer(t, mockStore, "ops-secret")

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/bots/ghost/health", nil)
	req.Header.Set("Authorization", "Bearer ops-secret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthWithoutVMReportsUnreachable(t *testing.T) {
	mockStore := new(storage.MockStore)
	mockStore.On("GetBot", mock.Anything, "b1").Return(&storage.BotInstance{ID: "b1", Status: storage.BotStopped}, nil)

	ts := newTestServer(t, mockStore, "ops-secret")

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/bots/b1/health", nil)
	req.Header.Set("Authorization", "Bearer ops-secret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status vmproxy.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, vmproxy.StateUnreachable, status.State)
}

func TestDeprovisionWithoutServerIsNoop(t *testing.T) {
	mockStore := new(storage.MockStore)
	mockStore.On("GetBot", mock.Anything, "b1").Return(&storage.BotInstance{ID: "b1", Status: storage.BotFailed}, nil)

	ts := newTestServer(t, mockStore, "ops-secret")

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/bots/b1/deprovision", nil)
	req.Header.Set("Authorization", "Bearer ops-secret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "stopped", out.Status)
}

func TestProvisionConflictOnWrongState(t *testing.T) {
	mockStore := new(storage.MockStore)
	mockStore.On("TransitionBotStatus", mock.Anything, "b1", storage.BotStarting, storage.BotProvisioning).
		Return(storage.ErrConflict)

	ts := newTestServer(t, mockStore, "ops-secret")

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/bots/b1/provision", nil)
	req.Header.Set("Authorization", "Bearer ops-secret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}
