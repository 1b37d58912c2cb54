package network

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
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/clawhost/provisioning-backend/hcloud"
	"github.com/clawhost/provisioning-backend/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastConfig() Config {
	return Config{ActionTimeout: time.Second, PollInterval: time.Millisecond}
}

func newManager(t *testing.T, handler http.Handler, store storage.Store) *Manager {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cloud := hcloud.NewClient("token", srv.URL, testLogger())
	return NewManager(cloud, store, fastConfig(), testLogger())
}

func writeJSON(w http.ResponseWriter, v any) {
	json.NewEncoder(w).Encode(v)
}

func successAction(id int64) map[string]any {
	return map[string]any{"action": map[string]any{"id": id, "status": "success"}}
}

func TestGetOrCreateInfrastructureExisting(t *testing.T) {
	var creates atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("GET /networks", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"networks": []map[string]any{{"id": 1, "name": NetworkName, "ip_range": NetworkCIDR}}})
	})
	mux.HandleFunc("GET /firewalls", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"firewalls": []map[string]any{{"id": 2, "name": FirewallName}}})
	})
	mux.HandleFunc("POST /networks", func(w http.ResponseWriter, r *http.Request) { creates.Add(1) })
	mux.HandleFunc("POST /firewalls", func(w http.ResponseWriter, r *http.Request) { creates.Add(1) })

	m := newManager(t, mux, new(storage.MockStore))
	infra, err := m.GetOrCreateInfrastructure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), infra.Network.ID)
	assert.Equal(t, int64(2), infra.Firewall.ID)
	assert.Equal(t, int64(0), creates.Load())
}

func TestGetOrCreateInfrastructureCreates(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /networks", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"networks": []map[string]any{}})
	})
	mux.HandleFunc("POST /networks", func(w http.ResponseWriter, r *http.Request) {
		var opts hcloud.CreateNetworkOpts
		require.NoError(t, json.NewDecoder(r.Body).Decode(&opts))
		assert.Equal(t, NetworkName, opts.Name)
		assert.Equal(t, NetworkCIDR, opts.IPRange)
		require.Len(t, opts.Subnets, 1)
		assert.Equal(t, NetworkCIDR, opts.Subnets[0].IPRange)
		writeJSON(w, map[string]any{"network": map[string]any{"id": 10, "name": NetworkName}})
	})
	mux.HandleFunc("GET /firewalls", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"firewalls": []map[string]any{}})
	})
	mux.HandleFunc("POST /firewalls", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Name  string                `json:"name"`
			Rules []hcloud.FirewallRule `json:"rules"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, FirewallName, body.Name)
		assert.NotEmpty(t, body.Rules)
		writeJSON(w, map[string]any{"firewall": map[string]any{"id": 20, "name": FirewallName}})
	})

	m := newManager(t, mux, new(storage.MockStore))
	infra, err := m.GetOrCreateInfrastructure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(10), infra.Network.ID)
	assert.Equal(t, int64(20), infra.Firewall.ID)
}

func TestGetOrCreateInfrastructureConflictRefetch(t *testing.T) {
	// Simulate losing the create race: the list is empty on the first call,
	// create returns a uniqueness error, and the re-fetch finds the winner's
	// network.
	var listCalls atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("GET /networks", func(w http.ResponseWriter, r *http.Request) {
		if listCalls.Add(1) == 1 {
			writeJSON(w, map[string]any{"networks": []map[string]any{}})
			return
		}
		writeJSON(w, map[string]any{"networks": []map[string]any{{"id": 33, "name": NetworkName}}})
	})
	mux.HandleFunc("POST /networks", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, `{"error":{"code":"uniqueness_error","message":"name already used"}}`)
	})
	mux.HandleFunc("GET /firewalls", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"firewalls": []map[string]any{{"id": 2, "name": FirewallName}}})
	})

	m := newManager(t, mux, new(storage.MockStore))
	infra, err := m.GetOrCreateInfrastructure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(33), infra.Network.ID)
}

func TestAttachServer(t *testing.T) {
	var firewallApplies atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("GET /networks", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"networks": []map[string]any{{"id": 1, "name": NetworkName}}})
	})
	mux.HandleFunc("GET /firewalls", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"firewalls": []map[string]any{{"id": 2, "name": FirewallName}}})
	})
	mux.HandleFunc("POST /servers/7/actions/attach_to_network", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"action": map[string]any{"id": 40, "status": "running"}})
	})
	mux.HandleFunc("GET /actions/40", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, successAction(40))
	})
	mux.HandleFunc("POST /firewalls/2/actions/apply_to_resources", func(w http.ResponseWriter, r *http.Request) {
		firewallApplies.Add(1)
		writeJSON(w, map[string]any{"actions": []map[string]any{{"id": 41, "status": "success"}}})
	})
	mux.HandleFunc("GET /servers/7", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"server": map[string]any{
			"id": 7, "status": "running",
			"private_net": []map[string]any{{"network": 1, "ip": "10.0.0.5"}},
		}})
	})

	m := newManager(t, mux, new(storage.MockStore))

	ip, err := m.AttachServer(context.Background(), 7, AttachOpts{})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", ip)
	assert.Equal(t, int64(1), firewallApplies.Load())

	_, err = m.AttachServer(context.Background(), 7, AttachOpts{SkipFirewall: true})
	require.NoError(t, err)
	assert.Equal(t, int64(1), firewallApplies.Load())
}

func TestActiveGatewaySkipsFullGateways(t *testing.T) {
	mockStore := new(storage.MockStore)
	mockStore.On("ActiveGateways", mock.Anything).Return([]storage.NatGateway{
		{ID: "a", Name: "gw-1", BotCount: 100, MaxBots: 100},
		{ID: "b", Name: "gw-2", BotCount: 3, MaxBots: 100},
	}, nil)

	m := NewManager(nil, mockStore, fastConfig(), testLogger())
	gw, err := m.ActiveGateway(context.Background())
	require.NoError(t, err)
	require.NotNil(t, gw)
	assert.Equal(t, "gw-2", gw.Name)
}

func TestActiveGatewayNilWhenPoolFull(t *testing.T) {
	mockStore := new(storage.MockStore)
	mockStore.On("ActiveGateways", mock.Anything).Return([]storage.NatGateway{
		{ID: "a", Name: "gw-1", BotCount: 100, MaxBots: 100},
	}, nil)

	m := NewManager(nil, mockStore, fastConfig(), testLogger())
	gw, err := m.ActiveGateway(context.Background())
	require.NoError(t, err)
	assert.Nil(t, gw)
}

func TestEnsureGatewayProvisionsSecondWhenPoolFull(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /networks", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"networks": []map[string]any{{"id": 1, "name": NetworkName}}})
	})
	mux.HandleFunc("GET /networks/1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"network": map[string]any{
			"id": 1, "name": NetworkName,
			"routes": []map[string]any{{"destination": "0.0.0.0/0", "gateway": "10.0.0.254"}},
		}})
	})
	mux.HandleFunc("GET /firewalls", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"firewalls": []map[string]any{{"id": 2, "name": FirewallName}}})
	})
	mux.HandleFunc("POST /servers", func(w http.ResponseWriter, r *http.Request) {
		var opts hcloud.CreateServerOpts
		require.NoError(t, json.NewDecoder(r.Body).Decode(&opts))
		assert.Equal(t, "gw-2", opts.Name)
		assert.Contains(t, opts.UserData, "MASQUERADE")
		writeJSON(w, map[string]any{
			"server": map[string]any{"id": 70, "status": "initializing"},
			"action": map[string]any{"id": 50, "status": "success"},
		})
	})
	mux.HandleFunc("POST /servers/70/actions/attach_to_network", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			IP string `json:"ip"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "10.0.1.254", body.IP)
		writeJSON(w, map[string]any{"action": map[string]any{"id": 51, "status": "success"}})
	})
	mux.HandleFunc("POST /firewalls/2/actions/apply_to_resources", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"actions": []map[string]any{{"id": 52, "status": "success"}}})
	})
	mux.HandleFunc("GET /servers/70", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"server": map[string]any{
			"id": 70, "status": "running",
			"public_net":  map[string]any{"ipv4": map[string]any{"ip": "203.0.113.9"}},
			"private_net": []map[string]any{{"network": 1, "ip": "10.0.1.254"}},
		}})
	})
	mux.HandleFunc("GET /actions/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"action": map[string]any{"id": 0, "status": "success"}})
	})

	mockStore := new(storage.MockStore)
	mockStore.On("ActiveGateways", mock.Anything).Return([]storage.NatGateway{
		{ID: "a", Name: "gw-1", Status: storage.GatewayActive, BotCount: 100, MaxBots: 100},
	}, nil)
	mockStore.On("CountGateways", mock.Anything).Return(int64(1), nil)
	mockStore.On("CreateGateway", mock.Anything, mock.MatchedBy(func(gw *storage.NatGateway) bool {
		return gw.Name == "gw-2" && gw.Index == 2 && gw.PrivateIP == "10.0.1.254" &&
			gw.Status == storage.GatewayProvisioning
	})).Return(nil)
	mockStore.On("SaveGateway", mock.Anything, mock.MatchedBy(func(gw *storage.NatGateway) bool {
		return gw.Status == storage.GatewayActive
	})).Return(nil)

	m := newManager(t, mux, mockStore)
	gw, err := m.EnsureGateway(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "gw-2", gw.Name)
	require.NotNil(t, gw.CloudServerID)
	assert.Equal(t, int64(70), *gw.CloudServerID)
	require.NotNil(t, gw.PublicIP)
	assert.Equal(t, "203.0.113.9", *gw.PublicIP)
	mockStore.AssertExpectations(t)
}

func TestEnsureGatewayFailureMarksRecordFailed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /networks", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"networks": []map[string]any{{"id": 1, "name": NetworkName}}})
	})
	mux.HandleFunc("GET /firewalls", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"firewalls": []map[string]any{{"id": 2, "name": FirewallName}}})
	})
	mux.HandleFunc("POST /servers", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"code":"rate_limit_exceeded","message":"slow down"}}`)
	})

	mockStore := new(storage.MockStore)
	mockStore.On("ActiveGateways", mock.Anything).Return([]storage.NatGateway{}, nil)
	mockStore.On("CountGateways", mock.Anything).Return(int64(0), nil)
	mockStore.On("CreateGateway", mock.Anything, mock.Anything).Return(nil)
	mockStore.On("SaveGateway", mock.Anything, mock.MatchedBy(func(gw *storage.NatGateway) bool {
		return gw.Status == storage.GatewayFailed
	})).Return(nil)

	m := newManager(t, mux, mockStore)
	_, err := m.EnsureGateway(context.Background())
	require.Error(t, err)

	var apiErr *hcloud.APIError
	assert.ErrorAs(t, err, &apiErr)
	mockStore.AssertExpectations(t)
}
