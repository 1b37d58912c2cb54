package network

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/clawhost/provisioning-backend/cloudinit"
	"github.com/clawhost/provisioning-backend/hcloud"
	"github.com/clawhost/provisioning-backend/storage"
)

// gatewayName derives the deterministic name of the n-th gateway.
func gatewayName(n int) string {
	return fmt.Sprintf("gw-%d", n)
}

// gatewayIP derives the fixed private address of the n-th gateway.
func gatewayIP(n int) string {
	return fmt.Sprintf("10.0.%d.254", n-1)
}

// ActiveGateway returns the least-loaded active gateway with spare capacity,
// or nil when the pool is empty or full.
func (m *Manager) ActiveGateway(ctx context.Context) (*storage.NatGateway, error) {
	gateways, err := m.store.ActiveGateways(ctx)
	if err != nil {
		return nil, err
	}
	for i := range gateways {
		if gateways[i].BotCount < gateways[i].MaxBots {
			return &gateways[i], nil
		}
	}
	return nil, nil
}

// EnsureGateway returns an eligible gateway, provisioning a new one when the
// pool has no spare capacity. The new gateway's name and private address are
// derived from its position in the pool.
func (m *Manager) EnsureGateway(ctx context.Context) (*storage.NatGateway, error) {
	existing, err := m.ActiveGateway(ctx)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	return m.provisionGateway(ctx)
}

func (m *Manager) provisionGateway(ctx context.Context) (*storage.NatGateway, error) {
	total, err := m.store.CountGateways(ctx)
	if err != nil {
		return nil, err
	}
	n := int(total) + 1

	gw := &storage.NatGateway{
		ID:        uuid.NewString(),
		Name:      gatewayName(n),
		Index:     n,
		PrivateIP: gatewayIP(n),
		Status:    storage.GatewayProvisioning,
	}
	if m.cfg.GatewayMaxBots > 0 {
		gw.MaxBots = m.cfg.GatewayMaxBots
	}
	if err := m.store.CreateGateway(ctx, gw); err != nil {
		return nil, fmt.Errorf("create gateway record %s: %w", gw.Name, err)
	}

	m.log.Info("Provisioning NAT gateway", "name", gw.Name, "privateIP", gw.PrivateIP)
	if err := m.buildGatewayVM(ctx, gw); err != nil {
		gw.Status = storage.GatewayFailed
		if saveErr := m.store.SaveGateway(ctx, gw); saveErr != nil {
			m.log.Error("Failed to mark gateway failed", "name", gw.Name, "err", saveErr)
		}
		return nil, fmt.Errorf("provision gateway %s: %w", gw.Name, err)
	}

	gw.Status = storage.GatewayActive
	if err := m.store.SaveGateway(ctx, gw); err != nil {
		return nil, fmt.Errorf("activate gateway %s: %w", gw.Name, err)
	}
	m.log.Info("NAT gateway active", "name", gw.Name, "serverID", *gw.CloudServerID)
	return gw, nil
}

func (m *Manager) buildGatewayVM(ctx context.Context, gw *storage.NatGateway) error {
	infra, err := m.GetOrCreateInfrastructure(ctx)
	if err != nil {
		return err
	}

	created, err := m.cloud.CreateServer(ctx, hcloud.CreateServerOpts{
		Name:       gw.Name,
		ServerType: m.cfg.GatewayServerType,
		Image:      m.cfg.GatewayImage,
		Location:   m.cfg.Location,
		UserData:   cloudinit.GenerateNatGateway(NetworkCIDR),
		Labels:     map[string]string{"role": "nat-gateway", "managed-by": "clawhost"},
	})
	if err != nil {
		return err
	}
	serverID := created.Server.ID
	gw.CloudServerID = &serverID
	if created.Action != nil {
		if _, err := m.cloud.WaitForAction(ctx, created.Action.ID, m.cfg.ActionTimeout, m.cfg.PollInterval); err != nil {
			return err
		}
	}

	if _, err := m.AttachServer(ctx, serverID, AttachOpts{IP: gw.PrivateIP}); err != nil {
		return err
	}

	server, err := m.cloud.WaitForServerRunning(ctx, serverID, m.cfg.ActionTimeout, m.cfg.PollInterval)
	if err != nil {
		return err
	}
	if ip := server.PublicNet.IPv4.IP; ip != "" {
		gw.PublicIP = &ip
	}

	return m.ensureDefaultRoute(ctx, infra.Network.ID, gw.PrivateIP)
}

// ensureDefaultRoute injects 0.0.0.0/0 via the gateway into the shared
// network's routing table unless a default route already exists.
func (m *Manager) ensureDefaultRoute(ctx context.Context, networkID int64, gatewayIP string) error {
	detail, err := m.cloud.GetNetwork(ctx, networkID)
	if err != nil {
		return err
	}
	for _, route := range detail.Routes {
		if route.Destination == "0.0.0.0/0" {
			return nil
		}
	}

	action, err := m.cloud.AddRoute(ctx, networkID, hcloud.Route{Destination: "0.0.0.0/0", Gateway: gatewayIP})
	if err != nil {
		return err
	}
	if action != nil {
		if _, err := m.cloud.WaitForAction(ctx, action.ID, m.cfg.ActionTimeout, m.cfg.PollInterval); err != nil {
			return err
		}
	}
	return nil
}

// AttachBot accounts one more instance onto a gateway. Fails with
// storage.ErrConflict when the gateway is already at capacity.
func (m *Manager) AttachBot(ctx context.Context, gatewayID string) error {
	return m.store.IncrementGatewayBotCount(ctx, gatewayID)
}

// DetachBot releases one instance slot. Never goes below zero.
func (m *Manager) DetachBot(ctx context.Context, gatewayID string) error {
	return m.store.DecrementGatewayBotCount(ctx, gatewayID)
}
