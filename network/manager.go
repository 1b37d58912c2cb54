// Package network guarantees the shared private network and firewall exist,
// attaches servers to them, and allocates outbound internet access through a
// capacity-limited pool of NAT gateway VMs.
package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/clawhost/provisioning-backend/hcloud"
	"github.com/clawhost/provisioning-backend/storage"
)

// Fixed names of the shared multi-tenant resources.
const (
	NetworkName  = "clawhost-net"
	NetworkCIDR  = "10.0.0.0/16"
	FirewallName = "clawhost-fw"
)

// Config tunes the topology manager.
type Config struct {
	// NetworkZone is the provider zone the subnet lives in.
	NetworkZone string

	// Location for NAT gateway VMs.
	Location string

	// ManagementCIDR is allowed inbound SSH on the shared firewall.
	ManagementCIDR string

	// GatewayServerType and GatewayImage size new NAT gateway VMs.
	GatewayServerType string
	GatewayImage      string

	// GatewayMaxBots caps instances per gateway. Zero keeps the store
	// default.
	GatewayMaxBots int

	// ActionTimeout and PollInterval bound every provider action wait.
	ActionTimeout time.Duration
	PollInterval  time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.NetworkZone == "" {
		out.NetworkZone = "eu-central"
	}
	if out.ManagementCIDR == "" {
		out.ManagementCIDR = "0.0.0.0/0"
	}
	if out.GatewayServerType == "" {
		out.GatewayServerType = "cx22"
	}
	if out.GatewayImage == "" {
		out.GatewayImage = "ubuntu-24.04"
	}
	if out.ActionTimeout == 0 {
		out.ActionTimeout = 3 * time.Minute
	}
	if out.PollInterval == 0 {
		out.PollInterval = 2 * time.Second
	}
	return out
}

// Infrastructure is the shared network and firewall pair.
type Infrastructure struct {
	Network  *hcloud.Network
	Firewall *hcloud.Firewall
}

// AttachOpts controls server attachment.
type AttachOpts struct {
	// SkipFirewall leaves the shared firewall off the server, used when a
	// NAT gateway already constrains its traffic.
	SkipFirewall bool

	// IP requests a specific address inside the subnet. Empty lets the
	// provider pick.
	IP string
}

// Manager provisions and hands out shared network topology.
type Manager struct {
	cloud *hcloud.Client
	store storage.Store
	cfg   Config
	log   *slog.Logger
}

// NewManager creates a topology manager.
func NewManager(cloud *hcloud.Client, store storage.Store, cfg Config, log *slog.Logger) *Manager {
	return &Manager{cloud: cloud, store: store, cfg: cfg.withDefaults(), log: log}
}

// GetOrCreateInfrastructure returns the shared network and firewall,
// creating them on first use. Creation is first-writer-wins: a uniqueness
// conflict from a concurrent creator is resolved by re-fetching once.
func (m *Manager) GetOrCreateInfrastructure(ctx context.Context) (*Infrastructure, error) {
	network, err := m.getOrCreateNetwork(ctx)
	if err != nil {
		return nil, err
	}
	firewall, err := m.getOrCreateFirewall(ctx)
	if err != nil {
		return nil, err
	}
	return &Infrastructure{Network: network, Firewall: firewall}, nil
}

func (m *Manager) getOrCreateNetwork(ctx context.Context) (*hcloud.Network, error) {
	network, err := m.cloud.GetNetworkByName(ctx, NetworkName)
	if err != nil {
		return nil, err
	}
	if network != nil {
		return network, nil
	}

	m.log.Info("Creating shared private network", "name", NetworkName, "cidr", NetworkCIDR)
	network, err = m.cloud.CreateNetwork(ctx, hcloud.CreateNetworkOpts{
		Name:    NetworkName,
		IPRange: NetworkCIDR,
		Subnets: []hcloud.Subnet{{
			Type:        "cloud",
			IPRange:     NetworkCIDR,
			NetworkZone: m.cfg.NetworkZone,
		}},
	})
	if isUniquenessConflict(err) {
		// Another process created it between our check and create.
		network, err = m.cloud.GetNetworkByName(ctx, NetworkName)
		if err == nil && network == nil {
			err = fmt.Errorf("network %s vanished after creation conflict", NetworkName)
		}
	}
	if err != nil {
		return nil, err
	}
	return network, nil
}

func (m *Manager) getOrCreateFirewall(ctx context.Context) (*hcloud.Firewall, error) {
	firewall, err := m.cloud.GetFirewallByName(ctx, FirewallName)
	if err != nil {
		return nil, err
	}
	if firewall != nil {
		return firewall, nil
	}

	m.log.Info("Creating shared firewall", "name", FirewallName)
	firewall, err = m.cloud.CreateFirewall(ctx, FirewallName, []hcloud.FirewallRule{
		{
			Direction: "in",
			Protocol:  "tcp",
			Port:      "22",
			SourceIPs: []string{m.cfg.ManagementCIDR},
		},
		{
			Direction: "in",
			Protocol:  "tcp",
			Port:      "any",
			SourceIPs: []string{NetworkCIDR},
		},
		{
			Direction: "in",
			Protocol:  "udp",
			Port:      "any",
			SourceIPs: []string{NetworkCIDR},
		},
	})
	if isUniquenessConflict(err) {
		firewall, err = m.cloud.GetFirewallByName(ctx, FirewallName)
		if err == nil && firewall == nil {
			err = fmt.Errorf("firewall %s vanished after creation conflict", FirewallName)
		}
	}
	if err != nil {
		return nil, err
	}
	return firewall, nil
}

func isUniquenessConflict(err error) bool {
	var apiErr *hcloud.APIError
	return errors.As(err, &apiErr) && apiErr.Code == "uniqueness_error"
}

// AttachServer attaches a server to the shared network, waits for the attach
// action to reach a terminal state, conditionally applies the shared
// firewall, and returns the server's private IP. A server created without a
// public interface must go through here before its running-wait.
func (m *Manager) AttachServer(ctx context.Context, serverID int64, opts AttachOpts) (string, error) {
	infra, err := m.GetOrCreateInfrastructure(ctx)
	if err != nil {
		return "", err
	}

	action, err := m.cloud.AttachServerToNetwork(ctx, serverID, infra.Network.ID, opts.IP)
	if err != nil {
		return "", err
	}
	if _, err := m.cloud.WaitForAction(ctx, action.ID, m.cfg.ActionTimeout, m.cfg.PollInterval); err != nil {
		return "", fmt.Errorf("network attach for server %d: %w", serverID, err)
	}

	if !opts.SkipFirewall {
		if _, err := m.cloud.ApplyFirewallToServer(ctx, infra.Firewall.ID, serverID); err != nil {
			return "", err
		}
	}

	server, err := m.cloud.GetServer(ctx, serverID)
	if err != nil {
		return "", err
	}
	privateIP := server.PrivateIPOn(infra.Network.ID)
	if privateIP == "" {
		return "", fmt.Errorf("server %d has no address on network %s after attach", serverID, NetworkName)
	}
	return privateIP, nil
}
