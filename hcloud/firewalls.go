package hcloud

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// Firewall is a provider firewall.
type Firewall struct {
	ID    int64          `json:"id"`
	Name  string         `json:"name"`
	Rules []FirewallRule `json:"rules"`
}

// FirewallRule is one inbound or outbound rule.
type FirewallRule struct {
	Direction string   `json:"direction"`
	Protocol  string   `json:"protocol"`
	Port      string   `json:"port,omitempty"`
	SourceIPs []string `json:"source_ips,omitempty"`
	DestIPs   []string `json:"destination_ips,omitempty"`
}

// CreateFirewall creates a firewall with the given rule set.
func (c *Client) CreateFirewall(ctx context.Context, name string, rules []FirewallRule) (*Firewall, error) {
	body := struct {
		Name  string         `json:"name"`
		Rules []FirewallRule `json:"rules"`
	}{Name: name, Rules: rules}

	var result struct {
		Firewall *Firewall `json:"firewall"`
	}
	if err := c.do(ctx, http.MethodPost, "/firewalls", body, &result); err != nil {
		return nil, fmt.Errorf("create firewall %q: %w", name, err)
	}
	return result.Firewall, nil
}

// GetFirewallByName returns the firewall with the given name, or nil when
// none exists.
func (c *Client) GetFirewallByName(ctx context.Context, name string) (*Firewall, error) {
	var result struct {
		Firewalls []Firewall `json:"firewalls"`
	}
	path := "/firewalls?name=" + url.QueryEscape(name)
	if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, fmt.Errorf("get firewall %q: %w", name, err)
	}
	if len(result.Firewalls) == 0 {
		return nil, nil
	}
	return &result.Firewalls[0], nil
}

// DeleteFirewall removes a firewall.
func (c *Client) DeleteFirewall(ctx context.Context, id int64) error {
	if err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/firewalls/%d", id), nil, nil); err != nil {
		return fmt.Errorf("delete firewall %d: %w", id, err)
	}
	return nil
}

// ApplyFirewallToServer applies a firewall to one server. Returns the first
// of the provider's apply actions.
func (c *Client) ApplyFirewallToServer(ctx context.Context, firewallID, serverID int64) (*Action, error) {
	body := struct {
		ApplyTo []struct {
			Type   string `json:"type"`
			Server struct {
				ID int64 `json:"id"`
			} `json:"server"`
		} `json:"apply_to"`
	}{}
	entry := struct {
		Type   string `json:"type"`
		Server struct {
			ID int64 `json:"id"`
		} `json:"server"`
	}{Type: "server"}
	entry.Server.ID = serverID
	body.ApplyTo = append(body.ApplyTo, entry)

	var result struct {
		Actions []Action `json:"actions"`
	}
	path := fmt.Sprintf("/firewalls/%d/actions/apply_to_resources", firewallID)
	if err := c.do(ctx, http.MethodPost, path, body, &result); err != nil {
		return nil, fmt.Errorf("apply firewall %d to server %d: %w", firewallID, serverID, err)
	}
	if len(result.Actions) == 0 {
		return nil, nil
	}
	return &result.Actions[0], nil
}
