package hcloud

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// Network is a provider private network.
type Network struct {
	ID      int64    `json:"id"`
	Name    string   `json:"name"`
	IPRange string   `json:"ip_range"`
	Subnets []Subnet `json:"subnets"`
}

// Subnet is one address range inside a private network.
type Subnet struct {
	Type        string `json:"type"`
	IPRange     string `json:"ip_range"`
	NetworkZone string `json:"network_zone"`
}

// Route is a static route inside a private network.
type Route struct {
	Destination string `json:"destination"`
	Gateway     string `json:"gateway"`
}

// CreateNetworkOpts describes a network creation request.
type CreateNetworkOpts struct {
	Name    string   `json:"name"`
	IPRange string   `json:"ip_range"`
	Subnets []Subnet `json:"subnets,omitempty"`
}

// CreateNetwork creates a private network with its subnets.
func (c *Client) CreateNetwork(ctx context.Context, opts CreateNetworkOpts) (*Network, error) {
	var result struct {
		Network *Network `json:"network"`
	}
	if err := c.do(ctx, http.MethodPost, "/networks", opts, &result); err != nil {
		return nil, fmt.Errorf("create network %q: %w", opts.Name, err)
	}
	return result.Network, nil
}

// GetNetworkByName returns the network with the given name, or nil when none
// exists.
func (c *Client) GetNetworkByName(ctx context.Context, name string) (*Network, error) {
	var result struct {
		Networks []Network `json:"networks"`
	}
	path := "/networks?name=" + url.QueryEscape(name)
	if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, fmt.Errorf("get network %q: %w", name, err)
	}
	if len(result.Networks) == 0 {
		return nil, nil
	}
	return &result.Networks[0], nil
}

// DeleteNetwork removes a network.
func (c *Client) DeleteNetwork(ctx context.Context, id int64) error {
	if err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/networks/%d", id), nil, nil); err != nil {
		return fmt.Errorf("delete network %d: %w", id, err)
	}
	return nil
}

// AttachServerToNetwork attaches a server to a private network. The returned
// action must reach a terminal state before the assigned IP is visible on the
// server.
func (c *Client) AttachServerToNetwork(ctx context.Context, serverID, networkID int64, ip string) (*Action, error) {
	body := struct {
		Network int64  `json:"network"`
		IP      string `json:"ip,omitempty"`
	}{Network: networkID, IP: ip}

	var result struct {
		Action *Action `json:"action"`
	}
	path := fmt.Sprintf("/servers/%d/actions/attach_to_network", serverID)
	if err := c.do(ctx, http.MethodPost, path, body, &result); err != nil {
		return nil, fmt.Errorf("attach server %d to network %d: %w", serverID, networkID, err)
	}
	return result.Action, nil
}

// DetachServerFromNetwork detaches a server from a private network.
func (c *Client) DetachServerFromNetwork(ctx context.Context, serverID, networkID int64) (*Action, error) {
	body := struct {
		Network int64 `json:"network"`
	}{Network: networkID}

	var result struct {
		Action *Action `json:"action"`
	}
	path := fmt.Sprintf("/servers/%d/actions/detach_from_network", serverID)
	if err := c.do(ctx, http.MethodPost, path, body, &result); err != nil {
		return nil, fmt.Errorf("detach server %d from network %d: %w", serverID, networkID, err)
	}
	return result.Action, nil
}

// AddRoute adds a static route to a network.
func (c *Client) AddRoute(ctx context.Context, networkID int64, route Route) (*Action, error) {
	var result struct {
		Action *Action `json:"action"`
	}
	path := fmt.Sprintf("/networks/%d/actions/add_route", networkID)
	if err := c.do(ctx, http.MethodPost, path, route, &result); err != nil {
		return nil, fmt.Errorf("add route %s via %s: %w", route.Destination, route.Gateway, err)
	}
	return result.Action, nil
}

// DeleteRoute removes a static route from a network.
func (c *Client) DeleteRoute(ctx context.Context, networkID int64, route Route) (*Action, error) {
	var result struct {
		Action *Action `json:"action"`
	}
	path := fmt.Sprintf("/networks/%d/actions/delete_route", networkID)
	if err := c.do(ctx, http.MethodPost, path, route, &result); err != nil {
		return nil, fmt.Errorf("delete route %s via %s: %w", route.Destination, route.Gateway, err)
	}
	return result.Action, nil
}

// GetNetwork fetches one network by id, including its routes.
func (c *Client) GetNetwork(ctx context.Context, id int64) (*NetworkDetail, error) {
	var result struct {
		Network *NetworkDetail `json:"network"`
	}
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/networks/%d", id), nil, &result); err != nil {
		return nil, fmt.Errorf("get network %d: %w", id, err)
	}
	return result.Network, nil
}

// NetworkDetail is a network with its configured routes.
type NetworkDetail struct {
	Network
	Routes []Route `json:"routes"`
}
