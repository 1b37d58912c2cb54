package hcloud

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// Server lifecycle statuses reported by the provider.
const (
	ServerStatusRunning      = "running"
	ServerStatusInitializing = "initializing"
	ServerStatusStarting     = "starting"
	ServerStatusOff          = "off"
	ServerStatusUnknown      = "unknown"
)

// Server is a provider VM.
type Server struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`

	PublicNet struct {
		IPv4 struct {
			IP string `json:"ip"`
		} `json:"ipv4"`
	} `json:"public_net"`

	PrivateNet []struct {
		Network int64  `json:"network"`
		IP      string `json:"ip"`
	} `json:"private_net"`

	Labels map[string]string `json:"labels"`
}

// PrivateIPOn returns the server's IP on the given network, or "".
func (s *Server) PrivateIPOn(networkID int64) string {
	for _, pn := range s.PrivateNet {
		if pn.Network == networkID {
			return pn.IP
		}
	}
	return ""
}

// CreateServerOpts describes a server creation request.
type CreateServerOpts struct {
	Name       string            `json:"name"`
	ServerType string            `json:"server_type"`
	Image      string            `json:"image"`
	Location   string            `json:"location,omitempty"`
	UserData   string            `json:"user_data,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
	SSHKeys    []int64           `json:"ssh_keys,omitempty"`

	// PublicNet disables the public interface when EnableIPv4/6 are false;
	// such a server must be attached to a private network before power-on.
	PublicNet *PublicNetOpts `json:"public_net,omitempty"`
}

// PublicNetOpts controls the public interface of a new server.
type PublicNetOpts struct {
	EnableIPv4 bool `json:"enable_ipv4"`
	EnableIPv6 bool `json:"enable_ipv6"`
}

// CreateServerResult is the provider's answer to a create request.
type CreateServerResult struct {
	Server *Server `json:"server"`
	Action *Action `json:"action"`
}

// CreateServer requests a new VM. The returned action must be polled to a
// terminal state before the server is usable.
func (c *Client) CreateServer(ctx context.Context, opts CreateServerOpts) (*CreateServerResult, error) {
	var result CreateServerResult
	if err := c.do(ctx, http.MethodPost, "/servers", opts, &result); err != nil {
		return nil, fmt.Errorf("create server %q: %w", opts.Name, err)
	}
	return &result, nil
}

// GetServer fetches one server by id.
func (c *Client) GetServer(ctx context.Context, id int64) (*Server, error) {
	var result struct {
		Server *Server `json:"server"`
	}
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/servers/%d", id), nil, &result); err != nil {
		return nil, fmt.Errorf("get server %d: %w", id, err)
	}
	return result.Server, nil
}

// DeleteServer removes a server. Returns the delete action.
func (c *Client) DeleteServer(ctx context.Context, id int64) (*Action, error) {
	var result struct {
		Action *Action `json:"action"`
	}
	if err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/servers/%d", id), nil, &result); err != nil {
		return nil, fmt.Errorf("delete server %d: %w", id, err)
	}
	return result.Action, nil
}

// ListServersByLabel lists servers matching a label selector.
func (c *Client) ListServersByLabel(ctx context.Context, selector string) ([]Server, error) {
	var result struct {
		Servers []Server `json:"servers"`
	}
	path := "/servers?label_selector=" + url.QueryEscape(selector)
	if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, fmt.Errorf("list servers by label %q: %w", selector, err)
	}
	return result.Servers, nil
}

func (c *Client) serverAction(ctx context.Context, id int64, verb string) (*Action, error) {
	var result struct {
		Action *Action `json:"action"`
	}
	path := fmt.Sprintf("/servers/%d/actions/%s", id, verb)
	if err := c.do(ctx, http.MethodPost, path, struct{}{}, &result); err != nil {
		return nil, fmt.Errorf("%s server %d: %w", verb, id, err)
	}
	return result.Action, nil
}

// PowerOnServer powers a server on.
func (c *Client) PowerOnServer(ctx context.Context, id int64) (*Action, error) {
	return c.serverAction(ctx, id, "poweron")
}

// PowerOffServer cuts power immediately.
func (c *Client) PowerOffServer(ctx context.Context, id int64) (*Action, error) {
	return c.serverAction(ctx, id, "poweroff")
}

// RebootServer performs a soft reboot.
func (c *Client) RebootServer(ctx context.Context, id int64) (*Action, error) {
	return c.serverAction(ctx, id, "reboot")
}
