package hcloud

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// SSHKey is a provider-registered public key.
type SSHKey struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	PublicKey string `json:"public_key"`
}

// CreateSSHKey registers a public key under the given name.
func (c *Client) CreateSSHKey(ctx context.Context, name, publicKey string) (*SSHKey, error) {
	body := struct {
		Name      string `json:"name"`
		PublicKey string `json:"public_key"`
	}{Name: name, PublicKey: publicKey}

	var result struct {
		SSHKey *SSHKey `json:"ssh_key"`
	}
	if err := c.do(ctx, http.MethodPost, "/ssh_keys", body, &result); err != nil {
		return nil, fmt.Errorf("create ssh key %q: %w", name, err)
	}
	return result.SSHKey, nil
}

// GetSSHKey fetches one key by id.
func (c *Client) GetSSHKey(ctx context.Context, id int64) (*SSHKey, error) {
	var result struct {
		SSHKey *SSHKey `json:"ssh_key"`
	}
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/ssh_keys/%d", id), nil, &result); err != nil {
		return nil, fmt.Errorf("get ssh key %d: %w", id, err)
	}
	return result.SSHKey, nil
}

// ListSSHKeys lists all registered keys.
func (c *Client) ListSSHKeys(ctx context.Context) ([]SSHKey, error) {
	var result struct {
		SSHKeys []SSHKey `json:"ssh_keys"`
	}
	if err := c.do(ctx, http.MethodGet, "/ssh_keys", nil, &result); err != nil {
		return nil, fmt.Errorf("list ssh keys: %w", err)
	}
	return result.SSHKeys, nil
}

// DeleteSSHKey removes a key.
func (c *Client) DeleteSSHKey(ctx context.Context, id int64) error {
	if err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/ssh_keys/%d", id), nil, nil); err != nil {
		return fmt.Errorf("delete ssh key %d: %w", id, err)
	}
	return nil
}

// EnsureSSHKey returns an existing key matching by name or by key material,
// creating one only when neither matches. Key material comparison ignores the
// trailing comment field so re-exported keys do not produce duplicates.
func (c *Client) EnsureSSHKey(ctx context.Context, name, publicKey string) (*SSHKey, error) {
	keys, err := c.ListSSHKeys(ctx)
	if err != nil {
		return nil, err
	}

	wanted := normalizePublicKey(publicKey)
	for i := range keys {
		if keys[i].Name == name || normalizePublicKey(keys[i].PublicKey) == wanted {
			return &keys[i], nil
		}
	}

	return c.CreateSSHKey(ctx, name, publicKey)
}

// normalizePublicKey reduces an authorized_keys line to "type base64data".
func normalizePublicKey(key string) string {
	fields := strings.Fields(strings.TrimSpace(key))
	if len(fields) >= 2 {
		return fields[0] + " " + fields[1]
	}
	return strings.TrimSpace(key)
}
