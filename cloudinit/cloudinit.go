// Package cloudinit renders the bootstrap documents baked into new VMs: the
// agent bootstrap for bot instances and the masquerade setup for NAT
// gateways. Rendering is pure; identical params yield identical documents.
package cloudinit

import (
	"fmt"
	"strings"
)

// AgentPort is the management port the agent exposes on its private IP.
const AgentPort = 18789

// DefaultAgentVersion is installed when the caller does not pin one.
const DefaultAgentVersion = "latest"

// Params carries everything embedded into a bot instance's bootstrap.
type Params struct {
	BotID   string
	BotName string

	// PrivateIP is informational; the agent binds all interfaces and the
	// firewall or NAT gateway constrains reachability.
	PrivateIP string

	ClientCert []byte
	ClientKey  []byte
	CACert     []byte

	GatewayToken string

	// NatGatewayIP, when set, installs a static default route via the
	// gateway instead of relying on a public interface.
	NatGatewayIP string

	// ConfigURL is the mTLS config endpoint the VM fetches its runtime
	// configuration from.
	ConfigURL string

	AgentVersion string
}

// escapePEM flattens a PEM block onto one line so it can travel through a
// single echo -e command inside a YAML scalar.
func escapePEM(pem []byte) string {
	return strings.ReplaceAll(strings.TrimRight(string(pem), "\n"), "\n", `\n`)
}

// GenerateWithCerts renders the #cloud-config document for a bot instance:
// certificate material, the config-fetch script, a health probe, and the
// agent systemd unit.
func GenerateWithCerts(p Params) string {
	version := p.AgentVersion
	if version == "" {
		version = DefaultAgentVersion
	}

	var b strings.Builder
	b.WriteString("#cloud-config\n")
	b.WriteString("package_update: true\n")
	b.WriteString("packages:\n")
	b.WriteString("  - curl\n")
	b.WriteString("  - ca-certificates\n")
	b.WriteString("  - jq\n")

	b.WriteString("write_files:\n")
	b.WriteString(fmt.Sprintf(`  - path: /usr/local/bin/fetch-config.sh
    permissions: '0755'
    content: |
      #!/bin/bash
      set -euo pipefail
      for i in $(seq 1 30); do
        if curl -sf \
            --cert /etc/clawhost/certs/client.crt \
            --key /etc/clawhost/certs/client.key \
            --cacert /etc/clawhost/certs/ca.crt \
            %s -o /etc/clawhost/config.json; then
          chmod 0600 /etc/clawhost/config.json
          exit 0
        fi
        sleep 5
      done
      echo "failed to fetch configuration" >&2
      exit 1
`, p.ConfigURL))
	b.WriteString(fmt.Sprintf(`  - path: /usr/local/bin/agent-health.sh
    permissions: '0755'
    content: |
      #!/bin/bash
      curl -sf http://127.0.0.1:%d/health >/dev/null
`, AgentPort))
	b.WriteString(fmt.Sprintf(`  - path: /etc/systemd/system/clawhost-agent.service
    permissions: '0644'
    content: |
      [Unit]
      Description=Clawhost agent (%s)
      After=network-online.target
      Wants=network-online.target

      [Service]
      Type=simple
      ExecStartPre=/usr/local/bin/fetch-config.sh
      ExecStart=/usr/local/bin/clawhost-agent --config /etc/clawhost/config.json --port %d
      Restart=always
      RestartSec=5
      ProtectSystem=full
      PrivateTmp=true
      NoNewPrivileges=true

      [Install]
      WantedBy=multi-user.target
`, p.BotName, AgentPort))
	if p.NatGatewayIP != "" {
		b.WriteString(fmt.Sprintf(`  - path: /etc/netplan/60-nat-default.yaml
    permissions: '0600'
    content: |
      network:
        version: 2
        ethernets:
          enp7s0:
            routes:
              - to: 0.0.0.0/0
                via: %s
`, p.NatGatewayIP))
	}

	b.WriteString("runcmd:\n")
	b.WriteString("  - mkdir -p /etc/clawhost/certs\n")
	b.WriteString(fmt.Sprintf("  - echo -e '%s' > /etc/clawhost/certs/client.crt\n", escapePEM(p.ClientCert)))
	b.WriteString(fmt.Sprintf("  - echo -e '%s' > /etc/clawhost/certs/client.key\n", escapePEM(p.ClientKey)))
	b.WriteString(fmt.Sprintf("  - echo -e '%s' > /etc/clawhost/certs/ca.crt\n", escapePEM(p.CACert)))
	b.WriteString("  - chmod 0600 /etc/clawhost/certs/client.key /etc/clawhost/certs/client.crt /etc/clawhost/certs/ca.crt\n")
	if p.NatGatewayIP != "" {
		b.WriteString(fmt.Sprintf("  - ip route replace default via %s\n", p.NatGatewayIP))
		b.WriteString("  - netplan apply || true\n")
	}
	b.WriteString(fmt.Sprintf("  - curl -fsSL https://get.clawhost.io/agent/%s/install.sh | bash\n", version))
	b.WriteString("  - systemctl daemon-reload\n")
	b.WriteString("  - systemctl enable --now clawhost-agent.service\n")

	b.WriteString(fmt.Sprintf("final_message: 'clawhost agent bootstrap complete for %s'\n", p.BotName))
	return b.String()
}

// GenerateNatGateway renders the bootstrap for a NAT gateway VM: enable IP
// forwarding and masquerade traffic arriving from the private range out the
// public interface.
func GenerateNatGateway(privateCIDR string) string {
	var b strings.Builder
	b.WriteString("#cloud-config\n")
	b.WriteString("package_update: true\n")
	b.WriteString("packages:\n")
	b.WriteString("  - iptables-persistent\n")
	b.WriteString("write_files:\n")
	b.WriteString(`  - path: /etc/sysctl.d/99-ip-forward.conf
    permissions: '0644'
    content: |
      net.ipv4.ip_forward=1
`)
	b.WriteString("runcmd:\n")
	b.WriteString("  - sysctl -p /etc/sysctl.d/99-ip-forward.conf\n")
	b.WriteString(fmt.Sprintf("  - iptables -t nat -A POSTROUTING -s %s -o eth0 -j MASQUERADE\n", privateCIDR))
	b.WriteString("  - iptables -A FORWARD -i eth0 -o enp7s0 -m state --state RELATED,ESTABLISHED -j ACCEPT\n")
	b.WriteString(fmt.Sprintf("  - iptables -A FORWARD -i enp7s0 -o eth0 -s %s -j ACCEPT\n", privateCIDR))
	b.WriteString("  - netfilter-persistent save\n")
	b.WriteString("final_message: 'NAT gateway ready'\n")
	return b.String()
}
