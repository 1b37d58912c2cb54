// Package vmproxy is the backend's surface towards a running bot VM: health
// probing over the private network and a reverse proxy that embeds the VM's
// control UI into the dashboard, including a WebSocket bridge.
package vmproxy

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// DefaultAgentPort is the management port the agent listens on inside the
// private network.
const DefaultAgentPort = 18789

// healthCheckTimeout bounds a single probe.
const healthCheckTimeout = 5 * time.Second

// HealthState classifies a probe outcome.
type HealthState string

const (
	StateHealthy     HealthState = "healthy"
	StateUnhealthy   HealthState = "unhealthy"
	StateUnreachable HealthState = "unreachable"
)

// Status is the result of one health probe. Probes never fail with an
// error; connection problems surface as StateUnreachable.
type Status struct {
	State     HealthState `json:"state"`
	Uptime    float64     `json:"uptime,omitempty"`
	CheckedAt time.Time   `json:"checkedAt"`
}

// Checker probes agent health endpoints.
type Checker struct {
	port   int
	client *http.Client
	log    *slog.Logger
}

// NewChecker creates a health checker. port zero selects the default agent
// port.
func NewChecker(port int, log *slog.Logger) *Checker {
	if port == 0 {
		port = DefaultAgentPort
	}
	return &Checker{
		port:   port,
		client: &http.Client{Timeout: healthCheckTimeout},
		log:    log,
	}
}

// CheckHealth probes the agent's plain-HTTP health endpoint on its private
// IP.
func (c *Checker) CheckHealth(ctx context.Context, privateIP string) *Status {
	url := fmt.Sprintf("http://%s:%d/health", privateIP, c.port)
	return c.probe(ctx, c.client, url)
}

// CheckHealthMTLS probes the agent over TLS, authenticating with the bot's
// own client certificate.
func (c *Checker) CheckHealthMTLS(ctx context.Context, privateIP string, clientCertPEM, clientKeyPEM, caPEM []byte) *Status {
	now := time.Now()

	cert, err := tls.X509KeyPair(clientCertPEM, clientKeyPEM)
	if err != nil {
		c.log.Error("Invalid client certificate for health probe", "err", err)
		return &Status{State: StateUnreachable, CheckedAt: now}
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		c.log.Error("Invalid CA certificate for health probe")
		return &Status{State: StateUnreachable, CheckedAt: now}
	}

	client := &http.Client{
		Timeout: healthCheckTimeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				Certificates: []tls.Certificate{cert},
				RootCAs:      pool,
				MinVersion:   tls.VersionTLS12,
			},
		},
	}
	url := fmt.Sprintf("https://%s:%d/health", privateIP, c.port)
	return c.probe(ctx, client, url)
}

func (c *Checker) probe(ctx context.Context, client *http.Client, url string) *Status {
	status := &Status{CheckedAt: time.Now()}

	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		status.State = StateUnreachable
		return status
	}

	resp, err := client.Do(req)
	if err != nil {
		c.log.Debug("Health probe unreachable", "url", url, "err", err)
		status.State = StateUnreachable
		return status
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		status.State = StateUnhealthy
		return status
	}

	status.State = StateHealthy
	var body struct {
		Uptime float64 `json:"uptime"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
		status.Uptime = body.Uptime
	}
	return status
}
