// Package orchestrator drives the multi-step, partially-reversible
// provisioning and deprovisioning sequences for bot VMs. Each run executes
// within the triggering request; there is no background scheduler. Failures
// roll back the resources created by the failing run and transition the
// record to failed; errors never propagate as panics past this boundary.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/clawhost/provisioning-backend/ca"
	"github.com/clawhost/provisioning-backend/cloudinit"
	"github.com/clawhost/provisioning-backend/cryptoutils"
	"github.com/clawhost/provisioning-backend/hcloud"
	"github.com/clawhost/provisioning-backend/litellm"
	"github.com/clawhost/provisioning-backend/metrics"
	"github.com/clawhost/provisioning-backend/network"
	"github.com/clawhost/provisioning-backend/storage"
)

// ErrInvalidState is returned when a provisioning run is triggered for a bot
// that is not in the starting state.
var ErrInvalidState = errors.New("bot is not in a provisionable state")

// Config tunes provisioning runs.
type Config struct {
	// NATMode creates bot VMs without a public interface and routes their
	// egress through a NAT gateway.
	NATMode bool

	ServerType string
	Image      string
	Location   string

	// SSHKeyName and SSHPublicKey are registered with the provider once and
	// reused across VMs. Optional.
	SSHKeyName   string
	SSHPublicKey string

	// ConfigURL is baked into cloud-init; the VM fetches its runtime
	// configuration from it over mTLS.
	ConfigURL string

	AgentVersion string

	ActionTimeout  time.Duration
	RunningTimeout time.Duration
	PollInterval   time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.ServerType == "" {
		out.ServerType = "cx22"
	}
	if out.Image == "" {
		out.Image = "ubuntu-24.04"
	}
	if out.ActionTimeout == 0 {
		out.ActionTimeout = 3 * time.Minute
	}
	if out.RunningTimeout == 0 {
		out.RunningTimeout = 5 * time.Minute
	}
	if out.PollInterval == 0 {
		out.PollInterval = 3 * time.Second
	}
	return out
}

// Result is the terminal outcome of a provisioning run.
type Result struct {
	ServerID  int64
	PublicIP  string
	PrivateIP string
	Err       error
}

// Orchestrator coordinates the cloud client, topology manager, CA, and
// store through the provisioning state machine.
type Orchestrator struct {
	store storage.Store
	cloud *hcloud.Client
	topo  *network.Manager
	ca    *ca.Service
	box   *cryptoutils.SecretBox
	llm   *litellm.Client
	cfg   Config
	log   *slog.Logger
}

// New creates an orchestrator. llm may be a disabled client.
func New(store storage.Store, cloud *hcloud.Client, topo *network.Manager, caSvc *ca.Service, box *cryptoutils.SecretBox, llm *litellm.Client, cfg Config, log *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store: store,
		cloud: cloud,
		topo:  topo,
		ca:    caSvc,
		box:   box,
		llm:   llm,
		cfg:   cfg.withDefaults(),
		log:   log,
	}
}

// provisionRun tracks what a single run has created so rollback only touches
// resources owned by this run. The shared network, firewall, and gateway VMs
// are multi-tenant and never rolled back.
type provisionRun struct {
	bot *storage.BotInstance
	log *slog.Logger

	createdServerID int64
	createdLLMKey   string
	gatewayID       string
	incremented     bool
}

// Provision executes the full create sequence for the given bot. The bot
// must currently be in the starting state.
func (o *Orchestrator) Provision(ctx context.Context, botID string) *Result {
	result := o.provision(ctx, botID)
	if result.Err != nil {
		metrics.ProvisionFailure.Inc()
		var timeoutErr *hcloud.TimeoutError
		if errors.As(result.Err, &timeoutErr) {
			metrics.PollTimeouts.Inc()
		}
	} else {
		metrics.ProvisionSuccess.Inc()
	}
	return result
}

func (o *Orchestrator) provision(ctx context.Context, botID string) *Result {
	log := o.log.With("botID", botID)

	// Claim the row before doing any work. The conditional update only
	// matches a bot still in starting, so a duplicate trigger arriving while
	// this run is in flight sees provisioning and is rejected.
	if err := o.store.TransitionBotStatus(ctx, botID, storage.BotStarting, storage.BotProvisioning); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return &Result{Err: ErrInvalidState}
		}
		return &Result{Err: err}
	}

	bot, err := o.store.GetBot(ctx, botID)
	if err != nil {
		return &Result{Err: fmt.Errorf("load bot: %w", err)}
	}

	run := &provisionRun{bot: bot, log: log}

	server, err := o.runSteps(ctx, run)
	if err != nil {
		o.rollback(ctx, run, err)
		return &Result{ServerID: run.createdServerID, Err: err}
	}

	log.Info("Provisioning complete",
		"serverID", server.ID,
		"publicIP", server.PublicNet.IPv4.IP,
		"privateIP", ptrOr(bot.PrivateIP, ""),
	)
	return &Result{
		ServerID:  server.ID,
		PublicIP:  server.PublicNet.IPv4.IP,
		PrivateIP: ptrOr(bot.PrivateIP, ""),
	}
}

func (o *Orchestrator) runSteps(ctx context.Context, run *provisionRun) (*hcloud.Server, error) {
	bot := run.bot

	// NAT placement first so every later artifact can reference the
	// gateway's address.
	var gateway *storage.NatGateway
	if o.cfg.NATMode {
		gw, err := o.topo.EnsureGateway(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve NAT gateway: %w", err)
		}
		gateway = gw
		run.gatewayID = gw.ID
	}

	clientCert, clientKey, err := o.issueCertificate(ctx, bot)
	if err != nil {
		return nil, fmt.Errorf("issue client certificate: %w", err)
	}

	gatewayToken, err := o.ensureGatewayToken(bot)
	if err != nil {
		return nil, fmt.Errorf("prepare gateway token: %w", err)
	}

	// Best-effort: a missing proxy credential degrades the bot to raw API
	// keys, it does not fail the run.
	if o.llm.Enabled() && bot.LitellmKeyEncrypted == "" {
		if cred, err := o.llm.CreateKey(ctx, bot.ID, bot.AgentModel); err != nil {
			run.log.Warn("LiteLLM key creation failed, continuing without proxy credential", "err", err)
		} else {
			keyEnc, err := o.box.EncryptString(cred.Key)
			if err != nil {
				return nil, fmt.Errorf("encrypt proxy key: %w", err)
			}
			bot.LitellmKeyEncrypted = keyEnc
			bot.LitellmBaseURL = cred.BaseURL
			run.createdLLMKey = cred.Key
		}
	}

	var sshKeyIDs []int64
	if o.cfg.SSHKeyName != "" && o.cfg.SSHPublicKey != "" {
		key, err := o.cloud.EnsureSSHKey(ctx, o.cfg.SSHKeyName, o.cfg.SSHPublicKey)
		if err != nil {
			return nil, fmt.Errorf("ensure ssh key: %w", err)
		}
		sshKeyIDs = append(sshKeyIDs, key.ID)
	}

	activeCA, err := o.ca.GetActiveCA(ctx)
	if err != nil {
		return nil, fmt.Errorf("load active CA: %w", err)
	}

	params := cloudinit.Params{
		BotID:        bot.ID,
		BotName:      bot.Name,
		ClientCert:   clientCert,
		ClientKey:    clientKey,
		CACert:       activeCA.CertPEM,
		GatewayToken: gatewayToken,
		ConfigURL:    o.cfg.ConfigURL,
		AgentVersion: o.cfg.AgentVersion,
	}
	if gateway != nil {
		params.NatGatewayIP = gateway.PrivateIP
	}
	userData := cloudinit.GenerateWithCerts(params)

	opts := hcloud.CreateServerOpts{
		Name:       "bot-" + bot.ID,
		ServerType: o.cfg.ServerType,
		Image:      o.cfg.Image,
		Location:   o.cfg.Location,
		UserData:   userData,
		Labels:     map[string]string{"bot-id": bot.ID, "managed-by": "clawhost"},
		SSHKeys:    sshKeyIDs,
	}
	if o.cfg.NATMode {
		opts.PublicNet = &hcloud.PublicNetOpts{EnableIPv4: false, EnableIPv6: false}
	}

	created, err := o.cloud.CreateServer(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("create server: %w", err)
	}
	run.createdServerID = created.Server.ID
	run.log.Info("Server created", "serverID", created.Server.ID)

	if created.Action != nil {
		if _, err := o.cloud.WaitForAction(ctx, created.Action.ID, o.cfg.ActionTimeout, o.cfg.PollInterval); err != nil {
			return nil, fmt.Errorf("wait for server creation: %w", err)
		}
	}

	// A VM without a public interface cannot be powered on until it has at
	// least one network attachment, so the attach happens strictly before
	// the running wait.
	privateIP, err := o.topo.AttachServer(ctx, created.Server.ID, network.AttachOpts{SkipFirewall: o.cfg.NATMode})
	if err != nil {
		return nil, fmt.Errorf("attach server to network: %w", err)
	}

	server, err := o.cloud.WaitForServerRunning(ctx, created.Server.ID, o.cfg.RunningTimeout, o.cfg.PollInterval)
	if err != nil {
		return nil, fmt.Errorf("wait for server running: %w", err)
	}

	if gateway != nil {
		if err := o.topo.AttachBot(ctx, gateway.ID); err != nil {
			return nil, fmt.Errorf("attach bot to gateway %s: %w", gateway.Name, err)
		}
		run.incremented = true
		bot.NatGatewayID = &gateway.ID
	}

	serverID := server.ID
	bot.CloudServerID = &serverID
	bot.PrivateIP = &privateIP
	bot.Status = storage.BotRunning
	bot.LastError = ""
	if err := o.store.SaveBot(ctx, bot); err != nil {
		return nil, fmt.Errorf("persist running state: %w", err)
	}

	return server, nil
}

func (o *Orchestrator) issueCertificate(ctx context.Context, bot *storage.BotInstance) (certPEM, keyPEM []byte, err error) {
	materials, err := o.ca.IssueBotCertificate(ctx, bot.ID)
	if err != nil {
		return nil, nil, err
	}

	keyEnc, err := o.box.Encrypt(materials.KeyPEM)
	if err != nil {
		return nil, nil, fmt.Errorf("encrypt client key: %w", err)
	}
	bot.ClientCert = string(materials.CertPEM)
	bot.ClientKeyEncrypted = keyEnc
	return materials.CertPEM, materials.KeyPEM, nil
}

// ensureGatewayToken reuses the bot's existing gateway token across
// re-provisioning, minting one only on first provision.
func (o *Orchestrator) ensureGatewayToken(bot *storage.BotInstance) (string, error) {
	if bot.GatewayTokenEncrypted != "" {
		return o.box.DecryptString(bot.GatewayTokenEncrypted)
	}

	token, err := cryptoutils.RandomToken(32)
	if err != nil {
		return "", err
	}
	tokenEnc, err := o.box.EncryptString(token)
	if err != nil {
		return "", err
	}
	bot.GatewayTokenEncrypted = tokenEnc
	return token, nil
}

// rollback undoes the resources created by a failed run and records the
// failure. Shared infrastructure is left untouched.
func (o *Orchestrator) rollback(ctx context.Context, run *provisionRun, cause error) {
	run.log.Error("Provisioning failed, rolling back", "err", cause)

	if run.createdServerID != 0 {
		if _, err := o.cloud.DeleteServer(ctx, run.createdServerID); err != nil {
			run.log.Error("Rollback: failed to delete server", "serverID", run.createdServerID, "err", err)
		} else {
			run.log.Info("Rollback: server deleted", "serverID", run.createdServerID)
		}
	}

	if run.createdLLMKey != "" {
		if err := o.llm.DeleteKey(ctx, run.createdLLMKey); err != nil {
			run.log.Error("Rollback: failed to delete proxy key", "err", err)
		}
	}

	if run.incremented && run.gatewayID != "" {
		if err := o.topo.DetachBot(ctx, run.gatewayID); err != nil {
			run.log.Error("Rollback: failed to release gateway slot", "gatewayID", run.gatewayID, "err", err)
		}
	}

	if err := o.store.MarkBotFailed(ctx, run.bot.ID, cause.Error()); err != nil {
		run.log.Error("Rollback: failed to mark bot failed", "err", err)
	}
}

// Deprovision tears down the bot's VM and releases its gateway slot. A bot
// with no recorded server is already deprovisioned and the call is a no-op
// success.
func (o *Orchestrator) Deprovision(ctx context.Context, botID string) error {
	log := o.log.With("botID", botID)

	bot, err := o.store.GetBot(ctx, botID)
	if err != nil {
		return fmt.Errorf("load bot: %w", err)
	}

	if bot.CloudServerID == nil {
		log.Info("No server recorded, nothing to deprovision")
		return nil
	}

	if _, err := o.cloud.DeleteServer(ctx, *bot.CloudServerID); err != nil {
		var apiErr *hcloud.APIError
		if errors.As(err, &apiErr) && apiErr.HTTPStatus == 404 {
			log.Warn("Server already gone", "serverID", *bot.CloudServerID)
		} else {
			return fmt.Errorf("delete server %d: %w", *bot.CloudServerID, err)
		}
	}

	if bot.NatGatewayID != nil {
		if err := o.topo.DetachBot(ctx, *bot.NatGatewayID); err != nil {
			log.Error("Failed to release gateway slot", "gatewayID", *bot.NatGatewayID, "err", err)
		}
	}

	if err := o.store.ClearBotServer(ctx, botID); err != nil {
		return fmt.Errorf("clear server reference: %w", err)
	}

	metrics.DeprovisionTotal.Inc()
	log.Info("Deprovisioned", "serverID", *bot.CloudServerID)
	return nil
}

func ptrOr(p *string, fallback string) string {
	if p != nil {
		return *p
	}
	return fallback
}
