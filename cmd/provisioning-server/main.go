package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/clawhost/provisioning-backend/ca"
	"github.com/clawhost/provisioning-backend/cloudinit"
	"github.com/clawhost/provisioning-backend/common"
	"github.com/clawhost/provisioning-backend/configapi"
	"github.com/clawhost/provisioning-backend/cryptoutils"
	"github.com/clawhost/provisioning-backend/hcloud"
	"github.com/clawhost/provisioning-backend/litellm"
	"github.com/clawhost/provisioning-backend/metrics"
	"github.com/clawhost/provisioning-backend/network"
	"github.com/clawhost/provisioning-backend/opsapi"
	"github.com/clawhost/provisioning-backend/orchestrator"
	"github.com/clawhost/provisioning-backend/storage"
	"github.com/clawhost/provisioning-backend/vmproxy"
)

var flags []cli.Flag = []cli.Flag{
	&cli.StringFlag{
		Name:  "listen-addr",
		Value: "127.0.0.1:8080",
		Usage: "address to listen on for the ops API",
	},
	&cli.StringFlag{
		Name:  "config-listen-addr",
		Value: "0.0.0.0:8443",
		Usage: "address to listen on for the mTLS config API",
	},
	&cli.StringFlag{
		Name:  "metrics-addr",
		Value: "127.0.0.1:8090",
		Usage: "address to listen on for Prometheus metrics",
	},
	&cli.StringFlag{
		Name:  "db-dsn",
		Value: "sqlite://provisioning.db",
		Usage: "database DSN (sqlite://path or postgres://...)",
	},
	&cli.StringFlag{
		Name:     "hcloud-token",
		Required: true,
		Usage:    "cloud provider API token",
		EnvVars:  []string{"HCLOUD_TOKEN"},
	},
	&cli.StringFlag{
		Name:  "hcloud-api-url",
		Value: "",
		Usage: "override the cloud provider API base URL",
	},
	&cli.StringFlag{
		Name:     "master-secret",
		Required: true,
		Usage:    "master secret for encrypting stored credentials (min 16 bytes)",
		EnvVars:  []string{"MASTER_SECRET"},
	},
	&cli.StringFlag{
		Name:    "ops-auth-token",
		Value:   "",
		Usage:   "bearer token required on the ops API",
		EnvVars: []string{"OPS_AUTH_TOKEN"},
	},
	&cli.BoolFlag{
		Name:  "nat-mode",
		Value: false,
		Usage: "create bot VMs without a public IP, routed through NAT gateways",
	},
	&cli.StringFlag{
		Name:  "server-type",
		Value: "cx22",
		Usage: "server type for bot VMs",
	},
	&cli.StringFlag{
		Name:  "image",
		Value: "ubuntu-24.04",
		Usage: "OS image for bot VMs",
	},
	&cli.StringFlag{
		Name:  "location",
		Value: "",
		Usage: "provider location for new VMs",
	},
	&cli.StringFlag{
		Name:  "network-zone",
		Value: "eu-central",
		Usage: "network zone of the shared private network",
	},
	&cli.StringFlag{
		Name:  "management-cidr",
		Value: "0.0.0.0/0",
		Usage: "CIDR allowed inbound SSH on the shared firewall",
	},
	&cli.StringFlag{
		Name:  "ssh-key-name",
		Value: "",
		Usage: "name of the provider SSH key to install on VMs",
	},
	&cli.StringFlag{
		Name:  "ssh-public-key",
		Value: "",
		Usage: "public key material for ssh-key-name",
	},
	&cli.StringFlag{
		Name:     "config-url",
		Required: true,
		Usage:    "URL VMs fetch their configuration from, e.g. https://10.0.0.2:8443/config",
	},
	&cli.StringFlag{
		Name:  "agent-version",
		Value: cloudinit.DefaultAgentVersion,
		Usage: "agent version installed on new VMs",
	},
	&cli.StringFlag{
		Name:  "litellm-url",
		Value: "",
		Usage: "LiteLLM proxy base URL (empty disables proxy credentials)",
	},
	&cli.StringFlag{
		Name:    "litellm-admin-key",
		Value:   "",
		Usage:   "LiteLLM admin key",
		EnvVars: []string{"LITELLM_ADMIN_KEY"},
	},
	&cli.BoolFlag{
		Name:  "init-ca",
		Value: false,
		Usage: "generate the certificate authority if none exists",
	},
	&cli.StringFlag{
		Name:  "ca-hostname",
		Value: "config.clawhost.internal",
		Usage: "hostname on the config API's server certificate",
	},
	&cli.StringFlag{
		Name:  "ca-private-ip",
		Value: "10.0.0.2",
		Usage: "private IP on the config API's server certificate",
	},
	&cli.BoolFlag{
		Name:  "log-json",
		Value: false,
		Usage: "log in JSON format",
	},
	&cli.BoolFlag{
		Name:  "log-debug",
		Value: false,
		Usage: "log debug messages",
	},
	&cli.BoolFlag{
		Name:  "log-uid",
		Value: false,
		Usage: "generate a uuid and add to all log messages",
	},
	&cli.StringFlag{
		Name:  "log-service",
		Value: "provisioning-backend",
		Usage: "add 'service' tag to logs",
	},
	&cli.BoolFlag{
		Name:  "pprof",
		Value: false,
		Usage: "enable pprof debug endpoint",
	},
	&cli.Int64Flag{
		Name:  "drain-seconds",
		Value: 45,
		Usage: "seconds to wait in drain HTTP request",
	},
}

func main() {
	app := &cli.App{
		Name:   "provisioning-server",
		Usage:  "Provision and manage bot VMs with mTLS config delivery",
		Flags:  flags,
		Action: runServer,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runServer(cCtx *cli.Context) error {
	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   cCtx.Bool("log-debug"),
		JSON:    cCtx.Bool("log-json"),
		Service: cCtx.String("log-service"),
		Version: common.Version,
	})
	if cCtx.Bool("log-uid") {
		logger = logger.With("uid", uuid.Must(uuid.NewRandom()).String())
	}

	drainDuration := time.Duration(cCtx.Int64("drain-seconds")) * time.Second
	ctx := context.Background()

	store, err := storage.Open(cCtx.String("db-dsn"), logger)
	if err != nil {
		logger.Error("Failed to open database", "err", err)
		return err
	}

	box, err := cryptoutils.NewSecretBox([]byte(cCtx.String("master-secret")))
	if err != nil {
		logger.Error("Invalid master secret", "err", err)
		return err
	}

	caSvc := ca.NewService(store, box, logger)
	if cCtx.Bool("init-ca") {
		if _, err := caSvc.Initialize(ctx, cCtx.String("ca-hostname"), cCtx.String("ca-private-ip")); err != nil {
			logger.Error("Failed to initialize CA", "err", err)
			return err
		}
	}
	if _, err := caSvc.GetActiveCA(ctx); err != nil {
		logger.Error("No usable certificate authority; run with -init-ca to create one", "err", err)
		return err
	}

	cloud := hcloud.NewClient(cCtx.String("hcloud-token"), cCtx.String("hcloud-api-url"), logger)

	topo := network.NewManager(cloud, store, network.Config{
		NetworkZone:    cCtx.String("network-zone"),
		Location:       cCtx.String("location"),
		ManagementCIDR: cCtx.String("management-cidr"),
	}, logger)

	llm := litellm.NewClient(cCtx.String("litellm-url"), cCtx.String("litellm-admin-key"), logger)

	orch := orchestrator.New(store, cloud, topo, caSvc, box, llm, orchestrator.Config{
		NATMode:      cCtx.Bool("nat-mode"),
		ServerType:   cCtx.String("server-type"),
		Image:        cCtx.String("image"),
		Location:     cCtx.String("location"),
		SSHKeyName:   cCtx.String("ssh-key-name"),
		SSHPublicKey: cCtx.String("ssh-public-key"),
		ConfigURL:    cCtx.String("config-url"),
		AgentVersion: cCtx.String("agent-version"),
	}, logger)

	configHandler := configapi.NewHandler(store, box, caSvc, logger)
	configSrv, err := configapi.New(ctx, &configapi.ServerConfig{
		ListenAddr:               cCtx.String("config-listen-addr"),
		Log:                      logger,
		DrainDuration:            drainDuration,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}, configHandler, caSvc)
	if err != nil {
		logger.Error("Failed to create config API server", "err", err)
		return err
	}

	checker := vmproxy.NewChecker(0, logger)
	proxy := vmproxy.NewProxy(store, box, 0, logger)
	opsHandler := opsapi.NewHandler(store, orch, checker, logger)
	opsSrv := opsapi.New(&opsapi.ServerConfig{
		ListenAddr:  cCtx.String("listen-addr"),
		EnablePprof: cCtx.Bool("pprof"),
		Log:         logger,
		AuthToken:   cCtx.String("ops-auth-token"),
		// Provisioning runs synchronously inside the request, so the write
		// timeout must cover a full polling sequence.
		DrainDuration:            drainDuration,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             10 * time.Minute,
	}, opsHandler, proxy)

	metricsSrv := metrics.New(cCtx.String("metrics-addr"))
	go func() {
		logger.Info("Starting metrics server", "metricsAddress", cCtx.String("metrics-addr"))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", "err", err)
		}
	}()

	configSrv.RunInBackground()
	opsSrv.RunInBackground()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

	logger.Info("Server is running, press Ctrl+C to stop")
	<-exit
	logger.Info("Shutdown signal received")

	opsSrv.Shutdown()
	configSrv.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful metrics server shutdown failed", "err", err)
	}

	logger.Info("Server shutdown complete")
	return nil
}
