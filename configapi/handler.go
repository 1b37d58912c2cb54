// Package configapi serves runtime configuration to provisioned VMs over
// mutual TLS. Identity comes exclusively from the verified client
// certificate's common name; there is no bearer token on this surface.
package configapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/clawhost/provisioning-backend/ca"
	"github.com/clawhost/provisioning-backend/cryptoutils"
	"github.com/clawhost/provisioning-backend/storage"
)

// BotConfig is the document a VM receives from GET /config. Credential
// fields are decrypted server-side; ciphertext never appears here.
type BotConfig struct {
	Agent        AgentConfig   `json:"agent"`
	Channels     Channels      `json:"channels"`
	Proxy        *ProxyConfig  `json:"proxy,omitempty"`
	APIKeys      APIKeysConfig `json:"apiKeys"`
	GatewayToken string        `json:"gatewayToken,omitempty"`
}

type AgentConfig struct {
	Model string `json:"model"`
}

type Channels struct {
	Telegram *TelegramChannel `json:"telegram,omitempty"`
}

type TelegramChannel struct {
	BotToken string `json:"botToken"`
}

type ProxyConfig struct {
	BaseURL string `json:"baseUrl"`
	APIKey  string `json:"apiKey"`
}

type APIKeysConfig struct {
	Anthropic string `json:"anthropic,omitempty"`
	OpenAI    string `json:"openai,omitempty"`
}

// Handler resolves the client certificate to a bot record and assembles its
// configuration.
type Handler struct {
	store storage.Store
	box   *cryptoutils.SecretBox
	ca    *ca.Service
	log   *slog.Logger
}

// NewHandler creates a config handler.
func NewHandler(store storage.Store, box *cryptoutils.SecretBox, caSvc *ca.Service, log *slog.Logger) *Handler {
	return &Handler{store: store, box: box, ca: caSvc, log: log}
}

// botIDFromRequest re-verifies the presented leaf against the active CA at
// the application layer and extracts the bot id from its CN. The transport
// layer has already enforced RequireAndVerifyClientCert; this guards against
// certificates from a rotated-out root surviving in the listener's pool.
func (h *Handler) botIDFromRequest(ctx context.Context, r *http.Request) (string, bool) {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return "", false
	}
	leaf := r.TLS.PeerCertificates[0]

	active, err := h.ca.GetActiveCA(ctx)
	if err != nil {
		h.log.Error("Failed to load active CA for verification", "err", err)
		return "", false
	}
	if err := leaf.CheckSignatureFrom(active.Cert); err != nil {
		h.log.Warn("Client certificate not signed by active CA", "cn", leaf.Subject.CommonName)
		return "", false
	}

	botID := ca.BotIDFromCommonName(leaf.Subject.CommonName)
	if botID == "" {
		h.log.Warn("Client certificate CN carries no bot identity", "cn", leaf.Subject.CommonName)
		return "", false
	}
	return botID, true
}

// HandleConfig serves GET /config.
func (h *Handler) HandleConfig(w http.ResponseWriter, r *http.Request) {
	botID, ok := h.botIDFromRequest(r.Context(), r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	log := h.log.With("botID", botID)

	bot, err := h.store.GetBot(r.Context(), botID)
	if errors.Is(err, storage.ErrNotFound) {
		log.Warn("Config requested for unknown bot")
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Error("Failed to load bot", "err", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	cfg, err := h.assembleConfig(bot)
	if err != nil {
		log.Error("Failed to assemble config", "err", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(cfg); err != nil {
		log.Error("Failed to write config response", "err", err)
	}
	log.Info("Config delivered")
}

// assembleConfig decrypts whichever credential material the record carries.
// A proxy credential takes precedence over raw provider keys so the VM never
// sees both.
func (h *Handler) assembleConfig(bot *storage.BotInstance) (*BotConfig, error) {
	cfg := &BotConfig{Agent: AgentConfig{Model: bot.AgentModel}}

	if bot.GatewayTokenEncrypted != "" {
		token, err := h.box.DecryptString(bot.GatewayTokenEncrypted)
		if err != nil {
			return nil, err
		}
		cfg.GatewayToken = token
	}

	if bot.TelegramTokenEncrypted != "" {
		token, err := h.box.DecryptString(bot.TelegramTokenEncrypted)
		if err != nil {
			return nil, err
		}
		cfg.Channels.Telegram = &TelegramChannel{BotToken: token}
	}

	if bot.LitellmKeyEncrypted != "" {
		key, err := h.box.DecryptString(bot.LitellmKeyEncrypted)
		if err != nil {
			return nil, err
		}
		cfg.Proxy = &ProxyConfig{BaseURL: bot.LitellmBaseURL, APIKey: key}
		return cfg, nil
	}

	if bot.AnthropicKeyEncrypted != "" {
		key, err := h.box.DecryptString(bot.AnthropicKeyEncrypted)
		if err != nil {
			return nil, err
		}
		cfg.APIKeys.Anthropic = key
	}
	if bot.OpenAIKeyEncrypted != "" {
		key, err := h.box.DecryptString(bot.OpenAIKeyEncrypted)
		if err != nil {
			return nil, err
		}
		cfg.APIKeys.OpenAI = key
	}
	return cfg, nil
}
