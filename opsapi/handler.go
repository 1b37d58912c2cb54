// Package opsapi is the dashboard-facing control surface: provisioning and
// deprovisioning triggers, health probes, and the embedded VM UI proxy.
// Callers authenticate with a bearer token; the dashboard itself lives
// elsewhere.
package opsapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/clawhost/provisioning-backend/orchestrator"
	"github.com/clawhost/provisioning-backend/storage"
	"github.com/clawhost/provisioning-backend/vmproxy"
)

// Handler implements the ops API endpoints.
type Handler struct {
	store   storage.Store
	orch    *orchestrator.Orchestrator
	checker *vmproxy.Checker
	log     *slog.Logger
}

// NewHandler creates an ops API handler.
func NewHandler(store storage.Store, orch *orchestrator.Orchestrator, checker *vmproxy.Checker, log *slog.Logger) *Handler {
	return &Handler{store: store, orch: orch, checker: checker, log: log}
}

type errorResponse struct {
	Error string `json:"error"`
}

type provisionResponse struct {
	Status    string `json:"status"`
	ServerID  int64  `json:"serverId,omitempty"`
	PublicIP  string `json:"publicIp,omitempty"`
	PrivateIP string `json:"privateIp,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// HandleGetBot serves the persisted record. Encrypted columns are excluded
// by the model's JSON tags.
func (h *Handler) HandleGetBot(w http.ResponseWriter, r *http.Request) {
	botID := chi.URLParam(r, "id")
	bot, err := h.store.GetBot(r.Context(), botID)
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "bot not found"})
		return
	}
	if err != nil {
		h.log.Error("Failed to load bot", "botID", botID, "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
		return
	}
	// The provisioning claim is internal bookkeeping; callers see starting
	// until the run lands in running or failed.
	out := *bot
	if out.Status == storage.BotProvisioning {
		out.Status = storage.BotStarting
	}
	writeJSON(w, http.StatusOK, &out)
}

// HandleProvision runs the full provisioning sequence synchronously within
// this request; the sequence itself is bounded by its polling timeouts.
func (h *Handler) HandleProvision(w http.ResponseWriter, r *http.Request) {
	botID := chi.URLParam(r, "id")

	result := h.orch.Provision(r.Context(), botID)
	if result.Err != nil {
		switch {
		case errors.Is(result.Err, orchestrator.ErrInvalidState):
			writeJSON(w, http.StatusConflict, errorResponse{Error: result.Err.Error()})
		case errors.Is(result.Err, storage.ErrNotFound):
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "bot not found"})
		default:
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: result.Err.Error()})
		}
		return
	}

	writeJSON(w, http.StatusOK, provisionResponse{
		Status:    "running",
		ServerID:  result.ServerID,
		PublicIP:  result.PublicIP,
		PrivateIP: result.PrivateIP,
	})
}

// HandleDeprovision tears the bot's VM down. Already-deprovisioned bots
// succeed as a no-op.
func (h *Handler) HandleDeprovision(w http.ResponseWriter, r *http.Request) {
	botID := chi.URLParam(r, "id")

	if err := h.orch.Deprovision(r.Context(), botID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "bot not found"})
			return
		}
		h.log.Error("Deprovisioning failed", "botID", botID, "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, provisionResponse{Status: "stopped"})
}

// HandleHealth probes the bot's agent over the private network.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	botID := chi.URLParam(r, "id")
	bot, err := h.store.GetBot(r.Context(), botID)
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "bot not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
		return
	}

	if bot.PrivateIP == nil || *bot.PrivateIP == "" {
		writeJSON(w, http.StatusOK, &vmproxy.Status{State: vmproxy.StateUnreachable})
		return
	}
	writeJSON(w, http.StatusOK, h.checker.CheckHealth(r.Context(), *bot.PrivateIP))
}
