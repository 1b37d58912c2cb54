package vmproxy

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/clawhost/provisioning-backend/cryptoutils"
	"github.com/clawhost/provisioning-backend/storage"
)

// proxyTimeout bounds a single upstream request.
const proxyTimeout = 15 * time.Second

// assetExtensions get long-lived caching; everything else is no-store.
var assetExtensions = map[string]bool{
	".js": true, ".css": true, ".png": true, ".jpg": true, ".jpeg": true,
	".gif": true, ".svg": true, ".ico": true, ".woff": true, ".woff2": true,
	".ttf": true, ".map": true,
}

// Proxy embeds a bot VM's private web UI under the ops API's namespace. It
// forwards GETs over plain HTTP inside the private network, injects the
// bot's gateway token on the root document, and rewrites HTML so assets and
// WebSockets resolve through the proxy instead of the unreachable private
// address.
type Proxy struct {
	store  storage.Store
	box    *cryptoutils.SecretBox
	port   int
	client *http.Client
	log    *slog.Logger
}

// NewProxy creates a UI proxy. port zero selects the default agent port.
func NewProxy(store storage.Store, box *cryptoutils.SecretBox, port int, log *slog.Logger) *Proxy {
	if port == 0 {
		port = DefaultAgentPort
	}
	return &Proxy{
		store: store,
		box:   box,
		port:  port,
		client: &http.Client{
			Timeout: proxyTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		log: log,
	}
}

// Mount registers the UI and WebSocket routes on a router that carries the
// {id} URL parameter. The root document is the only response carrying the
// decrypted gateway token, so it goes behind rootAuth; sub-resources and the
// socket bridge are loaded by browser tags that cannot attach credentials
// and carry no secrets. A nil rootAuth leaves the root open (tests only).
func (p *Proxy) Mount(r chi.Router, rootAuth func(http.Handler) http.Handler) {
	if rootAuth != nil {
		r.With(rootAuth).Get("/ui", p.HandleUI)
	} else {
		r.Get("/ui", p.HandleUI)
	}
	r.Get("/ui/*", p.HandleUI)
	r.Get("/ws", p.HandleWS)
	r.Get("/ws/*", p.HandleWS)
}

// resolveBot loads the bot and returns its private IP, or writes the
// appropriate error response.
func (p *Proxy) resolveBot(w http.ResponseWriter, r *http.Request) (*storage.BotInstance, string, bool) {
	botID := chi.URLParam(r, "id")
	bot, err := p.store.GetBot(r.Context(), botID)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "bot not found", http.StatusNotFound)
		return nil, "", false
	}
	if err != nil {
		p.log.Error("Failed to load bot for proxy", "botID", botID, "err", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return nil, "", false
	}
	if bot.PrivateIP == nil || *bot.PrivateIP == "" {
		http.Error(w, "bot has no running VM", http.StatusBadGateway)
		return nil, "", false
	}
	return bot, *bot.PrivateIP, true
}

// HandleUI forwards a GET to the VM's UI and post-processes the response.
func (p *Proxy) HandleUI(w http.ResponseWriter, r *http.Request) {
	bot, privateIP, ok := p.resolveBot(w, r)
	if !ok {
		return
	}

	subPath := chi.URLParam(r, "*")
	isRoot := subPath == ""

	target := url.URL{
		Scheme:   "http",
		Host:     fmt.Sprintf("%s:%d", privateIP, p.port),
		Path:     "/" + subPath,
		RawQuery: r.URL.RawQuery,
	}

	// The root document carries the gateway token so the embedded UI can
	// authenticate against its own backend.
	if isRoot && bot.GatewayTokenEncrypted != "" {
		token, err := p.box.DecryptString(bot.GatewayTokenEncrypted)
		if err != nil {
			p.log.Error("Failed to decrypt gateway token", "botID", bot.ID, "err", err)
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		q := target.Query()
		q.Set("token", token)
		target.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target.String(), nil)
	if err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.log.Warn("UI upstream unreachable", "botID", bot.ID, "err", err)
		http.Error(w, "upstream unreachable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}

	proxyBase := fmt.Sprintf("/api/bots/%s", bot.ID)
	contentType := resp.Header.Get("Content-Type")

	if isHTML(contentType, subPath, isRoot) {
		rewritten := p.rewriteHTML(string(body), proxyBase)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(resp.StatusCode)
		io.WriteString(w, rewritten)
		return
	}

	if contentType == "" {
		contentType = contentTypeForPath(subPath)
	}
	w.Header().Set("Content-Type", contentType)
	if assetExtensions[strings.ToLower(path.Ext(subPath))] {
		w.Header().Set("Cache-Control", "public, max-age=86400")
	} else {
		w.Header().Set("Cache-Control", "no-store")
	}
	w.WriteHeader(resp.StatusCode)
	w.Write(body)
}

func isHTML(contentType, subPath string, isRoot bool) bool {
	if strings.Contains(contentType, "text/html") {
		return true
	}
	if contentType != "" {
		return false
	}
	return isRoot || strings.HasSuffix(subPath, ".html")
}

func contentTypeForPath(subPath string) string {
	if ct := mime.TypeByExtension(path.Ext(subPath)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// rewriteHTML re-roots absolute asset references onto the proxy's namespace
// and injects the WebSocket override so UI sockets aimed at the agent's
// gateway port travel through the proxy's bridge instead.
func (p *Proxy) rewriteHTML(body, proxyBase string) string {
	uiBase := proxyBase + "/ui/"
	body = strings.ReplaceAll(body, `href="/`, `href="`+uiBase)
	body = strings.ReplaceAll(body, `src="/`, `src="`+uiBase)
	body = strings.ReplaceAll(body, `href='/`, `href='`+uiBase)
	body = strings.ReplaceAll(body, `src='/`, `src='`+uiBase)

	script := websocketOverrideScript(proxyBase, p.port)
	if idx := strings.Index(body, "</head>"); idx >= 0 {
		return body[:idx] + script + body[idx:]
	}
	return script + body
}

// websocketOverrideScript replaces the page's WebSocket constructor:
// connections to the agent's own port are rerouted to the proxy's /ws
// endpoint on the dashboard origin, everything else passes through.
func websocketOverrideScript(proxyBase string, agentPort int) string {
	return fmt.Sprintf(`<script>(function(){
var NativeWS = window.WebSocket;
window.WebSocket = function(target, protocols) {
  try {
    var u = new URL(target, window.location.href);
    if (u.port === %q) {
      var scheme = window.location.protocol === "https:" ? "wss://" : "ws://";
      target = scheme + window.location.host + %q + "/ws" + u.pathname + u.search;
    }
  } catch (e) {}
  return protocols ? new NativeWS(target, protocols) : new NativeWS(target);
};
window.WebSocket.prototype = NativeWS.prototype;
})();</script>`, fmt.Sprintf("%d", agentPort), proxyBase)
}
