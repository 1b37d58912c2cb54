package vmproxy

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The dashboard origin differs from the VM's; origin policy is enforced
	// by the ops API's auth layer, not here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleWS bridges a browser WebSocket to the agent's WebSocket on the
// private network, relaying frames in both directions until either side
// closes.
func (p *Proxy) HandleWS(w http.ResponseWriter, r *http.Request) {
	bot, privateIP, ok := p.resolveBot(w, r)
	if !ok {
		return
	}

	target := url.URL{
		Scheme:   "ws",
		Host:     fmt.Sprintf("%s:%d", privateIP, p.port),
		Path:     "/" + chi.URLParam(r, "*"),
		RawQuery: r.URL.RawQuery,
	}

	dialer := &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	upstream, resp, err := dialer.DialContext(r.Context(), target.String(), nil)
	if err != nil {
		p.log.Warn("WebSocket upstream dial failed", "botID", bot.ID, "err", err)
		status := http.StatusBadGateway
		if resp != nil {
			status = resp.StatusCode
		}
		http.Error(w, "upstream unreachable", status)
		return
	}
	defer upstream.Close()

	client, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.log.Warn("WebSocket upgrade failed", "botID", bot.ID, "err", err)
		return
	}
	defer client.Close()

	errc := make(chan error, 2)
	go relay(client, upstream, errc)
	go relay(upstream, client, errc)

	// First closed direction tears down both.
	<-errc
}

// relay copies messages from src to dst until src fails.
func relay(dst, src *websocket.Conn, errc chan<- error) {
	for {
		msgType, msg, err := src.ReadMessage()
		if err != nil {
			dst.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			errc <- err
			return
		}
		if err := dst.WriteMessage(msgType, msg); err != nil {
			errc <- err
			return
		}
	}
}
