package broadcast

import (
	stderrors "errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/WOULDU-pres/sauron-backend-sub002/errors"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Monitoring dashboards are served from other origins; access control
	// happens at the gateway, not here
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// WebSocketHandler streams alert events over a WebSocket. The read side
// only services control frames; clients are consumers, not producers.
func (r *Registry) WebSocketHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		adminID, clientID, timeout := subscribeParams(req)
		conn, err := r.Subscribe(adminID, clientID, "websocket", timeout)
		if err != nil {
			if stderrors.Is(err, errors.ErrRegistryFull) {
				http.Error(w, "too many subscribers", http.StatusTooManyRequests)
				return
			}
			http.Error(w, "subscribe failed", http.StatusInternalServerError)
			return
		}

		ws, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			conn.Close()
			r.logger.Warn("websocket upgrade failed", "error", err)
			return
		}

		go r.writePump(conn, ws)
		go r.readPump(conn, ws)
	})
}

func (r *Registry) writePump(conn *Connection, ws *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
		_ = ws.Close()
	}()

	for {
		select {
		case <-conn.Done():
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "registry closed"))
			return

		case ev := <-conn.Events():
			if ev == nil {
				return
			}
			data, err := ev.Marshal()
			if err != nil {
				r.logger.Warn("event serialization failed", "clientId", conn.ID, "error", err)
				continue
			}
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				r.logger.Debug("websocket write failed", "clientId", conn.ID, "error", err)
				return
			}
			conn.Touch()

		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (r *Registry) readPump(conn *Connection, ws *websocket.Conn) {
	defer conn.Close()

	ws.SetReadLimit(512)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		conn.Touch()
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}
