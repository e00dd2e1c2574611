package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"crm-dialer/internal/callstatus"
	"crm-dialer/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// LatestFunc returns the persisted latest status for a session.
type LatestFunc func(ctx context.Context, sessionID string) (callstatus.Update, bool, error)

// WSHandler streams a session's status topic over a websocket. The last
// known state is sent first so a late subscriber never misses it.
type WSHandler struct {
	Hub    *Hub
	Latest LatestFunc

	// AllowedOrigins restricts browser origins; empty allows any.
	AllowedOrigins []string
}

func (h WSHandler) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if len(h.AllowedOrigins) == 0 || origin == "" {
				return true
			}
			for _, o := range h.AllowedOrigins {
				if o == "*" || o == origin {
					return true
				}
			}
			return false
		},
	}
}

func (h WSHandler) ServeSession(c *gin.Context) {
	log := logger.FromGin(c)
	sessionID := c.Param("id")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "InvalidArgument", "message": "session id is required"})
		return
	}

	// Subscribe before reading the latest record so nothing slips between.
	sub := h.Hub.Subscribe(callstatus.SessionKey(sessionID), 64)
	defer sub.Close()

	up := h.upgrader()
	conn, err := up.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	if h.Latest != nil {
		latest, ok, err := h.Latest(c.Request.Context(), sessionID)
		if err != nil {
			log.Warn("websocket latest status lookup failed", "session_id", sessionID, "error", err)
		} else if ok {
			if err := writeJSON(conn, Message{Type: TypeStatus, Topic: sub.topic, Data: latest, Timestamp: latest.ReceivedAt}); err != nil {
				return
			}
		}
	}

	done := make(chan struct{})
	go readPump(conn, done)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case m, ok := <-sub.C():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(writeWait))
				return
			}
			if err := writeJSON(conn, m); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func writeJSON(conn *websocket.Conn, m Message) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// readPump drains client frames so pongs and close frames are processed.
func readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
