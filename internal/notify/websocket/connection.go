package websocket

import (
	"encoding/json"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// maxFrameSize bounds client control frames.
const maxFrameSize = 1024

// ClientFrame is sent by clients to change their subscriptions.
type ClientFrame struct {
	Action string `json:"action"`
	Room   string `json:"room"`
}

// Connection is one subscribed client.
type Connection struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	remote string

	closeOnce sync.Once
	done      chan struct{}
}

// Handler upgrades requests and joins the rooms listed in ?room=.
func (h *Hub) Handler() http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Debug("websocket upgrade failed", zap.Error(err))
			return
		}
		c := &Connection{
			hub:    h,
			conn:   ws,
			send:   make(chan []byte, h.cfg.SendBuffer),
			remote: r.RemoteAddr,
			done:   make(chan struct{}),
		}
		if !h.register(c) {
			h.logger.Warn("max connections reached; rejecting client", zap.String("remote", c.remote))
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many connections"),
				time.Now().Add(h.cfg.WriteWait))
			_ = ws.Close()
			return
		}
		for _, room := range r.URL.Query()["room"] {
			if room = strings.TrimSpace(room); room != "" {
				h.join(c, room)
			}
		}
		go c.writePump()
		go c.readPump()
	})
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(h.cfg.AllowedOrigins, origin)
}

// Close terminates the connection once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.hub.unregister(c)
		_ = c.conn.Close()
	})
}

func (c *Connection) readPump() {
	defer c.Close()

	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("websocket read error", zap.String("remote", c.remote), zap.Error(err))
			}
			return
		}
		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Room == "" {
			continue
		}
		switch frame.Action {
		case "subscribe":
			c.hub.join(c, frame.Room)
		case "unsubscribe":
			c.hub.leave(c, frame.Room)
		}
	}
}

func (c *Connection) writePump() {
	pingPeriod := c.hub.cfg.PongWait * 9 / 10
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
