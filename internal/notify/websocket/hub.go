// Package websocket serves room-based WebSocket subscriptions. Clients join
// rooms ("campaign:<id>", "severity:<level>", "system") through query
// parameters or subscribe/unsubscribe frames, and the Hub, registered as a
// notify sink, pushes every matching event to them.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/socialwatch/sentinel/internal/notify"
)

// Config tunes connection limits and keepalives.
type Config struct {
	MaxConnections int           `mapstructure:"max_connections"`
	SendBuffer     int           `mapstructure:"send_buffer"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

func (c Config) withDefaults() Config {
	if c.MaxConnections <= 0 {
		c.MaxConnections = 1000
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	return c
}

// Hub tracks connections per room.
type Hub struct {
	cfg    Config
	logger *zap.Logger

	mu    sync.RWMutex
	rooms map[string]map[*Connection]struct{}
	conns map[*Connection]struct{}

	sent    atomic.Int64
	dropped atomic.Int64
}

// NewHub creates an empty Hub.
func NewHub(cfg Config, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		cfg:    cfg.withDefaults(),
		logger: logger.Named("websocket"),
		rooms:  make(map[string]map[*Connection]struct{}),
		conns:  make(map[*Connection]struct{}),
	}
}

// Consume implements notify.Sink. Slow clients whose buffers are full miss
// the message instead of stalling the hub.
func (h *Hub) Consume(_ context.Context, batch []notify.Event) error {
	for _, evt := range batch {
		data, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		for _, c := range h.recipients(evt.Rooms()) {
			select {
			case c.send <- data:
				h.sent.Add(1)
			default:
				h.dropped.Add(1)
				h.logger.Warn("client buffer full; message dropped", zap.String("remote", c.remote))
			}
		}
	}
	return nil
}

// Close disconnects every client.
func (h *Hub) Close(context.Context) error {
	h.mu.Lock()
	conns := make([]*Connection, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
	return nil
}

// Stats reports live counters.
func (h *Hub) Stats() map[string]int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return map[string]int64{
		"connections": int64(len(h.conns)),
		"rooms":       int64(len(h.rooms)),
		"sent":        h.sent.Load(),
		"dropped":     h.dropped.Load(),
	}
}

func (h *Hub) recipients(rooms []string) []*Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[*Connection]struct{})
	var out []*Connection
	for _, room := range rooms {
		for c := range h.rooms[room] {
			if _, ok := seen[c]; ok {
				continue
			}
			seen[c] = struct{}{}
			out = append(out, c)
		}
	}
	return out
}

func (h *Hub) register(c *Connection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.conns) >= h.cfg.MaxConnections {
		return false
	}
	h.conns[c] = struct{}{}
	return true
}

func (h *Hub) unregister(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c]; !ok {
		return
	}
	delete(h.conns, c)
	for room, members := range h.rooms {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

func (h *Hub) join(c *Connection, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c]; !ok {
		return
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Connection]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
}

func (h *Hub) leave(c *Connection, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}
