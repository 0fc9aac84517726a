// Package wshub is the always-on socket-message hub behind the gateway's
// reserved WebSocket path. Connections are tagged with the tenant they
// resolved to so tenant status changes can be pushed to the right clients.
package wshub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/joeydtaylor/steeze-gateway/pkg/gateway"
	"github.com/joeydtaylor/steeze-gateway/pkg/registry"
	"go.uber.org/zap"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	maxMessage   = 64 << 10
)

// Message is the envelope pushed to clients.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// MaintainingPayload tells a client its tenant is not serving.
type MaintainingPayload struct {
	AppName        string `json:"appName"`
	Status         string `json:"status"`
	Maintaining    bool   `json:"maintaining"`
	Code           string `json:"code,omitempty"`
	Message        string `json:"message,omitempty"`
	WorkingMessage string `json:"workingMessage,omitempty"`
}

type Options struct {
	AllowedOrigins []string
	Logger         *zap.Logger
}

type client struct {
	id   string
	conn *websocket.Conn
	req  gateway.IncomingRequest
	mu   sync.Mutex // guards writes and tags
	tags []string
}

func (c *client) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *client) hasTag(tag string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Hub owns every upgraded connection.
type Hub struct {
	gw       *gateway.Gateway
	log      *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
	closed  bool
}

func New(gw *gateway.Gateway, opts Options) *Hub {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		gw:       gw,
		log:      log,
		upgrader: makeUpgrader(opts.AllowedOrigins),
		clients:  make(map[string]*client),
	}
}

func makeUpgrader(allowed []string) websocket.Upgrader {
	allowAll := len(allowed) == 0 || (len(allowed) == 1 && allowed[0] == "*")
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return websocket.Upgrader{
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return set[origin]
		},
	}
}

// Attach installs the hub as the gateway's upgrade handler and subscribes it
// to selector swaps and registry events. The returned func undoes both.
func (h *Hub) Attach(reg *registry.Registry) (detach func()) {
	h.gw.SetUpgradeHandler(h)
	unsubSel := h.gw.OnSelectorChanged(h.RefreshTags)
	unsubReg := func() {}
	if reg != nil {
		unsubReg = reg.Subscribe(h.NotifyAppStatus)
	}
	return func() {
		unsubSel()
		unsubReg()
		h.gw.SetUpgradeHandler(nil)
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "hub closed", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		req:  gateway.FromHTTP(r),
	}
	c.tags = h.gw.ConnectionTags(r.Context(), c.req)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.clients[c.id] = c
	h.mu.Unlock()
	h.log.Debug("websocket client connected", zap.String("connId", c.id), zap.Strings("tags", c.tags))

	defer func() {
		h.mu.Lock()
		delete(h.clients, c.id)
		h.mu.Unlock()
		h.log.Debug("websocket client disconnected", zap.String("connId", c.id))
	}()

	conn.SetReadLimit(maxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	stop := make(chan struct{})
	defer close(stop)
	go h.keepalive(c, stop)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

func (h *Hub) keepalive(c *client, stop <-chan struct{}) {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			c.mu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (h *Hub) snapshot() []*client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c)
	}
	return out
}

// Broadcast sends msg to every client carrying tag; an empty tag reaches all.
// It returns the number of clients written to.
func (h *Hub) Broadcast(tag string, msg Message) int {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Warn("websocket broadcast marshal failed", zap.Error(err))
		return 0
	}
	n := 0
	for _, c := range h.snapshot() {
		if tag != "" && !c.hasTag(tag) {
			continue
		}
		if err := c.write(data); err != nil {
			h.log.Debug("websocket send failed", zap.String("connId", c.id), zap.Error(err))
			continue
		}
		n++
	}
	return n
}

// RefreshTags re-resolves every connection against the active selector.
func (h *Hub) RefreshTags() {
	ctx := context.Background()
	for _, c := range h.snapshot() {
		tags := h.gw.ConnectionTags(ctx, c.req)
		c.mu.Lock()
		c.tags = tags
		c.mu.Unlock()
	}
}

// NotifyAppStatus pushes a maintaining notice to the tenant's clients while
// it is not running, and a running notice once it is back.
func (h *Hub) NotifyAppStatus(ev registry.Event) {
	p := MaintainingPayload{
		AppName:        ev.Key,
		Status:         ev.Status.String(),
		Maintaining:    ev.Status != registry.Running,
		WorkingMessage: ev.WorkingMessage,
	}
	if ev.Status != registry.Running {
		e := gateway.ErrorForRecord(registry.Record{
			Key:            ev.Key,
			Status:         ev.Status,
			WorkingMessage: ev.WorkingMessage,
			LastError:      ev.Err,
		})
		p.Code, p.Message = e.Code, e.Message
	}
	h.Broadcast("app:"+ev.Key, Message{Type: "maintaining", Payload: p})
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new upgrades.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.mu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		c.mu.Unlock()
		_ = c.conn.Close()
	}
}
