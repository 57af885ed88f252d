package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/playmarket/internal/domain"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 4096

	sendBufferSize = 256

	marketPrefix = "market:"
)

// busChannels are the signal-bus channels the hub relays. The market pattern
// carries per-market trades and resolutions.
var busChannels = []string{
	domain.ChannelMarkets,
	domain.ChannelBets,
	domain.ChannelOrders,
	"market:*",
}

// defaultSubs are what a fresh connection receives before it subscribes to
// anything.
var defaultSubs = []string{domain.ChannelMarkets, domain.ChannelBets}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// subscribeMsg is the JSON message a client sends to change its
// subscriptions: {"action":"subscribe","channels":["market:abc"]}.
type subscribeMsg struct {
	Action   string   `json:"action"`
	Channels []string `json:"channels"`
}

// controlMsg is sent by the hub itself, as opposed to relayed events.
type controlMsg struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// Hub relays signal-bus events to connected WebSocket clients according to
// each client's subscriptions.
type Hub struct {
	bus    domain.SignalBus
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

// NewHub creates a hub reading from bus.
func NewHub(bus domain.SignalBus, logger *slog.Logger) *Hub {
	return &Hub{
		bus:     bus,
		logger:  logger.With(slog.String("component", "ws")),
		clients: make(map[*client]struct{}),
	}
}

// Start subscribes to the bus and relays in the background until ctx is
// done, at which point every client is disconnected. Subscriptions are in
// place when Start returns.
func (h *Hub) Start(ctx context.Context) error {
	for _, ch := range busChannels {
		msgs, err := h.bus.Subscribe(ctx, ch)
		if err != nil {
			return fmt.Errorf("ws: subscribe %s: %w", ch, err)
		}
		go h.relay(ctx, ch, msgs)
	}
	go func() {
		<-ctx.Done()
		h.shutdown()
	}()
	h.logger.Info("ws: hub started", slog.Any("channels", busChannels))
	return nil
}

func (h *Hub) relay(ctx context.Context, channel string, msgs <-chan []byte) {
	pattern := strings.HasSuffix(channel, "*")
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgs:
			if !ok {
				return
			}
			target := channel
			if pattern {
				// Pattern deliveries do not carry their concrete channel, so
				// route by the event's market.
				var ev struct {
					MarketID string `json:"market_id"`
				}
				if err := json.Unmarshal(data, &ev); err != nil || ev.MarketID == "" {
					continue
				}
				target = domain.MarketChannel(ev.MarketID)
			}
			h.broadcast(target, data)
		}
	}
}

func (h *Hub) broadcast(channel string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.isSubscribed(channel) && !c.enqueue(data) {
			h.logger.Warn("ws: dropping message for slow client", slog.String("channel", channel))
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		c.close()
		delete(h.clients, c)
	}
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	h.logger.Info("ws: client connected", slog.Int("total_clients", len(h.clients)))
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
		h.logger.Info("ws: client disconnected", slog.Int("total_clients", len(h.clients)))
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWS upgrades an HTTP request to a WebSocket connection and registers
// the client with the hub.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, `{"error":"shutting down"}`, http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		subs: make(map[string]bool),
	}
	for _, ch := range defaultSubs {
		c.subs[ch] = true
	}
	if !h.register(c) {
		conn.Close()
		return
	}
	c.reply(controlMsg{Type: "hello", Channels: c.channels()})

	go c.writePump()
	go c.readPump()
}

// client represents a single WebSocket connection.
type client struct {
	hub  *Hub
	conn *websocket.Conn

	mu     sync.RWMutex
	send   chan []byte
	subs   map[string]bool
	closed bool
}

// enqueue hands data to the write pump without blocking. It reports false
// when the buffer is full.
func (c *client) enqueue(data []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *client) reply(msg controlMsg) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.enqueue(data)
}

// readPump reads subscription changes from the client until it goes away.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close error", slog.String("error", err.Error()))
			}
			return
		}

		var sub subscribeMsg
		if err := json.Unmarshal(message, &sub); err != nil {
			c.reply(controlMsg{Type: "error", Error: "malformed message"})
			continue
		}
		if err := c.handleSubscription(sub); err != nil {
			c.reply(controlMsg{Type: "error", Error: err.Error()})
			continue
		}
		c.reply(controlMsg{Type: "subscribed", Channels: c.channels()})
	}
}

// validChannel reports whether name is something the hub relays.
func validChannel(name string) bool {
	switch name {
	case domain.ChannelMarkets, domain.ChannelBets, domain.ChannelOrders:
		return true
	}
	return strings.HasPrefix(name, marketPrefix) && len(name) > len(marketPrefix)
}

func (c *client) handleSubscription(msg subscribeMsg) error {
	for _, ch := range msg.Channels {
		if !validChannel(ch) {
			return fmt.Errorf("unknown channel %q", ch)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch msg.Action {
	case "subscribe":
		for _, ch := range msg.Channels {
			c.subs[ch] = true
		}
	case "unsubscribe":
		for _, ch := range msg.Channels {
			delete(c.subs, ch)
		}
	default:
		return fmt.Errorf("unknown action %q", msg.Action)
	}
	return nil
}

func (c *client) channels() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.subs))
	for ch := range c.subs {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// isSubscribed checks whether the client is subscribed to the given channel.
// A trailing "*" subscribes to every channel with that prefix.
func (c *client) isSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.subs[channel] {
		return true
	}
	for sub := range c.subs {
		if prefix, ok := strings.CutSuffix(sub, "*"); ok && strings.HasPrefix(channel, prefix) {
			return true
		}
	}
	return false
}

// writePump sends queued events as text frames and pings for keepalive.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
