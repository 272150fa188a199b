// Package hub fans alerts and live updates out to authenticated websocket
// clients subscribed to named channels.
package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/basel95f-code/solana-memecoin-bot-sub009/internal/auth"
)

// Options tune connection handling.
type Options struct {
	Path         string
	PingInterval time.Duration
	WriteTimeout time.Duration
	AuthTimeout  time.Duration
	SendBuffer   int
	ReadLimit    int64
	Now          func() time.Time
}

func (o *Options) setDefaults() {
	if o.Path == "" {
		o.Path = "/ws"
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = 15 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 4096
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Hub owns the connection registry. Every mutation happens under mu;
// broadcasts copy the target set under a read lock and write outside it, so a
// connection closing mid-broadcast is just a skipped send.
type Hub struct {
	validator auth.Validator
	opts      Options
	logger    zerolog.Logger
	upgrader  websocket.Upgrader

	mu         sync.RWMutex
	clients    map[*client]struct{}
	byIdentity map[string]map[*client]struct{}
}

// New creates a Hub that authenticates clients with validator.
func New(validator auth.Validator, opts Options, logger zerolog.Logger) *Hub {
	opts.setDefaults()
	return &Hub{
		validator: validator,
		opts:      opts,
		logger:    logger.With().Str("component", "hub").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// origin checks belong to the reverse proxy
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients:    make(map[*client]struct{}),
		byIdentity: make(map[string]map[*client]struct{}),
	}
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &client{
		hub:    h,
		conn:   conn,
		logger: h.logger.With().Str("conn_id", uuid.NewString()).Str("remote", r.RemoteAddr).Logger(),
		send:   make(chan outbound, h.opts.SendBuffer),
		done:   make(chan struct{}),
		subs:   make(map[string]struct{}),
	}
	h.register(c)
	defer h.drop(c)

	c.mu.Lock()
	c.authTimer = time.AfterFunc(h.opts.AuthTimeout, func() {
		c.mu.RLock()
		authed := c.authenticated
		c.mu.RUnlock()
		if !authed {
			c.replyFrame(TypeError, errorData{Message: "authentication timeout"}, true)
		}
	})
	c.mu.Unlock()

	c.reply(TypeStatus, map[string]any{
		"connected":     true,
		"authenticated": false,
		"auth_timeout":  h.opts.AuthTimeout.String(),
	})

	go c.writePump(h.opts.PingInterval, h.opts.WriteTimeout)
	c.readPump(r.Context(), h.opts.ReadLimit)
}

// Broadcast sends a frame to every authenticated client subscribed to channel,
// or to every authenticated client when channel is empty. It returns how many
// clients the frame was queued for.
func (h *Hub) Broadcast(frameType string, data any, channel string) int {
	raw, err := h.encode(frameType, data)
	if err != nil {
		h.logger.Error().Err(err).Str("type", frameType).Msg("encode broadcast")
		return 0
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		if !c.receives(channel) {
			continue
		}
		if c.enqueue(outbound{data: raw}) {
			sent++
			continue
		}
		if !c.isClosed() {
			c.logger.Warn().Msg("send buffer full, dropping connection")
			h.drop(c)
		}
	}
	return sent
}

// Count returns the number of registered connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Connections returns how many live connections are bound to identity.
func (h *Hub) Connections(identity string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byIdentity[identity])
}

// Identities returns the number of distinct authenticated identities.
func (h *Hub) Identities() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byIdentity)
}

// Run blocks until ctx is cancelled and then closes every connection.
func (h *Hub) Run(ctx context.Context) error {
	<-ctx.Done()
	h.mu.RLock()
	all := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		all = append(all, c)
	}
	h.mu.RUnlock()
	for _, c := range all {
		h.drop(c)
	}
	h.logger.Info().Int("connections", len(all)).Msg("hub stopped")
	return ctx.Err()
}

func (h *Hub) encode(frameType string, data any) ([]byte, error) {
	return json.Marshal(Frame{Type: frameType, Data: data, Timestamp: h.opts.Now().UTC()})
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	c.logger.Debug().Int("connections", n).Msg("client connected")
}

func (h *Hub) bindIdentity(c *client, identity string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, live := h.clients[c]; !live {
		return
	}
	set, ok := h.byIdentity[identity]
	if !ok {
		set = make(map[*client]struct{})
		h.byIdentity[identity] = set
	}
	set[c] = struct{}{}
}

// drop removes c from the registry and closes it. Safe to call repeatedly.
func (h *Hub) drop(c *client) {
	h.mu.Lock()
	_, live := h.clients[c]
	delete(h.clients, c)
	c.mu.RLock()
	identity := c.identity
	timer := c.authTimer
	c.mu.RUnlock()
	if set, ok := h.byIdentity[identity]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.byIdentity, identity)
		}
	}
	h.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	c.close()
	if live {
		c.logger.Debug().Msg("client disconnected")
	}
}
