package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/basel95f-code/solana-memecoin-bot-sub009/internal/auth"
)

const maxChannelName = 64

type outbound struct {
	data       []byte
	closeAfter bool
}

// client is one live connection.
type client struct {
	hub    *Hub
	conn   *websocket.Conn
	logger zerolog.Logger

	send      chan outbound
	done      chan struct{}
	closeOnce sync.Once

	awaitingPong atomic.Bool

	mu            sync.RWMutex
	authenticated bool
	identity      string
	subs          map[string]struct{}
	authTimer     *time.Timer
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *client) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// receives reports whether a broadcast on channel should reach this client.
func (c *client) receives(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.authenticated {
		return false
	}
	if channel == "" {
		return true
	}
	_, ok := c.subs[channel]
	return ok
}

// enqueue queues a frame without blocking. It reports false when the
// connection is closed or its buffer is full.
func (c *client) enqueue(msg outbound) bool {
	if c.isClosed() {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *client) reply(frameType string, data any) {
	c.replyFrame(frameType, data, false)
}

func (c *client) replyFrame(frameType string, data any, closeAfter bool) {
	raw, err := c.hub.encode(frameType, data)
	if err != nil {
		c.logger.Error().Err(err).Str("type", frameType).Msg("encode frame")
		return
	}
	if !c.enqueue(outbound{data: raw, closeAfter: closeAfter}) && !c.isClosed() {
		c.logger.Warn().Msg("send buffer full, dropping connection")
		c.hub.drop(c)
	}
}

func (c *client) fail(message string) {
	c.reply(TypeError, errorData{Message: message})
}

// writePump is the only writer on the connection. It also drives liveness:
// every tick it closes the connection if the previous ping is still
// unanswered, otherwise it sends a new one.
func (c *client) writePump(pingInterval, writeTimeout time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.hub.drop(c)
	}()

	for {
		select {
		case <-c.done:
			return

		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
				return
			}
			if msg.closeAfter {
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, ""),
					time.Now().Add(writeTimeout))
				return
			}

		case <-ticker.C:
			if c.awaitingPong.Load() {
				c.logger.Info().Msg("ping unanswered, closing connection")
				return
			}
			c.awaitingPong.Store(true)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

// readPump handles client frames until the connection fails.
func (c *client) readPump(ctx context.Context, readLimit int64) {
	c.conn.SetReadLimit(readLimit)
	c.conn.SetPongHandler(func(string) error {
		c.awaitingPong.Store(false)
		return nil
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var in inbound
		if err := json.Unmarshal(raw, &in); err != nil || in.Type == "" {
			c.fail("malformed frame")
			continue
		}
		c.handle(ctx, in)
	}
}

func (c *client) handle(ctx context.Context, in inbound) {
	switch in.Type {
	case TypePing:
		c.reply(TypePong, nil)

	case TypeAuth:
		c.authenticate(ctx, in.Data)

	case TypeSubscribe, TypeUnsubscribe:
		c.mu.RLock()
		authed := c.authenticated
		c.mu.RUnlock()
		if !authed {
			c.fail("authentication required")
			return
		}
		var data subscriptionData
		if err := json.Unmarshal(in.Data, &data); err != nil || len(data.Channels) == 0 {
			c.fail("channels required")
			return
		}
		c.reply(TypeStatus, map[string]any{"subscriptions": c.updateSubs(in.Type == TypeSubscribe, data.Channels)})

	default:
		c.fail("unknown message type " + in.Type)
	}
}

func (c *client) authenticate(ctx context.Context, raw json.RawMessage) {
	c.mu.RLock()
	already := c.authenticated
	c.mu.RUnlock()
	if already {
		c.fail("already authenticated")
		return
	}

	var data authData
	_ = json.Unmarshal(raw, &data)
	identity, err := c.hub.validator.Validate(ctx, strings.TrimSpace(data.Token))
	if err != nil {
		msg := "authentication failed"
		if !errors.Is(err, auth.ErrInvalidCredential) {
			c.logger.Error().Err(err).Msg("credential validation error")
		}
		c.replyFrame(TypeError, errorData{Message: msg}, true)
		return
	}

	c.mu.Lock()
	c.authenticated = true
	c.identity = identity.ID
	if c.authTimer != nil {
		c.authTimer.Stop()
	}
	c.mu.Unlock()

	c.hub.bindIdentity(c, identity.ID)
	c.logger.Info().Str("identity", identity.ID).Msg("client authenticated")
	c.reply(TypeStatus, map[string]any{"authenticated": true, "identity": identity.ID})
}

func (c *client) updateSubs(add bool, channels []string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range channels {
		ch = strings.TrimSpace(ch)
		if ch == "" || len(ch) > maxChannelName {
			continue
		}
		if add {
			c.subs[ch] = struct{}{}
		} else {
			delete(c.subs, ch)
		}
	}
	out := make([]string, 0, len(c.subs))
	for ch := range c.subs {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}
