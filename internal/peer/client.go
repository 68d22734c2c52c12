// Package peer is the participant side of a hosted session. It announces a
// remembered identity, then folds every host message into a shadow cache.
package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"hostswap/internal/identity"
	"hostswap/internal/net/proto"
	"hostswap/internal/shadow"
	"hostswap/internal/telemetry"
)

// Config tunes a Client.
type Config struct {
	// Token is announced on the first connection. Later connections announce
	// the token the host assigned.
	Token  identity.Token
	Dialer *websocket.Dialer
	Logger telemetry.Logger
	// OnMessage, when set, observes every applied message.
	OnMessage func(proto.Message)
}

// Client keeps one participant's view of the session across host changes.
type Client struct {
	cache     *shadow.Cache
	dialer    *websocket.Dialer
	logger    telemetry.Logger
	onMessage func(proto.Message)

	mu        sync.Mutex
	announce  identity.Token
	connected bool
}

// NewClient constructs a client backed by cache. A nil cache gets a fresh one.
func NewClient(cache *shadow.Cache, cfg Config) *Client {
	if cache == nil {
		cache = shadow.New()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NopLogger()
	}
	return &Client{
		cache:     cache,
		dialer:    cfg.Dialer,
		logger:    cfg.Logger,
		onMessage: cfg.OnMessage,
		announce:  cfg.Token,
	}
}

// Cache exposes the client's ownership view.
func (c *Client) Cache() *shadow.Cache {
	return c.cache
}

// Token returns the token the client will announce on its next connection.
func (c *Client) Token() identity.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if self, ok := c.cache.Self(); ok {
		return self
	}
	return c.announce
}

// Run connects to url, announces, and applies host messages until ctx is
// cancelled or the connection drops. Calling Run again after a host change
// reconnects with the same identity.
func (c *Client) Run(ctx context.Context, url string) error {
	conn, resp, err := c.dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close()

	c.mu.Lock()
	if c.connected {
		c.cache.ResetView()
	}
	c.connected = true
	c.mu.Unlock()

	data, err := proto.Encode(proto.PeerIdentityAnnounce{Token: c.Token()})
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("announce: %w", err)
	}

	stop := context.AfterFunc(ctx, func() {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	})
	defer stop()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		msg, err := proto.Decode(payload)
		if err != nil {
			if errors.Is(err, proto.ErrUnsupportedVersion) {
				return err
			}
			c.logger.Printf("[peer] discarding malformed message: %v", err)
			continue
		}
		if assigned, ok := msg.(proto.IdentityAssigned); ok {
			if self, had := c.cache.Self(); had && self != assigned.Token {
				c.logger.Printf("[peer] host assigned %s but this peer is %s", assigned.Token.Short(), self.Short())
			}
		}
		c.cache.Apply(msg)
		if c.onMessage != nil {
			c.onMessage(msg)
		}
	}
}
