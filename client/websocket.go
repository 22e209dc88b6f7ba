// Package client provides a Go client for the too-many-cooks coordination
// server. This file contains WebSocket support for real-time event
// subscriptions.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Event is one state change pushed by the server.
type Event struct {
	Type      string         `json:"event"`
	Timestamp int64          `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// Decode re-marshals the payload into v, e.g. a Lock for lock events or a
// Message for message_sent.
func (e Event) Decode(v any) error {
	raw, err := json.Marshal(e.Payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// Event type names.
const (
	EventAgentRegistered = "agent_registered"
	EventAgentDeleted    = "agent_deleted"
	EventLockAcquired    = "lock_acquired"
	EventLockReleased    = "lock_released"
	EventLockRenewed     = "lock_renewed"
	EventMessageSent     = "message_sent"
	EventPlanUpdated     = "plan_updated"
)

// EventHandler is called for each event received via WebSocket
type EventHandler func(event Event)

// WSClient manages a WebSocket connection for real-time events
type WSClient struct {
	baseURL   string
	apiKey    string
	types     []string
	handlers  []EventHandler
	mu        sync.RWMutex
	conn      *websocket.Conn
	done      chan struct{}
	closeOnce sync.Once
	reconnect bool
}

// WSOption configures the WebSocket client
type WSOption func(*WSClient)

// WithWSAPIKey sets the bearer credential for the upgrade request
func WithWSAPIKey(key string) WSOption {
	return func(c *WSClient) {
		c.apiKey = key
	}
}

// WithEventTypes asks the server to send only the named event types
func WithEventTypes(types ...string) WSOption {
	return func(c *WSClient) {
		c.types = append(c.types, types...)
	}
}

// WithAutoReconnect enables automatic reconnection on disconnect
func WithAutoReconnect(enabled bool) WSOption {
	return func(c *WSClient) {
		c.reconnect = enabled
	}
}

// NewWSClient creates a new WebSocket client for real-time events
func NewWSClient(baseURL string, opts ...WSOption) *WSClient {
	c := &WSClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		done:      make(chan struct{}),
		reconnect: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnEvent registers an event handler
func (c *WSClient) OnEvent(handler EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, handler)
}

// Connect establishes the WebSocket connection and starts delivering events
// to the registered handlers.
func (c *WSClient) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.setConn(conn)
	go c.readLoop(ctx, conn)
	return nil
}

// Close closes the WebSocket connection and stops reconnecting
func (c *WSClient) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client closing")
	}
	return nil
}

func (c *WSClient) dial(ctx context.Context) (*websocket.Conn, error) {
	wsURL, err := c.buildWSURL()
	if err != nil {
		return nil, fmt.Errorf("build websocket url: %w", err)
	}
	opts := &websocket.DialOptions{}
	if c.apiKey != "" {
		opts.HTTPHeader = make(map[string][]string)
		opts.HTTPHeader["Authorization"] = []string{"Bearer " + c.apiKey}
	}
	conn, _, err := websocket.Dial(ctx, wsURL, opts)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return conn, nil
}

func (c *WSClient) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *WSClient) buildWSURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}

	// Convert http(s) to ws(s)
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/events"

	if len(c.types) > 0 {
		q := u.Query()
		q.Set("events", strings.Join(c.types, ","))
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (c *WSClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var event Event
		err := wsjson.Read(ctx, conn, &event)
		if err == nil {
			c.dispatchEvent(event)
			continue
		}
		if !c.reconnect {
			return
		}
		next, ok := c.redial(ctx)
		if !ok {
			return
		}
		conn = next
	}
}

func (c *WSClient) dispatchEvent(event Event) {
	c.mu.RLock()
	handlers := make([]EventHandler, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}

// redial retries with exponential backoff until it connects, the client
// closes, or ctx ends.
func (c *WSClient) redial(ctx context.Context) (*websocket.Conn, bool) {
	backoff := 1 * time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-c.done:
			return nil, false
		case <-ctx.Done():
			return nil, false
		case <-time.After(backoff):
		}

		conn, err := c.dial(ctx)
		if err == nil {
			select {
			case <-c.done:
				conn.Close(websocket.StatusNormalClosure, "client closing")
				return nil, false
			default:
			}
			c.setConn(conn)
			return conn, true
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
