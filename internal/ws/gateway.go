// Package ws pushes hub events to observers over WebSocket.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/mistakeknot/toomanycooks/internal/core"
)

const writeTimeout = 5 * time.Second

// Subscriber is the hub side of the gateway.
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan core.Event, string)
}

// Gateway serves /ws/events: one JSON event per text frame. Clients only
// listen; anything they send is discarded.
type Gateway struct {
	hub            Subscriber
	logger         *slog.Logger
	originPatterns []string

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

type Option func(*Gateway)

// WithOriginPatterns allows browser clients from the given host patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(g *Gateway) { g.originPatterns = append(g.originPatterns, patterns...) }
}

func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

func NewGateway(hub Subscriber, opts ...Option) *Gateway {
	g := &Gateway{
		hub:    hub,
		logger: slog.Default(),
		conns:  make(map[*websocket.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "ws")
	return g
}

// Connections reports how many observers are attached.
func (g *Gateway) Connections() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// Handler upgrades the request and streams events until the client goes
// away, a write fails, or the hub closes. The optional "events" query
// parameter is a comma-separated allow list of event types.
func (g *Gateway) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := parseFilter(r.URL.Query().Get("events"))

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: g.originPatterns})
		if err != nil {
			return
		}
		g.add(conn)
		defer g.remove(conn)

		// CloseRead discards client frames and cancels ctx once the peer
		// closes.
		ctx := conn.CloseRead(r.Context())
		events, _ := g.hub.Subscribe(ctx)

		for {
			select {
			case <-ctx.Done():
				conn.Close(websocket.StatusNormalClosure, "")
				return
			case ev, ok := <-events:
				if !ok {
					conn.Close(websocket.StatusGoingAway, "server shutting down")
					return
				}
				if filter != nil && !filter[ev.Type] {
					continue
				}
				wctx, cancel := context.WithTimeout(ctx, writeTimeout)
				err := wsjson.Write(wctx, conn, ev)
				cancel()
				if err != nil {
					g.logger.Debug("dropping observer", "error", err)
					conn.Close(websocket.StatusGoingAway, "write error")
					return
				}
			}
		}
	}
}

func parseFilter(raw string) map[core.EventType]bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	out := make(map[core.EventType]bool)
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out[core.EventType(part)] = true
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (g *Gateway) add(conn *websocket.Conn) {
	g.mu.Lock()
	g.conns[conn] = struct{}{}
	n := len(g.conns)
	g.mu.Unlock()
	g.logger.Debug("observer connected", "connections", n)
}

func (g *Gateway) remove(conn *websocket.Conn) {
	g.mu.Lock()
	delete(g.conns, conn)
	n := len(g.conns)
	g.mu.Unlock()
	g.logger.Debug("observer disconnected", "connections", n)
}
