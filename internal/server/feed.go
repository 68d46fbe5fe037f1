package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ehconitin/twenty/internal/engine/event"
)

const (
	feedWriteWait  = 10 * time.Second
	feedPongWait   = 60 * time.Second
	feedPingPeriod = (feedPongWait * 9) / 10
	feedSendBuffer = 64
)

var feedUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// same-origin policy is enforced by callers holding a valid token
	CheckOrigin: func(r *http.Request) bool { return true },
}

// feedHub fans change events out to websocket subscribers. Each client
// only receives events for its own workspace. A client that cannot
// keep up is dropped rather than allowed to stall the emitter worker.
type feedHub struct {
	mu      sync.RWMutex
	clients map[*feedClient]struct{}
	log     *zap.Logger
}

func newFeedHub(log *zap.Logger) *feedHub {
	return &feedHub{clients: make(map[*feedClient]struct{}), log: log}
}

// broadcast is registered as an emitter handler
func (h *feedHub) broadcast(_ context.Context, ev *event.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.workspaceID != ev.WorkspaceID {
			continue
		}
		select {
		case c.send <- ev:
		default:
			h.log.Warn("event feed client lagging, closing",
				zap.String("workspace_id", c.workspaceID))
			c.closeOnce.Do(func() { close(c.send) })
		}
	}
}

func (h *feedHub) register(c *feedClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *feedHub) unregister(c *feedClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.closeOnce.Do(func() { close(c.send) })
}

type feedClient struct {
	workspaceID string
	conn        *websocket.Conn
	send        chan *event.Event
	closeOnce   sync.Once
}

func (s *Server) handleEventFeed(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	conn, err := feedUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &feedClient{
		workspaceID: principal.WorkspaceID,
		conn:        conn,
		send:        make(chan *event.Event, feedSendBuffer),
	}
	s.feed.register(client)

	go s.feedWritePump(client)
	s.feedReadPump(client)
}

// feedReadPump discards inbound frames but keeps the connection's pong
// deadline fresh. It returns when the peer goes away.
func (s *Server) feedReadPump(c *feedClient) {
	defer func() {
		s.feed.unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(feedPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(feedPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) feedWritePump(c *feedClient) {
	ticker := time.NewTicker(feedPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case ev, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
