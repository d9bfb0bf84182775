package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/talgya/tradersim/internal/stream"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum size of an incoming message.
	maxMessageSize = 4096

	defaultStreamBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browsers are gated by CORS on the REST side; the stream is read-only.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// filterMsg is the JSON message a client sends to narrow the kinds it wants.
// An empty Kinds list restores the full feed.
type filterMsg struct {
	Kinds []stream.Kind `json:"kinds"`
}

// wsClient is one connected stream consumer.
type wsClient struct {
	conn *websocket.Conn
	sub  *stream.Subscription

	mu    sync.RWMutex
	kinds map[stream.Kind]bool
}

func (c *wsClient) wants(k stream.Kind) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.kinds) == 0 || c.kinds[k]
}

func (c *wsClient) setFilter(kinds []stream.Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kinds = make(map[stream.Kind]bool, len(kinds))
	for _, k := range kinds {
		c.kinds[k] = true
	}
}

// handleStream upgrades to a websocket and pushes facts as JSON text frames.
// The client first receives the recent backlog, then live facts. A slow
// client loses its oldest facts; the tick never waits for it.
// GET /api/v1/stream?catchup=N
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.Facts == nil {
		writeError(w, http.StatusServiceUnavailable, "streaming disabled")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ws: upgrade failed", "error", err)
		return
	}

	buffer := s.StreamBuffer
	if buffer <= 0 {
		buffer = defaultStreamBuffer
	}
	c := &wsClient{conn: conn, sub: s.Facts.Subscribe(buffer)}
	slog.Info("ws: client connected", "sub", c.sub.ID, "total_clients", s.Facts.Subscribers())

	backlog := s.Facts.Recent(queryInt(r, "catchup", 0))
	done := make(chan struct{})
	go c.readPump(done)
	c.writePump(backlog, done)

	s.Facts.Unsubscribe(c.sub)
	slog.Info("ws: client disconnected", "sub", c.sub.ID, "dropped", c.sub.Dropped())
}

// readPump handles filter messages and pongs. It closes done when the
// connection ends.
func (c *wsClient) readPump(done chan<- struct{}) {
	defer close(done)

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
				slog.Warn("ws: unexpected close error", "error", err)
			}
			return
		}
		var f filterMsg
		if err := json.Unmarshal(message, &f); err == nil {
			c.setFilter(f.Kinds)
		}
	}
}

// writePump sends the backlog, then live facts and periodic pings, until the
// reader quits, a write fails, or the subscription is closed.
func (c *wsClient) writePump(backlog []stream.Fact, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for _, f := range backlog {
		if c.wants(f.Kind) && !c.write(f) {
			return
		}
	}

	for {
		select {
		case <-done:
			return
		case f, ok := <-c.sub.C:
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if c.wants(f.Kind) && !c.write(f) {
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

func (c *wsClient) write(f stream.Fact) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(f); err != nil {
		slog.Debug("ws: write failed", "sub", c.sub.ID, "error", err)
		return false
	}
	return true
}
