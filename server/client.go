package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/teranos/episodic/pulse/async"
)

// WebSocket timeouts, as in the gorilla chat example
// See: https://github.com/gorilla/websocket/blob/master/examples/chat/client.go
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Clients only send control frames
	maxMessageSize = 4096

	// Buffered events per client before the emitter starts dropping
	clientEventBuffer = 256
)

// Client is one job event stream subscriber
type Client struct {
	server      *Server
	conn        *websocket.Conn
	events      <-chan async.JobEvent
	unsubscribe func()
	id          string

	// Optional filters from the query string
	tenantID  string
	projectID string
}

// HandleJobStream handles /ws/jobs?tenant=&project=
// Streams every job event as a JSON message. Events are informational; the
// store remains authoritative.
func (s *Server) HandleJobStream(w http.ResponseWriter, r *http.Request) {
	upgrader := s.jobStreamUpgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		s.logger.Debugw("WebSocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	events, unsubscribe := s.svc.Events.Subscribe(clientEventBuffer)
	c := &Client{
		server:      s,
		conn:        conn,
		events:      events,
		unsubscribe: unsubscribe,
		id:          uuid.NewString(),
		tenantID:    r.URL.Query().Get("tenant"),
		projectID:   r.URL.Query().Get("project"),
	}

	s.mu.Lock()
	s.clients[c] = true
	s.mu.Unlock()

	s.logger.Infow("Job stream client connected",
		"client_id", shortID(c.id),
		"tenant", c.tenantID,
		"project", c.projectID,
		"remote", r.RemoteAddr)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		c.writePump()
	}()
	go func() {
		defer s.wg.Done()
		c.readPump()
	}()
}

// readPump drains control frames until the peer goes away
func (c *Client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.handleReadError(err)
			return
		}
	}
}

// handleReadError logs unexpected WebSocket read errors.
// Expected closure codes (going away, abnormal, no status) are silently ignored.
func (c *Client) handleReadError(err error) {
	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseNoStatusReceived,
		websocket.CloseNormalClosure,
	) {
		c.server.logger.Warnw("WebSocket read error", "client_id", shortID(c.id), "error", err)
	}
}

// writePump forwards matching job events and keeps the connection alive
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.server.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return

		case ev, ok := <-c.events:
			if !ok {
				return
			}
			if !c.wants(ev) {
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				c.server.logger.Debugw("Job event write error", "client_id", shortID(c.id), "error", err)
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

func (c *Client) wants(ev async.JobEvent) bool {
	if c.tenantID != "" && ev.TenantID != c.tenantID {
		return false
	}
	if c.projectID != "" && ev.ProjectID != c.projectID {
		return false
	}
	return true
}

// close unregisters the client. Safe to call from both pumps.
func (c *Client) close() {
	c.server.mu.Lock()
	_, registered := c.server.clients[c]
	delete(c.server.clients, c)
	c.server.mu.Unlock()

	if registered {
		c.unsubscribe()
		c.server.logger.Infow("Job stream client disconnected", "client_id", shortID(c.id))
	}
	c.conn.Close()
}
