// ABOUTME: A single websocket connection with a buffered outbound queue and keepalive pings
// ABOUTME: Implements presence.Handle; Send never blocks and is safe after close

package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/coven-desk/internal/presence"
)

// Connection errors
var (
	ErrConnClosed   = errors.New("connection closed")
	ErrSlowConsumer = errors.New("connection send buffer full")
)

const writeWait = 10 * time.Second

// Conn is one realtime session. The roles it registered as are recorded for cleanup.
type Conn struct {
	id     string
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger

	mu      sync.Mutex
	agentID string
	adminID string
}

func newConn(ws *websocket.Conn, buffer int, logger *slog.Logger) *Conn {
	id := uuid.New().String()
	return &Conn{
		id:     id,
		ws:     ws,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
		logger: logger.With("conn", id),
	}
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// Send queues ev for delivery.
func (c *Conn) Send(ev presence.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", ev.Name, err)
	}

	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		return ErrSlowConsumer
	}
}

// Close stops the writer and closes the socket. Safe to call more than once.
func (c *Conn) Close() {
	c.once.Do(func() {
		close(c.done)
	})
}

func (c *Conn) setAgent(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agentID = id
}

func (c *Conn) setAdmin(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.adminID = id
}

// Agent returns the agent id this connection registered as, if any.
func (c *Conn) Agent() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agentID
}

// Admin returns the admin id this connection registered as, if any.
func (c *Conn) Admin() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.adminID
}

// writePump is the only goroutine that writes to the socket.
func (c *Conn) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("write failed", "error", err)
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("ping failed", "error", err)
				c.Close()
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}
