package relay

import (
	"sync"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"

	"chat-relay/internal/utils"
)

// Conn is the part of a websocket connection the relay writes to.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client is one live connection. Frames are queued on send and written by WritePump, so a
// slow socket never blocks the hub.
type Client struct {
	ID     string
	UserID string
	ChatID string

	conn Conn
	send chan []byte
	done chan struct{}

	mu     sync.Mutex
	closed bool
}

func NewClient(userID, chatID string, conn Conn, queueSize int) *Client {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Client{
		ID:     uuid.New().String(),
		UserID: userID,
		ChatID: chatID,
		conn:   conn,
		send:   make(chan []byte, queueSize),
		done:   make(chan struct{}),
	}
}

// Enqueue queues a frame without blocking. It returns false when the client is closed or its
// queue is full; the frame is dropped either way.
func (c *Client) Enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Close stops the client. Frames already queued are still written before the socket is
// closed. Safe to call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Done is closed once WritePump has returned and the socket is closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// WritePump writes queued frames until the client is closed or a write fails.
func (c *Client) WritePump() {
	defer close(c.done)

	for data := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			utils.LogError(err, "client write", "client_id", c.ID, "user_id", c.UserID)
			c.Close()
			_ = c.conn.Close()
			return
		}
	}

	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = c.conn.Close()
}
