package relay

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"

	"chat-relay/internal/models"
	"chat-relay/internal/utils"
)

var ErrHubStopped = errors.New("hub stopped")

// SyncAdapter is the durable side of the hub: it persists accepted mutations and loads the
// history a new room starts from.
type SyncAdapter interface {
	Persister
	LoadHistory(ctx context.Context, chatID string, limit int) ([]models.Message, error)
}

type Options struct {
	HistoryLimit int
	DeletePolicy string
}

// Stats is a point-in-time view for health reporting.
type Stats struct {
	Connections int `json:"connections"`
	Rooms       int `json:"rooms"`
}

// Hub runs every registry, directory and processor operation on one goroutine. Connection
// goroutines submit operations; blocking I/O stays on their side of the channel.
type Hub struct {
	registry  *Registry
	directory *Directory
	processor *Processor
	adapter   SyncAdapter
	opts      Options

	ops  chan func()
	done chan struct{}

	// clients holds every open connection, including ones replaced in the registry.
	clients map[string]*Client

	connections atomic.Int64
	rooms       atomic.Int64
}

func NewHub(adapter SyncAdapter, opts Options) *Hub {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	h := &Hub{
		registry:  NewRegistry(),
		directory: NewDirectory(opts.HistoryLimit),
		adapter:   adapter,
		opts:      opts,
		ops:       make(chan func(), 256),
		done:      make(chan struct{}),
		clients:   make(map[string]*Client),
	}
	h.processor = NewProcessor(h.registry, h.directory, adapter, h.post, opts.DeletePolicy)
	return h
}

// Run processes operations until ctx is cancelled, then closes every connection.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			utils.Logger().Info("hub shutting down", "connections", len(h.clients))
			h.closeAllClients()
			close(h.done)
			return
		case op := <-h.ops:
			h.exec(op)
		}
	}
}

// Wait blocks until Run has returned.
func (h *Hub) Wait() {
	<-h.done
}

func (h *Hub) exec(op func()) {
	defer func() {
		if r := recover(); r != nil {
			utils.Logger().Error("hub operation panicked", "panic", r, "stack", string(debug.Stack()))
		}
		h.connections.Store(int64(len(h.clients)))
		h.rooms.Store(int64(h.directory.Len()))
	}()
	op()
}

func (h *Hub) closeAllClients() {
	for _, c := range h.clients {
		c.Close()
	}
	h.registry.CloseAll()
	h.clients = make(map[string]*Client)
	h.connections.Store(0)
	h.rooms.Store(0)
}

func (h *Hub) submit(op func()) error {
	select {
	case <-h.done:
		return ErrHubStopped
	default:
	}
	select {
	case h.ops <- op:
		return nil
	case <-h.done:
		return ErrHubStopped
	}
}

// post is used for persistence callbacks; after shutdown they are dropped. A callback can
// fire on the hub goroutine itself (a rejected enqueue), so post never blocks.
func (h *Hub) post(fn func()) {
	select {
	case h.ops <- fn:
	case <-h.done:
	default:
		go func() { _ = h.submit(fn) }()
	}
}

// Connect loads the chat's recent history on the caller's goroutine and then joins c to its
// room. A failed load is logged and the room starts from whatever is cached.
func (h *Hub) Connect(ctx context.Context, c *Client) error {
	history, err := h.adapter.LoadHistory(ctx, c.ChatID, h.opts.HistoryLimit)
	if err != nil {
		utils.LogError(err, "load history", "chat_id", c.ChatID, "user_id", c.UserID)
		history = nil
	}

	return h.submit(func() {
		h.clients[c.ID] = c
		h.processor.Connect(c, history)
		utils.Logger().Info("user connected", "user_id", c.UserID, "chat_id", c.ChatID, "client_id", c.ID)
	})
}

// Disconnect removes c from its room. The caller still owns closing c.
func (h *Hub) Disconnect(c *Client) error {
	return h.submit(func() {
		if _, ok := h.clients[c.ID]; !ok {
			return
		}
		delete(h.clients, c.ID)
		h.processor.Disconnect(c)
		utils.Logger().Info("user disconnected", "user_id", c.UserID, "chat_id", c.ChatID, "client_id", c.ID)
	})
}

// Dispatch queues a client event. Rejected events are logged at debug level and dropped.
func (h *Hub) Dispatch(c *Client, ev models.InboundEvent) error {
	return h.submit(func() {
		if err := h.processor.Handle(c, ev); err != nil {
			utils.Logger().Debug("event rejected",
				"user_id", c.UserID, "chat_id", c.ChatID, "event", ev.InboundType(), "reason", err.Error())
		}
	})
}

// Upload announces an attachment that has already been written to storage.
func (h *Hub) Upload(c *Client, att *models.Attachment) error {
	return h.submit(func() {
		if err := h.processor.HandleFile(c, att); err != nil {
			utils.Logger().Debug("file rejected", "user_id", c.UserID, "chat_id", c.ChatID, "reason", err.Error())
		}
	})
}

// Do runs fn on the hub goroutine and waits for it to finish.
func (h *Hub) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if err := h.submit(func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-h.done:
		return ErrHubStopped
	case <-ctx.Done():
		return fmt.Errorf("hub op: %w", ctx.Err())
	}
}

func (h *Hub) Stats() Stats {
	return Stats{
		Connections: int(h.connections.Load()),
		Rooms:       int(h.rooms.Load()),
	}
}
