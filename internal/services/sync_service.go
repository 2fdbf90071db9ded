package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"chat-relay/internal/models"
	"chat-relay/internal/utils"
)

type syncKind int

const (
	syncCreate syncKind = iota
	syncUpdate
	syncDelete
)

func (k syncKind) String() string {
	switch k {
	case syncCreate:
		return "create"
	case syncUpdate:
		return "update"
	case syncDelete:
		return "delete"
	default:
		return "unknown"
	}
}

type syncTask struct {
	kind      syncKind
	msg       models.Message
	chatID    string
	messageID string
	senderID  string
	fields    models.MessageUpdate
	done      func(error)
}

type SyncOptions struct {
	QueueSize  int
	MaxRetries int
	Backoff    time.Duration
	OpTimeout  time.Duration
}

// SyncService mirrors accepted mutations into the Store. Writes are queued and applied by a
// single worker in FIFO order, so the writes for one message land in the order they were
// accepted. A failed write is logged and reported to its callback; in-memory state is never
// rolled back. With MaxRetries > 0 a failed write is retried with exponential backoff before
// it is given up.
type SyncService struct {
	store Store
	opts  SyncOptions

	queue chan syncTask
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewSyncService(store Store, opts SyncOptions) *SyncService {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 200 * time.Millisecond
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 10 * time.Second
	}
	s := &SyncService{
		store: store,
		opts:  opts,
		queue: make(chan syncTask, opts.QueueSize),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// PersistCreate queues the first write of a message. done may be nil.
func (s *SyncService) PersistCreate(msg models.Message, done func(error)) {
	s.enqueue(syncTask{kind: syncCreate, msg: msg.Clone(), chatID: msg.ChatID, messageID: msg.ID, done: done})
}

// PersistUpdate queues an edit, soft delete or read-state change.
func (s *SyncService) PersistUpdate(chatID, messageID string, fields models.MessageUpdate, done func(error)) {
	s.enqueue(syncTask{kind: syncUpdate, chatID: chatID, messageID: messageID, fields: fields, done: done})
}

// PersistDelete queues the permanent removal of a message sent by senderID (hard delete
// policy).
func (s *SyncService) PersistDelete(chatID, messageID, senderID string, done func(error)) {
	s.enqueue(syncTask{kind: syncDelete, chatID: chatID, messageID: messageID, senderID: senderID, done: done})
}

// LoadHistory reads the store's current view of a chat on the caller's goroutine.
func (s *SyncService) LoadHistory(ctx context.Context, chatID string, limit int) ([]models.Message, error) {
	return s.store.LoadHistory(ctx, chatID, limit)
}

func (s *SyncService) enqueue(t syncTask) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		s.finish(t, ErrClosed)
		return
	}
	select {
	case s.queue <- t:
		s.mu.RUnlock()
	default:
		s.mu.RUnlock()
		s.finish(t, ErrQueueFull)
	}
}

func (s *SyncService) run() {
	defer s.wg.Done()
	for t := range s.queue {
		s.finish(t, s.apply(t))
	}
}

func (s *SyncService) apply(t syncTask) error {
	backoff := s.opts.Backoff
	for attempt := 0; ; attempt++ {
		err := s.exec(t)
		if err == nil || permanent(err) || attempt >= s.opts.MaxRetries {
			return err
		}
		utils.Logger().Warn("sync write failed, retrying",
			"op", t.kind.String(), "chat_id", t.chatID, "message_id", t.messageID,
			"attempt", attempt+1, "error", err)
		time.Sleep(backoff)
		backoff *= 2
	}
}

// permanent reports errors that a retry cannot fix.
func permanent(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrAlreadyExists)
}

func (s *SyncService) exec(t syncTask) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.OpTimeout)
	defer cancel()

	switch t.kind {
	case syncCreate:
		return s.store.CreateMessage(ctx, t.msg)
	case syncUpdate:
		return s.store.UpdateMessage(ctx, t.chatID, t.messageID, t.fields)
	case syncDelete:
		return s.store.DeleteMessage(ctx, t.chatID, t.messageID, t.senderID)
	default:
		return fmt.Errorf("unknown sync op %d", t.kind)
	}
}

func (s *SyncService) finish(t syncTask, err error) {
	if err != nil {
		utils.LogError(err, "sync write", "op", t.kind.String(), "chat_id", t.chatID, "message_id", t.messageID)
	}
	if t.done != nil {
		t.done(err)
	}
}

// Flush stops accepting writes and waits until every queued write has been applied or ctx
// expires.
func (s *SyncService) Flush(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("flush sync queue: %w", ctx.Err())
	}
}

// Pending reports how many writes are waiting in the queue.
func (s *SyncService) Pending() int {
	return len(s.queue)
}
