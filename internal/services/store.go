package services

import (
	"context"
	"errors"

	"chat-relay/internal/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = models.ErrMessageIDTaken
	ErrQueueFull     = errors.New("sync queue full")
	ErrClosed        = errors.New("sync service closed")
)

// Store is the durable mirror of chat data, laid out as chats/{chatId}/messages/{messageId}
// and users/{userId}. Writes are idempotent keyed by (chatId, messageId) so several relay
// processes may share one store.
type Store interface {
	// CreateMessage stores msg. Creating an id already stored for the same sender is a no-op;
	// an id stored for another sender returns ErrAlreadyExists and leaves the stored message
	// alone.
	CreateMessage(ctx context.Context, msg models.Message) error
	// UpdateMessage applies fields, honouring fields.SenderID as a precondition.
	UpdateMessage(ctx context.Context, chatID, messageID string, fields models.MessageUpdate) error
	// DeleteMessage removes the message if it was sent by senderID. A missing message, or
	// one sent by someone else, is left as is.
	DeleteMessage(ctx context.Context, chatID, messageID, senderID string) error
	// LoadHistory returns the newest limit messages of a chat, oldest first. limit <= 0
	// returns the whole chat.
	LoadHistory(ctx context.Context, chatID string, limit int) ([]models.Message, error)
	LoadProfile(ctx context.Context, userID string) (*models.UserProfile, error)
	Close() error
}
