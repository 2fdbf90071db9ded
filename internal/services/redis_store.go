package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"chat-relay/internal/models"
	"chat-relay/internal/utils"
)

// RedisStore keeps each chat in a hash (chats:{chatId}:messages, field = message id, value =
// JSON) plus a sorted set (chats:{chatId}:order) scored by timestamp for ordered reads.
// Profiles live in the hash users:{userId}.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func messagesKey(chatID string) string { return "chats:" + chatID + ":messages" }
func orderKey(chatID string) string    { return "chats:" + chatID + ":order" }
func userKey(userID string) string     { return "users:" + userID }

func (s *RedisStore) CreateMessage(ctx context.Context, msg models.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("redis CreateMessage encode: %w", err)
	}

	created, err := s.client.HSetNX(ctx, messagesKey(msg.ChatID), msg.ID, data).Result()
	if err != nil {
		return fmt.Errorf("redis CreateMessage: %w", err)
	}
	if !created {
		owner, err := s.senderOf(ctx, s.client, msg.ChatID, msg.ID)
		if err != nil {
			return fmt.Errorf("redis CreateMessage check: %w", err)
		}
		if owner != msg.SenderID {
			return fmt.Errorf("message %s/%s: %w", msg.ChatID, msg.ID, ErrAlreadyExists)
		}
		return nil
	}
	if err := s.client.ZAddNX(ctx, orderKey(msg.ChatID), redis.Z{
		Score:  float64(msg.Timestamp),
		Member: msg.ID,
	}).Err(); err != nil {
		return fmt.Errorf("redis CreateMessage order: %w", err)
	}
	return nil
}

func (s *RedisStore) UpdateMessage(ctx context.Context, chatID, messageID string, fields models.MessageUpdate) error {
	key := messagesKey(chatID)

	// Optimistic read-modify-write; a concurrent writer aborts the transaction and the
	// update is attempted again.
	for attempt := 0; attempt < 3; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.HGet(ctx, key, messageID).Bytes()
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("message %s/%s: %w", chatID, messageID, ErrNotFound)
			}
			if err != nil {
				return err
			}

			var msg models.Message
			if err := utils.SafeJSONParse(raw, &msg); err != nil {
				return fmt.Errorf("decode message %s: %w", messageID, err)
			}
			if fields.SenderID != "" && msg.SenderID != fields.SenderID {
				return fmt.Errorf("message %s/%s: %w", chatID, messageID, ErrNotFound)
			}
			readers := msg.ReadBy
			fields.Apply(&msg)
			if fields.ReadBy != nil {
				msg.ReadBy = readers
				for _, r := range fields.ReadBy {
					msg.AddReader(r)
				}
			}

			data, err := json.Marshal(msg)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, key, messageID, data)
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("redis UpdateMessage: %w", err)
		}
		return err
	}
	return fmt.Errorf("redis UpdateMessage %s: too much contention", messageID)
}

func (s *RedisStore) DeleteMessage(ctx context.Context, chatID, messageID, senderID string) error {
	key := messagesKey(chatID)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		owner, err := s.senderOf(ctx, tx, chatID, messageID)
		if errors.Is(err, ErrNotFound) || (err == nil && owner != senderID) {
			return nil
		}
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HDel(ctx, key, messageID)
			pipe.ZRem(ctx, orderKey(chatID), messageID)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return fmt.Errorf("redis DeleteMessage: %w", err)
	}
	return nil
}

// hashGetter is satisfied by both *redis.Client and *redis.Tx.
type hashGetter interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
}

// senderOf reads the sender of a stored message.
func (s *RedisStore) senderOf(ctx context.Context, c hashGetter, chatID, messageID string) (string, error) {
	raw, err := c.HGet(ctx, messagesKey(chatID), messageID).Bytes()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("message %s/%s: %w", chatID, messageID, ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	var msg models.Message
	if err := utils.SafeJSONParse(raw, &msg); err != nil {
		return "", fmt.Errorf("decode message %s: %w", messageID, err)
	}
	return msg.SenderID, nil
}

func (s *RedisStore) LoadHistory(ctx context.Context, chatID string, limit int) ([]models.Message, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := s.client.ZRevRange(ctx, orderKey(chatID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis LoadHistory order: %w", err)
	}
	if len(ids) == 0 {
		return []models.Message{}, nil
	}

	values, err := s.client.HMGet(ctx, messagesKey(chatID), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis LoadHistory: %w", err)
	}

	out := make([]models.Message, 0, len(values))
	for i := len(values) - 1; i >= 0; i-- {
		raw, ok := values[i].(string)
		if !ok {
			continue
		}
		var msg models.Message
		if err := utils.SafeJSONParse([]byte(raw), &msg); err != nil {
			return nil, fmt.Errorf("decode message %s: %w", ids[i], err)
		}
		out = append(out, msg)
	}
	return out, nil
}

func (s *RedisStore) LoadProfile(ctx context.Context, userID string) (*models.UserProfile, error) {
	fields, err := s.client.HGetAll(ctx, userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis LoadProfile: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	return &models.UserProfile{
		ID:          userID,
		DisplayName: fields["displayName"],
		Email:       fields["email"],
		PhotoURL:    fields["photoURL"],
	}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
