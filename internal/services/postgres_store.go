package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"chat-relay/internal/models"
)

// PostgresStore maps chats/{chatId}/messages/{messageId} onto the chat_messages table and
// users/{userId} onto users.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) CreateMessage(ctx context.Context, msg models.Message) error {
	replyTo, err := jsonOrNil(msg.ReplyTo != nil, msg.ReplyTo)
	if err != nil {
		return err
	}
	file, err := jsonOrNil(msg.File != nil, msg.File)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO chat_messages
			(chat_id, id, kind, sender_id, text, ts, seq, status, read_by, edited, deleted, updated_at, reply_to, file)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (chat_id, id) DO NOTHING
	`
	tag, err := s.pool.Exec(ctx, query,
		msg.ChatID, msg.ID, msg.Type, msg.SenderID, msg.Text, msg.Timestamp, int64(msg.Seq),
		string(msg.Status), append([]string{}, msg.ReadBy...), msg.Edited, msg.Deleted,
		nullableMillis(msg.UpdatedAt), replyTo, file,
	)
	if err != nil {
		return fmt.Errorf("insert message %s: %w", msg.ID, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var owner string
	err = s.pool.QueryRow(ctx,
		`SELECT sender_id FROM chat_messages WHERE chat_id = $1 AND id = $2`, msg.ChatID, msg.ID,
	).Scan(&owner)
	if err != nil {
		return fmt.Errorf("check existing message %s: %w", msg.ID, err)
	}
	if owner != msg.SenderID {
		return fmt.Errorf("message %s/%s: %w", msg.ChatID, msg.ID, ErrAlreadyExists)
	}
	return nil
}

// UpdateMessage merges readBy into the stored set instead of replacing it, so relays that
// share the table never drop each other's readers.
func (s *PostgresStore) UpdateMessage(ctx context.Context, chatID, messageID string, fields models.MessageUpdate) error {
	var status *string
	if fields.Status != nil {
		v := string(*fields.Status)
		status = &v
	}

	query := `
		UPDATE chat_messages SET
			text       = COALESCE($3, text),
			status     = COALESCE($4, status),
			read_by    = COALESCE((
				SELECT array_agg(r.reader ORDER BY r.pos)
				FROM (
					SELECT reader, min(pos) AS pos
					FROM unnest(read_by || $5::text[]) WITH ORDINALITY AS u(reader, pos)
					GROUP BY reader
				) r
			), read_by),
			edited     = COALESCE($6, edited),
			deleted    = COALESCE($7, deleted),
			updated_at = COALESCE($8, updated_at)
		WHERE chat_id = $1 AND id = $2 AND ($9::text = '' OR sender_id = $9::text)
	`
	tag, err := s.pool.Exec(ctx, query, chatID, messageID,
		fields.Text, status, fields.ReadBy, fields.Edited, fields.Deleted, fields.UpdatedAt, fields.SenderID)
	if err != nil {
		return fmt.Errorf("update message %s: %w", messageID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("message %s/%s: %w", chatID, messageID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) DeleteMessage(ctx context.Context, chatID, messageID, senderID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM chat_messages WHERE chat_id = $1 AND id = $2 AND sender_id = $3`, chatID, messageID, senderID)
	if err != nil {
		return fmt.Errorf("delete message %s: %w", messageID, err)
	}
	return nil
}

func (s *PostgresStore) LoadHistory(ctx context.Context, chatID string, limit int) ([]models.Message, error) {
	query := `
		SELECT id, kind, sender_id, text, ts, seq, status, read_by, edited, deleted, updated_at, reply_to, file
		FROM chat_messages
		WHERE chat_id = $1
		ORDER BY ts DESC, seq DESC
	`
	args := []any{chatID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load history %s: %w", chatID, err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var (
			msg       models.Message
			seq       int64
			status    string
			updatedAt *int64
			replyTo   []byte
			file      []byte
		)
		if err := rows.Scan(&msg.ID, &msg.Type, &msg.SenderID, &msg.Text, &msg.Timestamp, &seq, &status,
			&msg.ReadBy, &msg.Edited, &msg.Deleted, &updatedAt, &replyTo, &file); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.ChatID = chatID
		msg.Seq = uint64(seq)
		msg.Status = models.Status(status)
		if updatedAt != nil {
			msg.UpdatedAt = *updatedAt
		}
		if len(replyTo) > 0 {
			msg.ReplyTo = &models.ReplyRef{}
			if err := json.Unmarshal(replyTo, msg.ReplyTo); err != nil {
				return nil, fmt.Errorf("decode reply_to of %s: %w", msg.ID, err)
			}
		}
		if len(file) > 0 {
			msg.File = &models.Attachment{}
			if err := json.Unmarshal(file, msg.File); err != nil {
				return nil, fmt.Errorf("decode file of %s: %w", msg.ID, err)
			}
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load history %s: %w", chatID, err)
	}

	// Reverse to show oldest first
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

func (s *PostgresStore) LoadProfile(ctx context.Context, userID string) (*models.UserProfile, error) {
	query := `
		SELECT id, COALESCE(display_name, ''), COALESCE(email, ''), COALESCE(photo_url, '')
		FROM users WHERE id = $1
	`
	var p models.UserProfile
	err := s.pool.QueryRow(ctx, query, userID).Scan(&p.ID, &p.DisplayName, &p.Email, &p.PhotoURL)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load profile %s: %w", userID, err)
	}
	return &p, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func jsonOrNil(present bool, v any) ([]byte, error) {
	if !present {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode column: %w", err)
	}
	return data, nil
}

func nullableMillis(v int64) *int64 {
	if v == 0 {
		return nil
	}
	return &v
}
