package services

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"chat-relay/internal/models"
)

// FirestoreStore keeps the document layout the chat clients already read:
// chats/{chatId}/messages/{messageId} and users/{userId}.
type FirestoreStore struct {
	client *firestore.Client
}

func NewFirestoreStore(ctx context.Context, projectID string) (*FirestoreStore, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID is required for Firestore store")
	}

	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("creating firestore client: %w", err)
	}

	return &FirestoreStore{client: client}, nil
}

// ─────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────

func (s *FirestoreStore) messagesCol(chatID string) *firestore.CollectionRef {
	return s.client.Collection("chats").Doc(chatID).Collection("messages")
}

func (s *FirestoreStore) messageDoc(chatID, messageID string) *firestore.DocumentRef {
	return s.messagesCol(chatID).Doc(messageID)
}

func (s *FirestoreStore) userDoc(userID string) *firestore.DocumentRef {
	return s.client.Collection("users").Doc(userID)
}

// ─────────────────────────────────────────
// Firestore Types
// ─────────────────────────────────────────

type replyDoc struct {
	ID       string `firestore:"id"`
	Text     string `firestore:"text"`
	SenderID string `firestore:"senderId"`
}

type fileDoc struct {
	ID           string `firestore:"id"`
	OwnerID      string `firestore:"ownerId"`
	Size         int64  `firestore:"size"`
	MimeType     string `firestore:"mimeType"`
	OriginalName string `firestore:"originalName"`
	Checksum     string `firestore:"checksum"`
}

type messageDoc struct {
	Type      string    `firestore:"type"`
	ID        string    `firestore:"id"`
	ChatID    string    `firestore:"chatId"`
	SenderID  string    `firestore:"senderId"`
	Text      string    `firestore:"text"`
	Timestamp int64     `firestore:"timestamp"`
	Seq       int64     `firestore:"seq"`
	Status    string    `firestore:"status"`
	ReadBy    []string  `firestore:"readBy"`
	Edited    bool      `firestore:"edited"`
	Deleted   bool      `firestore:"deleted"`
	UpdatedAt int64     `firestore:"updatedAt,omitempty"`
	ReplyTo   *replyDoc `firestore:"replyTo,omitempty"`
	File      *fileDoc  `firestore:"file,omitempty"`
}

type profileDoc struct {
	DisplayName string `firestore:"displayName"`
	Email       string `firestore:"email"`
	PhotoURL    string `firestore:"photoURL"`
}

func toMessageDoc(m models.Message) messageDoc {
	doc := messageDoc{
		Type:      m.Type,
		ID:        m.ID,
		ChatID:    m.ChatID,
		SenderID:  m.SenderID,
		Text:      m.Text,
		Timestamp: m.Timestamp,
		Seq:       int64(m.Seq),
		Status:    string(m.Status),
		ReadBy:    append([]string{}, m.ReadBy...),
		Edited:    m.Edited,
		Deleted:   m.Deleted,
		UpdatedAt: m.UpdatedAt,
	}
	if m.ReplyTo != nil {
		doc.ReplyTo = &replyDoc{ID: m.ReplyTo.ID, Text: m.ReplyTo.Text, SenderID: m.ReplyTo.SenderID}
	}
	if m.File != nil {
		doc.File = &fileDoc{
			ID:           m.File.ID,
			OwnerID:      m.File.OwnerID,
			Size:         m.File.Size,
			MimeType:     m.File.MimeType,
			OriginalName: m.File.OriginalName,
			Checksum:     m.File.Checksum,
		}
	}
	return doc
}

func (d messageDoc) toMessage() models.Message {
	m := models.Message{
		Type:      d.Type,
		ID:        d.ID,
		ChatID:    d.ChatID,
		SenderID:  d.SenderID,
		Text:      d.Text,
		Timestamp: d.Timestamp,
		Seq:       uint64(d.Seq),
		Status:    models.Status(d.Status),
		ReadBy:    d.ReadBy,
		Edited:    d.Edited,
		Deleted:   d.Deleted,
		UpdatedAt: d.UpdatedAt,
	}
	if m.Type == "" {
		m.Type = models.KindText
	}
	if d.ReplyTo != nil {
		m.ReplyTo = &models.ReplyRef{ID: d.ReplyTo.ID, Text: d.ReplyTo.Text, SenderID: d.ReplyTo.SenderID}
	}
	if d.File != nil {
		m.File = &models.Attachment{
			ID:           d.File.ID,
			OwnerID:      d.File.OwnerID,
			Size:         d.File.Size,
			MimeType:     d.File.MimeType,
			OriginalName: d.File.OriginalName,
			Checksum:     d.File.Checksum,
		}
	}
	return m
}

// ─────────────────────────────────────────
// Store implementation
// ─────────────────────────────────────────

func (s *FirestoreStore) CreateMessage(ctx context.Context, msg models.Message) error {
	ref := s.messageDoc(msg.ChatID, msg.ID)
	_, err := ref.Create(ctx, toMessageDoc(msg))
	if err == nil {
		return nil
	}
	if status.Code(err) != codes.AlreadyExists {
		return fmt.Errorf("firestore CreateMessage: %w", err)
	}

	snap, err := ref.Get(ctx)
	if err != nil {
		return fmt.Errorf("firestore CreateMessage check: %w", err)
	}
	if owner, _ := snap.DataAt("senderId"); owner != msg.SenderID {
		return fmt.Errorf("message %s/%s: %w", msg.ChatID, msg.ID, ErrAlreadyExists)
	}
	return nil
}

func (s *FirestoreStore) UpdateMessage(ctx context.Context, chatID, messageID string, fields models.MessageUpdate) error {
	var updates []firestore.Update
	if fields.Text != nil {
		updates = append(updates, firestore.Update{Path: "text", Value: *fields.Text})
	}
	if fields.Status != nil {
		updates = append(updates, firestore.Update{Path: "status", Value: string(*fields.Status)})
	}
	if fields.ReadBy != nil {
		readers := make([]interface{}, 0, len(fields.ReadBy))
		for _, r := range fields.ReadBy {
			readers = append(readers, r)
		}
		// Union keeps readBy monotonic when several relays write the same document.
		updates = append(updates, firestore.Update{Path: "readBy", Value: firestore.ArrayUnion(readers...)})
	}
	if fields.Edited != nil {
		updates = append(updates, firestore.Update{Path: "edited", Value: *fields.Edited})
	}
	if fields.Deleted != nil {
		updates = append(updates, firestore.Update{Path: "deleted", Value: *fields.Deleted})
	}
	if fields.UpdatedAt != nil {
		updates = append(updates, firestore.Update{Path: "updatedAt", Value: *fields.UpdatedAt})
	}
	if len(updates) == 0 {
		return nil
	}

	ref := s.messageDoc(chatID, messageID)
	notFound := fmt.Errorf("message %s/%s: %w", chatID, messageID, ErrNotFound)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return notFound
			}
			return err
		}
		if fields.SenderID != "" {
			if owner, _ := snap.DataAt("senderId"); owner != fields.SenderID {
				return notFound
			}
		}
		return tx.Update(ref, updates)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("firestore UpdateMessage: %w", err)
	}
	return nil
}

func (s *FirestoreStore) DeleteMessage(ctx context.Context, chatID, messageID, senderID string) error {
	ref := s.messageDoc(chatID, messageID)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return nil
			}
			return err
		}
		if owner, _ := snap.DataAt("senderId"); owner != senderID {
			return nil
		}
		return tx.Delete(ref)
	})
	if err != nil {
		return fmt.Errorf("firestore DeleteMessage: %w", err)
	}
	return nil
}

func (s *FirestoreStore) LoadHistory(ctx context.Context, chatID string, limit int) ([]models.Message, error) {
	q := s.messagesCol(chatID).OrderBy("timestamp", firestore.Desc).OrderBy("seq", firestore.Desc)
	if limit > 0 {
		q = q.Limit(limit)
	}

	iter := q.Documents(ctx)
	defer iter.Stop()

	var out []models.Message
	for {
		snap, err := iter.Next()
		if err != nil {
			if err == iterator.Done {
				break
			}
			return nil, fmt.Errorf("firestore LoadHistory: %w", err)
		}

		var doc messageDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode messageDoc: %w", err)
		}
		msg := doc.toMessage()
		msg.ID = snap.Ref.ID
		msg.ChatID = chatID
		out = append(out, msg)
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *FirestoreStore) LoadProfile(ctx context.Context, userID string) (*models.UserProfile, error) {
	snap, err := s.userDoc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, fmt.Errorf("user %s: %w", userID, ErrNotFound)
		}
		return nil, fmt.Errorf("firestore LoadProfile: %w", err)
	}

	var doc profileDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("firestore LoadProfile decode: %w", err)
	}
	return &models.UserProfile{
		ID:          userID,
		DisplayName: doc.DisplayName,
		Email:       doc.Email,
		PhotoURL:    doc.PhotoURL,
	}, nil
}

func (s *FirestoreStore) Close() error {
	return s.client.Close()
}
