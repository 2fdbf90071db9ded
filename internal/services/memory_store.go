package services

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"chat-relay/internal/models"
)

// MemoryStore keeps everything in process memory. It backs development runs and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string]map[string]models.Message // chatID -> messageID -> message
	profiles map[string]models.UserProfile
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[string]map[string]models.Message),
		profiles: make(map[string]models.UserProfile),
	}
}

func (s *MemoryStore) CreateMessage(_ context.Context, msg models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	chat, ok := s.messages[msg.ChatID]
	if !ok {
		chat = make(map[string]models.Message)
		s.messages[msg.ChatID] = chat
	}
	if existing, exists := chat[msg.ID]; exists {
		if existing.SenderID != msg.SenderID {
			return fmt.Errorf("message %s/%s: %w", msg.ChatID, msg.ID, ErrAlreadyExists)
		}
		return nil
	}
	chat[msg.ID] = msg.Clone()
	return nil
}

func (s *MemoryStore) UpdateMessage(_ context.Context, chatID, messageID string, fields models.MessageUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[chatID][messageID]
	if !ok || (fields.SenderID != "" && msg.SenderID != fields.SenderID) {
		return fmt.Errorf("message %s/%s: %w", chatID, messageID, ErrNotFound)
	}
	fields.Apply(&msg)
	s.messages[chatID][messageID] = msg
	return nil
}

func (s *MemoryStore) DeleteMessage(_ context.Context, chatID, messageID, senderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg, ok := s.messages[chatID][messageID]; ok && msg.SenderID == senderID {
		delete(s.messages[chatID], messageID)
	}
	return nil
}

func (s *MemoryStore) LoadHistory(_ context.Context, chatID string, limit int) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Message, 0, len(s.messages[chatID]))
	for _, m := range s.messages[chatID] {
		out = append(out, m.Clone())
	}
	sortHistory(out)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *MemoryStore) LoadProfile(_ context.Context, userID string) (*models.UserProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[userID]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	return &p, nil
}

// PutProfile seeds a profile; profiles are written by the identity provider, not the relay.
func (s *MemoryStore) PutProfile(p models.UserProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ID] = p
}

func (s *MemoryStore) Close() error { return nil }

// sortHistory orders by server timestamp, then sequence, then id.
func sortHistory(msgs []models.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].Timestamp != msgs[j].Timestamp {
			return msgs[i].Timestamp < msgs[j].Timestamp
		}
		if msgs[i].Seq != msgs[j].Seq {
			return msgs[i].Seq < msgs[j].Seq
		}
		return msgs[i].ID < msgs[j].ID
	})
}
