package models

import (
	"errors"
	"slices"
	"time"
)

// ErrMessageIDTaken is reported when a message id is already stored for another sender.
var ErrMessageIDTaken = errors.New("message id already taken")

// Status is the delivery state of a message.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

// Message kinds, also used as the outbound event type when a message is broadcast.
const (
	KindText = "message"
	KindFile = "file"
)

// ReplyRef is the quoted message a reply points at.
type ReplyRef struct {
	ID       string `json:"id"`
	Text     string `json:"text"`
	SenderID string `json:"senderId"`
}

type Message struct {
	Type      string      `json:"type"`
	ID        string      `json:"id"`
	ChatID    string      `json:"chatId"`
	SenderID  string      `json:"senderId"`
	Text      string      `json:"text"`
	Timestamp int64       `json:"timestamp"`
	Seq       uint64      `json:"seq"`
	Status    Status      `json:"status"`
	ReadBy    []string    `json:"readBy"`
	Edited    bool        `json:"edited"`
	Deleted   bool        `json:"deleted"`
	UpdatedAt int64       `json:"updatedAt,omitempty"`
	ReplyTo   *ReplyRef   `json:"replyTo,omitempty"`
	File      *Attachment `json:"file,omitempty"`
}

// HasReader reports whether userID is already in ReadBy.
func (m *Message) HasReader(userID string) bool {
	return slices.Contains(m.ReadBy, userID)
}

// AddReader appends userID to ReadBy. It returns false when the user was already there.
func (m *Message) AddReader(userID string) bool {
	if m.HasReader(userID) {
		return false
	}
	m.ReadBy = append(m.ReadBy, userID)
	return true
}

// Clone returns a deep copy so callers can hand messages across goroutines.
func (m Message) Clone() Message {
	m.ReadBy = slices.Clone(m.ReadBy)
	if m.ReplyTo != nil {
		r := *m.ReplyTo
		m.ReplyTo = &r
	}
	if m.File != nil {
		f := *m.File
		m.File = &f
	}
	return m
}

// Display returns the copy sent to clients: deleted messages keep their metadata but lose
// their text.
func (m Message) Display() Message {
	out := m.Clone()
	if out.Deleted {
		out.Text = ""
		if out.ReplyTo != nil {
			out.ReplyTo.Text = ""
		}
	}
	if out.ReadBy == nil {
		out.ReadBy = []string{}
	}
	return out
}

// MessageUpdate carries the fields changed by an edit, delete or read transition.
// Nil fields are left untouched by the store.
type MessageUpdate struct {
	// SenderID is a precondition, not a change: when set, the store only applies the update
	// to a message stored under this sender and reports ErrNotFound otherwise.
	SenderID string

	Text      *string
	Status    *Status
	ReadBy    []string
	Edited    *bool
	Deleted   *bool
	UpdatedAt *int64
}

// Apply copies the set fields of u onto m.
func (u MessageUpdate) Apply(m *Message) {
	if u.Text != nil {
		m.Text = *u.Text
	}
	if u.Status != nil {
		m.Status = *u.Status
	}
	if u.ReadBy != nil {
		m.ReadBy = slices.Clone(u.ReadBy)
	}
	if u.Edited != nil {
		m.Edited = *u.Edited
	}
	if u.Deleted != nil {
		m.Deleted = *u.Deleted
	}
	if u.UpdatedAt != nil {
		m.UpdatedAt = *u.UpdatedAt
	}
}

// NowMillis is the timestamp format used on the wire and in the stores.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
