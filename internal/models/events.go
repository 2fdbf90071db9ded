package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Inbound event types. A text message carries no type (or "message").
const (
	InboundTyping        = "typing"
	InboundReadReceipt   = "read_receipt"
	InboundEditMessage   = "edit_message"
	InboundDeleteMessage = "delete_message"
	InboundFileMeta      = "file_meta"
)

// Outbound event types besides KindText and KindFile.
const (
	EventInit           = "init"
	EventTyping         = "typing"
	EventReadReceipt    = "read_receipt"
	EventMessageEdited  = "message_edited"
	EventMessageDeleted = "message_deleted"
)

const (
	MaxTextLength = 4096
	MaxIDLength   = 128
)

var (
	ErrMalformedEvent = errors.New("malformed event")
	ErrUnknownEvent   = errors.New("unknown event type")
)

// InboundEvent is one validated client event. The concrete types below are the only
// implementations.
type InboundEvent interface {
	InboundType() string
}

type TextEvent struct {
	ID      string
	Text    string
	ReplyTo *ReplyRef
}

type TypingEvent struct {
	IsTyping bool
}

type ReadReceiptEvent struct {
	MessageID string
}

type EditEvent struct {
	MessageID string
	NewText   string
}

type DeleteEvent struct {
	MessageID string
}

type FileMetaEvent struct {
	Meta FileMeta
}

func (TextEvent) InboundType() string        { return KindText }
func (TypingEvent) InboundType() string      { return InboundTyping }
func (ReadReceiptEvent) InboundType() string { return InboundReadReceipt }
func (EditEvent) InboundType() string        { return InboundEditMessage }
func (DeleteEvent) InboundType() string      { return InboundDeleteMessage }
func (FileMetaEvent) InboundType() string    { return InboundFileMeta }

type inboundEnvelope struct {
	Type      string    `json:"type"`
	ID        string    `json:"id"`
	Text      *string   `json:"text"`
	IsTyping  *bool     `json:"isTyping"`
	MessageID string    `json:"messageId"`
	NewText   *string   `json:"newText"`
	ReplyTo   *ReplyRef `json:"replyTo"`
	Name      string    `json:"name"`
	MimeType  string    `json:"mimeType"`
}

// ParseInbound decodes and validates a client text frame.
func ParseInbound(data []byte) (InboundEvent, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	switch env.Type {
	case "", KindText:
		if env.Text == nil {
			return nil, fmt.Errorf("%w: text is required", ErrMalformedEvent)
		}
		if err := validText(*env.Text); err != nil {
			return nil, err
		}
		if len(env.ID) > MaxIDLength {
			return nil, fmt.Errorf("%w: id too long", ErrMalformedEvent)
		}
		return TextEvent{ID: env.ID, Text: *env.Text, ReplyTo: env.ReplyTo}, nil
	case InboundTyping:
		if env.IsTyping == nil {
			return nil, fmt.Errorf("%w: isTyping is required", ErrMalformedEvent)
		}
		return TypingEvent{IsTyping: *env.IsTyping}, nil
	case InboundReadReceipt:
		if err := validID(env.MessageID); err != nil {
			return nil, err
		}
		return ReadReceiptEvent{MessageID: env.MessageID}, nil
	case InboundEditMessage:
		if err := validID(env.MessageID); err != nil {
			return nil, err
		}
		if env.NewText == nil {
			return nil, fmt.Errorf("%w: newText is required", ErrMalformedEvent)
		}
		if err := validText(*env.NewText); err != nil {
			return nil, err
		}
		return EditEvent{MessageID: env.MessageID, NewText: *env.NewText}, nil
	case InboundDeleteMessage:
		if err := validID(env.MessageID); err != nil {
			return nil, err
		}
		return DeleteEvent{MessageID: env.MessageID}, nil
	case InboundFileMeta:
		return FileMetaEvent{Meta: FileMeta{Name: env.Name, MimeType: env.MimeType}}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}
}

func validText(s string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%w: empty text", ErrMalformedEvent)
	}
	if utf8.RuneCountInString(s) > MaxTextLength {
		return fmt.Errorf("%w: text too long", ErrMalformedEvent)
	}
	return nil
}

func validID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: messageId is required", ErrMalformedEvent)
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("%w: messageId too long", ErrMalformedEvent)
	}
	return nil
}

// OutboundEvent is anything the relay sends to a client.
type OutboundEvent interface {
	EventType() string
}

func (m Message) EventType() string { return m.Type }

type InitEvent struct {
	Type        string    `json:"type"`
	History     []Message `json:"history"`
	TypingUsers []string  `json:"typingUsers"`
}

func NewInitEvent(history []Message, typing []string) InitEvent {
	if history == nil {
		history = []Message{}
	}
	if typing == nil {
		typing = []string{}
	}
	return InitEvent{Type: EventInit, History: history, TypingUsers: typing}
}

type TypingNotice struct {
	Type     string `json:"type"`
	ChatID   string `json:"chatId"`
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

func NewTypingNotice(chatID, userID string, isTyping bool) TypingNotice {
	return TypingNotice{Type: EventTyping, ChatID: chatID, UserID: userID, IsTyping: isTyping}
}

type ReadReceiptNotice struct {
	Type      string   `json:"type"`
	ChatID    string   `json:"chatId"`
	MessageID string   `json:"messageId"`
	ReaderID  string   `json:"readerId"`
	ReadBy    []string `json:"readBy"`
	Status    Status   `json:"status"`
	Timestamp int64    `json:"timestamp"`
}

func NewReadReceiptNotice(m Message, readerID string) ReadReceiptNotice {
	return ReadReceiptNotice{
		Type:      EventReadReceipt,
		ChatID:    m.ChatID,
		MessageID: m.ID,
		ReaderID:  readerID,
		ReadBy:    append([]string(nil), m.ReadBy...),
		Status:    m.Status,
		Timestamp: NowMillis(),
	}
}

type MessageEdited struct {
	Type      string `json:"type"`
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
	NewText   string `json:"newText"`
	UpdatedAt int64  `json:"updatedAt"`
}

func NewMessageEdited(m Message) MessageEdited {
	return MessageEdited{Type: EventMessageEdited, ChatID: m.ChatID, MessageID: m.ID, NewText: m.Text, UpdatedAt: m.UpdatedAt}
}

type MessageDeleted struct {
	Type      string `json:"type"`
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
	UpdatedAt int64  `json:"updatedAt"`
}

func NewMessageDeleted(chatID, messageID string, updatedAt int64) MessageDeleted {
	return MessageDeleted{Type: EventMessageDeleted, ChatID: chatID, MessageID: messageID, UpdatedAt: updatedAt}
}

func (e InitEvent) EventType() string         { return e.Type }
func (e TypingNotice) EventType() string      { return e.Type }
func (e ReadReceiptNotice) EventType() string { return e.Type }
func (e MessageEdited) EventType() string     { return e.Type }
func (e MessageDeleted) EventType() string    { return e.Type }
