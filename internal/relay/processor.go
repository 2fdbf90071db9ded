package relay

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"chat-relay/internal/models"
	"chat-relay/internal/utils"
)

// Rejections. None of these are reported to the client; they exist so callers and tests can
// tell why an event was dropped.
var (
	ErrMessageNotFound  = errors.New("message not found")
	ErrNotSender        = errors.New("only the sender may change this message")
	ErrMessageDeleted   = errors.New("message is deleted")
	ErrNotEditable      = errors.New("message cannot be edited")
	ErrDuplicateMessage = errors.New("duplicate message id")
	ErrAlreadyDeleted   = errors.New("message already deleted")
	ErrOwnMessage       = errors.New("cannot mark own message as read")
	ErrNotMember        = errors.New("user is not in the room")
)

const (
	DeleteSoft = "soft"
	DeleteHard = "hard"
)

// Persister receives accepted mutations. done is called from the persister's goroutine and
// may be nil.
type Persister interface {
	PersistCreate(msg models.Message, done func(error))
	PersistUpdate(chatID, messageID string, fields models.MessageUpdate, done func(error))
	PersistDelete(chatID, messageID, senderID string, done func(error))
}

// Processor applies client events to the registry and directory and fans out the results.
// All methods must run on the hub goroutine; post is how persistence results get back there.
type Processor struct {
	registry     *Registry
	directory    *Directory
	fanout       *Fanout
	persister    Persister
	post         func(func())
	deletePolicy string
}

func NewProcessor(registry *Registry, directory *Directory, persister Persister, post func(func()), deletePolicy string) *Processor {
	if deletePolicy != DeleteHard {
		deletePolicy = DeleteSoft
	}
	return &Processor{
		registry:     registry,
		directory:    directory,
		fanout:       NewFanout(registry, directory),
		persister:    persister,
		post:         post,
		deletePolicy: deletePolicy,
	}
}

// Connect registers c, joins its room and sends it the init snapshot. history seeds the room
// when this connection creates it. Messages the user has not read yet are then marked read.
func (p *Processor) Connect(c *Client, history []models.Message) {
	if prev := p.registry.Register(c); prev != nil {
		utils.Logger().Info("connection replaced", "user_id", c.UserID, "old_client_id", prev.ID, "client_id", c.ID)
	}
	if p.directory.EnsureRoom(c.ChatID) && len(history) > 0 {
		p.directory.Seed(c.ChatID, history)
	}
	p.registry.Bind(c.UserID, c.ChatID)
	buffered, typing := p.directory.Join(c.ChatID, c.UserID)

	display := make([]models.Message, 0, len(buffered))
	for _, m := range buffered {
		display = append(display, m.Display())
	}
	p.fanout.SendTo(c, models.NewInitEvent(display, typing))

	p.markAllRead(c.ChatID, c.UserID)
}

// Disconnect runs the cleanup for a closed connection. A connection that has been replaced
// by a newer one in the same room leaves the membership alone.
func (p *Processor) Disconnect(c *Client) {
	current := p.registry.ConnectionFor(c.UserID)
	if current != nil && current != c && current.ChatID == c.ChatID {
		return
	}

	if p.directory.Leave(c.ChatID, c.UserID) {
		p.fanout.Broadcast(c.ChatID, models.NewTypingNotice(c.ChatID, c.UserID, false))
	}
	p.registry.Unbind(c.UserID, c.ChatID)
	p.recheckRead(c.ChatID)
}

// recheckRead promotes messages that became read by everyone because a member who had not
// read them left the room.
func (p *Processor) recheckRead(chatID string) {
	for _, m := range p.directory.Messages(chatID) {
		if m.Deleted || m.Status == models.StatusRead || !p.readByAll(chatID, m) {
			continue
		}
		m.Status = models.StatusRead
		status := m.Status
		p.persister.PersistUpdate(chatID, m.ID, models.MessageUpdate{SenderID: m.SenderID, Status: &status}, p.after(nil))
		p.fanout.Broadcast(chatID, m.Display())
	}
}

// Handle applies one validated client event.
func (p *Processor) Handle(c *Client, ev models.InboundEvent) error {
	if !p.directory.IsMember(c.ChatID, c.UserID) {
		return ErrNotMember
	}

	switch e := ev.(type) {
	case models.TextEvent:
		return p.handleText(c, e)
	case models.TypingEvent:
		return p.handleTyping(c, e)
	case models.ReadReceiptEvent:
		return p.handleReadReceipt(c, e)
	case models.EditEvent:
		return p.handleEdit(c, e)
	case models.DeleteEvent:
		return p.handleDelete(c, e)
	default:
		return fmt.Errorf("%w: %s", models.ErrUnknownEvent, ev.InboundType())
	}
}

func (p *Processor) handleText(c *Client, e models.TextEvent) error {
	id := e.ID
	if id == "" {
		id = uuid.New().String()
	} else if p.directory.Find(c.ChatID, id) != nil {
		return fmt.Errorf("%w: %s", ErrDuplicateMessage, id)
	}

	msg := &models.Message{
		Type:      models.KindText,
		ID:        id,
		ChatID:    c.ChatID,
		SenderID:  c.UserID,
		Text:      e.Text,
		Timestamp: models.NowMillis(),
		Seq:       p.directory.NextSeq(c.ChatID),
		Status:    models.StatusSent,
		ReadBy:    []string{},
		ReplyTo:   p.replyRef(c.ChatID, e.ReplyTo),
	}
	p.directory.Append(c.ChatID, msg)
	p.fanout.Broadcast(c.ChatID, msg.Display())

	// The stored copy is by definition delivered.
	stored := msg.Clone()
	stored.Status = models.StatusDelivered
	chatID, msgID := c.ChatID, id
	p.persister.PersistCreate(stored, p.after(func(err error) {
		switch {
		case errors.Is(err, models.ErrMessageIDTaken):
			p.dropConflict(chatID, msgID, stored.SenderID)
		case err == nil:
			p.promoteDelivered(chatID, msgID)
		}
	}))
	return nil
}

// replyRef resolves a quoted message against the buffer, falling back to what the client sent.
func (p *Processor) replyRef(chatID string, ref *models.ReplyRef) *models.ReplyRef {
	if ref == nil || ref.ID == "" {
		return nil
	}
	if quoted := p.directory.Find(chatID, ref.ID); quoted != nil {
		text := quoted.Text
		if quoted.Deleted {
			text = ""
		}
		return &models.ReplyRef{ID: quoted.ID, Text: text, SenderID: quoted.SenderID}
	}
	r := *ref
	return &r
}

// dropConflict forgets a buffered message whose id the store already holds for another
// sender, so later edits or deletes of that id cannot reach the stored message.
func (p *Processor) dropConflict(chatID, messageID, senderID string) {
	m := p.directory.Find(chatID, messageID)
	if m == nil || m.SenderID != senderID {
		return
	}
	p.directory.Remove(chatID, messageID)
	utils.Logger().Warn("message id already stored for another sender", "chat_id", chatID, "message_id", messageID, "sender_id", senderID)
}

func (p *Processor) promoteDelivered(chatID, messageID string) {
	m := p.directory.Find(chatID, messageID)
	if m == nil || m.Status != models.StatusSent {
		return
	}
	m.Status = models.StatusDelivered
	p.fanout.Broadcast(chatID, m.Display())
}

func (p *Processor) handleTyping(c *Client, e models.TypingEvent) error {
	p.directory.SetTyping(c.ChatID, c.UserID, e.IsTyping)
	p.fanout.Broadcast(c.ChatID, models.NewTypingNotice(c.ChatID, c.UserID, e.IsTyping))
	return nil
}

func (p *Processor) handleReadReceipt(c *Client, e models.ReadReceiptEvent) error {
	m := p.directory.Find(c.ChatID, e.MessageID)
	if m == nil {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, e.MessageID)
	}
	if m.Deleted {
		return ErrMessageDeleted
	}
	if m.SenderID == c.UserID {
		return ErrOwnMessage
	}
	p.markRead(c.ChatID, m, c.UserID)
	return nil
}

// markAllRead marks every buffered message of the room that userID did not send as read by
// userID. Running it again changes nothing.
func (p *Processor) markAllRead(chatID, userID string) int {
	marked := 0
	for _, m := range p.directory.Messages(chatID) {
		if m.Deleted || m.SenderID == userID {
			continue
		}
		if p.markRead(chatID, m, userID) {
			marked++
		}
	}
	return marked
}

// markRead adds reader to m.ReadBy. When every other current member has read m its status
// becomes read. It reports whether anything changed.
func (p *Processor) markRead(chatID string, m *models.Message, reader string) bool {
	if !m.AddReader(reader) {
		return false
	}
	fields := models.MessageUpdate{SenderID: m.SenderID, ReadBy: append([]string(nil), m.ReadBy...)}
	if m.Status != models.StatusRead && p.readByAll(chatID, m) {
		m.Status = models.StatusRead
		status := m.Status
		fields.Status = &status
	}

	p.persister.PersistUpdate(chatID, m.ID, fields, p.after(nil))
	p.fanout.Broadcast(chatID, models.NewReadReceiptNotice(*m, reader))
	return true
}

func (p *Processor) readByAll(chatID string, m *models.Message) bool {
	others := 0
	for _, member := range p.directory.Members(chatID) {
		if member == m.SenderID {
			continue
		}
		others++
		if !m.HasReader(member) {
			return false
		}
	}
	return others > 0
}

func (p *Processor) handleEdit(c *Client, e models.EditEvent) error {
	m := p.directory.Find(c.ChatID, e.MessageID)
	switch {
	case m == nil:
		return fmt.Errorf("%w: %s", ErrMessageNotFound, e.MessageID)
	case m.SenderID != c.UserID:
		return ErrNotSender
	case m.Deleted:
		return ErrMessageDeleted
	case m.Type != models.KindText:
		return ErrNotEditable
	}

	m.Text = e.NewText
	m.Edited = true
	m.UpdatedAt = models.NowMillis()

	text, edited, updatedAt := m.Text, true, m.UpdatedAt
	p.persister.PersistUpdate(c.ChatID, m.ID, models.MessageUpdate{
		SenderID:  m.SenderID,
		Text:      &text,
		Edited:    &edited,
		UpdatedAt: &updatedAt,
	}, p.after(nil))
	p.fanout.Broadcast(c.ChatID, models.NewMessageEdited(*m))
	return nil
}

func (p *Processor) handleDelete(c *Client, e models.DeleteEvent) error {
	m := p.directory.Find(c.ChatID, e.MessageID)
	switch {
	case m == nil:
		return fmt.Errorf("%w: %s", ErrMessageNotFound, e.MessageID)
	case m.SenderID != c.UserID:
		return ErrNotSender
	case m.Deleted:
		return ErrAlreadyDeleted
	}

	now := models.NowMillis()
	if p.deletePolicy == DeleteHard {
		p.directory.Remove(c.ChatID, m.ID)
		p.persister.PersistDelete(c.ChatID, m.ID, m.SenderID, p.after(nil))
	} else {
		m.Deleted = true
		m.UpdatedAt = now
		deleted := true
		p.persister.PersistUpdate(c.ChatID, m.ID, models.MessageUpdate{
			SenderID:  m.SenderID,
			Deleted:   &deleted,
			UpdatedAt: &now,
		}, p.after(nil))
	}
	p.fanout.Broadcast(c.ChatID, models.NewMessageDeleted(c.ChatID, m.ID, now))
	return nil
}

// HandleFile announces a stored attachment as a file message. The bytes are already on disk,
// so the message starts out delivered.
func (p *Processor) HandleFile(c *Client, att *models.Attachment) error {
	if !p.directory.IsMember(c.ChatID, c.UserID) {
		return ErrNotMember
	}

	msg := &models.Message{
		Type:      models.KindFile,
		ID:        att.ID,
		ChatID:    c.ChatID,
		SenderID:  c.UserID,
		Text:      att.OriginalName,
		Timestamp: models.NowMillis(),
		Seq:       p.directory.NextSeq(c.ChatID),
		Status:    models.StatusDelivered,
		ReadBy:    []string{},
		File:      att,
	}
	p.directory.Append(c.ChatID, msg)
	p.fanout.Broadcast(c.ChatID, msg.Display())
	p.persister.PersistCreate(msg.Clone(), p.after(nil))
	return nil
}

// after wraps a persistence callback so it runs on the hub goroutine.
func (p *Processor) after(fn func(error)) func(error) {
	if fn == nil {
		return nil
	}
	return func(err error) {
		p.post(func() { fn(err) })
	}
}
