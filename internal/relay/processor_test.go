package relay

import (
	"errors"
	"fmt"
	"slices"
	"testing"

	"chat-relay/internal/models"
)

type persistCall struct {
	kind   string
	msg    models.Message
	chatID string
	msgID  string
	sender string
	fields models.MessageUpdate
	done   func(error)
}

// fakePersister records writes and leaves their completion to the test.
type fakePersister struct {
	calls []persistCall
}

func (p *fakePersister) PersistCreate(msg models.Message, done func(error)) {
	p.calls = append(p.calls, persistCall{kind: "create", msg: msg, chatID: msg.ChatID, msgID: msg.ID, done: done})
}

func (p *fakePersister) PersistUpdate(chatID, messageID string, fields models.MessageUpdate, done func(error)) {
	p.calls = append(p.calls, persistCall{kind: "update", chatID: chatID, msgID: messageID, fields: fields, done: done})
}

func (p *fakePersister) PersistDelete(chatID, messageID, senderID string, done func(error)) {
	p.calls = append(p.calls, persistCall{kind: "delete", chatID: chatID, msgID: messageID, sender: senderID, done: done})
}

func (p *fakePersister) last(t *testing.T, kind string) persistCall {
	t.Helper()
	for i := len(p.calls) - 1; i >= 0; i-- {
		if p.calls[i].kind == kind {
			return p.calls[i]
		}
	}
	t.Fatalf("no %s call recorded", kind)
	return persistCall{}
}

func (p *fakePersister) count(kind string) int {
	n := 0
	for _, c := range p.calls {
		if c.kind == kind {
			n++
		}
	}
	return n
}

type fixture struct {
	p         *Processor
	persister *fakePersister
	registry  *Registry
	directory *Directory
}

func newFixture(deletePolicy string) *fixture {
	f := &fixture{
		persister: &fakePersister{},
		registry:  NewRegistry(),
		directory: NewDirectory(DefaultHistoryLimit),
	}
	// Callbacks run inline; the tests are the only goroutine.
	f.p = NewProcessor(f.registry, f.directory, f.persister, func(fn func()) { fn() }, deletePolicy)
	return f
}

func (f *fixture) connect(t *testing.T, userID, chatID string, history ...models.Message) *Client {
	t.Helper()
	c := NewClient(userID, chatID, &fakeConn{}, 256)
	f.p.Connect(c, history)
	return c
}

func (f *fixture) send(t *testing.T, c *Client, ev models.InboundEvent) {
	t.Helper()
	if err := f.p.Handle(c, ev); err != nil {
		t.Fatalf("Handle(%T) error = %v", ev, err)
	}
}

func (f *fixture) message(t *testing.T, chatID, id string) *models.Message {
	t.Helper()
	m := f.directory.Find(chatID, id)
	if m == nil {
		t.Fatalf("message %s not buffered", id)
	}
	return m
}

func TestProcessor_ConnectSendsInit(t *testing.T) {
	f := newFixture(DeleteSoft)
	history := []models.Message{
		{Type: models.KindText, ID: "m1", ChatID: "r1", SenderID: "b", Text: "old", Seq: 4, Status: models.StatusDelivered},
	}
	a := f.connect(t, "a", "r1", history...)

	frames := drain(t, a)
	if len(frames) == 0 || frames[0].Type != models.EventInit {
		t.Fatalf("first frame = %+v, want init", frames)
	}
	first := frames[0]
	if len(first.History) != 1 || first.History[0].Text != "old" {
		t.Errorf("init history = %+v", first.History)
	}
	if first.TypingUsers == nil {
		t.Error("typingUsers is null, want an empty list")
	}

	// a had not read m1; joining marks it read.
	receipts := ofType(frames, models.EventReadReceipt)
	if len(receipts) != 1 || receipts[0].ReaderID != "a" {
		t.Errorf("read receipts after init = %+v", receipts)
	}

	// A later joiner does not reseed the live room.
	b := f.connect(t, "b", "r1", models.Message{ID: "ignored", ChatID: "r1"})
	if got := drain(t, b)[0].History; len(got) != 1 || got[0].ID != "m1" {
		t.Errorf("second init history = %+v", got)
	}
	if seq := f.directory.NextSeq("r1"); seq != 5 {
		t.Errorf("NextSeq() = %d, want 5", seq)
	}
}

func TestProcessor_TextLifecycle(t *testing.T) {
	f := newFixture(DeleteSoft)
	a := f.connect(t, "a", "r1")
	b := f.connect(t, "b", "r1")
	drain(t, a)
	drain(t, b)

	f.send(t, a, models.TextEvent{ID: "m1", Text: "hi"})

	for _, c := range []*Client{a, b} {
		msgs := ofType(drain(t, c), models.KindText)
		if len(msgs) != 1 || msgs[0].Text != "hi" || msgs[0].Status != models.StatusSent || msgs[0].SenderID != "a" {
			t.Errorf("%s got %+v, want one sent message", c.UserID, msgs)
		}
	}

	create := f.persister.last(t, "create")
	if create.msg.Status != models.StatusDelivered {
		t.Errorf("stored status = %q, want delivered", create.msg.Status)
	}
	create.done(nil)

	for _, c := range []*Client{a, b} {
		msgs := ofType(drain(t, c), models.KindText)
		if len(msgs) != 1 || msgs[0].Status != models.StatusDelivered {
			t.Errorf("%s got %+v, want the delivered update", c.UserID, msgs)
		}
	}

	f.send(t, b, models.ReadReceiptEvent{MessageID: "m1"})
	for _, c := range []*Client{a, b} {
		receipts := ofType(drain(t, c), models.EventReadReceipt)
		if len(receipts) != 1 {
			t.Fatalf("%s got %d read receipts, want 1", c.UserID, len(receipts))
		}
		r := receipts[0]
		if r.MessageID != "m1" || r.ReaderID != "b" || r.Status != models.StatusRead || !slices.Equal(r.ReadBy, []string{"b"}) {
			t.Errorf("%s receipt = %+v", c.UserID, r)
		}
	}
	update := f.persister.last(t, "update")
	if update.fields.Status == nil || *update.fields.Status != models.StatusRead || update.fields.SenderID != "a" {
		t.Errorf("persisted update = %+v, want status read guarded by sender a", update.fields)
	}
}

func TestProcessor_PersistenceFailureStaysSent(t *testing.T) {
	f := newFixture(DeleteSoft)
	a := f.connect(t, "a", "r1")
	drain(t, a)

	f.send(t, a, models.TextEvent{ID: "m1", Text: "hi"})
	drain(t, a)
	f.persister.last(t, "create").done(errors.New("store down"))

	if got := drain(t, a); len(got) != 0 {
		t.Errorf("frames after a failed write = %+v, want none", got)
	}
	if status := f.message(t, "r1", "m1").Status; status != models.StatusSent {
		t.Errorf("status = %q, want sent", status)
	}
}

func TestProcessor_StoredIDConflictDropsMessage(t *testing.T) {
	f := newFixture(DeleteSoft)
	a := f.connect(t, "a", "r1")
	b := f.connect(t, "b", "r1")

	f.send(t, b, models.TextEvent{ID: "m1", Text: "not yours"})
	drain(t, a)
	drain(t, b)
	f.persister.last(t, "create").done(fmt.Errorf("message r1/m1: %w", models.ErrMessageIDTaken))

	if got := drain(t, a); len(got) != 0 {
		t.Errorf("frames after a conflicting create = %+v, want none", got)
	}
	if f.directory.Find("r1", "m1") != nil {
		t.Fatal("conflicting message still buffered")
	}

	updates := f.persister.count("update")
	if err := f.p.Handle(b, models.EditEvent{MessageID: "m1", NewText: "rewritten"}); !errors.Is(err, ErrMessageNotFound) {
		t.Errorf("edit after conflict error = %v, want %v", err, ErrMessageNotFound)
	}
	if err := f.p.Handle(b, models.DeleteEvent{MessageID: "m1"}); !errors.Is(err, ErrMessageNotFound) {
		t.Errorf("delete after conflict error = %v, want %v", err, ErrMessageNotFound)
	}
	if f.persister.count("update") != updates || f.persister.count("delete") != 0 {
		t.Error("writes issued for a message id owned by someone else")
	}
}

func TestProcessor_DeliveredNeverDowngradesRead(t *testing.T) {
	f := newFixture(DeleteSoft)
	a := f.connect(t, "a", "r1")
	b := f.connect(t, "b", "r1")

	f.send(t, a, models.TextEvent{ID: "m1", Text: "hi"})
	create := f.persister.last(t, "create")
	f.send(t, b, models.ReadReceiptEvent{MessageID: "m1"})
	drain(t, a)

	create.done(nil)
	if got := drain(t, a); len(got) != 0 {
		t.Errorf("late delivered callback broadcast %+v", got)
	}
	if status := f.message(t, "r1", "m1").Status; status != models.StatusRead {
		t.Errorf("status = %q, want read", status)
	}
}

func TestProcessor_ReadReceipts(t *testing.T) {
	f := newFixture(DeleteSoft)
	a := f.connect(t, "a", "r1")
	b := f.connect(t, "b", "r1")
	c := f.connect(t, "c", "r1")

	f.send(t, a, models.TextEvent{ID: "m1", Text: "hi"})
	f.send(t, b, models.ReadReceiptEvent{MessageID: "m1"})
	if status := f.message(t, "r1", "m1").Status; status == models.StatusRead {
		t.Fatal("status read before every member read the message")
	}

	updates := f.persister.count("update")
	drain(t, a)
	if err := f.p.Handle(b, models.ReadReceiptEvent{MessageID: "m1"}); err != nil {
		t.Fatalf("repeated receipt error = %v", err)
	}
	if got := drain(t, a); len(got) != 0 || f.persister.count("update") != updates {
		t.Error("repeated receipt was broadcast or persisted")
	}

	f.send(t, c, models.ReadReceiptEvent{MessageID: "m1"})
	m := f.message(t, "r1", "m1")
	if m.Status != models.StatusRead || !slices.Equal(m.ReadBy, []string{"b", "c"}) {
		t.Errorf("message = %+v, want read by b and c", m)
	}

	tests := []struct {
		name   string
		client *Client
		id     string
		want   error
	}{
		{"own message", a, "m1", ErrOwnMessage},
		{"unknown message", b, "nope", ErrMessageNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := f.p.Handle(tt.client, models.ReadReceiptEvent{MessageID: tt.id}); !errors.Is(err, tt.want) {
				t.Errorf("Handle() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestProcessor_AutoReadOnJoin(t *testing.T) {
	f := newFixture(DeleteSoft)
	a := f.connect(t, "a", "r1")
	f.send(t, a, models.TextEvent{ID: "m1", Text: "while you were away"})
	drain(t, a)

	b := f.connect(t, "b", "r1")

	frames := drain(t, b)
	if len(frames) < 2 || frames[0].Type != models.EventInit || frames[1].Type != models.EventReadReceipt {
		t.Fatalf("joiner frames = %+v, want init then read_receipt", frames)
	}
	receipts := ofType(drain(t, a), models.EventReadReceipt)
	if len(receipts) != 1 || receipts[0].ReaderID != "b" || receipts[0].Status != models.StatusRead {
		t.Errorf("sender receipts = %+v", receipts)
	}

	// Reconnecting changes nothing.
	f.p.Disconnect(b)
	updates := f.persister.count("update")
	f.connect(t, "b", "r1")
	if f.persister.count("update") != updates {
		t.Error("rejoin persisted a second read")
	}
}

func TestProcessor_Edit(t *testing.T) {
	f := newFixture(DeleteSoft)
	a := f.connect(t, "a", "r1")
	b := f.connect(t, "b", "r1")
	f.send(t, a, models.TextEvent{ID: "m1", Text: "hi"})
	drain(t, a)
	drain(t, b)

	rejected := []struct {
		name   string
		client *Client
		id     string
		want   error
	}{
		{"not the sender", b, "m1", ErrNotSender},
		{"unknown message", a, "m404", ErrMessageNotFound},
	}
	for _, tt := range rejected {
		t.Run(tt.name, func(t *testing.T) {
			err := f.p.Handle(tt.client, models.EditEvent{MessageID: tt.id, NewText: "hacked"})
			if !errors.Is(err, tt.want) {
				t.Errorf("Handle() error = %v, want %v", err, tt.want)
			}
			if got := drain(t, a); len(got) != 0 {
				t.Errorf("rejected edit broadcast %+v", got)
			}
		})
	}

	f.send(t, a, models.EditEvent{MessageID: "m1", NewText: "hello"})
	for _, c := range []*Client{a, b} {
		edits := ofType(drain(t, c), models.EventMessageEdited)
		if len(edits) != 1 || edits[0].NewText != "hello" || edits[0].MessageID != "m1" || edits[0].ChatID != "r1" {
			t.Errorf("%s edits = %+v", c.UserID, edits)
		}
	}
	m := f.message(t, "r1", "m1")
	if m.Text != "hello" || !m.Edited || m.UpdatedAt == 0 {
		t.Errorf("buffered message = %+v", m)
	}
	update := f.persister.last(t, "update")
	if update.fields.Text == nil || *update.fields.Text != "hello" || update.fields.SenderID != "a" {
		t.Errorf("persisted update = %+v", update.fields)
	}
}

func TestProcessor_SoftDelete(t *testing.T) {
	f := newFixture(DeleteSoft)
	a := f.connect(t, "a", "r1")
	b := f.connect(t, "b", "r1")
	f.send(t, a, models.TextEvent{ID: "m1", Text: "secret"})
	drain(t, a)
	drain(t, b)

	if err := f.p.Handle(b, models.DeleteEvent{MessageID: "m1"}); !errors.Is(err, ErrNotSender) {
		t.Errorf("delete by b error = %v, want %v", err, ErrNotSender)
	}

	f.send(t, a, models.DeleteEvent{MessageID: "m1"})
	if got := ofType(drain(t, b), models.EventMessageDeleted); len(got) != 1 || got[0].MessageID != "m1" || got[0].ChatID != "r1" {
		t.Errorf("b deletions = %+v", got)
	}
	drain(t, a)
	if update := f.persister.last(t, "update"); update.fields.Deleted == nil || update.fields.SenderID != "a" {
		t.Errorf("persisted soft delete = %+v", update.fields)
	}

	if err := f.p.Handle(a, models.DeleteEvent{MessageID: "m1"}); !errors.Is(err, ErrAlreadyDeleted) {
		t.Errorf("second delete error = %v, want %v", err, ErrAlreadyDeleted)
	}
	if got := drain(t, b); len(got) != 0 {
		t.Errorf("second delete broadcast %+v", got)
	}
	if err := f.p.Handle(a, models.EditEvent{MessageID: "m1", NewText: "x"}); !errors.Is(err, ErrMessageDeleted) {
		t.Errorf("edit after delete error = %v, want %v", err, ErrMessageDeleted)
	}
	if err := f.p.Handle(b, models.ReadReceiptEvent{MessageID: "m1"}); !errors.Is(err, ErrMessageDeleted) {
		t.Errorf("read after delete error = %v, want %v", err, ErrMessageDeleted)
	}

	c := f.connect(t, "c", "r1")
	history := drain(t, c)[0].History
	if len(history) != 1 || !history[0].Deleted || history[0].Text != "" {
		t.Errorf("init shows %+v, want a deleted message without text", history)
	}
	if f.persister.count("delete") != 0 {
		t.Error("soft delete removed the stored message")
	}
}

func TestProcessor_HardDelete(t *testing.T) {
	f := newFixture(DeleteHard)
	a := f.connect(t, "a", "r1")
	f.send(t, a, models.TextEvent{ID: "m1", Text: "gone"})
	drain(t, a)

	f.send(t, a, models.DeleteEvent{MessageID: "m1"})
	if got := ofType(drain(t, a), models.EventMessageDeleted); len(got) != 1 {
		t.Errorf("deletions = %+v", got)
	}
	if f.directory.Find("r1", "m1") != nil {
		t.Error("hard-deleted message still buffered")
	}
	if del := f.persister.last(t, "delete"); del.msgID != "m1" || del.sender != "a" {
		t.Errorf("PersistDelete(%s, %s), want m1 sent by a", del.msgID, del.sender)
	}
	if err := f.p.Handle(a, models.DeleteEvent{MessageID: "m1"}); !errors.Is(err, ErrMessageNotFound) {
		t.Errorf("second delete error = %v, want %v", err, ErrMessageNotFound)
	}
}

func TestProcessor_OfflineMembersMissLiveFrames(t *testing.T) {
	f := newFixture(DeleteSoft)
	a := f.connect(t, "a", "r1")
	b := f.connect(t, "b", "r1")
	drain(t, b)

	f.p.Disconnect(b)
	f.send(t, a, models.TextEvent{ID: "m1", Text: "are you there"})
	if got := drain(t, b); len(got) != 0 {
		t.Errorf("offline member received %+v", got)
	}

	b2 := f.connect(t, "b", "r1")
	history := drain(t, b2)[0].History
	if len(history) != 1 || history[0].ID != "m1" {
		t.Errorf("rejoin history = %+v, want m1", history)
	}
}

func TestProcessor_TypingClearedOnDisconnect(t *testing.T) {
	f := newFixture(DeleteSoft)
	a := f.connect(t, "a", "r1")
	b := f.connect(t, "b", "r1")
	drain(t, b)

	f.send(t, a, models.TypingEvent{IsTyping: true})
	if got := ofType(drain(t, b), models.EventTyping); len(got) != 1 || !got[0].IsTyping || got[0].UserID != "a" || got[0].ChatID != "r1" {
		t.Errorf("typing frames = %+v", got)
	}
	if got := ofType(drain(t, a), models.EventTyping); len(got) != 1 {
		t.Errorf("sender typing echo = %+v, want 1 frame", got)
	}

	f.p.Disconnect(a)
	got := ofType(drain(t, b), models.EventTyping)
	if len(got) != 1 || got[0].IsTyping || got[0].UserID != "a" {
		t.Errorf("frames after disconnect = %+v, want typing false for a", got)
	}
	if len(f.directory.TypingUsers("r1")) != 0 {
		t.Error("typing set not cleared")
	}
}

func TestProcessor_LeaveCompletesRead(t *testing.T) {
	f := newFixture(DeleteSoft)
	a := f.connect(t, "a", "r1")
	b := f.connect(t, "b", "r1")
	c := f.connect(t, "c", "r1")

	f.send(t, a, models.TextEvent{ID: "m1", Text: "hi"})
	f.send(t, b, models.ReadReceiptEvent{MessageID: "m1"})
	drain(t, a)
	drain(t, b)
	if status := f.message(t, "r1", "m1").Status; status == models.StatusRead {
		t.Fatal("status read while c has not read the message")
	}

	f.p.Disconnect(c)
	if status := f.message(t, "r1", "m1").Status; status != models.StatusRead {
		t.Errorf("status after c left = %q, want read", status)
	}
	for _, cl := range []*Client{a, b} {
		msgs := ofType(drain(t, cl), models.KindText)
		if len(msgs) != 1 || msgs[0].ID != "m1" || msgs[0].Status != models.StatusRead {
			t.Errorf("%s got %+v, want m1 marked read", cl.UserID, msgs)
		}
	}
	update := f.persister.last(t, "update")
	if update.fields.Status == nil || *update.fields.Status != models.StatusRead || update.fields.SenderID != "a" {
		t.Errorf("persisted update = %+v, want status read", update.fields)
	}

	// Only the sender left: nobody else to read it, nothing changes.
	f.send(t, a, models.TextEvent{ID: "m2", Text: "anyone?"})
	f.p.Disconnect(b)
	if status := f.message(t, "r1", "m2").Status; status == models.StatusRead {
		t.Error("m2 marked read with no other member in the room")
	}
}

func TestProcessor_StaleDisconnectKeepsReplacement(t *testing.T) {
	f := newFixture(DeleteSoft)
	old := f.connect(t, "a", "r1")
	fresh := f.connect(t, "a", "r1")
	b := f.connect(t, "b", "r1")
	drain(t, old)
	drain(t, fresh)

	f.p.Disconnect(old)
	if !f.directory.IsMember("r1", "a") {
		t.Fatal("closing the replaced connection removed a from the room")
	}

	f.send(t, b, models.TextEvent{ID: "m1", Text: "hi"})
	if got := ofType(drain(t, fresh), models.KindText); len(got) != 1 {
		t.Errorf("replacement got %+v, want the message", got)
	}
	if got := drain(t, old); len(got) != 0 {
		t.Errorf("replaced connection got %+v", got)
	}
}

func TestProcessor_TextRules(t *testing.T) {
	f := newFixture(DeleteSoft)
	a := f.connect(t, "a", "r1")
	stranger := NewClient("z", "r1", &fakeConn{}, 8)

	if err := f.p.Handle(stranger, models.TextEvent{Text: "hi"}); !errors.Is(err, ErrNotMember) {
		t.Errorf("stranger error = %v, want %v", err, ErrNotMember)
	}

	f.send(t, a, models.TextEvent{ID: "m1", Text: "original"})
	if err := f.p.Handle(a, models.TextEvent{ID: "m1", Text: "again"}); !errors.Is(err, ErrDuplicateMessage) {
		t.Errorf("duplicate id error = %v, want %v", err, ErrDuplicateMessage)
	}

	f.send(t, a, models.TextEvent{Text: "reply", ReplyTo: &models.ReplyRef{ID: "m1", Text: "forged", SenderID: "x"}})
	msgs := f.directory.Messages("r1")
	reply := msgs[len(msgs)-1]
	if reply.ID == "" {
		t.Error("server did not assign an id")
	}
	if reply.ReplyTo == nil || reply.ReplyTo.Text != "original" || reply.ReplyTo.SenderID != "a" {
		t.Errorf("ReplyTo = %+v, want the buffered original", reply.ReplyTo)
	}
	if reply.Seq <= msgs[0].Seq {
		t.Errorf("seq %d not after %d", reply.Seq, msgs[0].Seq)
	}
}

func TestProcessor_HandleFile(t *testing.T) {
	f := newFixture(DeleteSoft)
	a := f.connect(t, "a", "r1")
	drain(t, a)

	att := &models.Attachment{ID: "f1.png", OwnerID: "a", Size: 3, MimeType: "image/png", OriginalName: "cat.png"}
	if err := f.p.HandleFile(a, att); err != nil {
		t.Fatalf("HandleFile() error = %v", err)
	}

	files := ofType(drain(t, a), models.KindFile)
	if len(files) != 1 {
		t.Fatalf("file frames = %+v", files)
	}
	if files[0].Status != models.StatusDelivered || files[0].Text != "cat.png" || files[0].File == nil || files[0].File.MimeType != "image/png" {
		t.Errorf("file frame = %+v", files[0])
	}
	if create := f.persister.last(t, "create"); create.msg.File == nil {
		t.Error("file message persisted without its attachment")
	}
	if err := f.p.Handle(a, models.EditEvent{MessageID: "f1.png", NewText: "x"}); !errors.Is(err, ErrNotEditable) {
		t.Errorf("edit of a file error = %v, want %v", err, ErrNotEditable)
	}
}
