package relay

import (
	"sort"

	"chat-relay/internal/models"
)

const DefaultHistoryLimit = 50

// room is the cached state of one chat. The buffer holds the most recent messages, oldest
// first; it is a cache of the durable store, not the log.
type room struct {
	id       string
	members  map[string]struct{}
	messages []*models.Message
	typing   map[string]struct{}
	seq      uint64
}

// Directory holds every room with at least one member. Like Registry it belongs to the hub
// goroutine.
type Directory struct {
	rooms    map[string]*room
	capacity int
}

func NewDirectory(capacity int) *Directory {
	if capacity <= 0 {
		capacity = DefaultHistoryLimit
	}
	return &Directory{rooms: make(map[string]*room), capacity: capacity}
}

// EnsureRoom creates the room on first reference. created reports whether it was new.
func (d *Directory) EnsureRoom(roomID string) (created bool) {
	if _, ok := d.rooms[roomID]; ok {
		return false
	}
	d.rooms[roomID] = &room{
		id:      roomID,
		members: make(map[string]struct{}),
		typing:  make(map[string]struct{}),
	}
	return true
}

// Seed replaces the buffer of a room with history loaded from the store (oldest first),
// keeping only the newest messages that fit.
func (d *Directory) Seed(roomID string, history []models.Message) {
	r, ok := d.rooms[roomID]
	if !ok {
		return
	}
	if len(history) > d.capacity {
		history = history[len(history)-d.capacity:]
	}
	r.messages = make([]*models.Message, 0, len(history))
	for _, m := range history {
		msg := m.Clone()
		if msg.ReadBy == nil {
			msg.ReadBy = []string{}
		}
		r.messages = append(r.messages, &msg)
		if msg.Seq > r.seq {
			r.seq = msg.Seq
		}
	}
}

// Join adds userID to the room (creating it if needed) and returns a copy of the buffer and
// the users currently typing.
func (d *Directory) Join(roomID, userID string) ([]models.Message, []string) {
	d.EnsureRoom(roomID)
	r := d.rooms[roomID]
	r.members[userID] = struct{}{}

	history := make([]models.Message, 0, len(r.messages))
	for _, m := range r.messages {
		history = append(history, m.Clone())
	}
	return history, sortedKeys(r.typing)
}

// Leave removes userID from the room and from its typing set. A room left empty is
// discarded. wasTyping reports whether the user was in the typing set.
func (d *Directory) Leave(roomID, userID string) (wasTyping bool) {
	r, ok := d.rooms[roomID]
	if !ok {
		return false
	}
	_, wasTyping = r.typing[userID]
	delete(r.typing, userID)
	delete(r.members, userID)
	if len(r.members) == 0 {
		delete(d.rooms, roomID)
	}
	return wasTyping
}

// Append adds msg to the buffer, evicting the oldest messages beyond capacity.
func (d *Directory) Append(roomID string, msg *models.Message) {
	r, ok := d.rooms[roomID]
	if !ok {
		return
	}
	r.messages = append(r.messages, msg)
	if msg.Seq > r.seq {
		r.seq = msg.Seq
	}
	if over := len(r.messages) - d.capacity; over > 0 {
		clear(r.messages[:over])
		r.messages = r.messages[over:]
	}
}

// Find returns the buffered message, or nil. The pointer is the canonical copy.
func (d *Directory) Find(roomID, messageID string) *models.Message {
	r, ok := d.rooms[roomID]
	if !ok {
		return nil
	}
	for i := len(r.messages) - 1; i >= 0; i-- {
		if r.messages[i].ID == messageID {
			return r.messages[i]
		}
	}
	return nil
}

// Remove drops a message from the buffer.
func (d *Directory) Remove(roomID, messageID string) bool {
	r, ok := d.rooms[roomID]
	if !ok {
		return false
	}
	for i, m := range r.messages {
		if m.ID == messageID {
			r.messages = append(r.messages[:i], r.messages[i+1:]...)
			return true
		}
	}
	return false
}

// Messages returns the canonical buffered messages, oldest first.
func (d *Directory) Messages(roomID string) []*models.Message {
	r, ok := d.rooms[roomID]
	if !ok {
		return nil
	}
	return append([]*models.Message(nil), r.messages...)
}

// SetTyping toggles userID in the typing set and reports whether the set changed.
func (d *Directory) SetTyping(roomID, userID string, isTyping bool) bool {
	r, ok := d.rooms[roomID]
	if !ok {
		return false
	}
	_, was := r.typing[userID]
	if isTyping {
		r.typing[userID] = struct{}{}
	} else {
		delete(r.typing, userID)
	}
	return was != isTyping
}

func (d *Directory) TypingUsers(roomID string) []string {
	r, ok := d.rooms[roomID]
	if !ok {
		return nil
	}
	return sortedKeys(r.typing)
}

func (d *Directory) Members(roomID string) []string {
	r, ok := d.rooms[roomID]
	if !ok {
		return nil
	}
	return sortedKeys(r.members)
}

func (d *Directory) IsMember(roomID, userID string) bool {
	r, ok := d.rooms[roomID]
	if !ok {
		return false
	}
	_, member := r.members[userID]
	return member
}

// NextSeq hands out the next display sequence number of the room.
func (d *Directory) NextSeq(roomID string) uint64 {
	r, ok := d.rooms[roomID]
	if !ok {
		return 0
	}
	r.seq++
	return r.seq
}

// Len returns the number of live rooms.
func (d *Directory) Len() int {
	return len(d.rooms)
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
