package relay

import (
	"chat-relay/internal/models"
	"chat-relay/internal/utils"
)

// Fanout delivers outbound events to the live connections of a room's members. Delivery is
// at most once; members without an open connection catch up from the store on their next
// join.
type Fanout struct {
	registry  *Registry
	directory *Directory
}

func NewFanout(registry *Registry, directory *Directory) *Fanout {
	return &Fanout{registry: registry, directory: directory}
}

// Broadcast sends event to every member of roomID that has an open connection and returns
// how many connections it was queued on.
func (f *Fanout) Broadcast(roomID string, event models.OutboundEvent) int {
	data, err := utils.EncodeJSON(event)
	if err != nil {
		utils.LogError(err, "broadcast encode", "chat_id", roomID, "event", event.EventType())
		return 0
	}

	sent := 0
	for _, userID := range f.directory.Members(roomID) {
		if f.deliver(userID, data, event.EventType()) {
			sent++
		}
	}
	return sent
}

// SendTo sends event to a single client.
func (f *Fanout) SendTo(c *Client, event models.OutboundEvent) bool {
	data, err := utils.EncodeJSON(event)
	if err != nil {
		utils.LogError(err, "send encode", "user_id", c.UserID, "event", event.EventType())
		return false
	}
	return f.enqueue(c, data, event.EventType())
}

func (f *Fanout) deliver(userID string, data []byte, eventType string) bool {
	c := f.registry.ConnectionFor(userID)
	if c == nil {
		return false
	}
	return f.enqueue(c, data, eventType)
}

func (f *Fanout) enqueue(c *Client, data []byte, eventType string) bool {
	if !c.IsOpen() {
		return false
	}
	if !c.Enqueue(data) {
		utils.Logger().Warn("dropping frame for slow client",
			"client_id", c.ID, "user_id", c.UserID, "event", eventType)
		return false
	}
	return true
}
