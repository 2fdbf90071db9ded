package relay

import "sort"

type session struct {
	client *Client
	rooms  map[string]struct{}
}

// Registry maps each user to its live connection and the rooms its session participates in.
// It is owned by the hub goroutine and is not safe for concurrent use.
type Registry struct {
	sessions map[string]*session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*session)}
}

// Register makes c the user's connection. A connection already registered for the user is
// replaced but not closed, and is returned. The session keeps its rooms.
func (r *Registry) Register(c *Client) *Client {
	s, ok := r.sessions[c.UserID]
	if !ok {
		r.sessions[c.UserID] = &session{client: c, rooms: make(map[string]struct{})}
		return nil
	}
	prev := s.client
	s.client = c
	if prev == c {
		return nil
	}
	return prev
}

func (r *Registry) Bind(userID, roomID string) {
	s, ok := r.sessions[userID]
	if !ok {
		return
	}
	s.rooms[roomID] = struct{}{}
}

// Unbind removes roomID from the session and drops the session once it has no rooms left.
func (r *Registry) Unbind(userID, roomID string) {
	s, ok := r.sessions[userID]
	if !ok {
		return
	}
	delete(s.rooms, roomID)
	if len(s.rooms) == 0 {
		delete(r.sessions, userID)
	}
}

// ConnectionFor returns the user's current connection, or nil.
func (r *Registry) ConnectionFor(userID string) *Client {
	if s, ok := r.sessions[userID]; ok {
		return s.client
	}
	return nil
}

func (r *Registry) Rooms(userID string) []string {
	s, ok := r.sessions[userID]
	if !ok {
		return nil
	}
	rooms := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		rooms = append(rooms, id)
	}
	sort.Strings(rooms)
	return rooms
}

// Len returns the number of sessions.
func (r *Registry) Len() int {
	return len(r.sessions)
}

// CloseAll closes every registered connection and forgets all sessions.
func (r *Registry) CloseAll() {
	for _, s := range r.sessions {
		if s.client != nil {
			s.client.Close()
		}
	}
	r.sessions = make(map[string]*session)
}
