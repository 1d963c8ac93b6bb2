package room

import (
	"github.com/manpreetbhatti/pairpad/internal/protocol"
)

// A collaborative editing session. Code and Language are last-writer-wins.
type Room struct {
	ID       string
	Code     string
	Language string

	members map[string]*Member
	order   []string
}

// A user present in a room
type Member struct {
	UserID       string
	Name         string
	ConnectionID string
}

// Creates a room with the default document and language
func NewRoom(id string) *Room {
	return &Room{
		ID:       id,
		Code:     protocol.DefaultCode,
		Language: protocol.DefaultLanguage,
		members:  make(map[string]*Member),
	}
}

// Inserts a member or refreshes a returning one. A returning member keeps
// its position in the list.
func (r *Room) upsert(m Member) {
	if existing, ok := r.members[m.UserID]; ok {
		existing.Name = m.Name
		existing.ConnectionID = m.ConnectionID
		return
	}
	member := m
	r.members[m.UserID] = &member
	r.order = append(r.order, m.UserID)
}

func (r *Room) remove(userID string) bool {
	if _, ok := r.members[userID]; !ok {
		return false
	}
	delete(r.members, userID)
	for i, id := range r.order {
		if id == userID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Member looks up a user by id
func (r *Room) Member(userID string) (Member, bool) {
	m, ok := r.members[userID]
	if !ok {
		return Member{}, false
	}
	return *m, true
}

// Members returns a copy of the member list in join order
func (r *Room) Members() []Member {
	out := make([]Member, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.members[id])
	}
	return out
}

// Size returns the number of members
func (r *Room) Size() int {
	return len(r.members)
}

// Wire returns the member list in its userJoined form
func (r *Room) Wire() []protocol.Member {
	out := make([]protocol.Member, 0, len(r.order))
	for _, id := range r.order {
		m := r.members[id]
		out = append(out, protocol.Member{UserID: m.UserID, Name: m.Name, ConnectionID: m.ConnectionID})
	}
	return out
}
