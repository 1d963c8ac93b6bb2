package room

// Directory maps room ids to live rooms and connection ids to session
// records. A room is present only while it has at least one member.
//
// Directory is not safe for concurrent use. It is owned by a single
// goroutine (the hub loop), which is what serializes all room mutations.
type Directory struct {
	rooms    map[string]*Room
	sessions map[string]Session
}

// Session records which room and user a live connection belongs to
type Session struct {
	ConnectionID string
	RoomID       string
	UserID       string
}

// The outcome of a join, used by the caller for replies and fanout
type Joined struct {
	Room    *Room
	Created bool
	// Previous is set when the connection was bound to another room or
	// another user and left it as part of this join.
	Previous *Departure
}

// The outcome of a leave or disconnect
type Departure struct {
	RoomID string
	UserID string
	// Removed is false when the user was not a member
	Removed bool
	// Closed is true when the room became empty and was deleted
	Closed bool
	// Remaining members, in join order, when the room is still open
	Members []Member
	Room    *Room
}

func NewDirectory() *Directory {
	return &Directory{
		rooms:    make(map[string]*Room),
		sessions: make(map[string]Session),
	}
}

// Join creates the room on first use, upserts the member, and binds the
// connection's session record.
func (d *Directory) Join(roomID, userID, name, connID string) Joined {
	var joined Joined

	if prev, ok := d.sessions[connID]; ok && (prev.RoomID != roomID || prev.UserID != userID) {
		dep := d.release(prev)
		joined.Previous = &dep
	}

	r, ok := d.rooms[roomID]
	if !ok {
		r = NewRoom(roomID)
		d.rooms[roomID] = r
		joined.Created = true
	}

	r.upsert(Member{UserID: userID, Name: name, ConnectionID: connID})
	d.sessions[connID] = Session{ConnectionID: connID, RoomID: roomID, UserID: userID}
	joined.Room = r
	return joined
}

// Leave removes the user from the room and deletes the room once empty.
// Leaving a room the user is not in is a no-op.
func (d *Directory) Leave(roomID, userID string) Departure {
	dep := Departure{RoomID: roomID, UserID: userID}

	r, ok := d.rooms[roomID]
	if !ok {
		return dep
	}

	dep.Removed = r.remove(userID)
	if r.Size() == 0 {
		delete(d.rooms, roomID)
		dep.Closed = true
		return dep
	}

	dep.Room = r
	dep.Members = r.Members()
	return dep
}

// Disconnect resolves the connection's session record and leaves the room
// on its behalf. ok is false when the connection never joined. A stale
// connection whose user has since re-joined on a newer connection only
// drops its own record.
func (d *Directory) Disconnect(connID string) (Departure, bool) {
	s, ok := d.sessions[connID]
	if !ok {
		return Departure{}, false
	}
	delete(d.sessions, connID)
	return d.release(s), true
}

// release leaves on behalf of a session record, unless the user has since
// re-joined on another connection.
func (d *Directory) release(s Session) Departure {
	if r, ok := d.rooms[s.RoomID]; ok {
		if m, ok := r.Member(s.UserID); ok && m.ConnectionID != s.ConnectionID {
			return Departure{RoomID: s.RoomID, UserID: s.UserID}
		}
	}
	return d.Leave(s.RoomID, s.UserID)
}

// Lookup returns a live room
func (d *Directory) Lookup(roomID string) (*Room, bool) {
	r, ok := d.rooms[roomID]
	return r, ok
}

// Session returns the record for a connection
func (d *Directory) Session(connID string) (Session, bool) {
	s, ok := d.sessions[connID]
	return s, ok
}

// SetCode overwrites the shared document. Returns false for unknown rooms.
func (d *Directory) SetCode(roomID, code string) bool {
	r, ok := d.rooms[roomID]
	if !ok {
		return false
	}
	r.Code = code
	return true
}

// SetLanguage overwrites the shared language. Returns false for unknown rooms.
func (d *Directory) SetLanguage(roomID, language string) bool {
	r, ok := d.rooms[roomID]
	if !ok {
		return false
	}
	r.Language = language
	return true
}

// Len returns the number of live rooms
func (d *Directory) Len() int {
	return len(d.rooms)
}

// Rooms returns every live room. The rooms are shared, not copied.
func (d *Directory) Rooms() []*Room {
	out := make([]*Room, 0, len(d.rooms))
	for _, r := range d.rooms {
		out = append(out, r)
	}
	return out
}

// MemberCount returns the number of members across all rooms
func (d *Directory) MemberCount() int {
	n := 0
	for _, r := range d.rooms {
		n += r.Size()
	}
	return n
}
