// Package client is the participant side of a room: a resilient
// connection session, the debounced edit publisher, remote update
// application, and the typing indicator.
package client

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

var ErrIdentityRequired = errors.New("room ID and name are required")

// Identity is who this process is in a room. UserID is issued once and
// reused across reconnects.
type Identity struct {
	RoomID   string
	UserName string
	UserID   string
}

func NewIdentity(roomID, userName string) (Identity, error) {
	roomID = strings.TrimSpace(roomID)
	userName = strings.TrimSpace(userName)
	if roomID == "" || userName == "" {
		return Identity{}, ErrIdentityRequired
	}
	return Identity{RoomID: roomID, UserName: userName, UserID: uuid.NewString()}, nil
}

// NewRoomID issues an id for a brand new room
func NewRoomID() string {
	return uuid.NewString()
}
