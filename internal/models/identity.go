package models

import "sync"

// Identity is the local client's identity as seen by the transport and
// the chat server. The socket id is only known after the transport
// connects and changes on every reconnect, so it is set late and read
// from callback paths; a single shared Identity value keeps the
// "is this me" check in one place.
type Identity struct {
	mu       sync.RWMutex
	socketID string
	userID   string
	name     string
}

// NewIdentity creates an identity for the given user. The socket id is
// filled in by the transport once connected.
func NewIdentity(userID, name string) *Identity {
	return &Identity{userID: userID, name: name}
}

// SetSocketID records the transport-assigned socket id.
func (i *Identity) SetSocketID(socketID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.socketID = socketID
}

// SocketID returns the current transport socket id, or "" before the
// first successful connect.
func (i *Identity) SocketID() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.socketID
}

// UserID returns the stable user id.
func (i *Identity) UserID() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.userID
}

// Name returns the display name.
func (i *Identity) Name() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.name
}

// IsSelf reports whether senderID identifies the local client, matching
// either the socket id or the user id.
func (i *Identity) IsSelf(senderID string) bool {
	if senderID == "" {
		return false
	}
	i.mu.RLock()
	defer i.mu.RUnlock()
	return (i.socketID != "" && senderID == i.socketID) || (i.userID != "" && senderID == i.userID)
}
