package models

// ParticipantRole is the business role a participant plays in a call.
type ParticipantRole string

const (
	RoleDemander ParticipantRole = "demander"
	RoleSupplier ParticipantRole = "supplier"
	RoleObserver ParticipantRole = "observer"
)

// MediaStream is an opaque handle to a remote media stream. Peer
// connection setup happens outside this module; the reconciler only
// tracks which participant currently owns which stream.
type MediaStream interface {
	ID() string
}

// Participant is a remote member of the active room or call, keyed by
// the socket id the transport assigned to them.
type Participant struct {
	SocketID       string          `json:"socketId"`
	Name           string          `json:"name"`
	Role           ParticipantRole `json:"role,omitempty"`
	Stream         MediaStream     `json:"-"`
	IsVideoEnabled bool            `json:"isVideoEnabled"`
}
